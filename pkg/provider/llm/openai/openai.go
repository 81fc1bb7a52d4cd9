// Package openai is an LLM gateway for the OpenAI Chat Completions API and
// any endpoint that speaks it (vLLM, LiteLLM, Azure proxies) via
// [WithBaseURL].
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/callwire/pkg/provider/llm"
)

// A caller sits in silence while a completion runs.
const defaultTimeout = 10 * time.Second

const finishLength = "length"

// Provider implements [llm.Provider].
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

type settings struct {
	baseURL      string
	organization string
	timeout      time.Duration
	maxRetries   int
}

// Option configures [New].
type Option func(*settings)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithOrganization sends an OpenAI organization ID.
func WithOrganization(org string) Option {
	return func(s *settings) { s.organization = org }
}

// WithTimeout bounds each HTTP request. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithMaxRetries enables SDK retries. Default 0: a retried completion
// usually arrives after the turn deadline, and the fallback group is the
// better place to recover.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// New returns a Provider for model.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: api key is required")
	case model == "":
		return nil, errors.New("openai: model is required")
	}
	s := settings{timeout: defaultTimeout}
	for _, o := range opts {
		o(&s)
	}

	ro := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(s.maxRetries),
		option.WithHTTPClient(&http.Client{Timeout: s.timeout}),
	}
	if s.baseURL != "" {
		ro = append(ro, option.WithBaseURL(s.baseURL))
	}
	if s.organization != "" {
		ro = append(ro, option.WithOrganization(s.organization))
	}
	return &Provider{client: oai.NewClient(ro...), model: model}, nil
}

// Complete sends one turn to the model. A reply cut off by the token limit
// is trimmed to its last full sentence.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("openai: %s: status %d: %w", p.model, apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("openai: %s: %w", p.model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: %s returned no choices", p.model)
	}

	choice := resp.Choices[0]
	truncated := choice.FinishReason == finishLength
	return &llm.CompletionResponse{
		Content:   llm.Speakable(choice.Message.Content, truncated),
		Truncated: truncated,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("request has no messages")
	}
	msgs := make([]oai.ChatCompletionMessageParamUnion, len(req.Messages))
	for i, m := range req.Messages {
		u, err := toParam(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		msgs[i] = u
	}

	out := oai.ChatCompletionNewParams{Model: shared.ChatModel(p.model), Messages: msgs}
	if req.Temperature != 0 {
		out.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		out.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return out, nil
}

func toParam(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported role %q", m.Role)
}
