// Package anyllm is an LLM gateway over github.com/mozilla-ai/any-llm-go, so
// a deployment can answer calls with Anthropic, Gemini, Mistral, Groq,
// DeepSeek or a local Ollama or llama.cpp model without a dedicated client.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/callwire/pkg/provider/llm"
)

const defaultTimeout = 10 * time.Second

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

var backends = map[string]constructor{
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
}

// Supported lists the backend names accepted by [New].
var Supported = []string{"anthropic", "deepseek", "gemini", "groq", "llamacpp", "mistral", "ollama", "openai"}

// Provider implements [llm.Provider].
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
	timeout time.Duration
}

var _ llm.Provider = (*Provider)(nil)

// New returns a Provider for model on the named backend. opts are any-llm-go
// options; without anyllmlib.WithAPIKey the backend reads its usual
// environment variable.
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	switch {
	case backend == "":
		return nil, errors.New("anyllm: backend name is required")
	case model == "":
		return nil, errors.New("anyllm: model is required")
	}
	name := strings.ToLower(backend)
	mk, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q (supported: %s)", backend, strings.Join(Supported, ", "))
	}
	b, err := mk(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", name, err)
	}
	return &Provider{backend: b, name: name, model: model, timeout: defaultTimeout}, nil
}

// WithTimeout sets the deadline of each completion and returns p.
func (p *Provider) WithTimeout(d time.Duration) *Provider {
	if d > 0 {
		p.timeout = d
	}
	return p
}

// Complete sends one turn to the backend. A reply cut off by the token limit
// is trimmed to its last full sentence.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anyllm: request has no messages")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s/%s: %w", p.name, p.model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %s/%s returned no choices", p.name, p.model)
	}

	choice := resp.Choices[0]
	truncated := choice.FinishReason == "length"
	out := &llm.CompletionResponse{
		Content:   llm.Speakable(choice.Message.ContentString(), truncated),
		Truncated: truncated,
	}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// buildParams maps the request one to one; the roles are shared.
func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = anyllmlib.Message{Role: m.Role, Content: m.Content}
	}
	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if t := req.Temperature; t != 0 {
		params.Temperature = &t
	}
	if n := req.MaxTokens; n > 0 {
		params.MaxTokens = &n
	}
	return params
}
