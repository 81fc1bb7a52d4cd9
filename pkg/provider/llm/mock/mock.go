// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the requests a call sends and to feed
// controlled replies without a live LLM backend. Set fields before the first
// call; all methods are safe for concurrent use.
//
// Example:
//
//	p := &mock.Provider{Reply: "Sure, what day works for you?"}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callwire/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Req is the CompletionRequest passed to Complete. Its Messages slice is
	// a copy, so later mutation by the caller does not affect the record.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Reply is returned as the response content when ReplyFunc is nil.
	Reply string

	// ReplyFunc, when set, computes the reply from the request.
	ReplyFunc func(req llm.CompletionRequest) (string, error)

	// Err, if non-nil, is returned from Complete.
	Err error

	// Gate, if non-nil, makes Complete block until a value is received from it
	// or ctx is done. Use it to hold a turn in flight.
	Gate chan struct{}

	// Started, if non-nil, receives a value when Complete is entered (before
	// Gate). It is sent without blocking.
	Started chan struct{}

	calls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	req.Messages = append([]llm.Message(nil), req.Messages...)

	p.mu.Lock()
	p.calls = append(p.calls, CompleteCall{Req: req})
	gate, started := p.Gate, p.Started
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	content := p.Reply
	if p.ReplyFunc != nil {
		var err error
		if content, err = p.ReplyFunc(req); err != nil {
			return nil, err
		}
	}
	return &llm.CompletionResponse{
		Content: content,
		Usage:   llm.Usage{PromptTokens: len(req.Messages), CompletionTokens: 1, TotalTokens: len(req.Messages) + 1},
	}, nil
}

// Calls returns a copy of all recorded Complete invocations.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompleteCall(nil), p.calls...)
}

// CallCount returns the number of Complete invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
