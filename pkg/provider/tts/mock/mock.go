// Package mock provides a test double for the tts.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callwire/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider. When Audio is nil it
// returns one byte per character of text, so tests can predict frame counts.
type Provider struct {
	mu sync.Mutex

	// Audio, if non-nil, is returned for every call.
	Audio []byte

	// Err, if non-nil, is returned from Synthesize.
	Err error

	// FailText, if non-empty, makes Synthesize fail only for this exact text.
	FailText string

	calls []SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, SynthesizeCall{Text: text, Voice: voice})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Err != nil && (p.FailText == "" || p.FailText == text) {
		return nil, p.Err
	}
	if p.Audio != nil {
		return append([]byte(nil), p.Audio...), nil
	}
	out := make([]byte, len(text))
	for i := range out {
		out[i] = 0xff
	}
	return out, nil
}

// Calls returns a copy of all recorded Synthesize invocations.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.calls...)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
