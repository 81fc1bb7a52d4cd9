package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/callwire/pkg/provider/llm"
	"github.com/MrWong99/callwire/pkg/provider/stt"
	"github.com/MrWong99/callwire/pkg/provider/tts"
)

var (
	// ErrEmptyReply marks a model response with no speakable content.
	ErrEmptyReply = errors.New("resilience: empty model reply")

	// ErrNoAudio marks a synthesis result with no audio.
	ErrNoAudio = errors.New("resilience: synthesizer returned no audio")
)

// LLMFallback is an [llm.Provider] that fails over across language models.
// A blank reply counts as a failure of the backend that produced it, since
// the caller would otherwise hear silence.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns an [LLMFallback] preferring primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend tried after the ones already registered.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.group.AddFallback(name, p) }

// Names lists the backends in the order they are tried.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// Healthy reports whether any backend currently accepts requests.
func (f *LLMFallback) Healthy() bool { return f.group.Healthy() }

// Complete returns the first non-blank reply.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp == nil || strings.TrimSpace(resp.Content) == "" {
			return nil, ErrEmptyReply
		}
		return resp, nil
	})
}

// STTFallback is an [stt.Provider] that fails over when a recogniser
// refuses to open a stream. A stream that drops mid-call is not reopened.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns an [STTFallback] preferring primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend tried after the ones already registered.
func (f *STTFallback) AddFallback(name string, p stt.Provider) { f.group.AddFallback(name, p) }

// Healthy reports whether any backend currently accepts requests.
func (f *STTFallback) Healthy() bool { return f.group.Healthy() }

// StartStream opens a stream on the first backend that accepts it.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// TTSFallback is a [tts.Provider] that fails over across synthesizers.
// A fallback interprets voice.ID on its own terms, so fallbacks should share
// voice identifiers with the primary.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback returns a [TTSFallback] preferring primary.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend tried after the ones already registered.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) { f.group.AddFallback(name, p) }

// Healthy reports whether any backend currently accepts requests.
func (f *TTSFallback) Healthy() bool { return f.group.Healthy() }

// Synthesize returns the first non-empty audio.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]byte, error) {
		audio, err := p.Synthesize(ctx, text, voice)
		if err != nil {
			return nil, err
		}
		if len(audio) == 0 {
			return nil, ErrNoAudio
		}
		return audio, nil
	})
}
