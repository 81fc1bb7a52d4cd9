// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A provider turns one assistant reply into audio that can be streamed to the
// carrier as-is. For telephony that means 8 kHz μ-law; providers are
// configured for the carrier's codec so no transcoding happens in the call
// path.
package tts

import "context"

// Voice selects and tunes the synthetic voice used for a call.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Stability and SimilarityBoost are optional provider tuning values in
	// [0, 1]. Zero means the provider default.
	Stability       float64
	SimilarityBoost float64

	// Speed is a playback speed multiplier. Zero means 1.0.
	Speed float64
}

// Provider synthesizes speech.
type Provider interface {
	// Synthesize renders text with voice and returns the complete audio in the
	// provider's configured output format. It must honour ctx's deadline.
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)
}
