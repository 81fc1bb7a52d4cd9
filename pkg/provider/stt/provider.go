// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// A call opens exactly one stream when the carrier starts the media session
// and feeds it the carrier's raw audio frames verbatim. The stream reports
// final transcript fragments and utterance boundaries on a single event
// channel; the channel is closed when the stream ends for any reason, and
// [SessionHandle.Err] then tells a clean close from a dropped connection.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by [SessionHandle.SendAudio] after the stream
// has ended.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition options of a stream.
type StreamConfig struct {
	// Encoding is the audio encoding of the frames passed to SendAudio
	// (e.g. "mulaw" for telephony, "linear16" for PCM).
	Encoding string

	// SampleRate is the audio sample rate in Hz (8000 for telephony).
	SampleRate int

	// Channels is the number of audio channels. Zero means mono.
	Channels int

	// Language is a BCP-47 language tag such as "en-US".
	Language string

	// UtteranceEndMs asks the provider to emit an [EventUtteranceEnd] after
	// this much trailing silence. Zero disables utterance-end events.
	UtteranceEndMs int

	// Keywords are domain terms the recogniser should favour (organisation
	// and assistant names).
	Keywords []string
}

// EventKind discriminates [Event] values.
type EventKind int

const (
	// EventTranscript carries a final transcript fragment.
	EventTranscript EventKind = iota + 1

	// EventUtteranceEnd signals the provider detected the end of an utterance.
	EventUtteranceEnd
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventTranscript:
		return "transcript"
	case EventUtteranceEnd:
		return "utterance_end"
	default:
		return "unknown"
	}
}

// Transcript is one recognised fragment of caller speech.
type Transcript struct {
	// Text is the recognised text. May be empty for silence.
	Text string

	// Confidence is the provider's confidence in [0, 1].
	Confidence float64

	// SpeechFinal is true when the provider believes the speaker paused after
	// this fragment.
	SpeechFinal bool
}

// Event is a single item on a stream's event channel.
type Event struct {
	Kind       EventKind
	Transcript Transcript
}

// SessionHandle is a live transcription stream.
type SessionHandle interface {
	// SendAudio queues one audio frame for recognition. It returns
	// [ErrSessionClosed] once the stream has ended.
	SendAudio(chunk []byte) error

	// Events returns the stream's event channel. It is closed when the stream
	// ends.
	Events() <-chan Event

	// Err returns the error that ended the stream, or nil for a clean close or
	// a stream that is still running.
	Err() error

	// Close ends the stream. It is safe to call more than once.
	Close() error
}

// Provider opens transcription streams.
type Provider interface {
	// StartStream dials the backend and returns a running stream. Dialing is
	// bounded by ctx; the stream itself lives until Close or ctx is done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
