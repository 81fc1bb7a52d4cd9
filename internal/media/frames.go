// Package media speaks the carrier's bidirectional media-stream protocol:
// JSON text frames over a WebSocket carrying base64 μ-law audio at 8 kHz.
//
// Inbound frames are connected, start, media, mark, and stop. Outbound frames
// are media (audio for the caller), mark (a playback checkpoint the carrier
// echoes back once everything before it has played), and clear (drop all
// queued audio).
package media

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// FrameSize is the number of μ-law bytes in one outbound media frame: 20 ms
// at 8000 samples per second.
const FrameSize = 160

// Event names a frame type.
type Event string

const (
	EventConnected Event = "connected"
	EventStart     Event = "start"
	EventMedia     Event = "media"
	EventMark      Event = "mark"
	EventStop      Event = "stop"
	EventClear     Event = "clear"
)

var (
	// ErrBadFrame is returned by [Decode] for frames that are not valid JSON
	// or lack the payload their event requires.
	ErrBadFrame = errors.New("media: bad frame")

	// ErrUnknownEvent is returned by [Decode] for frame types this package
	// does not handle. Callers may log and skip such frames.
	ErrUnknownEvent = errors.New("media: unknown event")
)

// Inbound is a frame received from the carrier. Exactly one payload pointer
// is set, matching Event; connected frames carry none.
type Inbound struct {
	Event          Event  `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSID      string `json:"streamSid,omitempty"`
	Protocol       string `json:"protocol,omitempty"`
	Version        string `json:"version,omitempty"`

	Start *Start        `json:"start,omitempty"`
	Media *MediaPayload `json:"media,omitempty"`
	Mark  *MarkPayload  `json:"mark,omitempty"`
	Stop  *StopPayload  `json:"stop,omitempty"`
}

// Start describes the call a stream belongs to.
type Start struct {
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

// MediaFormat is the audio encoding of the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one chunk of base64 audio.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// MarkPayload names a playback checkpoint.
type MarkPayload struct {
	Name string `json:"name"`
}

// StopPayload is sent when the call ends or the stream is stopped.
type StopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// Decode parses one inbound text frame.
func Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("%w: %w", ErrBadFrame, err)
	}
	switch in.Event {
	case EventConnected:
	case EventStart:
		if in.Start == nil {
			return in, fmt.Errorf("%w: start without payload", ErrBadFrame)
		}
		if in.StreamSID == "" {
			in.StreamSID = in.Start.StreamSID
		}
	case EventMedia:
		if in.Media == nil {
			return in, fmt.Errorf("%w: media without payload", ErrBadFrame)
		}
	case EventMark:
		if in.Mark == nil {
			return in, fmt.Errorf("%w: mark without payload", ErrBadFrame)
		}
	case EventStop:
	default:
		return in, fmt.Errorf("%w %q", ErrUnknownEvent, in.Event)
	}
	return in, nil
}

// Audio decodes the base64 payload of a media frame.
func (in Inbound) Audio() ([]byte, error) {
	if in.Media == nil {
		return nil, fmt.Errorf("media: %s frame has no audio", in.Event)
	}
	b, err := base64.StdEncoding.DecodeString(in.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("media: decode payload: %w", err)
	}
	return b, nil
}

// AuthToken returns the stream token passed as a custom parameter of the
// start frame, or "".
func (in Inbound) AuthToken() string {
	if in.Start == nil {
		return ""
	}
	return in.Start.CustomParameters[AuthTokenParameter]
}

// outbound is a frame sent to the carrier.
type outbound struct {
	Event     Event          `json:"event"`
	StreamSID string         `json:"streamSid"`
	Media     *outboundMedia `json:"media,omitempty"`
	Mark      *MarkPayload   `json:"mark,omitempty"`
}

type outboundMedia struct {
	Payload string `json:"payload"`
}

func mediaFrame(streamSID string, audio []byte) outbound {
	return outbound{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &outboundMedia{Payload: base64.StdEncoding.EncodeToString(audio)},
	}
}

func markFrame(streamSID, name string) outbound {
	return outbound{Event: EventMark, StreamSID: streamSID, Mark: &MarkPayload{Name: name}}
}

func clearFrame(streamSID string) outbound {
	return outbound{Event: EventClear, StreamSID: streamSID}
}
