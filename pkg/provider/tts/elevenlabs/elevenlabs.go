// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs stream-input WebSocket API. It implements the tts.Provider
// interface and by default requests 8 kHz μ-law output, the carrier codec.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callwire/pkg/provider/tts"
)

const (
	defaultEndpoint  = "wss://api.elevenlabs.io/v1/text-to-speech"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "ulaw_8000"
	defaultTimeout   = 10 * time.Second
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "ulaw_8000", "pcm_16000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithTimeout bounds one synthesis from dial to final audio. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.timeout = d
	}
}

// WithEndpoint overrides the WebSocket base endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	endpoint     string
	timeout      time.Duration
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpoint:     defaultEndpoint,
		timeout:      defaultTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
// An empty Text ends the input stream.
type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey             string         `json:"xi_api_key,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Synthesize opens a stream-input WebSocket, sends text as a single
// generation, and collects the audio until ElevenLabs reports the final chunk.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}
	if text == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, p.buildURL(voice.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.CloseNow()

	// ElevenLabs requires a non-empty first text value carrying the key.
	for _, msg := range []textMessage{
		{Text: " ", VoiceSettings: buildVoiceSettings(voice), XiAPIKey: p.apiKey},
		{Text: text + " ", TryTriggerGeneration: true},
		{Text: ""},
	} {
		if err := writeJSON(ctx, conn, msg); err != nil {
			return nil, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	var audio bytes.Buffer
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && audio.Len() > 0 {
				return audio.Bytes(), nil
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		final, err := appendAudio(&audio, data)
		if err != nil {
			return nil, err
		}
		if final {
			conn.Close(websocket.StatusNormalClosure, "done")
			if audio.Len() == 0 {
				return nil, errors.New("elevenlabs: no audio returned")
			}
			return audio.Bytes(), nil
		}
	}
}

// appendAudio decodes one server message into buf and reports whether it was
// the final message of the generation.
func appendAudio(buf *bytes.Buffer, data []byte) (bool, error) {
	var resp audioResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return false, nil
	}
	if resp.Error != "" {
		return false, fmt.Errorf("elevenlabs: server error: %s", resp.Error)
	}
	if resp.Audio != "" {
		chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			return false, fmt.Errorf("elevenlabs: decode audio: %w", err)
		}
		buf.Write(chunk)
	}
	return resp.IsFinal, nil
}

// buildURL constructs the stream-input URL for a voice.
func (p *Provider) buildURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return p.endpoint + "/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}

func buildVoiceSettings(v tts.Voice) *voiceSettings {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: v.Speed}
	if v.Stability > 0 {
		vs.Stability = v.Stability
	}
	if v.SimilarityBoost > 0 {
		vs.SimilarityBoost = v.SimilarityBoost
	}
	return vs
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
