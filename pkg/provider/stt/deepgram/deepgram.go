// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface and is
// tuned for telephony: μ-law 8 kHz audio is forwarded without transcoding.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callwire/pkg/provider/stt"
)

const (
	deepgramEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel       = "nova-3"
	defaultLanguage    = "en-US"
	defaultEncoding    = "mulaw"
	defaultSampleRate  = 8000
	defaultDialTimeout = 5 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "nova-2-phonecall").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithDialTimeout bounds the WebSocket handshake. Default: 5s.
func WithDialTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.dialTimeout = d
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey      string
	model       string
	language    string
	endpoint    string
	dialTimeout time.Duration
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		model:       defaultModel,
		language:    defaultLanguage,
		endpoint:    deepgramEndpoint,
		dialTimeout: defaultDialTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram. The
// session's read and write loops run until Close is called or ctx is done.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:   conn,
		events: make(chan stt.Event, 64),
		audio:  make(chan []byte, 256),
		done:   make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = defaultEncoding
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch == 0 {
		ch = 1
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", enc)
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(ch))
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	// utterance_end_ms requires interim results; interims are dropped in parse.
	q.Set("interim_results", "true")
	if cfg.UtteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(cfg.UtteranceEndMs))
	}
	for _, kw := range cfg.Keywords {
		q.Add("keywords", kw)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse covers the Results and UtteranceEnd message types.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn   *websocket.Conn
	events chan stt.Event
	audio  chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// SendAudio queues an audio frame for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Events returns the event channel.
func (s *session) Events() <-chan stt.Event { return s.events }

// Err returns the error that ended the read loop, if any.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// CloseStream asks Deepgram to flush pending audio and close.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them as events.
// Only an unexpected end of the stream is recorded as the session error: a
// read interrupted by Close, a normal closure, or the caller's own ctx
// ending are clean shutdowns.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			if !s.cleanEnd(ctx, err) {
				s.setErr(fmt.Errorf("deepgram: read: %w", err))
			}
			return
		}

		ev, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *session) cleanEnd(ctx context.Context, err error) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	if ctx.Err() != nil {
		// The read was torn down by the caller, not by Deepgram.
		return true
	}
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message into an event.
// Interim results, empty finals and metadata messages are ignored.
func parseDeepgramResponse(data []byte) (stt.Event, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Event{}, false
	}
	switch resp.Type {
	case "UtteranceEnd":
		return stt.Event{Kind: stt.EventUtteranceEnd}, true
	case "Results":
		if !resp.IsFinal || len(resp.Channel.Alternatives) == 0 {
			return stt.Event{}, false
		}
		alt := resp.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return stt.Event{}, false
		}
		return stt.Event{
			Kind: stt.EventTranscript,
			Transcript: stt.Transcript{
				Text:        alt.Transcript,
				Confidence:  alt.Confidence,
				SpeechFinal: resp.SpeechFinal,
			},
		}, true
	default:
		return stt.Event{}, false
	}
}
