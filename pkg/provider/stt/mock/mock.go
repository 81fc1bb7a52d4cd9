// Package mock provides test doubles for the stt.Provider and
// stt.SessionHandle interfaces.
//
// Tests drive a Session by calling Emit (fragments, utterance ends) and
// Drop (a lost connection), and inspect the audio the code under test
// forwarded through Audio.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callwire/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned from StartStream.
	StartErr error

	// Started, if non-nil, receives every session created by StartStream.
	// It is sent without blocking.
	Started chan *Session

	// EndOnCancel makes a session end with the stream context's error when
	// that context is cancelled before Close, like a network recogniser
	// whose pending read is torn down.
	EndOnCancel bool

	configs  []stt.StreamConfig
	sessions []*Session
}

var _ stt.Provider = (*Provider)(nil)

// StartStream implements stt.Provider.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.configs = append(p.configs, cfg)
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	if p.EndOnCancel {
		go func() {
			select {
			case <-ctx.Done():
				s.end(ctx.Err())
			case <-s.done:
			}
		}()
	}
	if p.Started != nil {
		select {
		case p.Started <- s:
		default:
		}
	}
	return s, nil
}

// Sessions returns all sessions started so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// Configs returns the StreamConfig of every StartStream call.
func (p *Provider) Configs() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stt.StreamConfig(nil), p.configs...)
}

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	events chan stt.Event
	done   chan struct{}

	mu     sync.Mutex
	audio  [][]byte
	closed bool
	err    error
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns an open Session with a buffered event channel.
func NewSession() *Session {
	return &Session{
		events: make(chan stt.Event, 64),
		done:   make(chan struct{}),
	}
}

// SendAudio records chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	s.audio = append(s.audio, append([]byte(nil), chunk...))
	return nil
}

// Events implements stt.SessionHandle.
func (s *Session) Events() <-chan stt.Event { return s.events }

// Err implements stt.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements stt.SessionHandle.
func (s *Session) Close() error {
	s.end(nil)
	return nil
}

// Emit delivers ev to the consumer. It is a no-op after the session ended.
func (s *Session) Emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// EmitText delivers a final transcript fragment.
func (s *Session) EmitText(text string) {
	s.Emit(stt.Event{Kind: stt.EventTranscript, Transcript: stt.Transcript{Text: text}})
}

// Drop ends the session with err, simulating a lost connection.
func (s *Session) Drop(err error) { s.end(err) }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Audio returns a copy of all forwarded audio frames.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

// Closed reports whether Close or Drop was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
	close(s.done)
}
