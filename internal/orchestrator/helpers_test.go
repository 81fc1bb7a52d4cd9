package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callwire/internal/callctx"
	"github.com/MrWong99/callwire/internal/callsession"
	"github.com/MrWong99/callwire/internal/ledger"
	"github.com/MrWong99/callwire/internal/media"
	"github.com/MrWong99/callwire/internal/token"
	llmmock "github.com/MrWong99/callwire/pkg/provider/llm/mock"
	"github.com/MrWong99/callwire/pkg/provider/stt"
	sttmock "github.com/MrWong99/callwire/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/callwire/pkg/provider/tts/mock"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type outFrame struct {
	event media.Event
	audio []byte
	mark  string
}

// fakeStream is an in-memory Stream. Tests push inbound frames and inspect
// the outbound frames in order.
type fakeStream struct {
	in chan media.Inbound

	mu     sync.Mutex
	out    []outFrame
	closed bool
	marks  chan string
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		in:    make(chan media.Inbound, 64),
		marks: make(chan string, 64),
	}
}

func (s *fakeStream) ReadFrame(ctx context.Context) (media.Inbound, error) {
	select {
	case f, ok := <-s.in:
		if !ok {
			return media.Inbound{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return media.Inbound{}, ctx.Err()
	}
}

func (s *fakeStream) SendAudio(_ context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.ErrClosed
	}
	s.out = append(s.out, outFrame{event: media.EventMedia, audio: append([]byte(nil), audio...)})
	return nil
}

func (s *fakeStream) SendMark(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.ErrClosed
	}
	s.out = append(s.out, outFrame{event: media.EventMark, mark: name})
	s.marks <- name
	return nil
}

func (s *fakeStream) SendClear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.ErrClosed
	}
	s.out = append(s.out, outFrame{event: media.EventClear})
	return nil
}

func (s *fakeStream) Close(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) frames() []outFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outFrame(nil), s.out...)
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// nextMark waits for the next outbound mark.
func (s *fakeStream) nextMark(t *testing.T) string {
	t.Helper()
	select {
	case m := <-s.marks:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for outbound mark")
		return ""
	}
}

type stubLoader struct {
	err   error
	calls int
	mu    sync.Mutex
}

func (l *stubLoader) Load(_ context.Context, calledNumber, callerPhone string) (*callctx.Context, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	c := fixtureContext()
	c.CalledNumber = calledNumber
	c.CallerPhone = callerPhone
	return c, nil
}

func fixtureContext() *callctx.Context {
	return &callctx.Context{
		Assistant: callctx.Assistant{
			ID:             "asst-1",
			OrganizationID: "org-1",
			Name:           "Ava",
			Prompt:         "Help callers book cleanings.",
			FirstMessage:   "Hi, this is Ava.",
			VoiceID:        "voice-ava",
			Temperature:    0.4,
			MaxTokens:      150,
			Active:         true,
		},
		Organization: callctx.Organization{
			ID:       "org-1",
			Name:     "Bright Smile Dental",
			Timezone: "America/New_York",
		},
	}
}

// fakeLedger records bookkeeping calls.
type fakeLedger struct {
	mu        sync.Mutex
	createID  string
	created   []ledger.NewCall
	completed []ledger.Completion
	notes     []ledger.Notification
	notified  chan struct{}
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{createID: "rec-1", notified: make(chan struct{}, 8)}
}

func (l *fakeLedger) CreateCallRecord(_ context.Context, call ledger.NewCall) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = append(l.created, call)
	return l.createID
}

func (l *fakeLedger) CompleteCallRecord(_ context.Context, id string, c ledger.Completion) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id == "" {
		return ledger.ErrNoRecord
	}
	l.completed = append(l.completed, c)
	return nil
}

func (l *fakeLedger) NotifyCallCompleted(_ context.Context, note ledger.Notification) {
	l.mu.Lock()
	l.notes = append(l.notes, note)
	l.mu.Unlock()
	l.notified <- struct{}{}
}

func (l *fakeLedger) snapshot() ([]ledger.NewCall, []ledger.Completion, []ledger.Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.NewCall(nil), l.created...),
		append([]ledger.Completion(nil), l.completed...),
		append([]ledger.Notification(nil), l.notes...)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	o      *Orchestrator
	tokens *token.Authority
	loader *stubLoader
	ledger *fakeLedger
	llm    *llmmock.Provider
	stt    *sttmock.Provider
	tts    *ttsmock.Provider
	stream *fakeStream
	done   chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tokens, err := token.NewAuthority([]byte("test-secret"))
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	h := &harness{
		tokens: tokens,
		loader: &stubLoader{},
		ledger: newFakeLedger(),
		llm:    &llmmock.Provider{Reply: "Sure, I can help with that."},
		stt:    &sttmock.Provider{Started: make(chan *sttmock.Session, 1)},
		tts:    &ttsmock.Provider{},
		stream: newFakeStream(),
		done:   make(chan error, 1),
	}
	h.o, err = New(Deps{
		Tokens: tokens,
		Loader: h.loader,
		Ledger: h.ledger,
		LLM:    h.llm,
		STT:    h.stt,
		TTS:    h.tts,
	}, Config{
		TurnTimeout: 2 * time.Second,
		Session: callsession.Config{
			Buffer: callsession.BufferConfig{
				callsession.InputGeneral: {Debounce: time.Minute, MaxWait: time.Minute},
				callsession.InputPhone:   {Debounce: time.Minute, MaxWait: time.Minute, IgnoreUtteranceEnd: true},
			},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func (h *harness) serve() { h.serveContext(context.Background()) }

func (h *harness) serveContext(ctx context.Context) {
	go func() { h.done <- h.o.Serve(ctx, h.stream) }()
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

// startCall sends a start frame with a fresh token and returns the
// recogniser session once it is open.
func (h *harness) startCall(t *testing.T) *sttmock.Session {
	t.Helper()
	h.stream.in <- startFrame(h.tokens.Issue("+15552223333", "+15550001111"))
	select {
	case s := <-h.stt.Started:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("recogniser stream was not opened")
		return nil
	}
}

// say delivers one final transcript followed by an utterance boundary.
func say(s *sttmock.Session, text string) {
	s.EmitText(text)
	s.Emit(utteranceEnd)
}

func startFrame(tok string) media.Inbound {
	return media.Inbound{
		Event:     media.EventStart,
		StreamSID: "MZ1",
		Start: &media.Start{
			CallSID:          "CA1",
			StreamSID:        "MZ1",
			CustomParameters: map[string]string{media.AuthTokenParameter: tok},
		},
	}
}

func audioFrame(b []byte) media.Inbound {
	return media.Inbound{
		Event: media.EventMedia,
		Media: &media.MediaPayload{Payload: base64.StdEncoding.EncodeToString(b)},
	}
}

func markFrame(name string) media.Inbound {
	return media.Inbound{Event: media.EventMark, Mark: &media.MarkPayload{Name: name}}
}

func stopFrame() media.Inbound {
	return media.Inbound{Event: media.EventStop, Stop: &media.StopPayload{CallSID: "CA1"}}
}

// settle waits until the recogniser events were consumed and gives the
// reader a moment to act on them.
func settle(t *testing.T, s *sttmock.Session) {
	t.Helper()
	waitFor(t, "recogniser events consumed", func() bool { return len(s.Events()) == 0 })
	time.Sleep(50 * time.Millisecond)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var (
	errBoom      = errors.New("boom")
	utteranceEnd = stt.Event{Kind: stt.EventUtteranceEnd}
)
