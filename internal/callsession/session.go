// Package callsession holds the per-call conversational state: the sliding
// window of chat messages sent to the language model, the utterance buffer
// that turns transcript fragments into caller turns, and the flags that
// serialise turns and track whether the assistant is currently speaking.
//
// A [Session] is owned by one media-stream connection. Its methods are safe
// for concurrent use because timer callbacks, the recogniser reader, and the
// turn goroutine all touch it.
package callsession

import (
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callwire/internal/callctx"
	"github.com/MrWong99/callwire/pkg/provider/llm"
	"github.com/MrWong99/callwire/pkg/provider/stt"
)

// DefaultMaxMessages is the window size used when [Config.MaxMessages] is
// zero. It counts the system prompt.
const DefaultMaxMessages = 20

// State is the lifecycle stage of a call session.
type State int

const (
	StateIdle State = iota
	StateActive
	StateProcessing
	StateEnded
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateProcessing:
		return "processing"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Config tunes a [Session].
type Config struct {
	// MaxMessages bounds the message list including the system prompt.
	MaxMessages int

	// Buffer holds per-input-type timings. Nil selects the defaults.
	Buffer BufferConfig
}

// Line is one spoken line in the call transcript.
type Line struct {
	Role string
	Text string
	At   time.Time
}

// Session is the state of one phone call.
type Session struct {
	callID      string
	maxMessages int
	buffer      *Buffer

	mu          sync.Mutex
	state       State
	callCtx     *callctx.Context
	startedAt   time.Time
	messages    []llm.Message
	processing  bool
	pending     string
	hasPending  bool
	speaking    bool
	lastMark    string
	transcript  []Line
	transcriber stt.SessionHandle
}

// New creates an idle session for callID.
func New(callID string, cfg Config) *Session {
	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Session{
		callID:      callID,
		maxMessages: maxMessages,
		buffer:      NewBuffer(cfg.Buffer),
		state:       StateIdle,
	}
}

// CallID returns the carrier call identifier.
func (s *Session) CallID() string { return s.callID }

// Start attaches the loaded call context and moves the session to active.
func (s *Session) Start(c *callctx.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return
	}
	s.callCtx = c
	s.startedAt = now
	s.state = StateActive
}

// Context returns the read-only call context, or nil before [Session.Start].
func (s *Session) Context() *callctx.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCtx
}

// StartedAt returns the time passed to [Session.Start].
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive && s.processing {
		return StateProcessing
	}
	return s.state
}

// SetSystemPrompt inserts the system prompt at index 0, replacing an existing
// one.
func (s *Session) SetSystemPrompt(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := llm.Message{Role: llm.RoleSystem, Content: text}
	if len(s.messages) > 0 && s.messages[0].Role == llm.RoleSystem {
		s.messages[0] = msg
		return
	}
	s.messages = append([]llm.Message{msg}, s.messages...)
	s.truncateLocked()
}

// AddMessage appends a message and drops the oldest non-system messages
// until the window fits.
func (s *Session) AddMessage(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return
	}
	s.messages = append(s.messages, llm.Message{Role: role, Content: text})
	s.truncateLocked()
}

func (s *Session) truncateLocked() {
	over := len(s.messages) - s.maxMessages
	if over <= 0 {
		return
	}
	start := 0
	if s.messages[0].Role == llm.RoleSystem {
		start = 1
	}
	s.messages = append(s.messages[:start], s.messages[start+over:]...)
}

// Messages returns a copy of the current window.
func (s *Session) Messages() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// RollbackLastUser removes the trailing message if it is a user message with
// the given text. It reports whether a message was removed.
func (s *Session) RollbackLastUser(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.messages)
	if n == 0 {
		return false
	}
	last := s.messages[n-1]
	if last.Role != llm.RoleUser || last.Content != text {
		return false
	}
	s.messages = s.messages[:n-1]
	return true
}

// SetExpectedInputType biases buffering for the caller's next utterance.
func (s *Session) SetExpectedInputType(t InputType) {
	s.buffer.SetExpectedInputType(t)
}

// ExpectedInputType returns the type the buffer is waiting for.
func (s *Session) ExpectedInputType() InputType {
	return s.buffer.ExpectedInputType()
}

// BufferTranscript adds a final transcript fragment to the utterance buffer.
// onFlush receives the joined utterance exactly once per utterance.
func (s *Session) BufferTranscript(text string, onFlush func(string)) {
	s.buffer.Add(text, onFlush)
}

// FlushBuffer handles an utterance boundary from the recogniser.
func (s *Session) FlushBuffer() {
	s.buffer.Flush()
}

// QueueOrProcess starts a turn with text, or parks it in the pending slot
// when a turn is already running. Parked texts are joined with a space so
// several interruptions become one turn. It reports whether fn was called.
func (s *Session) QueueOrProcess(text string, fn func(string)) bool {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return false
	}
	if s.processing {
		if s.hasPending {
			s.pending += " " + text
		} else {
			s.pending = text
			s.hasPending = true
		}
		s.mu.Unlock()
		return false
	}
	s.processing = true
	s.mu.Unlock()

	fn(text)
	return true
}

// BeginTurn claims the turn slot for speech that does not come from the
// caller, such as the greeting. It reports false if a turn is running.
func (s *Session) BeginTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing || s.state == StateEnded {
		return false
	}
	s.processing = true
	return true
}

// DrainPending is called when a turn completes. It hands any parked text to
// fn while keeping the turn slot claimed, or releases the slot. It reports
// whether fn was called.
func (s *Session) DrainPending(fn func(string)) bool {
	s.mu.Lock()
	if !s.hasPending || s.state == StateEnded {
		s.processing = false
		s.pending = ""
		s.hasPending = false
		s.mu.Unlock()
		return false
	}
	text := s.pending
	s.pending = ""
	s.hasPending = false
	s.mu.Unlock()

	fn(text)
	return true
}

// Processing reports whether a turn is in flight.
func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// SetSpeaking records that audio ending with mark is queued at the carrier.
func (s *Session) SetSpeaking(mark string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = true
	s.lastMark = mark
}

// TakeSpeaking atomically reads and clears the speaking flag.
func (s *Session) TakeSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.speaking
	s.speaking = false
	return was
}

// Speaking reports whether assistant audio is believed to be playing.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// MarkPlayed handles a playback acknowledgement. Only the most recent mark
// clears the speaking flag; acknowledgements of superseded audio are ignored.
func (s *Session) MarkPlayed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" || name != s.lastMark {
		return false
	}
	s.speaking = false
	return true
}

// RecordSpoken appends a line to the full call transcript.
func (s *Session) RecordSpoken(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, Line{Role: role, Text: text, At: time.Now()})
}

// Lines returns a copy of the call transcript.
func (s *Session) Lines() []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Line, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Transcript renders the call transcript with one "Caller:" or "Assistant:"
// line per spoken line.
func (s *Session) Transcript() string {
	lines := s.Lines()
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		switch l.Role {
		case llm.RoleUser:
			b.WriteString("Caller: ")
		default:
			b.WriteString("Assistant: ")
		}
		b.WriteString(l.Text)
	}
	return b.String()
}

// SetTranscriber attaches the speech-to-text stream so [Session.Destroy]
// can close it.
func (s *Session) SetTranscriber(h stt.SessionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcriber = h
}

// Transcriber returns the attached speech-to-text stream, or nil.
func (s *Session) Transcriber() stt.SessionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcriber
}

// Destroy stops the buffer timers, closes the transcription stream and
// releases the message list. Calls after the first return nil.
func (s *Session) Destroy() error {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return nil
	}
	s.state = StateEnded
	h := s.transcriber
	s.transcriber = nil
	s.messages = nil
	s.pending = ""
	s.hasPending = false
	s.processing = false
	s.speaking = false
	s.mu.Unlock()

	s.buffer.Stop()
	if h != nil {
		return h.Close()
	}
	return nil
}
