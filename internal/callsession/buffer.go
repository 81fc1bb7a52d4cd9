package callsession

import (
	"strings"
	"sync"
	"time"
)

// InputType tells the buffer what kind of answer the caller is expected to
// give next. Structured types wait longer and check completeness before
// flushing, because dictated data arrives as several short fragments.
type InputType string

const (
	InputGeneral  InputType = "general"
	InputPhone    InputType = "phone"
	InputEmail    InputType = "email"
	InputAddress  InputType = "address"
	InputDateTime InputType = "date-time"
)

// IsValid reports whether t is a recognised input type.
func (t InputType) IsValid() bool {
	switch t {
	case InputGeneral, InputPhone, InputEmail, InputAddress, InputDateTime:
		return true
	}
	return false
}

// Timing controls how long the buffer waits for one input type.
type Timing struct {
	// Debounce is the quiet period after the latest fragment before the
	// utterance is considered for flushing.
	Debounce time.Duration

	// MaxWait is the hard ceiling measured from the first fragment. It
	// flushes regardless of completeness so the call always moves on.
	MaxWait time.Duration

	// IgnoreUtteranceEnd makes [Buffer.Flush] a no-op, so natural pauses in
	// dictation are not mistaken for the end of the answer.
	IgnoreUtteranceEnd bool
}

// BufferConfig maps each input type to its timing. Missing types fall back
// to the general timing.
type BufferConfig map[InputType]Timing

// DefaultBufferConfig returns the timings used when none are configured.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		InputGeneral:  {Debounce: 600 * time.Millisecond, MaxWait: 3 * time.Second},
		InputPhone:    {Debounce: 1500 * time.Millisecond, MaxWait: 8 * time.Second, IgnoreUtteranceEnd: true},
		InputEmail:    {Debounce: 1500 * time.Millisecond, MaxWait: 8 * time.Second, IgnoreUtteranceEnd: true},
		InputAddress:  {Debounce: 1200 * time.Millisecond, MaxWait: 6 * time.Second},
		InputDateTime: {Debounce: 1000 * time.Millisecond, MaxWait: 5 * time.Second},
	}
}

func (c BufferConfig) timing(t InputType) Timing {
	if tm, ok := c[t]; ok {
		return tm
	}
	if tm, ok := c[InputGeneral]; ok {
		return tm
	}
	return DefaultBufferConfig()[InputGeneral]
}

// Buffer debounces transcript fragments into utterances. It holds at most one
// pending flush callback and clears atomically on flush. Timer callbacks from
// an earlier utterance are recognised by generation and ignored.
//
// All methods are safe for concurrent use.
type Buffer struct {
	cfg BufferConfig

	mu        sync.Mutex
	fragments []string
	expected  InputType // type of the utterance being collected
	next      InputType // type for the utterance after it
	onFlush   func(string)
	debounce  *time.Timer
	maxWait   *time.Timer
	gen       uint64
	stopped   bool
}

// NewBuffer creates an empty buffer expecting general input.
func NewBuffer(cfg BufferConfig) *Buffer {
	if cfg == nil {
		cfg = DefaultBufferConfig()
	}
	return &Buffer{cfg: cfg, expected: InputGeneral, next: InputGeneral}
}

// SetExpectedInputType biases timing and completeness for the next utterance.
// An utterance already being collected keeps the type it started with.
// Invalid types are treated as general.
func (b *Buffer) SetExpectedInputType(t InputType) {
	if !t.IsValid() {
		t = InputGeneral
	}
	b.mu.Lock()
	b.next = t
	if len(b.fragments) == 0 {
		b.expected = t
	}
	b.mu.Unlock()
}

// ExpectedInputType returns the type the buffer is currently waiting for.
func (b *Buffer) ExpectedInputType() InputType {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expected
}

// Add appends a fragment and (re)arms the timers. The first fragment of an
// utterance arms the max-wait timer; every fragment re-arms the debounce
// timer. onFlush replaces any previously registered callback.
func (b *Buffer) Add(text string, onFlush func(string)) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	if len(b.fragments) == 0 {
		b.expected, b.next = b.next, InputGeneral
	}
	tm := b.cfg.timing(b.expected)
	b.fragments = append(b.fragments, text)
	b.onFlush = onFlush
	gen := b.gen

	if len(b.fragments) == 1 {
		b.maxWait = time.AfterFunc(tm.MaxWait, func() { b.fire(gen, true) })
	}
	if b.debounce != nil {
		b.debounce.Stop()
	}
	b.debounce = time.AfterFunc(tm.Debounce, func() { b.fire(gen, false) })
}

// Flush handles an utterance boundary reported by the recogniser. For types
// configured with IgnoreUtteranceEnd it does nothing.
func (b *Buffer) Flush() {
	b.mu.Lock()
	if b.cfg.timing(b.expected).IgnoreUtteranceEnd || len(b.fragments) == 0 {
		b.mu.Unlock()
		return
	}
	text, cb := b.takeLocked()
	b.mu.Unlock()

	if cb != nil {
		cb(text)
	}
}

// Pending returns the number of buffered fragments.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fragments)
}

// Stop cancels both timers and discards buffered fragments without invoking
// the callback. The buffer ignores all further input.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.stopTimersLocked()
	b.fragments = nil
	b.onFlush = nil
	b.gen++
}

// fire is the timer callback. maxWait flushes unconditionally; debounce
// flushes general input directly and structured input only when complete.
func (b *Buffer) fire(gen uint64, maxWait bool) {
	b.mu.Lock()
	if gen != b.gen || b.stopped || len(b.fragments) == 0 {
		b.mu.Unlock()
		return
	}
	if !maxWait && b.expected != InputGeneral && !IsComplete(b.expected, strings.Join(b.fragments, " ")) {
		// Wait for more fragments or the max-wait ceiling.
		b.mu.Unlock()
		return
	}
	text, cb := b.takeLocked()
	b.mu.Unlock()

	if cb != nil {
		cb(text)
	}
}

// takeLocked clears the buffer and returns the joined utterance and callback.
// Must be called with b.mu held.
func (b *Buffer) takeLocked() (string, func(string)) {
	b.stopTimersLocked()
	text := strings.Join(b.fragments, " ")
	cb := b.onFlush
	b.fragments = nil
	b.onFlush = nil
	b.expected = b.next
	b.gen++
	return text, cb
}

func (b *Buffer) stopTimersLocked() {
	if b.debounce != nil {
		b.debounce.Stop()
		b.debounce = nil
	}
	if b.maxWait != nil {
		b.maxWait.Stop()
		b.maxWait = nil
	}
}
