package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/callwire/internal/callctx"
	"github.com/MrWong99/callwire/internal/callsession"
	"github.com/MrWong99/callwire/internal/ledger"
	"github.com/MrWong99/callwire/internal/media"
	"github.com/MrWong99/callwire/internal/observe"
	"github.com/MrWong99/callwire/internal/transcript"
	"github.com/MrWong99/callwire/pkg/provider/llm"
	"github.com/MrWong99/callwire/pkg/provider/stt"
	"github.com/MrWong99/callwire/pkg/provider/tts"
)

// call is the live state of one authenticated stream.
type call struct {
	o      *Orchestrator
	stream Stream
	sess   *callsession.Session
	log    *slog.Logger
	span   trace.Span

	ctx    context.Context
	cancel context.CancelFunc

	recordID string
	voice    tts.Voice

	// names repairs misheard business, assistant and transfer names.
	names *transcript.Corrector

	// degraded is set when the transcription stream is lost.
	degraded atomic.Bool

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
	once    sync.Once
}

// spawn runs f on a tracked goroutine unless the call is shutting down.
func (c *call) spawn(f func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		f()
	}()
	return true
}

func (c *call) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// openTranscriber starts the recogniser stream. A failure leaves the call
// degraded: the greeting still plays but no caller turns can happen.
func (c *call) openTranscriber() {
	cc := c.sess.Context()
	lang := cc.Assistant.Language
	if lang == "" {
		lang = c.o.cfg.Language
	}
	keywords := vocabulary(cc)

	start := time.Now()
	h, err := c.o.deps.STT.StartStream(c.ctx, stt.StreamConfig{
		Encoding:       "mulaw",
		SampleRate:     8000,
		Channels:       1,
		Language:       lang,
		UtteranceEndMs: c.o.cfg.UtteranceEndMs,
		Keywords:       keywords,
	})
	c.o.metrics.STTDuration.Record(c.ctx, time.Since(start).Seconds())
	if err != nil {
		c.o.metrics.RecordProviderRequest(c.ctx, c.o.cfg.Names.STT, "stt", "error")
		c.o.metrics.RecordProviderError(c.ctx, c.o.cfg.Names.STT, "stt")
		c.degraded.Store(true)
		c.log.Error("orchestrator: transcription unavailable, call degraded", "err", err)
		return
	}
	c.o.metrics.RecordProviderRequest(c.ctx, c.o.cfg.Names.STT, "stt", "ok")
	c.sess.SetTranscriber(h)

	c.spawn(func() { c.readTranscripts(h) })
}

// vocabulary lists the proper names a caller is likely to say.
func vocabulary(cc *callctx.Context) []string {
	var names []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			names = append(names, s)
		}
	}
	add(cc.Organization.Name)
	add(cc.Assistant.Name)
	for _, r := range cc.TransferRules {
		add(r.Name)
	}
	return names
}

// readTranscripts feeds recogniser events into the utterance buffer until
// the stream ends.
func (c *call) readTranscripts(h stt.SessionHandle) {
	for ev := range h.Events() {
		switch ev.Kind {
		case stt.EventTranscript:
			text := strings.TrimSpace(ev.Transcript.Text)
			if text == "" {
				continue
			}
			if fixed, fixes := c.names.Correct(text); len(fixes) > 0 {
				c.log.Debug("orchestrator: corrected transcript", "corrections", len(fixes))
				text = fixed
			}
			c.sess.BufferTranscript(text, c.onUtterance)
		case stt.EventUtteranceEnd:
			c.sess.FlushBuffer()
		}
	}
	if err := h.Err(); err != nil {
		if c.isClosing() || c.ctx.Err() != nil {
			c.log.Debug("orchestrator: transcription ended with the call", "err", err)
			return
		}
		c.degraded.Store(true)
		c.o.metrics.RecordProviderError(c.ctx, c.o.cfg.Names.STT, "stt")
		c.log.Error("orchestrator: transcription stream lost, call degraded", "err", err)
	}
}

// forward passes one inbound audio frame to the recogniser verbatim.
func (c *call) forward(in media.Inbound) {
	h := c.sess.Transcriber()
	if h == nil {
		return
	}
	audio, err := in.Audio()
	if err != nil {
		c.log.Debug("orchestrator: bad media payload", "err", err)
		return
	}
	if err := h.SendAudio(audio); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
		c.log.Debug("orchestrator: forward audio", "err", err)
	}
}

// onUtterance receives a complete caller utterance from the buffer.
func (c *call) onUtterance(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.sess.QueueOrProcess(text, func(t string) {
		c.spawn(func() { c.run(func() { c.turn(t) }) })
	})
}

// greet speaks the greeting as the first turn.
func (c *call) greet(greeting string) {
	if greeting == "" || !c.sess.BeginTurn() {
		return
	}
	c.spawn(func() { c.run(func() { c.speakGreeting(greeting) }) })
}

// run executes first and then every utterance parked while it ran, one at
// a time, until nothing is pending.
func (c *call) run(first func()) {
	first()
	for {
		var next string
		if !c.sess.DrainPending(func(t string) { next = t }) {
			return
		}
		c.turn(next)
	}
}

func (c *call) speakGreeting(greeting string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.o.cfg.TurnTimeout)
	defer cancel()
	audio, err := c.synthesize(ctx, greeting)
	if err == nil {
		err = c.play(ctx, audio)
	}
	if err != nil {
		c.log.Warn("orchestrator: greeting failed", "err", err)
		return
	}
	c.sess.AddMessage(llm.RoleAssistant, greeting)
	c.sess.RecordSpoken(llm.RoleAssistant, greeting)
}

// turn answers one caller utterance. Errors roll the user message back and
// are answered with an apology; the call continues.
func (c *call) turn(text string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(c.ctx, c.o.cfg.TurnTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "callwire.turn")
	defer span.End()

	if c.sess.TakeSpeaking() {
		if err := c.stream.SendClear(ctx); err != nil {
			c.log.Warn("orchestrator: clear queued audio", "err", err)
		}
		c.o.metrics.BargeIns.Add(ctx, 1)
	}

	c.sess.AddMessage(llm.RoleUser, text)
	c.sess.RecordSpoken(llm.RoleUser, text)

	reply, audio, err := c.compose(ctx)
	if err == nil {
		// The caller answers what they hear, so the hint must be in place
		// before playback starts.
		next := callsession.InferInputType(reply)
		span.SetAttributes(observe.AttrInputType.String(string(next)))
		c.sess.SetExpectedInputType(next)
		err = c.play(ctx, audio)
	}
	if err != nil {
		c.sess.RollbackLastUser(text)
		c.sess.SetExpectedInputType(callsession.InputGeneral)
		c.o.metrics.RecordTurn(c.ctx, "error")
		span.SetAttributes(observe.AttrOutcome.String("error"))
		span.RecordError(err)
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn("orchestrator: turn failed", "err", err)
		c.apologize()
		return
	}

	c.sess.AddMessage(llm.RoleAssistant, reply)
	c.sess.RecordSpoken(llm.RoleAssistant, reply)
	c.o.metrics.RecordTurn(c.ctx, "ok")
	span.SetAttributes(observe.AttrOutcome.String("ok"))
	c.o.metrics.TurnDuration.Record(c.ctx, time.Since(start).Seconds())
}

// compose runs the model on the current window and synthesises its reply.
func (c *call) compose(ctx context.Context) (string, []byte, error) {
	a := c.sess.Context().Assistant
	req := llm.CompletionRequest{
		Messages:    c.sess.Messages(),
		Temperature: a.Temperature,
		MaxTokens:   a.MaxTokens,
	}

	start := time.Now()
	resp, err := c.o.deps.LLM.Complete(ctx, req)
	c.o.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		c.o.metrics.RecordProviderRequest(c.ctx, c.o.cfg.Names.LLM, "llm", "error")
		c.o.metrics.RecordProviderError(c.ctx, c.o.cfg.Names.LLM, "llm")
		return "", nil, fmt.Errorf("orchestrator: llm: %w", err)
	}
	c.o.metrics.RecordProviderRequest(c.ctx, c.o.cfg.Names.LLM, "llm", "ok")

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", nil, errors.New("orchestrator: llm: empty reply")
	}
	if resp.Truncated {
		c.log.Debug("orchestrator: llm reply hit the token limit", "max_tokens", req.MaxTokens, "kept", len(reply))
	}

	audio, err := c.synthesize(ctx, reply)
	if err != nil {
		return "", nil, err
	}
	return reply, audio, nil
}

// apologize speaks the configured apology with a fresh deadline, since the
// turn's own deadline may be what failed.
func (c *call) apologize() {
	ctx, cancel := context.WithTimeout(c.ctx, c.o.cfg.TurnTimeout)
	defer cancel()
	audio, err := c.synthesize(ctx, c.o.cfg.Apology)
	if err == nil {
		err = c.play(ctx, audio)
	}
	if err != nil {
		c.log.Error("orchestrator: apology failed", "err", err)
		return
	}
	c.sess.RecordSpoken(llm.RoleAssistant, c.o.cfg.Apology)
}

func (c *call) synthesize(ctx context.Context, text string) ([]byte, error) {
	start := time.Now()
	audio, err := c.o.deps.TTS.Synthesize(ctx, text, c.voice)
	c.o.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		c.o.metrics.RecordProviderRequest(c.ctx, c.o.cfg.Names.TTS, "tts", "error")
		c.o.metrics.RecordProviderError(c.ctx, c.o.cfg.Names.TTS, "tts")
		return nil, fmt.Errorf("orchestrator: tts: %w", err)
	}
	c.o.metrics.RecordProviderRequest(c.ctx, c.o.cfg.Names.TTS, "tts", "ok")
	return audio, nil
}

// play streams audio, marks the session as speaking, and queues a mark so
// the carrier reports when playback finished.
func (c *call) play(ctx context.Context, audio []byte) error {
	if err := c.stream.SendAudio(ctx, audio); err != nil {
		return fmt.Errorf("orchestrator: send audio: %w", err)
	}
	mark := uuid.NewString()
	c.sess.SetSpeaking(mark)
	if err := c.stream.SendMark(ctx, mark); err != nil {
		return fmt.Errorf("orchestrator: send mark: %w", err)
	}
	return nil
}

// finalize tears the call down exactly once: it stops the turn loop, closes
// the recogniser, writes the terminal record, and schedules the downstream
// notification.
func (c *call) finalize(reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		// Close the transcriber while the call context is still live so the
		// recogniser sees a clean close rather than a cancelled read.
		if err := c.sess.Destroy(); err != nil {
			c.log.Debug("orchestrator: close transcriber", "err", err)
		}
		c.cancel()
		c.wg.Wait()

		o := c.o
		o.active.Add(-1)
		bg := context.WithoutCancel(c.ctx)
		o.metrics.ActiveCalls.Add(bg, -1)

		status := ledger.StatusCompleted
		if c.degraded.Load() {
			status = ledger.StatusFailed
		}
		endedAt := o.deps.Now()
		duration := int(endedAt.Sub(c.sess.StartedAt()).Round(time.Second).Seconds())
		transcript := c.sess.Transcript()

		writeCtx, cancel := context.WithTimeout(bg, defaultFinalizeWait)
		err := o.deps.Ledger.CompleteCallRecord(writeCtx, c.recordID, ledger.Completion{
			Status:          status,
			DurationSeconds: duration,
			Transcript:      transcript,
			EndedReason:     reason,
			EndedAt:         endedAt,
		})
		cancel()
		if err != nil {
			c.log.Error("orchestrator: call record not completed", "record_id", c.recordID, "err", err)
		}

		c.span.SetAttributes(observe.AttrOutcome.String(string(status)))
		c.span.End()

		c.log.Info("orchestrator: call ended",
			"reason", reason,
			"status", status,
			"duration_s", duration,
			"lines", len(c.sess.Lines()),
		)

		if c.recordID == "" {
			return
		}
		cc := c.sess.Context()
		note := ledger.Notification{
			CallID:          c.recordID,
			OrganizationID:  cc.Organization.ID,
			AssistantID:     cc.Assistant.ID,
			CallerPhone:     cc.CallerPhone,
			Status:          status,
			DurationSeconds: duration,
			Transcript:      transcript,
			EndedReason:     reason,
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			ctx, cancel := context.WithTimeout(bg, o.cfg.NotifyTimeout)
			defer cancel()
			o.deps.Ledger.NotifyCallCompleted(ctx, note)
		}()
	})
}
