// Package orchestrator runs one phone call per carrier media stream: it
// authenticates the stream, loads the call context, and drives the
// turn-taking loop between the caller, the recogniser, the language model,
// and the speech synthesiser until the carrier stops the stream.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callwire/internal/callctx"
	"github.com/MrWong99/callwire/internal/callsession"
	"github.com/MrWong99/callwire/internal/ledger"
	"github.com/MrWong99/callwire/internal/media"
	"github.com/MrWong99/callwire/internal/observe"
	"github.com/MrWong99/callwire/internal/prompt"
	"github.com/MrWong99/callwire/internal/token"
	"github.com/MrWong99/callwire/internal/transcript"
	"github.com/MrWong99/callwire/pkg/provider/llm"
	"github.com/MrWong99/callwire/pkg/provider/stt"
	"github.com/MrWong99/callwire/pkg/provider/tts"
)

const (
	defaultTurnTimeout    = 15 * time.Second
	defaultNotifyTimeout  = 2 * time.Minute
	defaultFinalizeWait   = 10 * time.Second
	defaultLanguage       = "en-US"
	defaultUtteranceEndMs = 1000

	// DefaultApology is spoken when a turn fails.
	DefaultApology = "I'm sorry, I had trouble with that. Could you say it again?"

	// DefaultNotFoundMessage is spoken when the dialed number has no active
	// assistant.
	DefaultNotFoundMessage = "We're sorry, this number is not in service right now. Goodbye."

	// DefaultUnavailableMessage is spoken when the call context could not be
	// loaded for any other reason.
	DefaultUnavailableMessage = "We're sorry, we can't take your call right now. Please try again later."
)

// ErrContextNotFound is returned by [Orchestrator.Serve] when the stream was
// authenticated but no usable call context exists for the dialed number.
var ErrContextNotFound = errors.New("orchestrator: call context not found")

// ErrContextUnavailable is returned by [Orchestrator.Serve] when loading the
// call context failed for a reason other than an unknown number.
var ErrContextUnavailable = errors.New("orchestrator: call context unavailable")

// Stream is one bidirectional carrier media stream. *media.Conn satisfies
// it. ReadFrame is only called from the goroutine running Serve.
type Stream interface {
	ReadFrame(ctx context.Context) (media.Inbound, error)
	SendAudio(ctx context.Context, audio []byte) error
	SendMark(ctx context.Context, name string) error
	SendClear(ctx context.Context) error
	Close(reason string) error
}

// TokenConsumer validates stream tokens. *token.Authority satisfies it.
type TokenConsumer interface {
	Consume(tok string) (token.Metadata, error)
}

// ContextLoader resolves a dialed number. *callctx.Loader satisfies it.
type ContextLoader interface {
	Load(ctx context.Context, calledNumber, callerPhone string) (*callctx.Context, error)
}

// Ledger is the call bookkeeping facade. *ledger.Ledger satisfies it.
type Ledger interface {
	CreateCallRecord(ctx context.Context, call ledger.NewCall) string
	CompleteCallRecord(ctx context.Context, id string, c ledger.Completion) error
	NotifyCallCompleted(ctx context.Context, note ledger.Notification)
}

// ProviderNames labels provider metrics.
type ProviderNames struct {
	LLM string
	STT string
	TTS string
}

// Config tunes call handling. Zero values select defaults.
type Config struct {
	// TurnTimeout bounds each provider call made on behalf of one turn.
	TurnTimeout time.Duration

	// Apology is spoken when a turn fails.
	Apology string

	// NotFoundMessage is spoken before hanging up on an unknown number.
	NotFoundMessage string

	// UnavailableMessage is spoken before hanging up when the call context
	// cannot be loaded.
	UnavailableMessage string

	// VoiceID is used when the assistant has no voice configured, and for
	// the messages spoken before a call is set up.
	VoiceID string

	// Language is passed to the recogniser when the assistant sets none.
	Language string

	// UtteranceEndMs is the trailing silence after which the recogniser
	// reports an utterance boundary.
	UtteranceEndMs int

	// NotifyTimeout bounds the background completion notification,
	// including retries.
	NotifyTimeout time.Duration

	// Session configures per-call state.
	Session callsession.Config

	// Names labels provider metrics.
	Names ProviderNames
}

func (c *Config) applyDefaults() {
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = defaultTurnTimeout
	}
	if c.Apology == "" {
		c.Apology = DefaultApology
	}
	if c.NotFoundMessage == "" {
		c.NotFoundMessage = DefaultNotFoundMessage
	}
	if c.UnavailableMessage == "" {
		c.UnavailableMessage = DefaultUnavailableMessage
	}
	if c.Language == "" {
		c.Language = defaultLanguage
	}
	if c.UtteranceEndMs <= 0 {
		c.UtteranceEndMs = defaultUtteranceEndMs
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = defaultNotifyTimeout
	}
	if c.Names.LLM == "" {
		c.Names.LLM = "llm"
	}
	if c.Names.STT == "" {
		c.Names.STT = "stt"
	}
	if c.Names.TTS == "" {
		c.Names.TTS = "tts"
	}
}

// Deps are the collaborators of an [Orchestrator]. All fields except
// Metrics, Prompt, and Now are required.
type Deps struct {
	Tokens TokenConsumer
	Loader ContextLoader
	Ledger Ledger
	LLM    llm.Provider
	STT    stt.Provider
	TTS    tts.Provider

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Prompt assembles the system prompt and greeting. Defaults to
	// [prompt.Build].
	Prompt func(*callctx.Context, time.Time) prompt.Result

	// Now defaults to [time.Now].
	Now func() time.Time
}

// Orchestrator serves media streams. One Orchestrator handles any number of
// concurrent calls; calls share no mutable state.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	metrics *observe.Metrics

	active atomic.Int64

	// wg tracks work that outlives a stream, such as notifications.
	wg sync.WaitGroup
}

// New creates an [Orchestrator].
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	var errs []error
	if deps.Tokens == nil {
		errs = append(errs, errors.New("orchestrator: token consumer is required"))
	}
	if deps.Loader == nil {
		errs = append(errs, errors.New("orchestrator: context loader is required"))
	}
	if deps.Ledger == nil {
		errs = append(errs, errors.New("orchestrator: ledger is required"))
	}
	if deps.LLM == nil {
		errs = append(errs, errors.New("orchestrator: llm provider is required"))
	}
	if deps.STT == nil {
		errs = append(errs, errors.New("orchestrator: stt provider is required"))
	}
	if deps.TTS == nil {
		errs = append(errs, errors.New("orchestrator: tts provider is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Prompt == nil {
		deps.Prompt = prompt.Build
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg.applyDefaults()
	return &Orchestrator{deps: deps, cfg: cfg, metrics: deps.Metrics}, nil
}

// Active returns the number of calls with a live session.
func (o *Orchestrator) Active() int {
	return int(o.active.Load())
}

// Wait blocks until background work started by finished calls is done.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Serve runs the protocol loop for one stream until the carrier stops it,
// the connection drops, or ctx is done. The stream is closed on return.
//
// It returns an error wrapping [token.ErrRejected] when the start frame
// carries no valid token, [ErrContextNotFound] when the dialed number
// cannot be served, and [ErrContextUnavailable] when its context could not
// be loaded. A normal end of call returns nil.
func (o *Orchestrator) Serve(ctx context.Context, s Stream) error {
	var c *call
	reason := "connection-closed"
	defer func() {
		if c != nil {
			c.finalize(reason)
		}
		_ = s.Close("call ended")
	}()

	for {
		in, err := s.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, media.ErrBadFrame) || errors.Is(err, media.ErrUnknownEvent) {
				slog.Debug("orchestrator: skipping frame", "err", err)
				continue
			}
			if ctx.Err() != nil {
				reason = "server-shutdown"
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("orchestrator: read frame: %w", err)
		}

		switch in.Event {
		case media.EventConnected:
			slog.Debug("orchestrator: carrier connected", "protocol", in.Protocol, "version", in.Version)

		case media.EventStart:
			if c != nil {
				slog.Warn("orchestrator: duplicate start frame ignored", "call_sid", c.sess.CallID())
				continue
			}
			c, err = o.start(ctx, s, in)
			if err != nil {
				return err
			}

		case media.EventMedia:
			if c != nil {
				c.forward(in)
			}

		case media.EventMark:
			if c != nil {
				c.sess.MarkPlayed(in.Mark.Name)
			}

		case media.EventStop:
			reason = "stream-stopped"
			return nil
		}
	}
}

// start authenticates the stream and brings a call up. On error the
// caller closes the stream; no session exists.
func (o *Orchestrator) start(ctx context.Context, s Stream, in media.Inbound) (*call, error) {
	md, err := o.deps.Tokens.Consume(in.AuthToken())
	if err != nil {
		o.metrics.RecordTokenRejected(ctx, rejectReason(err))
		slog.Warn("orchestrator: stream rejected", "call_sid", in.Start.CallSID, "err", err)
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	callSID := in.Start.CallSID
	ctx, span := observe.StartSpan(ctx, "callwire.call",
		observe.AttrCallSID.String(callSID),
		observe.AttrStreamSID.String(in.Start.StreamSID),
	)
	log := observe.CallLogger(ctx, callSID, in.Start.StreamSID)

	loadStart := time.Now()
	loadCtx, loadSpan := observe.StartSpan(ctx, "callwire.load_context")
	cc, err := o.deps.Loader.Load(loadCtx, md.CalledNumber, md.CallerPhone)
	loadSpan.End()
	if err != nil {
		defer span.End()
		if errors.Is(err, callctx.ErrNotFound) {
			log.Warn("orchestrator: no call context", "called_number", md.CalledNumber, "err", err)
			o.speakAndWait(ctx, s, o.cfg.NotFoundMessage)
			span.SetAttributes(observe.AttrOutcome.String("not-found"))
			return nil, fmt.Errorf("%w: %w", ErrContextNotFound, err)
		}
		log.Error("orchestrator: load call context", "called_number", md.CalledNumber, "err", err)
		o.speakAndWait(ctx, s, o.cfg.UnavailableMessage)
		span.SetAttributes(observe.AttrOutcome.String("load-error"))
		return nil, fmt.Errorf("%w: %w", ErrContextUnavailable, err)
	}
	log.Debug("orchestrator: call context loaded", "elapsed", time.Since(loadStart))
	cc.CallSID = callSID

	now := o.deps.Now()
	sess := callsession.New(callSID, o.cfg.Session)
	sess.Start(cc, now)
	p := o.deps.Prompt(cc, now)
	sess.SetSystemPrompt(p.SystemPrompt)

	recordID := o.deps.Ledger.CreateCallRecord(ctx, ledger.NewCall{
		CallSID:        callSID,
		OrganizationID: cc.Organization.ID,
		AssistantID:    cc.Assistant.ID,
		CallerPhone:    cc.CallerPhone,
		CalledNumber:   cc.CalledNumber,
		StartedAt:      now,
	})

	callCtx, cancel := context.WithCancel(ctx)
	c := &call{
		o:        o,
		stream:   s,
		sess:     sess,
		log:      log,
		span:     span,
		ctx:      callCtx,
		cancel:   cancel,
		recordID: recordID,
		voice:    tts.Voice{ID: cc.Assistant.VoiceID},
		names:    transcript.NewCorrector(vocabulary(cc)),
	}
	if c.voice.ID == "" {
		c.voice.ID = o.cfg.VoiceID
	}
	o.active.Add(1)
	o.metrics.ActiveCalls.Add(ctx, 1)

	c.openTranscriber()
	c.greet(p.Greeting)

	span.SetAttributes(observe.AttrRecordID.String(recordID))
	log.Info("orchestrator: call started",
		"record_id", recordID,
		"organization_id", cc.Organization.ID,
		"assistant_id", cc.Assistant.ID,
	)
	return c, nil
}

// speakAndWait plays text to a caller with no call set up and waits for the
// carrier to confirm playback, bounded by the audio length.
func (o *Orchestrator) speakAndWait(ctx context.Context, s Stream, text string) {
	synthCtx, cancel := context.WithTimeout(ctx, o.cfg.TurnTimeout)
	audio, err := o.deps.TTS.Synthesize(synthCtx, text, tts.Voice{ID: o.cfg.VoiceID})
	cancel()
	if err != nil {
		o.metrics.RecordProviderError(ctx, o.cfg.Names.TTS, "tts")
		slog.Warn("orchestrator: hang-up message synthesis failed", "err", err)
		return
	}
	const mark = "hang-up"
	if err := s.SendAudio(ctx, audio); err != nil {
		return
	}
	if err := s.SendMark(ctx, mark); err != nil {
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, playbackDuration(audio)+time.Second)
	defer cancel()
	for {
		in, err := s.ReadFrame(waitCtx)
		if err != nil {
			if errors.Is(err, media.ErrBadFrame) || errors.Is(err, media.ErrUnknownEvent) {
				continue
			}
			return
		}
		if in.Event == media.EventStop || (in.Event == media.EventMark && in.Mark.Name == mark) {
			return
		}
	}
}

// playbackDuration is the play time of 8 kHz μ-law audio.
func playbackDuration(audio []byte) time.Duration {
	return time.Duration(len(audio)) * time.Second / 8000
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrUnknown):
		return "unknown"
	case errors.Is(err, token.ErrBadSignature):
		return "signature"
	case errors.Is(err, token.ErrMalformed):
		return "malformed"
	default:
		return "other"
	}
}
