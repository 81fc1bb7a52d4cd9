// Package app wires all callwire subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and media streams until its context is
// cancelled, and Shutdown drains calls and tears everything down in order.
//
// For testing, inject implementations via functional options
// (WithLoader, WithLedgerStore, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callwire/internal/callctx"
	"github.com/MrWong99/callwire/internal/callsession"
	"github.com/MrWong99/callwire/internal/config"
	"github.com/MrWong99/callwire/internal/health"
	"github.com/MrWong99/callwire/internal/ledger"
	"github.com/MrWong99/callwire/internal/observe"
	"github.com/MrWong99/callwire/internal/orchestrator"
	"github.com/MrWong99/callwire/internal/token"
	"github.com/MrWong99/callwire/pkg/provider/llm"
	"github.com/MrWong99/callwire/pkg/provider/stt"
	"github.com/MrWong99/callwire/pkg/provider/tts"
)

const readHeaderTimeout = 10 * time.Second

// Providers holds one gateway per pipeline stage. Populated by main.go via
// the config registry, possibly wrapped in fallbacks.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider

	// Names labels provider metrics.
	Names orchestrator.ProviderNames
}

// App owns all subsystem lifetimes and serves the carrier-facing endpoints.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics  *observe.Metrics
	tokens   *token.Authority
	webhook  *token.WebhookValidator
	loader   orchestrator.ContextLoader
	store    ledger.Store
	notifier *ledger.Notifier
	orch     *orchestrator.Orchestrator
	health   *health.Handler
	checkers []health.Checker
	server   *http.Server
	listener net.Listener
	watcher  *config.Watcher
	pool     *pgxpool.Pool

	streamURL string

	// baseCtx parents every request context so open media streams end when
	// the server shuts down.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	draining bool
	streams  sync.WaitGroup

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLoader injects a call-context loader instead of the PostgreSQL one.
func WithLoader(l orchestrator.ContextLoader) Option {
	return func(a *App) { a.loader = l }
}

// WithLedgerStore injects a call-record store instead of the PostgreSQL one.
func WithLedgerStore(s ledger.Store) Option {
	return func(a *App) { a.store = s }
}

// WithNotifier injects the completion notifier instead of building one from
// the ledger config.
func WithNotifier(n *ledger.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener makes Run serve on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithTokenAuthority injects a stream-token authority.
func WithTokenAuthority(t *token.Authority) Option {
	return func(a *App) { a.tokens = t }
}

// WithConfigWatcher makes Run poll the config file alongside the server.
func WithConfigWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithHealthChecker adds a readiness checker.
func WithHealthChecker(c health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: token authority, webhook
// validator, database pool and migrations, ledger, orchestrator, and the
// HTTP routes.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		return nil, errors.New("app: providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Stream tokens + webhook signatures ────────────────────────────
	if err := a.initTokens(); err != nil {
		return nil, fmt.Errorf("app: init tokens: %w", err)
	}

	// ── 2. Database-backed stores ────────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	// ── 3. Ledger ────────────────────────────────────────────────────────
	if a.notifier == nil {
		n, err := ledger.NewNotifier(ledger.NotifierConfig{
			URL:        cfg.Ledger.NotifyURL,
			Secret:     cfg.Ledger.NotifySecret,
			MaxRetries: cfg.Ledger.MaxRetries,
			Backoff:    cfg.Ledger.RetryBackoff,
			Metrics:    a.metrics,
		})
		if err != nil {
			a.runClosers()
			return nil, fmt.Errorf("app: init notifier: %w", err)
		}
		a.notifier = n
	}
	calls := ledger.New(a.store, a.notifier, ledger.WithMetrics(a.metrics))

	// ── 4. Orchestrator ──────────────────────────────────────────────────
	orch, err := orchestrator.New(orchestrator.Deps{
		Tokens:  a.tokens,
		Loader:  a.loader,
		Ledger:  calls,
		LLM:     providers.LLM,
		STT:     providers.STT,
		TTS:     providers.TTS,
		Metrics: a.metrics,
	}, orchestrator.Config{
		TurnTimeout:        cfg.Session.TurnTimeout,
		Apology:            cfg.Session.Apology,
		NotFoundMessage:    cfg.Session.NotFoundMessage,
		UnavailableMessage: cfg.Session.UnavailableMessage,
		VoiceID:            cfg.Session.VoiceID,
		Language:           cfg.Session.Language,
		Session: callsession.Config{
			MaxMessages: cfg.Session.MaxMessages,
			Buffer:      cfg.Session.BufferConfig(),
		},
		Names: providers.Names,
	})
	if err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}
	a.orch = orch

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.streamURL, err = mediaStreamURL(cfg.Server.PublicURL, cfg.Server.MediaPath)
	if err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: %w", err)
	}
	gateways := []struct {
		name string
		p    any
	}{{"llm", providers.LLM}, {"stt", providers.STT}, {"tts", providers.TTS}}
	for _, gw := range gateways {
		if g, ok := gw.p.(health.Gateway); ok {
			a.checkers = append(a.checkers, health.GatewayChecker(gw.name, g))
		}
	}
	a.health = health.New(a.checkers...)
	a.health.ReportActiveCalls(orch.Active)
	a.baseCtx, a.baseCancel = context.WithCancel(context.Background())
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(a.routes()),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return a.baseCtx },
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTokens sets up the stream-token authority and the webhook validator.
func (a *App) initTokens() error {
	if a.tokens == nil {
		secret := []byte(a.cfg.Telephony.TokenSecret)
		if len(secret) == 0 {
			secret = make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return fmt.Errorf("generate token secret: %w", err)
			}
			slog.Info("telephony.token_secret not set; using a per-process random secret")
		}
		var opts []token.Option
		if d := a.cfg.Telephony.TokenTTL; d > 0 {
			opts = append(opts, token.WithTTL(d))
		}
		if d := a.cfg.Telephony.SweepInterval; d > 0 {
			opts = append(opts, token.WithSweepInterval(d))
		}
		t, err := token.NewAuthority(secret, opts...)
		if err != nil {
			return err
		}
		a.tokens = t
	}

	v, err := token.NewWebhookValidator(a.cfg.Telephony.AuthToken, a.cfg.Server.PublicURL)
	if err != nil {
		return err
	}
	a.webhook = v
	return nil
}

// initStores opens the PostgreSQL pool for whichever of the context loader
// and ledger store were not injected, and applies migrations if configured.
func (a *App) initStores(ctx context.Context) error {
	if a.loader != nil && a.store != nil {
		return nil // both injected
	}

	pcfg, err := pgxpool.ParseConfig(a.cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("parse database.dsn: %w", err)
	}
	if a.cfg.Database.MaxConns > 0 {
		pcfg.MaxConns = a.cfg.Database.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	a.checkers = append(a.checkers, health.PingChecker("database", pool))

	if a.loader == nil {
		l := callctx.NewLoader(pool, callctx.WithMetrics(a.metrics))
		if a.cfg.Database.Migrate {
			if err := l.Migrate(ctx); err != nil {
				return err
			}
		}
		a.loader = l
	}
	if a.store == nil {
		s := ledger.NewPostgresStore(pool)
		if a.cfg.Database.Migrate {
			if err := s.Migrate(ctx); err != nil {
				return err
			}
		}
		a.store = s
	}
	slog.Info("database connected", "migrated", a.cfg.Database.Migrate)
	return nil
}

// mediaStreamURL derives the websocket URL the carrier connects to from the
// public base URL.
func mediaStreamURL(publicURL, mediaPath string) (string, error) {
	u, err := url.Parse(publicURL)
	if err != nil {
		return "", fmt.Errorf("parse public url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("public url %q must use http or https", publicURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + mediaPath
	u.RawQuery, u.Fragment = "", ""
	return u.String(), nil
}

// routes builds the HTTP mux.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+a.cfg.Server.WebhookPath, a.handleVoice)
	mux.HandleFunc("GET "+a.cfg.Server.MediaPath, a.handleMedia)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves until ctx is cancelled or the listener fails, then shuts down
// within server.shutdown_timeout. The token sweep and the optional config
// watcher run alongside the server.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.server.Addr, err)
		}
	}
	slog.Info("serving", "addr", ln.Addr().String(), "webhook", a.cfg.Server.WebhookPath, "media", a.streamURL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.tokens.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("app: token sweep: %w", err)
		}
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting calls, ends open media streams, waits for their
// ledger writes and notifications, then runs closers. It respects the
// context deadline: if ctx expires first, the context error is returned and
// remaining work is abandoned.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.orch.Active())

		a.health.SetDraining(true)
		a.mu.Lock()
		a.draining = true
		a.mu.Unlock()

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		// Hijacked media connections are not covered by server.Shutdown.
		a.baseCancel()

		done := make(chan struct{})
		go func() {
			a.streams.Wait()
			a.orch.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded; abandoning pending call bookkeeping", "active_calls", a.orch.Active())
			a.stopErr = ctx.Err()
		}

		a.runClosers()
		slog.Info("shutdown complete")
	})
	return a.stopErr
}

func (a *App) runClosers() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}

// Handler returns the root HTTP handler. Used by tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Tokens returns the stream-token authority.
func (a *App) Tokens() *token.Authority {
	return a.tokens
}
