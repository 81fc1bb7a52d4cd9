// Package health serves the liveness and readiness probes of the call server.
//
// /healthz answers 200 while the process can serve HTTP. /readyz answers 200
// only when the server is not draining and every required [Checker] passes.
// A failing degraded checker, such as a gateway whose backends are all
// tripped, is reported but does not take the instance out of rotation:
// calls still get the spoken apology instead of a dead line.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const checkTimeout = 5 * time.Second

// Response status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// ErrNoHealthyBackend is reported by a [GatewayChecker] whose gateway has
// no backend left to try.
var ErrNoHealthyBackend = errors.New("no healthy backend")

// Checker probes one dependency.
type Checker struct {
	// Name keys the result in the response, e.g. "database" or "llm".
	Name string

	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error

	// Degraded marks a check whose failure is reported without failing
	// readiness.
	Degraded bool
}

// Pinger is implemented by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker returns a required [Checker] that pings p.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Gateway is implemented by the resilience fallbacks.
type Gateway interface {
	Healthy() bool
}

// GatewayChecker returns a degraded [Checker] that fails while every
// backend of g has its circuit breaker open.
func GatewayChecker(name string, g Gateway) Checker {
	return Checker{
		Name:     name,
		Degraded: true,
		Check: func(context.Context) error {
			if !g.Healthy() {
				return ErrNoHealthyBackend
			}
			return nil
		},
	}
}

type response struct {
	Status      string            `json:"status"`
	ActiveCalls *int              `json:"active_calls,omitempty"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
	active   atomic.Pointer[func() int]
}

// New returns a [Handler] that runs checkers concurrently on every /readyz.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// SetDraining flips readiness off while the server hands back its calls.
func (h *Handler) SetDraining(v bool) {
	h.draining.Store(v)
}

// ReportActiveCalls adds the value of fn to every /readyz response.
func (h *Handler) ReportActiveCalls(fn func() int) {
	h.active.Store(&fn)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: StatusOK})
}

// Readyz runs every checker, each under its own [checkTimeout], and answers
// 503 if the server is draining or a required checker failed.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := response{Status: StatusOK}
	if fn := h.active.Load(); fn != nil {
		n := (*fn)()
		res.ActiveCalls = &n
	}
	if h.draining.Load() {
		res.Status = StatusFail
		res.Checks = map[string]string{"server": "fail: draining"}
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}

	errs := h.run(r.Context())
	res.Checks = make(map[string]string, len(h.checkers))
	for i, c := range h.checkers {
		err := errs[i]
		switch {
		case err == nil:
			res.Checks[c.Name] = StatusOK
		case c.Degraded:
			res.Checks[c.Name] = StatusDegraded + ": " + err.Error()
			if res.Status == StatusOK {
				res.Status = StatusDegraded
			}
		default:
			res.Checks[c.Name] = StatusFail + ": " + err.Error()
			res.Status = StatusFail
		}
	}

	code := http.StatusOK
	if res.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

// run returns one result per checker, in checker order. A failing check
// never cancels its siblings.
func (h *Handler) run(ctx context.Context) []error {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	var mu sync.Mutex
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := c.Check(cctx)
			mu.Lock()
			errs[i] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
