package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

type fakeGateway bool

func (g fakeGateway) Healthy() bool { return bool(g) }

func readyz(t *testing.T, h *Handler, ctx context.Context) (int, response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)
	var body response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode readyz body: %v", err)
	}
	return rec.Code, body
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	New(Checker{Name: "database", Check: failWith("down")}).Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, liveness must not depend on checkers", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
			wantChecks: map[string]string{},
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "database", Check: pass},
				GatewayChecker("llm", fakeGateway(true)),
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
			wantChecks: map[string]string{"database": "ok", "llm": "ok"},
		},
		{
			name: "database down",
			checkers: []Checker{
				{Name: "database", Check: failWith("connection refused")},
				GatewayChecker("tts", fakeGateway(true)),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantChecks: map[string]string{"database": "fail: connection refused", "tts": "ok"},
		},
		{
			name: "gateway tripped keeps serving",
			checkers: []Checker{
				{Name: "database", Check: pass},
				GatewayChecker("stt", fakeGateway(false)),
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
			wantChecks: map[string]string{"database": "ok", "stt": "degraded: no healthy backend"},
		},
		{
			name: "required failure outranks degraded",
			checkers: []Checker{
				GatewayChecker("llm", fakeGateway(false)),
				{Name: "database", Check: failWith("timeout")},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantChecks: map[string]string{"database": "fail: timeout", "llm": "degraded: no healthy backend"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := readyz(t, New(tt.checkers...), context.Background())
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if len(body.Checks) != len(tt.wantChecks) {
				t.Errorf("checks = %v, want %v", body.Checks, tt.wantChecks)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("checks[%s] = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_DrainingSkipsCheckers(t *testing.T) {
	called := false
	h := New(Checker{Name: "database", Check: func(context.Context) error {
		called = true
		return nil
	}})
	h.ReportActiveCalls(func() int { return 3 })
	h.SetDraining(true)

	code, body := readyz(t, h, context.Background())
	if code != http.StatusServiceUnavailable || body.Checks["server"] != "fail: draining" {
		t.Errorf("draining readyz = %d %+v", code, body)
	}
	if body.ActiveCalls == nil || *body.ActiveCalls != 3 {
		t.Errorf("active_calls = %v, want 3 while draining", body.ActiveCalls)
	}
	if called {
		t.Error("checkers ran while draining")
	}

	h.SetDraining(false)
	if code, _ := readyz(t, h, context.Background()); code != http.StatusOK {
		t.Errorf("code after draining cleared = %d", code)
	}
}

func TestReadyz_OmitsActiveCallsWithoutReporter(t *testing.T) {
	rec := httptest.NewRecorder()
	New().Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["active_calls"]; ok {
		t.Errorf("body = %s, want no active_calls", rec.Body.String())
	}
}

func TestReadyz_CancelledRequest(t *testing.T) {
	h := New(Checker{Name: "database", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if code, _ := readyz(t, h, ctx); code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
}

func TestReadyz_RunsCheckersConcurrently(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	slow := func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}
	h := New(Checker{Name: "a", Check: slow}, Checker{Name: "b", Check: slow})

	done := make(chan int)
	go func() {
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		done <- rec.Code
	}()
	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("checkers did not run concurrently")
		}
	}
	close(release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("code = %d", code)
	}
}

func TestRegister(t *testing.T) {
	mux := http.NewServeMux()
	New().Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d", path, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/readyz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /readyz = %d, want 405", rec.Code)
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestPingChecker(t *testing.T) {
	if c := PingChecker("database", fakePinger{}); c.Degraded || c.Check(context.Background()) != nil {
		t.Errorf("healthy pinger: degraded=%v err=%v", c.Degraded, c.Check(context.Background()))
	}
	if err := PingChecker("database", fakePinger{err: errors.New("down")}).Check(context.Background()); err == nil {
		t.Error("failing pinger returned nil")
	}
}
