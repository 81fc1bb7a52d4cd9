package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestExecuteWithResult(t *testing.T) {
	tests := []struct {
		name      string
		failing   []string
		want      string
		wantTried []string
		wantErr   error
	}{
		{name: "primary serves", want: "openai", wantTried: []string{"openai"}},
		{name: "fails over", failing: []string{"openai"}, want: "anthropic", wantTried: []string{"openai", "anthropic"}},
		{name: "all fail", failing: []string{"openai", "anthropic"}, wantTried: []string{"openai", "anthropic"}, wantErr: ErrAllFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fg := NewFallbackGroup("openai", "openai", testFallbackConfig)
			fg.AddFallback("anthropic", "anthropic")

			var tried []string
			got, err := ExecuteWithResult(fg, func(backend string) (string, error) {
				tried = append(tried, backend)
				if slices.Contains(tt.failing, backend) {
					return "", errTest
				}
				return backend, nil
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil && !errors.Is(err, errTest) {
				t.Errorf("err = %v, want the last backend error wrapped", err)
			}
			if got != tt.want {
				t.Errorf("result = %q, want %q", got, tt.want)
			}
			if !slices.Equal(tried, tt.wantTried) {
				t.Errorf("tried = %v, want %v", tried, tt.wantTried)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	var opened []string
	fg := NewFallbackGroup("openai", "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
			OnStateChange: func(name string, _, to State) {
				if to == StateOpen {
					opened = append(opened, name)
				}
			},
		},
	})
	fg.AddFallback("anthropic", "anthropic")

	for range 2 {
		_ = fg.Execute(func(v string) error {
			if v == "openai" {
				return errTest
			}
			return nil
		})
	}
	if !slices.Equal(opened, []string{"openai"}) {
		t.Fatalf("opened breakers = %v, want [openai]", opened)
	}

	var called []string
	if err := fg.Execute(func(v string) error {
		called = append(called, v)
		return nil
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !slices.Equal(called, []string{"anthropic"}) {
		t.Errorf("called = %v, the open primary must not be tried", called)
	}
}

func TestExecuteWithResult_StopsOnTurnDeadline(t *testing.T) {
	fg := NewFallbackGroup("openai", "openai", testFallbackConfig)
	fg.AddFallback("anthropic", "anthropic")

	var tried []string
	_, err := ExecuteWithResult(fg, func(v string) (string, error) {
		tried = append(tried, v)
		return "", context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want a bare context.DeadlineExceeded", err)
	}
	if len(tried) != 1 {
		t.Errorf("tried %v, want only the primary", tried)
	}
}

func TestFallbackGroup_HealthyAndNames(t *testing.T) {
	fg := NewFallbackGroup("a", "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fg.AddFallback("deepgram-eu", "b")

	if got := fg.Names(); !slices.Equal(got, []string{"deepgram", "deepgram-eu"}) {
		t.Fatalf("Names = %v", got)
	}
	if !fg.Healthy() {
		t.Fatal("new group is not healthy")
	}
	_ = fg.Execute(func(string) error { return errTest })
	if fg.Healthy() {
		t.Error("group with every breaker open reports healthy")
	}
}
