package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/callwire/pkg/provider/llm"
	llmmock "github.com/MrWong99/callwire/pkg/provider/llm/mock"
	"github.com/MrWong99/callwire/pkg/provider/stt"
	sttmock "github.com/MrWong99/callwire/pkg/provider/stt/mock"
	"github.com/MrWong99/callwire/pkg/provider/tts"
	ttsmock "github.com/MrWong99/callwire/pkg/provider/tts/mock"
)

var testFallbackConfig = FallbackConfig{
	CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour},
}

func TestLLMFallback_Complete(t *testing.T) {
	tests := []struct {
		name          string
		primary       *llmmock.Provider
		wantContent   string
		wantErr       error
		wantSecondary int
	}{
		{
			name:        "primary answers",
			primary:     &llmmock.Provider{Reply: "We open at nine."},
			wantContent: "We open at nine.",
		},
		{
			name:          "primary down",
			primary:       &llmmock.Provider{Err: errors.New("503 from upstream")},
			wantContent:   "from the backup",
			wantSecondary: 1,
		},
		{
			name:          "blank reply fails over",
			primary:       &llmmock.Provider{Reply: "  \n"},
			wantContent:   "from the backup",
			wantSecondary: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secondary := &llmmock.Provider{Reply: "from the backup"}
			fb := NewLLMFallback(tt.primary, "openai", testFallbackConfig)
			fb.AddFallback("anthropic", secondary)

			req := llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "when do you open?"}}}
			resp, err := fb.Complete(context.Background(), req)
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if resp.Content != tt.wantContent {
				t.Errorf("content = %q, want %q", resp.Content, tt.wantContent)
			}
			if got := secondary.CallCount(); got != tt.wantSecondary {
				t.Errorf("secondary calls = %d, want %d", got, tt.wantSecondary)
			}
			if tt.wantSecondary > 0 && secondary.Calls()[0].Req.Messages[0].Content != "when do you open?" {
				t.Error("secondary did not receive the original request")
			}
		})
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	fb := NewLLMFallback(&llmmock.Provider{Err: errors.New("down")}, "openai", testFallbackConfig)
	fb.AddFallback("groq", &llmmock.Provider{Reply: ""})

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if got := fb.Names(); len(got) != 2 || got[0] != "openai" || got[1] != "groq" {
		t.Errorf("Names = %v", got)
	}
}

func TestLLMFallback_TurnTimeoutDoesNotFailOver(t *testing.T) {
	primary := &llmmock.Provider{Gate: make(chan struct{})}
	secondary := &llmmock.Provider{Reply: "too late"}
	fb := NewLLMFallback(primary, "openai", testFallbackConfig)
	fb.AddFallback("anthropic", secondary)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := fb.Complete(ctx, llm.CompletionRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary called %d times after the deadline", secondary.CallCount())
	}
}

func TestLLMFallback_Healthy(t *testing.T) {
	fb := NewLLMFallback(&llmmock.Provider{Err: errors.New("down")}, "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	if !fb.Healthy() {
		t.Fatal("fresh fallback not healthy")
	}
	_, _ = fb.Complete(context.Background(), llm.CompletionRequest{})
	if fb.Healthy() {
		t.Error("fallback healthy with its only breaker open")
	}
}

func TestSTTFallback_StartStream(t *testing.T) {
	primary := &sttmock.Provider{StartErr: errors.New("handshake refused")}
	secondary := &sttmock.Provider{}
	fb := NewSTTFallback(primary, "deepgram", testFallbackConfig)
	fb.AddFallback("deepgram-eu", secondary)

	h, err := fb.StartStream(context.Background(), stt.StreamConfig{Encoding: "mulaw", SampleRate: 8000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()
	if n := len(secondary.Sessions()); n != 1 {
		t.Fatalf("secondary sessions = %d, want 1", n)
	}
	if cfg := secondary.Configs()[0]; cfg.Encoding != "mulaw" || cfg.SampleRate != 8000 {
		t.Errorf("secondary config = %+v", cfg)
	}
	if !fb.Healthy() {
		t.Error("fallback should stay healthy with one working backend")
	}
}

func TestSTTFallback_AllFail(t *testing.T) {
	fb := NewSTTFallback(&sttmock.Provider{StartErr: errors.New("down")}, "deepgram", testFallbackConfig)

	_, err := fb.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_Synthesize(t *testing.T) {
	tests := []struct {
		name      string
		primary   *ttsmock.Provider
		wantAudio string
	}{
		{name: "primary speaks", primary: &ttsmock.Provider{Audio: []byte("primary-ulaw")}, wantAudio: "primary-ulaw"},
		{name: "primary down", primary: &ttsmock.Provider{Err: errors.New("429")}, wantAudio: "backup-ulaw"},
		{name: "silent primary", primary: &ttsmock.Provider{Audio: []byte{}}, wantAudio: "backup-ulaw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secondary := &ttsmock.Provider{Audio: []byte("backup-ulaw")}
			fb := NewTTSFallback(tt.primary, "elevenlabs", testFallbackConfig)
			fb.AddFallback("elevenlabs-backup", secondary)

			audio, err := fb.Synthesize(context.Background(), "One moment please.", tts.Voice{ID: "voice-ava"})
			if err != nil {
				t.Fatalf("Synthesize: %v", err)
			}
			if string(audio) != tt.wantAudio {
				t.Errorf("audio = %q, want %q", audio, tt.wantAudio)
			}
			if tt.wantAudio == "backup-ulaw" {
				calls := secondary.Calls()
				if len(calls) != 1 || calls[0].Text != "One moment please." || calls[0].Voice.ID != "voice-ava" {
					t.Errorf("secondary calls = %+v", calls)
				}
			}
		})
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	fb := NewTTSFallback(&ttsmock.Provider{Audio: []byte{}}, "elevenlabs", testFallbackConfig)

	_, err := fb.Synthesize(context.Background(), "hello", tts.Voice{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, ErrNoAudio) {
		t.Errorf("err = %v, want it to carry ErrNoAudio", err)
	}
}
