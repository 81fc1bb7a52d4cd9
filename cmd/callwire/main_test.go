package main

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/MrWong99/callwire/internal/config"
	"github.com/MrWong99/callwire/internal/resilience"
	"github.com/MrWong99/callwire/pkg/provider/llm"
	llmmock "github.com/MrWong99/callwire/pkg/provider/llm/mock"
	"github.com/MrWong99/callwire/pkg/provider/stt"
	sttmock "github.com/MrWong99/callwire/pkg/provider/stt/mock"
	"github.com/MrWong99/callwire/pkg/provider/tts"
	ttsmock "github.com/MrWong99/callwire/pkg/provider/tts/mock"
)

func mockRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterLLM("primary", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })
	reg.RegisterLLM("backup", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })
	reg.RegisterSTT("ears", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	reg.RegisterTTS("voice", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	return reg
}

func providerConfig() *config.Config {
	return &config.Config{Providers: config.ProvidersConfig{
		LLM:          config.ProviderEntry{Name: "primary"},
		LLMFallbacks: []config.ProviderEntry{{Name: "backup"}},
		STT:          config.ProviderEntry{Name: "ears"},
		TTS:          config.ProviderEntry{Name: "voice"},
	}}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	ps, err := buildProviders(providerConfig(), mockRegistry())
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.LLM == nil || ps.STT == nil || ps.TTS == nil {
		t.Fatalf("missing gateway: %+v", ps)
	}
	if ps.Names.LLM != "primary" || ps.Names.STT != "ears" || ps.Names.TTS != "voice" {
		t.Errorf("names = %+v", ps.Names)
	}
}

func TestBuildProviders_UnknownFallback(t *testing.T) {
	t.Parallel()
	cfg := providerConfig()
	cfg.Providers.LLMFallbacks = []config.ProviderEntry{{Name: "ghost"}}
	_, err := buildProviders(cfg, mockRegistry())
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	for kind, want := range map[string]int{"llm": 9, "stt": 1, "tts": 1} {
		if got := len(reg.Names(kind)); got != want {
			t.Errorf("%s providers = %d, want %d", kind, got, want)
		}
	}
}

func TestApplyReload(t *testing.T) {
	t.Parallel()
	level := new(slog.LevelVar)
	applyReload(level, config.ConfigDiff{LogLevelChanged: true, NewLogLevel: config.LogWarn})
	if level.Level() != slog.LevelWarn {
		t.Errorf("level = %v, want warn", level.Level())
	}
	applyReload(level, config.ConfigDiff{RestartRequired: []string{"database"}})
	if level.Level() != slog.LevelWarn {
		t.Errorf("restart-only diff changed level to %v", level.Level())
	}
}

func TestOptHelpers(t *testing.T) {
	t.Parallel()
	opts := map[string]any{"language": "de", "max_retries": 2, "bad": 1.5}
	if got := optString(opts, "language"); got != "de" {
		t.Errorf("optString = %q", got)
	}
	if got := optString(opts, "max_retries"); got != "" {
		t.Errorf("optString on int = %q", got)
	}
	if got := optString(nil, "language"); got != "" {
		t.Errorf("optString(nil) = %q", got)
	}
	if n, ok := optInt(opts, "max_retries"); !ok || n != 2 {
		t.Errorf("optInt = %d, %v", n, ok)
	}
	if _, ok := optInt(opts, "bad"); ok {
		t.Error("optInt accepted a float")
	}
}

func TestBreakerConfig(t *testing.T) {
	t.Parallel()
	cb := breakerConfig("tts").CircuitBreaker
	if cb.Name != "tts" || cb.MaxFailures != 3 || cb.OnStateChange == nil {
		t.Fatalf("breaker config = %+v", cb)
	}
	// Recording a transition must not panic before telemetry is set up.
	cb.OnStateChange("elevenlabs", resilience.StateClosed, resilience.StateOpen)
}
