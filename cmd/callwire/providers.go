package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/callwire/internal/app"
	"github.com/MrWong99/callwire/internal/config"
	"github.com/MrWong99/callwire/internal/observe"
	"github.com/MrWong99/callwire/internal/orchestrator"
	"github.com/MrWong99/callwire/internal/resilience"
	"github.com/MrWong99/callwire/pkg/provider/llm"
	"github.com/MrWong99/callwire/pkg/provider/llm/anyllm"
	"github.com/MrWong99/callwire/pkg/provider/llm/openai"
	"github.com/MrWong99/callwire/pkg/provider/stt"
	"github.com/MrWong99/callwire/pkg/provider/stt/deepgram"
	"github.com/MrWong99/callwire/pkg/provider/tts"
	"github.com/MrWong99/callwire/pkg/provider/tts/elevenlabs"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai talks to the Chat Completions API directly so timeouts and
	// retries are under our control.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(entry.Timeout))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if n, ok := optInt(entry.Options, "max_retries"); ok {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// The rest share the same pattern through any-llm: optional APIKey +
	// optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, deepgram.WithDialTimeout(entry.Timeout))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, elevenlabs.WithTimeout(entry.Timeout))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	for _, kind := range []string{"llm", "stt", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// breakerConfig is shared by every fallback group. Breaker transitions are
// counted per gateway kind and backend.
func breakerConfig(kind string) resilience.FallbackConfig {
	return resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		Name:         kind,
		MaxFailures:  3,
		ResetTimeout: 20 * time.Second,
		OnStateChange: func(name string, _, to resilience.State) {
			observe.DefaultMetrics().RecordBreakerTransition(context.Background(), kind, name, to.String())
		},
	}}
}

// buildProviders instantiates the providers named in cfg using the registry
// and wraps them in circuit-breaking fallbacks. Every stage is required.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider: %w", err)
	}
	lf := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, breakerConfig("llm"))
	for _, entry := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback: %w", err)
		}
		lf.AddFallback(entry.Name, p)
		slog.Info("provider created", "kind", "llm-fallback", "name", entry.Name)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	sp, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider: %w", err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	tp, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider: %w", err)
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	return &app.Providers{
		LLM: lf,
		STT: resilience.NewSTTFallback(sp, cfg.Providers.STT.Name, breakerConfig("stt")),
		TTS: resilience.NewTTSFallback(tp, cfg.Providers.TTS.Name, breakerConfig("tts")),
		Names: orchestrator.ProviderNames{
			LLM: cfg.Providers.LLM.Name,
			STT: cfg.Providers.STT.Name,
			TTS: cfg.Providers.TTS.Name,
		},
	}, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// optInt extracts an integer option. YAML decodes whole numbers as int.
func optInt(opts map[string]any, key string) (int, bool) {
	v, ok := opts[key]
	if !ok {
		return 0, false
	}
	n, ok := v.(int)
	return n, ok
}
