package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/callwire/internal/callsession"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs"},
}

// envRef matches ${NAME} references in the raw YAML.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding values that are already set. Missing files
// are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// from the environment, applies defaults, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = ExpandEnv(raw)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces every ${NAME} in raw with the value of the environment
// variable NAME. Unset variables expand to the empty string so the
// required-field checks in [Validate] report them.
func ExpandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	required := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", field))
		}
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	required("server.public_url", cfg.Server.PublicURL)
	if cfg.Server.PublicURL != "" {
		u, err := url.Parse(cfg.Server.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.public_url %q must be an absolute http(s) URL", cfg.Server.PublicURL))
		}
	}
	for field, p := range map[string]string{"server.webhook_path": cfg.Server.WebhookPath, "server.media_path": cfg.Server.MediaPath} {
		if p != "" && !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("%s %q must start with /", field, p))
		}
	}

	// Telephony
	required("telephony.auth_token", cfg.Telephony.AuthToken)
	if cfg.Telephony.TokenTTL < 0 {
		errs = append(errs, fmt.Errorf("telephony.token_ttl must not be negative"))
	}

	// Providers
	required("providers.llm.name", cfg.Providers.LLM.Name)
	required("providers.stt.name", cfg.Providers.STT.Name)
	required("providers.stt.api_key", cfg.Providers.STT.APIKey)
	required("providers.tts.name", cfg.Providers.TTS.Name)
	required("providers.tts.api_key", cfg.Providers.TTS.APIKey)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}

	// Database
	required("database.dsn", cfg.Database.DSN)
	if cfg.Database.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("database.max_conns must not be negative"))
	}

	// Ledger
	required("ledger.notify_url", cfg.Ledger.NotifyURL)
	required("ledger.notify_secret", cfg.Ledger.NotifySecret)
	if cfg.Ledger.MaxRetries < -1 {
		errs = append(errs, fmt.Errorf("ledger.max_retries %d is invalid; use -1 to disable retries", cfg.Ledger.MaxRetries))
	}

	// Session
	if cfg.Session.MaxMessages < 0 {
		errs = append(errs, fmt.Errorf("session.max_messages must not be negative"))
	}
	for name, t := range cfg.Session.Buffer {
		if !callsession.InputType(name).IsValid() {
			errs = append(errs, fmt.Errorf("session.buffer.%s is not a known input type", name))
		}
		if t.Debounce > 0 && t.MaxWait > 0 && t.MaxWait < t.Debounce {
			errs = append(errs, fmt.Errorf("session.buffer.%s.max_wait must not be shorter than debounce", name))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
