package config_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callwire/internal/config"
)

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "callwire.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.STT.Name != "deepgram" {
		t.Errorf("providers.stt.name: got %q", cfg.Providers.STT.Name)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CALLWIRE_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CALLWIRE_TEST_DOTENV", "")
	os.Unsetenv("CALLWIRE_TEST_DOTENV")

	if err := config.LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("CALLWIRE_TEST_DOTENV"); got != "loaded" {
		t.Errorf("CALLWIRE_TEST_DOTENV: got %q, want %q", got, "loaded")
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CALLWIRE_TEST_KEEP=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CALLWIRE_TEST_KEEP", "process")

	if err := config.LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("CALLWIRE_TEST_KEEP"); got != "process" {
		t.Errorf("CALLWIRE_TEST_KEEP: got %q, want %q", got, "process")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CALLWIRE_A", "alpha")
	got := string(config.ExpandEnv([]byte("x: ${CALLWIRE_A}\ny: $CALLWIRE_A\nz: ${CALLWIRE_NOPE}")))
	want := "x: alpha\ny: $CALLWIRE_A\nz: "
	if got != want {
		t.Errorf("ExpandEnv: got %q, want %q", got, want)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for kind, want := range map[string]string{"llm": "openai", "stt": "deepgram", "tts": "elevenlabs"} {
		if !slices.Contains(config.ValidProviderNames[kind], want) {
			t.Errorf("ValidProviderNames[%q] should contain %q", kind, want)
		}
	}
}

// ── Diff ─────────────────────────────────────────────────────────────────────

func TestDiff_LogLevelOnly(t *testing.T) {
	t.Parallel()
	old, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	changed, err := config.LoadFromReader(strings.NewReader(strings.Replace(sampleYAML, "log_level: debug", "log_level: warn", 1)))
	if err != nil {
		t.Fatal(err)
	}

	d := config.Diff(old, changed)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
		t.Errorf("expected log level change to warn, got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired: got %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequiredSections(t *testing.T) {
	t.Parallel()
	old, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	src := strings.Replace(sampleYAML, "max_retries: 5", "max_retries: 1", 1)
	src = strings.Replace(src, "debounce: 2s", "debounce: 3s", 1)
	changed, err := config.LoadFromReader(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}

	d := config.Diff(old, changed)
	if d.LogLevelChanged {
		t.Error("log level should not be reported as changed")
	}
	if !slices.Equal(d.RestartRequired, []string{"ledger", "session"}) {
		t.Errorf("RestartRequired: got %v, want [ledger session]", d.RestartRequired)
	}
}

func TestDiff_Identical(t *testing.T) {
	t.Parallel()
	a, _ := config.LoadFromReader(strings.NewReader(sampleYAML))
	b, _ := config.LoadFromReader(strings.NewReader(sampleYAML))
	if d := config.Diff(a, b); !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

// ── Watcher ──────────────────────────────────────────────────────────────────

func TestWatcher_ReloadsOnChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "callwire.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	changes := make(chan config.ConfigDiff, 1)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		changes <- config.Diff(old, new)
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	updated := strings.Replace(sampleYAML, "log_level: debug", "log_level: error", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	// Force a distinct mtime on filesystems with coarse timestamps.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-changes:
		if !d.LogLevelChanged || d.NewLogLevel != config.LogError {
			t.Errorf("unexpected diff: %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if w.Current().Server.LogLevel != config.LogError {
		t.Errorf("Current().Server.LogLevel: got %q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_KeepsPreviousOnInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "callwire.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	called := make(chan struct{}, 1)
	w, err := config.NewWatcher(path, func(_, _ *config.Config) { called <- struct{}{} },
		config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(path, []byte("server: [broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	_ = os.Chtimes(path, future, future)

	select {
	case <-called:
		t.Fatal("onChange must not fire for an invalid file")
	case <-time.After(100 * time.Millisecond):
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current() should keep the previous config, got log level %q", w.Current().Server.LogLevel)
	}
}
