package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultWatchInterval = 5 * time.Second

// snapshot is what the watcher knows about one version of the config file.
type snapshot struct {
	cfg     *Config
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// sameFile reports whether info still describes the file behind s.
func (s snapshot) sameFile(info os.FileInfo) bool {
	return info.ModTime().Equal(s.modTime) && info.Size() == s.size
}

// Watcher polls the config file and hands each valid new version to a
// callback. Polling works the same on bind mounts and network volumes,
// where change notifications are unreliable.
//
// An edit that fails to parse or validate is logged and ignored; the call
// server keeps running with the last good config.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu   sync.Mutex
	last snapshot
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file is checked. Non-positive values keep
// the default of five seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher reads path once and fails if it does not hold a valid config.
// Polling starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: defaultWatchInterval, onChange: onChange}
	for _, opt := range opts {
		opt(w)
	}
	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.last = snap
	return w, nil
}

// Current returns the last valid config read from disk.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Run polls until ctx is done and then returns nil, so it can run in the
// same errgroup as the server.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if old, cur, ok := w.poll(); ok && w.onChange != nil {
				w.onChange(old, cur)
			}
		}
	}
}

// poll returns the previous and new config when the file content changed
// into a valid config.
func (w *Watcher) poll() (old, cur *Config, changed bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config reload skipped", "path", w.path, "err", err)
		return nil, nil, false
	}

	w.mu.Lock()
	prev := w.last
	w.mu.Unlock()
	if prev.sameFile(info) {
		return nil, nil, false
	}

	snap, err := w.read()
	if err != nil {
		slog.Warn("config reload rejected, keeping previous config", "path", w.path, "err", err)
		return nil, nil, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if snap.sum == w.last.sum {
		// Touched, not edited.
		w.last.modTime, w.last.size = snap.modTime, snap.size
		return nil, nil, false
	}
	old = w.last.cfg
	w.last = snap
	slog.Info("config reloaded", "path", w.path)
	return old, snap.cfg, true
}

func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{
		cfg:     cfg,
		modTime: info.ModTime(),
		size:    info.Size(),
		sum:     sha256.Sum256(data),
	}, nil
}
