package config

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher monitors a config file for changes and calls a callback with the
// hot-reloadable diff when the file is modified. It uses polling (not
// fsnotify) to keep dependencies minimal.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config, diff Diff)

	mu       sync.Mutex
	current  *Config
	done     chan struct{}
	stopOnce sync.Once

	// last known file state for change detection
	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher creates a watcher for the config file at path. The initial
// config must already be loaded; onChange is called only for subsequent
// edits, and only when the new file parses and validates. A broken edit is
// logged and the previous config stays in effect.
func NewWatcher(path string, initial *Config, onChange func(old, new *Config, diff Diff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		current:  initial,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	mtime, hash, err := fileState(path)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	w.lastMtime = mtime
	w.lastHash = hash

	return w, nil
}

// Start begins polling in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop halts polling. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	mtime, hash, err := fileState(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot read file", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	unchanged := mtime.Equal(w.lastMtime) && hash == w.lastHash
	if !unchanged {
		w.lastMtime = mtime
		w.lastHash = hash
	}
	w.mu.Unlock()
	if unchanged {
		return
	}

	newCfg, err := Load(w.path)
	if err != nil {
		slog.Error("config watcher: reload failed, keeping previous config",
			"path", w.path,
			"error", err,
		)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = newCfg
	w.mu.Unlock()

	diff := Compare(old, newCfg)
	if !diff.Any() {
		slog.Debug("config file changed but no hot-reloadable fields differ", "path", w.path)
		return
	}

	slog.Info("config reloaded",
		"path", w.path,
		"log_level_changed", diff.LogLevelChanged,
		"vad_changed", diff.VADChanged,
		"capture_changed", diff.CaptureChanged,
	)
	if w.onChange != nil {
		w.onChange(old, newCfg, diff)
	}
}

func fileState(path string) (time.Time, [sha256.Size]byte, error) {
	var hash [sha256.Size]byte

	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, hash, err
	}

	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, hash, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return time.Time{}, hash, err
	}
	copy(hash[:], h.Sum(nil))

	return fi.ModTime(), hash, nil
}
