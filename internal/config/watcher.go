package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const settleDelay = 100 * time.Millisecond

// Watcher monitors a config file for changes and calls a callback when the
// file is modified. It listens for fsnotify events on the file's directory
// and also polls, so changes are picked up where notifications are missing
// (network mounts, some container volumes).
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	notify   bool

	mu       sync.Mutex
	current  *Config
	done     chan struct{}
	exited   chan struct{}
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

// WithPollingOnly disables fsnotify and relies on polling alone.
func WithPollingOnly() WatcherOption {
	return func(w *Watcher) {
		w.notify = false
	}
}

// NewWatcher creates a config file watcher. It loads the initial config
// immediately and starts watching in a background goroutine.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher resolve %q: %w", path, err)
	}
	w := &Watcher{
		path:     abs,
		interval: 5 * time.Second,
		onChange: onChange,
		notify:   true,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	// Load initial config.
	cfg, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = mtime

	var fw *fsnotify.Watcher
	if w.notify {
		fw = w.newNotifier()
	}
	go w.run(fw)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	<-w.exited
}

// newNotifier returns an fsnotify watcher on the config directory, or nil
// when notifications are unavailable. The directory is watched rather than
// the file because editors replace files by rename.
func (w *Watcher) newNotifier() *fsnotify.Watcher {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config watcher: fsnotify unavailable, polling only", "err", err)
		return nil
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		slog.Warn("config watcher: cannot watch directory, polling only", "path", w.path, "err", err)
		_ = fw.Close()
		return nil
	}
	return fw
}

func (w *Watcher) run(fw *fsnotify.Watcher) {
	defer close(w.exited)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Writers often emit several events per save; settle before reading.
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if fw != nil {
		defer fw.Close()
		events, errs = fw.Events, fw.Errors
	}

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-events:
			if !ok {
				slog.Warn("config watcher: fsnotify closed, polling only", "path", w.path)
				events, errs = nil, nil
				continue
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				settle.Reset(settleDelay)
			}
		case <-settle.C:
			w.check(true)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("config watcher: fsnotify error", "path", w.path, "err", err)
		case <-ticker.C:
			w.check(false)
		}
	}
}

// check reads the config file and, if it has changed and is valid, calls
// onChange and updates the current config. Notified checks skip the mtime
// shortcut since two writes may share a timestamp.
func (w *Watcher) check(notified bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		if !notified {
			slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		}
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()

	if !notified && info.ModTime().Equal(mtime) {
		return
	}

	cfg, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		slog.Warn("config watcher: failed to load config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()

	if hash == w.lastHash {
		// File was touched but content is identical.
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}

	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Invoke the callback outside the lock so it can safely call Current().
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// loadAndHash reads the config file, parses and validates it, and returns the
// config alongside the file's SHA-256 hash and modification time. If the
// config is invalid, it returns an error (the caller should keep the old one).
func (w *Watcher) loadAndHash() (*Config, [sha256.Size]byte, time.Time, error) {
	var zeroHash [sha256.Size]byte

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
