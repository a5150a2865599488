package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/speakersync/internal/config"
)

const watcherValidYAML = `
backend:
  base_url: "http://localhost:9000"
log:
  level: info
`

const watcherUpdatedYAML = `
backend:
  base_url: "http://localhost:9100"
log:
  level: debug
`

const watcherInvalidYAML = `
log:
  level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// bumpMtime moves the file's mtime forward so that polling sees a change on
// file systems with coarse timestamps.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

type changeRecorder struct {
	mu      sync.Mutex
	changes [][2]*config.Config
	signal  chan struct{}
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{signal: make(chan struct{}, 16)}
}

func (r *changeRecorder) onChange(old, new *config.Config) {
	r.mu.Lock()
	r.changes = append(r.changes, [2]*config.Config{old, new})
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func (r *changeRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.signal:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for onChange")
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg.Backend.BaseURL != "http://localhost:9000" {
		t.Errorf("BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Log.Level != config.LogInfo {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherInvalidYAML)

	if _, err := config.NewWatcher(cfgPath, nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()

	for _, mode := range []struct {
		name string
		opts []config.WatcherOption
	}{
		{"fsnotify", []config.WatcherOption{config.WithInterval(time.Hour)}},
		{"polling", []config.WatcherOption{config.WithInterval(50 * time.Millisecond), config.WithPollingOnly()}},
	} {
		t.Run(mode.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			cfgPath := filepath.Join(dir, "config.yaml")
			writeFile(t, cfgPath, watcherValidYAML)

			rec := newChangeRecorder()
			w, err := config.NewWatcher(cfgPath, rec.onChange, mode.opts...)
			if err != nil {
				t.Fatalf("NewWatcher: %v", err)
			}
			defer w.Stop()

			writeFile(t, cfgPath, watcherUpdatedYAML)
			bumpMtime(t, cfgPath)
			rec.wait(t)

			rec.mu.Lock()
			old, new := rec.changes[0][0], rec.changes[0][1]
			rec.mu.Unlock()
			if old.Log.Level != config.LogInfo || new.Log.Level != config.LogDebug {
				t.Errorf("change = %q -> %q", old.Log.Level, new.Log.Level)
			}
			if got := w.Current().Backend.BaseURL; got != "http://localhost:9100" {
				t.Errorf("Current BaseURL = %q", got)
			}
		})
	}
}

func TestWatcher_InvalidChangeKeepsCurrent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	rec := newChangeRecorder()
	w, err := config.NewWatcher(cfgPath, rec.onChange,
		config.WithInterval(30*time.Millisecond), config.WithPollingOnly())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, watcherInvalidYAML)
	bumpMtime(t, cfgPath)
	time.Sleep(200 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("onChange called %d times for invalid config", n)
	}
	if got := w.Current().Log.Level; got != config.LogInfo {
		t.Errorf("Current Log.Level = %q, want info", got)
	}

	// A subsequent valid write is picked up.
	writeFile(t, cfgPath, watcherUpdatedYAML)
	future := time.Now().Add(4 * time.Second)
	if err := os.Chtimes(cfgPath, future, future); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	rec := newChangeRecorder()
	w, err := config.NewWatcher(cfgPath, rec.onChange,
		config.WithInterval(30*time.Millisecond), config.WithPollingOnly())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	bumpMtime(t, cfgPath)
	time.Sleep(200 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("onChange called %d times for a touch", n)
	}
}

func TestWatcher_StopIdempotent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
