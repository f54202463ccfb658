package config

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dshills/taskwatch/internal/logging"
)

type reloadRecorder struct {
	mu      sync.Mutex
	configs []*Config
	errs    []error
}

func (r *reloadRecorder) handle(cfg *Config, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errs = append(r.errs, err)
		return
	}
	r.configs = append(r.configs, cfg)
}

func (r *reloadRecorder) reloads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.configs)
}

func (r *reloadRecorder) failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *reloadRecorder) lastConfig() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.configs) == 0 {
		return nil
	}
	return r.configs[len(r.configs)-1]
}

// touch rewrites the file and forces a forward mtime jump so the
// change is visible on filesystems with coarse timestamps.
func touch(t *testing.T, path, content string, offset time.Duration) {
	t.Helper()

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	mt := time.Now().Add(offset)
	if err := os.Chtimes(path, mt, mt); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeConfigFile(t, `
[monitor]
poll_interval = "5s"
`)

	rec := &reloadRecorder{}
	w := NewWatcher(path, rec.handle,
		WithPollInterval(5*time.Millisecond),
		WithDebounce(10*time.Millisecond),
		WithWatcherLogger(logging.NullLogger))
	w.Start()
	defer w.Stop()

	touch(t, path, `
[monitor]
poll_interval = "2s"
`, time.Second)

	waitCond(t, "reload", func() bool { return rec.reloads() >= 1 })

	cfg := rec.lastConfig()
	if cfg.Monitor.PollInterval.Std() != 2*time.Second {
		t.Errorf("reloaded PollInterval = %v, want 2s", cfg.Monitor.PollInterval.Std())
	}
}

func TestWatcherReportsBrokenReload(t *testing.T) {
	path := writeConfigFile(t, `
[monitor]
poll_interval = "5s"
`)

	rec := &reloadRecorder{}
	w := NewWatcher(path, rec.handle,
		WithPollInterval(5*time.Millisecond),
		WithDebounce(0),
		WithWatcherLogger(logging.NullLogger))
	w.Start()
	defer w.Stop()

	touch(t, path, `[monitor`, time.Second)

	waitCond(t, "reload failure", func() bool { return rec.failures() >= 1 })
	if rec.reloads() != 0 {
		t.Errorf("reloads = %d, want 0 after broken write", rec.reloads())
	}
}

func TestWatcherRejectsInvalidReload(t *testing.T) {
	path := writeConfigFile(t, ``)

	rec := &reloadRecorder{}
	w := NewWatcher(path, rec.handle,
		WithPollInterval(5*time.Millisecond),
		WithDebounce(0),
		WithWatcherLogger(logging.NullLogger))
	w.Start()
	defer w.Stop()

	// Parses fine but fails validation.
	touch(t, path, `
[monitor]
poll_interval = "1ms"
`, time.Second)

	waitCond(t, "validation failure", func() bool { return rec.failures() >= 1 })
	if rec.reloads() != 0 {
		t.Errorf("reloads = %d, want 0 after invalid write", rec.reloads())
	}
}

func TestWatcherSurvivesPanickingHandler(t *testing.T) {
	path := writeConfigFile(t, `
[monitor]
poll_interval = "5s"
`)

	var mu sync.Mutex
	var calls int
	var last *Config
	handler := func(cfg *Config, err error) {
		mu.Lock()
		calls++
		n := calls
		last = cfg
		mu.Unlock()
		if n == 1 {
			panic("handler exploded")
		}
	}

	w := NewWatcher(path, handler,
		WithPollInterval(5*time.Millisecond),
		WithDebounce(0),
		WithWatcherLogger(logging.NullLogger))
	w.Start()
	defer w.Stop()

	touch(t, path, `
[monitor]
poll_interval = "2s"
`, time.Second)

	waitCond(t, "panicking reload", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 1
	})
	if !w.IsRunning() {
		t.Fatal("IsRunning() = false after handler panic")
	}

	// The poll loop must keep delivering reloads after the panic.
	touch(t, path, `
[monitor]
poll_interval = "3s"
`, 2*time.Second)

	waitCond(t, "reload after panic", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last != nil && last.Monitor.PollInterval.Std() == 3*time.Second
	})
}

func TestWatcherStartStop(t *testing.T) {
	path := writeConfigFile(t, ``)

	w := NewWatcher(path, func(*Config, error) {},
		WithPollInterval(5*time.Millisecond),
		WithWatcherLogger(logging.NullLogger))

	if w.IsRunning() {
		t.Error("IsRunning() = true before Start")
	}

	w.Start()
	w.Start() // no-op
	if !w.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}

	w.Stop()
	w.Stop() // no-op
	if w.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}
