package config

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/dshills/taskwatch/internal/logging"
)

// ReloadHandler receives the result of reloading the config file. On
// a parse failure cfg is nil and err describes the problem; the
// previous configuration should stay in effect.
type ReloadHandler func(cfg *Config, err error)

// Watcher polls one config file and reloads it when the modification
// time changes. Rapid successive writes are debounced so editors that
// write in multiple steps trigger a single reload.
type Watcher struct {
	path     string
	handler  ReloadHandler
	interval time.Duration
	debounce time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	lastMod time.Time
	pending time.Time
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithPollInterval sets the polling interval.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithDebounce sets how long a change must be stable before reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(l *logging.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, handler ReloadHandler, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		handler:  handler,
		interval: 500 * time.Millisecond,
		debounce: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.logger == nil {
		w.logger = logging.GetLogger().WithComponent("config")
	}

	return w
}

// Start begins polling. Calling Start on a running watcher is a
// no-op.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
	}
	var ctx context.Context
	ctx, w.cancel = context.WithCancel(context.Background())
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.pollLoop(ctx)
}

// Stop halts polling. Pending changes are discarded.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
}

// IsRunning reports whether the watcher is polling.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check records a modification when the file's mtime moves, then
// reloads once the change has been stable for the debounce window.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		// Missing file: keep the current config and wait for the
		// file to come back.
		w.mu.Lock()
		w.lastMod = time.Time{}
		w.mu.Unlock()
		return
	}

	now := time.Now()

	w.mu.Lock()
	if !info.ModTime().Equal(w.lastMod) {
		w.lastMod = info.ModTime()
		w.pending = now
	}
	reload := !w.pending.IsZero() && now.Sub(w.pending) >= w.debounce
	if reload {
		w.pending = time.Time{}
	}
	w.mu.Unlock()

	if !reload {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed: %v", err)
		w.callHandler(nil, err)
		return
	}
	if verr := cfg.Validate(); verr != nil {
		w.logger.Warn("config reload rejected: %v", verr)
		w.callHandler(nil, verr)
		return
	}

	w.logger.Info("config reloaded from %s", w.path)
	w.callHandler(cfg, nil)
}

// callHandler invokes the reload handler, keeping the poll loop alive
// if the handler panics.
func (w *Watcher) callHandler(cfg *Config, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("reload handler panic: %v", r)
		}
	}()
	w.handler(cfg, err)
}
