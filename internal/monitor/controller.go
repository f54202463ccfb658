// Package monitor reconciles the live log stream with periodic
// authoritative snapshot polls into one coherent read model.
//
// A single run loop owns all mutable state. Stream events, poll
// results, and external commands are applied in the order they arrive
// on the loop, so concurrent snapshot fetches resolve by completion
// order: whichever response lands last is the state that sticks.
package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dshills/taskwatch/internal/logbuf"
	"github.com/dshills/taskwatch/internal/logging"
	"github.com/dshills/taskwatch/internal/metrics"
	"github.com/dshills/taskwatch/internal/stream"
	"github.com/dshills/taskwatch/internal/task"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("monitor: controller already started")
	// ErrControllerStopped is returned when Start is called after Stop.
	ErrControllerStopped = errors.New("monitor: controller stopped")
)

// SnapshotFetcher supplies authoritative process and aggregate state.
type SnapshotFetcher interface {
	FetchProcesses(ctx context.Context) ([]task.ProcessSnapshot, error)
	FetchStats(ctx context.Context, windowDays int) (task.AggregateStats, error)
}

// TaskTerminator issues kill commands for running tasks.
type TaskTerminator interface {
	Terminate(ctx context.Context, taskID string) error
}

// StreamConn is the controller's view of one live stream connection.
type StreamConn interface {
	Events() <-chan stream.Event
	Close() error
}

// StreamDialer opens one stream connection attempt. Each call must
// return a fresh connection; dropped connections are never reused.
type StreamDialer func(ctx context.Context) (StreamConn, error)

// Observer receives monitor activity as it is applied. Calls arrive
// from the run loop one at a time; implementations should return
// quickly.
type Observer interface {
	ObserveLog(taskID string, rec task.LogRecord)
	ObserveProcesses(procs []task.ProcessSnapshot)
}

// WebSocketDialer returns a StreamDialer that dials url with a new
// stream connection per attempt.
func WebSocketDialer(url string, opts ...stream.Option) StreamDialer {
	return func(ctx context.Context) (StreamConn, error) {
		c := stream.New(url, opts...)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Config configures the controller.
type Config struct {
	// PollInterval is the cadence of authoritative snapshot fetches.
	// Default: 5 seconds
	PollInterval time.Duration

	// StatsWindowDays is the window requested for aggregate stats.
	// Default: 7
	StatsWindowDays int

	// Sentinels are substrings that, when seen on a system-channel
	// record, trigger an immediate out-of-band snapshot refresh.
	// Default: 任务完成, 任务失败
	Sentinels []string

	// Reconnect governs automatic redialing of a dropped stream.
	Reconnect ReconnectPolicy
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:    5 * time.Second,
		StatsWindowDays: 7,
		Sentinels:       []string{"任务完成", "任务失败"},
		Reconnect:       DefaultReconnectPolicy(),
	}
}

func (c *Config) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.StatsWindowDays <= 0 {
		c.StatsWindowDays = 7
	}
	if c.Sentinels == nil {
		c.Sentinels = DefaultConfig().Sentinels
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = 5
	}
	if c.Reconnect.InitialBackoff <= 0 {
		c.Reconnect.InitialBackoff = time.Second
	}
	if c.Reconnect.MaxBackoff <= 0 {
		c.Reconnect.MaxBackoff = 30 * time.Second
	}
	if c.Reconnect.Multiplier <= 1 {
		c.Reconnect.Multiplier = 2.0
	}
	if c.Reconnect.ResetWindow <= 0 {
		c.Reconnect.ResetWindow = 5 * time.Minute
	}
}

// Option configures optional controller dependencies.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogStore sets the backing log store. Useful when the store
// outlives the controller or carries a per-task cap.
func WithLogStore(s *logbuf.Store) Option {
	return func(c *Controller) { c.logs = s }
}

// WithObserver attaches an observer for applied records and
// snapshots.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// Controller multiplexes stream records into per-task buffers and
// reconciles them with polled snapshots.
//
// Thread Safety: Controller is safe for concurrent use. The run loop
// is the only writer of the read model; accessors take a read lock
// and return copies. Commands are marshalled onto the loop through a
// channel.
type Controller struct {
	cfg      Config
	fetcher  SnapshotFetcher
	killer   TaskTerminator
	dial     StreamDialer
	logs     *logbuf.Store
	logger   *logging.Logger
	metrics  *metrics.Metrics
	observer Observer

	// Read model (written only by the run loop).
	mu        sync.RWMutex
	processes []task.ProcessSnapshot
	stats     task.AggregateStats
	connState stream.State
	lastErr   error
	started   bool
	stopped   bool

	runCtx  context.Context
	cancel  context.CancelFunc
	cmds    chan command
	fetches chan fetchResult
	dials   chan dialResult
	updates chan struct{}
	wg      sync.WaitGroup
}

type commandKind int

const (
	cmdRefresh commandKind = iota
	cmdReconnect
	cmdSetInterval
)

type command struct {
	kind     commandKind
	interval time.Duration
}

type fetchKind int

const (
	fetchProcesses fetchKind = iota
	fetchStats
)

type fetchResult struct {
	kind      fetchKind
	processes []task.ProcessSnapshot
	stats     task.AggregateStats
	err       error
	elapsed   time.Duration
}

type dialResult struct {
	conn StreamConn
	err  error
}

// New creates a controller. The fetcher, killer, and dialer are
// required; cfg zero values fall back to defaults.
func New(cfg Config, fetcher SnapshotFetcher, killer TaskTerminator, dial StreamDialer, opts ...Option) *Controller {
	cfg.normalize()

	c := &Controller{
		cfg:       cfg,
		fetcher:   fetcher,
		killer:    killer,
		dial:      dial,
		connState: stream.StateConnecting,
		cmds:      make(chan command, 16),
		fetches:   make(chan fetchResult, 8),
		dials:     make(chan dialResult, 1),
		updates:   make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logs == nil {
		c.logs = logbuf.New()
	}
	if c.logger == nil {
		c.logger = logging.GetLogger().WithComponent("monitor")
	}
	if c.metrics == nil {
		c.metrics = metrics.GetMetrics()
	}

	return c
}

// Start launches the run loop, dials the stream, and issues the
// initial snapshot fetches.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrControllerStopped
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.runCtx, c.cancel = context.WithCancel(ctx)
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()

	return nil
}

// Stop tears the controller down, waiting for the run loop and any
// in-flight dial to finish and releasing whatever connection they
// held. In-flight fetch results and stream events are discarded; the
// read model keeps its last applied values. Stop is idempotent and
// safe to call before Start.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	// Every dial goroutine has exited; a connection still parked in the
	// buffer has no consumer left and must be released here.
	select {
	case dr := <-c.dials:
		if dr.conn != nil {
			_ = dr.conn.Close()
		}
	default:
	}
}

// --- Read model ---

// Processes returns the most recent snapshot of all tracked
// processes. The slice is a copy.
func (c *Controller) Processes() []task.ProcessSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]task.ProcessSnapshot, len(c.processes))
	copy(out, c.processes)
	return out
}

// Stats returns the most recent aggregate stats.
func (c *Controller) Stats() task.AggregateStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// ConnectionState reports the live stream state.
func (c *Controller) ConnectionState() stream.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connState
}

// LastError returns the most recent fetch error, or nil after a
// successful fetch. Fetch errors never clear previously applied
// state; this is surfaced for display only.
func (c *Controller) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// LogsFor returns all buffered records for one task, oldest first.
func (c *Controller) LogsFor(taskID string) []task.LogRecord {
	return c.logs.Get(taskID)
}

// LastLogs returns up to n of the newest records for one task.
func (c *Controller) LastLogs(taskID string, n int) []task.LogRecord {
	return c.logs.Last(taskID, n)
}

// LogCount returns the number of buffered records for one task.
func (c *Controller) LogCount(taskID string) int {
	return c.logs.Count(taskID)
}

// Updates returns a coalescing notification channel. A receive means
// some part of the read model changed since the last receive.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

// --- Commands ---

// RefreshNow issues an out-of-band snapshot fetch.
func (c *Controller) RefreshNow() {
	c.enqueue(command{kind: cmdRefresh})
}

// Reconnect resets the attempt counter and redials a dropped stream.
// A live stream is left alone.
func (c *Controller) Reconnect() {
	c.enqueue(command{kind: cmdReconnect})
}

// SetPollInterval changes the snapshot poll cadence. Intervals of
// zero or less are ignored.
func (c *Controller) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.enqueue(command{kind: cmdSetInterval, interval: d})
}

// ClearLogs discards the buffer for one task. Records arriving
// afterwards start a fresh buffer.
func (c *Controller) ClearLogs(taskID string) {
	c.logs.Clear(taskID)
	c.notify()
}

// Terminate sends a kill command for the task. On failure the read
// model is untouched and the error is returned; on success an
// out-of-band refresh picks up the resulting status change.
func (c *Controller) Terminate(ctx context.Context, taskID string) error {
	err := c.killer.Terminate(ctx, taskID)
	c.metrics.RecordKill(err)
	if err != nil {
		c.logger.Warn("terminate %s failed: %v", taskID, err)
		return err
	}

	c.logger.Info("terminate %s accepted", taskID)
	c.RefreshNow()
	return nil
}

func (c *Controller) enqueue(cmd command) {
	c.mu.RLock()
	ok := c.started && !c.stopped
	ctx := c.runCtx
	c.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
	}
}

// --- Run loop ---

type loopState struct {
	conn     StreamConn
	events   <-chan stream.Event
	retry    <-chan time.Time
	dialing  bool
	attempts int
	openedAt time.Time
}

func (c *Controller) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var st loopState
	st.dialing = true
	c.dialAsync()
	c.requestProcesses()
	c.requestStats()

	for {
		select {
		case <-c.runCtx.Done():
			if st.conn != nil {
				_ = st.conn.Close()
			}
			return

		case dr := <-c.dials:
			st.dialing = false
			if dr.err != nil {
				c.logger.Warn("stream dial failed: %v", dr.err)
				c.setConnState(stream.StateClosed)
				st.retry = c.scheduleReconnect(&st)
				continue
			}
			st.conn = dr.conn
			st.events = dr.conn.Events()

		case ev, ok := <-st.events:
			if !ok {
				// Stream finished; the channel close is the
				// authoritative signal.
				st.conn = nil
				st.events = nil
				c.setConnState(stream.StateClosed)
				st.retry = c.scheduleReconnect(&st)
				continue
			}
			c.handleStreamEvent(ev, &st)

		case <-st.retry:
			st.retry = nil
			st.dialing = true
			c.setConnState(stream.StateConnecting)
			c.dialAsync()

		case res := <-c.fetches:
			c.applyFetch(res)

		case <-ticker.C:
			c.requestProcesses()
			c.requestStats()

		case cmd := <-c.cmds:
			switch cmd.kind {
			case cmdRefresh:
				c.requestProcesses()
				c.requestStats()
			case cmdReconnect:
				st.attempts = 0
				st.openedAt = time.Time{}
				if st.conn == nil && !st.dialing {
					st.retry = nil
					st.dialing = true
					c.metrics.RecordReconnectAttempt()
					c.setConnState(stream.StateConnecting)
					c.dialAsync()
				}
			case cmdSetInterval:
				c.cfg.PollInterval = cmd.interval
				ticker.Reset(cmd.interval)
				c.logger.Debug("poll interval set to %s", cmd.interval)
			}
		}
	}
}

func (c *Controller) handleStreamEvent(ev stream.Event, st *loopState) {
	switch ev.Type {
	case stream.EventLog:
		c.logs.Append(ev.TaskID, ev.Record)
		c.metrics.RecordAppend()
		if c.observer != nil {
			c.observer.ObserveLog(ev.TaskID, ev.Record)
		}
		if ev.Record.Channel == task.ChannelSystem && c.isSentinel(ev.Record.Content) {
			c.metrics.RecordSentinelRefresh()
			c.logger.Debug("sentinel on task %s, refreshing", ev.TaskID)
			c.requestProcesses()
			c.requestStats()
		}
		c.notify()

	case stream.EventStateChange:
		if ev.State == stream.StateOpen {
			st.openedAt = time.Now()
			c.logger.Info("stream open")
		}
		c.setConnState(ev.State)
	}
}

// scheduleReconnect applies the reconnect policy after a stream drop
// and returns the retry timer, or nil when no retry will happen.
func (c *Controller) scheduleReconnect(st *loopState) <-chan time.Time {
	if !c.cfg.Reconnect.Enabled {
		return nil
	}

	// A connection that stayed up past the reset window starts the
	// attempt count over.
	if !st.openedAt.IsZero() && time.Since(st.openedAt) > c.cfg.Reconnect.ResetWindow {
		st.attempts = 0
	}
	st.openedAt = time.Time{}

	st.attempts++
	if st.attempts > c.cfg.Reconnect.MaxAttempts {
		c.logger.Error("stream reconnect giving up after %d attempts", st.attempts-1)
		return nil
	}

	delay := CalculateBackoff(st.attempts,
		c.cfg.Reconnect.InitialBackoff, c.cfg.Reconnect.MaxBackoff, c.cfg.Reconnect.Multiplier)
	c.metrics.RecordReconnectAttempt()
	c.logger.Info("stream reconnect attempt %d in %s", st.attempts, delay)
	return time.After(delay)
}

func (c *Controller) applyFetch(res fetchResult) {
	switch res.kind {
	case fetchProcesses:
		c.metrics.RecordSnapshotFetch(res.elapsed, res.err)
		if res.err != nil {
			c.logger.Warn("process fetch failed: %v", res.err)
			c.setLastError(res.err)
			return
		}
		c.setProcesses(res.processes)
		if c.observer != nil {
			c.observer.ObserveProcesses(res.processes)
		}

	case fetchStats:
		c.metrics.RecordStatsFetch(res.err)
		if res.err != nil {
			c.logger.Warn("stats fetch failed: %v", res.err)
			c.setLastError(res.err)
			return
		}
		c.setStats(res.stats)
	}
}

func (c *Controller) requestProcesses() {
	ctx := c.runCtx
	go func() {
		timer := metrics.StartTimer()
		procs, err := c.fetcher.FetchProcesses(ctx)
		res := fetchResult{kind: fetchProcesses, processes: procs, err: err, elapsed: timer.Stop()}
		select {
		case c.fetches <- res:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) requestStats() {
	ctx := c.runCtx
	days := c.cfg.StatsWindowDays
	go func() {
		stats, err := c.fetcher.FetchStats(ctx, days)
		res := fetchResult{kind: fetchStats, stats: stats, err: err}
		select {
		case c.fetches <- res:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) dialAsync() {
	ctx := c.runCtx
	// Tracked by wg: Stop drains any result this goroutine parks in
	// c.dials after the run loop has exited.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		conn, err := c.dial(ctx)
		select {
		case c.dials <- dialResult{conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

func (c *Controller) isSentinel(content string) bool {
	for _, s := range c.cfg.Sentinels {
		if s != "" && strings.Contains(content, s) {
			return true
		}
	}
	return false
}

// --- Read model writes (run loop only) ---

func (c *Controller) setProcesses(procs []task.ProcessSnapshot) {
	c.mu.Lock()
	c.processes = procs
	c.lastErr = nil
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) setStats(stats task.AggregateStats) {
	c.mu.Lock()
	c.stats = stats
	c.lastErr = nil
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) setConnState(s stream.State) {
	c.mu.Lock()
	if c.connState == s {
		c.mu.Unlock()
		return
	}
	c.connState = s
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) setLastError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}
