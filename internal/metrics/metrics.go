// Package metrics tracks counters for stream and polling activity.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks monitoring session activity.
type Metrics struct {
	// Stream activity
	framesReceived atomic.Uint64
	framesDropped  atomic.Uint64
	recordsAdded   atomic.Uint64

	// Snapshot polling
	snapshotFetches  atomic.Uint64
	snapshotFailures atomic.Uint64
	snapshotTotalNs  atomic.Int64
	statsFetches     atomic.Uint64
	statsFailures    atomic.Uint64

	// Reconciliation triggers
	sentinelRefreshes atomic.Uint64

	// Connection lifecycle
	reconnectAttempts atomic.Uint64

	// Control commands
	killCommands atomic.Uint64
	killFailures atomic.Uint64

	// Start time for uptime calculation
	startTime time.Time
}

// New creates a new metrics tracker.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordFrame records a stream frame that decoded into a log event.
func (m *Metrics) RecordFrame() {
	m.framesReceived.Add(1)
}

// RecordFrameDropped records a malformed or unrecognized stream frame.
func (m *Metrics) RecordFrameDropped() {
	m.framesDropped.Add(1)
}

// RecordAppend records a log record appended to a buffer.
func (m *Metrics) RecordAppend() {
	m.recordsAdded.Add(1)
}

// RecordSnapshotFetch records the outcome of a snapshot fetch.
func (m *Metrics) RecordSnapshotFetch(duration time.Duration, err error) {
	m.snapshotFetches.Add(1)
	m.snapshotTotalNs.Add(duration.Nanoseconds())
	if err != nil {
		m.snapshotFailures.Add(1)
	}
}

// RecordStatsFetch records the outcome of a stats fetch.
func (m *Metrics) RecordStatsFetch(err error) {
	m.statsFetches.Add(1)
	if err != nil {
		m.statsFailures.Add(1)
	}
}

// RecordSentinelRefresh records an out-of-band refresh triggered by a
// completion or failure sentinel.
func (m *Metrics) RecordSentinelRefresh() {
	m.sentinelRefreshes.Add(1)
}

// RecordReconnectAttempt records one reconnection attempt.
func (m *Metrics) RecordReconnectAttempt() {
	m.reconnectAttempts.Add(1)
}

// RecordKill records the outcome of a terminate command.
func (m *Metrics) RecordKill(err error) {
	m.killCommands.Add(1)
	if err != nil {
		m.killFailures.Add(1)
	}
}

// Snapshot returns a point-in-time view of current counters.
func (m *Metrics) Snapshot() Snapshot {
	fetches := m.snapshotFetches.Load()

	var avgFetchNs int64
	if fetches > 0 {
		avgFetchNs = m.snapshotTotalNs.Load() / int64(fetches)
	}

	return Snapshot{
		Uptime:            time.Since(m.startTime),
		FramesReceived:    m.framesReceived.Load(),
		FramesDropped:     m.framesDropped.Load(),
		RecordsAppended:   m.recordsAdded.Load(),
		SnapshotFetches:   fetches,
		SnapshotFailures:  m.snapshotFailures.Load(),
		AvgFetchNs:        avgFetchNs,
		StatsFetches:      m.statsFetches.Load(),
		StatsFailures:     m.statsFailures.Load(),
		SentinelRefreshes: m.sentinelRefreshes.Load(),
		ReconnectAttempts: m.reconnectAttempts.Load(),
		KillCommands:      m.killCommands.Load(),
		KillFailures:      m.killFailures.Load(),
	}
}

// Reset clears all counters.
func (m *Metrics) Reset() {
	m.framesReceived.Store(0)
	m.framesDropped.Store(0)
	m.recordsAdded.Store(0)
	m.snapshotFetches.Store(0)
	m.snapshotFailures.Store(0)
	m.snapshotTotalNs.Store(0)
	m.statsFetches.Store(0)
	m.statsFailures.Store(0)
	m.sentinelRefreshes.Store(0)
	m.reconnectAttempts.Store(0)
	m.killCommands.Store(0)
	m.killFailures.Store(0)
	m.startTime = time.Now()
}

// Snapshot is a point-in-time view of session counters.
type Snapshot struct {
	Uptime            time.Duration
	FramesReceived    uint64
	FramesDropped     uint64
	RecordsAppended   uint64
	SnapshotFetches   uint64
	SnapshotFailures  uint64
	AvgFetchNs        int64
	StatsFetches      uint64
	StatsFailures     uint64
	SentinelRefreshes uint64
	ReconnectAttempts uint64
	KillCommands      uint64
	KillFailures      uint64
}

// AvgFetchMs returns the average snapshot fetch time in milliseconds.
func (s Snapshot) AvgFetchMs() float64 {
	return float64(s.AvgFetchNs) / 1e6
}

// DropRate returns the percentage of stream frames dropped.
func (s Snapshot) DropRate() float64 {
	total := s.FramesReceived + s.FramesDropped
	if total == 0 {
		return 0
	}
	return float64(s.FramesDropped) / float64(total) * 100
}

// Timer provides a simple way to measure elapsed time.
type Timer struct {
	start time.Time
}

// StartTimer creates a new timer.
func StartTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed time since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// Stop returns the elapsed time and resets the timer.
func (t *Timer) Stop() time.Duration {
	elapsed := t.Elapsed()
	t.start = time.Now()
	return elapsed
}

// sessionMetrics is the process-wide metrics instance.
var (
	sessionMetrics     *Metrics
	sessionMetricsOnce sync.Once
)

// GetMetrics returns the process-wide metrics.
func GetMetrics() *Metrics {
	sessionMetricsOnce.Do(func() {
		if sessionMetrics == nil {
			sessionMetrics = New()
		}
	})
	return sessionMetrics
}

// SetMetrics sets the process-wide metrics.
func SetMetrics(m *Metrics) {
	sessionMetrics = m
}
