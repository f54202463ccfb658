package simbackend

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/dshills/taskwatch/internal/logging"
	"github.com/dshills/taskwatch/internal/task"
)

var (
	// ErrTaskNotFound indicates a kill for an unknown task id.
	ErrTaskNotFound = errors.New("simbackend: task not found")

	// ErrTaskNotRunning indicates a kill for a task that already
	// finished or has not started.
	ErrTaskNotRunning = errors.New("simbackend: task not running")

	// ErrFleetStarted indicates Start was called twice.
	ErrFleetStarted = errors.New("simbackend: fleet already started")
)

// Task lifecycle phases inside the simulation.
const (
	phasePending = iota
	phaseRunning
	phaseDone
)

type simTask struct {
	id      string
	prompt  string
	worker  int
	outcome task.Status
	errMsg  string
	lines   []ScriptLine

	startAfter time.Duration
	runFor     time.Duration

	phase      int
	pid        int
	nextLine   int
	startedAt  time.Time
	finishedAt time.Time
	duration   int64
	status     task.Status
	logCount   int
}

// Fleet walks a scenario's tasks through their lifecycle on a ticker
// and publishes the resulting log frames on Frames.
type Fleet struct {
	tick   time.Duration
	logger *logging.Logger
	frames chan []byte

	mu      sync.Mutex
	tasks   []*simTask
	byID    map[string]*simTask
	started bool
	epoch   time.Time
	nextPID int
	cancel  context.CancelFunc
	done    chan struct{}
}

// FleetOption configures a Fleet.
type FleetOption func(*Fleet)

// WithFleetLogger sets the logger.
func WithFleetLogger(l *logging.Logger) FleetOption {
	return func(f *Fleet) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFleet builds a fleet from a scenario. Tasks without an id get a
// generated one.
func NewFleet(sc *Scenario, opts ...FleetOption) *Fleet {
	f := &Fleet{
		tick:    sc.Tick.Std(),
		logger:  logging.NullLogger,
		frames:  make(chan []byte, 256),
		byID:    make(map[string]*simTask),
		nextPID: 4000,
	}
	for _, opt := range opts {
		opt(f)
	}

	for _, st := range sc.Tasks {
		id := st.ID
		if id == "" {
			id = "t-" + uuid.NewString()[:8]
		}
		lines := make([]ScriptLine, len(st.Lines))
		copy(lines, st.Lines)
		sort.SliceStable(lines, func(i, j int) bool { return lines[i].At < lines[j].At })

		t := &simTask{
			id:         id,
			prompt:     st.Prompt,
			worker:     st.Worker,
			outcome:    scriptOutcome(st.Outcome),
			errMsg:     st.Error,
			lines:      lines,
			startAfter: st.StartAfter.Std(),
			runFor:     st.Duration.Std(),
			phase:      phasePending,
			status:     task.StatusRunning,
		}
		f.tasks = append(f.tasks, t)
		f.byID[id] = t
	}

	return f
}

func scriptOutcome(s string) task.Status {
	st, ok := task.ParseStatus(s)
	if !ok {
		return task.StatusCompleted
	}
	return st
}

// Frames is the stream of outbound log frames, already encoded for
// the wire. The channel is never closed; slow consumers lose frames.
func (f *Fleet) Frames() <-chan []byte { return f.frames }

// Start begins advancing the simulation clock. The fleet stops when
// ctx is cancelled or Stop is called.
func (f *Fleet) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return ErrFleetStarted
	}
	f.started = true
	f.epoch = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	f.mu.Unlock()

	f.logger.Info("fleet started with %d tasks, tick %s", len(f.tasks), f.tick)
	go f.run(runCtx)
	return nil
}

// Stop halts the simulation clock. Task state is frozen as-is.
func (f *Fleet) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	done := f.done
	f.cancel = nil
	f.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (f *Fleet) run(ctx context.Context) {
	defer close(f.done)

	ticker := time.NewTicker(f.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			f.publish(f.advance(now))
		}
	}
}

// advance moves every task forward to now and returns the frames the
// step produced, in emission order.
func (f *Fleet) advance(now time.Time) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	var frames [][]byte
	for _, t := range f.tasks {
		frames = append(frames, f.advanceTask(t, now)...)
	}
	return frames
}

func (f *Fleet) advanceTask(t *simTask, now time.Time) [][]byte {
	var frames [][]byte

	if t.phase == phasePending {
		if now.Before(f.epoch.Add(t.startAfter)) {
			return nil
		}
		t.phase = phaseRunning
		t.pid = f.nextPID
		f.nextPID++
		t.startedAt = now
		t.logCount++
		frames = append(frames, logFrame(t.id, now.UnixMilli(), "system", "任务开始"))
	}

	if t.phase != phaseRunning {
		return frames
	}

	deadline := t.startedAt.Add(t.runFor)
	for t.nextLine < len(t.lines) {
		line := t.lines[t.nextLine]
		due := t.startedAt.Add(line.At.Std())
		if due.After(now) || due.After(deadline) {
			break
		}
		t.nextLine++
		t.logCount++
		frames = append(frames, logFrame(t.id, due.UnixMilli(), line.Channel, line.Text))
	}

	if now.Before(deadline) {
		return frames
	}
	return append(frames, f.finish(t, now, t.outcome, t.errMsg))
}

// finish moves a running task to a terminal status and returns the
// closing system frame. Caller holds the lock.
func (f *Fleet) finish(t *simTask, now time.Time, status task.Status, errMsg string) []byte {
	t.phase = phaseDone
	t.status = status
	t.errMsg = errMsg
	t.finishedAt = now
	t.duration = now.Sub(t.startedAt).Milliseconds()
	t.logCount++

	var text string
	switch status {
	case task.StatusCompleted:
		text = "任务完成"
	case task.StatusTimeout:
		text = "任务超时"
	default:
		text = "任务失败"
		if errMsg != "" {
			text += ": " + errMsg
		}
	}

	f.logger.Info("task %s finished %s after %dms", t.id, status, t.duration)
	return logFrame(t.id, now.UnixMilli(), "system", text)
}

func (f *Fleet) publish(frames [][]byte) {
	for _, frame := range frames {
		select {
		case f.frames <- frame:
		default:
			f.logger.Warn("frame buffer full, dropping frame")
		}
	}
}

// Kill terminates a running task. The task moves to failed and emits
// a closing system frame.
func (f *Fleet) Kill(taskID string) error {
	f.mu.Lock()
	t, ok := f.byID[taskID]
	if !ok {
		f.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.phase != phaseRunning {
		f.mu.Unlock()
		return ErrTaskNotRunning
	}
	frame := f.finish(t, time.Now(), task.StatusFailed, "terminated by operator")
	f.mu.Unlock()

	f.publish([][]byte{frame})
	return nil
}

// Processes reports every task the backend has seen start, in
// scenario order.
func (f *Fleet) Processes() []task.ProcessSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	procs := make([]task.ProcessSnapshot, 0, len(f.tasks))
	for _, t := range f.tasks {
		if t.phase == phasePending {
			continue
		}
		snap := task.ProcessSnapshot{
			TaskID:    t.id,
			WorkerID:  t.worker,
			Status:    t.status,
			StartTime: t.startedAt.UnixMilli(),
			Prompt:    t.prompt,
			LogCount:  t.logCount,
		}
		if t.phase == phaseRunning {
			pid := t.pid
			snap.PID = &pid
		} else {
			d := t.duration
			snap.Duration = &d
			snap.Error = t.errMsg
		}
		procs = append(procs, snap)
	}
	return procs
}

// Stats aggregates terminal tasks that finished within the window.
func (f *Fleet) Stats(windowDays int) task.AggregateStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -windowDays)
	var stats task.AggregateStats
	var total int64
	var n int64
	for _, t := range f.tasks {
		if t.phase != phaseDone || t.finishedAt.Before(cutoff) {
			continue
		}
		if t.status == task.StatusCompleted {
			stats.Completed++
		} else {
			stats.Failed++
		}
		total += t.duration
		n++
	}
	if n > 0 {
		avg := total / n
		stats.AvgDuration = &avg
	}
	return stats
}

// logFrame builds one wire frame for a log record.
func logFrame(taskID string, ts int64, channel, text string) []byte {
	frame, _ := sjson.SetBytes([]byte(`{"type":"log"}`), "taskId", taskID)
	frame, _ = sjson.SetBytes(frame, "log.timestamp", ts)
	frame, _ = sjson.SetBytes(frame, "log.channel", channel)
	frame, _ = sjson.SetBytes(frame, "log.content", text)
	return frame
}
