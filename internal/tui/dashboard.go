// Package tui renders the live fleet dashboard: a process table, the
// selected task's log tail, alert notices, and key-driven commands
// against the monitor.
package tui

import (
	"context"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/dshills/taskwatch/internal/alert"
	"github.com/dshills/taskwatch/internal/logging"
	"github.com/dshills/taskwatch/internal/stream"
	"github.com/dshills/taskwatch/internal/task"
)

const (
	defaultLogTail    = 15
	statusTTL         = 5 * time.Second
	killConfirmWindow = 3 * time.Second
	maxNotices        = 50
)

// Source is the read model and command surface the dashboard works
// against.
type Source interface {
	Processes() []task.ProcessSnapshot
	Stats() task.AggregateStats
	ConnectionState() stream.State
	LastError() error
	LastLogs(taskID string, n int) []task.LogRecord
	LogCount(taskID string) int
	Updates() <-chan struct{}
	RefreshNow()
	Reconnect()
	ClearLogs(taskID string)
	Terminate(ctx context.Context, taskID string) error
}

// Notifier supplies alert notifications for the notice line.
type Notifier interface {
	Drain() []alert.Notification
}

// Dashboard owns the terminal screen and the render loop.
type Dashboard struct {
	screen  tcell.Screen
	src     Source
	alerts  Notifier
	logger  *logging.Logger
	logTail int

	// Written from the kill goroutine, read by the render loop.
	mu       sync.Mutex
	status   string
	statusAt time.Time

	// Touched only by the render loop goroutine.
	selected int
	armed    string
	armedAt  time.Time
	procs    []task.ProcessSnapshot
	notices  []alert.Notification
}

// Option configures a Dashboard.
type Option func(*Dashboard)

// WithScreen substitutes the terminal screen. Used with tcell's
// simulation screen in tests.
func WithScreen(s tcell.Screen) Option {
	return func(d *Dashboard) {
		d.screen = s
	}
}

// WithNotifier attaches an alert source for the notice line.
func WithNotifier(n Notifier) Option {
	return func(d *Dashboard) {
		d.alerts = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dashboard) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithLogTail sets how many log lines the log pane requests.
func WithLogTail(n int) Option {
	return func(d *Dashboard) {
		if n > 0 {
			d.logTail = n
		}
	}
}

// New creates a dashboard over the given source. Without WithScreen
// it opens the real terminal.
func New(src Source, opts ...Option) (*Dashboard, error) {
	d := &Dashboard{
		src:     src,
		logger:  logging.NullLogger,
		logTail: defaultLogTail,
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.screen == nil {
		screen, err := tcell.NewScreen()
		if err != nil {
			return nil, err
		}
		d.screen = screen
	}
	return d, nil
}

// Run draws until the user quits or ctx is cancelled. It owns the
// screen lifecycle.
func (d *Dashboard) Run(ctx context.Context) error {
	if err := d.screen.Init(); err != nil {
		return err
	}
	defer d.screen.Fini()
	d.screen.HideCursor()

	quit := make(chan struct{})
	events := make(chan tcell.Event, 16)
	go d.screen.ChannelEvents(events, quit)
	defer close(quit)

	// The ticker keeps relative ages and status expiry moving even
	// when the fleet is quiet.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	d.logger.Info("dashboard started")
	for {
		d.redraw()
		select {
		case <-ctx.Done():
			return nil
		case <-d.src.Updates():
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if d.handleEvent(ctx, ev) {
				d.logger.Info("dashboard quit")
				return nil
			}
		}
	}
}

// handleEvent processes one terminal event. It reports whether the
// user asked to quit.
func (d *Dashboard) handleEvent(ctx context.Context, ev tcell.Event) bool {
	switch e := ev.(type) {
	case *tcell.EventResize:
		d.screen.Sync()
	case *tcell.EventKey:
		return d.handleKey(ctx, e)
	}
	return false
}

func (d *Dashboard) handleKey(ctx context.Context, e *tcell.EventKey) bool {
	switch e.Key() {
	case tcell.KeyCtrlC, tcell.KeyEscape:
		return true
	case tcell.KeyUp:
		d.moveSelection(-1)
		return false
	case tcell.KeyDown:
		d.moveSelection(1)
		return false
	case tcell.KeyRune:
	default:
		return false
	}

	switch e.Rune() {
	case 'q':
		return true
	case 'j':
		d.moveSelection(1)
	case 'k':
		d.moveSelection(-1)
	case 'r':
		d.src.RefreshNow()
		d.setStatus("refresh requested")
	case 'c':
		d.src.Reconnect()
		d.setStatus("reconnecting stream")
	case 'd':
		if id := d.selectedTask(); id != "" {
			d.src.ClearLogs(id)
			d.setStatus("cleared logs for " + id)
		}
	case 'x':
		d.requestKill(ctx)
	}
	return false
}

// requestKill arms on the first press and terminates on the second,
// so a stray keystroke cannot kill a task.
func (d *Dashboard) requestKill(ctx context.Context) {
	id := d.selectedTask()
	if id == "" {
		return
	}

	if d.armed != id || time.Since(d.armedAt) > killConfirmWindow {
		d.armed = id
		d.armedAt = time.Now()
		d.setStatus("press x again to kill " + id)
		return
	}
	d.armed = ""
	d.setStatus("killing " + id)

	go func() {
		killCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := d.src.Terminate(killCtx, id); err != nil {
			d.logger.Warn("kill %s failed: %v", id, err)
			d.setStatus("kill failed: " + err.Error())
		} else {
			d.setStatus("kill accepted for " + id)
		}
		// Wake the render loop from outside it.
		_ = d.screen.PostEvent(tcell.NewEventInterrupt(nil))
	}()
}

func (d *Dashboard) moveSelection(delta int) {
	d.selected += delta
	d.clampSelection()
}

func (d *Dashboard) clampSelection() {
	if d.selected >= len(d.procs) {
		d.selected = len(d.procs) - 1
	}
	if d.selected < 0 {
		d.selected = 0
	}
}

// selectedTask returns the task id under the cursor, or empty when
// the table is empty.
func (d *Dashboard) selectedTask() string {
	if len(d.procs) == 0 {
		return ""
	}
	d.clampSelection()
	return d.procs[d.selected].TaskID
}

func (d *Dashboard) setStatus(msg string) {
	d.mu.Lock()
	d.status = msg
	d.statusAt = time.Now()
	d.mu.Unlock()
}

// currentStatus returns the transient status message, empty once it
// has expired.
func (d *Dashboard) currentStatus() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status == "" || time.Since(d.statusAt) > statusTTL {
		return ""
	}
	return d.status
}
