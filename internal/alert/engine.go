// Package alert evaluates Lua alert rules against monitor activity.
//
// Rule scripts declare hooks and the engine feeds them log records
// and process status transitions:
//
//	function on_log(record)
//	    if string.find(record.content, "panic") then
//	        monitor.notify("panic in task " .. record.task, "error")
//	    end
//	end
//
//	function on_status(proc, old, new)
//	    if new == "failed" then
//	        monitor.notify(proc.task .. " failed")
//	    end
//	end
//
// Hooks run sandboxed: only the base, table, string, and math
// libraries are open. A hook that raises an error is logged and
// skipped; it never disturbs other rules or the monitor itself.
package alert

import (
	"errors"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/taskwatch/internal/logging"
	"github.com/dshills/taskwatch/internal/task"
)

// ErrEngineClosed is returned when using a closed engine.
var ErrEngineClosed = errors.New("alert: engine closed")

// DefaultMaxNotifications bounds the pending notification buffer.
const DefaultMaxNotifications = 100

// Notification is one alert raised by a rule.
type Notification struct {
	// Level is the severity the rule chose (info, warn, error).
	Level string

	// Message is the rule's message text.
	Message string

	// TaskID is the task the triggering record or transition
	// belonged to.
	TaskID string

	// Time is when the rule fired.
	Time time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMaxNotifications caps the pending notification buffer. When
// full, the oldest notification is dropped.
func WithMaxNotifications(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxNotifications = n
		}
	}
}

// Engine runs alert rules in one sandboxed Lua state.
//
// gopher-lua states are not goroutine-safe; the engine serializes all
// access through its mutex, so hooks execute one at a time.
type Engine struct {
	mu sync.Mutex

	L      *lua.LState
	logger *logging.Logger
	closed bool

	logHooks    []lua.LValue
	statusHooks []lua.LValue

	// statuses remembers the last seen status per task so
	// ObserveProcesses can detect transitions.
	statuses map[string]task.Status

	// currentTask is the task the hook being dispatched belongs to;
	// monitor.notify stamps it onto the notification.
	currentTask string

	notifications    []Notification
	maxNotifications int
}

// NewEngine creates an engine with a fresh sandboxed Lua state.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		statuses:         make(map[string]task.Status),
		maxNotifications: DefaultMaxNotifications,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = logging.GetLogger().WithComponent("alert")
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	e.L = L

	openSafeLibraries(L)
	e.registerMonitorModule()

	return e
}

// openSafeLibraries opens only safe Lua standard libraries. io, os,
// debug, and package stay closed.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

// registerMonitorModule installs the monitor table rules call into.
func (e *Engine) registerMonitorModule() {
	funcs := map[string]lua.LGFunction{
		"notify": func(L *lua.LState) int {
			msg := L.CheckString(1)
			level := L.OptString(2, "warn")
			e.pushNotification(level, msg)
			return 0
		},
		"log": func(L *lua.LState) int {
			e.logger.Info("rule: %s", L.CheckString(1))
			return 0
		},
	}

	mod := e.L.SetFuncs(e.L.NewTable(), funcs)
	e.L.SetGlobal("monitor", mod)
}

// pushNotification appends a notification, dropping the oldest when
// the buffer is full. Callers hold e.mu via the dispatching hook.
func (e *Engine) pushNotification(level, msg string) {
	switch level {
	case "info", "warn", "error":
	default:
		level = "warn"
	}

	n := Notification{
		Level:   level,
		Message: msg,
		TaskID:  e.currentTask,
		Time:    time.Now(),
	}

	if len(e.notifications) >= e.maxNotifications {
		e.notifications = e.notifications[1:]
	}
	e.notifications = append(e.notifications, n)
}

// LoadFile loads one rule script. The script's on_log and on_status
// globals are collected as hooks, so multiple files can each declare
// their own.
func (e *Engine) LoadFile(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}

	if err := e.doWithRecovery(func() error { return e.L.DoFile(path) }); err != nil {
		return fmt.Errorf("loading rule %s: %w", path, err)
	}

	e.collectHooks()
	return nil
}

// LoadString loads rule code from a string.
func (e *Engine) LoadString(code string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}

	if err := e.doWithRecovery(func() error { return e.L.DoString(code) }); err != nil {
		return fmt.Errorf("loading rule: %w", err)
	}

	e.collectHooks()
	return nil
}

// collectHooks moves the script's hook globals into the engine's hook
// lists and clears them so the next script starts fresh.
func (e *Engine) collectHooks() {
	if fn := e.L.GetGlobal("on_log"); fn.Type() == lua.LTFunction {
		e.logHooks = append(e.logHooks, fn)
		e.L.SetGlobal("on_log", lua.LNil)
	}
	if fn := e.L.GetGlobal("on_status"); fn.Type() == lua.LTFunction {
		e.statusHooks = append(e.statusHooks, fn)
		e.L.SetGlobal("on_status", lua.LNil)
	}
}

func (e *Engine) doWithRecovery(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// HookCount returns how many hooks are registered.
func (e *Engine) HookCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.logHooks) + len(e.statusHooks)
}

// ObserveLog feeds one log record to every on_log hook.
func (e *Engine) ObserveLog(taskID string, rec task.LogRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || len(e.logHooks) == 0 {
		return
	}

	tbl := e.L.NewTable()
	tbl.RawSetString("task", lua.LString(taskID))
	tbl.RawSetString("channel", lua.LString(rec.Channel.String()))
	tbl.RawSetString("content", lua.LString(rec.Content))
	tbl.RawSetString("timestamp", lua.LNumber(rec.Timestamp))

	e.currentTask = taskID
	defer func() { e.currentTask = "" }()

	for _, hook := range e.logHooks {
		e.callHook(hook, tbl)
	}
}

// ObserveProcesses diffs the snapshot against the last seen statuses
// and feeds each transition to every on_status hook. A task's first
// appearance records its status without firing.
func (e *Engine) ObserveProcesses(procs []task.ProcessSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	seen := make(map[string]bool, len(procs))
	for _, p := range procs {
		seen[p.TaskID] = true

		old, known := e.statuses[p.TaskID]
		e.statuses[p.TaskID] = p.Status
		if !known || old == p.Status || len(e.statusHooks) == 0 {
			continue
		}

		tbl := e.L.NewTable()
		tbl.RawSetString("task", lua.LString(p.TaskID))
		tbl.RawSetString("worker", lua.LNumber(p.WorkerID))
		tbl.RawSetString("prompt", lua.LString(p.Prompt))
		tbl.RawSetString("status", lua.LString(p.Status.String()))
		if p.Duration != nil {
			tbl.RawSetString("duration", lua.LNumber(*p.Duration))
		}

		e.currentTask = p.TaskID
		for _, hook := range e.statusHooks {
			e.callHook(hook, tbl, lua.LString(old.String()), lua.LString(p.Status.String()))
		}
		e.currentTask = ""
	}

	// Tasks gone from the snapshot stop being tracked.
	for id := range e.statuses {
		if !seen[id] {
			delete(e.statuses, id)
		}
	}
}

// callHook invokes one hook, isolating rule failures.
func (e *Engine) callHook(fn lua.LValue, args ...lua.LValue) {
	err := e.doWithRecovery(func() error {
		e.L.Push(fn)
		for _, arg := range args {
			e.L.Push(arg)
		}
		return e.L.PCall(len(args), 0, nil)
	})
	if err != nil {
		e.logger.Warn("alert rule failed: %v", err)
	}
}

// Drain returns pending notifications and clears the buffer.
func (e *Engine) Drain() []Notification {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.notifications) == 0 {
		return nil
	}
	out := e.notifications
	e.notifications = nil
	return out
}

// Pending returns the number of undrained notifications.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.notifications)
}

// IsClosed returns true if the engine has been closed.
func (e *Engine) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close releases the Lua state. Further observations are no-ops.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}

	e.L.Close()
	e.closed = true
	return nil
}
