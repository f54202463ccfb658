package simbackend

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dshills/taskwatch/internal/task"
)

// fastScenario builds a scenario with a 5ms tick so tests finish
// quickly.
func fastScenario(tasks ...ScriptTask) *Scenario {
	sc := &Scenario{Tick: Duration(5 * time.Millisecond), Tasks: tasks}
	if err := sc.applyDefaults(); err != nil {
		panic(err)
	}
	return sc
}

func startFleet(t *testing.T, sc *Scenario) *Fleet {
	t.Helper()
	f := NewFleet(sc)
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(f.Stop)
	return f
}

// collectUntil reads frames until one whose content contains the
// given text arrives, returning everything read.
func collectUntil(t *testing.T, f *Fleet, text string) [][]byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	var frames [][]byte
	for {
		select {
		case frame := <-f.Frames():
			frames = append(frames, frame)
			if strings.Contains(gjson.GetBytes(frame, "log.content").String(), text) {
				return frames
			}
		case <-deadline:
			t.Fatalf("timed out waiting for frame containing %q (got %d frames)", text, len(frames))
		}
	}
}

func frameContents(frames [][]byte) []string {
	out := make([]string, len(frames))
	for i, frame := range frames {
		out[i] = gjson.GetBytes(frame, "log.content").String()
	}
	return out
}

func TestFleetRunsTaskToCompletion(t *testing.T) {
	sc := fastScenario(ScriptTask{
		ID:       "t1",
		Prompt:   "compile the tree",
		Worker:   1,
		Duration: Duration(60 * time.Millisecond),
		Outcome:  "completed",
		Lines: []ScriptLine{
			{At: Duration(10 * time.Millisecond), Channel: "stdout", Text: "step one"},
			{At: Duration(30 * time.Millisecond), Channel: "stderr", Text: "step two"},
		},
	})
	f := startFleet(t, sc)

	frames := collectUntil(t, f, "任务完成")
	contents := frameContents(frames)

	if len(contents) != 4 {
		t.Fatalf("got %d frames %v, want 4", len(contents), contents)
	}
	want := []string{"任务开始", "step one", "step two", "任务完成"}
	for i, w := range want {
		if contents[i] != w {
			t.Errorf("frame %d content = %q, want %q", i, contents[i], w)
		}
	}

	// Every frame targets the task and carries a channel.
	for i, frame := range frames {
		if got := gjson.GetBytes(frame, "taskId").String(); got != "t1" {
			t.Errorf("frame %d taskId = %q, want t1", i, got)
		}
		if got := gjson.GetBytes(frame, "type").String(); got != "log" {
			t.Errorf("frame %d type = %q, want log", i, got)
		}
	}
	if got := gjson.GetBytes(frames[2], "log.channel").String(); got != "stderr" {
		t.Errorf("step two channel = %q, want stderr", got)
	}

	procs := f.Processes()
	if len(procs) != 1 {
		t.Fatalf("Processes() returned %d, want 1", len(procs))
	}
	p := procs[0]
	if p.Status != task.StatusCompleted {
		t.Errorf("status = %v, want completed", p.Status)
	}
	if p.Duration == nil || *p.Duration < 60 {
		t.Errorf("Duration = %v, want >= 60ms", p.Duration)
	}
	if p.PID != nil {
		t.Errorf("PID = %v, want nil after finish", *p.PID)
	}
	if p.LogCount != 4 {
		t.Errorf("LogCount = %d, want 4", p.LogCount)
	}

	stats := f.Stats(7)
	if stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 1 completed", stats)
	}
	if stats.AvgDuration == nil {
		t.Error("AvgDuration = nil, want set")
	}
}

func TestFleetFailedOutcome(t *testing.T) {
	sc := fastScenario(ScriptTask{
		ID:       "t1",
		Duration: Duration(20 * time.Millisecond),
		Outcome:  "failed",
		Error:    "boom",
	})
	f := startFleet(t, sc)

	frames := collectUntil(t, f, "任务失败")
	last := frames[len(frames)-1]
	if got := gjson.GetBytes(last, "log.content").String(); got != "任务失败: boom" {
		t.Errorf("final content = %q, want 任务失败: boom", got)
	}
	if got := gjson.GetBytes(last, "log.channel").String(); got != "system" {
		t.Errorf("final channel = %q, want system", got)
	}

	procs := f.Processes()
	if procs[0].Status != task.StatusFailed || procs[0].Error != "boom" {
		t.Errorf("process = %+v, want failed with boom", procs[0])
	}
	if stats := f.Stats(7); stats.Failed != 1 {
		t.Errorf("stats.Failed = %d, want 1", stats.Failed)
	}
}

func TestFleetTimeoutOutcome(t *testing.T) {
	sc := fastScenario(ScriptTask{
		ID:       "t1",
		Duration: Duration(20 * time.Millisecond),
		Outcome:  "timeout",
	})
	f := startFleet(t, sc)

	frames := collectUntil(t, f, "任务超时")
	last := frames[len(frames)-1]
	if got := gjson.GetBytes(last, "log.channel").String(); got != "system" {
		t.Errorf("final channel = %q, want system", got)
	}
	if procs := f.Processes(); procs[0].Status != task.StatusTimeout {
		t.Errorf("status = %v, want timeout", procs[0].Status)
	}
	// Timeouts count as failures in the aggregate.
	if stats := f.Stats(7); stats.Failed != 1 {
		t.Errorf("stats.Failed = %d, want 1", stats.Failed)
	}
}

func TestFleetSkipsLinesPastDeadline(t *testing.T) {
	sc := fastScenario(ScriptTask{
		ID:       "t1",
		Duration: Duration(20 * time.Millisecond),
		Lines: []ScriptLine{
			{At: Duration(200 * time.Millisecond), Text: "never emitted"},
		},
	})
	f := startFleet(t, sc)

	frames := collectUntil(t, f, "任务完成")
	for _, c := range frameContents(frames) {
		if c == "never emitted" {
			t.Error("line past the deadline was emitted")
		}
	}
	if procs := f.Processes(); procs[0].LogCount != 2 {
		t.Errorf("LogCount = %d, want 2", procs[0].LogCount)
	}
}

func TestFleetKill(t *testing.T) {
	sc := fastScenario(
		ScriptTask{ID: "long", Duration: Duration(10 * time.Second)},
		ScriptTask{ID: "later", StartAfter: Duration(10 * time.Second)},
	)
	f := startFleet(t, sc)

	// Wait until the long task is actually running.
	collectUntil(t, f, "任务开始")

	if err := f.Kill("ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Kill(ghost) = %v, want ErrTaskNotFound", err)
	}
	if err := f.Kill("later"); !errors.Is(err, ErrTaskNotRunning) {
		t.Errorf("Kill(later) = %v, want ErrTaskNotRunning", err)
	}

	if err := f.Kill("long"); err != nil {
		t.Fatalf("Kill(long) error = %v", err)
	}
	frames := collectUntil(t, f, "任务失败")
	last := frames[len(frames)-1]
	if got := gjson.GetBytes(last, "log.content").String(); got != "任务失败: terminated by operator" {
		t.Errorf("kill frame content = %q", got)
	}

	var killed task.ProcessSnapshot
	for _, p := range f.Processes() {
		if p.TaskID == "long" {
			killed = p
		}
	}
	if killed.Status != task.StatusFailed {
		t.Errorf("status after kill = %v, want failed", killed.Status)
	}
	if killed.Error != "terminated by operator" {
		t.Errorf("Error = %q, want terminated by operator", killed.Error)
	}

	if err := f.Kill("long"); !errors.Is(err, ErrTaskNotRunning) {
		t.Errorf("second Kill = %v, want ErrTaskNotRunning", err)
	}
}

func TestFleetGeneratesTaskIDs(t *testing.T) {
	sc := fastScenario(ScriptTask{Duration: Duration(20 * time.Millisecond)})
	f := NewFleet(sc)

	if len(f.tasks) != 1 {
		t.Fatalf("fleet has %d tasks, want 1", len(f.tasks))
	}
	id := f.tasks[0].id
	if !strings.HasPrefix(id, "t-") || len(id) != 10 {
		t.Errorf("generated id = %q, want t- prefix with 8 hex chars", id)
	}
}

func TestFleetStartTwice(t *testing.T) {
	f := startFleet(t, fastScenario())
	if err := f.Start(context.Background()); !errors.Is(err, ErrFleetStarted) {
		t.Errorf("second Start() = %v, want ErrFleetStarted", err)
	}
	// Stop twice is safe.
	f.Stop()
	f.Stop()
}

func TestFleetPendingTasksHidden(t *testing.T) {
	sc := fastScenario(ScriptTask{ID: "soon", StartAfter: Duration(10 * time.Second)})
	f := startFleet(t, sc)

	if procs := f.Processes(); len(procs) != 0 {
		t.Errorf("Processes() before start = %d entries, want 0", len(procs))
	}
}
