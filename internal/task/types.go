package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Channel identifies which output channel a log record came from.
type Channel int

const (
	// ChannelStdout is standard output from the worker process.
	ChannelStdout Channel = iota
	// ChannelStderr is standard error from the worker process.
	ChannelStderr
	// ChannelSystem is supervisor-generated lifecycle messages.
	ChannelSystem
)

// String returns the string representation of the channel.
func (c Channel) String() string {
	switch c {
	case ChannelStdout:
		return "stdout"
	case ChannelStderr:
		return "stderr"
	case ChannelSystem:
		return "system"
	default:
		return "unknown"
	}
}

// ParseChannel parses a channel name. The second return value reports
// whether the name was recognized.
func ParseChannel(s string) (Channel, bool) {
	switch s {
	case "stdout":
		return ChannelStdout, true
	case "stderr":
		return ChannelStderr, true
	case "system":
		return ChannelSystem, true
	default:
		return ChannelStdout, false
	}
}

// MarshalJSON encodes the channel as its string name.
func (c Channel) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a channel from its string name.
func (c *Channel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	ch, ok := ParseChannel(s)
	if !ok {
		return fmt.Errorf("unknown log channel %q", s)
	}
	*c = ch
	return nil
}

// LogRecord is one line of output attributed to a task.
// Records are immutable once created; ordering within a task is the
// order of arrival on the stream.
type LogRecord struct {
	// Timestamp is the record creation time in epoch milliseconds.
	Timestamp int64 `json:"timestamp"`
	// Channel is the output channel the record came from.
	Channel Channel `json:"channel"`
	// Content is the record text.
	Content string `json:"content"`
}

// Time returns the record timestamp as a time.Time.
func (r LogRecord) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// Status represents the lifecycle state of a worker process.
type Status int

const (
	// StatusRunning means the process is still executing its task.
	StatusRunning Status = iota
	// StatusCompleted means the task finished successfully.
	StatusCompleted
	// StatusFailed means the task finished with an error.
	StatusFailed
	// StatusTimeout means the task was aborted after exceeding its deadline.
	StatusTimeout
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ParseStatus parses a status name. The second return value reports
// whether the name was recognized.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "running":
		return StatusRunning, true
	case "completed":
		return StatusCompleted, true
	case "failed":
		return StatusFailed, true
	case "timeout":
		return StatusTimeout, true
	default:
		return StatusRunning, false
	}
}

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// MarshalJSON encodes the status as its string name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status from its string name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	st, ok := ParseStatus(name)
	if !ok {
		return fmt.Errorf("unknown process status %q", name)
	}
	*s = st
	return nil
}

// ProcessSnapshot is the authoritative metadata for one worker process
// at a point in time. Identity is TaskID; a snapshot entry always
// supersedes the previous entry with the same id wholesale. Snapshot
// data is authoritative for everything except logs.
type ProcessSnapshot struct {
	// TaskID is the stable identity of the task.
	TaskID string `json:"taskId"`
	// WorkerID is the index of the worker slot executing the task.
	WorkerID int `json:"workerId"`
	// PID is the operating system process id, if the process is alive.
	PID *int `json:"pid,omitempty"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// StartTime is when the process started, in epoch milliseconds.
	StartTime int64 `json:"startTime"`
	// Duration is the total run time in milliseconds, present once terminal.
	Duration *int64 `json:"duration,omitempty"`
	// Prompt is the task description given to the worker.
	Prompt string `json:"prompt"`
	// LogCount is the backend's record count for the task. Informational
	// only; it need not match the local buffer length.
	LogCount int `json:"logCount"`
	// Error is the failure reason, if any.
	Error string `json:"error,omitempty"`
}

// StartedAt returns the process start time as a time.Time.
func (p ProcessSnapshot) StartedAt() time.Time {
	return time.UnixMilli(p.StartTime)
}

// AggregateStats is a pre-aggregated summary for a reporting window.
// It is replaced wholesale on each poll, never merged.
type AggregateStats struct {
	// Completed is the number of tasks that finished successfully.
	Completed int `json:"completed"`
	// Failed is the number of tasks that finished with an error.
	Failed int `json:"failed"`
	// AvgDuration is the mean task run time in milliseconds, if known.
	AvgDuration *int64 `json:"avgDuration,omitempty"`
}
