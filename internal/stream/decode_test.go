package stream

import (
	"testing"

	"github.com/dshills/taskwatch/internal/task"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		wantOK bool
	}{
		{
			name:   "valid stdout frame",
			input:  `{"type":"log","taskId":"t1","log":{"timestamp":1700000000000,"channel":"stdout","content":"hello"}}`,
			wantOK: true,
		},
		{
			name:   "valid system frame",
			input:  `{"type":"log","taskId":"t2","log":{"timestamp":1700000000001,"channel":"system","content":"任务完成"}}`,
			wantOK: true,
		},
		{
			name:   "extra fields tolerated",
			input:  `{"type":"log","taskId":"t1","seq":9,"log":{"timestamp":1,"channel":"stderr","content":"x","extra":true}}`,
			wantOK: true,
		},
		{
			name:   "invalid json",
			input:  `{"type":"log","taskId":`,
			wantOK: false,
		},
		{
			name:   "not json at all",
			input:  `hello world`,
			wantOK: false,
		},
		{
			name:   "different frame type",
			input:  `{"type":"heartbeat","taskId":"t1"}`,
			wantOK: false,
		},
		{
			name:   "missing type",
			input:  `{"taskId":"t1","log":{"timestamp":1,"channel":"stdout","content":"x"}}`,
			wantOK: false,
		},
		{
			name:   "missing task id",
			input:  `{"type":"log","log":{"timestamp":1,"channel":"stdout","content":"x"}}`,
			wantOK: false,
		},
		{
			name:   "empty task id",
			input:  `{"type":"log","taskId":"","log":{"timestamp":1,"channel":"stdout","content":"x"}}`,
			wantOK: false,
		},
		{
			name:   "missing log object",
			input:  `{"type":"log","taskId":"t1"}`,
			wantOK: false,
		},
		{
			name:   "log not an object",
			input:  `{"type":"log","taskId":"t1","log":"oops"}`,
			wantOK: false,
		},
		{
			name:   "missing timestamp",
			input:  `{"type":"log","taskId":"t1","log":{"channel":"stdout","content":"x"}}`,
			wantOK: false,
		},
		{
			name:   "unknown channel",
			input:  `{"type":"log","taskId":"t1","log":{"timestamp":1,"channel":"telemetry","content":"x"}}`,
			wantOK: false,
		},
		{
			name:   "missing content",
			input:  `{"type":"log","taskId":"t1","log":{"timestamp":1,"channel":"stdout"}}`,
			wantOK: false,
		},
		{
			name:   "top level array",
			input:  `[{"type":"log"}]`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := decodeFrame([]byte(tt.input))
			if ok != tt.wantOK {
				t.Fatalf("decodeFrame() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && ev.Type != EventLog {
				t.Errorf("decodeFrame() type = %v, want EventLog", ev.Type)
			}
		})
	}
}

func TestDecodeFrameFields(t *testing.T) {
	input := `{"type":"log","taskId":"t7","log":{"timestamp":1700000000123,"channel":"stderr","content":"panic: oh no"}}`

	ev, ok := decodeFrame([]byte(input))
	if !ok {
		t.Fatal("decodeFrame() ok = false, want true")
	}

	if ev.TaskID != "t7" {
		t.Errorf("TaskID = %q, want t7", ev.TaskID)
	}
	if ev.Record.Timestamp != 1700000000123 {
		t.Errorf("Timestamp = %d, want 1700000000123", ev.Record.Timestamp)
	}
	if ev.Record.Channel != task.ChannelStderr {
		t.Errorf("Channel = %v, want stderr", ev.Record.Channel)
	}
	if ev.Record.Content != "panic: oh no" {
		t.Errorf("Content = %q, want %q", ev.Record.Content, "panic: oh no")
	}
}
