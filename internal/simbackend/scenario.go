// Package simbackend is a self-contained fleet server for exercising
// the monitor without real workers. It serves the same REST and
// websocket surface as a production fleet server and walks scripted
// tasks through their lifecycle on a clock.
package simbackend

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/taskwatch/internal/task"
)

// Duration parses human readable durations ("500ms", "2s") from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ScriptLine is one scripted log line within a task.
type ScriptLine struct {
	// At is the offset from task start when the line is emitted.
	At Duration `yaml:"at"`

	// Channel is stdout, stderr, or system.
	Channel string `yaml:"channel"`

	// Text is the line content.
	Text string `yaml:"text"`
}

// ScriptTask is one scripted task.
type ScriptTask struct {
	// ID identifies the task. Empty gets a generated id.
	ID string `yaml:"id"`

	// Prompt is what the worker was asked to do.
	Prompt string `yaml:"prompt"`

	// Worker is the worker index running the task.
	Worker int `yaml:"worker"`

	// StartAfter delays the task past scenario start.
	StartAfter Duration `yaml:"start_after"`

	// Duration is how long the task runs before its outcome.
	Duration Duration `yaml:"duration"`

	// Outcome is completed, failed, or timeout.
	Outcome string `yaml:"outcome"`

	// Error is the failure message for failed outcomes.
	Error string `yaml:"error"`

	// Lines are emitted at their offsets while the task runs.
	Lines []ScriptLine `yaml:"lines"`
}

// Scenario is a full scripted fleet run.
type Scenario struct {
	// Tick is the simulation clock resolution.
	Tick Duration `yaml:"tick"`

	// Tasks are the scripted tasks.
	Tasks []ScriptTask `yaml:"tasks"`
}

// LoadScenario reads a scenario from a YAML file and applies
// defaults.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
	}

	if err := sc.applyDefaults(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &sc, nil
}

// applyDefaults fills zero values and validates channels and
// outcomes.
func (sc *Scenario) applyDefaults() error {
	if sc.Tick <= 0 {
		sc.Tick = Duration(100 * time.Millisecond)
	}

	for i := range sc.Tasks {
		st := &sc.Tasks[i]
		if st.Worker <= 0 {
			st.Worker = i%4 + 1
		}
		if st.Duration <= 0 {
			st.Duration = Duration(2 * time.Second)
		}
		if st.Outcome == "" {
			st.Outcome = "completed"
		}
		switch st.Outcome {
		case "completed", "failed", "timeout":
		default:
			return fmt.Errorf("task %d: unknown outcome %q", i, st.Outcome)
		}
		if st.Prompt == "" {
			st.Prompt = fmt.Sprintf("scripted task %d", i+1)
		}

		for j := range st.Lines {
			line := &st.Lines[j]
			if line.Channel == "" {
				line.Channel = "stdout"
			}
			if _, ok := task.ParseChannel(line.Channel); !ok {
				return fmt.Errorf("task %d line %d: unknown channel %q", i, j, line.Channel)
			}
		}
	}

	return nil
}

// DefaultScenario returns a small built-in scenario used when no file
// is given: a quick success, a failure, and a longer build.
func DefaultScenario() *Scenario {
	sc := &Scenario{
		Tick: Duration(100 * time.Millisecond),
		Tasks: []ScriptTask{
			{
				Prompt:   "refactor the session store",
				Worker:   1,
				Duration: Duration(4 * time.Second),
				Outcome:  "completed",
				Lines: []ScriptLine{
					{At: Duration(500 * time.Millisecond), Channel: "stdout", Text: "reading session_store.go"},
					{At: Duration(1500 * time.Millisecond), Channel: "stdout", Text: "rewriting expiry handling"},
					{At: Duration(3 * time.Second), Channel: "stdout", Text: "tests passing"},
				},
			},
			{
				Prompt:     "upgrade the payment client",
				Worker:     2,
				StartAfter: Duration(time.Second),
				Duration:   Duration(3 * time.Second),
				Outcome:    "failed",
				Error:      "compile error in payments/client.go",
				Lines: []ScriptLine{
					{At: Duration(400 * time.Millisecond), Channel: "stdout", Text: "bumping dependency"},
					{At: Duration(2 * time.Second), Channel: "stderr", Text: "undefined: ChargeV2"},
				},
			},
			{
				Prompt:     "write migration for audit log",
				Worker:     3,
				StartAfter: Duration(2 * time.Second),
				Duration:   Duration(8 * time.Second),
				Outcome:    "completed",
				Lines: []ScriptLine{
					{At: Duration(time.Second), Channel: "stdout", Text: "generating migration"},
					{At: Duration(4 * time.Second), Channel: "stdout", Text: "applying to shadow db"},
					{At: Duration(6500 * time.Millisecond), Channel: "stdout", Text: "verified rollback"},
				},
			},
		},
	}

	// Defaults cannot fail on the built-in script.
	_ = sc.applyDefaults()
	return sc
}
