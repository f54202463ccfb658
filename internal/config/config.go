// Package config loads and validates taskwatch configuration.
//
// Configuration lives in a single TOML file. A missing file is not an
// error; every setting has a usable default. Values parsed from the
// file overlay the defaults, so partial files are fine.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration that marshals to and from TOML strings
// like "5s" or "250ms".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the root taskwatch configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	Logging   LoggingConfig   `toml:"logging"`
	UI        UIConfig        `toml:"ui"`
	Alerts    AlertsConfig    `toml:"alerts"`
}

// ServerConfig locates the fleet server.
type ServerConfig struct {
	// BaseURL is the HTTP root of the fleet server.
	BaseURL string `toml:"base_url"`

	// StreamURL is the websocket log stream endpoint. Empty derives
	// it from BaseURL.
	StreamURL string `toml:"stream_url"`

	// RequestTimeout bounds individual snapshot and kill requests.
	RequestTimeout Duration `toml:"request_timeout"`
}

// MonitorConfig tunes the reconciliation loop.
type MonitorConfig struct {
	// PollInterval is the snapshot poll cadence.
	PollInterval Duration `toml:"poll_interval"`

	// StatsWindowDays is the aggregate stats window.
	StatsWindowDays int `toml:"stats_window_days"`

	// Sentinels are system-channel substrings that trigger an
	// immediate refresh.
	Sentinels []string `toml:"sentinels"`

	// MaxRecordsPerTask caps each task's log buffer. Zero keeps
	// every record.
	MaxRecordsPerTask int `toml:"max_records_per_task"`
}

// ReconnectConfig tunes stream redialing.
type ReconnectConfig struct {
	Enabled        bool     `toml:"enabled"`
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	Multiplier     float64  `toml:"multiplier"`
	ResetWindow    Duration `toml:"reset_window"`
}

// LoggingConfig controls diagnostic output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`

	// File receives log output when set. Empty logs to stderr.
	File string `toml:"file"`
}

// UIConfig tunes the dashboard.
type UIConfig struct {
	// LogTail is how many recent records the log pane renders.
	LogTail int `toml:"log_tail"`

	// Mouse enables mouse support in the dashboard.
	Mouse bool `toml:"mouse"`
}

// AlertsConfig wires Lua alert rules.
type AlertsConfig struct {
	// Enabled turns rule evaluation on.
	Enabled bool `toml:"enabled"`

	// Rules are paths to Lua rule scripts.
	Rules []string `toml:"rules"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:        "http://127.0.0.1:3000",
			RequestTimeout: Duration(10 * time.Second),
		},
		Monitor: MonitorConfig{
			PollInterval:    Duration(5 * time.Second),
			StatsWindowDays: 7,
			Sentinels:       []string{"任务完成", "任务失败"},
		},
		Reconnect: ReconnectConfig{
			Enabled:        true,
			MaxAttempts:    5,
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(30 * time.Second),
			Multiplier:     2.0,
			ResetWindow:    Duration(5 * time.Minute),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		UI: UIConfig{
			LogTail: 500,
			Mouse:   true,
		},
		Alerts: AlertsConfig{},
	}
}

// Load reads the config file at path over the defaults. A missing
// file returns the defaults unchanged. Parse failures return a
// *ParseError.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.normalize()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, &ParseError{Path: path, Message: err.Error(), Err: err}
	}

	cfg.normalize()
	return cfg, nil
}

// normalize fills derived values and repairs empty fields so a partial
// file still yields a runnable config.
func (c *Config) normalize() {
	def := Default()

	if c.Server.BaseURL == "" {
		c.Server.BaseURL = def.Server.BaseURL
	}
	if c.Server.StreamURL == "" {
		c.Server.StreamURL = DeriveStreamURL(c.Server.BaseURL)
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = def.Server.RequestTimeout
	}
	if c.Monitor.PollInterval == 0 {
		c.Monitor.PollInterval = def.Monitor.PollInterval
	}
	if c.Monitor.StatsWindowDays == 0 {
		c.Monitor.StatsWindowDays = def.Monitor.StatsWindowDays
	}
	if c.Monitor.Sentinels == nil {
		c.Monitor.Sentinels = def.Monitor.Sentinels
	}
	if c.UI.LogTail == 0 {
		c.UI.LogTail = def.UI.LogTail
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// Validate checks the configuration for values that cannot work. The
// first problem found is returned as a *ValidationError.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return &ValidationError{Path: "server.base_url", Message: "required"}
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ValidationError{Path: "server.base_url", Message: "must be an absolute URL", Value: c.Server.BaseURL}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Path: "server.base_url", Message: "scheme must be http or https", Value: c.Server.BaseURL}
	}

	su, err := url.Parse(c.Server.StreamURL)
	if err != nil || (su.Scheme != "ws" && su.Scheme != "wss") {
		return &ValidationError{Path: "server.stream_url", Message: "scheme must be ws or wss", Value: c.Server.StreamURL}
	}

	if c.Monitor.PollInterval.Std() < 100*time.Millisecond {
		return &ValidationError{Path: "monitor.poll_interval", Message: "must be at least 100ms", Value: c.Monitor.PollInterval.Std().String()}
	}
	if c.Monitor.StatsWindowDays < 1 {
		return &ValidationError{Path: "monitor.stats_window_days", Message: "must be at least 1", Value: c.Monitor.StatsWindowDays}
	}
	if c.Monitor.MaxRecordsPerTask < 0 {
		return &ValidationError{Path: "monitor.max_records_per_task", Message: "must not be negative", Value: c.Monitor.MaxRecordsPerTask}
	}

	if c.Reconnect.Enabled {
		if c.Reconnect.MaxAttempts < 1 {
			return &ValidationError{Path: "reconnect.max_attempts", Message: "must be at least 1", Value: c.Reconnect.MaxAttempts}
		}
		if c.Reconnect.Multiplier < 1 {
			return &ValidationError{Path: "reconnect.multiplier", Message: "must be at least 1", Value: c.Reconnect.Multiplier}
		}
		if c.Reconnect.MaxBackoff < c.Reconnect.InitialBackoff {
			return &ValidationError{Path: "reconnect.max_backoff", Message: "must not be below initial_backoff", Value: c.Reconnect.MaxBackoff.Std().String()}
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return &ValidationError{Path: "logging.level", Message: "must be debug, info, warn, or error", Value: c.Logging.Level}
	}

	if c.UI.LogTail < 1 {
		return &ValidationError{Path: "ui.log_tail", Message: "must be at least 1", Value: c.UI.LogTail}
	}

	return nil
}

// DeriveStreamURL maps an HTTP base URL to the websocket log stream
// endpoint on the same host.
func DeriveStreamURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/logs/stream"
	u.RawQuery = ""

	return u.String()
}
