// Package main is the entry point for the taskwatch fleet monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/taskwatch/internal/alert"
	"github.com/dshills/taskwatch/internal/api"
	"github.com/dshills/taskwatch/internal/config"
	"github.com/dshills/taskwatch/internal/logbuf"
	"github.com/dshills/taskwatch/internal/logging"
	"github.com/dshills/taskwatch/internal/metrics"
	"github.com/dshills/taskwatch/internal/monitor"
	"github.com/dshills/taskwatch/internal/stream"
	"github.com/dshills/taskwatch/internal/tui"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	ConfigPath string
	ServerURL  string
	LogLevel   string
	LogFile    string
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading config: %v\n", err)
		return 1
	}
	applyOverrides(cfg, opts)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid config: %v\n", err)
		return 1
	}

	logger, closeLog, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeLog()
	logging.SetLogger(logger)
	logger.Info("taskwatch %s starting against %s", version, cfg.Server.BaseURL)

	mtr := metrics.GetMetrics()
	httpc := &http.Client{Timeout: cfg.Server.RequestTimeout.Std()}
	fetcher := api.NewSnapshotClient(cfg.Server.BaseURL,
		api.WithHTTPClient(httpc),
		api.WithLogger(logger.WithComponent("api")))
	killer := api.NewControlClient(cfg.Server.BaseURL,
		api.WithControlHTTPClient(httpc),
		api.WithControlLogger(logger.WithComponent("control")))
	store := logbuf.New(logbuf.WithMaxPerTask(cfg.Monitor.MaxRecordsPerTask))
	dial := monitor.WebSocketDialer(cfg.Server.StreamURL,
		stream.WithLogger(logger.WithComponent("stream")),
		stream.WithMetrics(mtr))

	ctrlOpts := []monitor.Option{
		monitor.WithLogger(logger.WithComponent("monitor")),
		monitor.WithMetrics(mtr),
		monitor.WithLogStore(store),
	}

	var engine *alert.Engine
	if cfg.Alerts.Enabled {
		engine = alert.NewEngine(alert.WithEngineLogger(logger.WithComponent("alerts")))
		defer engine.Close()
		for _, rule := range cfg.Alerts.Rules {
			if err := engine.LoadFile(rule); err != nil {
				logger.Warn("alert rule %s not loaded: %v", rule, err)
			}
		}
		ctrlOpts = append(ctrlOpts, monitor.WithObserver(engine))
	}

	ctrl := monitor.New(monitor.Config{
		PollInterval:    cfg.Monitor.PollInterval.Std(),
		StatsWindowDays: cfg.Monitor.StatsWindowDays,
		Sentinels:       cfg.Monitor.Sentinels,
		Reconnect:       reconnectPolicy(cfg),
	}, fetcher, killer, dial, ctrlOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()

	if err := ctrl.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: starting monitor: %v\n", err)
		return 1
	}
	defer ctrl.Stop()

	// Live reload covers the poll cadence and log level; everything
	// else applies on restart.
	if opts.ConfigPath != "" {
		watcher := config.NewWatcher(opts.ConfigPath, func(next *config.Config, err error) {
			if err != nil {
				logger.Warn("config reload rejected: %v", err)
				return
			}
			ctrl.SetPollInterval(next.Monitor.PollInterval.Std())
			logger.SetLevel(logging.ParseLevel(next.Logging.Level))
			logger.Info("configuration reloaded")
		}, config.WithWatcherLogger(logger.WithComponent("config")))
		watcher.Start()
		defer watcher.Stop()
	}

	dashOpts := []tui.Option{
		tui.WithLogger(logger.WithComponent("tui")),
		tui.WithLogTail(cfg.UI.LogTail),
	}
	if engine != nil {
		dashOpts = append(dashOpts, tui.WithNotifier(engine))
	}
	dash, err := tui.New(ctrl, dashOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: opening terminal: %v\n", err)
		return 1
	}

	if err := dash.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger.Info("taskwatch stopped")
	return 0
}

// applyOverrides layers command line flags over the file config.
func applyOverrides(cfg *config.Config, opts options) {
	if opts.ServerURL != "" {
		cfg.Server.BaseURL = opts.ServerURL
		cfg.Server.StreamURL = config.DeriveStreamURL(opts.ServerURL)
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.LogFile != "" {
		cfg.Logging.File = opts.LogFile
	}
}

// buildLogger directs diagnostics at the configured file. Without a
// file they are discarded, since the dashboard owns the terminal.
func buildLogger(cfg *config.Config) (*logging.Logger, func(), error) {
	level := logging.ParseLevel(cfg.Logging.Level)

	if cfg.Logging.File == "" {
		logger := logging.New(logging.Config{Level: level, Output: io.Discard, Prefix: "taskwatch"})
		return logger, func() {}, nil
	}

	f, err := logging.OpenFile(cfg.Logging.File)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.Config{Level: level, Output: f, Prefix: "taskwatch"})
	return logger, func() { _ = f.Close() }, nil
}

func reconnectPolicy(cfg *config.Config) monitor.ReconnectPolicy {
	return monitor.ReconnectPolicy{
		Enabled:        cfg.Reconnect.Enabled,
		MaxAttempts:    cfg.Reconnect.MaxAttempts,
		InitialBackoff: cfg.Reconnect.InitialBackoff.Std(),
		MaxBackoff:     cfg.Reconnect.MaxBackoff.Std(),
		Multiplier:     cfg.Reconnect.Multiplier,
		ResetWindow:    cfg.Reconnect.ResetWindow.Std(),
	}
}

func parseFlags() options {
	var opts options
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.ConfigPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.ConfigPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.ServerURL, "server", "", "Fleet server base URL (overrides config)")
	flag.StringVar(&opts.ServerURL, "s", "", "Fleet server base URL (shorthand)")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&opts.LogFile, "log-file", "", "Write diagnostics to this file")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Taskwatch - live worker fleet monitor\n\n")
		fmt.Fprintf(os.Stderr, "Usage: taskwatch [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  taskwatch                          Monitor the default local server\n")
		fmt.Fprintf(os.Stderr, "  taskwatch -c taskwatch.toml        Use a config file\n")
		fmt.Fprintf(os.Stderr, "  taskwatch -s http://fleet:3000     Point at another server\n")
		fmt.Fprintf(os.Stderr, "  taskwatch -log-file watch.log      Keep diagnostics for later\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("Taskwatch %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	return opts
}
