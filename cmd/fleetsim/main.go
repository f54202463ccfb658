// Package main runs the simulated worker fleet server: scripted
// tasks behind the same REST and websocket surface the monitor
// expects, for demos and local development.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dshills/taskwatch/internal/logging"
	"github.com/dshills/taskwatch/internal/simbackend"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		addr        string
		scenario    string
		logLevel    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&addr, "addr", "127.0.0.1:3000", "Listen address")
	flag.StringVar(&addr, "a", "127.0.0.1:3000", "Listen address (shorthand)")
	flag.StringVar(&scenario, "scenario", "", "Scenario YAML file (default: built-in script)")
	flag.StringVar(&scenario, "f", "", "Scenario YAML file (shorthand)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Fleetsim - simulated worker fleet server\n\n")
		fmt.Fprintf(os.Stderr, "Usage: fleetsim [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  fleetsim                      Serve the built-in scenario\n")
		fmt.Fprintf(os.Stderr, "  fleetsim -f demo.yaml         Serve a scripted scenario\n")
		fmt.Fprintf(os.Stderr, "  fleetsim -a 0.0.0.0:8080      Listen on another address\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		return 0
	}
	if showVersion {
		fmt.Printf("Fleetsim %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		return 0
	}

	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(logLevel),
		Output: os.Stderr,
		Prefix: "fleetsim",
	})

	sc := simbackend.DefaultScenario()
	if scenario != "" {
		loaded, err := simbackend.LoadScenario(scenario)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		sc = loaded
	}

	fleet := simbackend.NewFleet(sc, simbackend.WithFleetLogger(logger.WithComponent("fleet")))
	srv := simbackend.NewServer(fleet, simbackend.WithServerLogger(logger.WithComponent("http")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()

	srv.Start(ctx)
	defer srv.Stop()

	if err := fleet.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: starting fleet: %v\n", err)
		return 1
	}
	defer fleet.Stop()

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("fleet server %s listening on %s with %d scripted tasks", version, addr, len(sc.Tasks))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger.Info("fleet server stopped")
	return 0
}
