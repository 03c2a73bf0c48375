package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetworks/rollout/internal/shell/store"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rollout %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: rollout [-config file] deploy|recover|sweep [flags]")
		return ExitConfigError
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	logger := SetupLogger(cfg)
	logger.Info("starting rollout",
		"version", Version,
		"command", args[0],
	)

	app, err := NewApp(cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		if errors.Is(err, store.ErrConnectionFailed) || errors.Is(err, store.ErrMigrationFailed) {
			return ExitDatabaseError
		}
		return ExitConfigError
	}
	defer app.Close()

	// Interrupt cancels at the next host boundary; hosts in flight
	// finish their pipeline.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "deploy":
		return app.Deploy(ctx, args[1:])
	case "recover":
		return app.Recover(ctx, args[1:])
	case "sweep":
		return app.Sweep(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		return ExitConfigError
	}
}
