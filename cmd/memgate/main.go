// Memgate: Memory Control Protocol server
//
// A long-lived server that exposes memory operations (search, store,
// relate, evolve, federate) as remotely invocable tools over JSON-RPC 2.0
// on a WebSocket transport, arbitrating every new assertion against the
// existing corpus. In aggregator mode it fans client sessions out across
// multiple upstream memory servers and merges their results.
//
// Usage:
//
//	memgate serve    # Start the server
//	memgate version  # Print the version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coltonmb/memgate/internal/config"
	memserver "github.com/coltonmb/memgate/internal/server"
	"github.com/coltonmb/memgate/internal/updater"
	"github.com/joho/godotenv"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "--help", "-h", "help":
		printUsage()
		os.Exit(0)
	case "--version", "-v", "version":
		fmt.Printf("memgate v%s\n", memserver.Version)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.ServerVersion == "dev" {
		cfg.ServerVersion = memserver.Version
	}

	srv, cleanup, err := memserver.New(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer cleanup()

	// Best-effort release check; never blocks startup.
	go func() {
		if result := updater.CheckVersion(cfg.ServerVersion); result.UpdateAvailable {
			slog.Info("a newer memgate release is available",
				"current", result.CurrentVersion,
				"latest", result.LatestVersion,
				"url", result.ReleaseURL,
			)
		}
	}()

	// Graceful shutdown on interrupt.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	return srv.Run(ctx)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Memgate v%s - Memory Control Protocol server

Usage:
  memgate serve     Start the server
  memgate version   Print the version

Configuration is read from the environment (or a .env file):
  MEMGATE_PORT, MEMGATE_AUTH_STRATEGY, MEMGATE_RATE_CEILING,
  MEMGATE_MERGE_THRESHOLD, MEMGATE_MODE, MEMGATE_UPSTREAMS, ...
`, memserver.Version)
}
