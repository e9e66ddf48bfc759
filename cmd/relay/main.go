// Command relay runs the event-dispatch daemon for a JSON configuration.
//
// Usage:
//
//	relay [-v] [--validate] <config.json>
//
// With --validate the configuration is parsed and every designation resolved,
// then the process exits without connecting to the broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rbaliyan/relay"
	"github.com/rbaliyan/relay/handlers"
)

func main() {
	os.Exit(run())
}

func run() int {
	verbose := flag.Bool("v", false, "enable debug logging")
	validate := flag.Bool("validate", false, "check the configuration and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-v] [--validate] <config.json>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := relay.Load(flag.Arg(0))
	if err != nil {
		logger.Error("configuration rejected", "path", flag.Arg(0), "error", err)
		return 1
	}

	reg := relay.NewRegistry()
	if err := handlers.Register(reg); err != nil {
		logger.Error("handler registration failed", "error", err)
		return 1
	}

	sup := relay.NewSupervisor(reg,
		relay.WithLogger(logger),
		relay.WithControlHandlers(handlers.Control()),
		relay.WithMetrics(true),
		relay.WithTracing(true))

	if *validate {
		if err := sup.Validate(cfg); err != nil {
			logger.Error("configuration invalid", "error", err)
			return 1
		}
		fmt.Println("configuration ok")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handle, err := sup.Launch(ctx, cfg)
	if err != nil {
		logger.Error("launch failed", "error", err)
		return 1
	}

	err = handle.Wait(context.Background())
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("stopped with errors", "error", err)
		return 1
	}
	return 0
}
