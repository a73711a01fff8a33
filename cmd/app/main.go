package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"l2_trader/internal/app"
	"l2_trader/internal/domain"

	_ "net/http/pprof" // For pprof profiling
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	// Pprof server, localhost only
	go func() {
		slog.Info("Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	path := os.Getenv("L2T_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}

	bootstrap := app.NewBootstrap()
	defer func() {
		if err := bootstrap.Close(); err != nil {
			slog.Error("Failed to release resources", slog.Any("error", err))
		}
	}()
	if err := bootstrap.Initialize(path); err != nil {
		slog.Error("Bootstrapping failed", slog.Any("error", err))
		return 1
	}

	// Graceful shutdown context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrap.Build(ctx); err != nil {
		slog.Error("Wiring failed", slog.Any("error", err))
		return 1
	}

	runner := bootstrap.Runner
	runErr := make(chan error, 1)
	go func() { runErr <- runner.Run(ctx) }()

	if err := bootstrap.Feed.Connect(ctx); err != nil {
		slog.Error("Failed to connect depth feed", slog.Any("error", err))
		return 1
	}
	defer bootstrap.Feed.Disconnect()
	slog.Info("Engine operational. Press Ctrl+C to exit.", "symbols", bootstrap.Config.App.Symbols)

	select {
	case err := <-runErr:
		if err != nil {
			if errors.Is(err, domain.ErrKillSwitchActive) {
				slog.Error("Kill switch latched from a previous run; restart with "+app.ResetKillSwitchEnv+"=<operator> to clear it", slog.Any("error", err))
			} else {
				slog.Error("Runner stopped", slog.Any("error", err))
			}
			return 1
		}
		shutdown(bootstrap)
	case <-ctx.Done():
		slog.Info("Shutting down gracefully...")
		shutdown(bootstrap)
		<-runErr
	}
	return 0
}

func shutdown(b *app.Bootstrap) {
	if err := b.Runner.Shutdown(context.Background()); err != nil {
		slog.Error("Shutdown incomplete", slog.Any("error", err))
	}
}
