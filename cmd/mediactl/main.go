package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/e7canasta/rover-media/internal/app"
	"github.com/e7canasta/rover-media/internal/config"
	"github.com/e7canasta/rover-media/internal/pipeline/gstengine"
)

const defaultConfigPath = "config/mediactl.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	role := flag.String("role", "", "Override the configured role (controller|producer)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting mediactl",
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *role != "" {
		cfg.Role = config.Role(*role)
		if err := config.Validate(cfg); err != nil {
			slog.Error("invalid role override", "role", *role, "error", err)
			os.Exit(1)
		}
	}

	if err := gstengine.CheckAvailable(); err != nil {
		slog.Error("gstreamer not available", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	runtime, err := app.New(cfg, gstengine.New())
	if err != nil {
		slog.Error("failed to create runtime", "error", err)
		os.Exit(1)
	}

	if err := runtime.StartHealthServer(cfg.Health.Listen); err != nil {
		slog.Error("failed to start health server", "error", err)
		os.Exit(1)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- runtime.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		runErr = <-errChan
	case runErr = <-errChan:
	}
	if runErr != nil {
		slog.Error("control loop error", "error", runErr)
	}

	shutdownTimeout := runtime.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := runtime.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}

	slog.Info("mediactl stopped")
	if runErr != nil {
		os.Exit(1)
	}
}
