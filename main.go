package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/streamgate/streamgate/internal/app"
	"github.com/streamgate/streamgate/internal/config"
	"github.com/streamgate/streamgate/internal/env"
	"github.com/streamgate/streamgate/internal/logger"
	"github.com/streamgate/streamgate/internal/version"
)

func main() {
	vlog := log.New(log.Writer(), "", 0)
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	} else {
		version.PrintVersionInfo(false, vlog)
	}

	lcfg := buildLoggerConfig()
	logInstance, styledLogger, cleanup, err := logger.NewStyled(lcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(logInstance)

	styledLogger.Info("Initialising", "version", version.Version, "pid", os.Getpid())

	cfg, err := config.Load()
	if err != nil {
		logger.FatalWithLogger(logInstance, "Failed to load configuration", "error", err)
	}
	if cfg.Upstream.Debug {
		styledLogger.Warn("Debug mode enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		styledLogger.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	application, err := app.New(ctx, cfg, styledLogger)
	if err != nil {
		logger.FatalWithLogger(logInstance, "Failed to create application", "error", err)
	}

	if err := application.Start(ctx); err != nil {
		application.Stop()
		logger.FatalWithLogger(logInstance, "Gateway failed", "error", err)
	}

	application.Stop()
	styledLogger.Info("Streamgate has shutdown")
}

// buildLoggerConfig creates logger config from environment variables with
// defaults.
func buildLoggerConfig() *logger.Config {
	return &logger.Config{
		Level:      env.GetEnvOrDefault("STREAMGATE_LOG_LEVEL", "info"),
		FileOutput: env.GetEnvBoolOrDefault("STREAMGATE_FILE_OUTPUT", true),
		LogDir:     env.GetEnvOrDefault("STREAMGATE_LOG_DIR", "./logs"),
		MaxSize:    env.GetEnvIntOrDefault("STREAMGATE_MAX_SIZE", 100),
		MaxBackups: env.GetEnvIntOrDefault("STREAMGATE_MAX_BACKUPS", 5),
		MaxAge:     env.GetEnvIntOrDefault("STREAMGATE_MAX_AGE", 30),
	}
}
