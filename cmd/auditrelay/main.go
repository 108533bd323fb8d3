package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"audittrail/internal/platform/config"
	"audittrail/internal/platform/logger"
)

// main loads configuration and hands the lifecycle to run. The relay stops on
// SIGINT or SIGTERM after in-flight batches finish.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("auditrelay stopped", "error", err)
		os.Exit(1)
	}
	log.Info("auditrelay stopped")
}
