package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/craftnest/control-plane/internal/app"
	"github.com/craftnest/control-plane/internal/config"
	"github.com/craftnest/control-plane/internal/logger"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	log := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(log)

	if cfg.StoreBackend != "postgres" {
		log.Error("event=jobs_exit", "err", errors.New("the jobs worker needs the postgres store"))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Error("event=jobs_exit", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	a.Runner.Start(ctx)
	log.Info("event=jobs_started", "scheduler", cfg.SchedulerBackend)
	<-ctx.Done()
	a.Runner.Wait()
	log.Info("event=jobs_stopped")
}
