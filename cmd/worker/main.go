package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/timmy/webindex/internal/bootstrap"
	"github.com/timmy/webindex/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	noMaintenance := flag.Bool("no-maintenance", false, "Do not run the reaper and retention sweeper in this process")
	flag.Parse()

	cfg, appLogger, err := bootstrap.LoadConfig(*configPath, "webindex-worker")
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if cfg.Redis.Addr == "" {
		appLogger.Fatal("redis.addr is required for a standalone worker; use the api's embedded worker instead")
	}

	// Cancel on SIGINT/SIGTERM so in-flight jobs finish and the pool exits
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}
	defer app.Close(context.Background())

	if !*noMaintenance {
		scheduler, err := app.Scheduler()
		if err != nil {
			appLogger.WithError(err).Error("Failed to create maintenance scheduler")
			return
		}
		scheduler.Start()
		defer func() {
			if err := scheduler.Stop(context.Background()); err != nil {
				appLogger.WithError(err).Warn("Failed to stop maintenance scheduler")
			}
		}()
	}

	appLogger.WithFields(logger.Fields{
		"stream": cfg.Redis.StreamKey,
		"group":  cfg.Redis.Group,
	}).Info("Starting indexing worker")

	if err := app.WorkerPool().Run(ctx); err != nil {
		appLogger.WithError(err).Error("Worker pool stopped with error")
		return
	}
	appLogger.Info("Indexing worker exited")
}
