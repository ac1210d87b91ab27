package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/timmy/webindex/internal/api"
	"github.com/timmy/webindex/internal/api/middleware"
	"github.com/timmy/webindex/internal/bootstrap"
	"github.com/timmy/webindex/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	embedded := flag.Bool("embedded-worker", false, "Run the indexing worker pool in this process (implied when no Redis address is configured)")
	flag.Parse()

	cfg, appLogger, err := bootstrap.LoadConfig(*configPath, "webindex-api")
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}

	scheduler, err := app.Scheduler()
	if err != nil {
		app.Close(context.Background())
		appLogger.WithError(err).Fatal("Failed to create maintenance scheduler")
	}
	scheduler.Start()

	// The in-process queue is only visible to workers in this process.
	var wg sync.WaitGroup
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	if *embedded || cfg.Redis.Addr == "" {
		pool := app.WorkerPool()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pool.Run(workerCtx); err != nil {
				appLogger.WithError(err).Error("Worker pool stopped with error")
			}
		}()
	}

	router := api.SetupRouter(api.Dependencies{
		Search:     app.Search,
		Dispatcher: app.Dispatcher,
		Jobs:       app.JobService,
		Tracker:    app.Tracker,
		Reaper:     app.Reaper,
		Sweeper:    app.Sweeper,
		Queue:      app.Queue,
		JobRepo:    app.Jobs,
		Telemetry:  app.Telemetry,
		Checks:     app.HealthChecks(),
		Logger:     appLogger,
	}, cfg.Server.Mode, middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case err := <-serverErr:
		appLogger.WithError(err).Error("API server failed")
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
		exitCode = 1
	}
	stopWorkers()
	wg.Wait()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		appLogger.WithError(err).Warn("Maintenance tasks still running at shutdown")
	}
	app.Close(shutdownCtx)

	appLogger.Info("Server exited")
	os.Exit(exitCode)
}
