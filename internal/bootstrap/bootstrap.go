// Package bootstrap builds the infrastructure and services shared by the
// api and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/timmy/webindex/internal/api/handler"
	"github.com/timmy/webindex/internal/chunker"
	"github.com/timmy/webindex/internal/config"
	"github.com/timmy/webindex/internal/logger"
	"github.com/timmy/webindex/internal/queue"
	"github.com/timmy/webindex/internal/repository"
	"github.com/timmy/webindex/internal/service"
	"github.com/timmy/webindex/internal/storage"
	"github.com/timmy/webindex/internal/telemetry"
)

// App holds every long-lived component of a running process.
type App struct {
	Config    *config.Config
	Logger    *logger.Logger
	Telemetry *telemetry.Provider

	DB       *gorm.DB
	Qdrant   *repository.QdrantRepository
	Elastic  *repository.ElasticsearchRepository
	Queue    queue.Queue
	Archive  storage.DeadLetterArchive
	Embedder service.Embedder

	Jobs     *repository.JobRepository
	Sessions *repository.CrawlSessionRepository
	Metrics  *repository.MetricRepository

	Recorder   *service.MetricsRecorder
	Writer     *service.DualIndexWriter
	JobService *service.JobService
	Tracker    *service.CrawlTracker
	Dispatcher *service.EventDispatcher
	Search     *service.SearchService
	Reaper     *service.Reaper
	Sweeper    *service.Sweeper
}

// LoadConfig loads configuration and creates the process logger, which is
// also installed as the default.
func LoadConfig(configPath, serviceName string) (*config.Config, *logger.Logger, error) {
	log := logger.New(logger.OptionsFromEnv(serviceName))
	logger.SetDefault(log)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, log, fmt.Errorf("load config: %w", err)
	}
	return cfg, log, nil
}

// New connects to every backing store and builds the services. On error
// whatever was opened is closed again.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *App, err error) {
	app := &App{Config: cfg, Logger: log, Telemetry: telemetry.NewProvider()}
	defer func() {
		if err != nil {
			app.Close(context.Background())
		}
	}()

	// Phase 1: relational store
	if app.DB, err = repository.InitDB(&cfg.Database); err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	app.Jobs = repository.NewJobRepository(app.DB)
	app.Sessions = repository.NewCrawlSessionRepository(app.DB)
	app.Metrics = repository.NewMetricRepository(app.DB)
	log.WithField("driver", cfg.Database.Driver).Info("Database connection established")

	// Phase 2: index stores
	if err = app.setupIndexes(ctx); err != nil {
		return nil, err
	}

	// Phase 3: queue and dead-letter archive
	if app.Queue, err = setupQueue(ctx, &cfg.Redis); err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	if cfg.Redis.Addr == "" {
		log.Warn("redis.addr is empty, using the in-process queue; api and worker must share a process")
	}
	if app.Archive, err = storage.NewDeadLetterArchive(ctx, &cfg.Storage); err != nil {
		return nil, fmt.Errorf("dead-letter archive: %w", err)
	}

	// Phase 4: services
	app.setupServices()
	return app, nil
}

func (a *App) setupIndexes(ctx context.Context) error {
	cfg := a.Config
	qdrant, err := repository.NewQdrantRepository(&repository.QdrantConnectionConfig{
		Host:            cfg.Qdrant.Host,
		Port:            cfg.Qdrant.Port,
		Collection:      cfg.Qdrant.Collection,
		APIKey:          cfg.Qdrant.APIKey,
		UseTLS:          cfg.Qdrant.UseTLS,
		VectorDimension: cfg.Embedding.Dimensions,
	})
	if err != nil {
		return fmt.Errorf("qdrant: %w", err)
	}
	a.Qdrant = qdrant
	if err := qdrant.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("qdrant collection: %w", err)
	}
	a.Logger.WithField("collection", cfg.Qdrant.Collection).Info("Qdrant collection ready")

	elastic, err := repository.NewElasticsearchRepository(&repository.ElasticsearchConnectionConfig{
		Addresses:      cfg.Elasticsearch.Addresses,
		Username:       cfg.Elasticsearch.Username,
		Password:       cfg.Elasticsearch.Password,
		APIKey:         cfg.Elasticsearch.APIKey,
		Index:          cfg.Elasticsearch.Index,
		RefreshOnWrite: cfg.Elasticsearch.RefreshOnWrite,
	})
	if err != nil {
		return fmt.Errorf("elasticsearch: %w", err)
	}
	a.Elastic = elastic
	if err := elastic.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("elasticsearch index: %w", err)
	}
	a.Logger.WithField("index", cfg.Elasticsearch.Index).Info("Elasticsearch index ready")
	return nil
}

func setupQueue(ctx context.Context, cfg *config.RedisConfig) (queue.Queue, error) {
	if cfg.Addr == "" {
		return queue.NewMemoryQueue(cfg.BlockFor), nil
	}
	return queue.NewRedisQueue(ctx, queue.RedisConfig{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		Stream:    cfg.StreamKey,
		Group:     cfg.Group,
		Consumer:  consumerName(),
		Block:     cfg.BlockFor,
		ClaimIdle: cfg.ClaimIdle,
	})
}

// consumerName identifies this process within the consumer group.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (a *App) setupServices() {
	cfg := a.Config

	client := service.NewEmbeddingClient(&service.EmbeddingConfig{
		Endpoint:          cfg.Embedding.BaseURL,
		Model:             cfg.Embedding.Model,
		APIKey:            cfg.Embedding.APIKey,
		Dimensions:        cfg.Embedding.Dimensions,
		BatchSize:         cfg.Embedding.BatchSize,
		Timeout:           cfg.Embedding.Timeout,
		MaxAttempts:       cfg.Embedding.MaxAttempts,
		RetryBase:         cfg.Embedding.RetryBase,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
	})
	a.Embedder = service.NewCachedQueryEmbedder(client, cfg.Embedding.QueryCacheSize)

	a.Recorder = service.NewMetricsRecorder(a.Metrics, a.Telemetry, a.Logger, service.MetricsRecorderConfig{
		BufferSize:    cfg.Metrics.BufferSize,
		FlushSize:     cfg.Metrics.FlushSize,
		FlushInterval: cfg.Metrics.FlushInterval,
	})
	a.Writer = service.NewDualIndexWriter(a.Qdrant, a.Elastic, a.Recorder, a.Telemetry, cfg.Worker.WriteTimeout)
	a.JobService = service.NewJobService(a.Jobs, a.Queue, a.Archive, a.Telemetry, cfg.Worker.MaxAttempts)
	a.Tracker = service.NewCrawlTracker(a.Sessions, a.Metrics, a.Recorder)
	a.Dispatcher = service.NewEventDispatcher(a.JobService, a.Tracker)
	a.Search = service.NewSearchService(a.Qdrant, a.Elastic, a.Embedder, a.Recorder, a.Telemetry, service.SearchConfig{
		DefaultLimit:        cfg.Query.DefaultLimit,
		MaxLimit:            cfg.Query.MaxLimit,
		CandidateMultiplier: cfg.Query.CandidateMultiplier,
		RRFConstant:         cfg.Query.RRFConstant,
		Timeout:             cfg.Query.Timeout,
	})
	a.Reaper = service.NewReaper(a.Jobs, a.Sessions, a.Queue, a.Tracker, a.Recorder, a.Telemetry, cfg.Reaper.Timeout)
	a.Sweeper = service.NewSweeper(a.Metrics, a.Sessions, a.Jobs, a.Telemetry, cfg.Retention.Window, cfg.Retention.BatchSize)
}

// WorkerPool builds the indexing worker pool.
func (a *App) WorkerPool() *service.WorkerPool {
	cfg := a.Config
	return service.NewWorkerPool(a.Queue, a.Jobs, a.Embedder, a.Writer, a.Recorder, a.Archive, a.Telemetry, a.Logger,
		service.WorkerPoolConfig{
			Workers:         cfg.Worker.Concurrency,
			MaxAttempts:     cfg.Worker.MaxAttempts,
			BackoffBase:     cfg.Worker.BackoffBase,
			BackoffMax:      cfg.Worker.BackoffMax,
			PromoteInterval: cfg.Worker.PromoteInterval,
			Chunking: chunker.Options{
				MaxTokens:     cfg.Chunking.MaxTokens,
				OverlapTokens: cfg.Chunking.OverlapTokens,
			},
		})
}

// Scheduler builds the maintenance scheduler.
func (a *App) Scheduler() (*service.Scheduler, error) {
	return service.NewScheduler(a.Reaper, a.Sweeper, a.Logger, service.SchedulerConfig{
		ReaperSchedule:  a.Config.Reaper.Schedule,
		SweeperSchedule: a.Config.Retention.Schedule,
	})
}

// HealthChecks returns readiness checks for every backing store.
func (a *App) HealthChecks() map[string]handler.Checker {
	return map[string]handler.Checker{
		"database": func(ctx context.Context) error {
			sqlDB, err := a.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"qdrant":        a.Qdrant.Ping,
		"elasticsearch": a.Elastic.Ping,
		"queue": func(ctx context.Context) error {
			_, err := a.Queue.Depth(ctx)
			return err
		},
	}
}

// Close flushes pending metrics and releases connections. It is safe on a
// partially built App.
func (a *App) Close(ctx context.Context) {
	if a.Recorder != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.Recorder.Close(flushCtx); err != nil {
			a.Logger.WithError(err).Warn("Failed to flush operation metrics")
		}
		cancel()
	}
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			a.Logger.WithError(err).Warn("Failed to close queue")
		}
	}
	if a.Qdrant != nil {
		_ = a.Qdrant.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = logger.Sync()
}
