package api

import (
	"github.com/gin-gonic/gin"

	"github.com/timmy/webindex/internal/api/handler"
	"github.com/timmy/webindex/internal/api/middleware"
	"github.com/timmy/webindex/internal/logger"
	"github.com/timmy/webindex/internal/queue"
	"github.com/timmy/webindex/internal/repository"
	"github.com/timmy/webindex/internal/service"
	"github.com/timmy/webindex/internal/telemetry"
)

// Dependencies are the services the HTTP layer fronts.
type Dependencies struct {
	Search     *service.SearchService
	Dispatcher *service.EventDispatcher
	Jobs       *service.JobService
	Tracker    *service.CrawlTracker
	Reaper     *service.Reaper
	Sweeper    *service.Sweeper
	Queue      queue.Queue
	JobRepo    *repository.JobRepository
	Telemetry  *telemetry.Provider
	Checks     map[string]handler.Checker
	Logger     *logger.Logger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps Dependencies, mode string, cors middleware.CORSConfig) *gin.Engine {
	// Set Gin mode
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cors))

	// Create handlers
	healthHandler := handler.NewHealthHandler(deps.Checks)
	searchHandler := handler.NewSearchHandler(deps.Search)
	eventHandler := handler.NewEventHandler(deps.Dispatcher)
	crawlHandler := handler.NewCrawlHandler(deps.Tracker)
	jobHandler := handler.NewJobHandler(deps.Jobs)
	adminHandler := handler.NewAdminHandler(deps.Reaper, deps.Sweeper, deps.Queue, deps.JobRepo, log)

	// Health check
	r.GET("/health", healthHandler.Health)
	r.GET("/health/ready", healthHandler.Ready)

	if deps.Telemetry != nil {
		r.GET("/metrics", gin.WrapH(deps.Telemetry.Handler()))
	}

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Crawler events
		v1.POST("/events", eventHandler.Publish)
		v1.POST("/events/batch", eventHandler.PublishBatch)

		// Search
		v1.POST("/search", searchHandler.Search)
		v1.GET("/search", searchHandler.SearchGet)

		// Crawl sessions
		v1.GET("/crawls/:id", crawlHandler.Get)
		v1.POST("/crawls/:id/recompute", crawlHandler.Recompute)

		// Jobs
		v1.GET("/jobs/:id", jobHandler.Get)
		v1.POST("/jobs/:id/replay", jobHandler.Replay)

		// Maintenance
		admin := v1.Group("/admin")
		admin.POST("/reap", adminHandler.Reap)
		admin.POST("/sweep", adminHandler.Sweep)
		admin.GET("/queue", adminHandler.QueueStatus)
	}

	return r
}
