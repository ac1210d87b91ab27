package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/timmy/webindex/internal/logger"
	"github.com/timmy/webindex/internal/queue"
	"github.com/timmy/webindex/internal/repository"
	"github.com/timmy/webindex/internal/service"
)

// AdminHandler handles admin operations: manual maintenance runs and
// queue inspection.
type AdminHandler struct {
	reaper  *service.Reaper
	sweeper *service.Sweeper
	queue   queue.Queue
	jobs    *repository.JobRepository
	logger  *logger.Logger

	// Manual sweep state
	mu            sync.RWMutex
	isSweeping    bool
	lastSweepTime time.Time
	lastSweep     *service.SweepResult
}

// NewAdminHandler creates a new admin handler.
// Parameters:
//   - reaper: zombie reaper.
//   - sweeper: retention sweeper.
//   - q: job queue, for depth.
//   - jobs: job repository, for status counts.
//   - log: logger instance.
// Returns:
//   - *AdminHandler: initialized handler.
func NewAdminHandler(reaper *service.Reaper, sweeper *service.Sweeper, q queue.Queue, jobs *repository.JobRepository, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		reaper:  reaper,
		sweeper: sweeper,
		queue:   q,
		jobs:    jobs,
		logger:  log,
	}
}

// QueueStatusResponse represents the queue and job table state.
type QueueStatusResponse struct {
	Depth         int64                `json:"depth"`
	Jobs          map[string]int64     `json:"jobs"`
	LastSweepTime string               `json:"last_sweep_time,omitempty"`
	LastSweep     *service.SweepResult `json:"last_sweep,omitempty"`
}

// Reap handles POST /api/v1/admin/reap.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) Reap(c *gin.Context) {
	res, err := h.reaper.Reap(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	logger.FromContext(c.Request.Context()).WithFields(logger.Fields{
		"jobs":     res.Jobs,
		"requeued": res.Requeued,
		"crawls":   res.Crawls,
	}).Info("Manual reaper run finished")
	c.JSON(http.StatusOK, res)
}

// Sweep handles POST /api/v1/admin/sweep. Only one manual sweep runs at a
// time; a second request while one is running gets 409.
func (h *AdminHandler) Sweep(c *gin.Context) {
	h.mu.Lock()
	if h.isSweeping {
		h.mu.Unlock()
		c.JSON(http.StatusConflict, ErrorResponse{Error: "A retention sweep is already running"})
		return
	}
	h.isSweeping = true
	h.mu.Unlock()

	res, err := h.sweeper.Sweep(c.Request.Context())

	h.mu.Lock()
	h.isSweeping = false
	if err == nil {
		h.lastSweepTime = time.Now()
		h.lastSweep = &res
	}
	h.mu.Unlock()

	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// QueueStatus handles GET /api/v1/admin/queue.
func (h *AdminHandler) QueueStatus(c *gin.Context) {
	ctx := c.Request.Context()
	depth, err := h.queue.Depth(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	counts, err := h.jobs.CountByStatus(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := QueueStatusResponse{Depth: depth, Jobs: make(map[string]int64, len(counts))}
	for status, n := range counts {
		resp.Jobs[string(status)] = n
	}

	h.mu.RLock()
	if !h.lastSweepTime.IsZero() {
		resp.LastSweepTime = h.lastSweepTime.Format(time.RFC3339)
		resp.LastSweep = h.lastSweep
	}
	h.mu.RUnlock()

	c.JSON(http.StatusOK, resp)
}
