package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/webindex/internal/service"
)

// JobHandler exposes indexing job status and replay.
type JobHandler struct {
	jobs *service.JobService
}

// NewJobHandler creates a new job handler.
func NewJobHandler(jobs *service.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// Get handles GET /api/v1/jobs/:id.
func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Replay handles POST /api/v1/jobs/:id/replay. Only dead jobs qualify.
func (h *JobHandler) Replay(c *gin.Context) {
	job, err := h.jobs.Replay(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}
