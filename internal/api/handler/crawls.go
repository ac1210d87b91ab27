package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/timmy/webindex/internal/service"
)

// CrawlHandler serves crawl session reports.
type CrawlHandler struct {
	tracker *service.CrawlTracker
}

// NewCrawlHandler creates a new crawl handler.
func NewCrawlHandler(tracker *service.CrawlTracker) *CrawlHandler {
	return &CrawlHandler{tracker: tracker}
}

// Get handles GET /api/v1/crawls/:id. ?include_operations=true adds the
// per-operation metric rows.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *CrawlHandler) Get(c *gin.Context) {
	include, _ := strconv.ParseBool(c.DefaultQuery("include_operations", "false"))
	report, err := h.tracker.Get(c.Request.Context(), c.Param("id"), include)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Recompute handles POST /api/v1/crawls/:id/recompute.
func (h *CrawlHandler) Recompute(c *gin.Context) {
	session, err := h.tracker.Recompute(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}
