package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/webindex/internal/domain"
	"github.com/timmy/webindex/internal/service"
)

// maxEventBatch bounds the envelopes accepted by one batch request.
const maxEventBatch = 500

// EventHandler accepts crawler events.
type EventHandler struct {
	dispatcher *service.EventDispatcher
}

// NewEventHandler creates a new event handler.
func NewEventHandler(dispatcher *service.EventDispatcher) *EventHandler {
	return &EventHandler{dispatcher: dispatcher}
}

// Publish handles POST /api/v1/events. Accepted events answer 202; the
// indexing itself happens on the worker pool.
func (h *EventHandler) Publish(c *gin.Context) {
	var env domain.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.dispatcher.Dispatch(c.Request.Context(), env)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// BatchItem is the outcome for one envelope of a batch.
type BatchItem struct {
	*service.DispatchResult
	Error string `json:"error,omitempty"`
}

// PublishBatch handles POST /api/v1/events/batch. Each envelope is
// dispatched independently; failures are reported per item.
func (h *EventHandler) PublishBatch(c *gin.Context) {
	var envs []domain.Envelope
	if err := c.ShouldBindJSON(&envs); err != nil {
		badRequest(c, err)
		return
	}
	if len(envs) > maxEventBatch {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "too many events in one batch"})
		return
	}

	items := make([]BatchItem, len(envs))
	accepted := 0
	for i, env := range envs {
		res, err := h.dispatcher.Dispatch(c.Request.Context(), env)
		if err != nil {
			items[i] = BatchItem{DispatchResult: &service.DispatchResult{Type: env.Type}, Error: err.Error()}
			continue
		}
		items[i] = BatchItem{DispatchResult: res}
		accepted++
	}

	c.JSON(http.StatusAccepted, gin.H{
		"accepted": accepted,
		"rejected": len(envs) - accepted,
		"results":  items,
	})
}
