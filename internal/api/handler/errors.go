package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/webindex/internal/apperr"
	"github.com/timmy/webindex/internal/logger"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindPermanentInput:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindEmbeddingUnavailable, apperr.KindIndexWriteFailure, apperr.KindTransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with the status its kind maps to. Server-side
// failures are logged; client errors are not.
func respondError(c *gin.Context, err error) {
	ctx := c.Request.Context()
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(ctx).WithError(err).WithField(logger.FieldStatus, status).Error("Request failed")
	}

	msg := err.Error()
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Err != nil && status < http.StatusInternalServerError {
		msg = appErr.Err.Error()
	}
	c.JSON(status, ErrorResponse{
		Error:     msg,
		Kind:      string(apperr.KindOf(err)),
		RequestID: logger.GetRequestID(ctx),
	})
}

// badRequest reports a request that failed binding.
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     "Invalid request: " + err.Error(),
		Kind:      string(apperr.KindPermanentInput),
		RequestID: logger.GetRequestID(c.Request.Context()),
	})
}
