package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/songzhibin97/ticketflow/forms"
	"github.com/songzhibin97/ticketflow/storage"
	"github.com/songzhibin97/ticketflow/workflow"
	"go.uber.org/zap"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// FieldError identifies the offending field of a rejected submission.
type FieldError struct {
	FieldID uint64 `json:"field_id"`
	Label   string `json:"label"`
	Reason  string `json:"reason"`
}

func success(data interface{}) Response {
	return Response{Code: 0, Message: "success", Data: data}
}

func failure(code int, message string) Response {
	return Response{Code: code, Message: message}
}

// statusOf maps engine and storage errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, workflow.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrDuplicate),
		errors.Is(err, workflow.ErrAlreadyCompleted):
		return http.StatusConflict
	case errors.Is(err, forms.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrNoWorkflowSelected),
		errors.Is(err, workflow.ErrTemplateInactive),
		errors.Is(err, workflow.ErrNoFileStore):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// handleError logs err and writes the matching error response.
func (h *Handler) handleError(c *gin.Context, err error) {
	code := statusOf(err)
	fields := []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", code),
		zap.Error(err),
	}
	if a, ok := actorFrom(c); ok {
		fields = append(fields, zap.String("actor", a.ID))
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Info("request rejected", fields...)
	}

	resp := failure(code, err.Error())
	var verr *forms.ValidationError
	if errors.As(err, &verr) {
		resp.Data = FieldError{FieldID: verr.FieldID, Label: verr.Label, Reason: verr.Reason}
	}
	c.JSON(code, resp)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, failure(http.StatusBadRequest, message))
}
