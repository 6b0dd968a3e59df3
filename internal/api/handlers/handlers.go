// Package handlers provides the shared plumbing for the node's HTTP
// handlers: the base handler wiring to the task engine and registries, the
// wire-level error body, and the SSE and NDJSON stream sinks the per-family
// handler packages hand to the engine.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sight-ai/edge-node/internal/interfaces"
	"github.com/sight-ai/edge-node/internal/registry"
	"github.com/sight-ai/edge-node/internal/runtime"
)

// ErrorResponse is the error body every endpoint returns.
type ErrorResponse struct {
	// Error contains detailed information about the error that occurred.
	Error ErrorDetail `json:"error"`
}

// ErrorDetail provides specific information about an error that occurred.
type ErrorDetail struct {
	// Message is a human-readable message providing more details about the error.
	Message string `json:"message"`

	// Type is the category of error that occurred (e.g., "invalid_request_error").
	Type string `json:"type"`

	// Code is a short code identifying the error, if applicable.
	Code string `json:"code,omitempty"`
}

// BaseHandler carries the dependencies shared by every handler family.
type BaseHandler struct {
	// Engine executes inference requests against the current backend.
	Engine *runtime.Engine

	// Registry tracks the registered backends and the active selection.
	Registry *registry.BackendRegistry

	// Resolver resolves model names against backend inventories.
	Resolver *registry.ModelResolver
}

// NewBaseHandler creates the shared handler core.
func NewBaseHandler(engine *runtime.Engine, reg *registry.BackendRegistry, resolver *registry.ModelResolver) *BaseHandler {
	return &BaseHandler{Engine: engine, Registry: reg, Resolver: resolver}
}

// ErrorTypeForStatus maps an HTTP status onto the wire error type.
func ErrorTypeForStatus(status int) string {
	switch {
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

// WriteErrorMessage renders an engine or adapter failure as the wire error
// body with the carried status code.
func (h *BaseHandler) WriteErrorMessage(c *gin.Context, errMsg *interfaces.ErrorMessage) {
	message := "internal error"
	if errMsg.Error != nil {
		message = errMsg.Error.Error()
	}
	c.JSON(errMsg.StatusCode, ErrorResponse{
		Error: ErrorDetail{
			Message: message,
			Type:    ErrorTypeForStatus(errMsg.StatusCode),
		},
	})
}

// BadRequest renders a 400 with the given message.
func (h *BaseHandler) BadRequest(c *gin.Context, format string, args ...any) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{
			Message: fmt.Sprintf(format, args...),
			Type:    "invalid_request_error",
		},
	})
}
