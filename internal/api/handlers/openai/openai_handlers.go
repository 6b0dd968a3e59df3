// Package openai provides the OpenAI-compatible HTTP handlers: chat
// completions, text completions, model listing, and embeddings. Requests
// run through the task engine against whichever backend is active; when the
// backend speaks the native dialect the engine converts responses to the
// OpenAI shapes these endpoints promise.
package openai

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/sight-ai/edge-node/internal/api/handlers"
	"github.com/sight-ai/edge-node/internal/interfaces"
	"github.com/sight-ai/edge-node/internal/runtime"
	"github.com/sight-ai/edge-node/internal/usage"
)

// OpenAIAPIHandler contains the handlers for OpenAI API endpoints.
type OpenAIAPIHandler struct {
	*handlers.BaseHandler
}

// NewOpenAIAPIHandler creates a new OpenAI API handlers instance.
func NewOpenAIAPIHandler(base *handlers.BaseHandler) *OpenAIAPIHandler {
	return &OpenAIAPIHandler{BaseHandler: base}
}

// ChatCompletions handles the /v1/chat/completions endpoint. Streaming is
// opt-in: only an explicit stream:true streams.
func (h *OpenAIAPIHandler) ChatCompletions(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		h.BadRequest(c, "invalid request: %v", err)
		return
	}

	if gjson.GetBytes(rawJSON, "stream").Type == gjson.True {
		h.streamResponse(c, rawJSON, h.Engine.ChatStream)
	} else {
		h.bodyResponse(c, rawJSON, h.Engine.Chat)
	}
}

// Completions handles the /v1/completions endpoint.
func (h *OpenAIAPIHandler) Completions(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		h.BadRequest(c, "invalid request: %v", err)
		return
	}

	if gjson.GetBytes(rawJSON, "stream").Type == gjson.True {
		h.streamResponse(c, rawJSON, h.Engine.CompletionStream)
	} else {
		h.bodyResponse(c, rawJSON, h.Engine.Completion)
	}
}

// Models handles the /v1/models endpoint, listing the active backend's
// inventory in the OpenAI list shape.
func (h *OpenAIAPIHandler) Models(c *gin.Context) {
	backend := h.Registry.CurrentFramework()
	models := h.Resolver.Models(c.Request.Context(), backend)

	data := make([]gin.H, 0, len(models))
	for _, model := range models {
		entry := gin.H{
			"id":       model.Name,
			"object":   "model",
			"owned_by": backend,
		}
		if created, errParse := time.Parse(time.RFC3339Nano, model.ModifiedAt); errParse == nil {
			entry["created"] = created.Unix()
		}
		data = append(data, entry)
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// Embeddings handles the /v1/embeddings endpoint.
func (h *OpenAIAPIHandler) Embeddings(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		h.BadRequest(c, "invalid request: %v", err)
		return
	}
	h.bodyResponse(c, rawJSON, h.Engine.Embeddings)
}

func (h *OpenAIAPIHandler) bodyResponse(c *gin.Context, rawJSON []byte, run func(ctx context.Context, req runtime.Request) ([]byte, *interfaces.ErrorMessage)) {
	req := runtime.Request{
		RawJSON:  rawJSON,
		Pathname: c.Request.URL.Path,
		Source:   usage.SourceLocalAPI,
	}
	body, errMsg := run(c.Request.Context(), req)
	if errMsg != nil {
		h.WriteErrorMessage(c, errMsg)
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

func (h *OpenAIAPIHandler) streamResponse(c *gin.Context, rawJSON []byte, run func(ctx context.Context, req runtime.Request, sink interfaces.StreamSink) *interfaces.ErrorMessage) {
	sink, ok := handlers.NewSSESink(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{
				Message: "streaming not supported",
				Type:    "server_error",
			},
		})
		return
	}

	req := runtime.Request{
		RawJSON:  rawJSON,
		Pathname: c.Request.URL.Path,
		Source:   usage.SourceLocalAPI,
	}
	if errMsg := run(c.Request.Context(), req, sink); errMsg != nil {
		h.WriteErrorMessage(c, errMsg)
	}
}
