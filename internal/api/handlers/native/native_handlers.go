// Package native provides the Ollama-style HTTP handlers: chat, generate,
// tags, show, version, embeddings, and ps. Streaming follows the native
// convention of defaulting on unless the request carries stream:false, with
// NDJSON framing on the wire.
package native

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/sight-ai/edge-node/internal/api/handlers"
	"github.com/sight-ai/edge-node/internal/constant"
	"github.com/sight-ai/edge-node/internal/interfaces"
	"github.com/sight-ai/edge-node/internal/runtime"
	"github.com/sight-ai/edge-node/internal/usage"
)

// NativeAPIHandler contains the handlers for the native API endpoints.
type NativeAPIHandler struct {
	*handlers.BaseHandler
}

// NewNativeAPIHandler creates a new native API handlers instance.
func NewNativeAPIHandler(base *handlers.BaseHandler) *NativeAPIHandler {
	return &NativeAPIHandler{BaseHandler: base}
}

// Chat handles the /api/chat endpoint.
func (h *NativeAPIHandler) Chat(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		h.BadRequest(c, "invalid request: %v", err)
		return
	}

	if wantsStream(rawJSON) {
		h.streamResponse(c, rawJSON, h.Engine.ChatStream)
	} else {
		h.bodyResponse(c, rawJSON, h.Engine.Chat)
	}
}

// Generate handles the /api/generate endpoint.
func (h *NativeAPIHandler) Generate(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		h.BadRequest(c, "invalid request: %v", err)
		return
	}

	if wantsStream(rawJSON) {
		h.streamResponse(c, rawJSON, h.Engine.CompletionStream)
	} else {
		h.bodyResponse(c, rawJSON, h.Engine.Completion)
	}
}

// Embeddings handles the /api/embeddings endpoint.
func (h *NativeAPIHandler) Embeddings(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		h.BadRequest(c, "invalid request: %v", err)
		return
	}
	h.bodyResponse(c, rawJSON, h.Engine.Embeddings)
}

// Tags handles the /api/tags endpoint, listing the active backend's models
// in the native inventory shape.
func (h *NativeAPIHandler) Tags(c *gin.Context) {
	backend := h.Registry.CurrentFramework()
	models := h.Resolver.Models(c.Request.Context(), backend)
	if models == nil {
		models = []interfaces.ModelInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

// Show handles the /api/show endpoint, returning the backend's detail
// document for one model.
func (h *NativeAPIHandler) Show(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		h.BadRequest(c, "invalid request: %v", err)
		return
	}

	modelName := gjson.GetBytes(rawJSON, "model").String()
	if modelName == "" {
		modelName = gjson.GetBytes(rawJSON, "name").String()
	}
	if modelName == "" {
		h.BadRequest(c, "missing model name")
		return
	}

	adapter := h.Registry.CurrentAdapter()
	if adapter == nil {
		h.WriteErrorMessage(c, &interfaces.ErrorMessage{StatusCode: http.StatusServiceUnavailable})
		return
	}
	detail, errMsg := adapter.GetModelInfo(c.Request.Context(), modelName)
	if errMsg != nil {
		h.WriteErrorMessage(c, errMsg)
		return
	}
	c.Data(http.StatusOK, "application/json", detail)
}

// Version handles the /api/version endpoint.
func (h *NativeAPIHandler) Version(c *gin.Context) {
	adapter := h.Registry.CurrentAdapter()
	if adapter == nil {
		h.WriteErrorMessage(c, &interfaces.ErrorMessage{StatusCode: http.StatusServiceUnavailable})
		return
	}
	info := adapter.GetVersion(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"version": info.Version})
}

// PS handles the /api/ps endpoint. The native backend answers itself; the
// OpenAI-compatible backend has no loaded-model report, so the list is
// empty.
func (h *NativeAPIHandler) PS(c *gin.Context) {
	if h.Registry.CurrentFramework() != constant.Ollama {
		c.JSON(http.StatusOK, gin.H{"models": []any{}})
		return
	}

	resp, errMsg := h.Engine.Proxy(c.Request.Context(), runtime.ProxyRequest{
		Method: http.MethodGet,
		Path:   "/api/ps",
		Source: usage.SourceLocalAPI,
	})
	if errMsg != nil {
		h.WriteErrorMessage(c, errMsg)
		return
	}
	contentType := resp.Headers["Content-Type"]
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, resp.Body)
}

// wantsStream reports the native streaming default: on unless the request
// says stream:false.
func wantsStream(rawJSON []byte) bool {
	return gjson.GetBytes(rawJSON, "stream").Type != gjson.False
}

func (h *NativeAPIHandler) bodyResponse(c *gin.Context, rawJSON []byte, run func(ctx context.Context, req runtime.Request) ([]byte, *interfaces.ErrorMessage)) {
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

func (h *NativeAPIHandler) streamResponse(c *gin.Context, rawJSON []byte, run func(ctx context.Context, req runtime.Request, sink interfaces.StreamSink) *interfaces.ErrorMessage) {
	sink := handlers.NewNDJSONSink(c)
	req := runtime.Request{
		RawJSON:  rawJSON,
		Pathname: c.Request.URL.Path,
		Source:   usage.SourceLocalAPI,
	}
	if errMsg := run(c.Request.Context(), req, sink); errMsg != nil {
		h.WriteErrorMessage(c, errMsg)
	}
}
