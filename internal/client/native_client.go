package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/sight-ai/edge-node/internal/config"
	"github.com/sight-ai/edge-node/internal/constant"
	"github.com/sight-ai/edge-node/internal/interfaces"
)

// NativeClient implements the adapter contract against the native
// (Ollama-style) backend. Chat goes to /api/chat, completion to
// /api/generate, models to /api/tags, version to /api/version, model detail
// to /api/show and embeddings to /api/embeddings. When the caller pathname
// is OpenAI-style the chat and completion calls reroute to the backend's own
// /v1 endpoints with the body passed through unchanged.
type NativeClient struct {
	ClientBase
}

// NewNativeClient constructs the native adapter from the bootstrap config.
func NewNativeClient(cfg *config.Config) *NativeClient {
	baseURL := constant.DefaultOllamaURL
	if cfg != nil && cfg.Backends.OllamaURL != "" {
		baseURL = cfg.Backends.OllamaURL
	}
	return &NativeClient{ClientBase: newClientBase(constant.Ollama, baseURL, cfg)}
}

// HealthURL returns the version endpoint used as the readiness probe.
func (c *NativeClient) HealthURL() string {
	return c.baseURL + "/api/version"
}

// WireFormat reports NDJSON native frames on canonical paths and SSE OpenAI
// frames when the caller pathname reroutes to the backend /v1 surface.
func (c *NativeClient) WireFormat(pathname string) string {
	if OpenAIStylePath(pathname) {
		return constant.FormatOpenAI
	}
	return constant.FormatOllama
}

func (c *NativeClient) chatPath(pathname string) string {
	if OpenAIStylePath(pathname) {
		return "/v1/chat/completions"
	}
	return "/api/chat"
}

func (c *NativeClient) completePath(pathname string) string {
	if OpenAIStylePath(pathname) {
		return "/v1/completions"
	}
	return "/api/generate"
}

// Chat performs a non-streaming chat call.
func (c *NativeClient) Chat(ctx context.Context, rawJSON []byte, pathname string) ([]byte, *interfaces.ErrorMessage) {
	body, _ := sjson.SetBytes(rawJSON, "stream", false)
	return c.doRequest(ctx, http.MethodPost, c.chatPath(pathname), body, requestOptions{})
}

// ChatStream performs a streaming chat call.
func (c *NativeClient) ChatStream(ctx context.Context, rawJSON []byte, pathname string) (<-chan []byte, <-chan *interfaces.ErrorMessage) {
	body, _ := sjson.SetBytes(rawJSON, "stream", true)
	return c.openStream(ctx, http.MethodPost, c.chatPath(pathname), body, c.WireFormat(pathname))
}

// Complete performs a non-streaming text completion call.
func (c *NativeClient) Complete(ctx context.Context, rawJSON []byte, pathname string) ([]byte, *interfaces.ErrorMessage) {
	body, _ := sjson.SetBytes(rawJSON, "stream", false)
	return c.doRequest(ctx, http.MethodPost, c.completePath(pathname), body, requestOptions{})
}

// CompleteStream performs a streaming text completion call.
func (c *NativeClient) CompleteStream(ctx context.Context, rawJSON []byte, pathname string) (<-chan []byte, <-chan *interfaces.ErrorMessage) {
	body, _ := sjson.SetBytes(rawJSON, "stream", true)
	return c.openStream(ctx, http.MethodPost, c.completePath(pathname), body, c.WireFormat(pathname))
}

// CheckStatus probes /api/version. Failures are swallowed and reported false.
func (c *NativeClient) CheckStatus(ctx context.Context) bool {
	_, errMsg := c.doRequest(ctx, http.MethodGet, "/api/version", nil, requestOptions{timeout: statusCheckTimeout, noRetry: true})
	return errMsg == nil
}

// ListModels returns the /api/tags inventory, empty on any failure.
func (c *NativeClient) ListModels(ctx context.Context) []interfaces.ModelInfo {
	data, errMsg := c.doRequest(ctx, http.MethodGet, "/api/tags", nil, requestOptions{timeout: statusCheckTimeout, noRetry: true})
	if errMsg != nil {
		log.Debugf("ollama: list models failed: %v", errMsg.Error)
		return nil
	}
	var tags struct {
		Models []interfaces.ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(data, &tags); err != nil {
		log.Debugf("ollama: parse model inventory failed: %v", err)
		return nil
	}
	return tags.Models
}

// GetModelInfo fetches the /api/show detail for one model. A model absent
// from the inventory yields a 404 before the backend is asked.
func (c *NativeClient) GetModelInfo(ctx context.Context, modelName string) ([]byte, *interfaces.ErrorMessage) {
	if !c.modelExists(ctx, modelName) {
		return nil, &interfaces.ErrorMessage{
			StatusCode: http.StatusNotFound,
			Error:      fmt.Errorf("model %q not found", modelName),
		}
	}
	body, _ := sjson.SetBytes([]byte(`{}`), "name", modelName)
	return c.doRequest(ctx, http.MethodPost, "/api/show", body, requestOptions{timeout: statusCheckTimeout})
}

func (c *NativeClient) modelExists(ctx context.Context, modelName string) bool {
	wanted := normalizeModelName(modelName)
	for _, m := range c.ListModels(ctx) {
		if normalizeModelName(m.Name) == wanted {
			return true
		}
	}
	return false
}

// GenerateEmbeddings produces embeddings. OpenAI-shaped callers fan out one
// backend call per input item, sequentially and in input order, and the
// vectors are aggregated into a single OpenAI-shaped response. Native
// callers pass through to /api/embeddings unchanged.
func (c *NativeClient) GenerateEmbeddings(ctx context.Context, rawJSON []byte, pathname string) ([]byte, *interfaces.ErrorMessage) {
	if !OpenAIStylePath(pathname) {
		return c.doRequest(ctx, http.MethodPost, "/api/embeddings", rawJSON, requestOptions{})
	}

	model := gjson.GetBytes(rawJSON, "model").String()
	inputs := embeddingInputs(rawJSON)
	out := OpenAIEmbeddingsResponse{Object: "list", Model: model, Data: make([]OpenAIEmbeddingData, 0, len(inputs))}
	for i, prompt := range inputs {
		body, _ := sjson.SetBytes([]byte(`{}`), "model", model)
		body, _ = sjson.SetBytes(body, "prompt", prompt)
		data, errMsg := c.doRequest(ctx, http.MethodPost, "/api/embeddings", body, requestOptions{})
		if errMsg != nil {
			return nil, errMsg
		}
		var resp NativeEmbeddingsResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, &interfaces.ErrorMessage{StatusCode: 502, Error: fmt.Errorf("parse embeddings response: %w", err)}
		}
		out.Data = append(out.Data, OpenAIEmbeddingData{Object: "embedding", Index: i, Embedding: resp.Embedding})
	}
	result, err := json.Marshal(out)
	if err != nil {
		return nil, &interfaces.ErrorMessage{StatusCode: 500, Error: err}
	}
	return result, nil
}

// embeddingInputs flattens the OpenAI input field to the ordered prompt list.
func embeddingInputs(rawJSON []byte) []string {
	input := gjson.GetBytes(rawJSON, "input")
	if input.Type == gjson.String {
		return []string{input.String()}
	}
	var inputs []string
	for _, item := range input.Array() {
		inputs = append(inputs, item.String())
	}
	return inputs
}

// GetVersion reports the backend version, "unknown" when unreachable.
func (c *NativeClient) GetVersion(ctx context.Context) interfaces.VersionInfo {
	info := interfaces.VersionInfo{Version: "unknown", Backend: constant.Ollama}
	data, errMsg := c.doRequest(ctx, http.MethodGet, "/api/version", nil, requestOptions{timeout: probeTimeout, noRetry: true})
	if errMsg != nil {
		return info
	}
	if version := gjson.GetBytes(data, "version"); version.Exists() {
		info.Version = version.String()
	}
	return info
}
