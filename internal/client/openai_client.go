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

// openAIVersionLabel is the synthetic version reported for backends that
// expose no version endpoint.
const openAIVersionLabel = "openai-compatible"

// OpenAIClient implements the adapter contract against the OpenAI-compatible
// (vLLM-style) backend: /v1/chat/completions, /v1/completions, /v1/models
// and /v1/embeddings. There is no version endpoint; a 200 from /v1/models
// constitutes available.
type OpenAIClient struct {
	ClientBase
}

// NewOpenAIClient constructs the OpenAI-compatible adapter from the
// bootstrap config.
func NewOpenAIClient(cfg *config.Config) *OpenAIClient {
	baseURL := constant.DefaultVLLMURL
	if cfg != nil && cfg.Backends.VLLMURL != "" {
		baseURL = cfg.Backends.VLLMURL
	}
	return &OpenAIClient{ClientBase: newClientBase(constant.VLLM, baseURL, cfg)}
}

// HealthURL returns the model list endpoint used as the readiness probe.
func (c *OpenAIClient) HealthURL() string {
	return c.baseURL + "/v1/models"
}

// WireFormat always reports the OpenAI SSE dialect; this backend has no
// native framing to fall back to.
func (c *OpenAIClient) WireFormat(string) string {
	return constant.FormatOpenAI
}

// Chat performs a non-streaming chat call.
func (c *OpenAIClient) Chat(ctx context.Context, rawJSON []byte, _ string) ([]byte, *interfaces.ErrorMessage) {
	body, _ := sjson.SetBytes(rawJSON, "stream", false)
	return c.doRequest(ctx, http.MethodPost, "/v1/chat/completions", body, requestOptions{})
}

// ChatStream performs a streaming chat call.
func (c *OpenAIClient) ChatStream(ctx context.Context, rawJSON []byte, _ string) (<-chan []byte, <-chan *interfaces.ErrorMessage) {
	body, _ := sjson.SetBytes(rawJSON, "stream", true)
	return c.openStream(ctx, http.MethodPost, "/v1/chat/completions", body, constant.FormatOpenAI)
}

// Complete performs a non-streaming text completion call.
func (c *OpenAIClient) Complete(ctx context.Context, rawJSON []byte, _ string) ([]byte, *interfaces.ErrorMessage) {
	body, _ := sjson.SetBytes(rawJSON, "stream", false)
	return c.doRequest(ctx, http.MethodPost, "/v1/completions", body, requestOptions{})
}

// CompleteStream performs a streaming text completion call.
func (c *OpenAIClient) CompleteStream(ctx context.Context, rawJSON []byte, _ string) (<-chan []byte, <-chan *interfaces.ErrorMessage) {
	body, _ := sjson.SetBytes(rawJSON, "stream", true)
	return c.openStream(ctx, http.MethodPost, "/v1/completions", body, constant.FormatOpenAI)
}

// CheckStatus probes /v1/models. Failures are swallowed and reported false.
func (c *OpenAIClient) CheckStatus(ctx context.Context) bool {
	_, errMsg := c.doRequest(ctx, http.MethodGet, "/v1/models", nil, requestOptions{timeout: statusCheckTimeout, noRetry: true})
	return errMsg == nil
}

// ListModels returns the /v1/models inventory, empty on any failure.
func (c *OpenAIClient) ListModels(ctx context.Context) []interfaces.ModelInfo {
	data, errMsg := c.doRequest(ctx, http.MethodGet, "/v1/models", nil, requestOptions{timeout: statusCheckTimeout, noRetry: true})
	if errMsg != nil {
		log.Debugf("vllm: list models failed: %v", errMsg.Error)
		return nil
	}
	var list OpenAIModelList
	if err := json.Unmarshal(data, &list); err != nil {
		log.Debugf("vllm: parse model inventory failed: %v", err)
		return nil
	}
	models := make([]interfaces.ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, interfaces.ModelInfo{Name: m.ID})
	}
	return models
}

// GetModelInfo returns the inventory entry for one model, 404 when absent.
func (c *OpenAIClient) GetModelInfo(ctx context.Context, modelName string) ([]byte, *interfaces.ErrorMessage) {
	data, errMsg := c.doRequest(ctx, http.MethodGet, "/v1/models", nil, requestOptions{timeout: statusCheckTimeout})
	if errMsg != nil {
		return nil, errMsg
	}
	wanted := normalizeModelName(modelName)
	var found []byte
	gjson.GetBytes(data, "data").ForEach(func(_, entry gjson.Result) bool {
		if normalizeModelName(entry.Get("id").String()) == wanted {
			found = []byte(entry.Raw)
			return false
		}
		return true
	})
	if found == nil {
		return nil, &interfaces.ErrorMessage{
			StatusCode: http.StatusNotFound,
			Error:      fmt.Errorf("model %q not found", modelName),
		}
	}
	return found, nil
}

// GenerateEmbeddings produces embeddings. Native-shaped callers ({model,
// prompt}) are wrapped to the OpenAI input shape and unwrapped back to
// {embedding}; OpenAI callers pass through unchanged.
func (c *OpenAIClient) GenerateEmbeddings(ctx context.Context, rawJSON []byte, pathname string) ([]byte, *interfaces.ErrorMessage) {
	if OpenAIStylePath(pathname) {
		return c.doRequest(ctx, http.MethodPost, "/v1/embeddings", rawJSON, requestOptions{})
	}

	body, _ := sjson.SetBytes([]byte(`{}`), "model", gjson.GetBytes(rawJSON, "model").String())
	body, _ = sjson.SetBytes(body, "input", gjson.GetBytes(rawJSON, "prompt").String())
	data, errMsg := c.doRequest(ctx, http.MethodPost, "/v1/embeddings", body, requestOptions{})
	if errMsg != nil {
		return nil, errMsg
	}
	var resp OpenAIEmbeddingsResponse
	if err := json.Unmarshal(data, &resp); err != nil || len(resp.Data) == 0 {
		return nil, &interfaces.ErrorMessage{StatusCode: 502, Error: fmt.Errorf("parse embeddings response: %v", err)}
	}
	result, err := json.Marshal(NativeEmbeddingsResponse{Embedding: resp.Data[0].Embedding})
	if err != nil {
		return nil, &interfaces.ErrorMessage{StatusCode: 500, Error: err}
	}
	return result, nil
}

// GetVersion reports the synthetic version label when the backend is
// reachable, "unknown" otherwise.
func (c *OpenAIClient) GetVersion(ctx context.Context) interfaces.VersionInfo {
	info := interfaces.VersionInfo{Version: "unknown", Backend: constant.VLLM}
	if c.CheckStatus(ctx) {
		info.Version = openAIVersionLabel
	}
	return info
}
