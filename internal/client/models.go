package client

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Wire schemas for the two backend dialects. Requests are validated on
// ingress with gjson so unknown fields pass through to the backend
// untouched; only the fields the node itself reads are typed here.

// NativeMessage is one chat turn in the native dialect.
type NativeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NativeStreamFrame is one NDJSON frame of a native streaming response. The
// final frame carries done=true plus the duration and token counters.
type NativeStreamFrame struct {
	Model              string         `json:"model,omitempty"`
	CreatedAt          string         `json:"created_at,omitempty"`
	Message            *NativeMessage `json:"message,omitempty"`
	Response           string         `json:"response,omitempty"`
	Done               bool           `json:"done"`
	TotalDuration      int64          `json:"total_duration,omitempty"`
	LoadDuration       int64          `json:"load_duration,omitempty"`
	PromptEvalCount    int64          `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64          `json:"prompt_eval_duration,omitempty"`
	EvalCount          int64          `json:"eval_count,omitempty"`
	EvalDuration       int64          `json:"eval_duration,omitempty"`
}

// NativeEmbeddingsResponse is the native single-prompt embeddings shape.
type NativeEmbeddingsResponse struct {
	Embedding []float64 `json:"embedding"`
}

// OpenAIModel is one entry of the OpenAI-compatible model list.
type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// OpenAIModelList is the /v1/models response shape.
type OpenAIModelList struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}

// OpenAIEmbeddingData is one vector of an OpenAI embeddings response.
type OpenAIEmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// OpenAIUsage is the token accounting block of OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// OpenAIEmbeddingsResponse is the /v1/embeddings response shape.
type OpenAIEmbeddingsResponse struct {
	Object string                `json:"object"`
	Data   []OpenAIEmbeddingData `json:"data"`
	Model  string                `json:"model"`
	Usage  OpenAIUsage           `json:"usage"`
}

// ValidationError lists the offending payload paths of a rejected request.
type ValidationError struct {
	Paths []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s", strings.Join(e.Paths, ", "))
}

// ValidateChatPayload checks a chat request of either dialect: the body must
// be a JSON object with a string model field (may be empty for default
// resolution) and a non-empty messages array whose entries carry roles.
func ValidateChatPayload(rawJSON []byte) *ValidationError {
	var paths []string
	if !gjson.ValidBytes(rawJSON) {
		return &ValidationError{Paths: []string{"(body)"}}
	}
	root := gjson.ParseBytes(rawJSON)
	if !root.IsObject() {
		return &ValidationError{Paths: []string{"(body)"}}
	}
	if model := root.Get("model"); model.Exists() && model.Type != gjson.String {
		paths = append(paths, "model")
	}
	messages := root.Get("messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		paths = append(paths, "messages")
	} else {
		for i, msg := range messages.Array() {
			if msg.Get("role").Type != gjson.String {
				paths = append(paths, fmt.Sprintf("messages.%d.role", i))
			}
		}
	}
	if len(paths) > 0 {
		return &ValidationError{Paths: paths}
	}
	return nil
}

// ValidateCompletionPayload checks a completion/generate request: a string
// prompt is required in both dialects.
func ValidateCompletionPayload(rawJSON []byte) *ValidationError {
	if !gjson.ValidBytes(rawJSON) || !gjson.ParseBytes(rawJSON).IsObject() {
		return &ValidationError{Paths: []string{"(body)"}}
	}
	var paths []string
	if model := gjson.GetBytes(rawJSON, "model"); model.Exists() && model.Type != gjson.String {
		paths = append(paths, "model")
	}
	if prompt := gjson.GetBytes(rawJSON, "prompt"); !prompt.Exists() || prompt.Type != gjson.String {
		paths = append(paths, "prompt")
	}
	if len(paths) > 0 {
		return &ValidationError{Paths: paths}
	}
	return nil
}

// ValidateEmbeddingsPayload checks an embeddings request: the OpenAI dialect
// requires input (string or string array), the native dialect a prompt.
func ValidateEmbeddingsPayload(rawJSON []byte, openAIStyle bool) *ValidationError {
	if !gjson.ValidBytes(rawJSON) || !gjson.ParseBytes(rawJSON).IsObject() {
		return &ValidationError{Paths: []string{"(body)"}}
	}
	if openAIStyle {
		input := gjson.GetBytes(rawJSON, "input")
		if input.Type == gjson.String {
			return nil
		}
		if input.IsArray() && len(input.Array()) > 0 {
			for i, item := range input.Array() {
				if item.Type != gjson.String {
					return &ValidationError{Paths: []string{fmt.Sprintf("input.%d", i)}}
				}
			}
			return nil
		}
		return &ValidationError{Paths: []string{"input"}}
	}
	if prompt := gjson.GetBytes(rawJSON, "prompt"); prompt.Type != gjson.String {
		return &ValidationError{Paths: []string{"prompt"}}
	}
	return nil
}
