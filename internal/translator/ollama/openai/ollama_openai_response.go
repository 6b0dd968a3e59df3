// Package openai translates native backend responses into OpenAI-compatible
// formats. Streaming NDJSON frames become chat.completion.chunk or
// text_completion SSE events and complete responses become their
// non-streaming counterparts, with token counters mapped onto the OpenAI
// usage object. Translation runs one way only; OpenAI-compatible backend
// responses are never rewritten toward the native format.
package openai

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// convertState carries the response identity across the frames of one
// streamed response so every chunk shares the same id and created values.
type convertState struct {
	ResponseID string
	CreatedAt  int64
	SentRole   bool
}

func loadState(param *any, idPrefix string) *convertState {
	if param != nil && *param != nil {
		if state, ok := (*param).(*convertState); ok {
			return state
		}
	}
	now := time.Now()
	state := &convertState{
		ResponseID: fmt.Sprintf("%s-%d", idPrefix, now.UnixMilli()),
		CreatedAt:  now.Unix(),
	}
	if param != nil {
		*param = state
	}
	return state
}

// ConvertOllamaResponseToOpenAIChat translates one native chat stream frame
// into an OpenAI chat.completion.chunk. The first chunk announces the
// assistant role; the final chunk carries finish_reason and usage.
func ConvertOllamaResponseToOpenAIChat(modelName string, rawJSON []byte, param *any) []string {
	template := `{"id":"","object":"chat.completion.chunk","created":12345,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`

	state := loadState(param, "chatcmpl")
	root := gjson.ParseBytes(rawJSON)

	template, _ = sjson.Set(template, "id", state.ResponseID)
	template, _ = sjson.Set(template, "created", state.CreatedAt)
	template, _ = sjson.Set(template, "model", frameModel(root, modelName))

	if !state.SentRole {
		template, _ = sjson.Set(template, "choices.0.delta.role", "assistant")
		state.SentRole = true
	}
	if content := root.Get("message.content"); content.Exists() && content.String() != "" {
		template, _ = sjson.Set(template, "choices.0.delta.content", content.String())
	}

	if root.Get("done").Bool() {
		template, _ = sjson.Set(template, "choices.0.finish_reason", finishReason(root))
		if usage := usageFromCounters(root); usage != "" {
			template, _ = sjson.SetRaw(template, "usage", usage)
		}
	}

	return []string{template}
}

// ConvertOllamaResponseToOpenAIChatNonStream translates a complete native
// chat response into an OpenAI chat.completion body.
func ConvertOllamaResponseToOpenAIChatNonStream(modelName string, rawJSON []byte) string {
	template := `{"id":"","object":"chat.completion","created":12345,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}]}`

	root := gjson.ParseBytes(rawJSON)
	now := time.Now()

	template, _ = sjson.Set(template, "id", fmt.Sprintf("chatcmpl-%d", now.UnixMilli()))
	template, _ = sjson.Set(template, "created", responseCreated(root, now))
	template, _ = sjson.Set(template, "model", frameModel(root, modelName))
	template, _ = sjson.Set(template, "choices.0.message.content", root.Get("message.content").String())
	template, _ = sjson.Set(template, "choices.0.finish_reason", finishReason(root))
	if usage := usageFromCounters(root); usage != "" {
		template, _ = sjson.SetRaw(template, "usage", usage)
	}
	return template
}

// ConvertOllamaResponseToOpenAICompletions translates one native generate
// stream frame into an OpenAI text_completion chunk.
func ConvertOllamaResponseToOpenAICompletions(modelName string, rawJSON []byte, param *any) []string {
	template := `{"id":"","object":"text_completion","created":12345,"model":"","choices":[{"index":0,"text":"","finish_reason":null}]}`

	state := loadState(param, "cmpl")
	root := gjson.ParseBytes(rawJSON)

	template, _ = sjson.Set(template, "id", state.ResponseID)
	template, _ = sjson.Set(template, "created", state.CreatedAt)
	template, _ = sjson.Set(template, "model", frameModel(root, modelName))
	template, _ = sjson.Set(template, "choices.0.text", root.Get("response").String())

	if root.Get("done").Bool() {
		template, _ = sjson.Set(template, "choices.0.finish_reason", finishReason(root))
		if usage := usageFromCounters(root); usage != "" {
			template, _ = sjson.SetRaw(template, "usage", usage)
		}
	}

	return []string{template}
}

// ConvertOllamaResponseToOpenAICompletionsNonStream translates a complete
// native generate response into an OpenAI text_completion body.
func ConvertOllamaResponseToOpenAICompletionsNonStream(modelName string, rawJSON []byte) string {
	template := `{"id":"","object":"text_completion","created":12345,"model":"","choices":[{"index":0,"text":"","finish_reason":"stop"}]}`

	root := gjson.ParseBytes(rawJSON)
	now := time.Now()

	template, _ = sjson.Set(template, "id", fmt.Sprintf("cmpl-%d", now.UnixMilli()))
	template, _ = sjson.Set(template, "created", responseCreated(root, now))
	template, _ = sjson.Set(template, "model", frameModel(root, modelName))
	template, _ = sjson.Set(template, "choices.0.text", root.Get("response").String())
	template, _ = sjson.Set(template, "choices.0.finish_reason", finishReason(root))
	if usage := usageFromCounters(root); usage != "" {
		template, _ = sjson.SetRaw(template, "usage", usage)
	}
	return template
}

func frameModel(root gjson.Result, fallback string) string {
	if model := root.Get("model"); model.Exists() && model.String() != "" {
		return model.String()
	}
	return fallback
}

func finishReason(root gjson.Result) string {
	if reason := root.Get("done_reason"); reason.Exists() && reason.String() == "length" {
		return "length"
	}
	return "stop"
}

func responseCreated(root gjson.Result, now time.Time) int64 {
	if createdAt := root.Get("created_at"); createdAt.Exists() {
		if ts, err := time.Parse(time.RFC3339Nano, createdAt.String()); err == nil {
			return ts.Unix()
		}
	}
	return now.Unix()
}

// usageFromCounters maps native evaluation counters onto the OpenAI usage
// object. Frames without counters yield no usage at all.
func usageFromCounters(root gjson.Result) string {
	prompt := root.Get("prompt_eval_count")
	completion := root.Get("eval_count")
	if !prompt.Exists() && !completion.Exists() {
		return ""
	}
	usage := `{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}`
	usage, _ = sjson.Set(usage, "prompt_tokens", prompt.Int())
	usage, _ = sjson.Set(usage, "completion_tokens", completion.Int())
	usage, _ = sjson.Set(usage, "total_tokens", prompt.Int()+completion.Int())
	return usage
}
