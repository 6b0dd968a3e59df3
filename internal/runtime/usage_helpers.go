package runtime

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/sight-ai/edge-node/internal/constant"
	"github.com/sight-ai/edge-node/internal/usage"
)

type usageReporter struct {
	backend     string
	model       string
	taskID      string
	source      string
	requestedAt time.Time
	once        sync.Once
}

func newUsageReporter(backend, model, taskID, source string) *usageReporter {
	return &usageReporter{
		backend:     backend,
		model:       model,
		taskID:      taskID,
		source:      source,
		requestedAt: time.Now(),
	}
}

func (r *usageReporter) publish(ctx context.Context, detail usage.Detail) {
	if r == nil {
		return
	}
	if detail.TotalTokens == 0 {
		total := detail.PromptTokens + detail.CompletionTokens
		if total > 0 {
			detail.TotalTokens = total
		}
	}
	if detail.PromptTokens == 0 && detail.CompletionTokens == 0 && detail.TotalTokens == 0 {
		return
	}
	r.once.Do(func() {
		usage.PublishRecord(ctx, usage.Record{
			Backend:     r.backend,
			Model:       r.model,
			TaskID:      r.taskID,
			Source:      r.source,
			RequestedAt: r.requestedAt,
			Detail:      detail,
		})
	})
}

// parseNativeUsage reads the evaluation counters a native backend attaches
// to its final frame or complete response.
func parseNativeUsage(data []byte) (usage.Detail, bool) {
	root := gjson.ParseBytes(data)
	prompt := root.Get("prompt_eval_count")
	completion := root.Get("eval_count")
	if !prompt.Exists() && !completion.Exists() {
		return usage.Detail{}, false
	}
	detail := usage.Detail{
		PromptTokens:     prompt.Int(),
		CompletionTokens: completion.Int(),
	}
	detail.TotalTokens = detail.PromptTokens + detail.CompletionTokens
	return detail, true
}

// parseOpenAIUsage reads the usage object of an OpenAI-compatible body.
func parseOpenAIUsage(data []byte) (usage.Detail, bool) {
	usageNode := gjson.ParseBytes(data).Get("usage")
	if !usageNode.Exists() {
		return usage.Detail{}, false
	}
	return usage.Detail{
		PromptTokens:     usageNode.Get("prompt_tokens").Int(),
		CompletionTokens: usageNode.Get("completion_tokens").Int(),
		TotalTokens:      usageNode.Get("total_tokens").Int(),
	}, true
}

// parseBodyUsage dispatches on the wire format of a complete response body.
func parseBodyUsage(format string, data []byte) (usage.Detail, bool) {
	if format == constant.FormatOllama {
		return parseNativeUsage(data)
	}
	return parseOpenAIUsage(data)
}

// parseStreamUsage inspects one upstream frame for usage counters. Native
// frames carry them only when done; OpenAI-compatible chunks only when the
// caller requested usage in the stream.
func parseStreamUsage(format string, line []byte) (usage.Detail, bool) {
	payload := jsonPayload(line)
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return usage.Detail{}, false
	}
	if format == constant.FormatOllama {
		if !gjson.GetBytes(payload, "done").Bool() {
			return usage.Detail{}, false
		}
		return parseNativeUsage(payload)
	}
	return parseOpenAIUsage(payload)
}

func jsonPayload(line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	if bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil
	}
	if bytes.HasPrefix(trimmed, []byte("data:")) {
		trimmed = bytes.TrimSpace(trimmed[len("data:"):])
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	return trimmed
}
