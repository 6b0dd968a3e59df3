package openai

import (
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func TestConvertOllamaResponseToOpenAIChat_StreamSequence(t *testing.T) {
	var param any

	first := ConvertOllamaResponseToOpenAIChat("llama3.2:latest", []byte(`{"model":"llama3.2:latest","message":{"role":"assistant","content":"Hel"},"done":false}`), &param)
	if len(first) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(first))
	}
	chunk := gjson.Parse(first[0])
	if chunk.Get("object").String() != "chat.completion.chunk" {
		t.Fatalf("unexpected object: %s", first[0])
	}
	if chunk.Get("choices.0.delta.role").String() != "assistant" {
		t.Fatalf("expected role on the first chunk: %s", first[0])
	}
	if chunk.Get("choices.0.delta.content").String() != "Hel" {
		t.Fatalf("unexpected content: %s", first[0])
	}
	if chunk.Get("choices.0.finish_reason").Type != gjson.Null {
		t.Fatalf("expected null finish_reason mid-stream: %s", first[0])
	}

	second := ConvertOllamaResponseToOpenAIChat("llama3.2:latest", []byte(`{"message":{"role":"assistant","content":"lo"},"done":false}`), &param)
	next := gjson.Parse(second[0])
	if next.Get("choices.0.delta.role").Exists() {
		t.Fatalf("expected no role after the first chunk: %s", second[0])
	}
	if next.Get("id").String() != chunk.Get("id").String() {
		t.Fatalf("expected a shared response id, got %q and %q", chunk.Get("id").String(), next.Get("id").String())
	}
	if next.Get("created").Int() != chunk.Get("created").Int() {
		t.Fatal("expected a shared created timestamp")
	}
	// The frame carries no model, so the requested name fills in.
	if next.Get("model").String() != "llama3.2:latest" {
		t.Fatalf("unexpected model: %s", second[0])
	}

	final := ConvertOllamaResponseToOpenAIChat("llama3.2:latest", []byte(`{"done":true,"prompt_eval_count":26,"eval_count":298}`), &param)
	last := gjson.Parse(final[0])
	if last.Get("choices.0.finish_reason").String() != "stop" {
		t.Fatalf("expected stop finish_reason: %s", final[0])
	}
	if last.Get("choices.0.delta.content").Exists() {
		t.Fatalf("expected empty delta on the final chunk: %s", final[0])
	}
	if last.Get("usage.prompt_tokens").Int() != 26 || last.Get("usage.completion_tokens").Int() != 298 || last.Get("usage.total_tokens").Int() != 324 {
		t.Fatalf("unexpected usage: %s", final[0])
	}
}

func TestConvertOllamaResponseToOpenAIChat_LengthFinish(t *testing.T) {
	var param any
	out := ConvertOllamaResponseToOpenAIChat("m", []byte(`{"done":true,"done_reason":"length"}`), &param)
	if got := gjson.Get(out[0], "choices.0.finish_reason").String(); got != "length" {
		t.Fatalf("expected length finish_reason, got %q", got)
	}
	// No counters on the frame means no usage object at all.
	if gjson.Get(out[0], "usage").Exists() {
		t.Fatalf("expected no usage without counters: %s", out[0])
	}
}

func TestConvertOllamaResponseToOpenAIChatNonStream(t *testing.T) {
	raw := []byte(`{"model":"llama3.2:latest","created_at":"2024-01-15T10:30:00Z","message":{"role":"assistant","content":"Hello there"},"done":true,"prompt_eval_count":26,"eval_count":12}`)

	out := ConvertOllamaResponseToOpenAIChatNonStream("fallback", raw)
	body := gjson.Parse(out)
	if body.Get("object").String() != "chat.completion" {
		t.Fatalf("unexpected object: %s", out)
	}
	if body.Get("choices.0.message.content").String() != "Hello there" {
		t.Fatalf("unexpected content: %s", out)
	}
	if body.Get("choices.0.message.role").String() != "assistant" {
		t.Fatalf("unexpected role: %s", out)
	}
	if body.Get("model").String() != "llama3.2:latest" {
		t.Fatalf("expected frame model to win: %s", out)
	}

	wantCreated := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC).Unix()
	if body.Get("created").Int() != wantCreated {
		t.Fatalf("expected created %d from created_at, got %d", wantCreated, body.Get("created").Int())
	}
	if body.Get("usage.total_tokens").Int() != 38 {
		t.Fatalf("unexpected usage: %s", out)
	}
}

func TestConvertOllamaResponseToOpenAICompletions_Stream(t *testing.T) {
	var param any

	first := ConvertOllamaResponseToOpenAICompletions("m", []byte(`{"response":"Once","done":false}`), &param)
	chunk := gjson.Parse(first[0])
	if chunk.Get("object").String() != "text_completion" {
		t.Fatalf("unexpected object: %s", first[0])
	}
	if chunk.Get("choices.0.text").String() != "Once" {
		t.Fatalf("unexpected text: %s", first[0])
	}

	final := ConvertOllamaResponseToOpenAICompletions("m", []byte(`{"response":"","done":true,"prompt_eval_count":4,"eval_count":16}`), &param)
	last := gjson.Parse(final[0])
	if last.Get("id").String() != chunk.Get("id").String() {
		t.Fatal("expected a shared response id")
	}
	if last.Get("choices.0.finish_reason").String() != "stop" {
		t.Fatalf("expected stop finish_reason: %s", final[0])
	}
	if last.Get("usage.total_tokens").Int() != 20 {
		t.Fatalf("unexpected usage: %s", final[0])
	}
}

func TestConvertOllamaResponseToOpenAICompletionsNonStream(t *testing.T) {
	out := ConvertOllamaResponseToOpenAICompletionsNonStream("m", []byte(`{"model":"m","response":"Once upon a time","done":true,"eval_count":5}`))
	body := gjson.Parse(out)
	if body.Get("choices.0.text").String() != "Once upon a time" {
		t.Fatalf("unexpected text: %s", out)
	}
	if body.Get("choices.0.finish_reason").String() != "stop" {
		t.Fatalf("unexpected finish_reason: %s", out)
	}
	if body.Get("usage.completion_tokens").Int() != 5 || body.Get("usage.prompt_tokens").Int() != 0 {
		t.Fatalf("unexpected usage: %s", out)
	}
}
