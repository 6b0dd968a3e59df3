package runtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/sight-ai/edge-node/internal/constant"
	"github.com/sight-ai/edge-node/internal/interfaces"
	"github.com/sight-ai/edge-node/internal/registry"
	_ "github.com/sight-ai/edge-node/internal/translator"
	"github.com/sight-ai/edge-node/internal/usage"
)

// stubAdapter satisfies the adapter contract with scripted responses. The
// stream producer sends frames on an unbuffered channel so the engine
// processes each one before the next lands.
type stubAdapter struct {
	framework string
	baseURL   string
	format    string
	models    []interfaces.ModelInfo

	chatBody  []byte
	chatErr   *interfaces.ErrorMessage
	frames    [][]byte
	streamErr *interfaces.ErrorMessage
	errFirst  bool

	lastCall string
	gotBody  []byte
	gotPath  string
}

func (s *stubAdapter) Framework() string        { return s.framework }
func (s *stubAdapter) BaseURL() string          { return s.baseURL }
func (s *stubAdapter) HealthURL() string        { return s.baseURL + "/health" }
func (s *stubAdapter) WireFormat(string) string { return s.format }

func (s *stubAdapter) Chat(_ context.Context, rawJSON []byte, pathname string) ([]byte, *interfaces.ErrorMessage) {
	s.lastCall = "chat"
	s.gotBody = rawJSON
	s.gotPath = pathname
	return s.chatBody, s.chatErr
}

func (s *stubAdapter) Complete(_ context.Context, rawJSON []byte, pathname string) ([]byte, *interfaces.ErrorMessage) {
	s.lastCall = "complete"
	s.gotBody = rawJSON
	s.gotPath = pathname
	return s.chatBody, s.chatErr
}

func (s *stubAdapter) ChatStream(_ context.Context, rawJSON []byte, pathname string) (<-chan []byte, <-chan *interfaces.ErrorMessage) {
	s.lastCall = "chatStream"
	s.gotBody = rawJSON
	s.gotPath = pathname
	return s.produce()
}

func (s *stubAdapter) CompleteStream(_ context.Context, rawJSON []byte, pathname string) (<-chan []byte, <-chan *interfaces.ErrorMessage) {
	s.lastCall = "completeStream"
	s.gotBody = rawJSON
	s.gotPath = pathname
	return s.produce()
}

func (s *stubAdapter) produce() (<-chan []byte, <-chan *interfaces.ErrorMessage) {
	data := make(chan []byte)
	errs := make(chan *interfaces.ErrorMessage, 1)
	go func() {
		defer close(data)
		defer close(errs)
		if s.streamErr != nil && s.errFirst {
			errs <- s.streamErr
			return
		}
		for _, frame := range s.frames {
			data <- frame
		}
		if s.streamErr != nil {
			errs <- s.streamErr
		}
	}()
	return data, errs
}

func (s *stubAdapter) CheckStatus(context.Context) bool { return true }

func (s *stubAdapter) ListModels(context.Context) []interfaces.ModelInfo { return s.models }

func (s *stubAdapter) GetModelInfo(context.Context, string) ([]byte, *interfaces.ErrorMessage) {
	return []byte(`{}`), nil
}

func (s *stubAdapter) GenerateEmbeddings(_ context.Context, rawJSON []byte, pathname string) ([]byte, *interfaces.ErrorMessage) {
	s.lastCall = "embeddings"
	s.gotBody = rawJSON
	s.gotPath = pathname
	return s.chatBody, s.chatErr
}

func (s *stubAdapter) GetVersion(context.Context) interfaces.VersionInfo {
	return interfaces.VersionInfo{Version: "test", Backend: s.framework}
}

// captureSink records everything the engine delivers.
type captureSink struct {
	format   string
	writeErr error
	chunks   []string
	done     int
	failed   *interfaces.ErrorMessage
}

func (s *captureSink) Format() string { return s.format }

func (s *captureSink) WriteChunk(chunk []byte) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.chunks = append(s.chunks, string(chunk))
	return nil
}

func (s *captureSink) Done() { s.done++ }

func (s *captureSink) Fail(err *interfaces.ErrorMessage) { s.failed = err }

type recordingPlugin struct {
	mu      sync.Mutex
	records []usage.Record
}

func (p *recordingPlugin) HandleUsage(_ context.Context, record usage.Record) {
	p.mu.Lock()
	p.records = append(p.records, record)
	p.mu.Unlock()
}

func (p *recordingPlugin) find(taskID string) (usage.Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, record := range p.records {
		if record.TaskID == taskID {
			return record, true
		}
	}
	return usage.Record{}, false
}

var (
	usageOnce    sync.Once
	usageRecords = &recordingPlugin{}
)

func installUsagePlugin() {
	usageOnce.Do(func() { usage.RegisterPlugin(usageRecords) })
}

func waitForUsageRecord(t *testing.T, taskID string) usage.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if record, ok := usageRecords.find(taskID); ok {
			return record
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("usage record for task %s never arrived", taskID)
	return usage.Record{}
}

func newTestEngine(t *testing.T, adapter interfaces.Adapter) *Engine {
	t.Helper()
	reg := registry.NewBackendRegistry(nil, "")
	reg.Register(adapter.Framework(), adapter, registry.PriorityNative)
	resolver := registry.NewModelResolver(reg)
	return NewEngine(reg, resolver, NewTaskStore(openTestDB(t)))
}

func TestEngine_ChatPassthrough(t *testing.T) {
	adapter := &stubAdapter{
		framework: constant.Ollama,
		format:    constant.FormatOllama,
		models:    []interfaces.ModelInfo{{Name: "llama3.2:latest"}},
		chatBody:  []byte(`{"model":"llama3.2:latest","message":{"role":"assistant","content":"Hi"},"done":true}`),
	}
	engine := newTestEngine(t, adapter)

	body, errMsg := engine.Chat(context.Background(), Request{
		RawJSON:  []byte(`{"model":"llama3.2:latest","messages":[{"role":"user","content":"hi"}]}`),
		Pathname: "/api/chat",
	})
	if errMsg != nil {
		t.Fatalf("unexpected error: %v", errMsg.Error)
	}
	if string(body) != string(adapter.chatBody) {
		t.Fatalf("expected untouched native body, got %s", body)
	}
	if adapter.lastCall != "chat" || adapter.gotPath != "/api/chat" {
		t.Fatalf("unexpected dispatch: %s %s", adapter.lastCall, adapter.gotPath)
	}

	recent := engine.Tasks().Recent(1)
	if len(recent) != 1 || recent[0].Status != TaskCompleted || recent[0].Flavor != FlavorChat {
		t.Fatalf("unexpected task record: %+v", recent)
	}
}

func TestEngine_ChatTranslatesForOpenAISink(t *testing.T) {
	// A remote caller speaks OpenAI while the native backend answers on its
	// canonical path, so the reply dialect is pinned explicitly.
	adapter := &stubAdapter{
		framework: constant.Ollama,
		format:    constant.FormatOllama,
		models:    []interfaces.ModelInfo{{Name: "llama3.2:latest"}},
		chatBody:  []byte(`{"model":"llama3.2:latest","message":{"role":"assistant","content":"Hello"},"done":true,"prompt_eval_count":10,"eval_count":5}`),
	}
	engine := newTestEngine(t, adapter)
	installUsagePlugin()

	body, errMsg := engine.Chat(context.Background(), Request{
		TaskID:     "task_body_counters",
		RawJSON:    []byte(`{"model":"llama3.2:latest","messages":[{"role":"user","content":"hi"}]}`),
		Pathname:   "/api/chat",
		SinkFormat: constant.FormatOpenAI,
	})
	if errMsg != nil {
		t.Fatalf("unexpected error: %v", errMsg.Error)
	}
	if gjson.GetBytes(body, "object").String() != "chat.completion" {
		t.Fatalf("expected translated body, got %s", body)
	}
	if gjson.GetBytes(body, "choices.0.message.content").String() != "Hello" {
		t.Fatalf("unexpected content: %s", body)
	}

	record := waitForUsageRecord(t, "task_body_counters")
	if record.Detail.PromptTokens != 10 || record.Detail.CompletionTokens != 5 || record.Detail.TotalTokens != 15 {
		t.Fatalf("unexpected usage detail: %+v", record.Detail)
	}
	if record.Backend != constant.Ollama {
		t.Fatalf("unexpected backend: %q", record.Backend)
	}
}

func TestEngine_ChatNeverTranslatesTowardNative(t *testing.T) {
	// OpenAI-compatible answers pass through to native callers unconverted.
	adapter := &stubAdapter{
		framework: constant.VLLM,
		format:    constant.FormatOpenAI,
		models:    []interfaces.ModelInfo{{Name: "qwen"}},
		chatBody:  []byte(`{"id":"chatcmpl-1","object":"chat.completion","choices":[{"message":{"content":"Hi"}}]}`),
	}
	engine := newTestEngine(t, adapter)

	body, errMsg := engine.Chat(context.Background(), Request{
		RawJSON:  []byte(`{"model":"qwen","messages":[{"role":"user","content":"hi"}]}`),
		Pathname: "/api/chat",
	})
	if errMsg != nil {
		t.Fatalf("unexpected error: %v", errMsg.Error)
	}
	if string(body) != string(adapter.chatBody) {
		t.Fatalf("expected unconverted body, got %s", body)
	}
}

func TestEngine_SubstitutesUnservedModel(t *testing.T) {
	adapter := &stubAdapter{
		framework: constant.Ollama,
		format:    constant.FormatOllama,
		models:    []interfaces.ModelInfo{{Name: "llama3.2:latest"}},
		chatBody:  []byte(`{"done":true}`),
	}
	engine := newTestEngine(t, adapter)

	_, errMsg := engine.Chat(context.Background(), Request{
		RawJSON:  []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`),
		Pathname: "/api/chat",
	})
	if errMsg != nil {
		t.Fatalf("unexpected error: %v", errMsg.Error)
	}
	if got := gjson.GetBytes(adapter.gotBody, "model").String(); got != "llama3.2:latest" {
		t.Fatalf("expected substituted model in payload, got %q", got)
	}
	if task := engine.Tasks().Recent(1)[0]; task.Model != "llama3.2:latest" {
		t.Fatalf("expected substituted model on task, got %q", task.Model)
	}
}

func TestEngine_DefaultsEmptyModel(t *testing.T) {
	adapter := &stubAdapter{
		framework: constant.Ollama,
		format:    constant.FormatOllama,
		models:    []interfaces.ModelInfo{{Name: "llama3.2:latest"}},
		chatBody:  []byte(`{"done":true}`),
	}
	engine := newTestEngine(t, adapter)

	if _, errMsg := engine.Chat(context.Background(), Request{
		RawJSON:  []byte(`{"messages":[{"role":"user","content":"hi"}]}`),
		Pathname: "/api/chat",
	}); errMsg != nil {
		t.Fatalf("unexpected error: %v", errMsg.Error)
	}
	if got := gjson.GetBytes(adapter.gotBody, "model").String(); got != "llama3.2:latest" {
		t.Fatalf("expected default model in payload, got %q", got)
	}
}

func TestEngine_StreamConvertsFrames(t *testing.T) {
	adapter := &stubAdapter{
		framework: constant.Ollama,
		format:    constant.FormatOllama,
		models:    []interfaces.ModelInfo{{Name: "llama3.2:latest"}},
		frames: [][]byte{
			[]byte(`{"message":{"role":"assistant","content":"Hel"},"done":false}`),
			[]byte(`{"message":{"role":"assistant","content":"lo"},"done":false}`),
			[]byte(`{"done":true,"prompt_eval_count":26,"eval_count":298}`),
		},
	}
	engine := newTestEngine(t, adapter)
	installUsagePlugin()

	sink := &captureSink{format: constant.FormatOpenAI}
	errMsg := engine.ChatStream(context.Background(), Request{
		TaskID:   "task_stream_counters",
		RawJSON:  []byte(`{"model":"llama3.2:latest","messages":[{"role":"user","content":"hi"}]}`),
		Pathname: "/api/chat",
	}, sink)
	if errMsg != nil {
		t.Fatalf("unexpected error: %v", errMsg.Error)
	}

	if len(sink.chunks) != 3 {
		t.Fatalf("expected 3 converted chunks, got %d: %v", len(sink.chunks), sink.chunks)
	}
	first := gjson.Parse(sink.chunks[0])
	if first.Get("object").String() != "chat.completion.chunk" {
		t.Fatalf("expected converted chunk, got %s", sink.chunks[0])
	}
	if first.Get("choices.0.delta.role").String() != "assistant" {
		t.Fatalf("expected role on first chunk: %s", sink.chunks[0])
	}
	last := gjson.Parse(sink.chunks[2])
	if last.Get("choices.0.finish_reason").String() != "stop" {
		t.Fatalf("expected finish_reason on final chunk: %s", sink.chunks[2])
	}
	if last.Get("usage.total_tokens").Int() != 324 {
		t.Fatalf("expected usage on final chunk: %s", sink.chunks[2])
	}
	if sink.done != 1 || sink.failed != nil {
		t.Fatalf("expected exactly one Done, got done=%d failed=%v", sink.done, sink.failed)
	}

	record := waitForUsageRecord(t, "task_stream_counters")
	if record.Detail.TotalTokens != 324 {
		t.Fatalf("unexpected usage detail: %+v", record.Detail)
	}

	if task := engine.Tasks().Recent(1)[0]; task.Status != TaskCompleted {
		t.Fatalf("expected completed task, got %s", task.Status)
	}
}

func TestEngine_StreamPassthroughKeepsFrames(t *testing.T) {
	adapter := &stubAdapter{
		framework: constant.Ollama,
		format:    constant.FormatOllama,
		models:    []interfaces.ModelInfo{{Name: "llama3.2:latest"}},
		frames: [][]byte{
			[]byte(`{"message":{"role":"assistant","content":"Hi"},"done":false}`),
			[]byte(`{"done":true}`),
		},
	}
	engine := newTestEngine(t, adapter)

	sink := &captureSink{format: constant.FormatOllama}
	if errMsg := engine.ChatStream(context.Background(), Request{
		RawJSON:  []byte(`{"model":"llama3.2:latest","messages":[{"role":"user","content":"hi"}]}`),
		Pathname: "/api/chat",
	}, sink); errMsg != nil {
		t.Fatalf("unexpected error: %v", errMsg.Error)
	}

	if len(sink.chunks) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(sink.chunks))
	}
	if sink.chunks[0] != `{"message":{"role":"assistant","content":"Hi"},"done":false}` {
		t.Fatalf("expected untouched frame, got %s", sink.chunks[0])
	}
	if sink.done != 1 {
		t.Fatalf("expected Done, got %d", sink.done)
	}
}

func TestEngine_StreamSynthesizesFinalChunkForConvertedCallers(t *testing.T) {
	adapter := &stubAdapter{
		framework: constant.Ollama,
		format:    constant.FormatOllama,
		models:    []interfaces.ModelInfo{{Name: "llama3.2:latest"}},
	}
	engine := newTestEngine(t, adapter)

	sink := &captureSink{format: constant.FormatOpenAI}
	if errMsg := engine.ChatStream(context.Background(), Request{
		RawJSON:  []byte(`{"model":"llama3.2:latest","messages":[{"role":"user","content":"hi"}]}`),
		Pathname: "/api/chat",
	}, sink); errMsg != nil {
		t.Fatalf("unexpected error: %v", errMsg.Error)
	}

	if len(sink.chunks) != 1 {
		t.Fatalf("expected one synthetic terminal chunk, got %d", len(sink.chunks))
	}
	if got := gjson.Get(sink.chunks[0], "choices.0.finish_reason").String(); got != "stop" {
		t.Fatalf("expected terminal chunk, got %s", sink.chunks[0])
	}
	if sink.done != 1 {
		t.Fatalf("expected Done, got %d", sink.done)
	}
}

func TestEngine_StreamEmptyPassthroughStaysEmpty(t *testing.T) {
	adapter := &stubAdapter{
		framework: constant.Ollama,
		format:    constant.FormatOllama,
		models:    []interfaces.ModelInfo{{Name: "llama3.2:latest"}},
	}
	engine := newTestEngine(t, adapter)

	sink := &captureSink{format: constant.FormatOllama}
	if errMsg := engine.ChatStream(context.Background(), Request{
		RawJSON:  []byte(`{"model":"llama3.2:latest","messages":[{"role":"user","content":"hi"}]}`),
		Pathname: "/api/chat",
	}, sink); errMsg != nil {
		t.Fatalf("unexpected error: %v", errMsg.Error)
	}
	if len(sink.chunks) != 0 || sink.done != 1 {
		t.Fatalf("expected empty stream with Done, got %d chunks done=%d", len(sink.chunks), sink.done)
	}
}

func TestEngine_StreamErrorBeforeFirstFrame(t *testing.T) {
	adapter := &stubAdapter{
		framework: constant.Ollama,
		format:    constant.FormatOllama,
		models:    []interfaces.ModelInfo{{Name: "llama3.2:latest"}},
		streamErr: &interfaces.ErrorMessage{StatusCode: 503, Error: errors.New("backend gone")},
		errFirst:  true,
	}
	engine := newTestEngine(t, adapter)

	sink := &captureSink{format: constant.FormatOllama}
	errMsg := engine.ChatStream(context.Background(), Request{
		RawJSON:  []byte(`{"model":"llama3.2:latest","messages":[{"role":"user","content":"hi"}]}`),
		Pathname: "/api/chat",
	}, sink)

	// Nothing reached the sink, so the caller still owns the response.
	if errMsg == nil || errMsg.StatusCode != 503 {
		t.Fatalf("expected 503 returned to caller, got %+v", errMsg)
	}
	if len(sink.chunks) != 0 || sink.done != 0 || sink.failed != nil {
		t.Fatalf("expected untouched sink, got %+v", sink)
	}
	if task := engine.Tasks().Recent(1)[0]; task.Status != TaskFailed {
		t.Fatalf("expected failed task, got %s", task.Status)
	}
}

func TestEngine_StreamErrorMidStreamFailsSink(t *testing.T) {
	adapter := &stubAdapter{
		framework: constant.Ollama,
		format:    constant.FormatOllama,
		models:    []interfaces.ModelInfo{{Name: "llama3.2:latest"}},
		frames:    [][]byte{[]byte(`{"message":{"role":"assistant","content":"Hi"},"done":false}`)},
		streamErr: &interfaces.ErrorMessage{StatusCode: 502, Error: errors.New("connection reset")},
	}
	engine := newTestEngine(t, adapter)

	sink := &captureSink{format: constant.FormatOllama}
	errMsg := engine.ChatStream(context.Background(), Request{
		RawJSON:  []byte(`{"model":"llama3.2:latest","messages":[{"role":"user","content":"hi"}]}`),
		Pathname: "/api/chat",
	}, sink)

	// Frames already went out; the failure is delivered through the sink.
	if errMsg != nil {
		t.Fatalf("expected nil return after sink delivery, got %+v", errMsg)
	}
	if len(sink.chunks) != 1 {
		t.Fatalf("expected 1 frame before the failure, got %d", len(sink.chunks))
	}
	if sink.failed == nil || sink.failed.StatusCode != 502 {
		t.Fatalf("expected sink failure 502, got %+v", sink.failed)
	}
	if sink.done != 0 {
		t.Fatalf("expected no Done after failure, got %d", sink.done)
	}
}

func TestEngine_StreamConsumerGone(t *testing.T) {
	adapter := &stubAdapter{
		framework: constant.Ollama,
		format:    constant.FormatOllama,
		models:    []interfaces.ModelInfo{{Name: "llama3.2:latest"}},
		frames:    [][]byte{[]byte(`{"message":{"role":"assistant","content":"Hi"},"done":false}`)},
	}
	engine := newTestEngine(t, adapter)

	sink := &captureSink{format: constant.FormatOllama, writeErr: errors.New("client disconnected")}
	errMsg := engine.ChatStream(context.Background(), Request{
		RawJSON:  []byte(`{"model":"llama3.2:latest","messages":[{"role":"user","content":"hi"}]}`),
		Pathname: "/api/chat",
	}, sink)
	if errMsg != nil {
		t.Fatalf("expected nil for a gone consumer, got %+v", errMsg)
	}
	if sink.done != 0 || sink.failed != nil {
		t.Fatalf("expected no finalization on a broken sink, got %+v", sink)
	}
	if task := engine.Tasks().Recent(1)[0]; task.Status != TaskFailed {
		t.Fatalf("expected failed task, got %s", task.Status)
	}
}

func TestEngine_CompletionAndEmbeddingsDispatch(t *testing.T) {
	adapter := &stubAdapter{
		framework: constant.Ollama,
		format:    constant.FormatOllama,
		models:    []interfaces.ModelInfo{{Name: "llama3.2:latest"}},
		chatBody:  []byte(`{"embedding":[0.1]}`),
	}
	engine := newTestEngine(t, adapter)

	if _, errMsg := engine.Completion(context.Background(), Request{
		RawJSON:  []byte(`{"model":"llama3.2:latest","prompt":"hi"}`),
		Pathname: "/api/generate",
	}); errMsg != nil {
		t.Fatalf("unexpected completion error: %v", errMsg.Error)
	}
	if adapter.lastCall != "complete" {
		t.Fatalf("expected complete dispatch, got %s", adapter.lastCall)
	}

	body, errMsg := engine.Embeddings(context.Background(), Request{
		RawJSON:  []byte(`{"model":"llama3.2:latest","prompt":"hi"}`),
		Pathname: "/api/embeddings",
	})
	if errMsg != nil {
		t.Fatalf("unexpected embeddings error: %v", errMsg.Error)
	}
	if adapter.lastCall != "embeddings" {
		t.Fatalf("expected embeddings dispatch, got %s", adapter.lastCall)
	}
	if string(body) != `{"embedding":[0.1]}` {
		t.Fatalf("expected untouched embeddings body, got %s", body)
	}
}

func TestEngine_NoAdapter(t *testing.T) {
	reg := registry.NewBackendRegistry(nil, "")
	engine := NewEngine(reg, registry.NewModelResolver(reg), NewTaskStore(nil))

	_, errMsg := engine.Chat(context.Background(), Request{RawJSON: []byte(`{"model":"m"}`), Pathname: "/api/chat"})
	if errMsg == nil || errMsg.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without adapters, got %+v", errMsg)
	}
}

func TestEngine_ProxyForwardsExchange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/pull" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Request-Tag") != "proxy-test" {
			t.Fatalf("expected forwarded header, got %q", r.Header.Get("X-Request-Tag"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"name":"llama3.2"}` {
			t.Fatalf("unexpected body: %s", body)
		}
		w.Header().Set("X-Backend-Tag", "pull-ok")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"pulling manifest"}`))
	}))
	defer server.Close()

	adapter := &stubAdapter{framework: constant.Ollama, format: constant.FormatOllama, baseURL: server.URL}
	engine := newTestEngine(t, adapter)

	resp, errMsg := engine.Proxy(context.Background(), ProxyRequest{
		Method:  "post",
		Path:    "/api/pull",
		Headers: map[string]string{"X-Request-Tag": "proxy-test", "Host": "spoofed", "Content-Length": "999"},
		Body:    []byte(`{"name":"llama3.2"}`),
	})
	if errMsg != nil {
		t.Fatalf("unexpected proxy error: %v", errMsg.Error)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if resp.Headers["X-Backend-Tag"] != "pull-ok" {
		t.Fatalf("expected backend header forwarded, got %+v", resp.Headers)
	}
	if string(resp.Body) != `{"status":"pulling manifest"}` {
		t.Fatalf("unexpected body: %s", resp.Body)
	}

	if task := engine.Tasks().Recent(1)[0]; task.Flavor != FlavorProxy || task.Status != TaskCompleted {
		t.Fatalf("unexpected task record: %+v", task)
	}
}

func TestEngine_ProxyBackendUnreachable(t *testing.T) {
	adapter := &stubAdapter{framework: constant.Ollama, format: constant.FormatOllama, baseURL: "http://127.0.0.1:1"}
	engine := newTestEngine(t, adapter)

	_, errMsg := engine.Proxy(context.Background(), ProxyRequest{Path: "/api/tags"})
	if errMsg == nil || errMsg.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for unreachable backend, got %+v", errMsg)
	}
	if task := engine.Tasks().Recent(1)[0]; task.Status != TaskFailed {
		t.Fatalf("expected failed task, got %+v", task)
	}
}
