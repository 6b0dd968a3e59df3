package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/sight-ai/edge-node/internal/api/handlers"
	"github.com/sight-ai/edge-node/internal/api/handlers/management"
	"github.com/sight-ai/edge-node/internal/config"
	"github.com/sight-ai/edge-node/internal/constant"
	"github.com/sight-ai/edge-node/internal/interfaces"
	"github.com/sight-ai/edge-node/internal/registry"
	"github.com/sight-ai/edge-node/internal/runtime"
)

type fakeAdapter struct {
	framework string
	format    string
	models    []interfaces.ModelInfo
	body      []byte
	bodyErr   *interfaces.ErrorMessage
	frames    [][]byte
}

func (f *fakeAdapter) Framework() string        { return f.framework }
func (f *fakeAdapter) BaseURL() string          { return "http://127.0.0.1:1" }
func (f *fakeAdapter) HealthURL() string        { return "http://127.0.0.1:1/health" }
func (f *fakeAdapter) WireFormat(string) string { return f.format }

func (f *fakeAdapter) Chat(context.Context, []byte, string) ([]byte, *interfaces.ErrorMessage) {
	return f.body, f.bodyErr
}

func (f *fakeAdapter) Complete(context.Context, []byte, string) ([]byte, *interfaces.ErrorMessage) {
	return f.body, f.bodyErr
}

func (f *fakeAdapter) GenerateEmbeddings(context.Context, []byte, string) ([]byte, *interfaces.ErrorMessage) {
	return f.body, f.bodyErr
}

func (f *fakeAdapter) ChatStream(context.Context, []byte, string) (<-chan []byte, <-chan *interfaces.ErrorMessage) {
	return f.produce()
}

func (f *fakeAdapter) CompleteStream(context.Context, []byte, string) (<-chan []byte, <-chan *interfaces.ErrorMessage) {
	return f.produce()
}

func (f *fakeAdapter) produce() (<-chan []byte, <-chan *interfaces.ErrorMessage) {
	data := make(chan []byte)
	errs := make(chan *interfaces.ErrorMessage, 1)
	go func() {
		defer close(data)
		defer close(errs)
		for _, frame := range f.frames {
			data <- frame
		}
	}()
	return data, errs
}

func (f *fakeAdapter) CheckStatus(context.Context) bool { return true }

func (f *fakeAdapter) ListModels(context.Context) []interfaces.ModelInfo { return f.models }

func (f *fakeAdapter) GetModelInfo(context.Context, string) ([]byte, *interfaces.ErrorMessage) {
	return []byte(`{"details":{"family":"llama"}}`), nil
}

func (f *fakeAdapter) GetVersion(context.Context) interfaces.VersionInfo {
	return interfaces.VersionInfo{Version: "0.5.4", Backend: f.framework}
}

func nativeAdapter() *fakeAdapter {
	return &fakeAdapter{
		framework: constant.Ollama,
		format:    constant.FormatOllama,
		models:    []interfaces.ModelInfo{{Name: "llama3.2:latest", ModifiedAt: "2024-01-15T10:30:00Z"}},
		body:      []byte(`{"model":"llama3.2:latest","message":{"role":"assistant","content":"Hi"},"done":true}`),
	}
}

func newTestServer(t *testing.T, adapter *fakeAdapter, managementKey string) *Server {
	t.Helper()
	reg := registry.NewBackendRegistry(nil, "")
	reg.Register(adapter.framework, adapter, registry.PriorityNative)
	resolver := registry.NewModelResolver(reg)
	engine := runtime.NewEngine(reg, resolver, runtime.NewTaskStore(nil))
	base := handlers.NewBaseHandler(engine, reg, resolver)

	var mgmt *management.Handler
	if managementKey != "" {
		mgmt = management.NewHandler(managementKey, reg, nil, nil, engine.Tasks(), nil)
	}
	cfg := &config.Config{Port: 18716, ManagementKey: managementKey}
	return NewServer(cfg, base, mgmt)
}

func doRequest(s *Server, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	s.engine.ServeHTTP(w, req)
	return w
}

func TestServer_Healthz(t *testing.T) {
	server := newTestServer(t, nativeAdapter(), "")

	w := doRequest(server, http.MethodGet, "/healthz", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Backend string `json:"backend"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" || body.Backend != constant.Ollama {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestServer_NativeChatDefaultsToStream(t *testing.T) {
	adapter := nativeAdapter()
	adapter.frames = [][]byte{
		[]byte(`{"message":{"role":"assistant","content":"Hel"},"done":false}`),
		[]byte(`{"done":true}`),
	}
	server := newTestServer(t, adapter, "")

	w := doRequest(server, http.MethodPost, "/api/chat",
		[]byte(`{"model":"llama3.2:latest","messages":[{"role":"user","content":"hi"}]}`), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("expected NDJSON content type, got %q", ct)
	}
	want := string(adapter.frames[0]) + "\n" + string(adapter.frames[1]) + "\n"
	if w.Body.String() != want {
		t.Fatalf("unexpected stream body: %q", w.Body.String())
	}
}

func TestServer_NativeChatNonStream(t *testing.T) {
	adapter := nativeAdapter()
	server := newTestServer(t, adapter, "")

	w := doRequest(server, http.MethodPost, "/api/chat",
		[]byte(`{"model":"llama3.2:latest","stream":false,"messages":[]}`), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != string(adapter.body) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestServer_NativeChatBackendError(t *testing.T) {
	adapter := nativeAdapter()
	adapter.bodyErr = &interfaces.ErrorMessage{StatusCode: 503, Error: errors.New("backend down")}
	server := newTestServer(t, adapter, "")

	w := doRequest(server, http.MethodPost, "/api/chat",
		[]byte(`{"model":"llama3.2:latest","stream":false,"messages":[]}`), nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var body handlers.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Type != "server_error" || body.Error.Message != "backend down" {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestServer_OpenAIChatStreamsSSE(t *testing.T) {
	adapter := &fakeAdapter{
		framework: constant.VLLM,
		format:    constant.FormatOpenAI,
		models:    []interfaces.ModelInfo{{Name: "llama3.2:latest"}},
		frames: [][]byte{
			[]byte(`{"id":"chatcmpl-1","choices":[{"delta":{"content":"Hel"}}]}`),
			[]byte(`{"id":"chatcmpl-1","choices":[{"delta":{"content":"lo"}}]}`),
		},
	}
	server := newTestServer(t, adapter, "")

	w := doRequest(server, http.MethodPost, "/v1/chat/completions",
		[]byte(`{"model":"llama3.2:latest","stream":true,"messages":[{"role":"user","content":"hi"}]}`), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", ct)
	}
	body := w.Body.String()
	for _, frame := range adapter.frames {
		if !strings.Contains(body, "data: "+string(frame)+"\n\n") {
			t.Fatalf("missing frame in SSE body: %q", body)
		}
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("expected [DONE] trailer, got %q", body)
	}
}

func TestServer_OpenAIChatNonStreamByDefault(t *testing.T) {
	adapter := &fakeAdapter{
		framework: constant.VLLM,
		format:    constant.FormatOpenAI,
		models:    []interfaces.ModelInfo{{Name: "llama3.2:latest"}},
		body:      []byte(`{"id":"chatcmpl-1","object":"chat.completion"}`),
	}
	server := newTestServer(t, adapter, "")

	w := doRequest(server, http.MethodPost, "/v1/chat/completions",
		[]byte(`{"model":"llama3.2:latest","messages":[]}`), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != string(adapter.body) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestServer_OpenAIModels(t *testing.T) {
	server := newTestServer(t, nativeAdapter(), "")

	w := doRequest(server, http.MethodGet, "/v1/models", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Object string           `json:"object"`
		Data   []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Object != "list" || len(body.Data) != 1 {
		t.Fatalf("unexpected model list: %+v", body)
	}
	entry := body.Data[0]
	if entry["id"] != "llama3.2:latest" || entry["owned_by"] != constant.Ollama {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if _, ok := entry["created"]; !ok {
		t.Fatalf("expected created timestamp, got %+v", entry)
	}
}

func TestServer_NativeTags(t *testing.T) {
	server := newTestServer(t, nativeAdapter(), "")

	w := doRequest(server, http.MethodGet, "/api/tags", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Models []interfaces.ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Models) != 1 || body.Models[0].Name != "llama3.2:latest" {
		t.Fatalf("unexpected inventory: %+v", body)
	}
}

func TestServer_NativeVersion(t *testing.T) {
	server := newTestServer(t, nativeAdapter(), "")

	w := doRequest(server, http.MethodGet, "/api/version", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"version":"0.5.4"`) {
		t.Fatalf("unexpected version body: %s", w.Body.String())
	}
}

func TestServer_NativeShow(t *testing.T) {
	server := newTestServer(t, nativeAdapter(), "")

	w := doRequest(server, http.MethodPost, "/api/show", []byte(`{"model":"llama3.2:latest"}`), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"family":"llama"`) {
		t.Fatalf("unexpected show body: %s", w.Body.String())
	}

	w = doRequest(server, http.MethodPost, "/api/show", []byte(`{}`), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a model name, got %d", w.Code)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	server := newTestServer(t, nativeAdapter(), "")

	w := doRequest(server, http.MethodOptions, "/api/chat", nil, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS headers, got %+v", w.Header())
	}
}

func TestServer_ManagementAuth(t *testing.T) {
	server := newTestServer(t, nativeAdapter(), "secret-key")

	w := doRequest(server, http.MethodGet, "/v0/management/tunnel", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", w.Code)
	}

	w = doRequest(server, http.MethodGet, "/v0/management/tunnel", nil, map[string]string{"X-Management-Key": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", w.Code)
	}

	w = doRequest(server, http.MethodGet, "/v0/management/tunnel", nil, map[string]string{"X-Management-Key": "secret-key"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with header key, got %d", w.Code)
	}

	w = doRequest(server, http.MethodGet, "/v0/management/tunnel", nil, map[string]string{"Authorization": "Bearer secret-key"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer key, got %d", w.Code)
	}
}

func TestServer_ManagementBcryptKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("generate hash: %v", err)
	}
	server := newTestServer(t, nativeAdapter(), string(hash))

	w := doRequest(server, http.MethodGet, "/v0/management/tunnel", nil, map[string]string{"X-Management-Key": "hunter2"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with matching password, got %d", w.Code)
	}

	w = doRequest(server, http.MethodGet, "/v0/management/tunnel", nil, map[string]string{"X-Management-Key": "nope"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong password, got %d", w.Code)
	}
}

func TestServer_ManagementHiddenWithoutKey(t *testing.T) {
	server := newTestServer(t, nativeAdapter(), "")

	w := doRequest(server, http.MethodGet, "/v0/management/backends", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when no key is configured, got %d", w.Code)
	}
}

func TestServer_ManagementSwitchValidation(t *testing.T) {
	server := newTestServer(t, nativeAdapter(), "secret-key")
	auth := map[string]string{"X-Management-Key": "secret-key"}

	w := doRequest(server, http.MethodPost, "/v0/management/backends/switch", []byte(`{}`), auth)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", w.Code)
	}

	w = doRequest(server, http.MethodPost, "/v0/management/backends/switch", []byte(`{"backend":"mlx"}`), auth)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unregistered backend, got %d", w.Code)
	}

	w = doRequest(server, http.MethodPost, "/v0/management/backends/switch",
		[]byte(`{"backend":"ollama","validateAvailability":false}`), auth)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for registered backend, got %d: %s", w.Code, w.Body.String())
	}
}

func TestServer_ManagementTasks(t *testing.T) {
	server := newTestServer(t, nativeAdapter(), "secret-key")
	auth := map[string]string{"X-Management-Key": "secret-key"}

	w := doRequest(server, http.MethodGet, "/v0/management/tasks", nil, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Tasks []json.RawMessage `json:"tasks"`
		Count int               `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Count != 0 || body.Tasks == nil {
		t.Fatalf("expected empty task list, got %s", w.Body.String())
	}

	w = doRequest(server, http.MethodGet, "/v0/management/tasks/missing", nil, auth)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", w.Code)
	}

	w = doRequest(server, http.MethodGet, "/v0/management/tasks?limit=bogus", nil, auth)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestServer_ManagementNilSubsystems(t *testing.T) {
	server := newTestServer(t, nativeAdapter(), "secret-key")
	auth := map[string]string{"X-Management-Key": "secret-key"}

	w := doRequest(server, http.MethodGet, "/v0/management/tunnel", nil, auth)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"enabled":false`) {
		t.Fatalf("expected disabled tunnel status, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(server, http.MethodGet, "/v0/management/usage", nil, auth)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"totals"`) {
		t.Fatalf("expected empty totals, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(server, http.MethodGet, "/v0/management/process", nil, auth)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"processes"`) {
		t.Fatalf("expected empty process list, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(server, http.MethodPost, "/v0/management/process/ollama/start", nil, auth)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a supervisor, got %d", w.Code)
	}
}
