package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/sight-ai/edge-node/internal/client"
	"github.com/sight-ai/edge-node/internal/constant"
	"github.com/sight-ai/edge-node/internal/interfaces"
	"github.com/sight-ai/edge-node/internal/registry"
	"github.com/sight-ai/edge-node/internal/translator/translator"
	"github.com/sight-ai/edge-node/internal/usage"
)

// Request describes one inference invocation entering the engine. An empty
// TaskID mints a fresh one; tunnel dispatch supplies the gateway's. An empty
// SinkFormat derives the reply dialect from Pathname; tunnel dispatch sets
// it explicitly because remote invocations execute on the backend's
// canonical paths while answering in the gateway's dialect.
type Request struct {
	TaskID     string
	RawJSON    []byte
	Pathname   string
	Source     string
	SinkFormat string
}

// Engine executes inference requests against the current backend adapter,
// owning task lifecycle, stream normalization, and usage accounting.
type Engine struct {
	registry *registry.BackendRegistry
	resolver *registry.ModelResolver
	tasks    *TaskStore
	proxyCli *http.Client
}

// NewEngine constructs the engine over the routing registry, the model
// resolver, and the task store.
func NewEngine(reg *registry.BackendRegistry, resolver *registry.ModelResolver, tasks *TaskStore) *Engine {
	return &Engine{
		registry: reg,
		resolver: resolver,
		tasks:    tasks,
		proxyCli: &http.Client{Timeout: 30 * time.Second},
	}
}

// Tasks exposes the task store for the management surface.
func (e *Engine) Tasks() *TaskStore { return e.tasks }

// Chat executes a non-streaming chat request.
func (e *Engine) Chat(ctx context.Context, req Request) ([]byte, *interfaces.ErrorMessage) {
	return e.executeBody(ctx, req, FlavorChat)
}

// Completion executes a non-streaming text completion request.
func (e *Engine) Completion(ctx context.Context, req Request) ([]byte, *interfaces.ErrorMessage) {
	return e.executeBody(ctx, req, FlavorCompletion)
}

// Embeddings executes an embeddings request. Embeddings never stream.
func (e *Engine) Embeddings(ctx context.Context, req Request) ([]byte, *interfaces.ErrorMessage) {
	return e.executeBody(ctx, req, FlavorEmbeddings)
}

// ChatStream executes a streaming chat request, delivering chunks to the
// sink. A non-nil return means the stream failed before anything reached the
// sink and the caller still owns the response; otherwise the sink has been
// finalized with Done or Fail.
func (e *Engine) ChatStream(ctx context.Context, req Request, sink interfaces.StreamSink) *interfaces.ErrorMessage {
	return e.executeStream(ctx, req, FlavorChat, sink)
}

// CompletionStream executes a streaming text completion request.
func (e *Engine) CompletionStream(ctx context.Context, req Request, sink interfaces.StreamSink) *interfaces.ErrorMessage {
	return e.executeStream(ctx, req, FlavorCompletion, sink)
}

func (e *Engine) executeBody(ctx context.Context, req Request, flavor string) ([]byte, *interfaces.ErrorMessage) {
	adapter := e.registry.CurrentAdapter()
	if adapter == nil {
		return nil, &interfaces.ErrorMessage{StatusCode: http.StatusServiceUnavailable, Error: fmt.Errorf("no backend adapter available")}
	}
	backend := adapter.Framework()
	rawJSON, model := e.resolveModel(ctx, req.RawJSON)
	task := e.begin(req.TaskID, flavor, model, backend, req.Source)
	reporter := newUsageReporter(backend, model, task.ID, req.Source)

	var body []byte
	var errMsg *interfaces.ErrorMessage
	switch flavor {
	case FlavorCompletion:
		body, errMsg = adapter.Complete(ctx, rawJSON, req.Pathname)
	case FlavorEmbeddings:
		body, errMsg = adapter.GenerateEmbeddings(ctx, rawJSON, req.Pathname)
	default:
		body, errMsg = adapter.Chat(ctx, rawJSON, req.Pathname)
	}
	if errMsg != nil {
		e.fail(task, errMsg)
		return nil, errMsg
	}

	upstream := adapter.WireFormat(req.Pathname)
	if detail, ok := parseBodyUsage(upstream, body); ok {
		reporter.publish(ctx, detail)
	}
	if flavor != FlavorEmbeddings {
		sinkFormat := req.SinkFormat
		if sinkFormat == "" {
			sinkFormat = formatForPath(req.Pathname)
		}
		if translator.NeedConvert(upstream, sinkFormat, flavor) {
			body = []byte(translator.TranslateNonStream(upstream, sinkFormat, flavor, model, body))
		}
	}

	e.complete(task)
	return body, nil
}

func (e *Engine) executeStream(ctx context.Context, req Request, flavor string, sink interfaces.StreamSink) *interfaces.ErrorMessage {
	adapter := e.registry.CurrentAdapter()
	if adapter == nil {
		return &interfaces.ErrorMessage{StatusCode: http.StatusServiceUnavailable, Error: fmt.Errorf("no backend adapter available")}
	}
	backend := adapter.Framework()
	rawJSON, model := e.resolveModel(ctx, req.RawJSON)
	task := e.begin(req.TaskID, flavor, model, backend, req.Source)
	reporter := newUsageReporter(backend, model, task.ID, req.Source)

	var chunks <-chan []byte
	var errs <-chan *interfaces.ErrorMessage
	if flavor == FlavorCompletion {
		chunks, errs = adapter.CompleteStream(ctx, rawJSON, req.Pathname)
	} else {
		chunks, errs = adapter.ChatStream(ctx, rawJSON, req.Pathname)
	}

	upstream := adapter.WireFormat(req.Pathname)
	convert := translator.NeedConvert(upstream, sink.Format(), flavor)
	var param any
	var streamDetail usage.Detail
	haveDetail := false
	wrote := false

	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if d, haveUsage := parseStreamUsage(upstream, chunk); haveUsage {
				streamDetail, haveDetail = d, true
			}
			if convert {
				for _, out := range translator.TranslateStream(upstream, sink.Format(), flavor, model, chunk, &param) {
					if out == "" {
						continue
					}
					if err := sink.WriteChunk([]byte(out)); err != nil {
						return e.abortStream(task, err)
					}
					wrote = true
				}
			} else {
				if err := sink.WriteChunk(chunk); err != nil {
					return e.abortStream(task, err)
				}
				wrote = true
			}
		case errMsg, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if errMsg == nil {
				continue
			}
			e.fail(task, errMsg)
			if !wrote {
				return errMsg
			}
			sink.Fail(errMsg)
			return nil
		}
	}

	// An upstream that closed without a single frame still owes converted
	// callers a terminal chunk.
	if !wrote && convert {
		final, _ := sjson.Set(`{"done":true}`, "model", model)
		for _, out := range translator.TranslateStream(upstream, sink.Format(), flavor, model, []byte(final), &param) {
			if out == "" {
				continue
			}
			if err := sink.WriteChunk([]byte(out)); err != nil {
				return e.abortStream(task, err)
			}
		}
	}

	e.complete(task)
	sink.Done()
	if haveDetail {
		reporter.publish(ctx, streamDetail)
	}
	return nil
}

func (e *Engine) abortStream(task *Task, err error) *interfaces.ErrorMessage {
	errMsg := &interfaces.ErrorMessage{StatusCode: 499, Error: fmt.Errorf("stream consumer gone: %w", err)}
	e.fail(task, errMsg)
	return nil
}

// ProxyRequest carries an arbitrary HTTP request to forward to the current
// backend.
type ProxyRequest struct {
	TaskID  string
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
	Source  string
}

// ProxyResponse is the forwarded backend answer.
type ProxyResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Proxy forwards one HTTP exchange to the current backend without
// interpreting the payload.
func (e *Engine) Proxy(ctx context.Context, req ProxyRequest) (*ProxyResponse, *interfaces.ErrorMessage) {
	adapter := e.registry.CurrentAdapter()
	if adapter == nil {
		return nil, &interfaces.ErrorMessage{StatusCode: http.StatusServiceUnavailable, Error: fmt.Errorf("no backend adapter available")}
	}
	task := e.begin(req.TaskID, FlavorProxy, "", adapter.Framework(), req.Source)

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	target := adapter.BaseURL() + req.Path
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		errMsg := &interfaces.ErrorMessage{StatusCode: http.StatusBadRequest, Error: fmt.Errorf("build proxy request: %w", err)}
		e.fail(task, errMsg)
		return nil, errMsg
	}
	for key, value := range req.Headers {
		if strings.EqualFold(key, "host") || strings.EqualFold(key, "content-length") {
			continue
		}
		httpReq.Header.Set(key, value)
	}

	resp, err := e.proxyCli.Do(httpReq)
	if err != nil {
		errMsg := &interfaces.ErrorMessage{StatusCode: http.StatusServiceUnavailable, Error: fmt.Errorf("proxy to backend: %w", err)}
		e.fail(task, errMsg)
		return nil, errMsg
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		errMsg := &interfaces.ErrorMessage{StatusCode: http.StatusBadGateway, Error: fmt.Errorf("read proxy response: %w", err)}
		e.fail(task, errMsg)
		return nil, errMsg
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}
	e.complete(task)
	return &ProxyResponse{StatusCode: resp.StatusCode, Headers: headers, Body: body}, nil
}

// resolveModel substitutes the effective model into the payload when it
// differs from the requested one.
func (e *Engine) resolveModel(ctx context.Context, rawJSON []byte) ([]byte, string) {
	requested := gjson.GetBytes(rawJSON, "model").String()
	effective := e.resolver.EffectiveModel(ctx, requested)
	if effective != "" && effective != requested {
		if updated, err := sjson.SetBytes(rawJSON, "model", effective); err == nil {
			rawJSON = updated
		}
	}
	if effective == "" {
		effective = requested
	}
	return rawJSON, effective
}

func (e *Engine) begin(taskID, flavor, model, backend, source string) *Task {
	if taskID == "" {
		taskID = NewTaskID()
	}
	now := time.Now()
	task := &Task{
		ID:        taskID,
		Status:    TaskPending,
		Flavor:    flavor,
		Model:     model,
		Backend:   backend,
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.tasks.Put(task)
	task.Status = TaskRunning
	task.UpdatedAt = time.Now()
	e.tasks.Put(task)
	return task
}

func (e *Engine) complete(task *Task) {
	task.Status = TaskCompleted
	task.UpdatedAt = time.Now()
	e.tasks.Put(task)
}

func (e *Engine) fail(task *Task, errMsg *interfaces.ErrorMessage) {
	task.Status = TaskFailed
	if errMsg != nil && errMsg.Error != nil {
		task.Error = errMsg.Error.Error()
	}
	task.UpdatedAt = time.Now()
	e.tasks.Put(task)
	log.Debugf("runtime: task %s failed: %s", task.ID, task.Error)
}

// formatForPath maps a caller pathname onto the wire dialect the caller
// expects back.
func formatForPath(pathname string) string {
	if client.OpenAIStylePath(pathname) {
		return constant.FormatOpenAI
	}
	return constant.FormatOllama
}
