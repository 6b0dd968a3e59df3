package tunnel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sight-ai/edge-node/internal/config"
	"github.com/sight-ai/edge-node/internal/constant"
	"github.com/sight-ai/edge-node/internal/interfaces"
	"github.com/sight-ai/edge-node/internal/registry"
	"github.com/sight-ai/edge-node/internal/runtime"
	"github.com/sight-ai/edge-node/internal/usage"
)

// taskBinding tracks one in-flight remote invocation so it can be torn down
// when the link drops or the gateway re-issues the task id.
type taskBinding struct {
	cancel context.CancelFunc
}

// Router dispatches inbound tunnel messages. Control messages are answered
// inline on the read goroutine; invocations run in their own goroutine with
// a task-scoped context derived from the session, so a dropped link cancels
// every in-flight remote task.
type Router struct {
	conn     *Conn
	engine   *runtime.Engine
	registry *registry.BackendRegistry
	resolver *registry.ModelResolver
	identity *config.DeviceRegistration

	mu       sync.Mutex
	bindings map[string]*taskBinding
}

// NewRouter builds a router over the given connection and runtime.
func NewRouter(conn *Conn, engine *runtime.Engine, reg *registry.BackendRegistry, resolver *registry.ModelResolver, identity *config.DeviceRegistration) *Router {
	return &Router{
		conn:     conn,
		engine:   engine,
		registry: reg,
		resolver: resolver,
		identity: identity,
		bindings: make(map[string]*taskBinding),
	}
}

// Dispatch routes one inbound envelope. Unknown types never reach here
// (Decode drops them); malformed payloads are logged and dropped.
func (r *Router) Dispatch(ctx context.Context, envelope *Envelope) {
	switch envelope.Type {
	case TypePing:
		r.replyPing(envelope)
	case TypeContextPing:
		r.replyContextPing(envelope)
	case TypePong, TypeContextPong:
		log.Debugf("tunnel received %s", envelope.Type)
	case TypeDeviceRegisterResponse:
		r.handleRegisterResponse(envelope)
	case TypeDeviceModelResponse, TypeDeviceHeartbeatResp:
		log.Debugf("tunnel received %s", envelope.Type)
	case TypeChatRequestStream:
		r.handleInvokeStream(ctx, envelope, "/api/chat", TypeChatResponseStream, constant.FormatOpenAI, r.engine.ChatStream)
	case TypeChatRequestNoStream:
		r.handleInvokeBody(ctx, envelope, "/api/chat", TypeChatResponse, constant.FormatOpenAI, r.engine.Chat)
	case TypeComplRequestStream:
		r.handleInvokeStream(ctx, envelope, "/api/generate", TypeComplResponseStream, constant.FormatOpenAI, r.engine.CompletionStream)
	case TypeComplRequestNoStream:
		r.handleInvokeBody(ctx, envelope, "/api/generate", TypeComplResponse, constant.FormatOpenAI, r.engine.Completion)
	case TypeGenerateStream:
		r.handleInvokeStream(ctx, envelope, "/api/generate", TypeTaskStream, constant.FormatOllama, r.engine.CompletionStream)
	case TypeGenerateNoStream:
		r.handleInvokeBody(ctx, envelope, "/api/generate", TypeTaskResponse, constant.FormatOllama, r.engine.Completion)
	case TypeTaskRequest:
		r.handleTaskRequest(ctx, envelope)
	case TypeProxyRequest:
		r.handleProxyRequest(ctx, envelope)
	default:
		log.Warnf("tunnel has no handler for %s", envelope.Type)
	}
}

func (r *Router) replyPing(envelope *Envelope) {
	if err := r.conn.Send(TypePong, &PingPayload{Timestamp: time.Now().UnixMilli()}); err != nil {
		log.Warnf("tunnel pong failed: %v", err)
	}
}

func (r *Router) replyContextPing(envelope *Envelope) {
	var ping ContextPingPayload
	if err := decodePayload(envelope, &ping); err != nil {
		log.Warnf("tunnel dropped %s: %v", envelope.Type, err)
		return
	}
	reply := &ContextPingPayload{RequestID: ping.RequestID, Timestamp: time.Now().UnixMilli()}
	if err := r.conn.Send(TypeContextPong, reply); err != nil {
		log.Warnf("tunnel context-pong failed: %v", err)
	}
}

// bind registers a task cancel handle, tearing down any previous binding
// for the same id first.
func (r *Router) bind(taskID string, cancel context.CancelFunc) {
	r.mu.Lock()
	if prev, ok := r.bindings[taskID]; ok {
		prev.cancel()
	}
	r.bindings[taskID] = &taskBinding{cancel: cancel}
	r.mu.Unlock()
}

func (r *Router) unbind(taskID string) {
	r.mu.Lock()
	delete(r.bindings, taskID)
	r.mu.Unlock()
}

// CancelAll tears down every in-flight remote task. Called when the link
// drops so upstream backend streams stop within one chunk.
func (r *Router) CancelAll() {
	r.mu.Lock()
	for id, b := range r.bindings {
		b.cancel()
		delete(r.bindings, id)
	}
	r.mu.Unlock()
}

// InFlight reports the number of bound remote tasks.
func (r *Router) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}

type streamFn func(ctx context.Context, req runtime.Request, sink interfaces.StreamSink) *interfaces.ErrorMessage

type bodyFn func(ctx context.Context, req runtime.Request) ([]byte, *interfaces.ErrorMessage)

// handleInvokeStream runs a streaming invocation and answers with framed
// stream messages of responseType. The pathname selects the backend's
// canonical surface; format is the dialect the gateway expects back.
func (r *Router) handleInvokeStream(ctx context.Context, envelope *Envelope, pathname, responseType, format string, run streamFn) {
	var invoke InvokePayload
	if err := decodePayload(envelope, &invoke); err != nil {
		log.Warnf("tunnel dropped %s: %v", envelope.Type, err)
		return
	}
	if err := requireTaskID(envelope.Type, invoke.TaskID); err != nil {
		log.Warnf("tunnel dropped %s: %v", envelope.Type, err)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	r.bind(invoke.TaskID, cancel)
	go func() {
		defer cancel()
		defer r.unbind(invoke.TaskID)

		sink := newStreamSink(taskCtx, r.conn, invoke.TaskID, responseType, format)
		req := runtime.Request{
			TaskID:     invoke.TaskID,
			RawJSON:    invoke.Data,
			Pathname:   pathname,
			Source:     usage.SourceTunnel,
			SinkFormat: format,
		}
		if errMsg := run(taskCtx, req, sink); errMsg != nil {
			r.sendStreamError(invoke.TaskID, responseType, errMsg)
		}
	}()
}

// handleInvokeBody runs a non-streaming invocation and answers with a
// single response message of responseType in the given dialect.
func (r *Router) handleInvokeBody(ctx context.Context, envelope *Envelope, pathname, responseType, format string, run bodyFn) {
	var invoke InvokePayload
	if err := decodePayload(envelope, &invoke); err != nil {
		log.Warnf("tunnel dropped %s: %v", envelope.Type, err)
		return
	}
	if err := requireTaskID(envelope.Type, invoke.TaskID); err != nil {
		log.Warnf("tunnel dropped %s: %v", envelope.Type, err)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	r.bind(invoke.TaskID, cancel)
	go func() {
		defer cancel()
		defer r.unbind(invoke.TaskID)

		req := runtime.Request{
			TaskID:     invoke.TaskID,
			RawJSON:    invoke.Data,
			Pathname:   pathname,
			Source:     usage.SourceTunnel,
			SinkFormat: format,
		}
		data, errMsg := run(taskCtx, req)
		reply := &ResponsePayload{TaskID: invoke.TaskID}
		if errMsg != nil {
			reply.Error = errorBody(errMsg)
		} else {
			reply.Data = normalizeJSON(data)
		}
		if err := r.conn.SendBlocking(taskCtx, responseType, reply); err != nil {
			log.Warnf("tunnel %s for task %s failed: %v", responseType, invoke.TaskID, err)
		}
	}()
}

// handleTaskRequest dispatches the generic invocation form. Task types map
// onto native operations; responses always use task_response or
// task_stream.
func (r *Router) handleTaskRequest(ctx context.Context, envelope *Envelope) {
	var task TaskRequestPayload
	if err := decodePayload(envelope, &task); err != nil {
		log.Warnf("tunnel dropped %s: %v", envelope.Type, err)
		return
	}
	if err := requireTaskID(envelope.Type, task.TaskID); err != nil {
		log.Warnf("tunnel dropped %s: %v", envelope.Type, err)
		return
	}

	invoke := &Envelope{Type: envelope.Type, Payload: mustMarshal(&InvokePayload{
		TaskID: task.TaskID,
		Model:  task.Model,
		Data:   task.Data,
	})}

	switch task.TaskType {
	case "chat":
		if task.Stream {
			r.handleInvokeStream(ctx, invoke, "/api/chat", TypeTaskStream, constant.FormatOllama, r.engine.ChatStream)
		} else {
			r.handleInvokeBody(ctx, invoke, "/api/chat", TypeTaskResponse, constant.FormatOllama, r.engine.Chat)
		}
	case "generate", "completion":
		if task.Stream {
			r.handleInvokeStream(ctx, invoke, "/api/generate", TypeTaskStream, constant.FormatOllama, r.engine.CompletionStream)
		} else {
			r.handleInvokeBody(ctx, invoke, "/api/generate", TypeTaskResponse, constant.FormatOllama, r.engine.Completion)
		}
	case "embeddings":
		r.handleInvokeBody(ctx, invoke, "/api/embeddings", TypeTaskResponse, constant.FormatOllama, r.engine.Embeddings)
	case "proxy":
		proxy := &Envelope{Type: TypeProxyRequest, Payload: task.Data}
		r.handleProxyRequest(ctx, proxy)
	default:
		log.Warnf("tunnel dropped task_request with unknown taskType %q", task.TaskType)
		reply := &ResponsePayload{TaskID: task.TaskID, Error: &ErrorBody{Message: "unknown taskType " + task.TaskType, Code: 400}}
		if err := r.conn.Send(TypeTaskResponse, reply); err != nil {
			log.Warnf("tunnel task_response for task %s failed: %v", task.TaskID, err)
		}
	}
}

// handleProxyRequest forwards an arbitrary HTTP exchange to the current
// backend and answers with a task_response carrying the status, headers,
// and body.
func (r *Router) handleProxyRequest(ctx context.Context, envelope *Envelope) {
	var proxy ProxyRequestPayload
	if err := decodePayload(envelope, &proxy); err != nil {
		log.Warnf("tunnel dropped %s: %v", envelope.Type, err)
		return
	}
	if err := requireTaskID(envelope.Type, proxy.TaskID); err != nil {
		log.Warnf("tunnel dropped %s: %v", envelope.Type, err)
		return
	}
	if proxy.Path == "" {
		log.Warnf("tunnel dropped %s: missing path", envelope.Type)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	r.bind(proxy.TaskID, cancel)
	go func() {
		defer cancel()
		defer r.unbind(proxy.TaskID)

		resp, errMsg := r.engine.Proxy(taskCtx, runtime.ProxyRequest{
			TaskID:  proxy.TaskID,
			Method:  proxy.Method,
			Path:    proxy.Path,
			Headers: proxy.Headers,
			Body:    proxy.Body,
			Source:  usage.SourceTunnel,
		})
		reply := &ResponsePayload{TaskID: proxy.TaskID}
		if errMsg != nil {
			reply.Error = errorBody(errMsg)
		} else {
			reply.Data = mustMarshal(&ProxyResponseBody{
				StatusCode: resp.StatusCode,
				Headers:    resp.Headers,
				Body:       normalizeJSON(resp.Body),
			})
		}
		if err := r.conn.SendBlocking(taskCtx, TypeTaskResponse, reply); err != nil {
			log.Warnf("tunnel task_response for task %s failed: %v", proxy.TaskID, err)
		}
	}()
}

// sendStreamError reports a stream that failed before producing output.
func (r *Router) sendStreamError(taskID, responseType string, errMsg *interfaces.ErrorMessage) {
	frame := &StreamPayload{TaskID: taskID, Done: true, Error: errorBody(errMsg)}
	if err := r.conn.Send(responseType, frame); err != nil {
		log.Warnf("tunnel %s for task %s failed: %v", responseType, taskID, err)
	}
}

func errorBody(errMsg *interfaces.ErrorMessage) *ErrorBody {
	body := &ErrorBody{Message: "backend error", Code: errMsg.StatusCode}
	if errMsg.Error != nil {
		body.Message = errMsg.Error.Error()
	}
	return body
}

// normalizeJSON returns data untouched when it already is a JSON document,
// otherwise wraps it as a JSON string so it survives the envelope.
func normalizeJSON(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	if json.Valid(data) {
		return data
	}
	quoted, err := json.Marshal(string(data))
	if err != nil {
		return nil
	}
	return quoted
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		log.Errorf("tunnel marshal failed: %v", err)
		return nil
	}
	return data
}

// tunnelStreamSink bridges engine stream output onto the tunnel. Chunks use
// the blocking send path so a congested link pauses the upstream read loop
// instead of dropping frames.
type tunnelStreamSink struct {
	ctx          context.Context
	conn         *Conn
	taskID       string
	responseType string
	format       string
}

func newStreamSink(ctx context.Context, conn *Conn, taskID, responseType, format string) *tunnelStreamSink {
	return &tunnelStreamSink{ctx: ctx, conn: conn, taskID: taskID, responseType: responseType, format: format}
}

func (s *tunnelStreamSink) Format() string { return s.format }

func (s *tunnelStreamSink) WriteChunk(chunk []byte) error {
	frame := &StreamPayload{TaskID: s.taskID, Chunk: normalizeJSON(chunk)}
	return s.conn.SendBlocking(s.ctx, s.responseType, frame)
}

func (s *tunnelStreamSink) Done() {
	frame := &StreamPayload{TaskID: s.taskID, Done: true}
	if err := s.conn.SendBlocking(s.ctx, s.responseType, frame); err != nil {
		log.Warnf("tunnel final %s for task %s failed: %v", s.responseType, s.taskID, err)
	}
}

func (s *tunnelStreamSink) Fail(errMsg *interfaces.ErrorMessage) {
	frame := &StreamPayload{TaskID: s.taskID, Done: true, Error: errorBody(errMsg)}
	if err := s.conn.SendBlocking(s.ctx, s.responseType, frame); err != nil {
		log.Warnf("tunnel error %s for task %s failed: %v", s.responseType, s.taskID, err)
	}
}
