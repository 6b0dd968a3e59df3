// Package interfaces defines the unified contract implemented by every
// backend adapter, along with the shared error and streaming types that cross
// package boundaries. The adapter interface is the seam between the request
// dataplane (handlers, task engine, tunnel router) and the concrete backend
// wire protocols.
package interfaces

import (
	"context"
)

// ErrorMessage wraps an upstream failure together with the HTTP status code
// that should be surfaced to the caller.
type ErrorMessage struct {
	// StatusCode is the HTTP status to report (503 for unreachable backends,
	// otherwise the upstream status passed through).
	StatusCode int

	// Error is the underlying error, carrying the upstream body when one was read.
	Error error
}

// VersionInfo reports a backend's version string and identifier.
type VersionInfo struct {
	Version string `json:"version"`
	Backend string `json:"backend"`
}

// Adapter is the unified service facade implemented once per backend variant.
// Adapters hold no per-request state; every method is safe for concurrent use.
//
// Streaming methods return a chunk channel and an error channel. Both are
// closed by the producer when the stream ends. Chunks carry one wire frame
// each with transport framing stripped (no "data: " prefix, no trailing
// newline); the consumer applies its own framing.
type Adapter interface {
	// Framework returns the backend identifier. Immutable after construction.
	Framework() string

	// BaseURL returns the backend base URL with no trailing slash.
	BaseURL() string

	// HealthURL returns the absolute URL probed for readiness and health checks.
	HealthURL() string

	// WireFormat reports the wire dialect of the frames produced for a call
	// arriving on the given caller pathname. An empty pathname selects the
	// backend's canonical dialect.
	WireFormat(pathname string) string

	// Chat performs a non-streaming chat call and returns the raw response body.
	Chat(ctx context.Context, rawJSON []byte, pathname string) ([]byte, *ErrorMessage)

	// ChatStream performs a streaming chat call.
	ChatStream(ctx context.Context, rawJSON []byte, pathname string) (<-chan []byte, <-chan *ErrorMessage)

	// Complete performs a non-streaming text completion call.
	Complete(ctx context.Context, rawJSON []byte, pathname string) ([]byte, *ErrorMessage)

	// CompleteStream performs a streaming text completion call.
	CompleteStream(ctx context.Context, rawJSON []byte, pathname string) (<-chan []byte, <-chan *ErrorMessage)

	// CheckStatus probes the backend health endpoint. Failures are swallowed
	// and reported as false.
	CheckStatus(ctx context.Context) bool

	// ListModels returns the backend model inventory. Failures are swallowed
	// and reported as an empty list.
	ListModels(ctx context.Context) []ModelInfo

	// GetModelInfo returns the backend's raw detail document for one model.
	// A model absent from the inventory yields a 404 ErrorMessage.
	GetModelInfo(ctx context.Context, modelName string) ([]byte, *ErrorMessage)

	// GenerateEmbeddings produces embeddings for the request. The caller
	// pathname selects between the native and OpenAI request shapes.
	GenerateEmbeddings(ctx context.Context, rawJSON []byte, pathname string) ([]byte, *ErrorMessage)

	// GetVersion reports the backend version, "unknown" when unreachable.
	GetVersion(ctx context.Context) VersionInfo
}

// StreamSink receives ordered stream frames on behalf of one caller. The
// task engine writes every upstream frame through WriteChunk, then calls
// exactly one of Done or Fail.
type StreamSink interface {
	// Format is the wire dialect the sink expects (constant.FormatOllama or
	// constant.FormatOpenAI).
	Format() string

	// WriteChunk delivers one frame. A non-nil error tells the engine the
	// consumer is gone and the upstream should be torn down.
	WriteChunk(chunk []byte) error

	// Done marks a successful end of stream. SSE sinks emit their terminator here.
	Done()

	// Fail marks an unsuccessful end of stream.
	Fail(err *ErrorMessage)
}
