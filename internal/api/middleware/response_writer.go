package middleware

import (
	"bytes"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sight-ai/edge-node/internal/logging"
)

// RequestInfo holds the request snapshot the logger needs.
type RequestInfo struct {
	URL     string
	Method  string
	Headers map[string][]string
	Body    []byte
}

// ResponseWriterWrapper captures response data for logging. The client
// write always happens first; logging never delays or blocks it. Streamed
// responses (SSE and NDJSON) go through an async chunk channel that drops
// log chunks rather than stall the stream.
type ResponseWriterWrapper struct {
	gin.ResponseWriter
	body         *bytes.Buffer
	isStreaming  bool
	streamWriter logging.StreamingLogWriter
	chunkChannel chan []byte
	logger       logging.RequestLogger
	requestInfo  *RequestInfo
	statusCode   int
	headers      map[string][]string
}

// NewResponseWriterWrapper wraps a gin writer for capture.
func NewResponseWriterWrapper(w gin.ResponseWriter, logger logging.RequestLogger, requestInfo *RequestInfo) *ResponseWriterWrapper {
	return &ResponseWriterWrapper{
		ResponseWriter: w,
		body:           &bytes.Buffer{},
		logger:         logger,
		requestInfo:    requestInfo,
		headers:        make(map[string][]string),
	}
}

// Write forwards to the client first, then records a copy.
func (w *ResponseWriterWrapper) Write(data []byte) (int, error) {
	n, err := w.ResponseWriter.Write(data)

	if w.isStreaming {
		if w.chunkChannel != nil {
			select {
			case w.chunkChannel <- append([]byte(nil), data...):
			default:
			}
		}
	} else {
		w.body.Write(data)
	}

	return n, err
}

// WriteHeader captures the status code and switches to streaming capture
// when the response is framed as SSE or NDJSON.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode

	for key, values := range w.ResponseWriter.Header() {
		w.headers[key] = values
	}

	w.isStreaming = w.detectStreaming(w.ResponseWriter.Header().Get("Content-Type"))

	if w.isStreaming && w.logger.IsEnabled() {
		streamWriter, err := w.logger.LogStreamingRequest(
			w.requestInfo.URL,
			w.requestInfo.Method,
			w.requestInfo.Headers,
			w.requestInfo.Body,
		)
		if err == nil {
			w.streamWriter = streamWriter
			w.chunkChannel = make(chan []byte, 100)

			go w.processStreamingChunks()

			_ = streamWriter.WriteStatus(statusCode, w.headers)
		}
	}

	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *ResponseWriterWrapper) detectStreaming(contentType string) bool {
	if strings.Contains(contentType, "text/event-stream") {
		return true
	}
	if strings.Contains(contentType, "application/x-ndjson") {
		return true
	}
	return false
}

func (w *ResponseWriterWrapper) processStreamingChunks() {
	if w.streamWriter == nil || w.chunkChannel == nil {
		return
	}
	for chunk := range w.chunkChannel {
		w.streamWriter.WriteChunkAsync(chunk)
	}
}

// Finalize flushes the captured exchange to the logger.
func (w *ResponseWriterWrapper) Finalize() error {
	if !w.logger.IsEnabled() {
		return nil
	}

	if w.isStreaming {
		if w.chunkChannel != nil {
			close(w.chunkChannel)
			w.chunkChannel = nil
		}
		if w.streamWriter != nil {
			return w.streamWriter.Close()
		}
		return nil
	}

	finalStatusCode := w.statusCode
	if finalStatusCode == 0 {
		finalStatusCode = 200
	}

	finalHeaders := make(map[string][]string)
	for key, values := range w.ResponseWriter.Header() {
		finalHeaders[key] = values
	}
	for key, values := range w.headers {
		finalHeaders[key] = values
	}

	return w.logger.LogRequest(
		w.requestInfo.URL,
		w.requestInfo.Method,
		w.requestInfo.Headers,
		w.requestInfo.Body,
		finalStatusCode,
		finalHeaders,
		w.body.Bytes(),
	)
}

// Status returns the HTTP status code of the response.
func (w *ResponseWriterWrapper) Status() int {
	if w.statusCode == 0 {
		return 200
	}
	return w.statusCode
}

// Size returns the captured body size, -1 for streams.
func (w *ResponseWriterWrapper) Size() int {
	if w.isStreaming {
		return -1
	}
	return w.body.Len()
}

// Written reports whether a status code has been set.
func (w *ResponseWriterWrapper) Written() bool {
	return w.statusCode != 0
}
