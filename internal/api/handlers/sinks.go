package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sight-ai/edge-node/internal/constant"
	"github.com/sight-ai/edge-node/internal/interfaces"
)

// SSESink streams OpenAI-dialect chunks to the caller as server-sent
// events. The engine owns the copy loop; the sink owns framing and flushes.
type SSESink struct {
	c       *gin.Context
	flusher http.Flusher
	wrote   bool
}

// NewSSESink prepares SSE framing on the response. Returns false when the
// underlying writer cannot flush.
func NewSSESink(c *gin.Context) (*SSESink, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	return &SSESink{c: c, flusher: flusher}, true
}

func (s *SSESink) Format() string { return constant.FormatOpenAI }

func (s *SSESink) WriteChunk(chunk []byte) error {
	if _, err := fmt.Fprintf(s.c.Writer, "data: %s\n\n", chunk); err != nil {
		return err
	}
	s.wrote = true
	s.flusher.Flush()
	return nil
}

func (s *SSESink) Done() {
	_, _ = fmt.Fprint(s.c.Writer, "data: [DONE]\n\n")
	s.flusher.Flush()
}

// Fail renders a structured error when nothing has been streamed yet. Once
// frames are out the headers are committed, so the stream just ends and the
// caller sees the missing [DONE].
func (s *SSESink) Fail(errMsg *interfaces.ErrorMessage) {
	if s.wrote {
		return
	}
	message := "stream failed"
	if errMsg.Error != nil {
		message = errMsg.Error.Error()
	}
	s.c.Writer.Header().Set("Content-Type", "application/json")
	s.c.JSON(errMsg.StatusCode, ErrorResponse{
		Error: ErrorDetail{
			Message: message,
			Type:    ErrorTypeForStatus(errMsg.StatusCode),
		},
	})
}

// NDJSONSink streams native-dialect frames to the caller one JSON document
// per line.
type NDJSONSink struct {
	c     *gin.Context
	wrote bool
}

// NewNDJSONSink prepares NDJSON framing on the response.
func NewNDJSONSink(c *gin.Context) *NDJSONSink {
	c.Header("Content-Type", "application/x-ndjson")
	return &NDJSONSink{c: c}
}

func (s *NDJSONSink) Format() string { return constant.FormatOllama }

func (s *NDJSONSink) WriteChunk(chunk []byte) error {
	if _, err := s.c.Writer.Write(append(chunk, '\n')); err != nil {
		return err
	}
	s.wrote = true
	if flusher, ok := s.c.Writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// Done is a no-op: the native stream's final frame carries done=true and
// the body simply ends.
func (s *NDJSONSink) Done() {}

func (s *NDJSONSink) Fail(errMsg *interfaces.ErrorMessage) {
	if s.wrote {
		return
	}
	message := "stream failed"
	if errMsg.Error != nil {
		message = errMsg.Error.Error()
	}
	s.c.Writer.Header().Set("Content-Type", "application/json")
	s.c.JSON(errMsg.StatusCode, ErrorResponse{
		Error: ErrorDetail{
			Message: message,
			Type:    ErrorTypeForStatus(errMsg.StatusCode),
		},
	})
}
