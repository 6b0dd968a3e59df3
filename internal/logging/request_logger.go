// Package logging provides request logging functionality for the edge
// inference node. It captures detailed HTTP request and response data when
// enabled through configuration, supporting both one-shot and streaming
// responses.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

// RequestLogger defines the interface for logging HTTP requests and responses.
type RequestLogger interface {
	// LogRequest logs a complete non-streaming request/response cycle.
	LogRequest(url, method string, requestHeaders map[string][]string, body []byte, statusCode int, responseHeaders map[string][]string, response []byte) error

	// LogStreamingRequest initiates logging for a streaming request and returns a writer for chunks.
	LogStreamingRequest(url, method string, headers map[string][]string, body []byte) (StreamingLogWriter, error)

	// IsEnabled returns whether request logging is currently enabled.
	IsEnabled() bool
}

// StreamingLogWriter handles real-time logging of streaming response chunks.
type StreamingLogWriter interface {
	// WriteChunkAsync writes a response chunk asynchronously (non-blocking).
	WriteChunkAsync(chunk []byte)

	// WriteStatus writes the response status and headers to the log.
	WriteStatus(status int, headers map[string][]string) error

	// Close finalizes the log file and cleans up resources.
	Close() error
}

// FileRequestLogger implements RequestLogger using one file per request under logsDir.
type FileRequestLogger struct {
	enabled atomic.Bool
	logsDir string
}

// NewFileRequestLogger creates a new file-based request logger.
func NewFileRequestLogger(enabled bool, logsDir string) *FileRequestLogger {
	l := &FileRequestLogger{logsDir: logsDir}
	l.enabled.Store(enabled)
	return l
}

// IsEnabled returns whether request logging is currently enabled.
func (l *FileRequestLogger) IsEnabled() bool {
	return l.enabled.Load()
}

// SetEnabled toggles request logging at runtime. The config watcher calls
// this when the request-log flag changes.
func (l *FileRequestLogger) SetEnabled(enabled bool) {
	l.enabled.Store(enabled)
}

// LogRequest logs a complete non-streaming request/response cycle to a file.
func (l *FileRequestLogger) LogRequest(url, method string, requestHeaders map[string][]string, body []byte, statusCode int, responseHeaders map[string][]string, response []byte) error {
	if !l.IsEnabled() {
		return nil
	}
	if err := os.MkdirAll(l.logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	var content strings.Builder
	content.WriteString(formatRequestInfo(url, method, requestHeaders, body))
	content.WriteString("=== RESPONSE ===\n")
	content.WriteString(fmt.Sprintf("Status: %d\n", statusCode))
	writeHeaders(&content, responseHeaders)
	content.WriteString("\n")
	content.Write(response)
	content.WriteString("\n")

	filePath := filepath.Join(l.logsDir, generateFilename(url))
	if err := os.WriteFile(filePath, []byte(content.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write log file: %w", err)
	}
	return nil
}

// LogStreamingRequest initiates logging for a streaming request.
func (l *FileRequestLogger) LogStreamingRequest(url, method string, headers map[string][]string, body []byte) (StreamingLogWriter, error) {
	if !l.IsEnabled() {
		return &NoOpStreamingLogWriter{}, nil
	}
	if err := os.MkdirAll(l.logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	filePath := filepath.Join(l.logsDir, generateFilename(url))
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	if _, err = file.WriteString(formatRequestInfo(url, method, headers, body)); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to write request info: %w", err)
	}

	writer := &FileStreamingLogWriter{
		file:      file,
		chunkChan: make(chan []byte, 100),
		closeChan: make(chan struct{}),
	}
	go writer.asyncWriter()
	return writer, nil
}

var filenameUnsafe = regexp.MustCompile(`[<>:"|?*\s/]+`)

// generateFilename creates a sanitized filename from the URL path and current timestamp.
func generateFilename(url string) string {
	path := url
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	path = strings.Trim(filenameUnsafe.ReplaceAllString(path, "-"), "-")
	if path == "" {
		path = "root"
	}
	return fmt.Sprintf("%s-%d.log", path, time.Now().UnixNano())
}

func formatRequestInfo(url, method string, headers map[string][]string, body []byte) string {
	var content strings.Builder
	content.WriteString("=== REQUEST INFO ===\n")
	content.WriteString(fmt.Sprintf("URL: %s\n", url))
	content.WriteString(fmt.Sprintf("Method: %s\n", method))
	content.WriteString(fmt.Sprintf("Timestamp: %s\n", time.Now().Format(time.RFC3339Nano)))
	content.WriteString("\n=== HEADERS ===\n")
	writeHeaders(&content, headers)
	content.WriteString("\n=== REQUEST BODY ===\n")
	content.Write(body)
	content.WriteString("\n\n")
	return content.String()
}

func writeHeaders(content *strings.Builder, headers map[string][]string) {
	for key, values := range headers {
		for _, value := range values {
			content.WriteString(fmt.Sprintf("%s: %s\n", key, value))
		}
	}
}

// FileStreamingLogWriter implements StreamingLogWriter for file-based streaming logs.
type FileStreamingLogWriter struct {
	file          *os.File
	chunkChan     chan []byte
	closeChan     chan struct{}
	statusWritten bool
}

// WriteChunkAsync writes a response chunk asynchronously (non-blocking).
// Chunks are dropped rather than blocking the stream when the writer lags.
func (w *FileStreamingLogWriter) WriteChunkAsync(chunk []byte) {
	if w.chunkChan == nil {
		return
	}
	chunkCopy := make([]byte, len(chunk))
	copy(chunkCopy, chunk)

	select {
	case w.chunkChan <- chunkCopy:
	default:
	}
}

// WriteStatus writes the response status and headers to the log.
func (w *FileStreamingLogWriter) WriteStatus(status int, headers map[string][]string) error {
	if w.file == nil || w.statusWritten {
		return nil
	}

	var content strings.Builder
	content.WriteString("=== RESPONSE ===\n")
	content.WriteString(fmt.Sprintf("Status: %d\n", status))
	writeHeaders(&content, headers)
	content.WriteString("\n")

	_, err := w.file.WriteString(content.String())
	if err == nil {
		w.statusWritten = true
	}
	return err
}

// Close finalizes the log file and cleans up resources.
func (w *FileStreamingLogWriter) Close() error {
	if w.chunkChan != nil {
		close(w.chunkChan)
		<-w.closeChan
		w.chunkChan = nil
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func (w *FileStreamingLogWriter) asyncWriter() {
	defer close(w.closeChan)
	for chunk := range w.chunkChan {
		if w.file != nil {
			_, _ = w.file.Write(chunk)
		}
	}
}

// NoOpStreamingLogWriter is used when request logging is disabled.
type NoOpStreamingLogWriter struct{}

func (w *NoOpStreamingLogWriter) WriteChunkAsync(chunk []byte) {}
func (w *NoOpStreamingLogWriter) WriteStatus(status int, headers map[string][]string) error {
	return nil
}
func (w *NoOpStreamingLogWriter) Close() error { return nil }
