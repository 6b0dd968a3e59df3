// Package middleware provides HTTP middleware for the edge inference node's
// API server. It contains the request logging middleware and the response
// writer wrapper that captures response data without delaying the client.
package middleware

import (
	"bytes"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/sight-ai/edge-node/internal/logging"
)

// RequestLogging captures request and response dumps through the given
// logger. Disabled loggers short-circuit with no overhead.
func RequestLogging(logger logging.RequestLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !logger.IsEnabled() {
			c.Next()
			return
		}

		requestInfo, err := captureRequestInfo(c)
		if err != nil {
			c.Next()
			return
		}

		wrapper := NewResponseWriterWrapper(c.Writer, logger, requestInfo)
		c.Writer = wrapper

		c.Next()

		_ = wrapper.Finalize()
	}
}

// captureRequestInfo snapshots the URL, method, headers, and body. The body
// is restored so downstream handlers can read it again.
func captureRequestInfo(c *gin.Context) (*RequestInfo, error) {
	url := c.Request.URL.Path
	if url == "" {
		url = c.Request.URL.String()
	} else if c.Request.URL.RawQuery != "" {
		url += "?" + c.Request.URL.RawQuery
	}

	headers := make(map[string][]string, len(c.Request.Header))
	for key, values := range c.Request.Header {
		headers[key] = values
	}

	var body []byte
	if c.Request.Body != nil {
		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, err
		}
		c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		body = bodyBytes
	}

	return &RequestInfo{
		URL:     url,
		Method:  c.Request.Method,
		Headers: headers,
		Body:    body,
	}, nil
}
