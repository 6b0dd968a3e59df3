// Package client implements the unified adapter contract against the two
// local inference backends. It provides the shared HTTP core (timeouts,
// retry with exponential backoff, streamed body pass-through) and one
// adapter per backend wire protocol.
package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sight-ai/edge-node/internal/config"
	"github.com/sight-ai/edge-node/internal/constant"
	"github.com/sight-ai/edge-node/internal/interfaces"
	"github.com/sight-ai/edge-node/internal/util"
)

const (
	// userAgent identifies the node on every backend request.
	userAgent = "sightai-edge-node/1.0"

	// defaultRequestTimeout bounds non-streaming backend calls.
	defaultRequestTimeout = 30 * time.Second

	// statusCheckTimeout bounds health and status probes.
	statusCheckTimeout = 5 * time.Second

	// probeTimeout bounds auxiliary probes (version, inventory refresh).
	probeTimeout = 3 * time.Second

	// defaultRetries is the attempt budget for retryable failures.
	defaultRetries = 3

	// streamScanBuffer is the maximum size of one stream frame.
	streamScanBuffer = 10 * 1024 * 1024
)

var (
	dataTag = []byte("data: ")
	doneTag = []byte("[DONE]")
)

// ClientBase provides the shared HTTP core for both backend adapters: one
// timeout-bound client for one-shot calls, one unbounded client for streams
// (cancellation comes from the request context), and the retry policy.
type ClientBase struct {
	framework   string
	baseURL     string
	httpClient  *http.Client
	streamCli   *http.Client
	retries     int
	backoffBase time.Duration
}

func newClientBase(framework, baseURL string, cfg *config.Config) ClientBase {
	timeout := defaultRequestTimeout
	retries := defaultRetries
	if cfg != nil {
		if cfg.Backends.RequestTimeout > 0 {
			timeout = time.Duration(cfg.Backends.RequestTimeout) * time.Millisecond
		}
		if cfg.Backends.RequestRetries > 0 {
			retries = cfg.Backends.RequestRetries
		}
	}

	httpClient := &http.Client{Timeout: timeout}
	streamCli := &http.Client{}
	if cfg != nil && cfg.ProxyURL != "" {
		util.SetProxy(cfg.ProxyURL, httpClient)
		util.SetProxy(cfg.ProxyURL, streamCli)
	}

	return ClientBase{
		framework:   framework,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		httpClient:  httpClient,
		streamCli:   streamCli,
		retries:     retries,
		backoffBase: time.Second,
	}
}

// Framework returns the backend identifier. Immutable after construction.
func (c *ClientBase) Framework() string {
	return c.framework
}

// BaseURL returns the backend base URL with no trailing slash.
func (c *ClientBase) BaseURL() string {
	return c.baseURL
}

type requestOptions struct {
	// timeout overrides the default per-attempt budget when non-zero.
	timeout time.Duration

	// noRetry disables the retry loop regardless of the failure class.
	noRetry bool
}

// doRequest performs a one-shot backend call. Retryable failures (connection
// refused, connection reset, timeout, 5xx) are retried up to the configured
// attempt budget with exponential backoff; 4xx responses are never retried.
func (c *ClientBase) doRequest(ctx context.Context, method, path string, body []byte, opts requestOptions) ([]byte, *interfaces.ErrorMessage) {
	attempts := c.retries
	if attempts < 1 || opts.noRetry {
		attempts = 1
	}

	var lastErr *interfaces.ErrorMessage
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase << (attempt - 1)
			log.Debugf("%s: retrying %s %s in %v (attempt %d/%d)", c.framework, method, path, backoff, attempt+1, attempts)
			select {
			case <-ctx.Done():
				return nil, &interfaces.ErrorMessage{StatusCode: 499, Error: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		data, errMsg, retryable := c.attempt(ctx, method, path, body, opts)
		if errMsg == nil {
			return data, nil
		}
		lastErr = errMsg
		if !retryable || ctx.Err() != nil {
			return nil, errMsg
		}
	}
	return nil, lastErr
}

func (c *ClientBase) attempt(ctx context.Context, method, path string, body []byte, opts requestOptions) ([]byte, *interfaces.ErrorMessage, bool) {
	timeout := opts.timeout
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := c.newRequest(reqCtx, method, path, body, false)
	if err != nil {
		return nil, &interfaces.ErrorMessage{StatusCode: 500, Error: err}, false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &interfaces.ErrorMessage{
			StatusCode: 503,
			Error:      fmt.Errorf("backend %s unreachable: %w", c.framework, err),
		}, isRetryableNetErr(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &interfaces.ErrorMessage{StatusCode: 502, Error: fmt.Errorf("read backend response: %w", err)}, true
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errMsg := &interfaces.ErrorMessage{
			StatusCode: resp.StatusCode,
			Error:      fmt.Errorf("backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(data)),
		}
		return nil, errMsg, resp.StatusCode >= 500
	}
	return data, nil, false
}

// openStream performs a streaming backend call. Retries are disabled here:
// resuming a stream mid-flight is unsafe. Frames are delivered with
// transport framing stripped; both channels close when the stream ends, and
// cancelling ctx tears down the connection.
func (c *ClientBase) openStream(ctx context.Context, method, path string, body []byte, format string) (<-chan []byte, <-chan *interfaces.ErrorMessage) {
	dataChan := make(chan []byte)
	errChan := make(chan *interfaces.ErrorMessage, 1)

	go func() {
		defer close(dataChan)
		defer close(errChan)

		req, err := c.newRequest(ctx, method, path, body, true)
		if err != nil {
			errChan <- &interfaces.ErrorMessage{StatusCode: 500, Error: err}
			return
		}

		resp, err := c.streamCli.Do(req)
		if err != nil {
			errChan <- &interfaces.ErrorMessage{
				StatusCode: 503,
				Error:      fmt.Errorf("backend %s unreachable: %w", c.framework, err),
			}
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			data, _ := io.ReadAll(resp.Body)
			errChan <- &interfaces.ErrorMessage{
				StatusCode: resp.StatusCode,
				Error:      fmt.Errorf("backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(data)),
			}
			return
		}

		// Close the body as soon as the caller goes away so the scanner
		// unblocks mid-read.
		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			select {
			case <-ctx.Done():
				_ = resp.Body.Close()
			case <-watchDone:
			}
		}()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 1024*1024), streamScanBuffer)
		for scanner.Scan() {
			line := scanner.Bytes()
			var frame []byte
			if format == constant.FormatOpenAI {
				if !bytes.HasPrefix(line, dataTag) {
					continue
				}
				frame = bytes.Clone(line[len(dataTag):])
				if bytes.Equal(bytes.TrimSpace(frame), doneTag) {
					return
				}
			} else {
				if len(bytes.TrimSpace(line)) == 0 {
					continue
				}
				frame = bytes.Clone(line)
			}
			select {
			case dataChan <- frame:
			case <-ctx.Done():
				return
			}
		}
		if err = scanner.Err(); err != nil && ctx.Err() == nil {
			errChan <- &interfaces.ErrorMessage{StatusCode: 502, Error: fmt.Errorf("read stream: %w", err)}
		}
	}()

	return dataChan, errChan
}

func (c *ClientBase) newRequest(ctx context.Context, method, path string, body []byte, stream bool) (*http.Request, error) {
	url := c.baseURL + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", userAgent)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}
	return req, nil
}

// isRetryableNetErr reports whether a transport-level failure is worth
// retrying: connection refused, connection reset, or a timeout. Context
// cancellation is not retryable.
func isRetryableNetErr(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// OpenAIStylePath reports whether the caller pathname selects the OpenAI
// wire dialect.
func OpenAIStylePath(pathname string) bool {
	return strings.Contains(pathname, "/v1/") || strings.Contains(pathname, "/openai/")
}

// normalizeModelName prepares a model name for existence comparison only.
// The original string is always what goes to the backend.
func normalizeModelName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
