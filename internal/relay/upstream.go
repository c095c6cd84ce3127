// Package relay streams model responses from the upstream provider to
// clients, intercepting tool calls along the way.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/relay-gateway/pkg/logger"
)

// UpstreamEvent is one server-sent event from the provider feed. A
// non-nil Err terminates the stream.
type UpstreamEvent struct {
	Type string
	Data json.RawMessage
	Err  error
}

// UpstreamClient opens streaming response requests against the provider.
type UpstreamClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *logger.Logger
}

// NewUpstreamClient creates a client for the provider's responses endpoint.
func NewUpstreamClient(baseURL, apiKey string, timeout time.Duration, log *logger.Logger) *UpstreamClient {
	return &UpstreamClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

const (
	connectAttempts   = 3
	connectRetryDelay = 250 * time.Millisecond
)

// Stream posts the payload to the responses endpoint and returns a
// channel of parsed events. The channel closes when the feed ends.
func (c *UpstreamClient) Stream(ctx context.Context, payload json.RawMessage) (<-chan UpstreamEvent, error) {
	resp, err := c.connect(ctx, payload)
	if err != nil {
		return nil, err
	}

	events := make(chan UpstreamEvent)
	go c.readEvents(resp.Body, events)
	return events, nil
}

// connect opens the streaming POST. Transport errors and 5xx responses
// are retried a bounded number of times; this covers the initial
// connection only, a stream that dies mid-feed is never reopened.
func (c *UpstreamClient) connect(ctx context.Context, payload json.RawMessage) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create upstream request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("upstream request failed: %w", err)
		} else if resp.StatusCode == http.StatusOK {
			return resp, nil
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(body))
			if resp.StatusCode < http.StatusInternalServerError {
				return nil, lastErr
			}
		}

		if attempt == connectAttempts {
			break
		}
		c.log.Warn("upstream connect failed, retrying",
			zap.Int("attempt", attempt), zap.Error(lastErr))
		select {
		case <-time.After(time.Duration(attempt) * connectRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *UpstreamClient) readEvents(body io.ReadCloser, events chan<- UpstreamEvent) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventType string
	var data bytes.Buffer

	flush := func() {
		if eventType == "" && data.Len() == 0 {
			return
		}
		raw := make(json.RawMessage, data.Len())
		copy(raw, data.Bytes())
		events <- UpstreamEvent{Type: eventType, Data: raw}
		eventType = ""
		data.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			chunk := strings.TrimPrefix(line, "data: ")
			if chunk == "[DONE]" {
				return
			}
			data.WriteString(chunk)
		case strings.HasPrefix(line, ":"):
			// Comment line, keep-alive.
		}
	}

	if err := scanner.Err(); err != nil {
		c.log.Warn("upstream stream read failed", zap.Error(err))
		events <- UpstreamEvent{Err: fmt.Errorf("upstream stream read failed: %w", err)}
	}
}
