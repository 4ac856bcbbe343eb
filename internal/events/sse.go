package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// SSEOption configures an SSEFeed.
type SSEOption func(*SSEFeed)

// WithSSEHTTPClient sets a custom HTTP client.
func WithSSEHTTPClient(httpClient *http.Client) SSEOption {
	return func(f *SSEFeed) {
		f.httpClient = httpClient
	}
}

// WithSSEToken sets a bearer token sent when subscribing.
func WithSSEToken(token string) SSEOption {
	return func(f *SSEFeed) {
		f.token = token
	}
}

// WithSSELogger sets the logger used for reconnect reporting.
func WithSSELogger(logger *slog.Logger) SSEOption {
	return func(f *SSEFeed) {
		f.logger = logger
	}
}

// SSEFeed subscribes to a remote document store's event stream and
// resubscribes with capped exponential backoff whenever the stream drops.
// Delivery is at-least-once across reconnects; assembly runs tolerate
// replayed triggers because publishing is idempotent per trigger.
type SSEFeed struct {
	url        string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

var _ Feed = (*SSEFeed)(nil)

// NewSSEFeed creates a feed for the stream endpoint at url.
func NewSSEFeed(url string, opts ...SSEOption) *SSEFeed {
	f := &SSEFeed{
		url: url,
		// No client timeout: the stream is expected to stay open.
		httpClient:     &http.Client{},
		logger:         slog.Default(),
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// streamEnvelope is one frame on the wire.
type streamEnvelope struct {
	Type     string        `json:"type"`
	Document *TriggerEvent `json:"document,omitempty"`
}

// Run subscribes and delivers events until ctx is canceled. Stream errors
// are logged and retried, never returned.
func (f *SSEFeed) Run(ctx context.Context, handle Handler) error {
	backoff := f.initialBackoff
	for {
		delivered, err := f.stream(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered > 0 {
			backoff = f.initialBackoff
		}
		f.logger.Warn("event stream disconnected, reconnecting",
			"url", f.url,
			"delivered", delivered,
			"backoff", backoff.String(),
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.maxBackoff {
			backoff = f.maxBackoff
		}
	}
}

// stream runs one subscription and returns how many events it delivered.
func (f *SSEFeed) stream(ctx context.Context, handle Handler) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("subscribe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("subscribe failed (status %d): %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	// Large documents arrive as single data frames.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	delivered := 0
	for scanner.Scan() {
		line := scanner.Text()

		// Skip blank separators and heartbeat comments.
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var envelope streamEnvelope
		if err := json.Unmarshal([]byte(data), &envelope); err != nil {
			f.logger.Warn("skipping malformed stream frame", "error", err)
			continue
		}
		if envelope.Document == nil {
			continue
		}
		switch envelope.Type {
		case "document.created", "document.updated":
			handle(ctx, *envelope.Document)
			delivered++
		}
	}
	if err := scanner.Err(); err != nil {
		return delivered, fmt.Errorf("stream read failed: %w", err)
	}
	return delivered, fmt.Errorf("stream closed by server")
}
