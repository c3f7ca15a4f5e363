// Package mesh carries outbound service calls made by actions through the
// platform's service mesh. Targets are logical service names resolved to
// base URLs at construction; calls are synchronous JSON-over-HTTP with a
// bearer token and a per-call timeout.
package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xraph/conduct/action"
)

// StatusError is returned for non-2xx responses. The response body is
// retained (truncated) for diagnostics.
type StatusError struct {
	Service    string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mesh: %s %s returned %d: %s", e.Service, e.Path, e.StatusCode, e.Body)
}

// maxErrorBody bounds how much of an error response body is kept.
const maxErrorBody = 2048

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the default per-call timeout. Zero means no default
// deadline beyond the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithAuthToken sets the bearer token attached to every call. Empty
// disables the header.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client resolves logical service names to base URLs and performs calls.
// It is safe for concurrent use.
type Client struct {
	targets   map[string]string
	authToken string
	timeout   time.Duration
	http      *http.Client
	logger    *slog.Logger
}

var _ action.ServiceInvoker = (*Client)(nil)

// New creates a Client over the given service → base URL map.
func New(targets map[string]string, opts ...Option) *Client {
	c := &Client{
		targets: make(map[string]string, len(targets)),
		timeout: 30 * time.Second,
		http:    &http.Client{},
		logger:  slog.Default(),
	}
	for name, base := range targets {
		c.targets[name] = strings.TrimRight(base, "/")
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke performs one service call. The verb defaults to GET without a
// body and POST with one. Non-2xx responses return a *StatusError; a 2xx
// JSON object body is decoded and returned, an empty body returns nil.
func (c *Client) Invoke(ctx context.Context, call action.ServiceCall) (map[string]any, error) {
	base, ok := c.targets[call.Service]
	if !ok {
		return nil, fmt.Errorf("mesh: unknown service %q", call.Service)
	}

	method := call.Method
	if method == "" {
		if call.Body == nil {
			method = http.MethodGet
		} else {
			method = http.MethodPost
		}
	}

	target, err := buildURL(base, call.Path, call.Query)
	if err != nil {
		return nil, fmt.Errorf("mesh: build url for %s %s: %w", call.Service, call.Path, err)
	}

	var body io.Reader
	if call.Body != nil {
		raw, marshalErr := json.Marshal(call.Body)
		if marshalErr != nil {
			return nil, fmt.Errorf("mesh: encode body for %s %s: %w", call.Service, call.Path, marshalErr)
		}
		body = bytes.NewReader(raw)
	}

	timeout := call.Timeout
	if timeout == 0 {
		timeout = c.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("mesh: build request for %s %s: %w", call.Service, call.Path, err)
	}
	req.Header.Set("Accept", "application/json")
	if call.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mesh: call %s %s: %w", call.Service, call.Path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("service call finished",
		slog.String("service", call.Service),
		slog.String("method", method),
		slog.String("path", call.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Service:    call.Service,
			Path:       call.Path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mesh: read response from %s %s: %w", call.Service, call.Path, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("mesh: decode response from %s %s: %w", call.Service, call.Path, err)
	}
	return out, nil
}

func buildURL(base, path string, query map[string]string) (string, error) {
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u, err := url.Parse(base + path)
	if err != nil {
		return "", err
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
