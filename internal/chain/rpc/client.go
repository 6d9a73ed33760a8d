package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emperorhan/pixelboard/internal/chain"
	"github.com/emperorhan/pixelboard/internal/chain/ratelimit"
	"github.com/emperorhan/pixelboard/internal/metrics"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 256
)

var _ chain.Client = (*Client)(nil)

// Client speaks Ethereum JSON-RPC over HTTP to a single endpoint.
type Client struct {
	url      string
	endpoint string
	http     *http.Client
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	nextID   atomic.Uint64
}

type ClientOption func(*Client)

// WithRateLimit paces calls to rps per second. rps <= 0 leaves calls unpaced.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = ratelimit.NewLimiter(rps, burst, c.endpoint)
		}
	}
}

func NewClient(rpcURL string, timeout time.Duration, logger *slog.Logger, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		url:      rpcURL,
		endpoint: EndpointName(rpcURL),
		http:     &http.Client{Timeout: timeout},
	}
	c.logger = logger.With("component", "rpc", "endpoint", c.endpoint)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EndpointName reduces an RPC URL to scheme://host so API keys carried in the
// path or query never reach logs or metric labels.
func EndpointName(rpcURL string) string {
	u, err := url.Parse(strings.TrimSpace(rpcURL))
	if err != nil || u.Host == "" {
		return "invalid-endpoint"
	}
	return u.Scheme + "://" + u.Host
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// call performs one JSON-RPC round trip and decodes the result into out.
// A JSON null result leaves out untouched.
func (c *Client) call(ctx context.Context, out any, method string, params ...any) (err error) {
	defer func() {
		status := CallStatus(err)
		metrics.RPCCallsTotal.WithLabelValues(c.endpoint, method, status).Inc()
		if err != nil {
			c.logger.Debug("rpc call failed", "method", method, "status", status, "error", err)
		}
	}()

	if c.limiter != nil {
		waited, err := c.limiter.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		if waited > 0 {
			c.logger.Debug("rpc call paced", "method", method, "waited", waited)
		}
	}

	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(request{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body := string(raw)
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody] + "..."
		}
		return &HTTPStatusError{StatusCode: resp.StatusCode, Body: body}
	}

	var decoded response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if out == nil || len(decoded.Result) == 0 || string(decoded.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// CallStatus is the metric status label for the outcome of a call.
func CallStatus(err error) string {
	if err == nil {
		return "ok"
	}
	var (
		rpcErr  *RPCError
		httpErr *HTTPStatusError
		netErr  net.Error
	)
	switch {
	case errors.As(err, &rpcErr):
		return "rpc_error"
	case errors.As(err, &httpErr):
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return "rate_limited"
		case httpErr.StatusCode >= 500:
			return "server_error"
		}
		return "client_error"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "network_error"
	}
	return "client_error"
}
