// Package client provides the upstream HTTP client for the NEPAssist API.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nepassist-proxy-go/internal/config"
	"nepassist-proxy-go/internal/metrics"
	"nepassist-proxy-go/internal/model"
)

const userAgent = "nepassist-proxy-go/1.0"

// ErrTimeout matches any upstream call that ran past its deadline.
var ErrTimeout = errors.New("upstream request timed out")

// ErrResponseTooLarge is returned when an upstream body exceeds the read cap.
var ErrResponseTooLarge = errors.New("upstream response too large")

// TransportError is returned when an upstream call produced no usable response.
type TransportError struct {
	Method  string
	URL     string
	Err     error
	Timeout bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTimeout) match timed out calls.
func (e *TransportError) Is(target error) bool {
	return target == ErrTimeout && e.Timeout
}

// NepassistClient sends requests to the NEPAssist endpoints.
type NepassistClient struct {
	httpClient   *http.Client
	maxBodyBytes int64
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewNepassistClient creates a NepassistClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewNepassistClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *NepassistClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	maxBody := cfg.Upstream.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 32 * 1024 * 1024
	}

	return &NepassistClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		maxBodyBytes: maxBody,
		logger:       logger.With("component", "nepassist_client"),
		metrics:      m,
	}
}

// Get issues a GET to rawURL. The endpoint names the upstream for metrics.
func (c *NepassistClient) Get(ctx context.Context, endpoint, rawURL string) (*model.UpstreamResponse, error) {
	return c.do(ctx, endpoint, http.MethodGet, rawURL, nil)
}

// PostJSON posts body to rawURL as application/json.
func (c *NepassistClient) PostJSON(ctx context.Context, endpoint, rawURL string, body []byte) (*model.UpstreamResponse, error) {
	return c.do(ctx, endpoint, http.MethodPost, rawURL, body)
}

func (c *NepassistClient) do(ctx context.Context, endpoint, method, rawURL string, body []byte) (*model.UpstreamResponse, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, &TransportError{Method: method, URL: rawURL, Err: fmt.Errorf("build upstream request: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("upstream request",
		"endpoint", endpoint,
		"method", method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(endpoint, method, start)
		return nil, c.transportError(endpoint, method, rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	c.observe(endpoint, method, start)
	if err != nil {
		return nil, c.transportError(endpoint, method, rawURL, fmt.Errorf("read upstream body: %w", err))
	}
	if int64(len(data)) > c.maxBodyBytes {
		return nil, c.transportError(endpoint, method, rawURL, ErrResponseTooLarge)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode:  resp.StatusCode,
		StatusText:  statusText(resp),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

func (c *NepassistClient) observe(endpoint, method string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(endpoint, metrics.NormalizeMethod(method)).Observe(time.Since(start).Seconds())
}

// transportError unwraps *url.Error so callers see the dial/DNS/TLS cause
// directly below the TransportError.
func (c *NepassistClient) transportError(endpoint, method, rawURL string, err error) error {
	te := &TransportError{Method: method, URL: rawURL, Err: err}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		te.Err = urlErr.Err
		te.Timeout = urlErr.Timeout()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		te.Timeout = true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		te.Timeout = true
	}

	if c.metrics != nil {
		kind := "transport"
		if te.Timeout {
			kind = "timeout"
		}
		c.metrics.UpstreamErrors.WithLabelValues(endpoint, kind).Inc()
	}
	return te
}

// statusText returns the reason phrase sent by the upstream, falling back to
// the standard text for the code.
func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}
