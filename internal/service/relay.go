// Package service implements the NEPAssist relay operations.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode/utf8"

	"nepassist-proxy-go/internal/client"
	"nepassist-proxy-go/internal/config"
	"nepassist-proxy-go/internal/metrics"
	"nepassist-proxy-go/internal/model"
)

const (
	// bufferUnits is fixed; the front end always sends distances in miles.
	bufferUnits = "miles"
	// logSnippetChars bounds upstream bodies copied into log lines.
	logSnippetChars = 400
	// probeSnippetChars is the body prefix returned by Probe.
	probeSnippetChars = 200
)

// RelayService translates buffer requests into NEPAssist calls.
type RelayService struct {
	client    *client.NepassistClient
	brokerURL *url.URL
	arcgisURL string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewRelayService creates a RelayService. The metrics parameter is optional.
func NewRelayService(c *client.NepassistClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*RelayService, error) {
	u, err := url.Parse(cfg.Upstream.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream broker_url: %w", err)
	}
	if _, err := url.Parse(cfg.Upstream.ArcGISBufferURL); err != nil {
		return nil, fmt.Errorf("parse upstream arcgis_buffer_url: %w", err)
	}

	return &RelayService{
		client:    c,
		brokerURL: u,
		arcgisURL: cfg.Upstream.ArcGISBufferURL,
		logger:    logger.With("component", "relay_service"),
		metrics:   m,
	}, nil
}

// BrokerURL builds the query-style broker URL for req. Parameters keep the
// broker's documented order and every value is percent-encoded.
func (s *RelayService) BrokerURL(req *model.BufferRequest) string {
	params := [][2]string{
		{"ptitle", ""},
		{"coords", req.Coords.Normalize()},
		{"type", req.Type.String()},
		{"newBufferDistance", req.BufferSize.String()},
		{"newBufferUnits", bufferUnits},
		{"f", "pjson"},
	}

	var b strings.Builder
	if s.brokerURL.RawQuery != "" {
		b.WriteString(s.brokerURL.RawQuery)
		b.WriteByte('&')
	}
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(escapeComponent(p[1]))
	}

	u := *s.brokerURL
	u.RawQuery = b.String()
	return u.String()
}

// escapeComponent percent-encodes v for a query value, spaces as %20.
func escapeComponent(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}

// NepaProxy forwards req to the broker and returns its JSON answer with the
// upstream status. A non-2xx status yields *UpstreamError; a body that is not
// JSON yields ErrInvalidJSON.
func (s *RelayService) NepaProxy(ctx context.Context, req *model.BufferRequest) (*model.Reply, error) {
	target := s.BrokerURL(req)
	s.logger.Debug("nepa proxy request", "url", target)

	resp, err := s.client.Get(ctx, metrics.EndpointBroker, target)
	if err != nil {
		return nil, fmt.Errorf("broker request: %w", err)
	}
	if !resp.OK() {
		s.logger.Error("nepa proxy upstream error",
			"status", resp.StatusCode,
			"body", snippet(resp.Body, logSnippetChars),
		)
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	if !json.Valid(resp.Body) {
		return nil, fmt.Errorf("broker response: %w", ErrInvalidJSON)
	}

	return &model.Reply{StatusCode: resp.StatusCode, JSON: true, Body: resp.Body}, nil
}

// GeometryBuffer posts rawBody unchanged to the ArcGIS buffer endpoint and,
// when that fails in any way, retries the same request against the broker.
// Failures of the ArcGIS stage are logged and never returned.
func (s *RelayService) GeometryBuffer(ctx context.Context, rawBody []byte, req *model.BufferRequest) (*model.Reply, error) {
	if reply, ok := s.arcgisBuffer(ctx, rawBody); ok {
		return reply, nil
	}
	return s.brokerBuffer(ctx, req)
}

// arcgisBuffer is the primary stage. ok is false when the caller should fall
// back to the broker.
func (s *RelayService) arcgisBuffer(ctx context.Context, rawBody []byte) (*model.Reply, bool) {
	if len(rawBody) == 0 {
		rawBody = []byte("{}")
	}
	s.logger.Debug("geometry buffer attempting arcgis post", "url", s.arcgisURL)

	resp, err := s.client.PostJSON(ctx, metrics.EndpointArcGIS, s.arcgisURL, rawBody)
	if err != nil {
		reason := metrics.FallbackTransport
		if errors.Is(err, client.ErrTimeout) {
			reason = metrics.FallbackTimeout
		}
		s.logger.Warn("arcgis buffer request failed; falling back to broker", "err", err)
		s.countFallback(reason)
		return nil, false
	}
	if !resp.OK() {
		s.logger.Warn("arcgis buffer returned non-OK; falling back to broker",
			"status", resp.StatusCode,
			"body", snippet(resp.Body, logSnippetChars),
		)
		s.countFallback(metrics.FallbackNonOK)
		return nil, false
	}

	if resp.IsJSON() {
		if json.Valid(resp.Body) {
			return &model.Reply{StatusCode: 200, JSON: true, Body: resp.Body}, true
		}
		s.logger.Warn("arcgis buffer declared JSON but body did not parse; returning raw text")
	}
	return &model.Reply{StatusCode: 200, Body: resp.Body}, true
}

// brokerBuffer is the fallback stage.
func (s *RelayService) brokerBuffer(ctx context.Context, req *model.BufferRequest) (*model.Reply, error) {
	target := s.BrokerURL(req)
	s.logger.Info("geometry buffer forwarding to broker", "url", target)

	resp, err := s.client.Get(ctx, metrics.EndpointBroker, target)
	if err != nil {
		s.logger.Error("geometry buffer broker request failed", "err", err)
		return nil, &FallbackError{Err: err, Cause: CauseMessage(err)}
	}
	if !resp.OK() {
		s.logger.Error("geometry buffer broker upstream error",
			"status", resp.StatusCode,
			"body", snippet(resp.Body, logSnippetChars),
		)
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	if json.Valid(resp.Body) {
		return &model.Reply{StatusCode: 200, JSON: true, Body: resp.Body}, nil
	}
	return &model.Reply{StatusCode: 200, Body: resp.Body}, nil
}

// Probe fetches target and reports what came back. No network call is made
// when target is empty.
func (s *RelayService) Probe(ctx context.Context, target string) (*model.ProbeReport, error) {
	if target == "" {
		return nil, ErrMissingTarget
	}
	s.logger.Info("diag probe", "target", target)

	resp, err := s.client.Get(ctx, metrics.EndpointProbe, target)
	if err != nil {
		return nil, err
	}

	return &model.ProbeReport{
		OK:          resp.OK(),
		Status:      resp.StatusCode,
		StatusText:  resp.StatusText,
		BodySnippet: snippet(resp.Body, probeSnippetChars),
	}, nil
}

func (s *RelayService) countFallback(reason string) {
	if s.metrics != nil {
		s.metrics.FallbacksTotal.WithLabelValues(reason).Inc()
	}
}

// snippet returns at most n characters from the start of b.
func snippet(b []byte, n int) string {
	if utf8.RuneCount(b) <= n {
		return string(b)
	}
	i := 0
	for k := 0; k < n; k++ {
		_, size := utf8.DecodeRune(b[i:])
		i += size
	}
	return string(b[:i])
}
