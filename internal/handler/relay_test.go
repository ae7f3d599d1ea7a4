package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"nepassist-proxy-go/internal/client"
	"nepassist-proxy-go/internal/config"
	"nepassist-proxy-go/internal/service"
)

const unreachableURL = "http://127.0.0.1:1/unreachable"

func testConfig(arcgisURL, brokerURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{StaticDir: "public"},
		Upstream: config.UpstreamConfig{
			BrokerURL:       brokerURL,
			ArcGISBufferURL: arcgisURL,
			TimeoutSeconds:  5,
			IdleConnections: 10,
		},
	}
}

func newTestRelayHandler(t *testing.T, cfg *config.Config) *RelayHandler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := service.NewRelayService(client.NewNepassistClient(cfg, logger, nil), cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewRelayService: %v", err)
	}
	return NewRelayHandler(svc, logger)
}

// serve runs handler against a request and returns the recorder.
func serve(t *testing.T, handler echo.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	return rec
}

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestNepaProxy_Success(t *testing.T) {
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("coords") != "1,2,3,4" || q.Get("type") != "point" || q.Get("newBufferDistance") != "2" {
			t.Errorf("unexpected broker query %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(`{"rings":[[1,2]]}`))
	}))
	defer broker.Close()

	h := newTestRelayHandler(t, testConfig(unreachableURL, broker.URL))
	rec := serve(t, h.NepaProxy, postJSON("/nepa-proxy", `{"coords":[[1,2],[3,4]],"type":"point","bufferSize":2}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
		t.Errorf("Content-Type = %q, want JSON", ct)
	}
	if rec.Body.String() != `{"rings":[[1,2]]}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestNepaProxy_UpstreamNonOK(t *testing.T) {
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("broker exploded"))
	}))
	defer broker.Close()

	h := newTestRelayHandler(t, testConfig(unreachableURL, broker.URL))
	rec := serve(t, h.NepaProxy, postJSON("/nepa-proxy", `{}`))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	body := decodeBody(t, rec)
	if body["error"] != "Upstream error 500" {
		t.Errorf("error = %v, want %q", body["error"], "Upstream error 500")
	}
	if body["details"] != "broker exploded" {
		t.Errorf("details = %v, want %q", body["details"], "broker exploded")
	}
}

func TestNepaProxy_InvalidUpstreamJSON(t *testing.T) {
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer broker.Close()

	h := newTestRelayHandler(t, testConfig(unreachableURL, broker.URL))
	rec := serve(t, h.NepaProxy, postJSON("/nepa-proxy", `{}`))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	body := decodeBody(t, rec)
	if body["error"] == "" || body["stack"] == "" {
		t.Errorf("body = %v, want error and stack", body)
	}
}

func TestNepaProxy_TransportFailure(t *testing.T) {
	h := newTestRelayHandler(t, testConfig(unreachableURL, unreachableURL))
	rec := serve(t, h.NepaProxy, postJSON("/nepa-proxy", `{}`))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if s, _ := decodeBody(t, rec)["stack"].(string); s == "" {
		t.Error("expected a non-empty stack")
	}
}

func TestNepaProxy_BadRequestBody(t *testing.T) {
	h := newTestRelayHandler(t, testConfig(unreachableURL, unreachableURL))
	rec := serve(t, h.NepaProxy, postJSON("/nepa-proxy", `{"coords":`))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGeometryBuffer_FallsBackOnPrimary500(t *testing.T) {
	arcgis := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("primary error"))
	}))
	defer arcgis.Close()
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"source":"broker"}`))
	}))
	defer broker.Close()

	h := newTestRelayHandler(t, testConfig(arcgis.URL, broker.URL))
	rec := serve(t, h.GeometryBuffer, postJSON("/geometry-buffer-proxy", `{"coords":"1,2","type":"point","bufferSize":"1"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if strings.Contains(rec.Body.String(), "primary error") {
		t.Error("primary error leaked to the caller")
	}
	if rec.Body.String() != `{"source":"broker"}` {
		t.Errorf("body = %q, want broker body", rec.Body.String())
	}
}

func TestGeometryBuffer_RawText(t *testing.T) {
	arcgis := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("plain buffer"))
	}))
	defer arcgis.Close()

	h := newTestRelayHandler(t, testConfig(arcgis.URL, unreachableURL))
	rec := serve(t, h.GeometryBuffer, postJSON("/geometry-buffer-proxy", `{}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, echo.MIMETextPlain) {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if rec.Body.String() != "plain buffer" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "plain buffer")
	}
}

func TestGeometryBuffer_BothStagesUnreachable(t *testing.T) {
	h := newTestRelayHandler(t, testConfig(unreachableURL, unreachableURL))
	rec := serve(t, h.GeometryBuffer, postJSON("/geometry-buffer-proxy", `{}`))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	body := decodeBody(t, rec)
	if body["error"] != "Upstream network error" {
		t.Errorf("error = %v, want %q", body["error"], "Upstream network error")
	}
	if d, _ := body["details"].(string); d == "" {
		t.Error("expected non-empty details")
	}
}

func TestGeometryBuffer_BrokerNonOK(t *testing.T) {
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("no such layer"))
	}))
	defer broker.Close()

	h := newTestRelayHandler(t, testConfig(unreachableURL, broker.URL))
	rec := serve(t, h.GeometryBuffer, postJSON("/geometry-buffer-proxy", `{}`))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	body := decodeBody(t, rec)
	if body["error"] != "Upstream error 404" || body["details"] != "no such layer" {
		t.Errorf("body = %v", body)
	}
}

// slowServer holds every request until the caller gives up.
func slowServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// withDeadline attaches a short deadline to req so upstream calls time out.
func withDeadline(t *testing.T, req *http.Request) *http.Request {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	t.Cleanup(cancel)
	return req.WithContext(ctx)
}

func TestUpstreamTimeout_Status(t *testing.T) {
	slow := slowServer(t)
	h := newTestRelayHandler(t, testConfig(slow.URL, slow.URL))

	tests := []struct {
		name       string
		handler    echo.HandlerFunc
		req        *http.Request
		wantStatus int
		detailKey  string
	}{
		{
			name:       "nepa proxy",
			handler:    h.NepaProxy,
			req:        postJSON("/nepa-proxy", `{}`),
			wantStatus: http.StatusInternalServerError,
			detailKey:  "stack",
		},
		{
			name:       "geometry buffer",
			handler:    h.GeometryBuffer,
			req:        postJSON("/geometry-buffer-proxy", `{}`),
			wantStatus: http.StatusBadGateway,
			detailKey:  "details",
		},
		{
			name:       "diag",
			handler:    h.Probe,
			req:        httptest.NewRequest(http.MethodGet, "/diag/probe?target="+slow.URL, http.NoBody),
			wantStatus: http.StatusBadGateway,
			detailKey:  "cause",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, tt.handler, withDeadline(t, tt.req))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			body := decodeBody(t, rec)
			if e, _ := body["error"].(string); e == "" {
				t.Error("expected non-empty error")
			}
			if d, _ := body[tt.detailKey].(string); d == "" {
				t.Errorf("%s = %v, want a message", tt.detailKey, body[tt.detailKey])
			}
		})
	}
}

func TestGeometryBuffer_TimeoutDetails(t *testing.T) {
	slow := slowServer(t)
	h := newTestRelayHandler(t, testConfig(slow.URL, slow.URL))

	rec := serve(t, h.GeometryBuffer, withDeadline(t, postJSON("/geometry-buffer-proxy", `{}`)))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	body := decodeBody(t, rec)
	if body["error"] != "Upstream network error" {
		t.Errorf("error = %v, want %q", body["error"], "Upstream network error")
	}
	if d, _ := body["details"].(string); !strings.HasPrefix(d, client.ErrTimeout.Error()) {
		t.Errorf("details = %q, want prefix %q", d, client.ErrTimeout.Error())
	}
}

func TestProbe_TimeoutCause(t *testing.T) {
	slow := slowServer(t)
	h := newTestRelayHandler(t, testConfig(unreachableURL, unreachableURL))

	req := httptest.NewRequest(http.MethodGet, "/diag/probe?target="+slow.URL, http.NoBody)
	rec := serve(t, h.Probe, withDeadline(t, req))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if c, _ := decodeBody(t, rec)["cause"].(string); !strings.HasPrefix(c, client.ErrTimeout.Error()) {
		t.Errorf("cause = %q, want prefix %q", c, client.ErrTimeout.Error())
	}
}

func TestWithTimeout(t *testing.T) {
	timedOut := &client.TransportError{Method: "GET", URL: "http://x", Err: context.DeadlineExceeded, Timeout: true}
	refused := &client.TransportError{Method: "GET", URL: "http://x", Err: errors.New("connection refused")}

	tests := []struct {
		name string
		err  error
		msg  string
		want string
	}{
		{"timeout", timedOut, "context deadline exceeded", "upstream request timed out: context deadline exceeded"},
		{"already prefixed", timedOut, "upstream request timed out", "upstream request timed out"},
		{"not a timeout", refused, "connection refused", "connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := withTimeout(tt.err, tt.msg); got != tt.want {
				t.Errorf("withTimeout() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProbe_MissingTarget(t *testing.T) {
	h := newTestRelayHandler(t, testConfig(unreachableURL, unreachableURL))
	rec := serve(t, h.Probe, httptest.NewRequest(http.MethodGet, "/diag/probe", http.NoBody))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if body := decodeBody(t, rec); body["error"] != "missing target query param" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestProbe_Report(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello from target"))
	}))
	defer target.Close()

	h := newTestRelayHandler(t, testConfig(unreachableURL, unreachableURL))
	rec := serve(t, h.Probe, httptest.NewRequest(http.MethodGet, "/diag/probe?target="+target.URL, http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	if body["ok"] != true {
		t.Errorf("ok = %v, want true", body["ok"])
	}
	if body["status"] != float64(200) {
		t.Errorf("status = %v, want 200", body["status"])
	}
	if body["statusText"] != "OK" {
		t.Errorf("statusText = %v, want OK", body["statusText"])
	}
	if body["bodySnippet"] != "hello from target" {
		t.Errorf("bodySnippet = %v", body["bodySnippet"])
	}
}

func TestProbe_Unreachable(t *testing.T) {
	h := newTestRelayHandler(t, testConfig(unreachableURL, unreachableURL))
	rec := serve(t, h.Probe, httptest.NewRequest(http.MethodGet, "/diag/probe?target="+unreachableURL, http.NoBody))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	body := decodeBody(t, rec)
	if e, _ := body["error"].(string); e == "" {
		t.Error("expected non-empty error")
	}
	if c, _ := body["cause"].(string); c == "" {
		t.Errorf("cause = %v, want a message", body["cause"])
	}
}
