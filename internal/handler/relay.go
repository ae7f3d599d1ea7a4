package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"nepassist-proxy-go/internal/client"
	"nepassist-proxy-go/internal/model"
	"nepassist-proxy-go/internal/service"
)

// RelayHandler serves the NEPAssist relay routes.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// NepaProxy relays a buffer request to the broker endpoint.
func (h *RelayHandler) NepaProxy(c echo.Context) error {
	_, req, err := readBufferRequest(c)
	if err != nil {
		return h.badRequest(c, err)
	}

	reply, err := h.service.NepaProxy(c.Request().Context(), req)
	if err != nil {
		return h.nepaError(c, err)
	}
	return writeReply(c, reply)
}

// GeometryBuffer relays a buffer request to the ArcGIS endpoint, falling
// back to the broker.
func (h *RelayHandler) GeometryBuffer(c echo.Context) error {
	raw, req, err := readBufferRequest(c)
	if err != nil {
		return h.badRequest(c, err)
	}
	h.logger.Debug("geometry buffer request", "body", string(raw))

	reply, err := h.service.GeometryBuffer(c.Request().Context(), raw, req)
	if err != nil {
		return h.geometryError(c, err)
	}
	return writeReply(c, reply)
}

// Probe fetches the target query parameter and reports the outcome.
func (h *RelayHandler) Probe(c echo.Context) error {
	target := c.QueryParam("target")

	report, err := h.service.Probe(c.Request().Context(), target)
	if err != nil {
		return h.probeError(c, target, err)
	}
	return c.JSON(http.StatusOK, report)
}

// readBufferRequest returns the raw body alongside its decoded form.
func readBufferRequest(c echo.Context) ([]byte, *model.BufferRequest, error) {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, nil, err
	}
	req, err := model.ParseBufferRequest(raw)
	if err != nil {
		return nil, nil, err
	}
	return raw, req, nil
}

func (h *RelayHandler) badRequest(c echo.Context, err error) error {
	// BodyLimit reports oversized bodies as an *echo.HTTPError.
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	h.logger.Warn("invalid buffer request", "err", err, "path", c.Request().URL.Path)
	return c.JSON(http.StatusBadRequest, map[string]string{
		"error":   "invalid JSON body",
		"details": err.Error(),
	})
}

func (h *RelayHandler) nepaError(c echo.Context, err error) error {
	h.logger.Error("nepa proxy error", "err", err, "timeout", errors.Is(err, client.ErrTimeout))

	var ue *service.UpstreamError
	if errors.As(err, &ue) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error":   ue.Error(),
			"details": ue.Body,
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": err.Error(),
		"stack": service.Trace(err),
	})
}

func (h *RelayHandler) geometryError(c echo.Context, err error) error {
	h.logger.Error("geometry buffer proxy error", "err", err, "timeout", errors.Is(err, client.ErrTimeout))

	var ue *service.UpstreamError
	if errors.As(err, &ue) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error":   ue.Error(),
			"details": ue.Body,
		})
	}

	var fe *service.FallbackError
	if errors.As(err, &fe) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error":   fe.Error(),
			"details": withTimeout(err, fe.Cause),
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": err.Error(),
	})
}

func (h *RelayHandler) probeError(c echo.Context, target string, err error) error {
	if errors.Is(err, service.ErrMissingTarget) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	}

	h.logger.Error("diag probe error", "target", target, "err", err)

	var cause any
	if msg, ok := service.NestedCause(err); ok {
		cause = withTimeout(err, msg)
	} else if errors.Is(err, client.ErrTimeout) {
		cause = client.ErrTimeout.Error()
	}

	return c.JSON(http.StatusBadGateway, map[string]any{
		"error": err.Error(),
		"cause": cause,
	})
}

// withTimeout prefixes msg with the timeout sentinel when err timed out.
// Timeouts share the transport failure status.
func withTimeout(err error, msg string) string {
	if !errors.Is(err, client.ErrTimeout) || strings.HasPrefix(msg, client.ErrTimeout.Error()) {
		return msg
	}
	return client.ErrTimeout.Error() + ": " + msg
}

// writeReply sends JSON replies as application/json and everything else as text.
func writeReply(c echo.Context, reply *model.Reply) error {
	if reply.JSON {
		return c.JSONBlob(reply.StatusCode, reply.Body)
	}
	return c.Blob(reply.StatusCode, echo.MIMETextPlainCharsetUTF8, reply.Body)
}
