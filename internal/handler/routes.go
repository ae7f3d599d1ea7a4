package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nepassist-proxy-go/internal/config"
	"nepassist-proxy-go/internal/metrics"
	"nepassist-proxy-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, relay *RelayHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	noStore := middleware.NoStore()
	e.POST("/nepa-proxy", relay.NepaProxy, noStore)
	e.POST("/geometry-buffer-proxy", relay.GeometryBuffer, noStore)
	if !cfg.Diag.Disabled {
		e.GET("/diag/probe", relay.Probe, noStore)
	}

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	// The browser front end; "/" serves index.html from the static dir.
	e.Static("/", cfg.Server.StaticDir)
}
