// Package server wires HTTP handlers into an echo router for the relay.
package server

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes builds the echo instance with every relay route: health check,
// WebSocket endpoint, stats, metrics, and the test page.
func SetupRoutes(r *Relay) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("err", v.Error.Error()))
			}
			r.logger.LogAttrs(context.Background(), slog.LevelDebug, "HTTP request", attrs...)
			return nil
		},
	}))

	e.GET("/", HealthHandler)
	e.GET("/ws", r.WebSocketHandler)
	e.GET("/stats", r.StatsHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(r.Metrics.Registry, promhttp.HandlerOpts{})))
	e.GET("/test", TestPageHandler)
	return e
}
