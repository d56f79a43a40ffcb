// Package server constructs and starts the relay HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use; hijacked WebSocket
// connections are not subject to them.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer starts the HTTP server and begins listening for connections.
func StartServer(server *http.Server, logger *slog.Logger) error {
	logger.Info("Server listening", "addr", server.Addr)
	return server.ListenAndServe()
}

// ShutdownServer stops accepting new connections and waits for in-flight
// HTTP requests until ctx expires. Upgraded connections are closed by the
// registry, not here.
func ShutdownServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	logger.Info("Shutting down HTTP server...")

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "err", err)
		return err
	}

	logger.Info("HTTP server shutdown completed")
	return nil
}

func timeUntil(deadline time.Time) time.Duration {
	if d := time.Until(deadline); d > 0 {
		return d
	}
	return 0
}
