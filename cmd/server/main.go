package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mama165/sdk-go/logs"

	"github.com/Tyrowin/tablesync/internal/server"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := server.LoadConfig()
	if err != nil {
		return exitConfig, err
	}

	logger := logs.GetLoggerFromString(cfg.LogLevel)
	logger.Info("Starting tablesync relay...", "port", cfg.Port, "idle_timeout", cfg.IdleTimeout, "session_grace", cfg.SessionGrace)

	relay := server.New(cfg, logger)
	relay.Start()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- relay.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	code := exitOK
	var runErr error
	select {
	case sig := <-quit:
		logger.Info("Shutting down relay...", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server stopped unexpectedly", "err", err)
			code, runErr = exitRuntime, err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := relay.Shutdown(ctx); err != nil {
		logger.Error("Shutdown did not complete cleanly", "err", err)
		return exitRuntime, err
	}

	logger.Info("Relay stopped")
	return code, runErr
}
