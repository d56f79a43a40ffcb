package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/samber/lo"
)

// Relay owns every relay component: the session store, presence tracker,
// router, connection registry, reaper, metrics, and the HTTP handler tree.
type Relay struct {
	cfg    Config
	logger *slog.Logger

	Store    *Store
	Presence *Presence
	Router   *Router
	Registry *Registry
	Reaper   *Reaper
	Metrics  *Metrics

	echo     *echo.Echo
	upgrader websocket.Upgrader
	validate *validator.Validate

	mu           sync.Mutex
	httpServer   *http.Server
	cancelReaper context.CancelFunc
	started      bool
}

// Stats is the body served by the stats endpoint.
type Stats struct {
	Sessions     int           `json:"sessions"`
	Participants int           `json:"participants"`
	Connections  int           `json:"connections"`
	Rooms        []SessionInfo `json:"rooms"`
}

// New builds a relay from cfg. Nothing runs until Start is called.
func New(cfg Config, logger *slog.Logger) *Relay {
	cfg = cfg.Sanitize()

	store := NewStore(nil)
	registry := NewRegistry(logger)
	metrics := NewMetrics(store, registry.Count)
	presence := NewPresence(store, cfg, logger, metrics)

	r := &Relay{
		cfg:      cfg,
		logger:   logger,
		Store:    store,
		Presence: presence,
		Router:   NewRouter(presence, logger, metrics),
		Registry: registry,
		Reaper:   NewReaper(store, presence, cfg, logger, metrics),
		Metrics:  metrics,
		validate: newConnectValidator(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.origins.checkOrigin(logger),
		},
	}
	r.echo = SetupRoutes(r)
	r.httpServer = CreateServer(cfg.Port, r.echo)
	return r
}

// Config returns the sanitized configuration the relay was built with.
func (r *Relay) Config() Config {
	return r.cfg
}

// Handler returns the HTTP handler serving every relay route.
func (r *Relay) Handler() http.Handler {
	return r.echo
}

// Start launches the registry loop and the reaper. It is idempotent.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	go r.Registry.Run()

	ctx, cancel := context.WithCancel(context.Background())
	r.cancelReaper = cancel
	go r.Reaper.Run(ctx)

	r.logger.Info("Relay started and ready to manage WebSocket connections")
}

// ListenAndServe serves the relay on the configured port and blocks until the
// server stops. It returns nil after a graceful shutdown.
func (r *Relay) ListenAndServe() error {
	r.mu.Lock()
	srv := r.httpServer
	r.mu.Unlock()

	if err := StartServer(srv, r.logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", r.cfg.Port, err)
	}
	return nil
}

// Shutdown stops accepting connections, stops the reaper, closes every open
// transport with a normal-closure code, and waits for connection goroutines.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	srv := r.httpServer
	cancelReaper := r.cancelReaper
	started := r.started
	r.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := ShutdownServer(ctx, srv, r.logger); err != nil {
			errs = append(errs, err)
		}
	}

	if !started {
		return errors.Join(errs...)
	}

	if cancelReaper != nil {
		cancelReaper()
		<-r.Reaper.Done()
	}

	timeout := r.cfg.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = timeUntil(deadline)
	}
	if err := r.Registry.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("registry shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// Stats returns a summary of sessions and connections.
func (r *Relay) Stats() Stats {
	rooms := lo.Map(r.Store.Sessions(), func(sess *Session, _ int) SessionInfo {
		return sess.Info()
	})
	return Stats{
		Sessions: len(rooms),
		Participants: lo.SumBy(rooms, func(info SessionInfo) int {
			return info.Participants
		}),
		Connections: r.Registry.Count(),
		Rooms:       rooms,
	}
}
