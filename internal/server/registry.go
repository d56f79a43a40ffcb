// Package server tracks live connections via the Registry: registration
// starts a client's pumps, and shutdown closes every open transport.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeReasonShutdown = "server shutting down"

// Registry manages all WebSocket client connections keyed by connection id.
// Registration and unregistration are serialized through Run; lookups are
// guarded by mutex.
type Registry struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	logger     *slog.Logger
}

// NewRegistry creates a Registry. Run must be started before clients register.
func NewRegistry(logger *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Register hands the client to the registry, which launches its pumps.
func (r *Registry) Register(client *Client) error {
	select {
	case r.register <- client:
		return nil
	case <-r.ctx.Done():
		return ErrRegistryClosed
	}
}

func (r *Registry) unregisterClient(client *Client) {
	select {
	case r.unregister <- client:
	case <-r.ctx.Done():
		// Run has stopped; drop the entry directly.
		r.mutex.Lock()
		delete(r.clients, client.id)
		r.mutex.Unlock()
	}
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.clients)
}

// Run handles client registration and unregistration until Shutdown is called.
func (r *Registry) Run() {
	defer close(r.done)

	for {
		select {
		case <-r.ctx.Done():
			r.shutdownClients()
			return

		case client := <-r.register:
			if client == nil {
				r.logger.Warn("Received nil client registration; skipping")
				continue
			}

			r.mutex.Lock()
			r.clients[client.id] = client
			clientCount := len(r.clients)
			r.mutex.Unlock()
			client.logger.Info("Client registered", "total", clientCount)

			r.wg.Add(2)
			go func() {
				defer r.wg.Done()
				client.writePump()
			}()
			go func() {
				defer r.wg.Done()
				client.readPump()
			}()

		case client := <-r.unregister:
			r.mutex.Lock()
			if _, ok := r.clients[client.id]; ok {
				delete(r.clients, client.id)
				clientCount := len(r.clients)
				r.mutex.Unlock()
				client.logger.Info("Client unregistered", "total", clientCount)
			} else {
				r.mutex.Unlock()
			}
		}
	}
}

// shutdownClients closes every open connection with a normal-closure code.
func (r *Registry) shutdownClients() {
	r.logger.Info("Shutting down all client connections...")

	r.mutex.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.mutex.Unlock()

	for _, client := range clients {
		client.Close(websocket.CloseNormalClosure, closeReasonShutdown)
	}

	r.logger.Info("Closed client connections", "count", len(clients))
}

// Shutdown stops the registry, closes all connections, and waits for the
// client goroutines to finish or for timeout to elapse.
func (r *Registry) Shutdown(timeout time.Duration) error {
	r.logger.Info("Initiating registry shutdown...")

	r.cancel()
	<-r.done

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Registry shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		r.logger.Warn("Registry shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
