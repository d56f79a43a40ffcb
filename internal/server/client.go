// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ConnectRequest carries the three identifying attributes of a connection.
type ConnectRequest struct {
	SessionID     string `validate:"required,maxbytes=256"`
	ParticipantID string `validate:"required,maxbytes=256"`
	Name          string `validate:"required,maxbytes=256"`
}

// Client is one WebSocket connection bound to a participant. It implements
// Peer: outbound frames are queued on send and written by writePump.
type Client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	registry *Registry
	router   *Router
	logger   *slog.Logger
	addr     string

	request ConnectRequest
	session *Session

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string

	maxMessageSize int64
	pingInterval   time.Duration
	pongWait       time.Duration
	writeWait      time.Duration
	rateLimiter    *rate.Limiter
	rateLimit      RateLimitConfig
}

// NewClient creates a Client for an upgraded connection. The send queue is
// buffered to SendBuffer frames.
func NewClient(conn *websocket.Conn, registry *Registry, router *Router, cfg Config, logger *slog.Logger, req ConnectRequest, addr string) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	id := uuid.New().String()

	return &Client{
		id:       id,
		conn:     conn,
		send:     make(chan []byte, cfg.SendBuffer),
		registry: registry,
		router:   router,
		logger: logger.With(
			"conn", id,
			"addr", addr,
			"session", req.SessionID,
			"participant", req.ParticipantID,
		),
		addr:           addr,
		request:        req,
		maxMessageSize: cfg.MaxMessageSize,
		pingInterval:   cfg.PingInterval,
		pongWait:       cfg.PongWait,
		writeWait:      cfg.WriteWait,
		rateLimiter:    newRateLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Send queues payload without blocking. It returns false when the client is
// closed or its queue is full.
func (c *Client) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Live reports whether the connection is still open.
func (c *Client) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close stops delivery and asks writePump to send a close frame with code
// and reason before closing the connection. Only the first call has effect.
func (c *Client) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
		c.logger.Warn("Error setting initial read deadline", "err", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
			c.logger.Warn("Error setting read deadline in pong handler", "err", err)
		}
		return nil
	})
}

// handleReadError logs the reason the read loop is ending.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("Message exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.logger.Info("Client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("Client connection closed", "reason", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("Unexpected WebSocket close", "err", err)
	default:
		c.logger.Info("WebSocket read ended", "err", err)
	}
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		c.logger.Warn("Rate limit exceeded; discarding message",
			"burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// readPump joins the participant, then routes one inbound frame at a time
// until the connection ends. Leaving the session happens on the way out.
func (c *Client) readPump() {
	defer func() {
		c.router.Close(c.session, c.request.ParticipantID, c)
		c.Close(websocket.CloseNormalClosure, "")
		c.registry.unregisterClient(c)
	}()

	c.setupReadConnection()
	c.session = c.router.Open(c.request.SessionID, c.request.ParticipantID, c.request.Name, c)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		if err := c.router.Route(c.session, c.request.ParticipantID, raw); err != nil {
			c.logger.Warn("Dropped inbound message", "err", err)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		if !ok {
			return c.writeCloseMessage()
		}
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("Error closing connection", "err", err)
	}
}

// writeCloseMessage sends a close frame carrying the code given to Close.
func (c *Client) writeCloseMessage() bool {
	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()

	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	deadline := time.Now().Add(c.writeWait)
	if err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		if !isExpectedCloseError(err) && !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug("Error writing close message", "err", err)
		}
	}
	return false
}

// writeTextMessage writes one envelope per text frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		c.logger.Warn("Error setting write deadline", "err", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("Error writing message", "err", err)
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		c.logger.Warn("Error setting write deadline for ping", "err", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("Error writing ping message", "err", err)
		}
		return false
	}
	return true
}
