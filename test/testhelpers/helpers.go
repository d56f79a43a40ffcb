// Package testhelpers provides common utilities and helper functions for testing the tablesync relay.
//
// This package contains reusable test utilities shared by the integration tests. It
// provides functions for starting a relay behind a test server, connecting participants,
// sending and reading protocol envelopes, and asserting response properties.
package testhelpers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"

	"github.com/Tyrowin/tablesync/internal/server"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8080"

// DefaultReadTimeout bounds every blocking read made by these helpers.
const DefaultReadTimeout = 2 * time.Second

// StartRelay builds a relay from the default configuration, applies customize,
// starts it, and serves it from an httptest server. Both are torn down when the
// test ends.
func StartRelay(t *testing.T, customize func(cfg *server.Config)) (*server.Relay, *httptest.Server) {
	t.Helper()

	cfg := server.DefaultConfig()
	if customize != nil {
		customize(&cfg)
	}

	relay := server.New(cfg, logs.GetLoggerFromLevel(slog.LevelWarn))
	relay.Start()
	testServer := httptest.NewServer(relay.Handler())

	t.Cleanup(func() {
		testServer.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := relay.Shutdown(ctx); err != nil {
			t.Logf("relay shutdown: %v", err)
		}
	})
	return relay, testServer
}

// SessionURL builds the WebSocket URL joining participantID to sessionID. The
// display name is escaped twice, the way browser clients send it.
func SessionURL(baseURL, sessionID, participantID, name string) string {
	query := url.Values{}
	query.Set("documentId", sessionID)
	query.Set("userId", participantID)
	query.Set("userName", url.PathEscape(name))
	return WebSocketURL(baseURL) + "?" + query.Encode()
}

// WebSocketURL converts an http(s) base URL into the relay's ws(s) endpoint.
func WebSocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
	default:
		return baseURL + "/ws"
	}
}

// AssertStatusCode checks if the HTTP response has the expected status code.
// It fails the test with a descriptive error message if the status codes don't match.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response Content-Type starts with the
// expected media type.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// ConnectWebSocket creates a WebSocket connection to the specified URL.
// It returns the connection or an error if connection fails.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	return ConnectWebSocketWithOrigin(url, TestOrigin)
}

// ConnectWebSocketWithOrigin dials url with the given Origin header. An empty
// origin sends no header. On a refused handshake the HTTP status is included
// in the error.
func ConnectWebSocketWithOrigin(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
		}
	}
	return conn, err
}

// ConnectParticipant joins a session and consumes the content snapshot and the
// roster every participant receives on join. It returns the connection and the
// snapshot content.
func ConnectParticipant(t *testing.T, baseURL, sessionID, participantID, name string) (*websocket.Conn, string) {
	t.Helper()

	conn, err := ConnectWebSocket(SessionURL(baseURL, sessionID, participantID, name))
	if err != nil {
		t.Fatalf("Failed to connect %s to %s: %v", participantID, sessionID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	snapshot := ReadEnvelopeOfType(t, conn, server.TypeContentUpdate)
	content := DecodeContent(t, snapshot)
	ReadEnvelopeOfType(t, conn, server.TypeUsersUpdate)
	return conn, content
}

// SendContent sends a content-update envelope.
func SendContent(conn *websocket.Conn, content string) error {
	return SendEnvelope(conn, server.TypeContentUpdate, server.ContentUpdate{Content: &content})
}

// SendPointer sends a pointer-update envelope with data as its payload.
func SendPointer(conn *websocket.Conn, data any) error {
	return SendEnvelope(conn, server.TypePointerUpdate, data)
}

// SendEnvelope marshals data into an envelope of the given type and sends it.
func SendEnvelope(conn *websocket.Conn, messageType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.WriteJSON(server.Envelope{Type: messageType, Data: payload})
}

// SendRawMessage sends a raw byte message over the WebSocket connection.
func SendRawMessage(conn *websocket.Conn, messageType int, data []byte) error {
	return conn.WriteMessage(messageType, data)
}

// ReadEnvelope reads one envelope, failing the test if none arrives in time.
func ReadEnvelope(t *testing.T, conn *websocket.Conn) server.Envelope {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(DefaultReadTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var env server.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("Failed to read envelope: %v", err)
	}
	return env
}

// ReadEnvelopeOfType reads envelopes until one of messageType arrives. Other
// types are skipped.
func ReadEnvelopeOfType(t *testing.T, conn *websocket.Conn, messageType string) server.Envelope {
	t.Helper()
	deadline := time.Now().Add(DefaultReadTimeout)
	for time.Now().Before(deadline) {
		env := ReadEnvelope(t, conn)
		if env.Type == messageType {
			return env
		}
	}
	t.Fatalf("No %s envelope before deadline", messageType)
	return server.Envelope{}
}

// ReadRosterWithSize reads users-update envelopes until one lists size entries.
func ReadRosterWithSize(t *testing.T, conn *websocket.Conn, size int) []server.RosterEntry {
	t.Helper()
	deadline := time.Now().Add(DefaultReadTimeout)
	for time.Now().Before(deadline) {
		roster := DecodeRoster(t, ReadEnvelopeOfType(t, conn, server.TypeUsersUpdate))
		if len(roster) == size {
			return roster
		}
	}
	t.Fatalf("No roster with %d entries before deadline", size)
	return nil
}

// DecodeContent extracts the content from a content-update envelope.
func DecodeContent(t *testing.T, env server.Envelope) string {
	t.Helper()
	var update server.ContentUpdate
	if err := json.Unmarshal(env.Data, &update); err != nil {
		t.Fatalf("Failed to decode content-update: %v", err)
	}
	if update.Content == nil {
		t.Fatalf("content-update without content: %s", env.Data)
	}
	return *update.Content
}

// DecodeRoster extracts the roster from a users-update envelope.
func DecodeRoster(t *testing.T, env server.Envelope) []server.RosterEntry {
	t.Helper()
	var roster []server.RosterEntry
	if err := json.Unmarshal(env.Data, &roster); err != nil {
		t.Fatalf("Failed to decode users-update: %v", err)
	}
	return roster
}

// ExpectNoMessage fails the test if any frame arrives within timeout.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, payload, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no message, but received %s", payload)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of message: %v", err)
}

// ReadCloseError reads until the server closes the connection and returns the
// close frame it sent.
func ReadCloseError(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("Expected a close frame, got %v", err)
		}
		return closeErr
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
