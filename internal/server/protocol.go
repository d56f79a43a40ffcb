// Package server defines the wire envelope exchanged with relay clients and
// the helpers shared by the router, presence, and client code.
package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message types recognized on the wire.
const (
	TypeContentUpdate = "content-update"
	TypePointerUpdate = "pointer-update"
	TypeUsersUpdate   = "users-update"
)

// Envelope is the JSON frame used in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ContentUpdate is the payload of a content-update message.
type ContentUpdate struct {
	Content *string `json:"content"`
}

// RosterEntry is one participant in a users-update message. LastActivity is
// expressed in Unix milliseconds.
type RosterEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Color        string `json:"color"`
	LastActivity int64  `json:"lastActivity"`
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return env, nil
}

func encodeEnvelope(messageType string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Envelope{Type: messageType, Data: data})
}

func encodeContent(content string) ([]byte, error) {
	data, err := json.Marshal(ContentUpdate{Content: &content})
	if err != nil {
		return nil, err
	}
	return encodeEnvelope(TypeContentUpdate, data)
}

func encodeRoster(entries []RosterEntry) ([]byte, error) {
	if entries == nil {
		entries = []RosterEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	return encodeEnvelope(TypeUsersUpdate, data)
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
