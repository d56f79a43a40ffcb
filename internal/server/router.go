// Package server decodes inbound frames, applies them to session state, and
// fans them out to the other participants of the sender's session.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Router dispatches inbound messages for connected participants.
type Router struct {
	presence *Presence
	logger   *slog.Logger
	metrics  *Metrics
}

// NewRouter returns a router that records activity through presence.
func NewRouter(presence *Presence, logger *slog.Logger, metrics *Metrics) *Router {
	return &Router{
		presence: presence,
		logger:   logger,
		metrics:  metrics,
	}
}

// Open joins the participant to its session. Presence sends the content
// snapshot before the roster, so the peer has current content before any
// inbound message is routed.
func (r *Router) Open(sessionID, participantID, name string, peer Peer) *Session {
	sess, _ := r.presence.Join(sessionID, participantID, name, peer)
	return sess
}

// Close removes the participant bound to peer from its session.
func (r *Router) Close(sess *Session, participantID string, peer Peer) {
	if sess == nil {
		return
	}
	r.presence.Leave(sess, participantID, peer)
}

// Route handles one inbound frame from participantID. Activity is recorded
// for every frame, including ones that are dropped. The returned error
// describes a dropped frame; the connection stays open.
func (r *Router) Route(sess *Session, participantID string, raw []byte) error {
	r.presence.Touch(sess, participantID)

	env, err := decodeEnvelope(raw)
	if err != nil {
		r.metrics.observeMessage("invalid", "dropped")
		return err
	}

	switch env.Type {
	case TypeContentUpdate:
		err = r.routeContent(sess, participantID, env)
	case TypePointerUpdate:
		err = r.routePointer(sess, participantID, env)
	default:
		r.metrics.observeMessage("unknown", "dropped")
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}

	if err != nil {
		r.metrics.observeMessage(env.Type, "dropped")
		return err
	}
	r.metrics.observeMessage(env.Type, "routed")
	return nil
}

// routeContent stores the new content (last writer wins) and forwards the
// sender's data unchanged to every other live participant. The store and the
// fan-out happen under the session lock so every participant sees edits in
// the order they were applied.
func (r *Router) routeContent(sess *Session, participantID string, env Envelope) error {
	var update ContentUpdate
	if err := json.Unmarshal(env.Data, &update); err != nil {
		return fmt.Errorf("%w: content-update data: %v", ErrMalformedMessage, err)
	}
	if update.Content == nil {
		return fmt.Errorf("%w: content-update without content", ErrMalformedMessage)
	}

	frame, err := encodeEnvelope(TypeContentUpdate, env.Data)
	if err != nil {
		return fmt.Errorf("encode content-update: %w", err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if _, ok := sess.participants[participantID]; !ok {
		return fmt.Errorf("participant %q is not in session %q", participantID, sess.ID)
	}
	sess.content = *update.Content
	sess.updatedAt = r.presence.now()
	r.presence.deliver(sess.ID, sess.livePeersLocked(participantID), frame)
	return nil
}

// routePointer forwards a cursor or position payload to every other live
// participant. Nothing is stored.
func (r *Router) routePointer(sess *Session, participantID string, env Envelope) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: pointer-update without data", ErrMalformedMessage)
	}

	frame, err := encodeEnvelope(TypePointerUpdate, env.Data)
	if err != nil {
		return fmt.Errorf("encode pointer-update: %w", err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if _, ok := sess.participants[participantID]; !ok {
		return fmt.Errorf("participant %q is not in session %q", participantID, sess.ID)
	}
	r.presence.deliver(sess.ID, sess.livePeersLocked(participantID), frame)
	return nil
}
