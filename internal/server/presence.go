// Package server tracks who is present in each session: color assignment,
// last-activity timestamps, and roster broadcast.
package server

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const closeReasonReplaced = "replaced by new connection"

// Presence manages participant membership for the sessions in a Store.
type Presence struct {
	store   *Store
	palette []string
	grace   time.Duration
	logger  *slog.Logger
	metrics *Metrics

	now   func() time.Time
	after func(d time.Duration, f func())
}

// NewPresence returns a tracker bound to store, using the palette and
// session grace period from cfg.
func NewPresence(store *Store, cfg Config, logger *slog.Logger, metrics *Metrics) *Presence {
	palette := cfg.PaletteColors()
	if len(palette) == 0 {
		palette = append([]string(nil), DefaultPalette...)
	}
	return &Presence{
		store:   store,
		palette: palette,
		grace:   cfg.SessionGrace,
		logger:  logger,
		metrics: metrics,
		now:     store.now,
		after: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

// Join adds the participant to the session, creating the session when it does
// not exist. The joining peer first receives the current content, then every
// live participant, the new one included, receives the updated roster.
//
// The color is palette[n mod len(palette)] where n is the participant count
// before the join. A participant id that is already present keeps its color
// and roster position; its previous transport is closed.
func (p *Presence) Join(sessionID, participantID, name string, peer Peer) (*Session, Participant) {
	for {
		sess, created := p.store.GetOrCreate(sessionID)
		sess.mu.Lock()
		if sess.deleted {
			// Lost a race with deferred deletion; the store no longer holds it.
			sess.mu.Unlock()
			continue
		}

		participant := &Participant{
			ID:           participantID,
			Name:         name,
			Color:        p.palette[len(sess.order)%len(p.palette)],
			LastActivity: p.now(),
			peer:         peer,
		}
		if existing, ok := sess.participants[participantID]; ok {
			participant.Color = existing.Color
		}
		replaced := sess.insertLocked(participant)

		p.sendSnapshotLocked(sess, peer)
		p.broadcastLocked(sess)
		joined := *participant
		count := len(sess.order)
		sess.mu.Unlock()

		if created {
			p.logger.Info("Session created", "session", sessionID)
		}
		p.logger.Info("Participant joined",
			"session", sessionID, "participant", participantID, "name", name,
			"color", joined.Color, "participants", count)

		if replaced != nil && replaced.peer != nil && replaced.peer != peer {
			p.logger.Info("Closing replaced connection", "session", sessionID, "participant", participantID, "conn", replaced.peer.ID())
			replaced.peer.Close(websocket.CloseNormalClosure, closeReasonReplaced)
		}
		return sess, joined
	}
}

// Leave removes the participant if it is still bound to peer (any binding
// when peer is nil) and re-broadcasts the roster to the remaining
// participants. When the session becomes empty a deferred deletion check is
// armed. It reports whether a participant was removed.
func (p *Presence) Leave(sess *Session, participantID string, peer Peer) bool {
	sess.mu.Lock()
	if _, ok := sess.removeLocked(participantID, peer, p.now()); !ok {
		sess.mu.Unlock()
		return false
	}
	p.broadcastLocked(sess)
	remaining := len(sess.order)
	sess.mu.Unlock()

	p.logger.Info("Participant left", "session", sess.ID, "participant", participantID, "participants", remaining)
	if remaining == 0 {
		p.scheduleCleanup(sess.ID)
	}
	return true
}

// Touch records activity for the participant.
func (p *Presence) Touch(sess *Session, participantID string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if participant, ok := sess.participants[participantID]; ok {
		participant.LastActivity = p.now()
	}
}

// scheduleCleanup arms a one-shot check that deletes the session if it is
// still empty once the grace period has elapsed.
func (p *Presence) scheduleCleanup(sessionID string) {
	p.logger.Debug("Session empty; deletion armed", "session", sessionID, "grace", p.grace)
	p.after(p.grace, func() {
		p.cleanup(sessionID)
	})
}

func (p *Presence) cleanup(sessionID string) bool {
	if !p.store.DeleteIfEmpty(sessionID, p.grace, p.now()) {
		return false
	}
	p.metrics.observeDeleted()
	p.logger.Info("Cleaned up empty session", "session", sessionID)
	return true
}

func (p *Presence) sendSnapshotLocked(sess *Session, peer Peer) {
	if peer == nil {
		return
	}
	frame, err := encodeContent(sess.content)
	if err != nil {
		p.logger.Error("Error encoding content snapshot", "session", sess.ID, "err", err)
		return
	}
	p.deliver(sess.ID, []Peer{peer}, frame)
}

// broadcastLocked sends the roster as it stands now to every live participant.
func (p *Presence) broadcastLocked(sess *Session) {
	frame, err := encodeRoster(sess.rosterLocked())
	if err != nil {
		p.logger.Error("Error encoding roster", "session", sess.ID, "err", err)
		return
	}
	p.deliver(sess.ID, sess.livePeersLocked(""), frame)
}

// deliver queues frame on every peer independently. A full or closed peer
// only loses this frame.
func (p *Presence) deliver(sessionID string, peers []Peer, frame []byte) int {
	dropped := 0
	for _, peer := range peers {
		if !peer.Send(frame) {
			dropped++
			p.logger.Warn("Dropped frame for peer", "session", sessionID, "conn", peer.ID())
		}
	}
	p.metrics.observeDropped(dropped)
	return len(peers) - dropped
}
