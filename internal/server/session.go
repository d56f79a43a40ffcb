// Package server keeps the in-memory session store: one entry per shared
// document with its content blob and ordered participant set.
package server

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Participant is one connected identity within a session.
type Participant struct {
	ID           string
	Name         string
	Color        string
	LastActivity time.Time
	peer         Peer
}

// Session is a shared room. All fields are guarded by mu; content and the
// participant set are only mutated while it is held.
type Session struct {
	ID string

	mu           sync.Mutex
	content      string
	createdAt    time.Time
	updatedAt    time.Time
	order        []string
	participants map[string]*Participant
	emptySince   time.Time
	deleted      bool
}

// SessionInfo is a point-in-time summary of a session.
type SessionInfo struct {
	ID           string    `json:"id"`
	Participants int       `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:           id,
		createdAt:    now,
		updatedAt:    now,
		participants: make(map[string]*Participant),
		emptySince:   now,
	}
}

// Content returns the current content blob.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content
}

// ParticipantCount returns the number of participants currently joined.
func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Roster returns the current roster in join order.
func (s *Session) Roster() []RosterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rosterLocked()
}

// Info returns a summary of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:           s.ID,
		Participants: len(s.order),
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
}

func (s *Session) rosterLocked() []RosterEntry {
	return lo.Map(s.order, func(id string, _ int) RosterEntry {
		p := s.participants[id]
		return RosterEntry{
			ID:           p.ID,
			Name:         p.Name,
			Color:        p.Color,
			LastActivity: unixMillis(p.LastActivity),
		}
	})
}

// livePeersLocked returns the live transports of every participant except
// the one named by exclude (which may be empty).
func (s *Session) livePeersLocked(exclude string) []Peer {
	return lo.FilterMap(s.order, func(id string, _ int) (Peer, bool) {
		if id == exclude {
			return nil, false
		}
		p := s.participants[id]
		if p.peer == nil || !p.peer.Live() {
			return nil, false
		}
		return p.peer, true
	})
}

// insertLocked adds p, or replaces an existing entry with the same id while
// keeping its roster position. It returns the replaced participant, if any.
func (s *Session) insertLocked(p *Participant) *Participant {
	previous, exists := s.participants[p.ID]
	s.participants[p.ID] = p
	if !exists {
		s.order = append(s.order, p.ID)
	}
	s.emptySince = time.Time{}
	return previous
}

// removeLocked drops the participant. When peer is non-nil the entry is only
// removed if it is still bound to that transport, so a stale connection
// cannot evict its own replacement.
func (s *Session) removeLocked(participantID string, peer Peer, now time.Time) (*Participant, bool) {
	p, ok := s.participants[participantID]
	if !ok {
		return nil, false
	}
	if peer != nil && p.peer != peer {
		return nil, false
	}

	delete(s.participants, participantID)
	s.order = lo.Without(s.order, participantID)
	if len(s.order) == 0 {
		s.emptySince = now
	}
	return p, true
}

func (s *Session) expiredLocked(grace time.Duration, now time.Time) bool {
	return len(s.order) == 0 && !s.emptySince.IsZero() && now.Sub(s.emptySince) >= grace
}

// Store maps session ids to sessions. It is safe for concurrent use. Lock
// order is Store.mu before Session.mu.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewStore returns an empty store. A nil clock defaults to time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		sessions: make(map[string]*Session),
		now:      now,
	}
}

// GetOrCreate returns the session for id, creating it with empty content when
// absent. The boolean reports whether it was created.
func (st *Store) GetOrCreate(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if sess, ok := st.sessions[id]; ok {
		return sess, false
	}

	sess := newSession(id, st.now())
	st.sessions[id] = sess
	return sess, true
}

// Get returns the session for id if it exists.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[id]
	return sess, ok
}

// Delete removes the session unconditionally. Callers confirm emptiness first.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, ok := st.sessions[id]
	if !ok {
		return
	}
	sess.mu.Lock()
	sess.deleted = true
	sess.mu.Unlock()
	delete(st.sessions, id)
}

// DeleteIfEmpty removes the session only if it has had no participants for
// at least grace as of now. It reports whether the session was removed.
func (st *Store) DeleteIfEmpty(id string, grace time.Duration, now time.Time) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, ok := st.sessions[id]
	if !ok {
		return false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.expiredLocked(grace, now) {
		return false
	}
	sess.deleted = true
	delete(st.sessions, id)
	return true
}

// Sessions returns a snapshot of all sessions ordered by creation time.
func (st *Store) Sessions() []*Session {
	st.mu.Lock()
	sessions := lo.Values(st.sessions)
	st.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].createdAt.Equal(sessions[j].createdAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].createdAt.Before(sessions[j].createdAt)
	})
	return sessions
}

// Len returns the number of sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
