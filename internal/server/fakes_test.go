package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

// fakePeer records every frame it is sent.
type fakePeer struct {
	id string

	mu          sync.Mutex
	frames      [][]byte
	live        bool
	full        bool
	closeCode   int
	closeReason string
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id, live: true}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.live || p.full {
		return false
	}
	p.frames = append(p.frames, append([]byte(nil), payload...))
	return true
}

func (p *fakePeer) Live() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

func (p *fakePeer) Close(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.live {
		return
	}
	p.live = false
	p.closeCode = code
	p.closeReason = reason
}

func (p *fakePeer) setLive(live bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live = live
}

func (p *fakePeer) setFull(full bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.full = full
}

func (p *fakePeer) closed() (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCode, p.closeReason
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = nil
}

func (p *fakePeer) envelopes(t *testing.T) []Envelope {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Envelope, 0, len(p.frames))
	for _, frame := range p.frames {
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		out = append(out, env)
	}
	return out
}

func (p *fakePeer) ofType(t *testing.T, messageType string) []Envelope {
	t.Helper()
	var out []Envelope
	for _, env := range p.envelopes(t) {
		if env.Type == messageType {
			out = append(out, env)
		}
	}
	return out
}

func (p *fakePeer) lastRoster(t *testing.T) []RosterEntry {
	t.Helper()
	rosters := p.ofType(t, TypeUsersUpdate)
	require.NotEmpty(t, rosters, "peer %s received no users-update", p.id)
	return decodeRoster(t, rosters[len(rosters)-1])
}

func decodeRoster(t *testing.T, env Envelope) []RosterEntry {
	t.Helper()
	var entries []RosterEntry
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	return entries
}

func decodeContent(t *testing.T, env Envelope) string {
	t.Helper()
	var update ContentUpdate
	require.NoError(t, json.Unmarshal(env.Data, &update))
	require.NotNil(t, update.Content)
	return *update.Content
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeScheduler captures deferred callbacks so tests decide when they fire.
type fakeScheduler struct {
	mu    sync.Mutex
	tasks []func()
}

func (s *fakeScheduler) schedule(_ time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, f)
}

func (s *fakeScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// runNext fires the oldest pending callback.
func (s *fakeScheduler) runNext(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	require.NotEmpty(t, s.tasks, "no scheduled task")
	task := s.tasks[0]
	s.tasks = s.tasks[1:]
	s.mu.Unlock()
	task()
}

func testLogger() *slog.Logger {
	return logs.GetLoggerFromLevel(slog.LevelDebug)
}

type presenceFixture struct {
	store     *Store
	presence  *Presence
	router    *Router
	clock     *fakeClock
	scheduler *fakeScheduler
	cfg       Config
}

func newPresenceFixture(t *testing.T) *presenceFixture {
	t.Helper()
	clock := newFakeClock()
	scheduler := &fakeScheduler{}
	cfg := DefaultConfig()
	store := NewStore(clock.Now)
	presence := NewPresence(store, cfg, testLogger(), nil)
	presence.after = scheduler.schedule

	return &presenceFixture{
		store:     store,
		presence:  presence,
		router:    NewRouter(presence, testLogger(), nil),
		clock:     clock,
		scheduler: scheduler,
		cfg:       cfg,
	}
}

func (f *presenceFixture) join(sessionID, participantID, name string) (*Session, *fakePeer) {
	peer := newFakePeer("conn-" + participantID)
	sess, _ := f.presence.Join(sessionID, participantID, name, peer)
	return sess, peer
}

func contentFrame(content string) []byte {
	frame, err := encodeContent(content)
	if err != nil {
		panic(err)
	}
	return frame
}
