// Package server runs the background sweep that evicts idle participants and
// expired empty sessions.
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const closeReasonIdle = "idle timeout"

// Reaper periodically removes participants whose last activity is older than
// the idle threshold or whose transport is no longer live, and deletes
// sessions that have stayed empty past the grace period.
type Reaper struct {
	store    *Store
	presence *Presence
	interval time.Duration
	idle     time.Duration
	logger   *slog.Logger
	metrics  *Metrics
	done     chan struct{}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Removed          int
	AffectedSessions int
	DeletedSessions  int
}

// NewReaper returns a reaper using the sweep interval and idle timeout from cfg.
func NewReaper(store *Store, presence *Presence, cfg Config, logger *slog.Logger, metrics *Metrics) *Reaper {
	return &Reaper{
		store:    store,
		presence: presence,
		interval: cfg.SweepInterval,
		idle:     cfg.IdleTimeout,
		logger:   logger,
		metrics:  metrics,
		done:     make(chan struct{}),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Reaper started", "interval", r.interval, "idle_timeout", r.idle)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reaper stopped")
			return
		case <-ticker.C:
			result := r.Sweep(r.presence.now())
			if result.Removed > 0 || result.DeletedSessions > 0 {
				r.logger.Info("Sweep completed",
					"removed", result.Removed,
					"sessions_affected", result.AffectedSessions,
					"sessions_deleted", result.DeletedSessions)
			}
		}
	}
}

// Done is closed when Run returns.
func (r *Reaper) Done() <-chan struct{} {
	return r.done
}

// Sweep evaluates every session as of now. Each affected session gets one
// roster broadcast; removed participants have their transports closed.
func (r *Reaper) Sweep(now time.Time) SweepResult {
	var result SweepResult

	for _, sess := range r.store.Sessions() {
		evicted := r.sweepSession(sess, now)
		if len(evicted) > 0 {
			result.Removed += len(evicted)
			result.AffectedSessions++
		}

		if r.store.DeleteIfEmpty(sess.ID, r.presence.grace, now) {
			result.DeletedSessions++
			r.metrics.observeDeleted()
			r.logger.Info("Cleaned up empty session", "session", sess.ID)
		}
	}

	r.metrics.observeReaped(result.Removed)
	return result
}

func (r *Reaper) sweepSession(sess *Session, now time.Time) []*Participant {
	sess.mu.Lock()
	var evicted []*Participant
	for _, id := range append([]string(nil), sess.order...) {
		p := sess.participants[id]
		idle := now.Sub(p.LastActivity) > r.idle
		dead := p.peer == nil || !p.peer.Live()
		if !idle && !dead {
			continue
		}
		if removed, ok := sess.removeLocked(id, nil, now); ok {
			evicted = append(evicted, removed)
		}
	}
	if len(evicted) == 0 {
		sess.mu.Unlock()
		return nil
	}
	r.presence.broadcastLocked(sess)
	empty := len(sess.order) == 0
	sess.mu.Unlock()

	for _, p := range evicted {
		r.logger.Info("Removed inactive participant", "session", sess.ID, "participant", p.ID)
		if p.peer != nil && p.peer.Live() {
			p.peer.Close(websocket.CloseNormalClosure, closeReasonIdle)
		}
	}
	if empty {
		r.presence.scheduleCleanup(sess.ID)
	}
	return evicted
}
