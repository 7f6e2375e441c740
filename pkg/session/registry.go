package session

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// ErrDuplicateSession is returned when registering an id that is already
// active.
var ErrDuplicateSession = errors.New("session already registered")

// Registry is the process-wide set of active sessions, shared across
// connections. All access goes through the internal mutex.
type Registry struct {
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID()]; exists {
		return ErrDuplicateSession
	}
	r.sessions[s.ID()] = s
	r.logger.Info("Session registered", "sessionId", s.ID(), "active", len(r.sessions))
	return nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		delete(r.sessions, id)
		r.logger.Info("Session removed", "sessionId", id, "active", len(r.sessions))
	}
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SweepIdle finalizes and removes sessions whose last activity is older
// than cutoff. Finalize errors are logged, not propagated; a session that
// fails to finalize is still removed so the sweep cannot leak it forever.
func (r *Registry) SweepIdle(ctx context.Context, cutoff time.Duration) int {
	r.mu.Lock()
	stale := make([]*Session, 0)
	for _, s := range r.sessions {
		if time.Since(s.LastActivity()) > cutoff {
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		r.logger.Warn("Sweeping idle session", "sessionId", s.ID(), "lastActivity", s.LastActivity())
		if _, err := s.Finalize(ctx); err != nil {
			r.logger.Error("Best-effort finalize of idle session failed", "sessionId", s.ID(), "error", err)
		}
		r.Remove(s.ID())
	}
	return len(stale)
}

// StartSweeper runs the idle sweep on the given interval until ctx is
// cancelled. One failed iteration never stops future iterations.
func (r *Registry) StartSweeper(ctx context.Context, interval, cutoff time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Session sweeper started", "interval", interval, "cutoff", cutoff)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Session sweeper stopped")
			return
		case <-ticker.C:
			if swept := r.SweepIdle(ctx, cutoff); swept > 0 {
				r.logger.Info("Swept idle sessions", "count", swept)
			}
		}
	}
}
