package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"basegraph.app/parley/common/id"
	"basegraph.app/parley/internal/metrics"
)

var (
	ErrSessionBusy    = errors.New("session already has a turn in progress")
	ErrSessionUnknown = errors.New("no turn in progress for session")
)

// Session is one user turn in progress. Abort is safe to call from any
// goroutine; the loop observes it at its suspension points.
type Session struct {
	ID        string
	TurnID    int64
	StartedAt time.Time

	aborted atomic.Bool
	depth   atomic.Int32
	attempt atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSession returns a standalone session not tracked by any registry.
func NewSession(sessionID string) *Session {
	return &Session{
		ID:        sessionID,
		TurnID:    id.New(),
		StartedAt: time.Now(),
	}
}

// Abort sets the cooperative abort flag and interrupts a pending stream read.
func (s *Session) Abort() {
	s.aborted.Store(true)

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) Aborted() bool {
	return s.aborted.Load()
}

func (s *Session) Depth() int {
	return int(s.depth.Load())
}

func (s *Session) Attempt() int {
	return int(s.attempt.Load())
}

// bindStream registers the cancel func of the current stream read. If the
// session was aborted before the stream started, cancel runs immediately.
func (s *Session) bindStream(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if s.Aborted() {
		cancel()
	}
}

func (s *Session) unbindStream() {
	s.mu.Lock()
	s.cancel = nil
	s.mu.Unlock()
}

// SessionInfo is a point-in-time view of a turn in progress.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	TurnID    int64     `json:"turn_id,string"`
	Depth     int       `json:"depth"`
	Attempt   int       `json:"attempt"`
	Aborted   bool      `json:"aborted"`
	StartedAt time.Time `json:"started_at"`
}

// Sessions tracks turns in progress so that at most one runs per session ID.
type Sessions struct {
	mu     sync.Mutex
	active map[string]*Session
}

func NewSessions() *Sessions {
	return &Sessions{active: make(map[string]*Session)}
}

// Begin starts a turn for sessionID or fails with ErrSessionBusy.
func (r *Sessions) Begin(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.active[sessionID]; busy {
		return nil, ErrSessionBusy
	}

	sess := NewSession(sessionID)
	r.active[sessionID] = sess
	metrics.ActiveSessions.Inc()
	return sess, nil
}

// End releases the session. Ending a session that was already replaced is a no-op.
func (r *Sessions) End(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.active[sess.ID]; ok && cur == sess {
		delete(r.active, sess.ID)
		metrics.ActiveSessions.Dec()
	}
}

// Abort requests cancellation of the turn in progress for sessionID.
func (r *Sessions) Abort(sessionID string) error {
	r.mu.Lock()
	sess, ok := r.active[sessionID]
	r.mu.Unlock()

	if !ok {
		return ErrSessionUnknown
	}
	sess.Abort()
	return nil
}

// List returns the turns in progress ordered by start time.
func (r *Sessions) List() []SessionInfo {
	r.mu.Lock()
	infos := make([]SessionInfo, 0, len(r.active))
	for _, sess := range r.active {
		infos = append(infos, SessionInfo{
			SessionID: sess.ID,
			TurnID:    sess.TurnID,
			Depth:     sess.Depth(),
			Attempt:   sess.Attempt(),
			Aborted:   sess.Aborted(),
			StartedAt: sess.StartedAt,
		})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].SessionID < infos[j].SessionID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}
