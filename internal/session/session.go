// Package session tracks per-session status counters and cancellation
// tokens for the intake layer, independent of any particular request.
package session

import (
	"context"
	"sync"

	"genpool/pkg/types"
)

// Session is a per-connection grouping used for status accounting and
// collective interruption (spec.md GLOSSARY).
type Session struct {
	id string

	mu       sync.Mutex
	counters types.SessionCounters
	ctx      context.Context
	cancel   context.CancelFunc
}

func newSession(id string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{id: id, ctx: ctx, cancel: cancel}
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Ctx returns the session's current cancellation token. Every claim opened
// against this session should observe this value at claim time; Interrupt
// replaces it with a fresh one and fires the old one.
func (s *Session) Ctx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Interrupt cancels every outstanding claim's saved token and installs a
// fresh one for subsequent claims.
func (s *Session) Interrupt() {
	s.mu.Lock()
	old := s.cancel
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()
	old()
}

// Snapshot returns the session's current counters.
func (s *Session) Snapshot() types.SessionCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

func (s *Session) adjust(waiting, loadingModels, waitingBackends, live int) {
	s.mu.Lock()
	s.counters.Waiting += waiting
	s.counters.LoadingModels += loadingModels
	s.counters.WaitingBackends += waitingBackends
	s.counters.Live += live
	s.mu.Unlock()
}

// Claim is a scoped, additive counter adjustment on a Session. Extending or
// completing the claim adjusts both the claim's own held amounts and the
// owning session's counters under the session's counter lock (spec.md
// §4.6). Disposing auto-completes whatever it still holds, so a claim can
// always be released with a single deferred call regardless of how much of
// it was explicitly completed already.
type Claim struct {
	session *Session

	mu              sync.Mutex
	waiting         int
	loadingModels   int
	waitingBackends int
	live            int
	disposed        bool
}

// Claim opens a new claim on the session, creating the session if it does
// not yet exist. It returns *Claim rather than scheduler.Claim, so the
// orchestrator wraps the Manager in an adapter to satisfy
// scheduler.SessionManager.
func (m *Manager) Claim(sessionID string, waiting, loadingModels, waitingBackends, live int) *Claim {
	s := m.getOrCreate(sessionID)
	c := &Claim{session: s}
	c.Extend(waiting, loadingModels, waitingBackends, live)
	return c
}

// Extend adds the given deltas to both the claim and the session's
// counters.
func (c *Claim) Extend(waiting, loadingModels, waitingBackends, live int) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.waiting += waiting
	c.loadingModels += loadingModels
	c.waitingBackends += waitingBackends
	c.live += live
	c.mu.Unlock()
	c.session.adjust(waiting, loadingModels, waitingBackends, live)
}

// Complete subtracts the given amounts from both the claim and the
// session's counters. Amounts must not exceed what the claim currently
// holds.
func (c *Claim) Complete(waiting, loadingModels, waitingBackends, live int) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.waiting -= waiting
	c.loadingModels -= loadingModels
	c.waitingBackends -= waitingBackends
	c.live -= live
	c.mu.Unlock()
	c.session.adjust(-waiting, -loadingModels, -waitingBackends, -live)
}

// Dispose completes whatever the claim still holds. Safe to call more than
// once; subsequent calls are no-ops.
func (c *Claim) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	w, l, wb, live := c.waiting, c.loadingModels, c.waitingBackends, c.live
	c.disposed = true
	c.mu.Unlock()
	c.session.adjust(-w, -l, -wb, -live)
}

// Manager owns the set of live sessions, keyed by session id.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds an empty Manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

func (m *Manager) getOrCreate(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = newSession(id)
		m.sessions[id] = s
	}
	return s
}

// Ctx returns the cancellation token for a session, creating the session if
// it does not exist yet. Callers building a request's context should join
// this in so a later Interrupt fans out to every outstanding request on the
// session (spec.md §4.6).
func (m *Manager) Ctx(sessionID string) context.Context {
	return m.getOrCreate(sessionID).Ctx()
}

// Get returns the session for id, if it exists.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Interrupt cancels every outstanding claim's saved token for the given
// session and installs a fresh one for whatever the session submits next.
// Reports false if the session does not exist (nothing to interrupt).
func (m *Manager) Interrupt(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.Interrupt()
	return true
}

// Remove drops a session from the manager, interrupting any outstanding
// work first.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Interrupt()
	}
}

// StatusSnapshot returns every session's counters, keyed by session id, for
// the status surface described in spec.md §5.
func (m *Manager) StatusSnapshot() map[string]types.SessionCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.SessionCounters, len(m.sessions))
	for id, s := range m.sessions {
		out[id] = s.Snapshot()
	}
	return out
}
