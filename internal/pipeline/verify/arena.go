package verify

import (
	"context"
	"sync"
	"time"
)

// session is one active balance-polling loop.
type session struct {
	orderID   string
	startedAt time.Time
	lockKey   string // monitor lock guarding this session
	lockToken string // holder token for the monitor lock
	cancel    context.CancelFunc
}

// arena owns the active polling sessions. Both the session's own loop and
// the background sweep race to take a session out; whoever removes it
// performs the terminal transition, so it happens exactly once.
type arena struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newArena() *arena {
	return &arena{sessions: make(map[string]*session)}
}

func (a *arena) add(s *session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[s.orderID] = s
}

// take removes and returns the session, or nil if it was already taken.
func (a *arena) take(orderID string) *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[orderID]
	if !ok {
		return nil
	}
	delete(a.sessions, orderID)
	return s
}

// expired returns the order IDs of sessions running longer than maxAge.
func (a *arena) expired(maxAge time.Duration) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var ids []string
	for id, s := range a.sessions {
		if s.startedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// active reports whether a session exists for the order.
func (a *arena) active(orderID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sessions[orderID]
	return ok
}

// drain cancels every session and empties the arena.
func (a *arena) drain() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, s := range a.sessions {
		s.cancel()
		delete(a.sessions, id)
	}
}
