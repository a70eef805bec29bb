package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DisconnectedSession is the snapshot kept for a connection during the
// reconnection grace window. It is destroyed when consumed by a
// successful reconnect or when it expires.
type DisconnectedSession struct {
	UserID        string
	Subscriptions map[Kind][]string
	expiresAt     time.Time
}

// SessionStore holds disconnected-session snapshots keyed by the previous
// connection identifier, each with a bounded time to live.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*DisconnectedSession
	grace    time.Duration
	clock    clockwork.Clock
}

// NewSessionStore creates a store whose snapshots expire after grace.
func NewSessionStore(grace time.Duration, clock clockwork.Clock) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*DisconnectedSession),
		grace:    grace,
		clock:    clock,
	}
}

// Put snapshots a disconnected connection's identity and subscriptions.
func (s *SessionStore) Put(connectionID, userID string, subscriptions map[Kind][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[connectionID] = &DisconnectedSession{
		UserID:        userID,
		Subscriptions: subscriptions,
		expiresAt:     s.clock.Now().Add(s.grace),
	}
}

// Consume retrieves and destroys the snapshot for connectionID if the
// supplied identity matches. On identity mismatch the snapshot stays in
// place so the rightful owner can still reconnect within the window.
func (s *SessionStore) Consume(connectionID, userID string) (*DisconnectedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[connectionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.clock.Now().After(sess.expiresAt) {
		delete(s.sessions, connectionID)
		return nil, ErrSessionNotFound
	}
	if sess.UserID != userID {
		return nil, ErrIdentityMismatch
	}

	delete(s.sessions, connectionID)
	return sess, nil
}

// Len returns the number of held snapshots (including expired ones not
// yet swept).
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// EvictExpired removes expired snapshots and returns the count evicted.
func (s *SessionStore) EvictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	evicted := 0
	for id, sess := range s.sessions {
		if now.After(sess.expiresAt) {
			delete(s.sessions, id)
			evicted++
		}
	}
	return evicted
}

// StartEvictionTimer starts periodic eviction of expired snapshots.
// Returns a stop function.
func (s *SessionStore) StartEvictionTimer(interval time.Duration) func() {
	ticker := s.clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.Chan():
				if evicted := s.EvictExpired(); evicted > 0 {
					slog.Debug("Evicted expired session snapshots", "count", evicted)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}
