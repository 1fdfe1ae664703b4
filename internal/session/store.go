package session

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Store is the session registry. Put enforces the one-session-per-
// (email, room) invariant by returning the evicted session, if any, so the
// gateway can send a superseded notice before closing the old connection.
type Store interface {
	Get(ctx context.Context, connID string) (*Session, error)
	Put(ctx context.Context, s *Session) (evicted *Session, err error)
	Remove(ctx context.Context, connID string) error
	ListByRoom(ctx context.Context, roomID string) ([]*Session, error)
}

// MemoryStore is the single-instance Store implementation: a plain
// in-process registry guarded by a mutex. Multi-instance deployments use
// RedisStore instead.
type MemoryStore struct {
	mu     sync.RWMutex
	byConn map[string]*Session
	byPair map[string]string // email|roomID -> connection id
}

// NewMemoryStore creates an empty in-process session registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byConn: make(map[string]*Session),
		byPair: make(map[string]string),
	}
}

func pairKey(email, roomID string) string {
	return strings.ToLower(email) + "|" + roomID
}

// Get returns the session for a connection id, or nil if not registered.
func (m *MemoryStore) Get(_ context.Context, connID string) (*Session, error) {
	m.mu.RLock()
	s := m.byConn[connID]
	m.mu.RUnlock()
	return s, nil
}

// Put registers a session. If another session exists for the same
// (email, room) pair it is removed and returned so the caller can notify
// and terminate its connection.
func (m *MemoryStore) Put(_ context.Context, s *Session) (*Session, error) {
	if s.JoinedAt == 0 {
		s.JoinedAt = time.Now().UnixMilli()
	}
	key := pairKey(s.Email, s.RoomID)

	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted *Session
	if oldConn, ok := m.byPair[key]; ok && oldConn != s.ConnectionID {
		evicted = m.byConn[oldConn]
		delete(m.byConn, oldConn)
	}

	m.byConn[s.ConnectionID] = s
	m.byPair[key] = s.ConnectionID
	return evicted, nil
}

// Remove unregisters a session by connection id. Removing an unknown id is
// a no-op.
func (m *MemoryStore) Remove(_ context.Context, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byConn[connID]
	if !ok {
		return nil
	}
	delete(m.byConn, connID)

	// Only clear the pair index if it still points at this connection;
	// a newer session for the same pair may have taken it over.
	key := pairKey(s.Email, s.RoomID)
	if m.byPair[key] == connID {
		delete(m.byPair, key)
	}
	return nil
}

// ListByRoom returns all sessions currently joined to a room.
func (m *MemoryStore) ListByRoom(_ context.Context, roomID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.byConn {
		if s.RoomID == roomID {
			out = append(out, s)
		}
	}
	return out, nil
}
