// Package session contains concrete implementations of core.SessionStore.
// The interface lives in core; backends here can be swapped for durable
// implementations without touching orchestration code.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/agentrelay/core"
)

// ErrNotFound is returned when a session id is unknown to the store.
var ErrNotFound = errors.New("session not found")

// InMemoryStore keeps sessions in a map guarded by an RWMutex. Suitable for
// tests, examples and single-process deployments. Get returns the live
// session object; per-session mutation safety comes from the Session's own
// lock plus the engine's turn lock.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
}

// NewInMemoryStore returns an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*core.Session)}
}

// Create adds a new session under the given id.
func (s *InMemoryStore) Create(id string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[id]; exists {
		return nil, fmt.Errorf("session %q already exists", id)
	}
	sess := core.NewSession(id)
	s.sessions[id] = sess
	return sess, nil
}

// Get returns the live session or ErrNotFound.
func (s *InMemoryStore) Get(id string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, nil
}

// AppendMessage appends to the session's history.
func (s *InMemoryStore) AppendMessage(sessionID string, m core.Message) error {
	sess, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	sess.AppendMessage(m)
	return nil
}

// SetCurrentAgent records the destination that last handled the session.
func (s *InMemoryStore) SetCurrentAgent(sessionID, agent string) error {
	sess, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	sess.SetCurrentAgent(agent)
	return nil
}
