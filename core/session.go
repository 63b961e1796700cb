package core

import (
	"sync"
	"time"
)

// Session is a conversational container tracking an ordered message history.
// It is safe for concurrent access.
//
// Contract:
//   - Messages are append-only; a message is immutable once appended
//   - AppendMessage updates the Updated timestamp
//   - Messages() returns a defensive copy to avoid external mutation
//   - Clone performs deep copies of slices/maps for safe divergence
type Session struct {
	ID       string            `json:"id"`
	Owner    string            `json:"owner,omitempty"`
	Messages []Message         `json:"messages"`
	Created  time.Time         `json:"created"`
	Updated  time.Time         `json:"updated"`
	Metadata map[string]string `json:"metadata"`

	// CurrentAgent is the destination that handled the most recent turn.
	// Mutated only while the session's turn lock is held.
	CurrentAgent string `json:"current_agent,omitempty"`

	mu sync.RWMutex
}

// NewSession creates a new session with the given ID.
func NewSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{ID: id, Messages: []Message{}, Created: now, Updated: now, Metadata: map[string]string{}}
}

// AppendMessage appends a message to the history updating the Updated timestamp.
func (s *Session) AppendMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, m)
	s.Updated = time.Now().UTC()
}

// GetMessages returns a defensive copy of the full message slice.
func (s *Session) GetMessages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]Message, len(s.Messages))
	copy(msgs, s.Messages)
	return msgs
}

// SetCurrentAgent records the destination that last handled the session.
func (s *Session) SetCurrentAgent(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentAgent = name
	s.Updated = time.Now().UTC()
}

// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &Session{
		ID:           s.ID,
		Owner:        s.Owner,
		Messages:     make([]Message, len(s.Messages)),
		Created:      s.Created,
		Updated:      s.Updated,
		Metadata:     make(map[string]string, len(s.Metadata)),
		CurrentAgent: s.CurrentAgent,
	}
	copy(clone.Messages, s.Messages)
	for k, v := range s.Metadata {
		clone.Metadata[k] = v
	}
	return clone
}

// SessionStore persists sessions and their append-only message history.
// Implementations must be safe for concurrent use across sessions.
type SessionStore interface {
	Create(id string) (*Session, error)
	Get(id string) (*Session, error)
	AppendMessage(sessionID string, m Message) error
	SetCurrentAgent(sessionID, agent string) error
}
