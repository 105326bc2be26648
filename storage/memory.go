// In-memory transcript storage.
//
// Information Hiding:
// - Map storage structure hidden from users
// - Thread-safe access via RWMutex hidden behind interface
// - Suitable for tests and one-shot CLI runs

package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Synthenova/conthunt-sub001/llm"
)

type memorySession struct {
	messages  []llm.ChatMessage
	updatedAt time.Time
}

// InMemoryStorage implements TranscriptStore with a map.
// Data is lost when the process exits.
type InMemoryStorage struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	now      func() time.Time
}

// NewInMemoryStorage creates an empty in-memory store.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		sessions: make(map[string]*memorySession),
		now:      time.Now,
	}
}

// Append adds messages to the session, creating it on first use.
func (s *InMemoryStorage) Append(ctx context.Context, sessionID string, messages ...llm.ChatMessage) error {
	if sessionID == "" {
		return ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &memorySession{}
		s.sessions[sessionID] = sess
	}
	sess.messages = append(sess.messages, messages...)
	sess.updatedAt = s.now()
	return nil
}

// Load returns a copy of the most recent messages.
func (s *InMemoryStorage) Load(ctx context.Context, sessionID string, limit int) ([]llm.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return []llm.ChatMessage{}, nil
	}
	return tail(sess.messages, limit), nil
}

// Delete removes the session.
func (s *InMemoryStorage) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// ListSessions lists session ids, most recently updated first.
func (s *InMemoryStorage) ListSessions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sortByRecency(ids, func(id string) time.Time { return s.sessions[id].updatedAt })
	return ids, nil
}

// Exists reports whether the session has any messages.
func (s *InMemoryStorage) Exists(ctx context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.sessions[sessionID]
	return ok, nil
}

// sortByRecency orders ids newest first, ties by id.
func sortByRecency(ids []string, at func(string) time.Time) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := at(ids[i]), at(ids[j])
		if !a.Equal(b) {
			return a.After(b)
		}
		return ids[i] < ids[j]
	})
}

// Verify InMemoryStorage implements TranscriptStore
var _ TranscriptStore = (*InMemoryStorage)(nil)
