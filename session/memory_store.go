package session

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/shellbox/types"
)

type memoryEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e memoryEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is the standalone-mode store. Expiry is enforced lazily on
// read, mirroring the self-expiring key behavior of the Redis store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry[*types.Session]
	threads  map[string]memoryEntry[string]
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]memoryEntry[*types.Session]),
		threads:  make(map[string]memoryEntry[string]),
	}
}

// PutSession implements Store.
func (s *MemoryStore) PutSession(ctx context.Context, sess *types.Session, ttl time.Duration) error {
	cp := *sess
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = memoryEntry[*types.Session]{value: &cp, expiresAt: time.Now().Add(ttl)}
	return nil
}

// GetSession implements Store.
func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	s.mu.RLock()
	entry, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok || entry.expired(time.Now()) {
		return nil, nil
	}
	cp := *entry.value
	return &cp, nil
}

// DeleteSession implements Store.
func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// PutThread implements Store.
func (s *MemoryStore) PutThread(ctx context.Context, threadID, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = memoryEntry[string]{value: sessionID, expiresAt: time.Now().Add(ttl)}
	return nil
}

// GetThread implements Store.
func (s *MemoryStore) GetThread(ctx context.Context, threadID string) (string, error) {
	s.mu.RLock()
	entry, ok := s.threads[threadID]
	s.mu.RUnlock()
	if !ok || entry.expired(time.Now()) {
		return "", nil
	}
	return entry.value, nil
}

// DeleteThread implements Store.
func (s *MemoryStore) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
