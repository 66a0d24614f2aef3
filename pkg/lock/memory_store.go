package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token  string
	expiry time.Time
}

// MemoryStore is an in-process Store for tests and single-node development.
// It honours the same token-and-TTL semantics as RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

// Acquire claims key unless a live entry with a different token exists.
func (s *MemoryStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok && s.now().Before(entry.expiry) {
		return false, nil
	}
	s.entries[key] = memoryEntry{token: token, expiry: s.now().Add(ttl)}
	return true, nil
}

// Release clears key only when still owned by token.
func (s *MemoryStore) Release(ctx context.Context, key, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok && entry.token == token {
		delete(s.entries, key)
	}
	return nil
}
