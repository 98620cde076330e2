package session

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore is the single-process fallback used when no Redis URL is set.
// The least recently used sessions are evicted once size is reached.
type MemoryStore struct {
	cache *expirable.LRU[string, Session]
}

func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = 10000
	}
	return &MemoryStore{cache: expirable.NewLRU[string, Session](size, nil, ttl)}
}

func (m *MemoryStore) Save(_ context.Context, s Session) error {
	m.cache.Add(s.ID, s)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	s, ok := m.cache.Get(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

// Touch re-adds the entry, which restarts its expiry.
func (m *MemoryStore) Touch(_ context.Context, id string) error {
	s, ok := m.cache.Get(id)
	if !ok {
		return ErrNotFound
	}
	m.cache.Add(id, s)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.cache.Remove(id)
	return nil
}

func (m *MemoryStore) RevokeUser(_ context.Context, userID int64) error {
	for _, id := range m.cache.Keys() {
		if s, ok := m.cache.Peek(id); ok && s.Principal.ID == userID {
			m.cache.Remove(id)
		}
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.cache.Purge()
	return nil
}
