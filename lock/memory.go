package lock

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value   string
	expires time.Time
}

// MemoryStore is an in-process Store for single-node deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	locks   map[string]memEntry
	appoint map[string]memEntry
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: map[string]memEntry{}, appoint: map[string]memEntry{}, now: time.Now}
}

func (s *MemoryStore) live(m map[string]memEntry, key string) (string, bool) {
	e, ok := m[key]
	if !ok {
		return "", false
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(m, key)
		return "", false
	}
	return e.value, true
}

func (s *MemoryStore) TryAcquire(ctx context.Context, key, token, identity string, ttl time.Duration) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Busy, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	appointed, hasAppointment := s.live(s.appoint, key)
	if hasAppointment {
		if identity == "" {
			return Busy, nil
		}
		if appointed != identity {
			return Mismatch, nil
		}
	}
	if _, held := s.live(s.locks, key); held {
		return Busy, nil
	}
	s.locks[key] = memEntry{value: token, expires: s.expiry(ttl)}
	delete(s.appoint, key)
	return Acquired, nil
}

func (s *MemoryStore) Release(ctx context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.live(s.locks, key); ok && v == token {
		delete(s.locks, key)
	}
	return nil
}

func (s *MemoryStore) Appoint(ctx context.Context, key, identity string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appoint[key] = memEntry{value: identity, expires: s.expiry(ttl)}
	return nil
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Held reports whether key is currently locked.
func (s *MemoryStore) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(s.locks, key)
	return ok
}
