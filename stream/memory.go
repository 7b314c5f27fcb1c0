package stream

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type memStream struct {
	msgs    []Message
	flags   map[string]bool
	expires time.Time
	notify  chan struct{}
}

// MemoryStore is an in-process Store. Reading a stream never creates it;
// reading one removed by Delete fails with ErrStreamNotFound until it is
// appended to again.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[string]*memStream
	deleted map[string]bool
	// created is closed and replaced whenever a stream is created.
	created chan struct{}
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string]*memStream),
		deleted: make(map[string]bool),
		created: make(chan struct{}),
		now:     time.Now,
	}
}

// get returns the live stream, creating it when create is set. Expired
// streams are dropped. Callers hold mu.
func (s *MemoryStore) get(name string, create bool) *memStream {
	st, ok := s.streams[name]
	if ok && !st.expires.IsZero() && !s.now().Before(st.expires) {
		delete(s.streams, name)
		close(st.notify)
		ok = false
	}
	if !ok {
		if !create {
			return nil
		}
		st = &memStream{flags: map[string]bool{}, notify: make(chan struct{})}
		s.streams[name] = st
		delete(s.deleted, name)
		close(s.created)
		s.created = make(chan struct{})
	}
	return st
}

func (s *MemoryStore) touch(st *memStream, ttl time.Duration) {
	if ttl > 0 {
		st.expires = s.now().Add(ttl)
	}
}

func (s *MemoryStore) Append(ctx context.Context, name string, m Message, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(name, true)
	m.ID = strconv.Itoa(len(st.msgs) + 1)
	m.Payload = append([]byte(nil), m.Payload...)
	st.msgs = append(st.msgs, m)
	s.touch(st, ttl)
	close(st.notify)
	st.notify = make(chan struct{})
	return m.ID, nil
}

func (s *MemoryStore) Read(ctx context.Context, name, after string, timeout time.Duration) (Message, error) {
	pos := 0
	if after != "" {
		n, err := strconv.Atoi(after)
		if err != nil {
			return Message{}, err
		}
		pos = n
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if s.deleted[name] {
			s.mu.Unlock()
			return Message{}, fmt.Errorf("%w: %s", ErrStreamNotFound, name)
		}
		wait := s.created
		if st := s.get(name, false); st != nil {
			if pos < len(st.msgs) {
				m := st.msgs[pos]
				s.mu.Unlock()
				return m, nil
			}
			wait = st.notify
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-timer.C:
			return Message{}, ErrReadTimeout
		case <-wait:
		}
	}
}

func (s *MemoryStore) SetFlag(ctx context.Context, name, flag string, ttl time.Duration) (bool, bool, error) {
	if err := ctx.Err(); err != nil {
		return false, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(name, true)
	st.flags[flag] = true
	s.touch(st, ttl)
	return st.flags[FlagSender], st.flags[FlagReader], nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[name]; ok {
		delete(s.streams, name)
		close(st.notify)
	}
	s.deleted[name] = true
	return nil
}

// Exists reports whether a live stream is stored under name.
func (s *MemoryStore) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(name, false) != nil
}
