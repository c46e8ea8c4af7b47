package kvstore

import (
	"context"
	"path"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests and Redis-less
// development. Expired entries are dropped lazily on read and swept by a
// background janitor.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	stop    chan struct{}
	once    sync.Once
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStore creates an empty store and starts its janitor.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	go s.janitor(30 * time.Second)
	return s
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, e := range s.entries {
				if e.expired(now) {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if e.expired(time.Now()) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

func (s *MemoryStore) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for k, e := range s.entries {
		matched, err := path.Match(pattern, k)
		if err != nil {
			return count, err
		}
		if matched {
			if !e.expired(now) {
				count++
			}
			delete(s.entries, k)
		}
	}
	return count, nil
}

func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k, e := range s.entries {
		if e.expired(now) {
			continue
		}
		matched, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if matched {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close stops the janitor. Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
