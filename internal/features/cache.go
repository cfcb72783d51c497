package features

import (
	"sync"
	"time"
)

// Entry is one cached value with its fetch and expiry timestamps. Stale
// entries are still served to avoid flicker; staleness only signals that a
// background refresh is due.
type Entry[T any] struct {
	Data      T
	FetchedAt time.Time
	Expiry    time.Time
}

// Stale reports whether the entry is past its TTL at the given instant.
func (e Entry[T]) Stale(now time.Time) bool {
	return now.After(e.Expiry)
}

// Cache is an in-memory TTL cache. Writes replace entries atomically with
// respect to concurrent reads. When the entry count exceeds the configured
// maximum, entries with the oldest FetchedAt are evicted first
// (insertion-ordered, not access-ordered). All operations are infallible;
// the only failure mode is a miss.
type Cache[T any] struct {
	mu         sync.RWMutex
	entries    map[string]Entry[T]
	order      []string
	maxEntries int
	now        func() time.Time
}

// NewCache constructs a Cache bounded to maxEntries. A non-positive bound
// means unbounded.
func NewCache[T any](maxEntries int) *Cache[T] {
	return &Cache[T]{
		entries:    make(map[string]Entry[T]),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the entry for key, stale or not, and whether it exists.
func (s *Cache[T]) Get(key string) (Entry[T], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	return entry, ok
}

// Set stores data under key with the given TTL, replacing any prior entry.
func (s *Cache[T]) Set(key string, data T, ttl time.Duration) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; exists {
		s.removeFromOrder(key)
	}
	s.entries[key] = Entry[T]{Data: data, FetchedAt: now, Expiry: now.Add(ttl)}
	s.order = append(s.order, key)
	for s.maxEntries > 0 && len(s.entries) > s.maxEntries {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}
}

// Invalidate removes the entry for key, if any.
func (s *Cache[T]) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; !exists {
		return
	}
	delete(s.entries, key)
	s.removeFromOrder(key)
}

// InvalidateAll removes every entry.
func (s *Cache[T]) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry[T])
	s.order = nil
}

// Len returns the number of live entries.
func (s *Cache[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Cache[T]) removeFromOrder(key string) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
