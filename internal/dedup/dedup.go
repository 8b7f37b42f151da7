// Package dedup tracks the aggregate ids whose downstream effect has already
// been applied, so redelivered events become no-ops.
package dedup

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// ProcessedKeySet records applied keys. Add is atomic per key: of any number
// of concurrent Adds for the same key exactly one reports true.
type ProcessedKeySet interface {
	// Add inserts key and reports whether it was absent
	Add(ctx context.Context, key string) (bool, error)
	// Remove forgets key so a later delivery is applied again
	Remove(ctx context.Context, key string) error
}

type entry struct {
	key     string
	expires time.Time
}

// MemorySet is a bounded in-process ProcessedKeySet. Keys expire after ttl and
// the least recently added key is evicted once capacity is reached.
type MemorySet struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	items    map[string]*list.Element
	now      func() time.Time
}

// NewMemorySet creates a set holding at most capacity keys for ttl each.
// A non-positive ttl keeps keys until they are evicted.
func NewMemorySet(capacity int, ttl time.Duration) *MemorySet {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemorySet{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Add inserts key and reports whether it was absent or expired
func (s *MemorySet) Add(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if el, ok := s.items[key]; ok {
		if !s.expired(el.Value.(*entry), now) {
			return false, nil
		}
		s.remove(el)
	}

	s.evictExpired(now)
	for s.order.Len() >= s.capacity {
		s.remove(s.order.Back())
	}

	e := &entry{key: key}
	if s.ttl > 0 {
		e.expires = now.Add(s.ttl)
	}
	s.items[key] = s.order.PushFront(e)
	return true, nil
}

// Remove forgets key
func (s *MemorySet) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		s.remove(el)
	}
	return nil
}

// Len returns the number of keys held, including any not yet swept
func (s *MemorySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *MemorySet) expired(e *entry, now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// evictExpired drops expired keys from the tail, where the oldest live
func (s *MemorySet) evictExpired(now time.Time) {
	for el := s.order.Back(); el != nil; el = s.order.Back() {
		if !s.expired(el.Value.(*entry), now) {
			return
		}
		s.remove(el)
	}
}

func (s *MemorySet) remove(el *list.Element) {
	s.order.Remove(el)
	delete(s.items, el.Value.(*entry).key)
}

var _ ProcessedKeySet = (*MemorySet)(nil)
