package services

import (
	"context"
	"sync"
	"time"
)

// ExpiringStore is a process-wide map whose entries expire after a fixed
// TTL. Expired entries are invisible to readers and removed by Sweep, which
// Run calls periodically.
type ExpiringStore[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]expiringItem[V]
	ttl   time.Duration
	now   func() time.Time
}

type expiringItem[V any] struct {
	value     V
	expiresAt time.Time
}

func NewExpiringStore[K comparable, V any](ttl time.Duration) *ExpiringStore[K, V] {
	return &ExpiringStore[K, V]{
		items: make(map[K]expiringItem[V]),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (s *ExpiringStore[K, V]) Set(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = expiringItem[V]{value: value, expiresAt: s.now().Add(s.ttl)}
}

func (s *ExpiringStore[K, V]) Get(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

// Update replaces the value for key with fn(current, found) and refreshes
// its expiry.
func (s *ExpiringStore[K, V]) Update(key K, fn func(current V, found bool) V) V {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, found := s.getLocked(key)
	next := fn(current, found)
	s.items[key] = expiringItem[V]{value: next, expiresAt: s.now().Add(s.ttl)}
	return next
}

// Take returns and removes the value for key.
func (s *ExpiringStore[K, V]) Take(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.getLocked(key)
	delete(s.items, key)
	return v, ok
}

func (s *ExpiringStore[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

func (s *ExpiringStore[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Sweep evicts expired entries and returns how many were removed.
func (s *ExpiringStore[K, V]) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, item := range s.items {
		if !now.Before(item.expiresAt) {
			delete(s.items, key)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (s *ExpiringStore[K, V]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (s *ExpiringStore[K, V]) getLocked(key K) (V, bool) {
	item, ok := s.items[key]
	if !ok || !s.now().Before(item.expiresAt) {
		var zero V
		return zero, false
	}
	return item.value, true
}
