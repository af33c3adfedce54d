package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/location"
)

// DefaultMaxEntries caps the in-memory store.
const DefaultMaxEntries = 10000

// MemoryConfig holds configuration for the in-memory store.
type MemoryConfig struct {
	// TTL is how long readings stay fresh (default: 300s).
	TTL time.Duration

	// MaxEntries caps the number of stored keys; the least recently used key
	// is evicted beyond it (default: 10000).
	MaxEntries int
}

// Memory is a process-local TTL cache with LRU eviction.
type Memory struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[location.Key]*list.Element
	lru     *list.List
}

// NewMemory creates an in-memory store.
func NewMemory(cfg MemoryConfig) *Memory {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	return &Memory{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[location.Key]*list.Element),
		lru:        list.New(),
	}
}

// Get returns the fresh reading for key. An expired entry is evicted.
func (m *Memory) Get(_ context.Context, key location.Key) (*airquality.Reading, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}

	entry := el.Value.(*Entry)
	if entry.Expired(time.Now()) {
		m.remove(el)
		return nil, false, nil
	}

	m.lru.MoveToFront(el)
	return entry.Reading, true, nil
}

// Put stores reading under key, replacing any previous reading.
func (m *Memory) Put(_ context.Context, key location.Key, reading *airquality.Reading) error {
	entry := NewEntry(key, reading, m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		el.Value = entry
		m.lru.MoveToFront(el)
		return nil
	}

	m.entries[key] = m.lru.PushFront(entry)
	for m.lru.Len() > m.maxEntries {
		m.remove(m.lru.Back())
	}
	return nil
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// Purge evicts every expired entry and returns how many were removed.
func (m *Memory) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for el := m.lru.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*Entry).Expired(now) {
			m.remove(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Sweep purges expired entries every interval until ctx is done.
func (m *Memory) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Purge()
		}
	}
}

func (m *Memory) remove(el *list.Element) {
	m.lru.Remove(el)
	delete(m.entries, el.Value.(*Entry).Key)
}
