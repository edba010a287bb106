package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/lazytree/internal/debug"
	"github.com/standardbeagle/lazytree/internal/types"
)

// Memory store configuration defaults
const (
	DefaultMaxEntries = 64
	DefaultTTL        = 2 * time.Hour
)

// MemoryConfig configures a MemoryStore
type MemoryConfig struct {
	MaxEntries int           // 0 disables the bound
	TTL        time.Duration // 0 keeps entries until evicted
}

// DefaultMemoryConfig returns default configuration
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxEntries: DefaultMaxEntries,
		TTL:        DefaultTTL,
	}
}

type memoryEntry[T types.Entity] struct {
	snap     *Snapshot[T]
	storedAt int64 // Unix nano for atomic compare
}

// MemoryStore is a process-local Store backed by sync.Map. Entries are
// cloned on the way in and out so callers never share records with it.
type MemoryStore[T types.Entity] struct {
	entries sync.Map // map[string]*memoryEntry[T]

	// Configuration (read-only after creation)
	maxEntries int
	ttlNanos   int64

	// Serializes bound enforcement so concurrent Sets evict once
	evictMu sync.Mutex

	// Atomic counters
	count     int64
	hits      int64
	misses    int64
	evictions int64

	now func() time.Time
}

// MemoryStats is a point-in-time view of the store counters
type MemoryStats struct {
	Entries   int64
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// NewMemoryStore creates an empty store
func NewMemoryStore[T types.Entity](config MemoryConfig) *MemoryStore[T] {
	return &MemoryStore[T]{
		maxEntries: config.MaxEntries,
		ttlNanos:   config.TTL.Nanoseconds(),
		now:        time.Now,
	}
}

// Get implements Store
func (m *MemoryStore[T]) Get(key string) (*Snapshot[T], error) {
	val, ok := m.entries.Load(key)
	if !ok {
		atomic.AddInt64(&m.misses, 1)
		debug.LogCache("memory miss %s\n", key)
		return nil, nil
	}
	entry := val.(*memoryEntry[T])
	if m.expired(entry) {
		// Expired - delete lazily
		if m.entries.CompareAndDelete(key, val) {
			atomic.AddInt64(&m.count, -1)
		}
		atomic.AddInt64(&m.misses, 1)
		debug.LogCache("memory expired %s\n", key)
		return nil, nil
	}
	atomic.AddInt64(&m.hits, 1)
	return entry.snap.Clone(), nil
}

// Set implements Store
func (m *MemoryStore[T]) Set(key string, snap *Snapshot[T]) error {
	if snap == nil {
		return m.Delete(key)
	}
	entry := &memoryEntry[T]{snap: snap.Clone(), storedAt: m.now().UnixNano()}
	if _, loaded := m.entries.Swap(key, entry); !loaded {
		atomic.AddInt64(&m.count, 1)
	}
	m.enforceBound(key)
	return nil
}

// Delete implements Store
func (m *MemoryStore[T]) Delete(key string) error {
	if _, loaded := m.entries.LoadAndDelete(key); loaded {
		atomic.AddInt64(&m.count, -1)
	}
	return nil
}

// Clear drops every entry. Counters are kept.
func (m *MemoryStore[T]) Clear() {
	m.entries.Range(func(key, _ any) bool {
		if _, loaded := m.entries.LoadAndDelete(key); loaded {
			atomic.AddInt64(&m.count, -1)
		}
		return true
	})
}

// CleanExpired removes expired entries and returns how many were dropped
func (m *MemoryStore[T]) CleanExpired() int {
	removed := 0
	m.entries.Range(func(key, val any) bool {
		if m.expired(val.(*memoryEntry[T])) && m.entries.CompareAndDelete(key, val) {
			atomic.AddInt64(&m.count, -1)
			removed++
		}
		return true
	})
	return removed
}

// Stats returns the current counters
func (m *MemoryStore[T]) Stats() MemoryStats {
	hits := atomic.LoadInt64(&m.hits)
	misses := atomic.LoadInt64(&m.misses)
	stats := MemoryStats{
		Entries:   atomic.LoadInt64(&m.count),
		Hits:      hits,
		Misses:    misses,
		Evictions: atomic.LoadInt64(&m.evictions),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

func (m *MemoryStore[T]) expired(entry *memoryEntry[T]) bool {
	if m.ttlNanos <= 0 {
		return false
	}
	return m.now().UnixNano()-entry.storedAt > m.ttlNanos
}

// enforceBound evicts the oldest entries other than keep until the store is
// back under maxEntries.
func (m *MemoryStore[T]) enforceBound(keep string) {
	if m.maxEntries <= 0 || atomic.LoadInt64(&m.count) <= int64(m.maxEntries) {
		return
	}
	m.evictMu.Lock()
	defer m.evictMu.Unlock()

	for atomic.LoadInt64(&m.count) > int64(m.maxEntries) {
		var oldestKey any
		var oldestVal any
		oldest := int64(-1)
		m.entries.Range(func(key, val any) bool {
			if key.(string) == keep {
				return true
			}
			at := val.(*memoryEntry[T]).storedAt
			if oldest < 0 || at < oldest {
				oldest, oldestKey, oldestVal = at, key, val
			}
			return true
		})
		if oldestKey == nil {
			return
		}
		if m.entries.CompareAndDelete(oldestKey, oldestVal) {
			atomic.AddInt64(&m.count, -1)
			atomic.AddInt64(&m.evictions, 1)
			debug.LogCache("memory evicted %s\n", oldestKey)
		}
	}
}
