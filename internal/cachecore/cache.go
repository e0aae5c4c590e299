// Package cachecore implements the process-local tiered cache that sits in
// front of the remote backend: a weighted-LRU in-memory tier with an
// optional best-effort disk spill tier. Neither tier is ever a source of
// truth; a miss here simply means the caller falls through to the backend.
package cachecore

import (
	"container/list"
	"sync"
	"time"

	"github.com/mevdschee/cacheproxy/internal/clock"
)

const (
	// MaxTTL is the hard ceiling on any entry's lifetime.
	MaxTTL = 5 * 365 * 24 * time.Hour

	// fixedOverhead approximates the bookkeeping cost of one entry (map
	// slot, list node, struct headers) for weight accounting purposes.
	fixedOverhead = 56
)

// Value is a cached item: the flags a memcache client attached to it (0 when
// unused), the payload, and when it stops being valid.
type Value struct {
	Flags    uint32
	Data     []byte
	ExpireAt time.Time
}

// Cache is the contract every tier (and the hybrid tier composed from them)
// satisfies. Get never fails; Set and Delete never fail — disk errors are
// swallowed by the implementation and only surfaced through metrics.
type Cache interface {
	// Get returns the value for key and whether it was present and
	// unexpired at lookup time.
	Get(key string) (Value, bool)
	// Set stores value under key with the given TTL, clamped to
	// [0, MaxTTL]. A zero TTL is treated as "no expiry" for the in-memory
	// tier's bookkeeping (callers needing a client-specified minimum TTL
	// apply their own floor before calling Set).
	Set(key string, value Value, ttl time.Duration)
	// Delete removes key, returning the prior value if one existed.
	Delete(key string) (Value, bool)
	// Len reports the number of live entries, for stats/testing.
	Len() int
}

// weight is the accounting unit eviction is based on: key + payload +
// fixed per-entry overhead.
func weight(key string, v Value) int {
	return len(key) + len(v.Data) + fixedOverhead
}

// expired reports whether a zero ExpireAt ("no expiry") is never expired,
// and otherwise whether now has reached or passed expireAt.
func expired(expireAt, now time.Time) bool {
	return !expireAt.IsZero() && !now.Before(expireAt)
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

type memEntry struct {
	key    string
	value  Value
	weight int
	elem   *list.Element
}

// Memory is a single mutex-guarded weighted-LRU cache. The original source
// this proxy is modeled on kept separate sync and async in-memory tiers;
// since Go goroutines have no "blocking is forbidden here" distinction, one
// thread-safe implementation serves both call sites (see DESIGN.md).
type Memory struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64
	items    map[string]*memEntry
	order    *list.List // front = most recently used
	clock    clock.Clock
	onEvict  func(key string, v Value)
}

// NewMemory creates an in-memory tier bounded to maxBytes of aggregate
// weight. maxBytes <= 0 disables the tier entirely (Get always misses, Set
// and Delete are no-ops) so callers can uniformly construct a Cache even
// when memory_cache_bytes is configured as 0.
func NewMemory(maxBytes int64, c clock.Clock) *Memory {
	if c == nil {
		c = clock.Real()
	}
	return &Memory{
		maxBytes: maxBytes,
		items:    make(map[string]*memEntry),
		order:    list.New(),
		clock:    c,
	}
}

// OnEvict registers a callback invoked (outside the cache's lock) whenever
// an entry is evicted to satisfy the weight cap. Used by the hybrid tier to
// spill evicted entries to disk.
func (m *Memory) OnEvict(fn func(key string, v Value)) {
	m.onEvict = fn
}

func (m *Memory) disabled() bool { return m.maxBytes <= 0 }

func (m *Memory) Get(key string) (Value, bool) {
	if m.disabled() {
		return Value{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok {
		return Value{}, false
	}
	if expired(e.value.ExpireAt, m.clock.Now()) {
		m.removeLocked(e)
		return Value{}, false
	}
	m.order.MoveToFront(e.elem)
	return e.value, true
}

func (m *Memory) Set(key string, value Value, ttl time.Duration) {
	if m.disabled() {
		return
	}
	ttl = clampTTL(ttl)
	now := m.clock.Now()
	if ttl > 0 {
		value.ExpireAt = now.Add(ttl)
	} else {
		value.ExpireAt = time.Time{}
	}

	var evicted []memEntry
	m.mu.Lock()
	if old, ok := m.items[key]; ok {
		m.removeLocked(old)
	}
	w := weight(key, value)
	e := &memEntry{key: key, value: value, weight: w}
	e.elem = m.order.PushFront(e)
	m.items[key] = e
	m.curBytes += int64(w)

	for m.curBytes > m.maxBytes {
		back := m.order.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*memEntry)
		if victim.key == key {
			// Nothing else to evict; a single entry exceeds the cap.
			break
		}
		m.removeLocked(victim)
		evicted = append(evicted, memEntry{key: victim.key, value: victim.value})
	}
	m.mu.Unlock()

	if m.onEvict != nil {
		for _, v := range evicted {
			m.onEvict(v.key, v.value)
		}
	}
}

func (m *Memory) Delete(key string) (Value, bool) {
	if m.disabled() {
		return Value{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok {
		return Value{}, false
	}
	v := e.value
	m.removeLocked(e)
	return v, true
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// removeLocked must be called with m.mu held.
func (m *Memory) removeLocked(e *memEntry) {
	m.order.Remove(e.elem)
	delete(m.items, e.key)
	m.curBytes -= int64(e.weight)
}
