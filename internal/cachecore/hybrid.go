package cachecore

import "time"

// Hybrid composes a Memory tier with a Disk spill tier: reads check memory
// first and fall back to disk (promoting hits back into memory); writes go
// to memory, and whatever memory evicts to stay within its weight cap is
// spilled to disk instead of being discarded outright.
type Hybrid struct {
	mem  *Memory
	disk *Disk
}

// NewHybrid wires mem and disk together. mem must be non-nil; disk may be
// nil, in which case Hybrid behaves exactly like mem alone (used when a
// cache config enables the memory tier but not disk_cache_bytes).
func NewHybrid(mem *Memory, disk *Disk) *Hybrid {
	h := &Hybrid{mem: mem, disk: disk}
	if disk != nil {
		mem.OnEvict(func(key string, v Value) {
			ttl := time.Duration(0)
			if !v.ExpireAt.IsZero() {
				ttl = time.Until(v.ExpireAt)
				if ttl <= 0 {
					return // already expired, no point spilling it
				}
			}
			disk.Set(key, v, ttl)
		})
	}
	return h
}

func (h *Hybrid) Get(key string) (Value, bool) {
	if v, ok := h.mem.Get(key); ok {
		return v, true
	}
	if h.disk == nil {
		return Value{}, false
	}
	v, ok := h.disk.Get(key)
	if !ok {
		return Value{}, false
	}
	ttl := time.Duration(0)
	if !v.ExpireAt.IsZero() {
		ttl = time.Until(v.ExpireAt)
		if ttl <= 0 {
			return Value{}, false
		}
	}
	h.mem.Set(key, v, ttl)
	return v, true
}

func (h *Hybrid) Set(key string, value Value, ttl time.Duration) {
	h.mem.Set(key, value, ttl)
}

func (h *Hybrid) Delete(key string) (Value, bool) {
	v, ok := h.mem.Delete(key)
	if h.disk != nil {
		if dv, dok := h.disk.Delete(key); dok && !ok {
			v, ok = dv, true
		}
	}
	return v, ok
}

func (h *Hybrid) Len() int {
	n := h.mem.Len()
	if h.disk != nil {
		n += h.disk.Len()
	}
	return n
}

// Close releases the disk tier's file handles, if any.
func (h *Hybrid) Close() error {
	if h.disk == nil {
		return nil
	}
	return h.disk.Close()
}
