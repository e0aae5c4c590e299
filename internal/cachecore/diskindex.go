package cachecore

import (
	"container/heap"

	"github.com/google/btree"
)

// diskIndexEntry is one btree item: key -> its segment location plus the
// expiry it was last written with. Grounded on tqcache's IndexEntry/btree
// pairing, trimmed to what the disk tier's flat segment layout needs (no
// bucket/slot bookkeeping, since there is no in-place defrag here).
type diskIndexEntry struct {
	key    string
	loc    diskLocation
	expiry int64 // unix seconds, 0 = no expiry
}

func (e diskIndexEntry) Less(than btree.Item) bool {
	return e.key < than.(diskIndexEntry).key
}

// expiryEntry and expiryHeap mirror tqcache's ExpiryHeap: a min-heap ordered
// by expiry time so the reaper can pop exactly the entries due for
// cleanup instead of scanning the whole index.
type expiryEntry struct {
	key    string
	expiry int64
	index  int
}

type expiryHeap struct {
	entries []*expiryEntry
	byKey   map[string]int
}

func newExpiryHeap() *expiryHeap {
	return &expiryHeap{byKey: make(map[string]int)}
}

func (h *expiryHeap) Len() int            { return len(h.entries) }
func (h *expiryHeap) Less(i, j int) bool  { return h.entries[i].expiry < h.entries[j].expiry }
func (h *expiryHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
	h.byKey[h.entries[i].key] = i
	h.byKey[h.entries[j].key] = j
}

func (h *expiryHeap) Push(x interface{}) {
	e := x.(*expiryEntry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
	h.byKey[e.key] = e.index
}

func (h *expiryHeap) Pop() interface{} {
	n := len(h.entries)
	e := h.entries[n-1]
	h.entries = h.entries[:n-1]
	delete(h.byKey, e.key)
	return e
}

func (h *expiryHeap) peekMin() *expiryEntry {
	if len(h.entries) == 0 {
		return nil
	}
	return h.entries[0]
}

// set inserts or updates key's expiry, removing it from the heap entirely
// when expiry is 0 ("no expiry" is never a reap candidate).
func (h *expiryHeap) set(key string, expiry int64) {
	if idx, ok := h.byKey[key]; ok {
		if expiry == 0 {
			heap.Remove(h, idx)
			return
		}
		h.entries[idx].expiry = expiry
		heap.Fix(h, idx)
		return
	}
	if expiry != 0 {
		heap.Push(h, &expiryEntry{key: key, expiry: expiry})
	}
}

func (h *expiryHeap) remove(key string) {
	if idx, ok := h.byKey[key]; ok {
		heap.Remove(h, idx)
	}
}

// popExpired removes and returns every key whose expiry is <= nowUnix.
func (h *expiryHeap) popExpired(nowUnix int64) []string {
	var due []string
	for {
		min := h.peekMin()
		if min == nil || min.expiry > nowUnix {
			break
		}
		heap.Pop(h)
		due = append(due, min.key)
	}
	return due
}
