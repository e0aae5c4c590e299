package cachecore

import (
	"testing"
	"time"

	"github.com/mevdschee/cacheproxy/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGet(t *testing.T) {
	m := NewMemory(1<<20, clock.Real())

	m.Set("foo", Value{Data: []byte("bar")}, time.Minute)
	v, ok := m.Get("foo")
	require.True(t, ok)
	assert.Equal(t, "bar", string(v.Data))
}

func TestMemoryMissWhenDisabled(t *testing.T) {
	m := NewMemory(0, clock.Real())
	m.Set("foo", Value{Data: []byte("bar")}, time.Minute)
	_, ok := m.Get("foo")
	assert.False(t, ok)
}

func TestMemoryExpiry(t *testing.T) {
	fc := clock.NewFrozen(time.Unix(0, 0))
	m := NewMemory(1<<20, fc)

	m.Set("foo", Value{Data: []byte("bar")}, time.Second)
	_, ok := m.Get("foo")
	require.True(t, ok)

	fc.Advance(2 * time.Second)
	_, ok = m.Get("foo")
	assert.False(t, ok, "entry must not be returned once now >= expire_at")
}

func TestMemoryNoExpiryWhenTTLZero(t *testing.T) {
	fc := clock.NewFrozen(time.Unix(0, 0))
	m := NewMemory(1<<20, fc)

	m.Set("foo", Value{Data: []byte("bar")}, 0)
	fc.Advance(365 * 24 * time.Hour)
	_, ok := m.Get("foo")
	assert.True(t, ok)
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory(1<<20, clock.Real())
	m.Set("foo", Value{Data: []byte("bar")}, time.Minute)

	v, ok := m.Delete("foo")
	require.True(t, ok)
	assert.Equal(t, "bar", string(v.Data))

	_, ok = m.Get("foo")
	assert.False(t, ok)
}

func TestMemoryEvictionRespectsWeightCap(t *testing.T) {
	// Each entry weighs len(key)+len(data)+fixedOverhead. Pick a cap that
	// only fits one entry at a time so eviction is forced on every Set.
	m := NewMemory(int64(weight("k", Value{Data: []byte("0123456789")})), clock.Real())

	m.Set("a", Value{Data: []byte("0123456789")}, 0)
	m.Set("b", Value{Data: []byte("0123456789")}, 0)

	_, aOK := m.Get("a")
	_, bOK := m.Get("b")
	assert.False(t, aOK, "oldest entry should have been evicted")
	assert.True(t, bOK)
	assert.Equal(t, 1, m.Len())
}

func TestMemoryEvictionTiesBrokenByRecency(t *testing.T) {
	cap := int64(weight("a", Value{Data: []byte("x")}) * 2)
	m := NewMemory(cap, clock.Real())

	m.Set("a", Value{Data: []byte("x")}, 0)
	m.Set("b", Value{Data: []byte("x")}, 0)
	// Touch "a" so "b" becomes the least recently used.
	m.Get("a")
	m.Set("c", Value{Data: []byte("x")}, 0)

	_, aOK := m.Get("a")
	_, bOK := m.Get("b")
	_, cOK := m.Get("c")
	assert.True(t, aOK)
	assert.False(t, bOK, "least recently used entry must be evicted first")
	assert.True(t, cOK)
}

func TestHybridPromotesFromDisk(t *testing.T) {
	dir := t.TempDir()
	mem := NewMemory(1<<20, clock.Real())
	disk, err := NewDisk(dir, 1<<20, 0, nil)
	require.NoError(t, err)
	h := NewHybrid(mem, disk)

	h.Set("foo", Value{Data: []byte("bar")}, time.Minute)
	// Force it out of memory directly to simulate eviction already having
	// spilled it, then confirm disk-tier lookup repopulates memory.
	mem.Delete("foo")
	disk.Set("foo", Value{Data: []byte("bar")}, time.Minute)

	v, ok := h.Get("foo")
	require.True(t, ok)
	assert.Equal(t, "bar", string(v.Data))

	// Second Get should now hit memory (promoted).
	mem.OnEvict(func(string, Value) { t.Fatal("unexpected eviction") })
	v2, ok2 := mem.Get("foo")
	require.True(t, ok2)
	assert.Equal(t, "bar", string(v2.Data))
}

func TestHybridSpillsOnEviction(t *testing.T) {
	dir := t.TempDir()
	small := int64(weight("a", Value{Data: []byte("x")}))
	mem := NewMemory(small, clock.Real())
	disk, err := NewDisk(dir, 1<<20, 0, nil)
	require.NoError(t, err)
	h := NewHybrid(mem, disk)

	h.Set("a", Value{Data: []byte("x")}, time.Minute)
	h.Set("b", Value{Data: []byte("x")}, time.Minute) // evicts "a" from memory

	v, ok := h.Get("a")
	require.True(t, ok, "evicted entry should be served from disk spill")
	assert.Equal(t, "x", string(v.Data))
}

func TestDiskReapExpiredDropsExpiredEntries(t *testing.T) {
	dir := t.TempDir()
	disk, err := NewDisk(dir, 1<<20, 0, nil)
	require.NoError(t, err)

	disk.Set("stale", Value{Data: []byte("x")}, time.Nanosecond)
	disk.Set("fresh", Value{Data: []byte("y")}, time.Hour)
	time.Sleep(time.Millisecond)

	disk.reapExpired()

	item := disk.index.Get(diskIndexEntry{key: "stale"})
	assert.Nil(t, item, "expired entry must be dropped from the index by the reaper")
	_, ok := disk.Get("fresh")
	assert.True(t, ok, "unexpired entry must survive a reap pass")
	assert.Equal(t, 1, disk.Len())
}

func TestDiskSurvivesGarbageAsMiss(t *testing.T) {
	dir := t.TempDir()
	disk, err := NewDisk(dir, 1<<20, 0, nil)
	require.NoError(t, err)

	_, ok := disk.Get("missing")
	assert.False(t, ok)
}
