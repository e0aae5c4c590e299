package cachecore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
)

// DefaultSegmentSize is the size of one disk-spill file before the tier
// rolls to the next segment.
const DefaultSegmentSize = 4 * 1024 * 1024

// diskRecord is the on-disk encoding of one spilled entry:
//
//	[keyLen uint16][key][dataLen uint32][data][flags uint32][expireAtUnix int64]
//
// Fixed-width header fields, variable-width key/data — the same shape as
// the teacher's key/data record split, collapsed into one record per entry
// since the disk tier has no separate index file of its own (the index
// lives in memory; see Disk.index).
const diskRecordHeaderSize = 2 + 4 + 4 + 8

type diskLocation struct {
	segment int
	offset  int64
	length  int64
}

// ErrorRecorder is invoked whenever the disk tier swallows an I/O error, so
// callers can count it in metrics without the disk tier importing the
// metrics package.
type ErrorRecorder func(op string, err error)

// Disk is a best-effort spill tier: a directory of fixed-size segment
// files, written sequentially, with an in-memory key -> location index and
// weighted-LRU eviction bounding the tracked (not necessarily on-disk,
// since stale bytes from evicted entries are never reclaimed) size.
// Grounded on the teacher's fixed-size bucketed segment files
// (pkg/tqsession/storage.go), adapted from many size-bucketed files to one
// growing sequence of fixed-size segments because this tier has no notion
// of a value-size bucket — any size is appended wherever it fits. The key
// index is a github.com/google/btree.BTree rather than a plain map, and a
// min-heap tracks expiry for active reaping, both mirroring tqcache's
// Index/ExpiryHeap pairing (see diskindex.go).
type Disk struct {
	mu          sync.Mutex
	dir         string
	segmentSize int64
	maxBytes    int64
	curBytes    int64
	index       *btree.BTree
	expiry      *expiryHeap
	order       *list2
	segments    map[int]*os.File
	activeSeg   int
	activeOff   int64
	onError     ErrorRecorder
	stopReap    chan struct{}
}

// NewDisk opens (creating if necessary) a spill directory bounded to
// maxBytes of tracked weight, using segmentSize-byte files.
func NewDisk(dir string, maxBytes int64, segmentSize int64, onError ErrorRecorder) (*Disk, error) {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	if onError == nil {
		onError = func(string, error) {}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cachecore: create disk dir: %w", err)
	}
	d := &Disk{
		dir:         dir,
		segmentSize: segmentSize,
		maxBytes:    maxBytes,
		index:       btree.New(32),
		expiry:      newExpiryHeap(),
		order:       newList2(),
		segments:    make(map[int]*os.File),
		stopReap:    make(chan struct{}),
	}
	d.onError = onError
	f, err := d.openSegment(0)
	if err != nil {
		return nil, err
	}
	d.segments[0] = f
	go d.reapLoop()
	return d, nil
}

// reapLoop periodically pops entries past their expiry off the expiry heap
// and drops them from the index, the same lazy-cleanup role tqcache's
// ExpiryHeap plays alongside its on-read expiry check.
func (d *Disk) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.reapExpired()
		case <-d.stopReap:
			return
		}
	}
}

func (d *Disk) reapExpired() {
	d.mu.Lock()
	due := d.expiry.popExpired(time.Now().Unix())
	for _, key := range due {
		if item := d.index.Delete(diskIndexEntry{key: key}); item != nil {
			e := item.(diskIndexEntry)
			d.curBytes -= e.loc.length
			d.order.remove(key)
		}
	}
	d.mu.Unlock()
}

func (d *Disk) openSegment(n int) (*os.File, error) {
	path := filepath.Join(d.dir, fmt.Sprintf("segment-%08d.dat", n))
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
}

// Get returns the spilled value for key, or a miss if the key is unknown or
// the underlying read fails (disk content loss is never an error to the
// caller).
func (d *Disk) Get(key string) (Value, bool) {
	d.mu.Lock()
	item := d.index.Get(diskIndexEntry{key: key})
	if item == nil {
		d.mu.Unlock()
		return Value{}, false
	}
	loc := item.(diskIndexEntry).loc
	seg := d.segments[loc.segment]
	d.mu.Unlock()
	if seg == nil {
		d.forget(key)
		return Value{}, false
	}

	buf := make([]byte, loc.length)
	if _, err := seg.ReadAt(buf, loc.offset); err != nil {
		d.onError("disk_read", err)
		d.forget(key)
		return Value{}, false
	}

	v, readKey, err := decodeDiskRecord(buf)
	if err != nil || readKey != key {
		d.onError("disk_decode", err)
		d.forget(key)
		return Value{}, false
	}

	d.mu.Lock()
	d.order.touch(key)
	d.mu.Unlock()
	return v, true
}

// Set spills value to disk, evicting the oldest entries first if needed to
// stay within maxBytes.
func (d *Disk) Set(key string, value Value, ttl time.Duration) {
	ttl = clampTTL(ttl)
	var expireAt time.Time
	if ttl > 0 {
		expireAt = time.Now().Add(ttl)
	}
	value.ExpireAt = expireAt

	rec := encodeDiskRecord(key, value)

	d.mu.Lock()
	defer d.mu.Unlock()

	if old := d.index.Delete(diskIndexEntry{key: key}); old != nil {
		d.curBytes -= old.(diskIndexEntry).loc.length
		d.order.remove(key)
	}

	for d.curBytes+int64(len(rec)) > d.maxBytes && d.order.len() > 0 {
		victim := d.order.popOldest()
		if old := d.index.Delete(diskIndexEntry{key: victim}); old != nil {
			d.curBytes -= old.(diskIndexEntry).loc.length
			d.expiry.remove(victim)
		}
	}
	if int64(len(rec)) > d.maxBytes {
		return // record itself exceeds the budget; refuse rather than thrash
	}

	if d.activeOff+int64(len(rec)) > d.segmentSize {
		d.activeSeg++
		d.activeOff = 0
		f, err := d.openSegment(d.activeSeg)
		if err != nil {
			d.onError("disk_rotate", err)
			return
		}
		d.segments[d.activeSeg] = f
	}

	f := d.segments[d.activeSeg]
	if _, err := f.WriteAt(rec, d.activeOff); err != nil {
		d.onError("disk_write", err)
		return
	}

	loc := diskLocation{segment: d.activeSeg, offset: d.activeOff, length: int64(len(rec))}
	var expiry int64
	if !value.ExpireAt.IsZero() {
		expiry = value.ExpireAt.Unix()
	}
	d.index.ReplaceOrInsert(diskIndexEntry{key: key, loc: loc, expiry: expiry})
	d.expiry.set(key, expiry)
	d.order.pushNewest(key)
	d.curBytes += int64(len(rec))
	d.activeOff += int64(len(rec))
}

// Delete removes key from the index. The underlying bytes are left in
// place; disk content is internal and never read back once forgotten.
func (d *Disk) Delete(key string) (Value, bool) {
	d.mu.Lock()
	item := d.index.Delete(diskIndexEntry{key: key})
	var loc diskLocation
	ok := item != nil
	if ok {
		loc = item.(diskIndexEntry).loc
		d.order.remove(key)
		d.expiry.remove(key)
		d.curBytes -= loc.length
	}
	seg := d.segments[loc.segment]
	d.mu.Unlock()
	if !ok || seg == nil {
		return Value{}, false
	}
	buf := make([]byte, loc.length)
	if _, err := seg.ReadAt(buf, loc.offset); err != nil {
		return Value{}, false
	}
	v, _, err := decodeDiskRecord(buf)
	if err != nil {
		return Value{}, false
	}
	return v, true
}

func (d *Disk) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.index.Len()
}

func (d *Disk) forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if item := d.index.Delete(diskIndexEntry{key: key}); item != nil {
		d.curBytes -= item.(diskIndexEntry).loc.length
		d.order.remove(key)
		d.expiry.remove(key)
	}
}

// Close stops the reaper and closes every open segment file.
func (d *Disk) Close() error {
	close(d.stopReap)
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, f := range d.segments {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func encodeDiskRecord(key string, v Value) []byte {
	buf := make([]byte, diskRecordHeaderSize+len(key)+len(v.Data))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(key)))
	off := 2
	copy(buf[off:], key)
	off += len(key)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(v.Data)))
	off += 4
	copy(buf[off:], v.Data)
	off += len(v.Data)
	binary.LittleEndian.PutUint32(buf[off:off+4], v.Flags)
	off += 4
	var epoch int64
	if !v.ExpireAt.IsZero() {
		epoch = v.ExpireAt.Unix()
	}
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(epoch))
	return buf
}

func decodeDiskRecord(buf []byte) (Value, string, error) {
	if len(buf) < 2 {
		return Value{}, "", fmt.Errorf("cachecore: short disk record")
	}
	keyLen := int(binary.LittleEndian.Uint16(buf[0:2]))
	off := 2
	if off+keyLen+4 > len(buf) {
		return Value{}, "", fmt.Errorf("cachecore: truncated disk record")
	}
	key := string(buf[off : off+keyLen])
	off += keyLen
	dataLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if off+dataLen+4+8 > len(buf) {
		return Value{}, "", fmt.Errorf("cachecore: truncated disk record body")
	}
	data := make([]byte, dataLen)
	copy(data, buf[off:off+dataLen])
	off += dataLen
	flags := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	epoch := int64(binary.LittleEndian.Uint64(buf[off : off+8]))
	var expireAt time.Time
	if epoch != 0 {
		expireAt = time.Unix(epoch, 0)
	}
	return Value{Flags: flags, Data: data, ExpireAt: expireAt}, key, nil
}
