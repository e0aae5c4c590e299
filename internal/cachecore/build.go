package cachecore

import "github.com/mevdschee/cacheproxy/internal/clock"

// Options configures the tier(s) a per-cache LocalCache is built from.
type Options struct {
	MemoryBytes int64
	DiskBytes   int64
	DiskDir     string
	SegmentSize int64
	Clock       clock.Clock
	OnDiskError ErrorRecorder
}

// New builds the configured tier combination. MemoryBytes <= 0 yields a
// disabled (always-miss) cache, matching spec.md's "the cache may be
// absent" case. DiskBytes <= 0 (or no DiskDir) yields memory-only.
func New(opts Options) (*Hybrid, error) {
	mem := NewMemory(opts.MemoryBytes, opts.Clock)
	if opts.DiskBytes <= 0 || opts.DiskDir == "" {
		return NewHybrid(mem, nil), nil
	}
	disk, err := NewDisk(opts.DiskDir, opts.DiskBytes, opts.SegmentSize, opts.OnDiskError)
	if err != nil {
		return nil, err
	}
	return NewHybrid(mem, disk), nil
}
