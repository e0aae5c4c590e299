package engine

import (
	"context"
	"sync"
	"time"
)

// fakeBackend is an in-memory backend.Backend used to exercise the engine
// without a real redis/memcache server. delay lets a test force one key's
// Get to complete after another's, to prove response ordering survives
// out-of-order dispatch completion.
type fakeBackend struct {
	mu    sync.Mutex
	data  map[string][]byte
	delay map[string]time.Duration
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{data: make(map[string][]byte), delay: make(map[string]time.Duration)}
}

func (f *fakeBackend) setDelay(key string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay[key] = d
}

func (f *fakeBackend) Get(ctx context.Context, cacheName, key string) ([]byte, bool, error) {
	f.mu.Lock()
	d := f.delay[key]
	f.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (f *fakeBackend) Set(ctx context.Context, cacheName, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	f.data[key] = cp
	return nil
}

func (f *fakeBackend) Delete(ctx context.Context, cacheName, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeBackend) Close() error { return nil }
