package backend

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// memcacheInboxDepth bounds how many in-flight calls a single worker will
// queue before new callers block, keeping one slow connection from letting
// unbounded goroutines pile up behind it.
const memcacheInboxDepth = 100

// memcacheReconnectBackoff is the minimum pause between connection retries
// on a worker that observed an I/O failure, mirroring the teacher's
// reconnect-on-error posture in its own connection handling.
const memcacheReconnectBackoff = 100 * time.Millisecond

// memcacheCall is one request handed from a caller goroutine to a worker.
type memcacheCall struct {
	fn   func(*memcache.Client) error
	done chan error
}

// memcacheWorker owns one gomemcache.Client (itself backed by one pooled
// connection, via MaxIdleConns=1) and serializes calls to it through inbox.
// Grounded on the teacher's single-owner-goroutine pattern
// (pkg/tqcache/worker.go's Worker.run loop), generalized from "one worker
// owns all cache state" to "one worker owns one backend connection".
type memcacheWorker struct {
	client *memcache.Client
	inbox  chan memcacheCall
	stop   chan struct{}
}

func newMemcacheWorker(server string) *memcacheWorker {
	client := memcache.New(server)
	client.MaxIdleConns = 1
	w := &memcacheWorker{
		client: client,
		inbox:  make(chan memcacheCall, memcacheInboxDepth),
		stop:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *memcacheWorker) run() {
	for {
		select {
		case call := <-w.inbox:
			err := call.fn(w.client)
			if isMemcacheIOErr(err) {
				time.Sleep(memcacheReconnectBackoff)
			}
			call.done <- err
		case <-w.stop:
			return
		}
	}
}

func isMemcacheIOErr(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, memcache.ErrCacheMiss):
		return false
	case errors.Is(err, memcache.ErrMalformedKey):
		return false
	default:
		return true
	}
}

func (w *memcacheWorker) do(ctx context.Context, fn func(*memcache.Client) error) error {
	call := memcacheCall{fn: fn, done: make(chan error, 1)}
	select {
	case w.inbox <- call:
	case <-ctx.Done():
		return newError(ErrKindTimeout, ctx.Err())
	}
	select {
	case err := <-call.done:
		return err
	case <-ctx.Done():
		return newError(ErrKindTimeout, ctx.Err())
	}
}

func (w *memcacheWorker) close() {
	close(w.stop)
}

// Memcache is a Backend that fans calls out across a fixed pool of
// connection-owning workers talking the memcache protocol via
// github.com/bradfitz/gomemcache, selected round-robin. cacheName has no
// wire representation in the memcache protocol, so it is folded into the
// key the same way Remote does.
type Memcache struct {
	workers []*memcacheWorker
	next    uint64
	timeout time.Duration
}

// NewMemcache dials server with poolSize dedicated worker connections.
// poolSize <= 0 is treated as 1.
func NewMemcache(server string, poolSize int, timeout time.Duration) *Memcache {
	if poolSize <= 0 {
		poolSize = 1
	}
	workers := make([]*memcacheWorker, poolSize)
	for i := range workers {
		workers[i] = newMemcacheWorker(server)
	}
	return &Memcache{workers: workers, timeout: timeout}
}

func (m *Memcache) pick() *memcacheWorker {
	n := atomic.AddUint64(&m.next, 1)
	return m.workers[n%uint64(len(m.workers))]
}

func (m *Memcache) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.timeout)
}

// Get fetches value bytes verbatim. The memcache protocol carries its own
// flags wire field, but this backend leaves it at zero and treats Value as
// opaque, same as Remote — flags handling is the engine's job uniformly
// across backends (see backend.go's Backend doc comment).
func (m *Memcache) Get(ctx context.Context, cacheName, key string) ([]byte, bool, error) {
	ctx, cancel := m.withDeadline(ctx)
	defer cancel()

	var got *memcache.Item
	err := m.pick().do(ctx, func(c *memcache.Client) error {
		var innerErr error
		got, innerErr = c.Get(namespacedKey(cacheName, key))
		return innerErr
	})
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifyMemcacheErr(err)
	}
	return got.Value, true, nil
}

func (m *Memcache) Set(ctx context.Context, cacheName, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := m.withDeadline(ctx)
	defer cancel()

	err := m.pick().do(ctx, func(c *memcache.Client) error {
		return c.Set(&memcache.Item{
			Key:        namespacedKey(cacheName, key),
			Value:      value,
			Expiration: int32(ttl / time.Second),
		})
	})
	if err != nil {
		return classifyMemcacheErr(err)
	}
	return nil
}

func (m *Memcache) Delete(ctx context.Context, cacheName, key string) error {
	ctx, cancel := m.withDeadline(ctx)
	defer cancel()

	err := m.pick().do(ctx, func(c *memcache.Client) error {
		return c.Delete(namespacedKey(cacheName, key))
	})
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	if err != nil {
		return classifyMemcacheErr(err)
	}
	return nil
}

func (m *Memcache) Close() error {
	for _, w := range m.workers {
		w.close()
	}
	return nil
}

func classifyMemcacheErr(err error) error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrKindTimeout, err)
	}
	if errors.Is(err, memcache.ErrMalformedKey) {
		return newError(ErrKindConfig, err)
	}
	return newError(ErrKindIO, fmt.Errorf("memcache backend: %w", err))
}
