package engine

import (
	"bufio"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mevdschee/cacheproxy/internal/backend"
	"github.com/mevdschee/cacheproxy/internal/cachecore"
	"github.com/mevdschee/cacheproxy/internal/metrics"
	wiremc "github.com/mevdschee/cacheproxy/internal/wire/memcache"
)

// minSetTTL floors any client-supplied nonzero TTL, so a client requesting a
// 1-second-or-less expiry doesn't churn the local tier and backend with
// effectively-immediate evictions.
const minSetTTL = time.Second

func flooredTTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < minSetTTL {
		return minSetTTL
	}
	return ttl
}

// memcacheSetTTL floors a memcache Set's client-specified exptime, including
// an explicit 0. Classic memcache treats exptime=0 as "never expire", but
// spec.md §8 lists the TTL floor as a testable boundary and
// original_source's set.rs applies ttl.max(1) to every client-specified
// value with no carve-out for zero — there's no wire-level way to tell
// "exptime omitted" from "exptime explicitly 0" in the memcache protocol, so
// a Set with exptime=0 gets a 1-second TTL here rather than living forever
// in the local tier and backend. This only applies to the client-specified
// TTL on a Set; flooredTTL's zero-means-never-expire convention is kept for
// e.cfg.DefaultTTL, which is a config-level "no TTL configured" value rather
// than something a client asked for.
func memcacheSetTTL(ttl time.Duration) time.Duration {
	if ttl < minSetTTL {
		return minSetTTL
	}
	return ttl
}

// dispatchMemcache computes cmd's response and hands it to the writer via
// completions, keyed by seq. Panics inside command handling are recovered so
// one bad dispatch can't take the whole connection's writer goroutine down
// with it; the client instead sees a SERVER_ERROR / binary internal-error
// reply for that one request.
func (e *Engine) dispatchMemcache(ctx context.Context, isBinary bool, cmd wiremc.Command, seq uint64, completions chan<- completion, wg *sync.WaitGroup) {
	defer wg.Done()

	var write writeFunc
	var fatal bool
	func() {
		defer func() {
			if r := recover(); r != nil {
				e.cfg.Logger.Error().Str("cache", e.cfg.CacheName).Interface("panic", r).Msg("recovered panic in memcache dispatch")
				write = func(w *bufio.Writer) error {
					if isBinary {
						return wiremc.WriteBinaryResponse(w, 0, cmd.Opaque, 0x0084, nil, nil, []byte("internal error"), 0)
					}
					return wiremc.WriteServerError(w, "internal error")
				}
			}
		}()
		write, fatal = e.handleMemcache(ctx, isBinary, cmd)
	}()

	if cmd.NoReply && !fatal {
		write = nil
	}
	completions <- completion{sequence: seq, write: write, fatal: fatal}
}

// handleMemcache dispatches a parsed Command to its handler. The bool
// return marks an unsupported command: per spec.md §7 this is fatal, so the
// connection closes right after this response is flushed.
func (e *Engine) handleMemcache(ctx context.Context, isBinary bool, cmd wiremc.Command) (writeFunc, bool) {
	switch cmd.Op {
	case wiremc.OpGet:
		return e.handleMemcacheGet(ctx, isBinary, cmd), false
	case wiremc.OpSet:
		return e.handleMemcacheSet(ctx, isBinary, cmd), false
	case wiremc.OpDelete:
		return e.handleMemcacheDelete(ctx, isBinary, cmd), false
	default:
		if isBinary {
			return func(w *bufio.Writer) error {
				return wiremc.WriteBinaryResponse(w, 0, cmd.Opaque, 0x0081, nil, nil, []byte("unknown command"), 0)
			}, true
		}
		return wiremc.WriteUnknownCommand, true
	}
}

func (e *Engine) handleMemcacheGet(ctx context.Context, isBinary bool, cmd wiremc.Command) writeFunc {
	start := time.Now()
	results := make([]wiremc.GetResult, len(cmd.Keys))
	errs := make([]error, len(cmd.Keys))

	g, gctx := errgroup.WithContext(ctx)
	for i, key := range cmd.Keys {
		i, key := i, key
		g.Go(func() error {
			results[i], errs[i] = e.fetchOne(gctx, key)
			return nil
		})
	}
	_ = g.Wait()

	var serverErr error
	for _, err := range errs {
		if err != nil {
			serverErr = err
			break
		}
	}

	for i, r := range results {
		outcome := metrics.OutcomeHitLocal
		switch {
		case errs[i] != nil:
			outcome = metrics.OutcomeError
		case !r.Found:
			outcome = metrics.OutcomeMiss
		}
		e.cfg.Metrics.RecordOp(e.cfg.CacheName, "get", outcome, elapsedMs(start))
	}

	// Per spec.md §4.4 step 3: any non-timeout backend error on any key
	// fails the whole multi-key response rather than partially serving it.
	if serverErr != nil {
		if isBinary {
			return func(w *bufio.Writer) error {
				return wiremc.WriteBinaryResponse(w, wiremc.OpcodeGet, cmd.Opaque, 0x0084, nil, nil, []byte("backend error"), 0)
			}
		}
		return func(w *bufio.Writer) error {
			return wiremc.WriteServerError(w, "backend error")
		}
	}

	if isBinary {
		return func(w *bufio.Writer) error {
			for _, r := range results {
				if _, err := wiremc.WriteBinaryGet(w, cmd, r); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return func(w *bufio.Writer) error {
		return wiremc.WriteGet(w, results)
	}
}

// fetchOne resolves a single key: local tier first, falling through to the
// backend on a miss and repopulating the local tier so the next request for
// the same key is served locally. A backend timeout degrades to a miss
// (spec.md §8 scenario 5); any other backend error is returned so the
// caller can fail the whole multi-key response instead of partially
// serving it (spec.md §4.4 step 3).
func (e *Engine) fetchOne(ctx context.Context, key string) (wiremc.GetResult, error) {
	if v, ok := e.cfg.Local.Get(key); ok {
		return wiremc.GetResult{Key: key, Flags: v.Flags, Value: v.Data, Found: true}, nil
	}

	bctx, cancel := e.backendCtx(ctx)
	defer cancel()
	raw, ok, err := e.cfg.Backend.Get(bctx, e.cfg.CacheName, key)
	if err != nil {
		if backend.IsTimeout(err) {
			e.cfg.Metrics.RecordOp(e.cfg.CacheName, "get", metrics.OutcomeTimeout, 0)
			return wiremc.GetResult{Key: key, Found: false}, nil
		}
		return wiremc.GetResult{Key: key, Found: false}, err
	}
	if !ok {
		return wiremc.GetResult{Key: key, Found: false}, nil
	}

	flags, data := decodeFromBackend(e.cfg.FlagsMode, raw)
	e.cfg.Local.Set(key, cachecore.Value{Flags: flags, Data: data}, e.cfg.DefaultTTL)
	return wiremc.GetResult{Key: key, Flags: flags, Value: data, Found: true}, nil
}

func (e *Engine) handleMemcacheSet(ctx context.Context, isBinary bool, cmd wiremc.Command) writeFunc {
	start := time.Now()

	if len(cmd.Value) == 0 {
		if isBinary {
			return func(w *bufio.Writer) error {
				return wiremc.WriteBinaryResponse(w, 0x01, cmd.Opaque, 0x0004, nil, nil, []byte("empty value not allowed"), 0)
			}
		}
		return func(w *bufio.Writer) error {
			return wiremc.WriteClientError(w, "empty value not allowed")
		}
	}

	ttl := memcacheSetTTL(cmd.TTL)
	e.cfg.Local.Set(cmd.Key, cachecore.Value{Flags: cmd.Flags, Data: cmd.Value}, ttl)

	bctx, cancel := e.backendCtx(ctx)
	defer cancel()
	encoded := encodeForBackend(e.cfg.FlagsMode, cmd.Flags, cmd.Value)
	err := e.cfg.Backend.Set(bctx, e.cfg.CacheName, cmd.Key, encoded, ttl)

	if err != nil {
		outcome := metrics.OutcomeError
		msg := "backend error"
		if backend.IsTimeout(err) {
			outcome = metrics.OutcomeTimeout
			msg = "backend timeout"
		}
		e.cfg.Metrics.RecordOp(e.cfg.CacheName, "set", outcome, elapsedMs(start))
		if isBinary {
			return func(w *bufio.Writer) error {
				return wiremc.WriteBinaryResponse(w, 0x01, cmd.Opaque, 0x0084, nil, nil, []byte(msg), 0)
			}
		}
		return func(w *bufio.Writer) error {
			return wiremc.WriteServerError(w, msg)
		}
	}

	e.cfg.Metrics.RecordOp(e.cfg.CacheName, "set", metrics.OutcomeHitLocal, elapsedMs(start))
	if isBinary {
		return func(w *bufio.Writer) error {
			return wiremc.WriteBinaryResponse(w, 0x01, cmd.Opaque, 0x0000, nil, nil, nil, 0)
		}
	}
	return wiremc.WriteStored
}

func (e *Engine) handleMemcacheDelete(ctx context.Context, isBinary bool, cmd wiremc.Command) writeFunc {
	start := time.Now()

	// Unconditional invalidate: the local tier is always cleared, and the
	// backend delete always fires, regardless of whether the key was
	// present locally. The response reflects local presence since neither
	// backend reports whether it held the key (gomemcache's Delete and
	// Remote's Del both treat a missing key as success, not a distinct
	// signal worth threading back through Backend's contract).
	_, hadLocal := e.cfg.Local.Delete(cmd.Key)

	bctx, cancel := e.backendCtx(ctx)
	defer cancel()
	_ = e.cfg.Backend.Delete(bctx, e.cfg.CacheName, cmd.Key)

	outcome := metrics.OutcomeMiss
	if hadLocal {
		outcome = metrics.OutcomeHitLocal
	}
	e.cfg.Metrics.RecordOp(e.cfg.CacheName, "delete", outcome, elapsedMs(start))

	if isBinary {
		status := uint16(0x0001)
		if hadLocal {
			status = 0x0000
		}
		return func(w *bufio.Writer) error {
			return wiremc.WriteBinaryResponse(w, 0x04, cmd.Opaque, status, nil, nil, nil, 0)
		}
	}
	if hadLocal {
		return wiremc.WriteDeleted
	}
	return wiremc.WriteNotFound
}
