package engine

import (
	"bufio"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mevdschee/cacheproxy/internal/backend"
	"github.com/mevdschee/cacheproxy/internal/cachecore"
	"github.com/mevdschee/cacheproxy/internal/metrics"
	"github.com/mevdschee/cacheproxy/internal/wire/resp"
)

// dispatchRESP mirrors dispatchMemcache's shape: compute a response,
// recovering from any panic in the handler, and hand it to the writer in
// sequence order. RESP has no noreply convention, so every command gets a
// response slot.
func (e *Engine) dispatchRESP(ctx context.Context, cmd resp.Command, seq uint64, completions chan<- completion, wg *sync.WaitGroup) {
	defer wg.Done()

	var write writeFunc
	var fatal bool
	func() {
		defer func() {
			if r := recover(); r != nil {
				e.cfg.Logger.Error().Str("cache", e.cfg.CacheName).Interface("panic", r).Msg("recovered panic in resp dispatch")
				write = func(w *bufio.Writer) error {
					return resp.WriteError(w, "internal error")
				}
			}
		}()
		write, fatal = e.handleRESP(ctx, cmd)
	}()

	completions <- completion{sequence: seq, write: write, fatal: fatal}
}

// handleRESP dispatches a parsed Command. The bool return marks an
// unrecognized command as fatal: per spec.md §7 the connection closes right
// after the "unsupported command" error is flushed.
func (e *Engine) handleRESP(ctx context.Context, cmd resp.Command) (writeFunc, bool) {
	name := strings.ToUpper(cmd.Name)
	if !resp.IsSupported(name) {
		return func(w *bufio.Writer) error {
			return resp.WriteUnsupported(w, cmd.Name)
		}, true
	}
	if !resp.IsCacheTiered(name) {
		return e.handleRESPPassthrough(ctx, cmd), false
	}

	switch name {
	case "GET":
		return e.handleRESPGet(ctx, cmd), false
	case "SET":
		return e.handleRESPSet(ctx, cmd), false
	case "DEL":
		return e.handleRESPDel(ctx, cmd), false
	default:
		return func(w *bufio.Writer) error {
			return resp.WriteUnsupported(w, cmd.Name)
		}, true
	}
}

// handleRESPPassthrough forwards any supported-but-not-tiered command
// (the hash/list/set/sorted-set families) straight to the backend's generic
// Do, since this proxy's local cache only ever models flat byte values.
func (e *Engine) handleRESPPassthrough(ctx context.Context, cmd resp.Command) writeFunc {
	remote, ok := e.cfg.Backend.(interface {
		Do(ctx context.Context, args ...interface{}) (interface{}, error)
	})
	if !ok {
		return func(w *bufio.Writer) error {
			return resp.WriteError(w, "backend does not support this command family")
		}
	}

	start := time.Now()
	bctx, cancel := e.backendCtx(ctx)
	defer cancel()

	args := make([]interface{}, 0, len(cmd.Args)+1)
	args = append(args, cmd.Name)
	for _, a := range cmd.Args {
		args = append(args, a)
	}
	result, err := remote.Do(bctx, args...)

	outcome := metrics.OutcomeHitRemote
	if err != nil {
		outcome = metrics.OutcomeError
		if backend.IsTimeout(err) {
			outcome = metrics.OutcomeTimeout
		}
	}
	e.cfg.Metrics.RecordOp(e.cfg.CacheName, strings.ToLower(cmd.Name), outcome, elapsedMs(start))

	if err != nil {
		msg := "backend error: " + err.Error()
		if backend.IsTimeout(err) {
			msg = "backend timeout"
		}
		return func(w *bufio.Writer) error {
			return resp.WriteError(w, msg)
		}
	}
	return func(w *bufio.Writer) error {
		return resp.WriteValue(w, result)
	}
}

func (e *Engine) handleRESPGet(ctx context.Context, cmd resp.Command) writeFunc {
	if len(cmd.Args) != 1 {
		return func(w *bufio.Writer) error {
			return resp.WriteError(w, "wrong number of arguments for 'get' command")
		}
	}
	result, err := e.fetchOne(ctx, cmd.Args[0])
	if err != nil {
		e.cfg.Metrics.RecordOp(e.cfg.CacheName, "get", metrics.OutcomeError, 0)
		return func(w *bufio.Writer) error {
			return resp.WriteError(w, "backend error: "+err.Error())
		}
	}
	outcome := metrics.OutcomeHitLocal
	if !result.Found {
		outcome = metrics.OutcomeMiss
	}
	e.cfg.Metrics.RecordOp(e.cfg.CacheName, "get", outcome, 0)

	if !result.Found {
		return resp.WriteNilBulk
	}
	return func(w *bufio.Writer) error {
		return resp.WriteBulkString(w, result.Value)
	}
}

func (e *Engine) handleRESPSet(ctx context.Context, cmd resp.Command) writeFunc {
	if len(cmd.Args) < 2 {
		return func(w *bufio.Writer) error {
			return resp.WriteError(w, "wrong number of arguments for 'set' command")
		}
	}
	start := time.Now()
	key, value := cmd.Args[0], []byte(cmd.Args[1])
	if len(value) == 0 {
		return func(w *bufio.Writer) error {
			return resp.WriteError(w, "empty value not allowed")
		}
	}

	ttl := flooredTTL(e.cfg.DefaultTTL)
	e.cfg.Local.Set(key, cachecore.Value{Data: value}, ttl)

	bctx, cancel := e.backendCtx(ctx)
	defer cancel()
	encoded := encodeForBackend(e.cfg.FlagsMode, 0, value)
	err := e.cfg.Backend.Set(bctx, e.cfg.CacheName, key, encoded, ttl)

	outcome := metrics.OutcomeHitLocal
	msg := "backend error"
	if err != nil {
		outcome = metrics.OutcomeError
		if backend.IsTimeout(err) {
			outcome = metrics.OutcomeTimeout
			msg = "backend timeout"
		}
	}
	e.cfg.Metrics.RecordOp(e.cfg.CacheName, "set", outcome, elapsedMs(start))

	if err != nil {
		return func(w *bufio.Writer) error {
			return resp.WriteError(w, msg)
		}
	}
	return func(w *bufio.Writer) error {
		return resp.WriteSimpleString(w, "OK")
	}
}

func (e *Engine) handleRESPDel(ctx context.Context, cmd resp.Command) writeFunc {
	start := time.Now()
	var deleted int64
	for _, key := range cmd.Args {
		if _, ok := e.cfg.Local.Delete(key); ok {
			deleted++
		}
		bctx, cancel := e.backendCtx(ctx)
		_ = e.cfg.Backend.Delete(bctx, e.cfg.CacheName, key)
		cancel()
	}
	outcome := metrics.OutcomeMiss
	if deleted > 0 {
		outcome = metrics.OutcomeHitLocal
	}
	e.cfg.Metrics.RecordOp(e.cfg.CacheName, "delete", outcome, elapsedMs(start))

	return func(w *bufio.Writer) error {
		return resp.WriteInteger(w, deleted)
	}
}
