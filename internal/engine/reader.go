package engine

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	wiremc "github.com/mevdschee/cacheproxy/internal/wire/memcache"
	"github.com/mevdschee/cacheproxy/internal/wire/resp"
)

// writeMalformedMemcache reports the reason a malformed memcache request
// forced connection closure. Per spec.md §7, a malformed request is fatal:
// the client still gets one protocol-appropriate error line before the
// connection drops.
func writeMalformedMemcache(reason string) writeFunc {
	return func(w *bufio.Writer) error {
		return wiremc.WriteClientError(w, reason)
	}
}

func writeMalformedRESP(reason string) writeFunc {
	return func(w *bufio.Writer) error {
		return resp.WriteError(w, reason)
	}
}

// readerLoop owns the socket's read side for the lifetime of the
// connection. It assigns each parsed command a monotonic sequence number,
// acquires one token per command (the same token pool the writer refills
// after each emitted response), and spawns a dispatch goroutine that
// computes the response off the hot read path.
//
// Acquiring a token before spawning is what turns the token pool into a
// combined concurrency limiter and backlog cap: once BacklogCap commands
// are in flight (dispatched but not yet written), the next Read() simply
// doesn't happen until the writer frees a slot. No separate back-pressure
// signal is needed.
func (e *Engine) readerLoop(ctx context.Context, completions chan<- completion, tokens chan struct{}, wg *sync.WaitGroup) {
	var sequence uint64

	switch e.cfg.Protocol {
	case ProtocolMemcache:
		e.readMemcacheLoop(ctx, completions, tokens, wg, &sequence)
	case ProtocolRESP:
		e.readRESPLoop(ctx, completions, tokens, wg, &sequence)
	}
}

func (e *Engine) readMemcacheLoop(ctx context.Context, completions chan<- completion, tokens chan struct{}, wg *sync.WaitGroup, sequence *uint64) {
	binary, err := wiremc.IsBinary(e.reader)
	if err != nil {
		return
	}

	for {
		select {
		case <-tokens:
		case <-ctx.Done():
			return
		}

		now := e.cfg.Now()
		var cmd wiremc.Command
		var readErr error
		if binary {
			cmd, readErr = wiremc.ReadBinary(e.reader, now)
		} else {
			cmd, readErr = wiremc.ReadText(e.reader, now)
		}
		if readErr != nil {
			tokens <- struct{}{}
			var malformed *wiremc.ErrMalformed
			if errors.As(readErr, &malformed) {
				completions <- completion{sequence: *sequence, write: writeMalformedMemcache(malformed.Reason), fatal: true}
			} else if !errors.Is(readErr, io.EOF) {
				e.cfg.Logger.Debug().Str("cache", e.cfg.CacheName).Err(readErr).Msg("memcache read error, closing connection")
			}
			return
		}
		seq := *sequence
		*sequence++
		wg.Add(1)
		go e.dispatchMemcache(ctx, binary, cmd, seq, completions, wg)
	}
}

func (e *Engine) readRESPLoop(ctx context.Context, completions chan<- completion, tokens chan struct{}, wg *sync.WaitGroup, sequence *uint64) {
	for {
		select {
		case <-tokens:
		case <-ctx.Done():
			return
		}

		cmd, err := resp.ReadCommand(e.reader)
		if err != nil {
			tokens <- struct{}{}
			var malformed *resp.ErrMalformed
			if errors.As(err, &malformed) {
				completions <- completion{sequence: *sequence, write: writeMalformedRESP(malformed.Reason), fatal: true}
			} else if !errors.Is(err, io.EOF) {
				e.cfg.Logger.Debug().Str("cache", e.cfg.CacheName).Err(err).Msg("resp read error, closing connection")
			}
			return
		}

		seq := *sequence
		*sequence++
		wg.Add(1)
		go e.dispatchRESP(ctx, cmd, seq, completions, wg)
	}
}

// backendCtx bounds one backend RPC to the engine's configured deadline,
// independent of the connection-wide ctx's cancellation (which only fires
// on reader shutdown).
func (e *Engine) backendCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, e.cfg.BackendTimeout)
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
