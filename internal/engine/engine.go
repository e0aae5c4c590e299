// Package engine implements the ConnectionEngine: the reader/writer split
// that owns one client connection, dispatches each parsed command to the
// local cache and backend, and reassembles out-of-order completions back
// into request-arrival order before writing them to the wire.
//
// Grounded on the teacher's pkg/tqcache/worker.go Worker.run() single-owner-
// goroutine-plus-channel model, generalized from "one worker owns all cache
// state" to "one writer owns response ordering, fanned-out dispatch
// goroutines own nothing shared" — and on the other_examples golemproxy
// proxy server's read-loop shape for how the reader drives one command at a
// time off the wire.
package engine

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mevdschee/cacheproxy/internal/backend"
	"github.com/mevdschee/cacheproxy/internal/cachecore"
	"github.com/mevdschee/cacheproxy/internal/metrics"
)

// Protocol selects which WireCodec a cache's engine speaks. Memcache further
// branches into text/binary per-connection via a byte peek; RESP has no
// such branch.
type Protocol string

const (
	ProtocolMemcache Protocol = "memcache"
	ProtocolRESP     Protocol = "resp"
)

const (
	// defaultBacklogCap bounds outstanding (in-dispatch + awaiting-write)
	// sequence numbers per connection, per spec.md §5/§9.
	defaultBacklogCap = 1024
	// defaultBackendTimeout bounds every backend RPC.
	defaultBackendTimeout = 200 * time.Millisecond
	// defaultCloseGrace is how long the writer is given to flush in-flight
	// responses after the reader side of a connection goes away.
	defaultCloseGrace = 60 * time.Second
)

// Config wires one ConnectionEngine to its cache's configured tiers,
// backend, and instrumentation. One Config is shared (read-only) across
// every connection accepted for a given [[cache]] block.
type Config struct {
	CacheName      string
	Protocol       Protocol
	FlagsMode      bool
	DefaultTTL     time.Duration
	Local          cachecore.Cache
	Backend        backend.Backend
	Metrics        *metrics.Set
	Logger         zerolog.Logger
	BackendTimeout time.Duration
	CloseGrace     time.Duration
	BacklogCap     int
	Now            func() time.Time
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BackendTimeout <= 0 {
		out.BackendTimeout = defaultBackendTimeout
	}
	if out.CloseGrace <= 0 {
		out.CloseGrace = defaultCloseGrace
	}
	if out.BacklogCap <= 0 {
		out.BacklogCap = defaultBacklogCap
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// writeFunc renders one completed dispatch's response onto the wire. A nil
// writeFunc means "write nothing" (a noreply command), but the slot still
// participates in sequencing.
type writeFunc func(w *bufio.Writer) error

// completion is one dispatch's outcome, handed to the writer out of order
// but keyed by the sequence the reader assigned it. fatal marks a malformed
// or unsupported-command response that must be the last thing written
// before the connection closes, per spec.md §7's "write error frame, close
// connection after flush" handling for both cases.
type completion struct {
	sequence uint64
	write    writeFunc
	fatal    bool
}

type backlogEntry struct {
	write writeFunc
	fatal bool
}

// Engine owns one accepted connection end to end.
type Engine struct {
	cfg    Config
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// New constructs an Engine for one already-accepted connection. reader must
// not have consumed any bytes yet beyond what protocol detection required.
func New(cfg Config, conn net.Conn, reader *bufio.Reader, writer *bufio.Writer) *Engine {
	return &Engine{cfg: cfg.withDefaults(), conn: conn, reader: reader, writer: writer}
}

// Run drives the connection until the client disconnects or a malformed
// request forces closure. It never returns an error the caller needs to
// act on beyond logging: all failures are connection-scoped.
func (e *Engine) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tokens := make(chan struct{}, e.cfg.BacklogCap)
	for i := 0; i < e.cfg.BacklogCap; i++ {
		tokens <- struct{}{}
	}
	completions := make(chan completion, e.cfg.BacklogCap)
	writerDone := make(chan struct{})

	var wg sync.WaitGroup

	go e.writerLoop(completions, tokens, writerDone, cancel)

	e.readerLoop(ctx, completions, tokens, &wg)

	// Reader is done (EOF, malformed frame, or write-side error). Give
	// outstanding dispatch goroutines up to CloseGrace to finish so the
	// writer can flush their responses, then force everything closed.
	cancel()
	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(e.cfg.CloseGrace):
		e.cfg.Logger.Warn().Str("cache", e.cfg.CacheName).Msg("close grace period elapsed with dispatches still in flight")
	}

	close(completions)
	<-writerDone
}

// writerLoop is the single writer: it reorders completions into a backlog
// keyed by sequence number and flushes strictly in arrival order. Per
// spec.md §5/§7, a write error is fatal to the connection — no partial
// writes, no silently discarded responses — so the first one closes the
// connection and cancels ctx (via cancel) so the reader loop stops issuing
// further dispatches instead of continuing to read from a dead connection.
func (e *Engine) writerLoop(completions <-chan completion, tokens chan<- struct{}, done chan<- struct{}, cancel context.CancelFunc) {
	defer close(done)
	defer e.conn.Close()

	backlog := make(map[uint64]backlogEntry)
	var next uint64
	var closed bool

	fail := func() {
		if closed {
			return
		}
		closed = true
		e.conn.Close()
		cancel()
		e.writer = bufio.NewWriter(discardWriter{})
	}

	for c := range completions {
		backlog[c.sequence] = backlogEntry{write: c.write, fatal: c.fatal}
		for {
			entry, ok := backlog[next]
			if !ok {
				break
			}
			delete(backlog, next)
			if entry.write != nil && !closed {
				if err := entry.write(e.writer); err != nil {
					fail()
				}
			}
			next++
			if entry.fatal {
				if !closed {
					e.writer.Flush()
				}
				fail()
				select {
				case tokens <- struct{}{}:
				default:
				}
				continue
			}
			select {
			case tokens <- struct{}{}:
			default:
			}
		}
		if !closed {
			if err := e.writer.Flush(); err != nil {
				fail()
			}
		}
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
