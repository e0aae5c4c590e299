package listener

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mevdschee/cacheproxy/internal/cachecore"
	"github.com/mevdschee/cacheproxy/internal/engine"
	"github.com/mevdschee/cacheproxy/internal/metrics"
)

// nopBackend is a Backend that always misses; enough to exercise the
// accept/tune/hand-off path without needing a real remote service.
type nopBackend struct{}

func (nopBackend) Get(ctx context.Context, cacheName, key string) ([]byte, bool, error) {
	return nil, false, nil
}
func (nopBackend) Set(ctx context.Context, cacheName, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (nopBackend) Delete(ctx context.Context, cacheName, key string) error { return nil }
func (nopBackend) Close() error                                           { return nil }

func TestListenerAcceptsAndServesMemcacheConnection(t *testing.T) {
	ms := metrics.NewSet("listener_test")
	ln := &Listener{
		Name:       "test",
		Addr:       "127.0.0.1:0",
		BufferSize: 8192,
		EngineConfig: engine.Config{
			CacheName:  "test",
			Protocol:   engine.ProtocolMemcache,
			DefaultTTL: time.Minute,
			Local:      cachecore.NewMemory(1<<20, nil),
			Backend:    nopBackend{},
			Metrics:    ms,
			Logger:     zerolog.Nop(),
		},
		Metrics: ms,
		Logger:  zerolog.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, ln.Listen(ctx))
	defer ln.Close()

	go ln.Serve(ctx)

	conn, err := net.Dial("tcp", ln.ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	_, err = rw.WriteString("set k 0 0 3\r\nfoo\r\n")
	require.NoError(t, err)
	require.NoError(t, rw.Flush())

	line, err := rw.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "STORED\r\n", line)

	_, err = rw.WriteString("get k\r\n")
	require.NoError(t, err)
	require.NoError(t, rw.Flush())

	valueLine, err := rw.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, valueLine, "VALUE k 0 3")
}

func TestListenerRejectsBeyondMaxConnections(t *testing.T) {
	ms := metrics.NewSet("listener_test_capped")
	ln := &Listener{
		Name:           "capped",
		Addr:           "127.0.0.1:0",
		MaxConnections: 1,
		EngineConfig: engine.Config{
			CacheName: "capped",
			Protocol:  engine.ProtocolMemcache,
			Local:     cachecore.NewMemory(1<<20, nil),
			Backend:   nopBackend{},
			Metrics:   ms,
			Logger:    zerolog.Nop(),
		},
		Metrics: ms,
		Logger:  zerolog.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ln.Listen(ctx))
	defer ln.Close()
	go ln.Serve(ctx)

	first, err := net.Dial("tcp", ln.ln.Addr().String())
	require.NoError(t, err)
	defer first.Close()

	// Give the accept loop a moment to register the first connection before
	// dialing a second one that should be rejected outright.
	time.Sleep(50 * time.Millisecond)

	second, err := net.Dial("tcp", ln.ln.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	buf := make([]byte, 1)
	second.SetReadDeadline(time.Now().Add(time.Second))
	_, err = second.Read(buf)
	require.Error(t, err, "rejected connection should be closed immediately")
}
