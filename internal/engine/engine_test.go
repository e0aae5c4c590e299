package engine

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mevdschee/cacheproxy/internal/cachecore"
	"github.com/mevdschee/cacheproxy/internal/metrics"
)

func newTestEngine(t *testing.T, protocol Protocol, be *fakeBackend) (client *bufio.ReadWriter, stop func()) {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	cfg := Config{
		CacheName:      "mycache",
		Protocol:       protocol,
		FlagsMode:      false,
		DefaultTTL:     time.Minute,
		Local:          cachecore.NewMemory(1<<20, nil),
		Backend:        be,
		Metrics:        metrics.NewSet("engine_test"),
		Logger:         zerolog.Nop(),
		BackendTimeout: 2 * time.Second,
	}

	e := New(cfg, serverConn, bufio.NewReader(serverConn), bufio.NewWriter(serverConn))
	done := make(chan struct{})
	go func() {
		e.Run()
		close(done)
	}()

	cw := bufio.NewReadWriter(bufio.NewReader(clientConn), bufio.NewWriter(clientConn))
	return cw, func() {
		clientConn.Close()
		<-done
	}
}

func readLine(t *testing.T, r *bufio.ReadWriter) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestMemcacheTextOrderingUnderSkewedCompletion(t *testing.T) {
	be := newFakeBackend()
	ctx := context.Background()
	require.NoError(t, be.Set(ctx, "mycache", "slow", []byte("slowval"), time.Minute))
	require.NoError(t, be.Set(ctx, "mycache", "fast", []byte("fastval"), time.Minute))
	be.setDelay("slow", 75*time.Millisecond)

	cw, stop := newTestEngine(t, ProtocolMemcache, be)
	defer stop()

	_, err := cw.WriteString("get slow\r\nget fast\r\n")
	require.NoError(t, err)
	require.NoError(t, cw.Flush())

	// First pipelined request (the slow one) must be answered first, even
	// though its backend fetch finishes after the fast one's.
	require.Contains(t, readLine(t, cw), "VALUE slow 0 7")
	require.Equal(t, "slowval\r\n", readLine(t, cw))
	require.Equal(t, "END\r\n", readLine(t, cw))

	require.Contains(t, readLine(t, cw), "VALUE fast 0 7")
	require.Equal(t, "fastval\r\n", readLine(t, cw))
	require.Equal(t, "END\r\n", readLine(t, cw))
}

func TestMemcacheSetGetRoundTrip(t *testing.T) {
	be := newFakeBackend()
	cw, stop := newTestEngine(t, ProtocolMemcache, be)
	defer stop()

	_, err := cw.WriteString("set greeting 7 0 5\r\nhello\r\n")
	require.NoError(t, err)
	require.NoError(t, cw.Flush())
	require.Equal(t, "STORED\r\n", readLine(t, cw))

	_, err = cw.WriteString("get greeting\r\n")
	require.NoError(t, err)
	require.NoError(t, cw.Flush())
	require.Contains(t, readLine(t, cw), "VALUE greeting 7 5")
	require.Equal(t, "hello\r\n", readLine(t, cw))
	require.Equal(t, "END\r\n", readLine(t, cw))
}

func TestMemcacheSetEmptyValueRejected(t *testing.T) {
	be := newFakeBackend()
	cw, stop := newTestEngine(t, ProtocolMemcache, be)
	defer stop()

	_, err := cw.WriteString("set k 0 0 0\r\n\r\n")
	require.NoError(t, err)
	require.NoError(t, cw.Flush())
	require.Contains(t, readLine(t, cw), "CLIENT_ERROR")

	// An empty value is a client error, not a fatal one: the connection
	// stays open and serves the next request.
	_, err = cw.WriteString("get k\r\n")
	require.NoError(t, err)
	require.NoError(t, cw.Flush())
	require.Equal(t, "END\r\n", readLine(t, cw))
}

func TestMemcacheDeleteUnconditional(t *testing.T) {
	be := newFakeBackend()
	cw, stop := newTestEngine(t, ProtocolMemcache, be)
	defer stop()

	_, err := cw.WriteString("set k 0 0 1\r\nx\r\n")
	require.NoError(t, err)
	require.NoError(t, cw.Flush())
	require.Equal(t, "STORED\r\n", readLine(t, cw))

	_, err = cw.WriteString("delete k\r\n")
	require.NoError(t, err)
	require.NoError(t, cw.Flush())
	require.Equal(t, "DELETED\r\n", readLine(t, cw))

	_, err = cw.WriteString("delete k\r\n")
	require.NoError(t, err)
	require.NoError(t, cw.Flush())
	require.Equal(t, "NOT_FOUND\r\n", readLine(t, cw))
}

func TestMemcacheNoReplySuppressesResponseButExecutes(t *testing.T) {
	be := newFakeBackend()
	cw, stop := newTestEngine(t, ProtocolMemcache, be)
	defer stop()

	_, err := cw.WriteString("set k 0 0 5 noreply\r\nhello\r\nget k\r\n")
	require.NoError(t, err)
	require.NoError(t, cw.Flush())

	// The set produced no response frame; the very next line belongs to
	// the get that followed it.
	require.Contains(t, readLine(t, cw), "VALUE k 0 5")
	require.Equal(t, "hello\r\n", readLine(t, cw))
	require.Equal(t, "END\r\n", readLine(t, cw))
}

func TestRESPGetSetDel(t *testing.T) {
	be := newFakeBackend()
	cw, stop := newTestEngine(t, ProtocolRESP, be)
	defer stop()

	_, err := cw.WriteString("*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n")
	require.NoError(t, err)
	require.NoError(t, cw.Flush())
	require.Equal(t, "+OK\r\n", readLine(t, cw))

	_, err = cw.WriteString("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n")
	require.NoError(t, err)
	require.NoError(t, cw.Flush())
	require.Equal(t, "$3\r\n", readLine(t, cw))
	require.Equal(t, "bar\r\n", readLine(t, cw))

	_, err = cw.WriteString("*2\r\n$3\r\nDEL\r\n$3\r\nfoo\r\n")
	require.NoError(t, err)
	require.NoError(t, cw.Flush())
	require.Equal(t, ":1\r\n", readLine(t, cw))
}

func TestRESPUnsupportedCommandErrors(t *testing.T) {
	be := newFakeBackend()
	cw, stop := newTestEngine(t, ProtocolRESP, be)
	defer stop()

	_, err := cw.WriteString("*1\r\n$7\r\nUNKNOWN\r\n")
	require.NoError(t, err)
	require.NoError(t, cw.Flush())
	require.Contains(t, readLine(t, cw), "unsupported command")

	_, err = cw.ReadByte()
	require.Error(t, err, "connection must be closed after an unsupported command")
}
