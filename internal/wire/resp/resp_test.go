package resp

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCommandArray(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"))
	cmd, err := ReadCommand(r)
	require.NoError(t, err)
	assert.Equal(t, "SET", cmd.Name)
	assert.Equal(t, []string{"foo", "bar"}, cmd.Args)
}

func TestReadCommandInline(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("GET foo\r\n"))
	cmd, err := ReadCommand(r)
	require.NoError(t, err)
	assert.Equal(t, "GET", cmd.Name)
	assert.Equal(t, []string{"foo"}, cmd.Args)
}

func TestReadCommandMalformedArrayHeader(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("*abc\r\n"))
	_, err := ReadCommand(r)
	require.Error(t, err)
}

func TestWriteValueRoundTrips(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
		want string
	}{
		{"nil", nil, "$-1\r\n"},
		{"int64", int64(42), ":42\r\n"},
		{"string", "hi", "$2\r\nhi\r\n"},
		{"bytes", []byte("hi"), "$2\r\nhi\r\n"},
		{"strings", []string{"a", "b"}, "*2\r\n$1\r\na\r\n$1\r\nb\r\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := bufio.NewWriter(&buf)
			require.NoError(t, WriteValue(w, tc.in))
			require.NoError(t, w.Flush())
			assert.Equal(t, tc.want, buf.String())
		})
	}
}

func TestWriteUnsupported(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteUnsupported(w, "XADD"))
	require.NoError(t, w.Flush())
	assert.Equal(t, "-ERR unsupported command: XADD\r\n", buf.String())
}

func TestIsSupportedAndCacheTiered(t *testing.T) {
	assert.True(t, IsSupported("get"))
	assert.True(t, IsSupported("ZADD"))
	assert.False(t, IsSupported("XADD"))

	assert.True(t, IsCacheTiered("SET"))
	assert.False(t, IsCacheTiered("HSET"))
}
