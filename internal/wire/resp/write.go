package resp

import (
	"bufio"
	"fmt"
)

// WriteSimpleString writes a "+OK\r\n"-style status reply.
func WriteSimpleString(w *bufio.Writer, s string) error {
	_, err := fmt.Fprintf(w, "+%s\r\n", s)
	return err
}

// WriteError writes a "-ERR ...\r\n" reply. msg must not contain CR/LF.
func WriteError(w *bufio.Writer, msg string) error {
	_, err := fmt.Fprintf(w, "-ERR %s\r\n", msg)
	return err
}

// WriteUnsupported writes the fixed error text spec.md requires for any
// recognized-but-unsupported or unrecognized command name.
func WriteUnsupported(w *bufio.Writer, name string) error {
	return WriteError(w, "unsupported command: "+name)
}

// WriteInteger writes a ":n\r\n" reply.
func WriteInteger(w *bufio.Writer, n int64) error {
	_, err := fmt.Fprintf(w, ":%d\r\n", n)
	return err
}

// WriteBulkString writes a "$n\r\n...\r\n" reply.
func WriteBulkString(w *bufio.Writer, b []byte) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n", len(b)); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	_, err := w.WriteString("\r\n")
	return err
}

// WriteNilBulk writes RESP2's "$-1\r\n" null bulk string, used for a miss.
func WriteNilBulk(w *bufio.Writer) error {
	_, err := w.WriteString("$-1\r\n")
	return err
}

// WriteArray writes a "*n\r\n" header followed by each item, written via fn.
func WriteArray(w *bufio.Writer, n int, fn func(i int) error) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", n); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := fn(i); err != nil {
			return err
		}
	}
	return nil
}

// WriteBulkStrings writes a RESP array of bulk strings, one per item.
func WriteBulkStrings(w *bufio.Writer, items [][]byte) error {
	return WriteArray(w, len(items), func(i int) error {
		return WriteBulkString(w, items[i])
	})
}

// WriteValue composes an arbitrary passthrough reply (as returned by a
// backend's generic command forwarding) into RESP. Supported shapes mirror
// what a redis.UniversalClient.Do(...).Result() can yield: nil, int64,
// string, []byte, []interface{}, or error.
func WriteValue(w *bufio.Writer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		return WriteNilBulk(w)
	case error:
		// Backend error replies already carry their own prefix (ERR,
		// WRONGTYPE, ...), so they are relayed as-is.
		_, err := fmt.Fprintf(w, "-%s\r\n", val.Error())
		return err
	case int64:
		return WriteInteger(w, val)
	case int:
		return WriteInteger(w, int64(val))
	case string:
		return WriteBulkString(w, []byte(val))
	case []byte:
		return WriteBulkString(w, val)
	case []interface{}:
		return WriteArray(w, len(val), func(i int) error {
			return WriteValue(w, val[i])
		})
	case []string:
		return WriteArray(w, len(val), func(i int) error {
			return WriteBulkString(w, []byte(val[i]))
		})
	default:
		return WriteError(w, fmt.Sprintf("internal error: unencodable reply type %T", v))
	}
}
