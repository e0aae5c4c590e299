package memcache

import "bufio"

// IsBinary peeks the connection's first byte without consuming it, per the
// protocol-detection rule: 0x80 means binary, anything else means text.
// Grounded on the teacher's handleConnection peek, generalized out of the
// single read-deadline-bounded peek into a plain Peek call — the deadline
// itself is the listener's concern (spec.md's dispatcher owns connection
// lifetime), not the wire codec's.
func IsBinary(r *bufio.Reader) (bool, error) {
	b, err := r.Peek(1)
	if err != nil {
		return false, err
	}
	return b[0] == ReqMagic, nil
}
