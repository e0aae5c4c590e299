package memcache

import (
	"bufio"
	"encoding/binary"
	"io"
	"time"
)

// Binary protocol magic bytes and the opcode subset this proxy implements.
// Grounded on the teacher's pkg/server/binary.go constant block; opcodes the
// proxy doesn't serve (append, incr, stat, touch, ...) are intentionally
// absent here and fall through to OpUnknown.
const (
	ReqMagic = 0x80
	ResMagic = 0x81

	OpcodeGet    = 0x00
	OpcodeSet    = 0x01
	OpcodeDelete = 0x04
	OpcodeGetQ   = 0x09
	OpcodeGetK   = 0x0c
	OpcodeGetKQ  = 0x0d
)

// Status codes used in binary responses.
const (
	StatusSuccess     = 0x0000
	StatusKeyNotFound = 0x0001
	StatusInvalidArgs = 0x0004
	StatusUnknownCmd  = 0x0081
)

// binaryHeader is the 24-byte request/response header.
type binaryHeader struct {
	Opcode   uint8
	KeyLen   uint16
	ExtraLen uint8
	BodyLen  uint32
	Opaque   uint32
	CAS      uint64
}

const binaryHeaderSize = 24

// ReadBinary reads and parses one binary-protocol request. The caller must
// have already peeked the first byte and confirmed it equals ReqMagic.
func ReadBinary(r *bufio.Reader, now time.Time) (Command, error) {
	headerBuf := make([]byte, binaryHeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return Command{}, err
	}
	if headerBuf[0] != ReqMagic {
		return Command{}, &ErrMalformed{Reason: "bad magic byte"}
	}

	h := binaryHeader{
		Opcode:   headerBuf[1],
		KeyLen:   binary.BigEndian.Uint16(headerBuf[2:4]),
		ExtraLen: headerBuf[4],
		BodyLen:  binary.BigEndian.Uint32(headerBuf[8:12]),
		Opaque:   binary.BigEndian.Uint32(headerBuf[12:16]),
		CAS:      binary.BigEndian.Uint64(headerBuf[16:24]),
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Command{}, err
	}

	extrasEnd := int(h.ExtraLen)
	keyEnd := extrasEnd + int(h.KeyLen)
	if keyEnd > len(body) {
		return Command{}, &ErrMalformed{Reason: "key/extras longer than body"}
	}
	extras := body[:extrasEnd]
	key := string(body[extrasEnd:keyEnd])
	value := body[keyEnd:]

	switch h.Opcode {
	case OpcodeGet, OpcodeGetQ, OpcodeGetK, OpcodeGetKQ:
		return Command{
			Op:      OpGet,
			Keys:    []string{key},
			Opaque:  h.Opaque,
			WithKey: h.Opcode == OpcodeGetK || h.Opcode == OpcodeGetKQ,
			Quiet:   h.Opcode == OpcodeGetQ || h.Opcode == OpcodeGetKQ,
		}, nil
	case OpcodeSet:
		if len(extras) != 8 {
			return Command{}, &ErrMalformed{Reason: "set requires 8 extras bytes"}
		}
		flags := binary.BigEndian.Uint32(extras[0:4])
		expiry := binary.BigEndian.Uint32(extras[4:8])
		return Command{
			Op:     OpSet,
			Key:    key,
			Flags:  flags,
			TTL:    ttlFromExptime(int64(expiry), now),
			Value:  append([]byte(nil), value...),
			Opaque: h.Opaque,
		}, nil
	case OpcodeDelete:
		return Command{Op: OpDelete, Key: key, Opaque: h.Opaque}, nil
	default:
		return Command{Op: OpUnknown, Opaque: h.Opaque}, nil
	}
}

// WriteBinaryResponse composes one 24-byte-header response frame.
func WriteBinaryResponse(w *bufio.Writer, opcode uint8, opaque uint32, status uint16, extras, key, value []byte, cas uint64) error {
	bodyLen := uint32(len(extras) + len(key) + len(value))
	buf := make([]byte, binaryHeaderSize+bodyLen)
	buf[0] = ResMagic
	buf[1] = opcode
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(key)))
	buf[4] = uint8(len(extras))
	binary.BigEndian.PutUint16(buf[6:8], status)
	binary.BigEndian.PutUint32(buf[8:12], bodyLen)
	binary.BigEndian.PutUint32(buf[12:16], opaque)
	binary.BigEndian.PutUint64(buf[16:24], cas)

	off := binaryHeaderSize
	off += copy(buf[off:], extras)
	off += copy(buf[off:], key)
	copy(buf[off:], value)

	_, err := w.Write(buf)
	return err
}

// WriteBinaryGet composes a GET/GETK response frame for one key's result.
// Returns false (writing nothing) when the result is a quiet miss.
func WriteBinaryGet(w *bufio.Writer, cmd Command, r GetResult) (bool, error) {
	if !r.Found {
		if cmd.Quiet {
			return false, nil
		}
		return true, WriteBinaryResponse(w, OpcodeGet, cmd.Opaque, StatusKeyNotFound, nil, nil, nil, 0)
	}
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, r.Flags)
	var keyBytes []byte
	if cmd.WithKey {
		keyBytes = []byte(r.Key)
	}
	return true, WriteBinaryResponse(w, OpcodeGet, cmd.Opaque, StatusSuccess, extras, keyBytes, r.Value, 0)
}
