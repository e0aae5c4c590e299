package engine

import "encoding/binary"

// flagsPrefixSize is the width of the flags prefix spec.md's value-encoding
// convention prepends to backend-stored bytes when a cache runs with flags
// mode on. This lives at the engine layer (not in package backend) because
// flags are never a first-class Backend concept — see backend.Backend's doc
// comment.
const flagsPrefixSize = 4

// encodeForBackend renders (flags, data) as the bytes actually handed to
// Backend.Set. With flags mode off, data passes through unchanged.
func encodeForBackend(flagsMode bool, flags uint32, data []byte) []byte {
	if !flagsMode {
		return data
	}
	out := make([]byte, flagsPrefixSize+len(data))
	binary.BigEndian.PutUint32(out[:flagsPrefixSize], flags)
	copy(out[flagsPrefixSize:], data)
	return out
}

// decodeFromBackend reverses encodeForBackend. A value shorter than the
// prefix width with flags mode on is treated as an empty payload with zero
// flags rather than an error, matching the local cache's permissive miss
// semantics elsewhere in this engine.
func decodeFromBackend(flagsMode bool, raw []byte) (flags uint32, data []byte) {
	if !flagsMode {
		return 0, raw
	}
	if len(raw) < flagsPrefixSize {
		return 0, nil
	}
	return binary.BigEndian.Uint32(raw[:flagsPrefixSize]), raw[flagsPrefixSize:]
}
