// Package backend abstracts the remote store a cache's local tier falls
// through to on a miss. Two implementations are provided: a remote RPC
// client (backed by github.com/redis/go-redis/v9, standing in for the
// momento-style remote cache service) and a persistent memcache-TCP pool
// (backed by github.com/bradfitz/gomemcache). Both were require'd by the
// teacher but only ever exercised from its benchmark harness; here they
// become the two concrete backends a [[cache]] block can select.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrorKind classifies a Backend failure so callers (the connection engine)
// can decide whether to translate it into a miss, a protocol error reply, or
// a connection-level abort.
type ErrorKind int

const (
	// ErrKindNone means no error occurred.
	ErrKindNone ErrorKind = iota
	// ErrKindTimeout means the backend did not respond within the
	// configured deadline. Per spec, a get timeout is treated as a miss.
	ErrKindTimeout
	// ErrKindIO covers connection-level failures (dial, reset, EOF).
	ErrKindIO
	// ErrKindRemote means the backend itself returned an application-level
	// error (e.g. a malformed reply).
	ErrKindRemote
	// ErrKindConfig means the backend was asked to do something its
	// configuration does not support (e.g. CAS against a backend that
	// doesn't implement it).
	ErrKindConfig
)

// Error wraps a backend failure with its classification.
type Error struct {
	Kind  ErrorKind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return "backend error"
	}
	return e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// IsTimeout reports whether err is (or wraps) a timeout classification.
func IsTimeout(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == ErrKindTimeout
}

// Backend is the contract a remote store implements. It is deliberately
// byte-only: flags are never a first-class field here, because one of the
// two backends (the remote RPC client) has no wire concept of flags at all.
// A cache configured with flags mode prepends/strips the 4-byte flags
// prefix itself (see spec.md's "value encoding across backends"); Backend
// just moves opaque bytes.
//
// Every call is scoped to ctx so the connection engine can bound it with
// spec's 200ms per-RPC deadline; a Backend implementation must not retry
// past ctx's deadline.
type Backend interface {
	// Get fetches key from cacheName. ok is false on a clean miss; err is
	// non-nil only for a failure distinct from "not found".
	Get(ctx context.Context, cacheName, key string) (value []byte, ok bool, err error)
	// Set stores value under key in cacheName with the given TTL.
	Set(ctx context.Context, cacheName, key string, value []byte, ttl time.Duration) error
	// Delete removes key from cacheName. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, cacheName, key string) error
	// Close releases any resources (connections, worker goroutines) held by
	// the backend.
	Close() error
}
