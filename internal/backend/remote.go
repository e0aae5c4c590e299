package backend

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Remote is a Backend that talks to a remote cache service over the RESP
// protocol via a redis.UniversalClient. cacheName is folded into the key as
// a colon-separated prefix, since the RESP wire this client speaks has no
// separate "cache" namespace concept.
type Remote struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// NewRemote wraps an already-configured redis.UniversalClient (a *redis.Client
// for a single node, or *redis.ClusterClient / *redis.Ring for a fleet) as a
// Backend. timeout bounds every call; a non-positive timeout disables the
// deadline.
func NewRemote(client redis.UniversalClient, timeout time.Duration) *Remote {
	return &Remote{client: client, timeout: timeout}
}

func (r *Remote) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func namespacedKey(cacheName, key string) string {
	return cacheName + ":" + key
}

func (r *Remote) Get(ctx context.Context, cacheName, key string) ([]byte, bool, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	raw, err := r.client.Get(ctx, namespacedKey(cacheName, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, false, newError(ErrKindTimeout, err)
		}
		return nil, false, newError(ErrKindIO, err)
	}
	return raw, true, nil
}

func (r *Remote) Set(ctx context.Context, cacheName, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	if err := r.client.Set(ctx, namespacedKey(cacheName, key), value, ttl).Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return newError(ErrKindTimeout, err)
		}
		return newError(ErrKindIO, err)
	}
	return nil
}

func (r *Remote) Delete(ctx context.Context, cacheName, key string) error {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	if err := r.client.Del(ctx, namespacedKey(cacheName, key)).Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return newError(ErrKindTimeout, err)
		}
		return newError(ErrKindIO, err)
	}
	return nil
}

// Do forwards an arbitrary RESP command straight to the remote client,
// unprefixed by cacheName handling — used for the RESP command families
// (hash/list/set/sorted-set) that this proxy's local cache never tiers and
// so simply passes through. Returns the decoded reply or an error already
// classified via newError.
func (r *Remote) Do(ctx context.Context, args ...interface{}) (interface{}, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	res, err := r.client.Do(ctx, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, newError(ErrKindTimeout, err)
		}
		return nil, newError(ErrKindRemote, err)
	}
	return res, nil
}

func (r *Remote) Close() error {
	return r.client.Close()
}
