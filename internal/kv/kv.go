// Package kv defines the uniform semantic API every component in this
// module uses to talk to the shared remote KV store: scalar get/set,
// ordered lists with blocking pops, hashes, sets, and distributed locks.
//
// Two backings implement Store: redisstore, for production, and memstore,
// an in-process implementation used by every other package's tests.
package kv

import (
	"context"
	"time"
)

// Side selects which end of a list an operation acts on.
type Side string

const (
	Left  Side = "left"
	Right Side = "right"
)

// Store is the uniform semantic API over the remote KV store. Values are
// serialized as structured text; a plain string passed as value round-trips
// as itself with no JSON wrapping. Typed reads never throw on malformed
// stored data — they report a miss.
//
// Blocking operations (BLPop, BRPop, BLMove) return within timeout or when
// the caller's context is cancelled, whichever comes first; callers thread
// the process-wide stopping signal through ctx so a shutdown unblocks every
// in-flight blocking call.
type Store interface {
	Get(ctx context.Context, key string, out any) (bool, error)
	SetOne(ctx context.Context, key string, value any, ttl time.Duration) error
	MGet(ctx context.Context, keys []string, factory func() any) ([]any, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	LPush(ctx context.Context, key string, value any, ttl time.Duration) error
	RPush(ctx context.Context, key string, value any, ttl time.Duration) error
	LPop(ctx context.Context, key string, out any) (bool, error)
	RPop(ctx context.Context, key string, out any) (bool, error)
	LRange(ctx context.Context, key string, start, stop int64, factory func() any) ([]any, error)
	LRem(ctx context.Context, key string, value any) error
	LMove(ctx context.Context, srcKey, dstKey string, srcSide, dstSide Side, out any) (bool, error)

	BLPop(ctx context.Context, key string, timeout time.Duration, out any) (bool, error)
	BRPop(ctx context.Context, key string, timeout time.Duration, out any) (bool, error)
	BLMove(ctx context.Context, srcKey, dstKey string, srcSide, dstSide Side, timeout time.Duration, out any) (bool, error)

	HGet(ctx context.Context, key, field string, out any) (bool, error)
	HGetAll(ctx context.Context, key string, factory func() any) (map[string]any, error)
	HSet(ctx context.Context, key, field string, value any, ttl time.Duration) error
	HDel(ctx context.Context, key, field string) error

	SAdd(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key, member string) error
	SMove(ctx context.Context, srcKey, dstKey, member string) (bool, error)
	SPop(ctx context.Context, key string) (string, bool, error)

	// AcquireLock attempts to take ownership of key for ttl. Returns a nil
	// Lock (no error) if another owner currently holds it.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock is an acquired distributed lock. Refresh extends its TTL only while
// still owned; Release removes it atomically only if still owned.
type Lock interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// pollWindow is the maximum duration any single blocking-op transport call
// waits before the wrapper loop re-checks ctx and re-issues it. This turns
// an uncancellable transport call into one that is cooperatively
// cancellable at the cost of up to pollWindow of extra shutdown latency;
// it is deliberately preserved as policy, not tuned away.
const pollWindow = 1 * time.Second

// BlockingLoop re-issues attempt in pollWindow-sized slices until it
// succeeds, ctx is done, or the overall timeout elapses. attempt is called
// with the remaining slice duration and should perform one bounded
// transport call; it returns (found, err). A zero timeout means block
// until ctx is cancelled. Backings whose transport call already accepts a
// per-call timeout (redisstore) use this to keep that call cancellable.
func BlockingLoop(ctx context.Context, timeout time.Duration, attempt func(ctx context.Context, slice time.Duration) (bool, error)) (bool, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		slice := pollWindow
		if !deadline.IsZero() {
			if remaining := time.Until(deadline); remaining <= 0 {
				return false, nil
			} else if remaining < slice {
				slice = remaining
			}
		}

		found, err := attempt(ctx, slice)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false, nil
		}
	}
}
