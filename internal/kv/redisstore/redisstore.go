// Package redisstore is the production kv.Store backing, built on
// github.com/redis/go-redis/v9. Blocking ops are wrapped in pollWindow-sized
// slices via kv.BlockingLoop so a caller's ctx cancels them well inside the
// client's own network timeout.
package redisstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextloop/wsagent/internal/kv"
)

// Store is a kv.Store backed by a single redis.Client.
type Store struct {
	client *redis.Client
}

// New wraps an already-configured redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Ping validates connectivity, mirroring the startup check the original
// service performs before serving traffic.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func sideArg(side kv.Side) string {
	if side == kv.Left {
		return "LEFT"
	}
	return "RIGHT"
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv: get %q: %w", key, err)
	}
	return kv.Decode(raw, out), nil
}

// SetOne implements kv.Store.
func (s *Store) SetOne(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := kv.Encode(value)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("kv: set %q: %w", key, err)
	}
	return nil
}

// MGet implements kv.Store.
func (s *Store) MGet(ctx context.Context, keys []string, factory func() any) ([]any, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: mget: %w", err)
	}
	var out []any
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if decoded := kv.DecodeNew(s, factory); decoded != nil {
			out = append(out, decoded)
		}
	}
	return out, nil
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Exists implements kv.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("kv: exists %q: %w", key, err)
	}
	return n > 0, nil
}

// Expire implements kv.Store.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: expire %q: %w", key, err)
	}
	return ok, nil
}

// LPush implements kv.Store.
func (s *Store) LPush(ctx context.Context, key string, value any, ttl time.Duration) error {
	return s.push(ctx, key, value, ttl, true)
}

// RPush implements kv.Store.
func (s *Store) RPush(ctx context.Context, key string, value any, ttl time.Duration) error {
	return s.push(ctx, key, value, ttl, false)
}

func (s *Store) push(ctx context.Context, key string, value any, ttl time.Duration, left bool) error {
	raw, err := kv.Encode(value)
	if err != nil {
		return err
	}
	if left {
		err = s.client.LPush(ctx, key, raw).Err()
	} else {
		err = s.client.RPush(ctx, key, raw).Err()
	}
	if err != nil {
		return fmt.Errorf("kv: push %q: %w", key, err)
	}
	if ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("kv: expire %q: %w", key, err)
		}
	}
	return nil
}

// LPop implements kv.Store.
func (s *Store) LPop(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.client.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv: lpop %q: %w", key, err)
	}
	return kv.Decode(raw, out), nil
}

// RPop implements kv.Store.
func (s *Store) RPop(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv: rpop %q: %w", key, err)
	}
	return kv.Decode(raw, out), nil
}

// LRange implements kv.Store.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64, factory func() any) ([]any, error) {
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: lrange %q: %w", key, err)
	}
	var out []any
	for _, raw := range vals {
		if decoded := kv.DecodeNew(raw, factory); decoded != nil {
			out = append(out, decoded)
		}
	}
	return out, nil
}

// LRem implements kv.Store.
func (s *Store) LRem(ctx context.Context, key string, value any) error {
	raw, err := kv.Encode(value)
	if err != nil {
		return err
	}
	if err := s.client.LRem(ctx, key, 0, raw).Err(); err != nil {
		return fmt.Errorf("kv: lrem %q: %w", key, err)
	}
	return nil
}

// LMove implements kv.Store.
func (s *Store) LMove(ctx context.Context, srcKey, dstKey string, srcSide, dstSide kv.Side, out any) (bool, error) {
	raw, err := s.client.LMove(ctx, srcKey, dstKey, sideArg(srcSide), sideArg(dstSide)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv: lmove %q -> %q: %w", srcKey, dstKey, err)
	}
	return kv.Decode(raw, out), nil
}

// BLPop implements kv.Store.
func (s *Store) BLPop(ctx context.Context, key string, timeout time.Duration, out any) (bool, error) {
	return s.blockingPop(ctx, key, timeout, out, true)
}

// BRPop implements kv.Store.
func (s *Store) BRPop(ctx context.Context, key string, timeout time.Duration, out any) (bool, error) {
	return s.blockingPop(ctx, key, timeout, out, false)
}

func (s *Store) blockingPop(ctx context.Context, key string, timeout time.Duration, out any, left bool) (bool, error) {
	var raw string
	found, err := kv.BlockingLoop(ctx, timeout, func(ctx context.Context, slice time.Duration) (bool, error) {
		var res []string
		var err error
		if left {
			res, err = s.client.BLPop(ctx, slice, key).Result()
		} else {
			res, err = s.client.BRPop(ctx, slice, key).Result()
		}
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("kv: blocking pop %q: %w", key, err)
		}
		// res is [key, value]; the slice already filtered to one key.
		raw = res[1]
		return true, nil
	})
	if !found || err != nil {
		return false, err
	}
	return kv.Decode(raw, out), nil
}

// BLMove implements kv.Store.
func (s *Store) BLMove(ctx context.Context, srcKey, dstKey string, srcSide, dstSide kv.Side, timeout time.Duration, out any) (bool, error) {
	var raw string
	found, err := kv.BlockingLoop(ctx, timeout, func(ctx context.Context, slice time.Duration) (bool, error) {
		res, err := s.client.BLMove(ctx, srcKey, dstKey, sideArg(srcSide), sideArg(dstSide), slice).Result()
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("kv: blocking lmove %q -> %q: %w", srcKey, dstKey, err)
		}
		raw = res
		return true, nil
	})
	if !found || err != nil {
		return false, err
	}
	return kv.Decode(raw, out), nil
}

// HGet implements kv.Store.
func (s *Store) HGet(ctx context.Context, key, field string, out any) (bool, error) {
	raw, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv: hget %q/%q: %w", key, field, err)
	}
	return kv.Decode(raw, out), nil
}

// HGetAll implements kv.Store.
func (s *Store) HGetAll(ctx context.Context, key string, factory func() any) (map[string]any, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: hgetall %q: %w", key, err)
	}
	out := make(map[string]any, len(vals))
	for field, raw := range vals {
		if decoded := kv.DecodeNew(raw, factory); decoded != nil {
			out[field] = decoded
		}
	}
	return out, nil
}

// HSet implements kv.Store.
func (s *Store) HSet(ctx context.Context, key, field string, value any, ttl time.Duration) error {
	raw, err := kv.Encode(value)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, key, field, raw).Err(); err != nil {
		return fmt.Errorf("kv: hset %q/%q: %w", key, field, err)
	}
	if ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("kv: expire %q: %w", key, err)
		}
	}
	return nil
}

// HDel implements kv.Store.
func (s *Store) HDel(ctx context.Context, key, field string) error {
	return s.client.HDel(ctx, key, field).Err()
}

// SAdd implements kv.Store.
func (s *Store) SAdd(ctx context.Context, key, member string) error {
	return s.client.SAdd(ctx, key, member).Err()
}

// SMembers implements kv.Store.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: smembers %q: %w", key, err)
	}
	return members, nil
}

// SRem implements kv.Store.
func (s *Store) SRem(ctx context.Context, key, member string) error {
	return s.client.SRem(ctx, key, member).Err()
}

// SMove implements kv.Store.
func (s *Store) SMove(ctx context.Context, srcKey, dstKey, member string) (bool, error) {
	ok, err := s.client.SMove(ctx, srcKey, dstKey, member).Result()
	if err != nil {
		return false, fmt.Errorf("kv: smove %q -> %q: %w", srcKey, dstKey, err)
	}
	return ok, nil
}

// SPop implements kv.Store.
func (s *Store) SPop(ctx context.Context, key string) (string, bool, error) {
	member, err := s.client.SPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: spop %q: %w", key, err)
	}
	return member, true, nil
}

// releaseScript atomically deletes key only if its value still matches the
// caller's token, so a lock past its TTL and re-acquired by someone else is
// never torn down out from under its new owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// refreshScript extends key's TTL only if its value still matches the
// caller's token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

type lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func (l *lock) Refresh(ctx context.Context) error {
	if err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("kv: refresh lock %q: %w", l.key, err)
	}
	return nil
}

func (l *lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("kv: release lock %q: %w", l.key, err)
	}
	return nil
}

// AcquireLock implements kv.Store with SET key token NX PX ttl.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (kv.Lock, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: acquire lock %q: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &lock{client: s.client, key: key, token: token, ttl: ttl}, nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("kv: generate lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
