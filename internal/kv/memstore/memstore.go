// Package memstore is an in-process kv.Store used by every other
// package's test suite; it has no external dependency and backs the
// blocking-pop and lock semantics with goroutine-safe primitives instead
// of a real transport.
package memstore

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/nextloop/wsagent/internal/kv"
)

type entry struct {
	value   string
	expires time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// Store is an in-memory kv.Store.
type Store struct {
	mu     sync.Mutex
	notify chan struct{} // closed and replaced on every mutation worth waking a waiter for
	values map[string]entry
	lists  map[string]*list.List
	hashes map[string]map[string]entry
	sets   map[string]map[string]struct{}
	locks  map[string]lockState
}

type lockState struct {
	token   string
	expires time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		notify: make(chan struct{}),
		values: make(map[string]entry),
		lists:  make(map[string]*list.List),
		hashes: make(map[string]map[string]entry),
		sets:   make(map[string]map[string]struct{}),
		locks:  make(map[string]lockState),
	}
}

// wakeLocked signals any blocked waiters that state changed. Must be
// called with mu held.
func (s *Store) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Store) listFor(key string) *list.List {
	l, ok := s.lists[key]
	if !ok {
		l = list.New()
		s.lists[key] = l
	}
	return l
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.values[key]
	if !ok || e.expired(time.Now()) {
		return false, nil
	}
	return kv.Decode(e.value, out), nil
}

// SetOne implements kv.Store.
func (s *Store) SetOne(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := kv.Encode(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = entry{value: raw, expires: expiryFor(ttl)}
	return nil
}

func expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// MGet implements kv.Store.
func (s *Store) MGet(ctx context.Context, keys []string, factory func() any) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []any
	for _, key := range keys {
		e, ok := s.values[key]
		if !ok || e.expired(now) {
			continue
		}
		if decoded := kv.DecodeNew(e.value, factory); decoded != nil {
			out = append(out, decoded)
		}
	}
	return out, nil
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.lists, key)
	delete(s.hashes, key)
	delete(s.sets, key)
	return nil
}

// Exists implements kv.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.values[key]; ok && !e.expired(time.Now()) {
		return true, nil
	}
	if l, ok := s.lists[key]; ok && l.Len() > 0 {
		return true, nil
	}
	return false, nil
}

// Expire implements kv.Store.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.values[key]
	if !ok {
		return false, nil
	}
	e.expires = expiryFor(ttl)
	s.values[key] = e
	return true, nil
}

func (s *Store) pushLocked(key string, value any, ttl time.Duration, left bool) error {
	raw, err := kv.Encode(value)
	if err != nil {
		return err
	}
	l := s.listFor(key)
	if left {
		l.PushFront(raw)
	} else {
		l.PushBack(raw)
	}
	// lists do not carry a per-item TTL in this in-memory approximation;
	// ttl is accepted for interface parity with the redis backing, where
	// it refreshes the whole key's expiry.
	_ = ttl
	return nil
}

// LPush implements kv.Store.
func (s *Store) LPush(ctx context.Context, key string, value any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.pushLocked(key, value, ttl, true)
	s.wakeLocked()
	return err
}

// RPush implements kv.Store.
func (s *Store) RPush(ctx context.Context, key string, value any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.pushLocked(key, value, ttl, false)
	s.wakeLocked()
	return err
}

func (s *Store) popLocked(key string, left bool) (string, bool) {
	l, ok := s.lists[key]
	if !ok || l.Len() == 0 {
		return "", false
	}
	var elem *list.Element
	if left {
		elem = l.Front()
	} else {
		elem = l.Back()
	}
	l.Remove(elem)
	return elem.Value.(string), true
}

// LPop implements kv.Store.
func (s *Store) LPop(ctx context.Context, key string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.popLocked(key, true)
	if !ok {
		return false, nil
	}
	return kv.Decode(raw, out), nil
}

// RPop implements kv.Store.
func (s *Store) RPop(ctx context.Context, key string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.popLocked(key, false)
	if !ok {
		return false, nil
	}
	return kv.Decode(raw, out), nil
}

// LRange implements kv.Store.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64, factory func() any) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[key]
	if !ok {
		return nil, nil
	}
	items := make([]string, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		items = append(items, e.Value.(string))
	}
	lo, hi := normalizeRange(start, stop, int64(len(items)))
	var out []any
	for i := lo; i < hi; i++ {
		if decoded := kv.DecodeNew(items[i], factory); decoded != nil {
			out = append(out, decoded)
		}
	}
	return out, nil
}

func normalizeRange(start, stop, length int64) (int64, int64) {
	if start < 0 {
		start = length + start
	}
	if stop < 0 {
		stop = length + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if start > stop || length == 0 {
		return 0, 0
	}
	return start, stop + 1
}

// LRem implements kv.Store.
func (s *Store) LRem(ctx context.Context, key string, value any) error {
	raw, err := kv.Encode(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[key]
	if !ok {
		return nil
	}
	for e := l.Front(); e != nil; {
		next := e.Next()
		if e.Value.(string) == raw {
			l.Remove(e)
		}
		e = next
	}
	return nil
}

func sideLeft(s kv.Side) bool { return s == kv.Left }

// LMove implements kv.Store.
func (s *Store) LMove(ctx context.Context, srcKey, dstKey string, srcSide, dstSide kv.Side, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.popLocked(srcKey, sideLeft(srcSide))
	if !ok {
		return false, nil
	}
	if err := s.pushLocked(dstKey, raw, 0, sideLeft(dstSide)); err != nil {
		return false, err
	}
	s.wakeLocked()
	return kv.Decode(raw, out), nil
}

// BLPop implements kv.Store, waking on the next push or once pollWindow
// elapses, so a cancelled ctx unblocks within one poll slice.
func (s *Store) BLPop(ctx context.Context, key string, timeout time.Duration, out any) (bool, error) {
	return s.blockingPop(ctx, key, timeout, out, true)
}

// BRPop implements kv.Store.
func (s *Store) BRPop(ctx context.Context, key string, timeout time.Duration, out any) (bool, error) {
	return s.blockingPop(ctx, key, timeout, out, false)
}

func (s *Store) blockingPop(ctx context.Context, key string, timeout time.Duration, out any, left bool) (bool, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		s.mu.Lock()
		raw, ok := s.popLocked(key, left)
		wake := s.notify
		s.mu.Unlock()

		if ok {
			return kv.Decode(raw, out), nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-wake:
		case <-time.After(pollSlice(deadline)):
		}
	}
}

func pollSlice(deadline time.Time) time.Duration {
	const window = 1 * time.Second
	if deadline.IsZero() {
		return window
	}
	if remaining := time.Until(deadline); remaining < window {
		if remaining < 0 {
			return 0
		}
		return remaining
	}
	return window
}

// BLMove implements kv.Store.
func (s *Store) BLMove(ctx context.Context, srcKey, dstKey string, srcSide, dstSide kv.Side, timeout time.Duration, out any) (bool, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if ok, err := s.LMove(ctx, srcKey, dstKey, srcSide, dstSide, out); err != nil || ok {
			return ok, err
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pollSlice(deadline)):
		}
	}
}

// HGet implements kv.Store.
func (s *Store) HGet(ctx context.Context, key, field string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return false, nil
	}
	e, ok := h[field]
	if !ok || e.expired(time.Now()) {
		return false, nil
	}
	return kv.Decode(e.value, out), nil
}

// HGetAll implements kv.Store.
func (s *Store) HGetAll(ctx context.Context, key string, factory func() any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return nil, nil
	}
	out := make(map[string]any, len(h))
	now := time.Now()
	for field, e := range h {
		if e.expired(now) {
			continue
		}
		if decoded := kv.DecodeNew(e.value, factory); decoded != nil {
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
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]entry)
		s.hashes[key] = h
	}
	h[field] = entry{value: raw, expires: expiryFor(ttl)}
	return nil
}

// HDel implements kv.Store.
func (s *Store) HDel(ctx context.Context, key, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.hashes[key]; ok {
		delete(h, field)
	}
	return nil
}

// SAdd implements kv.Store.
func (s *Store) SAdd(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

// SMembers implements kv.Store.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out, nil
}

// SRem implements kv.Store.
func (s *Store) SRem(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.sets[key]; ok {
		delete(set, member)
	}
	return nil
}

// SMove implements kv.Store.
func (s *Store) SMove(ctx context.Context, srcKey, dstKey, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sets[srcKey]
	if !ok {
		return false, nil
	}
	if _, ok := src[member]; !ok {
		return false, nil
	}
	delete(src, member)
	dst, ok := s.sets[dstKey]
	if !ok {
		dst = make(map[string]struct{})
		s.sets[dstKey] = dst
	}
	dst[member] = struct{}{}
	return true, nil
}

// SPop implements kv.Store.
func (s *Store) SPop(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok || len(set) == 0 {
		return "", false, nil
	}
	for m := range set {
		delete(set, m)
		return m, true, nil
	}
	return "", false, nil
}

type memLock struct {
	store *Store
	key   string
	token string
	ttl   time.Duration
}

func (l *memLock) Refresh(ctx context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	state, ok := l.store.locks[l.key]
	if !ok || state.token != l.token {
		return nil
	}
	state.expires = time.Now().Add(l.ttl)
	l.store.locks[l.key] = state
	return nil
}

func (l *memLock) Release(ctx context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	state, ok := l.store.locks[l.key]
	if !ok || state.token != l.token {
		return nil
	}
	delete(l.store.locks, l.key)
	return nil
}

// AcquireLock implements kv.Store.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (kv.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if state, ok := s.locks[key]; ok && now.Before(state.expires) {
		return nil, nil
	}
	token := newToken()
	s.locks[key] = lockState{token: token, expires: now.Add(ttl)}
	return &memLock{store: s, key: key, token: token, ttl: ttl}, nil
}

var tokenCounter uint64
var tokenMu sync.Mutex

func newToken() string {
	tokenMu.Lock()
	defer tokenMu.Unlock()
	tokenCounter++
	return time.Now().Format("150405.000000000") + "-" + string(rune('a'+tokenCounter%26))
}
