// Package cache implements the shared TTL cache that fronts every provider
// fetch. It collapses concurrent identical requests into a single upstream
// call, serves stale entries while revalidating in the background, falls
// back to stale data when a fetch fails, and bounds memory with per-shard
// LRU eviction. The key space is sharded so unrelated keys never contend on
// one lock.
package cache

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FetchFunc loads a value from upstream on a cache miss or refresh.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Result is a cache read. IsStale marks values served past their TTL, either
// while a background refresh runs or as a fallback after a failed fetch.
type Result[V any] struct {
	Value   V
	IsStale bool
}

// Stats are cumulative cache counters, exported on the health surface.
type Stats struct {
	Hits      int64 `json:"hits"`
	StaleHits int64 `json:"stale_hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Refreshes int64 `json:"refreshes"`
	Fallbacks int64 `json:"fallbacks"`
}

// Options configures a Cache.
type Options struct {
	// Shards is the number of independent lock domains. Power of two keeps
	// the distribution even.
	Shards int
	// Capacity bounds total entries across all shards; beyond it the
	// least-recently-used entry of the shard is evicted regardless of TTL.
	Capacity int
	// StaleWindow is how long past TTL an entry may still be served while a
	// refresh runs. Entries older than TTL+StaleWindow read as misses.
	StaleWindow time.Duration
	// RefreshTimeout bounds a background revalidation.
	RefreshTimeout time.Duration

	Logger *zap.Logger
	Now    func() time.Time // test hook
}

func (o *Options) defaults() {
	if o.Shards <= 0 {
		o.Shards = 16
	}
	if o.Capacity <= 0 {
		o.Capacity = 4096
	}
	if o.StaleWindow <= 0 {
		o.StaleWindow = 60 * time.Second
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type entry[V any] struct {
	key        string
	value      V
	tags       []string
	storedAt   time.Time
	ttl        time.Duration
	elem       *list.Element
	refreshing bool
}

type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

type shard[V any] struct {
	mu       sync.Mutex
	entries  map[string]*entry[V]
	lru      *list.List // front = most recent
	capacity int
	inflight map[string]*call[V]
}

// Cache is a sharded TTL cache with request deduplication.
type Cache[V any] struct {
	opts   Options
	shards []*shard[V]

	hits, staleHits, misses, evictions, refreshes, fallbacks atomic.Int64
}

// New creates a cache.
func New[V any](opts Options) *Cache[V] {
	opts.defaults()
	perShard := opts.Capacity / opts.Shards
	if perShard < 1 {
		perShard = 1
	}
	c := &Cache[V]{opts: opts, shards: make([]*shard[V], opts.Shards)}
	for i := range c.shards {
		c.shards[i] = &shard[V]{
			entries:  make(map[string]*entry[V]),
			lru:      list.New(),
			capacity: perShard,
			inflight: make(map[string]*call[V]),
		}
	}
	return c
}

func (c *Cache[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// GetOrFetch returns the cached value for key or loads it with fn.
//
// Freshness policy, in order:
//   - fresh entry (age < ttl): returned immediately.
//   - stale entry (ttl <= age < ttl+StaleWindow): returned immediately,
//     tagged stale, and exactly one background refresh is scheduled.
//   - anything older, or no entry: treated as a miss. If a fetch for the
//     same key is already in flight, the caller waits on that result rather
//     than issuing a duplicate upstream call.
//
// On fetch failure a previously cached value, if any remains, is served
// stale instead of propagating the error; with nothing to fall back on the
// error propagates as-is.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, tags []string, fn FetchFunc[V]) (Result[V], error) {
	s := c.shardFor(key)
	now := c.opts.Now()

	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		age := now.Sub(e.storedAt)
		switch {
		case age < e.ttl:
			s.lru.MoveToFront(e.elem)
			val := e.value
			s.mu.Unlock()
			c.hits.Add(1)
			return Result[V]{Value: val}, nil

		case age < e.ttl+c.opts.StaleWindow:
			val := e.value
			needRefresh := !e.refreshing
			if needRefresh {
				e.refreshing = true
			}
			s.mu.Unlock()
			c.staleHits.Add(1)
			if needRefresh {
				go c.refresh(s, key, ttl, tags, fn)
			}
			return Result[V]{Value: val, IsStale: true}, nil
		}
		// Past the stale window: fall through as a miss. The entry is kept
		// until the fetch resolves so it can serve as a failure fallback.
	}

	// Dedup: join an in-flight fetch if one exists.
	if cl, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		c.misses.Add(1)
		select {
		case <-ctx.Done():
			var zero V
			return Result[V]{Value: zero}, ctx.Err()
		case <-cl.done:
		}
		if cl.err != nil {
			return c.fallback(s, key, cl.err)
		}
		return Result[V]{Value: cl.val}, nil
	}

	cl := &call[V]{done: make(chan struct{})}
	s.inflight[key] = cl
	s.mu.Unlock()
	c.misses.Add(1)

	cl.val, cl.err = fn(ctx)

	s.mu.Lock()
	delete(s.inflight, key)
	if cl.err == nil {
		c.storeLocked(s, key, cl.val, ttl, tags)
	}
	s.mu.Unlock()
	close(cl.done)

	if cl.err != nil {
		return c.fallback(s, key, cl.err)
	}
	return Result[V]{Value: cl.val}, nil
}

// fallback serves whatever old value is still held for key after a failed
// fetch; when none exists the fetch error propagates.
func (c *Cache[V]) fallback(s *shard[V], key string, fetchErr error) (Result[V], error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	var val V
	if ok {
		val = e.value
	}
	s.mu.Unlock()
	if !ok {
		var zero V
		return Result[V]{Value: zero}, fetchErr
	}
	c.fallbacks.Add(1)
	c.opts.Logger.Warn("serving stale value after fetch failure",
		zap.String("key", key), zap.Error(fetchErr))
	return Result[V]{Value: val, IsStale: true}, nil
}

// refresh revalidates a stale entry in the background. Failures leave the
// stale entry in place; it keeps serving until it ages past the stale
// window.
func (c *Cache[V]) refresh(s *shard[V], key string, ttl time.Duration, tags []string, fn FetchFunc[V]) {
	c.refreshes.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RefreshTimeout)
	defer cancel()

	val, err := fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.refreshing = false
	}
	if err != nil {
		c.opts.Logger.Warn("background refresh failed", zap.String("key", key), zap.Error(err))
		return
	}
	c.storeLocked(s, key, val, ttl, tags)
}

// Set stores a value directly, bypassing the fetch path.
func (c *Cache[V]) Set(key string, val V, ttl time.Duration, tags []string) {
	s := c.shardFor(key)
	s.mu.Lock()
	c.storeLocked(s, key, val, ttl, tags)
	s.mu.Unlock()
}

func (c *Cache[V]) storeLocked(s *shard[V], key string, val V, ttl time.Duration, tags []string) {
	now := c.opts.Now()
	if e, ok := s.entries[key]; ok {
		e.value = val
		e.storedAt = now
		e.ttl = ttl
		e.tags = tags
		s.lru.MoveToFront(e.elem)
		return
	}
	e := &entry[V]{key: key, value: val, tags: tags, storedAt: now, ttl: ttl}
	e.elem = s.lru.PushFront(e)
	s.entries[key] = e

	for s.lru.Len() > s.capacity {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(*entry[V])
		s.lru.Remove(oldest)
		delete(s.entries, victim.key)
		c.evictions.Add(1)
	}
}

// Invalidate removes every entry carrying the given tag, independent of TTL.
// Used when an upstream push signals a known change. Returns the number of
// entries removed.
func (c *Cache[V]) Invalidate(tag string) int {
	return c.InvalidateMatching(func(_ string, tags []string) bool {
		for _, t := range tags {
			if t == tag {
				return true
			}
		}
		return false
	})
}

// InvalidateMatching removes every entry the predicate selects.
func (c *Cache[V]) InvalidateMatching(pred func(key string, tags []string) bool) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if pred(key, e.tags) {
				s.lru.Remove(e.elem)
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Stats returns cumulative counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		StaleHits: c.staleHits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Refreshes: c.refreshes.Load(),
		Fallbacks: c.fallbacks.Load(),
	}
}
