// Package cache implements the multi-reader/single-writer cache spec.md
// §4.3 describes: a key's entry moves between ReadInProgress,
// WriteInProgress, InvalidateInProgress, InvalidateWhenDone, and Cached
// under CAS, coalescing concurrent reads from the same owner onto one
// backing read while unrelated readers read around in-progress entries.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"miren.dev/invoker/clock"
)

// DefaultTTL is the recommended Cached-entry lifetime from spec.md §4.3.
const DefaultTTL = 5 * time.Minute

// Loader fetches the value for a key on a miss or read-around.
type Loader[V any] func(ctx context.Context) (V, error)

// Writer persists a value that has already been decided; on success the
// entry promotes to Cached, on failure it evicts.
type Writer func(ctx context.Context) error

// Invalidator performs the backing-store side of an invalidation.
type Invalidator func(ctx context.Context) error

// Cache is the MRSW cache. Keys are strings (activation/entity ids in
// this runtime's usage); values are generic.
type Cache[V any] struct {
	mu       sync.Mutex
	entries  map[string]*entry[V]
	admitted *lru.Cache[string, struct{}]

	ttl   time.Duration
	clk   clock.Clock
	metr  *metrics
	genMu sync.Mutex
	gens  map[string]uint64
}

// Option configures a Cache at construction.
type Option[V any] func(*Cache[V])

// WithTTL overrides DefaultTTL.
func WithTTL[V any](ttl time.Duration) Option[V] {
	return func(c *Cache[V]) { c.ttl = ttl }
}

// WithClock overrides the clock.System default, for tests.
func WithClock[V any](clk clock.Clock) Option[V] {
	return func(c *Cache[V]) { c.clk = clk }
}

// WithMetrics attaches a telemetry sink created by NewMetrics.
func WithMetrics[V any](m *metrics) Option[V] {
	return func(c *Cache[V]) { c.metr = m }
}

// New creates a bounded-size MRSW cache holding up to size Cached
// entries. A key joins the bound's admission list when its entry is
// promoted to Cached and stays on it through later writes; when the
// bound evicts a key whose entry is not Cached at that moment, the
// entry is left in place.
func New[V any](size int, opts ...Option[V]) (*Cache[V], error) {
	c := &Cache[V]{
		entries: make(map[string]*entry[V]),
		ttl:     DefaultTTL,
		clk:     clock.System{},
		gens:    make(map[string]uint64),
	}

	admitted, err := lru.NewWithEvict[string, struct{}](size, func(key string, _ struct{}) {
		c.onAdmissionEvict(key)
	})
	if err != nil {
		return nil, err
	}
	c.admitted = admitted

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *Cache[V]) nextGen(key string) uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	c.gens[key]++
	return c.gens[key]
}

// onAdmissionEvict is the bounded-LRU's eviction callback. It only ever
// removes an entry that is still Cached at the moment of eviction —
// per spec.md's invariant that non-Cached entries are never TTL/size
// evicted, a CAS guards against evicting an entry that has since been
// grabbed for a write or invalidation.
func (c *Cache[V]) onAdmissionEvict(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	st := e.load()
	if st == nil || st.kind != stateCached {
		return
	}

	if e.cas(st, nil) {
		c.removeEntry(key, e)
		c.metr.recordEviction("lru")
	}
}

func (c *Cache[V]) removeEntry(key string, e *entry[V]) {
	c.mu.Lock()
	if cur, ok := c.entries[key]; ok && cur == e {
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

// Lookup resolves key's value, coalescing onto an in-progress read from
// the same owner, reading around an in-progress read from a different
// owner or any in-progress write/invalidate, or hitting the Cached value
// directly.
//
// owner identifies the calling proxy/context for coalescing purposes —
// spec.md §3: "coalesce onto one backing read only within a single
// proxy; concurrent reads from unrelated contexts may each read-around."
func (c *Cache[V]) Lookup(ctx context.Context, owner, key string, load Loader[V]) (*Future[V], error) {
	for {
		c.mu.Lock()
		e, ok := c.entries[key]
		if !ok {
			e = &entry[V]{}
			c.entries[key] = e
		}
		c.mu.Unlock()

		st := e.load()

		if st == nil {
			if c.beginRead(e, key, owner) {
				c.metr.recordMiss(key)
				return c.runRead(ctx, e, key, load), nil
			}
			continue // lost the race to install ReadInProgress; retry
		}

		switch st.kind {
		case stateCached:
			if c.expired(st) {
				if e.cas(st, nil) {
					c.removeEntry(key, e)
					c.metr.recordEviction("ttl")
					continue
				}
				continue
			}
			c.metr.recordHit(key)
			return resolvedFuture(st.value, nil), nil

		case stateReadInProgress:
			if st.owner == owner {
				c.metr.recordCoalesced(key)
				return c.waitOnOwnedRead(st), nil
			}
			// different owner: read-around, no promotion.
			c.metr.recordMiss(key)
			return c.readAround(ctx, load), nil

		case stateWriteInProgress, stateInvalidateInProgress, stateInvalidateWhenDone:
			c.metr.recordMiss(key)
			return c.readAround(ctx, load), nil

		default:
			return nil, fmt.Errorf("cache: unreachable state %v", st.kind)
		}
	}
}

func (c *Cache[V]) beginRead(e *entry[V], key, owner string) bool {
	return e.cas(nil, &entryState[V]{
		kind:   stateReadInProgress,
		owner:  owner,
		future: newFuture[V](),
		gen:    c.nextGen(key),
	})
}

func (c *Cache[V]) runRead(ctx context.Context, e *entry[V], key string, load Loader[V]) *Future[V] {
	st := e.load() // the ReadInProgress state we just installed
	f := st.future

	go func() {
		value, err := load(ctx)

		if err != nil {
			c.removeEntry(key, e)
			f.resolve(value, err)
			return
		}

		promoted := &entryState[V]{kind: stateCached, value: value, cachedAt: c.clk.Now(), gen: st.gen}
		if e.cas(st, promoted) {
			c.admitted.Add(key, struct{}{})
			f.resolve(value, nil)
			return
		}

		// CAS lost: something else changed the entry while we were
		// loading. Inspect what.
		cur := e.load()
		switch {
		case cur != nil && cur.kind == stateInvalidateWhenDone:
			// Resolved ambiguity (spec.md §9): the caller still sees the
			// loaded value; the entry is evicted rather than cached.
			c.removeEntry(key, e)
			f.resolve(value, nil)
		default:
			// Any other outcome means our read cycle was superseded by a
			// newer one before we could publish it.
			f.resolve(value, &StaleRead{Key: key})
		}
	}()

	return f
}

func (c *Cache[V]) waitOnOwnedRead(st *entryState[V]) *Future[V] {
	return st.future
}

func (c *Cache[V]) readAround(ctx context.Context, load Loader[V]) *Future[V] {
	f := newFuture[V]()
	go func() {
		v, err := load(ctx)
		f.resolve(v, err)
	}()
	return f
}

func (c *Cache[V]) expired(st *entryState[V]) bool {
	return c.clk.Now().Sub(st.cachedAt) >= c.ttl
}

// Update installs value as Cached once writer succeeds, or evicts on
// failure. If an invalidation is piggybacked while the write is in
// flight (InvalidateWhenDone), the entry is evicted instead of promoted
// even though the writer itself succeeded.
func (c *Cache[V]) Update(ctx context.Context, owner, key string, value V, writer Writer) (*Future[V], error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry[V]{}
		c.entries[key] = e
	}
	c.mu.Unlock()

	old := e.load()
	if old != nil {
		switch old.kind {
		case stateWriteInProgress, stateInvalidateInProgress, stateInvalidateWhenDone:
			return nil, &ConcurrentOp{Key: key, Op: "write"}
		}
	}
	writing := &entryState[V]{kind: stateWriteInProgress, owner: owner, future: newFuture[V](), gen: c.nextGen(key)}
	if !e.cas(old, writing) {
		return nil, &ConcurrentOp{Key: key, Op: "write"}
	}

	f := writing.future

	go func() {
		err := writer(ctx)
		if err != nil {
			c.removeEntry(key, e)
			var zero V
			f.resolve(zero, err)
			return
		}

		promoted := &entryState[V]{kind: stateCached, value: value, cachedAt: c.clk.Now(), gen: writing.gen}
		if e.cas(writing, promoted) {
			c.admitted.Add(key, struct{}{})
			f.resolve(value, nil)
			return
		}

		// InvalidateWhenDone must have been set while the write ran.
		c.removeEntry(key, e)
		f.resolve(value, nil)
	}()

	return f, nil
}

// Invalidate removes key from the cache, running invalidator against the
// backing store first. If a read or write is in progress, the entry is
// marked InvalidateWhenDone and the owning operation evicts on
// completion instead of promoting to Cached; a second concurrent
// Invalidate call piggybacks on the first rather than running
// invalidator twice.
func (c *Cache[V]) Invalidate(ctx context.Context, key string, invalidator Invalidator) (*Future[struct{}], error) {
	for {
		c.mu.Lock()
		e, ok := c.entries[key]
		c.mu.Unlock()

		if !ok {
			// Initial state: nothing to invalidate, but run the
			// invalidator for backing-store consistency.
			f := newFuture[struct{}]()
			go func() { f.resolve(struct{}{}, invalidator(ctx)) }()
			return f, nil
		}

		st := e.load()
		if st == nil {
			return resolvedFuture(struct{}{}, nil), nil
		}

		switch st.kind {
		case stateCached:
			invalidating := &entryState[V]{kind: stateInvalidateInProgress, gen: st.gen}
			if !e.cas(st, invalidating) {
				continue // lost race, re-read and retry
			}

			f := newFuture[struct{}]()
			go func() {
				err := invalidator(ctx)
				c.removeEntry(key, e)
				f.resolve(struct{}{}, err)
			}()
			return f, nil

		case stateReadInProgress, stateWriteInProgress:
			whenDone := &entryState[V]{kind: stateInvalidateWhenDone, owner: st.owner, future: st.future, gen: st.gen}
			if !e.cas(st, whenDone) {
				continue
			}
			// The owning read/write evicts on completion; this call's
			// invalidator still needs to run against the backing store.
			f := newFuture[struct{}]()
			go func() { f.resolve(struct{}{}, invalidator(ctx)) }()
			return f, nil

		case stateInvalidateWhenDone, stateInvalidateInProgress:
			// Piggyback: someone else already scheduled the same
			// invalidation; don't run invalidator twice.
			f := newFuture[struct{}]()
			go func() { f.resolve(struct{}{}, nil) }()
			return f, nil

		default:
			return nil, fmt.Errorf("cache: unreachable state %v", st.kind)
		}
	}
}

// Len reports the number of entries currently tracked (any state), for
// tests and diagnostics.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
