package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"miren.dev/invoker/clock"
)

func TestCache_RoundTrip(t *testing.T) {
	c, err := New[string](16)
	require.NoError(t, err)

	f, err := c.Update(context.Background(), "owner-1", "k1", "v1", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	lf, err := c.Lookup(context.Background(), "owner-1", "k1", func(ctx context.Context) (string, error) {
		t.Fatal("loader should not run on a cache hit")
		return "", nil
	})
	require.NoError(t, err)

	got, err := lf.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
}

func TestCache_MissLoadsAndCaches(t *testing.T) {
	c, err := New[int](16)
	require.NoError(t, err)

	var calls atomic.Int32
	loader := func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 42, nil
	}

	f1, err := c.Lookup(context.Background(), "owner", "k", loader)
	require.NoError(t, err)
	v1, err := f1.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v1)

	f2, err := c.Lookup(context.Background(), "owner", "k", loader)
	require.NoError(t, err)
	v2, err := f2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v2)

	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_CoalescesReadsFromSameOwner(t *testing.T) {
	c, err := New[int](16)
	require.NoError(t, err)

	var calls atomic.Int32
	release := make(chan struct{})
	loader := func(ctx context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 7, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := c.Lookup(context.Background(), "same-owner", "k", loader)
			require.NoError(t, err)
			v, err := f.Wait(context.Background())
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Give every goroutine a chance to observe ReadInProgress before
	// unblocking the loader.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, 7, r)
	}
	assert.Equal(t, int32(1), calls.Load(), "same-owner reads must coalesce onto one backing read")
}

func TestCache_UnrelatedOwnersReadAround(t *testing.T) {
	c, err := New[int](16)
	require.NoError(t, err)

	var calls atomic.Int32
	release := make(chan struct{})
	loader := func(ctx context.Context) (int, error) {
		n := calls.Add(1)
		<-release
		return int(n), nil
	}

	f1, err := c.Lookup(context.Background(), "owner-a", "k", loader)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	f2, err := c.Lookup(context.Background(), "owner-b", "k", loader)
	require.NoError(t, err)

	close(release)

	v1, err := f1.Wait(context.Background())
	require.NoError(t, err)
	v2, err := f2.Wait(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, v1, v2, "unrelated owners must each read around, not coalesce")
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_Invalidate_RoundTrip(t *testing.T) {
	c, err := New[string](16)
	require.NoError(t, err)

	f, _ := c.Update(context.Background(), "owner", "k1", "v1", func(ctx context.Context) error { return nil })
	_, err = f.Wait(context.Background())
	require.NoError(t, err)

	var invalidated atomic.Bool
	inv, err := c.Invalidate(context.Background(), "k1", func(ctx context.Context) error {
		invalidated.Store(true)
		return nil
	})
	require.NoError(t, err)
	_, err = inv.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, invalidated.Load())

	var loaderCalled atomic.Bool
	lf, err := c.Lookup(context.Background(), "owner", "k1", func(ctx context.Context) (string, error) {
		loaderCalled.Store(true)
		return "v2", nil
	})
	require.NoError(t, err)
	v, err := lf.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.True(t, loaderCalled.Load(), "a lookup after invalidation must not return the stale value")
}

// TestCache_InvalidateDuringInFlightRead is scenario 6 from spec.md §8:
// begin a slow lookup, invalidate concurrently. The invalidate must mark
// InvalidateWhenDone; when the loader completes the entry is evicted
// rather than promoted, the original lookup still resolves to the
// loaded value, and a subsequent lookup re-reads.
func TestCache_InvalidateDuringInFlightRead(t *testing.T) {
	c, err := New[string](16)
	require.NoError(t, err)

	release := make(chan struct{})
	var loadCount atomic.Int32
	loader := func(ctx context.Context) (string, error) {
		loadCount.Add(1)
		<-release
		return "v1", nil
	}

	f, err := c.Lookup(context.Background(), "owner", "k", loader)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond) // let the read install ReadInProgress

	var invalidatorRan atomic.Bool
	invFut, err := c.Invalidate(context.Background(), "k", func(ctx context.Context) error {
		invalidatorRan.Store(true)
		return nil
	})
	require.NoError(t, err)

	close(release)

	v, err := f.Wait(context.Background())
	require.NoError(t, err, "the original lookup must still resolve to the loaded value")
	assert.Equal(t, "v1", v)

	_, err = invFut.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, invalidatorRan.Load())

	var reloaded atomic.Bool
	lf2, err := c.Lookup(context.Background(), "owner", "k", func(ctx context.Context) (string, error) {
		reloaded.Store(true)
		return "v2", nil
	})
	require.NoError(t, err)
	v2, err := lf2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2", v2)
	assert.True(t, reloaded.Load(), "a subsequent lookup must re-read rather than see a promoted stale entry")
}

func TestCache_UpdateFailureEvicts(t *testing.T) {
	c, err := New[string](16)
	require.NoError(t, err)

	boom := errors.New("write failed")
	f, err := c.Update(context.Background(), "owner", "k", "v1", func(ctx context.Context) error { return boom })
	require.NoError(t, err)

	_, err = f.Wait(context.Background())
	assert.ErrorIs(t, err, boom)

	var loaderCalled atomic.Bool
	lf, err := c.Lookup(context.Background(), "owner", "k", func(ctx context.Context) (string, error) {
		loaderCalled.Store(true)
		return "fresh", nil
	})
	require.NoError(t, err)
	v, err := lf.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.True(t, loaderCalled.Load())
}

func TestCache_ConcurrentWritesRejected(t *testing.T) {
	c, err := New[string](16)
	require.NoError(t, err)

	release := make(chan struct{})
	_, err = c.Update(context.Background(), "owner-1", "k", "v1", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	_, err = c.Update(context.Background(), "owner-2", "k", "v2", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
	var concErr *ConcurrentOp
	assert.ErrorAs(t, err, &concErr)

	close(release)
}

func TestCache_TTLExpiry(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c, err := New[string](16, WithClock[string](fc), WithTTL[string](time.Minute))
	require.NoError(t, err)

	f, _ := c.Update(context.Background(), "owner", "k", "v1", func(ctx context.Context) error { return nil })
	_, err = f.Wait(context.Background())
	require.NoError(t, err)

	fc.Advance(90 * time.Second)

	var reloaded atomic.Bool
	lf, err := c.Lookup(context.Background(), "owner", "k", func(ctx context.Context) (string, error) {
		reloaded.Store(true)
		return "v2", nil
	})
	require.NoError(t, err)
	v, err := lf.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.True(t, reloaded.Load(), "expired entries must be reloaded, not returned stale")
}

func TestCache_BoundedSizeEvictsOldestCached(t *testing.T) {
	c, err := New[int](2)
	require.NoError(t, err)

	for _, k := range []string{"a", "b", "c"} {
		f, err := c.Update(context.Background(), "owner", k, 1, func(ctx context.Context) error { return nil })
		require.NoError(t, err)
		_, err = f.Wait(context.Background())
		require.NoError(t, err)
	}

	// "a" should have been evicted by the bounded LRU admission list once
	// "c" pushed the cache past its size-2 bound.
	var reloaded atomic.Bool
	lf, err := c.Lookup(context.Background(), "owner", "a", func(ctx context.Context) (int, error) {
		reloaded.Store(true)
		return 2, nil
	})
	require.NoError(t, err)
	_, err = lf.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, reloaded.Load())
}
