package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsDeterministicAndTenantScoped(t *testing.T) {
	k1 := Key(CategoryContent, "tenant-a", "write me an email")
	k2 := Key(CategoryContent, "tenant-a", "write me an email")
	k3 := Key(CategoryContent, "tenant-b", "write me an email")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Contains(t, k1, "content:tenant-a:")
}

func TestGetRespectsTTL(t *testing.T) {
	c := New(10)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("k", "v", CategoryScoring)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	now = now.Add(15*time.Minute + time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)

	// Expired entries are removed on read.
	stats := c.Stats()
	assert.Equal(t, 0, stats.Entries)
}

func TestCategoryTTLs(t *testing.T) {
	assert.Equal(t, 24*time.Hour, TTL(CategoryExpensiveAnswer))
	assert.Equal(t, 6*time.Hour, TTL(CategoryWebSearch))
	assert.Equal(t, time.Hour, TTL(CategoryContent))
	assert.Equal(t, 15*time.Minute, TTL(CategoryScoring))
	assert.Equal(t, 15*time.Minute, TTL(Category("bogus")))
}

func TestGetOrComputeDedupesConcurrentCallers(t *testing.T) {
	c := New(10)
	var calls int32
	release := make(chan struct{})

	factory := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "computed", nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "k", CategoryContent, factory)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Let all goroutines pile onto the single flight before releasing.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, v := range results {
		assert.Equal(t, "computed", v)
	}
}

func TestGetOrComputeSurvivesLeaderCancellation(t *testing.T) {
	c := New(10)
	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})

	factory := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		select {
		case <-release:
			return "computed", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(leaderCtx, "k", CategoryContent, factory)
		leaderErr <- err
	}()
	<-started

	// A second caller joins the in-flight computation, then the first
	// caller disconnects.
	waiterDone := make(chan struct{})
	var waiterVal any
	var waiterErr error
	go func() {
		defer close(waiterDone)
		waiterVal, waiterErr = c.GetOrCompute(context.Background(), "k", CategoryContent, factory)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	// The leader leaves with its own context error.
	require.ErrorIs(t, <-leaderErr, context.Canceled)

	// The shared computation keeps running and the waiter gets the
	// value.
	close(release)
	<-waiterDone
	require.NoError(t, waiterErr)
	assert.Equal(t, "computed", waiterVal)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// The result was cached despite the leader's disconnect.
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "computed", v)
}

func TestGetOrComputeDoesNotCacheErrors(t *testing.T) {
	c := New(10)
	boom := errors.New("upstream down")
	var calls int

	_, err := c.GetOrCompute(context.Background(), "k", CategoryContent, func(ctx context.Context) (any, error) {
		calls++
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	v, err := c.GetOrCompute(context.Background(), "k", CategoryContent, func(ctx context.Context) (any, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}

func TestEvictionDropsExpiredFirst(t *testing.T) {
	c := New(10)
	now := time.Now()
	c.now = func() time.Time { return now }

	// Two entries that will be expired by insertion time of the 10th.
	c.Set("stale-1", 1, CategoryScoring)
	c.Set("stale-2", 2, CategoryScoring)
	now = now.Add(16 * time.Minute)

	for i := 0; i < 8; i++ {
		c.Set(fmt.Sprintf("live-%d", i), i, CategoryExpensiveAnswer)
	}

	// At capacity; expired entries go first and no live entry is lost.
	c.Set("new", "v", CategoryExpensiveAnswer)

	_, ok := c.Get("stale-1")
	assert.False(t, ok)
	_, ok = c.Get("stale-2")
	assert.False(t, ok)
	_, ok = c.Get("new")
	assert.True(t, ok)
	for i := 0; i < 8; i++ {
		_, ok = c.Get(fmt.Sprintf("live-%d", i))
		assert.True(t, ok)
	}
}

func TestEvictionKeepsHottestEntries(t *testing.T) {
	c := New(250)

	for i := 0; i < 250; i++ {
		c.Set(fmt.Sprintf("k-%d", i), i, CategoryExpensiveAnswer)
	}
	// k-42 is the only entry with hits.
	for i := 0; i < 5; i++ {
		c.Get("k-42")
	}

	// No expired entries, so eviction falls through to hit counts.
	c.Set("overflow", "v", CategoryExpensiveAnswer)

	_, ok := c.Get("k-42")
	assert.True(t, ok, "hottest entry should survive hit-based eviction")
	_, ok = c.Get("overflow")
	assert.True(t, ok)
	assert.Less(t, c.Stats().Entries, 250)
}

func TestInvalidateByCategory(t *testing.T) {
	c := New(50)
	c.Set(Key(CategoryScoring, "t1", "lead-1"), 80, CategoryScoring)
	c.Set(Key(CategoryScoring, "t1", "lead-2"), 60, CategoryScoring)
	c.Set(Key(CategoryScoring, "t2", "lead-3"), 40, CategoryScoring)
	c.Set(Key(CategoryContent, "t1", "email"), "hi", CategoryContent)

	removed := c.InvalidateByCategory(CategoryScoring, "t1")
	assert.Equal(t, 2, removed)

	_, ok := c.Get(Key(CategoryScoring, "t2", "lead-3"))
	assert.True(t, ok)
	_, ok = c.Get(Key(CategoryContent, "t1", "email"))
	assert.True(t, ok)

	removed = c.InvalidateByCategory(CategoryScoring, "")
	assert.Equal(t, 1, removed)
}

func TestStatsCountsHitsAndMisses(t *testing.T) {
	c := New(10)
	c.Set("k", "v", CategoryContent)

	c.Get("k")
	c.Get("k")
	c.Get("absent")

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.ByCategory[CategoryContent])

	c.Clear()
	stats = c.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, int64(0), stats.Hits)
}
