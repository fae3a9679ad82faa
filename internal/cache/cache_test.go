package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestManager_LRUEviction(t *testing.T) {
	const maxSize = 3
	m := NewManager[string](WithMaxSize(maxSize), WithName("test_lru"))

	for i := 0; i <= maxSize; i++ {
		m.Set(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i), time.Hour)
	}

	stats := m.GetStats()
	assert.Equal(t, maxSize, stats.Size)
	assert.False(t, m.Has("k0"), "least recently used key should be evicted")
	for i := 1; i <= maxSize; i++ {
		assert.True(t, m.Has(fmt.Sprintf("k%d", i)))
	}
}

func TestManager_GetRefreshesRecency(t *testing.T) {
	m := NewManager[int](WithMaxSize(3), WithName("test_recency"))
	m.Set("a", 1, time.Hour)
	m.Set("b", 2, time.Hour)
	m.Set("c", 3, time.Hour)

	// Touch "a" so "b" becomes the eviction candidate.
	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	m.Set("d", 4, time.Hour)

	assert.Equal(t, []string{"d", "a", "c"}, m.Keys())
	_, ok = m.Get("b")
	assert.False(t, ok)
}

func TestManager_SetExistingKeyDoesNotGrow(t *testing.T) {
	m := NewManager[string](WithMaxSize(2), WithName("test_update"))
	m.Set("a", "1", time.Hour)
	m.Set("b", "2", time.Hour)
	m.Set("a", "3", time.Hour)

	assert.Equal(t, 2, m.GetStats().Size)
	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, "3", v)
	assert.Equal(t, []string{"a", "b"}, m.Keys())
}

func TestManager_TTL(t *testing.T) {
	clock := newFakeClock()
	m := NewManager[string](WithClock(clock.Now), WithName("test_ttl"))
	ttl := 10 * time.Second
	eps := time.Millisecond

	m.Set("key", "value", ttl)

	clock.Advance(ttl - eps)
	assert.True(t, m.Has("key"))
	v, ok := m.Get("key")
	require.True(t, ok)
	assert.Equal(t, "value", v)

	clock.Advance(2 * eps)
	_, ok = m.Get("key")
	assert.False(t, ok)
	assert.False(t, m.Has("key"))

	stats := m.GetStats()
	assert.Equal(t, 0, stats.Size, "expired entry is removed on access")
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestManager_DefaultTTL(t *testing.T) {
	clock := newFakeClock()
	m := NewManager[string](WithClock(clock.Now), WithDefaultTTL(time.Minute), WithName("test_default_ttl"))

	meta := m.SetAndGetMetadata("k", "v", 0)
	assert.Equal(t, time.Minute, meta.TTL)
	assert.True(t, meta.CachedAt.Equal(clock.Now()))
	assert.True(t, meta.ExpiresAt.Equal(clock.Now().Add(time.Minute)))

	clock.Advance(30 * time.Second)
	got, ok := m.GetMetadata("k")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, got.Age)

	clock.Advance(31 * time.Second)
	_, ok = m.GetMetadata("k")
	assert.False(t, ok)
}

func TestManager_GetWithMetadata(t *testing.T) {
	clock := newFakeClock()
	m := NewManager[string](WithClock(clock.Now), WithName("test_meta"))

	miss := m.GetWithMetadata("absent")
	assert.False(t, miss.FromCache)
	assert.Nil(t, miss.CachedAt)

	m.Set("k", "v", time.Hour)
	hit := m.GetWithMetadata("k")
	assert.True(t, hit.FromCache)
	assert.Equal(t, "v", hit.Data)
	require.NotNil(t, hit.CachedAt)
	assert.True(t, hit.CachedAt.Equal(clock.Now()))
}

func TestManager_ClearAndClearAll(t *testing.T) {
	m := NewManager[string](WithName("test_clear"))
	m.Set("a", "1", time.Hour)
	m.Set("b", "2", time.Hour)

	m.Clear("a")
	assert.False(t, m.Has("a"))
	assert.True(t, m.Has("b"))

	m.ClearAll()
	assert.Empty(t, m.Keys())
	assert.Equal(t, 0, m.GetStats().Size)
	stats := m.GetStats()
	assert.Equal(t, uint64(1), stats.Hits, "counters survive ClearAll")
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestManager_StoreInterface(t *testing.T) {
	var store Store[string] = NewManager[string](WithName("test_store"))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", "v", time.Hour))
	res, err := store.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, "v", res.Data)

	require.NoError(t, store.Delete(ctx, "k"))
	res, err = store.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.False(t, res.FromCache)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestManager_ConcurrentAccess(t *testing.T) {
	const maxSize = 50
	m := NewManager[int](WithMaxSize(maxSize), WithName("test_concurrent"))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (g*500+i)%200)
				m.Set(key, i, time.Hour)
				m.Get(key)
				m.Has(fmt.Sprintf("k%d", i%200))
			}
		}(g)
	}
	wg.Wait()

	stats := m.GetStats()
	assert.LessOrEqual(t, stats.Size, maxSize)
	assert.Len(t, m.Keys(), stats.Size)
	assert.Equal(t, uint64(8*500*2), stats.Hits+stats.Misses)
}
