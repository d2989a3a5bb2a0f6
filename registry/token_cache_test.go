package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenCache(t *testing.T) {
	t.Parallel()

	t.Run("custom max size", func(t *testing.T) {
		t.Parallel()
		cache := newTokenCache(50)
		require.NotNil(t, cache)
		assert.Equal(t, 50, cache.maxSize)
	})

	t.Run("non-positive max size uses default", func(t *testing.T) {
		t.Parallel()
		cache := newTokenCache(0)
		assert.Equal(t, defaultTokenCacheMaxSize, cache.maxSize)
	})
}

func TestTokenCache_GetSet(t *testing.T) {
	// No t.Parallel() - subtests share cache
	cache := newTokenCache(10)

	t.Run("get returns false for missing key", func(t *testing.T) {
		value, ok := cache.get("unknown")
		assert.False(t, ok)
		assert.Empty(t, value)
	})

	t.Run("set and get returns value", func(t *testing.T) {
		key := tokenKey("example.com", "foo", "repository:foo:pull")
		cache.set(key, "token123", time.Minute)

		value, ok := cache.get(key)
		assert.True(t, ok)
		assert.Equal(t, "token123", value)
	})

	t.Run("set overwrites existing value", func(t *testing.T) {
		key := tokenKey("example.com", "bar", "repository:bar:pull")
		cache.set(key, "old", time.Minute)
		cache.set(key, "new", time.Minute)

		value, ok := cache.get(key)
		assert.True(t, ok)
		assert.Equal(t, "new", value)
	})

	t.Run("scopes are cached separately", func(t *testing.T) {
		pull := tokenKey("example.com", "baz", "repository:baz:pull")
		push := tokenKey("example.com", "baz", "repository:baz:pull,push")
		cache.set(pull, "pull-token", time.Minute)
		cache.set(push, "push-token", time.Minute)

		v1, _ := cache.get(pull)
		v2, _ := cache.get(push)
		assert.Equal(t, "pull-token", v1)
		assert.Equal(t, "push-token", v2)
	})

	t.Run("non-positive ttl is not cached", func(t *testing.T) {
		cache.set("zero", "token", 0)
		_, ok := cache.get("zero")
		assert.False(t, ok)
	})

	t.Run("invalidate removes entry", func(t *testing.T) {
		cache.set("gone", "token", time.Minute)
		cache.invalidate("gone")
		_, ok := cache.get("gone")
		assert.False(t, ok)
	})
}

func TestTokenCache_Expiry(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	cache := newTokenCache(10)
	cache.now = func() time.Time { return now }

	cache.set("k", "token", 30*time.Second)
	_, ok := cache.get("k")
	require.True(t, ok)

	now = now.Add(29 * time.Second)
	_, ok = cache.get("k")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok = cache.get("k")
	assert.False(t, ok, "entry must expire at its ttl")
	assert.Equal(t, 0, cache.len())
}

func TestTokenCache_LRUEviction(t *testing.T) {
	t.Parallel()

	cache := newTokenCache(3)
	cache.set("a", "1", time.Minute)
	cache.set("b", "2", time.Minute)
	cache.set("c", "3", time.Minute)

	// Touch a so b becomes the oldest.
	_, ok := cache.get("a")
	require.True(t, ok)

	cache.set("d", "4", time.Minute)
	assert.Equal(t, 3, cache.len())

	_, ok = cache.get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := cache.get(k)
		assert.True(t, ok, k)
	}
}

func TestTokenCache_Concurrent(t *testing.T) {
	t.Parallel()

	cache := newTokenCache(20)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("host-%d", i%30)
			cache.set(key, "token", time.Minute)
			cache.get(key)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, cache.len(), 20)
}
