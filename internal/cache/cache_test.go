package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTL_SetGet(t *testing.T) {
	c := NewTTL[int](time.Minute)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestTTL_Expiry(t *testing.T) {
	c := NewTTL[string](20 * time.Millisecond)
	defer c.Close()

	c.Set("k", "v")
	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "expired entries are invisible before eviction runs")
}

func TestTTL_Delete(t *testing.T) {
	c := NewTTL[int](time.Minute)
	defer c.Close()

	c.Set("k", 1)
	c.Delete("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestTTL_OverwriteRefreshesValue(t *testing.T) {
	c := NewTTL[int](time.Minute)
	defer c.Close()

	c.Set("k", 1)
	c.Set("k", 2)
	v, _ := c.Get("k")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestTTL_CloseTwice(t *testing.T) {
	c := NewTTL[int](time.Minute)
	c.Close()
	c.Close() // must not panic
}

func TestTTL_ConcurrentAccess(t *testing.T) {
	c := NewTTL[int](time.Minute)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := string(rune('a' + i%4))
			for j := 0; j < 200; j++ {
				c.Set(key, i)
				c.Get(key)
				c.Len()
			}
		}()
	}
	wg.Wait()
}

func TestEvictExpired(t *testing.T) {
	c := NewTTL[int](10 * time.Millisecond)
	defer c.Close()

	c.Set("old", 1)
	time.Sleep(20 * time.Millisecond)
	c.Set("fresh", 2)

	c.evictExpired()
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("fresh")
	assert.True(t, ok)
}
