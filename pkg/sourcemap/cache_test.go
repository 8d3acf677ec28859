package sourcemap

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumerCache_HardCapAtMaxEntries(t *testing.T) {
	var evictions int64
	cache := newConsumerCache(func() { atomic.AddInt64(&evictions, 1) })

	for i := 0; i < maxCacheEntries+1; i++ {
		cache.put(fmt.Sprintf("map-%d", i), &consumer{})
	}

	assert.Equal(t, maxCacheEntries, cache.len())
	assert.Equal(t, int64(1), atomic.LoadInt64(&evictions))
}

func TestConsumerCache_EvictionCallsDestroyExactlyOnce(t *testing.T) {
	cache := newConsumerCache(nil)

	destroyed := 0
	first := &consumer{}
	cache.mu.Lock()
	handle := &consumerHandle{consumer: first, release: func() { destroyed++ }}
	cache.mu.Unlock()
	cache.lru.Add("first", handle)

	// Fill past capacity so "first" is evicted via LRU policy.
	for i := 0; i < maxCacheEntries; i++ {
		cache.put(fmt.Sprintf("filler-%d", i), &consumer{})
	}

	_, ok := cache.get("first")
	require.False(t, ok)
	assert.Equal(t, 1, destroyed)

	// A manual double-release attempt must not fire twice.
	handle.destroy()
	assert.Equal(t, 1, destroyed)
}

func TestConsumerCache_PurgeEvictsEverything(t *testing.T) {
	var evictions int64
	cache := newConsumerCache(func() { atomic.AddInt64(&evictions, 1) })

	for i := 0; i < 10; i++ {
		cache.put(fmt.Sprintf("map-%d", i), &consumer{})
	}

	cache.purge()

	assert.Equal(t, 0, cache.len())
	assert.Equal(t, int64(10), atomic.LoadInt64(&evictions))
}

func TestConsumerCache_GetIsSafeForConcurrentReaders(t *testing.T) {
	cache := newConsumerCache(nil)
	cache.put("key", &consumer{})

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				cache.get("key")
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
