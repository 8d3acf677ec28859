// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sourcemap

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxCacheEntries is the hard cap spec §4.3/§8 require: the LRU never
// holds more than 100 parsed consumers regardless of how many distinct
// maps are resolved against.
const maxCacheEntries = 100

// consumerCache is the bounded, concurrency-safe cache of parsed source-map
// consumers keyed by their on-disk path. Every Get takes the underlying
// LRU's exclusive lock, since a lookup also updates recency, so concurrent
// readers serialize with each other and with evictions.
// Evicting a consumer always calls its destroy hook exactly once, matching
// the "cache with destroy() callback" pattern in spec §9.
type consumerCache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, *consumerHandle]

	onEvict func()
}

// consumerHandle is the resource handle stored in the cache. release is
// called by the eviction callback and is idempotent so a racing manual
// Remove and an LRU-triggered eviction can never double-release.
type consumerHandle struct {
	once     sync.Once
	consumer *consumer
	release  func()
}

func (h *consumerHandle) destroy() {
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

func newConsumerCache(onEvict func()) *consumerCache {
	c := &consumerCache{onEvict: onEvict}
	l, err := lru.NewWithEvict(maxCacheEntries, func(_ string, handle *consumerHandle) {
		handle.destroy()
		if c.onEvict != nil {
			c.onEvict()
		}
	})
	if err != nil {
		// maxCacheEntries is a positive compile-time constant; NewWithEvict
		// only fails for size <= 0.
		panic("sourcemap: invalid cache size: " + err.Error())
	}
	c.lru = l
	return c
}

// get returns the cached consumer for key, if present.
func (c *consumerCache) get(key string) (*consumer, bool) {
	handle, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return handle.consumer, true
}

// put stores cons under key. If the LRU is at capacity, the least recently
// used entry is evicted (destroy hook fires) before the new one is added.
func (c *consumerCache) put(key string, cons *consumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handle := &consumerHandle{consumer: cons, release: cons.destroy}
	c.lru.Add(key, handle)
}

// len reports the current number of cached consumers.
func (c *consumerCache) len() int {
	return c.lru.Len()
}

// purge evicts every entry, firing each destroy hook exactly once.
func (c *consumerCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
