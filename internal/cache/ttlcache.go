// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache implements the generic, per-entry-TTL key/value store used
// for both the stat cache and the directory-listing cache. Entries are
// immutable once stored: a hit returns the stored value as-is,
// a miss or an expired entry returns found=false, and the only ways an
// entry leaves the map are explicit Invalidate, a later Set of the same key,
// or the periodic sweep.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a key(comparable)->value store with a per-entry TTL, a shared
// lock for reads and an exclusive lock for writes, and a periodic sweep of
// expired entries piggybacked on Set.
type Cache[K comparable, V any] struct {
	ttl        time.Duration
	scanPeriod time.Duration
	now        func() time.Time

	mu         sync.RWMutex
	entries    map[K]entry[V]
	lastSweep  time.Time

	hits    atomic.Int64
	lookups atomic.Int64
}

// New creates a cache with the given per-entry TTL and sweep period. The
// sweep period governs how often Set walks the whole map to evict expired
// entries; Get never mutates the map on an expired lookup.
func New[K comparable, V any](ttl, scanPeriod time.Duration) *Cache[K, V] {
	return newWithClock[K, V](ttl, scanPeriod, time.Now)
}

// newWithClock is the seam tests use to avoid sleeping real TTLs.
func newWithClock[K comparable, V any](ttl, scanPeriod time.Duration, now func() time.Time) *Cache[K, V] {
	return &Cache[K, V]{
		ttl:        ttl,
		scanPeriod: scanPeriod,
		now:        now,
		entries:    make(map[K]entry[V]),
		lastSweep:  now(),
	}
}

// Get returns the cached value for key if present and unexpired. It takes
// only a read lock and never promotes or mutates the map, even when the
// entry has expired (lazy eviction happens on a later Set's sweep, or an
// explicit Invalidate).
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.lookups.Add(1)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		return zero, false
	}

	c.hits.Add(1)
	return e.value, true
}

// Set stores value for key with the cache's configured TTL. If the sweep
// period has elapsed since the last sweep, expired entries are evicted
// while the exclusive lock is held.
func (c *Cache[K, V]) Set(key K, value V) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(c.ttl)}

	if now.Sub(c.lastSweep) > c.scanPeriod {
		c.sweepLocked(now)
		c.lastSweep = now
	}
}

func (c *Cache[K, V]) sweepLocked(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// Invalidate removes key if present. It takes a read lock first to confirm
// presence, only promoting to an exclusive lock when there is something to
// remove, so a miss never contends with concurrent readers any more than a
// Get would.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.RLock()
	_, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Stats is the hits/lookups snapshot reported at teardown.
type Stats struct {
	Hits    int64
	Lookups int64
}

// HitRate is Hits/Lookups, or 0 if there have been no lookups yet.
func (s Stats) HitRate() float64 {
	if s.Lookups == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Lookups)
}

// Stats returns the current hit/lookup counters.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Lookups: c.lookups.Load()}
}

// Len reports the number of entries currently stored, expired or not. It
// exists for tests and diagnostics, not for production decision-making.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
