// Package cache memoises slow lookups for a fixed time. Concurrent misses
// for the same key share one fill.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/DoyleJ11/gjallarhorn/internal/clock"
)

const (
	DefaultTTL = 60 * time.Second
	PurgeEvery = 5 * time.Minute
)

type entry struct {
	value  any
	expiry time.Time
}

type Cache struct {
	clock clock.Clock
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]entry
}

func New(c clock.Clock) *Cache {
	if c == nil {
		c = clock.Real()
	}
	return &Cache{clock: c, entries: make(map[string]entry)}
}

// Get returns the cached value for key or fills it with miss. A ttl of
// zero bypasses the cache entirely. Errors are never cached.
func Get[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, miss func(context.Context) (T, error)) (T, error) {
	if ttl <= 0 {
		return miss(ctx)
	}
	if v, ok := c.lookup(key); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := miss(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry{value: v, expiry: c.clock.Now().Add(ttl)}
		c.mu.Unlock()
		return v, nil
	})
	var zero T
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache: %q holds %T", key, v)
	}
	return t, nil
}

func (c *Cache) lookup(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.expiry.After(c.clock.Now()) {
		return nil, false
	}
	return e.value, true
}

// Purge drops expired entries and returns how many it dropped.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	n := 0
	for k, e := range c.entries {
		if !e.expiry.After(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run purges expired entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	var schedule func()
	var mu sync.Mutex
	var timer clock.Timer
	schedule = func() {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		timer = c.clock.AfterFunc(interval, func() {
			c.Purge()
			schedule()
		})
	}
	schedule()
	<-ctx.Done()
	mu.Lock()
	if timer != nil {
		timer.Stop()
	}
	mu.Unlock()
}
