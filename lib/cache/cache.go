// Package cache is the TTL cache substrate behind the resolver and the
// region caches.
//
// Loads are single-flight per key, entries expire after a TTL and are also
// asked for their own validity, expired entries are swept at most once per
// shrink interval, and mutations can be persisted to an append-only JSON
// log replayed at load time.
package cache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Value is what a cache stores. Values report their own validity on top of
// the cache TTL, e.g. a region is invalid once its server-issued TTL is
// over.
type Value interface {
	Valid() bool
}

// DecodeValueFunc rebuilds a Value from its persisted JSON form.
type DecodeValueFunc func(raw json.RawMessage) (Value, error)

// Options configures a Cache.
type Options struct {
	// TTL is how long an entry stays fresh. Required.
	TTL time.Duration
	// ShrinkInterval bounds how often expired entries are swept. Defaults
	// to 2 minutes.
	ShrinkInterval time.Duration
	// PersistPath, when set, enables the append-only JSON log.
	PersistPath string
	// AutoPersist controls whether mutations are written to the log.
	AutoPersist bool
	// DecodeValue rebuilds values when replaying the log. Required when
	// PersistPath is set.
	DecodeValue DecodeValueFunc
}

type entry struct {
	value    Value
	cachedAt time.Time
}

// Cache is a key to Value map with TTL, single-flight loading and optional
// persistence. Safe for concurrent use.
type Cache struct {
	ttl            time.Duration
	shrinkInterval time.Duration

	mu         sync.Mutex
	items      map[string]entry
	lastShrink time.Time

	group   singleflight.Group
	persist *persistentLog
}

// New makes a Cache. When opts.PersistPath is set the existing log is
// replayed before the cache is returned; a missing or partially corrupt log
// is not an error.
func New(opts Options) (*Cache, error) {
	if opts.ShrinkInterval <= 0 {
		opts.ShrinkInterval = 2 * time.Minute
	}
	if opts.PersistPath != "" && opts.DecodeValue == nil {
		return nil, fmt.Errorf("cache: DecodeValue is required with PersistPath")
	}
	c := &Cache{
		ttl:            opts.TTL,
		shrinkInterval: opts.ShrinkInterval,
		items:          make(map[string]entry),
		lastShrink:     time.Now(),
	}
	if opts.PersistPath != "" {
		log, entries, err := openPersistentLog(opts.PersistPath, opts.AutoPersist, opts.DecodeValue)
		if err != nil {
			return nil, err
		}
		c.persist = log
		for key, e := range entries {
			c.items[key] = e
		}
	}
	return c, nil
}

func (c *Cache) valid(e entry, now time.Time) bool {
	return !e.cachedAt.Add(c.ttl).Before(now) && e.value.Valid()
}

// maybeShrink sweeps expired entries, at most once per shrink interval.
// Caller must hold c.mu.
func (c *Cache) maybeShrink(now time.Time) {
	if now.Sub(c.lastShrink) < c.shrinkInterval {
		return
	}
	c.lastShrink = now
	for key, e := range c.items {
		if !c.valid(e, now) {
			delete(c.items, key)
		}
	}
}

// Get returns the cached value for key, or invokes load, stores its result
// and returns it. Concurrent Gets for the same missing key share one load.
// Load failures are returned and not cached.
func (c *Cache) Get(key string, load func() (Value, error)) (Value, error) {
	now := time.Now()
	c.mu.Lock()
	c.maybeShrink(now)
	if e, ok := c.items[key]; ok && c.valid(e, now) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A concurrent loader may have filled the entry while this call
		// was queued behind the flight.
		c.mu.Lock()
		if e, ok := c.items[key]; ok && c.valid(e, time.Now()) {
			c.mu.Unlock()
			return e.value, nil
		}
		c.mu.Unlock()
		value, err := load()
		if err != nil {
			return nil, err
		}
		c.Set(key, value)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Value), nil
}

// Set stores value under key, replacing any previous entry.
func (c *Cache) Set(key string, value Value) {
	e := entry{value: value, cachedAt: time.Now()}
	c.mu.Lock()
	c.items[key] = e
	c.maybeShrink(e.cachedAt)
	c.mu.Unlock()
	if c.persist != nil {
		c.persist.append(key, &e)
	}
}

// Remove erases the entry for key.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	if c.persist != nil {
		c.persist.append(key, nil)
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.items = make(map[string]entry)
	c.mu.Unlock()
	if c.persist != nil {
		c.persist.clearAll()
	}
}

// Len returns the number of entries currently held, valid or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close flushes and stops the persistence writer, if any.
func (c *Cache) Close() error {
	if c.persist != nil {
		return c.persist.close()
	}
	return nil
}
