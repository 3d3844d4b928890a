package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Config configures a ResultCache.
type Config struct {
	// MaxEntries bounds the cache; least-recently-used entries are
	// evicted beyond it.
	// Default: 1024
	MaxEntries int

	// DefaultTTL applies when Set is called with a zero TTL.
	// Default: 5 minutes
	DefaultTTL time.Duration

	// SweepInterval is how often expired entries are removed eagerly.
	// Zero disables the background sweeper (expiry stays lazy on read).
	SweepInterval time.Duration

	// OnEvict is called with the key of every evicted or expired entry.
	OnEvict func(key string)
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// ResultCache maps request fingerprints to previously computed results,
// with TTL expiry and LRU eviction. It serves both as a performance layer
// and as the fallback source during collaborator failures.
type ResultCache struct {
	config Config

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	group singleflight.Group

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a ResultCache and starts its sweeper when configured.
func New(config Config) *ResultCache {
	if config.MaxEntries <= 0 {
		config.MaxEntries = 1024
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}

	c := &ResultCache{
		config:  config,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		closed:  make(chan struct{}),
	}

	if config.SweepInterval > 0 {
		go c.sweeper(config.SweepInterval)
	}
	return c
}

// Get retrieves a fresh value. Returns (nil, false) on miss or expiry; an
// entry is never served past its TTL.
func (c *ResultCache) Get(_ context.Context, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.removeLocked(el, &c.expirations)
		c.misses++
		return nil, false
	}

	c.lru.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Lookup satisfies the recovery fallback's cache source contract.
func (c *ResultCache) Lookup(ctx context.Context, fingerprint string) (any, bool) {
	return c.Get(ctx, fingerprint)
}

// Set stores value under key. A zero ttl uses the default. An existing
// entry is atomically replaced, never merged.
func (c *ResultCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	e := &entry{key: key, value: value, expiresAt: time.Now().Add(ttl)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value = e
		c.lru.MoveToFront(el)
		return nil
	}

	c.entries[key] = c.lru.PushFront(e)
	for len(c.entries) > c.config.MaxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest, &c.evictions)
	}
	return nil
}

// Delete removes a value. Idempotent.
func (c *ResultCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el, nil)
	}
	return nil
}

// GetOrFill returns the cached value for key, computing and storing it via
// fill on a miss. Concurrent misses for the same key share one fill call.
// Errors from fill are not cached.
func (c *ResultCache) GetOrFill(ctx context.Context, key string, ttl time.Duration, fill func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(ctx, key); ok {
			return v, nil
		}
		v, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		if setErr := c.Set(ctx, key, v, ttl); setErr != nil {
			return nil, setErr
		}
		return v, nil
	})
	return v, err
}

// Sweep removes all expired entries now. Returns the number removed.
func (c *ResultCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*entry); now.After(e.expiresAt) {
			c.removeLocked(el, &c.expirations)
			removed++
		}
		el = prev
	}
	return removed
}

// Len returns the current number of entries.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns current cache counters.
func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Entries:     len(c.entries),
	}
}

// Close stops the background sweeper.
func (c *ResultCache) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *ResultCache) removeLocked(el *list.Element, counter *int64) {
	e := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.entries, e.key)
	if counter != nil {
		*counter++
	}
	if c.config.OnEvict != nil {
		c.config.OnEvict(e.key)
	}
}

func (c *ResultCache) sweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
