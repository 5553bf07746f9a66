// Package dedupe remembers recently ingested record keys so repeated syncs
// skip rows they already upserted.
package dedupe

import (
	"sync"
	"time"
)

type mark struct {
	key string
	at  time.Time
}

// Cache is a bounded set of keys that expire after a ttl. The oldest key is
// evicted first when capacity is exceeded.
type Cache struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	queue    []mark
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a cache with the provided capacity and ttl.
func NewCache(capacity int, ttl time.Duration, opts ...Option) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &Cache{
		seen:     make(map[string]time.Time, capacity),
		queue:    make([]mark, 0, capacity),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsSeen reports whether key was marked inside the ttl window. It does not mark it.
func (c *Cache) IsSeen(key string) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.seen[key]
	return ok && now.Sub(at) <= c.ttl
}

// MarkSeen records key as ingested now.
func (c *Cache) MarkSeen(key string) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seen[key] = now
	c.queue = append(c.queue, mark{key: key, at: now})
	c.evict(now)
}

// Len is the number of live keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) evict(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for len(c.queue) > 0 {
		head := c.queue[0]
		if len(c.seen) <= c.capacity && !head.at.Before(cutoff) {
			return
		}
		c.queue = c.queue[1:]
		// A key marked again later has a newer entry further back in the queue.
		if at, ok := c.seen[head.key]; ok && at.Equal(head.at) {
			delete(c.seen, head.key)
		}
	}
}
