// Package dedupe provides bounded, time-windowed sets of previously seen
// identifiers. Every consumer that must not process the same event twice
// checks its key here first.
package dedupe

import (
	"sync"
	"time"
)

// Default limits for the generic event cache.
const (
	DefaultMaxEntries = 500
	DefaultTTL        = 10 * time.Minute
)

// Entry is a single remembered key and the moment it was first seen.
type Entry struct {
	Key    string
	SeenAt time.Time
}

// Cache is an insertion-ordered queue of keys plus a lookup set. A key in the
// set was seen within the last ttl, and the queue never holds more than
// maxEntries keys (oldest evicted first). It is goroutine-safe.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	queue []Entry
	head  int
	seen  map[string]time.Time
}

// New creates a Cache with the wall clock.
func New(maxEntries int, ttl time.Duration) *Cache {
	return NewWithClock(maxEntries, ttl, time.Now)
}

// NewWithClock creates a Cache that reads time from now. Non-positive limits
// fall back to the defaults.
func NewWithClock(maxEntries int, ttl time.Duration, now func() time.Time) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        now,
		queue:      make([]Entry, 0, maxEntries),
		seen:       make(map[string]time.Time, maxEntries),
	}
}

// Seen reports whether key was marked within the TTL window.
func (c *Cache) Seen(key string) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune(c.now())
	_, ok := c.seen[key]
	return ok
}

// Mark records key as seen. Marking a key that is already present keeps its
// original timestamp.
func (c *Cache) Mark(key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.prune(now)
	c.insert(key, now)
}

// CheckAndMark marks key and reports whether it had already been seen, in one
// step. An empty key is never a duplicate.
func (c *Cache) CheckAndMark(key string) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.prune(now)
	if _, ok := c.seen[key]; ok {
		return true
	}
	c.insert(key, now)
	return false
}

// Len returns the number of live keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune(c.now())
	return len(c.seen)
}

// Entries returns the live entries, oldest first.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune(c.now())
	out := make([]Entry, len(c.queue)-c.head)
	copy(out, c.queue[c.head:])
	return out
}

// insert appends a new key and evicts from the front while over capacity.
// Caller holds mu.
func (c *Cache) insert(key string, now time.Time) {
	if _, ok := c.seen[key]; ok {
		return
	}
	c.queue = append(c.queue, Entry{Key: key, SeenAt: now})
	c.seen[key] = now
	for len(c.queue)-c.head > c.maxEntries {
		c.popFront()
	}
}

// prune drops expired keys from the front of the queue. Keys are inserted in
// time order, so the first live key ends the scan. Caller holds mu.
func (c *Cache) prune(now time.Time) {
	for c.head < len(c.queue) && now.Sub(c.queue[c.head].SeenAt) > c.ttl {
		c.popFront()
	}
	// Compact once the dead prefix dominates the backing array.
	if c.head > 0 && c.head >= len(c.queue)/2 {
		n := copy(c.queue, c.queue[c.head:])
		c.queue = c.queue[:n]
		c.head = 0
	}
}

func (c *Cache) popFront() {
	delete(c.seen, c.queue[c.head].Key)
	c.queue[c.head] = Entry{}
	c.head++
}
