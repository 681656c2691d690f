// Package cache deduplicates verdicts over short TTLs. Two instances exist:
// a hot cache (60s) sharing one judgment between the synchronous hook path
// and the streaming path for the same tool call, and a result cache (1h) for
// repeated identical actions.
package cache

import (
	"sync"
	"time"

	"github.com/guardclaw/guardclaw/internal/safeguard"
)

const (
	// HotTTL covers the window in which the hook and streaming paths see
	// the same call twice.
	HotTTL = 60 * time.Second

	// ResultTTL is the reuse window for identical LLM results.
	ResultTTL = time.Hour

	// DefaultCapacity is the soft entry cap.
	DefaultCapacity = 1000

	// lowWaterRatio is the fill level eviction drains to on overflow.
	lowWaterRatio = 0.9
)

type entry struct {
	key       string
	verdict   safeguard.Verdict
	expiresAt time.Time
}

// Cache is a TTL map with FIFO overflow eviction. On overflow it first drops
// expired entries, then the oldest insertions until below the low-water mark.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	order    []string // insertion order, may contain superseded keys
	ttl      time.Duration
	capacity int

	now func() time.Time // test hook
}

// New creates a cache with the given TTL and capacity.
func New(ttl time.Duration, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		entries:  make(map[string]*entry),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
	}
}

// Get returns the cached verdict for key, marking it cached.
func (c *Cache) Get(key string) (safeguard.Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return safeguard.Verdict{}, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return safeguard.Verdict{}, false
	}
	v := e.verdict
	v.Cached = true
	return v, true
}

// Put stores a verdict under key, evicting on overflow.
func (c *Cache) Put(key string, verdict safeguard.Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &entry{
		key:       key,
		verdict:   verdict,
		expiresAt: c.now().Add(c.ttl),
	}
	c.order = append(c.order, key)

	if len(c.entries) > c.capacity {
		c.evictLocked()
	}
}

// Sweep removes expired entries. Run by the background cleanup timer.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropExpiredLocked()
}

// Len returns the live entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) dropExpiredLocked() int {
	now := c.now()
	dropped := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}

func (c *Cache) evictLocked() {
	c.dropExpiredLocked()

	lowWater := int(float64(c.capacity) * lowWaterRatio)
	for len(c.entries) > lowWater && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	// Compact the order slice so superseded keys do not accumulate.
	if len(c.order) > 2*len(c.entries) {
		live := make([]string, 0, len(c.entries))
		for _, key := range c.order {
			if _, ok := c.entries[key]; ok {
				live = append(live, key)
			}
		}
		c.order = live
	}
}
