// ABOUTME: Thread-safe TTL set of message ids with single-use matching.
// ABOUTME: Backs the per-session self-echo filter and relay redelivery suppression.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// defaultSweepInterval is how often expired ids are purged in the background.
const defaultSweepInterval = 30 * time.Second

type entry struct {
	insertedAt time.Time
	element    *list.Element
}

// Cache is a bounded set of ids that forgets each id TTL after it was marked.
// An expired id never matches, even before the sweep has removed it.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // ids by insertion time, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, letting tests move time without sleeping.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache holding at most maxSize ids for ttl each and starts
// its background sweep. Call Close to stop the sweep.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	interval := defaultSweepInterval
	if ttl > 0 && ttl < interval {
		interval = ttl
	}
	go c.sweepLoop(interval)
	return c
}

// Mark records id with the current time. Marking an id again refreshes it.
func (c *Cache) Mark(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(id)
}

// Seen reports whether id was already marked and unexpired. If not, it marks
// it, so of two concurrent callers with the same id exactly one gets false.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok && c.liveLocked(e) {
		return true
	}
	c.markLocked(id)
	return false
}

// Consume removes id and reports whether it was present and unexpired.
// A given mark is consumed at most once.
func (c *Cache) Consume(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return false
	}
	c.removeLocked(id, e)
	return c.liveLocked(e)
}

// Len returns the number of ids held, including expired ids not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes every expired id.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// order is sorted by insertion time, so stop at the first live entry
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		id, _ := front.Value.(string)
		e := c.entries[id]
		if c.liveLocked(e) {
			return
		}
		c.removeLocked(id, e)
	}
}

// Close stops the background sweep. It is safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

func (c *Cache) markLocked(id string) {
	now := c.now()

	if e, ok := c.entries[id]; ok {
		e.insertedAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.removeLocked(oldest, c.entries[oldest])
		}
	}

	c.entries[id] = &entry{
		insertedAt: now,
		element:    c.order.PushBack(id),
	}
}

func (c *Cache) removeLocked(id string, e *entry) {
	c.order.Remove(e.element)
	delete(c.entries, id)
}

func (c *Cache) liveLocked(e *entry) bool {
	return c.now().Sub(e.insertedAt) < c.ttl
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}
