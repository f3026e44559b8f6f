// ABOUTME: Thread-safe TTL cache of idempotency keys and their stored responses.
// ABOUTME: Lets the HTTP layer reject in-flight duplicates and replay finished ones.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// State is the outcome of reserving a key.
type State int

const (
	// StateNew means the caller now owns the key and must Complete or Release it.
	StateNew State = iota
	// StateInFlight means another request holding the key has not finished.
	StateInFlight
	// StateDone means the key finished within the TTL and its response is returned.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInFlight:
		return "in_flight"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Response is a stored HTTP response.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// cacheEntry stores the state and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
	response  *Response // nil while in flight
}

// Cache tracks idempotency keys. Finished entries expire after the TTL;
// in-flight entries live until completed, released or evicted.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Reserve atomically looks up key and claims it if unknown or expired.
// The returned response is non-nil only for StateDone.
func (c *Cache) Reserve(key string) (State, *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		if entry.response == nil {
			return StateInFlight, nil
		}
		if time.Since(entry.timestamp) < c.ttl {
			resp := *entry.response
			return StateDone, &resp
		}
		c.removeLocked(key, entry)
	}

	c.makeRoomLocked()
	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{timestamp: time.Now(), element: elem}
	return StateNew, nil
}

// Complete stores the response for a reserved key. The TTL starts now.
func (c *Cache) Complete(key string, resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		// Evicted while in flight; store it anew.
		c.makeRoomLocked()
		entry = &cacheEntry{element: c.order.PushBack(key)}
		c.entries[key] = entry
	} else {
		c.order.MoveToBack(entry.element)
	}
	body := append([]byte(nil), resp.Body...)
	resp.Body = body
	entry.response = &resp
	entry.timestamp = time.Now()
}

// Release drops an in-flight reservation so the key can be retried.
// Finished entries are left alone.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && entry.response == nil {
		c.removeLocked(key, entry)
	}
}

// Len returns the number of tracked keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(key string, entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.entries, key)
}

// makeRoomLocked evicts the oldest entry when the cache is full.
// A non-positive maxSize means unbounded.
func (c *Cache) makeRoomLocked() {
	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired finished entries.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if entry.response != nil && now.Sub(entry.timestamp) > c.ttl {
			c.removeLocked(key, entry)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
