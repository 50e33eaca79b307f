// ABOUTME: Thread-safe TTL cache of idempotent request outcomes
// ABOUTME: Keys are reserved while a request runs, then hold its response for replay

package dedupe

import (
	"container/list"
	"net/http"
	"sync"
	"time"
)

// Response is a recorded upstream answer.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// State of a key returned by Reserve.
type State int

const (
	// StateNew means the key was unknown and is now reserved by the caller.
	StateNew State = iota
	// StateInFlight means another request with the key is still running.
	StateInFlight
	// StateDone means a response is recorded and should be replayed.
	StateDone
)

type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
	response  *Response // nil while in flight
}

// Cache is a TTL-bound, size-limited map from idempotency key to outcome.
// A doubly-linked list keeps insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache. A background goroutine removes expired entries
// until Close.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Reserve atomically looks key up and reserves it when unknown or expired.
// The recorded response is returned with StateDone.
func (c *Cache) Reserve(key string) (State, *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && c.now().Sub(e.timestamp) < c.ttl {
		if e.response == nil {
			return StateInFlight, nil
		}
		return StateDone, e.response
	}

	c.putLocked(key, nil)
	return StateNew, nil
}

// Complete records resp for a reserved key.
func (c *Cache) Complete(key string, resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, resp)
}

// Release drops a reservation so the key can be retried.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && e.response == nil {
		c.order.Remove(e.element)
		delete(c.entries, key)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// putLocked must be called with mu held.
func (c *Cache) putLocked(key string, resp *Response) {
	now := c.now()

	if e, ok := c.entries[key]; ok {
		e.timestamp = now
		e.response = resp
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[key] = &cacheEntry{
		timestamp: now,
		element:   c.order.PushBack(key),
		response:  resp,
	}
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

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

func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.entries {
		if now.Sub(e.timestamp) >= c.ttl {
			c.order.Remove(e.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
