// ABOUTME: Thread-safe TTL cache remembering the last fingerprint seen per key.
// ABOUTME: Used by sessions to skip recording agent status reports that did not change.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the last fingerprint for a key and when it was recorded.
type cacheEntry struct {
	fingerprint string
	timestamp   time.Time
	element     *list.Element
}

// Cache tracks the most recent fingerprint per key with a TTL and a size bound.
// Keys are typically "<instance uid>/<event kind>" and fingerprints a digest of
// the reported state. A doubly-linked list keeps keys in touch order so the
// least recently touched key is evicted in O(1) when the cache is full.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // Keys in touch order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum number of keys.
// A background goroutine periodically drops expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
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

// Changed records fingerprint for key and reports whether it differs from the
// previous live fingerprint. An unknown or expired key counts as changed.
// Check and record happen under one lock so concurrent callers cannot both
// observe a change for the same value.
func (c *Cache) Changed(key, fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.entries[key]; ok {
		live := now.Sub(entry.timestamp) < c.ttl
		same := entry.fingerprint == fingerprint
		entry.timestamp = now
		entry.fingerprint = fingerprint
		c.order.MoveToBack(entry.element)
		return !(live && same)
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{
		fingerprint: fingerprint,
		timestamp:   now,
		element:     elem,
	}
	return true
}

// Last returns the live fingerprint recorded for key.
func (c *Cache) Last(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return "", false
	}
	return entry.fingerprint, true
}

// Forget drops key so the next Changed call reports a change.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.order.Remove(entry.element)
		delete(c.entries, key)
	}
}

// Len returns the number of tracked keys, including expired ones not yet cleaned.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest removes the least recently touched key. Must be called with mu held.
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

// runCleanup removes all expired entries.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, key)
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
