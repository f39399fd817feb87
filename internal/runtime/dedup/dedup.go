// Package dedup implements the recent-message cache keyed by envelope trace
// id. The cache is size-bounded and TTL-evicted; only the dispatcher writes
// to it.
package dedup

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache remembers recently processed trace ids. Safe for concurrent use.
type Cache struct {
	lru *expirable.LRU[string, struct{}]
}

// New creates a cache holding at most size entries, each expiring after ttl.
func New(size int, ttl time.Duration) *Cache {
	return &Cache{
		lru: expirable.NewLRU[string, struct{}](size, nil, ttl),
	}
}

// Seen reports whether the trace id was recorded within the TTL window.
func (c *Cache) Seen(traceID string) bool {
	_, ok := c.lru.Get(traceID)
	return ok
}

// Record marks the trace id as processed. It returns false when the id was
// already present, making check-and-record atomic enough for the
// single-writer dispatcher.
func (c *Cache) Record(traceID string) bool {
	if c.Seen(traceID) {
		return false
	}
	c.lru.Add(traceID, struct{}{})
	return true
}

// Len returns the current number of cached trace ids.
func (c *Cache) Len() int {
	return c.lru.Len()
}
