// Package ratelimit implements per (sender, scope) token buckets for
// cross-scope delivery. Local-scope sends are never limited. Exceeding a
// bucket yields a drop decision for the caller to act on; the limiter itself
// never blocks.
package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/canvasmesh/canvasmesh/transport"
)

// The bucket table is bounded: idle buckets fall out after the TTL and the
// least recently used one is evicted when the table is full. An evicted
// sender simply starts over with a full burst.
const (
	maxBuckets = 4096
	bucketTTL  = 10 * time.Minute
)

// ScopeLimit configures one scope's bucket: a burst capacity and a refill
// rate in tokens per second.
type ScopeLimit struct {
	Burst  int
	Refill float64
}

// Limiter tracks a token bucket per (sender, scope) pair. Buckets are created
// lazily on first use and only the dispatcher calls Allow.
type Limiter struct {
	crossCanvas ScopeLimit
	multiUser   ScopeLimit

	mu      sync.Mutex
	buckets *expirable.LRU[bucketKey, *rate.Limiter]
}

type bucketKey struct {
	senderID string
	scope    transport.Scope
}

// New creates a limiter with the given per-scope limits.
func New(crossCanvas, multiUser ScopeLimit) *Limiter {
	return &Limiter{
		crossCanvas: crossCanvas,
		multiUser:   multiUser,
		buckets:     expirable.NewLRU[bucketKey, *rate.Limiter](maxBuckets, nil, bucketTTL),
	}
}

// Allow consumes one token from the sender's bucket for the given scope.
// Local scope always passes.
func (l *Limiter) Allow(senderID string, scope transport.Scope) bool {
	var limit ScopeLimit
	switch scope {
	case transport.ScopeCrossCanvas:
		limit = l.crossCanvas
	case transport.ScopeMultiUser:
		limit = l.multiUser
	default:
		return true
	}

	l.mu.Lock()
	key := bucketKey{senderID: senderID, scope: scope}
	bucket, ok := l.buckets.Get(key)
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(limit.Refill), limit.Burst)
		l.buckets.Add(key, bucket)
	}
	l.mu.Unlock()

	return bucket.Allow()
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	return l.buckets.Len()
}
