// Package ratelimit provides per-user token buckets for audio frame throttling.
// Buckets are created lazily on first use and live for the process lifetime.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter hands out one token bucket per user identity
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	limit rate.Limit
	burst int
}

// NewLimiter creates a limiter whose buckets allow requestsPerMinute
// sustained consumption with the given burst capacity.
func NewLimiter(requestsPerMinute, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(float64(requestsPerMinute) / time.Minute.Seconds()),
		burst:   burst,
	}
}

// Resolve returns the bucket for the given user, creating it if absent.
// Concurrent calls for the same user yield the same bucket.
func (l *Limiter) Resolve(username string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[username]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets[username] = bucket
	}
	return bucket
}
