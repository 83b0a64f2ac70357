package throttle

import (
	"sync"
	"time"
)

// PerClientLimiter applies an independent sliding window per client
// identifier. Buckets are created lazily on first contact. The total number
// of tracked buckets is capacity-bounded: once the map grows past maxBuckets,
// any bucket whose newest event has already left the window is purged during
// the admission call that detected the overflow. This is opportunistic
// cleanup, not strict LRU.
type PerClientLimiter struct {
	limit      int
	window     time.Duration
	maxBuckets int

	mu     sync.Mutex
	events map[string][]time.Time
}

// NewPerClientLimiter creates a per-client limiter admitting limit events per
// trailing window for each client key, tracking at most maxBuckets live keys
// before stale buckets become eligible for purging.
func NewPerClientLimiter(limit int, window time.Duration, maxBuckets int) *PerClientLimiter {
	if limit < 1 {
		limit = 1
	}
	if maxBuckets < 1 {
		maxBuckets = 1
	}
	return &PerClientLimiter{
		limit:      limit,
		window:     window,
		maxBuckets: maxBuckets,
		events:     make(map[string][]time.Time),
	}
}

// Allow reports whether an event for client occurring now is admitted.
func (l *PerClientLimiter) Allow(client string) bool {
	return l.AllowAt(client, time.Now())
}

// AllowAt is the clock-injected variant of Allow.
func (l *PerClientLimiter) AllowAt(client string, now time.Time) bool {
	threshold := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	events := evictStale(l.events[client], threshold)
	if len(events) >= l.limit {
		l.events[client] = events
		throttleAdmissionsTotal.WithLabelValues("client", "rejected").Inc()
		return false
	}
	l.events[client] = append(events, now)

	if len(l.events) > l.maxBuckets {
		for key, bucket := range l.events {
			if len(bucket) == 0 || !bucket[len(bucket)-1].After(threshold) {
				delete(l.events, key)
			}
		}
	}
	throttleTrackedClients.Set(float64(len(l.events)))
	throttleAdmissionsTotal.WithLabelValues("client", "admitted").Inc()
	return true
}

// TrackedClients returns the number of live client buckets.
func (l *PerClientLimiter) TrackedClients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
