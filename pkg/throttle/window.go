// Package throttle implements sliding-window admission control for inbound
// search requests. A global limiter caps the total request rate and a
// per-client limiter caps each caller individually, so a single aggressive
// client cannot exhaust the shared upstream quota.
package throttle

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for admission control.
var (
	throttleAdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "throttle_admissions_total",
		Help: "Total admission decisions by scope and outcome",
	}, []string{"scope", "outcome"})

	throttleTrackedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "throttle_tracked_clients",
		Help: "Number of client buckets currently tracked by the per-client limiter",
	})
)

// SlidingWindowLimiter admits at most limit events within any trailing
// window. Stale events are evicted lazily on each admission check. A rejected
// attempt is not recorded, so rejections never extend the window occupancy.
type SlidingWindowLimiter struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	events []time.Time
}

// NewSlidingWindowLimiter creates a global limiter admitting limit events per
// trailing window.
func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	if limit < 1 {
		limit = 1
	}
	return &SlidingWindowLimiter{
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event occurring now is admitted.
func (l *SlidingWindowLimiter) Allow() bool {
	return l.AllowAt(time.Now())
}

// AllowAt is the clock-injected variant of Allow. Eviction, the capacity
// decision and the append happen under one lock acquisition so concurrent
// callers can never double-admit past the limit.
func (l *SlidingWindowLimiter) AllowAt(now time.Time) bool {
	threshold := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = evictStale(l.events, threshold)
	if len(l.events) >= l.limit {
		throttleAdmissionsTotal.WithLabelValues("global", "rejected").Inc()
		return false
	}
	l.events = append(l.events, now)
	throttleAdmissionsTotal.WithLabelValues("global", "admitted").Inc()
	return true
}

// evictStale drops all events at or before threshold. Events are appended in
// time order, so the retained suffix starts at the first fresh entry.
func evictStale(events []time.Time, threshold time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(threshold) {
		i++
	}
	if i == 0 {
		return events
	}
	remaining := len(events) - i
	copy(events, events[i:])
	return events[:remaining]
}
