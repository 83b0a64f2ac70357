// Package health caches the reachability of the Socrata upstream. A probe is
// one minimal single-row query; its outcome is cached for a TTL so that a
// burst of inbound searches costs at most one probe. Probing is
// single-flight: concurrent callers during a probe wait for its result
// instead of issuing their own.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for upstream health probing.
var (
	upstreamHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "socrata_upstream_healthy",
		Help: "1 when the last upstream probe succeeded, 0 otherwise",
	})

	upstreamProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "socrata_upstream_probes_total",
		Help: "Total upstream health probes by outcome",
	}, []string{"outcome"})
)

// ReasonBudgetExhausted is reported when the request budget ran out before a
// probe could be issued. It is returned to the caller but never cached.
const ReasonBudgetExhausted = "budget_exhausted"

// Prober issues one unretried upstream call, bounded by the given timeout.
type Prober interface {
	Probe(ctx context.Context, endpoint string, params url.Values, timeout time.Duration) (int, error)
}

// Status is one cached probe outcome.
type Status struct {
	CheckedAt time.Time
	Healthy   bool
	Reason    string
}

// Config holds health cache configuration.
type Config struct {
	// Endpoint is the dataset resource path probed for reachability.
	Endpoint string

	// Params is the probe query (one row id, limit 1).
	Params url.Values

	// ProbeTimeout bounds a single probe, further capped by the caller's
	// remaining budget.
	ProbeTimeout time.Duration

	// TTL is how long a probe outcome stays valid.
	TTL time.Duration
}

// Cache is the TTL'd single-flight upstream health cache.
type Cache struct {
	prober Prober
	config Config
	logger zerolog.Logger

	stateMu sync.RWMutex
	status  Status

	probeMu sync.Mutex

	now func() time.Time
}

// New creates a health cache probing through the given prober. The initial
// state is stale, so the first Check always probes.
func New(prober Prober, cfg Config) *Cache {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	return &Cache{
		prober: prober,
		config: cfg,
		logger: log.With().Str("component", "health-cache").Logger(),
		now:    time.Now,
	}
}

// Check reports upstream health. A cached status younger than the TTL is
// returned without I/O. Otherwise exactly one caller probes while the rest
// wait on the probe lock and reuse the stored outcome.
func (c *Cache) Check(ctx context.Context) (bool, string) {
	if status, ok := c.freshStatus(); ok {
		return status.Healthy, status.Reason
	}

	c.probeMu.Lock()
	defer c.probeMu.Unlock()

	// A waiting caller may find the status refreshed by the probe that just
	// finished ahead of it.
	if status, ok := c.freshStatus(); ok {
		return status.Healthy, status.Reason
	}

	remaining := c.config.ProbeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining = deadline.Sub(c.now())
		if remaining <= 0 {
			upstreamProbesTotal.WithLabelValues("budget").Inc()
			return false, ReasonBudgetExhausted
		}
		if remaining > c.config.ProbeTimeout {
			remaining = c.config.ProbeTimeout
		}
	}

	statusCode, err := c.prober.Probe(ctx, c.config.Endpoint, c.config.Params, remaining)
	status := Status{CheckedAt: c.now()}
	if err != nil {
		status.Healthy = false
		status.Reason = classifyProbeError(err)
		upstreamProbesTotal.WithLabelValues("error").Inc()
	} else {
		status.Healthy = statusCode >= 200 && statusCode < 300
		status.Reason = fmt.Sprintf("http_%d", statusCode)
		if status.Healthy {
			upstreamProbesTotal.WithLabelValues("ok").Inc()
		} else {
			upstreamProbesTotal.WithLabelValues("unhealthy_status").Inc()
		}
	}

	if status.Healthy {
		upstreamHealthy.Set(1)
		c.logger.Debug().Str("reason", status.Reason).Msg("Upstream probe ok")
	} else {
		upstreamHealthy.Set(0)
		c.logger.Warn().Str("reason", status.Reason).Msg("Upstream probe failed")
	}

	c.stateMu.Lock()
	c.status = status
	c.stateMu.Unlock()

	return status.Healthy, status.Reason
}

// Last returns the most recent cached status without probing.
func (c *Cache) Last() Status {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.status
}

// SetNowFunc overrides the clock (for testing).
func (c *Cache) SetNowFunc(now func() time.Time) {
	c.now = now
}

func (c *Cache) freshStatus() (Status, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.status.CheckedAt.IsZero() {
		return Status{}, false
	}
	if c.now().Sub(c.status.CheckedAt) > c.config.TTL {
		return Status{}, false
	}
	return c.status, true
}

// classifyProbeError names the transport failure kind without leaking
// internal error detail to callers.
func classifyProbeError(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	default:
		return "connection_error"
	}
}
