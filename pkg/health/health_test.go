package health

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeProber counts probes and returns scripted outcomes.
type fakeProber struct {
	probes int32
	status int
	err    error
	delay  time.Duration
}

func (f *fakeProber) Probe(ctx context.Context, endpoint string, params url.Values, timeout time.Duration) (int, error) {
	atomic.AddInt32(&f.probes, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.status, f.err
}

func newTestCache(prober Prober) *Cache {
	return New(prober, Config{
		Endpoint:     "/resource/rpmr-utcd.json",
		Params:       url.Values{"$select": {":id"}, "$limit": {"1"}},
		ProbeTimeout: time.Second,
		TTL:          30 * time.Second,
	})
}

func TestCheck_HealthyProbeCached(t *testing.T) {
	prober := &fakeProber{status: 200}
	cache := newTestCache(prober)

	healthy, reason := cache.Check(context.Background())
	if !healthy || reason != "http_200" {
		t.Fatalf("Check = (%v, %q), want (true, http_200)", healthy, reason)
	}

	// Second check within the TTL must not probe again.
	cache.Check(context.Background())
	if got := atomic.LoadInt32(&prober.probes); got != 1 {
		t.Errorf("probes = %d, want 1", got)
	}
}

func TestCheck_StaleStatusReprobed(t *testing.T) {
	prober := &fakeProber{status: 200}
	cache := newTestCache(prober)

	current := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	cache.SetNowFunc(func() time.Time { return current })

	cache.Check(context.Background())
	current = current.Add(31 * time.Second)
	cache.Check(context.Background())

	if got := atomic.LoadInt32(&prober.probes); got != 2 {
		t.Errorf("probes = %d, want 2 (TTL expired)", got)
	}
}

func TestCheck_UnhealthyStatusCode(t *testing.T) {
	prober := &fakeProber{status: 503}
	cache := newTestCache(prober)

	healthy, reason := cache.Check(context.Background())
	if healthy {
		t.Error("healthy = true, want false for 503")
	}
	if reason != "http_503" {
		t.Errorf("reason = %q, want http_503", reason)
	}
}

func TestCheck_TransportErrorClassified(t *testing.T) {
	prober := &fakeProber{err: errors.New("dial tcp: connection refused")}
	cache := newTestCache(prober)

	healthy, reason := cache.Check(context.Background())
	if healthy {
		t.Error("healthy = true, want false")
	}
	if reason != "connection_error" {
		t.Errorf("reason = %q, want connection_error", reason)
	}
}

func TestCheck_TimeoutClassified(t *testing.T) {
	prober := &fakeProber{err: context.DeadlineExceeded}
	cache := newTestCache(prober)

	_, reason := cache.Check(context.Background())
	if reason != "timeout" {
		t.Errorf("reason = %q, want timeout", reason)
	}
}

func TestCheck_ProbeOutcomeMetrics(t *testing.T) {
	ok := testutil.ToFloat64(upstreamProbesTotal.WithLabelValues("ok"))
	unhealthy := testutil.ToFloat64(upstreamProbesTotal.WithLabelValues("unhealthy_status"))

	newTestCache(&fakeProber{status: 200}).Check(context.Background())
	newTestCache(&fakeProber{status: 503}).Check(context.Background())

	if got := testutil.ToFloat64(upstreamProbesTotal.WithLabelValues("ok")); got != ok+1 {
		t.Errorf("ok samples = %v, want %v", got, ok+1)
	}
	if got := testutil.ToFloat64(upstreamProbesTotal.WithLabelValues("unhealthy_status")); got != unhealthy+1 {
		t.Errorf("unhealthy_status samples = %v, want %v", got, unhealthy+1)
	}
}

func TestCheck_ExhaustedBudgetSkipsProbe(t *testing.T) {
	prober := &fakeProber{status: 200}
	cache := newTestCache(prober)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	healthy, reason := cache.Check(ctx)
	if healthy {
		t.Error("healthy = true, want false")
	}
	if reason != ReasonBudgetExhausted {
		t.Errorf("reason = %q, want %q", reason, ReasonBudgetExhausted)
	}
	if got := atomic.LoadInt32(&prober.probes); got != 0 {
		t.Errorf("probes = %d, want 0 (no I/O after deadline)", got)
	}

	// The budget failure must not be cached as an upstream verdict.
	if last := cache.Last(); !last.CheckedAt.IsZero() {
		t.Error("budget failure was cached, want stale state preserved")
	}
}

func TestCheck_SingleFlight(t *testing.T) {
	prober := &fakeProber{status: 200, delay: 30 * time.Millisecond}
	cache := newTestCache(prober)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			healthy, _ := cache.Check(context.Background())
			if !healthy {
				t.Error("concurrent check reported unhealthy")
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&prober.probes); got != 1 {
		t.Errorf("probes = %d, want 1 (concurrent callers reuse the in-flight probe)", got)
	}
}
