package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opensai/secop-query/internal/server"
	"github.com/opensai/secop-query/internal/testutil"
	"github.com/opensai/secop-query/pkg/aggregate"
	"github.com/opensai/secop-query/pkg/cache"
	"github.com/opensai/secop-query/pkg/client"
	"github.com/opensai/secop-query/pkg/health"
	"github.com/opensai/secop-query/pkg/socrata"
	"github.com/opensai/secop-query/pkg/throttle"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

type searchStack struct {
	mock   *testutil.MockSocrata
	server *server.Server
}

// buildStack wires the full pipeline against a mock Socrata host.
func buildStack(t *testing.T, responseCache *cache.ResponseCache, global *throttle.SlidingWindowLimiter) *searchStack {
	t.Helper()

	mock := testutil.NewMockSocrata()
	t.Cleanup(mock.Close)

	cfg := client.DefaultConfig(mock.URL())
	cfg.Retry = client.RetryPolicy{MaxRetries: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	cfg.Cache = responseCache

	executor, err := client.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	sources := socrata.DefaultSources()
	healthCache := health.New(executor, health.Config{
		Endpoint:     sources[0].Path(),
		Params:       socrata.BuildProbeParams(),
		ProbeTimeout: 2 * time.Second,
		TTL:          30 * time.Second,
	})

	aggregator, err := aggregate.New(executor, healthCache, aggregate.DefaultConfig(sources))
	if err != nil {
		t.Fatalf("Failed to create aggregator: %v", err)
	}

	srv := server.New(aggregator, healthCache, global, nil, server.Config{
		Addr:           "127.0.0.1:0",
		RequestBudget:  10 * time.Second,
		ThrottleWindow: 60 * time.Second,
		ProbeTimeout:   2 * time.Second,
	})

	return &searchStack{mock: mock, server: srv}
}

func (s *searchStack) search(t *testing.T, query string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/search?"+query, nil))
	return rec
}

func scriptDefaultDatasets(mock *testutil.MockSocrata) {
	mock.SetDataset("rpmr-utcd", testutil.MockDataset{
		Count: 2,
		Rows: []map[string]any{
			testutil.MockRow("A1", "Alcaldía Uno", "Obra vial", "1500000", "ACME CORP", "2024-03-01T00:00:00", "https://example.org/a1", "row-a1"),
			testutil.MockRow("A2", "Alcaldía Dos", "Consultoría", "800000", "ACME CORP", "2024-01-01T00:00:00", "", "row-a2"),
		},
	})
	mock.SetDataset("jbjy-vk9h", testutil.MockDataset{
		Count: 1,
		Rows: []map[string]any{
			testutil.MockRow("B1", "Gobernación", "Suministro", "2000000", "ACME CORP SAS", "2024-02-01T00:00:00", "https://example.org/b1", "row-b1"),
		},
	})
}

// TestFullSearchFlow runs the whole pipeline: throttle admission, health
// probe, per-source counts, row windows, merge, and the JSON page.
func TestFullSearchFlow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	stack := buildStack(t, cache.New(redisClient, time.Minute), nil)
	scriptDefaultDatasets(stack.mock)

	rec := stack.search(t, "contratista=acme+corp&anio=2024")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Rows  []aggregate.ResultRow `json:"rows"`
		Total int                   `json:"total"`
		Pages int                   `json:"pages"`
		Page  int                   `json:"page"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if resp.Total != 3 || resp.Pages != 1 || resp.Page != 1 {
		t.Errorf("pagination = %+v", resp)
	}
	if len(resp.Rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(resp.Rows))
	}

	// Newest first across both sources.
	order := []struct{ id, source string }{
		{"A1", "SECOP I"},
		{"B1", "SECOP II"},
		{"A2", "SECOP I"},
	}
	for i, want := range order {
		if resp.Rows[i].ContractID != want.id || resp.Rows[i].Source != want.source {
			t.Errorf("rows[%d] = (%s, %s), want (%s, %s)",
				i, resp.Rows[i].ContractID, resp.Rows[i].Source, want.id, want.source)
		}
	}
	if resp.Rows[0].Amount != 1500000 {
		t.Errorf("amount = %v, want 1500000", resp.Rows[0].Amount)
	}
	if resp.Rows[0].SignedAt != "2024-03-01" {
		t.Errorf("date = %q, want trimmed date", resp.Rows[0].SignedAt)
	}
}

// TestRepeatedSearchServedFromCache verifies identical upstream queries get
// answered from Redis without new Socrata traffic.
func TestRepeatedSearchServedFromCache(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	stack := buildStack(t, cache.New(redisClient, time.Minute), nil)
	scriptDefaultDatasets(stack.mock)

	if rec := stack.search(t, "contratista=acme+corp&anio=2024"); rec.Code != http.StatusOK {
		t.Fatalf("first search failed: %d", rec.Code)
	}

	before := stack.mock.GetRequestCount()
	if rec := stack.search(t, "contratista=acme+corp&anio=2024"); rec.Code != http.StatusOK {
		t.Fatalf("second search failed: %d", rec.Code)
	}
	after := stack.mock.GetRequestCount()

	if after != before {
		t.Errorf("upstream requests grew from %d to %d, want cached answers", before, after)
	}
}

// TestRetryRecoversFrom429 scripts a transient rate limit on one dataset and
// expects the retry loop to absorb it.
func TestRetryRecoversFrom429(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	stack := buildStack(t, cache.New(redisClient, time.Minute), nil)
	scriptDefaultDatasets(stack.mock)

	var failures int32
	stack.mock.SetHandler("/resource/jbjy-vk9h.json", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&failures, 1) <= 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if r.URL.Query().Has("$select") && r.URL.Query().Get("$select") == "count(*) as total" {
			w.Write([]byte(`[{"total": "1"}]`))
			return
		}
		w.Write([]byte(`[{"id_contrato": "B1", "fecha": "2024-02-01T00:00:00", "valor": "2000000", "row_id": "row-b1"}]`))
	})

	rec := stack.search(t, "contratista=acme+corp&anio=2024")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retry: %s", rec.Code, rec.Body.String())
	}
}

// TestGlobalThrottleEndToEnd exhausts the global window and expects 429 with
// a Retry-After hint.
func TestGlobalThrottleEndToEnd(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	stack := buildStack(t, cache.New(redisClient, time.Minute),
		throttle.NewSlidingWindowLimiter(1, 60*time.Second))
	scriptDefaultDatasets(stack.mock)

	if rec := stack.search(t, "contratista=acme+corp&anio=2024"); rec.Code != http.StatusOK {
		t.Fatalf("first search = %d, want 200", rec.Code)
	}

	rec := stack.search(t, "contratista=acme+corp&anio=2024")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second search = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("throttled response missing Retry-After")
	}
}

// TestUpstreamDownIs503 kills the mock and expects the degraded verdict.
func TestUpstreamDownIs503(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	stack := buildStack(t, cache.New(redisClient, time.Minute), nil)
	scriptDefaultDatasets(stack.mock)
	stack.mock.Close()

	rec := stack.search(t, "contratista=acme+corp&anio=2024")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 with upstream down", rec.Code)
	}
}
