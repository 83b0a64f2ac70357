package config

import (
	"testing"
	"time"

	"github.com/opensai/secop-query/pkg/socrata"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.RequestBudget != 120*time.Second {
		t.Errorf("request budget = %v, want 120s", cfg.Server.RequestBudget)
	}
	if cfg.Socrata.BaseURL != "https://www.datos.gov.co" {
		t.Errorf("base URL = %q", cfg.Socrata.BaseURL)
	}
	if cfg.Socrata.MaxRetries != 0 {
		t.Errorf("max retries = %d, want 0", cfg.Socrata.MaxRetries)
	}
	if cfg.Socrata.RetryBase != 400*time.Millisecond {
		t.Errorf("retry base = %v, want 400ms", cfg.Socrata.RetryBase)
	}
	if cfg.Socrata.MaxRetryDelay != 1200*time.Millisecond {
		t.Errorf("max retry delay = %v, want 1.2s", cfg.Socrata.MaxRetryDelay)
	}
	if cfg.Throttle.Window != 60*time.Second {
		t.Errorf("throttle window = %v, want 60s", cfg.Throttle.Window)
	}
	if cfg.Throttle.GlobalRequests != 240 || cfg.Throttle.PerClientRequests != 60 {
		t.Errorf("throttle limits = %d/%d, want 240/60",
			cfg.Throttle.GlobalRequests, cfg.Throttle.PerClientRequests)
	}
	if cfg.Query.PerPage != 50 || cfg.Query.MaxQueryWindow != 5000 {
		t.Errorf("query = %d/%d, want 50/5000", cfg.Query.PerPage, cfg.Query.MaxQueryWindow)
	}
	if cfg.Redis.Addr != "" {
		t.Errorf("redis addr = %q, want empty (cache disabled)", cfg.Redis.Addr)
	}
	if cfg.SearchMode() != socrata.SearchModeExactOrComposed {
		t.Errorf("search mode = %v", cfg.SearchMode())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("REQUEST_BUDGET_SECONDS", "30")
	t.Setenv("SOCRATA_MAX_RETRIES", "3")
	t.Setenv("SOCRATA_RETRY_BASE_SECONDS", "0.5")
	t.Setenv("THROTTLE_GLOBAL_REQUESTS", "100")
	t.Setenv("PER_PAGE", "25")
	t.Setenv("SOCRATA_SEARCH_MODE", "contains")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.RequestBudget != 30*time.Second {
		t.Errorf("request budget = %v, want 30s", cfg.Server.RequestBudget)
	}
	if cfg.Socrata.MaxRetries != 3 {
		t.Errorf("max retries = %d, want 3", cfg.Socrata.MaxRetries)
	}
	if cfg.Socrata.RetryBase != 500*time.Millisecond {
		t.Errorf("retry base = %v, want 500ms", cfg.Socrata.RetryBase)
	}
	if cfg.Throttle.GlobalRequests != 100 {
		t.Errorf("global requests = %d, want 100", cfg.Throttle.GlobalRequests)
	}
	if cfg.Query.PerPage != 25 {
		t.Errorf("per page = %d, want 25", cfg.Query.PerPage)
	}
	if cfg.SearchMode() != socrata.SearchModeContains {
		t.Errorf("search mode = %v, want contains", cfg.SearchMode())
	}
}

func TestLoad_BoundsApplied(t *testing.T) {
	t.Setenv("REQUEST_BUDGET_SECONDS", "600") // above the cap
	t.Setenv("SOCRATA_RETRY_BASE_SECONDS", "0.01")
	t.Setenv("THROTTLE_WINDOW_SECONDS", "0")
	t.Setenv("MAX_TRACKED_IP_BUCKETS", "10")
	t.Setenv("MAX_QUERY_WINDOW", "5")
	t.Setenv("PER_PAGE", "50")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.RequestBudget != 120*time.Second {
		t.Errorf("request budget = %v, want capped 120s", cfg.Server.RequestBudget)
	}
	if cfg.Socrata.RetryBase != 100*time.Millisecond {
		t.Errorf("retry base = %v, want floored 100ms", cfg.Socrata.RetryBase)
	}
	if cfg.Throttle.Window != time.Second {
		t.Errorf("throttle window = %v, want floored 1s", cfg.Throttle.Window)
	}
	if cfg.Throttle.MaxTrackedClients != 100 {
		t.Errorf("tracked clients = %d, want floored 100", cfg.Throttle.MaxTrackedClients)
	}
	if cfg.Query.MaxQueryWindow != 50 {
		t.Errorf("max window = %d, want raised to per_page", cfg.Query.MaxQueryWindow)
	}
}

func TestLoad_InvalidSearchModeFallsBack(t *testing.T) {
	t.Setenv("SOCRATA_SEARCH_MODE", "fuzzy")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SearchMode() != socrata.SearchModeExactOrComposed {
		t.Errorf("search mode = %v, want fallback", cfg.SearchMode())
	}
}

func TestLoad_InvalidDurationRejected(t *testing.T) {
	t.Setenv("REQUEST_BUDGET_SECONDS", "not-a-number")

	if _, err := Load(); err == nil {
		t.Error("Load succeeded with a malformed duration")
	}
}

func TestListenAddr(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Host: "127.0.0.1", Port: 9000}}
	if got := cfg.ListenAddr(); got != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %q", got)
	}
}
