// Package config provides Viper-based configuration management for the
// service. Every knob binds to a flat environment variable; floors and caps
// keep operator mistakes from producing a pathological runtime (a zero retry
// base, an unbounded budget, a throttle window of zero seconds).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/opensai/secop-query/pkg/socrata"
)

// timeoutCap bounds every operator-supplied timeout and the request budget.
const timeoutCap = 120 * time.Second

// Config represents the complete service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Socrata  SocrataConfig  `mapstructure:"socrata"`
	Throttle ThrottleConfig `mapstructure:"throttle"`
	Query    QueryConfig    `mapstructure:"query"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	RequestBudget   time.Duration `mapstructure:"request_budget"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// SocrataConfig contains upstream client settings.
type SocrataConfig struct {
	BaseURL               string        `mapstructure:"base_url"`
	AppToken              string        `mapstructure:"app_token"`
	MaxConcurrent         int           `mapstructure:"max_concurrent"`
	MaxRetries            int           `mapstructure:"max_retries"`
	RetryBase             time.Duration `mapstructure:"retry_base"`
	MaxRetryDelay         time.Duration `mapstructure:"max_retry_delay"`
	PerCallMaxWait        time.Duration `mapstructure:"per_call_max_wait"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
	TLSHandshakeTimeout   time.Duration `mapstructure:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
	HealthTimeout         time.Duration `mapstructure:"health_timeout"`
	HealthCacheTTL        time.Duration `mapstructure:"health_cache_ttl"`
	SearchMode            string        `mapstructure:"search_mode"`
	UseUnaccent           bool          `mapstructure:"use_unaccent"`
}

// ThrottleConfig contains inbound rate limiting settings.
type ThrottleConfig struct {
	Window            time.Duration `mapstructure:"window"`
	GlobalRequests    int           `mapstructure:"global_requests"`
	PerClientRequests int           `mapstructure:"per_client_requests"`
	MaxTrackedClients int           `mapstructure:"max_tracked_clients"`
}

// QueryConfig contains aggregation and pagination settings.
type QueryConfig struct {
	PerPage        int `mapstructure:"per_page"`
	MaxQueryWindow int `mapstructure:"max_query_window"`
}

// RedisConfig contains the optional response cache settings. An empty Addr
// disables caching entirely.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// envBindings maps config paths to their flat environment variable names.
var envBindings = map[string]string{
	"server.host":                     "HTTP_HOST",
	"server.port":                     "HTTP_PORT",
	"server.request_budget":           "REQUEST_BUDGET_SECONDS",
	"server.shutdown_timeout":         "SHUTDOWN_TIMEOUT_SECONDS",
	"logging.level":                   "LOG_LEVEL",
	"logging.pretty":                  "LOG_PRETTY",
	"socrata.base_url":                "SOCRATA_BASE_URL",
	"socrata.app_token":               "SOCRATA_APP_TOKEN",
	"socrata.max_concurrent":          "MAX_CONCURRENT_REQUESTS",
	"socrata.max_retries":             "SOCRATA_MAX_RETRIES",
	"socrata.retry_base":              "SOCRATA_RETRY_BASE_SECONDS",
	"socrata.max_retry_delay":         "SOCRATA_MAX_RETRY_DELAY_SECONDS",
	"socrata.per_call_max_wait":       "SOCRATA_REQUEST_MAX_WAIT_SECONDS",
	"socrata.connect_timeout":         "SOCRATA_CONNECT_TIMEOUT_SECONDS",
	"socrata.tls_handshake_timeout":   "SOCRATA_TLS_HANDSHAKE_TIMEOUT_SECONDS",
	"socrata.response_header_timeout": "SOCRATA_READ_TIMEOUT_SECONDS",
	"socrata.health_timeout":          "SOCRATA_HEALTH_TIMEOUT_SECONDS",
	"socrata.health_cache_ttl":        "SOCRATA_HEALTH_CACHE_SECONDS",
	"socrata.search_mode":             "SOCRATA_SEARCH_MODE",
	"socrata.use_unaccent":            "SOCRATA_USE_UNACCENT",
	"throttle.window":                 "THROTTLE_WINDOW_SECONDS",
	"throttle.global_requests":        "THROTTLE_GLOBAL_REQUESTS",
	"throttle.per_client_requests":    "THROTTLE_PER_IP_REQUESTS",
	"throttle.max_tracked_clients":    "MAX_TRACKED_IP_BUCKETS",
	"query.per_page":                  "PER_PAGE",
	"query.max_query_window":          "MAX_QUERY_WINDOW",
	"redis.addr":                      "REDIS_ADDR",
	"redis.password":                  "REDIS_PASSWORD",
	"redis.db":                        "REDIS_DB",
	"redis.cache_ttl":                 "RESPONSE_CACHE_TTL_SECONDS",
}

// durationSecondKeys are expressed as plain second counts in the environment
// ("0.4", "120") and converted to durations before unmarshaling.
var durationSecondKeys = map[string]bool{
	"server.request_budget":           true,
	"server.shutdown_timeout":         true,
	"socrata.retry_base":              true,
	"socrata.max_retry_delay":         true,
	"socrata.per_call_max_wait":       true,
	"socrata.connect_timeout":         true,
	"socrata.tls_handshake_timeout":   true,
	"socrata.response_header_timeout": true,
	"socrata.health_timeout":          true,
	"socrata.health_cache_ttl":        true,
	"throttle.window":                 true,
	"redis.cache_ttl":                 true,
}

// Load reads configuration from the environment over built-in defaults.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)
	for path, env := range envBindings {
		if durationSecondKeys[path] {
			raw := strings.TrimSpace(os.Getenv(env))
			if raw == "" {
				continue
			}
			seconds, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s=%q: %w", env, raw, err)
			}
			v.Set(path, time.Duration(seconds*float64(time.Second)))
			continue
		}
		if err := v.BindEnv(path, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyBounds(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults configures default values. Second-valued defaults are set as
// durations directly.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_budget", timeoutCap)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)

	v.SetDefault("socrata.base_url", socrata.DefaultBaseURL)
	v.SetDefault("socrata.max_concurrent", 5)
	v.SetDefault("socrata.max_retries", 0)
	v.SetDefault("socrata.retry_base", 400*time.Millisecond)
	v.SetDefault("socrata.max_retry_delay", 1200*time.Millisecond)
	v.SetDefault("socrata.per_call_max_wait", timeoutCap)
	v.SetDefault("socrata.connect_timeout", 5*time.Second)
	v.SetDefault("socrata.tls_handshake_timeout", 10*time.Second)
	v.SetDefault("socrata.response_header_timeout", timeoutCap)
	v.SetDefault("socrata.health_timeout", 5*time.Second)
	v.SetDefault("socrata.health_cache_ttl", 30*time.Second)
	v.SetDefault("socrata.search_mode", string(socrata.SearchModeExactOrComposed))
	v.SetDefault("socrata.use_unaccent", false)

	v.SetDefault("throttle.window", 60*time.Second)
	v.SetDefault("throttle.global_requests", 240)
	v.SetDefault("throttle.per_client_requests", 60)
	v.SetDefault("throttle.max_tracked_clients", 5000)

	v.SetDefault("query.per_page", 50)
	v.SetDefault("query.max_query_window", 5000)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", 60*time.Second)
}

// applyBounds clamps every knob into its accepted range instead of failing
// startup on out-of-range values.
func applyBounds(cfg *Config) {
	cfg.Server.RequestBudget = clampDuration(cfg.Server.RequestBudget, 10*time.Second, timeoutCap)
	cfg.Server.ShutdownTimeout = clampDuration(cfg.Server.ShutdownTimeout, time.Second, timeoutCap)

	if cfg.Socrata.MaxConcurrent < 1 {
		cfg.Socrata.MaxConcurrent = 1
	}
	if cfg.Socrata.MaxRetries < 0 {
		cfg.Socrata.MaxRetries = 0
	}
	cfg.Socrata.RetryBase = clampDuration(cfg.Socrata.RetryBase, 100*time.Millisecond, timeoutCap)
	cfg.Socrata.MaxRetryDelay = clampDuration(cfg.Socrata.MaxRetryDelay, 200*time.Millisecond, timeoutCap)
	cfg.Socrata.PerCallMaxWait = clampDuration(cfg.Socrata.PerCallMaxWait, time.Second, timeoutCap)
	cfg.Socrata.ConnectTimeout = clampDuration(cfg.Socrata.ConnectTimeout, 200*time.Millisecond, timeoutCap)
	cfg.Socrata.TLSHandshakeTimeout = clampDuration(cfg.Socrata.TLSHandshakeTimeout, 200*time.Millisecond, timeoutCap)
	cfg.Socrata.ResponseHeaderTimeout = clampDuration(cfg.Socrata.ResponseHeaderTimeout, 200*time.Millisecond, timeoutCap)
	cfg.Socrata.HealthTimeout = clampDuration(cfg.Socrata.HealthTimeout, 200*time.Millisecond, timeoutCap)
	if cfg.Socrata.HealthCacheTTL < time.Second {
		cfg.Socrata.HealthCacheTTL = time.Second
	}

	if cfg.Throttle.Window < time.Second {
		cfg.Throttle.Window = time.Second
	}
	if cfg.Throttle.GlobalRequests < 1 {
		cfg.Throttle.GlobalRequests = 1
	}
	if cfg.Throttle.PerClientRequests < 1 {
		cfg.Throttle.PerClientRequests = 1
	}
	if cfg.Throttle.MaxTrackedClients < 100 {
		cfg.Throttle.MaxTrackedClients = 100
	}

	if cfg.Query.PerPage < 1 {
		cfg.Query.PerPage = 1
	}
	if cfg.Query.MaxQueryWindow < cfg.Query.PerPage {
		cfg.Query.MaxQueryWindow = cfg.Query.PerPage
	}
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// validate checks settings that cannot be clamped into sanity.
func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}
	if cfg.Socrata.BaseURL == "" {
		return fmt.Errorf("socrata base URL must not be empty")
	}
	return nil
}

// SearchMode returns the parsed search mode; unknown values fall back to
// exact-or-composed matching.
func (c *Config) SearchMode() socrata.SearchMode {
	return socrata.ParseSearchMode(c.Socrata.SearchMode)
}

// ListenAddr returns the host:port listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
