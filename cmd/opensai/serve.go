package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/opensai/secop-query/internal/config"
	"github.com/opensai/secop-query/internal/server"
	"github.com/opensai/secop-query/pkg/aggregate"
	"github.com/opensai/secop-query/pkg/cache"
	"github.com/opensai/secop-query/pkg/client"
	"github.com/opensai/secop-query/pkg/health"
	"github.com/opensai/secop-query/pkg/logging"
	"github.com/opensai/secop-query/pkg/socrata"
	"github.com/opensai/secop-query/pkg/throttle"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server with graceful shutdown on SIGINT/SIGTERM.

The search endpoint fans every query out to all configured SECOP sources,
bounded by the request budget, and merges the answers into one page.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		Output: os.Stderr,
	})

	responseCache, err := buildResponseCache(cfg)
	if err != nil {
		return err
	}

	executor, err := client.New(client.Config{
		BaseURL:               cfg.Socrata.BaseURL,
		UserAgent:             "OpenSAI-Bot/3.0 (secop-query)",
		AppToken:              cfg.Socrata.AppToken,
		MaxConcurrent:         cfg.Socrata.MaxConcurrent,
		PerCallMaxWait:        cfg.Socrata.PerCallMaxWait,
		ConnectTimeout:        cfg.Socrata.ConnectTimeout,
		TLSHandshakeTimeout:   cfg.Socrata.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.Socrata.ResponseHeaderTimeout,
		Retry: client.RetryPolicy{
			MaxRetries: cfg.Socrata.MaxRetries,
			BaseDelay:  cfg.Socrata.RetryBase,
			MaxDelay:   cfg.Socrata.MaxRetryDelay,
		},
		Cache: responseCache,
	})
	if err != nil {
		return fmt.Errorf("creating upstream client: %w", err)
	}

	sources := socrata.DefaultSources()

	healthCache := health.New(executor, health.Config{
		Endpoint:     sources[0].Path(),
		Params:       socrata.BuildProbeParams(),
		ProbeTimeout: cfg.Socrata.HealthTimeout,
		TTL:          cfg.Socrata.HealthCacheTTL,
	})

	aggregator, err := aggregate.New(executor, healthCache, aggregate.Config{
		Sources:        sources,
		PageSize:       cfg.Query.PerPage,
		MaxQueryWindow: cfg.Query.MaxQueryWindow,
		MinTermLength:  3,
		MinYear:        2000,
		Query: socrata.QuerySpec{
			Mode:     cfg.SearchMode(),
			Unaccent: cfg.Socrata.UseUnaccent,
		},
	})
	if err != nil {
		return fmt.Errorf("creating aggregator: %w", err)
	}

	srv := server.New(
		aggregator,
		healthCache,
		throttle.NewSlidingWindowLimiter(cfg.Throttle.GlobalRequests, cfg.Throttle.Window),
		throttle.NewPerClientLimiter(cfg.Throttle.PerClientRequests, cfg.Throttle.Window, cfg.Throttle.MaxTrackedClients),
		server.Config{
			Addr:           cfg.ListenAddr(),
			RequestBudget:  cfg.Server.RequestBudget,
			ThrottleWindow: cfg.Throttle.Window,
			ProbeTimeout:   cfg.Socrata.HealthTimeout,
		},
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	return srv.Shutdown(ctx)
}

// buildResponseCache connects the optional Redis-backed response cache. An
// empty address disables caching entirely.
func buildResponseCache(cfg *config.Config) (*cache.ResponseCache, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connecting to Redis at %s: %w", cfg.Redis.Addr, err)
	}

	return cache.New(redisClient, cfg.Redis.CacheTTL), nil
}
