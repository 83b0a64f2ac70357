// Package aggregate unifies the two SECOP registry generations into one
// paginated result set. For each request it asks every source for its match
// count first, derives the smallest per-source row window that can
// materialize the requested page, fetches exactly that window concurrently,
// and merges under a deterministic global order. Per-source failures degrade
// to warnings; the request only fails outright when no source answered.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opensai/secop-query/pkg/client"
	"github.com/opensai/secop-query/pkg/socrata"
)

// Terminal aggregation outcomes.
var (
	// ErrUpstreamOutage indicates the upstream is unreachable or every
	// source failed; no partial data is returned.
	ErrUpstreamOutage = errors.New("upstream outage")

	// ErrNoResults indicates a valid query that legitimately matched
	// nothing.
	ErrNoResults = errors.New("no results")
)

// ValidationError rejects caller input outside the accepted domain. The
// message is user-facing.
type ValidationError struct {
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Message
}

// Executor runs one budgeted upstream query.
type Executor interface {
	Get(ctx context.Context, endpoint string, params url.Values, source string) ([]byte, error)
}

// HealthChecker reports cached upstream reachability.
type HealthChecker interface {
	Check(ctx context.Context) (bool, string)
}

// Config holds aggregator configuration.
type Config struct {
	// Sources are the datasets unified by each query.
	Sources []socrata.Source

	// PageSize is the number of rows per result page.
	PageSize int

	// MaxQueryWindow caps how deep pagination can navigate into the merged
	// result set, bounding transfer size and merge cost.
	MaxQueryWindow int

	// MinTermLength is the minimum sanitized contractor term length.
	MinTermLength int

	// MinYear is the earliest accepted query year.
	MinYear int

	// Query carries the contractor matching policy.
	Query socrata.QuerySpec
}

// DefaultConfig returns the production defaults over the given sources.
func DefaultConfig(sources []socrata.Source) Config {
	return Config{
		Sources:        sources,
		PageSize:       50,
		MaxQueryWindow: 5000,
		MinTermLength:  3,
		MinYear:        2000,
		Query:          socrata.QuerySpec{Mode: socrata.SearchModeExactOrComposed},
	}
}

// ResultRow is one contract record on a result page.
type ResultRow struct {
	Source     string  `json:"fuente"`
	ContractID string  `json:"id_contrato"`
	Entity     string  `json:"entidad"`
	Subject    string  `json:"objeto"`
	Amount     float64 `json:"valor"`
	Contractor string  `json:"contratista"`
	SignedAt   string  `json:"fecha"`
	URL        string  `json:"url,omitempty"`
}

// Result is one merged, paginated query outcome.
type Result struct {
	// Rows is the requested page slice of the merged sequence.
	Rows []ResultRow `json:"rows"`

	// TotalCount is the true uncapped match total across sources.
	TotalCount int `json:"total"`

	// TotalPages is derived from the capped navigable window.
	TotalPages int `json:"pages"`

	// Page is the served page after clamping.
	Page int `json:"page"`

	// Limited is set when the true total exceeded the navigable window.
	Limited bool `json:"limited"`

	// Warnings lists per-source degradations that did not fail the request.
	Warnings []string `json:"warnings,omitempty"`
}

// Aggregator fans queries out to all configured sources and merges the
// answers.
type Aggregator struct {
	exec   Executor
	health HealthChecker
	config Config
	logger zerolog.Logger

	currentYear func() int
}

// New creates an aggregator over the given executor and health cache.
func New(exec Executor, health HealthChecker, cfg Config) (*Aggregator, error) {
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("at least one source is required")
	}
	if cfg.PageSize < 1 {
		return nil, fmt.Errorf("page_size must be >= 1 (got %d)", cfg.PageSize)
	}
	if cfg.MaxQueryWindow < cfg.PageSize {
		cfg.MaxQueryWindow = cfg.PageSize
	}
	if cfg.MinTermLength < 1 {
		cfg.MinTermLength = 3
	}
	if cfg.MinYear == 0 {
		cfg.MinYear = 2000
	}
	return &Aggregator{
		exec:        exec,
		health:      health,
		config:      cfg,
		logger:      log.With().Str("component", "aggregator").Logger(),
		currentYear: func() int { return time.Now().Year() },
	}, nil
}

// SetCurrentYearFunc overrides the year clock (for testing).
func (a *Aggregator) SetCurrentYearFunc(fn func() int) {
	a.currentYear = fn
}

// Query resolves one merged, paginated search. contractor must already have
// passed the input sanitizer. The whole call is bounded by the ctx deadline.
func (a *Aggregator) Query(ctx context.Context, contractor string, year, page int) (*Result, error) {
	if len([]rune(contractor)) < a.config.MinTermLength {
		return nil, &ValidationError{
			Message: fmt.Sprintf("Ingrese al menos %d caracteres válidos.", a.config.MinTermLength),
		}
	}
	maxYear := a.currentYear() + 1
	if year < a.config.MinYear || year > maxYear {
		return nil, &ValidationError{
			Message: fmt.Sprintf("El año debe estar entre %d y %d.", a.config.MinYear, maxYear),
		}
	}

	if healthy, reason := a.health.Check(ctx); !healthy {
		a.logger.Error().Str("reason", reason).Msg("Upstream health check failed")
		return nil, fmt.Errorf("%w: %s", ErrUpstreamOutage, reason)
	}

	var warnings []string

	counts, countFailures := a.queryCounts(ctx, contractor, year)
	for i, src := range a.config.Sources {
		if countFailures[i] {
			warnings = append(warnings, fmt.Sprintf("No se pudo consultar %s.", src.DisplayName()))
		}
	}

	totalCount := 0
	failedCount := 0
	for i := range a.config.Sources {
		totalCount += counts[i]
		if countFailures[i] {
			failedCount++
		}
	}
	if totalCount == 0 {
		if failedCount == len(a.config.Sources) {
			return nil, ErrUpstreamOutage
		}
		return nil, ErrNoResults
	}

	cappedTotal := totalCount
	if totalCount > a.config.MaxQueryWindow {
		cappedTotal = a.config.MaxQueryWindow
		warnings = append(warnings, fmt.Sprintf(
			"Por rendimiento, la navegación está limitada a los primeros %d resultados.",
			a.config.MaxQueryWindow))
	}

	totalPages := pageCount(cappedTotal, a.config.PageSize)
	safePage := clampPage(page, totalPages)
	rowsLimit := safePage * a.config.PageSize
	if rowsLimit > a.config.MaxQueryWindow {
		rowsLimit = a.config.MaxQueryWindow
	}

	merged, rowFailures := a.queryRows(ctx, contractor, year, counts, rowsLimit)
	if rowFailures > 0 {
		warnings = append(warnings, "Una fuente devolvió error al recuperar filas.")
	}
	if len(merged) == 0 {
		if rowFailures > 0 {
			return nil, ErrUpstreamOutage
		}
		return nil, ErrNoResults
	}

	mergeRows(merged)
	pageRows := slicePage(merged, safePage, a.config.PageSize)

	rows := make([]ResultRow, 0, len(pageRows))
	for _, row := range pageRows {
		rows = append(rows, toResultRow(row))
	}

	a.logger.Info().
		Str("contractor", contractor).
		Int("year", year).
		Int("total", totalCount).
		Int("page", safePage).
		Int("pages", totalPages).
		Int("rows", len(rows)).
		Msg("Merged query resolved")

	return &Result{
		Rows:       rows,
		TotalCount: totalCount,
		TotalPages: totalPages,
		Page:       safePage,
		Limited:    totalCount > a.config.MaxQueryWindow,
		Warnings:   warnings,
	}, nil
}

// queryCounts asks every source for its match count concurrently. A failed
// source reports zero and is flagged; it never aborts the other sources.
func (a *Aggregator) queryCounts(ctx context.Context, contractor string, year int) ([]int, []bool) {
	counts := make([]int, len(a.config.Sources))
	failures := make([]bool, len(a.config.Sources))

	var wg sync.WaitGroup
	for i, src := range a.config.Sources {
		wg.Add(1)
		go func(i int, src socrata.Source) {
			defer wg.Done()
			where := socrata.BuildWhereClause(src.Cols, contractor, year, a.config.Query)
			body, err := a.exec.Get(ctx, src.Path(),
				socrata.BuildCountParams(where), src.Name+":count")
			if err != nil {
				a.logger.Error().Err(err).Str("source", src.Name).Msg("Count query failed")
				failures[i] = true
				return
			}
			count, err := socrata.ParseCount(body)
			if err != nil {
				a.logger.Warn().Err(err).Str("source", src.Name).Msg("Invalid count payload")
				failures[i] = true
				return
			}
			counts[i] = count
		}(i, src)
	}
	wg.Wait()

	return counts, failures
}

// queryRows fetches the needed row window from every source that reported
// matches, concurrently, and returns the tagged union plus the number of
// failed sources.
func (a *Aggregator) queryRows(ctx context.Context, contractor string, year int, counts []int, rowsLimit int) ([]taggedRow, int) {
	perSource := make([][]taggedRow, len(a.config.Sources))
	failures := make([]bool, len(a.config.Sources))

	var wg sync.WaitGroup
	for i, src := range a.config.Sources {
		limit := rowsLimit
		if counts[i] < limit {
			limit = counts[i]
		}
		if limit <= 0 {
			continue
		}
		wg.Add(1)
		go func(i int, src socrata.Source, limit int) {
			defer wg.Done()
			rows, err := a.fetchSourceRows(ctx, src, contractor, year, limit)
			if err != nil {
				a.logger.Error().Err(err).Str("source", src.Name).Msg("Row query failed")
				failures[i] = true
				return
			}
			tagged := make([]taggedRow, 0, len(rows))
			for _, row := range rows {
				tagged = append(tagged, taggedRow{Row: row, Source: src.DisplayName()})
			}
			perSource[i] = tagged
		}(i, src, limit)
	}
	wg.Wait()

	var merged []taggedRow
	failed := 0
	for i := range a.config.Sources {
		merged = append(merged, perSource[i]...)
		if failures[i] {
			failed++
		}
	}
	return merged, failed
}

// fetchSourceRows runs one source's row query. When the dataset stores the
// document link as a plain string, the nested `.url` selection comes back as
// a 400; that shape mismatch gets one structural retry with a flattened
// selection, outside the retry-count budget.
func (a *Aggregator) fetchSourceRows(ctx context.Context, src socrata.Source, contractor string, year, limit int) ([]socrata.Row, error) {
	endpoint := src.Path()
	where := socrata.BuildWhereClause(src.Cols, contractor, year, a.config.Query)

	body, err := a.exec.Get(ctx, endpoint,
		socrata.BuildRowsParams(src.Cols, where, limit, true), src.Name+":rows")
	if err != nil {
		var statusErr *client.StatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != 400 {
			return nil, err
		}
		a.logger.Warn().Str("source", src.Name).Msg("Falling back to plain URL column")
		body, err = a.exec.Get(ctx, endpoint,
			socrata.BuildRowsParams(src.Cols, where, limit, false), src.Name+":rows:fallback")
		if err != nil {
			return nil, err
		}
	}
	return socrata.ParseRows(body)
}
