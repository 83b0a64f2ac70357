package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/opensai/secop-query/pkg/aggregate"
	"github.com/opensai/secop-query/pkg/client"
	"github.com/opensai/secop-query/pkg/socrata"
)

// User-facing messages, kept in the service's language.
const (
	upstreamFailureMessage = "El servicio de https://www.datos.gov.co/ ha fallado o no responde en este momento. " +
		"Intente nuevamente más tarde."

	throttleMessage = "Se alcanzó temporalmente el límite de consultas. " +
		"Por favor intente nuevamente en unos segundos."
)

type errorResponse struct {
	Error string `json:"error"`
}

type searchResponse struct {
	*aggregate.Result
	NoResults bool `json:"no_results,omitempty"`
}

// handleSearch serves GET /api/search?contratista=...&anio=...&page=...
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	contractor := socrata.CleanInput(query.Get("contratista"))

	year := time.Now().Year()
	if raw := query.Get("anio"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "El año debe ser un número."})
			return
		}
		year = parsed
	}

	page := 1
	if raw := query.Get("page"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 1 {
			page = parsed
		}
	}

	if allowed, scope := s.allowSearch(r); !allowed {
		s.logger.Warn().
			Str("scope", scope).
			Str("client", clientIP(r)).
			Str("request_id", GetRequestID(r.Context())).
			Msg("Search request throttled")
		w.Header().Set("Retry-After", strconv.Itoa(int(s.config.ThrottleWindow.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: throttleMessage})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestBudget)
	defer cancel()

	result, err := s.searcher.Query(ctx, contractor, year, page)
	if err != nil {
		s.writeSearchError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, searchResponse{Result: result})
}

// allowSearch runs the global admission first so one client cannot learn the
// global state through its own bucket, then the per-client admission.
func (s *Server) allowSearch(r *http.Request) (bool, string) {
	if s.global != nil && !s.global.Allow() {
		return false, "global"
	}
	if s.perClient != nil && !s.perClient.Allow(clientIP(r)) {
		return false, "client"
	}
	return true, "ok"
}

func (s *Server) writeSearchError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *aggregate.ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validationErr.Message})
	case errors.Is(err, aggregate.ErrNoResults):
		writeJSON(w, http.StatusOK, searchResponse{
			Result:    &aggregate.Result{Rows: []aggregate.ResultRow{}, Page: 1},
			NoResults: true,
		})
	case errors.Is(err, aggregate.ErrUpstreamOutage), errors.Is(err, client.ErrBudgetExceeded):
		s.logger.Error().Err(err).
			Str("request_id", GetRequestID(r.Context())).
			Msg("Search failed against upstream")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: upstreamFailureMessage})
	default:
		s.logger.Error().Err(err).
			Str("request_id", GetRequestID(r.Context())).
			Msg("Search failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: upstreamFailureMessage})
	}
}

// handleHealthz serves the liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "opensai-secop",
	})
}

// handleUpstreamHealth serves the upstream reachability probe. The probe gets
// a small grace on top of its own timeout so the verdict, not the handler,
// decides the outcome.
func (s *Server) handleUpstreamHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.ProbeTimeout+500*time.Millisecond)
	defer cancel()

	healthy, reason := s.upstream.Check(ctx)

	status := http.StatusOK
	verdict := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		verdict = "degraded"
	}
	writeJSON(w, status, map[string]string{
		"status":   verdict,
		"upstream": "datos.gov.co",
		"reason":   reason,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		fmt.Fprintf(w, `{"error": "encoding failure"}`)
	}
}
