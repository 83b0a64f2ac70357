// Package testutil provides testing utilities for the SECOP query service.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock Socrata endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockDataset scripts one dataset's answers: a match count for count()
// selections and a JSON row array for row selections.
type MockDataset struct {
	Count int
	Rows  []map[string]any
}

// MockSocrata is a configurable mock Socrata server for testing. It
// understands enough SoQL to tell count queries from row queries and serves
// scripted datasets under /resource/<id>.json.
type MockSocrata struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	datasets map[string]MockDataset

	// Tracking
	RequestCount      int
	LastRequestHeader http.Header
}

// NewMockSocrata creates a new mock Socrata server.
func NewMockSocrata() *MockSocrata {
	mock := &MockSocrata{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
		datasets: make(map[string]MockDataset),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockSocrata) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockSocrata) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockSocrata) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.LastRequestHeader = nil
}

// SetDataset scripts the answers for one dataset ID.
func (m *MockSocrata) SetDataset(id string, ds MockDataset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.datasets[id] = ds
}

// SetHandler sets a custom handler for a specific path.
func (m *MockSocrata) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockSocrata) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockSocrata) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// defaultHandler serves scripted datasets with Socrata-shaped responses.
func (m *MockSocrata) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Socrata-RequestId", "mock-request-id")

	id, ok := datasetID(r.URL.Path)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": true, "message": "not found"}`))
		return
	}

	m.mu.RLock()
	ds, exists := m.datasets[id]
	m.mu.RUnlock()
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": true, "message": "unknown dataset"}`))
		return
	}

	query := r.URL.Query()
	if strings.Contains(query.Get("$select"), "count(") {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `[{"total": "%d"}]`, ds.Count)
		return
	}

	rows := ds.Rows
	if raw := query.Get("$limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit < len(rows) {
			rows = rows[:limit]
		}
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(rows)
}

// datasetID extracts the dataset ID from /resource/<id>.json paths.
func datasetID(path string) (string, bool) {
	const prefix = "/resource/"
	const suffix = ".json"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// MockRow builds one contract row in the aliased response shape.
func MockRow(contractID, entity, subject, amount, contractor, signedAt, url, rowID string) map[string]any {
	row := map[string]any{
		"id_contrato": contractID,
		"entidad":     entity,
		"objeto":      subject,
		"valor":       amount,
		"contratista": contractor,
		"fecha":       signedAt,
		"row_id":      rowID,
	}
	if url != "" {
		row["url"] = url
	}
	return row
}

// NewRateLimitResponse creates a 429 Too Many Requests response with a
// Retry-After hint.
func NewRateLimitResponse(retryAfterSeconds string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": true, "message": "Too many requests"}`,
		Headers: map[string]string{
			"Retry-After":         retryAfterSeconds,
			"Content-Type":        "application/json; charset=utf-8",
			"X-Socrata-RequestId": "mock-429",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": true, "message": "Internal error"}`,
		Headers: map[string]string{
			"Content-Type":        "application/json; charset=utf-8",
			"X-Socrata-RequestId": "mock-500",
		},
	}
}

// NewBadRequestResponse creates a 400 malformed-query response, the shape
// Socrata returns for a nested column selection on a flat column.
func NewBadRequestResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadRequest,
		Body:       `{"error": true, "message": "Unrecognized field"}`,
		Headers: map[string]string{
			"Content-Type":        "application/json; charset=utf-8",
			"X-Socrata-RequestId": "mock-400",
		},
	}
}
