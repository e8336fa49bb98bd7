// Package testutil provides testing utilities for the extraction service.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// DealsPath is the CRM objects endpoint the mock serves.
const DealsPath = "/crm/v3/objects/deals"

// MockDeal is one record the mock server returns.
type MockDeal struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
	CreatedAt  string            `json:"createdAt,omitempty"`
	UpdatedAt  string            `json:"updatedAt,omitempty"`
	Archived   bool              `json:"archived"`
}

// FailureMode injects a non-200 response for the nth request (1-based).
type FailureMode struct {
	// Request is the 1-based request index the failure applies to.
	Request int

	StatusCode int
	Body       string

	// RetryAfter, when set, is sent as the Retry-After header (seconds).
	RetryAfter int
}

// MockHubSpot is a configurable mock HubSpot CRM server. It serves a fixed
// set of deals split into cursor-linked pages and can inject failures at
// chosen request indexes to exercise retry paths.
type MockHubSpot struct {
	server *httptest.Server

	mu       sync.Mutex
	deals    []MockDeal
	failures map[int]FailureMode

	// Tracking
	requestCount int
	lastAuth     string
	cursorsSeen  []string
}

// NewMockHubSpot starts a mock server holding the given deals.
func NewMockHubSpot(deals []MockDeal) *MockHubSpot {
	mock := &MockHubSpot{
		deals:    deals,
		failures: make(map[int]FailureMode),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server base URL.
func (m *MockHubSpot) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockHubSpot) Close() {
	m.server.Close()
}

// FailRequest injects a failure for the nth request received.
func (m *MockHubSpot) FailRequest(f FailureMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[f.Request] = f
}

// RequestCount returns the number of requests received.
func (m *MockHubSpot) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// LastAuthorization returns the Authorization header of the latest request.
func (m *MockHubSpot) LastAuthorization() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAuth
}

// CursorsSeen returns the "after" parameters in arrival order. The empty
// string marks a first-page request.
func (m *MockHubSpot) CursorsSeen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cursorsSeen...)
}

func (m *MockHubSpot) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != DealsPath {
		http.NotFound(w, r)
		return
	}

	after := r.URL.Query().Get("after")

	m.mu.Lock()
	m.requestCount++
	m.lastAuth = r.Header.Get("Authorization")
	m.cursorsSeen = append(m.cursorsSeen, after)
	failure, failing := m.failures[m.requestCount]
	deals := m.deals
	m.mu.Unlock()

	if failing {
		if failure.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(failure.RetryAfter))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(failure.StatusCode)
		body := failure.Body
		if body == "" {
			body = fmt.Sprintf(`{"status":"error","message":"injected failure %d"}`, failure.StatusCode)
		}
		w.Write([]byte(body))
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	start := 0
	if after != "" {
		n, err := strconv.Atoi(after)
		if err != nil || n < 0 || n > len(deals) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"status":"error","message":"invalid cursor"}`))
			return
		}
		start = n
	}

	end := start + limit
	if end > len(deals) {
		end = len(deals)
	}

	page := struct {
		Results []MockDeal `json:"results"`
		Paging  *struct {
			Next struct {
				After string `json:"after"`
			} `json:"next"`
		} `json:"paging,omitempty"`
	}{Results: deals[start:end]}

	if end < len(deals) {
		page.Paging = &struct {
			Next struct {
				After string `json:"after"`
			} `json:"next"`
		}{}
		page.Paging.Next.After = strconv.Itoa(end)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(page)
}

// GenerateDeals builds n deterministic deals for tests.
func GenerateDeals(n int) []MockDeal {
	deals := make([]MockDeal, n)
	for i := range deals {
		deals[i] = MockDeal{
			ID: fmt.Sprintf("%d", 1000+i),
			Properties: map[string]string{
				"dealname":            fmt.Sprintf("Deal %d", i),
				"amount":              fmt.Sprintf("%d", (i+1)*1000),
				"dealstage":           "appointmentscheduled",
				"pipeline":            "default",
				"createdate":          "1704067200000",
				"hs_lastmodifieddate": "1704153600000",
			},
			CreatedAt: "2024-01-01T00:00:00Z",
			UpdatedAt: "2024-01-02T00:00:00Z",
		}
	}
	return deals
}
