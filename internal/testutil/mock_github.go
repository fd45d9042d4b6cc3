// Package testutil provides a mock GitHub REST API for tests.
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

// RunsPath returns the actions runs path served for owner/repo.
func RunsPath(owner, repo string) string {
	return fmt.Sprintf("/repos/%s/%s/actions/runs", owner, repo)
}

// PageFailure makes a page fail Times times with Status before succeeding.
type PageFailure struct {
	Status int
	Times  int

	// Headers are added to the failing responses (e.g. X-RateLimit-Remaining).
	Headers map[string]string
}

// MockGitHub is a configurable mock of the runs and rate_limit endpoints.
type MockGitHub struct {
	server   *httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc

	repos     map[string][]int // runs path -> records per page
	failures  map[string]map[int]*PageFailure
	malformed map[string]map[int]bool
	omitLast  bool

	rateRemaining int
	rateLimit     int
	rateReset     time.Time
	rateStatus    int

	// Tracking
	pageRequests     []string // "path?page=N" in arrival order
	rateLimitCount   int
	lastRequestQuery map[string]string
	lastAuthUser     string
	lastAuthToken    string
	lastUserAgent    string
}

// NewMockGitHub creates and starts a mock server with a healthy rate budget.
func NewMockGitHub() *MockGitHub {
	m := &MockGitHub{
		handlers:      make(map[string]http.HandlerFunc),
		repos:         make(map[string][]int),
		failures:      make(map[string]map[int]*PageFailure),
		malformed:     make(map[string]map[int]bool),
		rateRemaining: 5000,
		rateLimit:     5000,
		rateReset:     time.Now().Add(time.Hour),
		rateStatus:    http.StatusOK,
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		handler, exists := m.handlers[r.URL.Path]
		m.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		switch {
		case r.URL.Path == "/rate_limit":
			m.serveRateLimit(w, r)
		case strings.HasSuffix(r.URL.Path, "/actions/runs"):
			m.serveRuns(w, r)
		default:
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
		}
	}))

	return m
}

// URL returns the mock server URL with a trailing slash, suitable as BaseURL.
func (m *MockGitHub) URL() string {
	return m.server.URL + "/"
}

// Close shuts down the mock server.
func (m *MockGitHub) Close() {
	m.server.Close()
}

// SetHandler overrides the handler for a path.
func (m *MockGitHub) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetRuns configures owner/repo to serve len(pageSizes) pages holding the
// given number of records each. Record ids are unique across pages.
func (m *MockGitHub) SetRuns(owner, repo string, pageSizes ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos[RunsPath(owner, repo)] = append([]int(nil), pageSizes...)
}

// FailPage makes the given page fail according to f.
func (m *MockGitHub) FailPage(owner, repo string, page int, f PageFailure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := RunsPath(owner, repo)
	if m.failures[path] == nil {
		m.failures[path] = make(map[int]*PageFailure)
	}
	failure := f
	m.failures[path][page] = &failure
}

// MalformPage makes the given page return a 200 without "workflow_runs".
func (m *MockGitHub) MalformPage(owner, repo string, page int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := RunsPath(owner, repo)
	if m.malformed[path] == nil {
		m.malformed[path] = make(map[int]bool)
	}
	m.malformed[path][page] = true
}

// OmitLastLink drops the "last" relation from every Link header.
func (m *MockGitHub) OmitLastLink() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.omitLast = true
}

// SetRateLimit configures the core budget served by /rate_limit.
func (m *MockGitHub) SetRateLimit(remaining, limit int, reset time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateRemaining = remaining
	m.rateLimit = limit
	m.rateReset = reset
}

// SetRateLimitStatus makes /rate_limit answer with status (non-200 yields an error body).
func (m *MockGitHub) SetRateLimitStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateStatus = status
}

// PageRequests returns the runs requests received, as "path?page=N", in order.
func (m *MockGitHub) PageRequests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.pageRequests...)
}

// RateLimitRequestCount returns the number of /rate_limit requests.
func (m *MockGitHub) RateLimitRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rateLimitCount
}

// LastQuery returns the query parameters of the last runs request.
func (m *MockGitHub) LastQuery() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.lastRequestQuery))
	for k, v := range m.lastRequestQuery {
		out[k] = v
	}
	return out
}

// LastAuth returns the Basic credentials and User-Agent header of the last runs request.
func (m *MockGitHub) LastAuth() (user, token, userAgent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAuthUser, m.lastAuthToken, m.lastUserAgent
}

func (m *MockGitHub) serveRateLimit(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.rateLimitCount++
	status := m.rateStatus
	remaining, limit, reset := m.rateRemaining, m.rateLimit, m.rateReset
	m.mu.Unlock()

	if status != http.StatusOK {
		writeJSON(w, status, map[string]any{"message": "rate limit service unavailable"})
		return
	}

	core := map[string]any{
		"limit":     limit,
		"remaining": remaining,
		"used":      limit - remaining,
		"reset":     reset.Unix(),
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resources": map[string]any{"core": core},
		"rate":      core,
	})
}

func (m *MockGitHub) serveRuns(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}

	m.mu.Lock()
	m.pageRequests = append(m.pageRequests, fmt.Sprintf("%s?page=%d", r.URL.Path, page))
	m.lastRequestQuery = make(map[string]string)
	for key := range r.URL.Query() {
		m.lastRequestQuery[key] = r.URL.Query().Get(key)
	}
	m.lastAuthUser, m.lastAuthToken, _ = r.BasicAuth()
	m.lastUserAgent = r.Header.Get("User-Agent")

	sizes, known := m.repos[r.URL.Path]
	failure := m.failures[r.URL.Path][page]
	var failNow *PageFailure
	if failure != nil && failure.Times != 0 {
		if failure.Times > 0 {
			failure.Times--
		}
		failNow = failure
	}
	malformed := m.malformed[r.URL.Path][page]
	omitLast := m.omitLast
	m.mu.Unlock()

	if failNow != nil {
		for key, value := range failNow.Headers {
			w.Header().Set(key, value)
		}
		writeJSON(w, failNow.Status, map[string]any{"message": http.StatusText(failNow.Status)})
		return
	}

	if !known {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
		return
	}

	if malformed {
		writeJSON(w, http.StatusOK, map[string]any{"message": "API rate limit exceeded"})
		return
	}

	if links := linkHeader(m.server.URL+r.URL.Path, page, len(sizes), omitLast); links != "" {
		w.Header().Set("Link", links)
	}

	records := []map[string]any{}
	if page <= len(sizes) {
		offset := 0
		for _, n := range sizes[:page-1] {
			offset += n
		}
		for i := 0; i < sizes[page-1]; i++ {
			records = append(records, NewRunRecord(int64(1000+offset+i)))
		}
	}

	total := 0
	for _, n := range sizes {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_count":   total,
		"workflow_runs": records,
	})
}

// NewRunRecord returns a workflow run record shaped like the GitHub API's.
func NewRunRecord(id int64) map[string]any {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Minute)
	return map[string]any{
		"id":          id,
		"name":        "build",
		"node_id":     fmt.Sprintf("WFR_%d", id),
		"head_branch": "main",
		"head_sha":    fmt.Sprintf("%040x", id),
		"event":       "push",
		"status":      "completed",
		"conclusion":  "success",
		"created_at":  created.Format(time.RFC3339),
		"updated_at":  created.Add(3 * time.Minute).Format(time.RFC3339),
		"jobs_url":    fmt.Sprintf("https://api.github.com/runs/%d/jobs", id),
		"head_commit": map[string]any{
			"id":        fmt.Sprintf("%040x", id),
			"tree_id":   fmt.Sprintf("%040x", id+1),
			"message":   fmt.Sprintf("Commit %d", id),
			"timestamp": created.Add(-time.Minute).Format(time.RFC3339),
			"author":    map[string]any{"name": "Octo Cat", "email": "octocat@example.com"},
			"committer": map[string]any{"name": "GitHub", "email": "noreply@github.com"},
		},
	}
}

// linkHeader builds a GitHub-style Link header for page out of lastPage.
func linkHeader(base string, page, lastPage int, omitLast bool) string {
	var links []string
	if page < lastPage {
		links = append(links, fmt.Sprintf(`<%s?per_page=100&page=%d>; rel="next"`, base, page+1))
		if !omitLast {
			links = append(links, fmt.Sprintf(`<%s?per_page=100&page=%d>; rel="last"`, base, lastPage))
		}
	}
	if page > 1 {
		links = append(links, fmt.Sprintf(`<%s?per_page=100&page=1>; rel="first"`, base))
		links = append(links, fmt.Sprintf(`<%s?per_page=100&page=%d>; rel="prev"`, base, page-1))
	}
	return strings.Join(links, ", ")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
