package client

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/runhistory/internal/testutil"
	"github.com/Sternrassler/runhistory/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"
)

const testUserAgent = "runhistory-test/1.0"

func newTestClient(t *testing.T, mock *testutil.MockGitHub, creds Credentials) *Client {
	t.Helper()

	cfg := DefaultConfig(creds, testUserAgent)
	cfg.BaseURL = mock.URL()
	cfg.Timeout = 5 * time.Second

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid config",
			config: DefaultConfig(Credentials{Token: "t"}, testUserAgent),
		},
		{
			name:        "missing user agent",
			config:      DefaultConfig(Credentials{}, ""),
			expectError: true,
			errorMsg:    "user-agent is required",
		},
		{
			name:        "relative base url",
			config:      Config{BaseURL: "api/v3/", UserAgent: testUserAgent},
			expectError: true,
			errorMsg:    "base url must be absolute",
		},
		{
			name:   "empty base url falls back to default",
			config: Config{UserAgent: testUserAgent},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("error = %q, want substring %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestNew_Normalisation(t *testing.T) {
	c, err := New(Config{BaseURL: "https://ghe.example.com/api/v3", UserAgent: testUserAgent, PerPage: 500})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if got := c.GitHub().BaseURL.String(); got != "https://ghe.example.com/api/v3/" {
		t.Errorf("BaseURL = %q, want trailing slash", got)
	}
	if c.PerPage() != MaxPerPage {
		t.Errorf("PerPage = %d, want %d", c.PerPage(), MaxPerPage)
	}
	if c.GitHub().UserAgent != testUserAgent {
		t.Errorf("UserAgent = %q, want %q", c.GitHub().UserAgent, testUserAgent)
	}
}

func TestAttempt_SendsPagingAndIdentity(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()
	mock.SetRuns("octo", "hello", 100, 100, 42)

	c := newTestClient(t, mock, Credentials{Username: "alice", Token: "s3cret"})

	outcome, err := c.Attempt(context.Background(), PageRequest{Endpoint: "repos/octo/hello/actions/runs", Page: 2})
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}

	query := mock.LastQuery()
	if query["page"] != "2" {
		t.Errorf("page = %q, want 2", query["page"])
	}
	if query["per_page"] != "100" {
		t.Errorf("per_page = %q, want 100", query["per_page"])
	}
	if query["User-Agent"] != testUserAgent {
		t.Errorf("User-Agent query = %q, want %q", query["User-Agent"], testUserAgent)
	}

	user, token, userAgent := mock.LastAuth()
	if user != "alice" || token != "s3cret" {
		t.Errorf("basic auth = %q/%q, want alice/s3cret", user, token)
	}
	if userAgent != testUserAgent {
		t.Errorf("User-Agent header = %q, want %q", userAgent, testUserAgent)
	}

	if !outcome.Success || outcome.StatusCode != http.StatusOK {
		t.Errorf("outcome = %+v, want success 200", outcome)
	}
	if outcome.NextPage != 3 || outcome.LastPage != 3 {
		t.Errorf("NextPage/LastPage = %d/%d, want 3/3", outcome.NextPage, outcome.LastPage)
	}
	if !outcome.HasNext() {
		t.Error("HasNext() = false, want true")
	}
	if n := gjson.GetBytes(outcome.Body, "workflow_runs.#").Int(); n != 100 {
		t.Errorf("records = %d, want 100", n)
	}
}

func TestAttempt_DefaultUsername(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()
	mock.SetRuns("octo", "hello", 1)

	c := newTestClient(t, mock, Credentials{Token: "tok"})
	if _, err := c.Attempt(context.Background(), PageRequest{Endpoint: "repos/octo/hello/actions/runs", Page: 1}); err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}

	user, token, _ := mock.LastAuth()
	if user != DefaultUsername || token != "tok" {
		t.Errorf("basic auth = %q/%q, want %s/tok", user, token, DefaultUsername)
	}
}

func TestAttempt_Unauthenticated(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()
	mock.SetRuns("octo", "hello", 1)

	c := newTestClient(t, mock, Credentials{})
	if _, err := c.Attempt(context.Background(), PageRequest{Endpoint: "repos/octo/hello/actions/runs", Page: 1}); err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}

	if user, token, _ := mock.LastAuth(); user != "" || token != "" {
		t.Errorf("basic auth = %q/%q, want none", user, token)
	}
}

func TestAttempt_LastPageHasNoNext(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()
	mock.SetRuns("octo", "hello", 100, 5)

	c := newTestClient(t, mock, Credentials{})
	outcome, err := c.Attempt(context.Background(), PageRequest{Endpoint: "repos/octo/hello/actions/runs", Page: 2})
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if outcome.HasNext() {
		t.Errorf("NextPage = %d, want none", outcome.NextPage)
	}
}

func TestAttempt_MalformedBodyIsStillSuccess(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()
	mock.SetRuns("octo", "hello", 3)
	mock.MalformPage("octo", "hello", 1)

	c := newTestClient(t, mock, Credentials{})
	outcome, err := c.Attempt(context.Background(), PageRequest{Endpoint: "repos/octo/hello/actions/runs", Page: 1})
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if gjson.GetBytes(outcome.Body, "workflow_runs").Exists() {
		t.Error("body should lack workflow_runs")
	}
}

func TestAttempt_ErrorMapping(t *testing.T) {
	pastReset := time.Now().Add(-time.Minute).Unix()

	tests := []struct {
		name      string
		failure   testutil.PageFailure
		check     func(t *testing.T, err error)
		wantClass ErrorClass
	}{
		{
			name:      "bad gateway",
			failure:   testutil.PageFailure{Status: http.StatusBadGateway, Times: 1},
			wantClass: ErrorClassServer,
			check: func(t *testing.T, err error) {
				var apiErr *TransientAPIError
				if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
					t.Errorf("error = %v, want TransientAPIError 502", err)
				}
			},
		},
		{
			name:      "not found",
			failure:   testutil.PageFailure{Status: http.StatusNotFound, Times: 1},
			wantClass: ErrorClassClient,
			check: func(t *testing.T, err error) {
				var apiErr *TransientAPIError
				if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
					t.Errorf("error = %v, want TransientAPIError 404", err)
				}
			},
		},
		{
			name: "primary rate limit",
			failure: testutil.PageFailure{
				Status: http.StatusForbidden,
				Times:  1,
				Headers: map[string]string{
					"X-RateLimit-Limit":     "5000",
					"X-RateLimit-Remaining": "0",
					"X-RateLimit-Reset":     strconv.FormatInt(pastReset, 10),
				},
			},
			wantClass: ErrorClassRateLimit,
			check: func(t *testing.T, err error) {
				var rateErr *RateLimitExceededError
				if !errors.As(err, &rateErr) {
					t.Fatalf("error = %v, want RateLimitExceededError", err)
				}
				if rateErr.StatusCode != http.StatusForbidden {
					t.Errorf("StatusCode = %d, want 403", rateErr.StatusCode)
				}
				if rateErr.ResetAt.Unix() != pastReset {
					t.Errorf("ResetAt = %v, want unix %d", rateErr.ResetAt, pastReset)
				}
			},
		},
		{
			name: "too many requests with retry-after",
			failure: testutil.PageFailure{
				Status:  http.StatusTooManyRequests,
				Times:   1,
				Headers: map[string]string{"Retry-After": "7"},
			},
			wantClass: ErrorClassRateLimit,
			check: func(t *testing.T, err error) {
				var rateErr *RateLimitExceededError
				if !errors.As(err, &rateErr) {
					t.Fatalf("error = %v, want RateLimitExceededError", err)
				}
				if rateErr.RetryAfter != 7*time.Second {
					t.Errorf("RetryAfter = %v, want 7s", rateErr.RetryAfter)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockGitHub()
			defer mock.Close()
			mock.SetRuns("octo", "hello", 10)
			mock.FailPage("octo", "hello", 1, tt.failure)

			c := newTestClient(t, mock, Credentials{})
			outcome, err := c.Attempt(context.Background(), PageRequest{Endpoint: "repos/octo/hello/actions/runs", Page: 1})
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if outcome.Success {
				t.Error("failed attempt must not report success")
			}
			if outcome.StatusCode != tt.failure.Status {
				t.Errorf("StatusCode = %d, want %d", outcome.StatusCode, tt.failure.Status)
			}
			if got := Classify(err); got != tt.wantClass {
				t.Errorf("Classify() = %q, want %q", got, tt.wantClass)
			}
			if !Retryable(err) {
				t.Error("error should be retryable")
			}
			tt.check(t, err)
		})
	}
}

func TestAttempt_NetworkError(t *testing.T) {
	mock := testutil.NewMockGitHub()
	c := newTestClient(t, mock, Credentials{})
	mock.Close()

	_, err := c.Attempt(context.Background(), PageRequest{Endpoint: "repos/octo/hello/actions/runs", Page: 1})
	var apiErr *TransientAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want TransientAPIError", err)
	}
	if apiErr.ErrorClass != ErrorClassNetwork || apiErr.StatusCode != 0 {
		t.Errorf("class/status = %q/%d, want network/0", apiErr.ErrorClass, apiErr.StatusCode)
	}
}

func TestAttempt_CancelledContext(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()
	mock.SetRuns("octo", "hello", 1)

	c := newTestClient(t, mock, Credentials{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Attempt(ctx, PageRequest{Endpoint: "repos/octo/hello/actions/runs", Page: 1})
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("error = %v, want ErrContextCancelled", err)
	}
	if Retryable(err) {
		t.Error("cancellation must not be retryable")
	}
}

func TestAttempt_InvalidPage(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()

	c := newTestClient(t, mock, Credentials{})
	if _, err := c.Attempt(context.Background(), PageRequest{Endpoint: "repos/octo/hello/actions/runs", Page: 0}); err == nil {
		t.Error("expected error for page 0")
	}
	if len(mock.PageRequests()) != 0 {
		t.Error("no request should reach the server")
	}
}

func TestAttempt_RecordsMetrics(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()
	mock.SetRuns("octo", "hello", 1)
	mock.FailPage("octo", "hello", 1, testutil.PageFailure{Status: http.StatusServiceUnavailable, Times: 1})

	reg := prometheus.NewRegistry()
	cfg := DefaultConfig(Credentials{}, testUserAgent)
	cfg.BaseURL = mock.URL()
	cfg.Metrics = metrics.NewCollector(reg)
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	req := PageRequest{Endpoint: "repos/octo/hello/actions/runs", Page: 1}
	_, _ = c.Attempt(context.Background(), req)
	if _, err := c.Attempt(context.Background(), req); err != nil {
		t.Fatalf("second Attempt() error = %v", err)
	}

	got := requestsByStatus(t, reg)
	if got["503"] != 1 || got["200"] != 1 {
		t.Errorf("requests by status = %v, want 503:1 200:1", got)
	}
}

func TestRetrier_AgainstMockServer(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()
	mock.SetRuns("octo", "hello", 4)
	mock.FailPage("octo", "hello", 1, testutil.PageFailure{Status: http.StatusInternalServerError, Times: 2})

	sleeper := &recordingSleeper{}
	retrier := NewRetrier(newTestClient(t, mock, Credentials{}), DefaultRetryConfig(), WithSleep(sleeper.Sleep))

	outcome, err := retrier.RequestWithRetry(context.Background(), PageRequest{Endpoint: "repos/octo/hello/actions/runs", Page: 1}, nil)
	if err != nil {
		t.Fatalf("RequestWithRetry() error = %v", err)
	}
	if outcome.RetriesUsed != 2 {
		t.Errorf("RetriesUsed = %d, want 2", outcome.RetriesUsed)
	}
	if n := len(mock.PageRequests()); n != 3 {
		t.Errorf("server saw %d requests, want 3", n)
	}
}

func requestsByStatus(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	out := make(map[string]float64)
	for _, family := range families {
		if family.GetName() != "runhistory_requests_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "status" {
					out[label.GetValue()] += metric.GetCounter().GetValue()
				}
			}
		}
	}
	return out
}
