// Package client performs single GitHub API page requests and retries them
// with bounded exponential backoff.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/runhistory/pkg/metrics"
	"github.com/google/go-github/v74/github"
	"github.com/rs/zerolog"
)

const (
	// DefaultBaseURL is the public GitHub REST API.
	DefaultBaseURL = "https://api.github.com/"

	// MaxPerPage is the largest page size the API accepts.
	MaxPerPage = 100

	// DefaultUsername is sent with the token when no username is configured.
	DefaultUsername = "runhistory"
)

// Credentials is the Basic-style (username, token) pair sent with every request.
type Credentials struct {
	Username string
	Token    string
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the REST API; must be absolute. GitHub Enterprise uses
	// https://host/api/v3/.
	BaseURL string

	// UserAgent is sent both as header and as "User-Agent" query parameter.
	UserAgent string

	// Credentials are optional; an empty token sends unauthenticated requests.
	Credentials Credentials

	// PerPage is capped at MaxPerPage.
	PerPage int

	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration

	// Transport is the underlying round tripper (default http.DefaultTransport).
	Transport http.RoundTripper

	// Logger receives debug output; the zero value discards.
	Logger zerolog.Logger

	// Metrics may be nil.
	Metrics *metrics.Collector
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(creds Credentials, userAgent string) Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		UserAgent:   userAgent,
		Credentials: creds,
		PerPage:     MaxPerPage,
		Timeout:     30 * time.Second,
	}
}

// PageRequest addresses one page of a paginated endpoint.
type PageRequest struct {
	// Endpoint is relative to BaseURL (e.g. "repos/o/r/actions/runs") or absolute.
	Endpoint string

	// Page is 1-based.
	Page int
}

// Outcome is the result of one logical page request.
type Outcome struct {
	Success     bool
	StatusCode  int
	Body        []byte
	RetriesUsed int

	// NextPage and LastPage are the "page" parameters of the Link header's
	// "next" and "last" relations, 0 when the relation is absent.
	NextPage int
	LastPage int
}

// HasNext reports whether the response advertised a "next" relation.
func (o Outcome) HasNext() bool {
	return o.NextPage != 0
}

// Client issues single page requests against the GitHub REST API.
type Client struct {
	gh      *github.Client
	config  Config
	logger  zerolog.Logger
	metrics *metrics.Collector
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if !baseURL.IsAbs() {
		return nil, fmt.Errorf("base url must be absolute (got %q)", cfg.BaseURL)
	}
	if !strings.HasSuffix(baseURL.Path, "/") {
		baseURL.Path += "/"
	}

	if cfg.PerPage <= 0 || cfg.PerPage > MaxPerPage {
		cfg.PerPage = MaxPerPage
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if cfg.Credentials.Token != "" {
		username := cfg.Credentials.Username
		if username == "" {
			username = DefaultUsername
		}
		transport = &github.BasicAuthTransport{
			Username:  username,
			Password:  cfg.Credentials.Token,
			Transport: transport,
		}
	}

	gh := github.NewClient(&http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	})
	gh.BaseURL = baseURL
	gh.UserAgent = cfg.UserAgent

	return &Client{
		gh:      gh,
		config:  cfg,
		logger:  cfg.Logger.With().Str("component", "github-client").Logger(),
		metrics: cfg.Metrics,
	}, nil
}

// GitHub returns the underlying go-github client, configured with the same
// base URL, credentials and User-Agent.
func (c *Client) GitHub() *github.Client {
	return c.gh
}

// PerPage returns the effective page size.
func (c *Client) PerPage() int {
	return c.config.PerPage
}

// Attempt performs exactly one GET for the requested page. It never retries.
// Non-2xx statuses and network failures return a *TransientAPIError, rate
// limit rejections a *RateLimitExceededError.
func (c *Client) Attempt(ctx context.Context, req PageRequest) (Outcome, error) {
	httpReq, err := c.newPageRequest(req)
	if err != nil {
		return Outcome{}, err
	}

	c.logger.Debug().
		Str("endpoint", req.Endpoint).
		Int("page", req.Page).
		Int("per_page", c.config.PerPage).
		Msg("Executing page request")

	var body bytes.Buffer
	start := time.Now()
	resp, err := c.gh.Do(ctx, httpReq, &body)

	var outcome Outcome
	if resp != nil && resp.Response != nil {
		outcome.StatusCode = resp.StatusCode
		outcome.NextPage = resp.NextPage
		outcome.LastPage = resp.LastPage
	}

	if err != nil {
		classified := classifyResponseError(ctx, outcome.StatusCode, err)
		status := strconv.Itoa(outcome.StatusCode)
		if outcome.StatusCode == 0 {
			status = string(Classify(classified))
		}
		c.metrics.ObserveRequest(status, time.Since(start))

		c.logger.Debug().
			Err(classified).
			Str("endpoint", req.Endpoint).
			Int("page", req.Page).
			Int("status_code", outcome.StatusCode).
			Str("error_class", string(Classify(classified))).
			Msg("Page request failed")
		return outcome, classified
	}

	c.metrics.ObserveRequest(strconv.Itoa(outcome.StatusCode), time.Since(start))

	outcome.Success = true
	outcome.Body = body.Bytes()
	c.logger.Debug().
		Str("endpoint", req.Endpoint).
		Int("page", req.Page).
		Int("next_page", outcome.NextPage).
		Int("last_page", outcome.LastPage).
		Msg("Page request succeeded")

	return outcome, nil
}

// newPageRequest builds the GET request with page, per_page and User-Agent
// query parameters merged into any query the endpoint already carries.
func (c *Client) newPageRequest(req PageRequest) (*http.Request, error) {
	if req.Page < 1 {
		return nil, fmt.Errorf("page must be >= 1 (got %d)", req.Page)
	}

	endpoint, err := url.Parse(req.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	query := endpoint.Query()
	query.Set("page", strconv.Itoa(req.Page))
	query.Set("per_page", strconv.Itoa(c.config.PerPage))
	query.Set("User-Agent", c.config.UserAgent)
	endpoint.RawQuery = query.Encode()

	httpReq, err := c.gh.NewRequest(http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return httpReq, nil
}

// classifyResponseError converts errors returned by go-github into the
// client's error kinds.
func classifyResponseError(ctx context.Context, statusCode int, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ErrContextCancelled, ctxErr)
	}

	var (
		rateErr     *github.RateLimitError
		abuseErr    *github.AbuseRateLimitError
		respErr     *github.ErrorResponse
		acceptedErr *github.AcceptedError
	)

	switch {
	case errors.As(err, &acceptedErr):
		return &TransientAPIError{
			StatusCode: http.StatusAccepted,
			ErrorClass: ErrorClassServer,
			Message:    "accepted, results not yet available",
			Err:        err,
		}

	case errors.As(err, &rateErr):
		return &RateLimitExceededError{
			StatusCode: statusCodeOr(rateErr.Response, statusCode),
			Message:    rateErr.Message,
			ResetAt:    rateErr.Rate.Reset.Time,
		}

	case errors.As(err, &abuseErr):
		rle := &RateLimitExceededError{
			StatusCode: statusCodeOr(abuseErr.Response, statusCode),
			Message:    abuseErr.Message,
		}
		if abuseErr.RetryAfter != nil {
			rle.RetryAfter = *abuseErr.RetryAfter
		}
		return rle

	case statusCode == http.StatusTooManyRequests:
		rle := &RateLimitExceededError{StatusCode: statusCode, Message: err.Error()}
		if errors.As(err, &respErr) && respErr.Response != nil {
			rle.Message = respErr.Message
			if secs, convErr := strconv.Atoi(respErr.Response.Header.Get("Retry-After")); convErr == nil && secs > 0 {
				rle.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return rle

	case errors.As(err, &respErr):
		return &TransientAPIError{
			StatusCode: statusCode,
			ErrorClass: classifyStatus(statusCode),
			Message:    respErr.Message,
			Err:        err,
		}

	default:
		message := "request failed"
		if statusCode >= 200 && statusCode < 300 {
			message = "decode response body"
		}
		return &TransientAPIError{
			StatusCode: statusCode,
			ErrorClass: classifyStatus(statusCode),
			Message:    message,
			Err:        err,
		}
	}
}

// ClassifyResponseError exposes the go-github error mapping to sibling
// packages that issue their own go-github calls.
func ClassifyResponseError(ctx context.Context, resp *github.Response, err error) error {
	statusCode := 0
	if resp != nil && resp.Response != nil {
		statusCode = resp.StatusCode
	}
	return classifyResponseError(ctx, statusCode, err)
}

func statusCodeOr(resp *http.Response, fallback int) int {
	if resp != nil {
		return resp.StatusCode
	}
	return fallback
}
