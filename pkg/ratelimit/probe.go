package ratelimit

import (
	"context"
	"net/http"
	"time"

	"github.com/Sternrassler/runhistory/pkg/client"
	"github.com/Sternrassler/runhistory/pkg/metrics"
	"github.com/google/go-github/v74/github"
	"github.com/rs/zerolog"
)

// StatusFetcher reads the current rate limit status.
type StatusFetcher interface {
	Fetch(ctx context.Context) (Status, error)
}

// Probe reads the core budget from GET /rate_limit with the same
// credentials as the page requests.
type Probe struct {
	gh       *github.Client
	recorder *Recorder
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *metrics.Collector
}

// ProbeOption customises a Probe.
type ProbeOption func(*Probe)

// WithRecorder writes every fetched status to Redis.
func WithRecorder(r *Recorder) ProbeOption {
	return func(p *Probe) { p.recorder = r }
}

// WithProbeClock replaces time.Now for ObservedAt.
func WithProbeClock(now func() time.Time) ProbeOption {
	return func(p *Probe) { p.now = now }
}

// WithProbeLogger sets the probe logger.
func WithProbeLogger(logger zerolog.Logger) ProbeOption {
	return func(p *Probe) { p.logger = logger }
}

// WithProbeMetrics sets the metrics collector.
func WithProbeMetrics(m *metrics.Collector) ProbeOption {
	return func(p *Probe) { p.metrics = m }
}

// NewProbe creates a probe on top of gh (usually client.Client.GitHub()).
func NewProbe(gh *github.Client, opts ...ProbeOption) *Probe {
	p := &Probe{
		gh:     gh,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetch performs exactly one network read of the rate limit status.
// Non-2xx responses, network failures and bodies without resources.core
// fail with a *client.TransientAPIError.
func (p *Probe) Fetch(ctx context.Context) (Status, error) {
	limits, resp, err := p.gh.RateLimit.Get(ctx)
	if err != nil {
		classified := client.ClassifyResponseError(ctx, resp, err)
		p.logger.Debug().Err(classified).Msg("Rate limit probe failed")
		return Status{}, classified
	}

	if limits == nil || limits.Core == nil {
		statusCode := http.StatusOK
		if resp != nil && resp.Response != nil {
			statusCode = resp.StatusCode
		}
		return Status{}, &client.TransientAPIError{
			StatusCode: statusCode,
			ErrorClass: client.ErrorClassMalformed,
			Message:    "rate limit body without core budget",
			Err:        &client.MalformedResponseError{Field: "resources.core"},
		}
	}

	status := Status{
		Remaining:  limits.Core.Remaining,
		Limit:      limits.Core.Limit,
		ResetAt:    limits.Core.Reset.Time,
		ObservedAt: p.now(),
	}
	p.metrics.SetRateLimitRemaining(status.Remaining)

	p.logger.Debug().
		Int("remaining", status.Remaining).
		Int("limit", status.Limit).
		Time("reset_at", status.ResetAt).
		Msg("Rate limit status fetched")

	if p.recorder != nil {
		if err := p.recorder.Record(ctx, status); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to record rate limit snapshot")
		}
	}

	return status, nil
}
