package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Sternrassler/runhistory/pkg/metrics"
	"github.com/Sternrassler/runhistory/pkg/progress"
	"github.com/rs/zerolog"
)

// maxBackoffShift bounds the exponent; larger delays saturate at MaxBackoff.
const maxBackoffShift = 30

// MaxBackoff is the largest delay BackoffDelay returns.
const MaxBackoff = time.Duration(math.MaxInt64)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// BaseDelay is the delay before the first retry; retry i waits BaseDelay * 2^(i-1).
	BaseDelay time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 4,
		BaseDelay:  2 * time.Second,
	}
}

// Attempter performs one raw page request.
type Attempter interface {
	Attempt(ctx context.Context, req PageRequest) (Outcome, error)
}

// SleepFunc blocks for d or until ctx is done, returning ctx.Err() in the latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BackoffDelay returns base * 2^(retryIndex-1) for retryIndex >= 1, and 0 otherwise.
// The result saturates at MaxBackoff instead of overflowing.
func BackoffDelay(base time.Duration, retryIndex int) time.Duration {
	if retryIndex < 1 || base <= 0 {
		return 0
	}
	shift := min(retryIndex-1, maxBackoffShift)
	if base > MaxBackoff>>shift {
		return MaxBackoff
	}
	return base << shift
}

// addDelay sums two non-negative delays, saturating at MaxBackoff.
func addDelay(a, b time.Duration) time.Duration {
	if b > MaxBackoff-a {
		return MaxBackoff
	}
	return a + b
}

// Retrier performs one logical request with bounded retry and exponential backoff.
type Retrier struct {
	attempter Attempter
	config    RetryConfig
	sleep     SleepFunc
	now       func() time.Time
	logger    zerolog.Logger
	metrics   *metrics.Collector
}

// RetrierOption customises a Retrier.
type RetrierOption func(*Retrier)

// WithSleep replaces the blocking sleep (tests use a recording sleeper).
func WithSleep(sleep SleepFunc) RetrierOption {
	return func(r *Retrier) { r.sleep = sleep }
}

// WithClock replaces time.Now for rate limit reset arithmetic.
func WithClock(now func() time.Time) RetrierOption {
	return func(r *Retrier) { r.now = now }
}

// WithLogger sets the retrier logger.
func WithLogger(logger zerolog.Logger) RetrierOption {
	return func(r *Retrier) { r.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) RetrierOption {
	return func(r *Retrier) { r.metrics = m }
}

// NewRetrier creates a retrier around attempter.
func NewRetrier(attempter Attempter, config RetryConfig, opts ...RetrierOption) *Retrier {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	r := &Retrier{
		attempter: attempter,
		config:    config,
		sleep:     Sleep,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the retry configuration in effect.
func (r *Retrier) Config() RetryConfig {
	return r.config
}

// RequestWithRetry attempts req once and, while the failure is retryable,
// retries up to MaxRetries times. Retry i sleeps BaseDelay * 2^(i-1) first;
// rate limit rejections add the time until the budget resets. The first
// success ends the loop. On failure the last outcome is returned together
// with the error (wrapping ErrRetryExhausted when the ceiling was reached).
//
// Each retry and the final result are reported to notify. Notifier errors
// and panics are ignored.
func (r *Retrier) RequestWithRetry(ctx context.Context, req PageRequest, notify progress.Notifier) (Outcome, error) {
	outcome, err := r.attempter.Attempt(ctx, req)
	if err == nil {
		return r.succeed(req, outcome, 0, notify), nil
	}

	lastErr := err
	retries := 0
	exhausted := false

	for retryIndex := 1; ; retryIndex++ {
		if !Retryable(lastErr) {
			break
		}
		if retryIndex > r.config.MaxRetries {
			exhausted = true
			break
		}

		delay := BackoffDelay(r.config.BaseDelay, retryIndex)
		var rateErr *RateLimitExceededError
		if errors.As(lastErr, &rateErr) {
			delay = addDelay(delay, rateErr.Wait(r.now()))
		}

		errClass := Classify(lastErr)
		r.metrics.ObserveRetry(string(errClass), delay)
		r.logger.Warn().
			Err(lastErr).
			Str("endpoint", req.Endpoint).
			Int("page", req.Page).
			Str("error_class", string(errClass)).
			Int("retry", retryIndex).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")
		r.report(notify, progress.Event{
			Kind:       progress.KindRetry,
			Endpoint:   req.Endpoint,
			Page:       req.Page,
			RetryIndex: retryIndex,
			MaxRetries: r.config.MaxRetries,
			Delay:      delay,
			StatusCode: outcome.StatusCode,
			Err:        lastErr,
		})

		if err := r.sleep(ctx, delay); err != nil {
			lastErr = fmt.Errorf("%w during backoff: %v", ErrContextCancelled, err)
			break
		}

		retries = retryIndex
		outcome, err = r.attempter.Attempt(ctx, req)
		if err == nil {
			return r.succeed(req, outcome, retries, notify), nil
		}
		lastErr = err
	}

	outcome.Success = false
	outcome.RetriesUsed = retries

	finalErr := lastErr
	if exhausted {
		r.metrics.ObserveRetryExhausted(string(Classify(lastErr)))
		finalErr = fmt.Errorf("%w after %d retries: %w", ErrRetryExhausted, retries, lastErr)
	}

	r.logger.Error().
		Err(finalErr).
		Str("endpoint", req.Endpoint).
		Int("page", req.Page).
		Int("retries", retries).
		Msg("Request failed")
	r.report(notify, progress.Event{
		Kind:       progress.KindResult,
		Endpoint:   req.Endpoint,
		Page:       req.Page,
		RetryIndex: retries,
		MaxRetries: r.config.MaxRetries,
		StatusCode: outcome.StatusCode,
		Success:    false,
		Err:        finalErr,
	})

	return outcome, finalErr
}

func (r *Retrier) succeed(req PageRequest, outcome Outcome, retries int, notify progress.Notifier) Outcome {
	outcome.Success = true
	outcome.RetriesUsed = retries

	if retries > 0 {
		r.logger.Info().
			Str("endpoint", req.Endpoint).
			Int("page", req.Page).
			Int("retries", retries).
			Msg("Request succeeded after retry")
	}
	r.report(notify, progress.Event{
		Kind:       progress.KindResult,
		Endpoint:   req.Endpoint,
		Page:       req.Page,
		RetryIndex: retries,
		MaxRetries: r.config.MaxRetries,
		StatusCode: outcome.StatusCode,
		Success:    true,
	})
	return outcome
}

func (r *Retrier) report(notify progress.Notifier, ev progress.Event) {
	if err := progress.Send(notify, ev); err != nil {
		r.logger.Debug().Err(err).Str("kind", string(ev.Kind)).Msg("Progress notifier failed")
	}
}
