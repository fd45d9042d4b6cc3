package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during a request or backoff.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors and other non-2xx statuses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents primary or secondary rate limit rejections.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassMalformed represents a response body without the expected shape.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassCancelled represents a request abandoned because its context ended.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// TransientAPIError is a non-2xx status or network failure. It is retried
// within the retrier's bounded ceiling.
type TransientAPIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *TransientAPIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("github %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("github %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransientAPIError) Unwrap() error {
	return e.Err
}

// MalformedResponseError reports a 2xx body that lacks an expected field.
// It is never retried.
type MalformedResponseError struct {
	Field string
	Err   error
}

// Error implements the error interface.
func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed response: field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("malformed response: field %q missing (rate limited or nonexistent repository?)", e.Field)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// RateLimitExceededError reports a request rejected by the primary or
// secondary rate limit. It is retried like a TransientAPIError, after an
// extra wait until the budget resets.
type RateLimitExceededError struct {
	StatusCode int
	Message    string

	// ResetAt is when the primary budget replenishes (zero if unknown).
	ResetAt time.Time

	// RetryAfter is the server-provided delay for secondary limits (zero if unknown).
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitExceededError) Error() string {
	switch {
	case e.RetryAfter > 0:
		return fmt.Sprintf("github rate limit exceeded (status %d): %s, retry after %v",
			e.StatusCode, e.Message, e.RetryAfter)
	case !e.ResetAt.IsZero():
		return fmt.Sprintf("github rate limit exceeded (status %d): %s, resets at %s",
			e.StatusCode, e.Message, e.ResetAt.UTC().Format(time.RFC3339))
	default:
		return fmt.Sprintf("github rate limit exceeded (status %d): %s", e.StatusCode, e.Message)
	}
}

// Wait returns the extra delay to honour before the next attempt.
func (e *RateLimitExceededError) Wait(now time.Time) time.Duration {
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.ResetAt.IsZero() {
		return 0
	}
	if d := e.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Classify returns the ErrorClass of err, or "" when err is not a request failure.
func Classify(err error) ErrorClass {
	var (
		rateErr      *RateLimitExceededError
		malformedErr *MalformedResponseError
		apiErr       *TransientAPIError
	)

	switch {
	case err == nil:
		return ""
	case isCancellation(err):
		return ErrorClassCancelled
	case errors.As(err, &rateErr):
		return ErrorClassRateLimit
	case errors.As(err, &apiErr):
		return apiErr.ErrorClass
	case errors.As(err, &malformedErr):
		return ErrorClassMalformed
	default:
		return ""
	}
}

// Retryable reports whether err should be retried by the retrier.
// Transient and rate limit failures are retried; malformed bodies,
// cancellations and unclassified errors are not.
func Retryable(err error) bool {
	var (
		rateErr *RateLimitExceededError
		apiErr  *TransientAPIError
	)

	switch {
	case err == nil:
		return false
	case isCancellation(err):
		return false
	case errors.As(err, &rateErr):
		return true
	case errors.As(err, &apiErr):
		return apiErr.ErrorClass != ErrorClassMalformed
	default:
		return false
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, ErrContextCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// classifyStatus maps an HTTP status code to an error class.
func classifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode == 0:
		return ErrorClassNetwork
	case statusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorClassClient
	case statusCode >= 200 && statusCode < 300:
		return ErrorClassMalformed
	default:
		return ErrorClassServer
	}
}
