// Package ratelimit reads the GitHub core rate limit budget and decides how
// long a paginated walk has to pause before its next page.
// The budget is re-read from the API before every decision; nothing here
// caches it between calls.
package ratelimit

import (
	"math"
	"time"
)

// Redis keys for the rate limit snapshot.
const (
	RedisKeyRemaining      = "runhistory:rate_limit:remaining"
	RedisKeyLimit          = "runhistory:rate_limit:limit"
	RedisKeyResetTimestamp = "runhistory:rate_limit:reset_timestamp"
	RedisKeyLastUpdate     = "runhistory:rate_limit:last_update"
)

// Defaults for wait decisions.
const (
	// DefaultThreshold pauses the walk once fewer requests than this remain.
	DefaultThreshold = 10

	// DefaultMarginSeconds is added to the time until reset.
	DefaultMarginSeconds = 5
)

// Status is the core rate limit budget reported by GET /rate_limit.
type Status struct {
	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// Limit is the size of the window.
	Limit int `json:"limit"`

	// ResetAt is when the window replenishes.
	ResetAt time.Time `json:"reset_at"`

	// ObservedAt is when the status was read.
	ObservedAt time.Time `json:"observed_at"`
}

// IsLow reports whether the remaining budget is below threshold.
func (s Status) IsLow(threshold int) bool {
	return s.Remaining < threshold
}

// TimeUntilReset returns the duration from now until the reset.
// Returns 0 if the reset time has already passed.
func (s Status) TimeUntilReset(now time.Time) time.Duration {
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ComputeWaitSeconds returns how many seconds to pause before the next
// request: 0 while Remaining >= threshold, otherwise the whole seconds
// until ResetAt (rounded up, never negative) plus marginSeconds.
func ComputeWaitSeconds(s Status, threshold, marginSeconds int, now time.Time) int {
	if !s.IsLow(threshold) {
		return 0
	}
	untilReset := int(math.Ceil(s.TimeUntilReset(now).Seconds()))
	return max(0, untilReset+marginSeconds)
}
