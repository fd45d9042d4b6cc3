package ratelimit

import (
	"testing"
	"time"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestComputeWaitSeconds(t *testing.T) {
	tests := []struct {
		name      string
		status    Status
		threshold int
		margin    int
		expected  int
	}{
		{
			name:      "below threshold waits for reset plus margin",
			status:    Status{Remaining: 5, Limit: 5000, ResetAt: testNow.Add(30 * time.Second)},
			threshold: 10,
			margin:    5,
			expected:  35,
		},
		{
			name:      "at threshold does not wait",
			status:    Status{Remaining: 10, ResetAt: testNow.Add(30 * time.Second)},
			threshold: 10,
			margin:    5,
			expected:  0,
		},
		{
			name:      "healthy budget does not wait",
			status:    Status{Remaining: 4999, ResetAt: testNow.Add(time.Hour)},
			threshold: 10,
			margin:    5,
			expected:  0,
		},
		{
			name:      "reset already passed waits only the margin",
			status:    Status{Remaining: 0, ResetAt: testNow.Add(-time.Minute)},
			threshold: 10,
			margin:    5,
			expected:  5,
		},
		{
			name:      "fractional seconds round up",
			status:    Status{Remaining: 1, ResetAt: testNow.Add(2500 * time.Millisecond)},
			threshold: 10,
			margin:    0,
			expected:  3,
		},
		{
			name:      "exhausted budget",
			status:    Status{Remaining: 0, ResetAt: testNow.Add(59 * time.Minute)},
			threshold: 10,
			margin:    5,
			expected:  59*60 + 5,
		},
		{
			name:      "zero threshold never waits",
			status:    Status{Remaining: 0, ResetAt: testNow.Add(time.Minute)},
			threshold: 0,
			margin:    5,
			expected:  0,
		},
		{
			name:      "negative margin is clamped",
			status:    Status{Remaining: 0, ResetAt: testNow.Add(-time.Minute)},
			threshold: 10,
			margin:    -5,
			expected:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeWaitSeconds(tt.status, tt.threshold, tt.margin, testNow)
			if got != tt.expected {
				t.Errorf("ComputeWaitSeconds() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestComputeWaitSeconds_CoversTimeUntilReset(t *testing.T) {
	for remaining := 0; remaining < 20; remaining++ {
		for _, offset := range []time.Duration{-time.Second, 0, 900 * time.Millisecond, 30 * time.Second, time.Hour} {
			status := Status{Remaining: remaining, ResetAt: testNow.Add(offset)}
			wait := time.Duration(ComputeWaitSeconds(status, 10, 5, testNow)) * time.Second

			if remaining < 10 {
				if wait < status.TimeUntilReset(testNow) {
					t.Errorf("remaining=%d offset=%v: wait %v shorter than time until reset", remaining, offset, wait)
				}
			} else if wait != 0 {
				t.Errorf("remaining=%d offset=%v: wait %v, want 0", remaining, offset, wait)
			}
		}
	}
}

func TestStatus_IsLow(t *testing.T) {
	tests := []struct {
		remaining int
		threshold int
		expected  bool
	}{
		{0, 10, true},
		{9, 10, true},
		{10, 10, false},
		{11, 10, false},
	}

	for _, tt := range tests {
		if got := (Status{Remaining: tt.remaining}).IsLow(tt.threshold); got != tt.expected {
			t.Errorf("IsLow(remaining=%d, threshold=%d) = %v, want %v", tt.remaining, tt.threshold, got, tt.expected)
		}
	}
}

func TestStatus_TimeUntilReset(t *testing.T) {
	tests := []struct {
		name     string
		resetAt  time.Time
		expected time.Duration
	}{
		{"future reset", testNow.Add(30 * time.Second), 30 * time.Second},
		{"past reset", testNow.Add(-30 * time.Second), 0},
		{"reset now", testNow, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Status{ResetAt: tt.resetAt}).TimeUntilReset(testNow); got != tt.expected {
				t.Errorf("TimeUntilReset() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	if DefaultThreshold != 10 {
		t.Errorf("DefaultThreshold = %d, want 10", DefaultThreshold)
	}
	if DefaultMarginSeconds != 5 {
		t.Errorf("DefaultMarginSeconds = %d, want 5", DefaultMarginSeconds)
	}
}
