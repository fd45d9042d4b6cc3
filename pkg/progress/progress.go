// Package progress defines the callback contract through which the retry
// loop and the page walker report advancement. Reporters are collaborators:
// a failing or panicking reporter never changes the outcome of a fetch.
package progress

import (
	"fmt"
	"time"
)

// Kind identifies what an Event reports.
type Kind string

const (
	// KindFirstPage is sent once page 1 has been aggregated.
	KindFirstPage Kind = "first_page"

	// KindPage is sent for every later page that has been aggregated.
	KindPage Kind = "page"

	// KindRetry is sent before each backoff sleep.
	KindRetry Kind = "retry"

	// KindResult is sent once per logical request with its final outcome.
	KindResult Kind = "result"

	// KindRateLimitWait is sent before a proactive rate limit sleep.
	KindRateLimitWait Kind = "rate_limit_wait"
)

// Event is a single progress notification. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind     Kind
	Endpoint string
	Page     int

	// LastPage is the page number of the "last" relation, 0 when unknown.
	LastPage int

	// PagesRemaining is LastPage-1 on the first page event (0 when LastPage
	// is unknown). It sizes the "remaining pages" progress total.
	PagesRemaining int

	Records    int
	RetryIndex int
	MaxRetries int
	Delay      time.Duration
	StatusCode int
	Success    bool
	Err        error
}

// Notifier receives progress events.
type Notifier interface {
	Notify(Event) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Event) error

// Notify calls f(ev).
func (f NotifierFunc) Notify(ev Event) error {
	return f(ev)
}

// Send delivers ev to n. A nil notifier is a no-op. Panics raised by the
// notifier are converted to errors; the returned error is informational.
func Send(n Notifier, ev Event) (err error) {
	if n == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic on %s event: %v", ev.Kind, r)
		}
	}()
	return n.Notify(ev)
}

// Multi fans an event out to several notifiers. Every notifier is called
// even if an earlier one fails; the first error is returned.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ev Event) error {
	var first error
	for _, n := range m {
		if err := Send(n, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
