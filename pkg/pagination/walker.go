package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/runhistory/pkg/client"
	"github.com/Sternrassler/runhistory/pkg/metrics"
	"github.com/Sternrassler/runhistory/pkg/progress"
	"github.com/Sternrassler/runhistory/pkg/ratelimit"
	"github.com/rs/zerolog"
)

var (
	// ErrFirstPage marks a fatal walk: page 1 could not be fetched and no
	// records are returned.
	ErrFirstPage = errors.New("first page failed")

	// ErrPartial marks a walk that failed after page 1; the records
	// aggregated so far are returned.
	ErrPartial = errors.New("walk incomplete")
)

// State is the walker's position in the pagination state machine.
type State string

const (
	// StateStart is the state before page 1 is requested.
	StateStart State = "start"

	// StateFetchedFirstPage is entered once page 1 has been aggregated.
	StateFetchedFirstPage State = "fetched_first_page"

	// StateFetchingNext covers the budget check and request of every later page.
	StateFetchingNext State = "fetching_next"

	// StateDone means the last page had no "next" relation; the walk is complete.
	StateDone State = "done"

	// StateFailed means a page could not be fetched; see ErrFirstPage and ErrPartial.
	StateFailed State = "failed"
)

// Cursor tracks how far a walk has advanced.
type Cursor struct {
	Endpoint string

	// Page is the last page successfully aggregated (0 before page 1).
	Page int

	// LastPage is the "last" relation seen on page 1, 0 when absent.
	LastPage int

	// Aggregated is the number of records collected so far.
	Aggregated int
}

// Result is the outcome of a walk.
type Result struct {
	State        State
	Records      []Record
	Cursor       Cursor
	PagesFetched int
	RetriesUsed  int
}

// OK reports whether every page was fetched.
func (r Result) OK() bool {
	return r.State == StateDone
}

// Requester performs one logical page request with retries.
type Requester interface {
	RequestWithRetry(ctx context.Context, req client.PageRequest, notify progress.Notifier) (client.Outcome, error)
}

// Config holds the walker configuration.
type Config struct {
	// Threshold pauses the walk when fewer requests remain.
	Threshold int

	// MarginSeconds is added to the time until the budget resets.
	MarginSeconds int
}

// DefaultConfig returns the default walker configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:     ratelimit.DefaultThreshold,
		MarginSeconds: ratelimit.DefaultMarginSeconds,
	}
}

// Walker fetches every page of an endpoint in strict order.
type Walker struct {
	requester Requester
	probe     ratelimit.StatusFetcher
	config    Config
	sleep     client.SleepFunc
	now       func() time.Time
	notifier  progress.Notifier
	logger    zerolog.Logger
	metrics   *metrics.Collector
}

// Option customises a Walker.
type Option func(*Walker)

// WithSleep replaces the blocking sleep used for rate limit waits.
func WithSleep(sleep client.SleepFunc) Option {
	return func(w *Walker) { w.sleep = sleep }
}

// WithClock replaces time.Now for wait computations.
func WithClock(now func() time.Time) Option {
	return func(w *Walker) { w.now = now }
}

// WithNotifier sets the progress notifier; it is also passed to every
// page request.
func WithNotifier(n progress.Notifier) Option {
	return func(w *Walker) { w.notifier = n }
}

// WithLogger sets the walker logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Walker) { w.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(w *Walker) { w.metrics = m }
}

// NewWalker creates a walker. probe is consulted before every page after
// the first.
func NewWalker(requester Requester, probe ratelimit.StatusFetcher, config Config, opts ...Option) *Walker {
	if requester == nil {
		panic("requester cannot be nil")
	}
	if probe == nil {
		panic("rate limit probe cannot be nil")
	}
	if config.MarginSeconds < 0 {
		config.MarginSeconds = 0
	}

	w := &Walker{
		requester: requester,
		probe:     probe,
		config:    config,
		sleep:     client.Sleep,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Walk fetches endpoint page by page until the "next" relation disappears.
//
// A failure on page 1 is fatal: the result holds no records and the error
// wraps ErrFirstPage. A failure on any later page (including a failed rate
// limit probe or a cancelled context) returns the records aggregated so far
// with an error wrapping ErrPartial. On success the state is StateDone and
// the error is nil.
func (w *Walker) Walk(ctx context.Context, endpoint string) (Result, error) {
	start := time.Now()
	res := Result{
		State:  StateStart,
		Cursor: Cursor{Endpoint: endpoint},
	}

	w.logger.Info().Str("endpoint", endpoint).Msg("Starting walk")

	outcome, records, err := w.fetchPage(ctx, endpoint, 1)
	res.RetriesUsed += outcome.RetriesUsed
	if err != nil {
		res.State = StateFailed
		w.metrics.ObserveWalk(metrics.OutcomeFatal)
		w.logger.Error().Err(err).Str("endpoint", endpoint).Msg("First page failed")
		return res, fmt.Errorf("%w: %s: %w", ErrFirstPage, endpoint, err)
	}

	res.State = StateFetchedFirstPage
	w.aggregate(&res, 1, records)
	res.Cursor.LastPage = outcome.LastPage

	w.report(progress.Event{
		Kind:           progress.KindFirstPage,
		Endpoint:       endpoint,
		Page:           1,
		LastPage:       outcome.LastPage,
		PagesRemaining: max(outcome.LastPage-1, 0),
		Records:        len(records),
	})

	for outcome.HasNext() {
		res.State = StateFetchingNext
		page := res.Cursor.Page + 1

		if err := w.waitForBudget(ctx, endpoint, page); err != nil {
			return w.partial(res, page, err)
		}

		outcome, records, err = w.fetchPage(ctx, endpoint, page)
		res.RetriesUsed += outcome.RetriesUsed
		if err != nil {
			return w.partial(res, page, err)
		}

		w.aggregate(&res, page, records)
		w.report(progress.Event{
			Kind:     progress.KindPage,
			Endpoint: endpoint,
			Page:     page,
			LastPage: res.Cursor.LastPage,
			Records:  len(records),
		})
	}

	res.State = StateDone
	w.metrics.ObserveWalk(metrics.OutcomeDone)
	w.logger.Info().
		Str("endpoint", endpoint).
		Int("pages", res.PagesFetched).
		Int("records", len(res.Records)).
		Int("retries", res.RetriesUsed).
		Dur("duration", time.Since(start)).
		Msg("Walk complete")

	return res, nil
}

// fetchPage requests one page and decodes its records. A body that does
// not decode is reported as a failed result for the page, superseding the
// successful result the requester sent.
func (w *Walker) fetchPage(ctx context.Context, endpoint string, page int) (client.Outcome, []Record, error) {
	outcome, err := w.requester.RequestWithRetry(ctx, client.PageRequest{Endpoint: endpoint, Page: page}, w.notifier)
	if err != nil {
		return outcome, nil, err
	}

	records, err := DecodeRecords(outcome.Body)
	if err != nil {
		outcome.Success = false
		w.report(progress.Event{
			Kind:       progress.KindResult,
			Endpoint:   endpoint,
			Page:       page,
			RetryIndex: outcome.RetriesUsed,
			StatusCode: outcome.StatusCode,
			Success:    false,
			Err:        err,
		})
		return outcome, nil, err
	}
	return outcome, records, nil
}

func (w *Walker) aggregate(res *Result, page int, records []Record) {
	res.Records = append(res.Records, records...)
	res.PagesFetched++
	res.Cursor.Page = page
	res.Cursor.Aggregated = len(res.Records)
	w.metrics.ObservePage(len(records))
}

// waitForBudget re-reads the rate limit status and sleeps when it is low.
func (w *Walker) waitForBudget(ctx context.Context, endpoint string, nextPage int) error {
	status, err := w.probe.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("rate limit probe: %w", err)
	}

	waitSeconds := ratelimit.ComputeWaitSeconds(status, w.config.Threshold, w.config.MarginSeconds, w.now())
	if waitSeconds == 0 {
		return nil
	}

	wait := time.Duration(waitSeconds) * time.Second
	w.metrics.ObserveRateLimitWait(wait)
	w.logger.Warn().
		Str("endpoint", endpoint).
		Int("remaining", status.Remaining).
		Int("threshold", w.config.Threshold).
		Dur("wait", wait).
		Msg("Rate limit budget low, pausing walk")
	w.report(progress.Event{
		Kind:     progress.KindRateLimitWait,
		Endpoint: endpoint,
		Page:     nextPage,
		Delay:    wait,
	})

	if err := w.sleep(ctx, wait); err != nil {
		return fmt.Errorf("%w during rate limit wait: %v", client.ErrContextCancelled, err)
	}
	return nil
}

func (w *Walker) partial(res Result, page int, err error) (Result, error) {
	res.State = StateFailed
	w.metrics.ObserveWalk(metrics.OutcomePartial)
	w.logger.Warn().
		Err(err).
		Str("endpoint", res.Cursor.Endpoint).
		Int("page", page).
		Int("records", len(res.Records)).
		Msg("Walk stopped early, returning partial records")
	return res, fmt.Errorf("%w: %s page %d: %w", ErrPartial, res.Cursor.Endpoint, page, err)
}

func (w *Walker) report(ev progress.Event) {
	if err := progress.Send(w.notifier, ev); err != nil {
		w.logger.Debug().Err(err).Str("kind", string(ev.Kind)).Msg("Progress notifier failed")
	}
}
