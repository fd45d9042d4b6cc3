package progress

import (
	"github.com/rs/zerolog"
)

// LogReporter renders progress events as structured log lines.
type LogReporter struct {
	logger zerolog.Logger
}

// NewLogReporter creates a reporter writing to logger.
func NewLogReporter(logger zerolog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Notify implements Notifier.
func (r *LogReporter) Notify(ev Event) error {
	switch ev.Kind {
	case KindFirstPage:
		r.logger.Info().
			Str("endpoint", ev.Endpoint).
			Int("records", ev.Records).
			Int("last_page", ev.LastPage).
			Int("pages_remaining", ev.PagesRemaining).
			Msg("Downloaded first page")

	case KindPage:
		event := r.logger.Info().
			Str("endpoint", ev.Endpoint).
			Int("page", ev.Page).
			Int("records", ev.Records)
		if ev.LastPage > 0 {
			event = event.Float64("progress_pct", float64(ev.Page)/float64(ev.LastPage)*100)
		}
		event.Msg("Downloaded page")

	case KindRetry:
		r.logger.Warn().
			Err(ev.Err).
			Str("endpoint", ev.Endpoint).
			Int("page", ev.Page).
			Int("status_code", ev.StatusCode).
			Int("retry", ev.RetryIndex).
			Int("max_retries", ev.MaxRetries).
			Dur("backoff", ev.Delay).
			Msg("Retrying request after backoff")

	case KindResult:
		if ev.Success {
			r.logger.Debug().
				Str("endpoint", ev.Endpoint).
				Int("page", ev.Page).
				Int("retries", ev.RetryIndex).
				Msg("Request succeeded")
			return nil
		}
		r.logger.Error().
			Err(ev.Err).
			Str("endpoint", ev.Endpoint).
			Int("page", ev.Page).
			Int("status_code", ev.StatusCode).
			Int("retries", ev.RetryIndex).
			Msg("Request failed")

	case KindRateLimitWait:
		r.logger.Warn().
			Str("endpoint", ev.Endpoint).
			Int("next_page", ev.Page).
			Dur("wait", ev.Delay).
			Msg("Rate limit budget low, waiting for reset")
	}
	return nil
}
