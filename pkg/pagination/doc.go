// Package pagination walks Link-header paginated GitHub endpoints.
//
// Pages are fetched strictly one after another. Before every page after
// the first, the walker re-reads the rate limit budget and pauses until the
// reset when the budget is low. Each page request goes through the retrier,
// so transient failures are retried with exponential backoff.
//
// Example usage:
//
//	gh, _ := client.New(client.DefaultConfig(creds, "runhistory/0.1.0"))
//	retrier := client.NewRetrier(gh, client.DefaultRetryConfig())
//	probe := ratelimit.NewProbe(gh.GitHub())
//	walker := pagination.NewWalker(retrier, probe, pagination.DefaultConfig())
//	result, err := walker.Walk(ctx, "repos/octo/hello/actions/runs")
//
// A failure on page 1 is fatal (ErrFirstPage, no records). A failure on a
// later page returns the records aggregated so far (ErrPartial).
package pagination
