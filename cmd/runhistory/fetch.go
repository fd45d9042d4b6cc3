package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/runhistory/pkg/client"
	"github.com/Sternrassler/runhistory/pkg/dataset"
	"github.com/Sternrassler/runhistory/pkg/lease"
	"github.com/Sternrassler/runhistory/pkg/logging"
	"github.com/Sternrassler/runhistory/pkg/metrics"
	"github.com/Sternrassler/runhistory/pkg/pagination"
	"github.com/Sternrassler/runhistory/pkg/progress"
	"github.com/Sternrassler/runhistory/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Exit codes of the fetch command.
const (
	exitFatal   = 1
	exitPartial = 2
)

type fetchOptions struct {
	connectionOptions

	reposFile    string
	resultsDir   string
	format       string
	save         bool
	allowPartial bool
	maxRetries   int
	baseDelay    time.Duration
	threshold    int
	margin       int
	perPage      int
	metricsAddr  string
	leaseTTL     time.Duration
	progress     bool

	// sleep replaces client.Sleep in tests.
	sleep client.SleepFunc
}

func newFetchCommand() *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch [repo-url...]",
		Short: "Download the workflow run history of the given repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd.Context(), opts, args, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	opts.connectionOptions.bind(cmd)
	retry := client.DefaultRetryConfig()
	flags := cmd.Flags()
	flags.StringVar(&opts.reposFile, "repos-file", "", "CSV file whose first column lists repository URLs")
	flags.StringVar(&opts.resultsDir, "results-dir", "results", "Directory for saved datasets")
	flags.StringVar(&opts.format, "format", string(dataset.FormatCSV), "Dataset format: csv or xlsx")
	flags.BoolVar(&opts.save, "save", false, "Save per-repository and combined datasets")
	flags.BoolVar(&opts.allowPartial, "allow-partial", false, "Save and accept incomplete histories")
	flags.IntVar(&opts.maxRetries, "max-retries", retry.MaxRetries, "Retries per page after the first attempt")
	flags.DurationVar(&opts.baseDelay, "base-delay", retry.BaseDelay, "Backoff before the first retry, doubled on every further retry")
	flags.IntVar(&opts.threshold, "threshold", ratelimit.DefaultThreshold, "Pause when fewer requests than this remain")
	flags.IntVar(&opts.margin, "margin", ratelimit.DefaultMarginSeconds, "Seconds added to the rate limit reset wait")
	flags.IntVar(&opts.perPage, "per-page", client.MaxPerPage, "Records per page (max 100)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while fetching")
	flags.DurationVar(&opts.leaseTTL, "lease-ttl", lease.DefaultTTL, "TTL of the Redis credential lease")
	flags.BoolVar(&opts.progress, "progress", false, "Print a line for every fetched page")
	return cmd
}

// repoTarget is one repository to walk.
type repoTarget struct {
	url   string
	owner string
	repo  string
}

func runFetch(ctx context.Context, opts *fetchOptions, args []string, out, errOut io.Writer) error {
	if err := opts.resolve(); err != nil {
		return err
	}
	logger := opts.logger(errOut)

	format, err := dataset.ParseFormat(opts.format)
	if err != nil {
		return err
	}

	targets, err := resolveTargets(args, opts.reposFile)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	if opts.metricsAddr != "" {
		shutdown, err := serveMetrics(opts.metricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	cfg := opts.clientConfig(logging.NewLogger("client"))
	cfg.PerPage = opts.perPage
	cfg.Metrics = collector
	gh, err := client.New(cfg)
	if err != nil {
		return fmt.Errorf("create github client: %w", err)
	}

	sleep := opts.sleep
	if sleep == nil {
		sleep = client.Sleep
	}

	rdb, err := opts.redisClient()
	if err != nil {
		return err
	}
	probeOpts := []ratelimit.ProbeOption{
		ratelimit.WithProbeLogger(logging.NewLogger("ratelimit")),
		ratelimit.WithProbeMetrics(collector),
	}
	if rdb != nil {
		defer rdb.Close()
		probeOpts = append(probeOpts, ratelimit.WithRecorder(ratelimit.NewRecorder(rdb, 0, logging.NewLogger("recorder"))))

		creds := cfg.Credentials
		held, err := lease.NewManager(rdb, logging.NewLogger("lease")).Acquire(ctx, lease.KeyFor(creds.Username, creds.Token), opts.leaseTTL)
		if err != nil {
			return &exitError{code: exitFatal, err: fmt.Errorf("acquire credential lease: %w", err)}
		}
		held.KeepAlive(ctx)

		var cancel context.CancelCauseFunc
		ctx, cancel = context.WithCancelCause(ctx)
		defer cancel(nil)
		go func() {
			select {
			case <-held.Lost():
				cancel(lease.ErrLost)
			case <-ctx.Done():
			}
		}()

		defer func() {
			if err := held.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn().Err(err).Msg("Failed to release credential lease")
			}
		}()
	}

	retrier := client.NewRetrier(gh, client.RetryConfig{MaxRetries: opts.maxRetries, BaseDelay: opts.baseDelay},
		client.WithSleep(sleep),
		client.WithLogger(logging.NewLogger("retrier")),
		client.WithMetrics(collector),
	)
	walker := pagination.NewWalker(retrier, ratelimit.NewProbe(gh.GitHub(), probeOpts...),
		pagination.Config{Threshold: opts.threshold, MarginSeconds: opts.margin},
		pagination.WithSleep(sleep),
		pagination.WithNotifier(newNotifier(opts.progress, out, logger)),
		pagination.WithLogger(logging.NewLogger("walker")),
		pagination.WithMetrics(collector),
	)

	var (
		combined        []dataset.Row
		combinedCommits []dataset.Row
		fatal    []string
		partial  []string
	)
	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}

		fmt.Fprintf(out, "Analyzing the workflow history of %s/%s\n", target.owner, target.repo)
		res, err := walker.Walk(ctx, dataset.RunsEndpoint(target.owner, target.repo))

		switch {
		case errors.Is(err, pagination.ErrFirstPage):
			fatal = append(fatal, target.url)
			fmt.Fprintf(out, "  failed: %v\n", err)
			continue
		case err != nil:
			partial = append(partial, target.url)
			fmt.Fprintf(out, "  incomplete after %d pages (%d records): %v\n", res.PagesFetched, dataset.CountRecords(res.Records), err)
			if !opts.allowPartial {
				continue
			}
		default:
			fmt.Fprintf(out, "  downloaded %d records in %d pages (%d retries)\n", dataset.CountRecords(res.Records), res.PagesFetched, res.RetriesUsed)
		}

		if dups := dataset.DuplicateIDs(res.Records); len(dups) > 0 {
			logger.Warn().Str("repo", target.url).Strs("ids", dups).Msg("Duplicate run ids in history")
		}

		rows := dataset.Project(target.owner, target.repo, target.url, res.Records)
		commits := dataset.ProjectCommits(target.owner, target.repo, target.url, res.Records)
		combined = append(combined, rows...)
		combinedCommits = append(combinedCommits, commits...)
		if opts.save {
			for _, table := range []struct {
				ds   dataset.Dataset
				rows []dataset.Row
			}{{dataset.Workflows, rows}, {dataset.Commits, commits}} {
				path, err := dataset.SaveRepo(opts.resultsDir, table.ds, target.owner, target.repo, format, table.rows)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "  saved %s\n", path)
			}
		}
	}

	if opts.save && len(combined) > 0 {
		for _, table := range []struct {
			ds   dataset.Dataset
			rows []dataset.Row
		}{{dataset.Workflows, combined}, {dataset.Commits, combinedCommits}} {
			path, err := dataset.SaveCombined(opts.resultsDir, table.ds, format, table.rows)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Saved combined dataset %s\n", path)
		}
	}

	switch {
	case ctx.Err() != nil:
		return &exitError{code: exitFatal, err: fmt.Errorf("fetch interrupted: %w", context.Cause(ctx))}
	case len(fatal) > 0:
		return &exitError{code: exitFatal, err: fmt.Errorf("could not fetch %d repositories: %v", len(fatal), fatal)}
	case len(partial) > 0 && !opts.allowPartial:
		return &exitError{code: exitPartial, err: fmt.Errorf("incomplete history for %d repositories (use --allow-partial to keep it): %v", len(partial), partial)}
	}
	return nil
}

func resolveTargets(args []string, reposFile string) ([]repoTarget, error) {
	urls := append([]string(nil), args...)
	if reposFile != "" {
		listed, err := dataset.ReadRepoList(reposFile)
		if err != nil {
			return nil, err
		}
		urls = append(urls, listed...)
	}
	if len(urls) == 0 {
		return nil, errors.New("no repositories given (pass URLs or --repos-file)")
	}

	targets := make([]repoTarget, 0, len(urls))
	for _, u := range urls {
		owner, repo, err := dataset.ParseRepoURL(u)
		if err != nil {
			return nil, err
		}
		targets = append(targets, repoTarget{url: u, owner: owner, repo: repo})
	}
	return targets, nil
}

// serveMetrics exposes reg on addr and returns a shutdown function.
func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	logger.Info().Str("addr", listener.Addr().String()).Msg("Serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}

// newNotifier logs every progress event and, when pages is set, prints a
// line per aggregated page to out.
func newNotifier(pages bool, out io.Writer, logger zerolog.Logger) progress.Notifier {
	reporter := progress.NewLogReporter(logger)
	if !pages {
		return reporter
	}
	return progress.Multi{reporter, progress.NotifierFunc(func(ev progress.Event) error {
		switch ev.Kind {
		case progress.KindFirstPage:
			_, err := fmt.Fprintf(out, "  page 1 of %s (%d records, %d pages remaining)\n", pageTotal(ev.LastPage), ev.Records, ev.PagesRemaining)
			return err
		case progress.KindPage:
			_, err := fmt.Fprintf(out, "  page %d of %s (%d records)\n", ev.Page, pageTotal(ev.LastPage), ev.Records)
			return err
		case progress.KindRateLimitWait:
			_, err := fmt.Fprintf(out, "  waiting %s for the rate limit to reset\n", ev.Delay)
			return err
		}
		return nil
	})}
}

func pageTotal(lastPage int) string {
	if lastPage == 0 {
		return "?"
	}
	return strconv.Itoa(lastPage)
}
