package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Sternrassler/runhistory/pkg/client"
	"github.com/Sternrassler/runhistory/pkg/ratelimit"
	"github.com/spf13/cobra"
)

type statusOptions struct {
	connectionOptions

	threshold int
	margin    int

	now func() time.Time
}

func newStatusCommand() *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the remaining GitHub API budget for the configured credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	opts.connectionOptions.bind(cmd)
	cmd.Flags().IntVar(&opts.threshold, "threshold", ratelimit.DefaultThreshold, "Pause threshold used for the wait estimate")
	cmd.Flags().IntVar(&opts.margin, "margin", ratelimit.DefaultMarginSeconds, "Seconds added to the reset wait")
	return cmd
}

func runStatus(ctx context.Context, opts *statusOptions, out, errOut io.Writer) error {
	if err := opts.resolve(); err != nil {
		return err
	}
	logger := opts.logger(errOut)

	gh, err := client.New(opts.clientConfig(logger))
	if err != nil {
		return fmt.Errorf("create github client: %w", err)
	}

	rdb, err := opts.redisClient()
	if err != nil {
		return err
	}
	probeOpts := []ratelimit.ProbeOption{ratelimit.WithProbeLogger(logger)}
	var previous *ratelimit.Status
	if rdb != nil {
		defer rdb.Close()
		recorder := ratelimit.NewRecorder(rdb, 0, logger)
		probeOpts = append(probeOpts, ratelimit.WithRecorder(recorder))

		snapshot, err := recorder.Snapshot(ctx)
		switch {
		case err == nil:
			previous = &snapshot
		case !errors.Is(err, ratelimit.ErrNoSnapshot):
			logger.Warn().Err(err).Msg("Failed to read rate limit snapshot")
		}
	}

	status, err := ratelimit.NewProbe(gh.GitHub(), probeOpts...).Fetch(ctx)
	if err != nil {
		if previous != nil {
			printSnapshot(out, "Last recorded", *previous)
		}
		return fmt.Errorf("fetch rate limit status: %w", err)
	}

	now := time.Now
	if opts.now != nil {
		now = opts.now
	}
	current := now()
	wait := ratelimit.ComputeWaitSeconds(status, opts.threshold, opts.margin, current)

	fmt.Fprintf(out, "Remaining: %d/%d\n", status.Remaining, status.Limit)
	fmt.Fprintf(out, "Resets at: %s (in %s)\n",
		status.ResetAt.UTC().Format(time.RFC3339),
		status.TimeUntilReset(current).Round(time.Second))
	if wait > 0 {
		fmt.Fprintf(out, "Next page would wait %ds\n", wait)
	} else {
		fmt.Fprintln(out, "Next page would not wait")
	}
	if previous != nil {
		printSnapshot(out, "Previously recorded", *previous)
	}
	return nil
}

func printSnapshot(out io.Writer, label string, s ratelimit.Status) {
	fmt.Fprintf(out, "%s: %d/%d at %s, resets at %s\n", label, s.Remaining, s.Limit,
		s.ObservedAt.UTC().Format(time.RFC3339), s.ResetAt.UTC().Format(time.RFC3339))
}
