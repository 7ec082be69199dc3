package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/media-scraper/internal/broker"
	"github.com/JakeFAU/media-scraper/internal/pipeline"
)

const (
	maxDataChars   = 100
	maxReasonChars = 150
	rule           = "======================================================="
)

type monitorOptions struct {
	watch       bool
	interval    time.Duration
	failedLimit int
	noFailed    bool
}

func newMonitorCmd() *cobra.Command {
	opts := monitorOptions{}
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Prints queue stats and recent failed jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMonitor(cmd, opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "refresh until interrupted")
	cmd.Flags().DurationVar(&opts.interval, "interval", 5*time.Second, "refresh interval with --watch")
	cmd.Flags().IntVar(&opts.failedLimit, "failed-limit", 5, "failed jobs to show per queue")
	cmd.Flags().BoolVar(&opts.noFailed, "no-failed", false, "skip the failed job listing")
	return cmd
}

func runMonitor(cmd *cobra.Command, opts monitorOptions) error {
	ctx := cmd.Context()
	appInstance, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	if err := appInstance.Connect(ctx); err != nil {
		return err
	}
	obs := appInstance.Observer()
	out := cmd.OutOrStdout()

	if err := writeReport(ctx, out, obs, opts, time.Now()); err != nil {
		return err
	}
	if !opts.watch {
		return nil
	}
	if opts.interval <= 0 {
		return fmt.Errorf("--interval must be positive, got %s", opts.interval)
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "monitoring stopped")
			return nil
		case now := <-ticker.C:
			if err := writeReport(ctx, out, obs, opts, now); err != nil {
				return err
			}
		}
	}
}

// writeReport prints one snapshot of every queue.
func writeReport(ctx context.Context, w io.Writer, obs *pipeline.Observer, opts monitorOptions, now time.Time) error {
	stats, err := obs.AllStats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "Queue Monitor")
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, now.Format(time.RFC3339))
	for _, s := range stats {
		writeStats(w, s)
	}

	if !opts.noFailed {
		for _, q := range obs.Queues() {
			jobs, err := obs.ListFailed(ctx, q, opts.failedLimit)
			if err != nil {
				return err
			}
			writeFailed(w, q, jobs)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, rule)
	if opts.watch {
		fmt.Fprintf(w, "refreshing every %s (Ctrl+C to stop)\n", opts.interval)
	}
	return nil
}

func writeStats(w io.Writer, s broker.Stats) {
	fmt.Fprintf(w, "\n%s queue stats:\n", s.Queue)
	fmt.Fprintf(w, "   waiting:   %d\n", s.Waiting)
	fmt.Fprintf(w, "   active:    %d\n", s.Active)
	fmt.Fprintf(w, "   completed: %d\n", s.Completed)
	fmt.Fprintf(w, "   failed:    %d\n", s.Failed)
	fmt.Fprintf(w, "   delayed:   %d\n", s.Delayed)
	fmt.Fprintf(w, "   total:     %d\n", s.Total)
}

func writeFailed(w io.Writer, queue string, jobs []broker.FailedJob) {
	if len(jobs) == 0 {
		fmt.Fprintf(w, "\nno failed jobs in %s\n", queue)
		return
	}
	fmt.Fprintf(w, "\nfailed jobs in %s (showing %d):\n", queue, len(jobs))
	for i, job := range jobs {
		fmt.Fprintf(w, "\n   [%d] job id: %s\n", i+1, job.ID)
		fmt.Fprintf(w, "       data: %s\n", truncate(string(job.Data), maxDataChars))
		fmt.Fprintf(w, "       attempts: %d/%d\n", job.AttemptsMade, job.MaxAttempts)
		if job.FailedReason != "" {
			fmt.Fprintf(w, "       reason: %s\n", truncate(job.FailedReason, maxReasonChars))
		}
		fmt.Fprintf(w, "       timestamp: %s\n", job.Timestamp.Format(time.RFC3339))
	}
}

// truncate cuts s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
