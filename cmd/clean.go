package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/pipeline"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Drains pending jobs and prunes finished ones from both queues",
		Long: `Removes waiting and delayed jobs and prunes completed and failed jobs from
the scrape and save queues. Active jobs are left to finish. Run it while the
service is stopped or idle; drained pages are not scraped.`,
		RunE: runClean,
	}
}

func runClean(cmd *cobra.Command, _ []string) error {
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

	for _, q := range obs.Queues() {
		report, err := obs.Clean(ctx, q)
		if err != nil {
			return err
		}
		writeCleanReport(out, report)
		appInstance.Logger().Info("queue cleaned",
			zap.String("queue", q),
			zap.Int64("drained", report.Result.Drained),
			zap.Int64("completed_removed", report.Result.Completed),
			zap.Int64("failed_removed", report.Result.Failed),
		)
	}
	fmt.Fprintln(out, "all queues cleaned")
	return nil
}

func writeCleanReport(w io.Writer, r pipeline.CleanReport) {
	fmt.Fprintf(w, "\n%s\n", r.Queue)
	fmt.Fprintf(w, "   before: waiting=%d active=%d completed=%d failed=%d delayed=%d\n",
		r.Before.Waiting, r.Before.Active, r.Before.Completed, r.Before.Failed, r.Before.Delayed)
	fmt.Fprintf(w, "   removed: drained=%d completed=%d failed=%d\n",
		r.Result.Drained, r.Result.Completed, r.Result.Failed)
	fmt.Fprintf(w, "   after:  waiting=%d active=%d completed=%d failed=%d delayed=%d\n",
		r.After.Waiting, r.After.Active, r.After.Completed, r.After.Failed, r.After.Delayed)
}
