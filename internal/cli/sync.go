package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasbih-app/tasbih/internal/app/reconciler"
	"github.com/tasbih-app/tasbih/internal/infra/observability"
)

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolP("watch", "w", false, "keep running: drain periodically and as soon as the service is reachable again")
	syncCmd.Flags().Duration("probe", 0, "connectivity probe interval in watch mode (default 5s)")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver queued taps to the progress service",
	Long: `Drain the pending queue in creation order, then refresh goals, streaks and
badges from the service. With --watch the command keeps running until
interrupted.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	watch, _ := cmd.Flags().GetBool("watch")
	probe, _ := cmd.Flags().GetDuration("probe")

	local, closeFn, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	out := cmd.OutOrStdout()
	if watch {
		fmt.Fprintln(out, "Watching for changes (Ctrl-C to stop)...")
		werr := local.Watch(cmd.Context(), probe)
		st, err := local.RecordSync()
		printStats(out, st)
		if werr != nil {
			return werr
		}
		return err
	}

	report, err := local.Reconciler.DrainQueue(cmd.Context())
	if _, rerr := local.RecordSync(); rerr != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", rerr)
	}
	if report.Attempted > 0 || report.Remaining > 0 {
		fmt.Fprintf(out, "Synced %d, duplicate %d, rejected %d, deferred %d, still queued %d%s\n",
			report.Synced, report.Duplicate, report.Rejected, report.Deferred, report.Remaining,
			lastDrainTime(local.Tracer))
	}
	if err != nil {
		return fmt.Errorf("sync deferred: %w", err)
	}
	if report.Remaining > 0 {
		return nil
	}
	if err := local.Reconciler.Refresh(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(out, "✅ Up to date.")
	return nil
}

// printStats summarizes every drain of a watch run.
func printStats(out io.Writer, st reconciler.Stats) {
	fmt.Fprintf(out, "%d drain(s): synced %d, rejected %d, deferred %d\n",
		st.Drains, st.Synced, st.Rejected, st.Deferred)
	if st.LastError != "" {
		fmt.Fprintf(out, "last drain deferred: %s\n", st.LastError)
	}
}

// lastDrainTime formats the duration of the most recent drain span.
func lastDrainTime(t *observability.Tracer) string {
	spans := t.Spans(1)
	if len(spans) == 0 || spans[0].Operation != "sync.drain" {
		return ""
	}
	return fmt.Sprintf(" in %s", spans[0].Duration.Round(time.Millisecond))
}
