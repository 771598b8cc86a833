package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tasbih-app/tasbih/internal/app/counter"
	"github.com/tasbih-app/tasbih/internal/daemon"
	"github.com/tasbih-app/tasbih/internal/domain"
)

func init() {
	rootCmd.AddCommand(tapCmd)
	rootCmd.AddCommand(countCmd)

	for _, c := range []*cobra.Command{tapCmd, countCmd} {
		c.Flags().StringP("goal", "g", "", "goal id to count toward")
		c.Flags().String("counter", "", "counter type; counts toward every linked active goal")
		c.Flags().String("item", "", "count an item without a goal")
	}
	countCmd.Flags().Duration("auto", 0, "auto-increment every interval instead of reading keys")
	countCmd.Flags().Int("for", 0, "stop auto mode after this many taps (0 = until the goal completes or Ctrl-C)")
	countCmd.Flags().Bool("resume", false, "continue the unfinished session of --goal, or the most recent one")
}

// sessionRef builds the session target from --goal, --counter or --item.
func sessionRef(cmd *cobra.Command) (domain.GoalRef, error) {
	goal, _ := cmd.Flags().GetString("goal")
	ctr, _ := cmd.Flags().GetString("counter")
	item, _ := cmd.Flags().GetString("item")

	set := 0
	for _, v := range []string{goal, ctr, item} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return domain.GoalRef{}, errors.New("exactly one of --goal, --counter or --item is required")
	}
	return domain.GoalRef{GoalID: goal, Counter: ctr, Item: item}, nil
}

// ─── tap ────────────────────────────────────────────────────────────────────

var tapCmd = &cobra.Command{
	Use:   "tap [N]",
	Short: "Record N taps (default 1)",
	Long: `Record taps toward a goal, a counter type or an item. The count is applied
locally first; if the progress service is unreachable it stays queued and
'tasbih sync' delivers it later.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTap,
}

func runTap(cmd *cobra.Command, args []string) error {
	n := int64(1)
	if len(args) == 1 {
		v, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || v <= 0 {
			return fmt.Errorf("N must be a positive number, got %q", args[0])
		}
		n = v
	}
	ref, err := sessionRef(cmd)
	if err != nil {
		return err
	}

	local, closeFn, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	sess, err := local.Engine.StartSession(ref)
	if err != nil {
		return err
	}
	opts := counter.TapOptions{BypassThrottle: true}
	if n > 1 {
		opts.EventType = domain.EventBulk
	}
	tally, err := local.Engine.Tap(cmd.Context(), n, opts)
	if err != nil {
		return err
	}
	local.Engine.EndSession()

	printTally(cmd.OutOrStdout(), local, sess, tally)
	return nil
}

// ─── count ──────────────────────────────────────────────────────────────────

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Interactive counter",
	Long: `Start a counter session. Press Enter to tap, type 'u' to undo the last tap
(within the undo window), 'r' to reset the session and 'q' to quit.

With --auto the counter taps on its own every interval until --for taps,
until every bound goal completes, or until interrupted.

An interrupted session (Ctrl-C) is kept on this device; --resume picks it up
where it stopped.`,
	Args: cobra.NoArgs,
	RunE: runCount,
}

func runCount(cmd *cobra.Command, args []string) error {
	resume, _ := cmd.Flags().GetBool("resume")
	interval, _ := cmd.Flags().GetDuration("auto")
	limit, _ := cmd.Flags().GetInt("for")

	var ref domain.GoalRef
	if !resume {
		var err error
		if ref, err = sessionRef(cmd); err != nil {
			return err
		}
	}

	local, closeFn, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	var sess domain.CounterSession
	out := cmd.OutOrStdout()
	if resume {
		goal, _ := cmd.Flags().GetString("goal")
		sess, err = local.ResumeSession(goal)
		if errors.Is(err, domain.ErrNoSession) {
			return errors.New("no unfinished session to resume")
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Resuming %s at %d\n", sess.Ref, sess.Tally)
	} else {
		if sess, err = local.Engine.StartSession(ref); err != nil {
			return err
		}
		fmt.Fprintf(out, "Counting %s, starting at %d\n", ref, sess.Tally)
	}

	if interval > 0 {
		if err := local.Engine.StartAuto(cmd.Context(), counter.AutoOptions{Interval: interval, Limit: limit}); err != nil {
			return err
		}
		if done := local.Engine.AutoDone(); done != nil {
			<-done
		}
	} else {
		if err := countInteractive(cmd, local.Engine); err != nil {
			return err
		}
	}

	final, _ := local.Engine.Session()
	if cmd.Context().Err() != nil {
		// Interrupted: keep the snapshot for --resume.
		local.Engine.StopAuto()
		fmt.Fprintf(out, "Session saved at %d; 'tasbih count --resume' continues it\n", final.Tally)
		return nil
	}
	local.Engine.EndSession()
	printTally(out, local, sess, final.Tally)
	return nil
}

// countInteractive reads one command per line until 'q' or EOF.
func countInteractive(cmd *cobra.Command, engine *counter.Engine) error {
	out := cmd.OutOrStdout()
	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			var (
				tally int64
				err   error
			)
			switch strings.TrimSpace(strings.ToLower(line)) {
			case "":
				tally, err = engine.Tap(cmd.Context(), 1, counter.TapOptions{})
			case "u", "undo":
				tally, err = engine.UndoLast(cmd.Context())
			case "r", "reset":
				tally, err = engine.Reset(cmd.Context())
			case "q", "quit":
				return nil
			default:
				fmt.Fprintln(out, "Enter = tap, u = undo, r = reset, q = quit")
				continue
			}
			switch {
			case errors.Is(err, domain.ErrThrottled):
				continue
			case err != nil:
				fmt.Fprintf(out, "  %v\n", err)
			default:
				fmt.Fprintf(out, "  %d\n", tally)
			}
		}
	}
}

// printTally shows the session total and every goal it counted toward.
func printTally(out io.Writer, local *daemon.Local, sess domain.CounterSession, tally int64) {
	fmt.Fprintf(out, "Tally: %d\n", tally)
	for _, id := range sess.GoalIDs {
		if g, ok := local.Mirror.GetGoal(id); ok {
			fmt.Fprintf(out, "  %s %s\n", progressBar(g, 20), g.Title)
		}
	}
	if n := local.Mirror.PendingCount(); n > 0 {
		fmt.Fprintf(out, "%d update(s) queued; 'tasbih sync' delivers them when the service is reachable\n", n)
	}
}
