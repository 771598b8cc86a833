package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasbih-app/tasbih/internal/domain"
)

func init() {
	rootCmd.AddCommand(goalCmd)
	goalCmd.AddCommand(goalListCmd)
	goalCmd.AddCommand(goalCreateCmd)
	goalCmd.AddCommand(goalPauseCmd)
	goalCmd.AddCommand(goalResumeCmd)
	goalCmd.AddCommand(goalRemoveCmd)

	goalListCmd.Flags().StringP("status", "s", "", "comma-separated statuses (active,paused,completed)")

	goalCreateCmd.Flags().Int64P("target", "t", 0, "target count (required)")
	goalCreateCmd.Flags().StringP("category", "c", string(domain.CategoryZikr), "category: "+categoryList())
	goalCreateCmd.Flags().String("counter", "", "link to a counter type, e.g. tasbih or istighfar")
	goalCreateCmd.Flags().String("until", "", `end date, e.g. "2026-12-31" or "in 30 days"`)
	goalCreateCmd.MarkFlagRequired("target")
}

var goalCmd = &cobra.Command{
	Use:   "goal",
	Short: "Manage goals",
	Long: `Manage goals. Listing reads the local mirror and works offline; creating,
pausing, resuming and removing need the progress service.`,
}

// ─── goal list ──────────────────────────────────────────────────────────────

var goalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List goals",
	Args:  cobra.NoArgs,
	RunE:  runGoalList,
}

func runGoalList(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetString("status")
	statuses, err := parseStatuses(raw)
	if err != nil {
		return err
	}

	local, closeFn, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	goals := local.Goals(statuses...)
	if len(goals) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No goals.")
		fmt.Fprintln(cmd.OutOrStdout(), `Use 'tasbih goal create TITLE --target N' to add one.`)
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), renderGoals(goals))
	return nil
}

// ─── goal create ────────────────────────────────────────────────────────────

var goalCreateCmd = &cobra.Command{
	Use:   "create TITLE",
	Short: "Create a goal",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGoalCreate,
}

func runGoalCreate(cmd *cobra.Command, args []string) error {
	target, _ := cmd.Flags().GetInt64("target")
	rawCategory, _ := cmd.Flags().GetString("category")
	linked, _ := cmd.Flags().GetString("counter")
	until, _ := cmd.Flags().GetString("until")

	category, err := domain.ParseCategory(rawCategory)
	if err != nil {
		return err
	}
	g := domain.Goal{
		Title:         strings.Join(args, " "),
		Category:      category,
		TargetValue:   target,
		LinkedCounter: linked,
	}
	if until != "" {
		end, err := parseUntil(until, time.Now())
		if err != nil {
			return err
		}
		g.EndDate = &end
	}

	local, closeFn, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	created, err := local.CreateGoal(cmd.Context(), g)
	if err != nil {
		return goalError(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Goal %q created (%s)\n", created.Title, created.ID)
	return nil
}

// ─── goal pause / resume / rm ───────────────────────────────────────────────

var goalPauseCmd = &cobra.Command{
	Use:   "pause GOAL_ID",
	Short: "Pause a goal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setGoalStatus(cmd, args[0], domain.GoalPaused)
	},
}

var goalResumeCmd = &cobra.Command{
	Use:   "resume GOAL_ID",
	Short: "Resume a paused goal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setGoalStatus(cmd, args[0], domain.GoalActive)
	},
}

func setGoalStatus(cmd *cobra.Command, id string, status domain.GoalStatus) error {
	local, closeFn, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	g, err := local.SetGoalStatus(cmd.Context(), id, status)
	if err != nil {
		return goalError(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Goal %q is now %s\n", g.Title, g.Status)
	return nil
}

var goalRemoveCmd = &cobra.Command{
	Use:     "rm GOAL_ID",
	Aliases: []string{"remove"},
	Short:   "Delete a goal and its progress",
	Args:    cobra.ExactArgs(1),
	RunE:    runGoalRemove,
}

func runGoalRemove(cmd *cobra.Command, args []string) error {
	local, closeFn, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := local.RemoveGoal(cmd.Context(), args[0]); err != nil {
		return goalError(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Goal %s removed.\n", args[0])
	return nil
}

// goalError adds a hint for failures a user can act on.
func goalError(err error) error {
	switch {
	case domain.IsTransient(err):
		return fmt.Errorf("%w\nGoal changes need the progress service; try again when it is reachable", err)
	case errors.Is(err, domain.ErrGoalLimit):
		return fmt.Errorf("%w\nPause or complete a goal, or upgrade to premium for unlimited goals", err)
	default:
		return err
	}
}
