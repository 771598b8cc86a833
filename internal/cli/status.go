package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tasbih-app/tasbih/internal/domain"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show goals, queued updates, streaks and badges",
	Long:  `Show the local view: goals with queued taps applied, the sync queue, and the last known streaks and badges.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	local, closeFn, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	st := local.Status()
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, headingStyle.Render("Goals"))
	if len(st.Goals) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("  none"))
	} else {
		fmt.Fprint(out, renderGoals(st.Goals))
	}

	fmt.Fprintln(out, headingStyle.Render("Sync"))
	if st.Pending == 0 {
		fmt.Fprintln(out, okStyle.Render("  all changes delivered"))
	} else {
		fmt.Fprintln(out, warnStyle.Render(fmt.Sprintf("  %d update(s) queued", st.Pending)))
	}
	if st.LastSync != nil {
		fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("  last sync %s: %d synced, %d rejected",
			st.LastSync.LastDrain.Local().Format("2006-01-02 15:04"), st.LastSync.Synced, st.LastSync.Rejected)))
	}
	for _, sess := range st.Sessions {
		fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("  unfinished session %s at %d; 'tasbih count --resume' continues it",
			sess.Ref, sess.Tally)))
	}

	fmt.Fprintln(out, headingStyle.Render("Streaks"))
	fmt.Fprint(out, renderStreaks(st.Derived, time.Now()))
	fmt.Fprintln(out, headingStyle.Render("Badges"))
	fmt.Fprint(out, renderBadges(st.Derived.Badges))
	return nil
}

// ─── Rendering ──────────────────────────────────────────────────────────────

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	barFull      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	barEmpty     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleCol     = lipgloss.NewStyle().Width(28)
)

// progressBar draws "[████░░░░] 12/33".
func progressBar(g domain.Goal, width int) string {
	filled := int(g.ProgressPct() / 100 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + barFull.Render(strings.Repeat("█", filled)) +
		barEmpty.Render(strings.Repeat("░", width-filled)) + "] " +
		fmt.Sprintf("%d/%d", g.CurrentValue, g.TargetValue)
}

// renderGoals lists goals: active first, then paused, then completed.
func renderGoals(goals []domain.Goal) string {
	rank := map[domain.GoalStatus]int{domain.GoalActive: 0, domain.GoalPaused: 1, domain.GoalCompleted: 2}
	sorted := append([]domain.Goal(nil), goals...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return rank[sorted[i].Status] < rank[sorted[j].Status]
	})

	var b strings.Builder
	for _, g := range sorted {
		status := string(g.Status)
		switch g.Status {
		case domain.GoalCompleted:
			status = okStyle.Render(status)
		case domain.GoalPaused:
			status = mutedStyle.Render(status)
		}
		line := "  " + titleCol.Render(g.Title) + " " + progressBar(g, 20) + "  " + status
		if g.LinkedCounter != "" {
			line += mutedStyle.Render("  ⟲ " + g.LinkedCounter)
		}
		if g.EndDate != nil {
			line += mutedStyle.Render("  until " + g.EndDate.Format("2006-01-02"))
		}
		b.WriteString(line + "\n")
		b.WriteString(mutedStyle.Render("    "+g.ID) + "\n")
	}
	return b.String()
}

// renderStreaks shows cached streaks decayed to today, so a run broken
// since the last sync reads as zero.
func renderStreaks(d domain.DerivedState, today time.Time) string {
	if len(d.Streaks) == 0 {
		return mutedStyle.Render("  no streak yet") + "\n"
	}
	streaks := d.Decay(today).Streaks
	sort.Slice(streaks, func(i, j int) bool {
		// "all" first, then by scope name.
		if (streaks[i].Scope == domain.ScopeAll) != (streaks[j].Scope == domain.ScopeAll) {
			return streaks[i].Scope == domain.ScopeAll
		}
		return streaks[i].Scope < streaks[j].Scope
	})

	var b strings.Builder
	for _, s := range streaks {
		fmt.Fprintf(&b, "  %-16s %3d day(s)  %s\n", s.Scope, s.CurrentDays,
			mutedStyle.Render(fmt.Sprintf("longest %d", s.LongestDays)))
	}
	if !d.AsOf.IsZero() {
		b.WriteString(mutedStyle.Render("  as of "+d.AsOf.Local().Format("2006-01-02 15:04")) + "\n")
	}
	return b.String()
}

func renderBadges(badges []domain.Badge) string {
	if len(badges) == 0 {
		return mutedStyle.Render("  none yet") + "\n"
	}
	var b strings.Builder
	for _, badge := range badges {
		fmt.Fprintf(&b, "  🏅 %s level %d  %s\n", badge.Type, badge.Level,
			mutedStyle.Render(badge.AwardedAt.Local().Format("2006-01-02")))
	}
	return b.String()
}
