// Package domain contains pure business types with ZERO infrastructure imports.
// Goals, progress entries, counter sessions and the derived streak/badge state
// live here; storage and transport packages depend on this one, never the reverse.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ─── Goal Types ─────────────────────────────────────────────────────────────

// GoalCategory classifies a goal. Streaks are tracked per category and for
// all goals together.
type GoalCategory string

const (
	CategoryPrayer       GoalCategory = "prayer"
	CategoryQuran        GoalCategory = "quran"
	CategoryZikr         GoalCategory = "zikr"
	CategorySadaqa       GoalCategory = "sadaqa"
	CategoryKnowledge    GoalCategory = "knowledge"
	CategoryNamesOfAllah GoalCategory = "names_of_allah"
)

// AllCategories lists every valid goal category in display order.
func AllCategories() []GoalCategory {
	return []GoalCategory{
		CategoryPrayer, CategoryQuran, CategoryZikr,
		CategorySadaqa, CategoryKnowledge, CategoryNamesOfAllah,
	}
}

// Valid reports whether c is a known category.
func (c GoalCategory) Valid() bool {
	for _, known := range AllCategories() {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory accepts the canonical names plus a few spellings seen in the
// wild ("names-of-allah", "Zikr", "dhikr").
func ParseCategory(s string) (GoalCategory, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	switch norm {
	case "dhikr":
		norm = string(CategoryZikr)
	case "qaza", "namaz", "salah":
		norm = string(CategoryPrayer)
	}
	c := GoalCategory(norm)
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown category %q", ErrInvalidGoal, s)
	}
	return c, nil
}

// GoalStatus is the lifecycle state of a goal.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalPaused    GoalStatus = "paused"
	GoalCompleted GoalStatus = "completed"
)

// Valid reports whether s is a known status.
func (s GoalStatus) Valid() bool {
	return s == GoalActive || s == GoalPaused || s == GoalCompleted
}

// Goal is a user-defined target such as "recite istighfar 100 times by Friday".
type Goal struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	Title         string       `json:"title"`
	Category      GoalCategory `json:"category"`
	TargetValue   int64        `json:"target_value"`
	CurrentValue  int64        `json:"current_value"`
	LinkedCounter string       `json:"linked_counter,omitempty"` // e.g. "tasbih", "salawat"
	StartDate     time.Time    `json:"start_date"`
	EndDate       *time.Time   `json:"end_date,omitempty"`
	Status        GoalStatus   `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Validate checks the fields a client is allowed to set.
func (g Goal) Validate() error {
	if strings.TrimSpace(g.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidGoal)
	}
	if !g.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidGoal, g.Category)
	}
	if g.TargetValue <= 0 {
		return fmt.Errorf("%w: target must be positive", ErrInvalidGoal)
	}
	if g.Status != "" && !g.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidGoal, g.Status)
	}
	if g.EndDate != nil && !g.StartDate.IsZero() && g.EndDate.Before(g.StartDate) {
		return fmt.Errorf("%w: end date before start date", ErrInvalidGoal)
	}
	return nil
}

// Reached reports whether the goal's progress meets its target.
func (g Goal) Reached() bool {
	return g.TargetValue > 0 && g.CurrentValue >= g.TargetValue
}

// Remaining returns how much progress is still needed (never negative).
func (g Goal) Remaining() int64 {
	if r := g.TargetValue - g.CurrentValue; r > 0 {
		return r
	}
	return 0
}

// ProgressPct returns completion percentage capped at 100.
func (g Goal) ProgressPct() float64 {
	if g.TargetValue <= 0 {
		return 0
	}
	pct := float64(g.CurrentValue) / float64(g.TargetValue) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// Apply adds delta to CurrentValue and moves Status across the
// active/completed boundary. CurrentValue is clamped at zero. A paused goal
// keeps its status. Returns true when this call completed the goal.
func (g *Goal) Apply(delta int64, at time.Time) (completedNow bool) {
	before := g.CurrentValue
	g.CurrentValue += delta
	if g.CurrentValue < 0 {
		g.CurrentValue = 0
	}
	g.UpdatedAt = at

	switch {
	case g.Status == GoalActive && before < g.TargetValue && g.Reached():
		g.Status = GoalCompleted
		return true
	case g.Status == GoalCompleted && !g.Reached():
		g.Status = GoalActive
	}
	return false
}

// GoalPatch carries the fields an update may change. CurrentValue is absent
// on purpose: progress moves only through progress entries.
type GoalPatch struct {
	Title         *string     `json:"title,omitempty"`
	TargetValue   *int64      `json:"target_value,omitempty"`
	Status        *GoalStatus `json:"status,omitempty"`
	LinkedCounter *string     `json:"linked_counter,omitempty"`
	EndDate       *time.Time  `json:"end_date,omitempty"`
}

// ApplyTo copies the set fields of p onto g.
func (p GoalPatch) ApplyTo(g *Goal) {
	if p.Title != nil {
		g.Title = *p.Title
	}
	if p.TargetValue != nil {
		g.TargetValue = *p.TargetValue
	}
	if p.Status != nil {
		g.Status = *p.Status
	}
	if p.LinkedCounter != nil {
		g.LinkedCounter = *p.LinkedCounter
	}
	if p.EndDate != nil {
		end := *p.EndDate
		g.EndDate = &end
	}
}

// FilterGoals returns the goals whose status is one of statuses.
// No statuses means no filtering.
func FilterGoals(goals []Goal, statuses ...GoalStatus) []Goal {
	if len(statuses) == 0 {
		return goals
	}
	out := make([]Goal, 0, len(goals))
	for _, g := range goals {
		for _, s := range statuses {
			if g.Status == s {
				out = append(out, g)
				break
			}
		}
	}
	return out
}

// ─── Counter Session ────────────────────────────────────────────────────────

// GoalRef names what a counter session counts toward: one goal, every goal
// linked to a counter type, or an ad-hoc item with no goal at all.
type GoalRef struct {
	GoalID  string `json:"goal_id,omitempty"`
	Counter string `json:"counter,omitempty"`
	Item    string `json:"item,omitempty"`
}

// String formats the reference for logs.
func (r GoalRef) String() string {
	switch {
	case r.GoalID != "":
		return "goal:" + r.GoalID
	case r.Counter != "":
		return "counter:" + r.Counter
	case r.Item != "":
		return "item:" + r.Item
	default:
		return "adhoc"
	}
}

// CounterSession binds an on-screen counter to zero or more goals.
type CounterSession struct {
	ID        string    `json:"id"`
	Ref       GoalRef   `json:"ref"`
	GoalIDs   []string  `json:"goal_ids,omitempty"`
	Tally     int64     `json:"tally"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Bound reports whether taps reach at least one goal.
func (s CounterSession) Bound() bool { return len(s.GoalIDs) > 0 }

// Key addresses the session's snapshot: the goal id when the session was
// started for one goal, the session id otherwise.
func (s CounterSession) Key() string {
	if s.Ref.GoalID != "" {
		return s.Ref.GoalID
	}
	return s.ID
}

// ─── Utilities ──────────────────────────────────────────────────────────────

// Day truncates t to midnight UTC. Progress dates and streaks are day-granular.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
