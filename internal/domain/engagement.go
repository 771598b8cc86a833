package domain

import "time"

// ─── Derived State: Streaks & Badges ────────────────────────────────────────
// Streaks and badges are computed by the progress service in the same
// transaction as the progress write they derive from. Clients only cache them.

// ScopeAll is the streak scope covering every goal category.
const ScopeAll = "all"

// Streak counts consecutive days on which a goal in Scope hit its target.
type Streak struct {
	UserID      string    `json:"user_id"`
	Scope       string    `json:"scope"` // a GoalCategory or ScopeAll
	CurrentDays int       `json:"current_days"`
	LongestDays int       `json:"longest_days"`
	LastDate    time.Time `json:"last_date"`
}

// Advance folds a qualifying day into the streak. Days at or before LastDate
// are ignored, a day exactly after LastDate extends the run, and any gap
// restarts it at one. Returns true if the streak changed.
func (s *Streak) Advance(day time.Time) bool {
	day = Day(day)
	last := Day(s.LastDate)
	switch {
	case !s.LastDate.IsZero() && !day.After(last):
		return false
	case !s.LastDate.IsZero() && day.Equal(last.AddDate(0, 0, 1)):
		s.CurrentDays++
	default:
		s.CurrentDays = 1
	}
	s.LastDate = day
	if s.CurrentDays > s.LongestDays {
		s.LongestDays = s.CurrentDays
	}
	return true
}

// CurrentAt is the run still alive on today: CurrentDays while LastDate is
// today or yesterday, zero once a whole day was missed.
func (s Streak) CurrentAt(today time.Time) int {
	if s.LastDate.IsZero() || Day(s.LastDate).Before(Day(today).AddDate(0, 0, -1)) {
		return 0
	}
	return s.CurrentDays
}

// BadgeType names a family of milestone badges.
type BadgeType string

const (
	BadgeStreak        BadgeType = "streak"
	BadgeGoalsComplete BadgeType = "goal_completed"
	BadgeDhikrCount    BadgeType = "dhikr_count"
)

// Badge is an achievement awarded at most once per (user, type, level).
type Badge struct {
	UserID    string    `json:"user_id"`
	Type      BadgeType `json:"badge_type"`
	Level     int       `json:"level"`
	AwardedAt time.Time `json:"awarded_at"`
}

// BadgeLevels maps each badge family to its thresholds, ascending. The level
// number is the 1-based index into the slice.
var BadgeLevels = map[BadgeType][]int64{
	BadgeStreak:        {3, 7, 30, 100},
	BadgeGoalsComplete: {1, 10, 50},
	BadgeDhikrCount:    {1_000, 10_000, 100_000},
}

// LevelsReached returns every level of t whose threshold value has met.
func LevelsReached(t BadgeType, value int64) []int {
	var levels []int
	for i, threshold := range BadgeLevels[t] {
		if value >= threshold {
			levels = append(levels, i+1)
		}
	}
	return levels
}

// DerivedState is the server-computed engagement snapshot.
type DerivedState struct {
	Streaks []Streak  `json:"streaks"`
	Badges  []Badge   `json:"badges"`
	AsOf    time.Time `json:"as_of"`
}

// StreakFor returns the streak for scope, or a zero streak.
func (d DerivedState) StreakFor(scope string) Streak {
	for _, s := range d.Streaks {
		if s.Scope == scope {
			return s
		}
	}
	return Streak{Scope: scope}
}

// Decay returns a copy whose current streaks are reported as of today.
func (d DerivedState) Decay(today time.Time) DerivedState {
	streaks := make([]Streak, len(d.Streaks))
	for i, s := range d.Streaks {
		s.CurrentDays = s.CurrentAt(today)
		streaks[i] = s
	}
	d.Streaks = streaks
	return d
}

// Merge folds fresher server output into a cached snapshot: streaks replace
// the entry with the same scope and badges are added unless already held.
func (d *DerivedState) Merge(streaks []Streak, badges []Badge, asOf time.Time) {
	for _, s := range streaks {
		replaced := false
		for i := range d.Streaks {
			if d.Streaks[i].Scope == s.Scope {
				d.Streaks[i] = s
				replaced = true
				break
			}
		}
		if !replaced {
			d.Streaks = append(d.Streaks, s)
		}
	}
	for _, b := range badges {
		held := false
		for _, have := range d.Badges {
			if have.Type == b.Type && have.Level == b.Level {
				held = true
				break
			}
		}
		if !held {
			d.Badges = append(d.Badges, b)
		}
	}
	if asOf.After(d.AsOf) {
		d.AsOf = asOf
	}
}

// ─── Notifications ──────────────────────────────────────────────────────────

// NotificationKind classifies server-side notifications.
type NotificationKind string

const (
	NotifyGoalCompleted NotificationKind = "goal_completed"
	NotifyBadgeAwarded  NotificationKind = "badge_awarded"
)

// Notification is a message queued for the user's devices.
type Notification struct {
	ID        int64            `json:"id"`
	UserID    string           `json:"user_id"`
	Kind      NotificationKind `json:"kind"`
	Ref       string           `json:"ref"`
	Message   string           `json:"message"`
	Shown     bool             `json:"shown"`
	CreatedAt time.Time        `json:"created_at"`
}

// ─── Subscription Tier ──────────────────────────────────────────────────────

// Tier is the user's subscription level.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)
