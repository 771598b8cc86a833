package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tasbih-app/tasbih/internal/domain"
)

// ─── Normalization Adapters ─────────────────────────────────────────────────
// The progress service has shipped several response shapes over time
// (snake_case, camelCase, short names, numbers as strings, envelopes).
// Each adapter maps one loosely-typed entity onto its strict domain type;
// nothing outside this file looks at raw response maps.

type object = map[string]any

// decodeObject parses body into a generic object, unwrapping a "data"
// envelope when present.
func decodeObject(body []byte) (object, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	m, ok := v.(object)
	if !ok {
		return object{"items": v}, nil
	}
	if inner, ok := m["data"].(object); ok {
		return inner, nil
	}
	if inner, ok := m["data"].([]any); ok {
		return object{"items": inner}, nil
	}
	return m, nil
}

// pick returns the first present value among keys.
func pick(m object, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func str(m object, keys ...string) string {
	v, ok := pick(m, keys...)
	if !ok {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func num(m object, keys ...string) int64 {
	v, ok := pick(m, keys...)
	if !ok {
		return 0
	}
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return int64(f)
	case float64:
		return int64(x)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			f, _ := strconv.ParseFloat(strings.TrimSpace(x), 64)
			return int64(f)
		}
		return n
	case bool:
		if x {
			return 1
		}
	}
	return 0
}

func flag(m object, keys ...string) bool {
	v, ok := pick(m, keys...)
	if !ok {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(x)
		return b
	case json.Number:
		return x.String() != "0"
	}
	return false
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", time.DateOnly}

func when(m object, keys ...string) time.Time {
	v, ok := pick(m, keys...)
	if !ok {
		return time.Time{}
	}
	switch x := v.(type) {
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t.UTC()
			}
		}
	case json.Number:
		if n, err := x.Int64(); err == nil {
			if n > 1e12 {
				return time.UnixMilli(n).UTC()
			}
			return time.Unix(n, 0).UTC()
		}
	}
	return time.Time{}
}

func child(m object, keys ...string) (object, bool) {
	v, ok := pick(m, keys...)
	if !ok {
		return nil, false
	}
	o, ok := v.(object)
	return o, ok
}

func list(m object, keys ...string) []object {
	v, ok := pick(m, keys...)
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]object, 0, len(arr))
	for _, it := range arr {
		if o, ok := it.(object); ok {
			out = append(out, o)
		}
	}
	return out
}

// normalizeGoal maps one goal object.
func normalizeGoal(m object) (domain.Goal, error) {
	g := domain.Goal{
		ID:            str(m, "id", "goal_id", "goalId"),
		UserID:        str(m, "user_id", "userId"),
		Title:         str(m, "title", "name"),
		TargetValue:   num(m, "target_value", "targetValue", "target"),
		CurrentValue:  num(m, "current_value", "currentValue", "current", "progress"),
		LinkedCounter: str(m, "linked_counter", "linkedCounter", "counter_type", "counterType"),
		StartDate:     when(m, "start_date", "startDate"),
		CreatedAt:     when(m, "created_at", "createdAt"),
		UpdatedAt:     when(m, "updated_at", "updatedAt"),
	}
	if g.ID == "" {
		return domain.Goal{}, fmt.Errorf("%w: goal without id", domain.ErrRemoteValidation)
	}
	if end := when(m, "end_date", "endDate"); !end.IsZero() {
		g.EndDate = &end
	}
	if c, err := domain.ParseCategory(str(m, "category", "type")); err == nil {
		g.Category = c
	} else {
		g.Category = domain.GoalCategory(str(m, "category", "type"))
	}
	switch status := strings.ToLower(str(m, "status", "state")); status {
	case "done", "complete":
		g.Status = domain.GoalCompleted
	default:
		g.Status = domain.GoalStatus(status)
	}
	if g.Status == "" {
		g.Status = domain.GoalActive
		if flag(m, "completed", "is_completed", "isCompleted") {
			g.Status = domain.GoalCompleted
		}
	}
	return g, nil
}

func normalizeGoals(m object) ([]domain.Goal, error) {
	items := list(m, "goals", "items", "results")
	goals := make([]domain.Goal, 0, len(items))
	for _, it := range items {
		g, err := normalizeGoal(it)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	return goals, nil
}

// normalizeStreak maps one streak object.
func normalizeStreak(m object) domain.Streak {
	scope := str(m, "scope", "category", "type")
	if scope == "" {
		scope = domain.ScopeAll
	}
	return domain.Streak{
		UserID:      str(m, "user_id", "userId"),
		Scope:       scope,
		CurrentDays: int(num(m, "current_days", "currentDays", "current_streak", "currentStreak", "current")),
		LongestDays: int(num(m, "longest_days", "longestDays", "longest_streak", "longestStreak", "longest")),
		LastDate:    when(m, "last_date", "lastDate", "last_activity_date", "lastActivityDate"),
	}
}

// normalizeBadge maps one badge object.
func normalizeBadge(m object) domain.Badge {
	return domain.Badge{
		UserID:    str(m, "user_id", "userId"),
		Type:      domain.BadgeType(str(m, "badge_type", "badgeType", "type")),
		Level:     int(num(m, "level", "tier")),
		AwardedAt: when(m, "awarded_at", "awardedAt", "earned_at", "earnedAt"),
	}
}

func normalizeStreaks(m object) []domain.Streak {
	items := list(m, "streaks")
	out := make([]domain.Streak, 0, len(items))
	for _, it := range items {
		out = append(out, normalizeStreak(it))
	}
	// Older responses carry a single streak object.
	if len(out) == 0 {
		if s, ok := child(m, "streak"); ok {
			out = append(out, normalizeStreak(s))
		}
	}
	return out
}

func normalizeBadges(m object, keys ...string) []domain.Badge {
	items := list(m, keys...)
	out := make([]domain.Badge, 0, len(items))
	for _, it := range items {
		out = append(out, normalizeBadge(it))
	}
	return out
}

// normalizeDerivedState maps the streak/badge snapshot.
func normalizeDerivedState(m object) domain.DerivedState {
	return domain.DerivedState{
		Streaks: normalizeStreaks(m),
		Badges:  normalizeBadges(m, "badges", "achievements"),
		AsOf:    when(m, "as_of", "asOf", "updated_at"),
	}
}

// normalizeAppendResult maps the response to a progress append.
func normalizeAppendResult(m object) (*domain.AppendResult, error) {
	res := &domain.AppendResult{
		Duplicate:    flag(m, "duplicate", "is_duplicate", "isDuplicate"),
		CompletedNow: flag(m, "completed_now", "completedNow", "just_completed", "justCompleted"),
		Streaks:      normalizeStreaks(m),
		NewBadges:    normalizeBadges(m, "new_badges", "newBadges", "badges_awarded"),
	}
	if gm, ok := child(m, "goal"); ok {
		g, err := normalizeGoal(gm)
		if err != nil {
			return nil, err
		}
		res.Goal = &g
	}
	return res, nil
}

// normalizeSyncResults maps a batch response.
func normalizeSyncResults(m object) ([]domain.SyncResult, error) {
	items := list(m, "results", "items", "events")
	out := make([]domain.SyncResult, 0, len(items))
	for _, it := range items {
		r := domain.SyncResult{
			IdempotencyKey: str(it, "idempotency_key", "idempotencyKey", "key"),
			Status:         domain.SyncStatus(strings.ToLower(str(it, "status"))),
			Error:          str(it, "error", "message"),
		}
		if r.Status == "" {
			switch {
			case r.Error != "":
				r.Status = domain.SyncRejected
			case flag(it, "duplicate"):
				r.Status = domain.SyncDuplicate
			default:
				r.Status = domain.SyncAccepted
			}
		}
		if rm, ok := child(it, "result"); ok {
			res, err := normalizeAppendResult(rm)
			if err != nil {
				return nil, err
			}
			r.Result = res
		}
		out = append(out, r)
	}
	return out, nil
}
