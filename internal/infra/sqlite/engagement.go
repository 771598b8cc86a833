package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tasbih-app/tasbih/internal/domain"
)

// ─── Streaks ────────────────────────────────────────────────────────────────

// GetStreak returns the streak for scope, or a zero streak.
func (tx *Tx) GetStreak(ctx context.Context, userID, scope string) (domain.Streak, error) {
	s := domain.Streak{UserID: userID, Scope: scope}
	var last string
	err := tx.q.QueryRowContext(ctx, `
		SELECT current_days, longest_days, last_date FROM streaks
		WHERE user_id = ? AND scope = ?
	`, userID, scope).Scan(&s.CurrentDays, &s.LongestDays, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	if last != "" {
		s.LastDate = parseDay(last)
	}
	return s, nil
}

// PutStreak upserts a streak.
func (tx *Tx) PutStreak(ctx context.Context, s domain.Streak) error {
	last := ""
	if !s.LastDate.IsZero() {
		last = formatDay(s.LastDate)
	}
	_, err := tx.q.ExecContext(ctx, `
		INSERT INTO streaks (user_id, scope, current_days, longest_days, last_date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, scope) DO UPDATE SET
			current_days = excluded.current_days,
			longest_days = excluded.longest_days,
			last_date    = excluded.last_date
	`, s.UserID, s.Scope, s.CurrentDays, s.LongestDays, last)
	return err
}

// ListStreaks returns all of the user's streaks.
func (tx *Tx) ListStreaks(ctx context.Context, userID string) ([]domain.Streak, error) {
	return listStreaks(ctx, tx.q, userID)
}

// ListStreaks returns all of the user's streaks.
func (db *DB) ListStreaks(ctx context.Context, userID string) ([]domain.Streak, error) {
	return listStreaks(ctx, db.db, userID)
}

func listStreaks(ctx context.Context, q querier, userID string) ([]domain.Streak, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT scope, current_days, longest_days, last_date FROM streaks
		WHERE user_id = ? ORDER BY scope
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	streaks := []domain.Streak{}
	for rows.Next() {
		s := domain.Streak{UserID: userID}
		var last string
		if err := rows.Scan(&s.Scope, &s.CurrentDays, &s.LongestDays, &last); err != nil {
			return nil, err
		}
		if last != "" {
			s.LastDate = parseDay(last)
		}
		streaks = append(streaks, s)
	}
	return streaks, rows.Err()
}

// ─── Badges ─────────────────────────────────────────────────────────────────

// AwardBadge records a badge unless it is already held. Returns true when
// the badge is new.
func (tx *Tx) AwardBadge(ctx context.Context, b domain.Badge) (bool, error) {
	res, err := tx.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO badges (user_id, badge_type, level, awarded_at)
		VALUES (?, ?, ?, ?)
	`, b.UserID, string(b.Type), b.Level, formatTime(b.AwardedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListBadges returns the user's badges in award order.
func (db *DB) ListBadges(ctx context.Context, userID string) ([]domain.Badge, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT badge_type, level, awarded_at FROM badges
		WHERE user_id = ? ORDER BY awarded_at, badge_type, level
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	badges := []domain.Badge{}
	for rows.Next() {
		b := domain.Badge{UserID: userID}
		var typ, awarded string
		if err := rows.Scan(&typ, &b.Level, &awarded); err != nil {
			return nil, err
		}
		b.Type = domain.BadgeType(typ)
		b.AwardedAt = parseTime(awarded)
		badges = append(badges, b)
	}
	return badges, rows.Err()
}

// ─── Notifications ──────────────────────────────────────────────────────────

// InsertNotification queues a notification once per (user, kind, ref).
// Returns true when a row was written.
func (tx *Tx) InsertNotification(ctx context.Context, n domain.Notification) (bool, error) {
	res, err := tx.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO notifications (user_id, kind, ref, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, n.UserID, string(n.Kind), n.Ref, n.Message, formatTime(n.CreatedAt))
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows == 1, err
}

// PendingNotifications returns unshown notifications, oldest first.
func (db *DB) PendingNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, kind, ref, message, shown, created_at FROM notifications
		WHERE user_id = ? AND shown = 0
		ORDER BY id LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Notification{}
	for rows.Next() {
		n := domain.Notification{UserID: userID}
		var kind, created string
		var shown int
		if err := rows.Scan(&n.ID, &kind, &n.Ref, &n.Message, &shown, &created); err != nil {
			return nil, err
		}
		n.Kind = domain.NotificationKind(kind)
		n.Shown = shown == 1
		n.CreatedAt = parseTime(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationShown flags a notification as delivered. Returns false
// when no such notification belongs to the user.
func (db *DB) MarkNotificationShown(ctx context.Context, userID string, id int64) (bool, error) {
	res, err := db.db.ExecContext(ctx,
		`UPDATE notifications SET shown = 1 WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ─── Subscriptions ──────────────────────────────────────────────────────────

// GetTier returns the user's subscription tier; unknown users are free.
func (db *DB) GetTier(ctx context.Context, userID string) (domain.Tier, error) {
	var tier string
	err := db.db.QueryRowContext(ctx, `SELECT tier FROM subscriptions WHERE user_id = ?`, userID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TierFree, nil
	}
	if err != nil {
		return "", err
	}
	return domain.Tier(tier), nil
}

// SetTier upserts the user's subscription tier.
func (db *DB) SetTier(ctx context.Context, userID string, tier domain.Tier) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, tier, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			tier       = excluded.tier,
			updated_at = excluded.updated_at
	`, userID, string(tier), formatTime(time.Now()))
	return err
}
