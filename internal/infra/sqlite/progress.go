package sqlite

import (
	"context"
	"time"

	"github.com/tasbih-app/tasbih/internal/domain"
)

// ─── Progress Log ───────────────────────────────────────────────────────────

// InsertProgress appends an entry unless its idempotency key was already
// used by the same user. Returns false for a duplicate.
func (tx *Tx) InsertProgress(ctx context.Context, e domain.ProgressEntry) (bool, error) {
	res, err := tx.q.ExecContext(ctx, `
		INSERT INTO progress_entries (id, user_id, goal_id, item, amount, date, notes,
			event_type, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, idempotency_key) DO NOTHING
	`, e.ID, e.UserID, e.GoalID, e.Item, e.Amount, formatDay(e.Date), e.Notes,
		string(e.EventType), e.IdempotencyKey, formatTime(e.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// LookupProgress returns the goal id an idempotency key was applied to.
func (tx *Tx) LookupProgress(ctx context.Context, userID, key string) (goalID string, found bool, err error) {
	rows, err := tx.q.QueryContext(ctx,
		`SELECT goal_id FROM progress_entries WHERE user_id = ? AND idempotency_key = ?`, userID, key)
	if err != nil {
		return "", false, err
	}
	defer rows.Close()
	if rows.Next() {
		err = rows.Scan(&goalID)
		return goalID, err == nil, err
	}
	return "", false, rows.Err()
}

// DayTotal sums a goal's progress on day.
func (tx *Tx) DayTotal(ctx context.Context, userID, goalID string, day time.Time) (int64, error) {
	var total int64
	err := tx.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM progress_entries
		WHERE user_id = ? AND goal_id = ? AND date = ?
	`, userID, goalID, formatDay(day)).Scan(&total)
	return total, err
}

// DhikrTotal sums every zikr-like entry: standalone counter taps and
// progress on zikr or names-of-Allah goals.
func (tx *Tx) DhikrTotal(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := tx.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(p.amount), 0)
		FROM progress_entries p
		LEFT JOIN goals g ON g.id = p.goal_id
		WHERE p.user_id = ?
		  AND (p.goal_id = '' OR g.category IN (?, ?))
	`, userID, string(domain.CategoryZikr), string(domain.CategoryNamesOfAllah)).Scan(&total)
	return total, err
}

// ListProgress returns a goal's entries, newest first. An empty goalID
// lists standalone counter taps.
func (db *DB) ListProgress(ctx context.Context, userID, goalID string, limit int) ([]domain.ProgressEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, user_id, goal_id, item, amount, date, notes, event_type, idempotency_key, created_at
		FROM progress_entries
		WHERE user_id = ? AND goal_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, goalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []domain.ProgressEntry{}
	for rows.Next() {
		var (
			e                  domain.ProgressEntry
			date, event, creat string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.GoalID, &e.Item, &e.Amount, &date, &e.Notes,
			&event, &e.IdempotencyKey, &creat); err != nil {
			return nil, err
		}
		e.Date = parseDay(date)
		e.EventType = domain.EventType(event)
		e.CreatedAt = parseTime(creat)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
