package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tasbih-app/tasbih/internal/domain"
)

// ─── Goal Operations ────────────────────────────────────────────────────────

const goalColumns = `id, user_id, title, category, target_value, current_value,
	linked_counter, start_date, end_date, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGoal(row rowScanner) (domain.Goal, error) {
	var (
		g                   domain.Goal
		category, status    string
		start, created, upd string
		end                 sql.NullString
	)
	if err := row.Scan(&g.ID, &g.UserID, &g.Title, &category, &g.TargetValue, &g.CurrentValue,
		&g.LinkedCounter, &start, &end, &status, &created, &upd); err != nil {
		return domain.Goal{}, err
	}
	g.Category = domain.GoalCategory(category)
	g.Status = domain.GoalStatus(status)
	g.StartDate = parseTime(start)
	if end.Valid {
		t := parseTime(end.String)
		g.EndDate = &t
	}
	g.CreatedAt = parseTime(created)
	g.UpdatedAt = parseTime(upd)
	return g, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// InsertGoal stores a new goal.
func (db *DB) InsertGoal(ctx context.Context, g domain.Goal) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO goals (id, user_id, title, category, target_value, current_value,
			linked_counter, start_date, end_date, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, g.ID, g.UserID, g.Title, string(g.Category), g.TargetValue, g.CurrentValue,
		g.LinkedCounter, formatTime(g.StartDate), nullTime(g.EndDate), string(g.Status),
		formatTime(g.CreatedAt), formatTime(g.UpdatedAt))
	return err
}

// UpdateGoal writes the client-settable fields of g. current_value is
// deliberately not part of the statement.
func (db *DB) UpdateGoal(ctx context.Context, g domain.Goal) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE goals SET
			title          = ?,
			target_value   = ?,
			linked_counter = ?,
			end_date       = ?,
			status         = ?,
			updated_at     = ?
		WHERE id = ? AND user_id = ?
	`, g.Title, g.TargetValue, g.LinkedCounter, nullTime(g.EndDate), string(g.Status),
		formatTime(g.UpdatedAt), g.ID, g.UserID)
	if err != nil {
		return err
	}
	return expectRow(res, g.ID)
}

// DeleteGoal removes a goal. Its progress entries stay in the log.
func (db *DB) DeleteGoal(ctx context.Context, userID, id string) error {
	res, err := db.db.ExecContext(ctx, `DELETE FROM goals WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	return expectRow(res, id)
}

// GetGoal returns one goal or domain.ErrGoalNotFound.
func (db *DB) GetGoal(ctx context.Context, userID, id string) (*domain.Goal, error) {
	return getGoal(ctx, db.db, userID, id)
}

// ListGoals returns the user's goals, optionally filtered by status, oldest first.
func (db *DB) ListGoals(ctx context.Context, userID string, statuses ...domain.GoalStatus) ([]domain.Goal, error) {
	query := `SELECT ` + goalColumns + ` FROM goals WHERE user_id = ?`
	args := []any{userID}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		query += ` AND status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	goals := []domain.Goal{}
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

// CountGoals counts the user's goals in status.
func (db *DB) CountGoals(ctx context.Context, userID string, status domain.GoalStatus) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM goals WHERE user_id = ? AND status = ?`, userID, string(status),
	).Scan(&n)
	return n, err
}

func getGoal(ctx context.Context, q querier, userID, id string) (*domain.Goal, error) {
	row := q.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id = ? AND user_id = ?`, id, userID)
	g, err := scanGoal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrGoalNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrGoalNotFound, id)
	}
	return nil
}

// ─── Goal Operations (transactional) ────────────────────────────────────────

// GetGoal reads a goal inside the transaction.
func (tx *Tx) GetGoal(ctx context.Context, userID, id string) (*domain.Goal, error) {
	return getGoal(ctx, tx.q, userID, id)
}

// AddToGoal increments current_value by delta server-side, clamped at zero,
// and returns the goal as stored afterwards. Concurrent writers never
// overwrite each other's progress because the value is never sent absolute.
func (tx *Tx) AddToGoal(ctx context.Context, userID, id string, delta int64, at time.Time) (*domain.Goal, error) {
	res, err := tx.q.ExecContext(ctx, `
		UPDATE goals SET
			current_value = MAX(current_value + ?, 0),
			updated_at    = ?
		WHERE id = ? AND user_id = ?
	`, delta, formatTime(at), id, userID)
	if err != nil {
		return nil, err
	}
	if err := expectRow(res, id); err != nil {
		return nil, err
	}
	return getGoal(ctx, tx.q, userID, id)
}

// SetGoalStatus changes a goal's status.
func (tx *Tx) SetGoalStatus(ctx context.Context, userID, id string, status domain.GoalStatus) error {
	_, err := tx.q.ExecContext(ctx,
		`UPDATE goals SET status = ? WHERE id = ? AND user_id = ?`, string(status), id, userID)
	return err
}

// MarkFirstCompletion stamps completed_at if it was never set and reports
// whether this call set it.
func (tx *Tx) MarkFirstCompletion(ctx context.Context, userID, id string, at time.Time) (bool, error) {
	res, err := tx.q.ExecContext(ctx, `
		UPDATE goals SET completed_at = ?
		WHERE id = ? AND user_id = ? AND completed_at IS NULL
	`, formatTime(at), id, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CountCompletedGoals counts goals that have ever completed.
func (tx *Tx) CountCompletedGoals(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := tx.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM goals WHERE user_id = ? AND completed_at IS NOT NULL`, userID,
	).Scan(&n)
	return n, err
}
