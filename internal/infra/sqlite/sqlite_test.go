package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tasbih-app/tasbih/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedGoal(t *testing.T, db *DB, id string, category domain.GoalCategory, target int64) domain.Goal {
	t.Helper()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	g := domain.Goal{
		ID: id, UserID: "u1", Title: "Goal " + id, Category: category,
		TargetValue: target, StartDate: now, Status: domain.GoalActive,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := db.InsertGoal(context.Background(), g); err != nil {
		t.Fatalf("InsertGoal(%s): %v", id, err)
	}
	return g
}

// ─── Migrations ─────────────────────────────────────────────────────────────

func TestMigrations_TablesExist(t *testing.T) {
	db := newTestDB(t)
	for _, tbl := range []string{"goals", "progress_entries", "streaks", "badges", "notifications", "subscriptions"} {
		t.Run(tbl, func(t *testing.T) {
			var name string
			err := db.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, tbl).Scan(&name)
			if err != nil {
				t.Fatalf("table %s not found: %v", tbl, err)
			}
		})
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db.Close()
}

// ─── Goals ──────────────────────────────────────────────────────────────────

func TestGoals_InsertGetList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	g := seedGoal(t, db, "g1", domain.CategoryZikr, 100)
	end := g.StartDate.AddDate(0, 1, 0)
	g2 := seedGoal(t, db, "g2", domain.CategoryQuran, 30)
	g2.EndDate = &end
	g2.Status = domain.GoalPaused
	if err := db.UpdateGoal(ctx, g2); err != nil {
		t.Fatalf("UpdateGoal() error: %v", err)
	}

	got, err := db.GetGoal(ctx, "u1", "g1")
	if err != nil {
		t.Fatalf("GetGoal() error: %v", err)
	}
	if got.Title != g.Title || !got.StartDate.Equal(g.StartDate) || got.EndDate != nil {
		t.Errorf("GetGoal() = %+v", got)
	}

	all, _ := db.ListGoals(ctx, "u1")
	if len(all) != 2 {
		t.Fatalf("ListGoals() returned %d, want 2", len(all))
	}
	paused, _ := db.ListGoals(ctx, "u1", domain.GoalPaused)
	if len(paused) != 1 || paused[0].EndDate == nil || !paused[0].EndDate.Equal(end) {
		t.Errorf("ListGoals(paused) = %+v", paused)
	}
	if n, _ := db.CountGoals(ctx, "u1", domain.GoalActive); n != 1 {
		t.Errorf("CountGoals(active) = %d, want 1", n)
	}
}

func TestGoals_OwnedByUser(t *testing.T) {
	db := newTestDB(t)
	seedGoal(t, db, "g1", domain.CategoryZikr, 10)

	_, err := db.GetGoal(context.Background(), "someone-else", "g1")
	if !errors.Is(err, domain.ErrGoalNotFound) {
		t.Errorf("GetGoal() for another user = %v, want ErrGoalNotFound", err)
	}
	if err := db.DeleteGoal(context.Background(), "someone-else", "g1"); !errors.Is(err, domain.ErrGoalNotFound) {
		t.Errorf("DeleteGoal() for another user = %v, want ErrGoalNotFound", err)
	}
}

func TestGoals_Delete(t *testing.T) {
	db := newTestDB(t)
	seedGoal(t, db, "g1", domain.CategoryZikr, 10)
	if err := db.DeleteGoal(context.Background(), "u1", "g1"); err != nil {
		t.Fatalf("DeleteGoal() error: %v", err)
	}
	if _, err := db.GetGoal(context.Background(), "u1", "g1"); !errors.Is(err, domain.ErrGoalNotFound) {
		t.Errorf("GetGoal() after delete = %v", err)
	}
}

// ─── Progress ───────────────────────────────────────────────────────────────

func TestTx_InsertProgress_Dedup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedGoal(t, db, "g1", domain.CategoryZikr, 100)
	entry := domain.ProgressEntry{
		ID: "e1", UserID: "u1", GoalID: "g1", Amount: 3, EventType: domain.EventTap,
		Date: time.Now(), IdempotencyKey: "k1", CreatedAt: time.Now(),
	}

	var first, second bool
	err := db.InTx(ctx, func(tx *Tx) error {
		var err error
		if first, err = tx.InsertProgress(ctx, entry); err != nil {
			return err
		}
		entry.ID = "e2"
		second, err = tx.InsertProgress(ctx, entry)
		return err
	})
	if err != nil {
		t.Fatalf("InTx() error: %v", err)
	}
	if !first || second {
		t.Errorf("inserted = %v, %v, want true, false", first, second)
	}

	list, _ := db.ListProgress(ctx, "u1", "g1", 0)
	if len(list) != 1 {
		t.Errorf("ListProgress() returned %d entries, want 1", len(list))
	}
}

func TestTx_AddToGoal_AdditiveAndClamped(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedGoal(t, db, "g1", domain.CategoryZikr, 100)

	err := db.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.AddToGoal(ctx, "u1", "g1", 7, time.Now()); err != nil {
			return err
		}
		g, err := tx.AddToGoal(ctx, "u1", "g1", 5, time.Now())
		if err != nil {
			return err
		}
		if g.CurrentValue != 12 {
			t.Errorf("CurrentValue = %d, want 12", g.CurrentValue)
		}
		g, err = tx.AddToGoal(ctx, "u1", "g1", -50, time.Now())
		if err != nil {
			return err
		}
		if g.CurrentValue != 0 {
			t.Errorf("CurrentValue = %d, want clamped 0", g.CurrentValue)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx() error: %v", err)
	}
}

func TestInTx_RollsBack(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedGoal(t, db, "g1", domain.CategoryZikr, 100)

	boom := errors.New("boom")
	err := db.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.AddToGoal(ctx, "u1", "g1", 10, time.Now()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() = %v, want boom", err)
	}
	g, _ := db.GetGoal(ctx, "u1", "g1")
	if g.CurrentValue != 0 {
		t.Errorf("CurrentValue = %d after rollback, want 0", g.CurrentValue)
	}
}

func TestTx_MarkFirstCompletion_Once(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedGoal(t, db, "g1", domain.CategoryZikr, 1)

	db.InTx(ctx, func(tx *Tx) error {
		first, _ := tx.MarkFirstCompletion(ctx, "u1", "g1", time.Now())
		again, _ := tx.MarkFirstCompletion(ctx, "u1", "g1", time.Now())
		if !first || again {
			t.Errorf("MarkFirstCompletion = %v, %v, want true, false", first, again)
		}
		if n, _ := tx.CountCompletedGoals(ctx, "u1"); n != 1 {
			t.Errorf("CountCompletedGoals() = %d, want 1", n)
		}
		return nil
	})
}

func TestTx_DayAndDhikrTotals(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedGoal(t, db, "z", domain.CategoryZikr, 100)
	seedGoal(t, db, "q", domain.CategoryQuran, 100)
	day := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)

	entries := []domain.ProgressEntry{
		{ID: "1", GoalID: "z", Amount: 10, Date: day, IdempotencyKey: "k1"},
		{ID: "2", GoalID: "z", Amount: 5, Date: day.AddDate(0, 0, 1), IdempotencyKey: "k2"},
		{ID: "3", GoalID: "q", Amount: 4, Date: day, IdempotencyKey: "k3"},
		{ID: "4", Item: "subhanallah", Amount: 33, Date: day, IdempotencyKey: "k4"},
	}
	db.InTx(ctx, func(tx *Tx) error {
		for _, e := range entries {
			e.UserID = "u1"
			e.EventType = domain.EventTap
			e.CreatedAt = time.Now()
			if _, err := tx.InsertProgress(ctx, e); err != nil {
				t.Fatalf("InsertProgress(%s): %v", e.ID, err)
			}
		}
		if got, _ := tx.DayTotal(ctx, "u1", "z", day); got != 10 {
			t.Errorf("DayTotal(z) = %d, want 10", got)
		}
		if got, _ := tx.DhikrTotal(ctx, "u1"); got != 48 {
			t.Errorf("DhikrTotal() = %d, want 48", got)
		}
		return nil
	})
}

// ─── Engagement ─────────────────────────────────────────────────────────────

func TestTx_Streaks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	day := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)

	db.InTx(ctx, func(tx *Tx) error {
		s, err := tx.GetStreak(ctx, "u1", domain.ScopeAll)
		if err != nil || s.CurrentDays != 0 {
			t.Fatalf("GetStreak() on empty = %+v, %v", s, err)
		}
		s.Advance(day)
		s.Advance(day.AddDate(0, 0, 1))
		if err := tx.PutStreak(ctx, s); err != nil {
			t.Fatalf("PutStreak() error: %v", err)
		}
		got, _ := tx.GetStreak(ctx, "u1", domain.ScopeAll)
		if got.CurrentDays != 2 || !got.LastDate.Equal(day.AddDate(0, 0, 1)) {
			t.Errorf("GetStreak() = %+v", got)
		}
		return nil
	})

	streaks, _ := db.ListStreaks(ctx, "u1")
	if len(streaks) != 1 || streaks[0].LongestDays != 2 {
		t.Errorf("ListStreaks() = %+v", streaks)
	}
}

func TestTx_AwardBadge_Once(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	b := domain.Badge{UserID: "u1", Type: domain.BadgeStreak, Level: 1, AwardedAt: time.Now()}

	db.InTx(ctx, func(tx *Tx) error {
		first, _ := tx.AwardBadge(ctx, b)
		again, _ := tx.AwardBadge(ctx, b)
		if !first || again {
			t.Errorf("AwardBadge = %v, %v, want true, false", first, again)
		}
		return nil
	})

	badges, _ := db.ListBadges(ctx, "u1")
	if len(badges) != 1 || badges[0].Type != domain.BadgeStreak {
		t.Errorf("ListBadges() = %+v", badges)
	}
}

func TestNotifications(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	n := domain.Notification{UserID: "u1", Kind: domain.NotifyGoalCompleted, Ref: "g1", Message: "done", CreatedAt: time.Now()}

	db.InTx(ctx, func(tx *Tx) error {
		first, _ := tx.InsertNotification(ctx, n)
		again, _ := tx.InsertNotification(ctx, n)
		if !first || again {
			t.Errorf("InsertNotification = %v, %v, want true, false", first, again)
		}
		return nil
	})

	pending, err := db.PendingNotifications(ctx, "u1", 0)
	if err != nil || len(pending) != 1 {
		t.Fatalf("PendingNotifications() = %+v, %v", pending, err)
	}
	ok, err := db.MarkNotificationShown(ctx, "u1", pending[0].ID)
	if err != nil || !ok {
		t.Fatalf("MarkNotificationShown() = %v, %v", ok, err)
	}
	if pending, _ := db.PendingNotifications(ctx, "u1", 0); len(pending) != 0 {
		t.Errorf("PendingNotifications() after shown = %+v", pending)
	}
	if ok, _ := db.MarkNotificationShown(ctx, "u2", 999); ok {
		t.Error("unknown notification should report false")
	}
}

func TestSubscriptions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if tier, _ := db.GetTier(ctx, "u1"); tier != domain.TierFree {
		t.Errorf("GetTier() for unknown user = %q, want free", tier)
	}
	db.SetTier(ctx, "u1", domain.TierPremium)
	if tier, _ := db.GetTier(ctx, "u1"); tier != domain.TierPremium {
		t.Errorf("GetTier() = %q, want premium", tier)
	}
}
