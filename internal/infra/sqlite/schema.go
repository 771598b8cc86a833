package sqlite

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements. Every statement is idempotent
// and runs on each Open.
func Migrations() []string {
	return []string{
		// Goals. completed_at is set the first time a goal completes and is
		// never cleared, so completion side effects fire once per goal.
		`CREATE TABLE IF NOT EXISTS goals (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			title          TEXT NOT NULL,
			category       TEXT NOT NULL,
			target_value   INTEGER NOT NULL CHECK(target_value > 0),
			current_value  INTEGER NOT NULL DEFAULT 0 CHECK(current_value >= 0),
			linked_counter TEXT NOT NULL DEFAULT '',
			start_date     TEXT NOT NULL,
			end_date       TEXT,
			status         TEXT NOT NULL DEFAULT 'active',
			completed_at   TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_goals_user_status ON goals(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_goals_user_counter ON goals(user_id, linked_counter)`,

		// Append-only progress log. The unique key is the dedup point.
		`CREATE TABLE IF NOT EXISTS progress_entries (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			goal_id         TEXT NOT NULL DEFAULT '',
			item            TEXT NOT NULL DEFAULT '',
			amount          INTEGER NOT NULL,
			date            TEXT NOT NULL,
			notes           TEXT NOT NULL DEFAULT '',
			event_type      TEXT NOT NULL DEFAULT 'tap',
			idempotency_key TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			UNIQUE(user_id, idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_progress_goal_date ON progress_entries(user_id, goal_id, date)`,

		// Derived state
		`CREATE TABLE IF NOT EXISTS streaks (
			user_id      TEXT NOT NULL,
			scope        TEXT NOT NULL,
			current_days INTEGER NOT NULL DEFAULT 0,
			longest_days INTEGER NOT NULL DEFAULT 0,
			last_date    TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, scope)
		)`,
		`CREATE TABLE IF NOT EXISTS badges (
			user_id    TEXT NOT NULL,
			badge_type TEXT NOT NULL,
			level      INTEGER NOT NULL,
			awarded_at TEXT NOT NULL,
			PRIMARY KEY (user_id, badge_type, level)
		)`,

		// Notifications, at most one per (user, kind, ref).
		`CREATE TABLE IF NOT EXISTS notifications (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    TEXT NOT NULL,
			kind       TEXT NOT NULL,
			ref        TEXT NOT NULL,
			message    TEXT NOT NULL,
			shown      INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE(user_id, kind, ref)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_pending ON notifications(user_id, shown)`,

		// Subscription tier
		`CREATE TABLE IF NOT EXISTS subscriptions (
			user_id    TEXT PRIMARY KEY,
			tier       TEXT NOT NULL DEFAULT 'free',
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
}
