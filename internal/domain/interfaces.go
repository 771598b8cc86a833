package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// ProgressService is the remote source of truth for goals and progress.
// Implementations must deduplicate by idempotency key, apply deltas
// additively, and recompute streaks and badges atomically with each write.
type ProgressService interface {
	CreateGoal(ctx context.Context, goal Goal) (*Goal, error)
	UpdateGoal(ctx context.Context, id string, patch GoalPatch) (*Goal, error)
	DeleteGoal(ctx context.Context, id string) error
	ListGoals(ctx context.Context, statuses ...GoalStatus) ([]Goal, error)

	// AppendProgress applies one delta. Replaying the same key returns the
	// current state with Duplicate set and has no further effect.
	AppendProgress(ctx context.Context, req AppendRequest) (*AppendResult, error)

	// SyncBatch applies events in order, each independently.
	SyncBatch(ctx context.Context, events []AppendRequest) ([]SyncResult, error)

	// DerivedState returns the authoritative streaks and badges.
	DerivedState(ctx context.Context) (*DerivedState, error)
}

// MirrorStore is the client-resident cache of goals plus the queue of
// unacknowledged deltas. Reads never fail: corrupt data reads as empty.
type MirrorStore interface {
	ReadGoals(statuses ...GoalStatus) []Goal
	WriteGoals(goals []Goal) error

	UpsertPendingEntry(entry PendingEntry) error
	RemovePendingEntry(id string) error
	ListPendingEntries() []PendingEntry

	ReadDerivedState() DerivedState
	WriteDerivedState(state DerivedState) error
}
