package domain

import (
	"fmt"
	"time"
)

// ─── Progress Types ─────────────────────────────────────────────────────────
// Progress is an append-only log of additive facts. The server folds it into
// Goal.CurrentValue; the client queues not-yet-acknowledged facts as
// PendingEntry values.

// EventType records why a delta was produced.
type EventType string

const (
	EventTap    EventType = "tap"
	EventBulk   EventType = "bulk"
	EventAuto   EventType = "auto"
	EventUndo   EventType = "undo"
	EventReset  EventType = "reset"
	EventManual EventType = "manual"
)

// Correction reports whether the event type may carry a negative delta.
func (t EventType) Correction() bool {
	return t == EventUndo || t == EventReset
}

// ProgressEntry is an immutable fact "goal G gained Amount on Date".
type ProgressEntry struct {
	ID             string    `json:"id"`
	GoalID         string    `json:"goal_id"`
	UserID         string    `json:"user_id"`
	Item           string    `json:"item,omitempty"`
	Amount         int64     `json:"amount"`
	Date           time.Time `json:"date"`
	Notes          string    `json:"notes,omitempty"`
	EventType      EventType `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// AppendRequest asks the progress service to apply one delta. The
// idempotency key is mandatory. GoalID may be empty for standalone counter
// taps, which only feed cumulative dhikr totals.
type AppendRequest struct {
	IdempotencyKey string    `json:"idempotency_key"`
	GoalID         string    `json:"goal_id,omitempty"`
	Item           string    `json:"item,omitempty"`
	Amount         int64     `json:"amount"`
	Date           time.Time `json:"date"`
	Notes          string    `json:"notes,omitempty"`
	EventType      EventType `json:"event_type"`
}

// Validate checks request invariants that do not need storage.
func (r AppendRequest) Validate() error {
	if r.IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}
	if r.Amount == 0 {
		return fmt.Errorf("%w: amount must be non-zero", ErrInvalidDelta)
	}
	if r.Amount < 0 && !r.EventType.Correction() {
		return fmt.Errorf("%w: negative amount requires an undo or reset event", ErrInvalidDelta)
	}
	if r.GoalID == "" && r.Item == "" {
		return fmt.Errorf("%w: goal_id or item is required", ErrInvalidDelta)
	}
	return nil
}

// AppendResult is the authoritative outcome of an accepted (or duplicate)
// append. CompletedNow is true only for the single append that moved the
// goal into completed status; replays report Duplicate and never CompletedNow.
type AppendResult struct {
	Goal         *Goal    `json:"goal,omitempty"`
	Duplicate    bool     `json:"duplicate"`
	CompletedNow bool     `json:"completed_now"`
	Streaks      []Streak `json:"streaks,omitempty"`
	NewBadges    []Badge  `json:"new_badges,omitempty"`
}

// SyncStatus is the per-event verdict of a batch sync.
type SyncStatus string

const (
	SyncAccepted  SyncStatus = "accepted"
	SyncDuplicate SyncStatus = "duplicate"
	SyncRejected  SyncStatus = "rejected"
)

// Acknowledged reports whether the event may leave the client queue.
func (s SyncStatus) Acknowledged() bool {
	return s == SyncAccepted || s == SyncDuplicate
}

// SyncResult pairs one batch event with its verdict.
type SyncResult struct {
	IdempotencyKey string        `json:"idempotency_key"`
	Status         SyncStatus    `json:"status"`
	Error          string        `json:"error,omitempty"`
	Result         *AppendResult `json:"result,omitempty"`
}

// ─── Pending Entries ────────────────────────────────────────────────────────

// PendingEntry is a locally applied delta awaiting remote acknowledgement.
// ID equals the idempotency key; Target() is the goal or session the entry
// belongs to and defines the FIFO lane it is replayed in.
type PendingEntry struct {
	ID             string       `json:"id"`
	Seq            int64        `json:"seq"`
	IdempotencyKey string       `json:"idempotency_key"`
	Payload        EventPayload `json:"payload"`
	Synced         bool         `json:"synced"`
	Attempts       int          `json:"attempts"`
	LastError      string       `json:"last_error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// EventPayload is what a pending entry will send.
type EventPayload struct {
	SessionID string    `json:"session_id"`
	GoalID    string    `json:"goal_id,omitempty"`
	Item      string    `json:"item,omitempty"`
	Delta     int64     `json:"delta"`
	EventType EventType `json:"event_type"`
	Date      time.Time `json:"date"`
	Notes     string    `json:"notes,omitempty"`
}

// Target returns the goal id when the entry is bound to a goal and the
// session id otherwise.
func (p PendingEntry) Target() string {
	if p.Payload.GoalID != "" {
		return p.Payload.GoalID
	}
	return p.Payload.SessionID
}

// Request converts the entry into the wire request that replays it.
func (p PendingEntry) Request() AppendRequest {
	return AppendRequest{
		IdempotencyKey: p.IdempotencyKey,
		GoalID:         p.Payload.GoalID,
		Item:           p.Payload.Item,
		Amount:         p.Payload.Delta,
		Date:           p.Payload.Date,
		Notes:          p.Payload.Notes,
		EventType:      p.Payload.EventType,
	}
}

// PendingDeltas sums the unsynced deltas per goal id.
func PendingDeltas(entries []PendingEntry) map[string]int64 {
	out := make(map[string]int64)
	for _, e := range entries {
		if e.Synced || e.Payload.GoalID == "" {
			continue
		}
		out[e.Payload.GoalID] += e.Payload.Delta
	}
	return out
}
