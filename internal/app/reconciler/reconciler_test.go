package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tasbih-app/tasbih/internal/domain"
	"github.com/tasbih-app/tasbih/internal/infra/mirror"
)

// ─── Test Doubles ───────────────────────────────────────────────────────────

// fakeServer applies deltas additively, dedups by key and records the order
// in which operations were applied.
type fakeServer struct {
	mu      sync.Mutex
	goals   map[string]*domain.Goal
	seen    map[string]bool
	applied []int64
	batches [][]string

	// failures by idempotency key; consumed on use
	fail map[string]error
	// applied but answered with an error, as if the response was lost
	lose map[string]error
	down error
}

func newFakeServer(goals ...domain.Goal) *fakeServer {
	s := &fakeServer{
		goals: map[string]*domain.Goal{},
		seen:  map[string]bool{},
		fail:  map[string]error{},
		lose:  map[string]error{},
	}
	for _, g := range goals {
		g := g
		s.goals[g.ID] = &g
	}
	return s
}

func (s *fakeServer) apply(req domain.AppendRequest) (*domain.AppendResult, error) {
	if s.down != nil {
		return nil, s.down
	}
	if err, ok := s.fail[req.IdempotencyKey]; ok {
		delete(s.fail, req.IdempotencyKey)
		return nil, err
	}
	g, ok := s.goals[req.GoalID]
	if !ok {
		return nil, fmt.Errorf("%w: %w", domain.ErrRemoteValidation, domain.ErrGoalNotFound)
	}
	if s.seen[req.IdempotencyKey] {
		cp := *g
		return &domain.AppendResult{Goal: &cp, Duplicate: true}, nil
	}
	s.seen[req.IdempotencyKey] = true
	s.applied = append(s.applied, req.Amount)
	completed := g.Apply(req.Amount, time.Now())
	if err, ok := s.lose[req.IdempotencyKey]; ok {
		delete(s.lose, req.IdempotencyKey)
		return nil, err
	}
	cp := *g
	return &domain.AppendResult{Goal: &cp, CompletedNow: completed}, nil
}

func (s *fakeServer) AppendProgress(_ context.Context, req domain.AppendRequest) (*domain.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(req)
}

func (s *fakeServer) SyncBatch(_ context.Context, events []domain.AppendRequest) ([]domain.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down != nil {
		return nil, s.down
	}
	keys := make([]string, len(events))
	out := make([]domain.SyncResult, len(events))
	for i, ev := range events {
		keys[i] = ev.IdempotencyKey
		res, err := s.apply(ev)
		switch {
		case err != nil:
			out[i] = domain.SyncResult{IdempotencyKey: ev.IdempotencyKey, Status: domain.SyncRejected, Error: err.Error()}
		case res.Duplicate:
			out[i] = domain.SyncResult{IdempotencyKey: ev.IdempotencyKey, Status: domain.SyncDuplicate, Result: res}
		default:
			out[i] = domain.SyncResult{IdempotencyKey: ev.IdempotencyKey, Status: domain.SyncAccepted, Result: res}
		}
	}
	s.batches = append(s.batches, keys)
	return out, nil
}

func (s *fakeServer) ListGoals(_ context.Context, _ ...domain.GoalStatus) ([]domain.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Goal
	for _, g := range s.goals {
		out = append(out, *g)
	}
	return out, nil
}

func (s *fakeServer) DerivedState(_ context.Context) (*domain.DerivedState, error) {
	return &domain.DerivedState{Streaks: []domain.Streak{{Scope: domain.ScopeAll, CurrentDays: 2, LongestDays: 5}}}, nil
}

func (s *fakeServer) value(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.goals[id].CurrentValue
}

// single hides SyncBatch so the reconciler sends one entry per call.
type single struct{ s *fakeServer }

func (t single) AppendProgress(ctx context.Context, req domain.AppendRequest) (*domain.AppendResult, error) {
	return t.s.AppendProgress(ctx, req)
}

// ─── Fixtures ───────────────────────────────────────────────────────────────

func newTestStore(t *testing.T) *mirror.Store {
	t.Helper()
	s, err := mirror.Open(filepath.Join(t.TempDir(), "mirror.db"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("open mirror: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testGoal(id string, current int64) domain.Goal {
	return domain.Goal{
		ID: id, UserID: "u1", Title: "Goal " + id, Category: domain.CategoryZikr,
		TargetValue: 100, CurrentValue: current, Status: domain.GoalActive,
	}
}

func enqueue(t *testing.T, s *mirror.Store, key, goal string, delta int64) {
	t.Helper()
	event := domain.EventTap
	if delta < 0 {
		event = domain.EventUndo
	}
	err := s.UpsertPendingEntry(domain.PendingEntry{
		ID:             key,
		IdempotencyKey: key,
		Payload: domain.EventPayload{
			SessionID: "s1", GoalID: goal, Delta: delta, EventType: event,
			Date: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", key, err)
	}
}

func quietLogger() Option { return WithLogger(log.New(io.Discard, "", 0)) }

// ─── Ordering ───────────────────────────────────────────────────────────────

func TestDrainQueue_ReplaysInCreationOrder(t *testing.T) {
	tests := []struct {
		name      string
		transport func(*fakeServer) Transport
		batchSize int
		batches   int
	}{
		{"single", func(s *fakeServer) Transport { return single{s} }, 0, 0},
		{"batched", func(s *fakeServer) Transport { return s }, 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			server := newFakeServer(testGoal("g", 0))
			for i, d := range []int64{1, 1, -1, 3} {
				enqueue(t, store, fmt.Sprintf("k%d", i), "g", d)
			}

			r := New(Config{BatchSize: tt.batchSize}, store, tt.transport(server), quietLogger())
			report, err := r.DrainQueue(context.Background())
			if err != nil {
				t.Fatalf("DrainQueue() error: %v", err)
			}

			want := []int64{1, 1, -1, 3}
			if fmt.Sprint(server.applied) != fmt.Sprint(want) {
				t.Errorf("applied = %v, want %v", server.applied, want)
			}
			if server.value("g") != 4 {
				t.Errorf("server value = %d, want 4", server.value("g"))
			}
			if report.Synced != 4 || report.Remaining != 0 || report.Batches != tt.batches {
				t.Errorf("report = %+v", report)
			}
			if n := len(store.ListPendingEntries()); n != 0 {
				t.Errorf("pending = %d, want 0", n)
			}
		})
	}
}

// ─── Idempotency ────────────────────────────────────────────────────────────

func TestDrainQueue_LostAckReplaysAsDuplicate(t *testing.T) {
	store := newTestStore(t)
	server := newFakeServer(testGoal("g", 10))
	server.lose["k1"] = fmt.Errorf("%w: 502", domain.ErrRemoteUnavailable)
	enqueue(t, store, "k1", "g", 5)

	r := New(DefaultConfig(), store, single{server}, quietLogger())
	report, err := r.DrainQueue(context.Background())
	if err != nil {
		t.Fatalf("first drain error: %v", err)
	}
	if report.Deferred != 1 || len(store.ListPendingEntries()) != 1 {
		t.Fatalf("first drain report = %+v, want the entry kept", report)
	}

	report, err = r.DrainQueue(context.Background())
	if err != nil {
		t.Fatalf("second drain error: %v", err)
	}
	if report.Duplicate != 1 {
		t.Errorf("second drain report = %+v, want one duplicate", report)
	}
	if server.value("g") != 15 {
		t.Errorf("server value = %d, want 15 (applied once)", server.value("g"))
	}
	if len(store.ListPendingEntries()) != 0 {
		t.Error("duplicate acknowledgement should remove the entry")
	}
}

// ─── Failures ───────────────────────────────────────────────────────────────

func TestDrainQueue_OfflineDefersEverything(t *testing.T) {
	for _, name := range []string{"single", "batched"} {
		t.Run(name, func(t *testing.T) {
			store := newTestStore(t)
			server := newFakeServer(testGoal("a", 0), testGoal("b", 0))
			server.down = fmt.Errorf("%w: dial tcp: connection refused", domain.ErrOffline)
			enqueue(t, store, "k1", "a", 1)
			enqueue(t, store, "k2", "b", 1)
			enqueue(t, store, "k3", "a", 2)

			var transport Transport = server
			if name == "single" {
				transport = single{server}
			}
			r := New(DefaultConfig(), store, transport, quietLogger())
			report, err := r.DrainQueue(context.Background())
			if !errors.Is(err, domain.ErrOffline) {
				t.Fatalf("DrainQueue() = %v, want ErrOffline", err)
			}
			if report.Deferred != 3 || report.Remaining != 3 {
				t.Errorf("report = %+v, want all 3 deferred", report)
			}
			pending := store.ListPendingEntries()
			if len(pending) != 3 || pending[0].ID != "k1" {
				t.Errorf("queue order changed: %+v", pending)
			}
			if r.Stats().LastError == "" {
				t.Error("Stats().LastError should record the deferral")
			}
		})
	}
}

func TestDrainQueue_TransientFailureBlocksOnlyItsLane(t *testing.T) {
	store := newTestStore(t)
	server := newFakeServer(testGoal("a", 0), testGoal("b", 0))
	server.fail["k1"] = fmt.Errorf("%w: 503", domain.ErrRemoteUnavailable)
	enqueue(t, store, "k1", "a", 1)
	enqueue(t, store, "k2", "b", 1)
	enqueue(t, store, "k3", "a", -1)

	r := New(DefaultConfig(), store, single{server}, quietLogger())
	report, err := r.DrainQueue(context.Background())
	if err != nil {
		t.Fatalf("DrainQueue() error: %v", err)
	}
	if fmt.Sprint(server.applied) != "[1]" || server.value("b") != 1 {
		t.Errorf("applied = %v, want only b's entry", server.applied)
	}
	if report.Synced != 1 || report.Deferred != 2 {
		t.Errorf("report = %+v", report)
	}

	pending := store.ListPendingEntries()
	if len(pending) != 2 || pending[0].ID != "k1" || pending[1].ID != "k3" {
		t.Fatalf("pending = %+v, want [k1 k3]", pending)
	}
	if pending[0].Attempts != 1 || pending[0].LastError == "" {
		t.Errorf("failed entry = %+v, want one recorded attempt", pending[0])
	}
	if pending[1].Attempts != 0 {
		t.Errorf("held-back entry should not count an attempt: %+v", pending[1])
	}

	// Next cycle replays the lane in order.
	if _, err := r.DrainQueue(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(server.applied) != "[1 1 -1]" {
		t.Errorf("applied = %v, want [1 1 -1]", server.applied)
	}
}

func TestDrainQueue_PartialBatchRejection(t *testing.T) {
	store := newTestStore(t)
	server := newFakeServer(testGoal("a", 0))
	enqueue(t, store, "k1", "a", 1)
	enqueue(t, store, "k2", "deleted-goal", 1)
	enqueue(t, store, "k3", "a", 1)

	var rejected []string
	r := New(DefaultConfig(), store, server, quietLogger(),
		WithRejectHandler(func(e domain.PendingEntry, err error) {
			if !errors.Is(err, domain.ErrRemoteValidation) {
				t.Errorf("reject error = %v, want ErrRemoteValidation", err)
			}
			rejected = append(rejected, e.ID)
		}))

	report, err := r.DrainQueue(context.Background())
	if err != nil {
		t.Fatalf("DrainQueue() error: %v", err)
	}
	if report.Synced != 2 || report.Rejected != 1 || len(report.Failures) != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(rejected) != 1 || rejected[0] != "k2" {
		t.Errorf("rejected = %v, want [k2]", rejected)
	}
	if len(store.ListPendingEntries()) != 0 {
		t.Error("queue should be empty: acknowledged and rejected entries both leave")
	}
}

// refusingBatch fails every batch as a whole.
type refusingBatch struct{ *fakeServer }

func (refusingBatch) SyncBatch(context.Context, []domain.AppendRequest) ([]domain.SyncResult, error) {
	return nil, fmt.Errorf("%w: 400 malformed batch", domain.ErrRemoteValidation)
}

func TestDrainQueue_RefusedBatchFallsBackToSingleSends(t *testing.T) {
	store := newTestStore(t)
	server := newFakeServer(testGoal("a", 0))
	enqueue(t, store, "k1", "a", 2)
	enqueue(t, store, "k2", "a", 3)

	r := New(DefaultConfig(), store, refusingBatch{server}, quietLogger())
	report, err := r.DrainQueue(context.Background())
	if err != nil {
		t.Fatalf("DrainQueue() error: %v", err)
	}
	if report.Synced != 2 || report.Attempted != 2 {
		t.Errorf("report = %+v", report)
	}
	if server.value("a") != 5 {
		t.Errorf("server value = %d, want 5", server.value("a"))
	}
}

// ─── Mirror Updates ─────────────────────────────────────────────────────────

func TestDrainQueue_MergesAuthoritativeGoal(t *testing.T) {
	store := newTestStore(t)
	local := testGoal("g", 32)
	local.TargetValue = 33
	store.WriteGoals([]domain.Goal{local})
	server := newFakeServer(local)
	enqueue(t, store, "k1", "g", 1)

	var completed []string
	r := New(DefaultConfig(), store, single{server}, quietLogger(),
		WithCompletionHandler(func(g domain.Goal) { completed = append(completed, g.ID) }))
	if _, err := r.DrainQueue(context.Background()); err != nil {
		t.Fatal(err)
	}

	g, ok := store.GetGoal("g")
	if !ok || g.CurrentValue != 33 || g.Status != domain.GoalCompleted {
		t.Errorf("mirror goal = %+v, want completed at 33", g)
	}
	if len(completed) != 1 {
		t.Errorf("completion handler called %d times, want 1", len(completed))
	}
}

func TestMarkSynced(t *testing.T) {
	store := newTestStore(t)
	local := testGoal("g", 10)
	store.WriteGoals([]domain.Goal{local})
	enqueue(t, store, "k1", "g", 1)
	server := newFakeServer(local)
	r := New(DefaultConfig(), store, single{server}, quietLogger())

	if err := r.MarkSynced("k1", "other-key"); err == nil {
		t.Error("MarkSynced with a mismatched key should fail")
	}
	if list := store.ListPendingEntries(); len(list) != 1 || list[0].Synced {
		t.Fatal("mismatched ack must leave the entry queued and unflagged")
	}
	if err := r.MarkSynced("k1", "k1"); err != nil {
		t.Fatalf("MarkSynced() error: %v", err)
	}
	list := store.ListPendingEntries()
	if len(list) != 1 || !list[0].Synced {
		t.Fatalf("queue after MarkSynced = %+v, want k1 flagged", list)
	}

	// The flagged entry no longer inflates the merged value.
	remote := testGoal("g", 11)
	if err := store.MergeRemote([]domain.Goal{remote}, false); err != nil {
		t.Fatal(err)
	}
	if g, _ := store.GetGoal("g"); g.CurrentValue != 11 {
		t.Errorf("merged value = %d, want 11 without the flagged delta", g.CurrentValue)
	}

	// The next drain drops it without sending it again.
	report, err := r.DrainQueue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Attempted != 0 || report.Remaining != 0 {
		t.Errorf("report = %+v, want nothing attempted and an empty queue", report)
	}
	if len(server.applied) != 0 {
		t.Errorf("server applied %v, want nothing", server.applied)
	}
	if err := r.MarkSynced("k1", "k1"); err != nil {
		t.Errorf("MarkSynced on a removed entry should be a no-op, got %v", err)
	}
}

func TestRefresh(t *testing.T) {
	store := newTestStore(t)
	store.WriteGoals([]domain.Goal{testGoal("stale", 1)})
	server := newFakeServer(testGoal("g", 40))
	r := New(DefaultConfig(), store, server, quietLogger())

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	goals := store.ReadGoals()
	if len(goals) != 1 || goals[0].ID != "g" || goals[0].CurrentValue != 40 {
		t.Errorf("goals = %+v, want the server's", goals)
	}
	if store.ReadDerivedState().StreakFor(domain.ScopeAll).LongestDays != 5 {
		t.Error("derived state should be cached")
	}
}

// ─── Triggers ───────────────────────────────────────────────────────────────

func TestRun_DrainsOnStartAndOnline(t *testing.T) {
	store := newTestStore(t)
	server := newFakeServer(testGoal("g", 0))
	enqueue(t, store, "k1", "g", 1)

	r := New(Config{Interval: time.Hour}, store, server, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitEmpty(t, store)
	enqueue(t, store, "k2", "g", 1)
	r.NotifyOnline()
	waitEmpty(t, store)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if server.value("g") != 2 {
		t.Errorf("server value = %d, want 2", server.value("g"))
	}
	if r.Stats().Drains < 2 {
		t.Errorf("Drains = %d, want at least 2", r.Stats().Drains)
	}
}

func TestNotifyOnline_NeverBlocks(t *testing.T) {
	r := New(DefaultConfig(), newTestStore(t), single{newFakeServer()}, quietLogger())
	for i := 0; i < 5; i++ {
		r.NotifyOnline()
	}
}

func waitEmpty(t *testing.T, s *mirror.Store) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.ListPendingEntries()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("queue was not drained")
}
