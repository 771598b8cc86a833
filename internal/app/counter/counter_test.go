package counter

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

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeRemote applies deltas additively and dedups by key, like the service.
type fakeRemote struct {
	mu      sync.Mutex
	goals   map[string]domain.Goal
	seen    map[string]bool
	calls   []domain.AppendRequest
	failAll error
	fail    map[string]error
}

func newFakeRemote(goals ...domain.Goal) *fakeRemote {
	r := &fakeRemote{goals: map[string]domain.Goal{}, seen: map[string]bool{}, fail: map[string]error{}}
	for _, g := range goals {
		r.goals[g.ID] = g
	}
	return r
}

func (r *fakeRemote) AppendProgress(_ context.Context, req domain.AppendRequest) (*domain.AppendResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.failAll != nil {
		return nil, r.failAll
	}
	if err := r.fail[req.GoalID]; err != nil {
		return nil, err
	}
	if r.seen[req.IdempotencyKey] {
		g := r.goals[req.GoalID]
		return &domain.AppendResult{Goal: &g, Duplicate: true}, nil
	}
	r.seen[req.IdempotencyKey] = true
	if req.GoalID == "" {
		return &domain.AppendResult{}, nil
	}
	g := r.goals[req.GoalID]
	completed := g.Apply(req.Amount, time.Now())
	r.goals[req.GoalID] = g
	return &domain.AppendResult{Goal: &g, CompletedNow: completed}, nil
}

func (r *fakeRemote) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type countingNotifier struct {
	mu    sync.Mutex
	goals []string
}

func (n *countingNotifier) GoalCompleted(g domain.Goal) {
	n.mu.Lock()
	n.goals = append(n.goals, g.ID)
	n.mu.Unlock()
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.goals)
}

// ─── Fixtures ───────────────────────────────────────────────────────────────

type fixture struct {
	engine   *Engine
	store    *mirror.Store
	remote   *fakeRemote
	clock    *fakeClock
	notifier *countingNotifier
	errs     []error
}

func goal(id string, target, current int64, counter string) domain.Goal {
	return domain.Goal{
		ID: id, UserID: "u1", Title: "Goal " + id, Category: domain.CategoryZikr,
		TargetValue: target, CurrentValue: current, LinkedCounter: counter,
		Status: domain.GoalActive,
	}
}

func newFixture(t *testing.T, goals ...domain.Goal) *fixture {
	t.Helper()
	store, err := mirror.Open(filepath.Join(t.TempDir(), "mirror.db"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("open mirror: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.WriteGoals(goals); err != nil {
		t.Fatalf("seed goals: %v", err)
	}

	f := &fixture{
		store:    store,
		remote:   newFakeRemote(goals...),
		clock:    &fakeClock{t: time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)},
		notifier: &countingNotifier{},
	}
	f.engine = New(DefaultConfig(), store, f.remote,
		WithClock(f.clock.Now),
		WithNotifier(f.notifier),
		WithErrorSink(func(err error) { f.errs = append(f.errs, err) }),
		WithLogger(log.New(io.Discard, "", 0)),
	)
	t.Cleanup(f.engine.EndSession)
	return f
}

func (f *fixture) goal(t *testing.T, id string) domain.Goal {
	t.Helper()
	for _, g := range f.store.ReadGoals() {
		if g.ID == id {
			return g
		}
	}
	t.Fatalf("goal %s not in mirror", id)
	return domain.Goal{}
}

// ─── Sessions ───────────────────────────────────────────────────────────────

func TestStartSession_SeedsTallyFromGoal(t *testing.T) {
	f := newFixture(t, goal("g1", 100, 40, ""))
	sess, err := f.engine.StartSession(domain.GoalRef{GoalID: "g1"})
	if err != nil {
		t.Fatalf("StartSession() error: %v", err)
	}
	if sess.Tally != 40 || len(sess.GoalIDs) != 1 {
		t.Errorf("session = %+v, want tally 40 bound to g1", sess)
	}
	if _, ok := f.store.GetSession("g1"); !ok {
		t.Error("session snapshot should be stored under the goal id")
	}
}

func TestStartSession_UnknownGoal(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.StartSession(domain.GoalRef{GoalID: "nope"}); !errors.Is(err, domain.ErrGoalNotFound) {
		t.Errorf("StartSession() = %v, want ErrGoalNotFound", err)
	}
}

func TestStartSession_CounterBindsActiveLinkedGoals(t *testing.T) {
	paused := goal("p", 10, 0, "tasbih")
	paused.Status = domain.GoalPaused
	f := newFixture(t, goal("a", 10, 0, "tasbih"), goal("b", 10, 0, "tasbih"), goal("c", 10, 0, "salawat"), paused)

	sess, err := f.engine.StartSession(domain.GoalRef{Counter: "tasbih"})
	if err != nil {
		t.Fatalf("StartSession() error: %v", err)
	}
	if len(sess.GoalIDs) != 2 || sess.GoalIDs[0] != "a" || sess.GoalIDs[1] != "b" {
		t.Errorf("GoalIDs = %v, want [a b]", sess.GoalIDs)
	}
}

func TestTap_NoSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Tap(context.Background(), 1, TapOptions{}); !errors.Is(err, domain.ErrNoSession) {
		t.Errorf("Tap() = %v, want ErrNoSession", err)
	}
}

func TestTap_RejectsNegativeDelta(t *testing.T) {
	f := newFixture(t, goal("g1", 10, 5, ""))
	f.engine.StartSession(domain.GoalRef{GoalID: "g1"})
	if _, err := f.engine.Tap(context.Background(), -1, TapOptions{}); !errors.Is(err, domain.ErrInvalidDelta) {
		t.Errorf("Tap(-1) = %v, want ErrInvalidDelta", err)
	}
	if _, err := f.engine.Tap(context.Background(), 1, TapOptions{EventType: domain.EventUndo}); !errors.Is(err, domain.ErrInvalidDelta) {
		t.Errorf("Tap(undo) = %v, want ErrInvalidDelta", err)
	}
}

// ─── Optimistic Updates ─────────────────────────────────────────────────────

func TestTap_OfflineIsOptimistic(t *testing.T) {
	f := newFixture(t, goal("g1", 100, 10, ""))
	f.remote.failAll = fmt.Errorf("%w: connection refused", domain.ErrOffline)
	f.engine.StartSession(domain.GoalRef{GoalID: "g1"})

	tally, err := f.engine.Tap(context.Background(), 3, TapOptions{})
	if err != nil {
		t.Fatalf("Tap() error: %v", err)
	}
	if tally != 13 {
		t.Errorf("tally = %d, want 13", tally)
	}
	if g := f.goal(t, "g1"); g.CurrentValue != 13 {
		t.Errorf("mirror CurrentValue = %d, want 13", g.CurrentValue)
	}

	pending := f.store.ListPendingEntries()
	if len(pending) != 1 || pending[0].Payload.Delta != 3 || pending[0].Attempts != 1 {
		t.Fatalf("pending = %+v, want one entry with one failed attempt", pending)
	}
	if pending[0].IdempotencyKey == "" || pending[0].Target() != "g1" {
		t.Errorf("entry = %+v", pending[0])
	}
	if len(f.errs) != 0 {
		t.Errorf("transient failures must stay silent, got %v", f.errs)
	}
}

func TestTap_OnlineRemovesAcknowledgedEntry(t *testing.T) {
	f := newFixture(t, goal("g1", 100, 10, ""))
	f.engine.StartSession(domain.GoalRef{GoalID: "g1"})

	if _, err := f.engine.Tap(context.Background(), 1, TapOptions{}); err != nil {
		t.Fatal(err)
	}
	if n := len(f.store.ListPendingEntries()); n != 0 {
		t.Errorf("pending = %d, want 0 after acknowledgement", n)
	}
	if g := f.goal(t, "g1"); g.CurrentValue != 11 {
		t.Errorf("CurrentValue = %d, want 11", g.CurrentValue)
	}
}

func TestTap_Throttle(t *testing.T) {
	f := newFixture(t, goal("g1", 100, 0, ""))
	f.engine.StartSession(domain.GoalRef{GoalID: "g1"})
	ctx := context.Background()

	f.engine.Tap(ctx, 1, TapOptions{})
	f.clock.Advance(100 * time.Millisecond)
	if _, err := f.engine.Tap(ctx, 1, TapOptions{}); !errors.Is(err, domain.ErrThrottled) {
		t.Errorf("second tap = %v, want ErrThrottled", err)
	}
	if _, err := f.engine.Tap(ctx, 1, TapOptions{BypassThrottle: true}); err != nil {
		t.Errorf("bypassed tap = %v", err)
	}
	f.clock.Advance(600 * time.Millisecond)
	tally, err := f.engine.Tap(ctx, 1, TapOptions{})
	if err != nil || tally != 3 {
		t.Errorf("tap after interval = %d, %v, want 3", tally, err)
	}
}

// ─── Undo & Reset ───────────────────────────────────────────────────────────

func TestUndoLast_AppendsReversingEntry(t *testing.T) {
	f := newFixture(t, goal("g1", 100, 20, ""))
	f.remote.failAll = domain.ErrOffline
	f.engine.StartSession(domain.GoalRef{GoalID: "g1"})
	ctx := context.Background()

	f.engine.Tap(ctx, 5, TapOptions{})
	f.clock.Advance(2 * time.Second)
	tally, err := f.engine.UndoLast(ctx)
	if err != nil {
		t.Fatalf("UndoLast() error: %v", err)
	}
	if tally != 20 {
		t.Errorf("tally = %d, want 20", tally)
	}

	pending := f.store.ListPendingEntries()
	if len(pending) != 2 {
		t.Fatalf("pending = %d entries, want 2", len(pending))
	}
	if pending[0].Payload.Delta != 5 || pending[1].Payload.Delta != -5 {
		t.Errorf("deltas = %d, %d, want 5, -5", pending[0].Payload.Delta, pending[1].Payload.Delta)
	}
	if pending[1].Payload.EventType != domain.EventUndo || pending[0].IdempotencyKey == pending[1].IdempotencyKey {
		t.Errorf("undo entry = %+v", pending[1])
	}

	if _, err := f.engine.UndoLast(ctx); !errors.Is(err, domain.ErrNothingToUndo) {
		t.Errorf("second UndoLast() = %v, want ErrNothingToUndo", err)
	}
}

func TestUndoLast_WindowExpires(t *testing.T) {
	f := newFixture(t, goal("g1", 100, 0, ""))
	f.engine.StartSession(domain.GoalRef{GoalID: "g1"})
	ctx := context.Background()

	f.engine.Tap(ctx, 1, TapOptions{})
	if !f.engine.CanUndo() {
		t.Error("CanUndo() should be true right after a tap")
	}
	f.clock.Advance(6 * time.Second)
	if f.engine.CanUndo() {
		t.Error("CanUndo() should be false after the window")
	}
	if _, err := f.engine.UndoLast(ctx); !errors.Is(err, domain.ErrUndoExpired) {
		t.Errorf("UndoLast() = %v, want ErrUndoExpired", err)
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	f.remote.failAll = domain.ErrOffline
	f.engine.StartSession(domain.GoalRef{Item: "subhanallah"})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.engine.Tap(ctx, 1, TapOptions{BypassThrottle: true})
	}
	tally, err := f.engine.Reset(ctx)
	if err != nil || tally != 0 {
		t.Fatalf("Reset() = %d, %v, want 0", tally, err)
	}

	pending := f.store.ListPendingEntries()
	last := pending[len(pending)-1]
	if last.Payload.Delta != -4 || last.Payload.EventType != domain.EventReset || last.Payload.Item != "subhanallah" {
		t.Errorf("reset entry = %+v", last)
	}
	if _, err := f.engine.UndoLast(ctx); !errors.Is(err, domain.ErrNothingToUndo) {
		t.Errorf("UndoLast() after reset = %v, want ErrNothingToUndo", err)
	}
}

// ─── Fan-Out ────────────────────────────────────────────────────────────────

func TestTap_FanOutPartialFailure(t *testing.T) {
	f := newFixture(t, goal("a", 100, 1, "tasbih"), goal("b", 100, 2, "tasbih"), goal("c", 100, 3, "tasbih"))
	f.remote.fail["b"] = fmt.Errorf("%w: timeout", domain.ErrOffline)
	f.engine.StartSession(domain.GoalRef{Counter: "tasbih"})

	if _, err := f.engine.Tap(context.Background(), 1, TapOptions{}); err != nil {
		t.Fatalf("Tap() error: %v", err)
	}

	want := map[string]int64{"a": 2, "b": 3, "c": 4}
	for id, v := range want {
		if g := f.goal(t, id); g.CurrentValue != v {
			t.Errorf("goal %s CurrentValue = %d, want %d", id, g.CurrentValue, v)
		}
	}
	pending := f.store.ListPendingEntries()
	if len(pending) != 1 || pending[0].Payload.GoalID != "b" {
		t.Errorf("pending = %+v, want only b's entry", pending)
	}
	if f.remote.callCount() != 3 {
		t.Errorf("remote calls = %d, want 3", f.remote.callCount())
	}
}

// ─── Delivery Ordering ──────────────────────────────────────────────────────

func TestTap_LeavesQueuedLaneToReconciler(t *testing.T) {
	f := newFixture(t, goal("g1", 100, 0, ""))
	f.engine.StartSession(domain.GoalRef{GoalID: "g1"})
	ctx := context.Background()

	f.remote.failAll = domain.ErrOffline
	f.engine.Tap(ctx, 1, TapOptions{})
	f.remote.failAll = nil

	f.clock.Advance(time.Second)
	f.engine.Tap(ctx, 1, TapOptions{})

	if f.remote.callCount() != 1 {
		t.Errorf("remote calls = %d, want 1: the second tap waits behind the first", f.remote.callCount())
	}
	if n := len(f.store.ListPendingEntries()); n != 2 {
		t.Errorf("pending = %d, want 2", n)
	}
}

func TestTap_RejectedEntryIsDroppedAndReported(t *testing.T) {
	f := newFixture(t, goal("g1", 100, 0, ""))
	f.remote.fail["g1"] = fmt.Errorf("%w: %w", domain.ErrRemoteValidation, domain.ErrGoalNotFound)
	f.engine.StartSession(domain.GoalRef{GoalID: "g1"})

	f.engine.Tap(context.Background(), 1, TapOptions{})
	if n := len(f.store.ListPendingEntries()); n != 0 {
		t.Errorf("pending = %d, want rejected entry removed", n)
	}
	if len(f.errs) != 1 || !errors.Is(f.errs[0], domain.ErrGoalNotFound) {
		t.Errorf("reported errors = %v", f.errs)
	}
}

// ─── Completion ─────────────────────────────────────────────────────────────

func TestTap_GoalCompletionNotifiesOnce(t *testing.T) {
	f := newFixture(t, goal("g1", 33, 32, ""))
	f.engine.StartSession(domain.GoalRef{GoalID: "g1"})

	tally, err := f.engine.Tap(context.Background(), 1, TapOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if tally != 33 {
		t.Errorf("tally = %d, want 33", tally)
	}
	g := f.goal(t, "g1")
	if g.Status != domain.GoalCompleted || g.CurrentValue != 33 {
		t.Errorf("goal = %+v, want completed at 33", g)
	}
	if f.notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", f.notifier.count())
	}

	// Replaying the acknowledged event is a duplicate and never renotifies.
	req := f.remote.calls[0]
	res, _ := f.remote.AppendProgress(context.Background(), req)
	f.engine.absorb(res)
	if f.notifier.count() != 1 {
		t.Errorf("notifications after replay = %d, want 1", f.notifier.count())
	}
}

// ─── Auto Mode ──────────────────────────────────────────────────────────────

func TestAuto_StopsAtLimit(t *testing.T) {
	f := newFixture(t, goal("g1", 100, 0, ""))
	f.engine.StartSession(domain.GoalRef{GoalID: "g1"})

	if err := f.engine.StartAuto(context.Background(), AutoOptions{Interval: 2 * time.Millisecond, Limit: 3}); err != nil {
		t.Fatalf("StartAuto() error: %v", err)
	}
	if err := f.engine.StartAuto(context.Background(), AutoOptions{}); !errors.Is(err, ErrAutoRunning) {
		t.Errorf("second StartAuto() = %v, want ErrAutoRunning", err)
	}
	waitAuto(t, f.engine)

	sess, _ := f.engine.Session()
	if sess.Tally != 3 {
		t.Errorf("tally = %d, want 3", sess.Tally)
	}
	if f.engine.AutoRunning() {
		t.Error("auto mode should be off after the limit")
	}
}

func TestAuto_StopsWhenGoalCompletes(t *testing.T) {
	f := newFixture(t, goal("g1", 5, 2, ""))
	f.engine.StartSession(domain.GoalRef{GoalID: "g1"})

	f.engine.StartAuto(context.Background(), AutoOptions{Interval: 2 * time.Millisecond})
	waitAuto(t, f.engine)

	if g := f.goal(t, "g1"); g.CurrentValue != 5 || g.Status != domain.GoalCompleted {
		t.Errorf("goal = %+v, want completed at 5", g)
	}
}

func TestAuto_TornDownWithSession(t *testing.T) {
	f := newFixture(t, goal("g1", 1_000_000, 0, ""))
	f.engine.StartSession(domain.GoalRef{GoalID: "g1"})

	f.engine.StartAuto(context.Background(), AutoOptions{Interval: time.Millisecond})
	time.Sleep(10 * time.Millisecond)
	f.engine.EndSession()

	if f.engine.AutoRunning() {
		t.Fatal("EndSession must stop auto mode")
	}
	before := f.remote.callCount()
	time.Sleep(10 * time.Millisecond)
	if after := f.remote.callCount(); after != before {
		t.Errorf("taps continued after teardown: %d -> %d", before, after)
	}
	if _, ok := f.store.GetSession("g1"); ok {
		t.Error("ended session snapshot should be removed")
	}
}

func TestAuto_CancelledByContext(t *testing.T) {
	f := newFixture(t, goal("g1", 1_000_000, 0, ""))
	f.engine.StartSession(domain.GoalRef{GoalID: "g1"})

	ctx, cancel := context.WithCancel(context.Background())
	f.engine.StartAuto(ctx, AutoOptions{Interval: time.Millisecond})
	cancel()
	waitAuto(t, f.engine)
}

func waitAuto(t *testing.T, e *Engine) {
	t.Helper()
	done := e.AutoDone()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("auto mode did not stop")
	}
}
