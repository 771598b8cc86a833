// Package counter implements the Counter Session Engine: taps become
// optimistic local updates plus idempotent pending entries, and an
// immediate delivery attempt whose failure never rolls anything back.
package counter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tasbih-app/tasbih/internal/domain"
	"github.com/tasbih-app/tasbih/internal/infra/observability"
)

// Store is the slice of the Local Mirror Store the engine needs.
type Store interface {
	ReadGoals(statuses ...domain.GoalStatus) []domain.Goal
	ApplyLocal(update func(goals []domain.Goal) []domain.Goal, entries []domain.PendingEntry) ([]domain.Goal, error)
	UpsertPendingEntry(entry domain.PendingEntry) error
	RemovePendingEntry(id string) error
	ListPendingEntries() []domain.PendingEntry
	MergeRemote(remote []domain.Goal, replaceAll bool) error
	UpsertSession(sess domain.CounterSession) error
	RemoveSession(id string) error
	GetSession(id string) (domain.CounterSession, bool)
	ReadDerivedState() domain.DerivedState
	WriteDerivedState(state domain.DerivedState) error
}

// Remote delivers a single progress delta.
type Remote interface {
	AppendProgress(ctx context.Context, req domain.AppendRequest) (*domain.AppendResult, error)
}

// Notifier is told when a goal completes. Called at most once per goal for
// the lifetime of the engine.
type Notifier interface {
	GoalCompleted(goal domain.Goal)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(goal domain.Goal)

// GoalCompleted calls f.
func (f NotifierFunc) GoalCompleted(goal domain.Goal) { f(goal) }

// ErrAutoRunning is returned when auto mode is already active.
var ErrAutoRunning = errors.New("auto-increment already running")

// Config controls tap pacing.
type Config struct {
	Throttle     time.Duration // minimum spacing between taps (default 500ms)
	UndoWindow   time.Duration // how long the last tap stays undoable (default 5s)
	AutoInterval time.Duration // auto-increment period (default 1s)
	SendTimeout  time.Duration // per immediate remote call (default 5s)
	MaxParallel  int           // concurrent fan-out sends (default 4)
}

// DefaultConfig returns production pacing.
func DefaultConfig() Config {
	return Config{
		Throttle:     500 * time.Millisecond,
		UndoWindow:   5 * time.Second,
		AutoInterval: time.Second,
		SendTimeout:  5 * time.Second,
		MaxParallel:  4,
	}
}

// TapOptions modify a single tap.
type TapOptions struct {
	BypassThrottle bool             // scripted and auto modes
	EventType      domain.EventType // defaults to EventTap
	Notes          string
}

// lastTap is the undo affordance for the most recent forward tap.
type lastTap struct {
	delta int64
	at    time.Time
}

type autoRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine runs one counter session at a time.
type Engine struct {
	cfg      Config
	store    Store
	remote   Remote
	notifier Notifier
	onError  func(error)
	logger   *log.Logger
	now      func() time.Time
	newKey   func() string

	mu       sync.Mutex
	session  *domain.CounterSession
	lastAt   time.Time
	last     *lastTap
	notified map[string]bool
	auto     *autoRun
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the completion notifier.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithErrorSink receives user-facing failures such as rejected entries.
func WithErrorSink(fn func(error)) Option { return func(e *Engine) { e.onError = fn } }

// WithLogger replaces the default stderr logger.
func WithLogger(l *log.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an engine. remote may be nil, in which case every tap stays
// queued for the reconciler.
func New(cfg Config, store Store, remote Remote, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Throttle < 0 {
		cfg.Throttle = 0
	}
	if cfg.UndoWindow <= 0 {
		cfg.UndoWindow = def.UndoWindow
	}
	if cfg.AutoInterval <= 0 {
		cfg.AutoInterval = def.AutoInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = def.MaxParallel
	}
	e := &Engine{
		cfg:      cfg,
		store:    store,
		remote:   remote,
		logger:   log.New(os.Stderr, "[counter] ", log.LstdFlags),
		now:      time.Now,
		newKey:   uuid.NewString,
		notified: make(map[string]bool),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ─── Sessions ───────────────────────────────────────────────────────────────

// StartSession binds a new session to ref, ending any previous one.
//
// A goal ref binds to that goal and seeds the tally from its current value.
// A counter ref binds to every active goal linked to that counter type; with
// none linked it counts standalone. An item ref never binds.
func (e *Engine) StartSession(ref domain.GoalRef) (domain.CounterSession, error) {
	e.StopAuto()

	goals := e.store.ReadGoals()
	sess := domain.CounterSession{ID: e.newKey(), Ref: ref}
	switch {
	case ref.GoalID != "":
		g, ok := findGoal(goals, ref.GoalID)
		if !ok {
			return domain.CounterSession{}, fmt.Errorf("%w: %s", domain.ErrGoalNotFound, ref.GoalID)
		}
		sess.GoalIDs = []string{g.ID}
		sess.Tally = g.CurrentValue
	case ref.Counter != "":
		for _, g := range goals {
			if g.LinkedCounter == ref.Counter && g.Status == domain.GoalActive {
				sess.GoalIDs = append(sess.GoalIDs, g.ID)
			}
		}
		if len(sess.GoalIDs) == 1 {
			g, _ := findGoal(goals, sess.GoalIDs[0])
			sess.Tally = g.CurrentValue
		}
	case ref.Item == "":
		return domain.CounterSession{}, fmt.Errorf("%w: empty goal reference", domain.ErrInvalidDelta)
	}

	now := e.now()
	sess.CreatedAt, sess.UpdatedAt = now, now

	e.mu.Lock()
	prev := e.session
	e.session = &sess
	e.last = nil
	e.lastAt = time.Time{}
	e.mu.Unlock()

	if prev != nil && prev.Key() != sess.Key() {
		e.store.RemoveSession(prev.Key())
	}
	if err := e.store.UpsertSession(sess); err != nil {
		e.logger.Printf("WARNING: persist session %s: %v", sess.ID, err)
	}
	e.logger.Printf("session %s started for %s (%d goals)", sess.ID, ref, len(sess.GoalIDs))
	return sess, nil
}

// ResumeSession restores an unfinished session snapshot stored under key
// (a goal id or session id). Bound goals are re-read from the store.
func (e *Engine) ResumeSession(key string) (domain.CounterSession, error) {
	snap, ok := e.store.GetSession(key)
	if !ok {
		return domain.CounterSession{}, domain.ErrNoSession
	}
	e.StopAuto()

	goals := e.store.ReadGoals()
	var bound []string
	for _, id := range snap.GoalIDs {
		if _, ok := findGoal(goals, id); ok {
			bound = append(bound, id)
		}
	}
	snap.GoalIDs = bound

	e.mu.Lock()
	e.session = &snap
	e.last = nil
	e.lastAt = time.Time{}
	e.mu.Unlock()
	return snap, nil
}

// Session returns a copy of the active session.
func (e *Engine) Session() (domain.CounterSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return domain.CounterSession{}, false
	}
	s := *e.session
	s.GoalIDs = append([]string(nil), e.session.GoalIDs...)
	return s, true
}

// EndSession stops auto mode and drops the session snapshot. Queued
// entries are untouched.
func (e *Engine) EndSession() {
	e.StopAuto()

	e.mu.Lock()
	sess := e.session
	e.session = nil
	e.last = nil
	e.mu.Unlock()

	if sess != nil {
		e.store.RemoveSession(sess.Key())
		e.logger.Printf("session %s ended at tally %d", sess.ID, sess.Tally)
	}
}

// ─── Taps ───────────────────────────────────────────────────────────────────

// Tap adds delta (positive) to the tally and every bound goal, queues one
// pending entry per target and tries to deliver them. Delivery failures are
// not returned: the entries stay queued and the local value stands.
func (e *Engine) Tap(ctx context.Context, delta int64, opts TapOptions) (int64, error) {
	if delta <= 0 {
		return 0, fmt.Errorf("%w: taps must be positive; use UndoLast or Reset", domain.ErrInvalidDelta)
	}
	if opts.EventType == "" {
		opts.EventType = domain.EventTap
	}
	if opts.EventType.Correction() {
		return 0, fmt.Errorf("%w: %s events come from UndoLast or Reset", domain.ErrInvalidDelta, opts.EventType)
	}

	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return 0, domain.ErrNoSession
	}
	now := e.now()
	if !opts.BypassThrottle && !e.lastAt.IsZero() && now.Sub(e.lastAt) < e.cfg.Throttle {
		e.mu.Unlock()
		observability.CounterThrottled.Inc()
		return 0, domain.ErrThrottled
	}
	tally, entries, completed, err := e.applyLocked(delta, opts.EventType, opts.Notes, now)
	if err == nil {
		e.last = &lastTap{delta: delta, at: now}
	}
	e.mu.Unlock()
	if err != nil {
		return 0, err
	}

	e.afterApply(ctx, entries, completed)
	return tally, nil
}

// UndoLast reverses the most recent forward tap while the undo window is
// open. The reversal is a new negative entry; the original stays queued
// or acknowledged as it was.
func (e *Engine) UndoLast(ctx context.Context) (int64, error) {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return 0, domain.ErrNoSession
	}
	if e.last == nil {
		e.mu.Unlock()
		return 0, domain.ErrNothingToUndo
	}
	now := e.now()
	if now.Sub(e.last.at) > e.cfg.UndoWindow {
		e.last = nil
		e.mu.Unlock()
		return 0, domain.ErrUndoExpired
	}
	tally, entries, completed, err := e.applyLocked(-e.last.delta, domain.EventUndo, "", now)
	if err == nil {
		e.last = nil
	}
	e.mu.Unlock()
	if err != nil {
		return 0, err
	}

	e.afterApply(ctx, entries, completed)
	return tally, nil
}

// CanUndo reports whether UndoLast would currently succeed.
func (e *Engine) CanUndo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil && e.last != nil && e.now().Sub(e.last.at) <= e.cfg.UndoWindow
}

// Reset brings the tally to zero through one reversing entry.
func (e *Engine) Reset(ctx context.Context) (int64, error) {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return 0, domain.ErrNoSession
	}
	if e.session.Tally == 0 {
		e.mu.Unlock()
		return 0, nil
	}
	tally, entries, completed, err := e.applyLocked(-e.session.Tally, domain.EventReset, "", e.now())
	if err == nil {
		e.last = nil
	}
	e.mu.Unlock()
	if err != nil {
		return 0, err
	}

	e.afterApply(ctx, entries, completed)
	return tally, nil
}

// applyLocked performs the optimistic update. Every bound goal and the
// queued entries commit in one store write, so the UI sees all of them or
// none. Caller holds e.mu.
func (e *Engine) applyLocked(delta int64, event domain.EventType, notes string, now time.Time) (int64, []domain.PendingEntry, []domain.Goal, error) {
	sess := e.session
	payload := domain.EventPayload{
		SessionID: sess.ID,
		EventType: event,
		Date:      domain.Day(now),
		Notes:     notes,
		Delta:     delta,
	}

	var entries []domain.PendingEntry
	if sess.Bound() {
		for _, id := range sess.GoalIDs {
			p := payload
			p.GoalID = id
			entries = append(entries, e.entry(p, now))
		}
	} else {
		p := payload
		p.Item = sess.Ref.Item
		if p.Item == "" {
			p.Item = sess.Ref.Counter
		}
		entries = append(entries, e.entry(p, now))
	}

	var completed []domain.Goal
	bound := make(map[string]bool, len(sess.GoalIDs))
	for _, id := range sess.GoalIDs {
		bound[id] = true
	}
	_, err := e.store.ApplyLocal(func(goals []domain.Goal) []domain.Goal {
		for i := range goals {
			if !bound[goals[i].ID] {
				continue
			}
			if goals[i].Apply(delta, now) {
				completed = append(completed, goals[i])
			}
		}
		return goals
	}, entries)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("apply tap locally: %w", err)
	}

	sess.Tally += delta
	if sess.Tally < 0 {
		sess.Tally = 0
	}
	sess.UpdatedAt = now
	e.lastAt = now
	if err := e.store.UpsertSession(*sess); err != nil {
		e.logger.Printf("WARNING: persist session %s: %v", sess.ID, err)
	}
	observability.CounterTaps.WithLabelValues(string(event)).Inc()
	observability.PendingQueueDepth.Set(float64(len(e.store.ListPendingEntries())))
	return sess.Tally, entries, completed, nil
}

func (e *Engine) entry(p domain.EventPayload, now time.Time) domain.PendingEntry {
	key := e.newKey()
	return domain.PendingEntry{ID: key, IdempotencyKey: key, Payload: p, CreatedAt: now}
}

// afterApply notifies local completions and delivers the new entries.
func (e *Engine) afterApply(ctx context.Context, entries []domain.PendingEntry, completed []domain.Goal) {
	for _, g := range completed {
		e.notify(g)
	}
	e.deliver(ctx, entries)
}

// ─── Delivery ───────────────────────────────────────────────────────────────

// deliver sends each entry that is the oldest queued entry of its target.
// Entries behind an older one are left for the reconciler so a lane is
// always replayed in creation order.
func (e *Engine) deliver(ctx context.Context, entries []domain.PendingEntry) {
	if e.remote == nil || len(entries) == 0 {
		return
	}
	heads := make(map[string]string)
	for _, q := range e.store.ListPendingEntries() {
		if _, ok := heads[q.Target()]; !ok {
			heads[q.Target()] = q.ID
		}
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallel)
	for _, entry := range entries {
		if heads[entry.Target()] != entry.ID {
			continue
		}
		entry := entry
		g.Go(func() error {
			e.send(ctx, entry)
			return nil
		})
	}
	g.Wait()
}

func (e *Engine) send(ctx context.Context, entry domain.PendingEntry) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()

	res, err := e.remote.AppendProgress(ctx, entry.Request())
	switch {
	case err == nil:
		if err := e.store.RemovePendingEntry(entry.ID); err != nil {
			e.logger.Printf("WARNING: remove acknowledged entry %s: %v", entry.ID, err)
		}
		e.absorb(res)
	case errors.Is(err, domain.ErrRemoteValidation):
		// Not retried: the entry can never succeed as sent.
		e.store.RemovePendingEntry(entry.ID)
		e.logger.Printf("entry %s rejected: %v", entry.ID, err)
		e.report(err)
	case errors.Is(err, domain.ErrUnauthorized):
		entry.Attempts++
		entry.LastError = err.Error()
		e.store.UpsertPendingEntry(entry)
		e.report(err)
	default:
		entry.Attempts++
		entry.LastError = err.Error()
		if uerr := e.store.UpsertPendingEntry(entry); uerr != nil {
			e.logger.Printf("WARNING: requeue entry %s: %v", entry.ID, uerr)
		}
		e.logger.Printf("entry %s queued for retry: %v", entry.ID, err)
	}
	observability.PendingQueueDepth.Set(float64(len(e.store.ListPendingEntries())))
}

// absorb folds an acknowledgement into the mirror.
func (e *Engine) absorb(res *domain.AppendResult) {
	if res == nil {
		return
	}
	if res.Goal != nil {
		if err := e.store.MergeRemote([]domain.Goal{*res.Goal}, false); err != nil {
			e.logger.Printf("WARNING: merge goal %s: %v", res.Goal.ID, err)
		}
		if res.CompletedNow {
			e.notify(*res.Goal)
		}
	}
	if len(res.Streaks) > 0 || len(res.NewBadges) > 0 {
		st := e.store.ReadDerivedState()
		st.Merge(res.Streaks, res.NewBadges, e.now())
		if err := e.store.WriteDerivedState(st); err != nil {
			e.logger.Printf("WARNING: cache derived state: %v", err)
		}
	}
}

func (e *Engine) notify(g domain.Goal) {
	e.mu.Lock()
	seen := e.notified[g.ID]
	e.notified[g.ID] = true
	e.mu.Unlock()
	if seen || e.notifier == nil {
		return
	}
	e.notifier.GoalCompleted(g)
}

func (e *Engine) report(err error) {
	if e.onError != nil {
		e.onError(err)
	}
}

// ─── Auto-Increment ─────────────────────────────────────────────────────────

// AutoOptions configure auto-increment mode.
type AutoOptions struct {
	Interval time.Duration // default Config.AutoInterval
	Delta    int64         // default 1
	Limit    int           // stop after this many taps; 0 = unlimited
}

// StartAuto taps on a ticker until StopAuto, EndSession, a new session,
// ctx cancellation, Limit, or every bound goal completing.
func (e *Engine) StartAuto(ctx context.Context, opts AutoOptions) error {
	if opts.Interval <= 0 {
		opts.Interval = e.cfg.AutoInterval
	}
	if opts.Delta <= 0 {
		opts.Delta = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return domain.ErrNoSession
	}
	if e.auto != nil {
		return ErrAutoRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &autoRun{cancel: cancel, done: make(chan struct{})}
	e.auto = run
	go e.runAuto(runCtx, run, e.session.ID, opts)
	return nil
}

// StopAuto cancels auto mode and waits for its goroutine to exit.
// Must not be called from a Notifier or error sink.
func (e *Engine) StopAuto() {
	e.mu.Lock()
	run := e.auto
	e.mu.Unlock()
	if run == nil {
		return
	}
	run.cancel()
	<-run.done
}

// AutoRunning reports whether auto mode is active.
func (e *Engine) AutoRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.auto != nil
}

// AutoDone returns a channel closed when the current auto run exits, or
// nil when auto mode is off.
func (e *Engine) AutoDone() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.auto == nil {
		return nil
	}
	return e.auto.done
}

func (e *Engine) runAuto(ctx context.Context, run *autoRun, sessionID string, opts AutoOptions) {
	defer close(run.done)
	defer func() {
		e.mu.Lock()
		if e.auto == run {
			e.auto = nil
		}
		e.mu.Unlock()
		run.cancel()
	}()

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	taps := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !e.sessionIs(sessionID) {
			return
		}
		if _, err := e.Tap(ctx, opts.Delta, TapOptions{BypassThrottle: true, EventType: domain.EventAuto}); err != nil {
			e.logger.Printf("auto tap: %v", err)
			return
		}
		taps++
		if opts.Limit > 0 && taps >= opts.Limit {
			return
		}
		if e.boundGoalsCompleted() {
			e.logger.Printf("auto mode stopped: goal completed")
			return
		}
	}
}

func (e *Engine) sessionIs(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil && e.session.ID == id
}

// boundGoalsCompleted reports whether the session is bound and every bound
// goal is completed.
func (e *Engine) boundGoalsCompleted() bool {
	sess, ok := e.Session()
	if !ok || !sess.Bound() {
		return false
	}
	goals := e.store.ReadGoals()
	for _, id := range sess.GoalIDs {
		g, ok := findGoal(goals, id)
		if !ok || g.Status != domain.GoalCompleted {
			return false
		}
	}
	return true
}

func findGoal(goals []domain.Goal, id string) (domain.Goal, bool) {
	for _, g := range goals {
		if g.ID == id {
			return g, true
		}
	}
	return domain.Goal{}, false
}
