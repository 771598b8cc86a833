package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tasbih-app/tasbih/internal/app/counter"
	"github.com/tasbih-app/tasbih/internal/app/reconciler"
	"github.com/tasbih-app/tasbih/internal/client"
	"github.com/tasbih-app/tasbih/internal/domain"
	"github.com/tasbih-app/tasbih/internal/infra/mirror"
	"github.com/tasbih-app/tasbih/internal/infra/observability"
)

// ─── Local Side ─────────────────────────────────────────────────────────────
// Local assembles the device half of the system: the mirror, the service
// client, one counter engine and the reconciler that drains its queue.

// Local is the client-side runtime used by the CLI.
type Local struct {
	Mirror     *mirror.Store
	Client     *client.Client
	Engine     *counter.Engine
	Reconciler *reconciler.Reconciler
	Tracer     *observability.Tracer // drain spans

	notifier *onceNotifier
}

// LocalOptions receive user-facing events.
type LocalOptions struct {
	// OnComplete is told once per goal, whether the crossing was seen by
	// the engine or acknowledged later by the reconciler.
	OnComplete func(goal domain.Goal)
	// OnError receives entries the service refused and credential errors.
	OnError func(err error)
}

// OpenLocal opens the mirror at Home()/mirror.db and wires the runtime.
func OpenLocal(cfg Config, loggers *Loggers, opts LocalOptions) (*Local, error) {
	return OpenLocalAt(filepath.Join(Home(), "mirror.db"), cfg, loggers, opts)
}

// OpenLocalAt is OpenLocal with an explicit mirror path.
func OpenLocalAt(path string, cfg Config, loggers *Loggers, opts LocalOptions) (*Local, error) {
	if loggers == nil {
		loggers = NewLoggers(nil)
	}
	store, err := mirror.Open(path, loggers.For("mirror"))
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}

	cl := client.New(cfg.ClientSettings())
	cl.SetLogger(loggers.For("client"))

	n := &onceNotifier{
		seen:   make(map[string]bool),
		store:  store,
		logger: loggers.For("notify"),
		next:   opts.OnComplete,
	}
	sink := opts.OnError
	if sink == nil {
		sink = func(error) {}
	}

	engine := counter.New(cfg.CounterSettings(), store, cl,
		counter.WithNotifier(n),
		counter.WithErrorSink(sink),
		counter.WithLogger(loggers.For("counter")),
	)
	tracer := observability.NewTracer(observability.DefaultTracerConfig())
	rec := reconciler.New(cfg.SyncSettings(), store, cl,
		reconciler.WithLogger(loggers.For("reconciler")),
		reconciler.WithTracer(tracer),
		reconciler.WithCompletionHandler(n.GoalCompleted),
		reconciler.WithRejectHandler(func(entry domain.PendingEntry, err error) {
			sink(fmt.Errorf("entry %s (%+d) dropped: %w", entry.ID, entry.Payload.Delta, err))
		}),
	)

	return &Local{Mirror: store, Client: cl, Engine: engine, Reconciler: rec, Tracer: tracer, notifier: n}, nil
}

// Close stops auto mode and releases the mirror.
func (l *Local) Close() error {
	l.Engine.StopAuto()
	return l.Mirror.Close()
}

// onceNotifier forwards each goal's completion once across the engine, the
// reconciler and every other process sharing the mirror.
type onceNotifier struct {
	mu     sync.Mutex
	seen   map[string]bool
	store  announcer
	logger *log.Logger
	next   func(goal domain.Goal)
}

// announcer persists which completions were already shown.
type announcer interface {
	MarkAnnounced(goalID string) (bool, error)
}

func (n *onceNotifier) GoalCompleted(goal domain.Goal) {
	n.mu.Lock()
	seen := n.seen[goal.ID]
	n.seen[goal.ID] = true
	n.mu.Unlock()
	if seen {
		return
	}
	first, err := n.store.MarkAnnounced(goal.ID)
	if err != nil {
		// Announcing twice beats never announcing.
		n.logger.Printf("WARNING: %v", err)
		first = true
	}
	if !first || n.next == nil {
		return
	}
	n.next(goal)
}

// ─── Sync Loop ──────────────────────────────────────────────────────────────

// Watch runs the reconciler until ctx is cancelled. A probe pings the
// service every probeInterval and triggers an immediate drain when it comes
// back after being unreachable.
func (l *Local) Watch(ctx context.Context, probeInterval time.Duration) error {
	if probeInterval <= 0 {
		probeInterval = 5 * time.Second
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.Reconciler.Run(gctx) })
	g.Go(func() error {
		probeConnectivity(gctx, l.Client.Ping, probeInterval, l.Reconciler.NotifyOnline)
		return nil
	})
	return g.Wait()
}

// probeConnectivity calls onOnline on every offline to online transition.
// The first probe only records the starting state.
func probeConnectivity(ctx context.Context, ping func(context.Context) error, interval time.Duration, onOnline func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	online := ping(ctx) == nil
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			up := ping(ctx) == nil
			if up && !online {
				onOnline()
			}
			online = up
		}
	}
}

// ─── Goal Management ────────────────────────────────────────────────────────
// Goal writes go to the service first; ids and limits are server-assigned.
// Reads come from the mirror, so they work offline.

// Goals lists mirrored goals, optionally filtered.
func (l *Local) Goals(statuses ...domain.GoalStatus) []domain.Goal {
	return l.Mirror.ReadGoals(statuses...)
}

// CreateGoal creates a goal remotely and mirrors the result.
func (l *Local) CreateGoal(ctx context.Context, g domain.Goal) (*domain.Goal, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	created, err := l.Client.CreateGoal(ctx, g)
	if err != nil {
		return nil, err
	}
	if err := l.Mirror.PutGoal(*created); err != nil {
		return created, fmt.Errorf("mirror goal: %w", err)
	}
	return created, nil
}

// SetGoalStatus pauses or resumes a goal.
func (l *Local) SetGoalStatus(ctx context.Context, id string, status domain.GoalStatus) (*domain.Goal, error) {
	if status != domain.GoalActive && status != domain.GoalPaused {
		return nil, fmt.Errorf("%w: status must be active or paused", domain.ErrInvalidGoal)
	}
	updated, err := l.Client.UpdateGoal(ctx, id, domain.GoalPatch{Status: &status})
	if err != nil {
		return nil, err
	}
	if err := l.Mirror.MergeRemote([]domain.Goal{*updated}, false); err != nil {
		return updated, fmt.Errorf("mirror goal: %w", err)
	}
	return updated, nil
}

// RemoveGoal deletes a goal remotely and from the mirror. A goal the
// service no longer knows is still removed locally.
func (l *Local) RemoveGoal(ctx context.Context, id string) error {
	if err := l.Client.DeleteGoal(ctx, id); err != nil && !errors.Is(err, domain.ErrGoalNotFound) {
		return err
	}
	return l.Mirror.DeleteGoal(id)
}

// ─── Status ─────────────────────────────────────────────────────────────────

// settingLastSync holds the stats of the most recent sync run.
const settingLastSync = "last_sync"

// RecordSync stores the reconciler's drain statistics in the mirror so a
// later `status` can show when the queue was last drained.
func (l *Local) RecordSync() (reconciler.Stats, error) {
	st := l.Reconciler.Stats()
	if st.Drains == 0 {
		return st, nil
	}
	if err := l.Mirror.WriteSetting(settingLastSync, st); err != nil {
		return st, fmt.Errorf("record sync: %w", err)
	}
	return st, nil
}

// Status is a snapshot for `tasbih status`.
type Status struct {
	Goals    []domain.Goal
	Pending  int
	Derived  domain.DerivedState
	LastSync *reconciler.Stats // nil before the first sync
	Sessions []domain.CounterSession
}

// Status reads everything from the mirror.
func (l *Local) Status() Status {
	st := Status{
		Goals:    l.Mirror.ReadGoals(),
		Pending:  l.Mirror.PendingCount(),
		Derived:  l.Mirror.ReadDerivedState(),
		Sessions: l.Mirror.ListSessions(),
	}
	var last reconciler.Stats
	if l.Mirror.ReadSetting(settingLastSync, &last) {
		st.LastSync = &last
	}
	return st
}

// ResumeSession restores an unfinished counter session: the one stored
// under key (a goal id or session id), or the most recently updated one
// when key is empty.
func (l *Local) ResumeSession(key string) (domain.CounterSession, error) {
	if key == "" {
		sessions := l.Mirror.ListSessions()
		if len(sessions) == 0 {
			return domain.CounterSession{}, domain.ErrNoSession
		}
		key = sessions[0].Key()
	}
	return l.Engine.ResumeSession(key)
}
