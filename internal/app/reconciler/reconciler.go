// Package reconciler delivers every locally applied progress entry to the
// progress service, exactly once in effect.
//
// The queue is drained in creation order. Entries that target the same goal
// (or the same standalone session) form a lane; a lane that hits a transient
// failure is held back for the rest of the cycle so a later undo never
// overtakes the tap it cancels. Other lanes keep going. When the service is
// unreachable the whole queue is deferred to the next trigger.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tasbih-app/tasbih/internal/domain"
	"github.com/tasbih-app/tasbih/internal/infra/observability"
)

// Store is the queue and cache side of the Local Mirror Store.
type Store interface {
	ListPendingEntries() []domain.PendingEntry
	UpsertPendingEntry(entry domain.PendingEntry) error
	RemovePendingEntry(id string) error
	MergeRemote(remote []domain.Goal, replaceAll bool) error
	ReadDerivedState() domain.DerivedState
	WriteDerivedState(state domain.DerivedState) error
}

// Transport delivers one entry at a time.
type Transport interface {
	AppendProgress(ctx context.Context, req domain.AppendRequest) (*domain.AppendResult, error)
}

// BatchTransport can also deliver many entries in one round-trip.
type BatchTransport interface {
	Transport
	SyncBatch(ctx context.Context, events []domain.AppendRequest) ([]domain.SyncResult, error)
}

// Refresher fetches authoritative state after a drain.
type Refresher interface {
	ListGoals(ctx context.Context, statuses ...domain.GoalStatus) ([]domain.Goal, error)
	DerivedState(ctx context.Context) (*domain.DerivedState, error)
}

// Config controls drain pacing.
type Config struct {
	BatchSize int           // entries per SyncBatch call (default: 50)
	Interval  time.Duration // periodic safety-net drain (default: 30s)
	Timeout   time.Duration // per remote call (default: 10s)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize: 50,
		Interval:  30 * time.Second,
		Timeout:   10 * time.Second,
	}
}

// Report summarizes one drain cycle.
type Report struct {
	Attempted int      `json:"attempted"`
	Synced    int      `json:"synced"`
	Duplicate int      `json:"duplicate"`
	Rejected  int      `json:"rejected"`
	Deferred  int      `json:"deferred"`
	Batches   int      `json:"batches"`
	Remaining int      `json:"remaining"`
	Failures  []string `json:"failures,omitempty"`
}

// Stats are cumulative counters across drains.
type Stats struct {
	Drains    int64     `json:"drains"`
	Synced    int64     `json:"synced"`
	Rejected  int64     `json:"rejected"`
	Deferred  int64     `json:"deferred"`
	LastDrain time.Time `json:"last_drain"`
	LastError string    `json:"last_error,omitempty"`
}

// Reconciler drains the pending queue.
type Reconciler struct {
	cfg       Config
	store     Store
	transport Transport
	logger    *log.Logger
	tracer    *observability.Tracer
	onReject  func(entry domain.PendingEntry, err error)
	onDone    func(goal domain.Goal)

	drainMu sync.Mutex // one drain at a time
	online  chan struct{}

	mu    sync.Mutex
	stats Stats
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger replaces the default stderr logger.
func WithLogger(l *log.Logger) Option { return func(r *Reconciler) { r.logger = l } }

// WithTracer records a span per drain.
func WithTracer(t *observability.Tracer) Option { return func(r *Reconciler) { r.tracer = t } }

// WithRejectHandler is told about entries the service refused. They are
// already gone from the queue.
func WithRejectHandler(fn func(entry domain.PendingEntry, err error)) Option {
	return func(r *Reconciler) { r.onReject = fn }
}

// WithCompletionHandler is told when an acknowledged entry completed a goal.
func WithCompletionHandler(fn func(goal domain.Goal)) Option {
	return func(r *Reconciler) { r.onDone = fn }
}

// New creates a reconciler. If transport also implements BatchTransport,
// drains are batched.
func New(cfg Config, store Store, transport Transport, opts ...Option) *Reconciler {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	r := &Reconciler{
		cfg:       cfg,
		store:     store,
		transport: transport,
		logger:    log.New(os.Stderr, "[reconciler] ", log.LstdFlags),
		online:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ─── Drain ──────────────────────────────────────────────────────────────────

// errDeferred ends a drain early: the service is unreachable or refuses our
// credentials, so nothing else in the queue can succeed this cycle.
var errDeferred = errors.New("drain deferred")

// drain is the state of one cycle.
type drain struct {
	report  Report
	blocked map[string]bool // lanes held back until the next cycle
}

// DrainQueue submits every pending entry in creation order. Acknowledged
// entries leave the queue; rejected entries are dropped and reported;
// everything else stays queued. The returned error is non-nil only when the
// cycle was cut short by a systemic failure, in which case the report still
// describes what was done before it.
func (r *Reconciler) DrainQueue(ctx context.Context) (Report, error) {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	start := time.Now()
	ctx, span := r.tracer.StartSpan(ctx, "sync.drain", nil)

	d := &drain{blocked: make(map[string]bool)}
	queue := r.store.ListPendingEntries()

	var err error
	if bt, ok := r.transport.(BatchTransport); ok {
		err = r.drainBatched(ctx, bt, queue, d)
	} else {
		err = r.drainSingly(ctx, queue, d)
	}

	remaining := r.store.ListPendingEntries()
	d.report.Remaining = len(remaining)
	observability.PendingQueueDepth.Set(float64(len(remaining)))
	observability.SyncDrainDuration.Observe(time.Since(start).Seconds())
	r.tracer.EndSpan(span, err)

	r.mu.Lock()
	r.stats.Drains++
	r.stats.Synced += int64(d.report.Synced + d.report.Duplicate)
	r.stats.Rejected += int64(d.report.Rejected)
	r.stats.Deferred += int64(d.report.Deferred)
	r.stats.LastDrain = start
	r.stats.LastError = ""
	if err != nil {
		r.stats.LastError = err.Error()
	}
	r.mu.Unlock()

	if d.report.Attempted > 0 {
		r.logger.Printf("drain: %d attempted, %d synced, %d duplicate, %d rejected, %d deferred, %d remaining",
			d.report.Attempted, d.report.Synced, d.report.Duplicate, d.report.Rejected, d.report.Deferred, d.report.Remaining)
	}
	return d.report, err
}

func (r *Reconciler) drainSingly(ctx context.Context, queue []domain.PendingEntry, d *drain) error {
	for i, entry := range queue {
		if entry.Synced {
			r.finish(entry)
			continue
		}
		if d.blocked[entry.Target()] {
			r.defer1(entry, nil, d)
			continue
		}
		if err := ctx.Err(); err != nil {
			r.deferRest(queue[i:], err, d)
			return err
		}

		d.report.Attempted++
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		res, err := r.transport.AppendProgress(callCtx, entry.Request())
		cancel()
		if err := r.settle(entry, res, err, d); err != nil {
			r.deferRest(queue[i+1:], err, d)
			return err
		}
	}
	return nil
}

func (r *Reconciler) drainBatched(ctx context.Context, bt BatchTransport, queue []domain.PendingEntry, d *drain) error {
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			r.deferRest(queue, err, d)
			return err
		}

		// Take the next BatchSize sendable entries, in queue order.
		var batch []domain.PendingEntry
		n := 0
		for ; n < len(queue) && len(batch) < r.cfg.BatchSize; n++ {
			entry := queue[n]
			switch {
			case entry.Synced:
				r.finish(entry)
			case d.blocked[entry.Target()]:
				r.defer1(entry, nil, d)
			default:
				batch = append(batch, entry)
			}
		}
		queue = queue[n:]
		if len(batch) == 0 {
			continue
		}

		reqs := make([]domain.AppendRequest, len(batch))
		for i, e := range batch {
			reqs[i] = e.Request()
		}
		d.report.Attempted += len(batch)
		d.report.Batches++

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		results, err := bt.SyncBatch(callCtx, reqs)
		cancel()

		switch {
		case err == nil:
		case systemic(err):
			r.deferRest(batch, err, d)
			r.deferRest(queue, err, d)
			return fmt.Errorf("%w: %w", errDeferred, err)
		case errors.Is(err, domain.ErrRemoteValidation):
			// The batch endpoint refused the request as a whole; fall back
			// to one call per entry so a single bad event cannot hold the
			// rest hostage.
			r.logger.Printf("batch refused (%v); retrying %d entries one by one", err, len(batch))
			d.report.Attempted -= len(batch)
			if err := r.drainSingly(ctx, batch, d); err != nil {
				r.deferRest(queue, err, d)
				return err
			}
			continue
		default:
			// Part of the batch may have been applied; it replays as
			// duplicates next cycle.
			for _, entry := range batch {
				r.defer1(entry, err, d)
			}
			continue
		}

		byKey := make(map[string]domain.SyncResult, len(results))
		for _, res := range results {
			byKey[res.IdempotencyKey] = res
		}
		for _, entry := range batch {
			res, ok := byKey[entry.IdempotencyKey]
			switch {
			case !ok:
				r.defer1(entry, errors.New("no result in batch response"), d)
			case res.Status.Acknowledged():
				r.ack(entry, res.Result, res.Status == domain.SyncDuplicate, d)
			default:
				r.reject(entry, fmt.Errorf("%w: %s", domain.ErrRemoteValidation, res.Error), d)
			}
		}
	}
	return nil
}

// settle applies the outcome of a single append. It returns a non-nil error
// only when the failure is systemic.
func (r *Reconciler) settle(entry domain.PendingEntry, res *domain.AppendResult, err error, d *drain) error {
	switch {
	case err == nil:
		r.ack(entry, res, res != nil && res.Duplicate, d)
	case errors.Is(err, domain.ErrRemoteValidation):
		r.reject(entry, err, d)
	case systemic(err):
		r.defer1(entry, err, d)
		return fmt.Errorf("%w: %w", errDeferred, err)
	default:
		r.defer1(entry, err, d)
	}
	return nil
}

// systemic reports failures that no other entry could get past either.
func systemic(err error) bool {
	return errors.Is(err, domain.ErrOffline) ||
		errors.Is(err, domain.ErrUnauthorized) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ack flags an acknowledged entry, folds the authoritative result into the
// mirror and then drops the entry. A flagged entry left behind by a crash
// no longer counts toward optimistic values and is dropped unsent by the
// next drain.
func (r *Reconciler) ack(entry domain.PendingEntry, res *domain.AppendResult, duplicate bool, d *drain) {
	marked := true
	if err := r.MarkSynced(entry.ID, entry.IdempotencyKey); err != nil {
		// The ack stands remotely; a leftover entry will come back as a
		// duplicate next cycle.
		r.logger.Printf("WARNING: mark %s synced: %v", entry.ID, err)
		marked = false
	}
	if duplicate {
		d.report.Duplicate++
		observability.SyncEntries.WithLabelValues("duplicate").Inc()
	} else {
		d.report.Synced++
		observability.SyncEntries.WithLabelValues("synced").Inc()
	}
	r.absorb(res)
	if marked {
		r.finish(entry)
	}
}

// finish removes an entry that was already acknowledged but not removed.
func (r *Reconciler) finish(entry domain.PendingEntry) {
	if err := r.store.RemovePendingEntry(entry.ID); err != nil {
		r.logger.Printf("WARNING: remove synced entry %s: %v", entry.ID, err)
	}
}

func (r *Reconciler) reject(entry domain.PendingEntry, err error, d *drain) {
	if rmErr := r.store.RemovePendingEntry(entry.ID); rmErr != nil {
		r.logger.Printf("WARNING: remove rejected entry %s: %v", entry.ID, rmErr)
	}
	d.report.Rejected++
	d.report.Failures = append(d.report.Failures, fmt.Sprintf("%s: %v", entry.ID, err))
	observability.SyncEntries.WithLabelValues("rejected").Inc()
	r.logger.Printf("entry %s rejected: %v", entry.ID, err)
	if r.onReject != nil {
		r.onReject(entry, err)
	}
}

// defer1 keeps entry queued and blocks its lane for the rest of the cycle.
// A nil err means the entry was never sent.
func (r *Reconciler) defer1(entry domain.PendingEntry, err error, d *drain) {
	d.blocked[entry.Target()] = true
	d.report.Deferred++
	observability.SyncEntries.WithLabelValues("deferred").Inc()
	if err == nil {
		return
	}
	entry.Attempts++
	entry.LastError = err.Error()
	if uerr := r.store.UpsertPendingEntry(entry); uerr != nil {
		r.logger.Printf("WARNING: requeue entry %s: %v", entry.ID, uerr)
	}
}

func (r *Reconciler) deferRest(entries []domain.PendingEntry, err error, d *drain) {
	n := 0
	for _, e := range entries {
		if e.Synced {
			continue
		}
		d.blocked[e.Target()] = true
		n++
	}
	if n > 0 {
		d.report.Deferred += n
		observability.SyncEntries.WithLabelValues("deferred").Add(float64(n))
		r.logger.Printf("%d entries deferred: %v", n, err)
	}
}

// MarkSynced flags entry id acknowledged once the service has accepted
// idempotency key. An entry whose key no longer matches is left alone and
// reported as an error; an unknown id is a no-op.
func (r *Reconciler) MarkSynced(id, key string) error {
	for _, e := range r.store.ListPendingEntries() {
		if e.ID != id {
			continue
		}
		if e.IdempotencyKey != key {
			return fmt.Errorf("entry %s: key %s does not match acknowledged key %s", id, e.IdempotencyKey, key)
		}
		if e.Synced {
			return nil
		}
		e.Synced = true
		return r.store.UpsertPendingEntry(e)
	}
	return nil
}

// absorb merges an authoritative append result into the mirror.
func (r *Reconciler) absorb(res *domain.AppendResult) {
	if res == nil {
		return
	}
	if res.Goal != nil {
		if err := r.store.MergeRemote([]domain.Goal{*res.Goal}, false); err != nil {
			r.logger.Printf("WARNING: merge goal %s: %v", res.Goal.ID, err)
		}
		if res.CompletedNow && r.onDone != nil {
			r.onDone(*res.Goal)
		}
	}
	if len(res.Streaks) > 0 || len(res.NewBadges) > 0 {
		st := r.store.ReadDerivedState()
		st.Merge(res.Streaks, res.NewBadges, time.Now())
		if err := r.store.WriteDerivedState(st); err != nil {
			r.logger.Printf("WARNING: cache derived state: %v", err)
		}
	}
}

// ─── Refresh ────────────────────────────────────────────────────────────────

// Refresh replaces the cached goals and derived state with the service's.
// Queued deltas are re-applied on top by the store, so the visible values
// never move backward while entries are pending.
func (r *Reconciler) Refresh(ctx context.Context) error {
	src, ok := r.transport.(Refresher)
	if !ok {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	goals, err := src.ListGoals(callCtx)
	if err != nil {
		return fmt.Errorf("refresh goals: %w", err)
	}
	if err := r.store.MergeRemote(goals, true); err != nil {
		return fmt.Errorf("merge goals: %w", err)
	}

	state, err := src.DerivedState(callCtx)
	if err != nil {
		return fmt.Errorf("refresh derived state: %w", err)
	}
	if state == nil {
		return nil
	}
	if err := r.store.WriteDerivedState(*state); err != nil {
		return fmt.Errorf("cache derived state: %w", err)
	}
	return nil
}

// ─── Triggers ───────────────────────────────────────────────────────────────

// NotifyOnline asks a running Run loop to drain now. Never blocks.
func (r *Reconciler) NotifyOnline() {
	select {
	case r.online <- struct{}{}:
	default:
	}
}

// Run drains on start, whenever NotifyOnline is called, and every
// Config.Interval, until ctx is cancelled. A cycle that leaves the queue
// empty is followed by a refresh.
func (r *Reconciler) Run(ctx context.Context) error {
	r.cycle(ctx, "start")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.cycle(ctx, "periodic")
		case <-r.online:
			r.cycle(ctx, "online")
		}
	}
}

func (r *Reconciler) cycle(ctx context.Context, trigger string) {
	report, err := r.DrainQueue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Printf("%s drain deferred: %v", trigger, err)
		}
		return
	}
	if report.Remaining > 0 {
		return
	}
	if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
		r.logger.Printf("%s refresh: %v", trigger, err)
	}
}

// Stats returns cumulative drain statistics.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
