package mirror

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tasbih-app/tasbih/internal/domain"
)

// Store is the Local Mirror Store. It satisfies domain.MirrorStore.
// All methods are synchronous and safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	kv     *kv
	logger *log.Logger
	now    func() time.Time
}

var _ domain.MirrorStore = (*Store)(nil)

// Open opens (or creates) the mirror database at path.
// If logger is nil, a default logger writing to stderr is used.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[mirror] ", log.LstdFlags)
	}
	k, err := openKV(path)
	if err != nil {
		return nil, err
	}
	return &Store{kv: k, logger: logger, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.close()
}

// ─── Slot Codec ─────────────────────────────────────────────────────────────

// readSlot decodes namespace/key into v. Missing, unreadable or corrupt
// slots report false; corrupt slots are cleared so the next write starts clean.
func (s *Store) readSlot(k *kv, namespace, key string, v any) bool {
	raw, ok, err := k.get(namespace, key)
	if err != nil {
		s.logger.Printf("WARNING: read %s/%s: %v", namespace, key, err)
		return false
	}
	if !ok {
		return false
	}
	return s.decodeSlot(k, slot{namespace: namespace, key: key, value: raw}, v)
}

func (s *Store) decodeSlot(k *kv, sl slot, v any) bool {
	if err := json.Unmarshal([]byte(sl.value), v); err != nil {
		s.logger.Printf("WARNING: corrupt slot %s/%s cleared: %v", sl.namespace, sl.key, err)
		if err := k.del(sl.namespace, sl.key); err != nil {
			s.logger.Printf("WARNING: clear %s/%s: %v", sl.namespace, sl.key, err)
		}
		return false
	}
	return true
}

func writeSlot(k *kv, namespace, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", namespace, key, err)
	}
	return k.set(namespace, key, string(data))
}

// update runs fn in one IMMEDIATE transaction, serialized with every other
// handle on the same file.
func (s *Store) update(fn func(k *kv) error) error {
	if err := s.kv.update(fn); err != nil {
		s.logger.Printf("WARNING: write failed: %v", err)
		return fmt.Errorf("write mirror: %w", err)
	}
	return nil
}

// ─── Goals ──────────────────────────────────────────────────────────────────

// ReadGoals returns cached goals, optionally filtered by status.
func (s *Store) ReadGoals(statuses ...domain.GoalStatus) []domain.Goal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.FilterGoals(s.readGoals(s.kv), statuses...)
}

func (s *Store) readGoals(k *kv) []domain.Goal {
	var goals []domain.Goal
	if !s.readSlot(k, nsGoals, slotAll, &goals) {
		return []domain.Goal{}
	}
	if goals == nil {
		goals = []domain.Goal{}
	}
	return goals
}

func writeGoals(k *kv, goals []domain.Goal) error {
	if goals == nil {
		goals = []domain.Goal{}
	}
	return writeSlot(k, nsGoals, slotAll, goals)
}

// WriteGoals replaces the cached goal collection.
func (s *Store) WriteGoals(goals []domain.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(k *kv) error { return writeGoals(k, goals) })
}

// GetGoal returns one cached goal.
func (s *Store) GetGoal(id string) (domain.Goal, bool) {
	for _, g := range s.ReadGoals() {
		if g.ID == id {
			return g, true
		}
	}
	return domain.Goal{}, false
}

// PutGoal inserts or replaces one goal in the collection.
func (s *Store) PutGoal(goal domain.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update(func(k *kv) error {
		goals := s.readGoals(k)
		replaced := false
		for i := range goals {
			if goals[i].ID == goal.ID {
				goals[i] = goal
				replaced = true
				break
			}
		}
		if !replaced {
			goals = append(goals, goal)
		}
		return writeGoals(k, goals)
	})
}

// DeleteGoal removes one goal from the collection and forgets that its
// completion was announced.
func (s *Store) DeleteGoal(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update(func(k *kv) error {
		goals := s.readGoals(k)
		out := goals[:0]
		for _, g := range goals {
			if g.ID != id {
				out = append(out, g)
			}
		}
		if err := writeGoals(k, out); err != nil {
			return err
		}
		return k.del(nsAnnounced, id)
	})
}

// ─── Pending Entries ────────────────────────────────────────────────────────
// One row per entry keyed by entry id. Sequence numbers come from a counter
// row bumped in the same transaction, so two processes queueing at once
// still get distinct, increasing positions.

func (s *Store) readPending(k *kv) []domain.PendingEntry {
	slots, err := k.list(nsPending)
	if err != nil {
		s.logger.Printf("WARNING: list pending: %v", err)
		return nil
	}
	entries := make([]domain.PendingEntry, 0, len(slots))
	for _, sl := range slots {
		var e domain.PendingEntry
		if s.decodeSlot(k, sl, &e) {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries
}

// nextSeq reserves the next queue position.
func (s *Store) nextSeq(k *kv) (int64, error) {
	var seq int64
	s.readSlot(k, nsMeta, slotPendingSeq, &seq)
	seq++
	return seq, writeSlot(k, nsMeta, slotPendingSeq, seq)
}

// upsertPending writes entries, keeping the position of an entry already
// queued under the same id and giving new entries the next sequence number
// so replay order matches creation order.
func (s *Store) upsertPending(k *kv, entries []domain.PendingEntry) error {
	for _, e := range entries {
		if e.ID == "" {
			e.ID = e.IdempotencyKey
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		var old domain.PendingEntry
		if s.readSlot(k, nsPending, e.ID, &old) {
			e.Seq = old.Seq
		} else {
			seq, err := s.nextSeq(k)
			if err != nil {
				return err
			}
			e.Seq = seq
		}
		if err := writeSlot(k, nsPending, e.ID, e); err != nil {
			return err
		}
	}
	return nil
}

// UpsertPendingEntry adds entry to the queue, or replaces the entry with the
// same ID while keeping its position.
func (s *Store) UpsertPendingEntry(entry domain.PendingEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(k *kv) error {
		return s.upsertPending(k, []domain.PendingEntry{entry})
	})
}

// RemovePendingEntry drops an entry from the queue. Unknown ids are a no-op.
func (s *Store) RemovePendingEntry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.del(nsPending, id); err != nil {
		s.logger.Printf("WARNING: remove pending %s: %v", id, err)
		return fmt.Errorf("write mirror: %w", err)
	}
	return nil
}

// ListPendingEntries returns the queue in creation order.
func (s *Store) ListPendingEntries() []domain.PendingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readPending(s.kv)
}

// PendingCount returns the number of queued entries.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.kv.count(nsPending)
	if err != nil {
		s.logger.Printf("WARNING: count pending: %v", err)
		return 0
	}
	return n
}

// ApplyLocal commits an optimistic mutation: the goal collection is rewritten
// by update and entries are queued, in one transaction. Either both land or
// neither does.
func (s *Store) ApplyLocal(update func(goals []domain.Goal) []domain.Goal, entries []domain.PendingEntry) ([]domain.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var goals []domain.Goal
	err := s.update(func(k *kv) error {
		goals = update(s.readGoals(k))
		if err := writeGoals(k, goals); err != nil {
			return err
		}
		return s.upsertPending(k, entries)
	})
	if err != nil {
		return nil, err
	}
	return goals, nil
}

// MergeRemote folds authoritative goals into the cache. Each goal's
// CurrentValue becomes the server value plus the deltas still queued for it,
// so an acknowledgement never hides optimistic progress that is in flight.
// With replaceAll the remote list becomes the whole collection; otherwise
// only the goals present in remote are replaced.
func (s *Store) MergeRemote(remote []domain.Goal, replaceAll bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update(func(k *kv) error {
		pending := domain.PendingDeltas(s.readPending(k))
		adjusted := make(map[string]domain.Goal, len(remote))
		order := make([]string, 0, len(remote))
		for _, g := range remote {
			if d, ok := pending[g.ID]; ok {
				g.Apply(d, g.UpdatedAt)
			}
			adjusted[g.ID] = g
			order = append(order, g.ID)
		}

		var goals []domain.Goal
		if replaceAll {
			for _, id := range order {
				goals = append(goals, adjusted[id])
			}
		} else {
			goals = s.readGoals(k)
			seen := make(map[string]bool, len(goals))
			for i := range goals {
				if g, ok := adjusted[goals[i].ID]; ok {
					goals[i] = g
					seen[g.ID] = true
				}
			}
			for _, id := range order {
				if !seen[id] {
					goals = append(goals, adjusted[id])
				}
			}
		}
		return writeGoals(k, goals)
	})
}

// ─── Completion Announcements ───────────────────────────────────────────────

// MarkAnnounced records that goalID's completion was shown to the user and
// reports whether this call was the first to do so, across every process
// sharing the mirror.
func (s *Store) MarkAnnounced(goalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first, err := s.kv.insert(nsAnnounced, goalID, strconv.Quote(s.now().UTC().Format(time.RFC3339)))
	if err != nil {
		return false, fmt.Errorf("mark announced: %w", err)
	}
	return first, nil
}

// ─── Counter Sessions ───────────────────────────────────────────────────────

// UpsertSession persists the running tally of an unfinished session.
func (s *Store) UpsertSession(sess domain.CounterSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(k *kv) error { return writeSlot(k, nsSessions, sess.Key(), sess) })
}

// RemoveSession deletes a session snapshot by goal id or session id.
func (s *Store) RemoveSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.del(nsSessions, id)
}

// GetSession returns the snapshot stored under id.
func (s *Store) GetSession(id string) (domain.CounterSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sess domain.CounterSession
	ok := s.readSlot(s.kv, nsSessions, id, &sess)
	return sess, ok
}

// ListSessions returns every unfinished session snapshot, most recently
// updated first.
func (s *Store) ListSessions() []domain.CounterSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots, err := s.kv.list(nsSessions)
	if err != nil {
		s.logger.Printf("WARNING: list sessions: %v", err)
		return nil
	}
	var out []domain.CounterSession
	for _, sl := range slots {
		var sess domain.CounterSession
		if s.decodeSlot(s.kv, sl, &sess) {
			out = append(out, sess)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// ─── Derived State & Settings ───────────────────────────────────────────────

// ReadDerivedState returns the cached streaks and badges.
func (s *Store) ReadDerivedState() domain.DerivedState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d domain.DerivedState
	s.readSlot(s.kv, nsDerived, slotAll, &d)
	return d
}

// WriteDerivedState replaces the cached streaks and badges.
func (s *Store) WriteDerivedState(state domain.DerivedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update(func(k *kv) error { return writeSlot(k, nsDerived, slotAll, state) })
}

// ReadSetting decodes a named setting (e.g. notification preferences) into v.
func (s *Store) ReadSetting(key string, v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readSlot(s.kv, nsSettings, key, v)
}

// WriteSetting stores a named setting.
func (s *Store) WriteSetting(key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update(func(k *kv) error { return writeSlot(k, nsSettings, key, v) })
}
