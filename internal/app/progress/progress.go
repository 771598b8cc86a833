// Package progress implements the Remote Progress Service: goal CRUD plus
// the idempotent, additive progress log from which streaks, badges and
// completion notifications are derived in the same transaction.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tasbih-app/tasbih/internal/app/tier"
	"github.com/tasbih-app/tasbih/internal/domain"
	"github.com/tasbih-app/tasbih/internal/infra/observability"
	"github.com/tasbih-app/tasbih/internal/infra/sqlite"
)

// Event is published after every accepted progress write.
type Event struct {
	Type         string         `json:"type"` // "progress"
	UserID       string         `json:"user_id"`
	Goal         *domain.Goal   `json:"goal,omitempty"`
	Item         string         `json:"item,omitempty"`
	Amount       int64          `json:"amount"`
	CompletedNow bool           `json:"completed_now"`
	NewBadges    []domain.Badge `json:"new_badges,omitempty"`
	Timestamp    int64          `json:"timestamp"`
}

// Publisher receives accepted progress events, e.g. a live feed hub.
type Publisher interface {
	Publish(ev Event)
}

// Service is the server side of the progress contract. All methods are
// scoped to one user.
type Service struct {
	db     *sqlite.DB
	tiers  *tier.Cache
	pub    Publisher
	tracer *observability.Tracer
	logger *log.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher streams accepted events to p.
func WithPublisher(p Publisher) Option { return func(s *Service) { s.pub = p } }

// WithTracer records a span per append.
func WithTracer(t *observability.Tracer) Option { return func(s *Service) { s.tracer = t } }

// WithLogger replaces the default stderr logger.
func WithLogger(l *log.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New creates the service. tiers may be nil, which disables goal limits.
func New(db *sqlite.DB, tiers *tier.Cache, opts ...Option) *Service {
	s := &Service{
		db:     db,
		tiers:  tiers,
		logger: log.New(os.Stderr, "[progress] ", log.LstdFlags),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// IsValidation reports whether err is a request the caller must fix, as
// opposed to a storage failure worth retrying.
func IsValidation(err error) bool {
	for _, target := range []error{
		domain.ErrInvalidGoal, domain.ErrInvalidDelta, domain.ErrMissingIdempotencyKey,
		domain.ErrGoalNotFound, domain.ErrGoalLimit,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ─── Goals ──────────────────────────────────────────────────────────────────

// CreateGoal validates and stores a new goal. Progress always starts at zero.
func (s *Service) CreateGoal(ctx context.Context, userID string, g domain.Goal) (*domain.Goal, error) {
	now := s.now().UTC()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Status == "" {
		g.Status = domain.GoalActive
	}
	if g.StartDate.IsZero() {
		g.StartDate = now
	}
	g.UserID = userID
	g.CurrentValue = 0
	g.CreatedAt, g.UpdatedAt = now, now
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if g.Status == domain.GoalCompleted {
		return nil, fmt.Errorf("%w: a new goal cannot start completed", domain.ErrInvalidGoal)
	}
	if g.Status == domain.GoalActive {
		if err := s.checkGoalLimit(ctx, userID); err != nil {
			return nil, err
		}
	}

	if err := s.db.InsertGoal(ctx, g); err != nil {
		return nil, fmt.Errorf("insert goal: %w", err)
	}
	s.logger.Printf("user %s created goal %s (%s, target %d)", userID, g.ID, g.Category, g.TargetValue)
	return &g, nil
}

// UpdateGoal applies patch. Moving a goal back to active counts against the
// tier's goal limit.
func (s *Service) UpdateGoal(ctx context.Context, userID, id string, patch domain.GoalPatch) (*domain.Goal, error) {
	g, err := s.db.GetGoal(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	wasActive := g.Status == domain.GoalActive

	patch.ApplyTo(g)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if g.Status == domain.GoalActive && g.Reached() {
		g.Status = domain.GoalCompleted
	}
	if g.Status == domain.GoalActive && !wasActive {
		if err := s.checkGoalLimit(ctx, userID); err != nil {
			return nil, err
		}
	}
	g.UpdatedAt = s.now().UTC()

	if err := s.db.UpdateGoal(ctx, *g); err != nil {
		return nil, err
	}
	return g, nil
}

// DeleteGoal removes a goal. Its progress entries remain for totals.
func (s *Service) DeleteGoal(ctx context.Context, userID, id string) error {
	return s.db.DeleteGoal(ctx, userID, id)
}

// GetGoal returns one goal.
func (s *Service) GetGoal(ctx context.Context, userID, id string) (*domain.Goal, error) {
	return s.db.GetGoal(ctx, userID, id)
}

// ListGoals returns the user's goals filtered by status.
func (s *Service) ListGoals(ctx context.Context, userID string, statuses ...domain.GoalStatus) ([]domain.Goal, error) {
	return s.db.ListGoals(ctx, userID, statuses...)
}

// History returns the newest progress entries of a goal. An empty goalID
// lists standalone counter taps.
func (s *Service) History(ctx context.Context, userID, goalID string, limit int) ([]domain.ProgressEntry, error) {
	if goalID != "" {
		if _, err := s.db.GetGoal(ctx, userID, goalID); err != nil {
			return nil, err
		}
	}
	return s.db.ListProgress(ctx, userID, goalID, limit)
}

func (s *Service) checkGoalLimit(ctx context.Context, userID string) error {
	if s.tiers == nil {
		return nil
	}
	limit, err := s.tiers.GoalLimit(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve tier: %w", err)
	}
	if limit <= 0 {
		return nil
	}
	active, err := s.db.CountGoals(ctx, userID, domain.GoalActive)
	if err != nil {
		return err
	}
	if active >= limit {
		return fmt.Errorf("%w (%d)", domain.ErrGoalLimit, limit)
	}
	return nil
}

// ─── Progress ───────────────────────────────────────────────────────────────

// AppendProgress applies one delta. The entry insert, the additive goal
// update, status transition, streaks, badges and notifications commit
// together. A replayed key changes nothing and reports Duplicate.
func (s *Service) AppendProgress(ctx context.Context, userID string, req domain.AppendRequest) (*domain.AppendResult, error) {
	if err := req.Validate(); err != nil {
		observability.ProgressAppends.WithLabelValues("rejected").Inc()
		return nil, err
	}

	ctx, span := s.tracer.StartSpan(ctx, "progress.append", map[string]string{
		"goal_id": req.GoalID, "amount": strconv.FormatInt(req.Amount, 10),
	})
	now := s.now().UTC()
	day := req.Date
	if day.IsZero() {
		day = now
	}
	day = domain.Day(day)

	var completedCategory domain.GoalCategory
	result := &domain.AppendResult{}
	err := s.db.InTx(ctx, func(tx *sqlite.Tx) error {
		inserted, err := tx.InsertProgress(ctx, domain.ProgressEntry{
			ID:             uuid.NewString(),
			GoalID:         req.GoalID,
			UserID:         userID,
			Item:           req.Item,
			Amount:         req.Amount,
			Date:           day,
			Notes:          req.Notes,
			EventType:      req.EventType,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		})
		if err != nil {
			return fmt.Errorf("insert progress: %w", err)
		}
		if !inserted {
			result.Duplicate = true
			return s.fillDuplicate(ctx, tx, userID, req, result)
		}

		var before, after *domain.Goal
		if req.GoalID != "" {
			if before, err = tx.GetGoal(ctx, userID, req.GoalID); err != nil {
				return err
			}
			if after, err = tx.AddToGoal(ctx, userID, req.GoalID, req.Amount, now); err != nil {
				return err
			}
			if err := s.transition(ctx, tx, before, after, now, result); err != nil {
				return err
			}
			if result.CompletedNow {
				completedCategory = after.Category
			}
			result.Goal = after
		}

		if req.Amount > 0 {
			if err := s.deriveStreaks(ctx, tx, userID, before, after, req.Amount, day); err != nil {
				return err
			}
		}
		if err := s.awardBadges(ctx, tx, userID, now, result); err != nil {
			return err
		}
		result.Streaks, err = tx.ListStreaks(ctx, userID)
		return err
	})
	s.tracer.EndSpan(span, err)
	if err != nil {
		if IsValidation(err) {
			observability.ProgressAppends.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}

	if result.Duplicate {
		observability.ProgressAppends.WithLabelValues("duplicate").Inc()
		return result, nil
	}
	observability.ProgressAppends.WithLabelValues("accepted").Inc()
	if result.CompletedNow {
		observability.GoalsCompleted.WithLabelValues(string(completedCategory)).Inc()
		s.logger.Printf("user %s completed goal %s", userID, req.GoalID)
	}
	for _, b := range result.NewBadges {
		observability.BadgesAwarded.WithLabelValues(string(b.Type)).Inc()
	}
	if s.pub != nil {
		s.pub.Publish(Event{
			Type:         "progress",
			UserID:       userID,
			Goal:         result.Goal,
			Item:         req.Item,
			Amount:       req.Amount,
			CompletedNow: result.CompletedNow,
			NewBadges:    result.NewBadges,
			Timestamp:    now.Unix(),
		})
	}
	return result, nil
}

// fillDuplicate reports current state for a replayed key. The goal may
// have been deleted since the original append; that is not an error.
func (s *Service) fillDuplicate(ctx context.Context, tx *sqlite.Tx, userID string, req domain.AppendRequest, result *domain.AppendResult) error {
	goalID, _, err := tx.LookupProgress(ctx, userID, req.IdempotencyKey)
	if err != nil {
		return err
	}
	if goalID != "" {
		g, err := tx.GetGoal(ctx, userID, goalID)
		switch {
		case errors.Is(err, domain.ErrGoalNotFound):
		case err != nil:
			return err
		default:
			result.Goal = g
		}
	}
	result.Streaks, err = tx.ListStreaks(ctx, userID)
	return err
}

// transition moves the goal across the completed boundary and queues the
// completion notification the first time a goal completes.
func (s *Service) transition(ctx context.Context, tx *sqlite.Tx, before, after *domain.Goal, now time.Time, result *domain.AppendResult) error {
	switch {
	case before.Status == domain.GoalActive && after.Reached():
		after.Status = domain.GoalCompleted
		if err := tx.SetGoalStatus(ctx, after.UserID, after.ID, after.Status); err != nil {
			return err
		}
		result.CompletedNow = true

		first, err := tx.MarkFirstCompletion(ctx, after.UserID, after.ID, now)
		if err != nil {
			return err
		}
		if first {
			_, err = tx.InsertNotification(ctx, domain.Notification{
				UserID:    after.UserID,
				Kind:      domain.NotifyGoalCompleted,
				Ref:       after.ID,
				Message:   fmt.Sprintf("Goal %q completed: %d/%d", after.Title, after.CurrentValue, after.TargetValue),
				CreatedAt: now,
			})
			return err
		}
	case before.Status == domain.GoalCompleted && !after.Reached():
		after.Status = domain.GoalActive
		return tx.SetGoalStatus(ctx, after.UserID, after.ID, after.Status)
	}
	return nil
}

// deriveStreaks advances the category and "all" streaks when this append
// makes the day qualify: the goal crossed its target overall, or the
// day's total for the goal crossed it.
func (s *Service) deriveStreaks(ctx context.Context, tx *sqlite.Tx, userID string, before, after *domain.Goal, amount int64, day time.Time) error {
	if after == nil {
		return nil
	}
	qualifies := before.CurrentValue < after.TargetValue && after.CurrentValue >= after.TargetValue
	if !qualifies {
		total, err := tx.DayTotal(ctx, userID, after.ID, day)
		if err != nil {
			return err
		}
		qualifies = total-amount < after.TargetValue && total >= after.TargetValue
	}
	if !qualifies {
		return nil
	}

	for _, scope := range []string{string(after.Category), domain.ScopeAll} {
		st, err := tx.GetStreak(ctx, userID, scope)
		if err != nil {
			return err
		}
		if !st.Advance(day) {
			continue
		}
		if err := tx.PutStreak(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// awardBadges grants every milestone reached and not yet held.
func (s *Service) awardBadges(ctx context.Context, tx *sqlite.Tx, userID string, now time.Time, result *domain.AppendResult) error {
	all, err := tx.GetStreak(ctx, userID, domain.ScopeAll)
	if err != nil {
		return err
	}
	completed, err := tx.CountCompletedGoals(ctx, userID)
	if err != nil {
		return err
	}
	dhikr, err := tx.DhikrTotal(ctx, userID)
	if err != nil {
		return err
	}

	values := []struct {
		typ   domain.BadgeType
		value int64
	}{
		{domain.BadgeStreak, int64(all.CurrentDays)},
		{domain.BadgeGoalsComplete, completed},
		{domain.BadgeDhikrCount, dhikr},
	}
	for _, v := range values {
		for _, level := range domain.LevelsReached(v.typ, v.value) {
			b := domain.Badge{UserID: userID, Type: v.typ, Level: level, AwardedAt: now}
			added, err := tx.AwardBadge(ctx, b)
			if err != nil {
				return err
			}
			if !added {
				continue
			}
			result.NewBadges = append(result.NewBadges, b)
			if _, err := tx.InsertNotification(ctx, domain.Notification{
				UserID:    userID,
				Kind:      domain.NotifyBadgeAwarded,
				Ref:       fmt.Sprintf("%s:%d", v.typ, level),
				Message:   badgeMessage(v.typ, level),
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func badgeMessage(t domain.BadgeType, level int) string {
	threshold := domain.BadgeLevels[t][level-1]
	switch t {
	case domain.BadgeStreak:
		return fmt.Sprintf("Badge earned: %d-day streak", threshold)
	case domain.BadgeGoalsComplete:
		return fmt.Sprintf("Badge earned: %d goals completed", threshold)
	default:
		return fmt.Sprintf("Badge earned: %d dhikr recited", threshold)
	}
}

// SyncBatch applies events in order, each independently. Validation
// failures reject only their own event. A storage failure aborts the rest
// of the batch with an error; events applied before it stay applied and
// replay as duplicates.
func (s *Service) SyncBatch(ctx context.Context, userID string, events []domain.AppendRequest) ([]domain.SyncResult, error) {
	results := make([]domain.SyncResult, 0, len(events))
	for _, ev := range events {
		res, err := s.AppendProgress(ctx, userID, ev)
		switch {
		case err == nil && res.Duplicate:
			results = append(results, domain.SyncResult{IdempotencyKey: ev.IdempotencyKey, Status: domain.SyncDuplicate, Result: res})
		case err == nil:
			results = append(results, domain.SyncResult{IdempotencyKey: ev.IdempotencyKey, Status: domain.SyncAccepted, Result: res})
		case IsValidation(err):
			results = append(results, domain.SyncResult{IdempotencyKey: ev.IdempotencyKey, Status: domain.SyncRejected, Error: err.Error()})
		default:
			s.logger.Printf("sync batch for %s aborted after %d/%d events: %v", userID, len(results), len(events), err)
			return results, err
		}
	}
	return results, nil
}

// ─── Derived State ──────────────────────────────────────────────────────────

// DerivedState returns the authoritative streaks and badges. Current
// streaks broken by a missed day read as zero until the next qualifying day.
func (s *Service) DerivedState(ctx context.Context, userID string) (*domain.DerivedState, error) {
	streaks, err := s.db.ListStreaks(ctx, userID)
	if err != nil {
		return nil, err
	}
	badges, err := s.db.ListBadges(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	state := domain.DerivedState{Streaks: streaks, Badges: badges, AsOf: now}.Decay(now)
	return &state, nil
}

// Notifications returns pending notifications.
func (s *Service) Notifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	return s.db.PendingNotifications(ctx, userID, limit)
}

// MarkNotificationShown flags a notification delivered.
func (s *Service) MarkNotificationShown(ctx context.Context, userID string, id int64) error {
	ok, err := s.db.MarkNotificationShown(ctx, userID, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotificationNotFound
	}
	return nil
}

// ErrNotificationNotFound is returned for an unknown notification id.
var ErrNotificationNotFound = errors.New("notification not found")
