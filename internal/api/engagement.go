package api

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tasbih-app/tasbih/internal/app/progress"
	"github.com/tasbih-app/tasbih/internal/app/tier"
	"github.com/tasbih-app/tasbih/internal/domain"
)

// ─── Engagement API ─────────────────────────────────────────────────────────
// REST endpoints for the clients to display streaks, badges, notifications
// and the subscription tier.
//
// GET  /api/state                     streaks + badges (authoritative)
// GET  /api/notifications             pending notifications
// POST /api/notifications/{id}/shown  mark notification shown
// GET  /api/subscription              tier + active goal limit
// PUT  /api/subscription              change tier

// TierStore persists subscription tiers.
type TierStore interface {
	SetTier(ctx context.Context, userID string, t domain.Tier) error
}

// EngagementAPI holds references to the engagement services.
type EngagementAPI struct {
	Progress      *progress.Service
	Tiers         *tier.Cache
	Subscriptions TierStore
	Logger        *log.Logger
}

func (e *EngagementAPI) logger() *log.Logger {
	if e.Logger == nil {
		e.Logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}
	return e.Logger
}

// HandleState returns the authoritative streaks and badges.
// GET /api/state
func (e *EngagementAPI) HandleState(w http.ResponseWriter, r *http.Request) {
	if e.Progress == nil {
		writeError(w, http.StatusServiceUnavailable, "engagement not initialized")
		return
	}

	st, err := e.Progress.DerivedState(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, e.logger(), err)
		return
	}
	if st.Streaks == nil {
		st.Streaks = []domain.Streak{}
	}
	if st.Badges == nil {
		st.Badges = []domain.Badge{}
	}

	all := st.StreakFor(domain.ScopeAll)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"streaks":      st.Streaks,
		"badges":       st.Badges,
		"as_of":        st.AsOf,
		"current_days": all.CurrentDays,
		"longest_days": all.LongestDays,
	})
}

// HandleNotifications returns pending notifications.
// GET /api/notifications?limit=20
func (e *EngagementAPI) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	if e.Progress == nil {
		writeError(w, http.StatusServiceUnavailable, "engagement not initialized")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			writeTypedError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	pending, err := e.Progress.Notifications(r.Context(), userID(r), limit)
	if err != nil {
		writeServiceError(w, r, e.logger(), err)
		return
	}
	if pending == nil {
		pending = []domain.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": pending,
	})
}

// HandleNotificationShown marks a notification as shown.
// POST /api/notifications/{id}/shown
func (e *EngagementAPI) HandleNotificationShown(w http.ResponseWriter, r *http.Request) {
	if e.Progress == nil {
		writeError(w, http.StatusServiceUnavailable, "engagement not initialized")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeTypedError(w, http.StatusBadRequest, "invalid_request", "invalid notification id")
		return
	}
	if err := e.Progress.MarkNotificationShown(r.Context(), userID(r), id); err != nil {
		writeServiceError(w, r, e.logger(), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
	})
}

// HandleSubscription returns the user's tier and active goal limit.
// GET /api/subscription
func (e *EngagementAPI) HandleSubscription(w http.ResponseWriter, r *http.Request) {
	if e.Tiers == nil {
		writeError(w, http.StatusServiceUnavailable, "subscriptions not initialized")
		return
	}
	e.writeSubscription(w, r)
}

// HandleSetSubscription changes the user's tier and drops the cached value.
// PUT /api/subscription {"tier": "premium"}
func (e *EngagementAPI) HandleSetSubscription(w http.ResponseWriter, r *http.Request) {
	if e.Tiers == nil || e.Subscriptions == nil {
		writeError(w, http.StatusServiceUnavailable, "subscriptions not initialized")
		return
	}

	var body struct {
		Tier domain.Tier `json:"tier"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Tier != domain.TierFree && body.Tier != domain.TierPremium {
		writeTypedError(w, http.StatusBadRequest, "invalid_request", "tier must be free or premium")
		return
	}

	uid := userID(r)
	if err := e.Subscriptions.SetTier(r.Context(), uid, body.Tier); err != nil {
		writeServiceError(w, r, e.logger(), err)
		return
	}
	e.Tiers.Invalidate(uid)
	e.writeSubscription(w, r)
}

func (e *EngagementAPI) writeSubscription(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	t, err := e.Tiers.Get(r.Context(), uid)
	if err != nil {
		writeServiceError(w, r, e.logger(), err)
		return
	}
	limit, err := e.Tiers.GoalLimit(r.Context(), uid)
	if err != nil {
		writeServiceError(w, r, e.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tier":            t,
		"goal_limit":      limit,
		"unlimited_goals": limit == 0,
	})
}
