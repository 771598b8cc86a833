package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tasbih-app/tasbih/internal/domain"
)

// ─── Goals API ──────────────────────────────────────────────────────────────
//
// GET    /api/goals?status=active,paused  list goals
// POST   /api/goals                       create a goal
// GET    /api/goals/{id}                  fetch one goal
// PATCH  /api/goals/{id}                  update title/target/status/end date
// DELETE /api/goals/{id}                  delete a goal and its progress
// GET    /api/goals/{id}/progress?limit=  progress history of a goal
// POST   /api/goals/{id}/progress         append progress to a goal
// GET    /api/progress?limit=             standalone counter history
// POST   /api/progress                    append standalone counter progress
// POST   /api/sync                        apply a batch of queued events

func (s *Server) handleListGoals(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.GoalStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := domain.GoalStatus(strings.TrimSpace(part))
			if !st.Valid() {
				writeTypedError(w, http.StatusBadRequest, "invalid_request", "unknown status: "+string(st))
				return
			}
			statuses = append(statuses, st)
		}
	}

	goals, err := s.progress.ListGoals(r.Context(), userID(r), statuses...)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if goals == nil {
		goals = []domain.Goal{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"goals": goals,
	})
}

func (s *Server) handleCreateGoal(w http.ResponseWriter, r *http.Request) {
	var g domain.Goal
	if !decodeJSON(w, r, &g) {
		return
	}
	created, err := s.progress.CreateGoal(r.Context(), userID(r), g)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetGoal(w http.ResponseWriter, r *http.Request) {
	g, err := s.progress.GetGoal(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleUpdateGoal(w http.ResponseWriter, r *http.Request) {
	var patch domain.GoalPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	g, err := s.progress.UpdateGoal(r.Context(), userID(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGoal(w http.ResponseWriter, r *http.Request) {
	if err := s.progress.DeleteGoal(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Progress ───────────────────────────────────────────────────────────────

func (s *Server) handleGoalHistory(w http.ResponseWriter, r *http.Request) {
	s.history(w, r, chi.URLParam(r, "id"))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.history(w, r, "")
}

func (s *Server) history(w http.ResponseWriter, r *http.Request, goalID string) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	entries, err := s.progress.History(r.Context(), userID(r), goalID, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
	})
}

// queryLimit parses an optional ?limit= parameter; zero means the default.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeTypedError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func (s *Server) handleGoalProgress(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAppend(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if req.GoalID != "" && req.GoalID != id {
		writeTypedError(w, http.StatusBadRequest, "invalid_request", "goal_id in body does not match path")
		return
	}
	req.GoalID = id
	s.appendProgress(w, r, req)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAppend(w, r)
	if !ok {
		return
	}
	s.appendProgress(w, r, req)
}

func (s *Server) appendProgress(w http.ResponseWriter, r *http.Request, req domain.AppendRequest) {
	res, err := s.progress.AppendProgress(r.Context(), userID(r), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// decodeAppend reads an append request. The Idempotency-Key header wins
// over the body field when both are present.
func decodeAppend(w http.ResponseWriter, r *http.Request) (domain.AppendRequest, bool) {
	var req domain.AppendRequest
	if !decodeJSON(w, r, &req) {
		return req, false
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		req.IdempotencyKey = key
	}
	if req.EventType == "" {
		req.EventType = domain.EventManual
	}
	return req, true
}

// syncRequest is the body of POST /api/sync.
type syncRequest struct {
	Events []domain.AppendRequest `json:"events"`
}

// maxSyncEvents bounds one batch.
const maxSyncEvents = 500

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var body syncRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if len(body.Events) > maxSyncEvents {
		writeTypedError(w, http.StatusRequestEntityTooLarge, "invalid_request", "too many events in one batch")
		return
	}

	results, err := s.progress.SyncBatch(r.Context(), userID(r), body.Events)
	if err != nil {
		// Events before the failure are applied and will replay as
		// duplicates; the client retries the whole batch.
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
	})
}
