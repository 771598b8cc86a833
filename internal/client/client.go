// Package client is the HTTP client of the Remote Progress Service. It
// implements domain.ProgressService and classifies every failure so the
// caller can tell "queue and retry" from "surface to the user".
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tasbih-app/tasbih/internal/domain"
)

// Config holds the connection settings.
type Config struct {
	BaseURL string        // e.g. "http://127.0.0.1:8790"
	UserID  string        // sent as X-User-ID
	Token   string        // bearer credential
	Timeout time.Duration // per request (default 5s)
}

// Client talks to the progress service over HTTP.
type Client struct {
	base   string
	userID string
	token  string
	http   *http.Client
	logger *log.Logger
}

var _ domain.ProgressService = (*Client)(nil)

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		userID: cfg.UserID,
		token:  cfg.Token,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: log.New(os.Stderr, "[client] ", log.LstdFlags),
	}
}

// SetHTTPClient replaces the underlying http.Client.
func (c *Client) SetHTTPClient(h *http.Client) { c.http = h }

// SetLogger replaces the default stderr logger.
func (c *Client) SetLogger(l *log.Logger) { c.logger = l }

// ─── Goals ──────────────────────────────────────────────────────────────────

// CreateGoal creates a goal remotely.
func (c *Client) CreateGoal(ctx context.Context, goal domain.Goal) (*domain.Goal, error) {
	m, err := c.do(ctx, http.MethodPost, "/api/goals", goal, nil)
	if err != nil {
		return nil, err
	}
	return goalFrom(m)
}

// UpdateGoal patches a goal remotely.
func (c *Client) UpdateGoal(ctx context.Context, id string, patch domain.GoalPatch) (*domain.Goal, error) {
	m, err := c.do(ctx, http.MethodPatch, "/api/goals/"+url.PathEscape(id), patch, nil)
	if err != nil {
		return nil, err
	}
	return goalFrom(m)
}

// DeleteGoal deletes a goal remotely.
func (c *Client) DeleteGoal(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/goals/"+url.PathEscape(id), nil, nil)
	return err
}

// ListGoals fetches goals, optionally filtered by status.
func (c *Client) ListGoals(ctx context.Context, statuses ...domain.GoalStatus) ([]domain.Goal, error) {
	path := "/api/goals"
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		path += "?status=" + url.QueryEscape(strings.Join(parts, ","))
	}
	m, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	return normalizeGoals(m)
}

func goalFrom(m object) (*domain.Goal, error) {
	if inner, ok := child(m, "goal"); ok {
		m = inner
	}
	g, err := normalizeGoal(m)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ─── Progress ───────────────────────────────────────────────────────────────

// AppendProgress sends one delta. The idempotency key travels both as a
// header and in the body.
func (c *Client) AppendProgress(ctx context.Context, req domain.AppendRequest) (*domain.AppendResult, error) {
	if req.IdempotencyKey == "" {
		return nil, domain.ErrMissingIdempotencyKey
	}
	path := "/api/progress"
	if req.GoalID != "" {
		path = "/api/goals/" + url.PathEscape(req.GoalID) + "/progress"
	}
	m, err := c.do(ctx, http.MethodPost, path, req, map[string]string{"Idempotency-Key": req.IdempotencyKey})
	if err != nil {
		return nil, err
	}
	return normalizeAppendResult(m)
}

// SyncBatch sends queued events in order and returns one result per event.
func (c *Client) SyncBatch(ctx context.Context, events []domain.AppendRequest) ([]domain.SyncResult, error) {
	for _, ev := range events {
		if ev.IdempotencyKey == "" {
			return nil, domain.ErrMissingIdempotencyKey
		}
	}
	m, err := c.do(ctx, http.MethodPost, "/api/sync", map[string]any{"events": events}, nil)
	if err != nil {
		return nil, err
	}
	return normalizeSyncResults(m)
}

// DerivedState fetches authoritative streaks and badges.
func (c *Client) DerivedState(ctx context.Context) (*domain.DerivedState, error) {
	m, err := c.do(ctx, http.MethodGet, "/api/state", nil, nil)
	if err != nil {
		return nil, err
	}
	st := normalizeDerivedState(m)
	return &st, nil
}

// Ping checks reachability through /health.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err
}

// ─── Transport ──────────────────────────────────────────────────────────────

// do performs one request and returns the decoded body. Errors wrap one of
// the domain remote sentinels.
func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string) (object, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %v", domain.ErrOffline, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrOffline, path, err)
	}
	if resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			c.logger.Printf("%s %s: server error %d", method, path, resp.StatusCode)
		}
		return nil, classify(resp.StatusCode, data)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return object{}, nil
	}
	return decodeObject(data)
}

// classify maps an error response onto the domain error taxonomy.
func classify(status int, body []byte) error {
	msg, kind := errorMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %w: %s", domain.ErrRemoteValidation, domain.ErrGoalNotFound, msg)
	case kind == "goal_limit":
		return fmt.Errorf("%w: %w: %s", domain.ErrRemoteValidation, domain.ErrGoalLimit, msg)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %d %s", domain.ErrRemoteUnavailable, status, msg)
	case status >= 500:
		return fmt.Errorf("%w: %d %s", domain.ErrRemoteUnavailable, status, msg)
	default:
		return fmt.Errorf("%w: %d %s", domain.ErrRemoteValidation, status, msg)
	}
}

// errorMessage extracts {"error": {"message", "type"}} or {"error": "..."}.
func errorMessage(body []byte) (msg, kind string) {
	m, err := decodeObject(body)
	if err != nil {
		return strings.TrimSpace(string(body)), ""
	}
	if e, ok := child(m, "error"); ok {
		return str(e, "message", "detail"), str(e, "type", "code")
	}
	return str(m, "error", "message", "detail"), str(m, "code", "type")
}
