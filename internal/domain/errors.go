package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure and carry no infrastructure dependency.

var (
	// Goal errors
	ErrGoalNotFound = errors.New("goal not found")
	ErrInvalidGoal  = errors.New("invalid goal")
	ErrGoalLimit    = errors.New("active goal limit reached for subscription tier")

	// Counter errors
	ErrNoSession     = errors.New("no active counter session")
	ErrInvalidDelta  = errors.New("invalid counter delta")
	ErrThrottled     = errors.New("tap ignored: too soon after previous tap")
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrUndoExpired   = errors.New("undo window has closed")

	// Progress errors
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")

	// Remote errors
	ErrOffline           = errors.New("progress service is unreachable")
	ErrRemoteUnavailable = errors.New("progress service returned a server error")
	ErrRemoteValidation  = errors.New("progress service rejected the request")
	ErrUnauthorized      = errors.New("missing or invalid credentials")
)

// IsTransient reports whether err should leave a mutation queued for a
// later retry rather than being surfaced to the user.
func IsTransient(err error) bool {
	return errors.Is(err, ErrOffline) || errors.Is(err, ErrRemoteUnavailable)
}
