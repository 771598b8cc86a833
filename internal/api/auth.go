package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type ctxKey int

const userKey ctxKey = iota

// userID returns the authenticated user for the request.
func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey).(string)
	return id
}

// withUser stores the authenticated user on ctx.
func withUser(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userKey, id)
}

// authMiddleware requires a bearer token (when the server has one) and a
// user identifier. Browser feeds cannot set headers, so both may also come
// from the access_token and user_id query parameters.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := bearerToken(r)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeTypedError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
				return
			}
		}

		id := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if id == "" {
			id = strings.TrimSpace(r.URL.Query().Get("user_id"))
		}
		if id == "" {
			writeTypedError(w, http.StatusUnauthorized, "unauthorized", "X-User-ID header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), id)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("access_token")
}
