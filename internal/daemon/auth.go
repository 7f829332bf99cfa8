package daemon

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"chorus/internal/roles"
	"chorus/internal/services"
)

// Headers set by the upstream auth layer to identify the caller.
const (
	HeaderUser      = "X-Chorus-User"
	HeaderRole      = "X-Chorus-Role"
	HeaderRequestID = "X-Request-ID"
)

const anonymousUser = "anonymous"

// authMiddleware returns a middleware that validates bearer tokens.
// If token is empty, no authentication is required and all requests pass through.
// Otherwise, requests must include "Authorization: Bearer <token>" header.
func authMiddleware(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if strings.TrimPrefix(auth, "Bearer ") != token {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware tags each request context with a correlation id,
// reusing the caller's X-Request-ID when present.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(services.WithRequestID(r.Context(), id)))
	})
}

// callerFrom resolves the caller identity headers. A missing role means
// viewer; the system role is reserved for scheduled runs.
func callerFrom(r *http.Request) (roles.Caller, error) {
	user := strings.TrimSpace(r.Header.Get(HeaderUser))
	if user == "" {
		user = anonymousUser
	}
	value := strings.TrimSpace(r.Header.Get(HeaderRole))
	if value == "" {
		return roles.Caller{UserID: user, Role: roles.Viewer}, nil
	}
	role, err := roles.Parse(value)
	if err != nil {
		return roles.Caller{}, services.Wrap(services.ErrValidation, "api", "caller", "", err)
	}
	if role == roles.System {
		return roles.Caller{}, services.Wrap(services.ErrForbidden, "api", "caller", "system role is not available to API callers", nil)
	}
	return roles.Caller{UserID: user, Role: role}, nil
}
