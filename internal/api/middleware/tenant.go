package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	// SystemIDKey is the context key for the external system id.
	SystemIDKey contextKey = "system_id"
	// UserIDKey is the context key for the end-user id.
	UserIDKey contextKey = "user_id"
)

// SystemExtractor extracts the external system and user identity from the
// request. It checks the X-System-Id / X-User-Id headers, then the
// system_id / user_id query parameters; the system falls back to "default".
func SystemExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		systemID := strings.TrimSpace(r.Header.Get("X-System-Id"))
		if systemID == "" {
			systemID = strings.TrimSpace(r.URL.Query().Get("system_id"))
		}
		if systemID == "" {
			systemID = "default"
		}

		userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
		}

		ctx := context.WithValue(r.Context(), SystemIDKey, systemID)
		ctx = context.WithValue(ctx, UserIDKey, userID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSystemID retrieves the external system id from the request context.
func GetSystemID(ctx context.Context) string {
	if v, ok := ctx.Value(SystemIDKey).(string); ok {
		return v
	}
	return "default"
}

// GetUserID retrieves the end-user id from the request context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}
