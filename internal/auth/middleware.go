package auth

import (
	"context"
	"net/http"
)

type contextKey string

const (
	playerIDKey  contextKey = "player_id"
	sessionIDKey contextKey = "session_id"
)

// Middleware returns an HTTP middleware that validates opaque access
// tokens from the Authorization header (Bearer scheme) and stores the
// authenticated principal in the request context. Rejections are opaque:
// the caller learns the token did not work, never why.
func Middleware(tokens *TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := ExtractBearer(r.Header.Get("Authorization"))
			if raw == "" {
				http.Error(w, `{"error":"invalid_auth"}`, http.StatusUnauthorized)
				return
			}

			rec := tokens.VerifyAccess(raw)
			if rec == nil {
				http.Error(w, `{"error":"invalid_auth"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), playerIDKey, rec.PlayerID)
			ctx = context.WithValue(ctx, sessionIDKey, rec.SessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PlayerIDFromContext extracts the authenticated player ID from the
// request context.
func PlayerIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(playerIDKey).(string)
	return id
}

// SessionIDFromContext extracts the session the token was issued for.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}
