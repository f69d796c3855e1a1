package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/chaosdice/server/internal/config"
	"github.com/chaosdice/server/internal/model"
	"github.com/chaosdice/server/internal/store"
)

var (
	// ErrAdminDisabled means the admin surface is switched off entirely;
	// handlers respond 404 so the surface stays invisible.
	ErrAdminDisabled = errors.New("admin surface disabled")
	// ErrAdminForbidden means the caller presented no acceptable admin
	// credential.
	ErrAdminForbidden = errors.New("admin access denied")
)

// AdminGuard authorizes requests against the admin surface according to
// the configured access mode:
//
//	disabled — nobody, ever
//	open     — everybody (local development only)
//	token    — X-Admin-Token header matching the configured secret
//	role     — bearer access token of a player holding admin/moderator
//	hybrid   — token or role, either suffices
type AdminGuard struct {
	mode   string
	secret []byte
	store  *store.Store
	tokens *TokenManager
}

// NewAdminGuard wires the guard; tokens may be nil when mode never
// consults roles.
func NewAdminGuard(mode, secret string, st *store.Store, tokens *TokenManager) *AdminGuard {
	return &AdminGuard{mode: mode, secret: []byte(secret), store: st, tokens: tokens}
}

// Authorize resolves the acting admin identity for a request. The returned
// actor is a player id for role access or "admin-token" for shared-secret
// access, and lands in audit entries.
func (g *AdminGuard) Authorize(r *http.Request) (string, error) {
	switch g.mode {
	case config.AdminModeDisabled:
		return "", ErrAdminDisabled
	case config.AdminModeOpen:
		return "open-access", nil
	case config.AdminModeToken:
		return g.bySecret(r)
	case config.AdminModeRole:
		return g.byRole(r)
	case config.AdminModeHybrid:
		if actor, err := g.bySecret(r); err == nil {
			return actor, nil
		}
		return g.byRole(r)
	default:
		return "", ErrAdminDisabled
	}
}

func (g *AdminGuard) bySecret(r *http.Request) (string, error) {
	presented := r.Header.Get("X-Admin-Token")
	if presented == "" {
		return "", ErrAdminForbidden
	}
	if len(g.secret) == 0 {
		return "", ErrAdminForbidden
	}
	if subtle.ConstantTimeCompare([]byte(presented), g.secret) != 1 {
		return "", ErrAdminForbidden
	}
	return "admin-token", nil
}

func (g *AdminGuard) byRole(r *http.Request) (string, error) {
	if g.tokens == nil {
		return "", ErrAdminForbidden
	}
	raw := ExtractBearer(r.Header.Get("Authorization"))
	if raw == "" {
		return "", ErrAdminForbidden
	}
	rec := g.tokens.VerifyAccess(raw)
	if rec == nil {
		return "", ErrAdminForbidden
	}

	allowed := false
	g.store.View(func(snap *model.Snapshot) {
		if role, ok := snap.Moderation.Roles[rec.PlayerID]; ok {
			allowed = role.Role == model.RoleAdmin || role.Role == model.RoleModerator
		}
	})
	if !allowed {
		return "", ErrAdminForbidden
	}
	return rec.PlayerID, nil
}

// Middleware gates an admin handler behind the guard and stores the actor
// in the context under the player id key.
func (g *AdminGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := g.Authorize(r)
		if errors.Is(err, ErrAdminDisabled) {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAdminActor(r.Context(), actor)))
	})
}

const adminActorKey contextKey = "admin_actor"

// WithAdminActor stores the resolved admin identity in the context.
func WithAdminActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, adminActorKey, actor)
}

// AdminActorFromContext extracts the admin identity, or "".
func AdminActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(adminActorKey).(string)
	return actor
}
