package handler

import (
	"net/http"

	"github.com/chaosdice/server/internal/auth"
)

// AuthHandler serves token introspection and rotation outside of any
// particular session route.
type AuthHandler struct {
	tokens *auth.TokenManager
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(tokens *auth.TokenManager) *AuthHandler {
	return &AuthHandler{tokens: tokens}
}

// Me handles GET /api/auth/me: resolves the bearer access token to the
// identity it proves.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	token := auth.ExtractBearer(r.Header.Get("Authorization"))
	rec := h.tokens.VerifyAccess(token)
	if rec == nil {
		writeError(w, http.StatusUnauthorized, "invalid_auth")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"playerId":  rec.PlayerID,
		"sessionId": rec.SessionID,
		"expiresAt": rec.ExpiresAt,
	})
}

// Refresh handles POST /api/auth/token/refresh: rotates a refresh token
// into a fresh bundle. The presented token is revoked whether or not the
// new issue succeeds, so a stolen-then-raced refresh burns the credential.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_action")
		return
	}
	rec := h.tokens.VerifyRefresh(req.RefreshToken)
	if rec == nil {
		writeError(w, http.StatusUnauthorized, "invalid_auth")
		return
	}
	h.tokens.Revoke(req.RefreshToken)
	bundle, err := h.tokens.IssueBundle(rec.PlayerID, rec.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"auth": bundle})
}

// Logout handles POST /api/auth/logout: revokes every token bound to the
// caller's player and session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := auth.ExtractBearer(r.Header.Get("Authorization"))
	rec := h.tokens.VerifyAccess(token)
	if rec == nil {
		writeError(w, http.StatusUnauthorized, "invalid_auth")
		return
	}
	h.tokens.RevokePlayerSession(rec.PlayerID, rec.SessionID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
