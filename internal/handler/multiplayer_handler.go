package handler

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/chaosdice/server/internal/auth"
	"github.com/chaosdice/server/internal/service"
)

// MultiplayerHandler serves the session registry over HTTP: creation,
// matchmaking, participant state, and host moderation.
type MultiplayerHandler struct {
	registry *service.Registry
	players  *service.PlayerService
	identity auth.IdentityVerifier // nil means guest play is trusted
}

// NewMultiplayerHandler creates a MultiplayerHandler. identity may be nil.
func NewMultiplayerHandler(registry *service.Registry, players *service.PlayerService, identity auth.IdentityVerifier) *MultiplayerHandler {
	return &MultiplayerHandler{registry: registry, players: players, identity: identity}
}

// verifyIdentity checks the claimed player against the identity credential
// when a verifier is installed, recording the uid link on success. Guest
// mode accepts any claim.
func (h *MultiplayerHandler) verifyIdentity(r *http.Request, playerID string) bool {
	if h.identity == nil {
		return true
	}
	cred := auth.ExtractBearer(r.Header.Get("Authorization"))
	if cred == "" {
		return false
	}
	uid, name, err := h.identity.Verify(cred)
	if err != nil || uid != playerID {
		return false
	}
	if h.players != nil {
		if err := h.players.LinkIdentity(uid, playerID, name); err != nil {
			log.Warn().Err(err).Str("player_id", playerID).Msg("Identity link failed")
		}
	}
	return true
}

// CreateSession handles POST /api/multiplayer/sessions.
func (h *MultiplayerHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID      string `json:"playerId"`
		DisplayName   string `json:"displayName"`
		BotCount      int    `json:"botCount"`
		BotProfile    string `json:"botProfile"`
		IsPublic      bool   `json:"isPublic"`
		Difficulty    string `json:"difficulty"`
		MaxHumanCount int    `json:"maxHumanCount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action")
		return
	}
	if !h.verifyIdentity(r, req.PlayerID) {
		writeError(w, http.StatusForbidden, "identity_mismatch")
		return
	}

	result, err := h.registry.CreateSession(req.PlayerID, req.DisplayName, service.CreateOptions{
		BotCount:      req.BotCount,
		BotProfile:    req.BotProfile,
		IsPublic:      req.IsPublic,
		Difficulty:    req.Difficulty,
		MaxHumanCount: req.MaxHumanCount,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ListRooms handles GET /api/multiplayer/rooms.
func (h *MultiplayerHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.registry.ListRooms()
	if rooms == nil {
		rooms = []service.RoomInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

type joinRequest struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
}

// JoinByCode handles POST /api/multiplayer/rooms/{code}/join.
func (h *MultiplayerHandler) JoinByCode(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	var req joinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action")
		return
	}
	if !h.verifyIdentity(r, req.PlayerID) {
		writeError(w, http.StatusForbidden, "identity_mismatch")
		return
	}
	result, err := h.registry.JoinRoomByCode(code, req.PlayerID, req.DisplayName)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// JoinSession handles POST /api/multiplayer/sessions/{id}/join.
func (h *MultiplayerHandler) JoinSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req joinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action")
		return
	}
	if !h.verifyIdentity(r, req.PlayerID) {
		writeError(w, http.StatusForbidden, "identity_mismatch")
		return
	}
	result, err := h.registry.JoinBySessionID(sessionID, req.PlayerID, req.DisplayName)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetSession handles GET /api/multiplayer/sessions/{id}.
func (h *MultiplayerHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	state, err := h.registry.SessionState(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// sessionPlayer resolves the acting player for an authed session route and
// confirms the token was issued for this session.
func sessionPlayer(w http.ResponseWriter, r *http.Request) (sessionID, playerID string, ok bool) {
	sessionID = r.PathValue("id")
	playerID = auth.PlayerIDFromContext(r.Context())
	if playerID == "" || auth.SessionIDFromContext(r.Context()) != sessionID {
		writeError(w, http.StatusUnauthorized, "invalid_auth")
		return "", "", false
	}
	return sessionID, playerID, true
}

// Heartbeat handles POST /api/multiplayer/sessions/{id}/heartbeat.
func (h *MultiplayerHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	sessionID, playerID, ok := sessionPlayer(w, r)
	if !ok {
		return
	}
	if err := h.registry.Heartbeat(sessionID, playerID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ParticipantState handles POST /api/multiplayer/sessions/{id}/participant-state.
func (h *MultiplayerHandler) ParticipantState(w http.ResponseWriter, r *http.Request) {
	sessionID, playerID, ok := sessionPlayer(w, r)
	if !ok {
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action")
		return
	}
	if err := h.registry.UpdateParticipantState(sessionID, playerID, req.Action); err != nil {
		writeServiceError(w, err)
		return
	}
	state, err := h.registry.SessionState(sessionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Moderate handles POST /api/multiplayer/sessions/{id}/moderate.
func (h *MultiplayerHandler) Moderate(w http.ResponseWriter, r *http.Request) {
	sessionID, playerID, ok := sessionPlayer(w, r)
	if !ok {
		return
	}
	var req struct {
		TargetPlayerID string `json:"targetPlayerId"`
		Action         string `json:"action"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action")
		return
	}
	if err := h.registry.Moderate(sessionID, playerID, req.TargetPlayerID, req.Action); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// QueueNext handles POST /api/multiplayer/sessions/{id}/queue-next.
func (h *MultiplayerHandler) QueueNext(w http.ResponseWriter, r *http.Request) {
	sessionID, playerID, ok := sessionPlayer(w, r)
	if !ok {
		return
	}
	if err := h.registry.QueueForNextGame(sessionID, playerID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "queuedForNextGame": true})
}

// Leave handles POST /api/multiplayer/sessions/{id}/leave.
func (h *MultiplayerHandler) Leave(w http.ResponseWriter, r *http.Request) {
	sessionID, playerID, ok := sessionPlayer(w, r)
	if !ok {
		return
	}
	if err := h.registry.Leave(sessionID, playerID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// RefreshSessionAuth handles POST /api/multiplayer/sessions/{id}/auth/refresh.
// Unlike the other session routes this one authenticates by refresh token,
// since the access token being rotated may already be expired.
func (h *MultiplayerHandler) RefreshSessionAuth(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req struct {
		PlayerID     string `json:"playerId"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action")
		return
	}
	bundle, err := h.registry.RefreshSessionAuth(sessionID, req.PlayerID, req.RefreshToken)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"auth": bundle})
}
