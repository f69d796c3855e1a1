package handler

import (
	"net/http"

	"github.com/chaosdice/server/internal/auth"
	"github.com/chaosdice/server/internal/service"
)

// PlayerHandler serves player profiles and score aggregates.
type PlayerHandler struct {
	players *service.PlayerService
}

// NewPlayerHandler creates a PlayerHandler.
func NewPlayerHandler(players *service.PlayerService) *PlayerHandler {
	return &PlayerHandler{players: players}
}

// GetProfile handles GET /api/players/{id}.
func (h *PlayerHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.players.Profile(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PutProfile handles PUT /api/players/{id}. Callers may only edit their own
// profile; the bearer token binds the acting player.
func (h *PlayerHandler) PutProfile(w http.ResponseWriter, r *http.Request) {
	playerID := r.PathValue("id")
	if auth.PlayerIDFromContext(r.Context()) != playerID {
		writeError(w, http.StatusForbidden, "not_profile_owner")
		return
	}
	var req struct {
		DisplayName string   `json:"displayName"`
		AvatarURL   string   `json:"avatarUrl"`
		Blocked     []string `json:"blockedPlayerIds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action")
		return
	}
	p, err := h.players.UpsertProfile(playerID, service.ProfileUpdate{
		DisplayName: req.DisplayName,
		AvatarURL:   req.AvatarURL,
		Blocked:     req.Blocked,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetScores handles GET /api/players/{id}/scores.
func (h *PlayerHandler) GetScores(w http.ResponseWriter, r *http.Request) {
	sc, err := h.players.Scores(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}
