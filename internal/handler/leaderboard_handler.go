package handler

import (
	"net/http"
	"strconv"

	"github.com/chaosdice/server/internal/auth"
	"github.com/chaosdice/server/internal/service"
)

// LeaderboardHandler serves the global board and accepts score
// submissions through the injected sink.
type LeaderboardHandler struct {
	players *service.PlayerService
	sink    service.LeaderboardSink
}

// NewLeaderboardHandler creates a LeaderboardHandler. sink may be nil, in
// which case submissions are accepted and discarded.
func NewLeaderboardHandler(players *service.PlayerService, sink service.LeaderboardSink) *LeaderboardHandler {
	return &LeaderboardHandler{players: players, sink: sink}
}

// Global handles GET /api/leaderboard/global.
func (h *LeaderboardHandler) Global(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	scores := h.players.Leaderboard(r.URL.Query().Get("difficulty"), limit)
	writeJSON(w, http.StatusOK, map[string]any{"scores": scores})
}

// Submit handles POST /api/leaderboard/scores. The acting player comes
// from the bearer token; the submitted playerId must match it.
func (h *LeaderboardHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID    string `json:"playerId"`
		DisplayName string `json:"displayName"`
		Difficulty  string `json:"difficulty"`
		Score       int    `json:"score"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action")
		return
	}
	if auth.PlayerIDFromContext(r.Context()) != req.PlayerID {
		writeError(w, http.StatusForbidden, "not_score_owner")
		return
	}
	if err := h.players.SubmitScore(h.sink, req.PlayerID, req.DisplayName, req.Difficulty, req.Score); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}
