package handler

import (
	"net/http"

	"github.com/chaosdice/server/internal/service"
)

// LogsHandler ingests batched client log lines.
type LogsHandler struct {
	players *service.PlayerService
}

// NewLogsHandler creates a LogsHandler.
func NewLogsHandler(players *service.PlayerService) *LogsHandler {
	return &LogsHandler{players: players}
}

// Batch handles POST /api/logs/batch.
func (h *LogsHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entries []service.LogEntry `json:"entries"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action")
		return
	}
	stored, err := h.players.AppendLogs(req.Entries)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"stored": stored})
}
