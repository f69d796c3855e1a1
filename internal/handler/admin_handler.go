package handler

import (
	"net/http"
	"strconv"

	"github.com/chaosdice/server/internal/auth"
	"github.com/chaosdice/server/internal/service"
)

// AdminHandler exposes the moderation surface. Every route sits behind
// auth.AdminGuard.Middleware, which resolves the acting admin identity.
type AdminHandler struct {
	admin    *service.AdminService
	registry *service.Registry
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(admin *service.AdminService, registry *service.Registry) *AdminHandler {
	return &AdminHandler{admin: admin, registry: registry}
}

// Overview handles GET /api/admin/overview.
func (h *AdminHandler) Overview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.admin.Overview())
}

// Rooms handles GET /api/admin/rooms: every session, not just public ones.
func (h *AdminHandler) Rooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.registry.ListAllRooms()
	if rooms == nil {
		rooms = []service.RoomInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

// SessionConduct handles GET /api/admin/sessions/{id}/conduct.
func (h *AdminHandler) SessionConduct(w http.ResponseWriter, r *http.Request) {
	views, err := h.admin.SessionConduct(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if views == nil {
		views = []service.ConductView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conduct": views})
}

// PlayerConduct handles GET /api/admin/players/{id}/conduct.
func (h *AdminHandler) PlayerConduct(w http.ResponseWriter, r *http.Request) {
	views := h.admin.PlayerConduct(r.PathValue("id"))
	if views == nil {
		views = []service.ConductView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conduct": views})
}

// AuditLog handles GET /api/admin/audit?limit=&offset=.
func (h *AdminHandler) AuditLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	entries := h.admin.AuditLog(limit, offset)
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Terms handles GET /api/admin/terms.
func (h *AdminHandler) Terms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"terms": h.admin.Terms()})
}

// UpsertTerm handles POST /api/admin/terms.
func (h *AdminHandler) UpsertTerm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Term string `json:"term"`
		Note string `json:"note"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action")
		return
	}
	rec, err := h.admin.UpsertTerm(auth.AdminActorFromContext(r.Context()), req.Term, req.Note)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RemoveTerm handles DELETE /api/admin/terms/{id}.
func (h *AdminHandler) RemoveTerm(w http.ResponseWriter, r *http.Request) {
	err := h.admin.RemoveTerm(auth.AdminActorFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ClearConduct handles POST /api/admin/conduct/clear.
func (h *AdminHandler) ClearConduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID   string `json:"sessionId"`
		PlayerID    string `json:"playerId"`
		ResetTotals bool   `json:"resetTotals"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action")
		return
	}
	err := h.admin.ClearConduct(auth.AdminActorFromContext(r.Context()), req.SessionID, req.PlayerID, req.ResetTotals)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Rehydrate handles POST /api/admin/rehydrate: reloads the live snapshot
// from the backing store.
func (h *AdminHandler) Rehydrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force bool `json:"force"`
	}
	_ = decodeJSON(r, &req) // body is optional
	err := h.admin.ForceRehydrate(r.Context(), auth.AdminActorFromContext(r.Context()), req.Force)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ExpireSession handles POST /api/admin/sessions/{id}/expire.
func (h *AdminHandler) ExpireSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = decodeJSON(r, &req) // body is optional
	err := h.admin.ForceExpireSession(auth.AdminActorFromContext(r.Context()), r.PathValue("id"), req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// RemoveParticipant handles DELETE /api/admin/sessions/{id}/participants/{playerId}.
func (h *AdminHandler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	err := h.admin.RemoveParticipant(
		auth.AdminActorFromContext(r.Context()),
		r.PathValue("id"),
		r.PathValue("playerId"),
		r.URL.Query().Get("reason"),
	)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// UpsertRole handles PUT /api/admin/roles/{playerId}.
func (h *AdminHandler) UpsertRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action")
		return
	}
	err := h.admin.UpsertRole(auth.AdminActorFromContext(r.Context()), r.PathValue("playerId"), req.Role)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// RemoveRole handles DELETE /api/admin/roles/{playerId}.
func (h *AdminHandler) RemoveRole(w http.ResponseWriter, r *http.Request) {
	err := h.admin.RemoveRole(auth.AdminActorFromContext(r.Context()), r.PathValue("playerId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
