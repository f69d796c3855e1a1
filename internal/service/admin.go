package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chaosdice/server/internal/conduct"
	"github.com/chaosdice/server/internal/model"
	"github.com/chaosdice/server/internal/store"
)

// ConnectionCounter reports live realtime connections. Implemented by the
// WebSocket hub; nil means the overview reports zero.
type ConnectionCounter interface {
	ConnectionCount() int
}

// Rehydrator reloads the live snapshot from the persistence adapter.
// Implemented by store.SyncController.
type Rehydrator interface {
	Rehydrate(ctx context.Context, reason string, force bool) error
}

// AdminService is the C10 surface: read views over sessions and conduct,
// and audited moderation mutations.
type AdminService struct {
	store    *store.Store
	sched    Scheduler
	registry *Registry
	engine   *conduct.Engine

	conns      ConnectionCounter
	rehydrator Rehydrator
	startedAt  time.Time
	now        func() time.Time
}

// NewAdminService wires the admin surface. The conduct engine is shared
// with the filter pipeline so term mutations take effect immediately.
func NewAdminService(st *store.Store, sched Scheduler, registry *Registry, engine *conduct.Engine) *AdminService {
	if sched == nil {
		sched = noopScheduler{}
	}
	return &AdminService{
		store:     st,
		sched:     sched,
		registry:  registry,
		engine:    engine,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// SetConnectionCounter attaches the realtime hub's connection count.
func (a *AdminService) SetConnectionCounter(c ConnectionCounter) {
	a.conns = c
}

// SetRehydrator attaches the snapshot reload path post-construction.
func (a *AdminService) SetRehydrator(r Rehydrator) {
	a.rehydrator = r
}

// ReloadTerms rebuilds the conduct engine's term set from moderation
// storage plus the config-seeded terms, and returns the resulting count.
// Runs at boot and after a snapshot rehydrate so admin-upserted terms
// stay enforced across restarts.
func (a *AdminService) ReloadTerms(configTerms ...string) int {
	terms := append([]string(nil), configTerms...)
	a.store.View(func(snap *model.Snapshot) {
		for _, t := range snap.Moderation.Terms {
			terms = append(terms, t.Term)
		}
	})
	a.engine.ReplaceTerms(terms)
	return a.engine.TermCount()
}

// ForceRehydrate reloads the live snapshot from the backing store and
// audits the reload. force bypasses the controller's cooldown window.
func (a *AdminService) ForceRehydrate(ctx context.Context, actor string, force bool) error {
	if a.rehydrator == nil {
		return withDetail(ErrInvalidAction, "no persistence controller attached")
	}
	if err := a.rehydrator.Rehydrate(ctx, "admin_forced", force); err != nil {
		return err
	}
	now := a.now()
	reason := ""
	if force {
		reason = "forced"
	}
	err := a.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		audit(snap, actor, "snapshot_rehydrate", "", reason, now)
		return nil
	})
	if err != nil {
		return err
	}
	a.sched.Schedule()
	return nil
}

// audit appends one audit entry. Must run inside a store mutation.
func audit(snap *model.Snapshot, actor, action, target, reason string, t time.Time) {
	id := uuid.NewString()
	snap.Moderation.AuditLog[id] = &model.AuditEntry{
		ID:        id,
		Action:    action,
		Actor:     actor,
		Target:    target,
		Reason:    reason,
		Timestamp: t,
	}
}

// Overview is the admin dashboard summary.
type Overview struct {
	UptimeSeconds     int64          `json:"uptimeSeconds"`
	Sessions          int            `json:"sessions"`
	SessionsByType    map[string]int `json:"sessionsByType"`
	Participants      int            `json:"participants"`
	Humans            int            `json:"humans"`
	Bots              int            `json:"bots"`
	Connections       int            `json:"connections"`
	AccessTokens      int            `json:"accessTokens"`
	RefreshTokens     int            `json:"refreshTokens"`
	BannedTerms       int            `json:"bannedTerms"`
	LeaderboardScores int            `json:"leaderboardScores"`
}

// Overview builds the dashboard counts from the live snapshot.
func (a *AdminService) Overview() Overview {
	out := Overview{
		UptimeSeconds:  int64(a.now().Sub(a.startedAt).Seconds()),
		SessionsByType: make(map[string]int),
	}
	a.store.View(func(snap *model.Snapshot) {
		out.Sessions = len(snap.MultiplayerSessions)
		for _, sess := range snap.MultiplayerSessions {
			out.SessionsByType[sess.RoomType]++
			for _, p := range sess.Participants {
				out.Participants++
				if p.IsBot {
					out.Bots++
				} else {
					out.Humans++
				}
			}
		}
		out.AccessTokens = len(snap.AccessTokens)
		out.RefreshTokens = len(snap.RefreshTokens)
		out.LeaderboardScores = len(snap.LeaderboardScores)
	})
	out.BannedTerms = a.engine.TermCount()
	if a.conns != nil {
		out.Connections = a.conns.ConnectionCount()
	}
	return out
}

// ConductView is one player's conduct standing within one session.
type ConductView struct {
	SessionID    string     `json:"sessionId"`
	PlayerID     string     `json:"playerId"`
	Strikes      int        `json:"strikes"`
	TotalStrikes int        `json:"totalStrikes"`
	IsMuted      bool       `json:"isMuted"`
	MutedUntil   *time.Time `json:"mutedUntil,omitempty"`
}

// SessionConduct returns every conduct record in one session.
func (a *AdminService) SessionConduct(sessionID string) ([]ConductView, error) {
	var out []ConductView
	found := false
	a.store.View(func(snap *model.Snapshot) {
		sess := snap.MultiplayerSessions[sessionID]
		if sess == nil {
			return
		}
		found = true
		if sess.ChatConduct == nil {
			return
		}
		for playerID, rec := range sess.ChatConduct.Players {
			out = append(out, conductView(sessionID, playerID, rec))
		}
	})
	if !found {
		return nil, ErrSessionExpired
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out, nil
}

// PlayerConduct returns a player's conduct standing across all sessions.
func (a *AdminService) PlayerConduct(playerID string) []ConductView {
	var out []ConductView
	a.store.View(func(snap *model.Snapshot) {
		for sessionID, sess := range snap.MultiplayerSessions {
			if sess.ChatConduct == nil {
				continue
			}
			if rec, ok := sess.ChatConduct.Players[playerID]; ok {
				out = append(out, conductView(sessionID, playerID, rec))
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func conductView(sessionID, playerID string, rec *model.ConductRecord) ConductView {
	return ConductView{
		SessionID:    sessionID,
		PlayerID:     playerID,
		Strikes:      rec.Strikes,
		TotalStrikes: rec.TotalStrikes,
		IsMuted:      rec.IsMuted,
		MutedUntil:   rec.MutedUntil,
	}
}

// AuditLog returns up to limit entries, newest first, skipping offset.
func (a *AdminService) AuditLog(limit, offset int) []*model.AuditEntry {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var all []*model.AuditEntry
	a.store.View(func(snap *model.Snapshot) {
		for _, e := range snap.Moderation.AuditLog {
			cp := *e
			all = append(all, &cp)
		}
	})
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].Timestamp.After(all[j].Timestamp)
		}
		return all[i].ID > all[j].ID
	})
	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

// Terms returns the moderation term list ordered by term text.
func (a *AdminService) Terms() []*model.ModerationTerm {
	var out []*model.ModerationTerm
	a.store.View(func(snap *model.Snapshot) {
		for _, t := range snap.Moderation.Terms {
			cp := *t
			out = append(out, &cp)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Term < out[j].Term })
	return out
}

// UpsertTerm adds or updates a banned chat term and refreshes the live
// scanner in the same call.
func (a *AdminService) UpsertTerm(actor, term, note string) (*model.ModerationTerm, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, withDetail(ErrInvalidAction, "term is required")
	}
	now := a.now()
	var rec *model.ModerationTerm
	err := a.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		for _, existing := range snap.Moderation.Terms {
			if strings.EqualFold(existing.Term, term) {
				existing.Note = note
				existing.AddedBy = actor
				cp := *existing
				rec = &cp
				audit(snap, actor, "term_upsert", existing.ID, term, now)
				return nil
			}
		}
		id := uuid.NewString()
		snap.Moderation.Terms[id] = &model.ModerationTerm{
			ID:        id,
			Term:      term,
			AddedBy:   actor,
			Note:      note,
			CreatedAt: now,
		}
		cp := *snap.Moderation.Terms[id]
		rec = &cp
		audit(snap, actor, "term_upsert", id, term, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.engine.AddTerms(term)
	a.sched.Schedule()
	log.Info().Str("actor", actor).Str("term_id", rec.ID).Msg("Moderation term upserted")
	return rec, nil
}

// RemoveTerm deletes a banned term by id.
func (a *AdminService) RemoveTerm(actor, termID string) error {
	now := a.now()
	removed := ""
	err := a.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		t, ok := snap.Moderation.Terms[termID]
		if !ok {
			return withDetail(ErrInvalidAction, "unknown term id")
		}
		removed = t.Term
		delete(snap.Moderation.Terms, termID)
		audit(snap, actor, "term_remove", termID, removed, now)
		return nil
	})
	if err != nil {
		return err
	}
	a.engine.RemoveTerm(removed)
	a.sched.Schedule()
	return nil
}

// ClearConduct clears conduct state for a session, or one player in it.
// resetTotals also wipes the lifetime strike counter.
func (a *AdminService) ClearConduct(actor, sessionID, playerID string, resetTotals bool) error {
	now := a.now()
	err := a.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		sess := snap.MultiplayerSessions[sessionID]
		if sess == nil {
			return ErrSessionExpired
		}
		if playerID == "" {
			conduct.ClearSession(sess)
			audit(snap, actor, "conduct_clear_session", sessionID, "", now)
			return nil
		}
		conduct.ClearPlayer(sess, playerID, resetTotals)
		audit(snap, actor, "conduct_clear_player", playerID, sessionID, now)
		return nil
	})
	if err != nil {
		return err
	}
	a.sched.Schedule()
	return nil
}

// ForceExpireSession tears a session down regardless of lifecycle state.
func (a *AdminService) ForceExpireSession(actor, sessionID, reason string) error {
	if err := a.registry.DeleteSession(sessionID); err != nil {
		return err
	}
	now := a.now()
	err := a.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		audit(snap, actor, "session_force_expire", sessionID, reason, now)
		return nil
	})
	if err != nil {
		return err
	}
	a.sched.Schedule()
	return nil
}

// RemoveParticipant detaches a player from a session with admin authority,
// revoking their session tokens.
func (a *AdminService) RemoveParticipant(actor, sessionID, playerID, reason string) error {
	if err := a.registry.AdminDetach(sessionID, playerID); err != nil {
		return err
	}
	now := a.now()
	err := a.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		audit(snap, actor, "participant_remove", playerID, reasonOrSession(reason, sessionID), now)
		return nil
	})
	if err != nil {
		return err
	}
	a.sched.Schedule()
	return nil
}

func reasonOrSession(reason, sessionID string) string {
	if reason != "" {
		return reason
	}
	return sessionID
}

// UpsertRole grants or updates a player's administrative role.
func (a *AdminService) UpsertRole(actor, playerID, role string) error {
	if role != model.RoleAdmin && role != model.RoleModerator {
		return withDetail(ErrInvalidAction, "role must be admin or moderator")
	}
	now := a.now()
	err := a.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		snap.Moderation.Roles[playerID] = &model.PlayerRole{
			PlayerID:  playerID,
			Role:      role,
			GrantedBy: actor,
			UpdatedAt: now,
		}
		audit(snap, actor, "role_upsert", playerID, role, now)
		return nil
	})
	if err != nil {
		return err
	}
	a.sched.Schedule()
	return nil
}

// RemoveRole revokes a player's administrative role.
func (a *AdminService) RemoveRole(actor, playerID string) error {
	now := a.now()
	err := a.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		if _, ok := snap.Moderation.Roles[playerID]; !ok {
			return withDetail(ErrInvalidAction, "player holds no role")
		}
		delete(snap.Moderation.Roles, playerID)
		audit(snap, actor, "role_remove", playerID, "", now)
		return nil
	})
	if err != nil {
		return err
	}
	a.sched.Schedule()
	return nil
}
