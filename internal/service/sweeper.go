package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chaosdice/server/internal/metrics"
	"github.com/chaosdice/server/internal/model"
)

// tokenPruneEvery is how many sweep ticks pass between token-expiry prunes.
const tokenPruneEvery = 30

// RunSweeper drives Sweep once a second until ctx is done. The sweeper is
// the fallback behind the per-session timers: anything a lost timer or a
// missed event would leave stuck, the next pass picks up.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	log.Info().Msg("Session sweeper started")
	tick := 0
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Session sweeper stopped")
			return
		case now := <-ticker.C:
			r.Sweep(now)
			tick++
			if tick%tokenPruneEvery == 0 {
				if n := r.tokens.PruneExpired(); n > 0 {
					log.Debug().Int("pruned", n).Msg("Expired tokens pruned")
				}
			}
		}
	}
}

// Sweep runs one maintenance pass at time t: expired turn deadlines,
// post-game auto-restarts, idle eviction, stale participant pruning, and
// pool restocking. Targets are collected under a read view, then each acted
// on under its own lane so one slow session never blocks the rest.
func (r *Registry) Sweep(t time.Time) {
	type deadline struct {
		sessionID string
		epoch     string
	}
	var (
		deadlines []deadline
		restarts  []string
		evictions []string
		prunes    []string
	)
	counts := map[string]int{}
	r.store.View(func(snap *model.Snapshot) {
		for id, sess := range snap.MultiplayerSessions {
			counts[sess.RoomType]++
			if turn := sess.TurnState; turn != nil && turn.ActiveTurnPlayerID != "" &&
				turn.TurnExpiresAt != nil && !t.Before(*turn.TurnExpiresAt) {
				deadlines = append(deadlines, deadline{sessionID: id, epoch: turnEpoch(turn)})
			}
			if restartDue(sess, t) {
				restarts = append(restarts, id)
			}
			if r.evictable(sess, t) {
				evictions = append(evictions, id)
			}
			if sess.IsPublic && r.hasStaleParticipant(sess, t) {
				prunes = append(prunes, id)
			}
		}
	})

	for _, d := range deadlines {
		r.fireTurnDeadline(d.sessionID, d.epoch)
	}
	sort.Strings(restarts)
	for _, id := range restarts {
		r.restartSession(id)
	}
	sort.Strings(prunes)
	for _, id := range prunes {
		r.pruneStale(id, t)
	}
	sort.Strings(evictions)
	for _, id := range evictions {
		r.evictSession(id)
	}

	r.EnsurePublicPool()
	for _, rt := range []string{model.RoomTypePrivate, model.RoomTypePublicDefault, model.RoomTypePublicOverflow} {
		metrics.SetSessionsActive(rt, counts[rt])
	}
}

// restartDue reports whether the post-game auto-restart should fire: the
// deadline has passed and at least one human queued up. With nobody queued
// the room keeps waiting; a late queue triggers the next pass.
func restartDue(sess *model.Session, t time.Time) bool {
	if sess.NextGameStartsAt == nil || t.Before(*sess.NextGameStartsAt) {
		return false
	}
	for _, p := range sess.Participants {
		if !p.IsBot && p.QueuedForNextGame {
			return true
		}
	}
	return false
}

// evictable reports whether the session should be torn down: the post-game
// idle window lapsed with no next game underway, an overflow room sat empty
// past its TTL, or nothing touched the session for the idle TTL.
func (r *Registry) evictable(sess *model.Session, t time.Time) bool {
	midTurn := sess.TurnState != nil && sess.TurnState.ActiveTurnPlayerID != ""
	if sess.PostGameIdleExpiresAt != nil && !t.Before(*sess.PostGameIdleExpiresAt) && !midTurn {
		return true
	}
	if sess.RoomType == model.RoomTypePublicOverflow && sess.HumanCount() == 0 &&
		t.Sub(sess.LastActivityAt) >= r.cfg.OverflowEmptyTTL {
		return true
	}
	if r.cfg.SessionIdleTTL > 0 && t.Sub(sess.LastActivityAt) >= r.cfg.SessionIdleTTL {
		return true
	}
	return false
}

func (r *Registry) hasStaleParticipant(sess *model.Session, t time.Time) bool {
	if r.cfg.StaleParticipantAfter <= 0 {
		return false
	}
	cutoff := t.Add(-r.cfg.StaleParticipantAfter)
	for _, p := range sess.Participants {
		if !p.IsBot && p.LastSeenAt.Before(cutoff) {
			return true
		}
	}
	return false
}

// restartSession starts the next game for the queued players: queued humans
// sit ready, everyone else watches, bots return to their seats. Rechecks
// the trigger under the lane; the collect pass ran without it.
func (r *Registry) restartSession(sessionID string) {
	var opened *turnOpened
	err := r.mutateSession(sessionID, func(snap *model.Snapshot, sess *model.Session, emit *FrameBuffer) error {
		now := r.now()
		if !restartDue(sess, now) {
			return nil
		}
		for _, p := range sess.Participants {
			if p.IsBot {
				p.IsSeated = true
				continue
			}
			if p.QueuedForNextGame {
				p.IsSeated = true
				p.IsReady = true
			} else {
				p.IsSeated = false
				p.IsReady = false
			}
		}
		r.lifecycle.ResetForNextGame(sess, now)
		if first := r.turns.BeginGame(sess, now); first != "" {
			opened = capturedTurn(sess)
			emit.Broadcast(FrameGameUpdate, map[string]any{
				"event":     "game_restarted",
				"sessionId": sess.SessionID,
			})
			emit.Broadcast(FrameTurnStart, turnStartPayload(sess, nil))
		}
		emit.Broadcast(FrameSessionState, sessionStatePayload(sess))
		log.Info().Str("session_id", sessionID).Msg("Post-game auto-restart")
		return nil
	})
	if err != nil && !errors.Is(err, ErrSessionExpired) {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Post-game restart failed")
	}
	r.afterTurnOpened(sessionID, opened)
}

// pruneStale detaches public-room humans whose last heartbeat is older than
// the staleness window.
func (r *Registry) pruneStale(sessionID string, t time.Time) {
	var opened *turnOpened
	var idled, collected bool
	roomCode := ""
	pruned := 0
	err := r.mutateSession(sessionID, func(snap *model.Snapshot, sess *model.Session, emit *FrameBuffer) error {
		roomCode = sess.RoomCode
		cutoff := t.Add(-r.cfg.StaleParticipantAfter)
		var stale []string
		for id, p := range sess.Participants {
			if !p.IsBot && p.LastSeenAt.Before(cutoff) {
				stale = append(stale, id)
			}
		}
		if len(stale) == 0 {
			return nil
		}
		sort.Strings(stale)
		for _, id := range stale {
			o, i, c := r.detachPlayer(snap, sess, id, emit)
			if o != nil {
				opened = o
			}
			idled = idled || i
			pruned++
			if c {
				collected = true
				break
			}
		}
		if !collected {
			emit.Broadcast(FrameSessionState, sessionStatePayload(sess))
		}
		return nil
	})
	if err != nil {
		return
	}
	if pruned > 0 {
		log.Info().Str("session_id", sessionID).Int("pruned", pruned).Msg("Stale participants pruned")
	}
	if collected {
		r.dropSessionLocal(sessionID, roomCode)
		return
	}
	if idled {
		r.cancelTurnTimer(sessionID)
	}
	r.afterTurnOpened(sessionID, opened)
}

// evictSession tears an idle session down: default pool rooms reset to an
// empty lobby, everything else is deleted. Rechecks eviction under the lane.
func (r *Registry) evictSession(sessionID string) {
	roomCode := ""
	collected := false
	reset := false
	err := r.mutateSession(sessionID, func(snap *model.Snapshot, sess *model.Session, emit *FrameBuffer) error {
		if !r.evictable(sess, r.now()) {
			return nil
		}
		roomCode = sess.RoomCode
		if sess.RoomType == model.RoomTypePublicDefault {
			r.resetPublicRoom(sess, r.now())
			reset = true
			emit.Broadcast(FrameSessionState, sessionStatePayload(sess))
			return nil
		}
		collected = true
		delete(snap.MultiplayerSessions, sess.SessionID)
		return nil
	})
	if err != nil {
		return
	}
	if collected {
		r.dropSessionLocal(sessionID, roomCode)
		log.Info().Str("session_id", sessionID).Msg("Idle session evicted")
		return
	}
	if reset {
		r.cancelTurnTimer(sessionID)
	}
}
