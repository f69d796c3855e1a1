package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chaosdice/server/internal/metrics"
	"github.com/chaosdice/server/internal/model"
)

// turnEpoch identifies one specific turn. Deadline callbacks and bot work
// carry the epoch they were armed for; anything stamped with an older epoch
// is stale and dropped.
func turnEpoch(turn *model.TurnState) string {
	return fmt.Sprintf("%d:%d:%s", turn.Round, turn.TurnNumber, turn.ActiveTurnPlayerID)
}

type turnTimer struct {
	epoch string
	timer *time.Timer
}

// turnOpened is what the post-mutation side needs to arm the deadline timer
// and, for bots, schedule the play. Captured inside the mutation, consumed
// after the lane releases.
type turnOpened struct {
	playerID string
	isBot    bool
	epoch    string
	expires  time.Time
}

// capturedTurn snapshots the currently active turn, or nil when idle.
func capturedTurn(sess *model.Session) *turnOpened {
	turn := sess.TurnState
	if turn == nil || turn.ActiveTurnPlayerID == "" || turn.TurnExpiresAt == nil {
		return nil
	}
	p := sess.Participants[turn.ActiveTurnPlayerID]
	return &turnOpened{
		playerID: turn.ActiveTurnPlayerID,
		isBot:    p != nil && p.IsBot,
		epoch:    turnEpoch(turn),
		expires:  *turn.TurnExpiresAt,
	}
}

// afterTurnOpened arms the deadline timer for a freshly opened turn and
// hands bot turns to the runner. A nil opened is a no-op.
func (r *Registry) afterTurnOpened(sessionID string, opened *turnOpened) {
	if opened == nil {
		return
	}
	r.armTurnTimer(sessionID, opened.epoch, opened.expires)
	if opened.isBot && r.bots != nil {
		r.bots.ScheduleBotTurn(sessionID, opened.playerID, opened.epoch)
	}
}

// armTurnTimer schedules the deadline callback for the session's current
// turn, replacing any previous timer.
func (r *Registry) armTurnTimer(sessionID, epoch string, expires time.Time) {
	d := time.Until(expires)
	if d < 0 {
		d = 0
	}
	tt := &turnTimer{epoch: epoch}
	tt.timer = time.AfterFunc(d, func() {
		r.fireTurnDeadline(sessionID, epoch)
	})
	if prev, ok := r.timers.Swap(sessionID, tt); ok {
		prev.(*turnTimer).timer.Stop()
	}
}

func (r *Registry) cancelTurnTimer(sessionID string) {
	if prev, ok := r.timers.LoadAndDelete(sessionID); ok {
		prev.(*turnTimer).timer.Stop()
	}
}

// fireTurnDeadline resolves an expired turn through the timeout engine.
// Stale callbacks (the turn already advanced, or the deadline moved) drop
// out without touching state.
func (r *Registry) fireTurnDeadline(sessionID, epoch string) {
	var opened *turnOpened
	var idled bool
	var result *GameResult
	err := r.mutateSession(sessionID, func(snap *model.Snapshot, sess *model.Session, emit *FrameBuffer) error {
		turn := sess.TurnState
		if turn == nil || turn.ActiveTurnPlayerID == "" || turnEpoch(turn) != epoch {
			return nil
		}
		now := r.now()
		if turn.TurnExpiresAt != nil && now.Before(*turn.TurnExpiresAt) {
			return nil
		}
		playerID := turn.ActiveTurnPlayerID
		res := r.timeouts.HandleTimeout(sess, playerID, now)
		if res == nil {
			return nil
		}
		log.Info().
			Str("session_id", sessionID).
			Str("player_id", playerID).
			Str("stage", res.Stage).
			Str("reason", res.TimeoutReason).
			Bool("stood", res.ForcedObserverStand).
			Msg("Turn deadline fired")
		emitTimeoutFrames(sess, playerID, res, emit)
		if res.Stage == StageCompletedRound {
			result = recordGameResult(snap, sess, playerID, now)
		}
		if res.Stage == StageAdvancedTurn && res.Advanced != nil && res.Advanced.NextPlayerID != "" {
			opened = capturedTurn(sess)
		} else {
			idled = true
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrSessionExpired) {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("Turn deadline handling failed")
		}
		return
	}
	if idled {
		r.cancelTurnTimer(sessionID)
	}
	r.recordResult(result)
	r.afterTurnOpened(sessionID, opened)
}

// emitTimeoutFrames translates a timeout result into wire frames: the
// synthesized score action if one was honored, then the handoff and state.
func emitTimeoutFrames(sess *model.Session, playerID string, res *TimeoutResult, emit *FrameBuffer) {
	if res.TimeoutScoreAction != nil {
		emit.Broadcast(FrameTurnAction, map[string]any{
			"sessionId": sess.SessionID,
			"playerId":  playerID,
			"action":    "score",
			"source":    AdvanceSourceTimeoutAuto,
			"score":     scorePayload(res.TimeoutScoreAction),
		})
	}
	if res.Stage == StageCompletedRound {
		emit.Broadcast(FrameSessionState, sessionStatePayload(sess))
		emit.Broadcast(FrameGameUpdate, roundCompletePayload(sess, playerID))
		return
	}
	emit.Broadcast(FrameTurnEnd, map[string]any{
		"sessionId":           sess.SessionID,
		"playerId":            playerID,
		"source":              AdvanceSourceTimeoutAuto,
		"timeoutReason":       res.TimeoutReason,
		"forcedObserverStand": res.ForcedObserverStand,
	})
	if res.Advanced != nil && res.Advanced.NextPlayerID != "" {
		emit.Broadcast(FrameTurnStart, turnStartPayload(sess, res.Advanced))
	}
	emit.Broadcast(FrameSessionState, sessionStatePayload(sess))
}

// RecoverActiveSessions re-arms deadline timers and bot turns for sessions
// that were mid-game when the snapshot was written. Expired deadlines fire
// immediately, which walks the stalled turn through the timeout protocol.
func (r *Registry) RecoverActiveSessions() {
	type recovered struct {
		sessionID string
		opened    *turnOpened
	}
	var live []recovered
	counts := map[string]int{}
	r.store.View(func(snap *model.Snapshot) {
		for id, sess := range snap.MultiplayerSessions {
			counts[sess.RoomType]++
			if o := capturedTurn(sess); o != nil {
				live = append(live, recovered{sessionID: id, opened: o})
			}
		}
	})
	for _, rec := range live {
		r.afterTurnOpened(rec.sessionID, rec.opened)
		log.Info().
			Str("session_id", rec.sessionID).
			Str("player_id", rec.opened.playerID).
			Bool("bot", rec.opened.isBot).
			Msg("Recovered active turn")
	}
	for _, rt := range []string{model.RoomTypePrivate, model.RoomTypePublicDefault, model.RoomTypePublicOverflow} {
		metrics.SetSessionsActive(rt, counts[rt])
	}
}
