package service

import (
	"errors"

	"github.com/chaosdice/server/internal/model"
	"github.com/chaosdice/server/pkg/dice"
)

// TurnRoll executes a roll action for the active player: the server draws
// the dice values, stamps a fresh server roll id, and broadcasts the action.
func (r *Registry) TurnRoll(sessionID, playerID string, rollIndex int, specs []dice.Spec) (*model.RollSnapshot, error) {
	var rolled *model.RollSnapshot
	err := r.mutateSession(sessionID, func(snap *model.Snapshot, sess *model.Session, emit *FrameBuffer) error {
		now := r.now()
		snapRoll, err := r.turns.Roll(sess, playerID, rollIndex, specs, now)
		if err != nil {
			return err
		}
		rolled = snapRoll
		sess.LastActivityAt = now
		emit.Broadcast(FrameTurnAction, map[string]any{
			"sessionId": sess.SessionID,
			"playerId":  playerID,
			"action":    "roll",
			"source":    AdvanceSourcePlayer,
			"roll":      rollPayload(snapRoll),
		})
		emit.Broadcast(FrameSessionState, sessionStatePayload(sess))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rolled, nil
}

// TurnScore commits the active player's selection for the current roll.
// When the selection banks the player's last dice the round completes in
// the same mutation: frames, player score aggregates, and the leaderboard
// result all come out of one hand-off.
func (r *Registry) TurnScore(sessionID, playerID, rollServerID string, selectedIDs []string, points int) (*model.TurnScoreSummary, error) {
	var summary *model.TurnScoreSummary
	var result *GameResult
	err := r.mutateSession(sessionID, func(snap *model.Snapshot, sess *model.Session, emit *FrameBuffer) error {
		now := r.now()
		sum, completed, err := r.turns.Score(sess, playerID, rollServerID, selectedIDs, points, now)
		if err != nil {
			return err
		}
		summary = sum
		sess.LastActivityAt = now
		emit.Broadcast(FrameTurnAction, map[string]any{
			"sessionId": sess.SessionID,
			"playerId":  playerID,
			"action":    "score",
			"source":    AdvanceSourcePlayer,
			"score":     scorePayload(sum),
		})
		if completed {
			result = recordGameResult(snap, sess, playerID, now)
			emit.Broadcast(FrameSessionState, sessionStatePayload(sess))
			emit.Broadcast(FrameGameUpdate, roundCompletePayload(sess, playerID))
			return nil
		}
		emit.Broadcast(FrameSessionState, sessionStatePayload(sess))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		r.cancelTurnTimer(sessionID)
		r.recordResult(result)
	}
	return summary, nil
}

// TurnEnd closes the caller's turn and opens the next one.
func (r *Registry) TurnEnd(sessionID, playerID string) error {
	var opened *turnOpened
	var idled bool
	err := r.mutateSession(sessionID, func(snap *model.Snapshot, sess *model.Session, emit *FrameBuffer) error {
		now := r.now()
		adv, err := r.turns.EndTurn(sess, playerID, now)
		if err != nil {
			return err
		}
		sess.LastActivityAt = now
		emit.Broadcast(FrameTurnEnd, map[string]any{
			"sessionId": sess.SessionID,
			"playerId":  playerID,
			"source":    AdvanceSourcePlayer,
			"round":     adv.PrevRound,
			"turnNumber": adv.PrevTurnNumber,
		})
		if adv.NextPlayerID != "" {
			opened = capturedTurn(sess)
			emit.Broadcast(FrameTurnStart, turnStartPayload(sess, adv))
		} else {
			idled = true
		}
		emit.Broadcast(FrameSessionState, sessionStatePayload(sess))
		return nil
	})
	if err != nil {
		return err
	}
	if idled {
		r.cancelTurnTimer(sessionID)
	}
	r.afterTurnOpened(sessionID, opened)
	return nil
}

// turnEpochNow returns the session's current turn epoch, or "" when no turn
// is active. The bot runner checks its scheduled epoch against this before
// acting on a delayed timer.
func (r *Registry) turnEpochNow(sessionID string) string {
	epoch := ""
	r.store.View(func(snap *model.Snapshot) {
		sess := snap.MultiplayerSessions[sessionID]
		if sess == nil || sess.TurnState == nil || sess.TurnState.ActiveTurnPlayerID == "" {
			return
		}
		epoch = turnEpoch(sess.TurnState)
	})
	return epoch
}

// IsSessionLive reports whether the session still exists.
func (r *Registry) IsSessionLive(sessionID string) bool {
	live := false
	r.store.View(func(snap *model.Snapshot) {
		live = snap.MultiplayerSessions[sessionID] != nil
	})
	return live
}

// StaleTurnError reports whether err just means the turn moved on while the
// caller was thinking, which background actors treat as a quiet no-op.
func StaleTurnError(err error) bool {
	return errors.Is(err, ErrTurnNotActive) ||
		errors.Is(err, ErrTurnActionRequired) ||
		errors.Is(err, ErrSessionExpired)
}
