package service

import (
	"time"

	"github.com/chaosdice/server/internal/config"
	"github.com/chaosdice/server/internal/model"
	"github.com/chaosdice/server/pkg/dice"
)

// postGameGrace keeps the idle-eviction deadline strictly behind the
// auto-restart deadline so a scheduled next game always fires first.
const postGameGrace = time.Second

// Lifecycle owns game-level state transitions: detecting a game in progress,
// completing a round, and the post-game window between rounds.
type Lifecycle struct {
	nextGameDelay    time.Duration
	inactivityWindow time.Duration
}

// NewLifecycle builds a lifecycle engine from the configured delays.
func NewLifecycle(cfg *config.Config) *Lifecycle {
	return &Lifecycle{
		nextGameDelay:    cfg.NextGameDelay,
		inactivityWindow: cfg.PostGameInactivityTimeout,
	}
}

// IsGameInProgress reports whether the session has a game underway: the turn
// machine left its initial position, or any seated participant has progressed.
func (l *Lifecycle) IsGameInProgress(sess *model.Session) bool {
	turn := sess.TurnState
	if turn != nil {
		if turn.Phase != model.PhaseAwaitRoll {
			return true
		}
		if turn.Round > 1 || turn.TurnNumber > 1 {
			return true
		}
	}
	for _, p := range sess.Participants {
		if !p.Active() {
			continue
		}
		if p.Score > 0 || p.RemainingDice < dice.DefaultCount || p.IsComplete {
			return true
		}
	}
	return false
}

// AreParticipantsComplete reports whether the current game has finished for
// everyone seated. With nobody seated it falls back to whether anyone queued,
// so a fully-stood-down room still restarts for its queued players.
func (l *Lifecycle) AreParticipantsComplete(sess *model.Session) bool {
	active := sess.ActiveParticipants()
	if len(active) == 0 {
		for _, p := range sess.Participants {
			if p.QueuedForNextGame {
				return true
			}
		}
		return false
	}
	for _, p := range active {
		if !p.IsComplete {
			return false
		}
	}
	return true
}

// CompleteRoundWithWinner finishes the current game: the winner is stamped
// complete at t with zero dice, every other seated participant is stamped
// complete with strictly increasing completion times, and the turn machine
// returns to an idle await_roll. Post-game lifecycle is scheduled from t.
func (l *Lifecycle) CompleteRoundWithWinner(sess *model.Session, winnerID string, t time.Time) {
	if winner := sess.Participants[winnerID]; winner != nil {
		winner.IsComplete = true
		winner.RemainingDice = 0
		if winner.CompletedAt == nil {
			at := t
			winner.CompletedAt = &at
		}
	}

	// Everyone else finishes after the winner, each a tick later, so the
	// completion order stays total even within one wall-clock instant.
	stamp := t
	for _, p := range sess.ActiveParticipants() {
		if p.PlayerID == winnerID || p.IsComplete {
			continue
		}
		stamp = stamp.Add(time.Millisecond)
		at := stamp
		p.IsComplete = true
		p.CompletedAt = &at
	}

	turn := sess.Turn()
	turn.ActiveTurnPlayerID = ""
	kept := turn.Order[:0]
	for _, id := range turn.Order {
		if p := sess.Participants[id]; p != nil && p.Active() {
			kept = append(kept, id)
		}
	}
	turn.Order = kept
	turn.Phase = model.PhaseAwaitRoll
	turn.ActiveRollServerID = ""
	turn.RollNonce = ""
	turn.LastRollSnapshot = nil
	turn.LastScoreSummary = nil
	turn.TurnExpiresAt = nil
	turn.TurnTimeoutMs = 0
	turn.UpdatedAt = t

	l.SchedulePostGame(sess, t)
}

// SchedulePostGame arms the post-game window. Idempotent: the auto-restart
// deadline is set once, the idle deadline only ever moves later.
func (l *Lifecycle) SchedulePostGame(sess *model.Session, t time.Time) {
	if sess.NextGameStartsAt == nil {
		next := t.Add(l.nextGameDelay)
		sess.NextGameStartsAt = &next
	}
	at := t
	sess.PostGameActivityAt = &at

	idle := t.Add(l.inactivityWindow)
	if floor := sess.NextGameStartsAt.Add(postGameGrace); idle.Before(floor) {
		idle = floor
	}
	if sess.PostGameIdleExpiresAt == nil || sess.PostGameIdleExpiresAt.Before(idle) {
		sess.PostGameIdleExpiresAt = &idle
	}
}

// MarkPostGameAction extends the post-game idle window on player activity.
// A no-op outside the post-game window.
func (l *Lifecycle) MarkPostGameAction(sess *model.Session, t time.Time) {
	if sess.NextGameStartsAt == nil {
		return
	}
	l.SchedulePostGame(sess, t)
}

// ResetForNextGame returns the session to a fresh pre-game lobby: scores and
// dice reset, queue and completion flags cleared, bots re-readied, lifecycle
// fields wiped, and a fresh turn state created.
func (l *Lifecycle) ResetForNextGame(sess *model.Session, t time.Time) {
	for _, p := range sess.Participants {
		p.Score = 0
		p.RemainingDice = dice.DefaultCount
		p.IsComplete = false
		p.CompletedAt = nil
		p.QueuedForNextGame = false
		p.TurnTimeoutRound = 0
		p.TurnTimeoutCount = 0
		if p.IsBot {
			p.IsReady = true
		}
	}
	sess.NextGameStartsAt = nil
	sess.PostGameActivityAt = nil
	sess.PostGameIdleExpiresAt = nil
	sess.SessionComplete = false
	sess.TurnState = nil
	sess.Turn().UpdatedAt = t
	at := t
	sess.GameStartedAt = &at
	sess.LastActivityAt = t
}
