package service

import (
	"time"

	"github.com/chaosdice/server/internal/metrics"
	"github.com/chaosdice/server/internal/model"
)

// Timeout stages.
const (
	StageCompletedRound = "completed_round"
	StageAdvancedTurn   = "advanced_turn"
)

// Timeout reasons. The *_stand variants mean the player was forced to
// observer on this expiry.
const (
	ReasonTurnTimeout               = "turn_timeout"
	ReasonTurnTimeoutAutoScore      = "turn_timeout_auto_score"
	ReasonTurnTimeoutStand          = "turn_timeout_stand"
	ReasonTurnTimeoutAutoScoreStand = "turn_timeout_auto_score_stand"
)

// TimeoutResult describes how an expired turn was resolved.
type TimeoutResult struct {
	Stage               string
	TimeoutReason       string
	TimeoutScoreAction  *model.TurnScoreSummary
	ForcedObserverStand bool
	Advanced            *TurnAdvance
}

// TimeoutEngine resolves expired turn deadlines: honoring a committed
// score, striking repeat offenders down to observer, and advancing play.
type TimeoutEngine struct {
	turns            *TurnEngine
	completer        roundCompleter
	standStrikeLimit int
}

// NewTimeoutEngine builds a timeout engine with the default two-strike
// stand limit.
func NewTimeoutEngine(turns *TurnEngine, completer roundCompleter) *TimeoutEngine {
	return &TimeoutEngine{turns: turns, completer: completer, standStrikeLimit: 2}
}

// HandleTimeout runs the expiry protocol against the active player's turn.
// Returns nil when the deadline is stale: the turn already moved on.
func (e *TimeoutEngine) HandleTimeout(sess *model.Session, playerID string, t time.Time) *TimeoutResult {
	turn := sess.Turn()
	if playerID == "" || turn.ActiveTurnPlayerID != playerID {
		return nil
	}
	p := sess.Participants[playerID]
	if p == nil {
		return nil
	}

	res := &TimeoutResult{TimeoutReason: ReasonTurnTimeout}

	// A score committed against the current roll but never finalized is
	// honored first. The summary carries absolute totals, so applying it
	// is idempotent for snapshots rehydrated mid-transition.
	if turn.Phase == model.PhaseAwaitScore && turn.LastScoreSummary != nil &&
		turn.LastScoreSummary.RollServerID == turn.ActiveRollServerID {
		summary := turn.LastScoreSummary
		p.Score = summary.ProjectedTotalScore
		p.RemainingDice = summary.RemainingDice
		p.IsComplete = summary.IsComplete
		summary.UpdatedAt = t
		turn.Phase = model.PhaseReadyToEnd
		turn.UpdatedAt = t
		res.TimeoutReason = ReasonTurnTimeoutAutoScore
		res.TimeoutScoreAction = summary
		if summary.IsComplete {
			e.completer.CompleteRoundWithWinner(sess, playerID, t)
			res.Stage = StageCompletedRound
			metrics.TurnTimedOut()
			return res
		}
	}

	// Strikes are scoped per round.
	if p.TurnTimeoutRound != turn.Round {
		p.TurnTimeoutRound = turn.Round
		p.TurnTimeoutCount = 0
	}
	p.TurnTimeoutCount++
	if p.TurnTimeoutCount >= e.standStrikeLimit {
		p.IsSeated = false
		p.IsReady = false
		turn.RemoveFromOrder(playerID)
		res.ForcedObserverStand = true
		if res.TimeoutReason == ReasonTurnTimeoutAutoScore {
			res.TimeoutReason = ReasonTurnTimeoutAutoScoreStand
		} else {
			res.TimeoutReason = ReasonTurnTimeoutStand
		}
	}

	if turn.Phase != model.PhaseReadyToEnd {
		turn.Phase = model.PhaseReadyToEnd
		turn.LastRollSnapshot = nil
		turn.LastScoreSummary = nil
	}

	res.Advanced = e.turns.AdvanceTurn(sess, AdvanceSourceTimeoutAuto, t)
	res.Stage = StageAdvancedTurn
	metrics.TurnTimedOut()
	return res
}
