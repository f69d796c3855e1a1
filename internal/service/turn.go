package service

import (
	"fmt"
	"time"

	"github.com/chaosdice/server/internal/config"
	"github.com/chaosdice/server/internal/model"
	"github.com/chaosdice/server/pkg/dice"
)

// Turn advance sources, recorded on every advance so clients and logs can
// tell a played turn from a forced one.
const (
	AdvanceSourcePlayer      = "player"
	AdvanceSourceTimeoutAuto = "timeout_auto"
	AdvanceSourceModeration  = "moderation"
)

// roundCompleter closes out a finished game. Satisfied by Lifecycle; an
// interface so the turn engines depend only on the one call they make.
type roundCompleter interface {
	CompleteRoundWithWinner(sess *model.Session, winnerID string, t time.Time)
}

// TurnAdvance describes one advance of the turn machine: where it was,
// where it landed, and what drove it.
type TurnAdvance struct {
	PrevRound      int
	PrevTurnNumber int
	PrevPlayerID   string
	NextPlayerID   string
	Source         string
}

// TurnEngine drives the per-turn state machine: opening turns, validating
// roll and score actions against the server roll, and advancing play.
type TurnEngine struct {
	timeoutFor func(difficulty string) time.Duration
	completer  roundCompleter
}

// NewTurnEngine builds a turn engine using the configured per-difficulty
// turn timeouts.
func NewTurnEngine(cfg *config.Config, completer roundCompleter) *TurnEngine {
	return &TurnEngine{timeoutFor: cfg.TurnTimeoutFor, completer: completer}
}

// AllHumansReady reports whether the game can start: at least one human is
// seated and every seated human has readied up. Observers never block.
func (e *TurnEngine) AllHumansReady(sess *model.Session) bool {
	seated := 0
	for _, p := range sess.Participants {
		if p.IsBot || !p.IsSeated {
			continue
		}
		seated++
		if !p.IsReady {
			return false
		}
	}
	return seated > 0
}

// ComputeTurnOrder fixes the turn order from the seated participants in
// join order. A no-op once an order exists.
func (e *TurnEngine) ComputeTurnOrder(sess *model.Session) {
	turn := sess.Turn()
	if len(turn.Order) > 0 {
		return
	}
	for _, p := range sess.ActiveParticipants() {
		turn.Order = append(turn.Order, p.PlayerID)
	}
}

// BeginGame computes the turn order and opens the first turn. Returns the
// opening player's id, or "" when nobody is seated.
func (e *TurnEngine) BeginGame(sess *model.Session, t time.Time) string {
	e.ComputeTurnOrder(sess)
	turn := sess.Turn()
	if len(turn.Order) == 0 {
		return ""
	}
	if sess.GameStartedAt == nil {
		at := t
		sess.GameStartedAt = &at
	}
	e.openTurn(sess, turn, turn.Order[0], t)
	return turn.Order[0]
}

// openTurn hands the turn to playerID with a fresh roll nonce and deadline.
func (e *TurnEngine) openTurn(sess *model.Session, turn *model.TurnState, playerID string, t time.Time) {
	turn.ActiveTurnPlayerID = playerID
	turn.Phase = model.PhaseAwaitRoll
	turn.RollNonce = dice.NewNonce()
	turn.ActiveRollServerID = ""
	turn.LastRollSnapshot = nil
	turn.LastScoreSummary = nil
	timeout := e.timeoutFor(sess.GameDifficulty)
	expires := t.Add(timeout)
	turn.TurnExpiresAt = &expires
	turn.TurnTimeoutMs = timeout.Milliseconds()
	turn.UpdatedAt = t
}

// Roll executes a roll action for the active player. Dice values come from
// the seeded server PRNG; the client only chooses which dice to throw.
func (e *TurnEngine) Roll(sess *model.Session, playerID string, rollIndex int, specs []dice.Spec, t time.Time) (*model.RollSnapshot, error) {
	turn := sess.Turn()
	if playerID == "" || turn.ActiveTurnPlayerID != playerID {
		return nil, ErrTurnNotActive
	}
	if turn.Phase != model.PhaseAwaitRoll {
		return nil, ErrTurnActionRequired
	}
	p := sess.Participants[playerID]
	if p == nil {
		return nil, ErrNotInSession
	}
	if err := dice.ValidateSpecs(specs, p.RemainingDice, nil); err != nil {
		return nil, withDetail(ErrTurnActionRequired, err.Error())
	}
	if rollIndex < 1 {
		rollIndex = 1
	}

	rolled := dice.Roll(dice.Seed{
		SessionID:  sess.SessionID,
		TurnNumber: turn.TurnNumber,
		PlayerID:   playerID,
		Nonce:      turn.RollNonce,
	}, specs)

	snap := &model.RollSnapshot{
		ServerRollID: dice.NewRollID(),
		RollIndex:    rollIndex,
		Dice:         rolled,
	}
	turn.ActiveRollServerID = snap.ServerRollID
	turn.LastRollSnapshot = snap
	turn.Phase = model.PhaseAwaitScore
	turn.UpdatedAt = t
	return snap, nil
}

// Score commits the active player's selection against the current server
// roll. The claimed points must equal the server-computed score exactly.
// Returns the finalized summary and whether the player just finished.
func (e *TurnEngine) Score(sess *model.Session, playerID, rollServerID string, selectedIDs []string, points int, t time.Time) (*model.TurnScoreSummary, bool, error) {
	turn := sess.Turn()
	if playerID == "" || turn.ActiveTurnPlayerID != playerID {
		return nil, false, ErrTurnNotActive
	}
	if turn.Phase != model.PhaseAwaitScore {
		return nil, false, ErrTurnActionRequired
	}
	if rollServerID == "" || rollServerID != turn.ActiveRollServerID || turn.LastRollSnapshot == nil {
		return nil, false, ErrTurnActionInvalidScore
	}
	p := sess.Participants[playerID]
	if p == nil {
		return nil, false, ErrNotInSession
	}

	got, err := dice.ScoreSelection(turn.LastRollSnapshot.Dice, selectedIDs)
	if err != nil {
		return nil, false, withDetail(ErrTurnActionInvalidScore, err.Error())
	}
	if got != points {
		return nil, false, withDetail(ErrTurnActionInvalidScore,
			fmt.Sprintf("claimed %d points, server computed %d", points, got))
	}

	p.Score += got
	p.RemainingDice -= len(selectedIDs)
	if p.RemainingDice < 0 {
		p.RemainingDice = 0
	}
	completed := p.RemainingDice == 0
	if completed {
		p.IsComplete = true
	}

	summary := &model.TurnScoreSummary{
		SelectedDiceIDs:     append([]string(nil), selectedIDs...),
		Points:              got,
		RollServerID:        rollServerID,
		ProjectedTotalScore: p.Score,
		RemainingDice:       p.RemainingDice,
		IsComplete:          completed,
		UpdatedAt:           t,
	}
	turn.LastScoreSummary = summary
	turn.Phase = model.PhaseReadyToEnd
	turn.UpdatedAt = t

	if completed {
		e.completer.CompleteRoundWithWinner(sess, playerID, t)
	}
	return summary, completed, nil
}

// EndTurn closes the active player's turn. A score must have been committed
// in this turn first.
func (e *TurnEngine) EndTurn(sess *model.Session, playerID string, t time.Time) (*TurnAdvance, error) {
	turn := sess.Turn()
	if playerID == "" || turn.ActiveTurnPlayerID != playerID {
		return nil, ErrTurnNotActive
	}
	if turn.Phase != model.PhaseReadyToEnd || turn.LastScoreSummary == nil {
		return nil, withDetail(ErrTurnActionRequired, "score must be committed before ending the turn")
	}
	return e.AdvanceTurn(sess, AdvanceSourcePlayer, t), nil
}

// AdvanceTurn hands play to the next eligible player in order, cyclically
// from the current one. The turn number always increments; the round
// increments when the scan wraps past the end of the order. With no
// eligible player left the machine parks idle with no active turn.
func (e *TurnEngine) AdvanceTurn(sess *model.Session, source string, t time.Time) *TurnAdvance {
	turn := sess.Turn()
	adv := &TurnAdvance{
		PrevRound:      turn.Round,
		PrevTurnNumber: turn.TurnNumber,
		PrevPlayerID:   turn.ActiveTurnPlayerID,
		Source:         source,
	}

	n := len(turn.Order)
	start := 0
	for i, id := range turn.Order {
		if id == turn.ActiveTurnPlayerID {
			start = i + 1
			break
		}
	}

	next := ""
	wrapped := false
	for i := 0; i < n; i++ {
		pos := (start + i) % n
		p := sess.Participants[turn.Order[pos]]
		if p == nil || !p.Active() || p.IsComplete {
			continue
		}
		next = turn.Order[pos]
		wrapped = start+i >= n
		break
	}

	turn.TurnNumber++
	if wrapped && next != "" {
		turn.Round++
	}
	adv.NextPlayerID = next

	if next == "" {
		turn.ActiveTurnPlayerID = ""
		turn.Phase = model.PhaseAwaitRoll
		turn.ActiveRollServerID = ""
		turn.RollNonce = ""
		turn.LastRollSnapshot = nil
		turn.LastScoreSummary = nil
		turn.TurnExpiresAt = nil
		turn.TurnTimeoutMs = 0
		turn.UpdatedAt = t
		return adv
	}
	e.openTurn(sess, turn, next, t)
	return adv
}
