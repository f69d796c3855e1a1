package service

import (
	"github.com/chaosdice/server/internal/model"
)

// Payload builders produce detached wire copies: fresh maps and slices only,
// never references into live session state. The hub marshals frames after
// the store lock releases, so aliasing would race the next mutation.

func sessionStatePayload(sess *model.Session) map[string]any {
	participants := make([]map[string]any, 0, len(sess.Participants))
	for _, p := range sess.ParticipantList() {
		participants = append(participants, participantPayload(p))
	}
	data := map[string]any{
		"sessionId":           sess.SessionID,
		"roomCode":            sess.RoomCode,
		"roomType":            sess.RoomType,
		"isPublic":            sess.IsPublic,
		"gameDifficulty":      sess.GameDifficulty,
		"maxHumanCount":       sess.MaxHumanCount,
		"availableHumanSlots": sess.AvailableHumanSlots(),
		"hostPlayerId":        sess.HostPlayerID,
		"participants":        participants,
		"turnState":           turnStatePayload(sess.TurnState),
	}
	if sess.GameStartedAt != nil {
		data["gameStartedAt"] = *sess.GameStartedAt
	}
	if sess.NextGameStartsAt != nil {
		data["nextGameStartsAt"] = *sess.NextGameStartsAt
	}
	return data
}

func participantPayload(p *model.Participant) map[string]any {
	out := map[string]any{
		"playerId":          p.PlayerID,
		"displayName":       p.DisplayName,
		"isBot":             p.IsBot,
		"isReady":           p.IsReady,
		"isSeated":          p.IsSeated,
		"remainingDice":     p.RemainingDice,
		"score":             p.Score,
		"isComplete":        p.IsComplete,
		"queuedForNextGame": p.QueuedForNextGame,
	}
	if p.BotProfile != "" {
		out["botProfile"] = p.BotProfile
	}
	if p.CompletedAt != nil {
		out["completedAt"] = *p.CompletedAt
	}
	return out
}

func turnStatePayload(turn *model.TurnState) map[string]any {
	if turn == nil {
		return nil
	}
	out := map[string]any{
		"order":      append([]string(nil), turn.Order...),
		"phase":      turn.Phase,
		"round":      turn.Round,
		"turnNumber": turn.TurnNumber,
	}
	if turn.ActiveTurnPlayerID != "" {
		out["activeTurnPlayerId"] = turn.ActiveTurnPlayerID
	}
	if turn.TurnExpiresAt != nil {
		out["turnExpiresAt"] = *turn.TurnExpiresAt
		out["turnTimeoutMs"] = turn.TurnTimeoutMs
	}
	if turn.ActiveRollServerID != "" {
		out["activeRollServerId"] = turn.ActiveRollServerID
	}
	if turn.LastRollSnapshot != nil {
		out["lastRollSnapshot"] = rollPayload(turn.LastRollSnapshot)
	}
	if turn.LastScoreSummary != nil {
		out["lastScoreSummary"] = scorePayload(turn.LastScoreSummary)
	}
	return out
}

func rollPayload(snap *model.RollSnapshot) map[string]any {
	rolled := make([]map[string]any, len(snap.Dice))
	for i, d := range snap.Dice {
		rolled[i] = map[string]any{"dieId": d.ID, "sides": d.Sides, "value": d.Value}
	}
	return map[string]any{
		"serverRollId": snap.ServerRollID,
		"rollIndex":    snap.RollIndex,
		"dice":         rolled,
	}
}

func scorePayload(sum *model.TurnScoreSummary) map[string]any {
	return map[string]any{
		"selectedDiceIds":     append([]string(nil), sum.SelectedDiceIDs...),
		"points":              sum.Points,
		"rollServerId":        sum.RollServerID,
		"projectedTotalScore": sum.ProjectedTotalScore,
		"remainingDice":       sum.RemainingDice,
		"isComplete":          sum.IsComplete,
	}
}

// turnStartPayload announces the now-active turn. adv is nil for a game's
// opening turn.
func turnStartPayload(sess *model.Session, adv *TurnAdvance) map[string]any {
	data := map[string]any{"sessionId": sess.SessionID}
	if turn := sess.TurnState; turn != nil {
		data["activeTurnPlayerId"] = turn.ActiveTurnPlayerID
		data["round"] = turn.Round
		data["turnNumber"] = turn.TurnNumber
		if turn.TurnExpiresAt != nil {
			data["turnExpiresAt"] = *turn.TurnExpiresAt
			data["turnTimeoutMs"] = turn.TurnTimeoutMs
		}
	}
	if adv != nil {
		data["source"] = adv.Source
	}
	return data
}

// roundCompletePayload announces a finished game and the post-game window.
func roundCompletePayload(sess *model.Session, winnerID string) map[string]any {
	data := map[string]any{
		"event":     "round_complete",
		"sessionId": sess.SessionID,
		"winnerId":  winnerID,
	}
	if sess.NextGameStartsAt != nil {
		data["nextGameStartsAt"] = *sess.NextGameStartsAt
	}
	return data
}
