package service

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chaosdice/server/internal/bot"
	"github.com/chaosdice/server/internal/metrics"
	"github.com/chaosdice/server/internal/model"
	"github.com/chaosdice/server/pkg/dice"
)

// BotRunner plays bot turns through the same registry entry points humans
// use. Each scheduled turn carries the turn epoch it was armed for; by the
// time the think delay elapses the turn may have moved on (timeout, kick,
// round completion), in which case the work is silently dropped.
type BotRunner struct {
	registry *Registry

	mu     sync.Mutex
	timers map[string]*time.Timer // sessionID -> pending think timer
}

// NewBotRunner wires a runner to the registry.
func NewBotRunner(r *Registry) *BotRunner {
	return &BotRunner{registry: r, timers: make(map[string]*time.Timer)}
}

var _ TurnScheduler = (*BotRunner)(nil)

// ScheduleBotTurn arms playerID's turn after a profile-derived think delay.
// A session has at most one pending bot turn; rescheduling replaces it.
func (b *BotRunner) ScheduleBotTurn(sessionID, playerID, epoch string) {
	strategy, tc, ok := b.planContext(sessionID, playerID)
	if !ok {
		return
	}
	delay := strategy.PlanDelay(tc)

	b.mu.Lock()
	if prev, ok := b.timers[sessionID]; ok {
		prev.Stop()
	}
	b.timers[sessionID] = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, sessionID)
		b.mu.Unlock()
		b.playTurn(sessionID, playerID, epoch)
	})
	b.mu.Unlock()

	log.Debug().
		Str("session_id", sessionID).
		Str("player_id", playerID).
		Str("strategy", strategy.Name()).
		Dur("delay", delay).
		Msg("Bot turn scheduled")
}

// Stop cancels every pending bot turn. Used at shutdown.
func (b *BotRunner) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
}

// planContext reads the bot's strategy and planning context under a store
// view. ok is false when the session or participant is gone.
func (b *BotRunner) planContext(sessionID, playerID string) (*bot.ProfileStrategy, bot.TurnContext, bool) {
	var strategy *bot.ProfileStrategy
	var tc bot.TurnContext
	ok := false
	b.registry.store.View(func(snap *model.Snapshot) {
		sess := snap.MultiplayerSessions[sessionID]
		if sess == nil {
			return
		}
		p := sess.Participants[playerID]
		if p == nil || !p.IsBot {
			return
		}
		strategy = bot.ForProfile(p.BotProfile, sess.GameDifficulty)
		tc = bot.ContextFor(sess, playerID)
		ok = true
	})
	return strategy, tc, ok
}

// playTurn runs one full bot turn: roll, score, end. Every step revalidates
// against the live turn; a stale epoch or a turn error drops the work.
func (b *BotRunner) playTurn(sessionID, playerID, epoch string) {
	if b.registry.turnEpochNow(sessionID) != epoch {
		return
	}
	strategy, tc, ok := b.planContext(sessionID, playerID)
	if !ok {
		return
	}

	rollPlan := strategy.PlanRoll(tc)
	if len(rollPlan.Specs) == 0 {
		return
	}
	rolled, err := b.registry.TurnRoll(sessionID, playerID, rollPlan.RollIndex, rollPlan.Specs)
	if err != nil {
		if !StaleTurnError(err) {
			log.Warn().Err(err).Str("session_id", sessionID).Str("player_id", playerID).Msg("Bot roll failed")
		}
		return
	}

	scorePlan := strategy.PlanScore(tc, rolled.Dice)
	if len(scorePlan.SelectedDiceIDs) == 0 {
		return
	}
	points, err := dice.ScoreSelection(rolled.Dice, scorePlan.SelectedDiceIDs)
	if err != nil {
		return
	}
	summary, err := b.registry.TurnScore(sessionID, playerID, rolled.ServerRollID, scorePlan.SelectedDiceIDs, points)
	if err != nil {
		if !StaleTurnError(err) {
			log.Warn().Err(err).Str("session_id", sessionID).Str("player_id", playerID).Msg("Bot score failed")
		}
		return
	}
	metrics.BotTurnPlayed()
	if summary.IsComplete {
		// Round completion already advanced the lifecycle; no turn to end.
		return
	}

	if err := b.registry.TurnEnd(sessionID, playerID); err != nil && !StaleTurnError(err) {
		log.Warn().Err(err).Str("session_id", sessionID).Str("player_id", playerID).Msg("Bot turn end failed")
	}
}
