package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chaosdice/server/internal/model"
)

// PlayerResult is one participant's final line in a completed game.
type PlayerResult struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
	IsBot       bool   `json:"isBot,omitempty"`
	Score       int    `json:"score"`
	IsWinner    bool   `json:"isWinner"`
}

// GameResult is the outcome of one completed game, handed to the
// leaderboard sink after the session mutation commits.
type GameResult struct {
	SessionID   string         `json:"sessionId"`
	Difficulty  string         `json:"difficulty"`
	WinnerID    string         `json:"winnerId"`
	CompletedAt time.Time      `json:"completedAt"`
	Standings   []PlayerResult `json:"standings"`
}

// LeaderboardSink receives completed-game results. The write path behind it
// is injected; the default sink writes the snapshot's leaderboard section.
type LeaderboardSink interface {
	RecordResult(result *GameResult)
}

// SetLeaderboardSink attaches the leaderboard write path post-construction.
// A nil sink means results update player aggregates only.
func (r *Registry) SetLeaderboardSink(sink LeaderboardSink) {
	r.sink = sink
}

// recordGameResult rolls a finished game into the per-player aggregates and
// builds the detached result for the sink. Runs inside the session lane.
func recordGameResult(snap *model.Snapshot, sess *model.Session, winnerID string, now time.Time) *GameResult {
	result := &GameResult{
		SessionID:   sess.SessionID,
		Difficulty:  sess.GameDifficulty,
		WinnerID:    winnerID,
		CompletedAt: now,
	}
	for _, p := range sess.ActiveParticipants() {
		result.Standings = append(result.Standings, PlayerResult{
			PlayerID:    p.PlayerID,
			DisplayName: p.DisplayName,
			IsBot:       p.IsBot,
			Score:       p.Score,
			IsWinner:    p.PlayerID == winnerID,
		})
		if p.IsBot {
			continue
		}
		agg := snap.PlayerScores[p.PlayerID]
		if agg == nil {
			agg = &model.PlayerScore{PlayerID: p.PlayerID}
			snap.PlayerScores[p.PlayerID] = agg
		}
		agg.GamesPlayed++
		if p.PlayerID == winnerID {
			agg.GamesWon++
		}
		agg.LastScore = p.Score
		// Lower totals win, so best is the lowest completed-game score.
		if agg.GamesPlayed == 1 || p.Score < agg.BestScore {
			agg.BestScore = p.Score
		}
		agg.UpdatedAt = now
	}
	return result
}

// recordResult hands a completed game to the sink outside the session lane.
func (r *Registry) recordResult(result *GameResult) {
	if result == nil || r.sink == nil {
		return
	}
	r.sink.RecordResult(result)
}

// snapshotMutator is the slice of *store.Store the sink needs, kept narrow
// so tests can stub it.
type snapshotMutator interface {
	Mutate(fn func(*model.Snapshot) error) error
}

// SnapshotLeaderboardSink is the default sink: every completed game writes
// one leaderboard score per human participant into the snapshot.
type SnapshotLeaderboardSink struct {
	store snapshotMutator
	sched Scheduler
	now   func() time.Time
}

// NewSnapshotLeaderboardSink wires the default leaderboard write path.
func NewSnapshotLeaderboardSink(st snapshotMutator, sched Scheduler) *SnapshotLeaderboardSink {
	if sched == nil {
		sched = noopScheduler{}
	}
	return &SnapshotLeaderboardSink{store: st, sched: sched, now: time.Now}
}

// RecordResult writes one global leaderboard entry per human standing.
func (s *SnapshotLeaderboardSink) RecordResult(result *GameResult) {
	err := s.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		for _, line := range result.Standings {
			if line.IsBot {
				continue
			}
			id := uuid.NewString()
			snap.LeaderboardScores[id] = &model.LeaderboardScore{
				ID:          id,
				PlayerID:    line.PlayerID,
				DisplayName: line.DisplayName,
				Score:       line.Score,
				Difficulty:  result.Difficulty,
				RecordedAt:  result.CompletedAt,
			}
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", result.SessionID).Msg("Leaderboard write failed")
		return
	}
	s.sched.Schedule()
}
