package service

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chaosdice/server/internal/model"
)

// Log batches are bounded so one misbehaving client cannot flood the
// snapshot; the section itself is capped and oldest entries are evicted.
const (
	maxLogBatch    = 100
	maxStoredLogs  = 5000
	maxLeaderboard = 100
)

var (
	ErrPlayerNotFound = clientErr(http.StatusNotFound, "player_not_found", "no player with that id")
	ErrLogBatch       = clientErr(http.StatusBadRequest, "invalid_log_batch", "log batch is empty or too large")
)

// PlayerService serves player profiles, score aggregates, the global
// leaderboard, and client log ingestion on top of the snapshot store.
type PlayerService struct {
	store snapshotStore
	sched Scheduler
	now   func() time.Time
}

// snapshotStore is the slice of *store.Store this service needs.
type snapshotStore interface {
	View(fn func(*model.Snapshot))
	Mutate(fn func(*model.Snapshot) error) error
}

// NewPlayerService creates a PlayerService over the snapshot store.
func NewPlayerService(st snapshotStore, sched Scheduler) *PlayerService {
	if sched == nil {
		sched = noopScheduler{}
	}
	return &PlayerService{store: st, sched: sched, now: time.Now}
}

// Profile returns a copy of the player's profile.
func (s *PlayerService) Profile(playerID string) (*model.Player, error) {
	var found *model.Player
	s.store.View(func(snap *model.Snapshot) {
		if p, ok := snap.Players[playerID]; ok {
			cp := *p
			found = &cp
		}
	})
	if found == nil {
		return nil, ErrPlayerNotFound
	}
	return found, nil
}

// ProfileUpdate carries the mutable fields of a player profile. Nil slices
// leave the block list untouched.
type ProfileUpdate struct {
	DisplayName string
	AvatarURL   string
	Blocked     []string
}

// UpsertProfile creates or updates the player's profile and returns the
// stored copy.
func (s *PlayerService) UpsertProfile(playerID string, upd ProfileUpdate) (*model.Player, error) {
	if playerID == "" {
		return nil, withDetail(ErrInvalidAction, "playerId is required")
	}
	now := s.now()
	var out model.Player
	err := s.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		p := snap.Players[playerID]
		if p == nil {
			p = &model.Player{ID: playerID, CreatedAt: now}
			snap.Players[playerID] = p
		}
		if name := strings.TrimSpace(upd.DisplayName); name != "" {
			p.DisplayName = name
		}
		if upd.AvatarURL != "" {
			p.AvatarURL = upd.AvatarURL
		}
		if upd.Blocked != nil {
			p.Blocked = upd.Blocked
		}
		p.UpdatedAt = now
		out = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.sched.Schedule()
	return &out, nil
}

// Scores returns the player's lifetime aggregates. Players with no
// completed games get a zero record rather than a 404.
func (s *PlayerService) Scores(playerID string) (*model.PlayerScore, error) {
	if playerID == "" {
		return nil, withDetail(ErrInvalidAction, "playerId is required")
	}
	out := &model.PlayerScore{PlayerID: playerID}
	s.store.View(func(snap *model.Snapshot) {
		if sc, ok := snap.PlayerScores[playerID]; ok {
			cp := *sc
			out = &cp
		}
	})
	return out, nil
}

// Leaderboard returns the top global scores, lowest first since lower
// totals win. difficulty filters when non-empty; limit is clamped.
func (s *PlayerService) Leaderboard(difficulty string, limit int) []model.LeaderboardScore {
	if limit <= 0 || limit > maxLeaderboard {
		limit = maxLeaderboard
	}
	var scores []model.LeaderboardScore
	s.store.View(func(snap *model.Snapshot) {
		for _, sc := range snap.LeaderboardScores {
			if difficulty != "" && sc.Difficulty != difficulty {
				continue
			}
			scores = append(scores, *sc)
		}
	})
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score < scores[j].Score
		}
		return scores[i].RecordedAt.Before(scores[j].RecordedAt)
	})
	if len(scores) > limit {
		scores = scores[:limit]
	}
	if scores == nil {
		scores = []model.LeaderboardScore{}
	}
	return scores
}

// SubmitScore records a client-submitted result through the injected sink,
// so deployments with an external board keep one write path. A nil sink
// accepts and discards.
func (s *PlayerService) SubmitScore(sink LeaderboardSink, playerID, displayName, difficulty string, score int) error {
	if playerID == "" || score < 0 {
		return withDetail(ErrInvalidAction, "playerId and a non-negative score are required")
	}
	if sink == nil {
		return nil
	}
	sink.RecordResult(&GameResult{
		Difficulty:  difficulty,
		CompletedAt: s.now(),
		Standings: []PlayerResult{{
			PlayerID:    playerID,
			DisplayName: displayName,
			Score:       score,
		}},
	})
	return nil
}

// LogEntry is one client log line as submitted.
type LogEntry struct {
	PlayerID  string         `json:"playerId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// AppendLogs stores a batch of client log lines, evicting the oldest
// entries once the section exceeds its cap. Returns how many were stored.
func (s *PlayerService) AppendLogs(entries []LogEntry) (int, error) {
	if len(entries) == 0 || len(entries) > maxLogBatch {
		return 0, ErrLogBatch
	}
	now := s.now()
	stored := 0
	err := s.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		for _, e := range entries {
			if e.Message == "" {
				continue
			}
			id := uuid.NewString()
			snap.GameLogs[id] = &model.GameLogEntry{
				ID:        id,
				PlayerID:  e.PlayerID,
				SessionID: e.SessionID,
				Level:     e.Level,
				Message:   e.Message,
				Fields:    e.Fields,
				CreatedAt: now,
			}
			stored++
		}
		evictOldestLogs(snap, maxStoredLogs)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.sched.Schedule()
	return stored, nil
}

// evictOldestLogs trims the gameLogs section down to cap by CreatedAt.
func evictOldestLogs(snap *model.Snapshot, cap int) {
	if len(snap.GameLogs) <= cap {
		return
	}
	type aged struct {
		id string
		at time.Time
	}
	all := make([]aged, 0, len(snap.GameLogs))
	for id, e := range snap.GameLogs {
		all = append(all, aged{id: id, at: e.CreatedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, a := range all[:len(all)-cap] {
		delete(snap.GameLogs, a.id)
	}
}

// LinkIdentity upserts the uid to player mapping recorded when a verified
// identity creates or joins a session.
func (s *PlayerService) LinkIdentity(uid, playerID, displayName string) error {
	if uid == "" || playerID == "" {
		return withDetail(ErrInvalidAction, "uid and playerId are required")
	}
	now := s.now()
	err := s.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		fp := snap.FirebasePlayers[uid]
		if fp == nil {
			fp = &model.FirebasePlayer{UID: uid, LinkedAt: now}
			snap.FirebasePlayers[uid] = fp
		}
		fp.PlayerID = playerID
		if displayName != "" {
			fp.DisplayName = displayName
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.sched.Schedule()
	return nil
}
