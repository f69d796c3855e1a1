package model

import (
	"sort"
	"time"

	"github.com/chaosdice/server/pkg/dice"
)

// Room types.
const (
	RoomTypePrivate        = "private"
	RoomTypePublicDefault  = "public_default"
	RoomTypePublicOverflow = "public_overflow"
)

// Game difficulties.
const (
	DifficultyEasy   = "easy"
	DifficultyNormal = "normal"
	DifficultyHard   = "hard"
)

// Difficulties lists all valid game difficulties in lobby-seeding order.
var Difficulties = []string{DifficultyEasy, DifficultyNormal, DifficultyHard}

// ValidDifficulty reports whether d names a known difficulty.
func ValidDifficulty(d string) bool {
	for _, known := range Difficulties {
		if d == known {
			return true
		}
	}
	return false
}

// Turn phases.
const (
	PhaseAwaitRoll  = "await_roll"
	PhaseAwaitScore = "await_score"
	PhaseReadyToEnd = "ready_to_end"
)

// Session is one game room: participants, the current turn, bans, chat
// conduct, and post-game lifecycle bookkeeping.
type Session struct {
	SessionID      string                  `json:"sessionId"`
	RoomCode       string                  `json:"roomCode"`
	RoomType       string                  `json:"roomType"`
	IsPublic       bool                    `json:"isPublic"`
	GameDifficulty string                  `json:"gameDifficulty"`
	MaxHumanCount  int                     `json:"maxHumanCount"`
	HostPlayerID   string                  `json:"hostPlayerId"`
	CreatedAt      time.Time               `json:"createdAt"`
	LastActivityAt time.Time               `json:"lastActivityAt"`
	GameStartedAt  *time.Time              `json:"gameStartedAt,omitempty"`
	Participants   map[string]*Participant `json:"participants"`
	TurnState      *TurnState              `json:"turnState,omitempty"`
	Bans           map[string]bool         `json:"bans,omitempty"`
	ChatConduct    *ConductState           `json:"chatConduct,omitempty"`

	// Post-game lifecycle: set when a round completes, cleared on reset.
	NextGameStartsAt      *time.Time `json:"nextGameStartsAt,omitempty"`
	PostGameActivityAt    *time.Time `json:"postGameActivityAt,omitempty"`
	PostGameIdleExpiresAt *time.Time `json:"postGameIdleExpiresAt,omitempty"`
	SessionComplete       bool       `json:"sessionComplete,omitempty"`
}

// Participant is a player's seat in a session. Observers keep a participant
// record with IsSeated=false and take no part in the current game.
type Participant struct {
	PlayerID          string     `json:"playerId"`
	DisplayName       string     `json:"displayName"`
	IsBot             bool       `json:"isBot,omitempty"`
	BotProfile        string     `json:"botProfile,omitempty"`
	IsReady           bool       `json:"isReady"`
	IsSeated          bool       `json:"isSeated"`
	RemainingDice     int        `json:"remainingDice"`
	Score             int        `json:"score"`
	IsComplete        bool       `json:"isComplete"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	QueuedForNextGame bool       `json:"queuedForNextGame,omitempty"`
	TurnTimeoutRound  int        `json:"turnTimeoutRound,omitempty"`
	TurnTimeoutCount  int        `json:"turnTimeoutCount,omitempty"`
	JoinedAt          time.Time  `json:"joinedAt"`
	LastSeenAt        time.Time  `json:"lastSeenAt"`
}

// Active reports whether the participant plays in the current game: seated
// and holding a (possibly finished) stake in it.
func (p *Participant) Active() bool {
	return p.IsSeated
}

// TurnState tracks the current game's turn machine.
type TurnState struct {
	Order              []string          `json:"order"`
	ActiveTurnPlayerID string            `json:"activeTurnPlayerId,omitempty"`
	Phase              string            `json:"phase"`
	Round              int               `json:"round"`
	TurnNumber         int               `json:"turnNumber"`
	TurnExpiresAt      *time.Time        `json:"turnExpiresAt,omitempty"`
	TurnTimeoutMs      int64             `json:"turnTimeoutMs,omitempty"`
	ActiveRollServerID string            `json:"activeRollServerId,omitempty"`
	RollNonce          string            `json:"rollNonce,omitempty"`
	LastRollSnapshot   *RollSnapshot     `json:"lastRollSnapshot,omitempty"`
	LastScoreSummary   *TurnScoreSummary `json:"lastScoreSummary,omitempty"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// InOrder reports whether playerID is part of the current turn order.
func (t *TurnState) InOrder(playerID string) bool {
	for _, id := range t.Order {
		if id == playerID {
			return true
		}
	}
	return false
}

// RemoveFromOrder drops playerID from the turn order, preserving the order
// of the remaining players.
func (t *TurnState) RemoveFromOrder(playerID string) {
	out := t.Order[:0]
	for _, id := range t.Order {
		if id != playerID {
			out = append(out, id)
		}
	}
	t.Order = out
}

// RollSnapshot is the server-computed result of the most recent roll.
// ServerRollID is issued by the server and unforgeable by clients.
type RollSnapshot struct {
	ServerRollID string     `json:"serverRollId"`
	RollIndex    int        `json:"rollIndex"`
	Dice         []dice.Die `json:"dice"`
}

// TurnScoreSummary is the validated score a player committed for the
// current roll, kept until the turn ends so timeouts can finalize it.
type TurnScoreSummary struct {
	SelectedDiceIDs     []string  `json:"selectedDiceIds"`
	Points              int       `json:"points"`
	RollServerID        string    `json:"rollServerId"`
	ProjectedTotalScore int       `json:"projectedTotalScore"`
	RemainingDice       int       `json:"remainingDice"`
	IsComplete          bool      `json:"isComplete"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// ConductState tracks chat-conduct strikes and mutes per session.
type ConductState struct {
	Players   map[string]*ConductRecord `json:"players"`
	UpdatedAt time.Time                 `json:"updatedAt"`
}

// ConductRecord is one player's standing against chat policy. Strikes reset
// on admin clear; TotalStrikes persists unless explicitly reset.
type ConductRecord struct {
	Strikes      int        `json:"strikes"`
	TotalStrikes int        `json:"totalStrikes"`
	IsMuted      bool       `json:"isMuted"`
	MutedUntil   *time.Time `json:"mutedUntil,omitempty"`
}

// Conduct returns the session's conduct state, creating it on first use.
func (s *Session) Conduct() *ConductState {
	if s.ChatConduct == nil {
		s.ChatConduct = &ConductState{Players: make(map[string]*ConductRecord)}
	}
	if s.ChatConduct.Players == nil {
		s.ChatConduct.Players = make(map[string]*ConductRecord)
	}
	return s.ChatConduct
}

// ConductFor returns playerID's conduct record, creating it on first use.
func (s *Session) ConductFor(playerID string) *ConductRecord {
	state := s.Conduct()
	rec := state.Players[playerID]
	if rec == nil {
		rec = &ConductRecord{}
		state.Players[playerID] = rec
	}
	return rec
}

// Banned reports whether playerID is banned from this session.
func (s *Session) Banned(playerID string) bool {
	return s.Bans[playerID]
}

// Ban adds playerID to the session's permanent ban set.
func (s *Session) Ban(playerID string) {
	if s.Bans == nil {
		s.Bans = make(map[string]bool)
	}
	s.Bans[playerID] = true
}

// HumanCount returns the number of human participants.
func (s *Session) HumanCount() int {
	n := 0
	for _, p := range s.Participants {
		if !p.IsBot {
			n++
		}
	}
	return n
}

// AvailableHumanSlots returns how many more humans may join.
func (s *Session) AvailableHumanSlots() int {
	slots := s.MaxHumanCount - s.HumanCount()
	if slots < 0 {
		return 0
	}
	return slots
}

// ParticipantList returns participants ordered by join time, then player id,
// so responses and turn-order computation are deterministic.
func (s *Session) ParticipantList() []*Participant {
	out := make([]*Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].PlayerID < out[j].PlayerID
	})
	return out
}

// ActiveParticipants returns the seated participants in deterministic order.
func (s *Session) ActiveParticipants() []*Participant {
	var out []*Participant
	for _, p := range s.ParticipantList() {
		if p.Active() {
			out = append(out, p)
		}
	}
	return out
}

// Turn returns the session's turn state, creating an empty await_roll state
// on first use.
func (s *Session) Turn() *TurnState {
	if s.TurnState == nil {
		s.TurnState = &TurnState{
			Phase:      PhaseAwaitRoll,
			Round:      1,
			TurnNumber: 1,
		}
	}
	return s.TurnState
}
