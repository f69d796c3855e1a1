package model

import (
	"encoding/json"
	"fmt"
)

// Section names, fixed across store adapters. The remote adapter maps each
// to a collection named <prefix>_<section>.
const (
	SectionPlayers             = "players"
	SectionPlayerScores        = "playerScores"
	SectionGameLogs            = "gameLogs"
	SectionMultiplayerSessions = "multiplayerSessions"
	SectionRefreshTokens       = "refreshTokens"
	SectionAccessTokens        = "accessTokens"
	SectionLeaderboardScores   = "leaderboardScores"
	SectionFirebasePlayers     = "firebasePlayers"
	SectionModeration          = "moderation"
)

// SectionNames lists every snapshot section in persistence order.
var SectionNames = []string{
	SectionPlayers,
	SectionPlayerScores,
	SectionGameLogs,
	SectionMultiplayerSessions,
	SectionRefreshTokens,
	SectionAccessTokens,
	SectionLeaderboardScores,
	SectionFirebasePlayers,
	SectionModeration,
}

// Snapshot is the complete persisted state of the server. All sections are
// maps keyed by record id; Moderation groups its three sub-maps under fixed
// keys so it serializes the same shape as the other sections.
type Snapshot struct {
	Players             map[string]*Player           `json:"players"`
	PlayerScores        map[string]*PlayerScore      `json:"playerScores"`
	GameLogs            map[string]*GameLogEntry     `json:"gameLogs"`
	MultiplayerSessions map[string]*Session          `json:"multiplayerSessions"`
	RefreshTokens       map[string]*TokenRecord      `json:"refreshTokens"`
	AccessTokens        map[string]*TokenRecord      `json:"accessTokens"`
	LeaderboardScores   map[string]*LeaderboardScore `json:"leaderboardScores"`
	FirebasePlayers     map[string]*FirebasePlayer   `json:"firebasePlayers"`
	Moderation          *Moderation                  `json:"moderation"`
}

// DefaultSnapshot returns an empty snapshot with every section initialized.
func DefaultSnapshot() *Snapshot {
	return &Snapshot{
		Players:             make(map[string]*Player),
		PlayerScores:        make(map[string]*PlayerScore),
		GameLogs:            make(map[string]*GameLogEntry),
		MultiplayerSessions: make(map[string]*Session),
		RefreshTokens:       make(map[string]*TokenRecord),
		AccessTokens:        make(map[string]*TokenRecord),
		LeaderboardScores:   make(map[string]*LeaderboardScore),
		FirebasePlayers:     make(map[string]*FirebasePlayer),
		Moderation: &Moderation{
			Terms:    make(map[string]*ModerationTerm),
			Roles:    make(map[string]*PlayerRole),
			AuditLog: make(map[string]*AuditEntry),
		},
	}
}

// EnsureSections replaces nil sections with empty ones. Loaded snapshots
// from older or hand-edited stores may omit sections entirely; every
// accessor assumes the maps exist.
func (s *Snapshot) EnsureSections() {
	if s.Players == nil {
		s.Players = make(map[string]*Player)
	}
	if s.PlayerScores == nil {
		s.PlayerScores = make(map[string]*PlayerScore)
	}
	if s.GameLogs == nil {
		s.GameLogs = make(map[string]*GameLogEntry)
	}
	if s.MultiplayerSessions == nil {
		s.MultiplayerSessions = make(map[string]*Session)
	}
	if s.RefreshTokens == nil {
		s.RefreshTokens = make(map[string]*TokenRecord)
	}
	if s.AccessTokens == nil {
		s.AccessTokens = make(map[string]*TokenRecord)
	}
	if s.LeaderboardScores == nil {
		s.LeaderboardScores = make(map[string]*LeaderboardScore)
	}
	if s.FirebasePlayers == nil {
		s.FirebasePlayers = make(map[string]*FirebasePlayer)
	}
	if s.Moderation == nil {
		s.Moderation = &Moderation{}
	}
	s.Moderation.ensure()
	for _, sess := range s.MultiplayerSessions {
		if sess.Participants == nil {
			sess.Participants = make(map[string]*Participant)
		}
	}
}

// Clone returns a deep copy via a JSON round-trip. The snapshot is the
// serialization format, so the round-trip is lossless by construction.
func (s *Snapshot) Clone() (*Snapshot, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("clone snapshot: %w", err)
	}
	var out Snapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone snapshot: %w", err)
	}
	out.EnsureSections()
	return &out, nil
}

// SectionDocs marshals one named section into per-id JSON documents, the
// unit the remote store adapters diff and write.
func (s *Snapshot) SectionDocs(section string) (map[string]json.RawMessage, error) {
	var v any
	switch section {
	case SectionPlayers:
		v = s.Players
	case SectionPlayerScores:
		v = s.PlayerScores
	case SectionGameLogs:
		v = s.GameLogs
	case SectionMultiplayerSessions:
		v = s.MultiplayerSessions
	case SectionRefreshTokens:
		v = s.RefreshTokens
	case SectionAccessTokens:
		v = s.AccessTokens
	case SectionLeaderboardScores:
		v = s.LeaderboardScores
	case SectionFirebasePlayers:
		v = s.FirebasePlayers
	case SectionModeration:
		v = s.Moderation
	default:
		return nil, fmt.Errorf("unknown snapshot section %q", section)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal section %s: %w", section, err)
	}
	docs := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("split section %s: %w", section, err)
	}
	return docs, nil
}

// SetSectionDocs replaces one named section from per-id JSON documents, the
// inverse of SectionDocs. Malformed documents fail the whole section so a
// partial remote read never half-applies.
func (s *Snapshot) SetSectionDocs(section string, docs map[string]json.RawMessage) error {
	data, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("join section %s: %w", section, err)
	}
	var target any
	switch section {
	case SectionPlayers:
		target = &s.Players
	case SectionPlayerScores:
		target = &s.PlayerScores
	case SectionGameLogs:
		target = &s.GameLogs
	case SectionMultiplayerSessions:
		target = &s.MultiplayerSessions
	case SectionRefreshTokens:
		target = &s.RefreshTokens
	case SectionAccessTokens:
		target = &s.AccessTokens
	case SectionLeaderboardScores:
		target = &s.LeaderboardScores
	case SectionFirebasePlayers:
		target = &s.FirebasePlayers
	case SectionModeration:
		target = &s.Moderation
	default:
		return fmt.Errorf("unknown snapshot section %q", section)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("unmarshal section %s: %w", section, err)
	}
	return nil
}
