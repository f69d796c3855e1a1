package model

import (
	"time"
)

// Player represents a known player profile. Records may originate from older
// deployments; unknown JSON fields survive round-trips via Extra.
type Player struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	// Blocked lists player ids this player does not want to hear from.
	Blocked   []string  `json:"blockedPlayerIds,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Extra ExtraFields `json:"-"`
}

// HasBlocked reports whether other appears in this player's block list.
func (p *Player) HasBlocked(other string) bool {
	for _, id := range p.Blocked {
		if id == other {
			return true
		}
	}
	return false
}

// PlayerScore aggregates a player's lifetime results. Lower scores win, so
// BestScore tracks the lowest completed-game total.
type PlayerScore struct {
	PlayerID    string    `json:"playerId"`
	GamesPlayed int       `json:"gamesPlayed"`
	GamesWon    int       `json:"gamesWon"`
	BestScore   int       `json:"bestScore"`
	LastScore   int       `json:"lastScore"`
	UpdatedAt   time.Time `json:"updatedAt"`

	Extra ExtraFields `json:"-"`
}

// GameLogEntry is a client-submitted log line from POST /logs/batch.
type GameLogEntry struct {
	ID        string         `json:"id"`
	PlayerID  string         `json:"playerId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// TokenRecord is the stored side of an opaque access or refresh token,
// keyed in its section by the hex SHA-256 of the raw token. Raw tokens are
// never persisted.
type TokenRecord struct {
	PlayerID  string    `json:"playerId"`
	SessionID string    `json:"sessionId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the record is past its expiry at the given instant.
func (t *TokenRecord) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// LeaderboardScore is one submitted result on the global board.
type LeaderboardScore struct {
	ID          string    `json:"id"`
	PlayerID    string    `json:"playerId"`
	DisplayName string    `json:"displayName"`
	Score       int       `json:"score"`
	Difficulty  string    `json:"difficulty,omitempty"`
	RecordedAt  time.Time `json:"recordedAt"`

	Extra ExtraFields `json:"-"`
}

// FirebasePlayer maps an external identity uid to a player id. Identity
// verification itself happens behind the auth.IdentityVerifier interface.
type FirebasePlayer struct {
	UID         string    `json:"uid"`
	PlayerID    string    `json:"playerId"`
	DisplayName string    `json:"displayName,omitempty"`
	LinkedAt    time.Time `json:"linkedAt"`

	Extra ExtraFields `json:"-"`
}

// ModerationTerm is one banned chat term.
type ModerationTerm struct {
	ID        string    `json:"id"`
	Term      string    `json:"term"`
	AddedBy   string    `json:"addedBy,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// PlayerRole grants a player an administrative role.
type PlayerRole struct {
	PlayerID  string    `json:"playerId"`
	Role      string    `json:"role"`
	GrantedBy string    `json:"grantedBy,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Admin role names.
const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
)

// AuditEntry records one administrative mutation.
type AuditEntry struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Target    string    `json:"target,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Moderation groups moderation data: banned terms, role grants, and the
// audit log, each keyed by id.
type Moderation struct {
	Terms    map[string]*ModerationTerm `json:"terms"`
	Roles    map[string]*PlayerRole     `json:"roles"`
	AuditLog map[string]*AuditEntry     `json:"auditLog"`
}

// ensure replaces nil sub-maps so loaded legacy snapshots are safe to index.
func (m *Moderation) ensure() {
	if m.Terms == nil {
		m.Terms = make(map[string]*ModerationTerm)
	}
	if m.Roles == nil {
		m.Roles = make(map[string]*PlayerRole)
	}
	if m.AuditLog == nil {
		m.AuditLog = make(map[string]*AuditEntry)
	}
}
