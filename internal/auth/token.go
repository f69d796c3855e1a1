package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chaosdice/server/internal/model"
	"github.com/chaosdice/server/internal/store"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingToken = errors.New("missing authorization token")
)

// rawTokenBytes is the entropy behind each opaque token.
const rawTokenBytes = 32

// Persister receives a save request after every token mutation.
type Persister interface {
	Schedule()
}

type noopPersister struct{}

func (noopPersister) Schedule() {}

// Bundle is the pair of opaque tokens issued on session join.
type Bundle struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	TokenType    string    `json:"tokenType"`
}

// TokenManager issues and verifies opaque bearer tokens. Only the SHA-256
// of a token is ever stored; possession of the raw string is the sole
// credential.
type TokenManager struct {
	store      *store.Store
	persist    Persister
	accessTTL  time.Duration
	refreshTTL time.Duration

	now func() time.Time
}

// NewTokenManager creates a manager persisting through the given Persister.
// A nil persister is valid for tests.
func NewTokenManager(st *store.Store, persist Persister, accessTTL, refreshTTL time.Duration) *TokenManager {
	if persist == nil {
		persist = noopPersister{}
	}
	return &TokenManager{
		store:      st,
		persist:    persist,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

func newRawToken() (string, error) {
	b := make([]byte, rawTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IssueBundle mints an access/refresh token pair bound to a player within
// a session.
func (m *TokenManager) IssueBundle(playerID, sessionID string) (*Bundle, error) {
	access, err := newRawToken()
	if err != nil {
		return nil, err
	}
	refresh, err := newRawToken()
	if err != nil {
		return nil, err
	}

	now := m.now()
	accessExpiry := now.Add(m.accessTTL)
	err = m.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		snap.AccessTokens[hashToken(access)] = &model.TokenRecord{
			PlayerID:  playerID,
			SessionID: sessionID,
			IssuedAt:  now,
			ExpiresAt: accessExpiry,
		}
		snap.RefreshTokens[hashToken(refresh)] = &model.TokenRecord{
			PlayerID:  playerID,
			SessionID: sessionID,
			IssuedAt:  now,
			ExpiresAt: now.Add(m.refreshTTL),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.persist.Schedule()

	return &Bundle{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    accessExpiry,
		TokenType:    "Bearer",
	}, nil
}

// VerifyAccess resolves an access token to its record, or nil when unknown
// or expired. Expired records are deleted on sight.
func (m *TokenManager) VerifyAccess(token string) *model.TokenRecord {
	return m.verify(token, false)
}

// VerifyRefresh resolves a refresh token against the refresh bucket.
func (m *TokenManager) VerifyRefresh(token string) *model.TokenRecord {
	return m.verify(token, true)
}

func (m *TokenManager) verify(token string, refresh bool) *model.TokenRecord {
	if token == "" {
		return nil
	}
	key := hashToken(token)

	var rec *model.TokenRecord
	deleted := false
	_ = m.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		bucket := snap.AccessTokens
		if refresh {
			bucket = snap.RefreshTokens
		}
		r, ok := bucket[key]
		if !ok {
			return nil
		}
		if r.Expired(m.now()) {
			delete(bucket, key)
			deleted = true
			return nil
		}
		cp := *r
		rec = &cp
		return nil
	})
	if deleted {
		m.persist.Schedule()
	}
	return rec
}

// Revoke removes a refresh token, reporting whether it existed.
func (m *TokenManager) Revoke(refreshToken string) bool {
	key := hashToken(refreshToken)
	removed := false
	_ = m.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		if _, ok := snap.RefreshTokens[key]; ok {
			delete(snap.RefreshTokens, key)
			removed = true
		}
		return nil
	})
	if removed {
		m.persist.Schedule()
	}
	return removed
}

// RevokePlayerSession removes every token bound to the (player, session)
// pair, both buckets. An empty sessionID sweeps all of the player's
// sessions. Used by logout, kick, and ban.
func (m *TokenManager) RevokePlayerSession(playerID, sessionID string) int {
	removed := 0
	_ = m.store.Mutate(func(snap *model.Snapshot) error {
		removed = RevokePlayerSessionIn(snap, playerID, sessionID)
		return nil
	})
	if removed > 0 {
		m.persist.Schedule()
	}
	return removed
}

// RevokePlayerSessionIn is RevokePlayerSession against an already-held
// snapshot, for callers revoking inside their own store mutation.
func RevokePlayerSessionIn(snap *model.Snapshot, playerID, sessionID string) int {
	snap.EnsureSections()
	removed := 0
	for _, bucket := range []map[string]*model.TokenRecord{snap.AccessTokens, snap.RefreshTokens} {
		for key, rec := range bucket {
			if rec.PlayerID != playerID {
				continue
			}
			if sessionID != "" && rec.SessionID != sessionID {
				continue
			}
			delete(bucket, key)
			removed++
		}
	}
	return removed
}

// PruneExpired drops every expired record from both buckets and returns
// how many were removed. The sweeper calls this periodically so buckets
// do not accumulate dead entries between verifications.
func (m *TokenManager) PruneExpired() int {
	now := m.now()
	removed := 0
	_ = m.store.Mutate(func(snap *model.Snapshot) error {
		snap.EnsureSections()
		for _, bucket := range []map[string]*model.TokenRecord{snap.AccessTokens, snap.RefreshTokens} {
			for key, rec := range bucket {
				if rec.Expired(now) {
					delete(bucket, key)
					removed++
				}
			}
		}
		return nil
	})
	if removed > 0 {
		m.persist.Schedule()
	}
	return removed
}

// ExtractBearer pulls the token out of an Authorization header. The scheme
// match is case-insensitive; anything malformed yields "".
func ExtractBearer(header string) string {
	fields := strings.Fields(strings.TrimSpace(header))
	if len(fields) != 2 || !strings.EqualFold(fields[0], "Bearer") {
		return ""
	}
	return fields[1]
}
