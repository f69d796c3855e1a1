package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// ErrIdentityMismatch is returned when a verified identity does not match
// the player id the client claimed.
var ErrIdentityMismatch = errors.New("identity does not match claimed player")

// IdentityVerifier authenticates an external identity credential and
// returns the player id it proves.
type IdentityVerifier interface {
	Verify(credential string) (playerID string, displayName string, err error)
}

// identityClaims is the payload of the HS256 development verifier.
type identityClaims struct {
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTIdentity verifies HS256-signed identity tokens whose subject is the
// player id. It stands in for an external identity provider in
// self-hosted deployments.
type JWTIdentity struct {
	secret []byte
}

// NewJWTIdentity creates a verifier with the shared secret.
func NewJWTIdentity(secret string) *JWTIdentity {
	return &JWTIdentity{secret: []byte(secret)}
}

// Verify parses and validates the credential, returning the subject.
func (v *JWTIdentity) Verify(credential string) (string, string, error) {
	token, err := jwt.ParseWithClaims(credential, &identityClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil {
		return "", "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*identityClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", "", ErrInvalidToken
	}
	return claims.Subject, claims.DisplayName, nil
}

// Mint signs an identity token for a player. Only used by tests and local
// tooling; production deployments receive tokens from their provider.
func (v *JWTIdentity) Mint(playerID, displayName string) (string, error) {
	claims := &identityClaims{
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: playerID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
