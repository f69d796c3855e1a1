package dice

import (
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"
)

// Seed captures everything a roll's values are derived from. Two rolls with
// identical seeds produce identical dice, which keeps recovery and replay
// honest: a rehydrated turn re-rolls to the same values.
type Seed struct {
	SessionID  string
	TurnNumber int
	PlayerID   string
	Nonce      string
}

// Roll computes server-authoritative values for the requested dice. The
// caller validates specs first; Roll itself never fails.
func Roll(seed Seed, specs []Spec) []Die {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s", seed.SessionID, seed.TurnNumber, seed.PlayerID, seed.Nonce)
	sum := h.Sum(nil)
	rng := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(sum[:8]))))

	dice := make([]Die, len(specs))
	for i, s := range specs {
		dice[i] = Die{ID: s.ID, Sides: s.Sides, Value: rng.Intn(s.Sides) + 1}
	}
	return dice
}

// crockford excludes I, L, O, and U so ids survive human transcription.
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// NewRollID returns a 26-character sortable roll identifier: 48 bits of
// millisecond timestamp followed by 80 random bits, Crockford base32.
func NewRollID() string {
	var b [16]byte
	ms := uint64(time.Now().UnixMilli())
	b[0] = byte(ms >> 40)
	b[1] = byte(ms >> 32)
	b[2] = byte(ms >> 24)
	b[3] = byte(ms >> 16)
	b[4] = byte(ms >> 8)
	b[5] = byte(ms)
	if _, err := crand.Read(b[6:]); err != nil {
		binary.BigEndian.PutUint64(b[6:14], uint64(time.Now().UnixNano()))
	}

	out := make([]byte, 26)
	// 128 bits packed 5 at a time, high bits first; the top 2 bits are zero.
	var acc uint32
	bits := 0
	pos := 25
	for i := 15; i >= 0; i-- {
		acc |= uint32(b[i]) << bits
		bits += 8
		for bits >= 5 && pos >= 0 {
			out[pos] = crockford[acc&31]
			acc >>= 5
			bits -= 5
			pos--
		}
	}
	for pos >= 0 {
		out[pos] = crockford[acc&31]
		acc >>= 5
		pos--
	}
	return string(out)
}

// NewNonce returns a random per-turn nonce feeding the roll seed.
func NewNonce() string {
	var b [12]byte
	if _, err := crand.Read(b[:]); err != nil {
		return fmt.Sprintf("n%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", b)
}
