// Package dice implements the pure rules of the dice game: die shapes,
// penalty scoring, deterministic server-side rolls, and roll identifiers.
// It has no knowledge of sessions, players, or transport.
package dice

import (
	"fmt"
	"sort"
)

// DefaultCount is the number of dice every participant starts a game with.
const DefaultCount = 15

// MaxTurnRoll is the most dice a single roll action may request.
const MaxTurnRoll = 8

// DefaultSides lists the die shapes available to roll payloads.
var DefaultSides = []int{4, 6, 8, 10, 12, 20}

// Spec describes one die requested in a roll action. Clients choose the
// shape; the server supplies the value.
type Spec struct {
	ID    string `json:"dieId"`
	Sides int    `json:"sides"`
}

// Die is a rolled die. Value is always in 1..Sides.
type Die struct {
	ID    string `json:"dieId"`
	Sides int    `json:"sides"`
	Value int    `json:"value"`
}

// Points returns the penalty a die contributes when scored: the distance
// between the shown face and the die's maximum. A die showing its top face
// costs nothing.
func (d Die) Points() int {
	return d.Sides - d.Value
}

const maxDieIDLen = 40

// ValidateSpecs checks a client roll payload against the caller's remaining
// dice. It rejects empty payloads, duplicate or oversized ids, shapes outside
// allowed, and requests for more dice than min(remaining, MaxTurnRoll).
func ValidateSpecs(specs []Spec, remaining int, allowed []int) error {
	if len(specs) == 0 {
		return fmt.Errorf("roll requires at least one die")
	}
	limit := remaining
	if limit > MaxTurnRoll {
		limit = MaxTurnRoll
	}
	if len(specs) > limit {
		return fmt.Errorf("roll of %d dice exceeds limit %d", len(specs), limit)
	}
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.ID == "" || len(s.ID) > maxDieIDLen {
			return fmt.Errorf("invalid die id %q", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate die id %q", s.ID)
		}
		seen[s.ID] = true
		if !sidesAllowed(s.Sides, allowed) {
			return fmt.Errorf("die %q has unsupported sides %d", s.ID, s.Sides)
		}
	}
	return nil
}

func sidesAllowed(sides int, allowed []int) bool {
	if len(allowed) == 0 {
		allowed = DefaultSides
	}
	for _, a := range allowed {
		if sides == a {
			return true
		}
	}
	return false
}

// SortByPenalty orders dice for scoring decisions: cheapest penalty first,
// then higher shown value, then id. The order is total, so equal inputs
// always produce equal output.
func SortByPenalty(dice []Die) {
	sort.Slice(dice, func(i, j int) bool {
		pi, pj := dice[i].Points(), dice[j].Points()
		if pi != pj {
			return pi < pj
		}
		if dice[i].Value != dice[j].Value {
			return dice[i].Value > dice[j].Value
		}
		return dice[i].ID < dice[j].ID
	})
}
