// Package bot plans turns for computer players: which dice to roll, which
// rolled dice to bank, and how long to wait so the pacing feels human. The
// planning is plain arithmetic over the turn context; all randomness flows
// through a seedable source so a fixed seed replays an identical game.
package bot

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/chaosdice/server/internal/model"
	"github.com/chaosdice/server/pkg/dice"
)

// Bot profiles. The profile shapes how eagerly a bot banks dice and how long
// it pretends to think.
const (
	ProfileCautious   = "cautious"
	ProfileBalanced   = "balanced"
	ProfileAggressive = "aggressive"
)

// Profiles lists all valid bot profiles in seating order.
var Profiles = []string{ProfileCautious, ProfileBalanced, ProfileAggressive}

// ValidProfile reports whether p names a known bot profile.
func ValidProfile(p string) bool {
	for _, known := range Profiles {
		if p == known {
			return true
		}
	}
	return false
}

// TurnContext is everything a strategy reads about the bot's situation when
// planning a turn. Build one with ContextFor, or fill it directly in tests.
type TurnContext struct {
	RemainingDice int
	Score         int
	Round         int
	TurnNumber    int
	RollIndex     int

	// Placement is the bot's 1-based rank among seated participants, fewest
	// remaining dice first. FieldSize is the number of seated participants.
	Placement int
	FieldSize int

	// Sides overrides the die shapes offered to PlanRoll. Empty means
	// dice.DefaultSides.
	Sides []int
}

// Trailing reports whether the bot sits in the bottom half of the field.
func (tc TurnContext) Trailing() bool {
	return tc.FieldSize > 1 && tc.Placement > (tc.FieldSize+1)/2
}

// Leading reports whether the bot sits in first place.
func (tc TurnContext) Leading() bool {
	return tc.FieldSize > 1 && tc.Placement == 1
}

// ContextFor builds playerID's planning context from live session state. The
// caller must hold the session's lane.
func ContextFor(sess *model.Session, playerID string) TurnContext {
	tc := TurnContext{RollIndex: 1, Placement: 1, FieldSize: 1}
	if sess == nil {
		return tc
	}
	self := sess.Participants[playerID]
	if self == nil {
		return tc
	}
	tc.RemainingDice = self.RemainingDice
	tc.Score = self.Score

	if active := sess.ActiveParticipants(); len(active) > 0 {
		tc.FieldSize = len(active)
		sort.SliceStable(active, func(i, j int) bool {
			if active[i].RemainingDice != active[j].RemainingDice {
				return active[i].RemainingDice < active[j].RemainingDice
			}
			if active[i].Score != active[j].Score {
				return active[i].Score < active[j].Score
			}
			return active[i].PlayerID < active[j].PlayerID
		})
		for i, p := range active {
			if p.PlayerID == playerID {
				tc.Placement = i + 1
				break
			}
		}
	}

	if turn := sess.TurnState; turn != nil {
		tc.Round = turn.Round
		tc.TurnNumber = turn.TurnNumber
		if turn.ActiveRollServerID != "" && turn.LastRollSnapshot != nil {
			tc.RollIndex = turn.LastRollSnapshot.RollIndex + 1
		}
	}
	return tc
}

// RollPlan is the roll payload a strategy wants to submit.
type RollPlan struct {
	RollIndex int
	Specs     []dice.Spec
}

// ScorePlan is the score selection a strategy wants to commit for a roll.
type ScorePlan struct {
	SelectedDiceIDs []string
	Points          int
}

// Strategy plans a bot player's turn: which dice to roll, which rolled dice
// to bank, and how long to wait before acting.
type Strategy interface {
	Name() string
	PlanRoll(tc TurnContext) RollPlan
	PlanScore(tc TurnContext, rolled []dice.Die) ScorePlan
	PlanDelay(tc TurnContext) time.Duration
}

// profileParams are the planning knobs for one profile at one difficulty.
type profileParams struct {
	tolerance int // max penalty points a banked die may cost
	target    int // preferred dice banked per turn
	delayMin  time.Duration
	delayMax  time.Duration
}

// ForProfile returns the strategy for a bot profile at a game difficulty.
// Unknown profiles fall back to balanced, unknown difficulties to normal.
// Easy play loosens the tolerance and shrinks the target (and later injects
// outright mistakes); hard play does the opposite.
func ForProfile(profile, difficulty string) *ProfileStrategy {
	if !ValidProfile(profile) {
		profile = ProfileBalanced
	}
	if !model.ValidDifficulty(difficulty) {
		difficulty = model.DifficultyNormal
	}

	var p profileParams
	switch profile {
	case ProfileCautious:
		p = profileParams{tolerance: 2, target: 2, delayMin: 2500 * time.Millisecond, delayMax: 6000 * time.Millisecond}
	case ProfileAggressive:
		p = profileParams{tolerance: 7, target: 5, delayMin: 800 * time.Millisecond, delayMax: 2500 * time.Millisecond}
	default:
		p = profileParams{tolerance: 4, target: 3, delayMin: 1500 * time.Millisecond, delayMax: 4000 * time.Millisecond}
	}

	switch difficulty {
	case model.DifficultyEasy:
		p.tolerance += 3
		if p.target > 1 {
			p.target--
		}
	case model.DifficultyHard:
		p.tolerance -= 3
		if p.tolerance < 1 {
			p.tolerance = 1
		}
		p.target += 2
	}

	return &ProfileStrategy{profile: profile, difficulty: difficulty, params: p}
}

// ProfileStrategy plans turns from the numeric knobs of one
// (profile, difficulty) pair.
type ProfileStrategy struct {
	profile    string
	difficulty string
	params     profileParams

	// Rng, when non-nil, replaces the package random source.
	Rng *rand.Rand
}

var _ Strategy = (*ProfileStrategy)(nil)

func (s *ProfileStrategy) Name() string {
	return s.profile + "-" + s.difficulty
}

func (s *ProfileStrategy) intn(n int) int {
	if s.Rng != nil {
		return s.Rng.Intn(n)
	}
	return botIntn(n)
}

func (s *ProfileStrategy) float64() float64 {
	if s.Rng != nil {
		return s.Rng.Float64()
	}
	return botFloat64()
}

// PlanRoll requests the largest roll the rules allow. Shapes come from the
// low end of the sides array for cautious bots and the whole array for
// aggressive ones; ids are unique within the roll.
func (s *ProfileStrategy) PlanRoll(tc TurnContext) RollPlan {
	plan := RollPlan{RollIndex: tc.RollIndex}
	if plan.RollIndex < 1 {
		plan.RollIndex = 1
	}
	n := tc.RemainingDice
	if n > dice.MaxTurnRoll {
		n = dice.MaxTurnRoll
	}
	if n <= 0 {
		return plan
	}

	pool := s.sidesPool(tc)
	plan.Specs = make([]dice.Spec, n)
	for i := 0; i < n; i++ {
		sides := pool[s.intn(len(pool))]
		plan.Specs[i] = dice.Spec{ID: fmt.Sprintf("d%d-b%d", sides, i+1), Sides: sides}
	}
	return plan
}

// sidesPool narrows the configured shapes by profile: small dice carry small
// penalties, so cautious bots stay at the low end while aggressive bots use
// everything. Hard bots shave the most expensive shape off their pool.
func (s *ProfileStrategy) sidesPool(tc TurnContext) []int {
	sides := tc.Sides
	if len(sides) == 0 {
		sides = dice.DefaultSides
	}
	pool := append([]int(nil), sides...)
	sort.Ints(pool)

	n := len(pool)
	switch s.profile {
	case ProfileCautious:
		n = (len(pool) + 2) / 3
	case ProfileBalanced:
		n = (2*len(pool) + 2) / 3
	}
	if s.difficulty == model.DifficultyHard && n > 1 {
		n--
	}
	if n < 1 {
		n = 1
	}
	return pool[:n]
}

// PlanScore banks the cheapest dice of the roll: candidates sorted by penalty
// ascending, kept while they stay inside the profile's point tolerance, up to
// the turn's selection target. At least one die is always banked, because a
// turn cannot end without scoring. Easy bots then swap up to three picks for
// more expensive leftovers.
func (s *ProfileStrategy) PlanScore(tc TurnContext, rolled []dice.Die) ScorePlan {
	if len(rolled) == 0 {
		return ScorePlan{}
	}
	sorted := append([]dice.Die(nil), rolled...)
	dice.SortByPenalty(sorted)

	within := 0
	for within < len(sorted) && sorted[within].Points() <= s.params.tolerance {
		within++
	}
	k := s.selectionTarget(tc, len(sorted))
	if k > within {
		k = within
	}
	if k < 1 {
		k = 1
	}

	if s.difficulty == model.DifficultyEasy && k < len(sorted) {
		for i := s.intn(4); i > 0; i-- {
			from := s.intn(k)
			to := k + s.intn(len(sorted)-k)
			sorted[from], sorted[to] = sorted[to], sorted[from]
		}
	}

	plan := ScorePlan{SelectedDiceIDs: make([]string, k)}
	for i := 0; i < k; i++ {
		plan.SelectedDiceIDs[i] = sorted[i].ID
		plan.Points += sorted[i].Points()
	}
	return plan
}

// selectionTarget sizes this turn's bank. Trailing bots push one extra die,
// long games push everyone, and a bot close to finishing banks everything it
// can reach.
func (s *ProfileStrategy) selectionTarget(tc TurnContext, rolled int) int {
	target := s.params.target
	if tc.Trailing() {
		target++
	}
	if tc.TurnNumber > 12 {
		target++
	}
	if tc.RemainingDice > 0 && tc.RemainingDice <= s.params.target+2 {
		target = tc.RemainingDice
	}
	if target > rolled {
		target = rolled
	}
	if target < 1 {
		target = 1
	}
	return target
}

// PlanDelay draws the bot's think time uniformly from a profile range bent by
// the game situation: trailing bots hurry, cautious leaders linger, and
// everyone speeds up late in a long game.
func (s *ProfileStrategy) PlanDelay(tc TurnContext) time.Duration {
	lo, hi := s.params.delayMin, s.params.delayMax
	if s.difficulty == model.DifficultyEasy {
		hi += 1200 * time.Millisecond
	}

	scale := 1.0
	if tc.Trailing() {
		scale *= 0.6
	}
	if tc.Leading() && s.profile == ProfileCautious {
		scale *= 1.4
	}
	if tc.TurnNumber > 10 || (tc.RemainingDice > 0 && tc.RemainingDice <= 3) {
		scale *= 0.85
	}

	base := float64(lo) * scale
	span := float64(hi-lo) * scale
	return time.Duration(base + s.float64()*span)
}
