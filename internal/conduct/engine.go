// Package conduct enforces chat policy inside game sessions: banned-term
// scanning, strike accounting, mutes, and the auto-ban escalation the
// session registry acts on.
package conduct

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/chaosdice/server/internal/model"
)

// Defaults applied when the corresponding option is zero.
const (
	DefaultStrikeLimit  = 3
	DefaultMuteDuration = 5 * time.Minute
)

// Engine matches messages against a normalized banned-term set and keeps
// per-session strike state current. The term set is replaceable at runtime
// (admin upserts) under a read-write lock; scanning takes the read side.
type Engine struct {
	mu    sync.RWMutex
	terms map[string]string // normalized -> original

	strikeLimit    int
	muteDuration   time.Duration
	autoBanStrikes int // totalStrikes threshold; 0 disables auto-ban

	now func() time.Time
}

// Options configures an Engine.
type Options struct {
	StrikeLimit    int
	MuteDuration   time.Duration
	AutoBanStrikes int
}

// NewEngine creates an engine with the initial banned terms.
func NewEngine(opts Options, terms ...string) *Engine {
	if opts.StrikeLimit <= 0 {
		opts.StrikeLimit = DefaultStrikeLimit
	}
	if opts.MuteDuration <= 0 {
		opts.MuteDuration = DefaultMuteDuration
	}
	e := &Engine{
		terms:          make(map[string]string),
		strikeLimit:    opts.StrikeLimit,
		muteDuration:   opts.MuteDuration,
		autoBanStrikes: opts.AutoBanStrikes,
		now:            time.Now,
	}
	e.AddTerms(terms...)
	return e
}

// normalizeText case-folds and strips punctuation, collapsing runs of
// separators into single spaces so "B-a-d" and "bad" compare equal.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// AddTerms adds banned terms to the active set. Blank terms are ignored.
func (e *Engine) AddTerms(terms ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, term := range terms {
		if n := normalizeText(term); n != "" {
			e.terms[n] = term
		}
	}
}

// RemoveTerm drops a term, reporting whether it was present.
func (e *Engine) RemoveTerm(term string) bool {
	n := normalizeText(term)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.terms[n]; !ok {
		return false
	}
	delete(e.terms, n)
	return true
}

// ReplaceTerms swaps the entire active set, used after rehydration.
func (e *Engine) ReplaceTerms(terms []string) {
	e.mu.Lock()
	e.terms = make(map[string]string, len(terms))
	e.mu.Unlock()
	e.AddTerms(terms...)
}

// TermCount returns the size of the active set.
func (e *Engine) TermCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.terms)
}

// ScanMessage reports the first banned term found in the message. Matching
// is word-bounded on the normalized forms: "class" does not trip a ban on
// "ass", while "ass!!!" does.
func (e *Engine) ScanMessage(message string) (string, bool) {
	padded := " " + normalizeText(message) + " "
	if padded == "  " {
		return "", false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for normalized, original := range e.terms {
		if strings.Contains(padded, " "+normalized+" ") {
			return original, true
		}
	}
	return "", false
}

// Verdict is the outcome of evaluating one message against policy.
type Verdict struct {
	Blocked     bool
	Code        string
	Warning     string
	MatchedTerm string
	Muted       bool // the sender became muted on this strike
	AutoBan     bool // registry should ban the sender from the session
}

// EvaluateMessage scans a message and, on a hit, records the strike on the
// session's conduct state. Must be called inside the session's
// serialization lane.
func (e *Engine) EvaluateMessage(sess *model.Session, playerID, message string) Verdict {
	term, hit := e.ScanMessage(message)
	if !hit {
		return Verdict{}
	}

	now := e.now()
	rec := sess.ConductFor(playerID)
	rec.Strikes++
	rec.TotalStrikes++
	sess.Conduct().UpdatedAt = now

	v := Verdict{
		Blocked:     true,
		Code:        "room_channel_message_blocked",
		MatchedTerm: term,
		Warning:     fmt.Sprintf("Message blocked by chat policy (strike %d of %d)", rec.Strikes, e.strikeLimit),
	}
	if rec.Strikes >= e.strikeLimit {
		rec.IsMuted = true
		until := now.Add(e.muteDuration)
		rec.MutedUntil = &until
		v.Muted = true
		v.Warning = fmt.Sprintf("Message blocked; you are muted for %s", e.muteDuration)
	}
	if e.autoBanStrikes > 0 && rec.TotalStrikes >= e.autoBanStrikes {
		v.AutoBan = true
	}
	return v
}

// MutedNow reports whether the record is muted at t, clearing mutes whose
// window has passed. Returns (muted, lifted).
func MutedNow(rec *model.ConductRecord, t time.Time) (bool, bool) {
	if rec == nil || !rec.IsMuted {
		return false, false
	}
	if rec.MutedUntil != nil && !t.Before(*rec.MutedUntil) {
		rec.IsMuted = false
		rec.MutedUntil = nil
		return false, true
	}
	return true, false
}

// ClearPlayer resets a player's conduct record. With resetTotals the record
// disappears entirely; otherwise totalStrikes survives as history.
func ClearPlayer(sess *model.Session, playerID string, resetTotals bool) bool {
	state := sess.Conduct()
	rec, ok := state.Players[playerID]
	if !ok {
		return false
	}
	if resetTotals {
		delete(state.Players, playerID)
	} else {
		state.Players[playerID] = &model.ConductRecord{TotalStrikes: rec.TotalStrikes}
	}
	return true
}

// ClearSession wipes the session's entire conduct state.
func ClearSession(sess *model.Session) {
	sess.ChatConduct = &model.ConductState{Players: make(map[string]*model.ConductRecord)}
}
