package service

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chaosdice/server/internal/auth"
	"github.com/chaosdice/server/internal/config"
	"github.com/chaosdice/server/internal/model"
	"github.com/chaosdice/server/internal/store"
	"github.com/chaosdice/server/pkg/dice"
)

// testClock is a manually advanced clock wired into the registry's now func.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// frameRecorder captures delivered frames in hand-off order.
type frameRecorder struct {
	mu     sync.Mutex
	frames []Frame
}

func (f *frameRecorder) Deliver(sessionID string, frames []Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frames...)
}

func (f *frameRecorder) all() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *frameRecorder) byType(frameType string) []Frame {
	var out []Frame
	for _, fr := range f.all() {
		if fr.Type == frameType {
			out = append(out, fr)
		}
	}
	return out
}

func (f *frameRecorder) reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

// sinkRecorder captures completed-game results.
type sinkRecorder struct {
	mu      sync.Mutex
	results []*GameResult
}

func (s *sinkRecorder) RecordResult(r *GameResult) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func (s *sinkRecorder) last() *GameResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return nil
	}
	return s.results[len(s.results)-1]
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                      "0",
		Env:                       "development",
		SessionIdleTTL:            10 * time.Minute,
		NextGameDelay:             15 * time.Second,
		PostGameInactivityTimeout: 2 * time.Minute,
		OverflowEmptyTTL:          time.Minute,
		StaleParticipantAfter:     45 * time.Second,
		TurnTimeout:               30 * time.Second,
		TurnTimeoutEasy:           30 * time.Second,
		TurnTimeoutNormal:         30 * time.Second,
		TurnTimeoutHard:           30 * time.Second,
		AccessTokenTTL:            time.Hour,
		RefreshTokenTTL:           24 * time.Hour,
	}
}

type fixture struct {
	registry *Registry
	store    *store.Store
	tokens   *auth.TokenManager
	caster   *frameRecorder
	clock    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.New(nil)
	tokens := auth.NewTokenManager(st, nil, time.Hour, 24*time.Hour)
	caster := &frameRecorder{}
	reg := NewRegistry(st, nil, tokens, testConfig(), caster)
	clock := newTestClock()
	reg.now = clock.Now
	reg.sleep = func(time.Duration) {}
	return &fixture{registry: reg, store: st, tokens: tokens, caster: caster, clock: clock}
}

// createSession builds a room hosted by the first player and joins the rest
// as observers.
func (f *fixture) createSession(t *testing.T, opts CreateOptions, players ...string) string {
	t.Helper()
	created, err := f.registry.CreateSession(players[0], "Player "+players[0], opts)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for _, p := range players[1:] {
		if _, err := f.registry.JoinBySessionID(created.SessionID, p, "Player "+p); err != nil {
			t.Fatalf("JoinBySessionID(%s): %v", p, err)
		}
	}
	return created.SessionID
}

// startGame seats and readies every listed human, which begins the game.
func (f *fixture) startGame(t *testing.T, opts CreateOptions, players ...string) string {
	t.Helper()
	sessionID := f.createSession(t, opts, players...)
	for _, p := range players[1:] {
		if err := f.registry.UpdateParticipantState(sessionID, p, ActionSit); err != nil {
			t.Fatalf("sit %s: %v", p, err)
		}
	}
	for _, p := range players {
		if err := f.registry.UpdateParticipantState(sessionID, p, ActionReady); err != nil {
			t.Fatalf("ready %s: %v", p, err)
		}
	}
	return sessionID
}

// session returns a deep-ish view of one session for assertions. The
// returned pointer must not be mutated.
func (f *fixture) session(t *testing.T, sessionID string) *model.Session {
	t.Helper()
	var sess *model.Session
	f.store.View(func(snap *model.Snapshot) {
		sess = snap.MultiplayerSessions[sessionID]
	})
	if sess == nil {
		t.Fatalf("session %s not found", sessionID)
	}
	return sess
}

func (f *fixture) activePlayer(t *testing.T, sessionID string) string {
	t.Helper()
	sess := f.session(t, sessionID)
	if sess.TurnState == nil {
		return ""
	}
	return sess.TurnState.ActiveTurnPlayerID
}

// mutateSession edits live session state directly, for test setup that has
// no public path (shrinking remaining dice, back-dating heartbeats).
func (f *fixture) mutate(t *testing.T, sessionID string, fn func(sess *model.Session)) {
	t.Helper()
	err := f.store.Mutate(func(snap *model.Snapshot) error {
		sess := snap.MultiplayerSessions[sessionID]
		if sess == nil {
			return fmt.Errorf("session %s not found", sessionID)
		}
		fn(sess)
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
}

// playTurn rolls one die as the active player, banks it for its exact
// penalty, and ends the turn.
func (f *fixture) playTurn(t *testing.T, sessionID, playerID string) {
	t.Helper()
	roll, err := f.registry.TurnRoll(sessionID, playerID, 1, []dice.Spec{{ID: "d1", Sides: 6}})
	if err != nil {
		t.Fatalf("TurnRoll(%s): %v", playerID, err)
	}
	ids, points := selectAll(roll.Dice)
	if _, err := f.registry.TurnScore(sessionID, playerID, roll.ServerRollID, ids, points); err != nil {
		t.Fatalf("TurnScore(%s): %v", playerID, err)
	}
	if f.activePlayer(t, sessionID) != playerID {
		// Banking the last dice completes the round; no end needed.
		return
	}
	if err := f.registry.TurnEnd(sessionID, playerID); err != nil {
		t.Fatalf("TurnEnd(%s): %v", playerID, err)
	}
}

// selectAll returns every die id in the roll and their summed penalty.
func selectAll(rolled []dice.Die) ([]string, int) {
	ids := make([]string, 0, len(rolled))
	points := 0
	for _, d := range rolled {
		ids = append(ids, d.ID)
		points += d.Points()
	}
	return ids, points
}
