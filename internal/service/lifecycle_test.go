package service

import (
	"testing"
	"time"

	"github.com/chaosdice/server/internal/model"
	"github.com/chaosdice/server/pkg/dice"
)

func lobbySession(base time.Time) *model.Session {
	return &model.Session{
		SessionID: "s1",
		Participants: map[string]*model.Participant{
			"p1": {PlayerID: "p1", IsSeated: true, RemainingDice: dice.DefaultCount, JoinedAt: base},
			"p2": {PlayerID: "p2", IsSeated: true, RemainingDice: dice.DefaultCount, JoinedAt: base.Add(time.Millisecond)},
		},
	}
}

func TestIsGameInProgress(t *testing.T) {
	l := NewLifecycle(testConfig())
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		prep func(sess *model.Session)
		want bool
	}{
		{"fresh lobby", func(sess *model.Session) {}, false},
		{"idle initial turn state", func(sess *model.Session) { sess.Turn() }, false},
		{"mid-roll phase", func(sess *model.Session) { sess.Turn().Phase = model.PhaseAwaitScore }, true},
		{"later turn number", func(sess *model.Session) { sess.Turn().TurnNumber = 2 }, true},
		{"later round", func(sess *model.Session) { sess.Turn().Round = 2 }, true},
		{"banked points", func(sess *model.Session) { sess.Participants["p1"].Score = 4 }, true},
		{"spent dice", func(sess *model.Session) { sess.Participants["p1"].RemainingDice = 10 }, true},
		{"participant finished", func(sess *model.Session) { sess.Participants["p1"].IsComplete = true }, true},
		{"observer progress ignored", func(sess *model.Session) {
			sess.Participants["p1"].IsSeated = false
			sess.Participants["p1"].Score = 4
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := lobbySession(base)
			tt.prep(sess)
			if got := l.IsGameInProgress(sess); got != tt.want {
				t.Errorf("IsGameInProgress = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAreParticipantsComplete(t *testing.T) {
	l := NewLifecycle(testConfig())
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	sess := lobbySession(base)
	if l.AreParticipantsComplete(sess) {
		t.Error("incomplete seated players reported complete")
	}
	sess.Participants["p1"].IsComplete = true
	sess.Participants["p2"].IsComplete = true
	if !l.AreParticipantsComplete(sess) {
		t.Error("all-complete seated players reported incomplete")
	}

	// Fully stood-down room: only queued players keep it restartable.
	empty := lobbySession(base)
	empty.Participants["p1"].IsSeated = false
	empty.Participants["p2"].IsSeated = false
	if l.AreParticipantsComplete(empty) {
		t.Error("empty room with no queue reported complete")
	}
	empty.Participants["p2"].QueuedForNextGame = true
	if !l.AreParticipantsComplete(empty) {
		t.Error("queued player should make the empty room restartable")
	}
}

func TestCompleteRoundWithWinnerOrdersCompletionTimes(t *testing.T) {
	cfg := testConfig()
	l := NewLifecycle(cfg)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sess := lobbySession(base)
	sess.Participants["p3"] = &model.Participant{
		PlayerID: "p3", IsSeated: true, RemainingDice: dice.DefaultCount, JoinedAt: base.Add(2 * time.Millisecond),
	}
	sess.Turn().Order = []string{"p1", "p2", "p3"}
	sess.TurnState.ActiveTurnPlayerID = "p2"

	at := base.Add(time.Minute)
	l.CompleteRoundWithWinner(sess, "p2", at)

	winner := sess.Participants["p2"]
	if !winner.IsComplete || winner.RemainingDice != 0 || !winner.CompletedAt.Equal(at) {
		t.Errorf("winner = %+v, want complete at %v with zero dice", winner, at)
	}
	// Completion times are strictly increasing: winner first, the rest after.
	stamps := []*time.Time{winner.CompletedAt, sess.Participants["p1"].CompletedAt, sess.Participants["p3"].CompletedAt}
	for i, s := range stamps {
		if s == nil {
			t.Fatalf("participant %d has no completion time", i)
		}
	}
	seen := map[time.Time]bool{}
	for _, s := range stamps {
		if seen[*s] {
			t.Errorf("duplicate completion time %v", *s)
		}
		seen[*s] = true
		if s != stamps[0] && !stamps[0].Before(*s) {
			t.Errorf("winner at %v does not precede %v", *stamps[0], *s)
		}
	}

	turn := sess.TurnState
	if turn.ActiveTurnPlayerID != "" || turn.Phase != model.PhaseAwaitRoll {
		t.Errorf("turn machine not idle: %+v", turn)
	}
	if sess.NextGameStartsAt == nil || !sess.NextGameStartsAt.Equal(at.Add(cfg.NextGameDelay)) {
		t.Errorf("next game at %v, want %v", sess.NextGameStartsAt, at.Add(cfg.NextGameDelay))
	}
	if sess.PostGameIdleExpiresAt == nil {
		t.Error("idle deadline not armed")
	}
}

func TestSchedulePostGameIsIdempotent(t *testing.T) {
	cfg := testConfig()
	l := NewLifecycle(cfg)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sess := lobbySession(base)

	l.SchedulePostGame(sess, base)
	first := *sess.NextGameStartsAt
	firstIdle := *sess.PostGameIdleExpiresAt

	// Later activity extends the idle window but never moves the restart.
	l.MarkPostGameAction(sess, base.Add(30*time.Second))
	if !sess.NextGameStartsAt.Equal(first) {
		t.Errorf("restart deadline moved from %v to %v", first, *sess.NextGameStartsAt)
	}
	if !sess.PostGameIdleExpiresAt.After(firstIdle) {
		t.Errorf("idle deadline did not extend: %v -> %v", firstIdle, *sess.PostGameIdleExpiresAt)
	}
}

func TestMarkPostGameActionOutsideWindowIsNoop(t *testing.T) {
	l := NewLifecycle(testConfig())
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sess := lobbySession(base)

	l.MarkPostGameAction(sess, base)
	if sess.NextGameStartsAt != nil || sess.PostGameIdleExpiresAt != nil {
		t.Error("activity outside the post-game window armed lifecycle deadlines")
	}
}

func TestResetForNextGame(t *testing.T) {
	l := NewLifecycle(testConfig())
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sess := lobbySession(base)
	sess.Participants["bot"] = &model.Participant{PlayerID: "bot", IsBot: true, IsSeated: true, JoinedAt: base}
	done := base.Add(time.Minute)
	for _, p := range sess.Participants {
		p.Score = 9
		p.RemainingDice = 0
		p.IsComplete = true
		p.CompletedAt = &done
		p.QueuedForNextGame = true
		p.TurnTimeoutCount = 2
	}
	l.SchedulePostGame(sess, done)
	sess.TurnState = &model.TurnState{Round: 4, TurnNumber: 17}

	at := done.Add(time.Minute)
	l.ResetForNextGame(sess, at)

	for id, p := range sess.Participants {
		if p.Score != 0 || p.RemainingDice != dice.DefaultCount || p.IsComplete || p.CompletedAt != nil {
			t.Errorf("%s not reset: %+v", id, p)
		}
		if p.QueuedForNextGame || p.TurnTimeoutCount != 0 {
			t.Errorf("%s keeps stale queue or strike state", id)
		}
	}
	if !sess.Participants["bot"].IsReady {
		t.Error("bots must come back ready")
	}
	if sess.NextGameStartsAt != nil || sess.PostGameIdleExpiresAt != nil || sess.PostGameActivityAt != nil {
		t.Error("post-game deadlines survived the reset")
	}
	turn := sess.TurnState
	if turn == nil || turn.Round != 1 || turn.TurnNumber != 1 {
		t.Errorf("turn state not fresh: %+v", turn)
	}
	if sess.GameStartedAt == nil || !sess.GameStartedAt.Equal(at) {
		t.Errorf("game start = %v, want %v", sess.GameStartedAt, at)
	}
}
