package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaosdice/server/internal/conduct"
	"github.com/chaosdice/server/internal/model"
)

type adminFixture struct {
	*fixture
	admin  *AdminService
	engine *conduct.Engine
}

func newAdminFixture(t *testing.T, terms ...string) *adminFixture {
	t.Helper()
	f := newFixture(t)
	engine := conduct.NewEngine(conduct.Options{}, terms...)
	adm := NewAdminService(f.store, nil, f.registry, engine)
	adm.now = f.clock.Now
	adm.startedAt = f.clock.Now()
	return &adminFixture{fixture: f, admin: adm, engine: engine}
}

type stubCounter int

func (s stubCounter) ConnectionCount() int { return int(s) }

func TestOverviewCounts(t *testing.T) {
	af := newAdminFixture(t, "badword")
	af.createSession(t, CreateOptions{BotCount: 2}, "host", "guest")
	af.admin.SetConnectionCounter(stubCounter(7))
	af.clock.Advance(90 * time.Second)

	ov := af.admin.Overview()
	if ov.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", ov.Sessions)
	}
	if ov.Participants != 4 || ov.Humans != 2 || ov.Bots != 2 {
		t.Errorf("participants = %d humans = %d bots = %d", ov.Participants, ov.Humans, ov.Bots)
	}
	if ov.SessionsByType[model.RoomTypePrivate] != 1 {
		t.Errorf("sessions by type = %v", ov.SessionsByType)
	}
	if ov.Connections != 7 {
		t.Errorf("connections = %d, want 7", ov.Connections)
	}
	if ov.BannedTerms != 1 {
		t.Errorf("banned terms = %d, want 1", ov.BannedTerms)
	}
	// Two humans joined, each holding an access and a refresh token.
	if ov.AccessTokens != 2 || ov.RefreshTokens != 2 {
		t.Errorf("tokens = %d/%d, want 2/2", ov.AccessTokens, ov.RefreshTokens)
	}
	if ov.UptimeSeconds != 90 {
		t.Errorf("uptime = %d, want 90", ov.UptimeSeconds)
	}
}

func TestUpsertTermDedupesAndRefreshesEngine(t *testing.T) {
	af := newAdminFixture(t)

	first, err := af.admin.UpsertTerm("mod-1", "  Grief  ", "reported twice")
	if err != nil {
		t.Fatalf("UpsertTerm: %v", err)
	}
	if first.Term != "Grief" {
		t.Errorf("term = %q, want trimmed", first.Term)
	}
	if _, hit := af.engine.ScanMessage("pure grief tonight"); !hit {
		t.Error("engine did not pick up the new term")
	}

	// Same term in a different case updates in place.
	second, err := af.admin.UpsertTerm("mod-2", "GRIEF", "still bad")
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("re-upsert created a new term: %s vs %s", second.ID, first.ID)
	}
	if got := len(af.admin.Terms()); got != 1 {
		t.Errorf("terms = %d, want 1", got)
	}
	if second.Note != "still bad" || second.AddedBy != "mod-2" {
		t.Errorf("updated term = %+v", second)
	}

	if _, err := af.admin.UpsertTerm("mod-1", "   ", ""); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("blank term error = %v, want %v", err, ErrInvalidAction)
	}
}

func TestRemoveTerm(t *testing.T) {
	af := newAdminFixture(t)
	rec, err := af.admin.UpsertTerm("mod-1", "grief", "")
	if err != nil {
		t.Fatalf("UpsertTerm: %v", err)
	}

	if err := af.admin.RemoveTerm("mod-1", rec.ID); err != nil {
		t.Fatalf("RemoveTerm: %v", err)
	}
	if af.engine.TermCount() != 0 {
		t.Error("engine still holds the removed term")
	}
	if len(af.admin.Terms()) != 0 {
		t.Error("term still listed")
	}

	if err := af.admin.RemoveTerm("mod-1", "no-such-id"); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("unknown id error = %v, want %v", err, ErrInvalidAction)
	}
}

func TestClearConduct(t *testing.T) {
	af := newAdminFixture(t)
	sessionID := af.createSession(t, CreateOptions{}, "host", "troll")
	af.mutate(t, sessionID, func(sess *model.Session) {
		until := af.clock.Now().Add(time.Minute)
		sess.ChatConduct = &model.ConductState{Players: map[string]*model.ConductRecord{
			"troll": {Strikes: 2, TotalStrikes: 5, IsMuted: true, MutedUntil: &until},
			"host":  {Strikes: 1, TotalStrikes: 1},
		}}
	})

	if err := af.admin.ClearConduct("mod-1", sessionID, "troll", false); err != nil {
		t.Fatalf("clear player: %v", err)
	}
	views, err := af.admin.SessionConduct(sessionID)
	if err != nil {
		t.Fatalf("SessionConduct: %v", err)
	}
	for _, v := range views {
		if v.PlayerID == "troll" {
			if v.Strikes != 0 || v.IsMuted {
				t.Errorf("troll record not cleared: %+v", v)
			}
			if v.TotalStrikes != 5 {
				t.Errorf("lifetime strikes = %d, want kept at 5", v.TotalStrikes)
			}
		}
	}

	if err := af.admin.ClearConduct("mod-1", sessionID, "troll", true); err != nil {
		t.Fatalf("clear with reset: %v", err)
	}
	if got := af.admin.PlayerConduct("troll"); len(got) != 0 {
		t.Errorf("player conduct after reset = %+v, want none", got)
	}

	if err := af.admin.ClearConduct("mod-1", sessionID, "", false); err != nil {
		t.Fatalf("clear session: %v", err)
	}
	views, err = af.admin.SessionConduct(sessionID)
	if err != nil {
		t.Fatalf("SessionConduct after session clear: %v", err)
	}
	if len(views) != 0 {
		t.Errorf("records after session clear = %+v, want none", views)
	}

	if err := af.admin.ClearConduct("mod-1", "no-such-session", "", false); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("unknown session error = %v, want %v", err, ErrSessionExpired)
	}
}

func TestAuditLogNewestFirst(t *testing.T) {
	af := newAdminFixture(t)
	for _, term := range []string{"one", "two", "three"} {
		if _, err := af.admin.UpsertTerm("mod-1", term, ""); err != nil {
			t.Fatalf("UpsertTerm(%s): %v", term, err)
		}
		af.clock.Advance(time.Second)
	}

	entries := af.admin.AuditLog(0, 0)
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Reason != "three" || entries[2].Reason != "one" {
		t.Errorf("order = [%s %s %s], want newest first",
			entries[0].Reason, entries[1].Reason, entries[2].Reason)
	}
	for _, e := range entries {
		if e.Action != "term_upsert" || e.Actor != "mod-1" {
			t.Errorf("entry = %+v", e)
		}
	}

	if got := af.admin.AuditLog(2, 0); len(got) != 2 {
		t.Errorf("limited = %d entries, want 2", len(got))
	}
	offset := af.admin.AuditLog(10, 2)
	if len(offset) != 1 || offset[0].Reason != "one" {
		t.Errorf("offset page = %+v, want just the oldest", offset)
	}
	if got := af.admin.AuditLog(10, 99); got != nil {
		t.Errorf("past-the-end page = %+v, want nil", got)
	}
}

func TestRoleLifecycle(t *testing.T) {
	af := newAdminFixture(t)

	if err := af.admin.UpsertRole("root", "p1", "janitor"); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("bad role error = %v, want %v", err, ErrInvalidAction)
	}
	if err := af.admin.UpsertRole("root", "p1", model.RoleModerator); err != nil {
		t.Fatalf("UpsertRole: %v", err)
	}
	if err := af.admin.UpsertRole("root", "p1", model.RoleAdmin); err != nil {
		t.Fatalf("promote: %v", err)
	}
	af.store.View(func(snap *model.Snapshot) {
		role := snap.Moderation.Roles["p1"]
		if role == nil || role.Role != model.RoleAdmin || role.GrantedBy != "root" {
			t.Errorf("role = %+v", role)
		}
	})

	if err := af.admin.RemoveRole("root", "p1"); err != nil {
		t.Fatalf("RemoveRole: %v", err)
	}
	if err := af.admin.RemoveRole("root", "p1"); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("double remove error = %v, want %v", err, ErrInvalidAction)
	}
}

func TestReloadTermsRestoresStoredTermsAfterRestart(t *testing.T) {
	af := newAdminFixture(t)
	if _, err := af.admin.UpsertTerm("mod-1", "grief", ""); err != nil {
		t.Fatalf("UpsertTerm: %v", err)
	}
	if _, hit := af.engine.ScanMessage("pure grief tonight"); !hit {
		t.Fatal("live engine does not enforce the upserted term")
	}

	// A restart builds a fresh engine seeded only with config terms; the
	// stored moderation terms must come back in on the reload.
	rebooted := conduct.NewEngine(conduct.Options{}, "cfgword")
	adm := NewAdminService(af.store, nil, af.registry, rebooted)
	if n := adm.ReloadTerms("cfgword"); n != 2 {
		t.Errorf("term count = %d, want config plus stored", n)
	}
	if _, hit := rebooted.ScanMessage("pure grief tonight"); !hit {
		t.Error("stored term not enforced after reload")
	}
	if _, hit := rebooted.ScanMessage("watch your cfgword"); !hit {
		t.Error("config term lost in reload")
	}

	// Removing the stored term and reloading drops it from the scanner.
	terms := adm.Terms()
	if len(terms) != 1 {
		t.Fatalf("terms = %d, want 1", len(terms))
	}
	if err := adm.RemoveTerm("mod-1", terms[0].ID); err != nil {
		t.Fatalf("RemoveTerm: %v", err)
	}
	adm.ReloadTerms("cfgword")
	if _, hit := rebooted.ScanMessage("pure grief tonight"); hit {
		t.Error("removed term still enforced after reload")
	}
}

type rehydrateRecorder struct {
	reasons []string
	forced  []bool
	err     error
}

func (r *rehydrateRecorder) Rehydrate(_ context.Context, reason string, force bool) error {
	r.reasons = append(r.reasons, reason)
	r.forced = append(r.forced, force)
	return r.err
}

func TestForceRehydrate(t *testing.T) {
	af := newAdminFixture(t)

	if err := af.admin.ForceRehydrate(context.Background(), "root", false); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("no rehydrator error = %v, want %v", err, ErrInvalidAction)
	}

	rec := &rehydrateRecorder{}
	af.admin.SetRehydrator(rec)
	if err := af.admin.ForceRehydrate(context.Background(), "root", true); err != nil {
		t.Fatalf("ForceRehydrate: %v", err)
	}
	if len(rec.reasons) != 1 || rec.reasons[0] != "admin_forced" || !rec.forced[0] {
		t.Errorf("rehydrate call = %v forced %v", rec.reasons, rec.forced)
	}
	entries := af.admin.AuditLog(10, 0)
	if len(entries) != 1 || entries[0].Action != "snapshot_rehydrate" || entries[0].Reason != "forced" {
		t.Errorf("audit = %+v", entries)
	}

	rec.err = errors.New("load failed")
	if err := af.admin.ForceRehydrate(context.Background(), "root", false); err == nil {
		t.Error("reload failure swallowed")
	}
	if got := af.admin.AuditLog(10, 0); len(got) != 1 {
		t.Errorf("audit after failed reload = %d entries, want still 1", len(got))
	}
}

func TestForceExpireSession(t *testing.T) {
	af := newAdminFixture(t)
	sessionID := af.createSession(t, CreateOptions{}, "host")

	if err := af.admin.ForceExpireSession("root", sessionID, "stress test cleanup"); err != nil {
		t.Fatalf("ForceExpireSession: %v", err)
	}
	if _, err := af.registry.SessionState(sessionID); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("session still reachable: %v", err)
	}
	entries := af.admin.AuditLog(10, 0)
	if len(entries) != 1 || entries[0].Action != "session_force_expire" || entries[0].Reason != "stress test cleanup" {
		t.Errorf("audit = %+v", entries)
	}
}

func TestRemoveParticipant(t *testing.T) {
	af := newAdminFixture(t)
	sessionID := af.createSession(t, CreateOptions{}, "host", "guest")

	if err := af.admin.RemoveParticipant("root", sessionID, "guest", ""); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	sess := af.session(t, sessionID)
	if _, ok := sess.Participants["guest"]; ok {
		t.Error("guest still in the session")
	}
	entries := af.admin.AuditLog(10, 0)
	if len(entries) != 1 || entries[0].Target != "guest" || entries[0].Reason != sessionID {
		t.Errorf("audit = %+v", entries)
	}
}
