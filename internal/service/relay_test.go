package service

import (
	"testing"
	"time"

	"github.com/chaosdice/server/internal/conduct"
	"github.com/chaosdice/server/internal/filter"
	"github.com/chaosdice/server/internal/model"
)

// newRelayFixture wires the production filter stack over a test registry.
func newRelayFixture(t *testing.T, opts conduct.Options, terms ...string) (*fixture, *Relay) {
	t.Helper()
	f := newFixture(t)
	engine := conduct.NewEngine(opts, terms...)
	filters := filter.NewRegistry()
	for _, flt := range []filter.Filter{
		conduct.SenderRestrictionFilter(),
		conduct.MuteFilter(engine),
		conduct.ConductFilter(engine),
		conduct.InteractionFilter(),
	} {
		if err := filters.Register(flt); err != nil {
			t.Fatalf("register %s: %v", flt.ID, err)
		}
	}
	return f, NewRelay(f.registry, filters)
}

func TestRoomChannelBroadcast(t *testing.T) {
	f, relay := newRelayFixture(t, conduct.Options{}, "badword")
	sessionID := f.createSession(t, CreateOptions{}, "p1", "p2")
	f.caster.reset()

	verdict, err := relay.RoomChannel(sessionID, "p1", map[string]any{
		"channel": ChannelPublic,
		"message": "nice roll",
	})
	if err != nil {
		t.Fatalf("RoomChannel: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("clean message blocked: %+v", verdict)
	}

	frames := f.caster.byType(FrameRoomChannel)
	if len(frames) != 1 {
		t.Fatalf("room_channel frames = %d, want 1", len(frames))
	}
	fr := frames[0]
	if fr.Target != "" {
		t.Error("public channel message should broadcast")
	}
	if fr.Data["playerId"] != "p1" || fr.Data["sessionId"] != sessionID {
		t.Errorf("sender fields not server-stamped: %+v", fr.Data)
	}
}

func TestRoomChannelRejectsForgedSenderFields(t *testing.T) {
	f, relay := newRelayFixture(t, conduct.Options{})
	sessionID := f.createSession(t, CreateOptions{}, "p1", "p2")
	f.caster.reset()

	if _, err := relay.RoomChannel(sessionID, "p1", map[string]any{
		"channel":  ChannelPublic,
		"message":  "hello",
		"playerId": "p2",
		"type":     "admin_broadcast",
	}); err != nil {
		t.Fatalf("RoomChannel: %v", err)
	}
	fr := f.caster.byType(FrameRoomChannel)[0]
	if fr.Data["playerId"] != "p1" {
		t.Errorf("forged playerId survived: %v", fr.Data["playerId"])
	}
	if fr.Type != FrameRoomChannel {
		t.Errorf("forged type survived: %v", fr.Type)
	}
}

func TestRoomChannelBlocksNonParticipants(t *testing.T) {
	f, relay := newRelayFixture(t, conduct.Options{})
	sessionID := f.createSession(t, CreateOptions{}, "p1")

	verdict, err := relay.RoomChannel(sessionID, "stranger", map[string]any{
		"channel": ChannelPublic,
		"message": "let me in",
	})
	if err != nil {
		t.Fatalf("RoomChannel: %v", err)
	}
	if verdict.Allowed || verdict.Code != "room_channel_blocked" {
		t.Errorf("verdict = %+v, want room_channel_blocked", verdict)
	}
}

func TestRoomChannelConductStrikesAndMute(t *testing.T) {
	f, relay := newRelayFixture(t, conduct.Options{StrikeLimit: 2, MuteDuration: 5 * time.Minute}, "badword")
	sessionID := f.startGame(t, CreateOptions{}, "p1", "p2")

	// First strike: blocked with a warning, not yet muted.
	verdict, err := relay.RoomChannel(sessionID, "p1", map[string]any{
		"channel": ChannelPublic, "message": "such a badword",
	})
	if err != nil {
		t.Fatalf("RoomChannel: %v", err)
	}
	if verdict.Allowed || verdict.Code != "room_channel_message_blocked" {
		t.Fatalf("first strike verdict = %+v", verdict)
	}
	if muted, _ := verdict.Payload["muted"].(bool); muted {
		t.Error("muted on the first strike")
	}

	// Second strike trips the mute.
	verdict, err = relay.RoomChannel(sessionID, "p1", map[string]any{
		"channel": ChannelPublic, "message": "badword again",
	})
	if err != nil {
		t.Fatalf("RoomChannel: %v", err)
	}
	if muted, _ := verdict.Payload["muted"].(bool); !muted {
		t.Errorf("second strike did not mute: %+v", verdict)
	}

	// While muted even clean messages bounce off the preflight.
	verdict, err = relay.RoomChannel(sessionID, "p1", map[string]any{
		"channel": ChannelPublic, "message": "sorry",
	})
	if err != nil {
		t.Fatalf("RoomChannel: %v", err)
	}
	if verdict.Allowed || verdict.Code != "room_channel_sender_muted" {
		t.Errorf("muted sender verdict = %+v", verdict)
	}

	// Strikes persisted on session conduct state.
	rec := f.session(t, sessionID).ChatConduct.Players["p1"]
	if rec == nil || rec.Strikes != 2 || !rec.IsMuted {
		t.Errorf("conduct record = %+v, want 2 strikes and muted", rec)
	}
}

func TestRoomChannelAutoBan(t *testing.T) {
	f, relay := newRelayFixture(t, conduct.Options{StrikeLimit: 10, AutoBanStrikes: 2}, "badword")
	sessionID := f.createSession(t, CreateOptions{}, "host", "troll")
	if err := f.registry.UpdateParticipantState(sessionID, "troll", ActionSit); err != nil {
		t.Fatalf("sit: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := relay.RoomChannel(sessionID, "troll", map[string]any{
			"channel": ChannelPublic, "message": "badword",
		}); err != nil {
			t.Fatalf("RoomChannel strike %d: %v", i+1, err)
		}
	}

	sess := f.session(t, sessionID)
	if !sess.Banned("troll") {
		t.Error("auto-ban threshold did not ban the sender")
	}
	if sess.Participants["troll"] != nil {
		t.Error("banned sender still in the session")
	}
}

func TestRoomChannelDirectRespectsBlocks(t *testing.T) {
	f, relay := newRelayFixture(t, conduct.Options{})
	sessionID := f.createSession(t, CreateOptions{}, "p1", "p2")
	err := f.store.Mutate(func(snap *model.Snapshot) error {
		snap.Players["p2"].Blocked = []string{"p1"}
		return nil
	})
	if err != nil {
		t.Fatalf("set block list: %v", err)
	}

	verdict, err := relay.RoomChannel(sessionID, "p1", map[string]any{
		"channel":        ChannelDirect,
		"targetPlayerId": "p2",
		"message":        "psst",
	})
	if err != nil {
		t.Fatalf("RoomChannel: %v", err)
	}
	if verdict.Allowed || verdict.Code != "room_channel_blocked" {
		t.Errorf("verdict = %+v, want room_channel_blocked", verdict)
	}
}

func TestRoomChannelDirectDeliversToBothEnds(t *testing.T) {
	f, relay := newRelayFixture(t, conduct.Options{})
	sessionID := f.createSession(t, CreateOptions{}, "p1", "p2")
	f.caster.reset()

	verdict, err := relay.RoomChannel(sessionID, "p1", map[string]any{
		"channel":        ChannelDirect,
		"targetPlayerId": "p2",
		"message":        "psst",
	})
	if err != nil {
		t.Fatalf("RoomChannel: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("direct message blocked: %+v", verdict)
	}

	frames := f.caster.byType(FrameRoomChannel)
	if len(frames) != 2 {
		t.Fatalf("direct frames = %d, want sender echo plus target copy", len(frames))
	}
	targets := map[string]bool{}
	for _, fr := range frames {
		if fr.Target == "" {
			t.Error("direct message broadcast instead of targeted")
		}
		targets[fr.Target] = true
	}
	if !targets["p1"] || !targets["p2"] {
		t.Errorf("targets = %v, want both p1 and p2", targets)
	}
}

func TestRelayFrameDirectTarget(t *testing.T) {
	f, relay := newRelayFixture(t, conduct.Options{})
	sessionID := f.createSession(t, CreateOptions{}, "p1", "p2")
	f.caster.reset()

	verdict, err := relay.RelayFrame(sessionID, "p1", FrameChaosAttack, map[string]any{
		"targetPlayerId": "p2",
		"effect":         "swap",
	})
	if err != nil {
		t.Fatalf("RelayFrame: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("verdict = %+v", verdict)
	}
	frames := f.caster.byType(FrameChaosAttack)
	if len(frames) != 1 || frames[0].Target != "p2" {
		t.Errorf("frames = %+v, want one targeted at p2", frames)
	}
}

func TestRelayFrameBlockedTarget(t *testing.T) {
	f, relay := newRelayFixture(t, conduct.Options{})
	sessionID := f.createSession(t, CreateOptions{}, "p1", "p2")
	err := f.store.Mutate(func(snap *model.Snapshot) error {
		snap.Players["p1"].Blocked = []string{"p2"}
		return nil
	})
	if err != nil {
		t.Fatalf("set block list: %v", err)
	}
	f.caster.reset()

	verdict, err := relay.RelayFrame(sessionID, "p1", FrameParticleEmit, map[string]any{
		"targetPlayerId": "p2",
	})
	if err != nil {
		t.Fatalf("RelayFrame: %v", err)
	}
	if verdict.Allowed || verdict.Code != "interaction_blocked" {
		t.Errorf("verdict = %+v, want interaction_blocked", verdict)
	}
	if frames := f.caster.byType(FrameParticleEmit); len(frames) != 0 {
		t.Errorf("blocked frame still delivered: %+v", frames)
	}
}

func TestRelayFrameBroadcastWithoutTarget(t *testing.T) {
	f, relay := newRelayFixture(t, conduct.Options{})
	sessionID := f.createSession(t, CreateOptions{}, "p1")
	f.caster.reset()

	if _, err := relay.RelayFrame(sessionID, "p1", FrameGameUpdate, map[string]any{"event": "taunt"}); err != nil {
		t.Fatalf("RelayFrame: %v", err)
	}
	frames := f.caster.byType(FrameGameUpdate)
	if len(frames) != 1 || frames[0].Target != "" {
		t.Errorf("frames = %+v, want one broadcast", frames)
	}
}
