package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDefaultSnapshotSections(t *testing.T) {
	snap := DefaultSnapshot()
	for _, section := range SectionNames {
		docs, err := snap.SectionDocs(section)
		if err != nil {
			t.Fatalf("SectionDocs(%s): %v", section, err)
		}
		if section == SectionModeration {
			// Moderation always carries its three sub-maps.
			if len(docs) != 3 {
				t.Errorf("moderation docs = %d, want 3", len(docs))
			}
			continue
		}
		if len(docs) != 0 {
			t.Errorf("section %s not empty in default snapshot", section)
		}
	}
}

func TestSnapshotCloneIsDeep(t *testing.T) {
	snap := DefaultSnapshot()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap.MultiplayerSessions["s1"] = &Session{
		SessionID:      "s1",
		RoomCode:       "ABC123",
		RoomType:       RoomTypePrivate,
		GameDifficulty: DifficultyNormal,
		MaxHumanCount:  4,
		CreatedAt:      now,
		LastActivityAt: now,
		Participants: map[string]*Participant{
			"p1": {PlayerID: "p1", DisplayName: "Host", IsSeated: true, RemainingDice: 15, JoinedAt: now, LastSeenAt: now},
		},
	}
	snap.Players["p1"] = &Player{ID: "p1", DisplayName: "Host", CreatedAt: now, UpdatedAt: now}

	clone, err := snap.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	clone.MultiplayerSessions["s1"].Participants["p1"].Score = 42
	clone.Players["p1"].DisplayName = "Renamed"

	if snap.MultiplayerSessions["s1"].Participants["p1"].Score != 0 {
		t.Error("mutating clone participant leaked into original")
	}
	if snap.Players["p1"].DisplayName != "Host" {
		t.Error("mutating clone player leaked into original")
	}
}

func TestEnsureSectionsRepairsNilMaps(t *testing.T) {
	var snap Snapshot
	snap.EnsureSections()

	if snap.AccessTokens == nil || snap.RefreshTokens == nil {
		t.Fatal("token buckets not created")
	}
	if snap.Moderation == nil || snap.Moderation.AuditLog == nil {
		t.Fatal("moderation sub-maps not created")
	}

	// A session loaded without participants must still be indexable.
	snap.MultiplayerSessions["s1"] = &Session{SessionID: "s1"}
	snap.EnsureSections()
	if snap.MultiplayerSessions["s1"].Participants == nil {
		t.Fatal("session participants map not created")
	}
}

func TestPlayerExtraFieldsRoundTrip(t *testing.T) {
	legacy := []byte(`{"id":"p1","displayName":"Ada","legacyRank":"gold","stats":{"wins":3},"createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z"}`)

	var p Player
	if err := json.Unmarshal(legacy, &p); err != nil {
		t.Fatalf("unmarshal legacy player: %v", err)
	}
	if p.DisplayName != "Ada" {
		t.Errorf("displayName = %q", p.DisplayName)
	}
	if len(p.Extra) != 2 {
		t.Fatalf("extra fields = %d, want 2 (legacyRank, stats)", len(p.Extra))
	}

	p.DisplayName = "Ada L."
	out, err := json.Marshal(&p)
	if err != nil {
		t.Fatalf("marshal player: %v", err)
	}

	var round map[string]json.RawMessage
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("re-parse marshalled player: %v", err)
	}
	if string(round["legacyRank"]) != `"gold"` {
		t.Errorf("legacyRank lost: %s", round["legacyRank"])
	}
	if string(round["displayName"]) != `"Ada L."` {
		t.Errorf("updated displayName lost: %s", round["displayName"])
	}
}

func TestSectionDocsRoundTrip(t *testing.T) {
	snap := DefaultSnapshot()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	snap.AccessTokens["hash1"] = &TokenRecord{PlayerID: "p1", SessionID: "s1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	snap.AccessTokens["hash2"] = &TokenRecord{PlayerID: "p2", SessionID: "s1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}

	docs, err := snap.SectionDocs(SectionAccessTokens)
	if err != nil {
		t.Fatalf("SectionDocs: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("docs = %d, want 2", len(docs))
	}

	restored := DefaultSnapshot()
	if err := restored.SetSectionDocs(SectionAccessTokens, docs); err != nil {
		t.Fatalf("SetSectionDocs: %v", err)
	}
	rec := restored.AccessTokens["hash1"]
	if rec == nil || rec.PlayerID != "p1" || rec.SessionID != "s1" {
		t.Errorf("restored record mismatch: %+v", rec)
	}
}

func TestTurnStateOrderHelpers(t *testing.T) {
	ts := &TurnState{Order: []string{"a", "b", "c"}}
	if !ts.InOrder("b") {
		t.Error("expected b in order")
	}
	ts.RemoveFromOrder("b")
	if ts.InOrder("b") {
		t.Error("b still in order after removal")
	}
	if len(ts.Order) != 2 || ts.Order[0] != "a" || ts.Order[1] != "c" {
		t.Errorf("order after removal = %v", ts.Order)
	}
}

func TestParticipantListDeterministic(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := &Session{Participants: map[string]*Participant{
		"z": {PlayerID: "z", JoinedAt: base},
		"a": {PlayerID: "a", JoinedAt: base},
		"m": {PlayerID: "m", JoinedAt: base.Add(-time.Minute)},
	}}
	list := s.ParticipantList()
	got := []string{list[0].PlayerID, list[1].PlayerID, list[2].PlayerID}
	want := []string{"m", "a", "z"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("participant order = %v, want %v", got, want)
		}
	}
}

func TestTokenRecordExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rec := &TokenRecord{ExpiresAt: now.Add(time.Hour)}
	if rec.Expired(now) {
		t.Error("fresh token reported expired")
	}
	if !rec.Expired(now.Add(time.Hour)) {
		t.Error("token at expiry instant should be expired")
	}
}
