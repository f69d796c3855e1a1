package dice

import (
	"testing"
)

func TestRoll_Deterministic(t *testing.T) {
	seed := Seed{SessionID: "sess-1", TurnNumber: 3, PlayerID: "p1", Nonce: "abc"}
	specs := []Spec{{ID: "d6-a", Sides: 6}, {ID: "d8-a", Sides: 8}, {ID: "d20-a", Sides: 20}}

	first := Roll(seed, specs)
	second := Roll(seed, specs)

	if len(first) != len(specs) {
		t.Fatalf("expected %d dice, got %d", len(specs), len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("die %d differs across identical seeds: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestRoll_SeedSensitive(t *testing.T) {
	specs := []Spec{{ID: "a", Sides: 20}, {ID: "b", Sides: 20}, {ID: "c", Sides: 20}, {ID: "d", Sides: 20}}
	base := Seed{SessionID: "sess-1", TurnNumber: 1, PlayerID: "p1", Nonce: "n"}
	other := base
	other.Nonce = "m"

	a := Roll(base, specs)
	b := Roll(other, specs)

	same := true
	for i := range a {
		if a[i].Value != b[i].Value {
			same = false
		}
	}
	if same {
		t.Error("different nonces produced identical values for 4 d20s")
	}
}

func TestRoll_ValuesInRange(t *testing.T) {
	for turn := 1; turn <= 50; turn++ {
		seed := Seed{SessionID: "s", TurnNumber: turn, PlayerID: "p", Nonce: "n"}
		for _, d := range Roll(seed, []Spec{{ID: "a", Sides: 4}, {ID: "b", Sides: 6}, {ID: "c", Sides: 12}}) {
			if d.Value < 1 || d.Value > d.Sides {
				t.Fatalf("die %s value %d out of range 1..%d", d.ID, d.Value, d.Sides)
			}
		}
	}
}

func TestNewRollID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRollID()
		if len(id) != 26 {
			t.Fatalf("roll id %q has length %d, want 26", id, len(id))
		}
		for _, c := range id {
			ok := (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z' && c != 'I' && c != 'L' && c != 'O' && c != 'U')
			if !ok {
				t.Fatalf("roll id %q contains invalid character %q", id, c)
			}
		}
		if seen[id] {
			t.Fatalf("roll id %q repeated", id)
		}
		seen[id] = true
	}
}

func TestScoreSelection(t *testing.T) {
	rolled := []Die{
		{ID: "d6-a", Sides: 6, Value: 4},
		{ID: "d8-a", Sides: 8, Value: 8},
		{ID: "d6-b", Sides: 6, Value: 1},
	}

	tests := []struct {
		name       string
		ids        []string
		wantPoints int
		wantErr    bool
	}{
		{"single die", []string{"d6-a"}, 2, false},
		{"perfect die", []string{"d8-a"}, 0, false},
		{"all three", []string{"d6-a", "d8-a", "d6-b"}, 7, false},
		{"unknown die", []string{"nope"}, 0, true},
		{"duplicate selection", []string{"d6-a", "d6-a"}, 0, true},
		{"empty selection", nil, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			points, err := ScoreSelection(rolled, tt.ids)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ScoreSelection() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && points != tt.wantPoints {
				t.Errorf("ScoreSelection() = %d, want %d", points, tt.wantPoints)
			}
		})
	}
}
