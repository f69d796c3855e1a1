package store

import (
	"encoding/json"
	"sort"
	"testing"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestDiffSection(t *testing.T) {
	prev := map[string]json.RawMessage{
		"keep":    raw(`{"v":1}`),
		"change":  raw(`{"v":1}`),
		"removed": raw(`{"v":1}`),
	}
	next := map[string]json.RawMessage{
		"keep":   raw(`{"v":1}`),
		"change": raw(`{"v":2}`),
		"added":  raw(`{"v":3}`),
	}

	change := diffSection("players", prev, next)

	if len(change.upserts) != 2 {
		t.Fatalf("upserts = %v, want change and added only", change.upserts)
	}
	if string(change.upserts["change"]) != `{"v":2}` {
		t.Errorf("changed doc not carried: %s", change.upserts["change"])
	}
	if _, ok := change.upserts["added"]; !ok {
		t.Error("added doc missing from upserts")
	}
	if _, ok := change.upserts["keep"]; ok {
		t.Error("unchanged doc should not be rewritten")
	}
	if len(change.deletes) != 1 || change.deletes[0] != "removed" {
		t.Errorf("deletes = %v, want [removed]", change.deletes)
	}
}

func TestDiffSectionAgainstUnknownPrev(t *testing.T) {
	// nil-bodied prev entries model "ID exists remotely, content unknown":
	// every live doc must be rewritten and orphans deleted.
	prev := map[string]json.RawMessage{
		"a":      nil,
		"orphan": nil,
	}
	next := map[string]json.RawMessage{
		"a": raw(`{"v":1}`),
	}

	change := diffSection("players", prev, next)
	if len(change.upserts) != 1 {
		t.Fatalf("upserts = %v, want a rewritten", change.upserts)
	}
	if len(change.deletes) != 1 || change.deletes[0] != "orphan" {
		t.Errorf("deletes = %v, want [orphan]", change.deletes)
	}
}

func TestDiffDocsSkipsCleanSections(t *testing.T) {
	prev := sectionDocs{
		"players":      {"p1": raw(`{"v":1}`)},
		"playerScores": {"p1": raw(`{"w":1}`)},
	}
	next := sectionDocs{
		"players":      {"p1": raw(`{"v":1}`)},
		"playerScores": {"p1": raw(`{"w":2}`)},
	}

	changes := diffDocs(prev, next)
	var sections []string
	for _, c := range changes {
		sections = append(sections, c.section)
	}
	sort.Strings(sections)
	if len(sections) != 1 || sections[0] != "playerScores" {
		t.Errorf("changed sections = %v, want [playerScores]", sections)
	}
}

func TestDocTableName(t *testing.T) {
	cases := []struct {
		name   string
		prefix string
		want   string
	}{
		{"plain", "chaosdice", "chaosdice_docs"},
		{"mixed case and punctuation", "Chaos-Dice.EU", "chaosdiceeu_docs"},
		{"empty", "", "store_docs"},
		{"leading digit", "2nd", "store2nd_docs"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := docTableName(tc.prefix); got != tc.want {
				t.Errorf("docTableName(%q) = %q, want %q", tc.prefix, got, tc.want)
			}
		})
	}
}
