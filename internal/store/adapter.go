package store

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/chaosdice/server/internal/model"
)

// Adapter persists snapshots to a durable backend and loads them back.
// Save receives a deep copy the controller owns, so adapters may retain
// or mutate it freely.
type Adapter interface {
	Name() string
	Save(ctx context.Context, snap *model.Snapshot) error
	Load(ctx context.Context) (*model.Snapshot, error)
}

// sectionDocs is the per-section document view remote adapters diff
// against their last known remote state.
type sectionDocs map[string]map[string]json.RawMessage

// snapshotDocs explodes a snapshot into per-section documents.
func snapshotDocs(snap *model.Snapshot) (sectionDocs, error) {
	out := make(sectionDocs, len(model.SectionNames))
	for _, section := range model.SectionNames {
		docs, err := snap.SectionDocs(section)
		if err != nil {
			return nil, err
		}
		out[section] = docs
	}
	return out, nil
}

// docChange lists the writes and deletes needed to move one section of the
// remote backend from prev to next.
type docChange struct {
	section string
	upserts map[string]json.RawMessage
	deletes []string
}

func (c docChange) empty() bool {
	return len(c.upserts) == 0 && len(c.deletes) == 0
}

// diffSection computes the minimal change set for one section. Docs are
// compared by serialized bytes; an unchanged doc produces no write.
func diffSection(section string, prev, next map[string]json.RawMessage) docChange {
	change := docChange{section: section, upserts: make(map[string]json.RawMessage)}
	for id, doc := range next {
		if old, ok := prev[id]; !ok || !bytes.Equal(old, doc) {
			change.upserts[id] = doc
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			change.deletes = append(change.deletes, id)
		}
	}
	return change
}

// diffDocs computes change sets for every section, in stable section order.
func diffDocs(prev, next sectionDocs) []docChange {
	changes := make([]docChange, 0, len(model.SectionNames))
	for _, section := range model.SectionNames {
		change := diffSection(section, prev[section], next[section])
		if !change.empty() {
			changes = append(changes, change)
		}
	}
	return changes
}

// maxBatchOps bounds how many document operations a single remote
// round-trip carries.
const maxBatchOps = 400
