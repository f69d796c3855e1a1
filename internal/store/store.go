// Package store owns the in-memory game state snapshot and its
// synchronization with a persistence adapter. The snapshot is the single
// authority: handlers and services mutate it through Store, and the
// SyncController decides when the durable copy catches up.
package store

import (
	"sync"

	"github.com/chaosdice/server/internal/model"
)

// Store guards the live snapshot. All reads go through View and all writes
// through Mutate so the snapshot is never observed mid-mutation.
type Store struct {
	mu   sync.RWMutex
	snap *model.Snapshot
}

// New creates a store seeded with the given snapshot, or a default one.
func New(snap *model.Snapshot) *Store {
	if snap == nil {
		snap = model.DefaultSnapshot()
	}
	snap.EnsureSections()
	return &Store{snap: snap}
}

// Mutate runs fn with exclusive access to the snapshot. If fn returns an
// error the snapshot keeps whatever fn did to it; callers that need
// all-or-nothing semantics validate before touching state.
func (s *Store) Mutate(fn func(*model.Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.snap)
}

// View runs fn with shared read access to the snapshot. fn must not retain
// references to snapshot internals past its return.
func (s *Store) View(fn func(*model.Snapshot)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.snap)
}

// CloneSnapshot returns a deep copy safe to serialize outside the lock.
func (s *Store) CloneSnapshot() (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Clone()
}

// Replace swaps the live snapshot wholesale. Used by rehydration after an
// adapter load; the new snapshot is section-repaired first.
func (s *Store) Replace(snap *model.Snapshot) {
	snap.EnsureSections()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}
