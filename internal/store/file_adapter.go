package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog/log"

	"github.com/chaosdice/server/internal/model"
)

// FileAdapter persists the snapshot as a single JSON document on disk.
// Writes are atomic (write-to-temp, fsync, rename) so a crash mid-save
// never leaves a truncated store behind.
type FileAdapter struct {
	path string
}

// NewFileAdapter creates a file adapter writing to path.
func NewFileAdapter(path string) *FileAdapter {
	return &FileAdapter{path: path}
}

func (a *FileAdapter) Name() string { return "file" }

// Save atomically replaces the store file with the snapshot.
func (a *FileAdapter) Save(_ context.Context, snap *model.Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	pf, err := renameio.NewPendingFile(a.path, renameio.WithPermissions(0o644), renameio.WithExistingPermissions())
	if err != nil {
		return fmt.Errorf("create pending store file: %w", err)
	}
	defer pf.Cleanup()

	if _, err := pf.Write(data); err != nil {
		return fmt.Errorf("write store file: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

// Load reads the store file. A missing file seeds a default snapshot; a
// malformed file is moved aside so the evidence survives, and a default
// snapshot is returned in its place.
func (a *FileAdapter) Load(ctx context.Context) (*model.Snapshot, error) {
	data, err := os.ReadFile(a.path)
	if os.IsNotExist(err) {
		log.Info().Str("path", a.path).Msg("Store file missing, seeding default snapshot")
		snap := model.DefaultSnapshot()
		if err := a.Save(ctx, snap); err != nil {
			return nil, err
		}
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store file: %w", err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		quarantine := fmt.Sprintf("%s.corrupt-%d", a.path, time.Now().Unix())
		if renameErr := os.Rename(a.path, quarantine); renameErr != nil {
			return nil, fmt.Errorf("store file corrupt and could not be moved aside: %v (parse error: %w)", renameErr, err)
		}
		log.Error().Err(err).Str("path", a.path).Str("quarantine", quarantine).
			Msg("Store file corrupt, moved aside and reset to default")
		snapDefault := model.DefaultSnapshot()
		if saveErr := a.Save(ctx, snapDefault); saveErr != nil {
			return nil, saveErr
		}
		return snapDefault, nil
	}

	snap.EnsureSections()
	return &snap, nil
}
