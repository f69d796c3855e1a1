package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/chaosdice/server/internal/model"
)

// PgAdapter persists the snapshot as one row per document in a single
// JSONB table keyed (section, doc_id). The table is named after the store
// prefix so multiple deployments can share a database. Like the Redis
// adapter it diffs against the last confirmed remote state so steady-state
// saves touch only the rows that changed.
type PgAdapter struct {
	db    *sql.DB
	table string

	mu   sync.Mutex
	prev sectionDocs
}

// ConnectPostgres opens a connection pool and verifies it.
func ConnectPostgres(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// NewPgAdapter creates an adapter on an established pool and ensures the
// backing table, named `<prefix>_docs`, exists.
func NewPgAdapter(ctx context.Context, db *sql.DB, prefix string) (*PgAdapter, error) {
	table := docTableName(prefix)
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			section    TEXT NOT NULL,
			doc_id     TEXT NOT NULL,
			doc        JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (section, doc_id)
		)`, table))
	if err != nil {
		return nil, fmt.Errorf("ensure %s table: %w", table, err)
	}
	return &PgAdapter{db: db, table: table}, nil
}

// docTableName builds the document table identifier from the store prefix.
// The prefix comes from config, not user input, but it still gets reduced
// to a safe SQL identifier since table names cannot be parameterized.
func docTableName(prefix string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(prefix) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			sb.WriteRune(r)
		}
	}
	cleaned := sb.String()
	if cleaned == "" || cleaned[0] >= '0' && cleaned[0] <= '9' {
		cleaned = "store" + cleaned
	}
	return cleaned + "_docs"
}

func (a *PgAdapter) Name() string { return "postgres" }

// Save diffs the snapshot against the last confirmed remote state and
// applies the changes inside a single transaction.
func (a *PgAdapter) Save(ctx context.Context, snap *model.Snapshot) error {
	next, err := snapshotDocs(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.prev
	if prev == nil {
		prev, err = a.loadRemoteShapes(ctx)
		if err != nil {
			return err
		}
	}

	changes := diffDocs(prev, next)
	if len(changes) == 0 {
		a.prev = next
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := applyPgChanges(ctx, tx, a.table, changes); err != nil {
		_ = tx.Rollback()
		a.prev = nil
		return err
	}
	if err := tx.Commit(); err != nil {
		a.prev = nil
		return fmt.Errorf("commit: %w", err)
	}
	a.prev = next
	return nil
}

func (a *PgAdapter) loadRemoteShapes(ctx context.Context) (sectionDocs, error) {
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`SELECT section, doc_id FROM %s`, a.table))
	if err != nil {
		return nil, fmt.Errorf("list store docs: %w", err)
	}
	defer rows.Close()

	shapes := make(sectionDocs, len(model.SectionNames))
	for _, section := range model.SectionNames {
		shapes[section] = make(map[string]json.RawMessage)
	}
	for rows.Next() {
		var section, id string
		if err := rows.Scan(&section, &id); err != nil {
			return nil, fmt.Errorf("scan store doc id: %w", err)
		}
		if shapes[section] == nil {
			shapes[section] = make(map[string]json.RawMessage)
		}
		shapes[section][id] = nil
	}
	return shapes, rows.Err()
}

func applyPgChanges(ctx context.Context, tx *sql.Tx, table string, changes []docChange) error {
	for _, change := range changes {
		ids := make([]string, 0, len(change.upserts))
		for id := range change.upserts {
			ids = append(ids, id)
		}
		for start := 0; start < len(ids); start += maxBatchOps {
			end := start + maxBatchOps
			if end > len(ids) {
				end = len(ids)
			}
			if err := upsertBatch(ctx, tx, table, change.section, ids[start:end], change.upserts); err != nil {
				return err
			}
		}

		for start := 0; start < len(change.deletes); start += maxBatchOps {
			end := start + maxBatchOps
			if end > len(change.deletes) {
				end = len(change.deletes)
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE section = $1 AND doc_id = ANY($2)`, table),
				change.section, pq.Array(change.deletes[start:end]),
			); err != nil {
				return fmt.Errorf("delete %s docs: %w", change.section, err)
			}
		}
	}
	return nil
}

// upsertBatch writes one multi-row INSERT ... ON CONFLICT for a slice of
// document IDs.
func upsertBatch(ctx context.Context, tx *sql.Tx, table, section string, ids []string, docs map[string]json.RawMessage) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO %s (section, doc_id, doc) VALUES `, table)
	args := make([]any, 0, len(ids)*3)
	for i, id := range ids {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d)", len(args)+1, len(args)+2, len(args)+3)
		args = append(args, section, id, string(docs[id]))
	}
	sb.WriteString(` ON CONFLICT (section, doc_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`)

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert %s docs: %w", section, err)
	}
	return nil
}

// Load reads every document row and assembles a snapshot. An empty table
// yields a default snapshot.
func (a *PgAdapter) Load(ctx context.Context) (*model.Snapshot, error) {
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`SELECT section, doc_id, doc FROM %s`, a.table))
	if err != nil {
		return nil, fmt.Errorf("load store docs: %w", err)
	}
	defer rows.Close()

	loaded := make(sectionDocs, len(model.SectionNames))
	for _, section := range model.SectionNames {
		loaded[section] = make(map[string]json.RawMessage)
	}
	empty := true
	for rows.Next() {
		var section, id string
		var doc []byte
		if err := rows.Scan(&section, &id, &doc); err != nil {
			return nil, fmt.Errorf("scan store doc: %w", err)
		}
		if loaded[section] == nil {
			// Unknown section, likely written by a newer build. Keep it
			// out of the snapshot but do not destroy it on save.
			log.Warn().Str("section", section).Msg("Ignoring unknown store section")
			continue
		}
		loaded[section][id] = json.RawMessage(doc)
		empty = false
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if empty {
		log.Info().Msg("Postgres store empty, seeding default snapshot")
	}

	snap := model.DefaultSnapshot()
	for _, section := range model.SectionNames {
		if len(loaded[section]) == 0 {
			continue
		}
		if err := snap.SetSectionDocs(section, loaded[section]); err != nil {
			return nil, fmt.Errorf("decode section %s: %w", section, err)
		}
	}
	snap.EnsureSections()

	a.mu.Lock()
	a.prev = loaded
	a.mu.Unlock()
	return snap, nil
}
