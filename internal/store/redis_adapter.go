package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/chaosdice/server/internal/model"
)

// RedisAdapter persists the snapshot as one hash per section, keyed
// "<prefix>_<section>" with document IDs as fields. Saves are incremental:
// only documents that changed since the last successful save are written.
type RedisAdapter struct {
	client *redis.Client
	prefix string

	mu   sync.Mutex
	prev sectionDocs // last state confirmed on the remote, nil = unknown
}

// NewRedisClient connects to Redis from a URL and verifies the connection.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedisAdapter creates an adapter on an established client.
func NewRedisAdapter(client *redis.Client, prefix string) *RedisAdapter {
	return &RedisAdapter{client: client, prefix: prefix}
}

func (a *RedisAdapter) Name() string { return "redis" }

func (a *RedisAdapter) sectionKey(section string) string {
	return a.prefix + "_" + section
}

// Save diffs the snapshot against the last confirmed remote state and
// applies only the changes, batched through pipelines.
func (a *RedisAdapter) Save(ctx context.Context, snap *model.Snapshot) error {
	next, err := snapshotDocs(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.prev
	if prev == nil {
		// Remote state unknown (first save, or a previous save failed
		// mid-batch): reconcile against whatever is there now.
		prev, err = a.loadRemoteShapes(ctx)
		if err != nil {
			return err
		}
	}

	changes := diffDocs(prev, next)
	if err := a.applyChanges(ctx, changes); err != nil {
		a.prev = nil
		return err
	}
	a.prev = next
	return nil
}

// loadRemoteShapes fetches only the document IDs present per section, with
// empty bodies. Diffing against it rewrites every live document and
// deletes orphans, which is exactly the reconciliation a full save needs.
func (a *RedisAdapter) loadRemoteShapes(ctx context.Context) (sectionDocs, error) {
	shapes := make(sectionDocs, len(model.SectionNames))
	for _, section := range model.SectionNames {
		ids, err := a.client.HKeys(ctx, a.sectionKey(section)).Result()
		if err != nil {
			return nil, fmt.Errorf("hkeys %s: %w", section, err)
		}
		docs := make(map[string]json.RawMessage, len(ids))
		for _, id := range ids {
			docs[id] = nil
		}
		shapes[section] = docs
	}
	return shapes, nil
}

func (a *RedisAdapter) applyChanges(ctx context.Context, changes []docChange) error {
	pipe := a.client.Pipeline()
	ops := 0
	flush := func() error {
		if ops == 0 {
			return nil
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("exec pipeline: %w", err)
		}
		pipe = a.client.Pipeline()
		ops = 0
		return nil
	}

	for _, change := range changes {
		key := a.sectionKey(change.section)
		for id, doc := range change.upserts {
			pipe.HSet(ctx, key, id, string(doc))
			ops++
			if ops >= maxBatchOps {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		for _, id := range change.deletes {
			pipe.HDel(ctx, key, id)
			ops++
			if ops >= maxBatchOps {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	return flush()
}

// Load reads every section hash and assembles a snapshot. An empty remote
// yields a default snapshot.
func (a *RedisAdapter) Load(ctx context.Context) (*model.Snapshot, error) {
	loaded := make(sectionDocs, len(model.SectionNames))
	empty := true
	for _, section := range model.SectionNames {
		fields, err := a.client.HGetAll(ctx, a.sectionKey(section)).Result()
		if err != nil {
			return nil, fmt.Errorf("hgetall %s: %w", section, err)
		}
		docs := make(map[string]json.RawMessage, len(fields))
		for id, raw := range fields {
			docs[id] = json.RawMessage(raw)
		}
		if len(docs) > 0 {
			empty = false
		}
		loaded[section] = docs
	}

	if empty {
		log.Info().Str("prefix", a.prefix).Msg("Remote store empty, seeding default snapshot")
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
