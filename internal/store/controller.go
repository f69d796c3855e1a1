package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/chaosdice/server/internal/metrics"
	"github.com/chaosdice/server/internal/model"
)

// ErrStopped is returned for persistence requests after Stop.
var ErrStopped = errors.New("store: sync controller stopped")

// persistQueueDepth bounds how many persistence requests can wait on the
// worker. The queue coalesces naturally: every save serializes the state
// current at save time, so a deep backlog persists fresher data, not stale.
const persistQueueDepth = 64

type persistReq struct {
	scheduled bool // enqueued by Schedule, clears the coalescing flag
	barrier   bool // completes without saving, used by Flush
	done      chan error
}

// SyncController funnels all persistence through a single worker goroutine
// so saves never interleave, and owns rehydration from the adapter.
//
// Persist blocks until its own save lands and reports that save's error.
// Schedule requests a save without waiting; repeated Schedules before the
// worker picks one up coalesce into a single save.
type SyncController struct {
	store   *Store
	adapter Adapter

	queue     chan persistReq
	scheduled atomic.Bool
	started   atomic.Bool
	stopped   atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	rehydrateGroup    singleflight.Group
	rehydrateCooldown time.Duration
	mu                sync.Mutex
	lastRehydrate     time.Time

	// BeforePersist runs on the cloned snapshot before every save.
	BeforePersist func(*model.Snapshot)
	// AfterRehydrate runs after a loaded snapshot replaces the live one,
	// with the reason the reload was requested. Returning true persists
	// the snapshot again, so repairs the hook made are not lost.
	AfterRehydrate func(reason string) bool

	now func() time.Time
}

// NewSyncController creates a controller; call Start before using it.
// rehydrateCooldown suppresses repeat reloads inside the window unless
// forced; zero disables the cooldown.
func NewSyncController(store *Store, adapter Adapter, rehydrateCooldown time.Duration) *SyncController {
	return &SyncController{
		store:             store,
		adapter:           adapter,
		queue:             make(chan persistReq, persistQueueDepth),
		stop:              make(chan struct{}),
		rehydrateCooldown: rehydrateCooldown,
		now:               time.Now,
	}
}

// Start launches the persistence worker.
func (c *SyncController) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.worker()
}

// Stop performs a final synchronous save, then shuts the worker down.
func (c *SyncController) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		err = c.Persist(ctx)
		c.stopped.Store(true)
		close(c.stop)
		c.wg.Wait()
	})
	return err
}

func (c *SyncController) worker() {
	defer c.wg.Done()
	for {
		select {
		case req := <-c.queue:
			c.handle(req)
		case <-c.stop:
			// Drain whatever was queued before the stop signal.
			for {
				select {
				case req := <-c.queue:
					c.handle(req)
				default:
					return
				}
			}
		}
	}
}

func (c *SyncController) handle(req persistReq) {
	if req.barrier {
		req.done <- nil
		return
	}
	if req.scheduled {
		// Clear before cloning so a Schedule arriving during this save
		// queues a fresh one instead of being silently absorbed.
		c.scheduled.Store(false)
	}

	err := c.save()
	if req.done != nil {
		req.done <- err
	}
}

func (c *SyncController) save() error {
	snap, err := c.store.CloneSnapshot()
	if err != nil {
		err = fmt.Errorf("clone snapshot: %w", err)
		log.Error().Err(err).Msg("Snapshot persist failed")
		metrics.PersistObserved(err, 0)
		return err
	}
	if c.BeforePersist != nil {
		c.BeforePersist(snap)
	}

	start := c.now()
	err = c.adapter.Save(context.Background(), snap)
	elapsed := time.Since(start)
	metrics.PersistObserved(err, elapsed)
	if err != nil {
		// The worker keeps running; in-memory state stays authoritative
		// and a later save will retry the full diff.
		log.Error().Err(err).Str("adapter", c.adapter.Name()).Msg("Snapshot persist failed")
		return err
	}
	log.Debug().Str("adapter", c.adapter.Name()).Dur("durationMs", elapsed).Msg("Snapshot persisted")
	return nil
}

// Persist saves the current snapshot and waits for the result. The context
// bounds the wait, not the save: an abandoned save still completes in the
// worker.
func (c *SyncController) Persist(ctx context.Context) error {
	if c.stopped.Load() {
		return ErrStopped
	}
	req := persistReq{done: make(chan error, 1)}
	select {
	case c.queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedule requests an asynchronous save. Calls made while one is already
// pending coalesce into it.
func (c *SyncController) Schedule() {
	if c.stopped.Load() {
		return
	}
	if !c.scheduled.CompareAndSwap(false, true) {
		return
	}
	select {
	case c.queue <- persistReq{scheduled: true}:
	default:
		// Queue saturated: the pending saves will capture this state
		// anyway since each one clones at save time.
		c.scheduled.Store(false)
	}
}

// Flush waits until every save queued before it has completed.
func (c *SyncController) Flush(ctx context.Context) error {
	if c.stopped.Load() {
		return ErrStopped
	}
	if !c.started.Load() {
		return nil
	}
	req := persistReq{barrier: true, done: make(chan error, 1)}
	select {
	case c.queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rehydrate replaces the live snapshot with the adapter's current state.
// Concurrent calls collapse into one load; calls inside the cooldown
// window are skipped unless force is set. Pending saves are flushed first
// so the reload cannot resurrect state the queue was about to overwrite.
func (c *SyncController) Rehydrate(ctx context.Context, reason string, force bool) error {
	_, err, _ := c.rehydrateGroup.Do("rehydrate", func() (any, error) {
		c.mu.Lock()
		last := c.lastRehydrate
		c.mu.Unlock()
		if !force && c.rehydrateCooldown > 0 && !last.IsZero() && c.now().Sub(last) < c.rehydrateCooldown {
			metrics.RehydrateObserved("skipped")
			log.Debug().Msg("Rehydrate skipped inside cooldown window")
			return nil, nil
		}

		if err := c.Flush(ctx); err != nil {
			return nil, fmt.Errorf("flush before rehydrate: %w", err)
		}

		snap, err := c.adapter.Load(ctx)
		if err != nil {
			metrics.RehydrateObserved("error")
			return nil, fmt.Errorf("rehydrate load: %w", err)
		}
		c.store.Replace(snap)

		c.mu.Lock()
		c.lastRehydrate = c.now()
		c.mu.Unlock()
		metrics.RehydrateObserved("ok")
		log.Info().Str("adapter", c.adapter.Name()).Str("reason", reason).Msg("Snapshot rehydrated")

		if c.AfterRehydrate != nil && c.AfterRehydrate(reason) {
			if err := c.Persist(ctx); err != nil {
				return nil, fmt.Errorf("persist after rehydrate: %w", err)
			}
		}
		return nil, nil
	})
	return err
}
