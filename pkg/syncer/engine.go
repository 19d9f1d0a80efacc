package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/mnemo/internal/metrics"
	"github.com/harun/mnemo/pkg/memory"
)

// Config holds sync engine configuration.
type Config struct {
	Store  *memory.Store
	Remote RemoteStore
	// Events triggers an immediate cycle on local writes when PushOnWrite
	// is set. Usually Service.Changes().
	Events  <-chan memory.ChangeEvent
	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// Interval between periodic cycles.
	Interval time.Duration
	// BatchSize bounds each phase of a cycle; leftovers wait for the next.
	BatchSize int
	// MaxBackoff caps the exponential retry delay after failed cycles.
	MaxBackoff time.Duration
	// ReembedSchedule is a cron expression for retrying degraded records.
	// Empty disables the job.
	ReembedSchedule string
	PushOnWrite     bool
}

// Engine replicates the local store to a remote and back on a fixed
// interval, with exponential backoff while the remote is unreachable.
type Engine struct {
	cfg     Config
	store   *memory.Store
	remote  RemoteStore
	logger  zerolog.Logger
	metrics *metrics.Metrics
	cron    *cron.Cron

	// syncMu serializes cycles; SyncNow and the loop never overlap.
	syncMu sync.Mutex

	trigger   chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a sync engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Remote == nil {
		return nil, errors.New("remote store is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Hour
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics()
	}

	return &Engine{
		cfg:     cfg,
		store:   cfg.Store,
		remote:  cfg.Remote,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the periodic sync loop and the re-embed job.
func (e *Engine) Start() error {
	var startErr error
	e.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel

		if e.cfg.ReembedSchedule != "" {
			e.cron = cron.New()
			_, err := e.cron.AddFunc(e.cfg.ReembedSchedule, func() {
				recovered, err := e.store.ReembedDegraded(ctx, e.cfg.BatchSize)
				if err != nil {
					e.logger.Warn().Err(err).Msg("Re-embed pass failed")
					return
				}
				if recovered > 0 {
					e.logger.Info().Int("recovered", recovered).Msg("Recovered degraded records")
					e.Trigger()
				}
			})
			if err != nil {
				cancel()
				e.cancel = nil
				close(e.done)
				startErr = fmt.Errorf("invalid re-embed schedule: %w", err)
				return
			}
			e.cron.Start()
		}

		go e.run(ctx)
	})
	return startErr
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
			<-e.done
		}
		if e.cron != nil {
			e.cron.Stop()
		}
	})
}

// Trigger requests an immediate sync cycle. Coalesces if one is pending.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	delay := e.cfg.Interval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-e.eventsChan():
			if !ok {
				e.cfg.Events = nil
				continue
			}
			if e.cfg.PushOnWrite {
				e.logger.Debug().Str("hash", event.ContentHash).Msg("Local change, scheduling sync")
				e.Trigger()
			}
			continue

		case <-e.trigger:
		case <-timer.C:
		}

		if err := e.SyncNow(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			delay *= 2
			if delay > e.cfg.MaxBackoff {
				delay = e.cfg.MaxBackoff
			}
			e.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Sync cycle failed, backing off")
		} else {
			delay = e.cfg.Interval
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)
	}
}

func (e *Engine) eventsChan() <-chan memory.ChangeEvent {
	if e.cfg.Events != nil {
		return e.cfg.Events
	}
	return nil
}

// SyncNow runs one full cycle: push, tombstones, pull. Each phase handles
// at most one batch.
func (e *Engine) SyncNow(ctx context.Context) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	cycleID := uuid.NewString()
	logger := e.logger.With().Str("cycle_id", cycleID).Logger()
	start := time.Now()

	err := e.runCycle(ctx, logger)

	e.metrics.SyncCycleDuration.Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	e.metrics.SyncCyclesTotal.WithLabelValues(result).Inc()

	if metaErr := e.store.SetSyncMeta(ctx, memory.SyncMetaLastSyncResult, result); metaErr != nil {
		logger.Warn().Err(metaErr).Msg("Failed to record sync result")
	}
	if err == nil {
		if metaErr := e.store.SetSyncMeta(ctx, memory.SyncMetaLastSyncAtMs,
			strconv.FormatInt(time.Now().UnixMilli(), 10)); metaErr != nil {
			logger.Warn().Err(metaErr).Msg("Failed to record sync time")
		}
	}

	return err
}

func (e *Engine) runCycle(ctx context.Context, logger zerolog.Logger) error {
	if err := e.pushPhase(ctx, logger); err != nil {
		return fmt.Errorf("push phase: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.tombstonePhase(ctx, logger); err != nil {
		return fmt.Errorf("tombstone phase: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.pullPhase(ctx, logger); err != nil {
		return fmt.Errorf("pull phase: %w", err)
	}
	return nil
}

func (e *Engine) pushPhase(ctx context.Context, logger zerolog.Logger) error {
	pending, err := e.store.PendingPush(ctx, e.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	payloads := make([]RecordPayload, len(pending))
	for i, record := range pending {
		payloads[i] = PayloadFromRecord(record)
	}

	results, err := e.remote.Push(ctx, payloads)
	if err != nil {
		return err
	}

	pushed, conflicts := 0, 0
	for i, result := range results {
		hash := pending[i].ContentHash
		if result.Conflict {
			conflicts++
			e.metrics.SyncConflictsTotal.Inc()
			logger.Warn().Str("hash", hash).Msg("Push rejected, remote copy diverged")
			if err := e.store.MarkConflict(ctx, hash); err != nil {
				return err
			}
			continue
		}
		if err := e.store.MarkSynced(ctx, hash, result.Version); err != nil {
			return err
		}
		pushed++
		e.metrics.SyncPushedTotal.Inc()
	}

	logger.Info().Int("pushed", pushed).Int("conflicts", conflicts).Msg("Push phase complete")
	return nil
}

func (e *Engine) tombstonePhase(ctx context.Context, logger zerolog.Logger) error {
	tombstones, err := e.store.Tombstones(ctx, e.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, tombstone := range tombstones {
		result, err := e.remote.Delete(ctx, tombstone.ContentHash, tombstone.RemoteVersion)
		if err != nil {
			return err
		}
		if result.Conflict {
			// The remote copy advanced past our delete; the remote edit
			// wins and the pull phase will restore the record.
			e.metrics.SyncConflictsTotal.Inc()
			logger.Warn().Str("hash", tombstone.ContentHash).Msg("Delete rejected, remote copy diverged")
		}
		if err := e.store.RemoveTombstone(ctx, tombstone.ContentHash); err != nil {
			return err
		}
	}

	if len(tombstones) > 0 {
		logger.Info().Int("tombstones", len(tombstones)).Msg("Tombstone phase complete")
	}
	return nil
}

func (e *Engine) pullPhase(ctx context.Context, logger zerolog.Logger) error {
	cursor, err := e.store.GetSyncMeta(ctx, memory.SyncMetaPullCursor)
	if err != nil {
		return err
	}

	changes, nextCursor, err := e.remote.Pull(ctx, cursor, e.cfg.BatchSize)
	if err != nil {
		return err
	}

	pulled, conflicts := 0, 0
	for _, change := range changes {
		applied, conflict, err := e.applyChange(ctx, logger, change)
		if err != nil {
			return err
		}
		if applied {
			pulled++
			e.metrics.SyncPulledTotal.Inc()
		}
		if conflict {
			conflicts++
			e.metrics.SyncConflictsTotal.Inc()
		}
	}

	if err := e.store.SetSyncMeta(ctx, memory.SyncMetaPullCursor, nextCursor); err != nil {
		return err
	}

	if len(changes) > 0 {
		logger.Info().Int("pulled", pulled).Int("conflicts", conflicts).Msg("Pull phase complete")
	}
	return nil
}

func (e *Engine) applyChange(ctx context.Context, logger zerolog.Logger, change Change) (applied, conflict bool, err error) {
	local, err := e.store.Get(ctx, change.ContentHash)
	if err != nil && !errors.Is(err, memory.ErrNotFound) {
		return false, false, err
	}

	// Echo of our own push or delete: the feed replays every change,
	// including ones this node originated.
	if local != nil && local.RemoteVersion == change.Version {
		return false, false, nil
	}

	localDirty := local != nil &&
		(local.SyncState == memory.SyncStatePendingPush || local.SyncState == memory.SyncStateConflict)

	if change.Deleted {
		if local == nil {
			return false, false, nil
		}
		if localDirty {
			logger.Warn().Str("hash", change.ContentHash).Msg("Remote delete collides with local edit")
			return false, true, e.store.MarkConflict(ctx, change.ContentHash)
		}
		return true, false, e.store.ApplyRemoteDelete(ctx, change.ContentHash)
	}

	if change.Payload == nil {
		logger.Warn().Str("hash", change.ContentHash).Msg("Change without payload, skipping")
		return false, false, nil
	}

	if localDirty {
		logger.Warn().Str("hash", change.ContentHash).Msg("Remote edit collides with local edit")
		return false, true, e.store.MarkConflict(ctx, change.ContentHash)
	}

	return true, false, e.store.ApplyRemote(ctx, RecordFromPayload(change.Payload, change.Version))
}

// ResolveKeepLocal resolves a conflict by re-queueing the local copy for an
// unconditional push.
func (e *Engine) ResolveKeepLocal(ctx context.Context, contentHash string) error {
	if err := e.store.ResolveKeepLocal(ctx, contentHash); err != nil {
		return err
	}
	e.Trigger()
	return nil
}

// ResolveAcceptRemote resolves a conflict by fetching the remote copy and
// overwriting the local one.
func (e *Engine) ResolveAcceptRemote(ctx context.Context, contentHash string) error {
	local, err := e.store.Get(ctx, contentHash)
	if err != nil {
		return err
	}
	if local.SyncState != memory.SyncStateConflict {
		return fmt.Errorf("record %s is not in conflict", contentHash)
	}

	fetcher, ok := e.remote.(RemoteFetcher)
	if !ok {
		return errors.New("remote store does not support fetch")
	}

	change, err := fetcher.Fetch(ctx, contentHash)
	if err != nil {
		return err
	}
	if change == nil || change.Deleted {
		return e.store.ApplyRemoteDelete(ctx, contentHash)
	}
	return e.store.ApplyRemote(ctx, RecordFromPayload(change.Payload, change.Version))
}
