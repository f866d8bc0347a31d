// Package syncengine orchestrates the Queue Store and API Client: it
// pulls pending entries, sends batches, interprets responses, updates
// statuses, enforces retry limits, debounces connectivity checks, and
// exposes both an on-demand sync pass and a periodic background loop.
package syncengine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nx-solutions-ug/chronova-cli/internal/apiclient"
	"github.com/nx-solutions-ug/chronova-cli/internal/queue"
	"github.com/nx-solutions-ug/chronova-cli/internal/retry"
	"github.com/nx-solutions-ug/chronova-cli/internal/types"
	"github.com/rs/xid"
	"golang.org/x/sync/singleflight"
)

// DefaultBatchSize is the number of entries claimed per sync pass.
const DefaultBatchSize = 50

// DefaultConnectivityTTL bounds how long a cached "offline" result is
// trusted before the engine probes again.
const DefaultConnectivityTTL = 30 * time.Second

// Connector is the subset of apiclient.Client the engine depends on,
// narrowed for testability.
type Connector interface {
	SendHeartbeatsBatch(ctx context.Context, heartbeats []types.Heartbeat) (*types.BatchResult, error)
	SendHeartbeat(ctx context.Context, hb types.Heartbeat) error
	CheckConnectivity(ctx context.Context) bool
}

// SyncResult reports the outcome of one sync pass.
type SyncResult struct {
	Attempted         int
	Succeeded         int
	Failed            int
	PermanentFailures int
	Duration          time.Duration

	// LastError is the most recent whole-batch error seen during the
	// pass, if any. A manual sync surfaces an AuthError here so the
	// caller can treat an explicit --sync-offline-activity invocation as
	// failed even though the engine itself always requeues rather than
	// erroring out of the pass.
	LastError error
}

// Engine is the Sync Engine: the component moving entries from
// Pending/Failed to Synced via the API Client, under the Retry Policy.
type Engine struct {
	store      queue.Store
	client     Connector
	policy     retry.Policy
	batchSize  int
	connTTL    time.Duration
	logger     *slog.Logger
	connected  atomic.Bool
	lastProbed atomic.Pointer[time.Time]
	group      singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy overrides the default retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(e *Engine) { e.batchSize = n }
}

// WithConnectivityTTL overrides DefaultConnectivityTTL.
func WithConnectivityTTL(d time.Duration) Option {
	return func(e *Engine) { e.connTTL = d }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New builds an Engine over store and client.
func New(store queue.Store, client Connector, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		client:    client,
		policy:    retry.DefaultPolicy(),
		batchSize: DefaultBatchSize,
		connTTL:   DefaultConnectivityTTL,
		logger:    slog.Default(),
	}
	e.connected.Store(true)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SyncPending runs one synchronous sync pass, collapsing concurrent
// callers onto a single in-flight pass via singleflight.
func (e *Engine) SyncPending(ctx context.Context) (SyncResult, error) {
	return e.syncWithLimit(ctx, e.batchSize)
}

// ManualSync is SyncPending capped at limit entries, used by
// --sync-offline-activity N.
func (e *Engine) ManualSync(ctx context.Context, limit int) (SyncResult, error) {
	return e.syncWithLimit(ctx, limit)
}

func (e *Engine) syncWithLimit(ctx context.Context, limit int) (SyncResult, error) {
	v, err, _ := e.group.Do("sync", func() (any, error) {
		return e.runPass(ctx, limit)
	})
	if err != nil {
		return SyncResult{}, err
	}
	return v.(SyncResult), nil
}

func (e *Engine) runPass(ctx context.Context, limit int) (SyncResult, error) {
	traceID := xid.New().String()
	start := time.Now()

	e.logger.Info("sync pass started", "component", "syncengine", "trace_id", traceID, "limit", limit)

	if !e.checkConnectivity(ctx) {
		result := SyncResult{Duration: time.Since(start)}
		e.logger.Info("sync pass skipped, offline", "component", "syncengine", "trace_id", traceID)
		return result, nil
	}

	entries, err := e.store.GetPending(ctx, limit, nil)
	if err != nil {
		return SyncResult{}, err
	}
	if len(entries) == 0 {
		result := SyncResult{Duration: time.Since(start)}
		e.logger.Info("sync pass completed, nothing pending", "component", "syncengine", "trace_id", traceID)
		return result, nil
	}

	ids := make([]string, len(entries))
	heartbeats := make([]types.Heartbeat, len(entries))
	for i, entry := range entries {
		ids[i] = entry.Heartbeat.ID
		heartbeats[i] = entry.Heartbeat
	}

	if err := e.claim(ctx, ids); err != nil {
		return SyncResult{}, err
	}

	result := e.sendBatch(ctx, entries, heartbeats)
	result.Duration = time.Since(start)

	e.logger.Info("sync pass completed",
		"component", "syncengine", "trace_id", traceID,
		"attempted", result.Attempted, "succeeded", result.Succeeded,
		"failed", result.Failed, "permanent_failures", result.PermanentFailures,
		"duration_ms", result.Duration.Milliseconds(),
	)

	return result, nil
}

func (e *Engine) checkConnectivity(ctx context.Context) bool {
	if !e.connected.Load() {
		if last := e.lastProbed.Load(); last != nil && time.Since(*last) < e.connTTL {
			return false
		}
	}

	connected := e.client.CheckConnectivity(ctx)
	now := time.Now()
	e.lastProbed.Store(&now)
	e.connected.Store(connected)
	return connected
}

func (e *Engine) claim(ctx context.Context, ids []string) error {
	updates := make([]types.StatusUpdate, len(ids))
	for i, id := range ids {
		updates[i] = types.StatusUpdate{ID: id, Status: types.StatusSyncing}
	}
	return e.store.UpdateSyncStatusBatch(ctx, updates)
}

// sendBatch sends the claimed entries and applies the resulting status
// transitions, falling back to per-entry submission if the remote does
// not support the batch endpoint.
func (e *Engine) sendBatch(ctx context.Context, entries []types.QueueEntry, heartbeats []types.Heartbeat) SyncResult {
	result := SyncResult{Attempted: len(entries)}

	batchResult, err := e.client.SendHeartbeatsBatch(ctx, heartbeats)
	if errors.Is(err, apiclient.ErrBatchUnsupported) {
		return e.sendPerEntry(ctx, entries)
	}
	if err != nil {
		e.applyWholeBatchFailure(ctx, entries, err, &result)
		return result
	}

	e.applyBatchResult(ctx, entries, batchResult, &result)
	return result
}

func (e *Engine) sendPerEntry(ctx context.Context, entries []types.QueueEntry) SyncResult {
	result := SyncResult{Attempted: len(entries)}
	for _, entry := range entries {
		err := e.client.SendHeartbeat(ctx, entry.Heartbeat)
		if err == nil {
			if removeErr := e.store.Remove(ctx, entry.Heartbeat.ID); removeErr == nil {
				result.Succeeded++
			}
			continue
		}
		e.applySingleFailure(ctx, entry, err, &result)
	}
	return result
}

func (e *Engine) applyWholeBatchFailure(ctx context.Context, entries []types.QueueEntry, err error, result *SyncResult) {
	var rlErr *apiclient.RateLimitError
	var authErr *apiclient.AuthError

	switch {
	case errors.As(err, &authErr):
		updates := make([]types.StatusUpdate, len(entries))
		for i, entry := range entries {
			updates[i] = types.StatusUpdate{ID: entry.Heartbeat.ID, Status: types.StatusFailed, Metadata: err.Error()}
		}
		e.store.UpdateSyncStatusBatch(ctx, updates)
		result.Failed += len(entries)
		result.LastError = err
		return
	case errors.As(err, &rlErr):
		for _, entry := range entries {
			e.applySingleFailure(ctx, entry, err, result)
		}
		delay := time.Duration(rlErr.RetryAfter) * time.Second
		if rlErr.RetryAfter <= 0 {
			delay = e.policy.DelayFor(1)
			if delay < e.policy.BaseDelay {
				delay = e.policy.BaseDelay
			}
		}
		sleepCtx(ctx, delay)
		return
	default:
		for _, entry := range entries {
			e.applySingleFailure(ctx, entry, err, result)
		}
	}
}

func (e *Engine) applySingleFailure(ctx context.Context, entry types.QueueEntry, err error, result *SyncResult) {
	count, incErr := e.store.IncrementRetry(ctx, entry.Heartbeat.ID)
	if incErr != nil {
		count = entry.RetryCount + 1
	}

	if retry.ReachedMaxAttempts(count, e.policy.MaxAttempts) {
		e.store.UpdateSyncStatus(ctx, entry.Heartbeat.ID, types.StatusPermanentFailure, err.Error())
		result.PermanentFailures++
		return
	}

	e.store.UpdateSyncStatus(ctx, entry.Heartbeat.ID, types.StatusFailed, err.Error())
	result.Failed++
}

func (e *Engine) applyBatchResult(ctx context.Context, entries []types.QueueEntry, batch *types.BatchResult, result *SyncResult) {
	entryByID := make(map[string]types.QueueEntry, len(entries))
	for _, entry := range entries {
		entryByID[entry.Heartbeat.ID] = entry
	}

	var toRemove []string
	for _, r := range batch.Results {
		entry, ok := entryByID[r.ID]
		if !ok {
			continue
		}
		switch r.Outcome {
		case types.OutcomeAccepted:
			toRemove = append(toRemove, r.ID)
			result.Succeeded++
		case types.OutcomeRejectedPermanent:
			e.store.UpdateSyncStatus(ctx, r.ID, types.StatusPermanentFailure, r.Reason)
			result.PermanentFailures++
		case types.OutcomeRejectedRetryable:
			e.applySingleFailure(ctx, entry, errors.New(r.Reason), result)
		}
	}

	if len(toRemove) > 0 {
		e.store.RemoveBatch(ctx, toRemove)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
