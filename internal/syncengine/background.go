package syncengine

import (
	"context"
	"time"
)

// StartBackgroundSync spawns a cooperative goroutine that runs
// SyncPending every interval while ctx is alive. A second call does not
// detect the first: each call starts its own ticker goroutine. Every pass
// still funnels through the shared singleflight group, so concurrent
// tickers and manual syncs collapse onto one in-flight pass.
func (e *Engine) StartBackgroundSync(ctx context.Context, interval time.Duration) {
	go func() {
		e.logger.Info("background sync started", "component", "syncengine", "interval", interval.String())

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				e.logger.Info("background sync stopped", "component", "syncengine", "reason", "context_cancelled")
				return
			case <-ticker.C:
				if _, err := e.SyncPending(ctx); err != nil {
					e.logger.Error("background sync pass failed", "component", "syncengine", "error", err)
				}
			}
		}
	}()
}

// StartConnectivityMonitoring spawns a background probe that refreshes
// the cached connectivity flag every interval, independent of any sync
// pass.
func (e *Engine) StartConnectivityMonitoring(ctx context.Context, interval time.Duration) {
	go func() {
		e.logger.Info("connectivity monitoring started", "component", "syncengine", "interval", interval.String())

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				e.logger.Info("connectivity monitoring stopped", "component", "syncengine", "reason", "context_cancelled")
				return
			case <-ticker.C:
				connected := e.client.CheckConnectivity(ctx)
				now := time.Now()
				e.lastProbed.Store(&now)
				e.connected.Store(connected)
			}
		}
	}()
}

// RetentionPolicy configures StartRetentionMaintenance.
type RetentionPolicy struct {
	Interval        time.Duration
	SyncedOlderThan time.Duration
	FailedOlderThan time.Duration
	MaxCount        int64
}

// DefaultRetentionPolicy runs a cycle every hour, pruning Synced entries
// after one day and Failed/PermanentFailure entries after seven days, and
// caps the store at 100,000 entries.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		Interval:        1 * time.Hour,
		SyncedOlderThan: 24 * time.Hour,
		FailedOlderThan: 7 * 24 * time.Hour,
		MaxCount:        100_000,
	}
}

// StartRetentionMaintenance spawns a background goroutine that periodically
// prunes old entries (adapted from the teacher's decay coordinator) and
// enforces the configured max entry count (adapted from the teacher's
// compaction coordinator), vacuuming storage after either makes progress.
func (e *Engine) StartRetentionMaintenance(ctx context.Context, policy RetentionPolicy) {
	go func() {
		e.logger.Info("retention maintenance started",
			"component", "syncengine", "worker", "retention",
			"interval", policy.Interval.String(),
		)

		ticker := time.NewTicker(policy.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				e.logger.Info("retention maintenance stopped",
					"component", "syncengine", "worker", "retention", "reason", "context_cancelled")
				return
			case <-ticker.C:
				e.runRetentionCycle(ctx, policy)
			}
		}
	}()
}

func (e *Engine) runRetentionCycle(ctx context.Context, policy RetentionPolicy) {
	cleaned, err := e.store.CleanupOldEntries(ctx, policy.SyncedOlderThan, policy.FailedOlderThan)
	if err != nil {
		e.logger.Error("retention cleanup failed", "component", "syncengine", "worker", "retention", "error", err)
		return
	}

	evicted, err := e.store.EnforceMaxCount(ctx, policy.MaxCount)
	if err != nil {
		e.logger.Error("max count enforcement failed", "component", "syncengine", "worker", "retention", "error", err)
		return
	}

	if cleaned == 0 && evicted == 0 {
		e.logger.Debug("retention cycle completed, nothing to prune",
			"component", "syncengine", "worker", "retention")
		return
	}

	if err := e.store.Vacuum(ctx); err != nil {
		e.logger.Warn("vacuum after retention cycle failed", "component", "syncengine", "worker", "retention", "error", err)
	}

	e.logger.Info("retention cycle completed",
		"component", "syncengine", "worker", "retention",
		"entries_cleaned", cleaned, "entries_evicted", evicted,
	)
}
