// Package queue implements the durable, crash-safe local queue of heartbeats
// awaiting or undergoing sync to the remote service.
package queue

import (
	"context"
	"time"

	"github.com/nx-solutions-ug/chronova-cli/internal/types"
)

// Store is the durable local queue of QueueEntry records. Implementations
// must be safe for concurrent use by the Sync Engine and Heartbeat
// Pipeline.
type Store interface {
	// Add inserts a new entry with status Pending. Idempotent on
	// heartbeat ID: a second Add with the same ID is a no-op. When the
	// hard cap is reached, Add first evicts the oldest entries (Synced,
	// then Failed, then Pending) to make room; it returns ErrQueueFull
	// only when none of those can be evicted. There is no reject-only
	// mode.
	Add(ctx context.Context, hb types.Heartbeat) error

	// GetPending returns up to limit entries matching statuses (defaults
	// to {Pending, Failed} when statuses is empty), ordered by
	// created_at ascending.
	GetPending(ctx context.Context, limit int, statuses []types.SyncStatus) ([]types.QueueEntry, error)

	// UpdateSyncStatus atomically updates one entry's status, metadata,
	// and last_attempt timestamp. No-op if id is absent.
	UpdateSyncStatus(ctx context.Context, id string, status types.SyncStatus, metadata string) error

	// UpdateSyncStatusBatch applies a set of status updates inside a
	// single transaction; either all are applied or none are.
	UpdateSyncStatusBatch(ctx context.Context, updates []types.StatusUpdate) error

	// Remove deletes one entry, typically after a successful sync.
	Remove(ctx context.Context, id string) error

	// RemoveBatch deletes a set of entries inside a single transaction.
	RemoveBatch(ctx context.Context, ids []string) error

	// IncrementRetry increments retry_count for id and returns the new
	// count.
	IncrementRetry(ctx context.Context, id string) (uint32, error)

	// Count returns the total number of entries in the store.
	Count(ctx context.Context) (int64, error)

	// CountByStatus returns the number of entries with the given status.
	CountByStatus(ctx context.Context, status types.SyncStatus) (int64, error)

	// GetSyncStats returns aggregate counts across all statuses.
	GetSyncStats(ctx context.Context) (types.SyncStats, error)

	// CleanupOldEntries removes Synced entries older than syncedOlderThan
	// and Failed/PermanentFailure entries older than failedOlderThan,
	// returning the number removed.
	CleanupOldEntries(ctx context.Context, syncedOlderThan, failedOlderThan time.Duration) (int64, error)

	// EnforceMaxCount evicts oldest entries, in the order Synced ->
	// Failed -> Pending, until the store no longer exceeds max. Returns
	// the number evicted.
	EnforceMaxCount(ctx context.Context, max int64) (int64, error)

	// Deduplicate removes entries that match an earlier entry on
	// (entity, time rounded to the nearest second, is_write, project),
	// keeping the earliest survivor. Returns the number removed.
	Deduplicate(ctx context.Context) (int64, error)

	// Vacuum reclaims storage after mass deletion.
	Vacuum(ctx context.Context) error

	// Close releases the underlying database handle.
	Close() error
}

// BackupUploader archives a corrupted queue database file to offsite
// storage. Implemented by internal/backup.S3Uploader; a no-op
// implementation is used when no backup destination is configured.
type BackupUploader interface {
	Upload(ctx context.Context, path string) error
}
