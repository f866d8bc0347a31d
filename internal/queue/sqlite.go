package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nx-solutions-ug/chronova-cli/internal/types"
	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"
)

// DefaultMaxCount is the hard entry ceiling applied when no Option
// overrides it.
const DefaultMaxCount int64 = 100_000

// SQLiteStore is the SQLite-backed Queue Store implementation.
type SQLiteStore struct {
	db       *sql.DB
	dbPath   string
	writeMu  sync.Mutex
	maxCount int64
	uploader BackupUploader
	logger   *slog.Logger
}

// Option configures optional SQLiteStore behavior.
type Option func(*SQLiteStore)

// WithMaxCount overrides DefaultMaxCount.
func WithMaxCount(max int64) Option {
	return func(s *SQLiteStore) { s.maxCount = max }
}

// WithBackupUploader configures best-effort offsite archival of corrupted
// database backups. A nil uploader (the default) skips the upload step.
func WithBackupUploader(u BackupUploader) Option {
	return func(s *SQLiteStore) { s.uploader = u }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLiteStore) { s.logger = logger }
}

// Open opens (creating if necessary) the SQLite-backed queue store at
// dbPath, applies the WAL pragma set, runs an integrity check, and brings
// the schema up to date via embedded goose migrations. Transient
// "database is locked" errors during the open sequence are retried with
// backoff via go-retry.
func Open(ctx context.Context, dbPath string, opts ...Option) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("%w: create database directory: %v", ErrIO, err)
			}
		}
	}

	store := &SQLiteStore{
		dbPath:   dbPath,
		maxCount: DefaultMaxCount,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(store)
	}

	backoff, err := retry.NewExponential(50 * time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("%w: build retry backoff: %v", ErrIO, err)
	}
	backoff = retry.WithMaxRetries(5, backoff)

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			return fmt.Errorf("%w: open database: %v", ErrIO, err)
		}
		if dbPath == ":memory:" {
			db.SetMaxOpenConns(1)
		}

		if err := enablePragmas(db); err != nil {
			db.Close()
			if isLockedErr(err) {
				return retry.RetryableError(err)
			}
			return err
		}

		if err := checkIntegrity(ctx, db); err != nil {
			db.Close()
			return store.recoverFromCorruption(ctx, err)
		}

		if err := runMigrations(db); err != nil {
			db.Close()
			return err
		}

		if err := resetStuckSyncing(ctx, db); err != nil {
			db.Close()
			return err
		}

		store.db = db
		return nil
	})
	if err != nil {
		return nil, err
	}

	return store, nil
}

func isLockedErr(err error) bool {
	return strings.Contains(err.Error(), "database is locked")
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("execute %s: %w", p, err)
		}
	}
	return nil
}

func checkIntegrity(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrCorruption, result)
	}
	return nil
}

// resetStuckSyncing requeues any entry left in Syncing by a process that
// crashed or was killed mid-batch: Syncing only exists for the duration
// of one in-flight send, so on every Open it can only mean an interrupted
// previous run, never a legitimately in-progress one.
func resetStuckSyncing(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx,
		`UPDATE queue_entries SET sync_status = ? WHERE sync_status = ?`,
		types.StatusPending, types.StatusSyncing,
	); err != nil {
		return fmt.Errorf("%w: reset stuck syncing entries: %v", ErrIO, err)
	}
	return nil
}

// recoverFromCorruption renames the damaged database file aside, attempts
// a best-effort offsite upload of the backup, and clears the path so a
// fresh store can be initialized in its place. After a successful rename it
// returns a retryable error, so the surrounding retry.Do in Open re-runs the
// open sequence against the now-empty path.
func (s *SQLiteStore) recoverFromCorruption(ctx context.Context, cause error) error {
	if s.dbPath == ":memory:" {
		return fmt.Errorf("%w: %v", ErrCorruption, cause)
	}

	backupPath := fmt.Sprintf("%s.corrupt-%s", s.dbPath, time.Now().UTC().Format(time.RFC3339))
	if err := os.Rename(s.dbPath, backupPath); err != nil {
		return fmt.Errorf("%w: rename corrupted database: %v", ErrCorruption, err)
	}

	s.logger.Warn("queue database corrupted, recovering with a fresh store",
		"component", "queue", "cause", cause, "backup_path", backupPath)

	if s.uploader != nil {
		if err := s.uploader.Upload(ctx, backupPath); err != nil {
			s.logger.Warn("corrupted backup upload failed, continuing without it",
				"component", "queue", "backup_path", backupPath, "error", err)
		}
	}

	return retry.RetryableError(fmt.Errorf("%w: recovered, retry open", ErrCorruption))
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type wireEntry struct {
	id                string
	heartbeatJSON     string
	entity            string
	entityTimeRounded int64
	isWrite           bool
	project           string
	syncStatus        types.SyncStatus
	retryCount        uint32
	createdAt         string
	lastAttempt       sql.NullString
	syncMetadata      string
}

func scanEntry(scanner interface{ Scan(...any) error }) (*types.QueueEntry, error) {
	var w wireEntry
	err := scanner.Scan(
		&w.id, &w.heartbeatJSON, &w.entity, &w.entityTimeRounded, &w.isWrite, &w.project,
		&w.syncStatus, &w.retryCount, &w.createdAt, &w.lastAttempt, &w.syncMetadata,
	)
	if err != nil {
		return nil, err
	}

	var hb types.Heartbeat
	if err := json.Unmarshal([]byte(w.heartbeatJSON), &hb); err != nil {
		return nil, fmt.Errorf("%w: unmarshal heartbeat: %v", ErrSerialization, err)
	}

	createdAt, err := time.Parse(time.RFC3339, w.createdAt)
	if err != nil {
		return nil, fmt.Errorf("%w: parse created_at: %v", ErrSerialization, err)
	}

	entry := &types.QueueEntry{
		Heartbeat:    hb,
		SyncStatus:   w.syncStatus,
		RetryCount:   w.retryCount,
		CreatedAt:    createdAt,
		SyncMetadata: w.syncMetadata,
	}
	if w.lastAttempt.Valid {
		t, err := time.Parse(time.RFC3339, w.lastAttempt.String)
		if err == nil {
			entry.LastAttempt = &t
		}
	}
	return entry, nil
}

const selectColumns = `id, heartbeat_json, entity, entity_time_rounded, is_write, project, sync_status, retry_count, created_at, last_attempt, sync_metadata`

// Add inserts a new entry with status Pending, idempotent on heartbeat ID.
func (s *SQLiteStore) Add(ctx context.Context, hb types.Heartbeat) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	count, err := s.countLocked(ctx)
	if err != nil {
		return err
	}
	if count*5 >= s.maxCount*4 {
		s.logger.Warn("queue nearing capacity", "component", "queue", "count", count, "max", s.maxCount)
	}
	if count >= s.maxCount {
		evicted, err := s.enforceMaxCountLocked(ctx, s.maxCount-1)
		if err != nil {
			return err
		}
		if evicted == 0 {
			return ErrQueueFull
		}
	}

	payload, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("%w: marshal heartbeat: %v", ErrSerialization, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO queue_entries
			(id, heartbeat_json, entity, entity_time_rounded, is_write, project, sync_status, retry_count, created_at, last_attempt, sync_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, NULL, '')
	`, hb.ID, string(payload), hb.Entity, hb.TimeRounded(), hb.IsWrite, hb.Project, types.StatusPending, now)
	if err != nil {
		return fmt.Errorf("%w: insert entry: %v", ErrIO, err)
	}
	return nil
}

// GetPending returns up to limit entries matching statuses.
func (s *SQLiteStore) GetPending(ctx context.Context, limit int, statuses []types.SyncStatus) ([]types.QueueEntry, error) {
	if len(statuses) == 0 {
		statuses = []types.SyncStatus{types.StatusPending, types.StatusFailed}
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, st)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s FROM queue_entries
		WHERE sync_status IN (%s)
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, selectColumns, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query pending: %v", ErrIO, err)
	}
	defer rows.Close()

	var entries []types.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate rows: %v", ErrIO, err)
	}
	return entries, nil
}

// UpdateSyncStatus atomically updates one entry's status and metadata.
func (s *SQLiteStore) UpdateSyncStatus(ctx context.Context, id string, status types.SyncStatus, metadata string) error {
	return s.UpdateSyncStatusBatch(ctx, []types.StatusUpdate{{ID: id, Status: status, Metadata: metadata}})
}

// UpdateSyncStatusBatch applies every update inside one transaction.
func (s *SQLiteStore) UpdateSyncStatusBatch(ctx context.Context, updates []types.StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ErrIO, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, u := range updates {
		_, err := tx.ExecContext(ctx, `
			UPDATE queue_entries
			SET sync_status = ?, last_attempt = ?, sync_metadata = ?
			WHERE id = ?
		`, u.Status, now, u.Metadata, u.ID)
		if err != nil {
			return fmt.Errorf("%w: update status for %s: %v", ErrIO, u.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit transaction: %v", ErrIO, err)
	}
	return nil
}

// Remove deletes a single entry.
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	return s.RemoveBatch(ctx, []string{id})
}

// RemoveBatch deletes a set of entries inside one transaction.
func (s *SQLiteStore) RemoveBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ErrIO, err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM queue_entries WHERE id = ?", id); err != nil {
			return fmt.Errorf("%w: delete %s: %v", ErrIO, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit transaction: %v", ErrIO, err)
	}
	return nil
}

// IncrementRetry increments retry_count for id and returns the new count.
func (s *SQLiteStore) IncrementRetry(ctx context.Context, id string) (uint32, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, "UPDATE queue_entries SET retry_count = retry_count + 1 WHERE id = ?", id)
	if err != nil {
		return 0, fmt.Errorf("%w: increment retry: %v", ErrIO, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", ErrIO, err)
	}
	if rows == 0 {
		return 0, ErrNotFound
	}

	var count uint32
	if err := s.db.QueryRowContext(ctx, "SELECT retry_count FROM queue_entries WHERE id = ?", id).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: read retry count: %v", ErrIO, err)
	}
	return count, nil
}

// Count returns the total number of entries in the store.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue_entries").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrIO, err)
	}
	return count, nil
}

func (s *SQLiteStore) countLocked(ctx context.Context) (int64, error) {
	return s.Count(ctx)
}

// CountByStatus returns the number of entries with the given status.
func (s *SQLiteStore) CountByStatus(ctx context.Context, status types.SyncStatus) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue_entries WHERE sync_status = ?", status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: count by status: %v", ErrIO, err)
	}
	return count, nil
}

// GetSyncStats returns aggregate counts across all statuses.
func (s *SQLiteStore) GetSyncStats(ctx context.Context) (types.SyncStats, error) {
	var stats types.SyncStats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN sync_status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sync_status = 'syncing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sync_status = 'synced' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sync_status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sync_status = 'permanent_failure' THEN 1 ELSE 0 END), 0),
			COUNT(*)
		FROM queue_entries
	`)
	err := row.Scan(&stats.Pending, &stats.Syncing, &stats.Synced, &stats.Failed, &stats.PermanentFailure, &stats.Total)
	if err != nil {
		return types.SyncStats{}, fmt.Errorf("%w: sync stats: %v", ErrIO, err)
	}
	return stats, nil
}

// CleanupOldEntries removes Synced entries older than syncedOlderThan and
// Failed/PermanentFailure entries older than failedOlderThan.
func (s *SQLiteStore) CleanupOldEntries(ctx context.Context, syncedOlderThan, failedOlderThan time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	syncedCutoff := now.Add(-syncedOlderThan).Format(time.RFC3339)
	failedCutoff := now.Add(-failedOlderThan).Format(time.RFC3339)

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_entries
		WHERE (sync_status = 'synced' AND created_at < ?)
		   OR (sync_status IN ('failed', 'permanent_failure') AND created_at < ?)
	`, syncedCutoff, failedCutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup old entries: %v", ErrIO, err)
	}
	return result.RowsAffected()
}

// EnforceMaxCount evicts oldest entries, in the order Synced -> Failed ->
// Pending, until the store no longer exceeds max.
func (s *SQLiteStore) EnforceMaxCount(ctx context.Context, max int64) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.enforceMaxCountLocked(ctx, max)
}

func (s *SQLiteStore) enforceMaxCountLocked(ctx context.Context, max int64) (int64, error) {
	total, err := s.countLocked(ctx)
	if err != nil {
		return 0, err
	}
	overflow := total - max
	if overflow <= 0 {
		return 0, nil
	}

	var evicted int64
	for _, status := range []types.SyncStatus{types.StatusSynced, types.StatusFailed, types.StatusPending} {
		if overflow <= 0 {
			break
		}
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM queue_entries
			WHERE id IN (
				SELECT id FROM queue_entries
				WHERE sync_status = ?
				ORDER BY created_at ASC
				LIMIT ?
			)
		`, status, overflow)
		if err != nil {
			return evicted, fmt.Errorf("%w: evict %s entries: %v", ErrIO, status, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return evicted, fmt.Errorf("%w: rows affected: %v", ErrIO, err)
		}
		evicted += n
		overflow -= n
	}
	return evicted, nil
}

// Deduplicate removes entries that match an earlier entry on (entity,
// time rounded to the nearest second, is_write, project), keeping the
// earliest survivor.
func (s *SQLiteStore) Deduplicate(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_entries
		WHERE id NOT IN (
			SELECT id FROM (
				SELECT id, entity, entity_time_rounded, is_write, project, created_at,
					ROW_NUMBER() OVER (
						PARTITION BY entity, entity_time_rounded, is_write, project
						ORDER BY created_at ASC
					) AS rn
				FROM queue_entries
			)
			WHERE rn = 1
		)
	`)
	if err != nil {
		return s.deduplicateFallback(ctx)
	}
	return result.RowsAffected()
}

// deduplicateFallback performs the same dedup logic without window
// functions, for SQLite builds that lack them.
func (s *SQLiteStore) deduplicateFallback(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity, entity_time_rounded, is_write, project
		FROM queue_entries
		ORDER BY created_at ASC
	`)
	if err != nil {
		return 0, fmt.Errorf("%w: deduplicate scan: %v", ErrIO, err)
	}

	type key struct {
		entity  string
		rounded int64
		write   bool
		project string
	}
	seen := make(map[key]bool)
	var toDelete []string

	for rows.Next() {
		var id, entity, project string
		var rounded int64
		var write bool
		if err := rows.Scan(&id, &entity, &rounded, &write, &project); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: deduplicate scan row: %v", ErrIO, err)
		}
		k := key{entity, rounded, write, project}
		if seen[k] {
			toDelete = append(toDelete, id)
		} else {
			seen[k] = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("%w: deduplicate iterate: %v", ErrIO, err)
	}
	rows.Close()

	if err := s.removeBatchLocked(ctx, toDelete); err != nil {
		return 0, err
	}
	return int64(len(toDelete)), nil
}

func (s *SQLiteStore) removeBatchLocked(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ErrIO, err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM queue_entries WHERE id = ?", id); err != nil {
			return fmt.Errorf("%w: delete %s: %v", ErrIO, id, err)
		}
	}
	return tx.Commit()
}

// Vacuum reclaims storage after mass deletion.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("%w: vacuum: %v", ErrIO, err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
