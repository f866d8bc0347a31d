package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nx-solutions-ug/chronova-cli/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func heartbeat(id, entity string, ts float64) types.Heartbeat {
	return types.Heartbeat{
		ID:         id,
		Entity:     entity,
		EntityType: types.EntityFile,
		Time:       ts,
		Project:    "chronova-cli",
	}
}

func TestSQLiteStore_AddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	hb := heartbeat("01", "/tmp/a.go", 1700000000)
	if err := store.Add(ctx, hb); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	if err := store.Add(ctx, hb); err != nil {
		t.Fatalf("second Add failed: %v", err)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 entry after duplicate Add, got %d", count)
	}
}

func TestSQLiteStore_GetPendingDefaultsAndOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i, ts := range []float64{1700000003, 1700000001, 1700000002} {
		hb := heartbeat(string(rune('a'+i)), "/tmp/f.go", ts)
		if err := store.Add(ctx, hb); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	entries, err := store.GetPending(ctx, 10, nil)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 pending entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.SyncStatus != types.StatusPending {
			t.Errorf("expected status Pending, got %v", e.SyncStatus)
		}
	}
	for i, want := range []string{"a", "b", "c"} {
		if entries[i].Heartbeat.ID != want {
			t.Errorf("entry %d: expected id %q (creation order), got %q", i, want, entries[i].Heartbeat.ID)
		}
	}
}

func TestSQLiteStore_UpdateSyncStatusBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ids := []string{"a", "b"}
	for _, id := range ids {
		if err := store.Add(ctx, heartbeat(id, "/tmp/f.go", 1700000000)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	err := store.UpdateSyncStatusBatch(ctx, []types.StatusUpdate{
		{ID: "a", Status: types.StatusSynced},
		{ID: "b", Status: types.StatusFailed, Metadata: "network error"},
	})
	if err != nil {
		t.Fatalf("UpdateSyncStatusBatch failed: %v", err)
	}

	stats, err := store.GetSyncStats(ctx)
	if err != nil {
		t.Fatalf("GetSyncStats failed: %v", err)
	}
	if stats.Synced != 1 || stats.Failed != 1 {
		t.Errorf("expected 1 synced and 1 failed, got %+v", stats)
	}
}

func TestSQLiteStore_IncrementRetry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Add(ctx, heartbeat("a", "/tmp/f.go", 1700000000)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	for want := uint32(1); want <= 3; want++ {
		got, err := store.IncrementRetry(ctx, "a")
		if err != nil {
			t.Fatalf("IncrementRetry failed: %v", err)
		}
		if got != want {
			t.Errorf("expected retry count %d, got %d", want, got)
		}
	}
}

func TestSQLiteStore_RemoveBatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Add(ctx, heartbeat(id, "/tmp/f.go", 1700000000)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	if err := store.RemoveBatch(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("RemoveBatch failed: %v", err)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 remaining entry, got %d", count)
	}
}

func TestSQLiteStore_CleanupOldEntries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Add(ctx, heartbeat("a", "/tmp/f.go", 1700000000)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := store.UpdateSyncStatus(ctx, "a", types.StatusSynced, ""); err != nil {
		t.Fatalf("UpdateSyncStatus failed: %v", err)
	}

	// created_at is "now", so a 24h threshold should not remove it yet.
	removed, err := store.CleanupOldEntries(ctx, 24*time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupOldEntries failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected 0 removed for a fresh entry, got %d", removed)
	}

	// A negative threshold pushes the cutoff into the future, so the
	// fresh entry counts as older than it.
	removed, err = store.CleanupOldEntries(ctx, -time.Hour, -time.Hour)
	if err != nil {
		t.Fatalf("CleanupOldEntries failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed once past the cutoff, got %d", removed)
	}
}

func TestSQLiteStore_EnforceMaxCountEvictsOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i, id := range []string{"a", "b", "c"} {
		hb := heartbeat(id, "/tmp/f.go", float64(1700000000+i))
		if err := store.Add(ctx, hb); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	evicted, err := store.EnforceMaxCount(ctx, 2)
	if err != nil {
		t.Fatalf("EnforceMaxCount failed: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}

	entries, err := store.GetPending(ctx, 10, nil)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 remaining entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Heartbeat.ID == "a" {
			t.Error("oldest entry should have been evicted first")
		}
	}
}

func TestSQLiteStore_Deduplicate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := heartbeat("a", "/tmp/f.go", 1700000000.1)
	dup := heartbeat("b", "/tmp/f.go", 1700000000.4)

	if err := store.Add(ctx, base); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := store.Add(ctx, dup); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	removed, err := store.Deduplicate(ctx)
	if err != nil {
		t.Fatalf("Deduplicate failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 duplicate removed, got %d", removed)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 surviving entry, got %d", count)
	}
}

func TestSQLiteStore_VacuumDoesNotError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Add(ctx, heartbeat("a", "/tmp/f.go", 1700000000)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := store.RemoveBatch(ctx, []string{"a"}); err != nil {
		t.Fatalf("RemoveBatch failed: %v", err)
	}
	if err := store.Vacuum(ctx); err != nil {
		t.Errorf("Vacuum failed: %v", err)
	}
}

func TestSQLiteStore_AddEvictsOldestWhenOverMaxCount(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, ":memory:", WithMaxCount(1))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Add(ctx, heartbeat("a", "/tmp/f.go", 1700000000)); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	if err := store.Add(ctx, heartbeat("b", "/tmp/f.go", 1700000001)); err != nil {
		t.Fatalf("second Add failed: %v", err)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly 1 entry under max count, got %d", count)
	}

	entries, err := store.GetPending(ctx, 10, nil)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Heartbeat.ID != "b" {
		t.Errorf("expected only the newest entry b to survive, got %+v", entries)
	}
}

func TestSQLiteStore_OpenResetsStuckSyncingEntries(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "queue.db")

	store, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Add(ctx, heartbeat("a", "/tmp/a.go", 1700000000)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := store.UpdateSyncStatus(ctx, "a", types.StatusSyncing, ""); err != nil {
		t.Fatalf("UpdateSyncStatus failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	syncing, err := reopened.CountByStatus(ctx, types.StatusSyncing)
	if err != nil {
		t.Fatalf("CountByStatus(Syncing) failed: %v", err)
	}
	if syncing != 0 {
		t.Errorf("expected no entries left in Syncing after reopen, got %d", syncing)
	}

	pending, err := reopened.CountByStatus(ctx, types.StatusPending)
	if err != nil {
		t.Fatalf("CountByStatus(Pending) failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("expected the stuck entry to be reset to Pending, got %d pending", pending)
	}
}
