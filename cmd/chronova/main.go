package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nx-solutions-ug/chronova-cli/internal/backup"
	"github.com/nx-solutions-ug/chronova-cli/internal/config"
	"github.com/nx-solutions-ug/chronova-cli/internal/queue"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// openStore resolves the queue database path and opens it, wiring the
// configured backup uploader for corrupted-file archival.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*queue.SQLiteStore, error) {
	dbPath, err := defaultQueuePath()
	if err != nil {
		return nil, err
	}

	uploader, err := backup.NewUploader(backup.Config{
		Bucket:   cfg.Backup.S3Bucket,
		Endpoint: cfg.Backup.S3Endpoint,
		Region:   cfg.Backup.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("configure backup uploader: %w", err)
	}

	return queue.Open(ctx, dbPath,
		queue.WithMaxCount(cfg.Sync.MaxQueueSize),
		queue.WithBackupUploader(uploader),
		queue.WithLogger(logger),
	)
}

func defaultQueuePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".chronova")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create queue directory: %w", err)
	}
	return filepath.Join(dir, "queue.db"), nil
}
