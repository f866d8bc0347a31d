package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nx-solutions-ug/chronova-cli/internal/apiclient"
	"github.com/nx-solutions-ug/chronova-cli/internal/config"
	"github.com/nx-solutions-ug/chronova-cli/internal/retry"
	"github.com/nx-solutions-ug/chronova-cli/internal/syncengine"
	"github.com/spf13/cobra"
)

// serveCmd keeps the process warm for editor plugins that would
// otherwise pay process-startup cost on every heartbeat: it opens the
// queue once and runs the periodic sync, connectivity, and retention
// loops in-process until signaled, rather than relying on each one-shot
// invocation's opportunistic sync.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background sync/connectivity/retention loops until signaled",
	Long:  "Keeps chronova resident for long-lived editor integrations, draining the queue on a schedule instead of per-invocation.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Detach from the root command's one-shot deadline so the loops run
	// until a signal arrives.
	ctx, cancel := signal.NotifyContext(context.WithoutCancel(cmd.Context()), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return newCLIError(exitConfigError, err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return newCLIError(exitConfigError, err)
	}
	defer store.Close()

	client := apiclient.New(cfg.Settings.APIURL, cfg.Settings.APIKey)
	engine := syncengine.New(store, client,
		syncengine.WithPolicy(retry.Policy{
			BaseDelay:   time.Duration(cfg.Sync.RetryBaseDelay),
			MaxDelay:    time.Duration(cfg.Sync.RetryMaxDelay),
			MaxAttempts: uint32(cfg.Sync.MaxRetryAttempts),
			UseJitter:   cfg.Sync.RetryUseJitter,
		}),
		syncengine.WithBatchSize(cfg.Sync.BatchSize),
		syncengine.WithLogger(logger),
	)

	interval := time.Duration(cfg.Sync.SyncInterval)
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	engine.StartBackgroundSync(ctx, interval)
	engine.StartConnectivityMonitoring(ctx, interval)

	retention := syncengine.DefaultRetentionPolicy()
	if cfg.Sync.RetentionDays > 0 {
		retention.FailedOlderThan = time.Duration(cfg.Sync.RetentionDays) * 24 * time.Hour
	}
	if cfg.Sync.MaxQueueSize > 0 {
		retention.MaxCount = cfg.Sync.MaxQueueSize
	}
	engine.StartRetentionMaintenance(ctx, retention)

	printDiagnostic(cmd.ErrOrStderr(), "chronova serve: background loops started", false)

	<-ctx.Done()
	logger.Info("serve: shutdown initiated", "component", "cmd", "reason", "signal_received")
	return nil
}
