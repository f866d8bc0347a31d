package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/nx-solutions-ug/chronova-cli/internal/config"
	"github.com/spf13/cobra"
)

var queueJSONOutput bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the local heartbeat queue",
	Long:  "List queued heartbeats, report sync statistics, and run maintenance without submitting new heartbeats.",
}

func init() {
	queueCmd.PersistentFlags().BoolVar(&queueJSONOutput, "json", false, "Output in JSON format")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueVacuumCmd)
	queueCmd.AddCommand(queueDedupeCmd)
}

var queueListLimit int

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued heartbeats",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flags.configPath)
		if err != nil {
			return newCLIError(exitConfigError, err)
		}
		store, err := openStore(cmd.Context(), cfg, newLogger(cfg))
		if err != nil {
			return newCLIError(exitConfigError, err)
		}
		defer store.Close()

		entries, err := store.GetPending(cmd.Context(), queueListLimit, nil)
		if err != nil {
			return newCLIError(exitConfigError, err)
		}

		if queueJSONOutput {
			return printJSON(cmd.OutOrStdout(), entries)
		}

		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintln(w, "ID\tSTATUS\tRETRIES\tENTITY\tCREATED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				e.Heartbeat.ID, e.SyncStatus, e.RetryCount, e.Heartbeat.Entity,
				humanize.Time(e.CreatedAt))
		}
		return w.Flush()
	},
}

func init() {
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 100, "Maximum entries to list")
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print aggregate queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flags.configPath)
		if err != nil {
			return newCLIError(exitConfigError, err)
		}
		store, err := openStore(cmd.Context(), cfg, newLogger(cfg))
		if err != nil {
			return newCLIError(exitConfigError, err)
		}
		defer store.Close()

		stats, err := store.GetSyncStats(cmd.Context())
		if err != nil {
			return newCLIError(exitConfigError, err)
		}

		if queueJSONOutput {
			return printJSON(cmd.OutOrStdout(), stats)
		}

		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintf(w, "pending\t%d\n", stats.Pending)
		fmt.Fprintf(w, "syncing\t%d\n", stats.Syncing)
		fmt.Fprintf(w, "synced\t%d\n", stats.Synced)
		fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
		fmt.Fprintf(w, "permanent_failure\t%d\n", stats.PermanentFailure)
		fmt.Fprintf(w, "total\t%d\n", stats.Total)
		return w.Flush()
	},
}

var queueVacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Reclaim disk space after entries have been evicted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flags.configPath)
		if err != nil {
			return newCLIError(exitConfigError, err)
		}
		store, err := openStore(cmd.Context(), cfg, newLogger(cfg))
		if err != nil {
			return newCLIError(exitConfigError, err)
		}
		defer store.Close()

		if err := store.Vacuum(cmd.Context()); err != nil {
			return newCLIError(exitConfigError, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "queue vacuumed")
		return nil
	},
}

var queueDedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Remove duplicate queued heartbeats",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flags.configPath)
		if err != nil {
			return newCLIError(exitConfigError, err)
		}
		store, err := openStore(cmd.Context(), cfg, newLogger(cfg))
		if err != nil {
			return newCLIError(exitConfigError, err)
		}
		defer store.Close()

		removed, err := store.Deduplicate(cmd.Context())
		if err != nil {
			return newCLIError(exitConfigError, err)
		}

		if queueJSONOutput {
			return printJSON(cmd.OutOrStdout(), map[string]int64{"removed": removed})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d duplicate entries\n", removed)
		return nil
	},
}

// printJSON marshals v to JSON and writes it to w.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
