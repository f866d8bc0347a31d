package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/nx-solutions-ug/chronova-cli/internal/apiclient"
	"github.com/nx-solutions-ug/chronova-cli/internal/config"
	"github.com/nx-solutions-ug/chronova-cli/internal/pipeline"
	"github.com/nx-solutions-ug/chronova-cli/internal/queue"
	"github.com/nx-solutions-ug/chronova-cli/internal/retry"
	"github.com/nx-solutions-ug/chronova-cli/internal/syncengine"
	"github.com/nx-solutions-ug/chronova-cli/internal/types"
	"github.com/spf13/cobra"
)

// Version information set at build time via ldflags:
//
//	-X main.Version=1.0.0
//	-X main.Commit=abc1234
//	-X main.Date=2026-01-30T12:00:00Z
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var flags struct {
	entity            string
	entityType        string
	timestamp         float64
	project           string
	alternateProject  string
	branch            string
	language          string
	alternateLanguage string
	category          string
	lines             int64
	lineNo            int64
	cursorPos         int64
	isWrite           bool
	plugin            string
	extraHeartbeats   bool

	syncOffline  string
	offlineCount bool
	today        bool

	configPath  string
	configRead  string
	configWrite string

	verbose bool
	logFile string
	output  string
}

var rootCmd = &cobra.Command{
	Use:     "chronova",
	Short:   "Chronova - offline-first heartbeat tracking agent",
	Version: Version,
	RunE:    run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("chronova %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(queueCmd)

	f := rootCmd.Flags()
	f.StringVar(&flags.entity, "entity", "", "Subject of the heartbeat")
	f.StringVar(&flags.entityType, "entity-type", "", "Override entity type inference (file, domain, url, app)")
	f.Float64Var(&flags.timestamp, "time", 0, "Override timestamp (epoch seconds)")
	f.StringVar(&flags.project, "project", "", "Project name")
	f.StringVar(&flags.alternateProject, "alternate-project", "", "Alternate project name")
	f.StringVar(&flags.branch, "branch", "", "Git branch name")
	f.StringVar(&flags.language, "language", "", "Language name")
	f.StringVar(&flags.alternateLanguage, "alternate-language", "", "Alternate language name")
	f.StringVar(&flags.category, "category", "", "Activity category")
	f.Int64Var(&flags.lines, "lines", 0, "Total lines in the entity")
	f.Int64Var(&flags.lineNo, "lineno", 0, "Current cursor line")
	f.Int64Var(&flags.cursorPos, "cursorpos", 0, "Current cursor column")
	f.BoolVar(&flags.isWrite, "write", false, "Whether this heartbeat was triggered by a write")
	f.StringVar(&flags.plugin, "plugin", "", "Editor plugin identifier")
	f.BoolVar(&flags.extraHeartbeats, "extra-heartbeats", false, "Read a JSON array of additional heartbeats from stdin")

	f.StringVar(&flags.syncOffline, "sync-offline-activity", "", "Run a manual sync of N queued entries, or 'none' to skip")
	f.BoolVar(&flags.offlineCount, "offline-count", false, "Print the count of queued pending/failed heartbeats")
	f.BoolVar(&flags.today, "today", false, "Print a summary of today's tracked time")

	f.StringVar(&flags.configRead, "config-read", "", "Print a single 'section.key' config value and exit")
	f.StringVar(&flags.configWrite, "config-write", "", "Write a 'section.key=value' config value and exit")

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Path to the config file")
	pf.BoolVar(&flags.verbose, "verbose", false, "Verbose diagnostic logging")
	pf.StringVar(&flags.logFile, "log-file", "", "Override the default log file path")
	pf.StringVar(&flags.output, "output", "text", "Output format: text or json")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return newCLIError(exitConfigError, err)
	}

	if flags.configRead != "" {
		return runConfigRead(cmd, cfg)
	}
	if flags.configWrite != "" {
		return runConfigWrite(cmd, cfg)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	store, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return newCLIError(exitConfigError, fmt.Errorf("open queue store: %w", err))
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

	switch {
	case flags.today:
		return runToday(cmd, client)
	case flags.offlineCount:
		return runOfflineCount(cmd, store)
	case flags.syncOffline != "":
		return runManualSync(cmd, engine)
	}

	if flags.entity == "" {
		return newCLIError(exitInvocation, fmt.Errorf("--entity is required"))
	}

	syncFn := func(ctx context.Context) error {
		_, err := engine.SyncPending(ctx)
		return err
	}
	if cfg.Settings.Offline {
		syncFn = nil
	}

	pl := pipeline.New(store, Version, syncFn, pipeline.WithLogger(logger))

	params := pipeline.Params{
		Entity:            flags.entity,
		EntityType:        types.EntityType(flags.entityType),
		Time:              flags.timestamp,
		Project:           flags.project,
		AlternateProject:  flags.alternateProject,
		Branch:            flags.branch,
		Language:          flags.language,
		AlternateLanguage: flags.alternateLanguage,
		Category:          flags.category,
		IsWrite:           flags.isWrite,
		Plugin:            flags.plugin,
		IgnorePatterns:    cfg.Settings.Ignore,
		IncludePatterns:   cfg.Settings.Include,
	}
	if flags.lines > 0 {
		params.Lines = &flags.lines
	}
	if flags.lineNo > 0 {
		params.LineNo = &flags.lineNo
	}
	if flags.cursorPos > 0 {
		params.CursorPos = &flags.cursorPos
	}
	if flags.extraHeartbeats {
		params.ExtraHeartbeats = cmd.InOrStdin()
	}

	result, err := pl.Run(cmd.Context(), params)
	if err != nil {
		return newCLIError(exitAPIError, err)
	}

	return printResult(cmd, store, result)
}

func runConfigRead(cmd *cobra.Command, cfg *config.Config) error {
	section, key, ok := strings.Cut(flags.configRead, ".")
	if !ok {
		return newCLIError(exitInvocation, fmt.Errorf("invalid --config-read value %q, expected 'section.key'", flags.configRead))
	}
	value := lookupConfigValue(cfg, section, key)
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func runConfigWrite(cmd *cobra.Command, cfg *config.Config) error {
	sectionKey, value, ok := strings.Cut(flags.configWrite, "=")
	if !ok {
		return newCLIError(exitInvocation, fmt.Errorf("invalid --config-write value %q, expected 'section.key=value'", flags.configWrite))
	}
	path := flags.configPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return newCLIError(exitConfigError, err)
		}
		path = home + "/.chronova.cfg"
	}
	if err := config.WriteKey(path, sectionKey, value); err != nil {
		return newCLIError(exitConfigError, err)
	}
	return nil
}

func lookupConfigValue(cfg *config.Config, section, key string) string {
	switch section + "." + key {
	case "settings.api_key":
		return cfg.Settings.APIKey
	case "settings.api_url":
		return cfg.Settings.APIURL
	case "settings.hostname":
		return cfg.Settings.Hostname
	case "settings.offline":
		return strconv.FormatBool(cfg.Settings.Offline)
	case "sync.batch_size":
		return strconv.Itoa(cfg.Sync.BatchSize)
	case "sync.sync_max_queue_size":
		return strconv.FormatInt(cfg.Sync.MaxQueueSize, 10)
	default:
		return ""
	}
}

func runToday(cmd *cobra.Command, client *apiclient.Client) error {
	stats, err := client.GetTodayStats(cmd.Context())
	if err != nil {
		return newCLIError(classifyAPIErr(err), err)
	}
	if flags.output == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
			"status":        "ok",
			"total_seconds": stats.TotalSeconds,
			"text":          stats.HumanReadable,
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), stats.HumanReadable)
	return nil
}

func runOfflineCount(cmd *cobra.Command, store queue.Store) error {
	pending, err := store.CountByStatus(cmd.Context(), types.StatusPending)
	if err != nil {
		return newCLIError(exitConfigError, err)
	}
	failed, err := store.CountByStatus(cmd.Context(), types.StatusFailed)
	if err != nil {
		return newCLIError(exitConfigError, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), pending+failed)
	return nil
}

func runManualSync(cmd *cobra.Command, engine *syncengine.Engine) error {
	if flags.syncOffline == "none" {
		return nil
	}
	n, err := strconv.Atoi(flags.syncOffline)
	if err != nil {
		return newCLIError(exitInvocation, fmt.Errorf("--sync-offline-activity expects an integer or 'none', got %q", flags.syncOffline))
	}
	result, err := engine.ManualSync(cmd.Context(), n)
	if err != nil {
		return newCLIError(exitAPIError, err)
	}
	if result.LastError != nil {
		return newCLIError(exitAPIError, result.LastError)
	}
	if flags.output == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
			"status":    "ok",
			"attempted": result.Attempted,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "synced %d/%d heartbeats\n", result.Succeeded, result.Attempted)
	return nil
}

func printResult(cmd *cobra.Command, store queue.Store, result pipeline.Result) error {
	if flags.output == "json" {
		depth, _ := store.Count(cmd.Context())
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
			"status":      "ok",
			"queue_depth": depth,
		})
	}
	if result.Skipped {
		return nil
	}
	printDiagnostic(cmd.ErrOrStderr(), "heartbeat recorded", false)
	return nil
}

// printDiagnostic writes a one-line message to w, colorized when w is a
// terminal (per mattn/go-isatty) and --output isn't json.
func printDiagnostic(w io.Writer, message string, isError bool) {
	if flags.output == "json" {
		return
	}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		c := color.New(color.FgGreen)
		if isError {
			c = color.New(color.FgRed)
		}
		c.Fprintln(w, message)
		return
	}
	fmt.Fprintln(w, message)
}

func newLogger(cfg *config.Config) *slog.Logger {
	logPath := flags.logFile
	if logPath == "" {
		logPath = cfg.Settings.LogFile
	}
	if logPath == "" {
		home, _ := os.UserHomeDir()
		logPath = home + "/.chronova.log"
	}

	var sink io.Writer
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		sink = os.Stderr
	} else {
		sink = f
	}

	level := slog.LevelInfo
	if flags.verbose || cfg.Settings.Debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if flags.output == "json" {
		return slog.New(slog.NewJSONHandler(sink, opts))
	}
	return slog.New(slog.NewTextHandler(sink, opts))
}

func classifyAPIErr(err error) int {
	var rlErr *apiclient.RateLimitError
	if errors.As(err, &rlErr) {
		return exitRateLimited
	}
	return exitAPIError
}
