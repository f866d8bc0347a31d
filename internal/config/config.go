// Package config loads Chronova's INI configuration file, following the
// WakaTime CLI ecosystem's `~/.wakatime.cfg` convention with a
// defaults -> file -> environment precedence chain.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-ini/ini"
)

// Config is the root configuration structure. It is read-only after
// Load() returns and safe for concurrent reads.
type Config struct {
	Settings SettingsConfig
	Sync     SyncConfig
	Backup   BackupConfig
}

// SettingsConfig mirrors the INI [settings] section.
type SettingsConfig struct {
	APIKey           string
	APIURL           string
	Hostname         string
	HideFileNames    bool
	HideProjectNames bool
	Ignore           []string
	Include          []string
	Debug            bool
	LogFile          string
	Offline          bool
}

// SyncConfig mirrors the INI [sync] section.
type SyncConfig struct {
	BatchSize        int
	MaxRetryAttempts int
	RetryBaseDelay   Duration
	RetryMaxDelay    Duration
	RetryUseJitter   bool
	SyncInterval     Duration
	MaxQueueSize     int64
	RetentionDays    int
	Background       bool
}

// BackupConfig mirrors the INI [backup] section.
type BackupConfig struct {
	S3Bucket   string
	S3Endpoint string
	S3Region   string
}

// Duration is a wrapper around time.Duration parsed from a plain integer
// number of seconds in the INI file, matching how go-ini stores scalar
// values.
type Duration time.Duration

// Load reads configuration with precedence defaults -> file -> env. path
// is resolved as: explicit argument, then CHRONOVA_CONFIG, then
// ~/.chronova.cfg. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := newDefaults()

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := loadINIFile(cfg, resolved); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func resolvePath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if v := os.Getenv("CHRONOVA_CONFIG"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".chronova.cfg"), nil
}

func newDefaults() *Config {
	return &Config{
		Settings: SettingsConfig{
			APIURL: "https://api.wakatime.com/api/v1/",
		},
		Sync: SyncConfig{
			BatchSize:        50,
			MaxRetryAttempts: 5,
			RetryBaseDelay:   Duration(1 * time.Second),
			RetryMaxDelay:    Duration(60 * time.Second),
			RetryUseJitter:   true,
			SyncInterval:     Duration(2 * time.Minute),
			MaxQueueSize:     1000,
			RetentionDays:    30,
			Background:       true,
		},
	}
}

// loadINIFile loads configuration from an INI file if it exists. A
// missing file is not an error; defaults apply.
func loadINIFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	file, err := ini.Load(data)
	if err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	settings := file.Section("settings")
	cfg.Settings.APIKey = settings.Key("api_key").MustString(cfg.Settings.APIKey)
	cfg.Settings.APIURL = settings.Key("api_url").MustString(cfg.Settings.APIURL)
	cfg.Settings.Hostname = settings.Key("hostname").MustString(cfg.Settings.Hostname)
	cfg.Settings.HideFileNames = settings.Key("hide_file_names").MustBool(cfg.Settings.HideFileNames)
	cfg.Settings.HideProjectNames = settings.Key("hide_project_names").MustBool(cfg.Settings.HideProjectNames)
	cfg.Settings.Debug = settings.Key("debug").MustBool(cfg.Settings.Debug)
	cfg.Settings.LogFile = settings.Key("log_file").MustString(cfg.Settings.LogFile)
	cfg.Settings.Offline = settings.Key("offline").MustBool(cfg.Settings.Offline)
	if v := settings.Key("ignore").Strings(","); len(v) > 0 {
		cfg.Settings.Ignore = v
	}
	if v := settings.Key("include").Strings(","); len(v) > 0 {
		cfg.Settings.Include = v
	}

	sync := file.Section("sync")
	cfg.Sync.BatchSize = sync.Key("batch_size").MustInt(cfg.Sync.BatchSize)
	cfg.Sync.MaxRetryAttempts = sync.Key("max_retry_attempts").MustInt(cfg.Sync.MaxRetryAttempts)
	cfg.Sync.RetryBaseDelay = durationSeconds(sync, "retry_base_delay_seconds", cfg.Sync.RetryBaseDelay)
	cfg.Sync.RetryMaxDelay = durationSeconds(sync, "retry_max_delay_seconds", cfg.Sync.RetryMaxDelay)
	cfg.Sync.RetryUseJitter = sync.Key("retry_use_jitter").MustBool(cfg.Sync.RetryUseJitter)
	cfg.Sync.SyncInterval = durationSeconds(sync, "sync_interval_seconds", cfg.Sync.SyncInterval)
	cfg.Sync.MaxQueueSize = sync.Key("sync_max_queue_size").MustInt64(cfg.Sync.MaxQueueSize)
	cfg.Sync.RetentionDays = sync.Key("sync_retention_days").MustInt(cfg.Sync.RetentionDays)
	cfg.Sync.Background = sync.Key("sync_background").MustBool(cfg.Sync.Background)

	backup := file.Section("backup")
	cfg.Backup.S3Bucket = backup.Key("s3_bucket").MustString(cfg.Backup.S3Bucket)
	cfg.Backup.S3Endpoint = backup.Key("s3_endpoint").MustString(cfg.Backup.S3Endpoint)
	cfg.Backup.S3Region = backup.Key("s3_region").MustString(cfg.Backup.S3Region)

	return nil
}

func durationSeconds(section *ini.Section, key string, fallback Duration) Duration {
	seconds := section.Key(key).MustInt(int(time.Duration(fallback).Seconds()))
	return Duration(time.Duration(seconds) * time.Second)
}

// applyEnvOverrides applies environment variable value overrides.
// CHRONOVA_API_KEY is the only one; it takes precedence over whatever the
// config file set. CHRONOVA_CONFIG selects the file itself and is handled
// in resolvePath.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHRONOVA_API_KEY"); v != "" {
		cfg.Settings.APIKey = v
	}
}

// validate checks that required configuration values are set.
func (c *Config) validate() error {
	if c.Settings.APIKey == "" && !c.Settings.Offline {
		return errors.New("api_key is required unless offline mode is set")
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("sync.batch_size must be positive")
	}
	if c.Sync.MaxQueueSize <= 0 {
		return errors.New("sync.sync_max_queue_size must be positive")
	}
	return nil
}

// WriteKey updates a single "section.key" value in the config file at
// path, creating the file if absent, for --config-write.
func WriteKey(path, sectionKey, value string) error {
	section, key, err := splitSectionKey(sectionKey)
	if err != nil {
		return err
	}

	file, err := ini.LooseLoad(path)
	if err != nil {
		return fmt.Errorf("loading config file: %w", err)
	}

	file.Section(section).Key(key).SetValue(value)
	if err := file.SaveTo(path); err != nil {
		return fmt.Errorf("saving config file: %w", err)
	}
	return nil
}

func splitSectionKey(sectionKey string) (section, key string, err error) {
	for i := 0; i < len(sectionKey); i++ {
		if sectionKey[i] == '.' {
			return sectionKey[:i], sectionKey[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("invalid section.key %q, expected a '.'", sectionKey)
}
