package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	// DataDir holds the account store and other engine state.
	DataDir string `yaml:"data_dir"`

	// Timezone is the IANA timezone used as the canonical local zone for
	// all-day boundaries and date-only parsing (e.g. "America/Sao_Paulo").
	Timezone string `yaml:"timezone"`

	// SyncInterval is how often the scheduler refreshes in the background.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// CacheTTL bounds how stale an aggregated event list may be served.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// HorizonDays is the default fetch window length for background syncs.
	HorizonDays int `yaml:"horizon_days"`

	// HelperPath is the native calendar helper binary. Empty disables the
	// native source entirely (the script fallback still runs).
	HelperPath string `yaml:"helper_path"`

	// ImportDir is the only directory user-supplied calendar files may be
	// read from.
	ImportDir string `yaml:"import_dir"`

	// ImportFiles are the calendar files (relative to ImportDir) to include.
	ImportFiles []string `yaml:"import_files"`

	GoogleClientID     string `yaml:"google_client_id"`
	GoogleClientSecret string `yaml:"google_client_secret"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:      "data",
		Timezone:     "UTC",
		SyncInterval: 5 * time.Minute,
		CacheTTL:     5 * time.Minute,
		HorizonDays:  7,
		ImportDir:    "imports",
		ImportFiles:  []string{},
		LogLevel:     "info",
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5 * time.Minute
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 7
	}
	if c.ImportDir == "" {
		c.ImportDir = "imports"
	}
	if c.ImportFiles == nil {
		c.ImportFiles = []string{}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	// Environment variables override the file for credentials so secrets can
	// stay out of the config entirely.
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		c.GoogleClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		c.GoogleClientSecret = v
	}
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path. If the file does not
// exist, a default config is written there (0600) and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			cfg.Normalize()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the configuration atomically (temp file + rename) with 0600
// permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
