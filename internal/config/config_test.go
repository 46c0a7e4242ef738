package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calsync.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("first-run load failed: %v", err)
	}
	if cfg.SyncInterval != 5*time.Minute || cfg.Timezone != "UTC" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("default config was not written: %v", err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Fatalf("config file permissions = %o, want 600", perm)
	}
}

func TestLoadRoundTripsSavedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calsync.yaml")

	want := DefaultConfig()
	want.Timezone = "America/Sao_Paulo"
	want.HorizonDays = 14
	want.ImportFiles = []string{"team.ics"}
	if err := Save(path, want); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got.Timezone != "America/Sao_Paulo" || got.HorizonDays != 14 {
		t.Fatalf("round trip lost values: %+v", got)
	}
	if len(got.ImportFiles) != 1 || got.ImportFiles[0] != "team.ics" {
		t.Fatalf("import files lost: %v", got.ImportFiles)
	}
}

func TestNormalizeFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	cfg.Normalize()

	if cfg.SyncInterval <= 0 || cfg.CacheTTL <= 0 || cfg.HorizonDays <= 0 {
		t.Fatalf("zero durations must be defaulted: %+v", cfg)
	}
	if cfg.Timezone == "" || cfg.DataDir == "" || cfg.LogLevel == "" {
		t.Fatalf("zero strings must be defaulted: %+v", cfg)
	}
	if cfg.ImportFiles == nil {
		t.Fatal("import files must default to an empty slice")
	}
}

func TestNormalizeEnvOverridesCredentials(t *testing.T) {
	t.Setenv("GOOGLE_CLIENT_ID", "env-id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "env-secret")

	cfg := &Config{GoogleClientID: "file-id", GoogleClientSecret: "file-secret"}
	cfg.Normalize()

	if cfg.GoogleClientID != "env-id" || cfg.GoogleClientSecret != "env-secret" {
		t.Fatalf("environment must override file credentials: %+v", cfg)
	}
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := &Config{Timezone: "Not/AZone"}
	if cfg.Location() != time.UTC {
		t.Fatal("invalid timezone must fall back to UTC")
	}

	cfg.Timezone = "America/Sao_Paulo"
	if cfg.Location().String() != "America/Sao_Paulo" {
		t.Fatalf("unexpected location: %v", cfg.Location())
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calsync.yaml")
	if err := os.WriteFile(path, []byte("sync_interval: [not a duration"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}
