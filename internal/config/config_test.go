package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "debug: true\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Debug {
		t.Error("expected debug true")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Broker.Type != "memory" {
		t.Errorf("expected default broker memory, got %s", cfg.Broker.Type)
	}
	if cfg.Worker.PoolSize != 2 {
		t.Errorf("expected default pool size 2, got %d", cfg.Worker.PoolSize)
	}
	if cfg.Worker.TaskTimeout.Std() != 30*time.Minute {
		t.Errorf("expected default task timeout 30m, got %s", cfg.Worker.TaskTimeout.Std())
	}
	if cfg.Broker.VisibilityTimeout.Std() != 35*time.Minute {
		t.Errorf("expected default visibility 35m, got %s", cfg.Broker.VisibilityTimeout.Std())
	}
	if cfg.Ingest.ChunkSize != 1000 {
		t.Errorf("expected default chunk size 1000, got %d", cfg.Ingest.ChunkSize)
	}
	if cfg.Ingest.MaxFileSizeMB != 20 {
		t.Errorf("expected default max size 20MB, got %d", cfg.Ingest.MaxFileSizeMB)
	}
	if cfg.Cleanup.OlderThanDays != 30 {
		t.Errorf("expected default retention 30 days, got %d", cfg.Cleanup.OlderThanDays)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
worker:
  pool_size: 4
  task_timeout: 90s
broker:
  type: redis
  visibility_timeout: 2m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.PoolSize != 4 {
		t.Errorf("expected pool size 4, got %d", cfg.Worker.PoolSize)
	}
	if cfg.Worker.TaskTimeout.Std() != 90*time.Second {
		t.Errorf("expected 90s timeout, got %s", cfg.Worker.TaskTimeout.Std())
	}
	if cfg.Broker.VisibilityTimeout.Std() != 2*time.Minute {
		t.Errorf("expected 2m visibility, got %s", cfg.Broker.VisibilityTimeout.Std())
	}
	if cfg.Broker.Type != "redis" {
		t.Errorf("expected broker redis, got %s", cfg.Broker.Type)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "worker:\n  task_timeout: soon\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestExpandPathRelativeToConfigDir(t *testing.T) {
	path := writeConfig(t, "storage:\n  database_path: ./data/db.sqlite\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := filepath.Join(filepath.Dir(path), "data/db.sqlite")
	if cfg.Storage.DatabasePath != want {
		t.Errorf("expected %s, got %s", want, cfg.Storage.DatabasePath)
	}
}

func TestMaxFileSizeBytes(t *testing.T) {
	ing := IngestConfig{MaxFileSizeMB: 20}
	if got := ing.MaxFileSizeBytes(); got != 20*1024*1024 {
		t.Errorf("expected 20MiB, got %d", got)
	}
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration(45 * time.Second)
	out, err := yaml.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Duration
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back != d {
		t.Errorf("round trip changed value: %s != %s", time.Duration(back), time.Duration(d))
	}
}

func TestWatchExtensionsDefaultToAllowed(t *testing.T) {
	path := writeConfig(t, "ingest:\n  allowed_extensions: [\".pdf\"]\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Watch.Extensions) != 1 || cfg.Watch.Extensions[0] != ".pdf" {
		t.Errorf("expected watch extensions to follow ingest, got %v", cfg.Watch.Extensions)
	}
}
