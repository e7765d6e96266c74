package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upload.ChunkThreshold != 50_000_000 {
		t.Errorf("ChunkThreshold = %d", cfg.Upload.ChunkThreshold)
	}
	if cfg.Batch.Concurrency != 5 || cfg.Batch.Attempts != 3 {
		t.Errorf("batch = %+v", cfg.Batch)
	}
	if cfg.Batch.InitialBackoff != time.Second || cfg.Batch.MaxBackoff != 10*time.Second {
		t.Errorf("backoff = %s..%s", cfg.Batch.InitialBackoff, cfg.Batch.MaxBackoff)
	}
	if cfg.Node.URL() != "https://node1.bundlr.network:443" {
		t.Errorf("URL = %s", cfg.Node.URL())
	}
}

func TestYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uploader.yaml")
	yml := `
node:
  protocol: http
  host: localhost
  port: 1984
  headers:
    x-api-key: secret
currency:
  name: arweave
batch:
  concurrency: 8
  initial_backoff: 250ms
  max_backoff: 2s
upload:
  force_chunking: true
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BATCH_CONCURRENCY", "3")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.URL() != "http://localhost:1984" {
		t.Errorf("URL = %s", cfg.Node.URL())
	}
	if cfg.Node.Headers["x-api-key"] != "secret" {
		t.Errorf("headers = %v", cfg.Node.Headers)
	}
	if cfg.Batch.Concurrency != 3 {
		t.Errorf("env should override yaml, concurrency = %d", cfg.Batch.Concurrency)
	}
	if cfg.Batch.InitialBackoff != 250*time.Millisecond {
		t.Errorf("InitialBackoff = %s", cfg.Batch.InitialBackoff)
	}
	if !cfg.Upload.ForceChunking {
		t.Error("ForceChunking not read from yaml")
	}
	if cfg.Upload.ChunkThreshold != 50_000_000 {
		t.Error("unset yaml field should keep default")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %s", cfg.Logging.Level)
	}
}

func TestConfigPathFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(path, []byte("node:\n  host: example.org\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigPath, path)
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Node.Host != "example.org" {
		t.Errorf("Host = %s", cfg.Node.Host)
	}
}

func TestInvalidEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("NODE_PORT", "not-a-port")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "NODE_PORT") {
		t.Errorf("err = %v, want NODE_PORT error", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Node.Protocol = "ftp"
	cfg.Upload.ChunkThreshold = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"node.protocol", "chunk_threshold"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}

	cfg = Default()
	cfg.Batch.Concurrency = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("zero concurrency is coerced later, got %v", err)
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
