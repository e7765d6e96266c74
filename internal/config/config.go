// Package config loads uploader configuration from defaults, an optional
// YAML file and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the YAML file when --config is not given.
const EnvConfigPath = "UPLOADER_CONFIG"

type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Currency   CurrencyConfig   `yaml:"currency"`
	Upload     UploadConfig     `yaml:"upload"`
	Batch      BatchConfig      `yaml:"batch"`
	Source     SourceConfig     `yaml:"source"`
	Storage    StorageConfig    `yaml:"storage"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Audit      AuditConfig      `yaml:"audit"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type NodeConfig struct {
	Protocol string            `yaml:"protocol"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// URL is protocol://host:port.
func (n NodeConfig) URL() string {
	return fmt.Sprintf("%s://%s:%d", n.Protocol, n.Host, n.Port)
}

type CurrencyConfig struct {
	Name    string `yaml:"name"`
	KeyFile string `yaml:"key_file"`
}

type UploadConfig struct {
	ChunkThreshold   int64  `yaml:"chunk_threshold"`
	ForceChunking    bool   `yaml:"force_chunking"`
	ContentType      string `yaml:"content_type"`
	GetReceipt       bool   `yaml:"get_receipt"`
	ChunkSize        int    `yaml:"chunk_size"`
	ChunkConcurrency int    `yaml:"chunk_concurrency"`
	// ChunkBucket is a gocloud URL (gs://, s3://, file://, mem://) that
	// receives chunked uploads.
	ChunkBucket string `yaml:"chunk_bucket"`
	ChunkPrefix string `yaml:"chunk_prefix"`
}

type BatchConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	Attempts          int           `yaml:"attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type SourceConfig struct {
	Mode          string `yaml:"mode"`
	BucketURL     string `yaml:"bucket_url"`
	Prefix        string `yaml:"prefix"`
	Decompress    bool   `yaml:"decompress"`
	IncludeHidden bool   `yaml:"include_hidden"`
}

type StorageConfig struct {
	Backend  string `yaml:"backend"`
	LocalDir string `yaml:"local_dir"`
	Bucket   string `yaml:"bucket"`
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	Prefix   string `yaml:"prefix"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Namespace   string `yaml:"namespace"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// AuditConfig controls the hash-chained record of published manifests.
type AuditConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Dir      string `yaml:"dir"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Node: NodeConfig{
			Protocol: "https",
			Host:     "node1.bundlr.network",
			Port:     443,
			Timeout:  5 * time.Minute,
		},
		Currency: CurrencyConfig{
			Name: "arweave",
		},
		Upload: UploadConfig{
			ChunkThreshold:   50_000_000,
			ChunkSize:        25 * 1024 * 1024,
			ChunkConcurrency: 5,
			ChunkBucket:      "file://./data/chunks",
			ChunkPrefix:      "",
		},
		Batch: BatchConfig{
			Concurrency:    5,
			Attempts:       3,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
		},
		Source: SourceConfig{
			Mode: "local",
		},
		Storage: StorageConfig{
			Backend:  "local",
			LocalDir: "./data",
			Prefix:   "archive/",
		},
		Checkpoint: CheckpointConfig{
			Enabled: true,
			Dir:     "./data/checkpoints",
		},
		Audit: AuditConfig{
			Dir: "./data/audit",
		},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Namespace: "bundle_uploader",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load builds a Config. path may be empty, in which case UPLOADER_CONFIG
// is consulted; with neither, only defaults and environment apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad calls Load and exits the process on error.
func MustLoad(path string) Config {
	slog.Info("loading configuration", "component", "config", "path", path)
	cfg, err := Load(path)
	if err != nil {
		slog.Error("invalid configuration", "component", "config", "error", err)
		os.Exit(1)
	}
	return cfg
}

// Validate checks values that cannot be defaulted. Batch concurrency below
// one is left alone: the scheduler coerces it.
func (c Config) Validate() error {
	var errs []error
	switch c.Node.Protocol {
	case "http", "https":
	default:
		errs = append(errs, fmt.Errorf("node.protocol must be http or https, got %q", c.Node.Protocol))
	}
	if c.Node.Host == "" {
		errs = append(errs, errors.New("node.host is required"))
	}
	if c.Node.Port <= 0 || c.Node.Port > 65535 {
		errs = append(errs, fmt.Errorf("node.port out of range: %d", c.Node.Port))
	}
	if c.Currency.Name == "" {
		errs = append(errs, errors.New("currency.name is required"))
	}
	if c.Upload.ChunkThreshold <= 0 {
		errs = append(errs, fmt.Errorf("upload.chunk_threshold must be positive, got %d", c.Upload.ChunkThreshold))
	}
	if c.Batch.MaxBackoff < c.Batch.InitialBackoff {
		errs = append(errs, fmt.Errorf("batch.max_backoff %s below initial_backoff %s", c.Batch.MaxBackoff, c.Batch.InitialBackoff))
	}
	if c.Checkpoint.Enabled && c.Checkpoint.Dir == "" {
		errs = append(errs, errors.New("checkpoint.dir is required when enabled"))
	}
	return errors.Join(errs...)
}

// applyEnv overlays environment variables on cfg.
func applyEnv(cfg *Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg.Node.Protocol = getenvDefault("NODE_PROTOCOL", cfg.Node.Protocol)
	cfg.Node.Host = getenvDefault("NODE_HOST", cfg.Node.Host)
	collect(envInt("NODE_PORT", &cfg.Node.Port))
	collect(envDuration("NODE_TIMEOUT", &cfg.Node.Timeout))

	cfg.Currency.Name = strings.ToLower(getenvDefault("CURRENCY", cfg.Currency.Name))
	cfg.Currency.KeyFile = getenvDefault("KEY_FILE", cfg.Currency.KeyFile)

	collect(envInt64("CHUNK_THRESHOLD", &cfg.Upload.ChunkThreshold))
	collect(envBool("FORCE_CHUNKING", &cfg.Upload.ForceChunking))
	cfg.Upload.ContentType = getenvDefault("CONTENT_TYPE", cfg.Upload.ContentType)
	collect(envBool("GET_RECEIPT", &cfg.Upload.GetReceipt))
	collect(envInt("CHUNK_SIZE", &cfg.Upload.ChunkSize))
	cfg.Upload.ChunkBucket = getenvDefault("CHUNK_BUCKET", cfg.Upload.ChunkBucket)

	collect(envInt("BATCH_CONCURRENCY", &cfg.Batch.Concurrency))
	collect(envInt("BATCH_ATTEMPTS", &cfg.Batch.Attempts))
	collect(envFloat("REQUESTS_PER_SECOND", &cfg.Batch.RequestsPerSecond))

	cfg.Source.Mode = getenvDefault("SOURCE_MODE", cfg.Source.Mode)
	cfg.Source.BucketURL = getenvDefault("SOURCE_BUCKET_URL", cfg.Source.BucketURL)
	collect(envBool("SOURCE_DECOMPRESS", &cfg.Source.Decompress))

	cfg.Storage.Backend = getenvDefault("STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.Bucket = getenvDefault("STORAGE_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.Prefix = getenvDefault("STORAGE_PREFIX", cfg.Storage.Prefix)
	cfg.Storage.LocalDir = getenvDefault("LOCAL_DIR", cfg.Storage.LocalDir)
	cfg.Storage.Endpoint = getenvDefault("S3_ENDPOINT", cfg.Storage.Endpoint)
	cfg.Storage.Region = getenvDefault("S3_REGION", cfg.Storage.Region)

	cfg.Catalog.PostgresDSN = getenvDefault("CATALOG_DSN", cfg.Catalog.PostgresDSN)
	cfg.Catalog.Namespace = getenvDefault("CATALOG_NAMESPACE", cfg.Catalog.Namespace)

	collect(envBool("CHECKPOINT_ENABLED", &cfg.Checkpoint.Enabled))
	cfg.Checkpoint.Dir = getenvDefault("CHECKPOINT_DIR", cfg.Checkpoint.Dir)

	collect(envBool("AUDIT_ENABLED", &cfg.Audit.Enabled))
	cfg.Audit.Endpoint = getenvDefault("AUDIT_ENDPOINT", cfg.Audit.Endpoint)
	cfg.Audit.Dir = getenvDefault("AUDIT_DIR", cfg.Audit.Dir)

	collect(envBool("METRICS_ENABLED", &cfg.Metrics.Enabled))
	cfg.Metrics.Address = getenvDefault("METRICS_ADDRESS", cfg.Metrics.Address)

	cfg.Logging.Format = getenvDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("LOG_LEVEL", cfg.Logging.Level)

	return errors.Join(errs...)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func envInt64(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}
