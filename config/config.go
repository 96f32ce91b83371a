// Package config loads service configuration from a YAML file with
// environment-variable overrides. All settings are explicit; nothing
// is read from ambient globals after Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	// DataDir holds the write-ahead log and local snapshots.
	DataDir string `yaml:"data_dir"`

	Index     IndexConfig     `yaml:"index"`
	WAL       WALConfig       `yaml:"wal"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Resources ResourceConfig  `yaml:"resources"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// IndexConfig selects and tunes the ANN index.
type IndexConfig struct {
	// Type is "hnsw" or "flat".
	Type string `yaml:"type"`
	// Dimension is the fixed vector dimensionality.
	Dimension int `yaml:"dimension"`
	// Metric is "cosine", "l2" or "dot".
	Metric string `yaml:"metric"`
	// M is the HNSW connectivity parameter.
	M int `yaml:"m"`
	// EF is the default search-effort parameter.
	EF int `yaml:"ef"`
	// CompactionRatio triggers a background rebuild once this fraction
	// of records is tombstoned. Zero disables automatic compaction.
	CompactionRatio float64 `yaml:"compaction_ratio"`
}

// WALConfig tunes the write-ahead log.
type WALConfig struct {
	// Durability is "async", "group_commit" or "sync".
	Durability string `yaml:"durability"`
	// Compress enables per-entry zstd compression.
	Compress bool `yaml:"compress"`
}

// SnapshotConfig tunes snapshot storage.
type SnapshotConfig struct {
	// Backend is "local", "memory", "s3" or "minio".
	Backend string `yaml:"backend"`
	// Bucket names the object-store bucket for s3/minio backends.
	Bucket string `yaml:"bucket"`
	// Prefix is the key prefix inside the bucket.
	Prefix string `yaml:"prefix"`
	// Keep is the number of snapshots retained.
	Keep int `yaml:"keep"`
}

// ResourceConfig sets process-wide limits.
type ResourceConfig struct {
	MemoryLimitBytes     int64 `yaml:"memory_limit_bytes"`
	MaxBackgroundWorkers int64 `yaml:"max_background_workers"`
	IOLimitBytesPerSec   int64 `yaml:"io_limit_bytes_per_sec"`
}

// EmbeddingConfig locates the embedding model.
type EmbeddingConfig struct {
	ModelID        string `yaml:"model_id"`
	ModelCachePath string `yaml:"model_cache_path"`
}

// LoggingConfig tunes log output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		DataDir: "data",
		Index: IndexConfig{
			Type:   "hnsw",
			Metric: "cosine",
		},
		WAL: WALConfig{
			Durability: "group_commit",
		},
		Snapshot: SnapshotConfig{
			Backend: "local",
			Keep:    2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path, applies EMBEDIX_* environment overrides and
// validates the result. A missing file is not an error; defaults and
// the environment still apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.DataDir, "EMBEDIX_DATA_DIR")
	setString(&cfg.Index.Type, "EMBEDIX_INDEX_TYPE")
	setInt(&cfg.Index.Dimension, "EMBEDIX_INDEX_DIMENSION")
	setString(&cfg.Index.Metric, "EMBEDIX_INDEX_METRIC")
	setString(&cfg.WAL.Durability, "EMBEDIX_WAL_DURABILITY")
	setString(&cfg.Snapshot.Backend, "EMBEDIX_SNAPSHOT_BACKEND")
	setString(&cfg.Snapshot.Bucket, "EMBEDIX_SNAPSHOT_BUCKET")
	setInt64(&cfg.Resources.MemoryLimitBytes, "EMBEDIX_MEMORY_LIMIT_BYTES")
	setString(&cfg.Embedding.ModelID, "EMBEDIX_MODEL_ID")
	setString(&cfg.Embedding.ModelCachePath, "EMBEDIX_MODEL_CACHE_PATH")
	setString(&cfg.Logging.Level, "EMBEDIX_LOG_LEVEL")
	setString(&cfg.Logging.Format, "EMBEDIX_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

// Validate rejects configurations the engine cannot start with.
func (c Config) Validate() error {
	if c.Index.Dimension <= 0 {
		return fmt.Errorf("config: index.dimension must be positive, got %d", c.Index.Dimension)
	}

	switch c.Index.Type {
	case "hnsw", "flat":
	default:
		return fmt.Errorf("config: unknown index.type %q", c.Index.Type)
	}

	switch c.Index.Metric {
	case "cosine", "l2", "dot":
	default:
		return fmt.Errorf("config: unknown index.metric %q", c.Index.Metric)
	}

	switch c.WAL.Durability {
	case "async", "group_commit", "sync":
	default:
		return fmt.Errorf("config: unknown wal.durability %q", c.WAL.Durability)
	}

	switch c.Snapshot.Backend {
	case "local", "memory", "s3", "minio":
	default:
		return fmt.Errorf("config: unknown snapshot.backend %q", c.Snapshot.Backend)
	}

	if c.Index.CompactionRatio < 0 || c.Index.CompactionRatio >= 1 {
		return fmt.Errorf("config: index.compaction_ratio must be in [0, 1), got %v", c.Index.CompactionRatio)
	}

	return nil
}
