package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedix/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "embedix.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/embedix
index:
  type: flat
  dimension: 384
  metric: l2
  compaction_ratio: 0.25
wal:
  durability: sync
  compress: true
snapshot:
  backend: memory
  keep: 5
resources:
  memory_limit_bytes: 1073741824
embedding:
  model_id: all-MiniLM-L6-v2
  model_cache_path: /models
logging:
  level: debug
  format: json
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/embedix", cfg.DataDir)
	assert.Equal(t, "flat", cfg.Index.Type)
	assert.Equal(t, 384, cfg.Index.Dimension)
	assert.Equal(t, "l2", cfg.Index.Metric)
	assert.Equal(t, 0.25, cfg.Index.CompactionRatio)
	assert.Equal(t, "sync", cfg.WAL.Durability)
	assert.True(t, cfg.WAL.Compress)
	assert.Equal(t, "memory", cfg.Snapshot.Backend)
	assert.Equal(t, 5, cfg.Snapshot.Keep)
	assert.Equal(t, int64(1<<30), cfg.Resources.MemoryLimitBytes)
	assert.Equal(t, "all-MiniLM-L6-v2", cfg.Embedding.ModelID)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestDefaultsApply(t *testing.T) {
	path := writeConfig(t, `
index:
  dimension: 16
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "hnsw", cfg.Index.Type)
	assert.Equal(t, "cosine", cfg.Index.Metric)
	assert.Equal(t, "group_commit", cfg.WAL.Durability)
	assert.Equal(t, "local", cfg.Snapshot.Backend)
	assert.Equal(t, 2, cfg.Snapshot.Keep)
}

func TestMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("EMBEDIX_INDEX_DIMENSION", "8")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Index.Dimension)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
index:
  dimension: 16
  metric: cosine
`)

	t.Setenv("EMBEDIX_INDEX_METRIC", "dot")
	t.Setenv("EMBEDIX_INDEX_DIMENSION", "32")
	t.Setenv("EMBEDIX_WAL_DURABILITY", "sync")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "dot", cfg.Index.Metric)
	assert.Equal(t, 32, cfg.Index.Dimension)
	assert.Equal(t, "sync", cfg.WAL.Durability)
}

func TestValidation(t *testing.T) {
	for name, content := range map[string]string{
		"missing dimension":  `index: {type: hnsw}`,
		"bad index type":     `index: {dimension: 8, type: annoy}`,
		"bad metric":         `index: {dimension: 8, metric: manhattan}`,
		"bad durability":     "index: {dimension: 8}\nwal: {durability: never}",
		"bad backend":        "index: {dimension: 8}\nsnapshot: {backend: ftp}",
		"compaction too big": `index: {dimension: 8, compaction_ratio: 1.5}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestMalformedYAML(t *testing.T) {
	_, err := config.Load(writeConfig(t, "index: [not: a map"))
	assert.Error(t, err)
}
