package embedix

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/hupe1980/embedix/blobstore"
	"github.com/hupe1980/embedix/config"
	"github.com/hupe1980/embedix/distance"
	"github.com/hupe1980/embedix/embedding"
	"github.com/hupe1980/embedix/engine"
	"github.com/hupe1980/embedix/index"
	"github.com/hupe1980/embedix/index/flat"
	"github.com/hupe1980/embedix/index/hnsw"
	"github.com/hupe1980/embedix/resource"
	"github.com/hupe1980/embedix/snapshot"
	"github.com/hupe1980/embedix/wal"
)

// Builder assembles a DB step by step. The zero value is not usable;
// start with New and finish with Build.
type Builder struct {
	dimension int
	metric    distance.Metric

	indexType string
	hnswM     int
	hnswEF    int

	walPath     string
	walMode     wal.DurabilityMode
	walCompress bool
	walEnabled  bool

	blobs    blobstore.BlobStore
	snapKeep int

	resources *resource.Controller

	compactionRatio float64

	embedder embedding.Embedder
	logger   *slog.Logger
	metrics  MetricsCollector
}

// New starts building a DB with the given vector dimensionality.
func New(dimension int) *Builder {
	return &Builder{
		dimension: dimension,
		metric:    distance.MetricCosine,
		indexType: "hnsw",
		snapKeep:  2,
	}
}

// FromConfig starts a builder from a loaded service configuration.
// Object-store snapshot backends (s3, minio) need a client and must be
// attached explicitly with WithSnapshotStore.
func FromConfig(cfg config.Config) (*Builder, error) {
	metric, err := distance.ParseMetric(cfg.Index.Metric)
	if err != nil {
		return nil, err
	}

	b := New(cfg.Index.Dimension)
	b.metric = metric
	b.indexType = cfg.Index.Type
	b.hnswM = cfg.Index.M
	b.hnswEF = cfg.Index.EF
	b.compactionRatio = cfg.Index.CompactionRatio

	switch cfg.WAL.Durability {
	case "async":
		b.walMode = wal.DurabilityAsync
	case "sync":
		b.walMode = wal.DurabilitySync
	default:
		b.walMode = wal.DurabilityGroupCommit
	}
	b.walCompress = cfg.WAL.Compress
	if cfg.DataDir != "" {
		b.walPath = filepath.Join(cfg.DataDir, "wal")
		b.walEnabled = true
	}

	if cfg.Snapshot.Keep > 0 {
		b.snapKeep = cfg.Snapshot.Keep
	}
	switch cfg.Snapshot.Backend {
	case "local":
		if cfg.DataDir != "" {
			store, err := blobstore.NewLocalStore(filepath.Join(cfg.DataDir, "snapshots"))
			if err != nil {
				return nil, err
			}
			b.blobs = store
		}
	case "memory":
		b.blobs = blobstore.NewMemoryStore()
	}

	if cfg.Resources != (config.ResourceConfig{}) {
		b.resources = resource.NewController(resource.Config{
			MemoryLimitBytes:     cfg.Resources.MemoryLimitBytes,
			MaxBackgroundWorkers: cfg.Resources.MaxBackgroundWorkers,
			IOLimitBytesPerSec:   cfg.Resources.IOLimitBytesPerSec,
		})
	}

	return b, nil
}

// WithMetric sets the distance metric. Default is cosine.
func (b *Builder) WithMetric(m distance.Metric) *Builder {
	b.metric = m
	return b
}

// WithHNSW selects the HNSW index with the given connectivity and
// search-effort defaults. Zero keeps the index defaults.
func (b *Builder) WithHNSW(m, ef int) *Builder {
	b.indexType = "hnsw"
	b.hnswM = m
	b.hnswEF = ef
	return b
}

// WithFlatIndex selects the exact-scan index. Useful for small
// collections and as a recall baseline.
func (b *Builder) WithFlatIndex() *Builder {
	b.indexType = "flat"
	return b
}

// WithWAL enables the write-ahead log in dir.
func (b *Builder) WithWAL(dir string, mode wal.DurabilityMode, compress bool) *Builder {
	b.walPath = dir
	b.walMode = mode
	b.walCompress = compress
	b.walEnabled = true
	return b
}

// WithSnapshotStore enables snapshots in the given blob store.
func (b *Builder) WithSnapshotStore(store blobstore.BlobStore) *Builder {
	b.blobs = store
	return b
}

// WithSnapshotRetention sets how many snapshots are kept.
func (b *Builder) WithSnapshotRetention(keep int) *Builder {
	b.snapKeep = keep
	return b
}

// WithResources attaches memory, worker and IO limits.
func (b *Builder) WithResources(cfg resource.Config) *Builder {
	b.resources = resource.NewController(cfg)
	return b
}

// WithCompaction enables threshold-triggered background compaction.
func (b *Builder) WithCompaction(deletedRatio float64) *Builder {
	b.compactionRatio = deletedRatio
	return b
}

// WithEmbedder attaches the embedding backend used by the text-based
// operations (IndexDocument, Search, LoadJSONL).
func (b *Builder) WithEmbedder(e embedding.Embedder) *Builder {
	b.embedder = e
	return b
}

// WithLogger sets the logger. Default is slog.Default().
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// WithMetrics sets the metrics collector. Default is a no-op.
func (b *Builder) WithMetrics(m MetricsCollector) *Builder {
	b.metrics = m
	return b
}

// Build opens the database, restoring persisted state when configured.
func (b *Builder) Build(ctx context.Context) (*DB, error) {
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	var newIndex engine.IndexFactory

	switch b.indexType {
	case "hnsw":
		dim, metric, m, ef := b.dimension, b.metric, b.hnswM, b.hnswEF
		newIndex = func() (index.Index, error) {
			return hnsw.New(func(o *hnsw.Options) {
				o.Dimension = dim
				o.Metric = metric
				if m > 0 {
					o.M = m
				}
				if ef > 0 {
					o.EF = ef
				}
			})
		}
	case "flat":
		dim, metric := b.dimension, b.metric
		newIndex = func() (index.Index, error) {
			return flat.New(func(o *flat.Options) {
				o.Dimension = dim
				o.Metric = metric
			})
		}
	default:
		return nil, fmt.Errorf("embedix: unknown index type %q", b.indexType)
	}

	var w *wal.WAL
	if b.walEnabled {
		var err error
		w, err = wal.New(func(o *wal.Options) {
			o.Path = b.walPath
			o.DurabilityMode = b.walMode
			o.Compress = b.walCompress
		})
		if err != nil {
			return nil, err
		}
	}

	var snaps *snapshot.Manager
	if b.blobs != nil {
		snaps = snapshot.NewManager(b.blobs, func(o *snapshot.ManagerOptions) {
			o.Keep = b.snapKeep
			o.Resources = b.resources
			o.Logger = logger
		})
	}

	compaction := engine.CompactionPolicy{Mode: engine.CompactionDisabled}
	if b.compactionRatio > 0 {
		compaction = engine.CompactionPolicy{Mode: engine.CompactionThreshold, DeletedRatio: b.compactionRatio}
	}

	eng, err := engine.Open(ctx, func(o *engine.Options) {
		o.Dimension = b.dimension
		o.Metric = b.metric
		o.NewIndex = newIndex
		o.WAL = w
		o.Snapshots = snaps
		o.Resources = b.resources
		o.Compaction = compaction
		o.Logger = logger
		if b.metrics != nil {
			o.Metrics = b.metrics
		}
	})
	if err != nil {
		if w != nil {
			_ = w.Close()
		}
		return nil, err
	}

	return &DB{
		engine:   eng,
		embedder: b.embedder,
		log:      logger,
	}, nil
}
