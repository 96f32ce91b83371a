// Package engine coordinates the vector store, the primary-key index
// and the ANN index behind a single write path and a lock-free read
// path.
//
// Readers dereference an immutable generation snapshot through an
// atomic pointer; writes are serialized by a mutex and never block
// in-flight reads. A rebuild constructs the next generation in the
// background and swaps the pointer, so queries never observe a
// partially built structure.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/embedix/distance"
	"github.com/hupe1980/embedix/index"
	"github.com/hupe1980/embedix/index/hnsw"
	"github.com/hupe1980/embedix/model"
	"github.com/hupe1980/embedix/pk"
	"github.com/hupe1980/embedix/resource"
	"github.com/hupe1980/embedix/snapshot"
	"github.com/hupe1980/embedix/vectorstore"
	"github.com/hupe1980/embedix/wal"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("engine: closed")

	// ErrNotFound is returned when a DocID does not exist (or has been
	// deleted). A delete of a missing document also returns it; callers
	// may ignore it.
	ErrNotFound = errors.New("engine: document not found")

	// ErrRebuildInProgress is returned when a rebuild is requested while
	// another one is still running.
	ErrRebuildInProgress = errors.New("engine: rebuild already in progress")
)

// State reports whether a rebuild is running.
type State int32

const (
	// StateActive means reads and writes proceed normally.
	StateActive State = iota
	// StateRebuilding means the next generation is being built. Reads
	// and writes still proceed against the current generation.
	StateRebuilding
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateRebuilding:
		return "REBUILDING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// CompactionMode selects when tombstones trigger a background rebuild.
type CompactionMode int

const (
	// CompactionDisabled never rebuilds automatically. Tombstones
	// accumulate until an explicit Rebuild call.
	CompactionDisabled CompactionMode = iota
	// CompactionThreshold rebuilds in the background once the deleted
	// ratio of the store exceeds the configured threshold.
	CompactionThreshold
)

// CompactionPolicy controls automatic tombstone compaction.
type CompactionPolicy struct {
	Mode CompactionMode
	// DeletedRatio is the threshold for CompactionThreshold, e.g. 0.25
	// rebuilds once a quarter of the records are tombstoned.
	DeletedRatio float64
}

// IndexFactory builds an empty ANN index for a generation.
type IndexFactory func() (index.Index, error)

// Options configure an Engine.
type Options struct {
	// Dimension is the fixed vector dimensionality. Required.
	Dimension int

	// Metric is the distance metric. Fixed for the lifetime of the engine.
	Metric distance.Metric

	// NewIndex builds the per-generation index. Defaults to HNSW with
	// the engine's dimension and metric.
	NewIndex IndexFactory

	// WAL, when set, logs every write before it is applied, making
	// acknowledged writes recoverable after a crash.
	WAL *wal.WAL

	// Snapshots, when set, enables Flush and restore-on-open.
	Snapshots *snapshot.Manager

	// Resources, when set, enforces memory and background-work limits.
	Resources *resource.Controller

	// Compaction selects the automatic rebuild policy.
	Compaction CompactionPolicy

	// RebuildParallelism bounds the goroutines inserting into the next
	// generation's index. Defaults to GOMAXPROCS.
	RebuildParallelism int

	Logger  *slog.Logger
	Metrics MetricsCollector
}

// generation is an immutable-by-convention snapshot of the engine
// state. Readers load it once and use only its fields; the writer
// mutates it only under writeMu, and rebuilds replace it wholesale.
type generation struct {
	id    uint64
	store *vectorstore.Store
	pks   *pk.MemoryIndex
	idx   index.Index

	// bytes is the managed memory attributed to this generation,
	// released when a rebuild retires it.
	bytes atomic.Int64
}

// Engine is the similarity-search core: durable vector storage plus an
// ANN index, with crash recovery and atomic-swap rebuilds.
type Engine struct {
	opts    Options
	log     *slog.Logger
	metrics MetricsCollector

	gen atomic.Pointer[generation]

	// writeMu serializes Insert, Delete, Flush and the rebuild swap
	// window. Searches never take it.
	writeMu sync.Mutex

	state  atomic.Int32
	closed atomic.Bool

	// delta buffers writes that arrive while a rebuild is running, so
	// they can be replayed onto the next generation before the swap.
	// Guarded by writeMu.
	delta []wal.Entry

	lastSeq atomic.Uint64
}

const recordOverheadBytes = 96

func recordBytes(vec []float32, payload []byte) int64 {
	return int64(len(vec))*4 + int64(len(payload)) + recordOverheadBytes
}

// Open creates an engine, restoring the latest snapshot and replaying
// the write-ahead log when configured.
func Open(ctx context.Context, optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		Metric:  distance.MetricCosine,
		Logger:  slog.Default(),
		Metrics: NoopMetrics{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, &index.ErrInvalidDimension{Dimension: opts.Dimension}
	}
	if opts.NewIndex == nil {
		dim, metric := opts.Dimension, opts.Metric
		opts.NewIndex = func() (index.Index, error) {
			return hnsw.New(func(o *hnsw.Options) {
				o.Dimension = dim
				o.Metric = metric
			})
		}
	}
	if opts.RebuildParallelism <= 0 {
		opts.RebuildParallelism = runtime.GOMAXPROCS(0)
	}

	e := &Engine{
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}

	gen, err := e.restore(ctx)
	if err != nil {
		return nil, err
	}
	e.gen.Store(gen)

	if opts.WAL != nil {
		if err := e.replayWAL(ctx, gen); err != nil {
			return nil, err
		}
		e.lastSeq.Store(opts.WAL.LastSeq())
	}

	// Account for the restored state against the memory limit.
	if opts.Resources != nil {
		if err := opts.Resources.ReserveMemory(gen.bytes.Load()); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// restore loads the latest snapshot into a fresh generation, or builds
// an empty one when no snapshot exists.
func (e *Engine) restore(ctx context.Context) (*generation, error) {
	idx, err := e.opts.NewIndex()
	if err != nil {
		return nil, err
	}

	gen := &generation{
		store: vectorstore.New(e.opts.Dimension),
		pks:   pk.NewMemoryIndex(),
		idx:   idx,
	}

	if e.opts.Snapshots == nil {
		return gen, nil
	}

	meta, store, pks, ok, err := e.opts.Snapshots.LoadLatest(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return gen, nil
	}

	if meta.Dimension != e.opts.Dimension {
		return nil, fmt.Errorf("engine: snapshot dimension %d does not match configured %d", meta.Dimension, e.opts.Dimension)
	}
	if meta.Metric != e.opts.Metric.String() {
		return nil, fmt.Errorf("engine: snapshot metric %q does not match configured %q", meta.Metric, e.opts.Metric)
	}

	gen.store = store
	gen.pks = pks

	var bytes int64
	for local := model.LocalID(0); int(local) < store.Count(); local++ {
		rec, ok := store.Get(local)
		if !ok {
			continue
		}
		if err := idx.Insert(ctx, local, rec.Vector); err != nil {
			return nil, fmt.Errorf("engine: reindex %q: %w", rec.ID, err)
		}
		bytes += recordBytes(rec.Vector, rec.Payload)
	}
	gen.bytes.Store(bytes)

	e.lastSeq.Store(meta.LastSeq)

	return gen, nil
}

// replayWAL applies log entries recorded after the restored snapshot.
// Entries that fail to apply are skipped with a warning; they failed
// the same way when first submitted.
func (e *Engine) replayWAL(ctx context.Context, gen *generation) error {
	after := e.lastSeq.Load()

	return e.opts.WAL.Replay(after, func(entry wal.Entry) error {
		var err error
		switch entry.Op {
		case wal.OpInsert:
			err = e.applyInsert(ctx, gen, entry.ID, entry.Vector, entry.Payload)
		case wal.OpDelete:
			err = e.applyDelete(ctx, gen, entry.ID)
			if errors.Is(err, ErrNotFound) {
				err = nil
			}
		}
		if err != nil {
			e.log.Warn("wal replay: entry skipped", slog.Uint64("seq", entry.Seq), slog.String("id", string(entry.ID)), slog.Any("error", err))
		}
		return nil
	})
}

// validateVector checks what can be rejected before any mutation.
func (e *Engine) validateVector(vec []float32) error {
	if len(vec) == 0 {
		return index.ErrEmptyVector
	}
	if len(vec) != e.opts.Dimension {
		return &index.ErrDimensionMismatch{Expected: e.opts.Dimension, Actual: len(vec)}
	}
	if e.opts.Metric.Normalizes() {
		if _, ok := distance.NormalizeL2Copy(vec); !ok {
			return index.ErrZeroVector
		}
	}
	return nil
}

// Insert stores a document and makes it searchable before returning.
// Re-inserting an identical (id, vector, payload) triple is a no-op;
// changing vector or payload replaces the previous version.
func (e *Engine) Insert(ctx context.Context, id model.DocID, vec []float32, payload []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.validateVector(vec); err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	gen := e.gen.Load()

	if local, ok := gen.pks.Lookup(id); ok {
		if rec, ok := gen.store.Get(local); ok {
			if slices.Equal(rec.Vector, vec) && bytes.Equal(rec.Payload, payload) {
				return nil
			}
			if err := e.deleteLocked(ctx, gen, id); err != nil {
				return err
			}
		}
	}

	if e.opts.Resources != nil {
		if err := e.opts.Resources.ReserveMemory(recordBytes(vec, payload)); err != nil {
			return err
		}
	}

	if e.opts.WAL != nil {
		seq, err := e.opts.WAL.Append(wal.Entry{Op: wal.OpInsert, ID: id, Vector: vec, Payload: payload})
		if err != nil {
			if e.opts.Resources != nil {
				e.opts.Resources.ReleaseMemory(recordBytes(vec, payload))
			}
			return fmt.Errorf("engine: wal append: %w", err)
		}
		e.lastSeq.Store(seq)
	}

	if err := e.applyInsert(ctx, gen, id, vec, payload); err != nil {
		if e.opts.Resources != nil {
			e.opts.Resources.ReleaseMemory(recordBytes(vec, payload))
		}
		return err
	}

	if State(e.state.Load()) == StateRebuilding {
		e.delta = append(e.delta, wal.Entry{Op: wal.OpInsert, ID: id, Vector: slices.Clone(vec), Payload: slices.Clone(payload)})
	}

	e.metrics.IncInserts(1)

	return nil
}

// applyInsert places the record in the store, the pk map and the index
// of gen. Caller holds writeMu (or owns gen exclusively).
func (e *Engine) applyInsert(ctx context.Context, gen *generation, id model.DocID, vec []float32, payload []byte) error {
	local, err := gen.store.Put(id, vec, payload)
	if err != nil {
		return err
	}

	if err := gen.idx.Insert(ctx, local, vec); err != nil {
		gen.store.Delete(local)
		return err
	}

	gen.pks.Upsert(id, local)
	gen.bytes.Add(recordBytes(vec, payload))

	return nil
}

// Delete removes the document. The id disappears from search results
// before Delete returns; physical removal happens at the next rebuild.
func (e *Engine) Delete(ctx context.Context, id model.DocID) error {
	if e.closed.Load() {
		return ErrClosed
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	gen := e.gen.Load()

	if err := e.deleteLocked(ctx, gen, id); err != nil {
		return err
	}

	e.metrics.IncDeletes(1)
	e.maybeCompact()

	return nil
}

func (e *Engine) deleteLocked(ctx context.Context, gen *generation, id model.DocID) error {
	local, ok := gen.pks.Lookup(id)
	if !ok {
		return ErrNotFound
	}

	rec, ok := gen.store.Get(local)
	if !ok {
		return ErrNotFound
	}

	if e.opts.WAL != nil {
		seq, err := e.opts.WAL.Append(wal.Entry{Op: wal.OpDelete, ID: id})
		if err != nil {
			return fmt.Errorf("engine: wal append: %w", err)
		}
		e.lastSeq.Store(seq)
	}

	if err := e.applyDelete(ctx, gen, id, rec); err != nil {
		return err
	}

	if e.opts.Resources != nil {
		e.opts.Resources.ReleaseMemory(recordBytes(rec.Vector, rec.Payload))
	}

	if State(e.state.Load()) == StateRebuilding {
		e.delta = append(e.delta, wal.Entry{Op: wal.OpDelete, ID: id})
	}

	return nil
}

// applyDelete tombstones the record in index and store. The variadic
// rec avoids a second store lookup when the caller already has it.
func (e *Engine) applyDelete(ctx context.Context, gen *generation, id model.DocID, known ...model.Record) error {
	local, ok := gen.pks.Lookup(id)
	if !ok {
		return ErrNotFound
	}

	var rec model.Record
	if len(known) > 0 {
		rec = known[0]
	} else {
		rec, ok = gen.store.Get(local)
		if !ok {
			return ErrNotFound
		}
	}

	if err := gen.idx.Delete(ctx, local); err != nil {
		var notFound *index.ErrNodeNotFound
		if !errors.As(err, &notFound) {
			return err
		}
	}

	gen.store.Delete(local)
	gen.pks.Delete(id)

	gen.bytes.Add(-recordBytes(rec.Vector, rec.Payload))

	return nil
}

// Get returns the stored record for id.
func (e *Engine) Get(id model.DocID) (model.Record, error) {
	if e.closed.Load() {
		return model.Record{}, ErrClosed
	}

	gen := e.gen.Load()

	local, ok := gen.pks.Lookup(id)
	if !ok {
		return model.Record{}, ErrNotFound
	}
	rec, ok := gen.store.Get(local)
	if !ok {
		return model.Record{}, ErrNotFound
	}
	return rec, nil
}

// Flush writes a snapshot of the current state and truncates the
// write-ahead log. Writes are blocked for the duration; reads proceed.
func (e *Engine) Flush(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.opts.Snapshots == nil {
		return errors.New("engine: no snapshot store configured")
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	gen := e.gen.Load()

	meta := snapshot.Meta{
		Dimension: e.opts.Dimension,
		Metric:    e.opts.Metric.String(),
		Index:     gen.idx.Name(),
		LastSeq:   e.lastSeq.Load(),
	}

	if _, err := e.opts.Snapshots.Save(ctx, meta, gen.store, gen.pks); err != nil {
		return err
	}

	if e.opts.WAL != nil {
		if err := e.opts.WAL.Checkpoint(); err != nil {
			return fmt.Errorf("engine: wal checkpoint: %w", err)
		}
	}

	return nil
}

// Stats describes the engine state at a point in time.
type Stats struct {
	Records      int
	Live         int
	Deleted      int
	DeletedRatio float64
	Generation   uint64
	LastSeq      uint64
	IndexName    string
	MemoryBytes  int64
	State        State
}

// Stats returns current counters. It never blocks writers.
func (e *Engine) Stats() Stats {
	gen := e.gen.Load()

	total := gen.store.Count()
	live := gen.store.LiveCount()

	return Stats{
		Records:      total,
		Live:         live,
		Deleted:      total - live,
		DeletedRatio: gen.store.DeletedRatio(),
		Generation:   gen.id,
		LastSeq:      e.lastSeq.Load(),
		IndexName:    gen.idx.Name(),
		MemoryBytes:  gen.bytes.Load(),
		State:        State(e.state.Load()),
	}
}

// Dimension returns the configured vector dimensionality.
func (e *Engine) Dimension() int { return e.opts.Dimension }

// Metric returns the configured distance metric.
func (e *Engine) Metric() distance.Metric { return e.opts.Metric }

// Close shuts the engine down. Configured WAL is closed; a final Flush
// is the caller's choice, not implied.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.opts.WAL != nil {
		return e.opts.WAL.Close()
	}
	return nil
}
