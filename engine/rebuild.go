package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/embedix/model"
	"github.com/hupe1980/embedix/pk"
	"github.com/hupe1980/embedix/vectorstore"
	"github.com/hupe1980/embedix/wal"
)

// Rebuild constructs a compacted next generation (tombstones removed,
// LocalIDs reassigned densely, graph rebuilt) in the background and
// atomically swaps it in.
//
// Reads are never blocked. Writes proceed against the current
// generation while the build runs; they are buffered and replayed onto
// the next generation during the final swap window, which is the only
// moment writes wait.
func (e *Engine) Rebuild(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.state.CompareAndSwap(int32(StateActive), int32(StateRebuilding)) {
		return ErrRebuildInProgress
	}
	defer e.state.Store(int32(StateActive))

	if e.opts.Resources != nil {
		if err := e.opts.Resources.AcquireWorker(ctx); err != nil {
			return err
		}
		defer e.opts.Resources.ReleaseWorker()
	}

	start := time.Now()

	// Boundary capture. Records appended after this point reach the
	// next generation through the delta buffer.
	e.writeMu.Lock()
	old := e.gen.Load()
	boundary := old.store.Count()
	e.delta = nil
	e.writeMu.Unlock()

	next, err := e.buildGeneration(ctx, old, boundary)
	if err != nil {
		return err
	}

	compacted := boundary - next.store.Count()

	// Swap window: replay buffered writes, then publish.
	e.writeMu.Lock()
	for _, entry := range e.delta {
		var applyErr error
		switch entry.Op {
		case wal.OpInsert:
			applyErr = e.applyInsert(ctx, next, entry.ID, entry.Vector, entry.Payload)
		case wal.OpDelete:
			applyErr = e.applyDelete(ctx, next, entry.ID)
			if errors.Is(applyErr, ErrNotFound) {
				applyErr = nil
			}
		}
		if applyErr != nil {
			e.log.Warn("rebuild: delta entry skipped", slog.String("id", string(entry.ID)), slog.Any("error", applyErr))
		}
	}
	e.delta = nil

	// Reserve after the replay so delta writes are counted exactly once
	// in the next generation. The old generation's reservation stays in
	// place until the swap, so both coexist against the limit here.
	if e.opts.Resources != nil {
		if err := e.opts.Resources.ReserveMemory(next.bytes.Load()); err != nil {
			e.writeMu.Unlock()
			return err
		}
	}

	e.gen.Store(next)
	e.writeMu.Unlock()

	if e.opts.Resources != nil {
		e.opts.Resources.ReleaseMemory(old.bytes.Load())
	}

	e.metrics.IncRebuilds(1)
	e.log.Info("rebuild complete",
		slog.Uint64("generation", next.id),
		slog.Int("live", next.store.LiveCount()),
		slog.Int("compacted", compacted),
		slog.Duration("took", time.Since(start)),
	)

	return nil
}

// buildGeneration copies the live records below boundary into a fresh,
// compacted generation and indexes them in parallel.
func (e *Engine) buildGeneration(ctx context.Context, old *generation, boundary int) (*generation, error) {
	idx, err := e.opts.NewIndex()
	if err != nil {
		return nil, err
	}

	next := &generation{
		id:    old.id + 1,
		store: vectorstore.New(e.opts.Dimension),
		pks:   pk.NewMemoryIndex(),
		idx:   idx,
	}

	type pending struct {
		local model.LocalID
		vec   []float32
	}

	var work []pending

	for local := model.LocalID(0); int(local) < boundary; local++ {
		rec, ok := old.store.Get(local)
		if !ok {
			continue
		}

		newLocal, err := next.store.Put(rec.ID, rec.Vector, rec.Payload)
		if err != nil {
			return nil, err
		}
		next.pks.Upsert(rec.ID, newLocal)
		next.bytes.Add(recordBytes(rec.Vector, rec.Payload))

		work = append(work, pending{local: newLocal, vec: rec.Vector})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.RebuildParallelism)

	for _, w := range work {
		g.Go(func() error {
			return idx.Insert(gctx, w.local, w.vec)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return next, nil
}

// maybeCompact kicks off a background rebuild when the tombstone ratio
// crosses the configured threshold. Called with writeMu held; the
// rebuild itself runs outside the lock.
func (e *Engine) maybeCompact() {
	if e.opts.Compaction.Mode != CompactionThreshold {
		return
	}

	gen := e.gen.Load()
	if gen.store.DeletedRatio() < e.opts.Compaction.DeletedRatio {
		return
	}
	if State(e.state.Load()) != StateActive {
		return
	}

	go func() {
		if err := e.Rebuild(context.Background()); err != nil && !errors.Is(err, ErrRebuildInProgress) {
			e.log.Warn("compaction rebuild failed", slog.Any("error", err))
		}
	}()
}
