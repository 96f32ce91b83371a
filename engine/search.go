package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/embedix/distance"
	"github.com/hupe1980/embedix/index"
	"github.com/hupe1980/embedix/model"
)

const defaultRefineFactor = 2.0

// Search returns the k nearest neighbors of q, ordered by descending
// similarity score with ties broken by ascending DocID.
//
// The index is consulted with an over-fetch factor so that tombstones
// and consistency gaps do not shrink the result below k. When the
// context expires mid-search, the best results found so far are
// returned with Degraded set instead of an error.
func (e *Engine) Search(ctx context.Context, q []float32, opts model.SearchOptions) (model.SearchResult, error) {
	if e.closed.Load() {
		return model.SearchResult{}, ErrClosed
	}
	if opts.K <= 0 {
		return model.SearchResult{}, index.ErrInvalidK
	}
	if len(q) != e.opts.Dimension {
		return model.SearchResult{}, &index.ErrDimensionMismatch{Expected: e.opts.Dimension, Actual: len(q)}
	}

	gen := e.gen.Load()

	refine := opts.RefineFactor
	if refine <= 0 {
		refine = defaultRefineFactor
	}
	fetch := int(float32(opts.K) * refine)
	if fetch < opts.K {
		fetch = opts.K
	}

	idxOpts := &index.SearchOptions{EF: opts.EF}
	if opts.IDFilter != nil {
		filter := opts.IDFilter
		idxOpts.Filter = func(local model.LocalID) bool {
			rec, ok := gen.store.Get(local)
			return ok && filter(rec.ID)
		}
	}

	matches, err := gen.idx.Search(ctx, q, fetch, idxOpts)
	degraded := false
	if err != nil {
		if !errors.Is(err, index.ErrPartialResults) {
			return model.SearchResult{}, err
		}
		degraded = true
	}

	hits := make([]model.Candidate, 0, len(matches))
	gaps := 0

	for _, m := range matches {
		rec, ok := gen.store.Get(m.ID)
		if !ok {
			gaps++
			continue
		}

		cand := model.Candidate{
			ID:      rec.ID,
			Local:   m.ID,
			Score:   distance.Score(e.opts.Metric, m.Distance),
			Payload: rec.Payload,
		}
		if opts.Filter != nil && !opts.Filter(cand) {
			continue
		}
		hits = append(hits, cand)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > opts.K {
		hits = hits[:opts.K]
	}

	if gaps > 0 {
		e.metrics.IncConsistencyGaps(gaps)
		e.log.Warn("search: consistency gaps skipped", slog.Int("gaps", gaps), slog.Uint64("generation", gen.id))
	}
	if degraded {
		e.metrics.IncDegraded(1)
	}
	e.metrics.IncSearches(1)

	return model.SearchResult{Hits: hits, Degraded: degraded, Gaps: gaps}, nil
}

// SearchThreshold returns the neighbors of q scoring at least minScore,
// capped at opts.K.
func (e *Engine) SearchThreshold(ctx context.Context, q []float32, minScore float32, opts model.SearchOptions) (model.SearchResult, error) {
	res, err := e.Search(ctx, q, opts)
	if err != nil {
		return res, err
	}

	// Hits are sorted by descending score, so cut at the first miss.
	cut := len(res.Hits)
	for i, h := range res.Hits {
		if h.Score < minScore {
			cut = i
			break
		}
	}
	res.Hits = res.Hits[:cut]

	return res, nil
}

// BatchSearch runs one search per query concurrently and returns the
// results in query order. The first hard error cancels the batch;
// degraded results do not.
func (e *Engine) BatchSearch(ctx context.Context, queries [][]float32, opts model.SearchOptions) ([]model.SearchResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	results := make([]model.SearchResult, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.RebuildParallelism)

	for i, q := range queries {
		g.Go(func() error {
			res, err := e.Search(gctx, q, opts)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}
