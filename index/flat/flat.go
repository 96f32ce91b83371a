// Package flat provides an exact (brute-force) vector index.
//
// It scans every live vector on search, so recall is always 100%. Use
// it for small collections or as a recall baseline for the HNSW index.
package flat

import (
	"context"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/embedix/distance"
	"github.com/hupe1980/embedix/index"
	"github.com/hupe1980/embedix/internal/queue"
	"github.com/hupe1980/embedix/model"
	"github.com/hupe1980/embedix/vectorstore"
)

// ctxCheckInterval is the number of rows scanned between context checks.
const ctxCheckInterval = 1024

// Compile-time check.
var _ index.Index = (*Flat)(nil)

// Options configures the flat index.
type Options struct {
	// Dimension is the fixed vector dimensionality. Required.
	Dimension int
	// Metric is the distance metric. Fixed at creation time.
	Metric distance.Metric
}

// DefaultOptions are the baseline options for the flat index.
var DefaultOptions = Options{
	Metric: distance.MetricCosine,
}

// Flat is an exact-scan index.
type Flat struct {
	opts     Options
	distFunc distance.Func
	vectors  *vectorstore.Slab

	mu         sync.RWMutex
	present    *roaring.Bitmap // slots that hold a vector
	tombstones *roaring.Bitmap // slots excluded from search
}

// New creates a flat index.
func New(optFns ...func(o *Options)) (*Flat, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := index.ValidateBasicOptions(opts.Dimension, opts.Metric); err != nil {
		return nil, err
	}
	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	return &Flat{
		opts:       opts,
		distFunc:   distFunc,
		vectors:    vectorstore.NewSlab(opts.Dimension),
		present:    roaring.New(),
		tombstones: roaring.New(),
	}, nil
}

// Name returns "Flat".
func (*Flat) Name() string { return "Flat" }

// Dimension returns the fixed dimensionality.
func (f *Flat) Dimension() int { return f.opts.Dimension }

// Metric returns the configured distance metric.
func (f *Flat) Metric() distance.Metric { return f.opts.Metric }

// Len returns the number of live vectors.
func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int(f.present.GetCardinality() - f.tombstones.GetCardinality())
}

// Insert adds a vector. The vector becomes searchable before Insert returns.
func (f *Flat) Insert(ctx context.Context, id model.LocalID, v []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(v) == 0 {
		return index.ErrEmptyVector
	}
	if len(v) != f.opts.Dimension {
		return &index.ErrDimensionMismatch{Expected: f.opts.Dimension, Actual: len(v)}
	}

	vec := v
	if f.opts.Metric.Normalizes() {
		norm, ok := distance.NormalizeL2Copy(v)
		if !ok {
			return index.ErrZeroVector
		}
		vec = norm
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.vectors.Set(uint32(id), vec); err != nil {
		return err
	}
	f.present.Add(uint32(id))
	f.tombstones.Remove(uint32(id))
	return nil
}

// Delete tombstones the id.
func (f *Flat) Delete(ctx context.Context, id model.LocalID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.present.Contains(uint32(id)) {
		return &index.ErrNodeNotFound{ID: id}
	}
	f.tombstones.Add(uint32(id))
	return nil
}

// Search scans all live vectors and returns the k nearest.
func (f *Flat) Search(ctx context.Context, q []float32, k int, opts *index.SearchOptions) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if len(q) != f.opts.Dimension {
		return nil, &index.ErrDimensionMismatch{Expected: f.opts.Dimension, Actual: len(q)}
	}

	query := q
	if f.opts.Metric.Normalizes() {
		norm, ok := distance.NormalizeL2Copy(q)
		if !ok {
			return nil, index.ErrZeroVector
		}
		query = norm
	}

	var filter func(model.LocalID) bool
	if opts != nil {
		filter = opts.Filter
	}

	// Snapshot live slots so the scan never observes a half-applied write.
	f.mu.RLock()
	live := roaring.AndNot(f.present, f.tombstones)
	f.mu.RUnlock()

	pq := queue.NewMax(k)
	var budgetHit bool
	scanned := 0

	it := live.Iterator()
	for it.HasNext() {
		slot := it.Next()
		if scanned%ctxCheckInterval == 0 && ctx.Err() != nil {
			budgetHit = true
			break
		}
		scanned++

		if filter != nil && !filter(model.LocalID(slot)) {
			continue
		}
		vec, ok := f.vectors.Get(slot)
		if !ok {
			continue
		}
		d := f.distFunc(query, vec)
		if pq.Len() < k {
			pq.Push(queue.Item{Node: slot, Distance: d})
		} else if top, _ := pq.Top(); d < top.Distance {
			pq.Pop()
			pq.Push(queue.Item{Node: slot, Distance: d})
		}
	}

	res := make([]index.SearchResult, pq.Len())
	for i := pq.Len() - 1; i >= 0; i-- {
		item, _ := pq.Pop()
		res[i] = index.SearchResult{ID: model.LocalID(item.Node), Distance: item.Distance}
	}

	if budgetHit {
		return res, index.ErrPartialResults
	}
	return res, nil
}
