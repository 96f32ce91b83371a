// Package hnsw implements the Hierarchical Navigable Small World graph
// for approximate nearest neighbor search.
//
// Inserts incorporate vectors synchronously: once Insert returns, the
// id is searchable (zero staleness). Deletes are tombstones honored
// during traversal; physical removal happens when the engine rebuilds
// the generation.
package hnsw

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/embedix/distance"
	"github.com/hupe1980/embedix/index"
	"github.com/hupe1980/embedix/internal/queue"
	"github.com/hupe1980/embedix/internal/visited"
	"github.com/hupe1980/embedix/model"
	"github.com/hupe1980/embedix/vectorstore"
)

const (
	// layerNormalizationBase is the base constant for the exponential
	// layer probability distribution.
	layerNormalizationBase = 1.0

	// mmax0Multiplier scales the connection limit at layer 0.
	mmax0Multiplier = 2

	// minimumM is the smallest valid value for M.
	minimumM = 2

	// DefaultM is the default number of bidirectional links per node.
	DefaultM = 16

	// DefaultEF is the default size of the dynamic candidate list.
	DefaultEF = 200

	// ctxCheckInterval is the number of candidate pops between context checks.
	ctxCheckInterval = 64

	numLockShards = 512
)

// Compile-time check.
var _ index.Index = (*HNSW)(nil)

// Options configures the HNSW graph.
type Options struct {
	// Dimension is the fixed vector dimensionality. Required.
	Dimension int
	// Metric is the distance metric. Fixed at creation time.
	Metric distance.Metric
	// M is the number of bidirectional links created per node.
	M int
	// EF is the default size of the dynamic candidate list during
	// construction and search. Overridable per query.
	EF int
	// Heuristic enables the relative-neighborhood selection heuristic.
	Heuristic bool
	// RandomSeed fixes the level generator for reproducible graphs.
	RandomSeed *int64
}

// DefaultOptions are the baseline options for HNSW.
var DefaultOptions = Options{
	M:         DefaultM,
	EF:        DefaultEF,
	Heuristic: true,
	Metric:    distance.MetricCosine,
}

type node struct {
	level int
	// conns[l] holds the neighbor ids at layer l. Guarded by the
	// node's lock shard.
	conns [][]model.LocalID
}

// HNSW is the navigable small world graph.
type HNSW struct {
	opts     Options
	distFunc distance.Func
	vectors  *vectorstore.Slab

	// entryPoint is the id of the current entry node, or -1 when empty.
	entryPoint atomic.Int64
	maxLevel   atomic.Int32
	count      atomic.Int64

	nodesMu sync.RWMutex
	nodes   []*node // indexed by LocalID

	locks [numLockShards]sync.RWMutex

	rngMu sync.Mutex
	rng   *rand.Rand

	tombMu     sync.RWMutex
	tombstones *roaring.Bitmap

	maxConnsPerLayer int
	maxConnsLayer0   int
	layerMultiplier  float64

	minQueuePool *sync.Pool
	maxQueuePool *sync.Pool
	visitedPool  *sync.Pool
}

// New creates an empty HNSW graph.
func New(optFns ...func(o *Options)) (*HNSW, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := index.ValidateBasicOptions(opts.Dimension, opts.Metric); err != nil {
		return nil, err
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EF <= 0 {
		opts.EF = DefaultEF
	}
	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	var rng *rand.Rand
	if opts.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*opts.RandomSeed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	h := &HNSW{
		opts:             opts,
		distFunc:         distFunc,
		vectors:          vectorstore.NewSlab(opts.Dimension),
		rng:              rng,
		tombstones:       roaring.New(),
		maxConnsPerLayer: opts.M,
		maxConnsLayer0:   mmax0Multiplier * opts.M,
		layerMultiplier:  layerNormalizationBase / math.Log(float64(opts.M)),
		minQueuePool: &sync.Pool{
			New: func() any { return queue.NewMin(opts.EF) },
		},
		maxQueuePool: &sync.Pool{
			New: func() any { return queue.NewMax(opts.EF) },
		},
		visitedPool: &sync.Pool{
			New: func() any { return visited.New(1024) },
		},
	}
	h.entryPoint.Store(-1)
	h.maxLevel.Store(-1)

	return h, nil
}

// Name returns "HNSW".
func (*HNSW) Name() string { return "HNSW" }

// Dimension returns the fixed dimensionality.
func (h *HNSW) Dimension() int { return h.opts.Dimension }

// Metric returns the configured distance metric.
func (h *HNSW) Metric() distance.Metric { return h.opts.Metric }

// Len returns the number of live (non-tombstoned) vectors.
func (h *HNSW) Len() int { return int(h.count.Load()) }

func (h *HNSW) getNode(id model.LocalID) *node {
	h.nodesMu.RLock()
	defer h.nodesMu.RUnlock()
	if int(id) >= len(h.nodes) {
		return nil
	}
	return h.nodes[id]
}

func (h *HNSW) setNode(id model.LocalID, n *node) {
	h.nodesMu.Lock()
	defer h.nodesMu.Unlock()
	for int(id) >= len(h.nodes) {
		h.nodes = append(h.nodes, nil)
	}
	h.nodes[id] = n
}

func (h *HNSW) isDeleted(id model.LocalID) bool {
	h.tombMu.RLock()
	defer h.tombMu.RUnlock()
	return h.tombstones.Contains(uint32(id))
}

func (h *HNSW) getConnections(id model.LocalID, layer int) []model.LocalID {
	lock := &h.locks[uint32(id)%numLockShards]
	lock.RLock()
	defer lock.RUnlock()

	n := h.getNode(id)
	if n == nil || layer > n.level {
		return nil
	}
	// Copy: the slice is mutated under the node lock by writers.
	conns := n.conns[layer]
	out := make([]model.LocalID, len(conns))
	copy(out, conns)
	return out
}

func (h *HNSW) setConnections(id model.LocalID, layer int, conns []model.LocalID) {
	n := h.getNode(id)
	if n == nil || layer > n.level {
		return
	}
	n.conns[layer] = conns
}

// Insert adds a vector under the given LocalID.
func (h *HNSW) Insert(ctx context.Context, id model.LocalID, v []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(v) == 0 {
		return index.ErrEmptyVector
	}
	if len(v) != h.opts.Dimension {
		return &index.ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(v)}
	}

	vec := v
	if h.opts.Metric.Normalizes() {
		norm, ok := distance.NormalizeL2Copy(v)
		if !ok {
			return index.ErrZeroVector
		}
		vec = norm
	}

	h.rngMu.Lock()
	r := h.rng.Float64()
	h.rngMu.Unlock()
	level := int(math.Floor(-math.Log(r) * h.layerMultiplier))

	n := &node{level: level, conns: make([][]model.LocalID, level+1)}

	if err := h.vectors.Set(uint32(id), vec); err != nil {
		return err
	}

	// First node becomes the entry point.
	if h.entryPoint.CompareAndSwap(-1, int64(id)) {
		h.setNode(id, n)
		h.maxLevel.Store(int32(level))
		h.count.Add(1)
		return nil
	}

	// Publish before linking so concurrent searches can reach the node.
	h.setNode(id, n)

	if err := h.link(id, vec, level); err != nil {
		return err
	}
	h.count.Add(1)

	if level > int(h.maxLevel.Load()) {
		h.maxLevel.Store(int32(level))
		h.entryPoint.Store(int64(id))
	}
	return nil
}

// link performs the graph traversal and bidirectional connection.
func (h *HNSW) link(id model.LocalID, vec []float32, level int) error {
	ep := model.LocalID(h.entryPoint.Load())
	currID := ep
	currDist := h.dist(vec, currID)
	maxLevel := int(h.maxLevel.Load())

	// Greedy descent above the node's top layer.
	for l := maxLevel; l > level; l-- {
		currID, currDist = h.greedyStep(vec, currID, currDist, l)
	}

	for l := min(level, maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(context.Background(), vec, currID, currDist, l, h.opts.EF, nil, nil)

		if best, ok := candidates.Min(); ok {
			currID = model.LocalID(best.Node)
			currDist = best.Distance
		}

		maxConns := h.maxConnsPerLayer
		if l == 0 {
			maxConns = h.maxConnsLayer0
		}
		neighbors := h.selectNeighbors(candidates, maxConns)

		candidates.Reset()
		h.maxQueuePool.Put(candidates)

		lock := &h.locks[uint32(id)%numLockShards]
		lock.Lock()
		h.setConnections(id, l, neighbors)
		lock.Unlock()

		for _, nb := range neighbors {
			h.addConnection(nb, id, l)
		}
	}
	return nil
}

func (h *HNSW) greedyStep(vec []float32, currID model.LocalID, currDist float32, layer int) (model.LocalID, float32) {
	for {
		changed := false
		for _, next := range h.getConnections(currID, layer) {
			d := h.dist(vec, next)
			if d < currDist {
				currID = next
				currDist = d
				changed = true
			}
		}
		if !changed {
			return currID, currDist
		}
	}
}

// addConnection links target into source's neighbor list, pruning with
// the configured selection strategy when the list is full.
func (h *HNSW) addConnection(sourceID, targetID model.LocalID, layer int) {
	lock := &h.locks[uint32(sourceID)%numLockShards]
	lock.Lock()
	defer lock.Unlock()

	n := h.getNode(sourceID)
	if n == nil || layer > n.level {
		return
	}

	conns := n.conns[layer]
	for _, c := range conns {
		if c == targetID {
			return
		}
	}

	maxConns := h.maxConnsPerLayer
	if layer == 0 {
		maxConns = h.maxConnsLayer0
	}

	if len(conns) < maxConns {
		n.conns[layer] = append(conns, targetID)
		return
	}

	vSource, ok := h.vectors.Get(uint32(sourceID))
	if !ok {
		return
	}

	candidates := h.maxQueuePool.Get().(*queue.PriorityQueue)
	candidates.Reset()
	defer h.maxQueuePool.Put(candidates)

	for _, c := range conns {
		candidates.Push(queue.Item{Node: uint32(c), Distance: h.dist(vSource, c)})
	}
	candidates.Push(queue.Item{Node: uint32(targetID), Distance: h.dist(vSource, targetID)})

	n.conns[layer] = h.selectNeighbors(candidates, maxConns)
}

func (h *HNSW) selectNeighbors(candidates *queue.PriorityQueue, m int) []model.LocalID {
	if h.opts.Heuristic && candidates.Len() > m {
		return h.selectNeighborsHeuristic(candidates, m)
	}
	return h.selectNeighborsSimple(candidates, m)
}

func (h *HNSW) selectNeighborsSimple(candidates *queue.PriorityQueue, m int) []model.LocalID {
	for candidates.Len() > m {
		candidates.Pop()
	}
	res := make([]model.LocalID, candidates.Len())
	for i := candidates.Len() - 1; i >= 0; i-- {
		item, _ := candidates.Pop()
		res[i] = model.LocalID(item.Node)
	}
	return res
}

// selectNeighborsHeuristic keeps candidates that are closer to the
// source than to any already-selected neighbor (relative neighborhood
// graph property), which preserves graph navigability.
func (h *HNSW) selectNeighborsHeuristic(candidates *queue.PriorityQueue, m int) []model.LocalID {
	// Drain the max-heap into nearest-first order.
	sorted := make([]queue.Item, candidates.Len())
	for i := len(sorted) - 1; i >= 0; i-- {
		sorted[i], _ = candidates.Pop()
	}

	result := make([]model.LocalID, 0, m)
	resultVecs := make([][]float32, 0, m)

	for _, cand := range sorted {
		if len(result) >= m {
			break
		}
		candVec, ok := h.vectors.Get(cand.Node)
		if !ok {
			continue
		}
		good := true
		for _, rv := range resultVecs {
			if h.distFunc(candVec, rv) < cand.Distance {
				good = false
				break
			}
		}
		if good {
			result = append(result, model.LocalID(cand.Node))
			resultVecs = append(resultVecs, candVec)
		}
	}

	// Backfill with the nearest remaining candidates.
	for _, cand := range sorted {
		if len(result) >= m {
			break
		}
		id := model.LocalID(cand.Node)
		seen := false
		for _, r := range result {
			if r == id {
				seen = true
				break
			}
		}
		if !seen {
			result = append(result, id)
		}
	}
	return result
}

// searchLayer explores one layer. Tombstoned or filtered nodes are
// traversed for navigation but excluded from results.
// The returned max-heap must be Reset and returned to maxQueuePool by
// the caller. budgetHit, when non-nil, is set if ctx expired.
func (h *HNSW) searchLayer(ctx context.Context, query []float32, epID model.LocalID, epDist float32, layer, ef int, filter func(model.LocalID) bool, budgetHit *bool) *queue.PriorityQueue {
	vis := h.visitedPool.Get().(*visited.Set)
	vis.Reset()
	defer h.visitedPool.Put(vis)

	candidates := h.minQueuePool.Get().(*queue.PriorityQueue)
	candidates.Reset()
	defer func() {
		candidates.Reset()
		h.minQueuePool.Put(candidates)
	}()

	results := h.maxQueuePool.Get().(*queue.PriorityQueue)
	results.Reset()

	vis.Visit(uint32(epID))
	candidates.Push(queue.Item{Node: uint32(epID), Distance: epDist})
	if (filter == nil || filter(epID)) && !h.isDeleted(epID) {
		results.Push(queue.Item{Node: uint32(epID), Distance: epDist})
	}

	pops := 0
	for candidates.Len() > 0 {
		if pops%ctxCheckInterval == 0 && ctx.Err() != nil {
			if budgetHit != nil {
				*budgetHit = true
			}
			break
		}
		pops++

		curr, _ := candidates.Pop()
		if results.Len() >= ef {
			if worst, ok := results.Top(); ok && curr.Distance > worst.Distance {
				break
			}
		}

		for _, next := range h.getConnections(model.LocalID(curr.Node), layer) {
			if vis.Visited(uint32(next)) {
				continue
			}
			vis.Visit(uint32(next))

			nextDist := h.dist(query, next)

			// With a filter we keep traversal permissive to avoid getting
			// trapped in filtered-out regions.
			if filter == nil && results.Len() >= ef {
				if worst, _ := results.Top(); nextDist > worst.Distance {
					continue
				}
			}

			candidates.Push(queue.Item{Node: uint32(next), Distance: nextDist})
			if (filter == nil || filter(next)) && !h.isDeleted(next) {
				results.Push(queue.Item{Node: uint32(next), Distance: nextDist})
				if results.Len() > ef {
					results.Pop()
				}
			}
		}
	}

	return results
}

func (h *HNSW) dist(v []float32, id model.LocalID) float32 {
	vec, ok := h.vectors.Get(uint32(id))
	if !ok {
		return math.MaxFloat32
	}
	return h.distFunc(v, vec)
}

// Delete tombstones a node. O(1); the node stays in the graph for
// navigation, preserving connectivity until the next rebuild.
func (h *HNSW) Delete(ctx context.Context, id model.LocalID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.getNode(id) == nil {
		return &index.ErrNodeNotFound{ID: id}
	}

	h.tombMu.Lock()
	already := h.tombstones.Contains(uint32(id))
	if !already {
		h.tombstones.Add(uint32(id))
	}
	h.tombMu.Unlock()

	if !already {
		h.count.Add(-1)
	}
	return nil
}

// Search returns up to k nearest neighbors ordered by ascending distance.
func (h *HNSW) Search(ctx context.Context, q []float32, k int, opts *index.SearchOptions) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if len(q) != h.opts.Dimension {
		return nil, &index.ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(q)}
	}

	query := q
	if h.opts.Metric.Normalizes() {
		norm, ok := distance.NormalizeL2Copy(q)
		if !ok {
			return nil, index.ErrZeroVector
		}
		query = norm
	}

	epRaw := h.entryPoint.Load()
	if epRaw < 0 {
		return nil, nil
	}
	ep := model.LocalID(epRaw)

	ef := h.opts.EF
	var filter func(model.LocalID) bool
	if opts != nil {
		if opts.EF > 0 {
			ef = opts.EF
		}
		filter = opts.Filter
	}
	if ef < k {
		ef = k
	}

	currID := ep
	currDist := h.dist(query, currID)
	for l := int(h.maxLevel.Load()); l > 0; l-- {
		currID, currDist = h.greedyStep(query, currID, currDist, l)
	}

	var budgetHit bool
	results := h.searchLayer(ctx, query, currID, currDist, 0, ef, filter, &budgetHit)
	defer func() {
		results.Reset()
		h.maxQueuePool.Put(results)
	}()

	for results.Len() > k {
		results.Pop()
	}
	res := make([]index.SearchResult, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item, _ := results.Pop()
		res[i] = index.SearchResult{ID: model.LocalID(item.Node), Distance: item.Distance}
	}

	if budgetHit {
		return res, index.ErrPartialResults
	}
	return res, nil
}
