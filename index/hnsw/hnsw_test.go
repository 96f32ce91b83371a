package hnsw_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/embedix/distance"
	"github.com/hupe1980/embedix/index"
	"github.com/hupe1980/embedix/index/hnsw"
	"github.com/hupe1980/embedix/model"
	"github.com/hupe1980/embedix/testutil"
)

func newGraph(t *testing.T, dim int, optFns ...func(o *hnsw.Options)) *hnsw.HNSW {
	t.Helper()

	seed := int64(1)
	h, err := hnsw.New(append([]func(o *hnsw.Options){
		func(o *hnsw.Options) {
			o.Dimension = dim
			o.RandomSeed = &seed
		},
	}, optFns...)...)
	require.NoError(t, err)

	return h
}

func TestNewValidation(t *testing.T) {
	_, err := hnsw.New(func(o *hnsw.Options) { o.Dimension = 0 })

	var invalid *index.ErrInvalidDimension
	assert.ErrorAs(t, err, &invalid)
}

func TestEmptySearch(t *testing.T) {
	h := newGraph(t, 4)

	res, err := h.Search(context.Background(), []float32{1, 0, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestInsertValidation(t *testing.T) {
	ctx := context.Background()
	h := newGraph(t, 4)

	assert.ErrorIs(t, h.Insert(ctx, 0, nil), index.ErrEmptyVector)

	var mismatch *index.ErrDimensionMismatch
	assert.ErrorAs(t, h.Insert(ctx, 0, []float32{1, 0}), &mismatch)

	// Cosine requires normalizable vectors.
	assert.ErrorIs(t, h.Insert(ctx, 0, []float32{0, 0, 0, 0}), index.ErrZeroVector)
}

func TestSearchValidation(t *testing.T) {
	ctx := context.Background()
	h := newGraph(t, 4)
	require.NoError(t, h.Insert(ctx, 0, []float32{1, 0, 0, 0}))

	_, err := h.Search(ctx, []float32{1, 0, 0, 0}, 0, nil)
	assert.ErrorIs(t, err, index.ErrInvalidK)

	var mismatch *index.ErrDimensionMismatch
	_, err = h.Search(ctx, []float32{1, 0}, 1, nil)
	assert.ErrorAs(t, err, &mismatch)
}

func TestSelfRetrieval(t *testing.T) {
	ctx := context.Background()
	h := newGraph(t, 16)

	rng := testutil.NewRNG(3)
	vecs := testutil.RandomVectors(rng, 100, 16)

	for i, v := range vecs {
		require.NoError(t, h.Insert(ctx, model.LocalID(i), v))
	}
	assert.Equal(t, 100, h.Len())

	for i, v := range vecs {
		res, err := h.Search(ctx, v, 1, nil)
		require.NoError(t, err)
		require.NotEmpty(t, res)
		assert.Equal(t, model.LocalID(i), res[0].ID)
	}
}

func TestRecallAgainstBruteForce(t *testing.T) {
	ctx := context.Background()
	h := newGraph(t, 16)

	rng := testutil.NewRNG(5)
	vecs := testutil.RandomVectors(rng, 500, 16)

	for i, v := range vecs {
		require.NoError(t, h.Insert(ctx, model.LocalID(i), v))
	}

	const k = 10

	total := 0.0
	queries := testutil.RandomVectors(rng, 20, 16)
	for _, q := range queries {
		expected := testutil.BruteForceSearch(distance.MetricCosine, vecs, q, k)

		res, err := h.Search(ctx, q, k, nil)
		require.NoError(t, err)

		got := make([]model.LocalID, len(res))
		for i, r := range res {
			got[i] = r.ID
		}
		total += testutil.Recall(expected, got)
	}

	assert.GreaterOrEqual(t, total/float64(len(queries)), 0.9)
}

func TestResultsOrderedByDistance(t *testing.T) {
	ctx := context.Background()
	h := newGraph(t, 8)

	rng := testutil.NewRNG(9)
	vecs := testutil.RandomVectors(rng, 50, 8)
	for i, v := range vecs {
		require.NoError(t, h.Insert(ctx, model.LocalID(i), v))
	}

	res, err := h.Search(ctx, vecs[0], 10, nil)
	require.NoError(t, err)
	for i := 1; i < len(res); i++ {
		assert.LessOrEqual(t, res[i-1].Distance, res[i].Distance)
	}
}

func TestDeleteExcludesFromSearch(t *testing.T) {
	ctx := context.Background()
	h := newGraph(t, 8)

	rng := testutil.NewRNG(13)
	vecs := testutil.RandomVectors(rng, 30, 8)
	for i, v := range vecs {
		require.NoError(t, h.Insert(ctx, model.LocalID(i), v))
	}

	require.NoError(t, h.Delete(ctx, 7))
	assert.Equal(t, 29, h.Len())

	// Query with the deleted vector itself; it must not come back.
	res, err := h.Search(ctx, vecs[7], 30, nil)
	require.NoError(t, err)
	for _, r := range res {
		assert.NotEqual(t, model.LocalID(7), r.ID)
	}

	// Tombstoning is idempotent; unknown ids are reported.
	assert.NoError(t, h.Delete(ctx, 7))
	assert.Equal(t, 29, h.Len())

	var notFound *index.ErrNodeNotFound
	assert.ErrorAs(t, h.Delete(ctx, 9999), &notFound)
}

func TestTraversalThroughTombstones(t *testing.T) {
	ctx := context.Background()
	h := newGraph(t, 2, func(o *hnsw.Options) { o.Metric = distance.MetricSquaredL2 })

	// A line of points; deleting the middle must not cut off the far end.
	for i := 0; i < 20; i++ {
		require.NoError(t, h.Insert(ctx, model.LocalID(i), []float32{float32(i), 0}))
	}
	for i := 5; i < 15; i++ {
		require.NoError(t, h.Delete(ctx, model.LocalID(i)))
	}

	res, err := h.Search(ctx, []float32{19, 0}, 3, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res)
	assert.Equal(t, model.LocalID(19), res[0].ID)
}

func TestFilteredSearch(t *testing.T) {
	ctx := context.Background()
	h := newGraph(t, 8)

	rng := testutil.NewRNG(17)
	vecs := testutil.RandomVectors(rng, 40, 8)
	for i, v := range vecs {
		require.NoError(t, h.Insert(ctx, model.LocalID(i), v))
	}

	even := func(id model.LocalID) bool { return id%2 == 0 }

	res, err := h.Search(ctx, vecs[3], 10, &index.SearchOptions{Filter: even})
	require.NoError(t, err)
	require.NotEmpty(t, res)
	for _, r := range res {
		assert.True(t, even(r.ID))
	}
}

func TestEFTradesEffortForRecall(t *testing.T) {
	ctx := context.Background()
	h := newGraph(t, 16, func(o *hnsw.Options) { o.EF = 16 })

	rng := testutil.NewRNG(21)
	vecs := testutil.RandomVectors(rng, 300, 16)
	for i, v := range vecs {
		require.NoError(t, h.Insert(ctx, model.LocalID(i), v))
	}

	q := testutil.RandomVector(rng, 16)
	expected := testutil.BruteForceSearch(distance.MetricCosine, vecs, q, 10)

	res, err := h.Search(ctx, q, 10, &index.SearchOptions{EF: 300})
	require.NoError(t, err)

	got := make([]model.LocalID, len(res))
	for i, r := range res {
		got[i] = r.ID
	}
	assert.GreaterOrEqual(t, testutil.Recall(expected, got), 0.9)
}

func TestDeterministicWithSeed(t *testing.T) {
	ctx := context.Background()

	build := func() *hnsw.HNSW {
		h := newGraph(t, 8)
		rng := testutil.NewRNG(33)
		for i, v := range testutil.RandomVectors(rng, 100, 8) {
			require.NoError(t, h.Insert(ctx, model.LocalID(i), v))
		}
		return h
	}

	a, b := build(), build()

	rng := testutil.NewRNG(34)
	q := testutil.RandomVector(rng, 8)

	resA, err := a.Search(ctx, q, 10, nil)
	require.NoError(t, err)
	resB, err := b.Search(ctx, q, 10, nil)
	require.NoError(t, err)

	assert.Equal(t, resA, resB)
}

func TestConcurrentInsertSearch(t *testing.T) {
	ctx := context.Background()
	h := newGraph(t, 8)

	rng := testutil.NewRNG(55)
	vecs := testutil.RandomVectors(rng, 300, 8)

	// Seed a few nodes so searches have entry points from the start.
	for i := 0; i < 20; i++ {
		require.NoError(t, h.Insert(ctx, model.LocalID(i), vecs[i]))
	}

	var g errgroup.Group
	g.SetLimit(8)

	for i := 20; i < len(vecs); i++ {
		g.Go(func() error {
			return h.Insert(ctx, model.LocalID(i), vecs[i])
		})
	}
	for q := 0; q < 8; q++ {
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				if _, err := h.Search(ctx, vecs[q], 5, nil); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// The concurrently built graph must stay connected: nearly every
	// vector retrieves itself as the top hit.
	exact := 0
	for i, v := range vecs {
		res, err := h.Search(ctx, v, 1, &index.SearchOptions{EF: 200})
		require.NoError(t, err)
		require.NotEmpty(t, res)
		if res[0].ID == model.LocalID(i) {
			exact++
		}
	}
	assert.GreaterOrEqual(t, exact, 295)
}
