package embedix_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedix"
	"github.com/hupe1980/embedix/distance"
	"github.com/hupe1980/embedix/embedding"
	"github.com/hupe1980/embedix/index"
	"github.com/hupe1980/embedix/model"
	"github.com/hupe1980/embedix/testutil"
)

func newDB(t *testing.T, dim int, indexType string) *embedix.DB {
	t.Helper()

	b := embedix.New(dim).WithLogger(embedix.NoopLogger())
	if indexType == "flat" {
		b = b.WithFlatIndex()
	}

	db, err := b.Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestSearchRanking(t *testing.T) {
	for _, indexType := range []string{"hnsw", "flat"} {
		t.Run(indexType, func(t *testing.T) {
			ctx := context.Background()
			db := newDB(t, 2, indexType)

			require.NoError(t, db.IndexVector(ctx, "A", []float32{1, 0}, []byte("a")))
			require.NoError(t, db.IndexVector(ctx, "B", []float32{0, 1}, []byte("b")))
			require.NoError(t, db.IndexVector(ctx, "C", []float32{1, 1}, []byte("c")))

			res, err := db.SearchVector(ctx, []float32{1, 0.1}, 2)
			require.NoError(t, err)
			require.Len(t, res.Hits, 2)

			assert.Equal(t, model.DocID("A"), res.Hits[0].ID)
			assert.Equal(t, model.DocID("C"), res.Hits[1].ID)
			assert.Greater(t, res.Hits[0].Score, res.Hits[1].Score)
			assert.Equal(t, []byte("a"), res.Hits[0].Payload)
			assert.False(t, res.Degraded)
		})
	}
}

func TestDeleteVisibility(t *testing.T) {
	for _, indexType := range []string{"hnsw", "flat"} {
		t.Run(indexType, func(t *testing.T) {
			ctx := context.Background()
			db := newDB(t, 2, indexType)

			require.NoError(t, db.IndexVector(ctx, "A", []float32{1, 0}, nil))
			require.NoError(t, db.IndexVector(ctx, "B", []float32{0, 1}, nil))
			require.NoError(t, db.IndexVector(ctx, "C", []float32{1, 1}, nil))

			require.NoError(t, db.DeleteDocument(ctx, "B"))

			// B must be gone from results before Delete returned.
			res, err := db.SearchVector(ctx, []float32{0, 1}, 3)
			require.NoError(t, err)
			for _, h := range res.Hits {
				assert.NotEqual(t, model.DocID("B"), h.ID)
			}

			_, err = db.Get("B")
			assert.ErrorIs(t, err, embedix.ErrNotFound)
		})
	}
}

func TestSelfRetrieval(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, 8, "hnsw")

	rng := testutil.NewRNG(42)
	vecs := testutil.RandomVectors(rng, 50, 8)

	for i, v := range vecs {
		id := model.DocID(string(rune('a' + i%26)) + string(rune('0'+i/26)))
		require.NoError(t, db.IndexVector(ctx, id, v, nil))
	}

	for i, v := range vecs {
		id := model.DocID(string(rune('a' + i%26)) + string(rune('0'+i/26)))
		res, err := db.SearchVector(ctx, v, 1)
		require.NoError(t, err)
		require.Len(t, res.Hits, 1)
		assert.Equal(t, id, res.Hits[0].ID, "vector %d should retrieve itself", i)
	}
}

func TestIdempotentReinsert(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, 2, "hnsw")

	vec := []float32{0.5, 0.5}
	payload := []byte("payload")

	require.NoError(t, db.IndexVector(ctx, "doc", vec, payload))
	before := db.Stats()

	require.NoError(t, db.IndexVector(ctx, "doc", vec, payload))
	after := db.Stats()

	assert.Equal(t, before.Records, after.Records)
	assert.Equal(t, before.Live, after.Live)

	res, err := db.SearchVector(ctx, vec, 5)
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
}

func TestUpdateReplacesVector(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, 2, "hnsw")

	require.NoError(t, db.IndexVector(ctx, "doc", []float32{1, 0}, []byte("v1")))
	require.NoError(t, db.IndexVector(ctx, "doc", []float32{0, 1}, []byte("v2")))

	rec, err := db.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), rec.Payload)

	res, err := db.SearchVector(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, model.DocID("doc"), res.Hits[0].ID)
	assert.InDelta(t, 1.0, res.Hits[0].Score, 1e-5)
}

func TestKLargerThanLiveCount(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, 2, "hnsw")

	require.NoError(t, db.IndexVector(ctx, "A", []float32{1, 0}, nil))
	require.NoError(t, db.IndexVector(ctx, "B", []float32{0, 1}, nil))
	require.NoError(t, db.IndexVector(ctx, "C", []float32{1, 1}, nil))

	res, err := db.SearchVector(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, res.Hits, 3)
}

func TestDimensionMismatchRejected(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, 2, "hnsw")

	require.NoError(t, db.IndexVector(ctx, "A", []float32{1, 0}, nil))
	before := db.Stats()

	err := db.IndexVector(ctx, "bad", []float32{1, 0, 0}, nil)

	var mismatch *index.ErrDimensionMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 2, mismatch.Expected)
	assert.Equal(t, 3, mismatch.Actual)

	// No partial mutation.
	assert.Equal(t, before, db.Stats())
	_, err = db.Get("bad")
	assert.ErrorIs(t, err, embedix.ErrNotFound)

	_, err = db.SearchVector(ctx, []float32{1, 0, 0}, 1)
	require.ErrorAs(t, err, &mismatch)
}

func TestInvalidK(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, 2, "hnsw")

	_, err := db.SearchVector(ctx, []float32{1, 0}, 0)
	assert.ErrorIs(t, err, embedix.ErrInvalidK)

	_, err = db.SearchVector(ctx, []float32{1, 0}, -3)
	assert.ErrorIs(t, err, embedix.ErrInvalidK)
}

func TestEmptyDatabaseSearch(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, 2, "hnsw")

	res, err := db.SearchVector(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
}

func TestDeleteMissing(t *testing.T) {
	db := newDB(t, 2, "hnsw")

	err := db.DeleteDocument(context.Background(), "ghost")
	assert.ErrorIs(t, err, embedix.ErrNotFound)
}

func TestSearchThreshold(t *testing.T) {
	ctx := context.Background()

	db, err := embedix.New(2).
		WithLogger(embedix.NoopLogger()).
		WithEmbedder(embedding.NewFake(2)).
		Build(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.IndexVector(ctx, "A", []float32{1, 0}, nil))
	require.NoError(t, db.IndexVector(ctx, "B", []float32{0, 1}, nil))
	require.NoError(t, db.IndexVector(ctx, "C", []float32{1, 1}, nil))

	res, err := db.SearchVectorThreshold(ctx, []float32{1, 0.1}, 0.9, 3)
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, model.DocID("A"), res.Hits[0].ID)
}

func TestRebuildNoRecallRegression(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, 8, "hnsw")

	rng := testutil.NewRNG(7)
	vecs := testutil.RandomVectors(rng, 60, 8)

	ids := make([]model.DocID, len(vecs))
	for i, v := range vecs {
		ids[i] = model.DocID("doc-" + string(rune('a'+i%26)) + string(rune('0'+i/26)))
		require.NoError(t, db.IndexVector(ctx, ids[i], v, nil))
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, db.DeleteDocument(ctx, ids[i]))
	}

	query := vecs[30]
	before, err := db.SearchVector(ctx, query, 5)
	require.NoError(t, err)

	require.NoError(t, db.RebuildIndex(ctx))

	stats := db.Stats()
	assert.Equal(t, 0, stats.Deleted)
	assert.Equal(t, 40, stats.Live)
	assert.Equal(t, uint64(1), stats.Generation)

	after, err := db.SearchVector(ctx, query, 5)
	require.NoError(t, err)
	require.Len(t, after.Hits, len(before.Hits))
	assert.Equal(t, before.Hits[0].ID, after.Hits[0].ID)
}

func TestDegradedOnCanceledContext(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, 2, "flat")

	require.NoError(t, db.IndexVector(ctx, "A", []float32{1, 0}, nil))
	require.NoError(t, db.IndexVector(ctx, "B", []float32{0, 1}, nil))

	canceled, cancel := context.WithCancel(ctx)
	cancel()

	res, err := db.SearchVector(canceled, []float32{1, 0}, 2)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
}

func TestIndexAndSearchText(t *testing.T) {
	ctx := context.Background()

	db, err := embedix.New(16).
		WithLogger(embedix.NoopLogger()).
		WithEmbedder(embedding.NewFake(16)).
		Build(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.IndexDocument(ctx, "greeting", "hello world", nil))
	require.NoError(t, db.IndexDocument(ctx, "farewell", "goodbye world", nil))

	// The fake embedder is deterministic, so the exact text retrieves itself.
	res, err := db.Search(ctx, "hello world", 1)
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, model.DocID("greeting"), res.Hits[0].ID)
	assert.Equal(t, []byte("hello world"), res.Hits[0].Payload)
}

func TestTextOperationsRequireEmbedder(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, 2, "hnsw")

	err := db.IndexDocument(ctx, "doc", "text", nil)
	assert.ErrorIs(t, err, embedix.ErrDependencyFailure)

	_, err = db.Search(ctx, "text", 1)
	assert.ErrorIs(t, err, embedix.ErrDependencyFailure)
}

func TestLoadJSONL(t *testing.T) {
	ctx := context.Background()

	db, err := embedix.New(16).
		WithLogger(embedix.NoopLogger()).
		WithEmbedder(embedding.NewFake(16)).
		Build(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	corpus := strings.Join([]string{
		`{"id": "1", "content": "alpha"}`,
		``,
		`{"id": "2", "content": "beta"}`,
		`{"id": "3", "content": "gamma"}`,
	}, "\n")

	n, err := db.LoadJSONL(ctx, strings.NewReader(corpus))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rec, err := db.Get("2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id": "2", "content": "beta"}`, string(rec.Payload))

	res, err := db.Search(ctx, "alpha", 1)
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, model.DocID("1"), res.Hits[0].ID)
}

func TestLoadJSONLMalformedLine(t *testing.T) {
	ctx := context.Background()

	db, err := embedix.New(16).
		WithLogger(embedix.NoopLogger()).
		WithEmbedder(embedding.NewFake(16)).
		Build(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.LoadJSONL(ctx, strings.NewReader("{not json}\n"))
	require.Error(t, err)
}

func TestBatchIndexDocuments(t *testing.T) {
	ctx := context.Background()

	db, err := embedix.New(16).
		WithLogger(embedix.NoopLogger()).
		WithEmbedder(embedding.NewFake(16)).
		Build(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	docs := []embedix.Document{
		{ID: "1", Content: "first"},
		{ID: "2", Content: "second", Payload: []byte("custom")},
	}
	require.NoError(t, db.BatchIndexDocuments(ctx, docs))

	rec, err := db.Get("2")
	require.NoError(t, err)
	assert.Equal(t, []byte("custom"), rec.Payload)

	assert.Equal(t, 2, db.Stats().Live)
}

func TestBatchSearchVectors(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, 2, "hnsw")

	require.NoError(t, db.IndexVector(ctx, "A", []float32{1, 0}, nil))
	require.NoError(t, db.IndexVector(ctx, "B", []float32{0, 1}, nil))

	results, err := db.BatchSearchVectors(ctx, [][]float32{{1, 0}, {0, 1}}, 1)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, model.DocID("A"), results[0].Hits[0].ID)
	assert.Equal(t, model.DocID("B"), results[1].Hits[0].ID)
}

func TestClosedDB(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, 2, "hnsw")
	require.NoError(t, db.Close())

	err := db.IndexVector(ctx, "A", []float32{1, 0}, nil)
	assert.ErrorIs(t, err, embedix.ErrClosed)

	_, err = db.SearchVector(ctx, []float32{1, 0}, 1)
	assert.ErrorIs(t, err, embedix.ErrClosed)
}

func TestMetricSelection(t *testing.T) {
	ctx := context.Background()

	db, err := embedix.New(2).
		WithMetric(distance.MetricSquaredL2).
		WithLogger(embedix.NoopLogger()).
		Build(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.IndexVector(ctx, "near", []float32{1, 1}, nil))
	require.NoError(t, db.IndexVector(ctx, "far", []float32{10, 10}, nil))

	res, err := db.SearchVector(ctx, []float32{0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, model.DocID("near"), res.Hits[0].ID)
}

func TestZeroVectorRejectedForCosine(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, 2, "hnsw")

	err := db.IndexVector(ctx, "zero", []float32{0, 0}, nil)
	assert.True(t, errors.Is(err, index.ErrZeroVector))
}
