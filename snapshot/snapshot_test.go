package snapshot_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedix/blobstore"
	"github.com/hupe1980/embedix/model"
	"github.com/hupe1980/embedix/pk"
	"github.com/hupe1980/embedix/snapshot"
	"github.com/hupe1980/embedix/vectorstore"
)

func buildState(t *testing.T) (*vectorstore.Store, *pk.MemoryIndex) {
	t.Helper()

	store := vectorstore.New(2)
	pks := pk.NewMemoryIndex()

	vecs := [][]float32{{1, 0}, {0, 1}, {1, 1}}
	for i, id := range []model.DocID{"a", "b", "c"} {
		local, err := store.Put(id, vecs[i], []byte(id))
		require.NoError(t, err)
		pks.Upsert(id, local)
	}

	// b is tombstoned; the snapshot must carry that.
	local, _ := pks.Lookup("b")
	store.Delete(local)
	pks.Delete("b")

	return store, pks
}

func TestWriteReadRoundTrip(t *testing.T) {
	store, pks := buildState(t)

	meta := snapshot.Meta{Dimension: 2, Metric: "Cosine", Index: "HNSW", LastSeq: 17}

	var buf bytes.Buffer
	require.NoError(t, snapshot.Write(&buf, meta, store, pks, nil))

	gotMeta, gotStore, gotPKs, err := snapshot.Read(buf.Bytes())
	require.NoError(t, err)

	assert.Equal(t, 2, gotMeta.Dimension)
	assert.Equal(t, "Cosine", gotMeta.Metric)
	assert.Equal(t, uint64(17), gotMeta.LastSeq)

	assert.Equal(t, 3, gotStore.Count())
	assert.Equal(t, 2, gotStore.LiveCount())

	local, ok := gotPKs.Lookup("c")
	require.True(t, ok)
	rec, ok := gotStore.Get(local)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 1}, rec.Vector)
	assert.Equal(t, []byte("c"), rec.Payload)

	_, ok = gotPKs.Lookup("b")
	assert.False(t, ok)
}

func TestCorruptionDetected(t *testing.T) {
	store, pks := buildState(t)

	var buf bytes.Buffer
	require.NoError(t, snapshot.Write(&buf, snapshot.Meta{Dimension: 2}, store, pks, nil))

	data := buf.Bytes()

	// Flip a byte in the middle of the sections.
	corrupted := make([]byte, len(data))
	copy(corrupted, data)
	corrupted[len(corrupted)/2] ^= 0xFF

	_, _, _, err := snapshot.Read(corrupted)
	require.Error(t, err)
}

func TestReadRejectsGarbage(t *testing.T) {
	_, _, _, err := snapshot.Read([]byte("not a snapshot"))
	require.Error(t, err)

	_, _, _, err = snapshot.Read(nil)
	require.Error(t, err)
}

func TestManagerSaveLoad(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	mgr := snapshot.NewManager(blobs)

	// Nothing saved yet.
	_, _, _, ok, err := mgr.LoadLatest(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	store, pks := buildState(t)

	name, err := mgr.Save(ctx, snapshot.Meta{Dimension: 2, Metric: "Cosine", Index: "HNSW", LastSeq: 5}, store, pks)
	require.NoError(t, err)
	assert.NotEmpty(t, name)

	meta, gotStore, gotPKs, ok, err := mgr.LoadLatest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), meta.LastSeq)
	assert.Equal(t, 2, gotStore.LiveCount())
	assert.Equal(t, 2, gotPKs.Len())
}

func TestManagerRetention(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	mgr := snapshot.NewManager(blobs, func(o *snapshot.ManagerOptions) { o.Keep = 1 })

	store, pks := buildState(t)

	var last string
	for i := 0; i < 3; i++ {
		name, err := mgr.Save(ctx, snapshot.Meta{Dimension: 2, LastSeq: uint64(i)}, store, pks)
		require.NoError(t, err)
		last = name
	}

	names, err := blobs.List(ctx, "snapshots/")
	require.NoError(t, err)
	assert.Len(t, names, 1)
	assert.Equal(t, last, names[0])

	meta, _, _, ok, err := mgr.LoadLatest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), meta.LastSeq)
}
