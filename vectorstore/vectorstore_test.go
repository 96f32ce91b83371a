package vectorstore_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedix/model"
	"github.com/hupe1980/embedix/vectorstore"
)

func TestPutGet(t *testing.T) {
	s := vectorstore.New(2)

	local, err := s.Put("doc", []float32{1, 2}, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, model.LocalID(0), local)

	rec, ok := s.Get(local)
	require.True(t, ok)
	assert.Equal(t, model.DocID("doc"), rec.ID)
	assert.Equal(t, []float32{1, 2}, rec.Vector)
	assert.Equal(t, []byte("payload"), rec.Payload)

	_, ok = s.Get(99)
	assert.False(t, ok)
}

func TestPutCopiesCallerMemory(t *testing.T) {
	s := vectorstore.New(2)

	vec := []float32{1, 2}
	payload := []byte("p")
	local, err := s.Put("doc", vec, payload)
	require.NoError(t, err)

	vec[0] = 99
	payload[0] = 'x'

	rec, _ := s.Get(local)
	assert.Equal(t, float32(1), rec.Vector[0])
	assert.Equal(t, byte('p'), rec.Payload[0])
}

func TestDimensionRejectedWithoutMutation(t *testing.T) {
	s := vectorstore.New(2)

	_, err := s.Put("bad", []float32{1, 2, 3}, nil)
	assert.ErrorIs(t, err, vectorstore.ErrWrongDimension)
	assert.Equal(t, 0, s.Count())
}

func TestDelete(t *testing.T) {
	s := vectorstore.New(2)

	local, err := s.Put("doc", []float32{1, 2}, []byte("p"))
	require.NoError(t, err)

	assert.True(t, s.Delete(local))
	assert.False(t, s.Delete(local), "double delete")
	assert.False(t, s.Delete(42), "unknown id")

	_, ok := s.Get(local)
	assert.False(t, ok)

	assert.Equal(t, 1, s.Count())
	assert.Equal(t, 0, s.LiveCount())
	assert.InDelta(t, 1.0, s.DeletedRatio(), 1e-9)
}

func TestIterateSkipsDeleted(t *testing.T) {
	s := vectorstore.New(2)

	a, _ := s.Put("a", []float32{1, 0}, nil)
	_, err := s.Put("b", []float32{0, 1}, nil)
	require.NoError(t, err)
	s.Delete(a)

	var seen []model.DocID
	for _, rec := range s.Iterate() {
		seen = append(seen, rec.ID)
	}
	assert.Equal(t, []model.DocID{"b"}, seen)
}

func TestBinaryRoundTrip(t *testing.T) {
	s := vectorstore.New(3)

	a, _ := s.Put("a", []float32{1, 2, 3}, []byte("pa"))
	_, err := s.Put("b", []float32{4, 5, 6}, nil)
	require.NoError(t, err)
	_, err = s.Put("c", []float32{7, 8, 9}, []byte("pc"))
	require.NoError(t, err)
	s.Delete(a)

	var buf bytes.Buffer
	_, err = s.WriteTo(&buf)
	require.NoError(t, err)

	loaded, err := vectorstore.Read(&buf)
	require.NoError(t, err)

	assert.Equal(t, 3, loaded.Dimension())
	assert.Equal(t, 3, loaded.Count())
	assert.Equal(t, 2, loaded.LiveCount())

	_, ok := loaded.Get(a)
	assert.False(t, ok, "tombstone survives the round trip")

	rec, ok := loaded.Get(2)
	require.True(t, ok)
	assert.Equal(t, model.DocID("c"), rec.ID)
	assert.Equal(t, []float32{7, 8, 9}, rec.Vector)
	assert.Equal(t, []byte("pc"), rec.Payload)
}

func TestSlab(t *testing.T) {
	slab := vectorstore.NewSlab(2)

	require.NoError(t, slab.Set(0, []float32{1, 2}))
	require.NoError(t, slab.Set(5, []float32{3, 4}))

	v, ok := slab.Get(5)
	require.True(t, ok)
	assert.Equal(t, []float32{3, 4}, v)

	_, ok = slab.Get(100)
	assert.False(t, ok)

	assert.Error(t, slab.Set(1, []float32{1, 2, 3}))
}
