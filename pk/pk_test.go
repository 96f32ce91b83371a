package pk_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedix/pk"
)

func TestLookupUpsertDelete(t *testing.T) {
	idx := pk.NewMemoryIndex()

	_, ok := idx.Lookup("missing")
	assert.False(t, ok)

	idx.Upsert("doc", 7)
	local, ok := idx.Lookup("doc")
	require.True(t, ok)
	assert.EqualValues(t, 7, local)

	// Upsert replaces.
	idx.Upsert("doc", 9)
	local, _ = idx.Lookup("doc")
	assert.EqualValues(t, 9, local)
	assert.Equal(t, 1, idx.Len())

	assert.True(t, idx.Delete("doc"))
	assert.False(t, idx.Delete("doc"))
	assert.Equal(t, 0, idx.Len())
}

func TestPersistenceRoundTrip(t *testing.T) {
	idx := pk.NewMemoryIndex()
	idx.Upsert("a", 0)
	idx.Upsert("b", 1)
	idx.Upsert("c", 42)

	var buf bytes.Buffer
	_, err := idx.WriteTo(&buf)
	require.NoError(t, err)

	loaded, err := pk.Read(&buf)
	require.NoError(t, err)

	assert.Equal(t, 3, loaded.Len())
	local, ok := loaded.Lookup("c")
	require.True(t, ok)
	assert.EqualValues(t, 42, local)
}
