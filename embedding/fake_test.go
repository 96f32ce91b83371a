package embedding_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedix/embedding"
	"github.com/hupe1980/embedix/internal/math32"
)

func TestFakeDeterministic(t *testing.T) {
	ctx := context.Background()
	f := embedding.NewFake(8)

	a, err := f.Embed(ctx, "hello")
	require.NoError(t, err)
	b, err := f.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := f.Embed(ctx, "world")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestFakeNormalized(t *testing.T) {
	f := embedding.NewFake(16)

	v, err := f.Embed(context.Background(), "text")
	require.NoError(t, err)
	require.Len(t, v, 16)

	assert.InDelta(t, 1.0, math32.Dot(v, v), 1e-5)
}

func TestFakeBatch(t *testing.T) {
	ctx := context.Background()
	f := embedding.NewFake(4)

	vecs, err := f.EmbedBatch(ctx, []string{"a", "b", "a"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, vecs[0], vecs[2])
	assert.NotEqual(t, vecs[0], vecs[1])
}

func TestConfigValidate(t *testing.T) {
	valid := embedding.Config{ModelID: "m", ModelCachePath: "/cache", Dimension: 384}
	assert.NoError(t, valid.Validate())

	assert.Error(t, embedding.Config{ModelCachePath: "/cache", Dimension: 1}.Validate())
	assert.Error(t, embedding.Config{ModelID: "m", Dimension: 1}.Validate())
	assert.Error(t, embedding.Config{ModelID: "m", ModelCachePath: "/c"}.Validate())
}
