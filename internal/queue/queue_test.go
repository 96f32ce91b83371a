package queue_test

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedix/internal/queue"
)

func TestMinOrdering(t *testing.T) {
	pq := queue.NewMin(0)

	rng := rand.New(rand.NewSource(1)) //nolint:gosec // deterministic test data
	dists := make([]float32, 100)
	for i := range dists {
		dists[i] = rng.Float32()
		pq.Push(queue.Item{Node: uint32(i), Distance: dists[i]})
	}

	sort.Slice(dists, func(i, j int) bool { return dists[i] < dists[j] })

	for i := 0; pq.Len() > 0; i++ {
		item, ok := pq.Pop()
		require.True(t, ok)
		assert.Equal(t, dists[i], item.Distance)
	}
}

func TestMaxOrdering(t *testing.T) {
	pq := queue.NewMax(0)

	pq.Push(queue.Item{Node: 1, Distance: 0.5})
	pq.Push(queue.Item{Node: 2, Distance: 0.9})
	pq.Push(queue.Item{Node: 3, Distance: 0.1})

	item, ok := pq.Pop()
	require.True(t, ok)
	assert.EqualValues(t, 2, item.Node)

	top, ok := pq.Top()
	require.True(t, ok)
	assert.EqualValues(t, 1, top.Node)
}

func TestEmpty(t *testing.T) {
	pq := queue.NewMin(4)

	_, ok := pq.Pop()
	assert.False(t, ok)
	_, ok = pq.Top()
	assert.False(t, ok)
	assert.Zero(t, pq.Len())
}

func TestReset(t *testing.T) {
	pq := queue.NewMax(4)
	pq.Push(queue.Item{Node: 1, Distance: 1})
	pq.Reset()

	assert.Zero(t, pq.Len())
	_, ok := pq.Pop()
	assert.False(t, ok)
}
