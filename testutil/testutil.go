// Package testutil provides helpers shared by tests: seeded random
// vectors and a brute-force reference search to validate recall.
package testutil

import (
	"math/rand"
	"sort"

	"github.com/hupe1980/embedix/distance"
	"github.com/hupe1980/embedix/model"
)

// NewRNG returns a deterministic random source for reproducible tests.
func NewRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed)) //nolint:gosec // tests need reproducibility, not entropy
}

// RandomVector fills a fresh vector of dim with values in [-1, 1).
func RandomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

// RandomVectors generates n random vectors of dim.
func RandomVectors(rng *rand.Rand, n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = RandomVector(rng, dim)
	}
	return out
}

// Neighbor pairs a LocalID with its distance to a query.
type Neighbor struct {
	ID       model.LocalID
	Distance float32
}

// BruteForceSearch computes the exact k nearest neighbors of q over
// vectors, using the same normalization the index under test applies.
func BruteForceSearch(m distance.Metric, vectors [][]float32, q []float32, k int) []Neighbor {
	dist, err := distance.Provider(m)
	if err != nil {
		panic(err)
	}

	query := q
	if m.Normalizes() {
		query, _ = distance.NormalizeL2Copy(q)
	}

	neighbors := make([]Neighbor, 0, len(vectors))
	for i, v := range vectors {
		cand := v
		if m.Normalizes() {
			cand, _ = distance.NormalizeL2Copy(v)
		}
		neighbors = append(neighbors, Neighbor{
			ID:       model.LocalID(i), //nolint:gosec // test corpus is small
			Distance: dist(query, cand),
		})
	}

	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Distance != neighbors[j].Distance {
			return neighbors[i].Distance < neighbors[j].Distance
		}
		return neighbors[i].ID < neighbors[j].ID
	})

	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors
}

// Recall returns the fraction of expected ids present in got.
func Recall(expected []Neighbor, got []model.LocalID) float64 {
	if len(expected) == 0 {
		return 1
	}
	want := make(map[model.LocalID]struct{}, len(expected))
	for _, n := range expected {
		want[n.ID] = struct{}{}
	}
	hits := 0
	for _, id := range got {
		if _, ok := want[id]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(expected))
}
