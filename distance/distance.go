// Package distance provides vector distance metrics and normalization helpers.
package distance

import (
	"fmt"
	"slices"

	"github.com/hupe1980/embedix/internal/math32"
)

// Metric identifies the distance metric of an index instance.
// The metric is fixed at creation time and recorded in persisted snapshots.
type Metric int

const (
	// MetricCosine orders by cosine similarity. Vectors are L2-normalized
	// on insert and query, so the internal distance is 1 - dot.
	MetricCosine Metric = iota
	// MetricSquaredL2 orders by squared Euclidean distance.
	MetricSquaredL2
	// MetricDot orders by (negated) inner product.
	MetricDot
)

func (m Metric) String() string {
	switch m {
	case MetricCosine:
		return "Cosine"
	case MetricSquaredL2:
		return "SquaredL2"
	case MetricDot:
		return "Dot"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// ParseMetric converts a metric name (as stored in snapshots and config
// files) back to a Metric.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "Cosine", "cosine":
		return MetricCosine, nil
	case "SquaredL2", "l2":
		return MetricSquaredL2, nil
	case "Dot", "dot":
		return MetricDot, nil
	default:
		return 0, fmt.Errorf("distance: unknown metric %q", s)
	}
}

// Func computes the distance between two vectors of equal length.
// Smaller is closer for every metric.
type Func func(a, b []float32) float32

// Dot returns the dot product of a and b.
func Dot(a, b []float32) float32 {
	return math32.Dot(a, b)
}

// SquaredL2 returns the squared Euclidean distance between a and b.
func SquaredL2(a, b []float32) float32 {
	return math32.SquaredL2(a, b)
}

// Provider returns the internal distance function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricCosine:
		// Operates on L2-normalized vectors: 1 - dot == cosine distance.
		return func(a, b []float32) float32 { return 1 - math32.Dot(a, b) }, nil
	case MetricSquaredL2:
		return math32.SquaredL2, nil
	case MetricDot:
		return func(a, b []float32) float32 { return -math32.Dot(a, b) }, nil
	default:
		return nil, fmt.Errorf("distance: unsupported metric: %v", m)
	}
}

// Score converts an internal distance to the user-facing similarity score
// (higher is more similar) for the given metric.
func Score(m Metric, dist float32) float32 {
	switch m {
	case MetricCosine:
		return 1 - dist // cosine similarity in [-1, 1]
	case MetricDot:
		return -dist
	default:
		return -dist // negated squared L2
	}
}

// Normalizes reports whether the metric requires L2 normalization of
// stored and query vectors.
func (m Metric) Normalizes() bool {
	return m == MetricCosine
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := math32.Dot(v, v)
	if norm2 == 0 {
		return false
	}
	math32.ScaleInPlace(v, 1/math32.Sqrt(norm2))
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}
