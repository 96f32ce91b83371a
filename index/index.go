// Package index provides interfaces and shared types for vector search indexes.
package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/embedix/distance"
	"github.com/hupe1980/embedix/model"
)

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("index: k must be positive")

	// ErrEmptyVector is returned when an empty vector is inserted.
	ErrEmptyVector = errors.New("index: empty vector")

	// ErrZeroVector is returned when a zero vector cannot be normalized
	// for a cosine index.
	ErrZeroVector = errors.New("index: cannot normalize zero vector")

	// ErrPartialResults signals that a time or effort budget expired
	// during traversal. The results returned alongside it are the best
	// found so far; callers should treat the response as degraded, not
	// failed.
	ErrPartialResults = errors.New("index: budget exceeded, partial results")
)

// ErrDimensionMismatch reports a vector whose length differs from the
// index dimension. The insert or query is rejected without mutation.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("index: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrInvalidDimension reports an invalid configured dimension.
type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("index: invalid dimension: %d", e.Dimension)
}

// ErrNodeNotFound reports an operation on an unknown LocalID.
type ErrNodeNotFound struct {
	ID model.LocalID
}

func (e *ErrNodeNotFound) Error() string {
	return fmt.Sprintf("index: node %d not found", e.ID)
}

// SearchResult is a single index-level match.
type SearchResult struct {
	// ID is the generation-local identifier of the match.
	ID model.LocalID
	// Distance is the metric-internal distance (smaller is closer).
	Distance float32
}

// SearchOptions tunes a single search call.
type SearchOptions struct {
	// EF is the search-effort parameter: the size of the candidate list
	// explored during traversal. Zero means the index default.
	EF int
	// Filter restricts traversal to LocalIDs for which it returns true.
	Filter func(id model.LocalID) bool
}

// Index is an approximate (or exact) nearest-neighbor structure over
// vectors keyed by LocalID. Implementations must support concurrent
// searches; writes are serialized by the caller or internally.
//
// Staleness guarantee: Insert incorporates the vector synchronously.
// Once Insert returns, the id is visible to Search (staleness window
// of zero operations).
type Index interface {
	// Name returns the index type name as recorded in snapshots.
	Name() string

	// Insert adds a vector under the given LocalID.
	Insert(ctx context.Context, id model.LocalID, v []float32) error

	// Delete tombstones the id immediately: it is excluded from all
	// subsequent searches even though physical removal is deferred to
	// the next rebuild.
	Delete(ctx context.Context, id model.LocalID) error

	// Search returns up to k nearest neighbors ordered by ascending
	// distance. An empty index yields an empty result, not an error.
	// If the context expires mid-traversal, Search returns the best
	// results found so far together with ErrPartialResults.
	Search(ctx context.Context, q []float32, k int, opts *SearchOptions) ([]SearchResult, error)

	// Len returns the number of live (non-tombstoned) vectors.
	Len() int

	// Dimension returns the fixed dimensionality of the index.
	Dimension() int

	// Metric returns the distance metric fixed at creation time.
	Metric() distance.Metric
}

// ValidateBasicOptions checks dimension and metric configuration shared
// by all index types.
func ValidateBasicOptions(dim int, m distance.Metric) error {
	if dim <= 0 {
		return &ErrInvalidDimension{Dimension: dim}
	}
	if _, err := distance.Provider(m); err != nil {
		return err
	}
	return nil
}
