package embedix

import (
	"errors"
	"fmt"

	"github.com/hupe1980/embedix/embedding"
	"github.com/hupe1980/embedix/engine"
	"github.com/hupe1980/embedix/index"
	"github.com/hupe1980/embedix/resource"
)

var (
	// ErrNotFound is returned when a document id does not exist.
	ErrNotFound = errors.New("embedix: document not found")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("embedix: database closed")

	// ErrInvalidK is returned when a search asks for a non-positive k.
	ErrInvalidK = errors.New("embedix: k must be positive")

	// ErrMemoryLimit is returned when a write would exceed the
	// configured memory limit. The write fails; the database stays
	// usable, and compaction can clear the condition.
	ErrMemoryLimit = errors.New("embedix: memory limit reached")

	// ErrDependencyFailure is returned when the embedding backend is
	// unreachable. The operation is not retried.
	ErrDependencyFailure = errors.New("embedix: dependency failure")

	// ErrRebuildInProgress is returned when a rebuild is requested
	// while another is running.
	ErrRebuildInProgress = errors.New("embedix: rebuild already in progress")
)

// translateError maps internal errors onto the public sentinels while
// keeping the original message in the chain. Typed validation errors
// (dimension mismatch and friends) pass through unchanged.
func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, engine.ErrClosed):
		return ErrClosed
	case errors.Is(err, engine.ErrRebuildInProgress):
		return ErrRebuildInProgress
	case errors.Is(err, index.ErrInvalidK):
		return ErrInvalidK
	case errors.Is(err, resource.ErrMemoryLimit):
		return fmt.Errorf("%w: %s", ErrMemoryLimit, err)
	case errors.Is(err, embedding.ErrEmbeddingUnavailable):
		return fmt.Errorf("%w: %s", ErrDependencyFailure, err)
	default:
		return err
	}
}
