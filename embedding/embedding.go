// Package embedding defines the boundary to the embedding model.
//
// The core never loads or runs a model itself; it consumes vectors
// through the Embedder interface. Implementations wrap whatever
// inference backend produces the vectors.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmbeddingUnavailable is returned when the embedding backend
// cannot produce a vector. The core does not retry; the error surfaces
// to the caller as a dependency failure.
var ErrEmbeddingUnavailable = errors.New("embedding: backend unavailable")

// Embedder turns text into a fixed-dimension vector.
//
// Implementations must be safe for concurrent use. Calls may block on
// I/O or inference, so they take a context; the engine never holds a
// lock across an Embed call.
type Embedder interface {
	// Embed returns the embedding of text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one embedding per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the fixed output dimensionality.
	Dimension() int
}

// Config locates and describes the model. It is built once at startup
// and treated as read-only afterwards; there is no ambient default.
type Config struct {
	// ModelID names the model, e.g. "all-MiniLM-L6-v2".
	ModelID string
	// ModelCachePath is the directory holding downloaded model files.
	ModelCachePath string
	// Dimension is the expected output dimensionality.
	Dimension int
}

// Validate checks the config for completeness.
func (c Config) Validate() error {
	if c.ModelID == "" {
		return errors.New("embedding: model id is required")
	}
	if c.ModelCachePath == "" {
		return errors.New("embedding: model cache path is required")
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("embedding: invalid dimension %d", c.Dimension)
	}
	return nil
}
