package embedding

import (
	"context"
	"hash/fnv"
	"math/rand"

	"github.com/hupe1980/embedix/distance"
)

// Fake is a deterministic embedder for tests and local development.
// The same text always maps to the same L2-normalized vector, and
// similar inputs share no structure; it exercises the pipeline, not
// semantics.
type Fake struct {
	dim int
}

var _ Embedder = (*Fake)(nil)

// NewFake creates a fake embedder with the given dimensionality.
func NewFake(dim int) *Fake {
	return &Fake{dim: dim}
}

// Dimension returns the configured dimensionality.
func (f *Fake) Dimension() int { return f.dim }

// Embed derives a vector from a hash of the text.
func (f *Fake) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))

	rng := rand.New(rand.NewSource(int64(h.Sum64()))) //nolint:gosec // deterministic by design

	v := make([]float32, f.dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	distance.NormalizeL2InPlace(v)

	return v, nil
}

// EmbedBatch embeds each text independently.
func (f *Fake) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
