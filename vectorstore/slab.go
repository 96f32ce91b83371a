package vectorstore

import "sync"

// Slab is a minimal dense vector array keyed by LocalID, used by index
// implementations as their canonical vector memory. Unlike Store it
// carries no document ids or payloads.
//
// Thread safety: concurrent reads are safe; writes are serialized by
// the owning index.
type Slab struct {
	dim  int
	mu   sync.RWMutex
	data []float32
}

// NewSlab creates an empty slab for vectors of the given dimension.
func NewSlab(dim int) *Slab {
	if dim <= 0 {
		dim = 1
	}
	return &Slab{dim: dim}
}

// Dimension returns the fixed vector dimensionality.
func (s *Slab) Dimension() int { return s.dim }

// Len returns the number of vector slots, including unset ones.
func (s *Slab) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data) / s.dim
}

// Set stores v at the given slot, growing the slab as needed.
// v is copied.
func (s *Slab) Set(slot uint32, v []float32) error {
	if len(v) != s.dim {
		return ErrWrongDimension
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	end := (int(slot) + 1) * s.dim
	if end > len(s.data) {
		if end > cap(s.data) {
			next := make([]float32, end, max(end*2, 1024*s.dim))
			copy(next, s.data)
			s.data = next
		} else {
			s.data = s.data[:end]
		}
	}
	copy(s.data[int(slot)*s.dim:end], v)
	return nil
}

// Get returns the vector at the given slot.
// The returned slice aliases internal memory; callers must not modify it.
func (s *Slab) Get(slot uint32) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := int(slot) * s.dim
	end := start + s.dim
	if end > len(s.data) {
		return nil, false
	}
	return s.data[start:end:end], true
}
