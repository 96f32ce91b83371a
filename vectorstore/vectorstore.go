// Package vectorstore owns raw vector storage and associated payloads.
//
// Vectors are stored contiguously in a single []float32 slab, providing
// cache locality for sequential access during search and rebuild. Rows
// are addressed by dense model.LocalID; deletes are soft (roaring
// bitmap) until a rebuild compacts the slab.
//
// Thread safety: concurrent reads are safe; writes are serialized
// internally by a write lock.
package vectorstore

import (
	"errors"
	"iter"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/embedix/model"
)

var (
	// ErrWrongDimension is returned when a vector doesn't match the store dimension.
	ErrWrongDimension = errors.New("vectorstore: wrong vector dimension")
)

// Store is the canonical storage for vectors and payloads.
type Store struct {
	dim int

	mu       sync.RWMutex
	data     []float32      // slab: row i occupies data[i*dim : (i+1)*dim]
	ids      []model.DocID  // per-row document id
	payloads [][]byte       // per-row opaque payload
	deleted  *roaring.Bitmap // soft-deleted rows
}

// New creates an empty store with the given fixed dimension.
func New(dim int) *Store {
	if dim <= 0 {
		dim = 1
	}
	return &Store{
		dim:     dim,
		deleted: roaring.New(),
	}
}

// Dimension returns the fixed vector dimensionality.
func (s *Store) Dimension() int { return s.dim }

// Count returns the total number of rows, including soft-deleted ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// LiveCount returns the number of rows that have not been deleted.
func (s *Store) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids) - int(s.deleted.GetCardinality())
}

// DeletedRatio returns the fraction of rows that are tombstoned.
func (s *Store) DeletedRatio() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ids) == 0 {
		return 0
	}
	return float64(s.deleted.GetCardinality()) / float64(len(s.ids))
}

// Put appends a new record and returns its LocalID.
// The vector and payload are copied; the store never aliases caller memory.
// A dimension mismatch is rejected without any mutation.
func (s *Store) Put(id model.DocID, vec []float32, payload []byte) (model.LocalID, error) {
	if len(vec) != s.dim {
		return 0, ErrWrongDimension
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	local := model.LocalID(len(s.ids))
	s.data = append(s.data, vec...)
	s.ids = append(s.ids, id)
	if payload != nil {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		s.payloads = append(s.payloads, cp)
	} else {
		s.payloads = append(s.payloads, nil)
	}
	return local, nil
}

// Get returns the record at the given LocalID.
// Returns false if the row is out of bounds or deleted.
func (s *Store) Get(local model.LocalID) (model.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if int(local) >= len(s.ids) || s.deleted.Contains(uint32(local)) {
		return model.Record{}, false
	}
	start := int(local) * s.dim
	return model.Record{
		ID:      s.ids[local],
		Vector:  s.data[start : start+s.dim : start+s.dim],
		Payload: s.payloads[local],
	}, true
}

// GetVector returns the vector at the given LocalID.
// The returned slice aliases internal memory; callers must not modify it.
func (s *Store) GetVector(local model.LocalID) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if int(local) >= len(s.ids) || s.deleted.Contains(uint32(local)) {
		return nil, false
	}
	start := int(local) * s.dim
	return s.data[start : start+s.dim : start+s.dim], true
}

// Delete tombstones the row. Returns true if the row existed and was live.
func (s *Store) Delete(local model.LocalID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(local) >= len(s.ids) || s.deleted.Contains(uint32(local)) {
		return false
	}
	s.deleted.Add(uint32(local))
	s.payloads[local] = nil // payload memory can go now
	return true
}

// Iterate returns a finite, restartable sequence over all live records.
// The sequence holds a read lock for its duration; callers must not
// mutate the store from inside the loop.
func (s *Store) Iterate() iter.Seq2[model.LocalID, model.Record] {
	return func(yield func(model.LocalID, model.Record) bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		for i := range s.ids {
			if s.deleted.Contains(uint32(i)) {
				continue
			}
			start := i * s.dim
			rec := model.Record{
				ID:      s.ids[i],
				Vector:  s.data[start : start+s.dim : start+s.dim],
				Payload: s.payloads[i],
			}
			if !yield(model.LocalID(i), rec) {
				return
			}
		}
	}
}

// SizeBytes returns an estimate of the memory held by the store.
func (s *Store) SizeBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := int64(len(s.data)) * 4
	for _, p := range s.payloads {
		n += int64(len(p))
	}
	for _, id := range s.ids {
		n += int64(len(id))
	}
	return n
}
