// Package pk maps user-facing document ids to generation-local ids.
package pk

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/hupe1980/embedix/model"
)

// Index is the mapping DocID -> LocalID for the current generation.
type Index interface {
	Lookup(id model.DocID) (model.LocalID, bool)
	Upsert(id model.DocID, local model.LocalID)
	Delete(id model.DocID) bool
	Len() int
}

// MemoryIndex is an in-memory Index backed by a Go map.
// It supports persistence via WriteTo/Read.
type MemoryIndex struct {
	mu sync.RWMutex
	m  map[model.DocID]model.LocalID
}

var _ Index = (*MemoryIndex)(nil)

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{m: make(map[model.DocID]model.LocalID)}
}

// Lookup returns the LocalID for the given document id.
func (idx *MemoryIndex) Lookup(id model.DocID) (model.LocalID, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	local, ok := idx.m[id]
	return local, ok
}

// Upsert sets the LocalID for the given document id.
func (idx *MemoryIndex) Upsert(id model.DocID, local model.LocalID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.m[id] = local
}

// Delete removes the document id. Returns true if it existed.
func (idx *MemoryIndex) Delete(id model.DocID) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.m[id]; !ok {
		return false
	}
	delete(idx.m, id)
	return true
}

// Len returns the number of mappings.
func (idx *MemoryIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.m)
}

// WriteTo persists the index.
// Format: [Count: 8] Count x { [IDLen: 2][ID] [LocalID: 4] }
func (idx *MemoryIndex) WriteTo(w io.Writer) (int64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bw := bufio.NewWriter(w)
	var n int64

	if err := binary.Write(bw, binary.LittleEndian, uint64(len(idx.m))); err != nil {
		return n, err
	}
	n += 8

	for id, local := range idx.m {
		if len(id) > math.MaxUint16 {
			return n, fmt.Errorf("pk: doc id too long: %d bytes", len(id))
		}
		if err := binary.Write(bw, binary.LittleEndian, uint16(len(id))); err != nil {
			return n, err
		}
		if _, err := bw.WriteString(string(id)); err != nil {
			return n, err
		}
		if err := binary.Write(bw, binary.LittleEndian, uint32(local)); err != nil {
			return n, err
		}
		n += 2 + int64(len(id)) + 4
	}

	return n, bw.Flush()
}

// Read loads an index previously written with WriteTo.
func Read(r io.Reader) (*MemoryIndex, error) {
	br := bufio.NewReader(r)

	var count uint64
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("pk: read count: %w", err)
	}

	idx := &MemoryIndex{m: make(map[model.DocID]model.LocalID, count)}
	for i := uint64(0); i < count; i++ {
		var idLen uint16
		if err := binary.Read(br, binary.LittleEndian, &idLen); err != nil {
			return nil, err
		}
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(br, idBytes); err != nil {
			return nil, err
		}
		var local uint32
		if err := binary.Read(br, binary.LittleEndian, &local); err != nil {
			return nil, err
		}
		idx.m[model.DocID(idBytes)] = model.LocalID(local)
	}
	return idx, nil
}
