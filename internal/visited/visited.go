// Package visited provides a reusable visited-node set for graph traversal.
package visited

// Set tracks visited nodes using a bitset and a dirty list for O(visited) reset.
type Set struct {
	bits  []uint64
	dirty []uint32
}

// New creates a set with capacity for the given number of nodes.
func New(capacity int) *Set {
	return &Set{
		bits:  make([]uint64, (capacity+63)/64),
		dirty: make([]uint32, 0, 128),
	}
}

// Visit marks a node as visited.
func (s *Set) Visit(id uint32) {
	word := int(id >> 6)
	mask := uint64(1) << (id & 63)
	if word >= len(s.bits) {
		s.grow(word + 1)
	}
	if s.bits[word]&mask == 0 {
		s.bits[word] |= mask
		s.dirty = append(s.dirty, id)
	}
}

// Visited reports whether the node has been visited.
func (s *Set) Visited(id uint32) bool {
	word := int(id >> 6)
	if word >= len(s.bits) {
		return false
	}
	return s.bits[word]&(uint64(1)<<(id&63)) != 0
}

// Reset clears all nodes visited since the last reset.
func (s *Set) Reset() {
	for _, id := range s.dirty {
		s.bits[id>>6] &^= uint64(1) << (id & 63)
	}
	s.dirty = s.dirty[:0]
}

func (s *Set) grow(words int) {
	next := make([]uint64, words*2)
	copy(next, s.bits)
	s.bits = next
}
