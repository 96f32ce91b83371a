package visited_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/embedix/internal/visited"
)

func TestVisitAndReset(t *testing.T) {
	s := visited.New(8)

	assert.False(t, s.Visited(3))
	s.Visit(3)
	assert.True(t, s.Visited(3))

	// Beyond the initial capacity: the set grows transparently.
	s.Visit(1000)
	assert.True(t, s.Visited(1000))
	assert.False(t, s.Visited(999))

	s.Reset()
	assert.False(t, s.Visited(3))
	assert.False(t, s.Visited(1000))
}

func TestReuseAfterReset(t *testing.T) {
	s := visited.New(4)

	for round := 0; round < 3; round++ {
		for i := uint32(0); i < 64; i += 2 {
			s.Visit(i)
		}
		for i := uint32(0); i < 64; i++ {
			assert.Equal(t, i%2 == 0, s.Visited(i))
		}
		s.Reset()
	}
}
