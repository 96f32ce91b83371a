// Package queue provides value-based binary heaps for search candidates.
package queue

// Item is a (node, distance) pair ordered by Distance.
type Item struct {
	Node     uint32
	Distance float32
}

// PriorityQueue is a binary heap of Items.
// Value-based storage keeps the hot search loops allocation-free.
type PriorityQueue struct {
	isMax bool
	items []Item
}

// NewMin creates a min-heap (smallest distance on top).
func NewMin(capacity int) *PriorityQueue {
	return &PriorityQueue{isMax: false, items: make([]Item, 0, capacity)}
}

// NewMax creates a max-heap (largest distance on top).
func NewMax(capacity int) *PriorityQueue {
	return &PriorityQueue{isMax: true, items: make([]Item, 0, capacity)}
}

// Len returns the number of items in the queue.
func (pq *PriorityQueue) Len() int { return len(pq.items) }

// Reset empties the queue while keeping the backing array.
func (pq *PriorityQueue) Reset() { pq.items = pq.items[:0] }

// Top returns the root item without removing it.
func (pq *PriorityQueue) Top() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	return pq.items[0], true
}

// Min returns the item with the smallest distance.
// For min-heaps this is the root; for max-heaps it scans the slice.
func (pq *PriorityQueue) Min() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	if !pq.isMax {
		return pq.items[0], true
	}
	best := pq.items[0]
	for _, it := range pq.items[1:] {
		if it.Distance < best.Distance {
			best = it
		}
	}
	return best, true
}

// Push inserts an item while maintaining the heap invariant.
func (pq *PriorityQueue) Push(item Item) {
	pq.items = append(pq.items, item)
	pq.siftUp(len(pq.items) - 1)
}

// Pop removes and returns the root item.
func (pq *PriorityQueue) Pop() (Item, bool) {
	n := len(pq.items)
	if n == 0 {
		return Item{}, false
	}
	root := pq.items[0]
	last := pq.items[n-1]
	pq.items = pq.items[:n-1]
	if n-1 > 0 {
		pq.items[0] = last
		pq.siftDown(0)
	}
	return root, true
}

func (pq *PriorityQueue) less(i, j int) bool {
	if pq.isMax {
		return pq.items[i].Distance > pq.items[j].Distance
	}
	return pq.items[i].Distance < pq.items[j].Distance
}

func (pq *PriorityQueue) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !pq.less(i, p) {
			return
		}
		pq.items[i], pq.items[p] = pq.items[p], pq.items[i]
		i = p
	}
}

func (pq *PriorityQueue) siftDown(i int) {
	n := len(pq.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && pq.less(r, l) {
			best = r
		}
		if !pq.less(best, i) {
			return
		}
		pq.items[i], pq.items[best] = pq.items[best], pq.items[i]
		i = best
	}
}
