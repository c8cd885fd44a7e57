package region

import (
	"container/heap"
)

// cellIterator walks cells in (row, col, ts desc) order.
type cellIterator interface {
	Valid() bool
	Cell() Cell
	Next()
}

// mergeIterator combines several cellIterators into one ordered stream.
// Sources are ranked: when two sources hold a cell with the same row, column
// and timestamp, the lower-ranked (newer) source's cell is yielded first, so
// a consumer that skips exact duplicates keeps the newest copy.
type mergeIterator struct {
	h mergeHeap
}

type mergeEntry struct {
	it   cellIterator
	rank int
}

func newMergeIterator(its []cellIterator) *mergeIterator {
	m := &mergeIterator{}
	for rank, it := range its {
		if it.Valid() {
			m.h = append(m.h, mergeEntry{it: it, rank: rank})
		}
	}
	heap.Init(&m.h)
	return m
}

func (m *mergeIterator) Valid() bool {
	return len(m.h) > 0
}

func (m *mergeIterator) Cell() Cell {
	return m.h[0].it.Cell()
}

func (m *mergeIterator) Next() {
	top := m.h[0].it
	top.Next()
	if top.Valid() {
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
}

type mergeHeap []mergeEntry

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i].it.Cell(), h[j].it.Cell()
	if cellLess(a, b) {
		return true
	}
	if cellLess(b, a) {
		return false
	}
	return h[i].rank < h[j].rank
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(mergeEntry)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
