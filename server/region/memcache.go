package region

import (
	"github.com/google/btree"
)

const memcacheBTreeDegree = 16

// Memcache is the sorted in-memory buffer of one store. Writers add cells as
// commits apply; a flush snapshots the tree (a cheap copy-on-write clone) and
// writes the snapshot out while new commits keep landing in the live tree.
type Memcache struct {
	tree *btree.BTreeG[Cell]
	size int64
}

func NewMemcache() *Memcache {
	return &Memcache{tree: btree.NewG[Cell](memcacheBTreeDegree, cellLess)}
}

// Add inserts a cell, replacing any cell with the same row, column and
// timestamp. Returns the change in byte size.
func (m *Memcache) Add(c Cell) int64 {
	delta := cellSize(c)
	if old, ok := m.tree.ReplaceOrInsert(c); ok {
		delta -= cellSize(old)
	}
	m.size += delta
	return delta
}

// Size returns the approximate heap size of buffered cells.
func (m *Memcache) Size() int64 {
	return m.size
}

func (m *Memcache) Len() int {
	return m.tree.Len()
}

// Snapshot returns a read-only copy sharing structure with the live tree.
func (m *Memcache) Snapshot() *Memcache {
	return &Memcache{tree: m.tree.Clone(), size: m.size}
}

// iterator returns a cellIterator positioned at the first cell >= start in
// (row, col, ts desc) order.
func (m *Memcache) iterator(start Cell) *memcacheIterator {
	it := &memcacheIterator{tree: m.tree, resume: start}
	it.advance()
	return it
}

func cellSize(c Cell) int64 {
	return int64(len(c.Row) + len(c.Col) + len(c.Value) + 16)
}

// memcacheIterator pulls cells out of the btree one at a time. The btree only
// offers callback iteration, so each advance re-enters the tree at the last
// position; with the tree's log-depth this stays cheap.
type memcacheIterator struct {
	tree    *btree.BTreeG[Cell]
	resume  Cell
	started bool
	current Cell
	valid   bool
}

func (it *memcacheIterator) Valid() bool {
	return it.valid
}

func (it *memcacheIterator) Cell() Cell {
	return it.current
}

func (it *memcacheIterator) Next() {
	it.advance()
}

func (it *memcacheIterator) advance() {
	it.valid = false
	skipResume := it.started
	it.tree.AscendGreaterOrEqual(it.resume, func(c Cell) bool {
		if skipResume && !cellLess(it.resume, c) && !cellLess(c, it.resume) {
			// Skip the cell we already returned.
			skipResume = false
			return true
		}
		it.current = c
		it.valid = true
		return false
	})
	it.started = true
	if it.valid {
		it.resume = it.current
	}
}
