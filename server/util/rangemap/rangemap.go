// Package rangemap maintains a set of non-overlapping byte ranges and the
// values attached to them. The region registry uses it to enforce that online
// regions of a table partition the key space.
package rangemap

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrRangeOverlaps     = errors.New("range overlaps")
	ErrRangeDoesNotExist = errors.New("range does not exist")
)

// Range is [Start, End). An empty End means the range is unbounded on the
// right (the last region of a table).
type Range struct {
	Start []byte
	End   []byte

	Val interface{}
}

func (r *Range) String() string {
	return fmt.Sprintf("[%q, %q)", r.Start, r.End)
}

func (r *Range) unboundedRight() bool {
	return len(r.End) == 0
}

func (r *Range) Contains(key []byte) bool {
	if bytes.Compare(key, r.Start) < 0 {
		return false
	}
	return r.unboundedRight() || bytes.Compare(key, r.End) < 0
}

// endsBefore returns true if r lies entirely to the left of key.
func (r *Range) endsBefore(key []byte) bool {
	return !r.unboundedRight() && bytes.Compare(r.End, key) <= 0
}

type RangeMap struct {
	ranges []*Range // sorted by Start
}

func New() *RangeMap {
	return &RangeMap{}
}

// Add inserts [start, end) or returns ErrRangeOverlaps if any existing range
// intersects it.
func (rm *RangeMap) Add(start, end []byte, value interface{}) (*Range, error) {
	newRange := &Range{Start: start, End: end, Val: value}

	insertIndex := sort.Search(len(rm.ranges), func(i int) bool {
		return bytes.Compare(rm.ranges[i].Start, start) >= 0
	})
	if insertIndex > 0 && !rm.ranges[insertIndex-1].endsBefore(start) {
		return nil, ErrRangeOverlaps
	}
	if insertIndex < len(rm.ranges) {
		next := rm.ranges[insertIndex]
		if newRange.unboundedRight() || bytes.Compare(next.Start, end) < 0 {
			return nil, ErrRangeOverlaps
		}
	}

	rm.ranges = append(rm.ranges, nil)
	copy(rm.ranges[insertIndex+1:], rm.ranges[insertIndex:])
	rm.ranges[insertIndex] = newRange
	return newRange, nil
}

// Remove deletes the range with exactly the given bounds.
func (rm *RangeMap) Remove(start, end []byte) error {
	for i, r := range rm.ranges {
		if bytes.Equal(start, r.Start) && bytes.Equal(end, r.End) {
			rm.ranges = append(rm.ranges[:i], rm.ranges[i+1:]...)
			return nil
		}
	}
	return ErrRangeDoesNotExist
}

// Get returns the range with exactly the given bounds, or nil.
func (rm *RangeMap) Get(start, end []byte) *Range {
	i := rm.indexFor(start)
	if i < 0 {
		return nil
	}
	r := rm.ranges[i]
	if bytes.Equal(r.Start, start) && bytes.Equal(r.End, end) {
		return r
	}
	return nil
}

// Lookup returns the value of the range containing key, or nil.
func (rm *RangeMap) Lookup(key []byte) interface{} {
	i := rm.indexFor(key)
	if i < 0 {
		return nil
	}
	if rm.ranges[i].Contains(key) {
		return rm.ranges[i].Val
	}
	return nil
}

// indexFor returns the index of the last range starting at or before key, or
// -1 if the map is empty.
func (rm *RangeMap) indexFor(key []byte) int {
	if len(rm.ranges) == 0 {
		return -1
	}
	i := sort.Search(len(rm.ranges), func(i int) bool {
		return bytes.Compare(rm.ranges[i].Start, key) > 0
	})
	if i > 0 {
		i--
	}
	return i
}

func (rm *RangeMap) Len() int {
	return len(rm.ranges)
}

// Ranges returns the ranges in start-key order. The returned slice is the
// map's own backing array; callers must not modify it.
func (rm *RangeMap) Ranges() []*Range {
	return rm.ranges
}

func (rm *RangeMap) Clear() {
	rm.ranges = nil
}

func (rm *RangeMap) String() string {
	buf := "RangeMap:\n"
	for i, r := range rm.ranges {
		buf += r.String()
		if i != len(rm.ranges)-1 {
			buf += "\n"
		}
	}
	return buf
}
