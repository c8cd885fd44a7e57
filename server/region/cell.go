// Package region implements one serving unit of a table: a contiguous row
// range backed by a memcache and a stack of immutable store files per column
// family, with commits durably logged to the shared write-ahead log before
// they are applied.
package region

import (
	"bytes"
)

// Cell is one versioned value. A Tombstone cell carries no value and shadows
// every older version of the same row/column.
type Cell struct {
	Row       []byte
	Col       string
	Ts        int64
	Tombstone bool
	Value     []byte
}

// cellLess orders cells by row ascending, column ascending, then timestamp
// descending, so the newest version of a column is encountered first.
func cellLess(a, b Cell) bool {
	if c := bytes.Compare(a.Row, b.Row); c != 0 {
		return c < 0
	}
	if a.Col != b.Col {
		return a.Col < b.Col
	}
	return a.Ts > b.Ts
}

// sameColumn reports whether two cells address the same row and column.
func sameColumn(a, b *Cell) bool {
	return a.Col == b.Col && bytes.Equal(a.Row, b.Row)
}
