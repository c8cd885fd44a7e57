package region

import (
	"bytes"
	"strings"

	"github.com/rangestore-io/rangestore/server/catalog"
	"github.com/rangestore-io/rangestore/server/util/status"
)

// RowFilter lets a scan drop whole rows server-side. FilterRow sees the row
// key and the columns that survived version and tombstone resolution;
// returning true drops the row from the results.
type RowFilter interface {
	FilterRow(row []byte, cols map[string][]byte) bool
}

// columnMatcher answers whether a scan wants a given column. A requested
// column is either exact ("family:qualifier") or a whole family
// ("family:").
type columnMatcher struct {
	families map[string]bool
	exact    map[string]bool
}

func newColumnMatcher(cols []string) *columnMatcher {
	m := &columnMatcher{
		families: make(map[string]bool),
		exact:    make(map[string]bool),
	}
	for _, c := range cols {
		if strings.HasSuffix(c, ":") {
			m.families[strings.TrimSuffix(c, ":")] = true
		} else {
			m.exact[c] = true
		}
	}
	return m
}

func (m *columnMatcher) matches(col string) bool {
	return m.exact[col] || m.families[catalog.FamilyOf(col)]
}

func (m *columnMatcher) wantsFamily(family string) bool {
	if m.families[family] {
		return true
	}
	for c := range m.exact {
		if catalog.FamilyOf(c) == family {
			return true
		}
	}
	return false
}

// Scanner iterates rows of one region in key order, starting at firstRow,
// returning for each row the newest value at or before ts of every requested
// column. It reads an immutable view: memcache snapshots and the store files
// present at creation time, so concurrent flushes and commits do not disturb
// it.
type Scanner struct {
	region  *Region
	match   *columnMatcher
	ts      int64
	filter  RowFilter
	it      *mergeIterator
	done    bool
}

// NewScanner validates the requested columns and positions a scanner at
// firstRow. Rows before the region's start key are clamped to it.
func (r *Region) NewScanner(cols []string, firstRow []byte, ts int64, filter RowFilter) (*Scanner, error) {
	if err := r.checkReadable(nil); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, status.InvalidArgumentError("scanner requires at least one column")
	}
	match := newColumnMatcher(cols)
	for _, c := range cols {
		fam := catalog.FamilyOf(c)
		if _, ok := r.stores[fam]; !ok {
			return nil, status.InvalidArgumentErrorf("table %s has no column family %q", r.info.TableDesc.Name, fam)
		}
	}
	start := firstRow
	if bytes.Compare(start, r.info.StartKey) < 0 {
		start = r.info.StartKey
	}
	var its []cellIterator
	for fam, s := range r.stores {
		if !match.wantsFamily(fam) {
			continue
		}
		its = append(its, s.iterators(Cell{Row: start})...)
	}
	return &Scanner{
		region: r,
		match:  match,
		ts:     ts,
		filter: filter,
		it:     newMergeIterator(its),
	}, nil
}

// Next returns the next row with any matching data, or a nil row when the
// scan is exhausted (at the region's end key or the end of data).
func (s *Scanner) Next() ([]byte, map[string][]byte, error) {
	for !s.done && s.it.Valid() {
		row, cols := s.nextRow()
		if row == nil {
			break
		}
		if len(cols) == 0 {
			continue
		}
		if s.filter != nil && s.filter.FilterRow(row, cols) {
			continue
		}
		return row, cols, nil
	}
	return nil, nil, nil
}

// nextRow consumes all cells of the current row and resolves them into
// visible column values.
func (s *Scanner) nextRow() ([]byte, map[string][]byte) {
	if !s.it.Valid() {
		return nil, nil
	}
	row := append([]byte(nil), s.it.Cell().Row...)
	end := s.region.info.EndKey
	if len(end) > 0 && bytes.Compare(row, end) >= 0 {
		s.done = true
		return nil, nil
	}
	cols := make(map[string][]byte)
	var doneCol string
	haveDone := false
	for s.it.Valid() {
		c := s.it.Cell()
		if !bytes.Equal(c.Row, row) {
			break
		}
		s.it.Next()
		if c.Ts > s.ts {
			continue
		}
		if haveDone && c.Col == doneCol {
			continue
		}
		doneCol, haveDone = c.Col, true
		if c.Tombstone || !s.match.matches(c.Col) {
			continue
		}
		cols[c.Col] = c.Value
	}
	return row, cols
}

// Close releases the scanner. The view it held is garbage collected with it.
func (s *Scanner) Close() {
	s.done = true
}
