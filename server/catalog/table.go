package catalog

import (
	"strconv"
	"time"
)

// Mutator is the row-commit surface a catalog Table writes through. It is
// implemented by *region.Region; remote implementations route the same calls
// through a client.
type Mutator interface {
	StartUpdate(row []byte) (uint64, error)
	Put(lockID uint64, col string, val []byte) error
	Delete(lockID uint64, col string) error
	Commit(lockID uint64, ts int64) error
	Abort(lockID uint64) error
}

// Table edits catalog rows with the same row-lock discipline as any other
// table. Every method is a single-row commit, so a crash between calls
// leaves the catalog with whole rows only.
type Table struct {
	m Mutator
}

func NewTable(m Mutator) *Table {
	return &Table{m: m}
}

func now() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// InsertRegion writes the catalog row for a region.
func (t *Table) InsertRegion(ri *RegionInfo) error {
	b, err := ri.Marshal()
	if err != nil {
		return err
	}
	row := []byte(ri.RegionName())
	lockID, err := t.m.StartUpdate(row)
	if err != nil {
		return err
	}
	if err := t.m.Put(lockID, ColRegionInfo, b); err != nil {
		t.m.Abort(lockID)
		return err
	}
	return t.m.Commit(lockID, now())
}

// DeleteRegion removes a region's row: the descriptor and its assignment
// columns.
func (t *Table) DeleteRegion(regionName string) error {
	row := []byte(regionName)
	lockID, err := t.m.StartUpdate(row)
	if err != nil {
		return err
	}
	for _, col := range []string{ColRegionInfo, ColServer, ColStartCode} {
		if err := t.m.Delete(lockID, col); err != nil {
			t.m.Abort(lockID)
			return err
		}
	}
	return t.m.Commit(lockID, now())
}

// MarkSplit rewrites the parent's row in one commit: the parent descriptor
// (now offline+split) plus the two child descriptors under splitA/splitB.
func (t *Table) MarkSplit(parent, childA, childB *RegionInfo) error {
	parentBytes, err := parent.Marshal()
	if err != nil {
		return err
	}
	aBytes, err := childA.Marshal()
	if err != nil {
		return err
	}
	bBytes, err := childB.Marshal()
	if err != nil {
		return err
	}
	row := []byte(parent.RegionName())
	lockID, err := t.m.StartUpdate(row)
	if err != nil {
		return err
	}
	puts := []struct {
		col string
		val []byte
	}{
		{ColRegionInfo, parentBytes},
		{ColSplitA, aBytes},
		{ColSplitB, bBytes},
	}
	for _, p := range puts {
		if err := t.m.Put(lockID, p.col, p.val); err != nil {
			t.m.Abort(lockID)
			return err
		}
	}
	return t.m.Commit(lockID, now())
}

// SetServer records which server (address + start code) hosts a region.
func (t *Table) SetServer(regionName, address string, startCode int64) error {
	row := []byte(regionName)
	lockID, err := t.m.StartUpdate(row)
	if err != nil {
		return err
	}
	if err := t.m.Put(lockID, ColServer, []byte(address)); err != nil {
		t.m.Abort(lockID)
		return err
	}
	// Stored as decimal text so tooling can display it.
	if err := t.m.Put(lockID, ColStartCode, []byte(strconv.FormatInt(startCode, 10))); err != nil {
		t.m.Abort(lockID)
		return err
	}
	return t.m.Commit(lockID, now())
}
