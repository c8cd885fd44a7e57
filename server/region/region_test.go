package region_test

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rangestore-io/rangestore/server/catalog"
	"github.com/rangestore-io/rangestore/server/config"
	"github.com/rangestore-io/rangestore/server/region"
	"github.com/rangestore-io/rangestore/server/util/status"
	"github.com/rangestore-io/rangestore/server/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTable = catalog.TableDescriptor{
	Name: "testtable",
	Families: []catalog.FamilyDescriptor{
		{Name: "contents", MaxVersions: 3},
		{Name: "anchor", MaxVersions: 3},
	},
}

type testEnv struct {
	rootDir string
	conf    *config.Config
	wlog    *wal.Log
	clock   clockwork.Clock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	rootDir := t.TempDir()
	conf := config.New()
	conf.Set(config.RootDir, rootDir)
	wlog, err := wal.Open(filepath.Join(rootDir, "log"))
	require.NoError(t, err)
	t.Cleanup(func() { wlog.Close() })
	return &testEnv{rootDir: rootDir, conf: conf, wlog: wlog, clock: clockwork.NewRealClock()}
}

func (e *testEnv) openRegion(t *testing.T, info *catalog.RegionInfo) *region.Region {
	t.Helper()
	r, err := region.Open(e.rootDir, info, e.wlog, e.conf, e.clock)
	require.NoError(t, err)
	return r
}

func put(t *testing.T, r *region.Region, row, col, val string, ts int64) {
	t.Helper()
	lockID, err := r.StartUpdate([]byte(row))
	require.NoError(t, err)
	require.NoError(t, r.Put(lockID, col, []byte(val)))
	require.NoError(t, r.Commit(lockID, ts))
}

func TestPutGetRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	r := e.openRegion(t, catalog.NewRegionInfo(testTable, nil, nil))
	defer r.Close(true)

	put(t, r, "row1", "contents:basic", "value1", 100)

	vals, err := r.Get([]byte("row1"), "contents:basic", 1, time.Now().UnixMilli())
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, []byte("value1"), vals[0])

	vals, err = r.Get([]byte("nosuchrow"), "contents:basic", 1, time.Now().UnixMilli())
	require.NoError(t, err)
	assert.Empty(t, vals)
}

func TestMultiColumnCommitIsAtomicPerRow(t *testing.T) {
	e := newTestEnv(t)
	r := e.openRegion(t, catalog.NewRegionInfo(testTable, nil, nil))
	defer r.Close(true)

	lockID, err := r.StartUpdate([]byte("row1"))
	require.NoError(t, err)
	require.NoError(t, r.Put(lockID, "contents:a", []byte("va")))
	require.NoError(t, r.Put(lockID, "anchor:b", []byte("vb")))
	require.NoError(t, r.Commit(lockID, 10))

	row, err := r.GetRow([]byte("row1"), 10)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{
		"contents:a": []byte("va"),
		"anchor:b":   []byte("vb"),
	}, row)
}

func TestAbortDiscardsStagedEdits(t *testing.T) {
	e := newTestEnv(t)
	r := e.openRegion(t, catalog.NewRegionInfo(testTable, nil, nil))
	defer r.Close(true)

	lockID, err := r.StartUpdate([]byte("row1"))
	require.NoError(t, err)
	require.NoError(t, r.Put(lockID, "contents:a", []byte("junk")))
	require.NoError(t, r.Abort(lockID))

	vals, err := r.Get([]byte("row1"), "contents:a", 1, time.Now().UnixMilli())
	require.NoError(t, err)
	assert.Empty(t, vals)

	// The lock id is dead after abort.
	err = r.Commit(lockID, 5)
	require.True(t, status.IsNotFoundError(err))
}

func TestVersionsReturnedNewestFirst(t *testing.T) {
	e := newTestEnv(t)
	r := e.openRegion(t, catalog.NewRegionInfo(testTable, nil, nil))
	defer r.Close(true)

	put(t, r, "row1", "contents:v", "a", 10)
	put(t, r, "row1", "contents:v", "b", 20)
	put(t, r, "row1", "contents:v", "c", 30)

	vals, err := r.Get([]byte("row1"), "contents:v", 2, 30)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("c"), []byte("b")}, vals)

	// A timestamp bound hides newer versions.
	vals, err = r.Get([]byte("row1"), "contents:v", 2, 25)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("b"), []byte("a")}, vals)
}

func TestTombstoneShadowsOlderVersions(t *testing.T) {
	e := newTestEnv(t)
	r := e.openRegion(t, catalog.NewRegionInfo(testTable, nil, nil))
	defer r.Close(true)

	put(t, r, "row1", "contents:v", "old", 10)
	require.NoError(t, r.DeleteAll([]byte("row1"), "contents:v", 20))

	vals, err := r.Get([]byte("row1"), "contents:v", 3, 30)
	require.NoError(t, err)
	assert.Empty(t, vals)

	// Reads below the tombstone's timestamp still see the old value.
	vals, err = r.Get([]byte("row1"), "contents:v", 3, 15)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("old")}, vals)

	// A write after the delete is visible again.
	put(t, r, "row1", "contents:v", "new", 40)
	vals, err = r.Get([]byte("row1"), "contents:v", 3, 50)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("new")}, vals)
}

func TestFlushKeepsDataVisible(t *testing.T) {
	e := newTestEnv(t)
	r := e.openRegion(t, catalog.NewRegionInfo(testTable, nil, nil))
	defer r.Close(true)

	put(t, r, "row1", "contents:v", "before", 10)
	require.NoError(t, r.Flush())
	put(t, r, "row1", "contents:v", "after", 20)

	vals, err := r.Get([]byte("row1"), "contents:v", 2, 30)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("after"), []byte("before")}, vals)
}

func TestReopenAfterCleanClose(t *testing.T) {
	e := newTestEnv(t)
	info := catalog.NewRegionInfo(testTable, nil, nil)
	r := e.openRegion(t, info)
	put(t, r, "row1", "contents:v", "persisted", 10)
	require.NoError(t, r.Close(false))

	r2 := e.openRegion(t, info)
	defer r2.Close(true)
	vals, err := r2.Get([]byte("row1"), "contents:v", 1, 20)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("persisted")}, vals)
}

func TestReplayRecoversUnflushedEdits(t *testing.T) {
	e := newTestEnv(t)
	info := catalog.NewRegionInfo(testTable, nil, nil)
	r := e.openRegion(t, info)
	put(t, r, "row1", "contents:v", "logged-only", 10)
	// Simulate a crash: no flush, no clean close.

	r2 := e.openRegion(t, info)
	defer r2.Close(true)
	vals, err := r2.Get([]byte("row1"), "contents:v", 1, 20)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("logged-only")}, vals)
	_ = r
}

func TestCompactionDropsShadowedVersions(t *testing.T) {
	e := newTestEnv(t)
	r := e.openRegion(t, catalog.NewRegionInfo(testTable, nil, nil))
	defer r.Close(true)

	// Four versions across separate flushes; MaxVersions is 3.
	for i := 1; i <= 4; i++ {
		put(t, r, "row1", "contents:v", fmt.Sprintf("v%d", i), int64(i*10))
		require.NoError(t, r.Flush())
	}
	put(t, r, "row2", "contents:gone", "x", 10)
	require.NoError(t, r.DeleteAll([]byte("row2"), "contents:gone", 20))
	require.NoError(t, r.Flush())

	require.True(t, r.NeedsCompaction())
	require.NoError(t, r.Compact())

	vals, err := r.Get([]byte("row1"), "contents:v", 10, 100)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("v4"), []byte("v3"), []byte("v2")}, vals)

	// The tombstone and what it shadowed are gone entirely: a read below
	// the delete timestamp no longer resurrects the old value.
	vals, err = r.Get([]byte("row2"), "contents:gone", 3, 15)
	require.NoError(t, err)
	assert.Empty(t, vals)
}

func TestScannerWalksRowsInOrder(t *testing.T) {
	e := newTestEnv(t)
	r := e.openRegion(t, catalog.NewRegionInfo(testTable, nil, nil))
	defer r.Close(true)

	put(t, r, "b", "contents:x", "vb", 10)
	put(t, r, "a", "contents:x", "va", 10)
	put(t, r, "c", "anchor:y", "vc", 10)
	require.NoError(t, r.Flush())
	put(t, r, "d", "contents:x", "vd", 10)

	sc, err := r.NewScanner([]string{"contents:", "anchor:y"}, nil, 100, nil)
	require.NoError(t, err)
	defer sc.Close()

	var rows []string
	for {
		row, cols, err := sc.Next()
		require.NoError(t, err)
		if row == nil {
			break
		}
		rows = append(rows, string(row))
		require.NotEmpty(t, cols)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, rows)
}

func TestScannerHonorsStartRowAndTombstones(t *testing.T) {
	e := newTestEnv(t)
	r := e.openRegion(t, catalog.NewRegionInfo(testTable, nil, nil))
	defer r.Close(true)

	put(t, r, "a", "contents:x", "va", 10)
	put(t, r, "b", "contents:x", "vb", 10)
	require.NoError(t, r.DeleteAll([]byte("b"), "contents:x", 20))
	put(t, r, "c", "contents:x", "vc", 10)

	sc, err := r.NewScanner([]string{"contents:x"}, []byte("b"), 100, nil)
	require.NoError(t, err)
	defer sc.Close()

	row, cols, err := sc.Next()
	require.NoError(t, err)
	require.Equal(t, []byte("c"), row)
	require.Equal(t, []byte("vc"), cols["contents:x"])

	row, _, err = sc.Next()
	require.NoError(t, err)
	assert.Nil(t, row)
}

type prefixFilter struct{ prefix string }

func (f *prefixFilter) FilterRow(row []byte, cols map[string][]byte) bool {
	return len(row) < len(f.prefix) || string(row[:len(f.prefix)]) != f.prefix
}

func TestScannerRowFilter(t *testing.T) {
	e := newTestEnv(t)
	r := e.openRegion(t, catalog.NewRegionInfo(testTable, nil, nil))
	defer r.Close(true)

	put(t, r, "keep1", "contents:x", "1", 10)
	put(t, r, "drop", "contents:x", "2", 10)
	put(t, r, "keep2", "contents:x", "3", 10)

	sc, err := r.NewScanner([]string{"contents:x"}, nil, 100, &prefixFilter{prefix: "keep"})
	require.NoError(t, err)
	defer sc.Close()

	var rows []string
	for {
		row, _, err := sc.Next()
		require.NoError(t, err)
		if row == nil {
			break
		}
		rows = append(rows, string(row))
	}
	assert.Equal(t, []string{"keep1", "keep2"}, rows)
}

func TestRowOutsideRangeIsRejected(t *testing.T) {
	e := newTestEnv(t)
	info := catalog.NewRegionInfo(testTable, []byte("m"), []byte("t"))
	r := e.openRegion(t, info)
	defer r.Close(true)

	_, err := r.StartUpdate([]byte("a"))
	require.True(t, status.IsNotFoundError(err))
	_, err = r.Get([]byte("z"), "contents:x", 1, 100)
	require.True(t, status.IsNotFoundError(err))

	lockID, err := r.StartUpdate([]byte("pig"))
	require.NoError(t, err)
	require.NoError(t, r.Abort(lockID))
}

func TestClosedRegionRefusesWork(t *testing.T) {
	e := newTestEnv(t)
	r := e.openRegion(t, catalog.NewRegionInfo(testTable, nil, nil))
	require.NoError(t, r.Close(true))

	_, err := r.StartUpdate([]byte("row"))
	require.True(t, status.IsNotFoundError(err))
	_, err = r.Get([]byte("row"), "contents:x", 1, 100)
	require.True(t, status.IsNotFoundError(err))
}

func TestSplitPreservesAllData(t *testing.T) {
	e := newTestEnv(t)
	info := catalog.NewRegionInfo(testTable, nil, nil)
	r := e.openRegion(t, info)

	rows := []string{"a", "b", "c", "d", "e", "f"}
	for i, row := range rows {
		put(t, r, row, "contents:x", "v"+row, int64(10+i))
	}
	childA, childB, err := r.CloseAndSplit([]byte("d"))
	require.NoError(t, err)
	require.Equal(t, []byte("d"), childA.EndKey)
	require.Equal(t, []byte("d"), childB.StartKey)
	require.True(t, r.Info().Offline)
	require.True(t, r.Info().Split)

	ra := e.openRegion(t, childA)
	defer ra.Close(true)
	rb := e.openRegion(t, childB)
	defer rb.Close(true)

	for _, row := range rows {
		child := ra
		if row >= "d" {
			child = rb
		}
		vals, err := child.Get([]byte(row), "contents:x", 1, 100)
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("v" + row)}, vals, "row %s", row)
	}

	// Children read through refs until their first compaction.
	require.True(t, ra.NeedsCompaction())
	require.NoError(t, ra.Compact())
	require.False(t, ra.NeedsCompaction())
	vals, err := ra.Get([]byte("a"), "contents:x", 1, 100)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("va")}, vals)
}

func TestMergeCombinesAdjacentRegions(t *testing.T) {
	e := newTestEnv(t)
	infoA := catalog.NewRegionInfo(testTable, nil, []byte("m"))
	infoB := catalog.NewRegionInfo(testTable, []byte("m"), nil)
	infoB.RegionID = infoA.RegionID + 1
	ra := e.openRegion(t, infoA)
	rb := e.openRegion(t, infoB)

	put(t, ra, "apple", "contents:x", "1", 10)
	put(t, rb, "pear", "contents:x", "2", 10)

	merged, err := region.Merge(e.rootDir, ra, rb)
	require.NoError(t, err)
	defer merged.Close(true)

	require.Empty(t, merged.Info().StartKey)
	require.Empty(t, merged.Info().EndKey)
	for _, row := range []string{"apple", "pear"} {
		vals, err := merged.Get([]byte(row), "contents:x", 1, 100)
		require.NoError(t, err)
		require.Len(t, vals, 1)
	}
}

func TestMergeRejectsNonAdjacent(t *testing.T) {
	e := newTestEnv(t)
	ra := e.openRegion(t, catalog.NewRegionInfo(testTable, nil, []byte("c")))
	defer ra.Close(true)
	infoB := catalog.NewRegionInfo(testTable, []byte("x"), nil)
	infoB.RegionID = ra.Info().RegionID + 1
	rb := e.openRegion(t, infoB)
	defer rb.Close(true)

	_, err := region.Merge(e.rootDir, ra, rb)
	require.True(t, status.IsInvalidArgumentError(err))
}

func TestFailedCommitReleasesRowLock(t *testing.T) {
	e := newTestEnv(t)
	r := e.openRegion(t, catalog.NewRegionInfo(testTable, nil, nil))
	defer r.Close(true)

	lockID, err := r.StartUpdate([]byte("row1"))
	require.NoError(t, err)
	require.NoError(t, r.Put(lockID, "contents:a", []byte("va")))

	// Break the log out from under the commit.
	require.NoError(t, e.wlog.Close())
	require.Error(t, r.Commit(lockID, 10))

	// The lock id is dead and the row is free for the next writer.
	err = r.Abort(lockID)
	require.True(t, status.IsNotFoundError(err))

	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		id, err := r.StartUpdate([]byte("row1"))
		if err == nil {
			r.Abort(id)
		}
	}()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("row1 still locked after the failed commit")
	}
}

func TestCompactionKeepsTombstoneCoveringMemcache(t *testing.T) {
	e := newTestEnv(t)
	r := e.openRegion(t, catalog.NewRegionInfo(testTable, nil, nil))
	defer r.Close(true)

	put(t, r, "row1", "contents:a", "old", 10)
	require.NoError(t, r.Flush())
	require.NoError(t, r.DeleteAll([]byte("row1"), "contents:a", 20))
	require.NoError(t, r.Flush())
	// Committed after the delete but stamped below it, so it must stay
	// hidden.
	put(t, r, "row1", "contents:a", "backdated", 15)

	vals, err := r.Get([]byte("row1"), "contents:a", 3, 100)
	require.NoError(t, err)
	require.Empty(t, vals)

	require.NoError(t, r.Compact())

	vals, err = r.Get([]byte("row1"), "contents:a", 3, 100)
	require.NoError(t, err)
	require.Empty(t, vals)
}
