package merger_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rangestore-io/rangestore/server/catalog"
	"github.com/rangestore-io/rangestore/server/config"
	"github.com/rangestore-io/rangestore/server/merger"
	"github.com/rangestore-io/rangestore/server/region"
	"github.com/rangestore-io/rangestore/server/util/status"
	"github.com/rangestore-io/rangestore/server/wal"
	"github.com/stretchr/testify/require"
)

var testTable = catalog.TableDescriptor{
	Name:     "testtable",
	Families: []catalog.FamilyDescriptor{{Name: "contents", MaxVersions: 3}},
}

// buildTable lays down a meta region and several adjacent user regions, one
// row in each, as a stopped cluster would leave them on disk. With offline
// set the regions are recorded as a disabled table's would be.
func buildTable(t *testing.T, conf *config.Config, bounds [][2][]byte, offline bool) []*catalog.RegionInfo {
	t.Helper()
	rootDir := conf.Get(config.RootDir)
	clock := clockwork.NewRealClock()
	wlog, err := wal.Open(filepath.Join(rootDir, "setup_log"))
	require.NoError(t, err)

	meta, err := region.Open(rootDir, catalog.FirstMetaRegionDescriptor, wlog, conf, clock)
	require.NoError(t, err)
	metaTable := catalog.NewTable(meta)

	var infos []*catalog.RegionInfo
	for i, b := range bounds {
		ri := catalog.NewRegionInfo(testTable, b[0], b[1])
		ri.RegionID = int64(1000 + i)
		ri.Offline = offline
		r, err := region.Open(rootDir, ri, wlog, conf, clock)
		require.NoError(t, err)

		row := b[0]
		if len(row) == 0 {
			row = []byte("a")
		}
		lockID, err := r.StartUpdate(row)
		require.NoError(t, err)
		require.NoError(t, r.Put(lockID, "contents:x", []byte("v")))
		require.NoError(t, r.Commit(lockID, time.Now().UnixMilli()))
		require.NoError(t, r.Close(false))

		require.NoError(t, metaTable.InsertRegion(ri))
		infos = append(infos, ri)
	}
	require.NoError(t, meta.Close(false))
	require.NoError(t, wlog.CloseAndDelete())
	return infos
}

// tableRows reads the catalog back and returns every remaining region row of
// a table.
func tableRows(t *testing.T, conf *config.Config, tableName string) []*catalog.RegionInfo {
	t.Helper()
	rootDir := conf.Get(config.RootDir)
	clock := clockwork.NewRealClock()
	wlog, err := wal.Open(filepath.Join(rootDir, "verify_log"))
	require.NoError(t, err)
	defer wlog.CloseAndDelete()

	meta, err := region.Open(rootDir, catalog.FirstMetaRegionDescriptor, wlog, conf, clock)
	require.NoError(t, err)
	defer meta.Close(true)

	sc, err := meta.NewScanner([]string{catalog.ColRegionInfo}, []byte(tableName+","), time.Now().UnixMilli(), nil)
	require.NoError(t, err)
	defer sc.Close()

	var out []*catalog.RegionInfo
	for {
		row, cols, err := sc.Next()
		require.NoError(t, err)
		if row == nil {
			break
		}
		b, ok := cols[catalog.ColRegionInfo]
		if !ok {
			continue
		}
		ri, err := catalog.UnmarshalRegionInfo(b)
		require.NoError(t, err)
		if ri.TableDesc.Name != tableName {
			continue
		}
		out = append(out, ri)
	}
	return out
}

func TestMergeCollapsesSmallRegions(t *testing.T) {
	conf := config.New()
	conf.Set(config.RootDir, t.TempDir())
	buildTable(t, conf, [][2][]byte{
		{nil, []byte("g")},
		{[]byte("g"), []byte("p")},
		{[]byte("p"), nil},
	}, true)

	m, err := merger.New(conf, clockwork.NewRealClock())
	require.NoError(t, err)
	require.NoError(t, m.MergeTable("testtable"))
	require.NoError(t, m.Close())

	rows := tableRows(t, conf, "testtable")
	require.Len(t, rows, 1)
	require.Empty(t, rows[0].StartKey)
	require.Empty(t, rows[0].EndKey)
	// The merged region waits offline for the table to be re-enabled.
	require.True(t, rows[0].Offline)

	// The merged region holds every original row.
	clock := clockwork.NewRealClock()
	wlog, err := wal.Open(filepath.Join(conf.Get(config.RootDir), "check_log"))
	require.NoError(t, err)
	defer wlog.CloseAndDelete()
	r, err := region.Open(conf.Get(config.RootDir), rows[0], wlog, conf, clock)
	require.NoError(t, err)
	defer r.Close(true)
	for _, row := range []string{"a", "g", "p"} {
		vals, err := r.Get([]byte(row), "contents:x", 1, time.Now().UnixMilli())
		require.NoError(t, err)
		require.Len(t, vals, 1, "row %s", row)
	}
}

func TestMergeSkipsRegionsOverBudget(t *testing.T) {
	conf := config.New()
	conf.Set(config.RootDir, t.TempDir())
	buildTable(t, conf, [][2][]byte{
		{nil, []byte("m")},
		{[]byte("m"), nil},
	}, true)
	// A tiny split threshold makes every region pair too big to merge.
	conf.Set(config.MaxFileSize, "1")

	m, err := merger.New(conf, clockwork.NewRealClock())
	require.NoError(t, err)
	require.NoError(t, m.MergeTable("testtable"))
	require.NoError(t, m.Close())

	require.Len(t, tableRows(t, conf, "testtable"), 2)
}

func TestMergeRefusesEnabledTable(t *testing.T) {
	conf := config.New()
	conf.Set(config.RootDir, t.TempDir())
	buildTable(t, conf, [][2][]byte{
		{nil, []byte("m")},
		{[]byte("m"), nil},
	}, false)

	m, err := merger.New(conf, clockwork.NewRealClock())
	require.NoError(t, err)
	defer m.Close()

	err = m.MergeTable("testtable")
	require.True(t, status.IsFailedPreconditionError(err))
	require.Len(t, tableRows(t, conf, "testtable"), 2)
}

func TestRootTableRefused(t *testing.T) {
	conf := config.New()
	conf.Set(config.RootDir, t.TempDir())
	m, err := merger.New(conf, clockwork.NewRealClock())
	require.NoError(t, err)
	defer m.Close()

	err = m.MergeTable(catalog.RootTableName)
	require.True(t, status.IsInvalidArgumentError(err))
}
