// Package merger is the offline companion to splitting: it walks a table's
// regions in key order and folds adjacent small regions back together,
// keeping the catalog consistent as it goes.
//
// It operates directly on the store, so the table must be disabled (its
// regions marked offline in the catalog) while it runs; merging the meta
// table additionally requires the whole cluster to be down, since it
// rewrites root.
package merger

import (
	"fmt"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/rangestore-io/rangestore/server/catalog"
	"github.com/rangestore-io/rangestore/server/config"
	"github.com/rangestore-io/rangestore/server/region"
	"github.com/rangestore-io/rangestore/server/util/log"
	"github.com/rangestore-io/rangestore/server/util/status"
	"github.com/rangestore-io/rangestore/server/wal"
)

// Merger merges the under-sized regions of one table.
type Merger struct {
	rootDir string
	conf    *config.Config
	clock   clockwork.Clock
	wlog    *wal.Log
	log     log.Logger
	maxSize int64
}

// New opens a merger with a scratch log under the root directory. Call Close
// when done to remove it.
func New(conf *config.Config, clock clockwork.Clock) (*Merger, error) {
	rootDir := conf.Get(config.RootDir)
	wlog, err := wal.Open(filepath.Join(rootDir, fmt.Sprintf("merge_%d", clock.Now().UnixMilli())))
	if err != nil {
		return nil, err
	}
	return &Merger{
		rootDir: rootDir,
		conf:    conf,
		clock:   clock,
		wlog:    wlog,
		log:     log.NamedSubLogger("merger"),
		maxSize: conf.Int64(config.MaxFileSize, 256*1024*1024),
	}, nil
}

// Close removes the scratch log.
func (m *Merger) Close() error {
	return m.wlog.CloseAndDelete()
}

// MergeTable merges adjacent regions of tableName whose combined largest
// stores fit in half the split threshold. User tables are resolved through
// meta; the meta table itself is resolved through root. Root cannot be
// merged, it is a single region forever.
func (m *Merger) MergeTable(tableName string) error {
	switch tableName {
	case catalog.RootTableName:
		return status.InvalidArgumentError("the root table is a single region and cannot be merged")
	case catalog.MetaTableName:
		// Meta is merged with the cluster down, so there is no disabled
		// state to check.
		return m.mergeVia(catalog.RootRegionDescriptor, tableName, false)
	default:
		return m.mergeVia(catalog.FirstMetaRegionDescriptor, tableName, true)
	}
}

// mergeVia opens the catalog region describing tableName's regions, plans
// the merges and applies them, rewriting catalog rows as it goes.
func (m *Merger) mergeVia(catalogInfo *catalog.RegionInfo, tableName string, requireDisabled bool) error {
	catalogRegion, err := region.Open(m.rootDir, catalogInfo, m.wlog, m.conf, m.clock)
	if err != nil {
		return err
	}
	defer catalogRegion.Close(false)

	infos, err := m.tableRegions(catalogRegion, tableName, requireDisabled)
	if err != nil {
		return err
	}
	if len(infos) < 2 {
		m.log.Infof("Table %s has %d mergeable regions, nothing to do", tableName, len(infos))
		return nil
	}
	return m.mergeRun(infos, catalog.NewTable(catalogRegion))
}

// tableRegions scans the catalog for the mergeable regions of tableName, in
// start key order. Split parents awaiting cleanup are skipped. With
// requireDisabled set, a region still online fails the whole run: merging a
// served region would corrupt it.
func (m *Merger) tableRegions(catalogRegion *region.Region, tableName string, requireDisabled bool) ([]*catalog.RegionInfo, error) {
	sc, err := catalogRegion.NewScanner(
		[]string{catalog.ColRegionInfo}, []byte(tableName+","), m.clock.Now().UnixMilli(), nil)
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	var infos []*catalog.RegionInfo
	for {
		row, cols, err := sc.Next()
		if err != nil {
			return nil, err
		}
		if row == nil {
			break
		}
		b, ok := cols[catalog.ColRegionInfo]
		if !ok {
			continue
		}
		ri, err := catalog.UnmarshalRegionInfo(b)
		if err != nil {
			return nil, err
		}
		if ri.TableDesc.Name != tableName {
			break
		}
		if ri.Split {
			continue
		}
		if requireDisabled && !ri.Offline {
			return nil, status.FailedPreconditionErrorf("table %s is not disabled: region %s is online", tableName, ri.RegionName())
		}
		infos = append(infos, ri)
	}
	return infos, nil
}

func (m *Merger) mergeRun(infos []*catalog.RegionInfo, t *catalog.Table) error {
	budget := m.maxSize / 2
	merges := 0
	i := 0
	for i+1 < len(infos) {
		a, err := region.Open(m.rootDir, infos[i], m.wlog, m.conf, m.clock)
		if err != nil {
			return err
		}
		b, err := region.Open(m.rootDir, infos[i+1], m.wlog, m.conf, m.clock)
		if err != nil {
			a.Close(true)
			return err
		}
		if a.BiggestStoreSize()+b.BiggestStoreSize() > budget {
			a.Close(true)
			b.Close(true)
			i++
			continue
		}

		nameA, nameB := a.Name(), b.Name()
		merged, err := region.Merge(m.rootDir, a, b)
		if err != nil {
			return err
		}
		mergedInfo := merged.Info()
		if err := merged.Close(false); err != nil {
			return err
		}
		if err := t.DeleteRegion(nameA); err != nil {
			return err
		}
		if err := t.DeleteRegion(nameB); err != nil {
			return err
		}
		// The merged region stays offline until the table is re-enabled.
		mergedInfo.Offline = true
		if err := t.InsertRegion(mergedInfo); err != nil {
			return err
		}
		m.log.Infof("Merged %s and %s into %s", nameA, nameB, mergedInfo.RegionName())
		merges++
		// The merged region may itself absorb the next neighbor.
		infos[i+1] = mergedInfo
		infos = append(infos[:i], infos[i+1:]...)
	}
	m.log.Infof("Performed %d merges", merges)
	return nil
}
