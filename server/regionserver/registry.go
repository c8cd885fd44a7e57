package regionserver

import (
	"sync"

	"github.com/rangestore-io/rangestore/server/catalog"
	"github.com/rangestore-io/rangestore/server/metrics"
	"github.com/rangestore-io/rangestore/server/region"
	"github.com/rangestore-io/rangestore/server/util/rangemap"
	"github.com/rangestore-io/rangestore/server/util/status"
)

// registry tracks the regions this server carries. Online regions of one
// table must not overlap, which the per-table rangemap enforces; retiring
// regions are out of the maps' ranges but still reachable by name so
// in-flight reads drain cleanly.
type registry struct {
	mu       sync.RWMutex // PROTECTS(online, retiring, byTable)
	online   map[string]*region.Region
	retiring map[string]*region.Region
	byTable  map[string]*rangemap.RangeMap
}

func newRegistry() *registry {
	return &registry{
		online:   make(map[string]*region.Region),
		retiring: make(map[string]*region.Region),
		byTable:  make(map[string]*rangemap.RangeMap),
	}
}

func (rg *registry) add(r *region.Region) error {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	info := r.Info()
	name := r.Name()
	if _, ok := rg.online[name]; ok {
		return status.AlreadyExistsErrorf("region %s is already online", name)
	}
	rm, ok := rg.byTable[info.TableDesc.Name]
	if !ok {
		rm = rangemap.New()
		rg.byTable[info.TableDesc.Name] = rm
	}
	if _, err := rm.Add(info.StartKey, info.EndKey, r); err != nil {
		return status.FailedPreconditionErrorf("region %s overlaps an online region: %s", name, err)
	}
	rg.online[name] = r
	metrics.OnlineRegions.Set(float64(len(rg.online)))
	return nil
}

// get returns an online or retiring region by name.
func (rg *registry) get(name string) (*region.Region, error) {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	if r, ok := rg.online[name]; ok {
		return r, nil
	}
	if r, ok := rg.retiring[name]; ok {
		return r, nil
	}
	return nil, status.NotFoundErrorf("region %s is not served here", name)
}

// remove takes a region out of the online set. With retire=true it stays
// reachable for reads until drop is called.
func (rg *registry) remove(name string, retire bool) (*region.Region, error) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	r, ok := rg.online[name]
	if !ok {
		return nil, status.NotFoundErrorf("region %s is not served here", name)
	}
	info := r.Info()
	if rm, ok := rg.byTable[info.TableDesc.Name]; ok {
		rm.Remove(info.StartKey, info.EndKey)
		if rm.Len() == 0 {
			delete(rg.byTable, info.TableDesc.Name)
		}
	}
	delete(rg.online, name)
	if retire {
		rg.retiring[name] = r
	}
	metrics.OnlineRegions.Set(float64(len(rg.online)))
	return r, nil
}

// drop forgets a retiring region.
func (rg *registry) drop(name string) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	delete(rg.retiring, name)
}

// lookup finds the online region of a table containing row.
func (rg *registry) lookup(table string, row []byte) (*region.Region, error) {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	rm, ok := rg.byTable[table]
	if !ok {
		return nil, status.NotFoundErrorf("no regions of table %s served here", table)
	}
	v := rm.Lookup(row)
	if v == nil {
		return nil, status.NotFoundErrorf("row %q of table %s is not served here", row, table)
	}
	return v.(*region.Region), nil
}

// all returns the online regions in no particular order.
func (rg *registry) all() []*region.Region {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	out := make([]*region.Region, 0, len(rg.online))
	for _, r := range rg.online {
		out = append(out, r)
	}
	return out
}

func (rg *registry) count() int {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	return len(rg.online)
}

// infos returns descriptors for every online region.
func (rg *registry) infos() []*catalog.RegionInfo {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	out := make([]*catalog.RegionInfo, 0, len(rg.online))
	for _, r := range rg.online {
		out = append(out, r.Info())
	}
	return out
}
