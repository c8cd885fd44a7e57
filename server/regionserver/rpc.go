package regionserver

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rangestore-io/rangestore/server/catalog"
	"github.com/rangestore-io/rangestore/server/leases"
	"github.com/rangestore-io/rangestore/server/metrics"
	"github.com/rangestore-io/rangestore/server/region"
	"github.com/rangestore-io/rangestore/server/util/random"
	"github.com/rangestore-io/rangestore/server/util/status"
)

// Mutation is one column change inside a BatchUpdate.
type Mutation struct {
	Col    string
	Value  []byte
	Delete bool
}

func (s *Server) observe(method string, err error) {
	s.requestCount.Add(1)
	metrics.RPCCount.With(prometheus.Labels{
		metrics.MethodLabel: method,
		metrics.StatusLabel: status.MetricsLabel(err),
	}).Inc()
	if status.IsUnavailableError(err) || status.IsDataLossError(err) {
		// An Io failure may mean the filesystem is gone out from under us.
		s.checkFileSystem()
	}
}

// GetRegionInfo returns the descriptor of a region served here.
func (s *Server) GetRegionInfo(regionName string) (ri *catalog.RegionInfo, err error) {
	defer func() { s.observe("GetRegionInfo", err) }()
	r, err := s.reg.get(regionName)
	if err != nil {
		return nil, err
	}
	return r.Info(), nil
}

// Get returns up to numVersions values of row/col at or before ts.
func (s *Server) Get(regionName string, row []byte, col string, numVersions int, ts int64) (vals [][]byte, err error) {
	defer func() { s.observe("Get", err) }()
	r, err := s.reg.get(regionName)
	if err != nil {
		return nil, err
	}
	return r.Get(row, col, numVersions, ts)
}

// GetRow returns all columns of row visible at ts.
func (s *Server) GetRow(regionName string, row []byte, ts int64) (cols map[string][]byte, err error) {
	defer func() { s.observe("GetRow", err) }()
	r, err := s.reg.get(regionName)
	if err != nil {
		return nil, err
	}
	return r.GetRow(row, ts)
}

// BatchUpdate applies all mutations to one row atomically at timestamp ts.
func (s *Server) BatchUpdate(regionName string, row []byte, ts int64, mutations []Mutation) (err error) {
	defer func() { s.observe("BatchUpdate", err) }()
	r, err := s.reg.get(regionName)
	if err != nil {
		return err
	}
	lockID, err := r.StartUpdate(row)
	if err != nil {
		return err
	}
	for _, m := range mutations {
		if m.Delete {
			err = r.Delete(lockID, m.Col)
		} else {
			err = r.Put(lockID, m.Col, m.Value)
		}
		if err != nil {
			r.Abort(lockID)
			return err
		}
	}
	return r.Commit(lockID, ts)
}

// DeleteAll hides every version of row/col at or before ts.
func (s *Server) DeleteAll(regionName string, row []byte, col string, ts int64) (err error) {
	defer func() { s.observe("DeleteAll", err) }()
	r, err := s.reg.get(regionName)
	if err != nil {
		return err
	}
	return r.DeleteAll(row, col, ts)
}

// OpenScanner starts a scan and returns its id. The scanner lives as long as
// its lease: every Next renews it, and an expired or closed scanner id gets
// NotFound.
func (s *Server) OpenScanner(regionName string, cols []string, firstRow []byte, ts int64, filter region.RowFilter) (id string, err error) {
	defer func() { s.observe("OpenScanner", err) }()
	r, err := s.reg.get(regionName)
	if err != nil {
		return "", err
	}
	sc, err := r.NewScanner(cols, firstRow, ts, filter)
	if err != nil {
		return "", err
	}
	return s.scanners.open(sc)
}

// Next returns the scanner's next row, or a nil row at end of region.
func (s *Server) Next(scannerID string) (row []byte, cols map[string][]byte, err error) {
	defer func() { s.observe("Next", err) }()
	sc, err := s.scanners.renew(scannerID)
	if err != nil {
		return nil, nil, err
	}
	return sc.Next()
}

// CloseScanner releases a scanner and its lease.
func (s *Server) CloseScanner(scannerID string) (err error) {
	defer func() { s.observe("CloseScanner", err) }()
	return s.scanners.close(scannerID)
}

// scannerRegistry pairs open scanners with leases so abandoned ones get
// cleaned up.
type scannerRegistry struct {
	leaseMgr *leases.Manager

	mu       sync.Mutex // PROTECTS(scanners)
	scanners map[string]*region.Scanner
}

func newScannerRegistry(leaseMgr *leases.Manager) *scannerRegistry {
	return &scannerRegistry{
		leaseMgr: leaseMgr,
		scanners: make(map[string]*region.Scanner),
	}
}

func (sr *scannerRegistry) open(sc *region.Scanner) (string, error) {
	n, err := random.RandUint64()
	if err != nil {
		sc.Close()
		return "", status.InternalErrorf("generate scanner id: %s", err)
	}
	id := fmt.Sprintf("%d", n)
	if err := sr.leaseMgr.Create(id, sr.expire); err != nil {
		sc.Close()
		return "", err
	}
	sr.mu.Lock()
	sr.scanners[id] = sc
	sr.mu.Unlock()
	return id, nil
}

func (sr *scannerRegistry) renew(id string) (*region.Scanner, error) {
	if err := sr.leaseMgr.Renew(id); err != nil {
		return nil, status.NotFoundErrorf("unknown scanner %s", id)
	}
	sr.mu.Lock()
	sc := sr.scanners[id]
	sr.mu.Unlock()
	if sc == nil {
		return nil, status.NotFoundErrorf("unknown scanner %s", id)
	}
	return sc, nil
}

func (sr *scannerRegistry) close(id string) error {
	sr.mu.Lock()
	sc, ok := sr.scanners[id]
	delete(sr.scanners, id)
	sr.mu.Unlock()
	if !ok {
		return status.NotFoundErrorf("unknown scanner %s", id)
	}
	sc.Close()
	sr.leaseMgr.Cancel(id)
	return nil
}

// expire is the lease callback: the lease is already gone, just drop the
// scanner.
func (sr *scannerRegistry) expire(id string) {
	sr.mu.Lock()
	sc := sr.scanners[id]
	delete(sr.scanners, id)
	sr.mu.Unlock()
	if sc != nil {
		sc.Close()
	}
}

func (sr *scannerRegistry) closeAll() {
	sr.mu.Lock()
	scanners := sr.scanners
	sr.scanners = make(map[string]*region.Scanner)
	sr.mu.Unlock()
	for id, sc := range scanners {
		sc.Close()
		sr.leaseMgr.Cancel(id)
	}
}

// localCatalog serves catalog writes when this server itself hosts the
// needed catalog region. Root region rows live only in memory on the master
// in a real deployment; here the root table is just another region.
type localCatalog struct {
	s *Server
}

func (lc *localCatalog) TableFor(ri *catalog.RegionInfo) (*catalog.Table, error) {
	tableName := catalog.MetaTableName
	if ri.IsMeta() {
		tableName = catalog.RootTableName
	}
	if ri.IsRoot() {
		return nil, status.InvalidArgumentError("the root region has no catalog row")
	}
	r, err := lc.s.reg.lookup(tableName, []byte(ri.RegionName()))
	if err != nil {
		return nil, status.UnavailableErrorf("catalog region not hosted here: %s", err)
	}
	return catalog.NewTable(r), nil
}
