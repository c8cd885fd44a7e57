package region

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rangestore-io/rangestore/server/catalog"
	"github.com/rangestore-io/rangestore/server/config"
	"github.com/rangestore-io/rangestore/server/metrics"
	"github.com/rangestore-io/rangestore/server/util/log"
	"github.com/rangestore-io/rangestore/server/util/status"
	"github.com/rangestore-io/rangestore/server/wal"
)

// A region is constructed in stateOpening, serves in stateOpen, and retires
// through stateClosing (or stateSplitting, when the close is the first half
// of a split) into stateClosed. Writes are accepted only while open; reads
// keep working until the region is fully closed.
type regionState int

const (
	stateOpening regionState = iota
	stateOpen
	stateClosing
	stateSplitting
	stateClosed
)

const regionInfoFileName = "regioninfo.json"

// DroppedSnapshotReason marks a flush failure that left a store snapshot
// unwritten. The server treats it as fatal: the log can no longer be
// truncated past the snapshot, so the safe move is to shut down and let the
// region be replayed elsewhere.
const DroppedSnapshotReason = "DROPPED_SNAPSHOT"

// Region serves one contiguous row range of one table. All writes go through
// the shared write-ahead log before touching any store, and are staged under
// per-row locks so a multi-column commit is atomic within its row.
type Region struct {
	info  *catalog.RegionInfo
	conf  *config.Config
	wlog  *wal.Log
	clock clockwork.Clock
	log   log.Logger

	tableDir string
	dir      string

	// Commit appliers hold updatesMu for read across append+apply; a flush
	// takes it for write at its snapshot point so the snapshot is exactly
	// the log prefix it claims to be.
	updatesMu sync.RWMutex

	mu    sync.Mutex // PROTECTS(state)
	state regionState

	stores map[string]*Store
	locks  *rowLocks

	flushSize   int64
	maxFileSize int64
}

// Open loads (or creates) the region described by info under rootDir,
// replaying any log edits newer than its store files.
func Open(rootDir string, info *catalog.RegionInfo, wlog *wal.Log, conf *config.Config, clock clockwork.Clock) (*Region, error) {
	tableDir := filepath.Join(rootDir, info.TableDesc.Name)
	dirName := strconv.FormatInt(info.RegionID, 10)
	r := &Region{
		info:        info,
		conf:        conf,
		wlog:        wlog,
		clock:       clock,
		log:         log.NamedSubLogger("region " + info.RegionName()),
		tableDir:    tableDir,
		dir:         filepath.Join(tableDir, dirName),
		state:       stateOpening,
		stores:      make(map[string]*Store),
		locks:       newRowLocks(),
		flushSize:   conf.Int64(config.MemcacheFlushSize, 64*1024*1024),
		maxFileSize: conf.Int64(config.MaxFileSize, 256*1024*1024),
	}
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return nil, status.UnavailableErrorf("create region dir: %s", err)
	}
	b, err := info.Marshal()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(r.dir, regionInfoFileName), b, 0644); err != nil {
		return nil, status.UnavailableErrorf("write region info: %s", err)
	}

	threshold := conf.Int(config.CompactionTrigger, 3)
	maxStoreSeq := uint64(0)
	for _, fam := range info.TableDesc.Families {
		s, err := openStore(tableDir, dirName, info.RegionName(), info.TableDesc.Name, fam, clock, threshold)
		if err != nil {
			return nil, err
		}
		r.stores[fam.Name] = s
		if s.MaxSeqID() > maxStoreSeq {
			maxStoreSeq = s.MaxSeqID()
		}
	}

	if err := r.replay(); err != nil {
		return nil, err
	}
	wlog.SetSequenceNumber(maxStoreSeq)
	r.state = stateOpen
	r.log.Infof("Region %s open", info.RegionName())
	return r, nil
}

// replay reapplies logged edits newer than each store's flush point.
func (r *Region) replay() error {
	for _, s := range r.stores {
		entries, err := r.wlog.Replay(r.info.RegionName(), s.MaxSeqID())
		if err != nil {
			return err
		}
		n := 0
		for _, e := range entries {
			if catalog.FamilyOf(e.Edit.Col) != s.family.Name {
				continue
			}
			s.add(Cell{
				Row:       e.Edit.Row,
				Col:       e.Edit.Col,
				Ts:        e.Edit.Ts,
				Tombstone: e.Edit.Tombstone,
				Value:     e.Edit.Value,
			})
			n++
		}
		if n > 0 {
			r.log.Infof("Replayed %d edits into family %q", n, s.family.Name)
		}
	}
	return nil
}

func (r *Region) tableLabel() prometheus.Labels {
	return prometheus.Labels{metrics.TableLabel: r.info.TableDesc.Name}
}

func (r *Region) Info() *catalog.RegionInfo { return r.info }
func (r *Region) Name() string              { return r.info.RegionName() }
func (r *Region) Dir() string               { return r.dir }

func (r *Region) notServing() error {
	return status.NotFoundErrorf("region %s is not serving", r.Name())
}

// checkReadable allows reads while open and while retiring: a closing or
// splitting region keeps answering reads until the catalog points clients
// elsewhere.
func (r *Region) checkReadable(row []byte) error {
	r.mu.Lock()
	st := r.state
	r.mu.Unlock()
	if st != stateOpen && st != stateClosing && st != stateSplitting {
		return r.notServing()
	}
	if row != nil && !r.info.ContainsRow(row) {
		return status.NotFoundErrorf("region %s does not contain row %q", r.Name(), row)
	}
	return nil
}

func (r *Region) checkWritable(row []byte) error {
	r.mu.Lock()
	st := r.state
	r.mu.Unlock()
	if st != stateOpen {
		return r.notServing()
	}
	if row != nil && !r.info.ContainsRow(row) {
		return status.NotFoundErrorf("region %s does not contain row %q", r.Name(), row)
	}
	return nil
}

func (r *Region) store(col string) (*Store, error) {
	fam := catalog.FamilyOf(col)
	s, ok := r.stores[fam]
	if !ok {
		return nil, status.InvalidArgumentErrorf("table %s has no column family %q", r.info.TableDesc.Name, fam)
	}
	return s, nil
}

// Get returns up to numVersions values for row/col at or before ts, newest
// first.
func (r *Region) Get(row []byte, col string, numVersions int, ts int64) ([][]byte, error) {
	if err := r.checkReadable(row); err != nil {
		return nil, err
	}
	if numVersions <= 0 {
		numVersions = 1
	}
	s, err := r.store(col)
	if err != nil {
		return nil, err
	}
	return s.get(row, col, numVersions, ts), nil
}

// GetRow returns the newest visible value at or before ts for every column
// of row, across all families.
func (r *Region) GetRow(row []byte, ts int64) (map[string][]byte, error) {
	if err := r.checkReadable(row); err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	for _, s := range r.stores {
		s.getRow(row, ts, out)
	}
	return out, nil
}

// StartUpdate locks row and opens a pending update on it. The returned lock
// id must be resolved with Commit or Abort; a crash of the caller leaves the
// row locked until the region closes.
func (r *Region) StartUpdate(row []byte) (uint64, error) {
	if err := r.checkWritable(row); err != nil {
		return 0, err
	}
	rowCopy := append([]byte(nil), row...)
	return r.locks.lock(rowCopy)
}

// Put stages a column write under lockID.
func (r *Region) Put(lockID uint64, col string, val []byte) error {
	if _, err := r.store(col); err != nil {
		return err
	}
	pu, err := r.locks.get(lockID)
	if err != nil {
		return err
	}
	pu.edits = append(pu.edits, wal.Edit{Row: pu.row, Col: col, Value: val})
	return nil
}

// Delete stages a tombstone for col under lockID.
func (r *Region) Delete(lockID uint64, col string) error {
	if _, err := r.store(col); err != nil {
		return err
	}
	pu, err := r.locks.get(lockID)
	if err != nil {
		return err
	}
	pu.edits = append(pu.edits, wal.Edit{Row: pu.row, Col: col, Tombstone: true})
	return nil
}

// Commit stamps every staged edit with ts, appends them to the log as one
// record, applies them to the memcaches, and releases the row lock. After
// Commit returns the edits are durable.
func (r *Region) Commit(lockID uint64, ts int64) error {
	start := r.clock.Now()
	pu, err := r.locks.get(lockID)
	if err != nil {
		return err
	}
	if err := r.checkWritable(pu.row); err != nil {
		return err
	}
	edits := make([]wal.Edit, len(pu.edits))
	copy(edits, pu.edits)
	for i := range edits {
		edits[i].Ts = ts
	}

	if len(edits) > 0 {
		r.updatesMu.RLock()
		_, err = r.wlog.Append(r.Name(), edits)
		if err != nil {
			r.updatesMu.RUnlock()
			// A failed append fails the whole commit: nothing was
			// applied, so drop the staged edits and free the row.
			r.locks.release(lockID)
			return err
		}
		for _, e := range edits {
			s := r.stores[catalog.FamilyOf(e.Col)]
			s.add(Cell{Row: e.Row, Col: e.Col, Ts: e.Ts, Tombstone: e.Tombstone, Value: e.Value})
		}
		r.updatesMu.RUnlock()
	}
	if err := r.locks.release(lockID); err != nil {
		return err
	}
	metrics.CommitDurationUsec.Observe(float64(r.clock.Since(start).Microseconds()))
	metrics.MemcacheSizeBytes.With(r.tableLabel()).Set(float64(r.MemcacheSize()))
	return nil
}

// Abort discards the pending update and releases the row lock.
func (r *Region) Abort(lockID uint64) error {
	return r.locks.release(lockID)
}

// DeleteAll writes a tombstone at ts for row/col, hiding every version at or
// before ts in one step.
func (r *Region) DeleteAll(row []byte, col string, ts int64) error {
	lockID, err := r.StartUpdate(row)
	if err != nil {
		return err
	}
	if err := r.Delete(lockID, col); err != nil {
		r.locks.release(lockID)
		return err
	}
	return r.Commit(lockID, ts)
}

// MemcacheSize returns the bytes buffered across all stores.
func (r *Region) MemcacheSize() int64 {
	var n int64
	for _, s := range r.stores {
		n += s.memcacheSize()
	}
	return n
}

// NeedsFlush reports whether buffered edits have outgrown the flush size.
func (r *Region) NeedsFlush() bool {
	return r.MemcacheSize() >= r.flushSize
}

// Flush writes every store's memcache to disk and tells the log the flushed
// prefix is durable. A failure mid-flush returns a DroppedSnapshotReason
// error; the caller must treat the server as compromised, since the log may
// already be rolled past edits that only lived in the snapshot.
func (r *Region) Flush() error {
	r.mu.Lock()
	if r.state == stateClosed {
		r.mu.Unlock()
		return r.notServing()
	}
	r.mu.Unlock()
	return r.flushLocked(false)
}

func (r *Region) flushLocked(updatesMuHeld bool) error {
	if !updatesMuHeld {
		r.updatesMu.Lock()
	}
	flushSeq := r.wlog.CurrentSeq()
	for _, s := range r.stores {
		s.snapshotMemcache()
	}
	if !updatesMuHeld {
		r.updatesMu.Unlock()
	}

	for _, s := range r.stores {
		if err := s.flushSnapshot(flushSeq); err != nil {
			for _, s2 := range r.stores {
				s2.dropSnapshot()
			}
			return status.WithReason(
				status.FailedPreconditionErrorf("flush of region %s failed: %s", r.Name(), err),
				DroppedSnapshotReason)
		}
	}
	r.wlog.RegionFlushed(r.Name(), flushSeq)
	metrics.FlushCount.With(r.tableLabel()).Inc()
	metrics.MemcacheSizeBytes.With(r.tableLabel()).Set(float64(r.MemcacheSize()))
	return nil
}

// Compact merges each store's files down to one.
func (r *Region) Compact() error {
	for _, s := range r.stores {
		if err := s.compact(); err != nil {
			return err
		}
	}
	return nil
}

// NeedsCompaction reports whether any store wants compacting.
func (r *Region) NeedsCompaction() bool {
	for _, s := range r.stores {
		if s.needsCompaction() {
			return true
		}
	}
	return false
}

// SplitRow returns the row to split at, or nil if the region should not
// split: it is a catalog region, still carries refs from its own parent, or
// simply is not big enough.
func (r *Region) SplitRow() []byte {
	if r.info.IsRoot() || r.info.IsMeta() {
		return nil
	}
	var biggest int64
	var mid []byte
	for _, s := range r.stores {
		if s.hasRefs() {
			return nil
		}
		sz, m := s.size()
		if sz > biggest {
			biggest = sz
			mid = m
		}
	}
	if biggest < r.maxFileSize || len(mid) == 0 {
		return nil
	}
	// Splitting at the range edge would make an empty child.
	if !r.info.ContainsRow(mid) || string(mid) == string(r.info.StartKey) {
		return nil
	}
	return mid
}

// BiggestStoreSize returns the on-disk bytes of the largest store. Merge
// planning uses it to keep combined regions comfortably under the split
// threshold.
func (r *Region) BiggestStoreSize() int64 {
	var biggest int64
	for _, s := range r.stores {
		if sz, _ := s.size(); sz > biggest {
			biggest = sz
		}
	}
	return biggest
}

// Close retires the region. With abort=false pending memcache data is
// flushed first; with abort=true it is discarded along with any pending
// updates. Either way the region stops accepting work.
func (r *Region) Close(abort bool) error {
	r.mu.Lock()
	if r.state == stateClosed {
		r.mu.Unlock()
		return nil
	}
	if r.state != stateSplitting {
		r.state = stateClosing
	}
	r.mu.Unlock()

	r.updatesMu.Lock()
	defer r.updatesMu.Unlock()
	r.locks.abortAll()
	if !abort {
		if err := r.flushLocked(true); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.state = stateClosed
	r.mu.Unlock()
	r.log.Infof("Region %s closed", r.Name())
	return nil
}

// CloseAndSplit flushes and closes the region, then creates two child
// regions at splitRow by writing reference files, not by copying data. It
// returns the children's descriptors; the parent descriptor is marked
// offline and split for the caller to record in the catalog.
func (r *Region) CloseAndSplit(splitRow []byte) (*catalog.RegionInfo, *catalog.RegionInfo, error) {
	if len(splitRow) == 0 || !r.info.ContainsRow(splitRow) {
		return nil, nil, status.InvalidArgumentErrorf("split row %q outside region %s", splitRow, r.Name())
	}
	r.mu.Lock()
	if r.state == stateOpen {
		r.state = stateSplitting
	}
	r.mu.Unlock()
	if err := r.Close(false); err != nil {
		return nil, nil, err
	}

	childA := catalog.NewRegionInfo(r.info.TableDesc, r.info.StartKey, splitRow)
	childB := catalog.NewRegionInfo(r.info.TableDesc, splitRow, r.info.EndKey)
	// Distinct ids even when created within the same millisecond.
	if childB.RegionID == childA.RegionID {
		childB.RegionID++
	}
	parentDirName := filepath.Base(r.dir)

	for _, child := range []*catalog.RegionInfo{childA, childB} {
		top := child == childB
		childDirName := strconv.FormatInt(child.RegionID, 10)
		for fam, s := range r.stores {
			childStoreDir := filepath.Join(r.tableDir, childDirName, fam)
			if err := os.MkdirAll(childStoreDir, 0755); err != nil {
				return nil, nil, status.UnavailableErrorf("create child store dir: %s", err)
			}
			for _, sf := range s.fileList() {
				if err := writeRef(childStoreDir, parentDirName, filepath.Base(sf.path), splitRow, top); err != nil {
					return nil, nil, err
				}
			}
		}
	}

	r.info.Offline = true
	r.info.Split = true
	b, err := r.info.Marshal()
	if err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(filepath.Join(r.dir, regionInfoFileName), b, 0644); err != nil {
		return nil, nil, status.UnavailableErrorf("write region info: %s", err)
	}
	metrics.SplitCount.With(r.tableLabel()).Inc()
	r.log.Infof("Region %s split at %q into %s and %s", r.Name(), splitRow, childA.RegionName(), childB.RegionName())
	return childA, childB, nil
}

// Merge flushes, compacts and closes two adjacent regions of the same table
// and combines their store files into a single new region, which is returned
// open. The inputs' directories are removed.
func Merge(rootDir string, a, b *Region) (*Region, error) {
	if a.info.TableDesc.Name != b.info.TableDesc.Name {
		return nil, status.InvalidArgumentErrorf("cannot merge regions of different tables %s and %s", a.Name(), b.Name())
	}
	if !a.info.AdjacentTo(b.info) {
		if !b.info.AdjacentTo(a.info) {
			return nil, status.InvalidArgumentErrorf("regions %s and %s are not adjacent", a.Name(), b.Name())
		}
		a, b = b, a
	}

	for _, r := range []*Region{a, b} {
		if err := r.Flush(); err != nil {
			return nil, err
		}
		// Materialize any refs so files can move between directories.
		if err := r.Compact(); err != nil {
			return nil, err
		}
		if err := r.Close(false); err != nil {
			return nil, err
		}
	}

	merged := catalog.NewRegionInfo(a.info.TableDesc, a.info.StartKey, b.info.EndKey)
	// The millisecond id must not collide with either input, or the moves
	// below would tangle their directories.
	for merged.RegionID == a.info.RegionID || merged.RegionID == b.info.RegionID {
		merged.RegionID++
	}
	mergedDirName := strconv.FormatInt(merged.RegionID, 10)
	for _, src := range []*Region{a, b} {
		for fam, s := range src.stores {
			dstDir := filepath.Join(a.tableDir, mergedDirName, fam)
			if err := os.MkdirAll(dstDir, 0755); err != nil {
				return nil, status.UnavailableErrorf("create merged store dir: %s", err)
			}
			for _, sf := range s.fileList() {
				dst := filepath.Join(dstDir, filepath.Base(sf.path))
				if err := os.Rename(sf.path, dst); err != nil {
					return nil, status.UnavailableErrorf("move store file: %s", err)
				}
			}
		}
	}
	for _, src := range []*Region{a, b} {
		if err := os.RemoveAll(src.dir); err != nil {
			return nil, status.UnavailableErrorf("remove merged input dir: %s", err)
		}
	}
	a.log.Infof("Merged %s and %s into %s", a.Name(), b.Name(), merged.RegionName())
	return Open(rootDir, merged, a.wlog, a.conf, a.clock)
}

// String implements fmt.Stringer for log lines.
func (r *Region) String() string {
	return fmt.Sprintf("region %s [%q, %q)", r.Name(), r.info.StartKey, r.info.EndKey)
}
