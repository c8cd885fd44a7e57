package region

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rangestore-io/rangestore/server/catalog"
	"github.com/rangestore-io/rangestore/server/metrics"
	"github.com/rangestore-io/rangestore/server/util/log"
)

// Store holds one column family of one region: a live memcache, at most one
// snapshot being flushed, and a stack of immutable store files, newest
// first. Reads consult all of them through a merge; writes only touch the
// memcache.
type Store struct {
	regionName    string
	regionDirName string
	tableName     string
	family        catalog.FamilyDescriptor
	dir        string
	tableDir   string
	log        log.Logger
	clock      clockwork.Clock
	compactionThreshold int

	mu       sync.RWMutex // PROTECTS(memcache, snapshot, files, maxSeqID)
	memcache *Memcache
	snapshot *Memcache
	files    []*storeFile
	maxSeqID uint64
}

// openStore opens the family's directory under the region dir, loading every
// store file and resolving refs left behind by a split.
func openStore(tableDir, regionDirName, regionName, tableName string, family catalog.FamilyDescriptor, clock clockwork.Clock, compactionThreshold int) (*Store, error) {
	s := &Store{
		regionName:          regionName,
		regionDirName:       regionDirName,
		tableName:           tableName,
		family:              family,
		dir:                 filepath.Join(tableDir, regionDirName, family.Name),
		tableDir:            tableDir,
		log:                 log.NamedSubLogger("store " + regionName + "/" + family.Name),
		clock:               clock,
		compactionThreshold: compactionThreshold,
		memcache:            NewMemcache(),
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		name := e.Name()
		var sf *storeFile
		switch {
		case strings.HasSuffix(name, dataSuffix):
			sf, err = openStoreFile(filepath.Join(s.dir, name))
		case strings.HasSuffix(name, refSuffix):
			sf, err = openRef(filepath.Join(s.dir, name), tableDir, family.Name)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		s.files = append(s.files, sf)
		if sf.seqID > s.maxSeqID {
			s.maxSeqID = sf.seqID
		}
	}
	// Newest first.
	sort.Slice(s.files, func(i, j int) bool { return s.files[i].seqID > s.files[j].seqID })
	return s, nil
}

// MaxSeqID returns the highest flush sequence id among the store's files.
// Edits at or below it are durable without the log.
func (s *Store) MaxSeqID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSeqID
}

// add buffers one cell in the memcache and returns the byte-size delta.
func (s *Store) add(c Cell) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memcache.Add(c)
}

// snapshotMemcache swaps in an empty memcache and parks the old one for
// flushing. Called with the region's update lock held exclusively, so the
// snapshot is a consistent cut across all stores.
func (s *Store) snapshotMemcache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot != nil {
		// Previous flush still in progress; keep accumulating.
		return
	}
	if s.memcache.Len() == 0 {
		return
	}
	s.snapshot = s.memcache
	s.memcache = NewMemcache()
}

// flushSnapshot writes the parked snapshot (if any) as a new store file
// stamped with flushSeqID. On success the snapshot is dropped and the file
// joins the read path atomically.
func (s *Store) flushSnapshot(flushSeqID uint64) error {
	s.mu.RLock()
	snap := s.snapshot
	s.mu.RUnlock()
	if snap == nil {
		return nil
	}
	cells := make([]Cell, 0, snap.Len())
	for it := snap.iterator(Cell{}); it.Valid(); it.Next() {
		cells = append(cells, it.Cell())
	}
	sf, err := writeStoreFile(s.dir, flushSeqID, cells)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.files = append([]*storeFile{sf}, s.files...)
	s.snapshot = nil
	if flushSeqID > s.maxSeqID {
		s.maxSeqID = flushSeqID
	}
	s.mu.Unlock()
	s.log.Debugf("Flushed %d cells (%d bytes) at seq %d", len(cells), snap.Size(), flushSeqID)
	return nil
}

// dropSnapshot folds a parked snapshot back into the live memcache after a
// failed flush, so nothing is lost while the caller decides what to do.
func (s *Store) dropSnapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return
	}
	for it := s.snapshot.iterator(Cell{}); it.Valid(); it.Next() {
		s.memcache.Add(it.Cell())
	}
	s.snapshot = nil
}

// memcacheSize returns the bytes buffered in the live memcache and any
// pending snapshot.
func (s *Store) memcacheSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.memcache.Size()
	if s.snapshot != nil {
		n += s.snapshot.Size()
	}
	return n
}

// iterators returns one cellIterator per layer, newest layer first, all
// positioned at start.
func (s *Store) iterators(start Cell) []cellIterator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	its := []cellIterator{s.memcache.Snapshot().iterator(start)}
	if s.snapshot != nil {
		its = append(its, s.snapshot.iterator(start))
	}
	for _, sf := range s.files {
		its = append(its, sf.iterator(start))
	}
	return its
}

// get returns up to numVersions values of row/col with ts <= maxTs, newest
// first. A tombstone ends the walk: everything at or below it is invisible.
func (s *Store) get(row []byte, col string, numVersions int, maxTs int64) [][]byte {
	start := Cell{Row: row, Col: col, Ts: maxTs}
	m := newMergeIterator(s.iterators(start))
	var out [][]byte
	var lastTs int64
	first := true
	for m.Valid() && len(out) < numVersions {
		c := m.Cell()
		m.Next()
		if !bytes.Equal(c.Row, row) || c.Col != col {
			break
		}
		if !first && c.Ts == lastTs {
			// Older copy of a version we already considered.
			continue
		}
		first = false
		lastTs = c.Ts
		if c.Tombstone {
			break
		}
		out = append(out, c.Value)
	}
	return out
}

// getRow collects the newest visible value at or before ts for every column
// of row, merging into dst. Existing dst entries win: the caller consults
// stores in arbitrary order but each column belongs to exactly one store.
func (s *Store) getRow(row []byte, ts int64, dst map[string][]byte) {
	start := Cell{Row: row, Ts: ts}
	m := newMergeIterator(s.iterators(start))
	var doneCol string
	haveDone := false
	for m.Valid() {
		c := m.Cell()
		m.Next()
		if !bytes.Equal(c.Row, row) {
			break
		}
		if c.Ts > ts {
			continue
		}
		if haveDone && c.Col == doneCol {
			continue
		}
		doneCol, haveDone = c.Col, true
		if !c.Tombstone {
			dst[c.Col] = c.Value
		}
	}
}

// compact merges every store file into one, discarding shadowed versions,
// expired cells and resolved tombstones, and materializing any refs. The
// memcache is untouched; only a flush moves memcache data to disk.
func (s *Store) compact() error {
	s.mu.RLock()
	old := make([]*storeFile, len(s.files))
	copy(old, s.files)
	maxSeqID := s.maxSeqID
	s.mu.RUnlock()
	if len(old) == 0 {
		return nil
	}

	its := make([]cellIterator, len(old))
	for i, sf := range old {
		its[i] = sf.iterator(Cell{})
	}
	kept := s.retain(newMergeIterator(its))

	sf, err := writeStoreFile(s.dir, maxSeqID, kept)
	if err != nil {
		return err
	}
	s.mu.Lock()
	// Keep any file flushed while we were compacting.
	var fresh []*storeFile
	for _, f := range s.files {
		isOld := false
		for _, o := range old {
			if f == o {
				isOld = true
				break
			}
		}
		if !isOld {
			fresh = append(fresh, f)
		}
	}
	s.files = append(fresh, sf)
	s.mu.Unlock()

	for _, f := range old {
		if err := f.remove(); err != nil {
			s.log.Warningf("Failed to remove compacted file: %s", err)
		}
	}
	metrics.CompactionCount.With(prometheus.Labels{metrics.TableLabel: s.tableName}).Inc()
	s.log.Infof("Compacted %d files into 1 (%d cells kept)", len(old), len(kept))
	return nil
}

// retain applies the family's retention rules to a merged stream: at most
// VersionLimit versions per column, nothing past its TTL, and tombstones
// plus everything they shadow dropped. Compaction always covers every file,
// but not the memcache: a tombstone that still hides a memcache cell (a
// later commit stamped with an older timestamp) is kept, or the cell would
// resurface.
func (s *Store) retain(m *mergeIterator) []Cell {
	var kept []Cell
	var cutoff int64
	if ttl := s.family.TTLSeconds; ttl > 0 {
		cutoff = s.clock.Now().Add(-time.Duration(ttl) * time.Second).UnixMilli()
	}
	limit := s.family.VersionLimit()

	var cur Cell
	versions := 0
	deleted := false
	lastTs := int64(0)
	haveCur := false
	for m.Valid() {
		c := m.Cell()
		m.Next()
		if !haveCur || !sameColumn(&c, &cur) {
			cur = c
			haveCur = true
			versions = 0
			deleted = false
		} else if c.Ts == lastTs {
			continue
		}
		lastTs = c.Ts
		if deleted || versions >= limit {
			continue
		}
		if c.Tombstone {
			deleted = true
			if s.memcacheShadowed(c) {
				kept = append(kept, c)
			}
			continue
		}
		if cutoff != 0 && c.Ts < cutoff {
			deleted = true
			continue
		}
		versions++
		kept = append(kept, c)
	}
	return kept
}

// memcacheShadowed reports whether the live memcache or the pending snapshot
// holds a cell for the tombstone's column at or below its timestamp. Such a
// cell is not part of the compaction, so the tombstone must outlive it.
func (s *Store) memcacheShadowed(tomb Cell) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	caches := []*Memcache{s.memcache}
	if s.snapshot != nil {
		caches = append(caches, s.snapshot)
	}
	start := Cell{Row: tomb.Row, Col: tomb.Col, Ts: tomb.Ts}
	for _, mc := range caches {
		it := mc.iterator(start)
		if !it.Valid() {
			continue
		}
		c := it.Cell()
		if sameColumn(&c, &tomb) && c.Ts <= tomb.Ts {
			return true
		}
	}
	return false
}

// needsCompaction reports whether the store has accumulated enough files, or
// still reads through a split ref.
func (s *Store) needsCompaction() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.files) >= s.compactionThreshold {
		return true
	}
	for _, sf := range s.files {
		if sf.isRef() {
			return true
		}
	}
	return false
}

// hasRefs reports whether any file is still a reference into a parent
// region. A region with refs cannot split again.
func (s *Store) hasRefs() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sf := range s.files {
		if sf.isRef() {
			return true
		}
	}
	return false
}

// size returns total bytes across store files, plus the row at the middle of
// the largest file, the candidate split point.
func (s *Store) size() (int64, []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total, largest int64
	var mid []byte
	for _, sf := range s.files {
		total += sf.sizeBytes
		if sf.sizeBytes > largest {
			largest = sf.sizeBytes
			mid = sf.midRow()
		}
	}
	return total, mid
}

// fileList returns the current files, newest first.
func (s *Store) fileList() []*storeFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storeFile, len(s.files))
	copy(out, s.files)
	return out
}
