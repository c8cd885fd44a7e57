// Package wal implements the write-ahead log: a single append-only sequence
// of row edits shared by every region on one server.
//
// Each commit is written as one checksummed record, so on replay a commit is
// either wholly present or wholly absent. Sequence ids are assigned here and
// increase monotonically across all regions; a region flush durably records
// "everything at or below seq S for this region is in store files", which is
// what makes old log generations deletable.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rangestore-io/rangestore/server/metrics"
	"github.com/rangestore-io/rangestore/server/util/log"
	"github.com/rangestore-io/rangestore/server/util/status"
)

const fileNameFormat = "hlog.dat.%06d"

// Edit is one column mutation inside a commit.
type Edit struct {
	Row       []byte
	Col       string
	Ts        int64
	Tombstone bool
	Value     []byte
}

// Entry is one replayed edit together with its addressing.
type Entry struct {
	Seq    uint64
	Region string
	Edit   Edit
}

type closedFile struct {
	path string
	// Highest seq written for each region present in this file. The file
	// is deletable once every one of these regions has flushed at or past
	// its entry here.
	regionLastSeq map[string]uint64
}

// Log is the write-ahead log for one server incarnation.
type Log struct {
	dir string
	log log.Logger

	mu            sync.Mutex
	seq           uint64
	gen           int
	f             *os.File
	w             *bufio.Writer
	numEntries    int
	regionLastSeq map[string]uint64
	oldFiles      []*closedFile
	flushed       map[string]uint64
	closed        bool
}

// Open creates the log directory and the first log generation. The caller is
// expected to have verified the directory does not already exist (an
// existing directory means another incarnation of this server is live).
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, status.UnavailableErrorf("create log dir: %s", err)
	}
	l := &Log{
		dir:           dir,
		log:           log.NamedSubLogger("wal"),
		regionLastSeq: make(map[string]uint64),
		flushed:       make(map[string]uint64),
	}
	if err := l.openGeneration(0); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) openGeneration(gen int) error {
	path := filepath.Join(l.dir, fmt.Sprintf(fileNameFormat, gen))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return status.UnavailableErrorf("create log file: %s", err)
	}
	l.gen = gen
	l.f = f
	l.w = bufio.NewWriter(f)
	l.numEntries = 0
	l.regionLastSeq = make(map[string]uint64)
	return nil
}

// Append writes all edits of one commit as a single atomic record and
// returns the sequence id assigned to the commit. It does not return until
// the bytes are synced.
func (l *Log) Append(region string, edits []Edit) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, status.FailedPreconditionError("log is closed")
	}
	l.seq++
	seq := l.seq

	payload := encodeGroup(seq, region, edits)
	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], uint32(len(payload)))
	sum := xxhash.Sum64(payload)
	var sumBuf [8]byte
	binary.BigEndian.PutUint64(sumBuf[:], sum)

	if _, err := l.w.Write(frame[:]); err != nil {
		return 0, status.UnavailableErrorf("log append: %s", err)
	}
	if _, err := l.w.Write(payload); err != nil {
		return 0, status.UnavailableErrorf("log append: %s", err)
	}
	if _, err := l.w.Write(sumBuf[:]); err != nil {
		return 0, status.UnavailableErrorf("log append: %s", err)
	}
	if err := l.w.Flush(); err != nil {
		return 0, status.UnavailableErrorf("log flush: %s", err)
	}
	if err := l.f.Sync(); err != nil {
		return 0, status.UnavailableErrorf("log sync: %s", err)
	}
	l.numEntries += len(edits)
	l.regionLastSeq[region] = seq
	metrics.WALAppends.Inc()
	return seq, nil
}

// Roll closes the current generation and starts a new one with the next
// numeric suffix. Closed generations are kept until every region they cover
// has flushed past its last entry, then deleted.
func (l *Log) Roll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return status.FailedPreconditionError("log is closed")
	}
	if err := l.closeCurrentLocked(); err != nil {
		return err
	}
	if err := l.openGeneration(l.gen + 1); err != nil {
		return err
	}
	metrics.WALRolls.Inc()
	l.gcLocked()
	return nil
}

func (l *Log) closeCurrentLocked() error {
	if err := l.w.Flush(); err != nil {
		return status.UnavailableErrorf("log flush: %s", err)
	}
	if err := l.f.Sync(); err != nil {
		return status.UnavailableErrorf("log sync: %s", err)
	}
	path := l.f.Name()
	if err := l.f.Close(); err != nil {
		return status.UnavailableErrorf("log close: %s", err)
	}
	if len(l.regionLastSeq) > 0 {
		l.oldFiles = append(l.oldFiles, &closedFile{
			path:          path,
			regionLastSeq: l.regionLastSeq,
		})
	} else {
		// Empty generation, nothing to replay from it.
		if err := os.Remove(path); err != nil {
			l.log.Warningf("remove empty log file %s: %s", path, err)
		}
	}
	return nil
}

// RegionFlushed records that all edits for region with seq <= flushedSeq are
// durable in store files, and deletes any closed generations that no region
// still needs.
func (l *Log) RegionFlushed(region string, flushedSeq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if flushedSeq > l.flushed[region] {
		l.flushed[region] = flushedSeq
	}
	l.gcLocked()
}

func (l *Log) gcLocked() {
	kept := l.oldFiles[:0]
	for _, cf := range l.oldFiles {
		needed := false
		for region, lastSeq := range cf.regionLastSeq {
			if l.flushed[region] < lastSeq {
				needed = true
				break
			}
		}
		if needed {
			kept = append(kept, cf)
			continue
		}
		l.log.Debugf("Deleting old log file %s", cf.path)
		if err := os.Remove(cf.path); err != nil {
			l.log.Warningf("remove old log file %s: %s", cf.path, err)
			kept = append(kept, cf)
		}
	}
	l.oldFiles = kept
}

// NumEntries returns the number of edits appended to the current generation.
func (l *Log) NumEntries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.numEntries
}

// CurrentSeq returns the highest sequence id assigned so far.
func (l *Log) CurrentSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// SetSequenceNumber raises the next-assigned sequence id so it stays above
// every edit already persisted for a newly opened region.
func (l *Log) SetSequenceNumber(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.seq {
		l.seq = seq
	}
}

// Replay yields the edits addressed to region with seq > fromSeq, in
// sequence order. A torn or corrupt record ends the damaged file: everything
// before it is returned, everything after it is ignored.
func (l *Log) Replay(region string, fromSeq uint64) ([]Entry, error) {
	l.mu.Lock()
	if !l.closed {
		if err := l.w.Flush(); err != nil {
			l.mu.Unlock()
			return nil, status.UnavailableErrorf("log flush: %s", err)
		}
	}
	l.mu.Unlock()

	paths, err := l.sortedFiles()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, path := range paths {
		entries, err := readFile(path, l.log)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Region == region && e.Seq > fromSeq {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (l *Log) sortedFiles() ([]string, error) {
	names, err := filepath.Glob(filepath.Join(l.dir, "hlog.dat.*"))
	if err != nil {
		return nil, status.UnavailableErrorf("list log dir: %s", err)
	}
	sort.Strings(names)
	return names, nil
}

// Close flushes and closes the log, keeping its files for replay.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.w.Flush(); err != nil {
		return status.UnavailableErrorf("log flush: %s", err)
	}
	if err := l.f.Sync(); err != nil {
		return status.UnavailableErrorf("log sync: %s", err)
	}
	return l.f.Close()
}

// CloseAndDelete closes the log and removes its directory. Used on clean
// shutdown, when every region has been closed and nothing remains to replay.
func (l *Log) CloseAndDelete() error {
	if err := l.Close(); err != nil {
		return err
	}
	return os.RemoveAll(l.dir)
}

func encodeGroup(seq uint64, region string, edits []Edit) []byte {
	n := 8 + 2 + len(region) + 4
	for _, e := range edits {
		n += 2 + len(e.Row) + 2 + len(e.Col) + 8 + 1 + 4 + len(e.Value)
	}
	buf := make([]byte, 0, n)
	buf = binary.BigEndian.AppendUint64(buf, seq)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(region)))
	buf = append(buf, region...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(edits)))
	for _, e := range edits {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Row)))
		buf = append(buf, e.Row...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Col)))
		buf = append(buf, e.Col...)
		buf = binary.BigEndian.AppendUint64(buf, uint64(e.Ts))
		if e.Tombstone {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Value)))
		buf = append(buf, e.Value...)
	}
	return buf
}

func decodeGroup(payload []byte) ([]Entry, error) {
	if len(payload) < 14 {
		return nil, status.DataLossError("group record too short")
	}
	seq := binary.BigEndian.Uint64(payload)
	payload = payload[8:]
	regionLen := int(binary.BigEndian.Uint16(payload))
	payload = payload[2:]
	if len(payload) < regionLen+4 {
		return nil, status.DataLossError("group record too short")
	}
	region := string(payload[:regionLen])
	payload = payload[regionLen:]
	count := int(binary.BigEndian.Uint32(payload))
	payload = payload[4:]

	entries := make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		var e Edit
		var err error
		if e.Row, payload, err = takeBytes16(payload); err != nil {
			return nil, err
		}
		var col []byte
		if col, payload, err = takeBytes16(payload); err != nil {
			return nil, err
		}
		e.Col = string(col)
		if len(payload) < 9 {
			return nil, status.DataLossError("edit record too short")
		}
		e.Ts = int64(binary.BigEndian.Uint64(payload))
		e.Tombstone = payload[8] == 1
		payload = payload[9:]
		if len(payload) < 4 {
			return nil, status.DataLossError("edit record too short")
		}
		valLen := int(binary.BigEndian.Uint32(payload))
		payload = payload[4:]
		if len(payload) < valLen {
			return nil, status.DataLossError("edit record too short")
		}
		e.Value = append([]byte(nil), payload[:valLen]...)
		payload = payload[valLen:]
		entries = append(entries, Entry{Seq: seq, Region: region, Edit: e})
	}
	return entries, nil
}

func takeBytes16(payload []byte) ([]byte, []byte, error) {
	if len(payload) < 2 {
		return nil, nil, status.DataLossError("edit record too short")
	}
	n := int(binary.BigEndian.Uint16(payload))
	payload = payload[2:]
	if len(payload) < n {
		return nil, nil, status.DataLossError("edit record too short")
	}
	return append([]byte(nil), payload[:n]...), payload[n:], nil
}

func readFile(path string, logger log.Logger) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, status.UnavailableErrorf("open log file: %s", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var out []Entry
	for {
		var frame [4]byte
		if _, err := io.ReadFull(r, frame[:]); err != nil {
			if err == io.EOF {
				return out, nil
			}
			logger.Warningf("Truncating %s at torn record: %s", path, err)
			return out, nil
		}
		payloadLen := int(binary.BigEndian.Uint32(frame[:]))
		buf := make([]byte, payloadLen+8)
		if _, err := io.ReadFull(r, buf); err != nil {
			logger.Warningf("Truncating %s at torn record: %s", path, err)
			return out, nil
		}
		payload := buf[:payloadLen]
		sum := binary.BigEndian.Uint64(buf[payloadLen:])
		if xxhash.Sum64(payload) != sum {
			logger.Warningf("Truncating %s at checksum mismatch", path)
			return out, nil
		}
		entries, err := decodeGroup(payload)
		if err != nil {
			logger.Warningf("Truncating %s at malformed record: %s", path, err)
			return out, nil
		}
		out = append(out, entries...)
	}
}
