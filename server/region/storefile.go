package region

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rangestore-io/rangestore/server/util/random"
	"github.com/rangestore-io/rangestore/server/util/status"
)

// Store file layout: a fixed header (magic, format version, the flush
// sequence id), then length-framed cell records in (row, col, ts desc)
// order, then a trailing xxhash64 of every record byte. Files are written
// once and never modified.
//
// A split does not copy data: each child store gets a small .ref file
// pointing at a parent store file and naming which half of it (rows below or
// at-and-above the split row) the child can see. Refs are resolved at open
// time and replaced by real files at the child's first compaction.

var storeFileMagic = []byte("RSF1")

const (
	storeFileVersion = 1
	dataSuffix       = ".dat"
	refSuffix        = ".ref"
)

type storeFileRef struct {
	ParentRegion string `json:"parentRegion"`
	File         string `json:"file"`
	SplitRow     []byte `json:"splitRow"`
	Top          bool   `json:"top"`
}

// storeFile is an open, immutable store file with its cells resident. Files
// are bounded by the memcache flush size, so loading them whole keeps reads
// and merges simple.
type storeFile struct {
	path      string
	refPath   string // non-empty if this file was opened through a ref
	seqID     uint64
	cells     []Cell
	sizeBytes int64
}

// writeStoreFile streams cells (already in cell order) into a new store file
// under dir and returns the opened result. The file appears atomically: data
// is written to a temp name and renamed into place after a sync.
func writeStoreFile(dir string, seqID uint64, cells []Cell) (*storeFile, error) {
	randStr, err := random.RandomString(16)
	if err != nil {
		return nil, status.InternalErrorf("name store file: %s", err)
	}
	name := "sf_" + randStr + dataSuffix
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, status.UnavailableErrorf("create store file: %s", err)
	}
	defer os.Remove(tmp)

	w := bufio.NewWriter(f)
	digest := xxhash.New()
	header := make([]byte, 0, 16)
	header = append(header, storeFileMagic...)
	header = binary.BigEndian.AppendUint32(header, storeFileVersion)
	header = binary.BigEndian.AppendUint64(header, seqID)
	if _, err := w.Write(header); err != nil {
		f.Close()
		return nil, status.UnavailableErrorf("write store file: %s", err)
	}
	for _, c := range cells {
		rec := encodeCell(c)
		digest.Write(rec)
		if _, err := w.Write(rec); err != nil {
			f.Close()
			return nil, status.UnavailableErrorf("write store file: %s", err)
		}
	}
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], digest.Sum64())
	if _, err := w.Write(sum[:]); err != nil {
		f.Close()
		return nil, status.UnavailableErrorf("write store file: %s", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return nil, status.UnavailableErrorf("write store file: %s", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, status.UnavailableErrorf("sync store file: %s", err)
	}
	if err := f.Close(); err != nil {
		return nil, status.UnavailableErrorf("close store file: %s", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, status.UnavailableErrorf("rename store file: %s", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, status.UnavailableErrorf("stat store file: %s", err)
	}
	return &storeFile{path: path, seqID: seqID, cells: cells, sizeBytes: info.Size()}, nil
}

// openStoreFile reads and verifies a store file written by writeStoreFile.
func openStoreFile(path string) (*storeFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, status.UnavailableErrorf("open store file: %s", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, status.UnavailableErrorf("stat store file: %s", err)
	}
	r := bufio.NewReader(f)
	header := make([]byte, 16)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, status.DataLossErrorf("store file %s: short header", path)
	}
	if !bytes.Equal(header[:4], storeFileMagic) {
		return nil, status.DataLossErrorf("store file %s: bad magic", path)
	}
	if v := binary.BigEndian.Uint32(header[4:8]); v != storeFileVersion {
		return nil, status.DataLossErrorf("store file %s: unknown version %d", path, v)
	}
	seqID := binary.BigEndian.Uint64(header[8:16])

	body := make([]byte, info.Size()-16)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, status.DataLossErrorf("store file %s: truncated", path)
	}
	if len(body) < 8 {
		return nil, status.DataLossErrorf("store file %s: truncated", path)
	}
	records, sum := body[:len(body)-8], binary.BigEndian.Uint64(body[len(body)-8:])
	if xxhash.Sum64(records) != sum {
		return nil, status.DataLossErrorf("store file %s: checksum mismatch", path)
	}
	var cells []Cell
	for len(records) > 0 {
		c, rest, err := decodeCell(records)
		if err != nil {
			return nil, status.DataLossErrorf("store file %s: %s", path, err)
		}
		cells = append(cells, c)
		records = rest
	}
	return &storeFile{path: path, seqID: seqID, cells: cells, sizeBytes: info.Size()}, nil
}

// writeRef records a half-range reference to parent in the store directory
// dir. top selects rows at or above splitRow; otherwise rows below it.
func writeRef(dir, parentRegion, parentFile string, splitRow []byte, top bool) error {
	ref := storeFileRef{
		ParentRegion: parentRegion,
		File:         parentFile,
		SplitRow:     splitRow,
		Top:          top,
	}
	b, err := json.Marshal(ref)
	if err != nil {
		return status.InternalErrorf("marshal ref: %s", err)
	}
	randStr, err := random.RandomString(8)
	if err != nil {
		return status.InternalErrorf("name ref file: %s", err)
	}
	name := strings.TrimSuffix(parentFile, dataSuffix) + "_" + randStr + refSuffix
	return os.WriteFile(filepath.Join(dir, name), b, 0644)
}

// openRef resolves a .ref file. tableDir is the directory holding every
// region of the table, so the parent file is found at
// tableDir/<parentRegion>/<family>/<file>.
func openRef(refPath, tableDir, family string) (*storeFile, error) {
	b, err := os.ReadFile(refPath)
	if err != nil {
		return nil, status.UnavailableErrorf("read ref file: %s", err)
	}
	ref := &storeFileRef{}
	if err := json.Unmarshal(b, ref); err != nil {
		return nil, status.DataLossErrorf("ref file %s: %s", refPath, err)
	}
	parent, err := openStoreFile(filepath.Join(tableDir, ref.ParentRegion, family, ref.File))
	if err != nil {
		return nil, err
	}
	// Keep only the half this child owns.
	i := sort.Search(len(parent.cells), func(i int) bool {
		return bytes.Compare(parent.cells[i].Row, ref.SplitRow) >= 0
	})
	if ref.Top {
		parent.cells = parent.cells[i:]
	} else {
		parent.cells = parent.cells[:i]
	}
	parent.refPath = refPath
	return parent, nil
}

func (sf *storeFile) isRef() bool {
	return sf.refPath != ""
}

// midRow returns the row of the middle cell, the split point candidate.
func (sf *storeFile) midRow() []byte {
	if len(sf.cells) == 0 {
		return nil
	}
	return sf.cells[len(sf.cells)/2].Row
}

func (sf *storeFile) remove() error {
	if sf.isRef() {
		return os.Remove(sf.refPath)
	}
	return os.Remove(sf.path)
}

// iterator returns the file's cells at or after start.
type storeFileIterator struct {
	cells []Cell
	i     int
}

func (sf *storeFile) iterator(start Cell) *storeFileIterator {
	i := sort.Search(len(sf.cells), func(i int) bool {
		return !cellLess(sf.cells[i], start)
	})
	return &storeFileIterator{cells: sf.cells, i: i}
}

func (it *storeFileIterator) Valid() bool { return it.i < len(it.cells) }
func (it *storeFileIterator) Cell() Cell  { return it.cells[it.i] }
func (it *storeFileIterator) Next()       { it.i++ }

func encodeCell(c Cell) []byte {
	n := 4 + 2 + len(c.Row) + 2 + len(c.Col) + 8 + 1 + 4 + len(c.Value)
	buf := make([]byte, 0, n)
	buf = binary.BigEndian.AppendUint32(buf, uint32(n-4))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.Row)))
	buf = append(buf, c.Row...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.Col)))
	buf = append(buf, c.Col...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(c.Ts))
	if c.Tombstone {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Value)))
	buf = append(buf, c.Value...)
	return buf
}

func decodeCell(b []byte) (Cell, []byte, error) {
	var c Cell
	if len(b) < 4 {
		return c, nil, status.DataLossError("cell record too short")
	}
	recLen := int(binary.BigEndian.Uint32(b))
	b = b[4:]
	if len(b) < recLen {
		return c, nil, status.DataLossError("cell record too short")
	}
	rec, rest := b[:recLen], b[recLen:]

	rowLen := int(binary.BigEndian.Uint16(rec))
	rec = rec[2:]
	if len(rec) < rowLen+2 {
		return c, nil, status.DataLossError("cell record too short")
	}
	c.Row = append([]byte(nil), rec[:rowLen]...)
	rec = rec[rowLen:]
	colLen := int(binary.BigEndian.Uint16(rec))
	rec = rec[2:]
	if len(rec) < colLen+13 {
		return c, nil, status.DataLossError("cell record too short")
	}
	c.Col = string(rec[:colLen])
	rec = rec[colLen:]
	c.Ts = int64(binary.BigEndian.Uint64(rec))
	c.Tombstone = rec[8] == 1
	rec = rec[9:]
	valLen := int(binary.BigEndian.Uint32(rec))
	rec = rec[4:]
	if len(rec) != valLen {
		return c, nil, status.DataLossError("cell record length mismatch")
	}
	c.Value = append([]byte(nil), rec...)
	return c, rest, nil
}
