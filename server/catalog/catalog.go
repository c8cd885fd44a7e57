// Package catalog defines the table and region descriptors and the layout of
// the two well-known catalog tables.
//
// The catalog is itself a table: `root` holds one row per region of `meta`,
// and `meta` holds one row per user region. A catalog row is keyed by the
// region name and carries the serialized region descriptor plus the address
// and start code of the server currently hosting it.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rangestore-io/rangestore/server/util/status"
)

const (
	RootTableName = "-ROOT-"
	MetaTableName = ".META."

	InfoFamily = "info"

	ColRegionInfo = "info:regioninfo"
	ColServer     = "info:server"
	ColStartCode  = "info:startcode"
	ColSplitA     = "info:splitA"
	ColSplitB     = "info:splitB"
)

// FamilyDescriptor describes one column family of a table.
type FamilyDescriptor struct {
	Name        string `json:"name"`
	MaxVersions int    `json:"maxVersions"`
	// TTLSeconds bounds how long a cell version is retained before a
	// compaction may discard it. Zero means forever.
	TTLSeconds int64 `json:"ttlSeconds"`
}

// DefaultMaxVersions is used when a family descriptor leaves MaxVersions
// unset.
const DefaultMaxVersions = 3

func (f *FamilyDescriptor) VersionLimit() int {
	if f.MaxVersions <= 0 {
		return DefaultMaxVersions
	}
	return f.MaxVersions
}

// TableDescriptor names a table and its column families.
type TableDescriptor struct {
	Name     string             `json:"name"`
	Families []FamilyDescriptor `json:"families"`
}

func (t *TableDescriptor) Family(name string) (FamilyDescriptor, bool) {
	for _, f := range t.Families {
		if f.Name == name {
			return f, true
		}
	}
	return FamilyDescriptor{}, false
}

// FamilyOf splits a qualified column "family:qualifier" and returns the
// family part.
func FamilyOf(col string) string {
	family, _, _ := strings.Cut(col, ":")
	return family
}

// RegionInfo describes one region: a contiguous half-open key range
// [StartKey, EndKey) of one table. An empty EndKey means the range is
// unbounded on the right.
type RegionInfo struct {
	TableDesc TableDescriptor `json:"tableDesc"`
	StartKey  []byte          `json:"startKey"`
	EndKey    []byte          `json:"endKey"`
	RegionID  int64           `json:"regionId"`
	Offline   bool            `json:"offline"`
	Split     bool            `json:"split"`
}

// NewRegionInfo builds a descriptor for a fresh region covering
// [startKey, endKey) of the given table. The region id doubles as the
// region's directory name on disk.
func NewRegionInfo(desc TableDescriptor, startKey, endKey []byte) *RegionInfo {
	return &RegionInfo{
		TableDesc: desc,
		StartKey:  startKey,
		EndKey:    endKey,
		RegionID:  time.Now().UnixNano() / int64(time.Millisecond),
	}
}

// RegionName is "<table>,<startKey>,<regionId>". It is the region's key in
// the catalog and its identifier in every RPC.
func (ri *RegionInfo) RegionName() string {
	return fmt.Sprintf("%s,%s,%d", ri.TableDesc.Name, ri.StartKey, ri.RegionID)
}

func (ri *RegionInfo) IsRoot() bool {
	return ri.TableDesc.Name == RootTableName
}

func (ri *RegionInfo) IsMeta() bool {
	return ri.TableDesc.Name == MetaTableName
}

// ContainsRow returns whether row falls inside this region's range.
func (ri *RegionInfo) ContainsRow(row []byte) bool {
	if bytes.Compare(row, ri.StartKey) < 0 {
		return false
	}
	return len(ri.EndKey) == 0 || bytes.Compare(row, ri.EndKey) < 0
}

// AdjacentTo returns whether other's range starts exactly where this one
// ends.
func (ri *RegionInfo) AdjacentTo(other *RegionInfo) bool {
	return len(ri.EndKey) > 0 && bytes.Equal(ri.EndKey, other.StartKey)
}

// Marshal serializes the descriptor for storage in a catalog cell or a
// region's info file.
func (ri *RegionInfo) Marshal() ([]byte, error) {
	b, err := json.Marshal(ri)
	if err != nil {
		return nil, status.InternalErrorf("marshal region descriptor: %s", err)
	}
	return b, nil
}

// UnmarshalRegionInfo is the inverse of RegionInfo.Marshal.
func UnmarshalRegionInfo(b []byte) (*RegionInfo, error) {
	ri := &RegionInfo{}
	if err := json.Unmarshal(b, ri); err != nil {
		return nil, status.DataLossErrorf("unmarshal region descriptor: %s", err)
	}
	return ri, nil
}

var (
	// RootRegionDescriptor covers the whole key space of the root table,
	// which maps meta regions to servers. Its region id is fixed so every
	// process agrees on its directory.
	RootRegionDescriptor = &RegionInfo{
		TableDesc: TableDescriptor{
			Name:     RootTableName,
			Families: []FamilyDescriptor{{Name: InfoFamily, MaxVersions: 1}},
		},
		RegionID: 0,
	}

	// FirstMetaRegionDescriptor is the initial (only, until it splits)
	// region of the meta table.
	FirstMetaRegionDescriptor = &RegionInfo{
		TableDesc: TableDescriptor{
			Name:     MetaTableName,
			Families: []FamilyDescriptor{{Name: InfoFamily, MaxVersions: 1}},
		},
		RegionID: 1,
	}
)
