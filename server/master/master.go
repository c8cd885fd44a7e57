// Package master defines the heartbeat protocol a region server speaks with
// the cluster master: the server reports what happened since the last beat,
// the master answers with instructions.
package master

import (
	"context"
	"fmt"

	"github.com/rangestore-io/rangestore/server/catalog"
)

// MsgType discriminates heartbeat messages. Report types flow server to
// master; the rest are master instructions.
type MsgType int

const (
	// MsgReportOpen tells the master a region finished opening.
	MsgReportOpen MsgType = iota
	// MsgReportClose tells the master a region is closed and unassigned.
	MsgReportClose
	// MsgReportSplit tells the master a region split; sent once per child,
	// after the parent's MsgReportClose.
	MsgReportSplit
	// MsgReportExiting is the final beat of a clean shutdown.
	MsgReportExiting

	// MsgRegionOpen instructs the server to open and serve a region.
	MsgRegionOpen
	// MsgRegionClose instructs the server to close a region and report it.
	MsgRegionClose
	// MsgRegionCloseWithoutReport instructs the server to close a region
	// the master already reassigned; no report is expected back.
	MsgRegionCloseWithoutReport
	// MsgStop instructs the server to shut down.
	MsgStop

	// MsgCallServerStartup instructs the server to discard state and run
	// the startup handshake again; sent when the master does not
	// recognize the server (typically after a master restart).
	MsgCallServerStartup
)

func (t MsgType) String() string {
	switch t {
	case MsgReportOpen:
		return "REPORT_OPEN"
	case MsgReportClose:
		return "REPORT_CLOSE"
	case MsgReportSplit:
		return "REPORT_SPLIT"
	case MsgReportExiting:
		return "REPORT_EXITING"
	case MsgRegionOpen:
		return "REGION_OPEN"
	case MsgRegionClose:
		return "REGION_CLOSE"
	case MsgRegionCloseWithoutReport:
		return "REGION_CLOSE_WITHOUT_REPORT"
	case MsgStop:
		return "STOP"
	case MsgCallServerStartup:
		return "CALL_SERVER_STARTUP"
	default:
		return fmt.Sprintf("MsgType(%d)", int(t))
	}
}

// Msg is one heartbeat message. Region is nil for MsgStop and
// MsgCallServerStartup.
type Msg struct {
	Type   MsgType
	Region *catalog.RegionInfo
}

func (m Msg) String() string {
	if m.Region == nil {
		return m.Type.String()
	}
	return fmt.Sprintf("%s %s", m.Type, m.Region.RegionName())
}

// Load is the coarse load figure a server reports each beat; the master uses
// it to place regions.
type Load struct {
	Requests int64
	Regions  int
}

// ServerInfo identifies one region server incarnation. StartCode
// disambiguates restarts at the same address.
type ServerInfo struct {
	Address   string
	StartCode int64
	Load      Load
}

// Client is the region server's view of the master.
type Client interface {
	// Startup announces a fresh server. The returned map carries
	// configuration overrides the server must apply before serving.
	Startup(ctx context.Context, info ServerInfo) (map[string]string, error)
	// Report delivers outbound messages and the current load, and returns
	// the master's instructions.
	Report(ctx context.Context, info ServerInfo, outbound []Msg) ([]Msg, error)
}
