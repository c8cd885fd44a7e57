// Package regionserver assembles the serving process: the region registry,
// the shared write-ahead log, background chores for flushing, compaction,
// splitting and log rolling, scanner leases, and the heartbeat loop that
// keeps the master informed and obeys its instructions.
package regionserver

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/rangestore-io/rangestore/server/catalog"
	"github.com/rangestore-io/rangestore/server/chore"
	"github.com/rangestore-io/rangestore/server/config"
	"github.com/rangestore-io/rangestore/server/leases"
	"github.com/rangestore-io/rangestore/server/master"
	"github.com/rangestore-io/rangestore/server/region"
	"github.com/rangestore-io/rangestore/server/util/disk"
	"github.com/rangestore-io/rangestore/server/util/log"
	"github.com/rangestore-io/rangestore/server/util/status"
	"github.com/rangestore-io/rangestore/server/wal"
	"golang.org/x/sync/errgroup"
)

var bindAddress = flag.String("bind", "", "host:port to serve on; overrides the "+config.RegionServerAddr+" configuration key.")

const toDoQueueSize = 64

// CatalogAccess resolves the catalog table whose row describes a given
// region: root for regions of meta, meta for user regions. A server that
// does not host the needed catalog region returns Unavailable and the caller
// retries.
type CatalogAccess interface {
	TableFor(ri *catalog.RegionInfo) (*catalog.Table, error)
}

type toDoEntry struct {
	msg     master.Msg
	retries int
}

// Server is one region server process.
type Server struct {
	conf         *config.Config
	clock        clockwork.Clock
	log          log.Logger
	masterClient master.Client
	catalogs     CatalogAccess

	rootDir   string
	logDir    string
	address   string
	startCode atomic.Int64

	wlogMu sync.Mutex // PROTECTS(wlog)
	wlog   *wal.Log

	reg *registry

	leaseMgr *leases.Manager
	scanners *scannerRegistry

	flusher   *chore.Chore
	checker   *chore.Chore
	logRoller *chore.Chore

	outMu    sync.Mutex // PROTECTS(outbound)
	outbound []master.Msg
	toDo     chan toDoEntry

	requestCount   atomic.Int64
	stopRequested  atomic.Bool
	abortRequested atomic.Bool
	quit           chan struct{}
	eg             *errgroup.Group
}

// New builds a server, claims its log directory and opens the write-ahead
// log. A log directory that already exists means an incarnation at this
// address is (or died while) running, and startup is refused.
func New(conf *config.Config, masterClient master.Client, catalogs CatalogAccess, clock clockwork.Clock) (*Server, error) {
	address := *bindAddress
	if address == "" {
		address = conf.Get(config.RegionServerAddr)
	}
	rootDir := conf.Get(config.RootDir)
	logDir := filepath.Join(rootDir, "log_"+strings.ReplaceAll(address, ":", "_"))
	if exists, err := disk.FileExists(logDir); err != nil {
		return nil, err
	} else if exists {
		return nil, status.FailedPreconditionErrorf("region server already running at %s: log dir %s exists", address, logDir)
	}
	if err := disk.EnsureDirectoryExists(rootDir); err != nil {
		return nil, err
	}
	wlog, err := wal.Open(logDir)
	if err != nil {
		return nil, err
	}

	s := &Server{
		conf:         conf,
		clock:        clock,
		log:          log.NamedSubLogger("regionserver " + address),
		masterClient: masterClient,
		catalogs:     catalogs,
		rootDir:      rootDir,
		logDir:       logDir,
		address:      address,
		wlog:         wlog,
		reg:          newRegistry(),
		toDo:         make(chan toDoEntry, toDoQueueSize),
		quit:         make(chan struct{}),
	}
	s.startCode.Store(clock.Now().UnixMilli())
	if s.catalogs == nil {
		s.catalogs = &localCatalog{s: s}
	}
	s.leaseMgr = leases.NewManager(conf.Millis(config.LeasePeriod, 0), clock)
	s.scanners = newScannerRegistry(s.leaseMgr)

	wakeFreq := conf.Millis(config.ThreadWakeFreq, 0)
	s.flusher = chore.New("flusher", wakeFreq, clock, s.flushStep)
	s.checker = chore.New("splitcompact", conf.Millis(config.SplitCheckFreq, 0), clock, s.splitOrCompactStep)
	s.logRoller = chore.New("logroller", wakeFreq, clock, s.logRollStep)
	return s, nil
}

func (s *Server) currentLog() *wal.Log {
	s.wlogMu.Lock()
	defer s.wlogMu.Unlock()
	return s.wlog
}

func (s *Server) serverInfo() master.ServerInfo {
	return master.ServerInfo{
		Address:   s.address,
		StartCode: s.startCode.Load(),
		Load: master.Load{
			Requests: s.requestCount.Swap(0),
			Regions:  s.reg.count(),
		},
	}
}

// Run drives the server until Stop is called, the master says stop, or a
// fatal error aborts it. It performs the startup handshake, then beats at
// the configured interval.
func (s *Server) Run(ctx context.Context) error {
	if err := s.reportForDuty(ctx); err != nil {
		return err
	}
	s.flusher.Start()
	s.checker.Start()
	s.logRoller.Start()
	s.eg, ctx = errgroup.WithContext(ctx)
	s.eg.Go(func() error {
		s.worker(ctx)
		return nil
	})

	err := s.heartbeatLoop(ctx)
	s.shutdown(ctx)
	return err
}

// reportForDuty runs the startup handshake, retrying until the master
// answers, and installs whatever configuration it hands back.
func (s *Server) reportForDuty(ctx context.Context) error {
	interval := s.conf.Millis(config.MsgInterval, 0)
	for {
		overrides, err := s.masterClient.Startup(ctx, s.serverInfo())
		if err == nil {
			s.conf.ApplyOverrides(overrides)
			s.log.Infof("Reported for duty to master as %s, start code %d", s.address, s.startCode.Load())
			return nil
		}
		s.log.Warningf("Unable to report for duty: %s; retrying in %s", err, interval)
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx)
		case <-s.quit:
			return status.CanceledError("stopped before reporting for duty")
		case <-s.clock.After(interval):
		}
	}
}

func (s *Server) heartbeatLoop(ctx context.Context) error {
	interval := s.conf.Millis(config.MsgInterval, 0)
	masterLease := s.conf.Millis(config.MasterLeasePeriod, 0)
	lastHeard := s.clock.Now()
	for {
		if s.stopRequested.Load() || s.abortRequested.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx)
		case <-s.quit:
			return nil
		case <-s.clock.After(interval):
		}

		outbound := s.takeOutbound()
		instructions, err := s.masterClient.Report(ctx, s.serverInfo(), outbound)
		if err != nil {
			s.requeueOutbound(outbound)
			if s.clock.Since(lastHeard) > masterLease {
				s.log.Errorf("Unable to reach master for over %s, aborting", masterLease)
				s.abortRequested.Store(true)
				return status.UnavailableErrorf("lost contact with master: %s", err)
			}
			s.log.Warningf("Heartbeat failed: %s", err)
			continue
		}
		lastHeard = s.clock.Now()
		for _, m := range instructions {
			s.handleInstruction(ctx, m)
		}
	}
}

func (s *Server) handleInstruction(ctx context.Context, m master.Msg) {
	s.log.Debugf("Master instruction: %s", m)
	switch m.Type {
	case master.MsgStop:
		s.Stop()
	case master.MsgCallServerStartup:
		// The master no longer knows us. Drop everything without
		// reporting, start over with a fresh log and start code, and
		// introduce ourselves again.
		s.closeAllRegions(false)
		s.takeOutbound()
		if err := s.restartLog(); err != nil {
			s.log.Errorf("Unable to restart log: %s", err)
			s.Abort()
			return
		}
		if err := s.reportForDuty(ctx); err != nil {
			s.Abort()
		}
	case master.MsgRegionOpen, master.MsgRegionClose, master.MsgRegionCloseWithoutReport:
		select {
		case s.toDo <- toDoEntry{msg: m}:
		default:
			s.log.Warningf("Work queue full, dropping %s; master will resend", m)
		}
	default:
		s.log.Warningf("Ignoring unexpected instruction %s", m)
	}
}

// worker executes region open and close instructions off the heartbeat path.
func (s *Server) worker(ctx context.Context) {
	maxRetries := s.conf.Int(config.NumRetries, 2)
	for {
		var e toDoEntry
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case e = <-s.toDo:
		}
		var err error
		switch e.msg.Type {
		case master.MsgRegionOpen:
			err = s.openRegion(e.msg.Region)
		case master.MsgRegionClose:
			err = s.closeRegion(e.msg.Region, true)
		case master.MsgRegionCloseWithoutReport:
			err = s.closeRegion(e.msg.Region, false)
		}
		if err == nil {
			continue
		}
		s.log.Warningf("Instruction %s failed (attempt %d): %s", e.msg, e.retries+1, err)
		if e.retries+1 < maxRetries {
			e.retries++
			select {
			case s.toDo <- e:
			default:
				s.log.Errorf("Work queue full, dropping retry of %s", e.msg)
			}
			continue
		}
		s.checkFileSystem()
	}
}

func (s *Server) openRegion(ri *catalog.RegionInfo) error {
	if _, err := s.reg.get(ri.RegionName()); err == nil {
		// Already open; the master repeated itself.
		return nil
	}
	r, err := region.Open(s.rootDir, ri, s.currentLog(), s.conf, s.clock)
	if err != nil {
		return err
	}
	if err := s.reg.add(r); err != nil {
		r.Close(true)
		return err
	}
	s.queueOutbound(master.Msg{Type: master.MsgReportOpen, Region: ri})
	return nil
}

func (s *Server) closeRegion(ri *catalog.RegionInfo, report bool) error {
	r, err := s.reg.remove(ri.RegionName(), false)
	if err != nil {
		return err
	}
	if err := r.Close(false); err != nil {
		return err
	}
	if report {
		s.queueOutbound(master.Msg{Type: master.MsgReportClose, Region: ri})
	}
	return nil
}

func (s *Server) closeAllRegions(abort bool) {
	for _, r := range s.reg.all() {
		if _, err := s.reg.remove(r.Name(), false); err != nil {
			continue
		}
		if err := r.Close(abort); err != nil {
			s.log.Warningf("Error closing %s: %s", r.Name(), err)
		}
	}
}

func (s *Server) queueOutbound(m master.Msg) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.outbound = append(s.outbound, m)
}

func (s *Server) takeOutbound() []master.Msg {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	out := s.outbound
	s.outbound = nil
	return out
}

func (s *Server) requeueOutbound(msgs []master.Msg) {
	if len(msgs) == 0 {
		return
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.outbound = append(msgs, s.outbound...)
}

// flushStep writes out any region whose memcache has outgrown the flush
// size. A dropped snapshot is unrecoverable and aborts the server.
func (s *Server) flushStep() {
	for _, r := range s.reg.all() {
		if !r.NeedsFlush() {
			continue
		}
		if err := r.Flush(); err != nil {
			if status.Reason(err) == region.DroppedSnapshotReason {
				s.log.Errorf("Dropped a snapshot flushing %s, aborting: %s", r.Name(), err)
				s.Abort()
				return
			}
			s.log.Warningf("Flush of %s failed: %s", r.Name(), err)
			s.checkFileSystem()
		}
	}
}

// splitOrCompactStep looks for a region worth splitting, or failing that,
// compacting. One split per step keeps catalog churn bounded.
func (s *Server) splitOrCompactStep() {
	for _, r := range s.reg.all() {
		if splitRow := r.SplitRow(); splitRow != nil {
			if err := s.split(r, splitRow); err != nil {
				s.log.Errorf("Split of %s failed: %s", r.Name(), err)
				s.checkFileSystem()
			}
			return
		}
		if r.NeedsCompaction() {
			if err := r.Compact(); err != nil {
				s.log.Warningf("Compaction of %s failed: %s", r.Name(), err)
				s.checkFileSystem()
			}
		}
	}
}

// split retires a region, records the split in the catalog, opens both
// children locally and tells the master. The parent stays reachable for
// reads until clients re-resolve it.
func (s *Server) split(r *region.Region, splitRow []byte) error {
	parentInfo := r.Info()
	if _, err := s.reg.remove(r.Name(), true); err != nil {
		return err
	}
	childA, childB, err := r.CloseAndSplit(splitRow)
	if err != nil {
		return err
	}

	t, err := s.catalogs.TableFor(parentInfo)
	if err != nil {
		return err
	}
	if err := t.MarkSplit(parentInfo, childA, childB); err != nil {
		return err
	}
	// The children are recorded unassigned and not served here: the master
	// hands them out, possibly to other servers.
	for _, child := range []*catalog.RegionInfo{childA, childB} {
		if err := t.InsertRegion(child); err != nil {
			return err
		}
	}
	s.reg.drop(r.Name())

	s.queueOutbound(master.Msg{Type: master.MsgReportClose, Region: parentInfo})
	s.queueOutbound(master.Msg{Type: master.MsgReportSplit, Region: childA})
	s.queueOutbound(master.Msg{Type: master.MsgReportSplit, Region: childB})
	s.log.Infof("Split %s at %q", parentInfo.RegionName(), splitRow)
	return nil
}

// logRollStep rolls the log when it has accumulated enough entries.
func (s *Server) logRollStep() {
	wlog := s.currentLog()
	if wlog.NumEntries() <= s.conf.Int(config.MaxLogEntries, 30000) {
		return
	}
	if err := wlog.Roll(); err != nil {
		s.log.Errorf("Log roll failed: %s", err)
		s.checkFileSystem()
	}
}

// restartLog deletes the current log and opens a fresh one under a new start
// code. Every region must already be closed: their flushes made the old log
// contents redundant.
func (s *Server) restartLog() error {
	s.wlogMu.Lock()
	defer s.wlogMu.Unlock()
	if err := s.wlog.CloseAndDelete(); err != nil {
		return err
	}
	wlog, err := wal.Open(s.logDir)
	if err != nil {
		return err
	}
	s.wlog = wlog
	s.startCode.Store(s.clock.Now().UnixMilli())
	return nil
}

// checkFileSystem probes the root directory with a write and delete. If the
// filesystem is gone there is nothing useful left to do but abort.
func (s *Server) checkFileSystem() {
	probe := filepath.Join(s.rootDir, fmt.Sprintf(".probe.%d", s.startCode.Load()))
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		s.log.Errorf("Filesystem probe failed, aborting: %s", err)
		s.Abort()
		return
	}
	if err := os.Remove(probe); err != nil {
		s.log.Errorf("Filesystem probe cleanup failed, aborting: %s", err)
		s.Abort()
	}
}

// Stop asks the server to shut down cleanly: regions are flushed and closed,
// the master gets a final exit report, and the log is deleted.
func (s *Server) Stop() {
	if s.stopRequested.Swap(true) {
		return
	}
	close(s.quit)
}

// Abort shuts down without flushing; logged edits will be replayed when the
// regions are reassigned.
func (s *Server) Abort() {
	s.abortRequested.Store(true)
	if !s.stopRequested.Swap(true) {
		close(s.quit)
	}
}

func (s *Server) shutdown(ctx context.Context) {
	s.flusher.Stop()
	s.checker.Stop()
	s.logRoller.Stop()
	s.scanners.closeAll()
	s.leaseMgr.Close()
	if s.eg != nil {
		s.eg.Wait()
	}

	abort := s.abortRequested.Load()
	s.closeAllRegions(abort)
	if abort {
		s.log.Warningf("Aborting: log left in place for replay")
		s.currentLog().Close()
		return
	}

	exitMsgs := append(s.takeOutbound(), master.Msg{Type: master.MsgReportExiting})
	if _, err := s.masterClient.Report(ctx, s.serverInfo(), exitMsgs); err != nil {
		s.log.Warningf("Unable to send exit report: %s", err)
	}
	if err := s.currentLog().CloseAndDelete(); err != nil {
		s.log.Warningf("Unable to delete log: %s", err)
	}
	s.log.Infof("Region server %s exiting", s.address)
}
