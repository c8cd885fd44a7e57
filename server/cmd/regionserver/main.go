// The regionserver binary runs one region server in standalone mode: an
// in-process master assigns it the root and meta regions and it serves from
// the configured root directory. It also fronts the offline merge tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/rangestore-io/rangestore/server/catalog"
	"github.com/rangestore-io/rangestore/server/config"
	"github.com/rangestore-io/rangestore/server/master"
	"github.com/rangestore-io/rangestore/server/merger"
	"github.com/rangestore-io/rangestore/server/regionserver"
	"github.com/rangestore-io/rangestore/server/util/log"
)

func main() {
	flag.Parse()
	if err := log.Configure(); err != nil {
		fmt.Fprintf(os.Stderr, "could not configure logging: %s\n", err)
		os.Exit(1)
	}
	conf, err := config.Load()
	if err != nil {
		log.Fatalf("Could not load configuration: %s", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsageAndExit()
	}
	switch args[0] {
	case "start":
		runServer(conf)
	case "stop":
		fmt.Fprintln(os.Stderr, "To shut down a running server, send it SIGTERM.")
		os.Exit(1)
	case "merge":
		if len(args) != 2 {
			printUsageAndExit()
		}
		runMerge(conf, args[1])
	default:
		printUsageAndExit()
	}
}

func printUsageAndExit() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] start | merge <table>\n", os.Args[0])
	os.Exit(1)
}

func runServer(conf *config.Config) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := regionserver.New(conf, &standaloneMaster{}, nil, clockwork.NewRealClock())
	if err != nil {
		log.Fatalf("Could not start region server: %s", err)
	}
	go func() {
		<-ctx.Done()
		log.Info("Shutdown signal received")
		s.Stop()
	}()
	if err := s.Run(context.Background()); err != nil {
		log.Fatalf("Region server exited with error: %s", err)
	}
}

func runMerge(conf *config.Config, tableName string) {
	m, err := merger.New(conf, clockwork.NewRealClock())
	if err != nil {
		log.Fatalf("Could not start merger: %s", err)
	}
	defer m.Close()
	if err := m.MergeTable(tableName); err != nil {
		log.Fatalf("Merge of %s failed: %s", tableName, err)
	}
}

// standaloneMaster stands in for a cluster master when running a single
// node: it accepts the handshake and assigns the two catalog regions on the
// first beat.
type standaloneMaster struct {
	mu       sync.Mutex
	assigned bool
}

func (m *standaloneMaster) Startup(ctx context.Context, info master.ServerInfo) (map[string]string, error) {
	log.Infof("Server %s (start code %d) reported for duty", info.Address, info.StartCode)
	return nil, nil
}

func (m *standaloneMaster) Report(ctx context.Context, info master.ServerInfo, outbound []master.Msg) ([]master.Msg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var instructions []master.Msg
	for _, msg := range outbound {
		log.Infof("Server report: %s", msg)
		// Split children are reported unassigned; with only one server,
		// assign them right back.
		if msg.Type == master.MsgReportSplit {
			instructions = append(instructions, master.Msg{Type: master.MsgRegionOpen, Region: msg.Region})
		}
	}
	if !m.assigned {
		m.assigned = true
		instructions = append(instructions,
			master.Msg{Type: master.MsgRegionOpen, Region: catalog.RootRegionDescriptor},
			master.Msg{Type: master.MsgRegionOpen, Region: catalog.FirstMetaRegionDescriptor},
		)
	}
	return instructions, nil
}
