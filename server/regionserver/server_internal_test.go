package regionserver

import (
	"context"
	"flag"
	"os"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/rangestore-io/rangestore/server/config"
	"github.com/rangestore-io/rangestore/server/master"
	"github.com/rangestore-io/rangestore/server/util/status"
	"github.com/stretchr/testify/require"
)

type noopMaster struct{}

func (noopMaster) Startup(ctx context.Context, info master.ServerInfo) (map[string]string, error) {
	return nil, nil
}

func (noopMaster) Report(ctx context.Context, info master.ServerInfo, outbound []master.Msg) ([]master.Msg, error) {
	return nil, nil
}

func TestIoErrorProbesFilesystem(t *testing.T) {
	conf := config.New()
	rootDir := t.TempDir()
	conf.Set(config.RootDir, rootDir)
	s, err := New(conf, noopMaster{}, nil, clockwork.NewRealClock())
	require.NoError(t, err)
	defer s.currentLog().Close()
	defer s.leaseMgr.Close()

	// Routine outcomes never probe anything.
	s.observe("Get", nil)
	s.observe("Get", status.NotFoundError("no such region"))
	require.False(t, s.abortRequested.Load())

	// An Io failure probes the filesystem; with the root gone, the probe
	// fails and the server gives up.
	require.NoError(t, os.RemoveAll(rootDir))
	s.observe("Get", status.UnavailableError("disk gone"))
	require.True(t, s.abortRequested.Load())
}

func TestBindFlagOverridesConfiguredAddress(t *testing.T) {
	require.NoError(t, flag.Set("bind", "127.0.0.1:6100"))
	defer flag.Set("bind", "")

	conf := config.New()
	conf.Set(config.RootDir, t.TempDir())
	s, err := New(conf, noopMaster{}, nil, clockwork.NewRealClock())
	require.NoError(t, err)
	defer s.currentLog().Close()
	defer s.leaseMgr.Close()
	require.Equal(t, "127.0.0.1:6100", s.address)
}
