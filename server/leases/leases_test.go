package leases_test

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rangestore-io/rangestore/server/leases"
	"github.com/rangestore-io/rangestore/server/util/status"
	"github.com/stretchr/testify/require"
)

type expiryRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (e *expiryRecorder) record(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, id)
}

func (e *expiryRecorder) expired() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ids...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.FailNow(t, "condition never became true")
}

func TestLeaseExpiresWithoutRenewal(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := leases.NewManager(100*time.Millisecond, clock)
	defer m.Close()

	rec := &expiryRecorder{}
	require.NoError(t, m.Create("scanner-1", rec.record))

	// Walk the fake clock past the TTL in sweep-sized steps.
	for i := 0; i < 8; i++ {
		clock.BlockUntil(1)
		clock.Advance(25 * time.Millisecond)
	}
	waitFor(t, func() bool { return len(rec.expired()) == 1 })
	require.Equal(t, []string{"scanner-1"}, rec.expired())
	require.Equal(t, 0, m.Len())
}

func TestRenewKeepsLeaseAlive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := leases.NewManager(100*time.Millisecond, clock)
	defer m.Close()

	rec := &expiryRecorder{}
	require.NoError(t, m.Create("scanner-1", rec.record))

	for i := 0; i < 8; i++ {
		clock.BlockUntil(1)
		clock.Advance(25 * time.Millisecond)
		require.NoError(t, m.Renew("scanner-1"))
	}
	require.Equal(t, 1, m.Len())
	require.Empty(t, rec.expired())
}

func TestCancelSkipsCallback(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := leases.NewManager(100*time.Millisecond, clock)
	defer m.Close()

	rec := &expiryRecorder{}
	require.NoError(t, m.Create("scanner-1", rec.record))
	require.NoError(t, m.Cancel("scanner-1"))

	for i := 0; i < 8; i++ {
		clock.BlockUntil(1)
		clock.Advance(25 * time.Millisecond)
	}
	require.Empty(t, rec.expired())

	err := m.Renew("scanner-1")
	require.True(t, status.IsNotFoundError(err))
}

func TestDuplicateCreateRejected(t *testing.T) {
	m := leases.NewManager(time.Minute, clockwork.NewRealClock())
	defer m.Close()

	require.NoError(t, m.Create("x", nil))
	err := m.Create("x", nil)
	require.True(t, status.IsAlreadyExistsError(err))
}
