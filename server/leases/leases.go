// Package leases tracks client-held leases (scanner handles, mostly) and
// expires the ones that stop being renewed.
package leases

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rangestore-io/rangestore/server/metrics"
	"github.com/rangestore-io/rangestore/server/util/log"
	"github.com/rangestore-io/rangestore/server/util/status"
)

// ExpireFunc runs when a lease times out. Callbacks run one at a time from
// the manager's own goroutine, after the lease is already gone, so they may
// call back into the manager freely.
type ExpireFunc func(id string)

type lease struct {
	id       string
	deadline time.Time
	onExpire ExpireFunc
}

// Manager expires leases that outlive their TTL without a renewal.
type Manager struct {
	ttl   time.Duration
	clock clockwork.Clock
	log   log.Logger

	mu     sync.Mutex // PROTECTS(leases, closed)
	leases map[string]*lease
	closed bool
	quit   chan struct{}
	done   chan struct{}
}

// NewManager starts a manager whose leases last ttl from creation or last
// renewal. The expiry sweep runs every ttl/4, bounded below at 10ms so fake
// clocks in tests stay responsive.
func NewManager(ttl time.Duration, clock clockwork.Clock) *Manager {
	m := &Manager{
		ttl:    ttl,
		clock:  clock,
		log:    log.NamedSubLogger("leases"),
		leases: make(map[string]*lease),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Manager) sweepInterval() time.Duration {
	ivl := m.ttl / 4
	if ivl < 10*time.Millisecond {
		ivl = 10 * time.Millisecond
	}
	return ivl
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			return
		case <-m.clock.After(m.sweepInterval()):
			for _, l := range m.expiredLeases() {
				m.log.Debugf("Lease %q expired", l.id)
				metrics.ScannerLeasesExpired.Inc()
				if l.onExpire != nil {
					l.onExpire(l.id)
				}
			}
		}
	}
}

func (m *Manager) expiredLeases() []*lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var expired []*lease
	for id, l := range m.leases {
		if now.After(l.deadline) {
			expired = append(expired, l)
			delete(m.leases, id)
		}
	}
	return expired
}

// Create registers a lease. Creating an id that already exists is a bug in
// the caller and returns AlreadyExists.
func (m *Manager) Create(id string, onExpire ExpireFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return status.FailedPreconditionError("lease manager is closed")
	}
	if _, ok := m.leases[id]; ok {
		return status.AlreadyExistsErrorf("lease %q already exists", id)
	}
	m.leases[id] = &lease{
		id:       id,
		deadline: m.clock.Now().Add(m.ttl),
		onExpire: onExpire,
	}
	return nil
}

// Renew pushes the lease's deadline out by a full TTL.
func (m *Manager) Renew(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[id]
	if !ok {
		return status.NotFoundErrorf("lease %q expired or was never created", id)
	}
	l.deadline = m.clock.Now().Add(m.ttl)
	return nil
}

// Cancel removes a lease without firing its expiry callback.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.leases[id]; !ok {
		return status.NotFoundErrorf("lease %q expired or was never created", id)
	}
	delete(m.leases, id)
	return nil
}

// Len returns the number of live leases.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// Close stops the sweep goroutine. Remaining leases are dropped without
// their callbacks.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.leases = make(map[string]*lease)
	m.mu.Unlock()
	close(m.quit)
	<-m.done
}
