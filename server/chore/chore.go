// Package chore runs a named background task on a fixed period.
package chore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rangestore-io/rangestore/server/util/log"
)

// Chore calls step every period until stopped. A step that panics takes the
// process down; steps are expected to handle their own errors.
type Chore struct {
	name   string
	period time.Duration
	clock  clockwork.Clock
	step   func()
	log    log.Logger

	stopped atomic.Bool
	quit    chan struct{}
	done    chan struct{}
	// Held while a step runs, so Stop can wait out an in-flight step.
	stepMu sync.Mutex
}

func New(name string, period time.Duration, clock clockwork.Clock, step func()) *Chore {
	return &Chore{
		name:   name,
		period: period,
		clock:  clock,
		step:   step,
		log:    log.NamedSubLogger("chore " + name),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the chore's goroutine. The first step runs after one full
// period, not immediately.
func (c *Chore) Start() {
	go c.loop()
}

func (c *Chore) loop() {
	defer close(c.done)
	c.log.Debugf("Chore %s starting, period %s", c.name, c.period)
	for {
		select {
		case <-c.quit:
			c.log.Debugf("Chore %s exiting", c.name)
			return
		case <-c.clock.After(c.period):
			if c.stopped.Load() {
				continue
			}
			c.stepMu.Lock()
			c.step()
			c.stepMu.Unlock()
		}
	}
}

// TriggerNow runs one step immediately on the caller's goroutine, serialized
// against the periodic steps.
func (c *Chore) TriggerNow() {
	if c.stopped.Load() {
		return
	}
	c.stepMu.Lock()
	defer c.stepMu.Unlock()
	c.step()
}

// Stop halts the chore and waits for any in-flight step to finish. Safe to
// call more than once.
func (c *Chore) Stop() {
	if c.stopped.Swap(true) {
		return
	}
	close(c.quit)
	c.stepMu.Lock()
	c.stepMu.Unlock()
	<-c.done
}
