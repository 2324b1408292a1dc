// Package runtimeloop drives the master's two cooperating threads (§5):
// a bus driver thread that advances the master/slave FSMs every cycle,
// and — in Idle phase only — owns send()/receive() itself; in Operation
// phase the application thread owns send()/receive()/domain_process()/
// domain_queue() and the bus driver thread only steps FSMs; their injected
// datagrams are merged into the queue by ApplicationCycle.
//
// Grounded on the teacher's pkg/node.NodeProcessor: a context-cancellable
// goroutine pair driven by a time.Ticker, started with Start(ctx) and
// joined with Wait() (controller.go's background()/main()/Start()/Stop()/
// Wait() idiom, generalized from CANopen's SYNC/PDO/main split to this
// core's Idle/Operation split).
package runtimeloop

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ethercat-io/ecmaster/pkg/masterfsm"
)

// defaultPeriod matches §6.2's realtime cycle default (§5 thread 2,
// "at a configurable period (default 1 ms)").
const defaultPeriod = time.Millisecond

// Driver runs the master's bus driver thread for one Master, either
// pumping send/receive itself (Idle phase) or only stepping FSMs
// (Operation phase, where the application thread owns I/O).
type Driver struct {
	master *masterfsm.Master
	period time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDriver builds a driver for m with the given cycle period; period <= 0
// falls back to defaultPeriod.
func NewDriver(m *masterfsm.Master, period time.Duration) *Driver {
	if period <= 0 {
		period = defaultPeriod
	}
	return &Driver{master: m, period: period}
}

// Start launches the bus driver thread in its own goroutine. Call Stop to
// request shutdown and Wait to block until it has exited.
func (d *Driver) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
}

// Stop requests the driver thread to exit; Wait still must be called to
// observe it actually having stopped.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// Wait blocks until the driver thread has exited.
func (d *Driver) Wait() { d.wg.Wait() }

func (d *Driver) run(ctx context.Context) {
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()
	log.Info("[RT] starting master bus driver thread")
	for {
		select {
		case <-ctx.Done():
			log.Info("[RT] exited master bus driver thread")
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

// tick runs exactly one cooperative cycle: in Idle phase the driver owns
// send/receive itself, draining the injection ring first; in Operation
// phase it only steps FSMs, leaving the ring drain and send/receive to the
// application thread's own cycle (§5 "in Operation the application owns send/receive
// and this thread only advances FSMs and injects datagrams").
func (d *Driver) tick() {
	m := d.master
	bm := m.Bus()
	if bm == nil {
		return
	}

	if m.Phase == masterfsm.PhaseIdle {
		m.Ring.Drain(bm)
		bm.Send()
		bm.Receive()
	}

	if _, err := m.FSM.Step(); err != nil {
		log.WithError(err).Warn("[RT] master FSM step failed")
	}
}

// ApplicationCycle is what the realtime application thread calls once per
// period in Operation phase: send, receive, then let the caller run
// domain_process()/domain_queue() around it (§6.2 "Per cycle, application
// calls... send, then later receive, domain_process, domain_queue").
// masterfsm.Master.Ring is drained first so FSM-injected datagrams are
// merged deterministically ahead of process-data (§5 ordering guarantee).
func ApplicationCycle(m *masterfsm.Master) {
	bm := m.Bus()
	if bm == nil {
		return
	}
	m.Ring.Drain(bm)
	bm.Send()
	bm.Receive()
}
