package mailbox

import (
	ecmaster "github.com/ethercat-io/ecmaster"
)

// Exchange enqueues d and pumps bm's send/receive cycle until d settles or
// maxCycles is exhausted. It is the blocking entry points' (SDO
// download/upload, IDN read/write, §6.2) direct substitute for being
// driven through the master FSM's injection ring: those entry points are
// documented as "must never be called from a realtime thread" (§5), so
// parking the calling goroutine on its own send/receive pump is equivalent
// in effect and considerably simpler to ground in bm's existing API than
// wiring a synchronous caller through the asynchronous ring.
func Exchange(bm *ecmaster.BusManager, d *ecmaster.Datagram, maxCycles int) error {
	bm.Enqueue(d)
	for i := 0; i < maxCycles; i++ {
		bm.Send()
		bm.Receive()
		switch d.State {
		case ecmaster.StateReceived:
			return nil
		case ecmaster.StateTimedOut, ecmaster.StateError:
			return ecmaster.ErrTimeout
		}
	}
	return ecmaster.ErrTimeout
}
