// Package masterfsm implements bus-wide orchestration: the top-level
// Master data model, the Master FSM's Start→...→ReadALStatus state table,
// and the bounded injection ring the master/slave FSMs use to hand
// datagrams to the realtime thread (§3 "Master", §4.3, §5).
//
// Grounded on original_source/master/fsm_master.c (state table, ring
// topology phases) and on the teacher's pkg/network.NodeProcessor for the
// single-threaded cooperative-FSM-stepping idiom this package follows.
package masterfsm

import ecmaster "github.com/ethercat-io/ecmaster"

// ringSize is the injection ring's fixed capacity (§3 "pre-allocated
// injection ring (size = 32 datagrams)").
const ringSize = 32

// Ring is a bounded single-producer single-consumer queue of datagrams
// from the FSM thread to the realtime thread (§5 "lock-free SPSC between
// FSM thread and realtime thread"). It is not goroutine-safe against
// concurrent producers or concurrent consumers — only one of each.
type Ring struct {
	buf   [ringSize]*ecmaster.Datagram
	head  int // next slot to consume
	tail  int // next slot to produce into
	count int
}

func NewRing() *Ring { return &Ring{} }

// Push enqueues d, returning ErrInjectionRingFull if the ring has no free
// slot (§7 "Out of resources... external-ring full").
func (r *Ring) Push(d *ecmaster.Datagram) error {
	if r.count == ringSize {
		return ecmaster.ErrInjectionRingFull
	}
	r.buf[r.tail] = d
	r.tail = (r.tail + 1) % ringSize
	r.count++
	return nil
}

// Pop dequeues the oldest datagram, or returns (nil, false) if empty.
func (r *Ring) Pop() (*ecmaster.Datagram, bool) {
	if r.count == 0 {
		return nil, false
	}
	d := r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % ringSize
	r.count--
	return d, true
}

func (r *Ring) Len() int { return r.count }

// Drain merges every queued datagram into bm in FIFO order, matching
// §5's "FSM-injected datagrams are placed on a separate injection ring
// and merged into the queue by the realtime thread at the start of
// send()".
func (r *Ring) Drain(bm *ecmaster.BusManager) int {
	n := 0
	for {
		d, ok := r.Pop()
		if !ok {
			break
		}
		bm.Enqueue(d)
		n++
	}
	return n
}
