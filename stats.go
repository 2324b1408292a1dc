package ecmaster

import "sync/atomic"

// Stats accumulates bus-level counters for one device link. It is the
// supplemented "bus statistics snapshot" feature (SPEC_FULL.md §C.1),
// grounded on the teacher's CANModule error counters (bus_manager.go).
type Stats struct {
	Sent        uint64
	Received    uint64
	Timeouts    uint64
	Unmatched   uint64
	Corrupted   uint64
	LostFrames  uint64
	WkcMismatch uint64
}

func (s *Stats) incSent(n uint64)        { atomic.AddUint64(&s.Sent, n) }
func (s *Stats) incReceived(n uint64)    { atomic.AddUint64(&s.Received, n) }
func (s *Stats) incTimeouts()            { atomic.AddUint64(&s.Timeouts, 1) }
func (s *Stats) incUnmatched()           { atomic.AddUint64(&s.Unmatched, 1) }
func (s *Stats) incCorrupted()           { atomic.AddUint64(&s.Corrupted, 1) }
func (s *Stats) incLostFrames()          { atomic.AddUint64(&s.LostFrames, 1) }
func (s *Stats) incWkcMismatch()         { atomic.AddUint64(&s.WkcMismatch, 1) }

// Snapshot returns a copy safe to read without racing the realtime path.
func (s *Stats) Snapshot() Stats {
	return Stats{
		Sent:        atomic.LoadUint64(&s.Sent),
		Received:    atomic.LoadUint64(&s.Received),
		Timeouts:    atomic.LoadUint64(&s.Timeouts),
		Unmatched:   atomic.LoadUint64(&s.Unmatched),
		Corrupted:   atomic.LoadUint64(&s.Corrupted),
		LostFrames:  atomic.LoadUint64(&s.LostFrames),
		WkcMismatch: atomic.LoadUint64(&s.WkcMismatch),
	}
}
