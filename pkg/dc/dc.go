// Package dc implements the distributed-clock engine: reference-clock
// selection, per-slave system-time offset computation, and ring-topology
// transmission-delay propagation (§4.8).
//
// Grounded on original_source/master/fsm_master.c's PHASE_DC_READ_OFFSET /
// PHASE_DC_MEASURE_DELAYS / WriteSystemTimes state handling — the offset
// and delay arithmetic here reproduces that function's wrap-aware 32-bit
// diff and "only write on change" guard directly; this core runs it as a
// library function the master FSM's ReadDCTimes/MeasureDelays/
// WriteSystemTimes states call into (§4.3), rather than inlining the
// arithmetic into the FSM itself.
package dc

import (
	ecmaster "github.com/ethercat-io/ecmaster"
)

// SlaveClock is one DC-capable slave's clock state: its measured ring
// position, the most recently written offset/delay, and the registers
// the master FSM needs to compare against on each WriteSystemTimes pass
// (§4.8).
type SlaveClock struct {
	Station uint16

	BaseDCSupported bool
	HasSystemTime   bool
	Width64         bool // true if this slave's system time register is 64-bit rather than 32-bit

	// UpstreamPort is the port this slave is reached through from its
	// parent in the ring (§4.8 "upstream_port").
	UpstreamPort int
	// PortDelayNs[p] is the measured propagation delay from this slave's
	// port p to the next slave out (0 if unconnected), populated by a
	// MeasureDelays pass before PropagateTopology runs.
	PortDelayNs [4]uint32
	// NextStation[p] is the station address reached through port p, or 0
	// if nothing is connected there.
	NextStation [4]uint16

	TransmissionDelayNs uint32
	OffsetNs            int64
	PastSafeOp           bool
}

// SelectReferenceClock picks the first DC-capable slave in scan order
// with both base_dc_supported and has_dc_system_time, unless designated
// overrides it (§4.8 "Reference clock selection... first DC-capable
// slave... or an app-designated one"). It returns nil if no slave
// qualifies.
func SelectReferenceClock(slaves []*SlaveClock, designated *SlaveClock) *SlaveClock {
	if designated != nil && designated.BaseDCSupported && designated.HasSystemTime {
		return designated
	}
	for _, s := range slaves {
		if s.BaseDCSupported && s.HasSystemTime {
			return s
		}
	}
	return nil
}

// PropagateTopology walks the ring starting at ref, assigning each
// reachable slave its upstream port and cumulative transmission delay by
// summing port-to-port delays outward from the reference clock (§4.8
// "compute upstream_port, next_slave[port], cumulative transmission_delay
// by walking the ring from the reference clock outward").
func PropagateTopology(ref *SlaveClock, byStation map[uint16]*SlaveClock) {
	if ref == nil {
		return
	}
	ref.TransmissionDelayNs = 0
	visited := map[uint16]bool{ref.Station: true}
	type frame struct {
		slave       *SlaveClock
		cumulative  uint32
	}
	queue := []frame{{ref, 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for port, nextStation := range cur.slave.NextStation {
			if nextStation == 0 || visited[nextStation] {
				continue
			}
			next, ok := byStation[nextStation]
			if !ok {
				continue
			}
			delay := cur.cumulative + cur.slave.PortDelayNs[port]
			next.UpstreamPort = port
			next.TransmissionDelayNs = delay
			visited[nextStation] = true
			queue = append(queue, frame{next, delay})
		}
	}
}

// offsetThresholdNs is the minimum absolute offset drift (§4.8 "if |diff|
// > 1µs") that triggers an offset rewrite rather than keeping the
// previously written value.
const offsetThresholdNs = 1000

// ComputeOffset applies §4.8's offset formula: for a 32-bit system-time
// register, diff is computed on the low 32 bits with wraparound; for a
// 64-bit register the same diff is computed without masking. If |diff|
// exceeds offsetThresholdNs the offset is nudged by diff; otherwise the
// previous offset is kept unchanged. It returns the new offset and
// whether it differs from slave.OffsetNs.
func ComputeOffset(slave *SlaveClock, appTimeSent uint64, systemTime uint64) (newOffset int64, changed bool) {
	var diff int64
	if slave.Width64 {
		diff = int64(appTimeSent - systemTime)
	} else {
		diff = int64(int32(uint32(appTimeSent) - uint32(systemTime)))
	}

	newOffset = slave.OffsetNs
	if diff > offsetThresholdNs || diff < -offsetThresholdNs {
		newOffset = slave.OffsetNs + diff
	}
	return newOffset, newOffset != slave.OffsetNs
}

// WriteDecision is what WriteSystemTimes decided to do for one slave: the
// offset/delay values to write (if Write is true) and whether a filter
// reset write should follow.
type WriteDecision struct {
	Write       bool
	OffsetNs    int64
	DelayNs     uint32
	FilterReset bool
}

// WriteSystemTimes decides, for one slave, whether its offset and delay
// registers are rewritten this cycle, and whether the write is followed
// by a filter-reset write of 0x1000 to register 0x0930 (skipped once the
// slave is past SafeOp) (§4.8). Only the offset is compared: a write is
// decided when ComputeOffset reports a changed offset, and a change in
// TransmissionDelayNs alone does not trigger one.
func WriteSystemTimes(slave *SlaveClock, appTimeSent, systemTime uint64) WriteDecision {
	newOffset, offsetChanged := ComputeOffset(slave, appTimeSent, systemTime)

	decision := WriteDecision{}
	if !offsetChanged {
		return decision
	}
	decision.Write = true
	decision.OffsetNs = newOffset
	decision.DelayNs = slave.TransmissionDelayNs
	decision.FilterReset = !slave.PastSafeOp

	slave.OffsetNs = newOffset
	return decision
}

// FilterResetRegister and FilterResetValue are the register address and
// value a filter-reset write targets after an offset/delay rewrite
// (§4.8 "0x0930 := 0x1000").
const (
	FilterResetRegister uint16 = 0x0930
	FilterResetValue    uint16 = 0x1000
)

// OffsetRegister and DelayRegister are the ESC system-time offset and
// propagation-delay registers WriteSystemTimes writes (EtherCAT ESC
// register map, teacher has no DC registers of its own to mirror since
// CANopen has no distributed-clock concept).
const (
	OffsetRegister uint16 = 0x0920
	DelayRegister  uint16 = 0x0928
)

// SystemTimeRegister is the ESC system-time register the reference-sync
// and slave-sync datagrams exchange (§4.8 "reference-sync datagram
// (FPWR to 0x0910)... slave-sync datagram (FRMW broadcast... to 0x0910)").
const SystemTimeRegister uint16 = 0x0910

// BuildReferenceSyncDatagram prepares the reference clock's own
// system-time write, built once and re-queued every DC cycle rather than
// reallocated (§4.8).
func BuildReferenceSyncDatagram(refStation uint16) (*ecmaster.Datagram, error) {
	d := &ecmaster.Datagram{}
	if err := d.FPWR(refStation, SystemTimeRegister, 8); err != nil {
		return nil, err
	}
	return d, nil
}

// BuildSlaveSyncDatagram prepares the FRMW broadcast that reads the
// reference clock's system time and propagates it to every other slave
// in the same datagram, also built once and re-queued every cycle
// (§4.8).
func BuildSlaveSyncDatagram(refStation uint16) (*ecmaster.Datagram, error) {
	d := &ecmaster.Datagram{}
	if err := d.FRMW(refStation, SystemTimeRegister, 8); err != nil {
		return nil, err
	}
	return d, nil
}
