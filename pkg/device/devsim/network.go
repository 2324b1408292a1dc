// Package devsim is a pure-Go, in-memory EtherCAT segment used by tests:
// a ring of simulated slaves plus a loopback device.Link, so the
// datagram pipeline, domain engine and mailbox FSMs can be exercised
// without a NIC or real hardware. It plays the same role in this module's
// test suite that the teacher's pkg/can/virtual bus plays for SDO/PDO
// tests (SPEC_FULL.md §A.4), though the wire transport here is simulated
// in-process rather than over a TCP broker.
package devsim

import (
	ecmaster "github.com/ethercat-io/ecmaster"
)

// Slave is a minimal simulated EtherCAT slave: a flat register/memory
// space addressed the way a real ESC is (station address + 16-bit
// offset), plus a ring position used for auto-increment addressing.
type Slave struct {
	Station  uint16
	RingPos  uint8
	Online   bool
	Mem      [4096]byte
	ALStatus uint16
}

func NewSlave(station uint16, ringPos uint8) *Slave {
	return &Slave{Station: station, RingPos: ringPos, Online: true, ALStatus: 0x01} // Init
}

// Network is a simulated segment: an ordered ring of slaves plus a shared
// logical process-data image, standing in for the physical wire between
// the device binding and the real ESCs.
type Network struct {
	Slaves []*Slave

	// LogicalImage backs LRD/LWR/LRW; real hardware splits this across
	// each slave's FMMU-mapped memory, but one flat buffer is enough for a
	// loopback test double (§4.5 callers only care about the read/write/
	// exchange contract, not physical backing). Logical addresses are
	// taken modulo its size.
	LogicalImage [8192]byte

	// LogicalWkc is the working counter every logical-addressed exchange
	// reports; tests set this to the slave count they expect the domain
	// engine to match against (§4.5 "expected WKC").
	LogicalWkc uint16
}

func NewNetwork(slaveCount int) *Network {
	n := &Network{}
	for i := 0; i < slaveCount; i++ {
		n.Slaves = append(n.Slaves, NewSlave(0x1000+uint16(i), uint8(i)))
		n.LogicalWkc++
	}
	return n
}

func (n *Network) slaveByStation(station uint16) *Slave {
	for _, s := range n.Slaves {
		if s.Station == station {
			return s
		}
	}
	return nil
}

func (n *Network) slaveByRingPos(ringPos uint8) *Slave {
	for _, s := range n.Slaves {
		if s.RingPos == ringPos && s.Online {
			return s
		}
	}
	return nil
}

// Process decodes one raw EtherCAT frame, applies every datagram it
// contains to the simulated ring and returns the response frame with
// payloads and working counters filled in. The wire layout mirrors
// assembleFrame/parseFrame in the root package; it is re-implemented here
// rather than imported because those helpers are package-private to the
// datagram pipeline.
func (n *Network) Process(frame []byte) []byte {
	out := make([]byte, len(frame))
	copy(out, frame)

	offset := ecmaster.FrameHeaderSize
	for offset+ecmaster.DatagramHeaderSize <= len(out) {
		cmd := ecmaster.Command(out[offset])
		addr := ecmaster.Buffer(out).U32(offset + 2)
		lenField := ecmaster.Buffer(out).U16(offset + 6)
		size := int(lenField & 0x07FF)
		more := lenField&(1<<15) != 0

		payloadStart := offset + ecmaster.DatagramHeaderSize
		payloadEnd := payloadStart + size
		if payloadEnd+ecmaster.WorkingCounterSize > len(out) {
			break
		}
		payload := out[payloadStart:payloadEnd]
		wkcOff := payloadEnd

		wkc := n.apply(cmd, addr, payload)
		ecmaster.Buffer(out).WriteU16(wkcOff, wkc)

		offset = wkcOff + ecmaster.WorkingCounterSize
		if !more {
			break
		}
	}
	return out
}

func (n *Network) apply(cmd ecmaster.Command, addr uint32, payload []byte) uint16 {
	lowWord := uint16(addr)
	highWord := uint16(addr >> 16)
	logical := addr % uint32(len(n.LogicalImage))

	switch cmd {
	case ecmaster.CmdBRD:
		var wkc uint16
		for _, s := range n.Slaves {
			if !s.Online {
				continue
			}
			for i := range payload {
				payload[i] |= s.Mem[int(highWord)+i]
			}
			wkc++
		}
		return wkc

	case ecmaster.CmdBWR:
		var wkc uint16
		for _, s := range n.Slaves {
			if !s.Online {
				continue
			}
			copy(s.Mem[int(highWord):], payload)
			wkc++
		}
		return wkc

	case ecmaster.CmdAPRD, ecmaster.CmdAPWR:
		ringPos := uint8(-int16(lowWord))
		s := n.slaveByRingPos(ringPos)
		if s == nil {
			return 0
		}
		if cmd == ecmaster.CmdAPRD {
			copy(payload, s.Mem[int(highWord):])
		} else {
			copy(s.Mem[int(highWord):], payload)
		}
		return 1

	case ecmaster.CmdFPRD, ecmaster.CmdFPWR, ecmaster.CmdFRMW:
		s := n.slaveByStation(lowWord)
		if s == nil || !s.Online {
			return 0
		}
		switch cmd {
		case ecmaster.CmdFPRD:
			copy(payload, s.Mem[int(highWord):])
			return 1
		case ecmaster.CmdFPWR:
			copy(s.Mem[int(highWord):], payload)
			return 1
		default: // FRMW: read target, then propagate to every later slave in the ring
			copy(payload, s.Mem[int(highWord):])
			var wkc uint16 = 1
			for _, other := range n.Slaves {
				if other.RingPos > s.RingPos && other.Online {
					copy(other.Mem[int(highWord):], payload)
					wkc++
				}
			}
			return wkc
		}

	case ecmaster.CmdLRD:
		copy(payload, n.LogicalImage[logical:])
		return n.LogicalWkc

	case ecmaster.CmdLWR:
		copy(n.LogicalImage[logical:], payload)
		return n.LogicalWkc

	case ecmaster.CmdLRW:
		// Exchange semantics: return what was previously there, then store
		// the master's outgoing values, approximating the real ESC's
		// separate input/output sub-images with one shared buffer.
		prev := make([]byte, len(payload))
		copy(prev, n.LogicalImage[logical:])
		copy(n.LogicalImage[logical:], payload)
		copy(payload, prev)
		return n.LogicalWkc

	default:
		return 0
	}
}
