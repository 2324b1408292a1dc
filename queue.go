package ecmaster

import (
	log "github.com/sirupsen/logrus"
)

// FrameTransport is the device-binding collaborator the frame assembler
// drives: one or two Ethernet devices (main + optional backup), each with
// its own link state (§4.2, component "Device binding"). Implemented by
// package device, whose Binding hands each frame straight to its link
// without a TX ring of its own.
type FrameTransport interface {
	NumDevices() int
	SendFrame(deviceIndex int, payload []byte) error
	ReceiveFrame(deviceIndex int) ([]byte, error)
	LinkUp(deviceIndex int) bool
}

// BusManager is the datagram pipeline: queueing, index allocation, frame
// assembly, response matching and timeout handling (§4.2). It is embedded
// by higher layers (master, mailbox) the same way the teacher's
// CANModule/BusManager is embedded by Node and Network.
type BusManager struct {
	transport FrameTransport
	clock     Clock
	stats     []*Stats
	warn      *rateLimiter

	queue  []*Datagram
	cursor uint8

	ioTimeoutUs uint64
}

func NewBusManager(transport FrameTransport, clock Clock) *BusManager {
	n := transport.NumDevices()
	stats := make([]*Stats, n)
	for i := range stats {
		stats[i] = &Stats{}
	}
	return &BusManager{
		transport:   transport,
		clock:       clock,
		stats:       stats,
		warn:        newRateLimiter(clock, 1_000_000),
		ioTimeoutUs: IOTimeoutUs,
	}
}

func (bm *BusManager) SetTimeout(us uint64) { bm.ioTimeoutUs = us }

func (bm *BusManager) Stats(deviceIndex int) Stats { return bm.stats[deviceIndex].Snapshot() }

func (bm *BusManager) LinkUp(deviceIndex int) bool { return bm.transport.LinkUp(deviceIndex) }

func (bm *BusManager) NumDevices() int { return bm.transport.NumDevices() }

// Enqueue appends a datagram to the send queue in FIFO order (§5 ordering
// guarantees). The caller retains ownership of d; it must not be reused
// until its state leaves Sent.
func (bm *BusManager) Enqueue(d *Datagram) {
	d.State = StateQueued
	bm.queue = append(bm.queue, d)
}

// nextFreeIndex scans from the rolling cursor for a byte value not
// currently held by any Sent datagram in the queue, nor by any datagram in
// pending (already packed into the frame being built) (§4.2 step 2).
func (bm *BusManager) nextFreeIndex(pending []*Datagram) (uint8, bool) {
	inFlight := make(map[uint8]bool, len(bm.queue))
	for _, d := range bm.queue {
		if d.State == StateSent {
			inFlight[d.Index] = true
		}
	}
	for _, d := range pending {
		inFlight[d.Index] = true
	}
	if len(inFlight) >= 256 {
		return 0, false
	}
	idx := bm.cursor
	for i := 0; i < 256; i++ {
		if !inFlight[idx] {
			bm.cursor = idx + 1
			return idx, true
		}
		idx++
	}
	return 0, false
}

// Send drains the datagram queue to the device(s), bounded by TxRingSize
// frames per call (§4.2). It returns the number of datagrams transitioned
// to Sent.
func (bm *BusManager) Send() int {
	sent := 0
	for deviceIndex := 0; deviceIndex < bm.transport.NumDevices(); deviceIndex++ {
		sent += bm.sendDevice(deviceIndex)
	}
	return sent
}

func (bm *BusManager) sendDevice(deviceIndex int) int {
	sentTotal := 0
	framesEmitted := 0

	// Candidates still Queued for this device, in FIFO order (§4.2 step 1).
	var candidates []*Datagram
	for _, d := range bm.queue {
		if d.State == StateQueued && d.DeviceIndex == deviceIndex {
			candidates = append(candidates, d)
		}
	}

	pos := 0
	for pos < len(candidates) && framesEmitted < TxRingSize {
		frameSize := FrameHeaderSize
		var packed []*Datagram

		for pos < len(candidates) {
			d := candidates[pos]
			next := frameSize + DatagramHeaderSize + d.Size + WorkingCounterSize
			if len(packed) > 0 && next > MaxDatagramFillSize {
				break
			}
			idx, ok := bm.nextFreeIndex(packed)
			if !ok {
				// All 256 indices in flight: stop packing entirely (§4.2 step 2).
				goto flushFrame
			}
			d.Index = idx
			packed = append(packed, d)
			frameSize = next
			pos++
		}

	flushFrame:
		if len(packed) == 0 {
			break
		}
		payload := assembleFrame(packed)
		if err := bm.transport.SendFrame(deviceIndex, payload); err != nil {
			log.WithError(err).Warnf("[DG] send failed on device %d", deviceIndex)
			bm.stats[deviceIndex].incLostFrames()
			for _, d := range packed {
				d.State = StateQueued
			}
			break
		}
		now := bm.clock.NowUs()
		for _, d := range packed {
			d.SendTimeUs = now
			d.State = StateSent
		}
		bm.stats[deviceIndex].incSent(uint64(len(packed)))
		sentTotal += len(packed)
		framesEmitted++
		if pos >= len(candidates) {
			break
		}
	}
	return sentTotal
}

// assembleFrame packs datagrams into one EtherCAT frame body (after the
// Ethernet header, which the device-binding layer prepends), setting the
// more-follows bit on every datagram but the last, and padding to the
// Ethernet minimum (§4.1, §6.1).
func assembleFrame(datagrams []*Datagram) []byte {
	length := DatagramHeaderSize*0
	for _, d := range datagrams {
		length += DatagramHeaderSize + d.Size + WorkingCounterSize
	}
	total := FrameHeaderSize + length
	if total < MinFramePayload {
		total = MinFramePayload
	}
	buf := make([]byte, total)

	ecatLen := uint16(length) & 0x07FF
	header := ecatLen | (uint16(1) << 12) // type = 1 (EtherCAT)
	Buffer(buf).WriteU16(0, header)

	offset := FrameHeaderSize
	for i, d := range datagrams {
		Buffer(buf).WriteU8(offset, uint8(d.Command))
		Buffer(buf).WriteU8(offset+1, d.Index)
		Buffer(buf).WriteU32(offset+2, d.Address)
		lenField := uint16(d.Size) & 0x07FF
		more := i != len(datagrams)-1
		if more {
			lenField |= 1 << 15
		}
		Buffer(buf).WriteU16(offset+6, lenField)
		Buffer(buf).WriteU16(offset+8, 0) // interrupt, unused by the core
		copy(buf[offset+DatagramHeaderSize:], d.payload)
		wkcOff := offset + DatagramHeaderSize + d.Size
		Buffer(buf).WriteU16(wkcOff, 0)
		offset = wkcOff + WorkingCounterSize
	}
	return buf
}

// parsedDatagram is one decoded datagram view inside a received frame.
type parsedDatagram struct {
	cmd     Command
	index   uint8
	addr    uint32
	size    int
	payload []byte
	wkc     uint16
	more    bool
}

func parseFrame(buf []byte) ([]parsedDatagram, error) {
	if len(buf) < FrameHeaderSize {
		return nil, ErrIllegalArgument
	}
	header := Buffer(buf).U16(0)
	declaredLen := int(header & 0x07FF)
	offset := FrameHeaderSize
	var out []parsedDatagram
	for offset+DatagramHeaderSize <= len(buf) {
		cmd := Command(buf[offset])
		index := buf[offset+1]
		addr := Buffer(buf).U32(offset + 2)
		lenField := Buffer(buf).U16(offset + 6)
		size := int(lenField & 0x07FF)
		more := lenField&(1<<15) != 0
		payloadStart := offset + DatagramHeaderSize
		payloadEnd := payloadStart + size
		if payloadEnd+WorkingCounterSize > len(buf) {
			return out, ErrIllegalArgument
		}
		wkc := Buffer(buf).U16(payloadEnd)
		out = append(out, parsedDatagram{cmd, index, addr, size, buf[payloadStart:payloadEnd], wkc, more})
		offset = payloadEnd + WorkingCounterSize
		if !more {
			break
		}
	}
	if offset-FrameHeaderSize != declaredLen {
		return out, ErrIllegalArgument
	}
	return out, nil
}

// Receive polls the device(s) for frames, matches each received datagram
// back to its queued counterpart by (type, index, size) and applies
// timeouts to stale Sent datagrams (§4.2).
func (bm *BusManager) Receive() {
	now := bm.clock.NowUs()

	for deviceIndex := 0; deviceIndex < bm.transport.NumDevices(); deviceIndex++ {
		for {
			raw, err := bm.transport.ReceiveFrame(deviceIndex)
			if err != nil {
				if bm.warn.allow("recv-error") {
					log.WithError(err).Warnf("[DG] receive error on device %d", deviceIndex)
				}
				break
			}
			if raw == nil {
				break
			}
			parsed, perr := parseFrame(raw)
			if perr != nil {
				bm.stats[deviceIndex].incCorrupted()
				if bm.warn.allow("corrupted") {
					log.Warnf("[DG] corrupted frame on device %d: %v", deviceIndex, perr)
				}
			}
			bm.stats[deviceIndex].incReceived(uint64(len(parsed)))
			for _, p := range parsed {
				bm.matchOne(deviceIndex, p)
			}
		}
	}

	bm.applyTimeouts(now)
}

func (bm *BusManager) matchOne(deviceIndex int, p parsedDatagram) {
	for _, d := range bm.queue {
		if d.State != StateSent {
			continue
		}
		if d.DeviceIndex != deviceIndex || d.Command != p.cmd || d.Index != p.index || d.Size != p.size {
			continue
		}
		copy(d.payload, p.payload)
		d.WorkingCtr = p.wkc
		d.RecvTimeUs = bm.clock.NowUs()
		d.State = StateReceived
		return
	}
	bm.stats[deviceIndex].incUnmatched()
	if bm.warn.allow("unmatched") {
		log.Warnf("[DG] unmatched response: %s idx=x%02x size=%d on device %d", p.cmd, p.index, p.size, deviceIndex)
	}
}

// applyTimeouts removes any Sent datagram older than ioTimeoutUs,
// transitioning it to TimedOut and unlinking it from the queue (§4.2, §5).
func (bm *BusManager) applyTimeouts(now uint64) {
	kept := bm.queue[:0]
	for _, d := range bm.queue {
		if d.State == StateSent && now-d.SendTimeUs >= bm.ioTimeoutUs {
			d.State = StateTimedOut
			bm.stats[d.DeviceIndex].incTimeouts()
			if bm.warn.allow("timeout") {
				log.Warnf("[DG] datagram timed out: %s idx=x%02x", d.Command, d.Index)
			}
			continue
		}
		if d.State == StateReceived || d.State == StateTimedOut || d.State == StateError {
			continue
		}
		kept = append(kept, d)
	}
	bm.queue = kept
}

// QueueLen reports how many datagrams are still linked in the queue
// (Receive unlinks Received, TimedOut and Error ones). Exposed for tests.
func (bm *BusManager) QueueLen() int { return len(bm.queue) }
