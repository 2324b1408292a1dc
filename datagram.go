package ecmaster

import "fmt"

// State is a datagram's lifecycle state (§3).
type State uint8

const (
	StateInit State = iota
	StateQueued
	StateSent
	StateReceived
	StateTimedOut
	StateError
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateQueued:
		return "Queued"
	case StateSent:
		return "Sent"
	case StateReceived:
		return "Received"
	case StateTimedOut:
		return "TimedOut"
	case StateError:
		return "Error"
	case StateInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// Datagram is one EtherCAT command: framing, queueing, index allocation,
// matching and timeout all operate on this type (§3, §4.1).
//
// A Datagram is owned by its creator (an FSM, a domain-pair, or an
// application request) exactly once; the queue never takes ownership of
// the payload buffer, only of the linkage needed to track it in flight.
type Datagram struct {
	Command Command
	Address uint32
	// DeviceIndex selects which configured device (0 = main, 1 = backup)
	// this datagram travels on; the assembler only packs datagrams whose
	// DeviceIndex matches the device it is currently servicing (§4.2 step 1).
	DeviceIndex int

	payload     []byte
	external    bool
	Size        int
	WorkingCtr  uint16
	Index       uint8
	State       State
	SendTimeUs  uint64
	RecvTimeUs  uint64

	// Name aids log messages and debugging; it is not part of the wire
	// format.
	Name string
}

// Init sets up a raw datagram with a fresh owned buffer of the given size.
func (d *Datagram) Init(cmd Command, addr uint32, size int) error {
	d.Command = cmd
	d.Address = addr
	d.State = StateInit
	d.WorkingCtr = 0
	return d.Preallocate(size)
}

// Preallocate reserves an owned payload buffer of the given size (§4.1).
// A datagram already borrowing an external buffer of at least size bytes
// keeps that buffer, and its Size is left unchanged.
func (d *Datagram) Preallocate(size int) error {
	if size < 0 {
		return ErrIllegalArgument
	}
	if d.external && len(d.payload) >= size {
		return nil
	}
	d.payload = make([]byte, size)
	d.external = false
	d.Size = size
	return nil
}

// ExternalBuffer borrows a buffer instead of owning one — used for domain
// process-data, which lives in the domain's image (§4.1). The caller must
// keep buf alive for as long as the datagram is in use.
func (d *Datagram) ExternalBuffer(buf []byte) {
	d.payload = buf
	d.external = true
	d.Size = len(buf)
}

// Payload returns the datagram's payload buffer.
func (d *Datagram) Payload() Buffer { return Buffer(d.payload) }

// Zero clears the payload. Required before re-queueing an output datagram,
// since slaves may have overwritten it on the wire and the host copy must
// not be mistaken for fresh application data (§4.1).
func (d *Datagram) Zero() {
	for i := range d.payload {
		d.payload[i] = 0
	}
	d.WorkingCtr = 0
}

// Typed constructors for each command shape (§4.1).

func (d *Datagram) BRD(addr uint16, size int) error {
	return d.Init(CmdBRD, uint32(addr)<<16, size)
}

func (d *Datagram) BWR(addr uint16, size int) error {
	return d.Init(CmdBWR, uint32(addr)<<16, size)
}

func (d *Datagram) APRD(ringPos uint8, addr uint16, size int) error {
	return d.Init(CmdAPRD, uint32(uint16(-int16(ringPos)))|uint32(addr)<<16, size)
}

func (d *Datagram) APWR(ringPos uint8, addr uint16, size int) error {
	return d.Init(CmdAPWR, uint32(uint16(-int16(ringPos)))|uint32(addr)<<16, size)
}

func (d *Datagram) FPRD(station uint16, addr uint16, size int) error {
	return d.Init(CmdFPRD, uint32(station)|uint32(addr)<<16, size)
}

func (d *Datagram) FPWR(station uint16, addr uint16, size int) error {
	return d.Init(CmdFPWR, uint32(station)|uint32(addr)<<16, size)
}

func (d *Datagram) FRMW(station uint16, addr uint16, size int) error {
	return d.Init(CmdFRMW, uint32(station)|uint32(addr)<<16, size)
}

func (d *Datagram) LRD(logicalAddr uint32, size int) error {
	return d.Init(CmdLRD, logicalAddr, size)
}

func (d *Datagram) LWR(logicalAddr uint32, size int) error {
	return d.Init(CmdLWR, logicalAddr, size)
}

func (d *Datagram) LRW(logicalAddr uint32, size int) error {
	return d.Init(CmdLRW, logicalAddr, size)
}

func (d *Datagram) String() string {
	return fmt.Sprintf("%s addr=x%08x size=%d idx=x%02x state=%s wkc=%d",
		d.Command, d.Address, d.Size, d.Index, d.State, d.WorkingCtr)
}
