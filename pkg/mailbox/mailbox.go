// Package mailbox implements the per-slave mailbox transport that the
// CoE/FoE/SoE/VoE protocol FSMs are layered on (§4.6): a 6-byte header
// codec, a send/fetch pair built from FPWR/FPRD datagrams against a
// slave's configured mailbox windows, and a typed lease that replaces the
// original master's racy "mailbox_busy" boolean (§9 design note).
//
// Grounded on the teacher's pkg/sdo/client.go, which drives a CANopen SDO
// exchange over a single request/response transport the same shape as an
// EtherCAT mailbox: one outstanding request, a counter to match replies,
// and a byte-oriented payload the protocol layer above decodes.
package mailbox

import (
	"fmt"

	ecmaster "github.com/ethercat-io/ecmaster"
)

// Protocol is the mailbox header's protocol-type nibble (§4.6).
type Protocol uint8

const (
	ProtoError Protocol = 0x00
	ProtoAoE   Protocol = 0x01
	ProtoEoE   Protocol = 0x02
	ProtoCoE   Protocol = 0x03
	ProtoFoE   Protocol = 0x04
	ProtoSoE   Protocol = 0x05
	ProtoVoE   Protocol = 0x0f
)

func (p Protocol) String() string {
	switch p {
	case ProtoError:
		return "ERR"
	case ProtoAoE:
		return "AoE"
	case ProtoEoE:
		return "EoE"
	case ProtoCoE:
		return "CoE"
	case ProtoFoE:
		return "FoE"
	case ProtoSoE:
		return "SoE"
	case ProtoVoE:
		return "VoE"
	default:
		return fmt.Sprintf("Protocol(%#x)", uint8(p))
	}
}

// HeaderSize is the fixed mailbox header width every mailbox message
// carries before its protocol-specific payload (§4.6).
const HeaderSize = 6

// Header is the 6-byte mailbox header: length, station address, a
// channel/priority byte and a protocol/counter byte.
type Header struct {
	Length   uint16
	Address  uint16
	Channel  uint8
	Priority uint8
	Protocol Protocol
	Counter  uint8 // 1..7, 0 reserved (§4.6 "counter")
}

// Encode writes the header into the first HeaderSize bytes of buf.
func (h Header) Encode(buf ecmaster.Buffer) {
	buf.WriteU16(0, h.Length)
	buf.WriteU16(2, h.Address)
	buf.WriteU8(4, (h.Priority<<6)|(h.Channel&0x3f))
	buf.WriteU8(5, (uint8(h.Protocol)&0x0f)|(h.Counter<<4))
}

// DecodeHeader reads a Header from the first HeaderSize bytes of buf.
func DecodeHeader(buf ecmaster.Buffer) Header {
	b4 := buf.U8(4)
	b5 := buf.U8(5)
	return Header{
		Length:   buf.U16(0),
		Address:  buf.U16(2),
		Channel:  b4 & 0x3f,
		Priority: b4 >> 6,
		Protocol: Protocol(b5 & 0x0f),
		Counter:  b5 >> 4,
	}
}

// nextCounter advances a 1..7 mailbox counter, wrapping past 7 back to 1;
// 0 is reserved to detect an uninitialized counter (§4.6).
func nextCounter(c uint8) uint8 {
	if c >= 7 {
		return 1
	}
	return c + 1
}

// Lease is a named mailbox read-lock: the FSM holding it is recorded by
// name, so a second FSM can tell it is blocked rather than racing a
// boolean flag (§9 "Mailbox read-lock... lift to a typed lease"). A lease
// is released only on an explicit state transition, never by a timeout
// alone — a timed-out fetch still owns the lease until its FSM says
// otherwise, since the slave's send-mailbox may still deliver the stale
// reply later.
type Lease struct {
	holder string
}

// Acquire takes the lease for holder. It fails if another named holder
// currently holds it.
func (l *Lease) Acquire(holder string) error {
	if l.holder != "" && l.holder != holder {
		return fmt.Errorf("mailbox: lease held by %q, %q cannot fetch", l.holder, holder)
	}
	l.holder = holder
	return nil
}

// Release gives up the lease if holder currently owns it; releasing a
// lease you don't hold is a no-op.
func (l *Lease) Release(holder string) {
	if l.holder == holder {
		l.holder = ""
	}
}

func (l *Lease) IsHeld() bool      { return l.holder != "" }
func (l *Lease) HolderName() string { return l.holder }

// Endpoint is one slave's mailbox window pair plus the lease guarding its
// send-mailbox (§4.6: "two mailbox windows... in the slave's local DPRAM;
// offsets from SII"). Offsets/sizes are populated from the Scan phase's
// SII read (out of this core's scope per spec.md §1; callers supply them
// directly or via the SII cache on Slave).
type Endpoint struct {
	Station uint16

	RecvOffset uint16 // master-to-slave ("receive mailbox" from the slave's perspective)
	RecvSize   uint16
	SendOffset uint16 // slave-to-master
	SendSize   uint16

	counter uint8
	lease   Lease
}

func NewEndpoint(station uint16, recvOffset, recvSize, sendOffset, sendSize uint16) *Endpoint {
	return &Endpoint{Station: station, RecvOffset: recvOffset, RecvSize: recvSize, SendOffset: sendOffset, SendSize: sendSize}
}

// Lease exposes the endpoint's send-mailbox read lock to protocol FSMs.
func (e *Endpoint) Lease() *Lease { return &e.lease }

// BuildSend prepares an FPWR datagram carrying one mailbox message: header
// plus proto (the already-encoded protocol payload, header excluded). The
// caller must still bm.Enqueue and drive the BusManager.
func (e *Endpoint) BuildSend(protocol Protocol, proto []byte) (*ecmaster.Datagram, error) {
	if int(e.RecvSize) < HeaderSize+len(proto) {
		return nil, ecmaster.ErrIllegalArgument
	}
	e.counter = nextCounter(e.counter)
	d := &ecmaster.Datagram{}
	if err := d.FPWR(e.Station, e.RecvOffset, HeaderSize+len(proto)); err != nil {
		return nil, err
	}
	buf := d.Payload()
	Header{Length: uint16(len(proto)), Protocol: protocol, Counter: e.counter}.Encode(buf)
	copy(buf[HeaderSize:], proto)
	return d, nil
}

// BuildFetch prepares an FPRD datagram reading the slave's send-mailbox.
// Callers should check the returned datagram's working counter against 1
// (a slave with nothing new to say leaves WKC at 0) after receive().
func (e *Endpoint) BuildFetch() (*ecmaster.Datagram, error) {
	d := &ecmaster.Datagram{}
	if err := d.FPRD(e.Station, e.SendOffset, int(e.SendSize)); err != nil {
		return nil, err
	}
	return d, nil
}

// LastCounter returns the counter stamped on the most recently built send
// datagram, so a reply's header can be checked for a matching counter.
func (e *Endpoint) LastCounter() uint8 { return e.counter }
