// Package soe implements the SoE (Servo profile over EtherCAT) mailbox
// protocol: IDN read/write with fragmentation and reassembly for values
// too large for one mailbox message (§4.6.4).
//
// SoE has no direct analogue in the teacher (a CANopen stack); it is
// grounded on original_source/master/fsm_master.c's drive-addressed
// request shape (drive_no selecting one of up to 8 servo axes on a
// slave) and on the same fragmented-block idiom this core already uses
// for FoE (pkg/mailbox/foe), which SoE's IDN fragmentation mirrors.
package soe

import (
	"fmt"

	ecmaster "github.com/ethercat-io/ecmaster"
	"github.com/ethercat-io/ecmaster/pkg/mailbox"
)

// Opcode is the SoE header's operation code (§4.6.4).
type Opcode uint8

const (
	OpReadRequest   Opcode = 1
	OpReadResponse  Opcode = 2
	OpWriteRequest  Opcode = 3
	OpWriteResponse Opcode = 4
	OpNotification  Opcode = 5
)

// ALState is the drive's AL state as reported in an SoE read/write, one
// of the two this protocol ever addresses (§4.6.4 "al_state ∈
// {PreOp, SafeOp}").
type ALState uint8

const (
	ALStatePreOp ALState = 1
	ALStateSafeOp ALState = 2
)

// soeHeaderSize is OpCode/flags(1) + Element(1) + IDN(2), the fixed
// header every SoE message carries ahead of its data (§4.6.4).
const soeHeaderSize = 4

// ErrorCode is a 16-bit SoE error code returned in a response whose Error
// flag is set (§4.6.4 "16-bit error code").
type ErrorCode uint16

func (e ErrorCode) Error() string { return fmt.Sprintf("soe error %#04x", uint16(e)) }

type header struct {
	Opcode     Opcode
	Incomplete bool
	Err        bool
	DriveNo    uint8
	Element    uint8
	IDN        uint16
}

func (h header) encode() []byte {
	buf := make([]byte, soeHeaderSize)
	b0 := uint8(h.Opcode)<<5 | h.DriveNo&0x07
	if h.Incomplete {
		b0 |= 0x10
	}
	if h.Err {
		b0 |= 0x08
	}
	b := ecmaster.Buffer(buf)
	b.WriteU8(0, b0)
	b.WriteU8(1, h.Element)
	b.WriteU16(2, h.IDN)
	return buf
}

func decodeHeader(buf []byte) header {
	b := ecmaster.Buffer(buf)
	b0 := b.U8(0)
	return header{
		Opcode:     Opcode(b0 >> 5),
		Incomplete: b0&0x10 != 0,
		Err:        b0&0x08 != 0,
		DriveNo:    b0 & 0x07,
		Element:    b.U8(1),
		IDN:        b.U16(2),
	}
}

const maxExchangeCycles = 2000

func exchange(bm *ecmaster.BusManager, d *ecmaster.Datagram) error {
	return mailbox.Exchange(bm, d, maxExchangeCycles)
}

func sendMessage(bm *ecmaster.BusManager, ep *mailbox.Endpoint, h header, data []byte) error {
	payload := append(h.encode(), data...)
	d, err := ep.BuildSend(mailbox.ProtoSoE, payload)
	if err != nil {
		return err
	}
	return exchange(bm, d)
}

func recvMessage(bm *ecmaster.BusManager, ep *mailbox.Endpoint) (header, []byte, error) {
	if err := ep.Lease().Acquire("soe"); err != nil {
		return header{}, nil, err
	}
	defer ep.Lease().Release("soe")

	d, err := ep.BuildFetch()
	if err != nil {
		return header{}, nil, err
	}
	if err := exchange(bm, d); err != nil {
		return header{}, nil, err
	}
	if d.WorkingCtr == 0 {
		return header{}, nil, ecmaster.ErrTimeout
	}
	buf := d.Payload()
	mh := mailbox.DecodeHeader(buf)
	if mh.Protocol != mailbox.ProtoSoE {
		return header{}, nil, ecmaster.ErrNotFound
	}
	body := buf[mailbox.HeaderSize:]
	if len(body) < soeHeaderSize {
		return header{}, nil, ecmaster.ErrIllegalArgument
	}
	h := decodeHeader(body)
	if h.Err {
		return h, nil, ErrorCode(ecmaster.Buffer(body[soeHeaderSize:]).U16(0))
	}
	return h, body[soeHeaderSize:], nil
}

// ReadIDN reads driveNo's idn, reassembling fragments across successive
// mailbox exchanges until a response arrives with its Incomplete flag
// clear (§4.6.4 "fragmentation/reassembly").
func ReadIDN(bm *ecmaster.BusManager, ep *mailbox.Endpoint, driveNo uint8, idn uint16) ([]byte, error) {
	req := header{Opcode: OpReadRequest, DriveNo: driveNo, IDN: idn}
	if err := sendMessage(bm, ep, req, nil); err != nil {
		return nil, err
	}

	var out []byte
	for {
		h, data, err := recvMessage(bm, ep)
		if err != nil {
			return nil, err
		}
		if h.Opcode != OpReadResponse || h.DriveNo != driveNo || h.IDN != idn {
			return nil, ecmaster.ErrInvalidState
		}
		out = append(out, data...)
		if !h.Incomplete {
			return out, nil
		}
	}
}

// WriteIDN writes data to driveNo's idn, fragmenting into blockSize-sized
// chunks with the Incomplete flag set on every chunk but the last
// (§4.6.4).
func WriteIDN(bm *ecmaster.BusManager, ep *mailbox.Endpoint, driveNo uint8, idn uint16, data []byte, blockSize int) error {
	if blockSize <= 0 {
		return ecmaster.ErrIllegalArgument
	}
	offset := 0
	for {
		end := offset + blockSize
		incomplete := true
		if end >= len(data) {
			end = len(data)
			incomplete = false
		}
		chunk := data[offset:end]

		req := header{Opcode: OpWriteRequest, DriveNo: driveNo, IDN: idn, Incomplete: incomplete}
		if err := sendMessage(bm, ep, req, chunk); err != nil {
			return err
		}
		h, _, err := recvMessage(bm, ep)
		if err != nil {
			return err
		}
		if h.Opcode != OpWriteResponse || h.DriveNo != driveNo || h.IDN != idn {
			return ecmaster.ErrInvalidState
		}

		offset = end
		if !incomplete {
			return nil
		}
	}
}
