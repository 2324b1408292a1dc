// Package foe implements the FoE (File access over EtherCAT) mailbox
// protocol: a block-transfer download/upload client exchanging fixed-size
// DATA blocks acknowledged one at a time (§4.6.3).
//
// Grounded on original_source/master/fsm_foe.c and foe_request.c/.h: the
// state shape there (one outstanding packet number, a running buffer
// offset, a "last packet" flag set once a short block is sent or
// received) is reproduced here as plain sequential Go rather than a
// function-pointer state machine, since the blocking entry points this
// core exposes (§5, §6.2 `write_file`/`read_file`) already park the
// calling goroutine for the whole transfer.
package foe

import (
	"fmt"

	ecmaster "github.com/ethercat-io/ecmaster"
	"github.com/ethercat-io/ecmaster/pkg/mailbox"
)

// Opcode is the FoE header's operation code (§4.6.3).
type Opcode uint8

const (
	OpRRQ  Opcode = 1
	OpWRQ  Opcode = 2
	OpData Opcode = 3
	OpAck  Opcode = 4
	OpErr  Opcode = 5
	OpBusy Opcode = 6
)

// ErrorCode is an FoE error code, carried in an ERR message (§4.6.3).
type ErrorCode uint32

const (
	ErrNotDefined      ErrorCode = 0x00000000
	ErrNotFound        ErrorCode = 0x00000001
	ErrAccess          ErrorCode = 0x00000002
	ErrDiskFull        ErrorCode = 0x00000003
	ErrIllegal         ErrorCode = 0x00000004
	ErrPacketNumber    ErrorCode = 0x00000005
	ErrAlreadyExists   ErrorCode = 0x00000006
	ErrNoUser          ErrorCode = 0x00000007
	ErrBootstrap       ErrorCode = 0x00000008
	ErrNoConfigData    ErrorCode = 0x00000009
	ErrNoBootstrapData ErrorCode = 0x0000000a
	ErrNoConfigData2   ErrorCode = 0x0000000b
	ErrProgramError    ErrorCode = 0x0000000c
)

func (e ErrorCode) Error() string { return fmt.Sprintf("foe error %#08x", uint32(e)) }

// foeHeaderSize is OpCode(1) + Reserved(1) + PacketNo/Password(4), the
// fixed prefix every FoE message carries ahead of its filename or data
// payload (§4.6.3).
const foeHeaderSize = 6

// BlockSize returns the maximum FoE DATA payload a mailbox of the given
// total size can carry: mailbox size minus the generic 6-byte mailbox
// header minus the 6-byte FoE header (§4.6.3 "block size").
func BlockSize(mailboxSize int) int {
	return mailboxSize - mailbox.HeaderSize - foeHeaderSize
}

const maxExchangeCycles = 2000
const maxFileNameLen = 12

func exchange(bm *ecmaster.BusManager, d *ecmaster.Datagram) error {
	return mailbox.Exchange(bm, d, maxExchangeCycles)
}

func encodeHeader(op Opcode, packetNoOrPassword uint32, rest []byte) []byte {
	buf := make([]byte, foeHeaderSize+len(rest))
	b := ecmaster.Buffer(buf)
	b.WriteU8(0, uint8(op))
	b.WriteU8(1, 0)
	b.WriteU32(2, packetNoOrPassword)
	copy(buf[foeHeaderSize:], rest)
	return buf
}

func sendMessage(bm *ecmaster.BusManager, ep *mailbox.Endpoint, payload []byte) error {
	d, err := ep.BuildSend(mailbox.ProtoFoE, payload)
	if err != nil {
		return err
	}
	return exchange(bm, d)
}

// recvMessage fetches the next mailbox message and returns its decoded
// FoE opcode, packet number/password field and trailing payload.
func recvMessage(bm *ecmaster.BusManager, ep *mailbox.Endpoint) (Opcode, uint32, []byte, error) {
	if err := ep.Lease().Acquire("foe"); err != nil {
		return 0, 0, nil, err
	}
	defer ep.Lease().Release("foe")

	d, err := ep.BuildFetch()
	if err != nil {
		return 0, 0, nil, err
	}
	if err := exchange(bm, d); err != nil {
		return 0, 0, nil, err
	}
	if d.WorkingCtr == 0 {
		return 0, 0, nil, ecmaster.ErrTimeout
	}
	buf := d.Payload()
	h := mailbox.DecodeHeader(buf)
	if h.Protocol != mailbox.ProtoFoE {
		return 0, 0, nil, ecmaster.ErrNotFound
	}
	body := buf[mailbox.HeaderSize:]
	if len(body) < foeHeaderSize {
		return 0, 0, nil, ecmaster.ErrIllegalArgument
	}
	bb := ecmaster.Buffer(body)
	op := Opcode(bb.U8(0))
	num := bb.U32(2)
	if op == OpErr {
		return op, num, nil, ErrorCode(num)
	}
	return op, num, body[foeHeaderSize:], nil
}

// Progress reports how many bytes a Download/Upload has transferred so
// far, for callers that want to surface it (e.g. a test or CLI progress
// bar); it is optional and may be nil.
type Progress func(sent, total int)

// Download writes data to filename on the slave's file store, using
// blockSize-sized DATA blocks acknowledged one at a time (§4.6.3
// "WRQ + ceil(len/blockSize) DATA blocks, ACK per block, completion on a
// final block shorter than blockSize").
func Download(bm *ecmaster.BusManager, ep *mailbox.Endpoint, filename string, password uint32, data []byte, blockSize int, progress Progress) error {
	if blockSize <= 0 {
		return ecmaster.ErrIllegalArgument
	}
	name := []byte(filename)
	if len(name) > maxFileNameLen {
		name = name[:maxFileNameLen]
	}
	if err := sendMessage(bm, ep, encodeHeader(OpWRQ, password, name)); err != nil {
		return err
	}
	op, _, _, err := recvMessage(bm, ep)
	if err != nil {
		return err
	}
	if op != OpAck {
		return ecmaster.ErrInvalidState
	}

	packetNo := uint32(1)
	offset := 0
	for {
		end := offset + blockSize
		last := false
		if end >= len(data) {
			end = len(data)
			last = true
		}
		chunk := data[offset:end]

		if err := sendMessage(bm, ep, encodeHeader(OpData, packetNo, chunk)); err != nil {
			return err
		}
		op, ackNo, _, err := recvMessage(bm, ep)
		if err != nil {
			return err
		}
		if op == OpBusy {
			continue
		}
		if op != OpAck || ackNo != packetNo {
			return ErrPacketNumber
		}

		offset = end
		if progress != nil {
			progress(offset, len(data))
		}
		if last {
			return nil
		}
		packetNo++
	}
}

// Upload reads filename back from the slave's file store, returning its
// full contents once the slave sends a block shorter than blockSize
// (§4.6.3).
func Upload(bm *ecmaster.BusManager, ep *mailbox.Endpoint, filename string, password uint32, blockSize int, progress Progress) ([]byte, error) {
	name := []byte(filename)
	if len(name) > maxFileNameLen {
		name = name[:maxFileNameLen]
	}
	if err := sendMessage(bm, ep, encodeHeader(OpRRQ, password, name)); err != nil {
		return nil, err
	}

	var out []byte
	packetNo := uint32(1)
	for {
		op, num, payload, err := recvMessage(bm, ep)
		if err != nil {
			return nil, err
		}
		if op != OpData || num != packetNo {
			return nil, ErrPacketNumber
		}
		out = append(out, payload...)
		if progress != nil {
			progress(len(out), len(out))
		}
		if err := sendMessage(bm, ep, encodeHeader(OpAck, packetNo, nil)); err != nil {
			return nil, err
		}
		if len(payload) < blockSize {
			return out, nil
		}
		packetNo++
	}
}
