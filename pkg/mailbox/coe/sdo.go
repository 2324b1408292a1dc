// Package coe implements the CoE (CANopen over EtherCAT) mailbox protocol:
// an SDO client for expedited, segmented and complete-access up/download
// (§4.6.1), and emergency message delivery into a slave config's
// config.EmergencyRing (§4.6.2).
//
// CoE tunnels the CANopen SDO protocol byte-for-byte inside a mailbox
// message, so this package is grounded directly on the teacher's
// pkg/sdo/client.go: the same command-specifier bits (ccs/scs), the same
// toggle-bit segment protocol, and the same abort-code shape, carried over
// an EtherCAT mailbox.Endpoint instead of a CAN frame.
package coe

import (
	"fmt"

	ecmaster "github.com/ethercat-io/ecmaster"
	"github.com/ethercat-io/ecmaster/internal/fifo"
	"github.com/ethercat-io/ecmaster/pkg/config"
	"github.com/ethercat-io/ecmaster/pkg/mailbox"
)

// Client command specifiers (ccs) and server command specifiers (scs),
// the top 3 bits of an SDO command byte (teacher's pkg/sdo/client.go
// constants, generalized from CAN-addressed to mailbox-addressed).
const (
	ccsDownloadSegment = 0
	ccsInitiateDownload = 1
	ccsInitiateUpload  = 2
	ccsUploadSegment   = 3
	ccsAbort           = 4

	scsUploadSegment   = 0
	scsDownloadSegment = 1
	scsInitiateUpload  = 2
	scsInitiateDownload = 3
)

// completeAccessBit marks byte0 of an initiate request/response as a
// complete-access transfer addressing subindex 0..N rather than one
// subindex (§4.6.1 "complete access"); it is bit 4, clear of the n, e and
// s bits.
const completeAccessBit = 0x10

// AbortCode is an SDO abort code as carried in an abort transfer message
// (§4.6.1, §7).
type AbortCode uint32

func (c AbortCode) Error() string {
	return fmt.Sprintf("sdo abort %#08x", uint32(c))
}

const (
	AbortToggleBit       AbortCode = 0x05030000
	AbortTimeout         AbortCode = 0x05040000
	AbortInvalidCommand  AbortCode = 0x05040001
	AbortOutOfMemory     AbortCode = 0x05040005
	AbortUnsupportedAccess AbortCode = 0x06010000
	AbortWriteOnly       AbortCode = 0x06010001
	AbortReadOnly        AbortCode = 0x06010002
	AbortObjectNotExist  AbortCode = 0x06020000
	AbortLengthMismatch  AbortCode = 0x06070010
	AbortSubindexNotExist AbortCode = 0x06090011
	AbortGeneralError    AbortCode = 0x08000000
)

// ResponseTimeoutUs is the CoE response timeout value (1 s). No code in
// this package reads it: each exchange is bounded by maxExchangeCycles
// instead, and a request whose reply does not arrive is not re-sent.
const ResponseTimeoutUs = 1_000_000

// CoE messages carry a 2-byte protocol header of their own, between the
// generic 6-byte mailbox header and the SDO command byte: a 9-bit
// "Number" field (unused here, always 0) and a 4-bit service type
// distinguishing Emergency (0), SDO Request (1), SDO Response (2) and the
// other CoE services this client does not emit.
const coeHeaderSize = 2

const (
	coeServiceEmergency  = 0
	coeServiceSDORequest = 1
	coeServiceSDOResponse = 2
)

func encodeCoEHeader(service uint8) []byte {
	return []byte{0, service << 4}
}

func decodeCoEService(payload []byte) uint8 {
	if len(payload) < coeHeaderSize {
		return 0xff
	}
	return payload[1] >> 4
}

// Client drives SDO up/download requests against one slave's mailbox
// endpoint, reassembling segmented uploads through an internal/fifo
// buffer exactly as the teacher's pkg/sdo/client.go reassembles CANopen
// block-upload frames into client.fifo.
type Client struct {
	bm  *ecmaster.BusManager
	ep  *mailbox.Endpoint
	fifo *fifo.Fifo
}

// NewClient returns a Client driving requests over ep via bm. fifoSize
// bounds the largest segmented-upload object this client can reassemble.
func NewClient(bm *ecmaster.BusManager, ep *mailbox.Endpoint, fifoSize int) *Client {
	return &Client{bm: bm, ep: ep, fifo: fifo.NewFifo(fifoSize)}
}

// maxExchangeCycles is the fixed number of bus-manager send/receive cycles
// one mailbox exchange may take before it fails with ErrTimeout. It is a
// cycle count, not derived from ResponseTimeoutUs or from elapsed time.
const maxExchangeCycles = 2000

func (c *Client) exchange(d *ecmaster.Datagram) error {
	return mailbox.Exchange(c.bm, d, maxExchangeCycles)
}

// send writes an SDO request of the given length into the endpoint's
// receive mailbox, behind a CoE SDO-Request service header, and exchanges
// it.
func (c *Client) send(sdo []byte) error {
	payload := append(encodeCoEHeader(coeServiceSDORequest), sdo...)
	d, err := c.ep.BuildSend(mailbox.ProtoCoE, payload)
	if err != nil {
		return err
	}
	return c.exchange(d)
}

// fetch reads one message out of the endpoint's send mailbox, stripping
// both the generic mailbox header and the CoE service header, and
// returning the bare SDO command bytes. A non-SDO-Response service
// (typically an interleaved Emergency message) is surfaced as
// ErrNotFound rather than misparsed as an SDO reply; the callers in this
// file return that error without retrying.
func (c *Client) fetch() (mailbox.Header, []byte, error) {
	if err := c.ep.Lease().Acquire("coe"); err != nil {
		return mailbox.Header{}, nil, err
	}
	defer c.ep.Lease().Release("coe")

	d, err := c.ep.BuildFetch()
	if err != nil {
		return mailbox.Header{}, nil, err
	}
	if err := c.exchange(d); err != nil {
		return mailbox.Header{}, nil, err
	}
	if d.WorkingCtr == 0 {
		return mailbox.Header{}, nil, ecmaster.ErrTimeout
	}
	buf := d.Payload()
	h := mailbox.DecodeHeader(buf)
	body := []byte(buf[mailbox.HeaderSize:])
	if decodeCoEService(body) != coeServiceSDOResponse {
		return h, nil, ecmaster.ErrNotFound
	}
	return h, body[coeHeaderSize:], nil
}

func checkAbort(payload []byte) error {
	if len(payload) > 0 && payload[0]&0xe0 == ccsAbort<<5 {
		code := ecmaster.Buffer(payload).U32(4)
		return AbortCode(code)
	}
	return nil
}

// Download writes data to (index, subIndex), choosing expedited encoding
// for payloads of 4 bytes or fewer and segmented transfer otherwise
// (§4.6.1 "expedited / segmented / complete access").
func (c *Client) Download(index uint16, subIndex uint8, data []byte, complete bool) error {
	if len(data) <= 4 {
		return c.downloadExpedited(index, subIndex, data, complete)
	}
	return c.downloadSegmented(index, subIndex, data, complete)
}

func (c *Client) downloadExpedited(index uint16, subIndex uint8, data []byte, complete bool) error {
	n := 4 - len(data)
	cmd := byte(ccsInitiateDownload<<5) | byte(n<<2) | 0x02 /* e */ | 0x01 /* s */
	if complete {
		cmd |= completeAccessBit
	}
	req := make([]byte, 8)
	buf := ecmaster.Buffer(req)
	buf.WriteU8(0, cmd)
	buf.WriteU16(1, index)
	buf.WriteU8(3, subIndex)
	copy(req[4:], data)

	if err := c.send(req); err != nil {
		return err
	}
	_, resp, err := c.fetch()
	if err != nil {
		return err
	}
	if err := checkAbort(resp); err != nil {
		return err
	}
	if len(resp) == 0 || resp[0]>>5 != scsInitiateDownload {
		return AbortInvalidCommand
	}
	return nil
}

func (c *Client) downloadSegmented(index uint16, subIndex uint8, data []byte, complete bool) error {
	cmd := byte(ccsInitiateDownload<<5) | 0x01 /* s, size indicated, not expedited */
	if complete {
		cmd |= completeAccessBit
	}
	req := make([]byte, 8)
	buf := ecmaster.Buffer(req)
	buf.WriteU8(0, cmd)
	buf.WriteU16(1, index)
	buf.WriteU8(3, subIndex)
	buf.WriteU32(4, uint32(len(data)))

	if err := c.send(req); err != nil {
		return err
	}
	_, resp, err := c.fetch()
	if err != nil {
		return err
	}
	if err := checkAbort(resp); err != nil {
		return err
	}
	if len(resp) == 0 || resp[0]>>5 != scsInitiateDownload {
		return AbortInvalidCommand
	}

	toggle := byte(0)
	offset := 0
	for offset < len(data) {
		chunk := data[offset:]
		last := false
		if len(chunk) > 7 {
			chunk = chunk[:7]
		} else {
			last = true
		}
		n := 7 - len(chunk)
		segCmd := byte(ccsDownloadSegment<<5) | (toggle << 4) | byte(n<<1)
		if last {
			segCmd |= 0x01
		}
		seg := make([]byte, 8)
		seg[0] = segCmd
		copy(seg[1:], chunk)

		if err := c.send(seg); err != nil {
			return err
		}
		_, resp, err := c.fetch()
		if err != nil {
			return err
		}
		if err := checkAbort(resp); err != nil {
			return err
		}
		if len(resp) == 0 || resp[0]>>5 != scsDownloadSegment || (resp[0]>>4)&1 != toggle {
			return AbortToggleBit
		}
		offset += len(chunk)
		toggle ^= 1
	}
	return nil
}

// Upload reads (index, subIndex) back, returning its raw value bytes
// (§4.6.1).
func (c *Client) Upload(index uint16, subIndex uint8, complete bool) ([]byte, error) {
	cmd := byte(ccsInitiateUpload << 5)
	if complete {
		cmd |= completeAccessBit
	}
	req := make([]byte, 8)
	buf := ecmaster.Buffer(req)
	buf.WriteU8(0, cmd)
	buf.WriteU16(1, index)
	buf.WriteU8(3, subIndex)

	if err := c.send(req); err != nil {
		return nil, err
	}
	_, resp, err := c.fetch()
	if err != nil {
		return nil, err
	}
	if err := checkAbort(resp); err != nil {
		return nil, err
	}
	if len(resp) == 0 || resp[0]>>5 != scsInitiateUpload {
		return nil, AbortInvalidCommand
	}

	expedited := resp[0]&0x02 != 0
	sizeIndicated := resp[0]&0x01 != 0
	if expedited {
		n := 0
		if sizeIndicated {
			n = int((resp[0] >> 2) & 0x03)
		}
		size := 4 - n
		if size < 0 || size > len(resp)-4 {
			return nil, AbortLengthMismatch
		}
		out := make([]byte, size)
		copy(out, resp[4:4+size])
		return out, nil
	}

	total := 0
	if sizeIndicated {
		total = int(ecmaster.Buffer(resp).U32(4))
	}
	c.fifo.Reset()
	toggle := byte(0)
	for {
		segCmd := byte(ccsUploadSegment<<5) | (toggle << 4)
		seg := make([]byte, 8)
		seg[0] = segCmd
		if err := c.send(seg); err != nil {
			return nil, err
		}
		_, resp, err := c.fetch()
		if err != nil {
			return nil, err
		}
		if err := checkAbort(resp); err != nil {
			return nil, err
		}
		if len(resp) == 0 || resp[0]>>5 != scsUploadSegment || (resp[0]>>4)&1 != toggle {
			return nil, AbortToggleBit
		}
		n := int((resp[0] >> 1) & 0x07)
		segSize := 7 - n
		if segSize > len(resp)-1 {
			segSize = len(resp) - 1
		}
		c.fifo.Write(resp[1 : 1+segSize])
		last := resp[0]&0x01 != 0
		toggle ^= 1
		if last {
			break
		}
	}

	occupied := c.fifo.GetOccupied()
	out := make([]byte, occupied)
	c.fifo.Read(out)
	if total > 0 && len(out) != total {
		// Size field disagreed with the reassembled byte count; trust what
		// was actually reassembled rather than truncating or padding it.
		return out, nil
	}
	return out, nil
}

// PollEmergency fetches one pending mailbox message if it is an Emergency
// protocol message, decoding and pushing it into ring (§4.6.2). It returns
// false, nil when nothing was waiting. Callers poll this outside of any
// in-flight SDO exchange, since an Emergency message and an SDO reply can
// both be sitting in the same send-mailbox slot only one at a time.
func PollEmergency(bm *ecmaster.BusManager, ep *mailbox.Endpoint, ring *config.EmergencyRing) (bool, error) {
	if ring == nil {
		return false, nil
	}
	if err := ep.Lease().Acquire("coe-emergency"); err != nil {
		return false, nil
	}
	defer ep.Lease().Release("coe-emergency")

	d, err := ep.BuildFetch()
	if err != nil {
		return false, err
	}
	if err := mailbox.Exchange(bm, d, 1); err != nil {
		return false, nil
	}
	if d.WorkingCtr == 0 {
		return false, nil
	}
	buf := d.Payload()
	h := mailbox.DecodeHeader(buf)
	if h.Protocol != mailbox.ProtoCoE {
		return false, nil
	}
	body := buf[mailbox.HeaderSize:]
	if decodeCoEService(body) != coeServiceEmergency {
		return false, nil
	}
	payload := body[coeHeaderSize:]
	if len(payload) < 4 {
		return false, nil
	}
	// Emergency data is (error code u16, error register u8, 5 bytes
	// vendor-specific), the CANopen EMCY frame's own layout (teacher's
	// pkg/emergency), carried here as the CoE Emergency service's payload
	// instead of a dedicated CAN-ID.
	rec := config.EmergencyRecord{
		ErrorCode:     ecmaster.Buffer(payload).U16(0),
		ErrorRegister: payload[2],
	}
	copy(rec.Data[:], payload[3:])
	ring.Push(rec)
	return true, nil
}
