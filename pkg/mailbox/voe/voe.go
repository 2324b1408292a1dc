// Package voe implements the VoE (Vendor specific over EtherCAT) mailbox
// protocol: an opaque byte carrier identified by a vendor ID and vendor
// type, with synchronous and non-synchronous read variants and a
// write-expects-wkc=1 write (§4.6.5).
//
// Grounded on the teacher's pattern of a thin, application-opaque
// transport (pkg/can's raw frame Send/Receive, which never interprets
// payload bytes beyond its own addressing fields) generalized to the
// EtherCAT mailbox: this package only frames and unframes the 6-byte
// vendor header, leaving payload interpretation entirely to the caller.
package voe

import (
	ecmaster "github.com/ethercat-io/ecmaster"
	"github.com/ethercat-io/ecmaster/pkg/mailbox"
)

// headerSize is VendorID(4, LE) + VendorType(2, LE), the fixed prefix
// every VoE message carries ahead of its opaque payload (§4.6.5 "6-byte
// header vendor_id u32 LE + vendor_type u16 LE").
const headerSize = 6

// SyncResponseTimeoutUs is the VoE synchronous-read timeout value
// (500 ms). ReadSync does not consult it: its polling is bounded only by
// the caller's maxCycles.
const SyncResponseTimeoutUs = 500_000

const maxExchangeCycles = 2000

func exchange(bm *ecmaster.BusManager, d *ecmaster.Datagram) error {
	return mailbox.Exchange(bm, d, maxExchangeCycles)
}

func encode(vendorID uint32, vendorType uint16, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	b := ecmaster.Buffer(buf)
	b.WriteU32(0, vendorID)
	b.WriteU16(4, vendorType)
	copy(buf[headerSize:], payload)
	return buf
}

func decode(buf []byte) (vendorID uint32, vendorType uint16, payload []byte, ok bool) {
	if len(buf) < headerSize {
		return 0, 0, nil, false
	}
	b := ecmaster.Buffer(buf)
	return b.U32(0), b.U16(4), buf[headerSize:], true
}

// Write sends payload under (vendorID, vendorType) and requires the
// mailbox write itself to be acknowledged with wkc=1 (§4.6.5 "write
// expects wkc=1"); it does not wait for any reply in the slave's
// send-mailbox.
func Write(bm *ecmaster.BusManager, ep *mailbox.Endpoint, vendorID uint32, vendorType uint16, payload []byte) error {
	d, err := ep.BuildSend(mailbox.ProtoVoE, encode(vendorID, vendorType, payload))
	if err != nil {
		return err
	}
	if err := exchange(bm, d); err != nil {
		return err
	}
	if d.WorkingCtr != 1 {
		return ecmaster.ErrTimeout
	}
	return nil
}

func fetch(bm *ecmaster.BusManager, ep *mailbox.Endpoint) (uint32, uint16, []byte, bool, error) {
	if err := ep.Lease().Acquire("voe"); err != nil {
		return 0, 0, nil, false, err
	}
	defer ep.Lease().Release("voe")

	d, err := ep.BuildFetch()
	if err != nil {
		return 0, 0, nil, false, err
	}
	if err := exchange(bm, d); err != nil {
		return 0, 0, nil, false, err
	}
	if d.WorkingCtr == 0 {
		return 0, 0, nil, false, nil
	}
	buf := d.Payload()
	h := mailbox.DecodeHeader(buf)
	if h.Protocol != mailbox.ProtoVoE {
		return 0, 0, nil, false, nil
	}
	vendorID, vendorType, payload, ok := decode(buf[mailbox.HeaderSize:])
	return vendorID, vendorType, payload, ok, nil
}

// ReadSync polls the slave's send-mailbox with up to maxCycles individual
// fetch attempts until a VoE message under (vendorID, vendorType)
// arrives (§4.6.5 "sync read"). No elapsed-time limit is applied.
func ReadSync(bm *ecmaster.BusManager, ep *mailbox.Endpoint, vendorID uint32, vendorType uint16, maxCycles int) ([]byte, error) {
	for i := 0; i < maxCycles; i++ {
		gotID, gotType, payload, ok, err := fetch(bm, ep)
		if err != nil {
			return nil, err
		}
		if ok && gotID == vendorID && gotType == vendorType {
			return payload, nil
		}
	}
	return nil, ecmaster.ErrTimeout
}

// ReadNoSync makes a single fetch attempt and returns immediately,
// whether or not anything was waiting (§4.6.5 "nosync single attempt").
func ReadNoSync(bm *ecmaster.BusManager, ep *mailbox.Endpoint, vendorID uint32, vendorType uint16) ([]byte, bool, error) {
	gotID, gotType, payload, ok, err := fetch(bm, ep)
	if err != nil {
		return nil, false, err
	}
	if !ok || gotID != vendorID || gotType != vendorType {
		return nil, false, nil
	}
	return payload, true, nil
}
