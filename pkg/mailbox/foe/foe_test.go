package foe

import (
	"testing"

	"github.com/stretchr/testify/require"

	ecmaster "github.com/ethercat-io/ecmaster"
	"github.com/ethercat-io/ecmaster/pkg/device"
	"github.com/ethercat-io/ecmaster/pkg/device/devsim"
	"github.com/ethercat-io/ecmaster/pkg/mailbox"
)

type fakeClock struct{}

func (fakeClock) NowUs() uint64 { return 0 }

// foeResponderLink wraps a devsim.Loopback and plays the slave side of
// the FoE block-transfer protocol directly against the simulated slave's
// mailbox memory: devsim only understands raw FPRD/FPWR, so this is the
// minimal protocol-aware layer a test needs on top of it to exercise a
// full Download() round trip without real hardware.
type foeResponderLink struct {
	inner      *devsim.Loopback
	slave      *devsim.Slave
	recvOffset uint16
	sendOffset uint16

	lastSeenCounter uint8
	sendCounter     uint8

	received []byte
	blocks   int
}

func (l *foeResponderLink) Send(frame []byte) error {
	if err := l.inner.Send(frame); err != nil {
		return err
	}
	l.respondIfNeeded()
	return nil
}

func (l *foeResponderLink) respondIfNeeded() {
	reqBuf := ecmaster.Buffer(l.slave.Mem[l.recvOffset:])
	h := mailbox.DecodeHeader(reqBuf)
	if h.Protocol != mailbox.ProtoFoE || h.Counter == l.lastSeenCounter || h.Counter == 0 {
		return
	}
	l.lastSeenCounter = h.Counter

	body := reqBuf[mailbox.HeaderSize : mailbox.HeaderSize+int(h.Length)]
	op := Opcode(body[0])

	var respBody []byte
	switch op {
	case OpWRQ:
		respBody = encodeHeader(OpAck, 0, nil)
	case OpData:
		packetNo := ecmaster.Buffer(body).U32(2)
		chunk := body[foeHeaderSize:]
		l.received = append(l.received, chunk...)
		l.blocks++
		respBody = encodeHeader(OpAck, packetNo, nil)
	default:
		return
	}

	l.sendCounter = l.sendCounter%7 + 1
	respHeader := mailbox.Header{
		Length:   uint16(len(respBody)),
		Protocol: mailbox.ProtoFoE,
		Counter:  l.sendCounter,
	}
	out := ecmaster.Buffer(l.slave.Mem[l.sendOffset:])
	respHeader.Encode(out)
	copy(out[mailbox.HeaderSize:], respBody)
}

func (l *foeResponderLink) Receive() ([]byte, error) { return l.inner.Receive() }
func (l *foeResponderLink) LinkUp() bool             { return l.inner.LinkUp() }
func (l *foeResponderLink) Close() error             { return l.inner.Close() }

var _ device.Link = (*foeResponderLink)(nil)

// TestDownloadBlockTransfer exercises §8 scenario 5: a 5000-byte FoE
// download with a 128-byte block size, asserting WRQ + ceil(5000/128)=40
// DATA blocks, one ACK per block, completion on the final (8-byte)
// block, and a progress counter that reaches exactly 5000.
func TestDownloadBlockTransfer(t *testing.T) {
	const blockSize = 128
	const total = 5000
	const expectedBlocks = 40 // ceil(5000/128)

	net := devsim.NewNetwork(1)
	slave := net.Slaves[0]
	mailboxSize := blockSize + foeHeaderSize + mailbox.HeaderSize

	responder := &foeResponderLink{
		inner:      devsim.NewLoopback(net),
		slave:      slave,
		recvOffset: 0x0000,
		sendOffset: 0x0200,
	}
	bind := device.NewMain(responder)
	bm := ecmaster.NewBusManager(bind, fakeClock{})

	ep := mailbox.NewEndpoint(slave.Station, 0x0000, uint16(mailboxSize), 0x0200, uint16(mailboxSize))

	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i)
	}

	var lastProgress int
	progressCalls := 0
	err := Download(bm, ep, "firmware.bin", 0, data, blockSize, func(sent, total int) {
		require.GreaterOrEqual(t, sent, lastProgress, "progress must not go backwards")
		lastProgress = sent
		progressCalls++
	})
	require.NoError(t, err)

	require.Equal(t, expectedBlocks, responder.blocks, "expected DATA block count")
	require.Len(t, responder.received, total)
	require.Equal(t, data, responder.received)
	require.Equal(t, total, lastProgress, "expected final progress to reach total")
	require.Equal(t, expectedBlocks, progressCalls)
}

func TestBlockSizeSubtractsBothHeaders(t *testing.T) {
	require.Equal(t, 128, BlockSize(140))
}
