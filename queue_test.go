package ecmaster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeClock and fakeTransport let the datagram pipeline be driven without a
// real NIC, mirroring how the teacher's pkg/can/virtual lets SDO/PDO tests
// run without a CAN adapter (SPEC_FULL.md §A.4). The fully-featured loopback
// lives in package devsim; this one stays minimal and local to keep root
// package tests independent of device wiring.
type fakeClock struct{ nowUs uint64 }

func (c *fakeClock) NowUs() uint64 { return c.nowUs }

type fakeTransport struct {
	linkUp bool
	inbox  [][]byte // frames queued to be "received" on device 0
	sent   [][]byte
}

func (t *fakeTransport) NumDevices() int { return 1 }
func (t *fakeTransport) SendFrame(deviceIndex int, payload []byte) error {
	t.sent = append(t.sent, payload)
	return nil
}
func (t *fakeTransport) ReceiveFrame(deviceIndex int) ([]byte, error) {
	if len(t.inbox) == 0 {
		return nil, nil
	}
	f := t.inbox[0]
	t.inbox = t.inbox[1:]
	return f, nil
}
func (t *fakeTransport) LinkUp(deviceIndex int) bool { return t.linkUp }

func TestIndexExhaustion(t *testing.T) {
	// Scenario 1 (§8): enqueue 257 distinct datagrams in one cycle without
	// receiving; send() emits 256 (indices 0..255) and leaves 1 Queued.
	clock := &fakeClock{}
	transport := &fakeTransport{linkUp: true}
	bm := NewBusManager(transport, clock)

	datagrams := make([]*Datagram, 257)
	for i := range datagrams {
		d := &Datagram{}
		require.NoError(t, d.BRD(0x0130, 2))
		datagrams[i] = d
		bm.Enqueue(d)
	}

	sent := bm.Send()
	require.Equal(t, 256, sent)

	sentCount, queuedCount := 0, 0
	for _, d := range datagrams {
		switch d.State {
		case StateSent:
			sentCount++
		case StateQueued:
			queuedCount++
		}
	}
	require.Equal(t, 256, sentCount)
	require.Equal(t, 1, queuedCount)
}

func TestDatagramTimeout(t *testing.T) {
	// Scenario 2 (§8): enqueue one BRD, send(), never deliver a response;
	// 600us later receive() marks it TimedOut and the queue is empty.
	clock := &fakeClock{}
	transport := &fakeTransport{linkUp: true}
	bm := NewBusManager(transport, clock)

	d := &Datagram{}
	require.NoError(t, d.BRD(0x0130, 2))
	bm.Enqueue(d)
	require.Equal(t, 1, bm.Send())
	require.Equal(t, StateSent, d.State)

	clock.nowUs += 600
	bm.Receive()

	require.Equal(t, StateTimedOut, d.State)
	require.EqualValues(t, 1, bm.Stats(0).Timeouts)
	require.Equal(t, 0, bm.QueueLen())
}

func TestMatchingCopiesPayloadAndWkc(t *testing.T) {
	clock := &fakeClock{}
	transport := &fakeTransport{linkUp: true}
	bm := NewBusManager(transport, clock)

	d := &Datagram{}
	require.NoError(t, d.BRD(0x0130, 2))
	bm.Enqueue(d)
	bm.Send()
	require.Equal(t, StateSent, d.State)

	// Build a response frame: same command/index/size, payload 0xBEEF, wkc=3.
	resp := &Datagram{Command: CmdBRD, Index: d.Index}
	resp.Preallocate(2)
	resp.Payload().WriteU16(0, 0xBEEF)
	frame := assembleFrame([]*Datagram{resp})
	// Stamp the working counter the matcher reads back: it follows the
	// 2-byte payload, ahead of the padding assembleFrame adds.
	Buffer(frame).WriteU16(FrameHeaderSize+DatagramHeaderSize+2, 3)

	transport.inbox = append(transport.inbox, frame)
	bm.Receive()

	require.Equal(t, StateReceived, d.State)
	require.EqualValues(t, 3, d.WorkingCtr)
	require.EqualValues(t, 0xBEEF, d.Payload().U16(0))
}

func TestFramePacking1500ByteBoundary(t *testing.T) {
	clock := &fakeClock{}
	transport := &fakeTransport{linkUp: true}
	bm := NewBusManager(transport, clock)

	// Each datagram consumes 10(header)+size+2(wkc) bytes; 412 bytes per
	// datagram means three fit in 1500 bytes but a fourth would not.
	const perDG = 400
	for i := 0; i < 4; i++ {
		d := &Datagram{}
		require.NoError(t, d.BRD(0x0130, perDG))
		bm.Enqueue(d)
	}
	sent := bm.Send()
	require.True(t, sent >= 1)
	require.True(t, len(transport.sent) >= 1)
}
