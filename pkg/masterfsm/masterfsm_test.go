package masterfsm

import (
	"testing"

	"github.com/stretchr/testify/require"

	ecmaster "github.com/ethercat-io/ecmaster"
	"github.com/ethercat-io/ecmaster/pkg/device"
	"github.com/ethercat-io/ecmaster/pkg/device/devsim"
	"github.com/ethercat-io/ecmaster/pkg/slavefsm"
)

func TestRingFIFOAndFull(t *testing.T) {
	r := NewRing()
	for i := 0; i < ringSize; i++ {
		require.NoError(t, r.Push(&ecmaster.Datagram{Name: string(rune('a' + i%26))}))
	}
	require.ErrorIs(t, r.Push(&ecmaster.Datagram{}), ecmaster.ErrInjectionRingFull)

	d, ok := r.Pop()
	require.True(t, ok)
	require.Equal(t, "a", d.Name, "expected FIFO order")
}

func TestRingDrainMergesIntoQueueInOrder(t *testing.T) {
	net := devsim.NewNetwork(0)
	bm := ecmaster.NewBusManager(device.NewMain(devsim.NewLoopback(net)), fakeClock{})

	r := NewRing()
	first := &ecmaster.Datagram{}
	first.BWR(0x0010, 2)
	second := &ecmaster.Datagram{}
	second.BWR(0x0020, 2)
	r.Push(first)
	r.Push(second)

	n := r.Drain(bm)
	require.Equal(t, 2, n, "expected 2 datagrams drained")
	require.Zero(t, r.Len(), "expected ring empty after drain")
	require.Equal(t, 2, bm.QueueLen(), "expected both datagrams merged into the bus queue")
}

type fakeClock struct{}

func (fakeClock) NowUs() uint64 { return 0 }

func newTestMaster(t *testing.T, slaveCount int) (*Master, *devsim.Network) {
	t.Helper()
	net := devsim.NewNetwork(slaveCount)
	bm := ecmaster.NewBusManager(device.NewMain(devsim.NewLoopback(net)), fakeClock{})

	m := NewMaster()
	m.AttachBus(bm)

	for i := 0; i < slaveCount; i++ {
		dsSlave := net.Slaves[i]
		cfg, err := m.SlaveConfig(0, uint16(i), 0x1, 0x1)
		require.NoError(t, err)
		slave := &slavefsm.Slave{Station: dsSlave.Station, RingPos: dsSlave.RingPos}
		m.AddSlave(slave, cfg)
	}
	return m, net
}

func TestBusWideStagesAdvanceThroughTopologyChangeOnFirstPass(t *testing.T) {
	m, _ := newTestMaster(t, 1)

	wantOrder := []Stage{
		StageBroadcast,   // Start -> Broadcast
		StageReadDCTimes, // Broadcast sees a new responder -> topology changed
		StageClearAddresses,
		StageLoopControl,
		StageMeasureDelays,
		StageScanSlave,
	}
	for i, want := range wantOrder {
		_, err := m.FSM.Step()
		require.NoError(t, err, "step %d", i)
		require.Equal(t, want, m.FSM.Stage(), "step %d", i)
	}
}

func TestScanSlaveStepsSlaveFSMThroughScanRead(t *testing.T) {
	m, _ := newTestMaster(t, 1)

	for i := 0; i < 6; i++ {
		_, err := m.FSM.Step()
		require.NoError(t, err, "bus-wide step %d", i)
	}
	require.Equal(t, StageScanSlave, m.FSM.Stage(), "expected to have reached ScanSlave")

	for i := 0; i < 50 && m.FSM.Stage() == StageScanSlave; i++ {
		_, err := m.FSM.Step()
		require.NoError(t, err, "scan step %d", i)
	}
	require.NotEqual(t, StageScanSlave, m.FSM.Stage(), "ScanSlave never completed")
	// ScanSlave ends once the slave FSM has emitted its scan read into the
	// injection ring; Configure and Dispatch follow from ReadALStatus.
	require.Equal(t, slavefsm.StageScan, m.SlaveFSMStage(0))
	require.Equal(t, 1, m.Ring.Len(), "expected the scan read in the injection ring")
}

func TestBroadcastSkipsTopologyStagesWhenResponderCountUnchanged(t *testing.T) {
	m, _ := newTestMaster(t, 0)

	// First Broadcast with zero slaves: responders stays at 0, so no
	// topology change is observed and the FSM should go straight to
	// ReadALStatus rather than through ReadDCTimes/ClearAddresses/etc.
	_, err := m.FSM.Step() // Start -> Broadcast
	require.NoError(t, err)
	_, err = m.FSM.Step() // Broadcast -> ?
	require.NoError(t, err)
	require.Equal(t, StageReadALStatus, m.FSM.Stage(), "expected no-topology-change path to ReadALStatus")
}
