package device_test

import (
	"testing"

	ecmaster "github.com/ethercat-io/ecmaster"
	"github.com/ethercat-io/ecmaster/pkg/device"
	"github.com/ethercat-io/ecmaster/pkg/device/devsim"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ nowUs uint64 }

func (c *fakeClock) NowUs() uint64 { return c.nowUs }

func TestBindingRoundTripsThroughLoopback(t *testing.T) {
	net := devsim.NewNetwork(2)
	loop := devsim.NewLoopback(net)
	binding := device.NewMain(loop)

	clock := &fakeClock{}
	bm := ecmaster.NewBusManager(binding, clock)

	d := &ecmaster.Datagram{}
	require.NoError(t, d.BRD(0x0130, 2))
	bm.Enqueue(d)

	require.Equal(t, 1, bm.Send())
	bm.Receive()

	require.Equal(t, ecmaster.StateReceived, d.State)
	require.EqualValues(t, 2, d.WorkingCtr)
}

func TestBindingReportsDeviceOfflineWhenLinkDown(t *testing.T) {
	net := devsim.NewNetwork(1)
	loop := devsim.NewLoopback(net)
	loop.SetLinkUp(false)
	binding := device.NewMain(loop)

	err := binding.SendFrame(0, []byte{0})
	require.ErrorIs(t, err, ecmaster.ErrDeviceOffline)
}

func TestRedundantBindingExposesBothDevices(t *testing.T) {
	main := devsim.NewLoopback(devsim.NewNetwork(1))
	backup := devsim.NewLoopback(devsim.NewNetwork(1))
	binding := device.NewRedundant(main, backup)

	require.Equal(t, 2, binding.NumDevices())
	require.True(t, binding.HasBackup())
	require.True(t, binding.LinkUp(0))
	require.True(t, binding.LinkUp(1))
}
