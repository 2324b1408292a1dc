package domain

import (
	"testing"

	ecmaster "github.com/ethercat-io/ecmaster"
	"github.com/ethercat-io/ecmaster/pkg/config"
	"github.com/ethercat-io/ecmaster/pkg/device"
	"github.com/ethercat-io/ecmaster/pkg/device/devsim"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ nowUs uint64 }

func (c *fakeClock) NowUs() uint64 { return c.nowUs }

func TestRegisterPDOEntrySequentialPlacement(t *testing.T) {
	reg := config.NewRegistry()
	cfg, err := reg.SlaveConfig(0, 1, 1, 1)
	require.NoError(t, err)
	_, err = cfg.SyncManagerConfig(2, config.DirOutput, config.WatchdogDefault)
	require.NoError(t, err)
	_, err = cfg.SyncManagerConfig(3, config.DirInput, config.WatchdogDefault)
	require.NoError(t, err)

	d := NewDomain("main")

	off1, err := d.RegisterPDOEntry(cfg, 2, config.DirOutput, config.PDOEntry{Index: 0x6040, BitLength: 16})
	require.NoError(t, err)
	require.EqualValues(t, 0, off1)

	off2, err := d.RegisterPDOEntry(cfg, 2, config.DirOutput, config.PDOEntry{Index: 0x6041, BitLength: 16})
	require.NoError(t, err)
	require.EqualValues(t, 2, off2) // appended after the first 2-byte entry

	// A second slave config's output FMMU starts only after every byte
	// already claimed by any direction so far (§4.5 step 2).
	cfg2, err := reg.SlaveConfig(0, 2, 1, 1)
	require.NoError(t, err)
	_, err = cfg2.SyncManagerConfig(2, config.DirOutput, config.WatchdogDefault)
	require.NoError(t, err)
	off3, err := d.RegisterPDOEntry(cfg2, 2, config.DirOutput, config.PDOEntry{Index: 0x6040, BitLength: 8})
	require.NoError(t, err)
	require.EqualValues(t, 4, off3)

	require.Equal(t, 5, d.Size())
}

func TestRegisterPDOEntryRejectsUnconfiguredSyncManager(t *testing.T) {
	reg := config.NewRegistry()
	cfg, err := reg.SlaveConfig(0, 1, 1, 1)
	require.NoError(t, err)

	d := NewDomain("main")
	_, err = d.RegisterPDOEntry(cfg, 2, config.DirOutput, config.PDOEntry{Index: 0x6040, BitLength: 16})
	require.ErrorIs(t, err, ecmaster.ErrUnknownSyncManager)
}

// TestActivatePartitionsFMMURunsByMaxLogicalChunk exercises the run
// partitioning algorithm with five adjacent 400-byte FMMUs (1486-byte
// chunk limit), non-overlapping PDOs. Tracing ec_domain_finish's
// delayed-commit scan against this exact layout by hand gives two runs,
// [0,1200) and [1200,2000): the third FMMU (ending at 1200) is the last
// one that still fits the first chunk, and the fourth (ending at 1600)
// is what forces the boundary, so it opens the second run instead of
// joining the first.
func TestActivatePartitionsFMMURunsByMaxLogicalChunk(t *testing.T) {
	reg := config.NewRegistry()
	d := NewDomain("main")

	for i := 0; i < 5; i++ {
		cfg, err := reg.SlaveConfig(0, uint16(i+1), 1, 1)
		require.NoError(t, err)
		_, err = cfg.SyncManagerConfig(2, config.DirOutput, config.WatchdogDefault)
		require.NoError(t, err)
		_, err = d.RegisterPDOEntry(cfg, 2, config.DirOutput, config.PDOEntry{Index: 0x6040, BitLength: 400 * 8})
		require.NoError(t, err)
	}
	require.Equal(t, 2000, d.Size())

	require.NoError(t, d.Activate(0x10000, false))
	pairs := d.Pairs()
	require.Len(t, pairs, 2)

	require.EqualValues(t, 0x10000, pairs[0].LogicalOffset)
	require.Equal(t, 1200, pairs[0].Size)
	require.Len(t, pairs[0].FMMUs, 3)

	require.EqualValues(t, 0x10000+1200, pairs[1].LogicalOffset)
	require.Equal(t, 800, pairs[1].Size)
	require.Len(t, pairs[1].FMMUs, 2)
}

func TestNewPairExpectedWkcForMixedDirectionLRW(t *testing.T) {
	reg := config.NewRegistry()
	d := NewDomain("main")

	out1, _ := reg.SlaveConfig(0, 1, 1, 1)
	out1.SyncManagerConfig(2, config.DirOutput, config.WatchdogDefault)
	out2, _ := reg.SlaveConfig(0, 2, 1, 1)
	out2.SyncManagerConfig(2, config.DirOutput, config.WatchdogDefault)
	in1, _ := reg.SlaveConfig(0, 3, 1, 1)
	in1.SyncManagerConfig(3, config.DirInput, config.WatchdogDefault)

	_, err := d.RegisterPDOEntry(out1, 2, config.DirOutput, config.PDOEntry{Index: 0x6040, BitLength: 16})
	require.NoError(t, err)
	_, err = d.RegisterPDOEntry(out2, 2, config.DirOutput, config.PDOEntry{Index: 0x6040, BitLength: 16})
	require.NoError(t, err)
	_, err = d.RegisterPDOEntry(in1, 3, config.DirInput, config.PDOEntry{Index: 0x6041, BitLength: 16})
	require.NoError(t, err)

	require.NoError(t, d.Activate(0x10000, false))
	pairs := d.Pairs()
	require.Len(t, pairs, 1)
	require.Equal(t, ecmaster.CmdLRW, pairs[0].Command)
	// 2 distinct output slave-configs * 2, plus 1 distinct input slave-config.
	require.EqualValues(t, 5, pairs[0].ExpectedWkc)
}

func buildTwoSlaveOutputDomain(t *testing.T) (*config.Registry, *Domain) {
	t.Helper()
	reg := config.NewRegistry()
	d := NewDomain("main")
	for i := 0; i < 2; i++ {
		cfg, err := reg.SlaveConfig(0, uint16(i+1), 1, 1)
		require.NoError(t, err)
		_, err = cfg.SyncManagerConfig(2, config.DirOutput, config.WatchdogDefault)
		require.NoError(t, err)
		_, err = d.RegisterPDOEntry(cfg, 2, config.DirOutput, config.PDOEntry{Index: 0x6040, BitLength: 16})
		require.NoError(t, err)
	}
	return reg, d
}

func TestDomainQueueAndProcessRoundTripNoRedundancy(t *testing.T) {
	_, d := buildTwoSlaveOutputDomain(t)
	require.NoError(t, d.Activate(0x10000, false))

	net := devsim.NewNetwork(2)
	bind := device.NewMain(devsim.NewLoopback(net))
	bm := ecmaster.NewBusManager(bind, &fakeClock{})

	require.NoError(t, d.Queue(bm))
	bm.Send()
	bm.Receive()

	state := d.Process()
	require.Equal(t, StateComplete, state)
	require.False(t, d.RedundancyActive())
}

func TestDomainRedundancyAdoptsBackupWhenMainOffline(t *testing.T) {
	_, d := buildTwoSlaveOutputDomain(t)
	require.NoError(t, d.Activate(0x10000, true))

	net := devsim.NewNetwork(2)
	mainLink := devsim.NewLoopback(net)
	backupLink := devsim.NewLoopback(net)
	mainLink.SetLinkUp(false)

	bind := device.NewRedundant(mainLink, backupLink)
	bm := ecmaster.NewBusManager(bind, &fakeClock{})

	require.NoError(t, d.Queue(bm))
	bm.Send()
	bm.Receive()

	state := d.Process()
	require.Equal(t, StateComplete, state)
	require.True(t, d.RedundancyActive())
}

func TestDomainProcessZeroStateWhenNoPairsSent(t *testing.T) {
	_, d := buildTwoSlaveOutputDomain(t)
	require.NoError(t, d.Activate(0x10000, false))
	// Never queued/sent this cycle: every pair stays at its zero value.
	require.Equal(t, StateZero, d.Process())
}
