package config

import (
	"testing"

	ecmaster "github.com/ethercat-io/ecmaster"
	"github.com/stretchr/testify/require"
)

func TestSlaveConfigIdempotentCreation(t *testing.T) {
	reg := NewRegistry()
	a, err := reg.SlaveConfig(0, 1, 0x2, 0x0f926012)
	require.NoError(t, err)

	b, err := reg.SlaveConfig(0, 1, 0x2, 0x0f926012)
	require.NoError(t, err)
	require.Same(t, a, b)
}

func TestSlaveConfigIdentityMismatchRejected(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.SlaveConfig(0, 1, 0x2, 0x0f926012)
	require.NoError(t, err)

	_, err = reg.SlaveConfig(0, 1, 0x2, 0xdeadbeef)
	require.ErrorIs(t, err, ecmaster.ErrIdentityMismatch)
}

func TestSyncManagerConfigRejectsUnknownIndex(t *testing.T) {
	reg := NewRegistry()
	cfg, err := reg.SlaveConfig(0, 1, 1, 1)
	require.NoError(t, err)

	_, err = cfg.SyncManagerConfig(99, DirOutput, WatchdogDefault)
	require.ErrorIs(t, err, ecmaster.ErrUnknownSyncManager)
}

func TestPDOAssignRequiresConfiguredSyncManager(t *testing.T) {
	reg := NewRegistry()
	cfg, err := reg.SlaveConfig(0, 1, 1, 1)
	require.NoError(t, err)

	pdo := &PDO{Index: 0x1600}
	err = cfg.PDOAssign(2, pdo)
	require.ErrorIs(t, err, ecmaster.ErrUnknownSyncManager)
}

func TestPDOMappingByteAlignedEntries(t *testing.T) {
	reg := NewRegistry()
	cfg, err := reg.SlaveConfig(0, 1, 1, 1)
	require.NoError(t, err)
	_, err = cfg.SyncManagerConfig(2, DirOutput, WatchdogDefault)
	require.NoError(t, err)

	pdo := &PDO{Index: 0x1600}
	err = cfg.PDOMapping(pdo, PDOEntry{Index: 0x6040, BitLength: 16}, PDOEntry{Index: 0x607A, BitLength: 32})
	require.NoError(t, err)
	require.NoError(t, cfg.PDOAssign(2, pdo))
	require.Equal(t, 6, pdo.ByteSize())
}

func TestEmergencyRingFIFOOrderAndOverrunCounter(t *testing.T) {
	ring := NewEmergencyRing(2)
	ring.Push(EmergencyRecord{ErrorCode: 1})
	ring.Push(EmergencyRecord{ErrorCode: 2})
	ring.Push(EmergencyRecord{ErrorCode: 3}) // dropped: ring full

	require.EqualValues(t, 1, ring.Overruns())

	first, ok := ring.Pop()
	require.True(t, ok)
	require.EqualValues(t, 1, first.ErrorCode)

	second, ok := ring.Pop()
	require.True(t, ok)
	require.EqualValues(t, 2, second.ErrorCode)

	_, ok = ring.Pop()
	require.False(t, ok)
}

func TestEmergencyRingClearResetsOverruns(t *testing.T) {
	ring := NewEmergencyRing(1)
	ring.Push(EmergencyRecord{ErrorCode: 1})
	ring.Push(EmergencyRecord{ErrorCode: 2}) // overrun
	ring.Clear()
	require.EqualValues(t, 0, ring.Overruns())
	_, ok := ring.Pop()
	require.False(t, ok)
}
