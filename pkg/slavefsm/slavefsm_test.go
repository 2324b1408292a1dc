package slavefsm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethercat-io/ecmaster/pkg/config"
)

func newTestFSM(t *testing.T) *FSM {
	t.Helper()
	reg := config.NewRegistry()
	cfg, err := reg.SlaveConfig(0, 1, 0x1, 0x1)
	require.NoError(t, err)
	_, err = cfg.SyncManagerConfig(2, config.DirOutput, config.WatchdogDefault)
	require.NoError(t, err)
	slave := &Slave{Station: 0x1001, RingPos: 0, ScanRequired: true}
	return New(slave, cfg)
}

func TestScanEmitsSIIReadThenAdvancesToConfigure(t *testing.T) {
	f := newTestFSM(t)

	stage, d, err := f.Step()
	require.NoError(t, err)
	require.Equal(t, StageScan, stage)
	require.NotNil(t, d, "expected a Scan-stage SII read datagram")
	require.False(t, f.Slave.ScanRequired, "expected ScanRequired cleared after the scan read")

	stage, d, err = f.Step()
	require.NoError(t, err)
	require.Equal(t, StageConfigure, stage)
	require.Nil(t, d, "expected a yield into Configure with no datagram")
}

func TestConfigureProgressesThroughALStatesToDispatch(t *testing.T) {
	f := newTestFSM(t)
	f.Slave.ScanRequired = false
	f.stage = StageConfigure

	var stage Stage
	var err error
	for i := 0; i < 20 && stage != StageDispatch; i++ {
		stage, _, err = f.Step()
		require.NoError(t, err)
	}
	require.Equal(t, StageDispatch, stage, "expected Configure to reach Dispatch")
	require.Zero(t, f.Slave.CurrentAL&ALError, "did not expect error flag set")
	require.Equal(t, ALOp, f.Slave.RequestedAL, "expected final requested AL state Op")
}

func TestErrorStageResumesOnNextRescan(t *testing.T) {
	f := newTestFSM(t)
	f.Slave.ScanRequired = false // no rescan flagged yet
	f.fail()
	require.Equal(t, StageError, f.Stage())

	stage, _, err := f.Step()
	require.NoError(t, err)
	require.Equal(t, StageError, stage, "expected to stay in Error until a rescan is flagged")

	f.Slave.ScanRequired = true
	stage, d, err := f.Step()
	require.NoError(t, err)
	require.Equal(t, StageScan, stage, "expected Error to resume into a Scan read once ScanRequired is set")
	require.NotNil(t, d)
	require.False(t, f.Slave.ErrorFlag, "expected ErrorFlag cleared on resume")
}

func TestDispatchRoundRobinsAcrossRequests(t *testing.T) {
	f := newTestFSM(t)
	f.stage = StageDispatch

	h1 := fakeRequest{}
	h2 := fakeRequest{}
	f.Config.AttachRequest(h1)
	f.Config.AttachRequest(h2)

	stage, d, err := f.Step()
	require.NoError(t, err)
	require.Equal(t, StageDispatch, stage)
	require.Nil(t, d, "dispatch with no concrete datagram builder yields nil datagram")
	require.Equal(t, 1, f.dispatchCursor, "expected dispatch cursor to advance to 1")
}

type fakeRequest struct{}

func (fakeRequest) State() config.RequestState { return config.RequestBusy }
func (fakeRequest) Data() []byte                { return nil }
