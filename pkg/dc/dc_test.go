package dc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestComputeOffset32BitWrap exercises §8 scenario 4: S=0x00000100,
// app_time_sent=0x00001000, O_old=0 yields a new offset of 0xF00
// (3840ns), and a later cycle where the slave's system time has already
// caught up to app_time_sent produces no further write.
func TestComputeOffset32BitWrap(t *testing.T) {
	slave := &SlaveClock{Station: 1, BaseDCSupported: true, HasSystemTime: true}

	newOffset, changed := ComputeOffset(slave, 0x00001000, 0x00000100)
	require.True(t, changed, "expected offset to change on first cycle")
	require.Equal(t, int64(0xF00), newOffset)
	slave.OffsetNs = newOffset

	// Second cycle: the slave's reported system time has caught up to
	// app_time_sent (as it would once the corrected offset takes effect),
	// so the diff collapses to zero and no further write is issued.
	newOffset2, changed2 := ComputeOffset(slave, 0x00001000, 0x00001000)
	require.False(t, changed2, "expected no change on second cycle")
	require.Equal(t, slave.OffsetNs, newOffset2)
}

func TestComputeOffsetBelowThresholdKeepsOldOffset(t *testing.T) {
	slave := &SlaveClock{Station: 1, OffsetNs: 500}
	newOffset, changed := ComputeOffset(slave, 1000, 900) // diff=100ns, below 1us threshold
	require.False(t, changed, "expected no change for sub-threshold diff")
	require.Equal(t, int64(500), newOffset)
}

func TestWriteSystemTimesSkipsFilterResetPastSafeOp(t *testing.T) {
	slave := &SlaveClock{Station: 1, PastSafeOp: true}
	decision := WriteSystemTimes(slave, 0x00001000, 0x00000100)
	require.True(t, decision.Write)
	require.False(t, decision.FilterReset, "expected filter reset to be skipped once slave is past SafeOp")
}

func TestWriteSystemTimesIncludesFilterResetBeforeSafeOp(t *testing.T) {
	slave := &SlaveClock{Station: 1}
	decision := WriteSystemTimes(slave, 0x00001000, 0x00000100)
	require.True(t, decision.Write)
	require.True(t, decision.FilterReset)
}

func TestSelectReferenceClockPrefersDesignated(t *testing.T) {
	a := &SlaveClock{Station: 1, BaseDCSupported: true, HasSystemTime: true}
	b := &SlaveClock{Station: 2, BaseDCSupported: true, HasSystemTime: true}
	got := SelectReferenceClock([]*SlaveClock{a, b}, b)
	require.Same(t, b, got, "expected designated slave to win")
}

func TestSelectReferenceClockFallsBackToFirstCapable(t *testing.T) {
	a := &SlaveClock{Station: 1}
	b := &SlaveClock{Station: 2, BaseDCSupported: true, HasSystemTime: true}
	got := SelectReferenceClock([]*SlaveClock{a, b}, nil)
	require.Same(t, b, got, "expected first DC-capable slave to be selected")
}

func TestPropagateTopologySumsPortDelays(t *testing.T) {
	ref := &SlaveClock{Station: 1}
	ref.NextStation[0] = 2
	ref.PortDelayNs[0] = 100

	mid := &SlaveClock{Station: 2}
	mid.NextStation[0] = 3
	mid.PortDelayNs[0] = 50

	leaf := &SlaveClock{Station: 3}

	byStation := map[uint16]*SlaveClock{1: ref, 2: mid, 3: leaf}
	PropagateTopology(ref, byStation)

	require.Equal(t, uint32(100), mid.TransmissionDelayNs)
	require.Equal(t, uint32(150), leaf.TransmissionDelayNs, "expected leaf cumulative delay 150")
}
