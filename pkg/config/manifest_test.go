package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleManifest = `
[slave 0:1]
vendor_id = 0x00000002
product_code = 0x0f926012
allow_overlapping_pdos = false
dc_assign_activate = 0x0300
sync0_cycle_ns = 1000000
sync0_shift_ns = 0
watchdog_divider = 2498
watchdog_intervals = 100

[slave 0:1 sm 2]
direction = output
watchdog = default

[slave 0:1 sm 2 pdo 1600]
entries = 6040:00:16,607a:00:32

[slave 0:1 sdo]
6060:00 = 08

[slave 0:1 emergency]
ring_size = 4
`

func TestLoadManifestBuildsSlaveConfig(t *testing.T) {
	reg, err := LoadManifest([]byte(sampleManifest))
	require.NoError(t, err)

	cfg, ok := reg.Lookup(0, 1)
	require.True(t, ok)
	require.EqualValues(t, 0x2, cfg.VendorID)
	require.EqualValues(t, 0x0f926012, cfg.ProductCode)
	require.EqualValues(t, 0x0300, cfg.DCAssignActivate)
	require.EqualValues(t, 1000000, cfg.Sync0CycleNs)
	require.EqualValues(t, 2498, cfg.WatchdogDivider)

	sm := cfg.SyncManager(2)
	require.NotNil(t, sm)
	require.Equal(t, DirOutput, sm.Direction)
	require.Len(t, sm.PDOs, 1)
	require.Equal(t, uint16(0x1600), sm.PDOs[0].Index)
	require.Equal(t, 6, sm.PDOs[0].ByteSize())

	require.Len(t, cfg.InitialSDOs, 1)
	require.Equal(t, uint16(0x6060), cfg.InitialSDOs[0].Index)
	require.Equal(t, []byte{0x08}, cfg.InitialSDOs[0].Data)

	require.NotNil(t, cfg.Emergency)
	require.Equal(t, 4, cfg.Emergency.Size())
}

func TestLoadManifestRejectsMissingSlaveSection(t *testing.T) {
	_, err := LoadManifest([]byte(`
[slave 0:1 sm 2]
direction = output
`))
	require.Error(t, err)
}
