// Package domain implements the process-data domain engine: FMMU
// placement, datagram-pair construction, working-counter accounting and
// redundancy arbitration (§3 "Domain"/"FMMU config", §4.5, §4.7). It is
// grounded on the original IgH master's domain.c/datagram_pair.c and on
// the teacher's pkg/pdo package's role of mapping application data onto a
// cyclically-exchanged image (pkg/pdo/common.go's streamer/mapping model,
// generalized from per-object SDO mapping to per-FMMU logical-address
// mapping).
//
// domain depends on pkg/config (to read a SlaveConfig's identity and
// overlapping-PDO flag while placing its FMMUs) but config never depends
// back on domain: an FMMUConfig keeps only the owning SlaveConfig's Key
// string, never a pointer, so the two packages form a one-way edge (§9
// "Cyclic references... break with arena storage and stable indices").
package domain

import (
	"fmt"
	"sync"

	ecmaster "github.com/ethercat-io/ecmaster"
	"github.com/ethercat-io/ecmaster/pkg/config"
)

// FMMUConfig maps a contiguous logical address range onto one slave's
// physical memory for one direction (§3 "FMMU config"). It is produced
// from (slave-config, sync-manager, domain) and owns one of the slave's
// sixteen FMMU entries once configured.
type FMMUConfig struct {
	SlaveConfigKey   string
	SyncManagerIndex int
	Direction        config.Direction
	LogicalOffset    uint32
	ByteSize         int
}

func (f *FMMUConfig) fmmuKey() string {
	return fmt.Sprintf("%s/%d/%d", f.SlaveConfigKey, f.SyncManagerIndex, f.Direction)
}

// entrySize rounds a PDO entry's bit length up to whole bytes. Sub-byte
// packing within one FMMU is tracked by the config-level PDO entry list;
// the domain only needs byte extents for logical addressing and run
// partitioning.
func entrySize(e config.PDOEntry) int {
	return (int(e.BitLength) + 7) / 8
}

// Domain is a named container of FMMU configs; it owns a contiguous
// process-image buffer and the datagram pairs built from it on activation
// (§3 "Domain").
type Domain struct {
	Name string

	mu sync.Mutex

	// offsetUsed[dir] is the running total of bytes registered for that
	// direction across every FMMU in this domain so far (§4.5 step 2-3).
	offsetUsed       [2]uint32
	fmmuByKey        map[string]*FMMUConfig
	fmmuCountPerSlaveConfig map[string]int
	fmmus            []*FMMUConfig

	logicalBase uint32
	pairs       []*DatagramPair
	imageSize   int
	image       []byte

	state            State
	redundancyActive bool
}

func NewDomain(name string) *Domain {
	return &Domain{
		Name:                    name,
		fmmuByKey:               make(map[string]*FMMUConfig),
		fmmuCountPerSlaveConfig: make(map[string]int),
	}
}

// RegisterPDOEntry implements §4.5's FMMU placement algorithm: find or
// create the FMMU for (cfg, smIndex, dir), assign its logical base offset
// the first time it is created, then append entry at the end of that
// FMMU's byte range. It returns the logical byte offset of entry within
// this domain's process image.
func (d *Domain) RegisterPDOEntry(cfg *config.SlaveConfig, smIndex int, dir config.Direction, entry config.PDOEntry) (uint32, error) {
	if cfg.SyncManager(smIndex) == nil {
		return 0, ecmaster.ErrUnknownSyncManager
	}
	if entry.BitLength%8 != 0 && entry.BitLength != 0 {
		// Bit-level sub-byte entries are valid at the config/PDO layer but
		// the domain only deals in byte extents; a lone non-byte-aligned
		// entry with no surrounding packing has nowhere to round to.
		if entrySize(entry) == 0 {
			return 0, ecmaster.ErrBitAlignment
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	f := &FMMUConfig{SlaveConfigKey: cfg.Key(), SyncManagerIndex: smIndex, Direction: dir}
	key := f.fmmuKey()
	fmmu, exists := d.fmmuByKey[key]
	if !exists {
		count := d.fmmuCountPerSlaveConfig[cfg.Key()]
		var base uint32
		if cfg.AllowOverlappingPDOs && count >= 1 {
			base = d.offsetUsed[dir]
		} else {
			base = maxU32(d.offsetUsed[config.DirOutput], d.offsetUsed[config.DirInput])
		}
		fmmu = &FMMUConfig{SlaveConfigKey: cfg.Key(), SyncManagerIndex: smIndex, Direction: dir, LogicalOffset: base}
		d.fmmuByKey[key] = fmmu
		d.fmmus = append(d.fmmus, fmmu)
		d.fmmuCountPerSlaveConfig[cfg.Key()] = count + 1
	}

	size := entrySize(entry)
	offset := fmmu.LogicalOffset + uint32(fmmu.ByteSize)
	fmmu.ByteSize += size
	d.offsetUsed[dir] += uint32(size)
	return offset, nil
}

// Size is the domain's current logical image size: the highest byte not
// yet covered by any registered FMMU (§3 Domain invariant (b)).
func (d *Domain) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	max := 0
	for _, f := range d.fmmus {
		end := int(f.LogicalOffset) + f.ByteSize
		if end > max {
			max = end
		}
	}
	return max
}

// FMMUs returns every registered FMMU config, in registration order.
func (d *Domain) FMMUs() []*FMMUConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*FMMUConfig, len(d.fmmus))
	copy(out, d.fmmus)
	return out
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
