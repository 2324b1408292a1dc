package domain

import (
	ecmaster "github.com/ethercat-io/ecmaster"
	"github.com/ethercat-io/ecmaster/pkg/config"
)

// DatagramPair is a main datagram and, when a backup device is attached,
// an identical clone on the backup device, sharing one logical address
// range ≤ 1486 B (§3 "Datagram pair", §4.5 "Datagram-pair layout").
type DatagramPair struct {
	LogicalOffset uint32 // wire logical address (domain base + domain-relative offset)
	DomainOffset  uint32 // offset into the domain's own image buffer
	Size          int
	Command       ecmaster.Command
	ExpectedWkc   uint16
	FMMUs         []*FMMUConfig

	Main   *ecmaster.Datagram
	Backup *ecmaster.Datagram // nil unless a backup device is attached

	// sentBuffer holds a copy of Main's outgoing bytes from the moment it
	// was queued, used by redundancy reconciliation to tell which side
	// actually wrote fresh data (§4.7).
	sentBuffer []byte
}

// State classifies a domain's working-counter outcome after process()
// (§4.5 "Per-cycle operation").
type State uint8

const (
	StateZero State = iota
	StateIncomplete
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIncomplete:
		return "Incomplete"
	case StateComplete:
		return "Complete"
	default:
		return "Zero"
	}
}

// Activate finalizes the domain at the given running logical base
// address: it partitions the registered FMMUs into runs bounded by
// MaxLogicalChunk bytes and allocates one datagram pair per run,
// mirroring ec_domain_finalize_datagrams's delayed-commit scan of
// domain.c — a boundary is only closed once the FMMU that would overflow
// it is seen, so a run always holds the maximal prefix that still fits.
func (d *Domain) Activate(baseAddress uint32, hasBackup bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logicalBase = baseAddress
	d.pairs = nil

	size := 0
	for _, f := range d.fmmus {
		end := int(f.LogicalOffset) + f.ByteSize
		if end > size {
			size = end
		}
		if f.ByteSize > ecmaster.MaxLogicalChunk {
			return ecmaster.ErrOffsetOverflow
		}
	}
	d.imageSize = size
	d.image = make([]byte, size)

	if len(d.fmmus) == 0 {
		return nil
	}

	runStart := 0
	candidateEnd := 0
	var validEnd int
	var runFMMUs []*FMMUConfig
	var validFMMUs []*FMMUConfig

	flush := func(end int, fmmus []*FMMUConfig) {
		pair := d.newPair(uint32(runStart), end-runStart, fmmus)
		d.pairs = append(d.pairs, pair)
		runStart = end
	}

	for _, f := range d.fmmus {
		fEnd := int(f.LogicalOffset) + f.ByteSize
		if int(f.LogicalOffset) >= candidateEnd {
			validEnd = candidateEnd
			validFMMUs = append([]*FMMUConfig{}, runFMMUs...)
			if fEnd-runStart > ecmaster.MaxLogicalChunk {
				flush(validEnd, validFMMUs)
				runFMMUs = nil
				validFMMUs = nil
			}
		}
		runFMMUs = append(runFMMUs, f)
		if fEnd > candidateEnd {
			candidateEnd = fEnd
		}
	}
	if size > runStart {
		flush(size, runFMMUs)
	}

	for _, p := range d.pairs {
		p.Main = &ecmaster.Datagram{}
		if err := p.initDatagram(p.Main); err != nil {
			return err
		}
		p.Main.ExternalBuffer(d.image[p.DomainOffset : int(p.DomainOffset)+p.Size])
		if hasBackup {
			p.Backup = &ecmaster.Datagram{}
			if err := p.initDatagram(p.Backup); err != nil {
				return err
			}
			p.Backup.DeviceIndex = 1
			// The backup datagram owns its own payload rather than aliasing
			// the domain image: main and backup travel independent rings
			// and only one of the two returned buffers wins per cycle
			// (§4.7), so they cannot share storage the way main does.
			if err := p.Backup.Preallocate(p.Size); err != nil {
				return err
			}
		}
	}
	d.redundancyActive = false

	return nil
}

// newPair builds a DatagramPair for the FMMU run [start,end), choosing
// LRW/LWR/LRD by direction mix and computing the expected working counter
// (§4.5 step 3).
func (d *Domain) newPair(start uint32, size int, fmmus []*FMMUConfig) *DatagramPair {
	hasIn, hasOut := false, false
	outSlaveConfigs := map[string]bool{}
	inSlaveConfigs := map[string]bool{}
	for _, f := range fmmus {
		if f.Direction == config.DirInput {
			hasIn = true
			inSlaveConfigs[f.SlaveConfigKey] = true
		} else {
			hasOut = true
			outSlaveConfigs[f.SlaveConfigKey] = true
		}
	}

	var cmd ecmaster.Command
	var wkc uint16
	switch {
	case hasIn && hasOut:
		cmd = ecmaster.CmdLRW
		wkc = uint16(2*len(outSlaveConfigs) + len(inSlaveConfigs))
	case hasOut:
		cmd = ecmaster.CmdLWR
		wkc = uint16(len(fmmus))
	default:
		cmd = ecmaster.CmdLRD
		wkc = uint16(len(fmmus))
	}

	return &DatagramPair{
		LogicalOffset: d.logicalBase + start,
		DomainOffset:  start,
		Size:          size,
		Command:       cmd,
		ExpectedWkc:   wkc,
		FMMUs:         fmmus,
	}
}

func (p *DatagramPair) initDatagram(d *ecmaster.Datagram) error {
	switch p.Command {
	case ecmaster.CmdLRW:
		return d.LRW(p.LogicalOffset, p.Size)
	case ecmaster.CmdLWR:
		return d.LWR(p.LogicalOffset, p.Size)
	default:
		return d.LRD(p.LogicalOffset, p.Size)
	}
}

// Pairs returns every datagram pair built by Activate, in logical-address
// order.
func (d *Domain) Pairs() []*DatagramPair {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*DatagramPair, len(d.pairs))
	copy(out, d.pairs)
	return out
}

// Image returns the domain's process-image buffer, shared by every
// datagram pair's external buffer (§4.1 `external_buffer`).
func (d *Domain) Image() ecmaster.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ecmaster.Buffer(d.image)
}

func (d *Domain) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Domain) RedundancyActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.redundancyActive
}
