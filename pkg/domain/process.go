package domain

import (
	ecmaster "github.com/ethercat-io/ecmaster"
)

// Queue enqueues every datagram pair's main (and, if attached, backup)
// datagram onto bm for the next frame send, and snapshots the outgoing
// bytes so Process can later tell which side actually wrote fresh data
// (§4.5 "Per-cycle operation", §4.7).
func (d *Domain) Queue(bm *ecmaster.BusManager) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, p := range d.pairs {
		out := d.image[p.DomainOffset : int(p.DomainOffset)+p.Size]
		if cap(p.sentBuffer) < len(out) {
			p.sentBuffer = make([]byte, len(out))
		}
		p.sentBuffer = p.sentBuffer[:len(out)]
		copy(p.sentBuffer, out)

		if p.Backup != nil {
			copy(p.Backup.Payload(), out)
		}

		bm.Enqueue(p.Main)
		if p.Backup != nil {
			bm.Enqueue(p.Backup)
		}
	}
	return nil
}

// Process is called once bm has run a full send/receive cycle for every
// queued datagram. It takes each pair's working counter, reconciling main
// vs. backup when main alone did not satisfy ExpectedWkc, and classifies
// the domain: Zero if every pair reports 0, Complete if every pair reaches
// its ExpectedWkc, Incomplete otherwise (§4.5 "Per-cycle operation", §4.7
// "Redundancy").
//
// Reconciliation is approximated at pair granularity: the pair, not each
// individual input FMMU within it, is the unit compared and adopted. A
// pair is already bounded to MaxLogicalChunk bytes and exchanged as one
// atomic datagram, so this keeps the working-counter accounting exact
// while avoiding a second buffer-diffing pass over every FMMU's
// sub-range.
func (d *Domain) Process() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pairs) == 0 {
		d.state = StateZero
		return d.state
	}

	allZero := true
	allComplete := true

	for _, p := range d.pairs {
		wkc := d.reconcilePair(p)
		if wkc == 0 {
			allComplete = false
			continue
		}
		allZero = false
		if wkc < p.ExpectedWkc {
			allComplete = false
		}
	}

	switch {
	case allZero:
		d.state = StateZero
	case allComplete:
		d.state = StateComplete
	default:
		d.state = StateIncomplete
	}
	return d.state
}

// reconcilePair resolves one pair's outcome for this cycle and returns the
// working counter that outcome carries, leaving d.image holding the
// bytes the caller should treat as authoritative for that pair's range.
func (d *Domain) reconcilePair(p *DatagramPair) uint16 {
	mainOK := p.Main.State == ecmaster.StateReceived && p.Main.WorkingCtr == p.ExpectedWkc
	if mainOK {
		return p.Main.WorkingCtr
	}

	if p.Backup == nil {
		if p.Main.State == ecmaster.StateReceived {
			return p.Main.WorkingCtr
		}
		return 0
	}

	backupOK := p.Backup.State == ecmaster.StateReceived && p.Backup.WorkingCtr == p.ExpectedWkc
	mainDiffers := p.Main.State == ecmaster.StateReceived && !bytesEqual(p.Main.Payload(), p.sentBuffer)
	backupDiffers := p.Backup.State == ecmaster.StateReceived && !bytesEqual(p.Backup.Payload(), p.sentBuffer)

	switch {
	case backupOK || (backupDiffers && !mainDiffers):
		out := d.image[p.DomainOffset : int(p.DomainOffset)+p.Size]
		copy(out, p.Backup.Payload())
		d.redundancyActive = true
		return p.Backup.WorkingCtr
	case mainDiffers:
		return p.Main.WorkingCtr
	default:
		// Neither side differs from what was sent: combine what each
		// device actually reported before giving up on the cycle.
		var combined uint16
		if p.Main.State == ecmaster.StateReceived {
			combined += p.Main.WorkingCtr
		}
		if p.Backup.State == ecmaster.StateReceived {
			combined += p.Backup.WorkingCtr
		}
		if combined >= p.ExpectedWkc {
			return combined
		}
		// Incomplete with no fresh data on either side: report zero
		// rather than a stale partial count, to avoid bit-flicker on
		// application-visible inputs (§4.7).
		return 0
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
