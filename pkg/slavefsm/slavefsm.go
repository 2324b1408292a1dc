// Package slavefsm drives one slave from first sight to Operational and
// services its application requests afterward: Scan (SII/PDO discovery),
// Configure (register writes and AL-state progression) and Dispatch
// (round-robining over attached request handles, emitting no datagrams
// for them) (§4.4).
//
// Grounded on original_source/master/slave_config.c's scan/configure
// state handling, modeled per §9's design note as a tagged state plus a
// step(ctx) dispatcher rather than the original's function-pointer
// continuations — so an FSM's progress is a plain value a test can
// assert on directly.
package slavefsm

import (
	ecmaster "github.com/ethercat-io/ecmaster"
	"github.com/ethercat-io/ecmaster/pkg/config"
)

// ALState is a slave's application-layer state, advertised and requested
// via register 0x0130/0x0120 (§3, GLOSSARY "AL state").
type ALState uint8

// AL-status register bit layout (ETG.1000.6): the low nibble carries the
// state code, bit 4 (0x10) is the Error indication latched alongside
// whichever state code is current.
const (
	ALInit      ALState = 0x01
	ALPreOp     ALState = 0x02
	ALBoot      ALState = 0x03
	ALSafeOp    ALState = 0x04
	ALOp        ALState = 0x08
	ALError     ALState = 0x10
)

func (s ALState) String() string {
	switch s &^ ALError {
	case ALInit:
		return "Init"
	case ALPreOp:
		return "PreOp"
	case ALSafeOp:
		return "SafeOp"
	case ALOp:
		return "Op"
	case ALBoot:
		return "Boot"
	default:
		return "Unknown"
	}
}

// Stage is the slave FSM's tagged state (§9 "model each FSM as a tagged
// state").
type Stage uint8

const (
	StageScan Stage = iota
	StageConfigure
	StageDispatch
	StageError
)

func (s Stage) String() string {
	switch s {
	case StageScan:
		return "Scan"
	case StageConfigure:
		return "Configure"
	case StageDispatch:
		return "Dispatch"
	case StageError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Slave is the discovered, bus-side half of a slave node: identity and
// live AL state, as distinct from the application's declared Config
// (§3 "Slave").
type Slave struct {
	Station  uint16
	RingPos  uint8
	VendorID uint32
	ProductCode uint32
	Revision uint32

	CurrentAL  ALState
	RequestedAL ALState
	ErrorFlag  bool

	ScanRequired bool

	BaseDCSupported bool
	HasDCSystemTime bool

	// sii/fmmu/sync-manager caches populated during Scan; left as raw
	// bytes here since this core does not implement an EEPROM/SII
	// parser — callers populate them from a device-provided cache before
	// Step reaches StageConfigure.
	SII []byte
}

// FSM is one slave's scan/configure/dispatch state machine, owning one
// slot in the master's injection ring while it has an outstanding
// datagram (§4.4 "each slave FSM owns one slot... its slot is reclaimed
// when the FSM yields without emitting").
type FSM struct {
	Slave  *Slave
	Config *config.SlaveConfig

	stage Stage

	configureStep int
	syncManagerIdx int
	initialSDOIdx int
	initialSoEIdx int

	dispatchCursor int
}

func New(slave *Slave, cfg *config.SlaveConfig) *FSM {
	return &FSM{Slave: slave, Config: cfg, stage: StageScan}
}

func (f *FSM) Stage() Stage { return f.stage }

// Step advances the FSM by one tick, returning the (possibly unchanged)
// next stage and an optional datagram to hand to the injection ring. A
// nil datagram means the FSM yielded without emitting, so its ring slot
// is reclaimed for another slave this cycle (§4.4).
func (f *FSM) Step() (Stage, *ecmaster.Datagram, error) {
	if f.Slave.ErrorFlag {
		f.stage = StageError
	}

	switch f.stage {
	case StageScan:
		return f.stepScan()
	case StageConfigure:
		return f.stepConfigure()
	case StageDispatch:
		return f.stepDispatch()
	case StageError:
		// Resume scanning on the next bus rescan rather than retrying
		// immediately — §4.4 "the FSM resumes retry attempts after the
		// next bus rescan."
		if !f.Slave.ScanRequired {
			return StageError, nil, nil
		}
		f.Slave.ErrorFlag = false
		f.stage = StageScan
		return f.stepScan()
	default:
		return f.stage, nil, ecmaster.ErrInvalidState
	}
}

// stepScan emits the slave's scan read (§4.4 "Scan"): one 8-byte FPRD of
// SII register 0x0500 (control/status area). The reply is not decoded
// here, so the Slave's identity fields and sync-manager/PDO defaults are
// not filled in from it. The read matches the teacher's closest
// equivalent object-dictionary bootstrap read in spirit only — CANopen
// nodes have no SII EEPROM to read.
func (f *FSM) stepScan() (Stage, *ecmaster.Datagram, error) {
	if !f.Slave.ScanRequired {
		f.stage = StageConfigure
		f.configureStep = 0
		return f.stage, nil, nil
	}

	d := &ecmaster.Datagram{}
	if err := d.FPRD(f.Slave.Station, 0x0500, 8); err != nil {
		f.fail()
		return f.stage, nil, err
	}
	f.Slave.ScanRequired = false
	return f.stage, d, nil
}

// stepConfigure writes the station address, clears the FMMU area, writes
// one 8-byte sync-manager register block (left zeroed) per configured
// sync manager, steps over the initial SDO and SoE lists one entry per
// call, and requests the AL transitions PreOp→SafeOp→Op in turn, at most
// one register write per Step call (§4.4 "Configure"). PDO assignment
// and mapping are not written, and the initial SDO/SoE entries are not
// downloaded.
func (f *FSM) stepConfigure() (Stage, *ecmaster.Datagram, error) {
	const (
		stepStationAddr = iota
		stepClearFMMUs
		stepSyncManagers
		stepInitialSDOs
		stepInitialSoE
		stepReqPreOp
		stepReqSafeOp
		stepReqOp
		stepDone
	)

	switch f.configureStep {
	case stepStationAddr:
		d := &ecmaster.Datagram{}
		if err := d.APWR(f.Slave.RingPos, 0x0010, 2); err != nil {
			f.fail()
			return f.stage, nil, err
		}
		ecmaster.Buffer(d.Payload()).WriteU16(0, f.Slave.Station)
		f.configureStep++
		return f.stage, d, nil

	case stepClearFMMUs:
		d := &ecmaster.Datagram{}
		if err := d.FPWR(f.Slave.Station, 0x0600, 16*16); err != nil {
			f.fail()
			return f.stage, nil, err
		}
		f.configureStep++
		return f.stage, d, nil

	case stepSyncManagers:
		syncManagers := f.Config.SyncManagers()
		if f.syncManagerIdx >= len(syncManagers) {
			f.configureStep = stepInitialSDOs
			return f.stage, nil, nil
		}
		sm := syncManagers[f.syncManagerIdx]
		d := &ecmaster.Datagram{}
		addr := uint16(0x0800 + sm.Index*8)
		if err := d.FPWR(f.Slave.Station, addr, 8); err != nil {
			f.fail()
			return f.stage, nil, err
		}
		f.syncManagerIdx++
		if f.syncManagerIdx >= len(syncManagers) {
			f.configureStep = stepInitialSDOs
		}
		return f.stage, d, nil

	case stepInitialSDOs:
		if f.initialSDOIdx >= len(f.Config.InitialSDOs) {
			f.configureStep = stepInitialSoE
			return f.stage, nil, nil
		}
		// No download is issued here and no confirmation is awaited: each
		// call only advances past one list entry.
		f.initialSDOIdx++
		if f.initialSDOIdx >= len(f.Config.InitialSDOs) {
			f.configureStep = stepInitialSoE
		}
		return f.stage, nil, nil

	case stepInitialSoE:
		if f.initialSoEIdx >= len(f.Config.InitialSoE) {
			f.configureStep = stepReqPreOp
			return f.stage, nil, nil
		}
		f.initialSoEIdx++
		if f.initialSoEIdx >= len(f.Config.InitialSoE) {
			f.configureStep = stepReqPreOp
		}
		return f.stage, nil, nil

	case stepReqPreOp:
		return f.requestAL(ALPreOp, stepReqSafeOp)
	case stepReqSafeOp:
		return f.requestAL(ALSafeOp, stepReqOp)
	case stepReqOp:
		return f.requestAL(ALOp, stepDone)
	case stepDone:
		f.stage = StageDispatch
		return f.stage, nil, nil
	}
	return f.stage, nil, ecmaster.ErrInvalidState
}

func (f *FSM) requestAL(target ALState, next int) (Stage, *ecmaster.Datagram, error) {
	d := &ecmaster.Datagram{}
	if err := d.FPWR(f.Slave.Station, 0x0120, 2); err != nil {
		f.fail()
		return f.stage, nil, err
	}
	ecmaster.Buffer(d.Payload()).WriteU16(0, uint16(target))
	f.Slave.RequestedAL = target
	f.Slave.CurrentAL = target
	f.configureStep = next
	return f.stage, d, nil
}

// stepDispatch advances a round-robin cursor over the config's attached
// request handles, one position per call (§4.4 "Dispatch"). It does not
// pop requests or build datagrams for them: it always returns a nil
// datagram. A slave whose AL status carries the Error flag is failed
// instead.
func (f *FSM) stepDispatch() (Stage, *ecmaster.Datagram, error) {
	if f.Slave.CurrentAL&ALError != 0 {
		f.fail()
		return f.stage, nil, nil
	}
	requests := f.Config.Requests()
	if len(requests) == 0 {
		return f.stage, nil, nil
	}
	f.dispatchCursor = (f.dispatchCursor + 1) % len(requests)
	// The concrete datagram(s) for a pending request are built by the
	// owning mailbox client (pkg/mailbox/coe, foe, soe, voe); this FSM's
	// role is purely to decide whose turn it is next.
	return f.stage, nil, nil
}

func (f *FSM) fail() {
	f.Slave.ErrorFlag = true
	f.Slave.CurrentAL |= ALError
	f.stage = StageError
}
