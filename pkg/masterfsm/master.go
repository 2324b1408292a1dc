package masterfsm

import (
	"sync"

	ecmaster "github.com/ethercat-io/ecmaster"
	"github.com/ethercat-io/ecmaster/pkg/config"
	"github.com/ethercat-io/ecmaster/pkg/dc"
	"github.com/ethercat-io/ecmaster/pkg/domain"
	"github.com/ethercat-io/ecmaster/pkg/slavefsm"
)

// Phase is the master's top-level lifecycle phase (§3 "phase in
// {Orphaned, Idle, Operation}").
type Phase uint8

const (
	// PhaseOrphaned: no Ethernet device claimed.
	PhaseOrphaned Phase = iota
	// PhaseIdle: device(s) attached, master thread scans the bus, no
	// realtime user yet.
	PhaseIdle
	// PhaseOperation: the application owns the master; FMMU addresses are
	// frozen; process-data flows cyclically.
	PhaseOperation
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseOperation:
		return "Operation"
	default:
		return "Orphaned"
	}
}

// Master is the top-level owner: the list of discovered slaves, their
// declared configurations, every created domain, the master FSM, the
// injection ring, the application-time value and a
// pointer to the selected DC reference clock (§3 "Master").
type Master struct {
	mu sync.Mutex

	Phase Phase

	Slaves     []*slavefsm.Slave
	slaveFSMs  []*slavefsm.FSM
	Configs    *config.Registry
	Domains    []*domain.Domain

	Clocks       []*dc.SlaveClock
	clocksByStation map[uint16]*dc.SlaveClock
	RefClock     *dc.SlaveClock
	DesignatedRefClock *dc.SlaveClock

	AppTimeUs uint64

	Ring *Ring
	FSM  *FSM

	bm *ecmaster.BusManager
}

// NewMaster builds an orphaned master bound to no device yet; AttachBus
// transitions it to Idle (§3 transitions "Orphaned→Idle on device offer
// acceptance").
func NewMaster() *Master {
	m := &Master{
		Configs:         config.NewRegistry(),
		clocksByStation: make(map[uint16]*dc.SlaveClock),
		Ring:            NewRing(),
	}
	m.FSM = NewFSM(m)
	return m
}

// AttachBus claims a bus manager, moving the master from Orphaned to Idle.
func (m *Master) AttachBus(bm *ecmaster.BusManager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bm = bm
	m.Phase = PhaseIdle
}

// DetachBus releases the bus manager, moving the master back to Orphaned
// (§3 "any→Orphaned when the device withdraws").
func (m *Master) DetachBus() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bm = nil
	m.Phase = PhaseOrphaned
}

func (m *Master) Bus() *ecmaster.BusManager { return m.bm }

// SlaveFSMStage reports slave i's per-slave FSM stage, for monitoring and
// tests; panics on an out-of-range index same as a slice index would.
func (m *Master) SlaveFSMStage(i int) slavefsm.Stage {
	return m.slaveFSMs[i].Stage()
}

// CreateDomain appends and returns a new named domain (§6.2
// `create_domain(Master) → Domain`).
func (m *Master) CreateDomain(name string) *domain.Domain {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := domain.NewDomain(name)
	m.Domains = append(m.Domains, d)
	return d
}

// SlaveConfig returns (creating if needed) the configuration at
// (alias, position), mirroring §6.2 `slave_config`.
func (m *Master) SlaveConfig(alias, position uint16, vendorID, productCode uint32) (*config.SlaveConfig, error) {
	return m.Configs.SlaveConfig(alias, position, vendorID, productCode)
}

// AddSlave registers a discovered slave and its per-slave FSM, attaching
// it to cfg (§3 "the slave may be absent... without invalidating the
// configuration" implies the reverse binding happens here, once present).
func (m *Master) AddSlave(slave *slavefsm.Slave, cfg *config.SlaveConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Slaves = append(m.Slaves, slave)
	m.slaveFSMs = append(m.slaveFSMs, slavefsm.New(slave, cfg))

	clk := &dc.SlaveClock{
		Station:         slave.Station,
		BaseDCSupported: slave.BaseDCSupported,
		HasSystemTime:   slave.HasDCSystemTime,
	}
	m.Clocks = append(m.Clocks, clk)
	m.clocksByStation[slave.Station] = clk
}

// DesignateReferenceClock overrides automatic reference-clock selection
// with an application-chosen slave (§4.8 "an app-designated one").
func (m *Master) DesignateReferenceClock(station uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DesignatedRefClock = m.clocksByStation[station]
}

// Activate freezes configuration, lays out every domain and starts
// Operation phase (§6.2 `activate(Master)`).
func (m *Master) Activate(hasBackup bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Phase == PhaseOperation {
		return ecmaster.ErrAlreadyActive
	}
	base := uint32(0)
	for _, d := range m.Domains {
		if err := d.Activate(base, hasBackup); err != nil {
			return err
		}
		base += uint32(d.Size())
	}
	m.Phase = PhaseOperation
	return nil
}

// Deactivate returns the master to Idle phase. Every external request
// still Queued|Busy is the caller's responsibility to fail (§5
// "Cancellation... on deactivate() all external requests still
// Queued|Busy transition to Failure"); masterfsm itself holds no request
// lists, those live on config.SlaveConfig.
func (m *Master) Deactivate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Phase == PhaseOperation {
		m.Phase = PhaseIdle
	}
}
