// Package config is the slave-configuration data model the application
// builds before activation: slave configs, sync managers, PDO mappings and
// DC settings (§3 "Slave configuration", §6.2). It is grounded on the
// teacher's pkg/config (NodeConfigurator and its builder-style setters)
// generalized from an SDO-client-backed object-dictionary writer into a
// plain in-memory model, since EtherCAT slave configuration is declared by
// the application before a slave is even online rather than written
// through a live SDO channel.
package config

import (
	"fmt"
	"sync"

	ecmaster "github.com/ethercat-io/ecmaster"
)

// Direction is a sync manager's data direction (§3 "Sync manager").
type Direction uint8

const (
	DirOutput Direction = iota
	DirInput
)

func (d Direction) String() string {
	if d == DirInput {
		return "Input"
	}
	return "Output"
}

// WatchdogMode controls whether a sync manager's watchdog is governed by
// the slave's default, forced on, or forced off (§6.2 `sync_manager`).
type WatchdogMode uint8

const (
	WatchdogDefault WatchdogMode = iota
	WatchdogEnable
	WatchdogDisable
)

// PDOEntry is one mapped object: (index, subindex, bit-length) (§3).
type PDOEntry struct {
	Index     uint16
	SubIndex  uint8
	BitLength uint8
}

// byteSize rounds a PDO entry's bit length up to whole bytes for FMMU
// sizing purposes; sub-byte entries still occupy their containing byte.
func (e PDOEntry) byteSize() int {
	return (int(e.BitLength) + 7) / 8
}

// PDO is a named, ordered collection of entries assigned to one sync
// manager (§3 "PDO / PDO entry").
type PDO struct {
	Index   uint16
	Name    string
	Entries []PDOEntry
}

// ByteSize is the sum of this PDO's entries' byte sizes.
func (p *PDO) ByteSize() int {
	total := 0
	for _, e := range p.Entries {
		total += e.byteSize()
	}
	return total
}

// SyncManager is one of a slave's 0-15 sync managers (§3).
type SyncManager struct {
	Index     int
	Direction Direction
	Watchdog  WatchdogMode
	PDOs      []*PDO
}

// ByteSize sums the byte size of every PDO assigned to this sync manager.
func (sm *SyncManager) ByteSize() int {
	total := 0
	for _, p := range sm.PDOs {
		total += p.ByteSize()
	}
	return total
}

// RequestState is the lifecycle of an asynchronous mailbox request handle
// (§6.2 "state ∈ {Unused, Busy, Success, Error}").
type RequestState uint8

const (
	RequestUnused RequestState = iota
	RequestBusy
	RequestSuccess
	RequestError
)

func (s RequestState) String() string {
	switch s {
	case RequestBusy:
		return "Busy"
	case RequestSuccess:
		return "Success"
	case RequestError:
		return "Error"
	default:
		return "Unused"
	}
}

// RequestHandle is the common surface every asynchronous mailbox request
// (SDO, FoE, SoE, VoE, register) exposes to the application (§6.2). The
// concrete FSMs implementing it live in package mailbox and its
// subpackages; config only needs to hold and enumerate live handles.
type RequestHandle interface {
	State() RequestState
	Data() []byte
}

// EmergencyRecord is one unsolicited CoE emergency message (§4.6.2).
type EmergencyRecord struct {
	ErrorCode     uint16
	ErrorRegister uint8
	Data          [5]byte
}

// EmergencyRing is a bounded, application-sized FIFO of emergency records
// (§4.6.2, §8 "round-trip law"). Overruns increment a counter rather than
// blocking or growing the ring.
type EmergencyRing struct {
	mu       sync.Mutex
	buf      []EmergencyRecord
	head     int
	count    int
	overruns uint32
}

// NewEmergencyRing creates a ring holding at most n records.
func NewEmergencyRing(n int) *EmergencyRing {
	return &EmergencyRing{buf: make([]EmergencyRecord, n)}
}

func (r *EmergencyRing) Size() int { return len(r.buf) }

// Push appends a record, dropping the push and incrementing Overruns if
// the ring is full.
func (r *EmergencyRing) Push(rec EmergencyRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		r.overruns++
		return
	}
	if r.count == len(r.buf) {
		r.overruns++
		return
	}
	tail := (r.head + r.count) % len(r.buf)
	r.buf[tail] = rec
	r.count++
}

// Pop removes and returns the oldest record, FIFO order.
func (r *EmergencyRing) Pop() (EmergencyRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return EmergencyRecord{}, false
	}
	rec := r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return rec, true
}

// Clear empties the ring and resets the overrun counter.
func (r *EmergencyRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head, r.count, r.overruns = 0, 0, 0
}

func (r *EmergencyRing) Overruns() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overruns
}

// SDOInit is one entry of a slave config's initial-download list, applied
// by the slave FSM's Configure phase before requesting PreOp→SafeOp (§4.4).
type SDOInit struct {
	Index    uint16
	SubIndex uint8
	Data     []byte
	Complete bool // complete-access download (subindex 0 covers whole object)
}

// SoEInit is one entry of a slave config's initial IDN-download list.
type SoEInit struct {
	DriveNo uint8
	IDN     uint16
	Data    []byte
}

// SlaveConfig is the application's declared expectation of a slave at
// (alias, position) (§3 "Slave configuration"). It attaches to at most one
// discovered Slave; the slave may be absent without invalidating it.
type SlaveConfig struct {
	mu sync.Mutex

	Alias       uint16
	Position    uint16
	VendorID    uint32
	ProductCode uint32

	syncManagers [16]*SyncManager

	AllowOverlappingPDOs bool
	SendIntervalUs       uint32

	DCAssignActivate uint16
	Sync0CycleNs     int64
	Sync0ShiftNs     int64
	Sync1CycleNs     int64
	Sync1ShiftNs     int64

	WatchdogDivider   uint16
	WatchdogIntervals uint16

	InitialSDOs []SDOInit
	InitialSoE  []SoEInit

	Emergency *EmergencyRing

	requests []RequestHandle
}

// Key identifies a SlaveConfig by its (alias, position) address, mirroring
// how the registry enforces idempotent creation (§6.2).
func (c *SlaveConfig) Key() string {
	return fmt.Sprintf("%d:%d", c.Alias, c.Position)
}

// SyncManagerConfig declares sync manager idx's direction and watchdog
// mode, creating it if needed (§6.2 `sync_manager(idx, dir, wd_mode)`).
func (c *SlaveConfig) SyncManagerConfig(idx int, dir Direction, wd WatchdogMode) (*SyncManager, error) {
	if idx < 0 || idx >= len(c.syncManagers) {
		return nil, ecmaster.ErrUnknownSyncManager
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sm := c.syncManagers[idx]
	if sm == nil {
		sm = &SyncManager{Index: idx}
		c.syncManagers[idx] = sm
	}
	sm.Direction = dir
	sm.Watchdog = wd
	return sm, nil
}

// SyncManager returns sync manager idx, or nil if it was never configured.
func (c *SlaveConfig) SyncManager(idx int) *SyncManager {
	if idx < 0 || idx >= len(c.syncManagers) {
		return nil
	}
	return c.syncManagers[idx]
}

// SyncManagers returns every configured (non-nil) sync manager, in index
// order.
func (c *SlaveConfig) SyncManagers() []*SyncManager {
	var out []*SyncManager
	for _, sm := range c.syncManagers {
		if sm != nil {
			out = append(out, sm)
		}
	}
	return out
}

// PDOAssign appends pdo to sync manager idx's PDO-assignment list
// (§6.2 `pdo_assign_*`).
func (c *SlaveConfig) PDOAssign(idx int, pdo *PDO) error {
	if idx < 0 || idx >= len(c.syncManagers) || c.syncManagers[idx] == nil {
		return ecmaster.ErrUnknownSyncManager
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncManagers[idx].PDOs = append(c.syncManagers[idx].PDOs, pdo)
	return nil
}

// PDOMapping sets pdo's entry list (§6.2 `pdo_mapping_*`). Every entry
// must be byte-aligned unless a bit position is implied by earlier entries
// in the same PDO packing them to a byte boundary; this model requires
// bit-lengths that are multiples of 8 or explicitly packed, matching
// spec.md's "non-byte-aligned PDO entry without bit-position output" error
// (§7).
func (c *SlaveConfig) PDOMapping(pdo *PDO, entries ...PDOEntry) error {
	bitOffset := 0
	for _, e := range entries {
		if bitOffset%8 != 0 && e.BitLength >= 8 {
			return ecmaster.ErrBitAlignment
		}
		bitOffset += int(e.BitLength)
	}
	pdo.Entries = entries
	return nil
}

// DC sets the DC activation word and sync0/sync1 cycle/shift for this
// slave (§6.2 `dc`, §6.3 register map).
func (c *SlaveConfig) DC(assignActivate uint16, sync0Cycle, sync0Shift, sync1Cycle, sync1Shift int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DCAssignActivate = assignActivate
	c.Sync0CycleNs = sync0Cycle
	c.Sync0ShiftNs = sync0Shift
	c.Sync1CycleNs = sync1Cycle
	c.Sync1ShiftNs = sync1Shift
}

// Watchdog sets register 0x0400/0x0420's divider and interval count
// (§6.2 `watchdog`, §6.3).
func (c *SlaveConfig) Watchdog(divider, intervals uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WatchdogDivider = divider
	c.WatchdogIntervals = intervals
}

// OverlappingPDOs toggles whether input and output FMMUs on this config
// may share logical bytes (§6.2 `overlapping_pdos`, §4.5 step 2).
func (c *SlaveConfig) OverlappingPDOs(allow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AllowOverlappingPDOs = allow
}

// SDO appends an entry to the initial-download list applied during
// Configure (§6.2 `sdo`, `sdo{8,16,32}`, `complete_sdo`).
func (c *SlaveConfig) SDO(index uint16, subIndex uint8, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InitialSDOs = append(c.InitialSDOs, SDOInit{Index: index, SubIndex: subIndex, Data: data})
}

func (c *SlaveConfig) SDO8(index uint16, subIndex uint8, v uint8) {
	c.SDO(index, subIndex, []byte{v})
}

func (c *SlaveConfig) SDO16(index uint16, subIndex uint8, v uint16) {
	buf := ecmaster.Buffer(make([]byte, 2))
	buf.WriteU16(0, v)
	c.SDO(index, subIndex, buf)
}

func (c *SlaveConfig) SDO32(index uint16, subIndex uint8, v uint32) {
	buf := ecmaster.Buffer(make([]byte, 4))
	buf.WriteU32(0, v)
	c.SDO(index, subIndex, buf)
}

// CompleteSDO appends a complete-access download of index (§6.2
// `complete_sdo`).
func (c *SlaveConfig) CompleteSDO(index uint16, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InitialSDOs = append(c.InitialSDOs, SDOInit{Index: index, Data: data, Complete: true})
}

// SoEInitDownload appends an IDN to the initial SoE-download list.
func (c *SlaveConfig) SoEInitDownload(driveNo uint8, idn uint16, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InitialSoE = append(c.InitialSoE, SoEInit{DriveNo: driveNo, IDN: idn, Data: data})
}

// EmergencySize creates this config's emergency ring with capacity n
// (§6.2 `emerg_size`).
func (c *SlaveConfig) EmergencySize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Emergency = NewEmergencyRing(n)
}

// EmergencyPop pops the oldest pending emergency record (§6.2 `emerg_pop`).
func (c *SlaveConfig) EmergencyPop() (EmergencyRecord, bool) {
	if c.Emergency == nil {
		return EmergencyRecord{}, false
	}
	return c.Emergency.Pop()
}

// EmergencyClear empties the ring and resets its overrun counter
// (§6.2 `emerg_clear`).
func (c *SlaveConfig) EmergencyClear() {
	if c.Emergency != nil {
		c.Emergency.Clear()
	}
}

// EmergencyOverruns reports how many emergency messages were dropped
// (§6.2 `emerg_overruns`).
func (c *SlaveConfig) EmergencyOverruns() uint32 {
	if c.Emergency == nil {
		return 0
	}
	return c.Emergency.Overruns()
}

// AttachRequest records a live request handle against this config so it
// can be enumerated (e.g. for deactivate()'s "fail every Queued|Busy
// request" rule, §5 "Cancellation").
func (c *SlaveConfig) AttachRequest(h RequestHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, h)
}

// Requests returns every request handle ever attached to this config.
func (c *SlaveConfig) Requests() []RequestHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RequestHandle, len(c.requests))
	copy(out, c.requests)
	return out
}

// Registry owns every SlaveConfig created against a Master, enforcing
// idempotent creation per (alias, position) (§6.2 `slave_config`).
type Registry struct {
	mu      sync.Mutex
	configs map[string]*SlaveConfig
	order   []*SlaveConfig
}

func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]*SlaveConfig)}
}

// SlaveConfig returns the config for (alias, position), creating it on
// first use. A second call with a different vendor/product for the same
// address is rejected with ErrIdentityMismatch (§6.2 "compatible identity
// required").
func (r *Registry) SlaveConfig(alias, position uint16, vendorID, productCode uint32) (*SlaveConfig, error) {
	key := fmt.Sprintf("%d:%d", alias, position)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.configs[key]; ok {
		if existing.VendorID != vendorID || existing.ProductCode != productCode {
			return nil, ecmaster.ErrIdentityMismatch
		}
		return existing, nil
	}

	cfg := &SlaveConfig{
		Alias:       alias,
		Position:    position,
		VendorID:    vendorID,
		ProductCode: productCode,
	}
	r.configs[key] = cfg
	r.order = append(r.order, cfg)
	return cfg, nil
}

// All returns every registered SlaveConfig in creation order.
func (r *Registry) All() []*SlaveConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*SlaveConfig, len(r.order))
	copy(out, r.order)
	return out
}

// Lookup returns the config at (alias, position) without creating one.
func (r *Registry) Lookup(alias, position uint16) (*SlaveConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[fmt.Sprintf("%d:%d", alias, position)]
	return cfg, ok
}
