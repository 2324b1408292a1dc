package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// LoadManifest reads an .ecm slave-configuration manifest, the EtherCAT
// analogue of the teacher's EDS loader (pkg/od/parser_v1.go): a flat,
// section-per-concern INI file that builds the same Registry/SlaveConfig
// model an application would build by calling SlaveConfig/SyncManagerConfig/
// PDOAssign directly. file may be a path, []byte, or io.Reader, per
// gopkg.in/ini.v1's own Load signature.
//
// Section grammar (section names are literal strings, not nested):
//
//	[slave 1:2]
//	vendor_id = 0x00000002
//	product_code = 0x0f926012
//	allow_overlapping_pdos = false
//	dc_assign_activate = 0x0300
//	sync0_cycle_ns = 1000000
//	sync0_shift_ns = 0
//	watchdog_divider = 2498
//	watchdog_intervals = 100
//
//	[slave 1:2 sm 2]
//	direction = output
//	watchdog = default
//
//	[slave 1:2 sm 2 pdo 1600]
//	entries = 6040:00:16,607a:00:32
//
//	[slave 1:2 sdo]
//	6060:00 = 08
//
//	[slave 1:2 emergency]
//	ring_size = 16
func LoadManifest(file any) (*Registry, error) {
	// Only '=' separates key from value: SDO keys such as 6060:00 contain ':'.
	cfgFile, err := ini.LoadSources(ini.LoadOptions{KeyValueDelimiters: "="}, file)
	if err != nil {
		return nil, fmt.Errorf("config: load manifest: %w", err)
	}

	reg := NewRegistry()

	slaveHeader := regexp.MustCompile(`^slave (\S+):(\S+)$`)
	smHeader := regexp.MustCompile(`^slave (\S+):(\S+) sm (\d+)$`)
	pdoHeader := regexp.MustCompile(`^slave (\S+):(\S+) sm (\d+) pdo ([0-9A-Fa-f]+)$`)
	sdoHeader := regexp.MustCompile(`^slave (\S+):(\S+) sdo$`)
	emergHeader := regexp.MustCompile(`^slave (\S+):(\S+) emergency$`)

	// Slave sections must be processed before sync-manager/PDO/SDO
	// sections reference them, so walk the file twice: base slaves first.
	for _, section := range cfgFile.Sections() {
		m := slaveHeader.FindStringSubmatch(section.Name())
		if m == nil {
			continue
		}
		alias, position, err := parseAliasPosition(m[1], m[2])
		if err != nil {
			return nil, err
		}
		vendorID, err := section.Key("vendor_id").Uint64()
		if err != nil {
			return nil, fmt.Errorf("config: [%s] vendor_id: %w", section.Name(), err)
		}
		productCode, err := section.Key("product_code").Uint64()
		if err != nil {
			return nil, fmt.Errorf("config: [%s] product_code: %w", section.Name(), err)
		}
		cfg, err := reg.SlaveConfig(alias, position, uint32(vendorID), uint32(productCode))
		if err != nil {
			return nil, fmt.Errorf("config: [%s]: %w", section.Name(), err)
		}

		if section.HasKey("allow_overlapping_pdos") {
			allow, err := section.Key("allow_overlapping_pdos").Bool()
			if err != nil {
				return nil, fmt.Errorf("config: [%s] allow_overlapping_pdos: %w", section.Name(), err)
			}
			cfg.OverlappingPDOs(allow)
		}
		if section.HasKey("dc_assign_activate") {
			dcAssign, err := section.Key("dc_assign_activate").Uint64()
			if err != nil {
				return nil, fmt.Errorf("config: [%s] dc_assign_activate: %w", section.Name(), err)
			}
			sync0Cycle := section.Key("sync0_cycle_ns").MustInt64(0)
			sync0Shift := section.Key("sync0_shift_ns").MustInt64(0)
			sync1Cycle := section.Key("sync1_cycle_ns").MustInt64(0)
			sync1Shift := section.Key("sync1_shift_ns").MustInt64(0)
			cfg.DC(uint16(dcAssign), sync0Cycle, sync0Shift, sync1Cycle, sync1Shift)
		}
		if section.HasKey("watchdog_divider") || section.HasKey("watchdog_intervals") {
			cfg.Watchdog(
				uint16(section.Key("watchdog_divider").MustUint64(0)),
				uint16(section.Key("watchdog_intervals").MustUint64(0)),
			)
		}
		if ringSize := section.Key("emergency_ring_size").MustInt(0); ringSize > 0 {
			cfg.EmergencySize(ringSize)
		}
	}

	for _, section := range cfgFile.Sections() {
		name := section.Name()

		if m := smHeader.FindStringSubmatch(name); m != nil && pdoHeader.FindStringSubmatch(name) == nil {
			cfg, err := lookupFromManifest(reg, m[1], m[2])
			if err != nil {
				return nil, fmt.Errorf("config: [%s]: %w", name, err)
			}
			idx, err := strconv.Atoi(m[3])
			if err != nil {
				return nil, fmt.Errorf("config: [%s] sync manager index: %w", name, err)
			}
			dir := DirOutput
			if strings.EqualFold(section.Key("direction").String(), "input") {
				dir = DirInput
			}
			wd := WatchdogDefault
			switch strings.ToLower(section.Key("watchdog").String()) {
			case "enable":
				wd = WatchdogEnable
			case "disable":
				wd = WatchdogDisable
			}
			if _, err := cfg.SyncManagerConfig(idx, dir, wd); err != nil {
				return nil, fmt.Errorf("config: [%s]: %w", name, err)
			}
			continue
		}

		if m := pdoHeader.FindStringSubmatch(name); m != nil {
			cfg, err := lookupFromManifest(reg, m[1], m[2])
			if err != nil {
				return nil, fmt.Errorf("config: [%s]: %w", name, err)
			}
			smIdx, err := strconv.Atoi(m[3])
			if err != nil {
				return nil, fmt.Errorf("config: [%s] sync manager index: %w", name, err)
			}
			pdoIndex, err := strconv.ParseUint(m[4], 16, 16)
			if err != nil {
				return nil, fmt.Errorf("config: [%s] pdo index: %w", name, err)
			}
			entries, err := parsePDOEntries(section.Key("entries").String())
			if err != nil {
				return nil, fmt.Errorf("config: [%s] entries: %w", name, err)
			}
			pdo := &PDO{Index: uint16(pdoIndex)}
			if err := cfg.PDOMapping(pdo, entries...); err != nil {
				return nil, fmt.Errorf("config: [%s]: %w", name, err)
			}
			if err := cfg.PDOAssign(smIdx, pdo); err != nil {
				return nil, fmt.Errorf("config: [%s]: %w", name, err)
			}
			continue
		}

		if m := sdoHeader.FindStringSubmatch(name); m != nil {
			cfg, err := lookupFromManifest(reg, m[1], m[2])
			if err != nil {
				return nil, fmt.Errorf("config: [%s]: %w", name, err)
			}
			for _, key := range section.Keys() {
				index, subIndex, err := parseIndexSubIndex(key.Name())
				if err != nil {
					return nil, fmt.Errorf("config: [%s] %s: %w", name, key.Name(), err)
				}
				data, err := parseHexBytes(key.Value())
				if err != nil {
					return nil, fmt.Errorf("config: [%s] %s: %w", name, key.Name(), err)
				}
				cfg.SDO(index, subIndex, data)
			}
			continue
		}

		if m := emergHeader.FindStringSubmatch(name); m != nil {
			cfg, err := lookupFromManifest(reg, m[1], m[2])
			if err != nil {
				return nil, fmt.Errorf("config: [%s]: %w", name, err)
			}
			n := section.Key("ring_size").MustInt(16)
			cfg.EmergencySize(n)
			continue
		}
	}

	log.Infof("[CFG] loaded manifest: %d slave config(s)", len(reg.All()))
	return reg, nil
}

func lookupFromManifest(reg *Registry, aliasStr, posStr string) (*SlaveConfig, error) {
	alias, position, err := parseAliasPosition(aliasStr, posStr)
	if err != nil {
		return nil, err
	}
	cfg, ok := reg.Lookup(alias, position)
	if !ok {
		return nil, fmt.Errorf("no [slave %s:%s] base section", aliasStr, posStr)
	}
	return cfg, nil
}

func parseAliasPosition(aliasStr, posStr string) (uint16, uint16, error) {
	alias, err := strconv.ParseUint(aliasStr, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("alias %q: %w", aliasStr, err)
	}
	position, err := strconv.ParseUint(posStr, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("position %q: %w", posStr, err)
	}
	return uint16(alias), uint16(position), nil
}

// parsePDOEntries parses "6040:00:16,607a:00:32" into PDOEntry values.
func parsePDOEntries(s string) ([]PDOEntry, error) {
	var entries []PDOEntry
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("entry %q: expected index:subindex:bitlen", part)
		}
		index, err := strconv.ParseUint(fields[0], 16, 16)
		if err != nil {
			return nil, fmt.Errorf("entry %q index: %w", part, err)
		}
		subIndex, err := strconv.ParseUint(fields[1], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("entry %q subindex: %w", part, err)
		}
		bitLen, err := strconv.ParseUint(fields[2], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("entry %q bitlen: %w", part, err)
		}
		entries = append(entries, PDOEntry{Index: uint16(index), SubIndex: uint8(subIndex), BitLength: uint8(bitLen)})
	}
	return entries, nil
}

var indexSubIndexKey = regexp.MustCompile(`^([0-9A-Fa-f]{1,4}):([0-9A-Fa-f]{1,2})$`)

func parseIndexSubIndex(key string) (uint16, uint8, error) {
	m := indexSubIndexKey.FindStringSubmatch(key)
	if m == nil {
		return 0, 0, fmt.Errorf("expected index:subindex key, got %q", key)
	}
	index, err := strconv.ParseUint(m[1], 16, 16)
	if err != nil {
		return 0, 0, err
	}
	subIndex, err := strconv.ParseUint(m[2], 16, 8)
	if err != nil {
		return 0, 0, err
	}
	return uint16(index), uint8(subIndex), nil
}

// parseHexBytes parses a hex byte string ("08", "0102ff") into raw bytes.
func parseHexBytes(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}
