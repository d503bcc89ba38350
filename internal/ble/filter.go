package ble

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Identifier is the platform-stable key of a physical device: a MAC address
// on most platforms, a CoreBluetooth UUID on Apple platforms.
type Identifier string

// bluetoothBaseUUID is the base onto which 16 and 32-bit UUIDs are mapped.
const bluetoothBaseUUID = "-0000-1000-8000-00805f9b34fb"

// Filter is a set of service UUIDs scoping a scan or a pairing query. The
// zero Filter is empty and matches every device. Filters are comparable, and
// two filters holding the same UUIDs are equal regardless of order.
type Filter struct {
	key string
}

// NewFilter builds a Filter from service UUID strings. 16-bit ("180d") and
// 32-bit short forms are expanded onto the Bluetooth base UUID.
func NewFilter(uuids ...string) (Filter, error) {
	canonical := make([]string, 0, len(uuids))
	for _, s := range uuids {
		u, err := ParseServiceUUID(s)
		if err != nil {
			return Filter{}, err
		}
		canonical = append(canonical, u.String())
	}
	slices.Sort(canonical)
	canonical = slices.Compact(canonical)
	return Filter{key: strings.Join(canonical, ",")}, nil
}

// MustFilter is like NewFilter but panics on an invalid UUID.
func MustFilter(uuids ...string) Filter {
	f, err := NewFilter(uuids...)
	if err != nil {
		panic(err)
	}
	return f
}

// ParseServiceUUID parses a full or short service UUID.
func ParseServiceUUID(s string) (uuid.UUID, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	switch len(s) {
	case 4:
		s = "0000" + s + bluetoothBaseUUID
	case 8:
		s = s + bluetoothBaseUUID
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("ble: parse service UUID %q: %w", s, err)
	}
	return u, nil
}

// IsEmpty reports whether the filter matches every device.
func (f Filter) IsEmpty() bool { return f.key == "" }

// UUIDs returns the filter's service UUIDs in canonical order.
func (f Filter) UUIDs() []uuid.UUID {
	if f.key == "" {
		return nil
	}
	parts := strings.Split(f.key, ",")
	out := make([]uuid.UUID, 0, len(parts))
	for _, p := range parts {
		out = append(out, uuid.MustParse(p))
	}
	return out
}

// Strings returns the canonical UUID strings of the filter.
func (f Filter) Strings() []string {
	if f.key == "" {
		return nil
	}
	return strings.Split(f.key, ",")
}

// Matches reports whether a device advertising serviceUUIDs passes the filter.
func (f Filter) Matches(serviceUUIDs []string) bool {
	if f.IsEmpty() {
		return true
	}
	want := f.Strings()
	for _, s := range serviceUUIDs {
		u, err := ParseServiceUUID(s)
		if err != nil {
			continue
		}
		if slices.Contains(want, u.String()) {
			return true
		}
	}
	return false
}

func (f Filter) String() string {
	return "[" + f.key + "]"
}

// DiscoveryKind tells how a device was found.
type DiscoveryKind int

const (
	// DiscoveredByScan marks devices found through an active radio scan.
	DiscoveredByScan DiscoveryKind = iota
	// DiscoveredByPairing marks devices found among bonded devices.
	DiscoveredByPairing
)

func (k DiscoveryKind) String() string {
	if k == DiscoveredByPairing {
		return "paired"
	}
	return "scanning"
}

// DiscoveryMode is the provenance of a registry entry: how it was found and
// under which filter. Two modes are equal iff kind and filter match.
type DiscoveryMode struct {
	Kind   DiscoveryKind
	Filter Filter
}

// ScanningMode is the discovery mode of an active scan under filter.
func ScanningMode(filter Filter) DiscoveryMode {
	return DiscoveryMode{Kind: DiscoveredByScan, Filter: filter}
}

// PairedMode is the discovery mode of a paired enumeration under filter.
func PairedMode(filter Filter) DiscoveryMode {
	return DiscoveryMode{Kind: DiscoveredByPairing, Filter: filter}
}

func (m DiscoveryMode) String() string {
	return m.Kind.String() + m.Filter.String()
}

// CleanMode selects which scan results survive a change of scan filter.
type CleanMode int

const (
	// CleanOnlyProvidedFilter resets the results of the new filter so a
	// scan under it starts fresh; results of other filters are kept.
	CleanOnlyProvidedFilter CleanMode = iota
	// CleanRetainAll keeps every scan result.
	CleanRetainAll
	// CleanRemoveAll drops the scan results of every filter.
	CleanRemoveAll
)

// ParseCleanMode parses the configuration spelling of a CleanMode.
func ParseCleanMode(s string) (CleanMode, error) {
	switch s {
	case "only_provided_filter", "":
		return CleanOnlyProvidedFilter, nil
	case "retain_all":
		return CleanRetainAll, nil
	case "remove_all":
		return CleanRemoveAll, nil
	default:
		return 0, fmt.Errorf("ble: unknown clean mode %q", s)
	}
}

func (m CleanMode) String() string {
	switch m {
	case CleanRetainAll:
		return "retain_all"
	case CleanRemoveAll:
		return "remove_all"
	default:
		return "only_provided_filter"
	}
}
