package ble

import (
	"fmt"
	"slices"
)

type identifierSet map[Identifier]struct{}

// Devices is an immutable snapshot of every known device together with the
// discovery modes under which each one was found. Every method that changes
// the registry returns a new snapshot and leaves the receiver untouched.
// The zero value is an empty registry whose scan filter is the empty Filter.
type Devices struct {
	all        map[Identifier]*Device
	order      []Identifier // first-seen order of all
	found      map[DiscoveryMode]identifierSet
	scanFilter Filter
}

// ScanFilter returns the filter AddScanned files new results under.
func (d Devices) ScanFilter() Filter { return d.scanFilter }

// Len returns the number of known devices.
func (d Devices) Len() int { return len(d.order) }

// Get looks up a device by identifier.
func (d Devices) Get(id Identifier) (*Device, bool) {
	dev, ok := d.all[id]
	return dev, ok
}

// All returns every known device in first-seen order.
func (d Devices) All() []*Device {
	out := make([]*Device, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.all[id])
	}
	return out
}

// Modes returns the discovery modes that currently reference any device.
func (d Devices) Modes() []DiscoveryMode {
	modes := make([]DiscoveryMode, 0, len(d.found))
	for m, ids := range d.found {
		if len(ids) > 0 {
			modes = append(modes, m)
		}
	}
	slices.SortFunc(modes, func(a, b DiscoveryMode) int {
		if a.Kind != b.Kind {
			return int(a.Kind) - int(b.Kind)
		}
		switch {
		case a.Filter.key < b.Filter.key:
			return -1
		case a.Filter.key > b.Filter.key:
			return 1
		}
		return 0
	})
	return modes
}

// IdentifiersForDiscoveryMode returns the identifiers found under mode in
// first-seen order. A mode never queried yields an empty result.
func (d Devices) IdentifiersForDiscoveryMode(mode DiscoveryMode) []Identifier {
	ids := d.found[mode]
	out := make([]Identifier, 0, len(ids))
	for _, id := range d.order {
		if _, ok := ids[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// DevicesForDiscoveryMode returns the devices found under mode in
// first-seen order.
func (d Devices) DevicesForDiscoveryMode(mode DiscoveryMode) []*Device {
	ids := d.IdentifiersForDiscoveryMode(mode)
	out := make([]*Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.all[id])
	}
	return out
}

// IdentifiersForCurrentScanFilter returns the identifiers scanned under the
// current scan filter.
func (d Devices) IdentifiersForCurrentScanFilter() []Identifier {
	return d.IdentifiersForDiscoveryMode(ScanningMode(d.scanFilter))
}

// DevicesForCurrentScanFilter returns the devices scanned under the current
// scan filter.
func (d Devices) DevicesForCurrentScanFilter() []*Device {
	return d.DevicesForDiscoveryMode(ScanningMode(d.scanFilter))
}

// AddScanned records id as found by a scan under the current scan filter.
// newDevice is only called when id is not known yet; a known device is
// reused as is. No device is ever removed by this operation.
func (d Devices) AddScanned(id Identifier, newDevice func() *Device) Devices {
	next := d.clone()
	if _, ok := next.all[id]; !ok {
		next.insert(id, newDevice())
	}
	mode := ScanningMode(next.scanFilter)
	next.found[mode] = withIdentifier(next.found[mode], id)
	next.mustBeConsistent()
	return next
}

// SetPaired declares devices as the complete set of paired devices for
// filter, replacing whatever was recorded before for that filter. With
// removeAllPairedFilters every other paired record is dropped as well.
// Devices no longer referenced by any discovery mode are evicted.
func (d Devices) SetPaired(devices map[Identifier]func() *Device, filter Filter, removeAllPairedFilters bool) Devices {
	next := d.clone()

	// Map iteration is random; add new devices in a stable order.
	ids := make([]Identifier, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	paired := make(identifierSet, len(ids))
	for _, id := range ids {
		if _, ok := next.all[id]; !ok {
			next.insert(id, devices[id]())
		}
		paired[id] = struct{}{}
	}

	if removeAllPairedFilters {
		for mode := range next.found {
			if mode.Kind == DiscoveredByPairing {
				delete(next.found, mode)
			}
		}
	}
	next.found[PairedMode(filter)] = paired

	next.collect()
	next.mustBeConsistent()
	return next
}

// UpdateScanFilter makes filter the current scan filter. cleanMode decides
// which earlier scan results are dropped; devices left without any
// discovery mode are evicted.
func (d Devices) UpdateScanFilter(filter Filter, cleanMode CleanMode) Devices {
	next := d.clone()
	next.scanFilter = filter
	switch cleanMode {
	case CleanRetainAll:
		return next
	case CleanOnlyProvidedFilter:
		delete(next.found, ScanningMode(filter))
	case CleanRemoveAll:
		for mode := range next.found {
			if mode.Kind == DiscoveredByScan {
				delete(next.found, mode)
			}
		}
	}
	next.collect()
	next.mustBeConsistent()
	return next
}

// clone copies the top-level containers. Identifier sets are shared and
// must be replaced, never modified, by the caller.
func (d Devices) clone() Devices {
	next := Devices{
		all:        make(map[Identifier]*Device, len(d.all)+1),
		order:      slices.Clip(d.order),
		found:      make(map[DiscoveryMode]identifierSet, len(d.found)+1),
		scanFilter: d.scanFilter,
	}
	for id, dev := range d.all {
		next.all[id] = dev
	}
	for mode, ids := range d.found {
		next.found[mode] = ids
	}
	return next
}

func (d *Devices) insert(id Identifier, dev *Device) {
	if dev == nil {
		panic(fmt.Sprintf("ble: device factory for %s returned nil", id))
	}
	d.all[id] = dev
	d.order = append(d.order, id)
}

// collect evicts devices that no discovery mode references.
func (d *Devices) collect() {
	referenced := make(identifierSet, len(d.all))
	for mode, ids := range d.found {
		if len(ids) == 0 {
			delete(d.found, mode)
			continue
		}
		for id := range ids {
			referenced[id] = struct{}{}
		}
	}
	if len(referenced) == len(d.all) {
		return
	}
	order := make([]Identifier, 0, len(referenced))
	for _, id := range d.order {
		if _, ok := referenced[id]; ok {
			order = append(order, id)
		} else {
			delete(d.all, id)
		}
	}
	d.order = order
}

func (d Devices) mustBeConsistent() {
	if len(d.order) != len(d.all) {
		panic(fmt.Sprintf("ble: registry order has %d entries for %d devices", len(d.order), len(d.all)))
	}
	for mode, ids := range d.found {
		for id := range ids {
			if _, ok := d.all[id]; !ok {
				panic(fmt.Sprintf("ble: %s references unknown device %s", mode, id))
			}
		}
	}
}

func withIdentifier(ids identifierSet, id Identifier) identifierSet {
	if _, ok := ids[id]; ok {
		return ids
	}
	next := make(identifierSet, len(ids)+1)
	for k := range ids {
		next[k] = struct{}{}
	}
	next[id] = struct{}{}
	return next
}
