package ble

// ScanningState is the state of a Scanner: *MissingPermissions, *Disabled,
// *Idle or *Scanning. Idle and Scanning implement Enabled.
type ScanningState interface {
	String() string
	scanningState()
}

// Enabled is implemented by the states in which Bluetooth is usable.
type Enabled interface {
	ScanningState
	// Devices returns the registry snapshot held by the state.
	Devices() Devices
	// Filter returns the scan filter in use, or the last one used.
	Filter() Filter
	// DevicesForCurrentScanFilter returns the devices found under Filter.
	DevicesForCurrentScanFilter() []*Device
	// PairedDevicesUpdated records advs as the paired devices of filter.
	PairedDevicesUpdated(advs []Advertisement, filter Filter, removeAllPairedFilters bool) error
	// Disable moves to Disabled.
	Disable() error
	// RemovePermissions moves to MissingPermissions.
	RemovePermissions() error
}

// MissingPermissions means Bluetooth is unauthorized or unsupported.
type MissingPermissions struct {
	scanner      *Scanner
	availability Availability
}

// Availability returns the support level that led here.
func (s *MissingPermissions) Availability() Availability { return s.availability }

// GivePermissions re-checks availability.
func (s *MissingPermissions) GivePermissions() error {
	sc := s.scanner
	return sc.transition(func(cur ScanningState) (ScanningState, error) {
		if cur != ScanningState(s) {
			return nil, ErrStaleState
		}
		return sc.availabilityState(), nil
	})
}

// Disabled means the radio is off or resetting.
type Disabled struct {
	scanner *Scanner
}

// Enable re-checks availability.
func (s *Disabled) Enable() error {
	sc := s.scanner
	return sc.transition(func(cur ScanningState) (ScanningState, error) {
		if cur != ScanningState(s) {
			return nil, ErrStaleState
		}
		return sc.availabilityState(), nil
	})
}

// Idle is enabled and not scanning. Err is set when the previous scan
// stopped because of an unrecoverable failure.
type Idle struct {
	scanner *Scanner
	devices Devices
	filter  Filter
	err     error
}

func (s *Idle) Devices() Devices { return s.devices }

// Filter returns the filter of the previous scan.
func (s *Idle) Filter() Filter { return s.filter }

func (s *Idle) Err() error { return s.err }

func (s *Idle) DevicesForCurrentScanFilter() []*Device {
	return s.devices.DevicesForCurrentScanFilter()
}

// StartScanning starts scanning under filter, keeping earlier results when
// filter equals the previous one.
func (s *Idle) StartScanning(filter Filter) error {
	sc := s.scanner
	return sc.transition(func(cur ScanningState) (ScanningState, error) {
		if cur != ScanningState(s) {
			return nil, ErrStaleState
		}
		return sc.startFrom(s.devices, s.filter, filter), nil
	})
}

func (s *Idle) PairedDevicesUpdated(advs []Advertisement, filter Filter, removeAllPairedFilters bool) error {
	sc := s.scanner
	paired := sc.pairedFactories(advs)
	return sc.transition(func(cur ScanningState) (ScanningState, error) {
		if cur != ScanningState(s) {
			return nil, ErrStaleState
		}
		devices := s.devices.SetPaired(paired, filter, removeAllPairedFilters)
		return &Idle{scanner: sc, devices: devices, filter: s.filter, err: s.err}, nil
	})
}

func (s *Idle) Disable() error { return s.scanner.disableFrom(s) }

func (s *Idle) RemovePermissions() error { return s.scanner.removePermissionsFrom(s) }

// Scanning is enabled with a scan running under Filter. Err holds the last
// recoverable scan failure, if any.
type Scanning struct {
	scanner *Scanner
	devices Devices
	filter  Filter
	session *scanSession
	err     error
}

func (s *Scanning) Devices() Devices { return s.devices }

func (s *Scanning) Filter() Filter { return s.filter }

func (s *Scanning) Err() error { return s.err }

func (s *Scanning) DevicesForCurrentScanFilter() []*Device {
	return s.devices.DevicesForCurrentScanFilter()
}

// DiscoverDevices merges scan results into the registry.
func (s *Scanning) DiscoverDevices(advs ...Advertisement) error {
	return s.scanner.discovered(s.session, advs)
}

// StopScanning stops the scan and keeps the registry for the next scan.
func (s *Scanning) StopScanning() error {
	sc := s.scanner
	return sc.transition(func(cur ScanningState) (ScanningState, error) {
		c, ok := cur.(*Scanning)
		if !ok || c.session != s.session {
			return nil, ErrStaleState
		}
		return &Idle{scanner: sc, devices: c.devices, filter: c.filter}, nil
	})
}

func (s *Scanning) PairedDevicesUpdated(advs []Advertisement, filter Filter, removeAllPairedFilters bool) error {
	sc := s.scanner
	paired := sc.pairedFactories(advs)
	return sc.transition(func(cur ScanningState) (ScanningState, error) {
		c, ok := cur.(*Scanning)
		if !ok || c.session != s.session {
			return nil, ErrStaleState
		}
		devices := c.devices.SetPaired(paired, filter, removeAllPairedFilters)
		return &Scanning{scanner: sc, devices: devices, filter: c.filter, session: c.session, err: c.err}, nil
	})
}

func (s *Scanning) Disable() error { return s.scanner.disableFrom(s) }

func (s *Scanning) RemovePermissions() error { return s.scanner.removePermissionsFrom(s) }

func (*MissingPermissions) String() string { return "missing_permissions" }
func (*Disabled) String() string           { return "disabled" }
func (*Idle) String() string               { return "idle" }
func (*Scanning) String() string           { return "scanning" }

func (*MissingPermissions) scanningState() {}
func (*Disabled) scanningState()           {}
func (*Idle) scanningState()               {}
func (*Scanning) scanningState()           {}

// sameState reports whether cur is still the state a caller holds. A
// Scanning state stays the same across registry updates of its scan.
func sameState(cur, held ScanningState) bool {
	if c, ok := cur.(*Scanning); ok {
		h, ok := held.(*Scanning)
		return ok && c.session == h.session
	}
	return cur == held
}

func (s *Scanner) disableFrom(held Enabled) error {
	return s.transition(func(cur ScanningState) (ScanningState, error) {
		if !sameState(cur, held) {
			return nil, ErrStaleState
		}
		return &Disabled{scanner: s}, nil
	})
}

func (s *Scanner) removePermissionsFrom(held Enabled) error {
	return s.transition(func(cur ScanningState) (ScanningState, error) {
		if !sameState(cur, held) {
			return nil, ErrStaleState
		}
		return &MissingPermissions{scanner: s, availability: Unauthorized}, nil
	})
}
