package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/chaz8081/blestate/internal/telemetry"
)

// ScannerOptions configures a Scanner.
type ScannerOptions struct {
	// CleanMode applies when scanning starts under a filter other than the
	// previous one. Restarting under the same filter keeps every result.
	CleanMode CleanMode
	// Device configures the devices the scanner discovers.
	Device DeviceOptions
}

// Scanner is the scanning state machine. It combines permission state,
// adapter power state and the scan lifecycle, and owns the current Devices
// registry through its state.
type Scanner struct {
	adapter Adapter
	gate    PermissionGate
	opts    ScannerOptions

	state      stateHolder[ScanningState]
	monitoring bool // guarded by state.mu
	sessions   atomic.Uint64
}

// NewScanner checks Bluetooth availability and starts in Idle,
// MissingPermissions or Disabled accordingly. Power monitoring starts as
// soon as the radio is present.
func NewScanner(adapter Adapter, gate PermissionGate, opts ScannerOptions) *Scanner {
	s := &Scanner{
		adapter: adapter,
		gate:    gate,
		opts:    opts,
	}
	_, err := s.state.transition(func(ScanningState) (ScanningState, error) {
		return s.availabilityState(), nil
	}, s.enter)
	if err != nil {
		slog.Error("[BLE] initial scanner state", "error", err)
	}
	return s
}

// State returns the current scanning state.
func (s *Scanner) State() ScanningState { return s.state.load() }

// Watch streams scanning states until ctx is done or the scanner is closed.
func (s *Scanner) Watch(ctx context.Context) <-chan ScanningState {
	return s.state.watch(ctx)
}

// Devices returns the current registry if Bluetooth is enabled.
func (s *Scanner) Devices() (Devices, bool) {
	if e, ok := s.State().(Enabled); ok {
		return e.Devices(), true
	}
	return Devices{}, false
}

// DevicesForCurrentScanFilter returns the devices visible under the active
// scan filter, or nil while Bluetooth is not enabled.
func (s *Scanner) DevicesForCurrentScanFilter() []*Device {
	devices, ok := s.Devices()
	if !ok {
		return nil
	}
	return devices.DevicesForCurrentScanFilter()
}

// StartScanning scans under filter. A running scan under another filter is
// restarted; one under the same filter is left alone.
func (s *Scanner) StartScanning(filter Filter) error {
	return s.command("start scanning", func(cur ScanningState) (ScanningState, error) {
		switch c := cur.(type) {
		case *Idle:
			return s.startFrom(c.devices, c.filter, filter), nil
		case *Scanning:
			if c.filter == filter {
				return nil, errNothingToDo
			}
			return s.startFrom(c.devices, c.filter, filter), nil
		}
		return nil, ErrInvalidState
	})
}

// StopScanning stops a running scan.
func (s *Scanner) StopScanning() error {
	return s.command("stop scanning", func(cur ScanningState) (ScanningState, error) {
		switch c := cur.(type) {
		case *Scanning:
			return &Idle{scanner: s, devices: c.devices, filter: c.filter}, nil
		case *Idle:
			return nil, errNothingToDo
		}
		return nil, ErrInvalidState
	})
}

// Enable re-checks availability after Bluetooth was disabled.
func (s *Scanner) Enable() error {
	return s.command("enable", func(cur ScanningState) (ScanningState, error) {
		switch cur.(type) {
		case *Disabled:
			return s.availabilityState(), nil
		case Enabled:
			return nil, errNothingToDo
		}
		return nil, ErrInvalidState
	})
}

// Disable moves an enabled scanner to Disabled, dropping its registry.
func (s *Scanner) Disable() error {
	return s.command("disable", func(cur ScanningState) (ScanningState, error) {
		switch cur.(type) {
		case Enabled:
			return &Disabled{scanner: s}, nil
		case *Disabled:
			return nil, errNothingToDo
		}
		return nil, ErrInvalidState
	})
}

// GivePermissions re-checks availability after permissions were missing.
func (s *Scanner) GivePermissions() error {
	return s.command("give permissions", func(cur ScanningState) (ScanningState, error) {
		if _, ok := cur.(*MissingPermissions); ok {
			return s.availabilityState(), nil
		}
		return nil, errNothingToDo
	})
}

// RemovePermissions moves an enabled scanner to MissingPermissions.
func (s *Scanner) RemovePermissions() error {
	return s.command("remove permissions", func(cur ScanningState) (ScanningState, error) {
		switch cur.(type) {
		case Enabled:
			return &MissingPermissions{scanner: s, availability: Unauthorized}, nil
		case *MissingPermissions:
			return nil, errNothingToDo
		}
		return nil, ErrInvalidState
	})
}

// UpdatePairedDevices asks the adapter for bonded devices under filter and
// records them as the paired set of filter. With removeAllPairedFilters,
// paired records of every other filter are dropped.
func (s *Scanner) UpdatePairedDevices(filter Filter, removeAllPairedFilters bool) error {
	advs, err := s.adapter.PairedDevices(filter)
	if err != nil {
		return fmt.Errorf("ble: list paired devices: %w", err)
	}
	e, ok := s.State().(Enabled)
	if !ok {
		return fmt.Errorf("ble: update paired devices while %s: %w", s.State(), ErrInvalidState)
	}
	return e.PairedDevicesUpdated(advs, filter, removeAllPairedFilters)
}

// Close stops any running scan and power monitoring. Further transitions
// fail with ErrClosed.
func (s *Scanner) Close() error {
	var err error
	s.state.close(func(cur ScanningState) {
		if _, ok := cur.(*Scanning); ok {
			if stopErr := s.adapter.StopScan(); stopErr != nil {
				err = fmt.Errorf("ble: stop scan: %w", stopErr)
			}
		}
		if s.monitoring {
			if stopErr := s.adapter.StopMonitoringPower(); stopErr != nil && err == nil {
				err = fmt.Errorf("ble: stop power monitoring: %w", stopErr)
			}
			s.monitoring = false
		}
	})
	return err
}

func (s *Scanner) command(name string, next func(cur ScanningState) (ScanningState, error)) error {
	_, err := s.state.transition(next, s.enter)
	switch {
	case err == nil, errors.Is(err, errNothingToDo):
		return nil
	case errors.Is(err, ErrInvalidState):
		return fmt.Errorf("ble: %s while %s: %w", name, s.State(), err)
	}
	return err
}

func (s *Scanner) transition(next func(cur ScanningState) (ScanningState, error)) error {
	_, err := s.state.transition(next, s.enter)
	return err
}

func (s *Scanner) availabilityState() ScanningState {
	switch a := s.gate.CheckSupport(); a {
	case PowerOn:
		return &Idle{scanner: s}
	case Unauthorized, NotSupported:
		return &MissingPermissions{scanner: s, availability: a}
	default:
		return &Disabled{scanner: s}
	}
}

// startFrom builds the Scanning state for filter. Results are kept when the
// filter is unchanged; otherwise the configured clean mode applies.
func (s *Scanner) startFrom(devices Devices, oldFilter, filter Filter) *Scanning {
	cleanMode := CleanRetainAll
	if filter != oldFilter {
		cleanMode = s.opts.CleanMode
	}
	return &Scanning{
		scanner: s,
		devices: devices.UpdateScanFilter(filter, cleanMode),
		filter:  filter,
		session: &scanSession{id: s.sessions.Add(1)},
	}
}

// enter issues the adapter commands implied by a transition. It runs with
// the state lock held; adapter calls must not block.
func (s *Scanner) enter(prev, next ScanningState) error {
	ps, prevScanning := prev.(*Scanning)
	ns, nextScanning := next.(*Scanning)
	restart := prevScanning && nextScanning && ps.session != ns.session

	if prevScanning && (!nextScanning || restart) {
		if err := s.adapter.StopScan(); err != nil {
			slog.Warn("[BLE] stop scan failed", "error", err)
		}
	}
	if nextScanning && (!prevScanning || restart) {
		if err := s.adapter.StartScan(ns.filter, s.callbacks(ns.session)); err != nil {
			return fmt.Errorf("ble: start scan: %w", err)
		}
		slog.Info("[BLE] scan started", "filter", ns.filter)
	}

	switch next.(type) {
	case *Disabled, *Idle, *Scanning:
		if !s.monitoring {
			if err := s.adapter.StartMonitoringPower(s.powerChanged); err != nil {
				slog.Warn("[BLE] power monitoring unavailable", "error", err)
			} else {
				s.monitoring = true
			}
		}
	}

	if e, ok := next.(Enabled); ok {
		telemetry.RegistryDevices.Set(float64(e.Devices().Len()))
	} else {
		telemetry.RegistryDevices.Set(0)
	}
	if prev == nil || prev.String() != next.String() {
		telemetry.ScannerTransitions.WithLabelValues(next.String()).Inc()
		slog.Info("[BLE] scanner state", "from", prev, "to", next)
	}
	return nil
}

func (s *Scanner) callbacks(session *scanSession) ScanCallbacks {
	return ScanCallbacks{
		DeviceDiscovered: func(adv Advertisement) {
			if err := s.discovered(session, []Advertisement{adv}); err != nil {
				slog.Debug("[BLE] dropping scan result", "device", adv.Identifier, "error", err)
			}
		},
		ScanFailed: func(err error, recoverable bool) {
			s.scanFailed(session, err, recoverable)
		},
	}
}

func (s *Scanner) discovered(session *scanSession, advs []Advertisement) error {
	return s.transition(func(cur ScanningState) (ScanningState, error) {
		c, ok := cur.(*Scanning)
		if !ok || c.session != session {
			return nil, ErrStaleState
		}
		devices := c.devices
		for _, adv := range advs {
			if adv.Identifier == "" {
				continue
			}
			if _, known := devices.Get(adv.Identifier); !known {
				telemetry.DevicesDiscovered.Inc()
				slog.Debug("[BLE] discovered", "device", adv.Identifier, "name", adv.Name, "rssi", adv.RSSI)
			}
			devices = devices.AddScanned(adv.Identifier, s.newDevice(adv))
		}
		return &Scanning{scanner: s, devices: devices, filter: c.filter, session: c.session, err: c.err}, nil
	})
}

func (s *Scanner) scanFailed(session *scanSession, cause error, recoverable bool) {
	scanErr := &ScanError{Err: cause, Recoverable: recoverable}
	err := s.transition(func(cur ScanningState) (ScanningState, error) {
		c, ok := cur.(*Scanning)
		if !ok || c.session != session {
			return nil, ErrStaleState
		}
		if recoverable {
			return &Scanning{scanner: s, devices: c.devices, filter: c.filter, session: c.session, err: scanErr}, nil
		}
		return &Idle{scanner: s, devices: c.devices, filter: c.filter, err: scanErr}, nil
	})
	if err != nil {
		slog.Debug("[BLE] ignoring scan failure", "error", cause, "reason", err)
		return
	}
	slog.Warn("[BLE] scan failure", "error", cause, "recoverable", recoverable)
}

func (s *Scanner) powerChanged(on bool) {
	err := s.transition(func(cur ScanningState) (ScanningState, error) {
		switch cur.(type) {
		case *Disabled:
			if on {
				return s.availabilityState(), nil
			}
		case Enabled:
			if !on {
				return &Disabled{scanner: s}, nil
			}
		}
		return nil, errNothingToDo
	})
	if err != nil && !errors.Is(err, errNothingToDo) {
		slog.Debug("[BLE] ignoring power change", "on", on, "error", err)
	}
}

func (s *Scanner) newDevice(adv Advertisement) func() *Device {
	return func() *Device {
		return NewDevice(adv, s.adapter.Peripheral(adv.Identifier), s.opts.Device)
	}
}

func (s *Scanner) pairedFactories(advs []Advertisement) map[Identifier]func() *Device {
	out := make(map[Identifier]func() *Device, len(advs))
	for _, adv := range advs {
		if adv.Identifier == "" {
			continue
		}
		out[adv.Identifier] = s.newDevice(adv)
	}
	return out
}

type scanSession struct {
	id uint64
}
