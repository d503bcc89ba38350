// Package ble coordinates Bluetooth Low Energy discovery and connections.
// It keeps an immutable registry of discovered devices, a scanning state
// machine driven by permission and adapter power events, and a per-device
// connection state machine. Platform radios are reached through the Adapter,
// PermissionGate and Peripheral interfaces.
package ble

import (
	"context"
	"errors"
)

var (
	// ErrStaleState is returned when a transition is requested on a state
	// that has already been replaced.
	ErrStaleState = errors.New("ble: state is no longer current")
	// ErrInvalidState is returned when a command does not apply to the
	// current state.
	ErrInvalidState = errors.New("ble: command not valid in current state")
	// ErrClosed is returned after the state machine has been torn down.
	ErrClosed = errors.New("ble: closed")
	// ErrNotConnected is returned for actions submitted to a device that
	// is not connected.
	ErrNotConnected = errors.New("ble: device not connected")
	// ErrNotSupported is returned by platform layers lacking an operation.
	ErrNotSupported = errors.New("ble: operation not supported on this platform")
	// ErrLinkLost is attached to Disconnected when a connection drops and
	// the reconnection policy is Never.
	ErrLinkLost = errors.New("ble: connection lost")
)

// ScanError reports a scan failure. Recoverable failures (for example
// scanning too frequently) leave the scanner in Scanning.
type ScanError struct {
	Err         error
	Recoverable bool
}

func (e *ScanError) Error() string {
	if e.Recoverable {
		return "ble: recoverable scan failure: " + e.Err.Error()
	}
	return "ble: scan failed: " + e.Err.Error()
}

func (e *ScanError) Unwrap() error { return e.Err }

// Availability is the Bluetooth support level reported by a PermissionGate.
type Availability int

const (
	PowerOn Availability = iota
	PowerOff
	Resetting
	Unauthorized
	NotSupported
)

func (a Availability) String() string {
	switch a {
	case PowerOn:
		return "power_on"
	case PowerOff:
		return "power_off"
	case Resetting:
		return "resetting"
	case Unauthorized:
		return "unauthorized"
	case NotSupported:
		return "not_supported"
	default:
		return "unknown"
	}
}

// PermissionGate reports whether Bluetooth may be used right now.
type PermissionGate interface {
	CheckSupport() Availability
}

// Advertisement is what a scan or pairing enumeration reports for a device.
type Advertisement struct {
	Identifier   Identifier
	Name         string
	RSSI         int
	ServiceUUIDs []string
}

// ScanCallbacks receives asynchronous scan events. Callbacks must not be
// invoked synchronously from within StartScan.
type ScanCallbacks struct {
	DeviceDiscovered func(adv Advertisement)
	ScanFailed       func(err error, recoverable bool)
}

// Adapter abstracts the platform Bluetooth adapter. StartScan and
// StartMonitoringPower must return without waiting for results; events are
// delivered through the supplied callbacks on another goroutine.
type Adapter interface {
	// StartScan begins scanning for devices advertising any UUID in filter.
	// An empty filter matches every device.
	StartScan(filter Filter, callbacks ScanCallbacks) error
	// StopScan ends the current scan.
	StopScan() error
	// StartMonitoringPower registers for radio power changes.
	StartMonitoringPower(onChange func(on bool)) error
	// StopMonitoringPower unregisters the power callback.
	StopMonitoringPower() error
	// PairedDevices lists bonded devices advertising any UUID in filter.
	PairedDevices(filter Filter) ([]Advertisement, error)
	// Peripheral returns the platform handle for a device.
	Peripheral(id Identifier) Peripheral
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Peripheral is the platform handle of one remote device. Blocking calls
// are always made off the state holder; their results come back as
// transition requests.
type Peripheral interface {
	// Connect establishes a link. It returns once connected or failed.
	Connect(ctx context.Context) error
	// Disconnect terminates the link.
	Disconnect() error
	// DiscoverServices returns the UUIDs of the remote GATT services.
	DiscoverServices(ctx context.Context) ([]string, error)
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// RequestMTU negotiates the MTU and returns the value granted.
	RequestMTU(ctx context.Context, mtu int) (int, error)
	// Pair bonds with the device.
	Pair(ctx context.Context) error
	// Unpair removes the bond.
	Unpair(ctx context.Context) error
	// OnDisconnect registers a callback invoked when the link drops.
	OnDisconnect(callback func())
}
