// Package telemetry holds the Prometheus metrics of the BLE state machines.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ScannerTransitions counts scanning state machine transitions by target state
	ScannerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blestate",
			Name:      "scanner_transitions_total",
			Help:      "Total number of scanning state transitions",
		},
		[]string{"state"},
	)

	// DeviceTransitions counts connection state transitions across all devices
	DeviceTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blestate",
			Name:      "device_transitions_total",
			Help:      "Total number of device connection state transitions",
		},
		[]string{"state"},
	)

	// DevicesDiscovered counts devices seen for the first time by a scan
	DevicesDiscovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "blestate",
			Name:      "devices_discovered_total",
			Help:      "Total number of devices added to the registry by scanning",
		},
	)

	// RegistryDevices is the size of the current device registry
	RegistryDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "blestate",
			Name:      "registry_devices",
			Help:      "Number of devices in the current registry snapshot",
		},
	)

	// ActionsCompleted counts finished device actions by result
	ActionsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blestate",
			Name:      "actions_completed_total",
			Help:      "Total number of device actions completed",
		},
		[]string{"result"},
	)

	once sync.Once
)

// InitMetrics registers all metrics with the global Prometheus registry.
// Safe to call more than once.
func InitMetrics() {
	once.Do(func() {
		prometheus.DefaultRegisterer.Register(ScannerTransitions)
		prometheus.DefaultRegisterer.Register(DeviceTransitions)
		prometheus.DefaultRegisterer.Register(DevicesDiscovered)
		prometheus.DefaultRegisterer.Register(RegistryDevices)
		prometheus.DefaultRegisterer.Register(ActionsCompleted)
	})
}
