package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter implements Adapter and PermissionGate on top of
// tinygo-org/bluetooth. On macOS, identifiers are CoreBluetooth UUIDs
// rather than MAC addresses.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects everything below.
	mu          sync.Mutex
	enabled     bool
	scanID      uint64
	scanning    bool
	scanDone    chan struct{} // closed when the latest Scan call returns
	powerCb     func(on bool)
	peripherals map[Identifier]*tinygoPeripheral
}

// NewTinyGoAdapter wraps the default system adapter.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		peripherals: make(map[Identifier]*tinygoPeripheral),
	}
}

func (a *TinyGoAdapter) enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo reports peripheral disconnects through the adapter-level
	// connect handler with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := Identifier(device.Address.String())
		a.mu.Lock()
		p, ok := a.peripherals[id]
		a.mu.Unlock()
		if ok {
			p.disconnected()
		}
	})
	a.enabled = true
	return nil
}

// CheckSupport enables the adapter. tinygo does not distinguish a missing
// authorization from missing hardware, so any failure is NotSupported.
func (a *TinyGoAdapter) CheckSupport() Availability {
	if err := a.enable(); err != nil {
		slog.Warn("[BLE] adapter unavailable", "error", err)
		return NotSupported
	}
	return PowerOn
}

func (a *TinyGoAdapter) StartScan(filter Filter, callbacks ScanCallbacks) error {
	if err := a.enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	var uuids []bluetooth.UUID
	for _, s := range filter.Strings() {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		uuids = append(uuids, u)
	}

	a.mu.Lock()
	a.scanID++
	id := a.scanID
	a.scanning = true
	prevDone := a.scanDone
	done := make(chan struct{})
	a.scanDone = done
	a.mu.Unlock()

	// Results are handed off so the platform callback never waits on the
	// state machine.
	results := make(chan Advertisement, 64)
	go func() {
		for adv := range results {
			if callbacks.DeviceDiscovered != nil {
				callbacks.DeviceDiscovered(adv)
			}
		}
	}()

	go func() {
		defer close(done)
		defer close(results)

		// tinygo allows one Scan at a time; a restart waits for the
		// stopped scan to return.
		if prevDone != nil {
			<-prevDone
		}
		a.mu.Lock()
		stillWanted := a.scanID == id && a.scanning
		a.mu.Unlock()
		if !stillWanted {
			return
		}

		err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			adv, ok := advertisementOf(result, uuids)
			if !ok {
				return
			}
			select {
			case results <- adv:
			default:
				slog.Debug("[BLE] scan result dropped, consumer behind", "device", adv.Identifier)
			}
		})

		a.mu.Lock()
		current := a.scanID == id && a.scanning
		if current {
			a.scanning = false
		}
		a.mu.Unlock()
		if err != nil && current && callbacks.ScanFailed != nil {
			callbacks.ScanFailed(err, false)
		}
	}()
	return nil
}

func (a *TinyGoAdapter) StopScan() error {
	a.mu.Lock()
	a.scanning = false
	a.mu.Unlock()
	return a.adapter.StopScan()
}

// StartMonitoringPower records onChange. tinygo has no portable power
// notifications, so the radio stays reported on while Enable succeeded.
func (a *TinyGoAdapter) StartMonitoringPower(onChange func(on bool)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.powerCb = onChange
	return nil
}

func (a *TinyGoAdapter) StopMonitoringPower() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.powerCb = nil
	return nil
}

// PairedDevices is not available through tinygo.
func (a *TinyGoAdapter) PairedDevices(Filter) ([]Advertisement, error) {
	return nil, ErrNotSupported
}

func (a *TinyGoAdapter) Peripheral(id Identifier) Peripheral {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.peripherals[id]
	if !ok {
		p = &tinygoPeripheral{adapter: a, id: id}
		a.peripherals[id] = p
	}
	return p
}

// Compile-time checks.
var (
	_ Adapter        = (*TinyGoAdapter)(nil)
	_ PermissionGate = (*TinyGoAdapter)(nil)
)

func advertisementOf(result bluetooth.ScanResult, uuids []bluetooth.UUID) (Advertisement, bool) {
	var matched []string
	for _, u := range uuids {
		if result.HasServiceUUID(u) {
			matched = append(matched, u.String())
		}
	}
	if len(uuids) > 0 && len(matched) == 0 {
		return Advertisement{}, false
	}
	return Advertisement{
		Identifier:   Identifier(result.Address.String()),
		Name:         result.LocalName(),
		RSSI:         int(result.RSSI),
		ServiceUUIDs: matched,
	}, true
}

type tinygoPeripheral struct {
	adapter *TinyGoAdapter
	id      Identifier

	mu           sync.Mutex
	device       *bluetooth.Device
	disconnectCb func()
}

func (p *tinygoPeripheral) Connect(ctx context.Context) error {
	if err := p.adapter.enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	var addr bluetooth.Address
	addr.Set(string(p.id))

	// tinygo's Connect blocks with its own timeout and cannot be cancelled;
	// a link established after ctx ended is closed right away.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := p.adapter.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if result := <-ch; result.err == nil {
				_ = result.device.Disconnect()
			}
		}()
		return fmt.Errorf("ble: connect to %s: %w", p.id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return fmt.Errorf("ble: connect to %s: %w", p.id, result.err)
		}
		if err := ctx.Err(); err != nil {
			_ = result.device.Disconnect()
			return fmt.Errorf("ble: connect to %s: %w", p.id, err)
		}
		p.mu.Lock()
		p.device = &result.device
		p.mu.Unlock()
		return nil
	}
}

func (p *tinygoPeripheral) connected() (*bluetooth.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.device == nil {
		return nil, ErrNotConnected
	}
	return p.device, nil
}

func (p *tinygoPeripheral) Disconnect() error {
	p.mu.Lock()
	device := p.device
	p.device = nil
	p.mu.Unlock()
	if device == nil {
		return nil
	}
	return device.Disconnect()
}

func (p *tinygoPeripheral) DiscoverServices(ctx context.Context) ([]string, error) {
	device, err := p.connected()
	if err != nil {
		return nil, err
	}
	svcs, err := device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(svcs))
	for _, svc := range svcs {
		out = append(out, svc.UUID().String())
	}
	return out, nil
}

func (p *tinygoPeripheral) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	device, err := p.connected()
	if err != nil {
		return nil, err
	}
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &tinygoCharacteristic{char: &chars[0]}, nil
}

func (p *tinygoPeripheral) RequestMTU(context.Context, int) (int, error) {
	return 0, ErrNotSupported
}

func (p *tinygoPeripheral) Pair(context.Context) error { return ErrNotSupported }

func (p *tinygoPeripheral) Unpair(context.Context) error { return ErrNotSupported }

func (p *tinygoPeripheral) OnDisconnect(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectCb = cb
}

func (p *tinygoPeripheral) disconnected() {
	p.mu.Lock()
	cb := p.disconnectCb
	p.device = nil
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinygoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(cb)
}
