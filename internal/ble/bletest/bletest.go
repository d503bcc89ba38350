// Package bletest provides in-memory fakes of the platform collaborators
// consumed by package ble: the adapter, the permission gate, peripherals
// and characteristics. Events are delivered only when a test asks for them.
package bletest

import (
	"context"
	"sync"

	"github.com/chaz8081/blestate/internal/ble"
)

// MaxMTU is the largest MTU a fake peripheral grants.
const MaxMTU = 517

// Gate is a PermissionGate whose answer tests can change.
type Gate struct {
	mu           sync.Mutex
	availability ble.Availability
}

func NewGate(a ble.Availability) *Gate {
	return &Gate{availability: a}
}

func (g *Gate) CheckSupport() ble.Availability {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.availability
}

// Set changes what CheckSupport reports.
func (g *Gate) Set(a ble.Availability) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.availability = a
}

// Adapter records scan and monitoring commands and lets tests inject
// scan results, scan failures and power changes.
type Adapter struct {
	mu           sync.Mutex
	scanning     bool
	filter       ble.Filter
	callbacks    ble.ScanCallbacks
	starts       int
	stops        int
	startErr     error
	powerCb      func(on bool)
	paired       []ble.Advertisement
	pairedErr    error
	peripherals  map[ble.Identifier]*Peripheral
	monitorCalls int
}

func NewAdapter() *Adapter {
	return &Adapter{peripherals: make(map[ble.Identifier]*Peripheral)}
}

func (a *Adapter) StartScan(filter ble.Filter, callbacks ble.ScanCallbacks) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return a.startErr
	}
	a.scanning = true
	a.filter = filter
	a.callbacks = callbacks
	a.starts++
	return nil
}

func (a *Adapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanning = false
	a.stops++
	return nil
}

func (a *Adapter) StartMonitoringPower(onChange func(on bool)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.powerCb = onChange
	a.monitorCalls++
	return nil
}

func (a *Adapter) StopMonitoringPower() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.powerCb = nil
	return nil
}

func (a *Adapter) PairedDevices(ble.Filter) ([]ble.Advertisement, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ble.Advertisement(nil), a.paired...), a.pairedErr
}

func (a *Adapter) Peripheral(id ble.Identifier) ble.Peripheral {
	return a.PeripheralFor(id)
}

// PeripheralFor returns the fake behind id, creating it on first use.
func (a *Adapter) PeripheralFor(id ble.Identifier) *Peripheral {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.peripherals[id]
	if !ok {
		p = NewPeripheral()
		a.peripherals[id] = p
	}
	return p
}

// SetStartScanError makes subsequent StartScan calls fail.
func (a *Adapter) SetStartScanError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startErr = err
}

// SetPaired sets what PairedDevices returns.
func (a *Adapter) SetPaired(advs []ble.Advertisement, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paired = advs
	a.pairedErr = err
}

// Discover delivers scan results through the callbacks of the latest scan.
func (a *Adapter) Discover(advs ...ble.Advertisement) {
	a.mu.Lock()
	cb := a.callbacks.DeviceDiscovered
	a.mu.Unlock()
	if cb == nil {
		return
	}
	for _, adv := range advs {
		cb(adv)
	}
}

// FailScan reports a scan failure through the callbacks of the latest scan.
func (a *Adapter) FailScan(err error, recoverable bool) {
	a.mu.Lock()
	cb := a.callbacks.ScanFailed
	a.mu.Unlock()
	if cb != nil {
		cb(err, recoverable)
	}
}

// SetPower reports a radio power change to the monitor, if any.
func (a *Adapter) SetPower(on bool) {
	a.mu.Lock()
	cb := a.powerCb
	a.mu.Unlock()
	if cb != nil {
		cb(on)
	}
}

// Callbacks returns the callbacks of the latest StartScan.
func (a *Adapter) Callbacks() ble.ScanCallbacks {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.callbacks
}

func (a *Adapter) IsScanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

// ScanFilter returns the filter of the latest StartScan.
func (a *Adapter) ScanFilter() ble.Filter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filter
}

// ScanStarts and ScanStops count StartScan and StopScan calls.
func (a *Adapter) ScanStarts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.starts
}

func (a *Adapter) ScanStops() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stops
}

// IsMonitoring reports whether a power callback is registered.
func (a *Adapter) IsMonitoring() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.powerCb != nil
}

// MonitorCalls counts StartMonitoringPower calls.
func (a *Adapter) MonitorCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.monitorCalls
}

// Peripheral is a fake device handle. Connect can be held open so tests
// control when it completes.
type Peripheral struct {
	mu           sync.Mutex
	hold         chan struct{}
	holdFirm     bool
	connectErr   error
	services     []string
	discoverErr  error
	mtuErr       error
	disconnectCb func()
	chars        map[string]*Characteristic
	connects     int
	disconnects  int
	pairs        int
	unpairs      int
}

func NewPeripheral() *Peripheral {
	return &Peripheral{chars: make(map[string]*Characteristic)}
}

// HoldConnect makes Connect block until ReleaseConnect or cancellation.
func (p *Peripheral) HoldConnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hold = make(chan struct{})
}

// HoldConnectIgnoringCancel makes Connect block until ReleaseConnect even
// if its context ends, then succeed as a late platform connect would.
func (p *Peripheral) HoldConnectIgnoringCancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hold = make(chan struct{})
	p.holdFirm = true
}

// ReleaseConnect lets held Connect calls complete.
func (p *Peripheral) ReleaseConnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hold != nil {
		close(p.hold)
		p.hold = nil
		p.holdFirm = false
	}
}

func (p *Peripheral) SetConnectError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

func (p *Peripheral) SetServices(services []string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services = services
	p.discoverErr = err
}

func (p *Peripheral) SetMTUError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mtuErr = err
}

// Connect ignores cancellation unless held, like platforms whose connect
// cannot be aborted.
func (p *Peripheral) Connect(ctx context.Context) error {
	p.mu.Lock()
	hold, firm := p.hold, p.holdFirm
	p.mu.Unlock()
	switch {
	case hold == nil:
	case firm:
		<-hold
	default:
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	return p.connectErr
}

func (p *Peripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	return nil
}

func (p *Peripheral) DiscoverServices(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.services...), p.discoverErr
}

func (p *Peripheral) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	return p.CharacteristicFor(serviceUUID, charUUID), nil
}

// CharacteristicFor returns the fake characteristic, creating it on first use.
func (p *Peripheral) CharacteristicFor(serviceUUID, charUUID string) *Characteristic {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := serviceUUID + "/" + charUUID
	c, ok := p.chars[key]
	if !ok {
		c = &Characteristic{}
		p.chars[key] = c
	}
	return c
}

func (p *Peripheral) RequestMTU(_ context.Context, mtu int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mtuErr != nil {
		return 0, p.mtuErr
	}
	return min(mtu, MaxMTU), nil
}

func (p *Peripheral) Pair(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pairs++
	return nil
}

func (p *Peripheral) Unpair(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unpairs++
	return nil
}

func (p *Peripheral) OnDisconnect(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectCb = cb
}

// DropLink simulates an unexpected disconnect.
func (p *Peripheral) DropLink() {
	p.mu.Lock()
	cb := p.disconnectCb
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Connects, Disconnects, Pairs and Unpairs count the respective calls.
func (p *Peripheral) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

func (p *Peripheral) Disconnects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}

func (p *Peripheral) Pairs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pairs
}

func (p *Peripheral) Unpairs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unpairs
}

// Characteristic records writes and allows subscribing.
type Characteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	callback func([]byte)
}

func (c *Characteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *Characteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

// SetWriteError makes subsequent writes fail.
func (c *Characteristic) SetWriteError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Writes returns a copy of every successful write.
func (c *Characteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// Notify sends a notification to the subscriber.
func (c *Characteristic) Notify(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// Compile-time checks.
var (
	_ ble.Adapter        = (*Adapter)(nil)
	_ ble.PermissionGate = (*Gate)(nil)
	_ ble.Peripheral     = (*Peripheral)(nil)
	_ ble.Characteristic = (*Characteristic)(nil)
)
