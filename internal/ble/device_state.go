package ble

import (
	"log/slog"
	"slices"
)

// ConnectableDeviceState is the connection state of a Device. It is one of
// *Disconnected, *Connecting, *ConnectedNoServices, *ConnectedDiscovering,
// *ConnectedIdle, *ConnectedHandlingAction or *Disconnecting. States are
// immutable; transitions publish a new value.
type ConnectableDeviceState interface {
	String() string
	connectableDeviceState()
}

// Disconnected is the initial state. Err reports why the last connection
// ended, if it ended abnormally.
type Disconnected struct {
	device *Device
	err    error
}

func (s *Disconnected) Err() error { return s.err }

// Connect starts a connection attempt. settings apply when the link later
// drops unexpectedly.
func (s *Disconnected) Connect(settings ReconnectionSettings) error {
	d := s.device
	return d.transition(func(cur ConnectableDeviceState) (ConnectableDeviceState, error) {
		if cur != s {
			return nil, ErrStaleState
		}
		return &Connecting{device: d, link: newLink(), settings: settings}, nil
	})
}

// Connecting waits for the platform to establish a link. Attempt is zero
// for a connection requested by the caller and counts up for reconnections.
type Connecting struct {
	device   *Device
	link     *link
	settings ReconnectionSettings
	attempt  int
}

func (s *Connecting) ReconnectionSettings() ReconnectionSettings { return s.settings }

func (s *Connecting) Attempt() int { return s.attempt }

// CancelConnection abandons the attempt. A connect completion arriving
// afterwards is discarded.
func (s *Connecting) CancelConnection() error {
	d := s.device
	return d.transition(func(cur ConnectableDeviceState) (ConnectableDeviceState, error) {
		if cur != s {
			return nil, ErrStaleState
		}
		return &Disconnecting{device: d, link: s.link}, nil
	})
}

// DidConnect reports that the link is up.
func (s *Connecting) DidConnect() error {
	d := s.device
	return d.transition(func(cur ConnectableDeviceState) (ConnectableDeviceState, error) {
		if cur != s {
			return nil, ErrStaleState
		}
		return &ConnectedNoServices{connected: connected{
			device:   d,
			link:     s.link,
			settings: s.settings,
			mtu:      DefaultMTU,
		}}, nil
	})
}

// connected holds what every connected substate carries. Its operations
// apply to whichever connected substate is current on the same link.
type connected struct {
	device   *Device
	link     *link
	settings ReconnectionSettings
	mtu      int
	services []string
}

func (c connected) ReconnectionSettings() ReconnectionSettings { return c.settings }

func (c connected) MTU() int { return c.mtu }

// Services returns the discovered service UUIDs.
func (c connected) Services() []string { return slices.Clone(c.services) }

// DidUpdateMTU records a negotiated MTU.
func (c connected) DidUpdateMTU(mtu int) error {
	return c.device.updateConnected(c.link, func(b *connected) { b.mtu = mtu })
}

// UpdateReconnectionSettings replaces the reconnection policy.
func (c connected) UpdateReconnectionSettings(settings ReconnectionSettings) error {
	return c.device.updateConnected(c.link, func(b *connected) { b.settings = settings })
}

// RequestMTU asks the platform for a larger MTU. The result arrives as
// DidUpdateMTU; a failed negotiation keeps the current MTU.
func (c connected) RequestMTU(mtu int) error {
	d := c.device
	if b, ok := baseOf(d.State()); !ok || b.link != c.link {
		return ErrStaleState
	}
	go func() {
		got, err := d.peripheral.RequestMTU(c.link.ctx, mtu)
		if err != nil {
			slog.Warn("[BLE] MTU negotiation failed", "device", d.adv.Identifier, "requested", mtu, "error", err)
			return
		}
		if err := c.DidUpdateMTU(got); err != nil {
			slog.Debug("[BLE] discarding MTU update", "device", d.adv.Identifier, "error", err)
		}
	}()
	return nil
}

// Disconnect closes the link.
func (c connected) Disconnect() error {
	return c.leave(false)
}

// Unpair removes the bond, then closes the link.
func (c connected) Unpair() error {
	return c.leave(true)
}

// Reconnect drops the link state and starts a new connection attempt.
func (c connected) Reconnect() error {
	d := c.device
	return d.transition(func(cur ConnectableDeviceState) (ConnectableDeviceState, error) {
		b, ok := baseOf(cur)
		if !ok || b.link != c.link {
			return nil, ErrStaleState
		}
		return &Connecting{device: d, link: newLink(), settings: b.settings, attempt: 1}, nil
	})
}

func (c connected) leave(unpair bool) error {
	d := c.device
	return d.transition(func(cur ConnectableDeviceState) (ConnectableDeviceState, error) {
		b, ok := baseOf(cur)
		if !ok || b.link != c.link {
			return nil, ErrStaleState
		}
		return &Disconnecting{device: d, link: c.link, unpair: unpair}, nil
	})
}

// ConnectedNoServices is a link whose services are not discovered yet.
type ConnectedNoServices struct {
	connected
}

// DiscoverServices starts service discovery.
func (s *ConnectedNoServices) DiscoverServices() error {
	return s.device.discoverServices(s.link)
}

// ConnectedDiscovering waits for service discovery to finish.
type ConnectedDiscovering struct {
	connected
}

// DidDiscoverServices reports the discovered services.
func (s *ConnectedDiscovering) DidDiscoverServices(services []string) error {
	return s.device.didDiscoverServices(s.link, services)
}

// ConnectedIdle is ready to handle actions.
type ConnectedIdle struct {
	connected
}

// HandleAction starts running action.
func (s *ConnectedIdle) HandleAction(action Action) error {
	return s.device.transition(func(cur ConnectableDeviceState) (ConnectableDeviceState, error) {
		c, ok := cur.(*ConnectedIdle)
		if !ok || c.link != s.link {
			return nil, ErrStaleState
		}
		return &ConnectedHandlingAction{connected: c.connected, current: &job{action: action}}, nil
	})
}

// ConnectedHandlingAction runs one action at a time; further actions wait
// in a FIFO queue.
type ConnectedHandlingAction struct {
	connected
	current *job
	pending []Action
}

// Action returns the action in flight.
func (s *ConnectedHandlingAction) Action() Action { return s.current.action }

// Pending returns the queued actions in execution order.
func (s *ConnectedHandlingAction) Pending() []Action { return slices.Clone(s.pending) }

// AddAction queues action behind the pending ones.
func (s *ConnectedHandlingAction) AddAction(action Action) error {
	return s.device.transition(func(cur ConnectableDeviceState) (ConnectableDeviceState, error) {
		c, ok := cur.(*ConnectedHandlingAction)
		if !ok || c.link != s.link {
			return nil, ErrStaleState
		}
		return c.withPending(action), nil
	})
}

// ActionCompleted finishes the action in flight and starts the next queued
// one, if any.
func (s *ConnectedHandlingAction) ActionCompleted() error {
	return s.device.completeAction(s.link, s.current)
}

func (s *ConnectedHandlingAction) withPending(action Action) *ConnectedHandlingAction {
	pending := make([]Action, len(s.pending), len(s.pending)+1)
	copy(pending, s.pending)
	return &ConnectedHandlingAction{
		connected: s.connected,
		current:   s.current,
		pending:   append(pending, action),
	}
}

// Disconnecting waits for the platform to close the link.
type Disconnecting struct {
	device *Device
	link   *link
	unpair bool
	err    error
}

// DidDisconnect reports that the link is closed.
func (s *Disconnecting) DidDisconnect() error {
	d := s.device
	return d.transition(func(cur ConnectableDeviceState) (ConnectableDeviceState, error) {
		c, ok := cur.(*Disconnecting)
		if !ok || c.link != s.link {
			return nil, ErrStaleState
		}
		return &Disconnected{device: d, err: c.err}, nil
	})
}

func (*Disconnected) String() string            { return "disconnected" }
func (*Connecting) String() string              { return "connecting" }
func (*ConnectedNoServices) String() string     { return "connected.no_services" }
func (*ConnectedDiscovering) String() string    { return "connected.discovering" }
func (*ConnectedIdle) String() string           { return "connected.idle" }
func (*ConnectedHandlingAction) String() string { return "connected.handling_action" }
func (*Disconnecting) String() string           { return "disconnecting" }

func (*Disconnected) connectableDeviceState()            {}
func (*Connecting) connectableDeviceState()              {}
func (*ConnectedNoServices) connectableDeviceState()     {}
func (*ConnectedDiscovering) connectableDeviceState()    {}
func (*ConnectedIdle) connectableDeviceState()           {}
func (*ConnectedHandlingAction) connectableDeviceState() {}
func (*Disconnecting) connectableDeviceState()           {}

// baseOf returns the connected fields of a connected substate.
func baseOf(s ConnectableDeviceState) (connected, bool) {
	switch c := s.(type) {
	case *ConnectedNoServices:
		return c.connected, true
	case *ConnectedDiscovering:
		return c.connected, true
	case *ConnectedIdle:
		return c.connected, true
	case *ConnectedHandlingAction:
		return c.connected, true
	}
	return connected{}, false
}

// withBase copies a connected substate with new connected fields.
func withBase(s ConnectableDeviceState, b connected) ConnectableDeviceState {
	switch c := s.(type) {
	case *ConnectedNoServices:
		return &ConnectedNoServices{connected: b}
	case *ConnectedDiscovering:
		return &ConnectedDiscovering{connected: b}
	case *ConnectedIdle:
		return &ConnectedIdle{connected: b}
	case *ConnectedHandlingAction:
		return &ConnectedHandlingAction{connected: b, current: c.current, pending: c.pending}
	}
	return s
}

func linkOf(s ConnectableDeviceState) *link {
	switch c := s.(type) {
	case *Connecting:
		return c.link
	case *Disconnecting:
		return c.link
	}
	if b, ok := baseOf(s); ok {
		return b.link
	}
	return nil
}
