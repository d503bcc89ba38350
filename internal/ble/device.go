package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/chaz8081/blestate/internal/telemetry"
)

// DefaultMTU is the ATT MTU in effect before any negotiation.
const DefaultMTU = 23

// ReconnectionSettings decides what happens when an established link drops.
type ReconnectionSettings int

const (
	// ReconnectNever leaves the device disconnected after a drop.
	ReconnectNever ReconnectionSettings = iota
	// ReconnectAlways reconnects after a drop, backing off between attempts.
	ReconnectAlways
)

// ParseReconnectionSettings parses "always" or "never".
func ParseReconnectionSettings(s string) (ReconnectionSettings, error) {
	switch s {
	case "always":
		return ReconnectAlways, nil
	case "never", "":
		return ReconnectNever, nil
	default:
		return 0, fmt.Errorf("ble: unknown reconnection policy %q", s)
	}
}

func (r ReconnectionSettings) String() string {
	if r == ReconnectAlways {
		return "always"
	}
	return "never"
}

// DeviceOptions configures connection handling for every device a Scanner
// creates.
type DeviceOptions struct {
	ReconnectMax      int                            // max reconnect backoff in seconds
	OnActionCompleted func(action Action, err error) // called once per finished action, in order
}

// Device is a discovered peripheral together with its connection state
// machine. A Device is created once per identifier and owned by the
// registry that created it.
type Device struct {
	adv        Advertisement
	peripheral Peripheral
	opts       DeviceOptions
	state      stateHolder[ConnectableDeviceState]
}

// NewDevice creates a disconnected device.
func NewDevice(adv Advertisement, peripheral Peripheral, opts DeviceOptions) *Device {
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30
	}
	adv.ServiceUUIDs = slices.Clone(adv.ServiceUUIDs)
	d := &Device{
		adv:        adv,
		peripheral: peripheral,
		opts:       opts,
	}
	d.state.current = &Disconnected{device: d}
	return d
}

func (d *Device) Identifier() Identifier { return d.adv.Identifier }

func (d *Device) Name() string { return d.adv.Name }

// Advertisement returns the advertisement the device was first seen with.
func (d *Device) Advertisement() Advertisement {
	adv := d.adv
	adv.ServiceUUIDs = slices.Clone(adv.ServiceUUIDs)
	return adv
}

// State returns the current connection state.
func (d *Device) State() ConnectableDeviceState { return d.state.load() }

// Watch streams connection states until ctx is done.
func (d *Device) Watch(ctx context.Context) <-chan ConnectableDeviceState {
	return d.state.watch(ctx)
}

func (d *Device) String() string {
	if d.adv.Name == "" {
		return string(d.adv.Identifier)
	}
	return fmt.Sprintf("%s (%s)", d.adv.Name, d.adv.Identifier)
}

// Connect starts connecting a disconnected device.
func (d *Device) Connect(settings ReconnectionSettings) error {
	return d.transition(func(cur ConnectableDeviceState) (ConnectableDeviceState, error) {
		if _, ok := cur.(*Disconnected); !ok {
			return nil, fmt.Errorf("ble: connect %s while %s: %w", d, cur, ErrInvalidState)
		}
		return &Connecting{device: d, link: newLink(), settings: settings}, nil
	})
}

// Disconnect cancels a pending connection or closes an established one.
// It is a no-op for a device that is already disconnected or disconnecting.
func (d *Device) Disconnect() error {
	err := d.transition(func(cur ConnectableDeviceState) (ConnectableDeviceState, error) {
		switch s := cur.(type) {
		case *Connecting:
			return &Disconnecting{device: d, link: s.link}, nil
		case *Disconnected, *Disconnecting:
			return nil, errNothingToDo
		}
		b, _ := baseOf(cur)
		return &Disconnecting{device: d, link: b.link}, nil
	})
	if errors.Is(err, errNothingToDo) {
		return nil
	}
	return err
}

// HandleAction runs action on a connected device, queueing it behind the
// action in flight if there is one.
func (d *Device) HandleAction(action Action) error {
	return d.transition(func(cur ConnectableDeviceState) (ConnectableDeviceState, error) {
		switch s := cur.(type) {
		case *ConnectedIdle:
			return &ConnectedHandlingAction{connected: s.connected, current: &job{action: action}}, nil
		case *ConnectedHandlingAction:
			return s.withPending(action), nil
		default:
			return nil, fmt.Errorf("ble: handle action on %s while %s: %w", d, cur, ErrNotConnected)
		}
	})
}

// RequestMTU negotiates a new MTU on a connected device.
func (d *Device) RequestMTU(mtu int) error {
	b, ok := baseOf(d.State())
	if !ok {
		return fmt.Errorf("ble: request MTU on %s: %w", d, ErrNotConnected)
	}
	return b.RequestMTU(mtu)
}

// Pair bonds with the device.
func (d *Device) Pair(ctx context.Context) error {
	if err := d.peripheral.Pair(ctx); err != nil {
		return fmt.Errorf("ble: pair %s: %w", d, err)
	}
	return nil
}

// Unpair removes the bond. A connected device is disconnected afterwards.
func (d *Device) Unpair(ctx context.Context) error {
	if b, ok := baseOf(d.State()); ok {
		return b.Unpair()
	}
	if err := d.peripheral.Unpair(ctx); err != nil {
		return fmt.Errorf("ble: unpair %s: %w", d, err)
	}
	return nil
}

var errNothingToDo = errors.New("ble: nothing to do")

func (d *Device) transition(next func(cur ConnectableDeviceState) (ConnectableDeviceState, error)) error {
	_, err := d.state.transition(next, d.enter)
	return err
}

// enter starts the platform work belonging to the state being entered.
// It runs with the state lock held, so blocking calls go to goroutines.
func (d *Device) enter(prev, next ConnectableDeviceState) error {
	prevLink, nextLink := linkOf(prev), linkOf(next)
	if prevLink != nil && prevLink != nextLink {
		prevLink.cancel()
	}
	if p, ok := prev.(*ConnectedHandlingAction); ok && len(p.pending) > 0 {
		switch next.(type) {
		case *ConnectedHandlingAction, *ConnectedIdle:
		default:
			// Reported after the action in flight, by its runAction.
			p.current.dropped = p.pending
		}
	}

	switch n := next.(type) {
	case *Connecting:
		go d.runConnect(n)
	case *ConnectedNoServices:
		if _, ok := prev.(*Connecting); ok {
			l := n.link
			d.peripheral.OnDisconnect(func() { d.linkLost(l) })
		}
	case *ConnectedDiscovering:
		if _, ok := prev.(*ConnectedDiscovering); !ok {
			go d.runDiscovery(n.link)
		}
	case *ConnectedHandlingAction:
		if p, ok := prev.(*ConnectedHandlingAction); !ok || p.current != n.current {
			go d.runAction(n.link, n.current, n.mtu)
		}
	case *Disconnecting:
		if _, ok := prev.(*Disconnecting); !ok {
			n.link.cancel()
			go d.runDisconnect(n)
		}
	}

	if prev == nil || prev.String() != next.String() {
		telemetry.DeviceTransitions.WithLabelValues(next.String()).Inc()
		slog.Debug("[BLE] device transition", "device", d.adv.Identifier, "from", prev, "to", next)
	}
	return nil
}

func (d *Device) runConnect(c *Connecting) {
	// The first reconnection attempt is immediate; later ones back off.
	if c.attempt > 1 {
		delay := BackoffDelay(c.attempt-2, d.opts.ReconnectMax)
		slog.Info("[BLE] reconnect backoff", "device", d.adv.Identifier, "attempt", c.attempt, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.link.ctx.Done():
			timer.Stop()
			return
		}
	}

	if err := d.peripheral.Connect(c.link.ctx); err != nil {
		slog.Warn("[BLE] connect failed", "device", d.adv.Identifier, "attempt", c.attempt, "error", err)
		d.connectFailed(c, err)
		return
	}
	if err := c.DidConnect(); err != nil {
		// Cancelled while the platform was still connecting. The platform
		// link may have come up after runDisconnect ran, so close it unless
		// a newer attempt owns the peripheral.
		slog.Debug("[BLE] discarding connect completion", "device", d.adv.Identifier, "error", err)
		switch d.State().(type) {
		case *Disconnected, *Disconnecting:
			if err := d.peripheral.Disconnect(); err != nil {
				slog.Warn("[BLE] closing discarded link failed", "device", d.adv.Identifier, "error", err)
			}
		}
		return
	}
	slog.Info("[BLE] connected", "device", d.adv.Identifier)
	if err := d.discoverServices(c.link); err != nil {
		slog.Debug("[BLE] service discovery not started", "device", d.adv.Identifier, "error", err)
	}
}

func (d *Device) connectFailed(c *Connecting, cause error) {
	err := d.transition(func(cur ConnectableDeviceState) (ConnectableDeviceState, error) {
		if cur != c {
			return nil, ErrStaleState
		}
		if c.settings == ReconnectAlways && c.attempt > 0 {
			return &Connecting{device: d, link: newLink(), settings: c.settings, attempt: c.attempt + 1}, nil
		}
		return &Disconnected{device: d, err: cause}, nil
	})
	if err != nil {
		slog.Debug("[BLE] discarding connect failure", "device", d.adv.Identifier, "error", err)
	}
}

func (d *Device) discoverServices(l *link) error {
	return d.transition(func(cur ConnectableDeviceState) (ConnectableDeviceState, error) {
		s, ok := cur.(*ConnectedNoServices)
		if !ok || s.link != l {
			return nil, ErrStaleState
		}
		return &ConnectedDiscovering{connected: s.connected}, nil
	})
}

func (d *Device) runDiscovery(l *link) {
	services, err := d.peripheral.DiscoverServices(l.ctx)
	if err != nil {
		slog.Warn("[BLE] service discovery failed", "device", d.adv.Identifier, "error", err)
		err = d.transition(func(cur ConnectableDeviceState) (ConnectableDeviceState, error) {
			s, ok := cur.(*ConnectedDiscovering)
			if !ok || s.link != l {
				return nil, ErrStaleState
			}
			return &Disconnecting{device: d, link: l, err: fmt.Errorf("ble: discover services: %w", err)}, nil
		})
		if err != nil {
			slog.Debug("[BLE] discarding discovery failure", "device", d.adv.Identifier, "error", err)
		}
		return
	}
	if err := d.didDiscoverServices(l, services); err != nil {
		slog.Debug("[BLE] discarding discovered services", "device", d.adv.Identifier, "error", err)
	}
}

func (d *Device) didDiscoverServices(l *link, services []string) error {
	return d.transition(func(cur ConnectableDeviceState) (ConnectableDeviceState, error) {
		s, ok := cur.(*ConnectedDiscovering)
		if !ok || s.link != l {
			return nil, ErrStaleState
		}
		b := s.connected
		b.services = slices.Clone(services)
		return &ConnectedIdle{connected: b}, nil
	})
}

func (d *Device) runAction(l *link, j *job, mtu int) {
	err := j.action.Run(l.ctx, actionLink{peripheral: d.peripheral, mtu: mtu})
	if err != nil {
		telemetry.ActionsCompleted.WithLabelValues("failure").Inc()
		slog.Warn("[BLE] action failed", "device", d.adv.Identifier, "error", err)
	} else {
		telemetry.ActionsCompleted.WithLabelValues("success").Inc()
	}
	if d.opts.OnActionCompleted != nil {
		d.opts.OnActionCompleted(j.action, err)
	}
	if err := d.completeAction(l, j); err != nil {
		slog.Debug("[BLE] discarding action completion", "device", d.adv.Identifier, "error", err)
		d.reportDropped(j)
	}
}

// reportDropped completes the actions that were still queued behind j when
// the device left its link. j.dropped is written under the state lock
// before completeAction observes the stale state.
func (d *Device) reportDropped(j *job) {
	for _, action := range j.dropped {
		telemetry.ActionsCompleted.WithLabelValues("failure").Inc()
		if d.opts.OnActionCompleted != nil {
			d.opts.OnActionCompleted(action, fmt.Errorf("ble: action dropped on %s: %w", d, ErrNotConnected))
		}
	}
	if n := len(j.dropped); n > 0 {
		slog.Warn("[BLE] dropped queued actions", "device", d.adv.Identifier, "count", n)
	}
}

// completeAction advances the action queue. Failed actions advance it too.
func (d *Device) completeAction(l *link, j *job) error {
	return d.transition(func(cur ConnectableDeviceState) (ConnectableDeviceState, error) {
		s, ok := cur.(*ConnectedHandlingAction)
		if !ok || s.link != l || s.current != j {
			return nil, ErrStaleState
		}
		if len(s.pending) == 0 {
			return &ConnectedIdle{connected: s.connected}, nil
		}
		return &ConnectedHandlingAction{
			connected: s.connected,
			current:   &job{action: s.pending[0]},
			pending:   slices.Clip(s.pending[1:]),
		}, nil
	})
}

func (d *Device) runDisconnect(s *Disconnecting) {
	if s.unpair {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.peripheral.Unpair(ctx); err != nil {
			slog.Warn("[BLE] unpair failed", "device", d.adv.Identifier, "error", err)
		}
		cancel()
	}
	if err := d.peripheral.Disconnect(); err != nil {
		slog.Warn("[BLE] disconnect failed", "device", d.adv.Identifier, "error", err)
	}
	if err := s.DidDisconnect(); err != nil {
		slog.Debug("[BLE] discarding disconnect completion", "device", d.adv.Identifier, "error", err)
	}
}

// linkLost handles a drop reported by the platform.
func (d *Device) linkLost(l *link) {
	err := d.transition(func(cur ConnectableDeviceState) (ConnectableDeviceState, error) {
		if s, ok := cur.(*Disconnecting); ok && s.link == l {
			return &Disconnected{device: d, err: s.err}, nil
		}
		b, ok := baseOf(cur)
		if !ok || b.link != l {
			return nil, ErrStaleState
		}
		if b.settings == ReconnectAlways {
			slog.Warn("[BLE] disconnected, reconnecting...", "device", d.adv.Identifier)
			return &Connecting{device: d, link: newLink(), settings: b.settings, attempt: 1}, nil
		}
		slog.Warn("[BLE] disconnected", "device", d.adv.Identifier)
		return &Disconnected{device: d, err: ErrLinkLost}, nil
	})
	if err != nil {
		slog.Debug("[BLE] ignoring link loss", "device", d.adv.Identifier, "error", err)
	}
}

// updateConnected copies the connected state on link with fn applied,
// keeping its substate.
func (d *Device) updateConnected(l *link, fn func(b *connected)) error {
	return d.transition(func(cur ConnectableDeviceState) (ConnectableDeviceState, error) {
		b, ok := baseOf(cur)
		if !ok || b.link != l {
			return nil, ErrStaleState
		}
		fn(&b)
		return withBase(cur, b), nil
	})
}

// BackoffDelay returns the retry delay for attempt n, doubling from one
// second and capped at maxSeconds.
func BackoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt >= 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// link is one connection attempt. Work started for a link is cancelled when
// the device leaves it.
type link struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newLink() *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{ctx: ctx, cancel: cancel}
}

type job struct {
	action  Action
	dropped []Action // queued behind this job when the link was left
}
