package ble_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/blestate/internal/ble"
	"github.com/chaz8081/blestate/internal/ble/bletest"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond

	nusService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	nusRX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	nusTX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

var errBoom = errors.New("boom")

func newTestDevice(opts ble.DeviceOptions) (*ble.Device, *bletest.Peripheral) {
	p := bletest.NewPeripheral()
	p.SetServices([]string{nusService}, nil)
	d := ble.NewDevice(ble.Advertisement{Identifier: "AA:BB:CC:DD:EE:FF", Name: "Sensor"}, p, opts)
	return d, p
}

// awaitState waits until the device is in a state of type T and returns it.
func awaitState[T ble.ConnectableDeviceState](t *testing.T, d *ble.Device) T {
	t.Helper()
	var got T
	require.Eventually(t, func() bool {
		s, ok := d.State().(T)
		if ok {
			got = s
		}
		return ok
	}, waitFor, tick, "last state: %s", d.State())
	return got
}

func connectIdle(t *testing.T, d *ble.Device, settings ble.ReconnectionSettings) *ble.ConnectedIdle {
	t.Helper()
	require.NoError(t, d.Connect(settings))
	return awaitState[*ble.ConnectedIdle](t, d)
}

func isConnected(s ble.ConnectableDeviceState) bool {
	return strings.HasPrefix(s.String(), "connected.")
}

func TestDeviceConnectDiscoversServices(t *testing.T) {
	d, p := newTestDevice(ble.DeviceOptions{})
	_, ok := d.State().(*ble.Disconnected)
	require.True(t, ok, "a new device starts disconnected")

	idle := connectIdle(t, d, ble.ReconnectNever)

	assert.Equal(t, []string{nusService}, idle.Services())
	assert.Equal(t, ble.DefaultMTU, idle.MTU())
	assert.Equal(t, ble.ReconnectNever, idle.ReconnectionSettings())
	assert.Equal(t, 1, p.Connects())
}

func TestDeviceConnectWhileConnected(t *testing.T) {
	d, _ := newTestDevice(ble.DeviceOptions{})
	connectIdle(t, d, ble.ReconnectNever)

	err := d.Connect(ble.ReconnectNever)
	assert.ErrorIs(t, err, ble.ErrInvalidState)
}

func TestCancelledConnectionDiscardsLateCompletion(t *testing.T) {
	d, p := newTestDevice(ble.DeviceOptions{})
	p.HoldConnect()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	states := d.Watch(ctx)

	require.NoError(t, d.Connect(ble.ReconnectNever))
	connecting, ok := d.State().(*ble.Connecting)
	require.True(t, ok)

	require.NoError(t, connecting.CancelConnection())
	assert.ErrorIs(t, connecting.DidConnect(), ble.ErrStaleState)
	assert.ErrorIs(t, connecting.CancelConnection(), ble.ErrStaleState)

	p.ReleaseConnect()
	awaitState[*ble.Disconnected](t, d)
	assert.Never(t, func() bool { return isConnected(d.State()) }, 50*time.Millisecond, 5*time.Millisecond)

	cancel()
	for s := range states {
		assert.False(t, isConnected(s), "observed %s after cancellation", s)
	}
}

func TestCancelledConnectionClosesLateLink(t *testing.T) {
	d, p := newTestDevice(ble.DeviceOptions{})
	p.HoldConnectIgnoringCancel()

	require.NoError(t, d.Connect(ble.ReconnectNever))
	connecting, ok := d.State().(*ble.Connecting)
	require.True(t, ok)
	require.NoError(t, connecting.CancelConnection())
	awaitState[*ble.Disconnected](t, d)
	assert.Equal(t, 1, p.Disconnects())

	// The platform finishes connecting after the disconnect already ran.
	p.ReleaseConnect()
	require.Eventually(t, func() bool { return p.Disconnects() == 2 }, waitFor, tick)
	assert.Equal(t, 1, p.Connects())
	_, ok = d.State().(*ble.Disconnected)
	assert.True(t, ok, "state %s", d.State())
}

func TestDeviceRunsActionsInOrder(t *testing.T) {
	var mu sync.Mutex
	var ran, completed []string
	var failures []error

	d, _ := newTestDevice(ble.DeviceOptions{
		OnActionCompleted: func(action ble.Action, err error) {
			mu.Lock()
			defer mu.Unlock()
			completed = append(completed, action.(namedAction).name)
			failures = append(failures, err)
		},
	})
	connectIdle(t, d, ble.ReconnectNever)

	release := make(chan struct{})
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, name)
	}
	a := namedAction{name: "A", run: func() error { <-release; record("A"); return nil }}
	b := namedAction{name: "B", run: func() error { record("B"); return errBoom }}
	c := namedAction{name: "C", run: func() error { record("C"); return nil }}

	require.NoError(t, d.HandleAction(a))
	require.NoError(t, d.HandleAction(b))
	require.NoError(t, d.HandleAction(c))

	handling, ok := d.State().(*ble.ConnectedHandlingAction)
	require.True(t, ok)
	assert.Equal(t, "A", handling.Action().(namedAction).name)
	assert.Len(t, handling.Pending(), 2)

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 3
	}, waitFor, tick)
	awaitState[*ble.ConnectedIdle](t, d)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B", "C"}, ran)
	assert.Equal(t, []string{"A", "B", "C"}, completed)
	assert.NoError(t, failures[0])
	assert.ErrorIs(t, failures[1], errBoom)
	assert.NoError(t, failures[2])
}

func TestDisconnectReportsQueuedActions(t *testing.T) {
	var mu sync.Mutex
	var completed []string
	var failures []error

	d, _ := newTestDevice(ble.DeviceOptions{
		OnActionCompleted: func(action ble.Action, err error) {
			mu.Lock()
			defer mu.Unlock()
			completed = append(completed, action.(namedAction).name)
			failures = append(failures, err)
		},
	})
	connectIdle(t, d, ble.ReconnectNever)

	release := make(chan struct{})
	var ran []string
	a := namedAction{name: "A", run: func() error { <-release; return nil }}
	b := namedAction{name: "B", run: func() error { ran = append(ran, "B"); return nil }}
	c := namedAction{name: "C", run: func() error { ran = append(ran, "C"); return nil }}
	require.NoError(t, d.HandleAction(a))
	require.NoError(t, d.HandleAction(b))
	require.NoError(t, d.HandleAction(c))

	require.NoError(t, d.Disconnect())
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 3
	}, waitFor, tick)
	awaitState[*ble.Disconnected](t, d)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B", "C"}, completed)
	assert.NoError(t, failures[0])
	assert.ErrorIs(t, failures[1], ble.ErrNotConnected)
	assert.ErrorIs(t, failures[2], ble.ErrNotConnected)
	assert.Empty(t, ran, "queued actions never run after disconnect")
}

func TestLinkDropReportsQueuedActions(t *testing.T) {
	var mu sync.Mutex
	var completed []string

	d, p := newTestDevice(ble.DeviceOptions{
		OnActionCompleted: func(action ble.Action, err error) {
			mu.Lock()
			defer mu.Unlock()
			completed = append(completed, action.(namedAction).name)
		},
	})
	connectIdle(t, d, ble.ReconnectAlways)

	release := make(chan struct{})
	require.NoError(t, d.HandleAction(namedAction{name: "A", run: func() error { <-release; return nil }}))
	require.NoError(t, d.HandleAction(namedAction{name: "B"}))

	p.DropLink()
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 2
	}, waitFor, tick)
	awaitState[*ble.ConnectedIdle](t, d)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B"}, completed)
}

func TestActionCompletedOnStaleStateIsRejected(t *testing.T) {
	d, _ := newTestDevice(ble.DeviceOptions{})
	connectIdle(t, d, ble.ReconnectNever)

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, d.HandleAction(namedAction{name: "A", run: func() error { <-release; return nil }}))
	first, ok := d.State().(*ble.ConnectedHandlingAction)
	require.True(t, ok)

	require.NoError(t, first.AddAction(namedAction{name: "B", run: func() error { return nil }}))
	require.NoError(t, first.ActionCompleted())

	// A already completed; a second completion for it is stale.
	assert.ErrorIs(t, first.ActionCompleted(), ble.ErrStaleState)
	awaitState[*ble.ConnectedIdle](t, d)
}

func TestHandleActionRequiresConnection(t *testing.T) {
	d, _ := newTestDevice(ble.DeviceOptions{})
	err := d.HandleAction(namedAction{name: "A"})
	assert.ErrorIs(t, err, ble.ErrNotConnected)
}

func TestWriteActionUsesNegotiatedMTU(t *testing.T) {
	d, p := newTestDevice(ble.DeviceOptions{})
	idle := connectIdle(t, d, ble.ReconnectNever)

	require.NoError(t, idle.RequestMTU(100))
	require.Eventually(t, func() bool {
		s, ok := d.State().(*ble.ConnectedIdle)
		return ok && s.MTU() == 100
	}, waitFor, tick)

	data := make([]byte, 250)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, d.HandleAction(ble.WriteAction{
		ServiceUUID:        nusService,
		CharacteristicUUID: nusRX,
		Data:               data,
	}))
	awaitState[*ble.ConnectedIdle](t, d)

	writes := p.CharacteristicFor(nusService, nusRX).Writes()
	require.Len(t, writes, 3)
	assert.Len(t, writes[0], 97)
	assert.Len(t, writes[1], 97)
	assert.Len(t, writes[2], 56)
	assert.Equal(t, data, append(append(writes[0], writes[1]...), writes[2]...))
}

func TestWriteTextAction(t *testing.T) {
	d, p := newTestDevice(ble.DeviceOptions{})
	connectIdle(t, d, ble.ReconnectNever)

	text := "the quick brown fox jumps over the lazy dog"
	require.NoError(t, d.HandleAction(ble.WriteTextAction{
		ServiceUUID:        nusService,
		CharacteristicUUID: nusRX,
		Text:               text,
	}))
	awaitState[*ble.ConnectedIdle](t, d)

	var got strings.Builder
	for _, w := range p.CharacteristicFor(nusService, nusRX).Writes() {
		assert.LessOrEqual(t, len(w), 20)
		got.Write(w)
	}
	assert.Equal(t, text, got.String())
}

func TestSubscribeAction(t *testing.T) {
	d, p := newTestDevice(ble.DeviceOptions{})
	connectIdle(t, d, ble.ReconnectNever)

	received := make(chan []byte, 1)
	require.NoError(t, d.HandleAction(ble.SubscribeAction{
		ServiceUUID:        nusService,
		CharacteristicUUID: nusTX,
		Handler:            func(data []byte) { received <- data },
	}))
	awaitState[*ble.ConnectedIdle](t, d)

	p.CharacteristicFor(nusService, nusTX).Notify([]byte("ping"))
	select {
	case data := <-received:
		assert.Equal(t, []byte("ping"), data)
	case <-time.After(waitFor):
		t.Fatal("notification not delivered")
	}
}

func TestRequestMTUFailureKeepsMTU(t *testing.T) {
	d, p := newTestDevice(ble.DeviceOptions{})
	p.SetMTUError(ble.ErrNotSupported)
	connectIdle(t, d, ble.ReconnectNever)

	require.NoError(t, d.RequestMTU(247))
	assert.Never(t, func() bool {
		s, ok := d.State().(*ble.ConnectedIdle)
		return !ok || s.MTU() != ble.DefaultMTU
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestRequestMTURequiresConnection(t *testing.T) {
	d, _ := newTestDevice(ble.DeviceOptions{})
	assert.ErrorIs(t, d.RequestMTU(247), ble.ErrNotConnected)
}

func TestDidUpdateMTUKeepsQueue(t *testing.T) {
	d, _ := newTestDevice(ble.DeviceOptions{})
	connectIdle(t, d, ble.ReconnectNever)

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, d.HandleAction(namedAction{name: "A", run: func() error { <-release; return nil }}))
	require.NoError(t, d.HandleAction(namedAction{name: "B"}))

	handling := d.State().(*ble.ConnectedHandlingAction)
	require.NoError(t, handling.DidUpdateMTU(185))

	updated, ok := d.State().(*ble.ConnectedHandlingAction)
	require.True(t, ok)
	assert.Equal(t, 185, updated.MTU())
	assert.Equal(t, "A", updated.Action().(namedAction).name)
	assert.Len(t, updated.Pending(), 1)
}

func TestLinkDropReconnects(t *testing.T) {
	d, p := newTestDevice(ble.DeviceOptions{})
	first := connectIdle(t, d, ble.ReconnectAlways)

	p.DropLink()
	require.Eventually(t, func() bool {
		_, ok := d.State().(*ble.ConnectedIdle)
		return ok && p.Connects() == 2
	}, waitFor, tick)

	second := d.State().(*ble.ConnectedIdle)
	assert.Equal(t, ble.ReconnectAlways, second.ReconnectionSettings())

	// Handles from the dropped link are stale.
	assert.ErrorIs(t, first.HandleAction(namedAction{name: "A"}), ble.ErrStaleState)
	assert.ErrorIs(t, first.Disconnect(), ble.ErrStaleState)
	assert.ErrorIs(t, first.DidUpdateMTU(100), ble.ErrStaleState)
}

func TestLinkDropWithoutReconnect(t *testing.T) {
	d, p := newTestDevice(ble.DeviceOptions{})
	connectIdle(t, d, ble.ReconnectNever)

	p.DropLink()
	s := awaitState[*ble.Disconnected](t, d)
	assert.ErrorIs(t, s.Err(), ble.ErrLinkLost)
	assert.Equal(t, 1, p.Connects())
}

func TestUpdateReconnectionSettings(t *testing.T) {
	d, p := newTestDevice(ble.DeviceOptions{})
	idle := connectIdle(t, d, ble.ReconnectNever)

	require.NoError(t, idle.UpdateReconnectionSettings(ble.ReconnectAlways))
	p.DropLink()
	require.Eventually(t, func() bool {
		_, ok := d.State().(*ble.ConnectedIdle)
		return ok && p.Connects() == 2
	}, waitFor, tick)
}

func TestDisconnect(t *testing.T) {
	d, p := newTestDevice(ble.DeviceOptions{})
	connectIdle(t, d, ble.ReconnectAlways)

	require.NoError(t, d.Disconnect())
	s := awaitState[*ble.Disconnected](t, d)
	assert.NoError(t, s.Err())
	assert.Equal(t, 1, p.Disconnects())
	assert.Equal(t, 1, p.Connects(), "a requested disconnect never reconnects")

	assert.NoError(t, d.Disconnect(), "disconnecting twice is a no-op")
}

func TestUnpairConnectedDevice(t *testing.T) {
	d, p := newTestDevice(ble.DeviceOptions{})
	connectIdle(t, d, ble.ReconnectNever)

	require.NoError(t, d.Unpair(context.Background()))
	awaitState[*ble.Disconnected](t, d)
	assert.Equal(t, 1, p.Unpairs())
	assert.Equal(t, 1, p.Disconnects())
}

func TestPairAndUnpairDisconnectedDevice(t *testing.T) {
	d, p := newTestDevice(ble.DeviceOptions{})
	require.NoError(t, d.Pair(context.Background()))
	require.NoError(t, d.Unpair(context.Background()))
	assert.Equal(t, 1, p.Pairs())
	assert.Equal(t, 1, p.Unpairs())
	assert.Zero(t, p.Disconnects())
}

func TestServiceDiscoveryFailureDisconnects(t *testing.T) {
	d, p := newTestDevice(ble.DeviceOptions{})
	p.SetServices(nil, errBoom)

	require.NoError(t, d.Connect(ble.ReconnectNever))
	s := awaitState[*ble.Disconnected](t, d)
	assert.ErrorIs(t, s.Err(), errBoom)
	assert.Equal(t, 1, p.Disconnects())
}

func TestConnectFailure(t *testing.T) {
	d, p := newTestDevice(ble.DeviceOptions{})
	p.SetConnectError(errBoom)

	require.NoError(t, d.Connect(ble.ReconnectAlways))
	s := awaitState[*ble.Disconnected](t, d)
	assert.ErrorIs(t, s.Err(), errBoom)
	assert.Equal(t, 1, p.Connects(), "an initial connect failure is not retried")
}

func TestReconnectFromConnectedState(t *testing.T) {
	d, p := newTestDevice(ble.DeviceOptions{})
	idle := connectIdle(t, d, ble.ReconnectNever)

	require.NoError(t, idle.Reconnect())
	require.Eventually(t, func() bool {
		_, ok := d.State().(*ble.ConnectedIdle)
		return ok && p.Connects() == 2
	}, waitFor, tick)
}

func TestWatchDevice(t *testing.T) {
	d, _ := newTestDevice(ble.DeviceOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states := d.Watch(ctx)
	first := <-states
	assert.Equal(t, "disconnected", first.String())

	require.NoError(t, d.Connect(ble.ReconnectNever))
	deadline := time.After(waitFor)
	for {
		select {
		case s := <-states:
			if _, ok := s.(*ble.ConnectedIdle); ok {
				return
			}
		case <-deadline:
			t.Fatalf("never observed connected.idle, last state %s", d.State())
		}
	}
}

type namedAction struct {
	name string
	run  func() error
}

func (a namedAction) Run(context.Context, ble.Link) error {
	if a.run == nil {
		return nil
	}
	return a.run()
}
