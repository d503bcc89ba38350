package ble

import (
	"context"
	"fmt"
	"time"

	"github.com/chaz8081/blestate/internal/ble/protocol"
)

// Link is what an action sees of a connected device.
type Link interface {
	// Characteristic finds a characteristic by UUID within a service.
	Characteristic(serviceUUID, charUUID string) (Characteristic, error)
	// MTU returns the ATT MTU negotiated when the action started.
	MTU() int
}

// Action is one unit of work on a connected device. Run returns once the
// work is done; a returned error marks the action as failed but the queue
// still advances.
type Action interface {
	Run(ctx context.Context, link Link) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, link Link) error

func (f ActionFunc) Run(ctx context.Context, link Link) error { return f(ctx, link) }

// WriteAction writes Data to a characteristic, split into MTU-sized packets.
type WriteAction struct {
	ServiceUUID        string
	CharacteristicUUID string
	Data               []byte
	InterChunkDelay    time.Duration // pause between packets
}

func (a WriteAction) Run(ctx context.Context, link Link) error {
	char, err := link.Characteristic(a.ServiceUUID, a.CharacteristicUUID)
	if err != nil {
		return fmt.Errorf("ble: write %s: %w", a.CharacteristicUUID, err)
	}
	chunks := protocol.ChunkBytes(a.Data, protocol.PayloadSize(link.MTU()))
	return writeChunks(ctx, char, len(chunks), func(i int) []byte { return chunks[i] }, a.InterChunkDelay)
}

// WriteTextAction writes Text to a characteristic, splitting at word
// boundaries so no packet ends inside a UTF-8 sequence.
type WriteTextAction struct {
	ServiceUUID        string
	CharacteristicUUID string
	Text               string
	InterChunkDelay    time.Duration
}

func (a WriteTextAction) Run(ctx context.Context, link Link) error {
	char, err := link.Characteristic(a.ServiceUUID, a.CharacteristicUUID)
	if err != nil {
		return fmt.Errorf("ble: write text %s: %w", a.CharacteristicUUID, err)
	}
	chunks := protocol.ChunkText(a.Text, protocol.PayloadSize(link.MTU()))
	return writeChunks(ctx, char, len(chunks), func(i int) []byte { return []byte(chunks[i]) }, a.InterChunkDelay)
}

// SubscribeAction enables notifications on a characteristic.
type SubscribeAction struct {
	ServiceUUID        string
	CharacteristicUUID string
	Handler            func(data []byte)
}

func (a SubscribeAction) Run(_ context.Context, link Link) error {
	char, err := link.Characteristic(a.ServiceUUID, a.CharacteristicUUID)
	if err != nil {
		return fmt.Errorf("ble: subscribe %s: %w", a.CharacteristicUUID, err)
	}
	if err := char.Subscribe(a.Handler); err != nil {
		return fmt.Errorf("ble: subscribe %s: %w", a.CharacteristicUUID, err)
	}
	return nil
}

func writeChunks(ctx context.Context, char Characteristic, n int, chunk func(i int) []byte, delay time.Duration) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := char.Write(chunk(i)); err != nil {
			return fmt.Errorf("ble: write packet %d/%d: %w", i+1, n, err)
		}
		if delay > 0 && i < n-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

type actionLink struct {
	peripheral Peripheral
	mtu        int
}

func (l actionLink) Characteristic(serviceUUID, charUUID string) (Characteristic, error) {
	return l.peripheral.DiscoverCharacteristic(serviceUUID, charUUID)
}

func (l actionLink) MTU() int { return l.mtu }
