package ble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		max     int
		want    time.Duration
	}{
		{0, 30, 1 * time.Second},
		{1, 30, 2 * time.Second},
		{2, 30, 4 * time.Second},
		{3, 30, 8 * time.Second},
		{4, 30, 16 * time.Second},
		{5, 30, 30 * time.Second},
		{10, 30, 30 * time.Second},
		{63, 30, 30 * time.Second},
		{4, 10, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BackoffDelay(tt.attempt, tt.max), "attempt %d max %d", tt.attempt, tt.max)
	}
}

func TestStateHolderTransition(t *testing.T) {
	var h stateHolder[string]
	h.current = "a"

	got, err := h.transition(func(cur string) (string, error) { return cur + "b", nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", got)
	assert.Equal(t, "ab", h.load())

	_, err = h.transition(func(string) (string, error) { return "", ErrStaleState }, nil)
	assert.ErrorIs(t, err, ErrStaleState)
	assert.Equal(t, "ab", h.load())

	enterErr := errors.New("enter failed")
	_, err = h.transition(
		func(string) (string, error) { return "c", nil },
		func(prev, next string) error {
			assert.Equal(t, "ab", prev)
			assert.Equal(t, "c", next)
			return enterErr
		})
	assert.ErrorIs(t, err, enterErr)
	assert.Equal(t, "ab", h.load(), "a failed enter keeps the current state")
}

func TestStateHolderWatchKeepsLatest(t *testing.T) {
	var h stateHolder[int]
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := h.watch(ctx)
	for i := 1; i <= 5; i++ {
		_, err := h.transition(func(int) (int, error) { return i, nil }, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, <-ch, "slow readers only see the latest state")

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, time.Millisecond)
}

func TestStateHolderClose(t *testing.T) {
	var h stateHolder[int]
	ch := h.watch(context.Background())
	<-ch

	finals := 0
	h.close(func(cur int) {
		finals++
		assert.Zero(t, cur)
	})
	h.close(func(int) { finals++ })
	assert.Equal(t, 1, finals)

	_, open := <-ch
	assert.False(t, open)

	_, err := h.transition(func(int) (int, error) { return 1, nil }, nil)
	assert.ErrorIs(t, err, ErrClosed)

	_, open = <-h.watch(context.Background())
	assert.False(t, open, "watching a closed holder yields a closed channel")
}
