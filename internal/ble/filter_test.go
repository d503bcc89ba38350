package ble_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/blestate/internal/ble"
)

func TestParseServiceUUID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"180d", "0000180d-0000-1000-8000-00805f9b34fb"},
		{"0x180D", "0000180d-0000-1000-8000-00805f9b34fb"},
		{"0000fe59", "0000fe59-0000-1000-8000-00805f9b34fb"},
		{"6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001-b5a3-f393-e0a9-e50e24dcca9e"},
	}
	for _, tt := range tests {
		u, err := ble.ParseServiceUUID(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, u.String(), tt.in)
	}

	_, err := ble.ParseServiceUUID("not-a-uuid")
	assert.Error(t, err)
}

func TestFilterEqualityIgnoresOrder(t *testing.T) {
	a := ble.MustFilter("180d", "180f")
	b := ble.MustFilter("0000180F-0000-1000-8000-00805f9b34fb", "180d")
	assert.Equal(t, a, b)
	assert.True(t, a == b)
	assert.Equal(t, ble.ScanningMode(a), ble.ScanningMode(b))
	assert.NotEqual(t, ble.ScanningMode(a), ble.PairedMode(b))

	dup := ble.MustFilter("180d", "180d")
	assert.Equal(t, ble.MustFilter("180d"), dup)
	assert.Len(t, dup.UUIDs(), 1)
}

func TestFilterScopesRegistryRegardlessOfOrder(t *testing.T) {
	var devices ble.Devices
	devices = devices.UpdateScanFilter(ble.MustFilter("180d", "180f"), ble.CleanRetainAll)
	devices = devices.AddScanned("D0", factory("D0"))

	devices = devices.UpdateScanFilter(ble.MustFilter("180f", "180d"), ble.CleanRetainAll)
	assert.Equal(t, []ble.Identifier{"D0"}, devices.IdentifiersForCurrentScanFilter())
}

func TestEmptyFilter(t *testing.T) {
	f, err := ble.NewFilter()
	require.NoError(t, err)
	assert.True(t, f.IsEmpty())
	assert.Equal(t, ble.Filter{}, f)
	assert.Nil(t, f.UUIDs())
	assert.True(t, f.Matches(nil))
}

func TestFilterMatches(t *testing.T) {
	f := ble.MustFilter("180d")
	assert.True(t, f.Matches([]string{"180f", "0000180d-0000-1000-8000-00805f9b34fb"}))
	assert.True(t, f.Matches([]string{"180D"}))
	assert.False(t, f.Matches([]string{"180f"}))
	assert.False(t, f.Matches(nil))
	assert.False(t, f.Matches([]string{"garbage"}))
}

func TestNewFilterRejectsInvalidUUID(t *testing.T) {
	_, err := ble.NewFilter("180d", "xyz")
	assert.Error(t, err)
	assert.Panics(t, func() { ble.MustFilter("xyz") })
}

func TestParseCleanMode(t *testing.T) {
	for in, want := range map[string]ble.CleanMode{
		"":                     ble.CleanOnlyProvidedFilter,
		"only_provided_filter": ble.CleanOnlyProvidedFilter,
		"retain_all":           ble.CleanRetainAll,
		"remove_all":           ble.CleanRemoveAll,
	} {
		got, err := ble.ParseCleanMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		if in != "" {
			assert.Equal(t, in, got.String())
		}
	}
	_, err := ble.ParseCleanMode("sometimes")
	assert.Error(t, err)
}
