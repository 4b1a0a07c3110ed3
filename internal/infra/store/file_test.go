package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plughub/internal/domain"
	"plughub/internal/infra/store"
)

func TestFileStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := store.NewFileStore(filepath.Join(t.TempDir(), "state", "devices.yaml"))

	devices, err := s.ListDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices)

	added, err := s.AddDevice(ctx, domain.Device{Brand: domain.BrandTPLink, IP: "10.0.0.5", Label: "Pump", Type: domain.DeviceTypePump})
	require.NoError(t, err)
	assert.NotEmpty(t, added.ID)

	label := "Main pump"
	primary := true
	updated, err := s.UpdateDevice(ctx, added.ID, domain.DevicePatch{Label: &label, IsPrimaryPump: &primary})
	require.NoError(t, err)
	assert.Equal(t, "Main pump", updated.Label)
	assert.True(t, updated.IsPrimaryPump)

	devices, err = s.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "Main pump", devices[0].Label)
	assert.Equal(t, "10.0.0.5", devices[0].Key())

	require.NoError(t, s.DeleteDevice(ctx, added.ID))
	devices, err = s.ListDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestFileStore_MissingDevice(t *testing.T) {
	ctx := context.Background()
	s := store.NewFileStore(filepath.Join(t.TempDir(), "devices.yaml"))

	_, err := s.UpdateDevice(ctx, "nope", domain.DevicePatch{})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteDevice(ctx, "nope"), store.ErrNotFound)
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "devices.yaml")

	first := store.NewFileStore(path)
	_, err := first.AddDevice(ctx, domain.Device{Brand: domain.BrandGovee, DeviceID: "AA:BB", SKU: "H5080", Label: "Vibe"})
	require.NoError(t, err)

	second := store.NewFileStore(path)
	devices, err := second.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "H5080", devices[0].SKU)
	assert.Equal(t, domain.BrandGovee, devices[0].Brand)
}
