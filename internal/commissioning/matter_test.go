package commissioning_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plughub/internal/application"
	"plughub/internal/commissioning"
	"plughub/internal/domain"
	"plughub/internal/registry"
)

type matterBackend struct {
	running    bool
	startErr   error
	commission func(ctx context.Context, code, name string) (application.MatterNode, error)
	codes      []string
}

func (b *matterBackend) StartMatterServer(context.Context) error {
	if b.startErr != nil {
		return b.startErr
	}
	b.running = true
	return nil
}

func (b *matterBackend) StopMatterServer(context.Context) error {
	b.running = false
	return nil
}

func (b *matterBackend) GetMatterStatus(context.Context) (application.MatterStatus, error) {
	return application.MatterStatus{Running: b.running}, nil
}

func (b *matterBackend) CommissionMatterDevice(ctx context.Context, code, name string) (application.MatterNode, error) {
	b.codes = append(b.codes, code)
	return b.commission(ctx, code, name)
}

func runningMatter(t *testing.T, b *matterBackend, reg *registry.Registry, timeout time.Duration) *commissioning.Matter {
	t.Helper()
	m := commissioning.NewMatter(b, reg, nil, discard(), timeout)
	require.NoError(t, m.StartServer(context.Background()))
	require.Equal(t, commissioning.ServerRunning, m.View().Server)
	return m
}

func TestMatter_ServerLifecycle(t *testing.T) {
	ctx := context.Background()
	b := &matterBackend{startErr: errors.New("port in use")}
	m := commissioning.NewMatter(b, newRegistry(t), nil, discard(), 0)

	require.Error(t, m.StartServer(ctx))
	assert.Equal(t, commissioning.ServerStopped, m.View().Server)
	assert.ErrorIs(t, m.StopServer(ctx), commissioning.ErrIllegalTransition)

	b.startErr = nil
	require.NoError(t, m.StartServer(ctx))
	assert.ErrorIs(t, m.StartServer(ctx), commissioning.ErrIllegalTransition)

	b.running = false
	state, err := m.RefreshServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, commissioning.ServerStopped, state)
}

func TestMatter_CommissionRequiresRunningServer(t *testing.T) {
	b := &matterBackend{}
	m := commissioning.NewMatter(b, newRegistry(t), nil, discard(), 0)

	_, err := m.Commission(context.Background(), "3497-011-2332", "Pump")
	assert.ErrorIs(t, err, commissioning.ErrIllegalTransition)
	assert.Empty(t, b.codes)
}

func TestMatter_CommissionValidatesBeforeNetwork(t *testing.T) {
	b := &matterBackend{}
	reg := newRegistry(t)
	m := runningMatter(t, b, reg, 0)

	for _, code := range []string{"", "1234", "3497-011-233a"} {
		_, err := m.Commission(context.Background(), code, "Pump")
		assert.ErrorIs(t, err, domain.ErrInvalidInput, code)
	}

	fill(t, reg, domain.MaxDevices)
	_, err := m.Commission(context.Background(), "34970112332", "Pump")
	assert.ErrorIs(t, err, registry.ErrRegistryFull)
	assert.Empty(t, b.codes)
}

func TestMatter_CommissionSuccess(t *testing.T) {
	b := &matterBackend{commission: func(context.Context, string, string) (application.MatterNode, error) {
		return application.MatterNode{DeviceID: "4"}, nil
	}}
	reg := newRegistry(t)
	m := runningMatter(t, b, reg, 0)

	device, err := m.Commission(context.Background(), "3497-011-2332", "Pump")
	require.NoError(t, err)
	assert.Equal(t, []string{"34970112332"}, b.codes)
	assert.Equal(t, domain.BrandMatter, device.Brand)
	assert.Equal(t, "4", device.Key())
	assert.Equal(t, "Pump", device.Label)

	view := m.View()
	assert.Equal(t, commissioning.CommissionSucceeded, view.Commission.Status)
	assert.True(t, reg.HasKey("4"))
}

func TestMatter_CommissionTimeoutLeavesServerRunning(t *testing.T) {
	b := &matterBackend{commission: func(ctx context.Context, _, _ string) (application.MatterNode, error) {
		<-ctx.Done()
		return application.MatterNode{}, ctx.Err()
	}}
	m := runningMatter(t, b, newRegistry(t), 20*time.Millisecond)

	_, err := m.Commission(context.Background(), "MT:Y.K9042C00KA0648G00", "")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	view := m.View()
	assert.Equal(t, commissioning.CommissionTimedOut, view.Commission.Status)
	assert.Equal(t, commissioning.ServerRunning, view.Server)

	m.ResetCommission()
	assert.Equal(t, commissioning.CommissionIdle, m.View().Commission.Status)
}

func TestMatter_CommissionFailure(t *testing.T) {
	b := &matterBackend{commission: func(context.Context, string, string) (application.MatterNode, error) {
		return application.MatterNode{}, errors.New("device rejected PASE")
	}}
	m := runningMatter(t, b, newRegistry(t), 0)

	_, err := m.Commission(context.Background(), "34970112332", "Pump")
	require.Error(t, err)
	view := m.View()
	assert.Equal(t, commissioning.CommissionFailed, view.Commission.Status)
	assert.Contains(t, view.Commission.Message, "PASE")
	assert.Equal(t, commissioning.ServerRunning, view.Server)
}
