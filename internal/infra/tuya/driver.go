package tuya

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"plughub/internal/domain"
)

// Driver talks to Tuya's cloud directly. It is both the commissioning vendor
// for Tuya and the control/state driver for Tuya devices.
type Driver struct {
	client *Client
	logger *slog.Logger

	mu    sync.RWMutex
	codes map[string]string
}

func NewDriver(client *Client, logger *slog.Logger) *Driver {
	return &Driver{
		client: client,
		logger: logger,
		codes:  make(map[string]string),
	}
}

func (d *Driver) Brand() domain.Brand { return domain.BrandTuya }

func (d *Driver) Connect(ctx context.Context, creds domain.TuyaCredentials) error {
	d.client.Configure(creds)
	if err := d.client.Authenticate(ctx); err != nil {
		d.client.Reset()
		return fmt.Errorf("authenticating: %w", err)
	}
	d.logger.Info("tuya cloud authenticated", "region", creds.Region)
	return nil
}

func (d *Driver) Scan(ctx context.Context) ([]domain.CloudCandidate, error) {
	devices, err := d.client.GetDevices(ctx)
	if err != nil {
		return nil, err
	}
	d.logger.Info("tuya devices listed", "devices", len(devices))
	return devices, nil
}

func (d *Driver) Disconnect(_ context.Context) error {
	d.client.Reset()
	d.mu.Lock()
	d.codes = make(map[string]string)
	d.mu.Unlock()
	return nil
}

func (d *Driver) DeviceOn(ctx context.Context, id string, _ domain.QueryOptions) error {
	return d.set(ctx, id, true)
}

func (d *Driver) DeviceOff(ctx context.Context, id string, _ domain.QueryOptions) error {
	return d.set(ctx, id, false)
}

func (d *Driver) GetDeviceState(ctx context.Context, id string, _ domain.QueryOptions) (domain.Reading, error) {
	status, err := d.client.GetStatus(ctx, id)
	if err != nil {
		return domain.Reading{}, err
	}

	code, on, ok := relay(status)
	if !ok {
		return domain.Reading{}, fmt.Errorf("tuya device %s reports no switch data point", id)
	}
	d.remember(id, code)

	if on {
		return domain.Reading{State: domain.PowerOn, RelayState: domain.Relay(1)}, nil
	}
	return domain.Reading{State: domain.PowerOff, RelayState: domain.Relay(0)}, nil
}

func (d *Driver) set(ctx context.Context, id string, on bool) error {
	code, err := d.switchCode(ctx, id)
	if err != nil {
		return err
	}
	return d.client.SetSwitch(ctx, id, code, on)
}

// switchCode returns the relay data point for a device, looking it up once
// from the device status.
func (d *Driver) switchCode(ctx context.Context, id string) (string, error) {
	d.mu.RLock()
	code, ok := d.codes[id]
	d.mu.RUnlock()
	if ok {
		return code, nil
	}

	status, err := d.client.GetStatus(ctx, id)
	if err != nil {
		return "", err
	}
	code, _, ok = relay(status)
	if !ok {
		code = switchCodes[0]
	}
	d.remember(id, code)
	return code, nil
}

func (d *Driver) remember(id, code string) {
	d.mu.Lock()
	d.codes[id] = code
	d.mu.Unlock()
}
