package application

import (
	"context"
	"time"

	"plughub/internal/domain"
)

// DeviceStore is the Device CRUD collaborator.
type DeviceStore interface {
	ListDevices(ctx context.Context) ([]domain.Device, error)
	AddDevice(ctx context.Context, device domain.Device) (domain.Device, error)
	UpdateDevice(ctx context.Context, id string, patch domain.DevicePatch) (domain.Device, error)
	DeleteDevice(ctx context.Context, id string) error
}

type DeviceController interface {
	DeviceOn(ctx context.Context, idOrIP string, opts domain.QueryOptions) error
	DeviceOff(ctx context.Context, idOrIP string, opts domain.QueryOptions) error
}

// StateReader returns the live relay state. Implementations return an error
// for transport failures and for server-side {error} replies alike.
type StateReader interface {
	GetDeviceState(ctx context.Context, idOrIP string, opts domain.QueryOptions) (domain.Reading, error)
}

// Driver is the full per-brand control surface.
type Driver interface {
	DeviceController
	StateReader
}

// LANDiscovery covers the TP-Link local network scan and strip inspection.
type LANDiscovery interface {
	ScanDevices(ctx context.Context, timeout time.Duration) ([]domain.LANCandidate, error)
	GetDeviceChildren(ctx context.Context, ip string) (domain.StripInfo, error)
}

type MatterStatus struct {
	Running   bool `json:"running"`
	AutoStart bool `json:"autoStart"`
	ProcessID int  `json:"processId"`
}

type MatterNode struct {
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
}

type MatterBackend interface {
	StartMatterServer(ctx context.Context) error
	StopMatterServer(ctx context.Context) error
	GetMatterStatus(ctx context.Context) (MatterStatus, error)
	CommissionMatterDevice(ctx context.Context, pairingCode, name string) (MatterNode, error)
}
