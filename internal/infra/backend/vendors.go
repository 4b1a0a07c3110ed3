package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"plughub/internal/application"
	"plughub/internal/domain"
	"plughub/internal/infra"
)

// vendorDevice accepts the device shapes of every vendor listing: Govee
// (device, sku, deviceName), Tuya (id, name), Wyze (mac, nickname, model,
// is_online) and Tapo (ip, alias).
type vendorDevice struct {
	DeviceID   string `json:"deviceId"`
	Device     string `json:"device"`
	ID         string `json:"id"`
	MAC        string `json:"mac"`
	IP         string `json:"ip"`
	Name       string `json:"name"`
	DeviceName string `json:"deviceName"`
	Nickname   string `json:"nickname"`
	Alias      string `json:"alias"`
	SKU        string `json:"sku"`
	Model      string `json:"model"`
	Online     *bool  `json:"online"`
	IsOnline   *bool  `json:"is_online"`
}

func (d vendorDevice) ref() string {
	return firstNonEmpty(d.DeviceID, d.Device, d.ID, d.MAC)
}

func (d vendorDevice) name() string {
	return firstNonEmpty(d.Name, d.DeviceName, d.Nickname, d.Alias)
}

func (d vendorDevice) online() bool {
	switch {
	case d.Online != nil:
		return *d.Online
	case d.IsOnline != nil:
		return *d.IsOnline
	}
	return true
}

func (c *Client) connectVendor(ctx context.Context, brand domain.Brand, creds any) error {
	err := c.do(ctx, request{method: http.MethodPost, path: "/api/" + string(brand) + "/connect", body: creds, retry: infra.NoRetry()}, nil)
	if err != nil {
		return fmt.Errorf("connecting %s: %w", brand, err)
	}
	return nil
}

func (c *Client) disconnectVendor(ctx context.Context, brand domain.Brand) error {
	err := c.do(ctx, request{method: http.MethodPost, path: "/api/" + string(brand) + "/disconnect", retry: infra.NoRetry()}, nil)
	if err != nil {
		return fmt.Errorf("disconnecting %s: %w", brand, err)
	}
	return nil
}

func (c *Client) listVendor(ctx context.Context, brand domain.Brand) ([]vendorDevice, error) {
	var out struct {
		Devices []vendorDevice `json:"devices"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/" + string(brand) + "/devices", retry: infra.DefaultRetryConfig()}, &out)
	if err != nil {
		return nil, fmt.Errorf("listing %s devices: %w", brand, err)
	}
	return out.Devices, nil
}

// CloudVendor is a commissioning vendor for brands addressed by device id.
type CloudVendor[C domain.Credentials] struct {
	client *Client
	brand  domain.Brand
}

func NewCloudVendor[C domain.Credentials](client *Client, brand domain.Brand) *CloudVendor[C] {
	return &CloudVendor[C]{client: client, brand: brand}
}

func (v *CloudVendor[C]) Brand() domain.Brand { return v.brand }

func (v *CloudVendor[C]) Connect(ctx context.Context, creds C) error {
	return v.client.connectVendor(ctx, v.brand, creds)
}

func (v *CloudVendor[C]) Disconnect(ctx context.Context) error {
	return v.client.disconnectVendor(ctx, v.brand)
}

func (v *CloudVendor[C]) Scan(ctx context.Context) ([]domain.CloudCandidate, error) {
	listed, err := v.client.listVendor(ctx, v.brand)
	if err != nil {
		return nil, err
	}
	out := make([]domain.CloudCandidate, 0, len(listed))
	for _, d := range listed {
		ref := d.ref()
		if ref == "" {
			continue
		}
		out = append(out, domain.CloudCandidate{
			Brand:    v.brand,
			DeviceID: ref,
			SKU:      d.SKU,
			Model:    d.Model,
			Name:     d.name(),
			Online:   d.online(),
		})
	}
	return out, nil
}

// LANVendor is a commissioning vendor for account-based brands whose
// devices are still addressed by IP (Tapo).
type LANVendor[C domain.Credentials] struct {
	client *Client
	brand  domain.Brand
}

func NewLANVendor[C domain.Credentials](client *Client, brand domain.Brand) *LANVendor[C] {
	return &LANVendor[C]{client: client, brand: brand}
}

func (v *LANVendor[C]) Brand() domain.Brand { return v.brand }

func (v *LANVendor[C]) Connect(ctx context.Context, creds C) error {
	return v.client.connectVendor(ctx, v.brand, creds)
}

func (v *LANVendor[C]) Disconnect(ctx context.Context) error {
	return v.client.disconnectVendor(ctx, v.brand)
}

func (v *LANVendor[C]) Scan(ctx context.Context) ([]domain.LANCandidate, error) {
	listed, err := v.client.listVendor(ctx, v.brand)
	if err != nil {
		return nil, err
	}
	out := make([]domain.LANCandidate, 0, len(listed))
	for _, d := range listed {
		if d.IP == "" {
			continue
		}
		out = append(out, domain.LANCandidate{Brand: v.brand, IP: d.IP, Name: d.name(), Model: d.Model})
	}
	return out, nil
}

func (c *Client) StartMatterServer(ctx context.Context) error {
	if err := c.do(ctx, request{method: http.MethodPost, path: "/api/matter/start", retry: infra.NoRetry()}, nil); err != nil {
		return fmt.Errorf("starting matter server: %w", err)
	}
	return nil
}

func (c *Client) StopMatterServer(ctx context.Context) error {
	if err := c.do(ctx, request{method: http.MethodPost, path: "/api/matter/stop", retry: infra.NoRetry()}, nil); err != nil {
		return fmt.Errorf("stopping matter server: %w", err)
	}
	return nil
}

func (c *Client) GetMatterStatus(ctx context.Context) (application.MatterStatus, error) {
	var out application.MatterStatus
	if err := c.do(ctx, request{method: http.MethodGet, path: "/api/matter/status", retry: infra.DefaultRetryConfig()}, &out); err != nil {
		return application.MatterStatus{}, fmt.Errorf("getting matter status: %w", err)
	}
	return out, nil
}

func (c *Client) CommissionMatterDevice(ctx context.Context, pairingCode, name string) (application.MatterNode, error) {
	var out struct {
		NodeID json.Number `json:"nodeId"`
		Name   string      `json:"name"`
	}
	body := map[string]string{"pairingCode": pairingCode, "name": name}
	if err := c.do(ctx, request{method: http.MethodPost, path: "/api/matter/commission", body: body, retry: infra.NoRetry()}, &out); err != nil {
		return application.MatterNode{}, err
	}
	return application.MatterNode{DeviceID: out.NodeID.String(), Name: out.Name}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
