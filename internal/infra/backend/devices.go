package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"plughub/internal/domain"
	"plughub/internal/infra"
)

func (c *Client) ListDevices(ctx context.Context) ([]domain.Device, error) {
	var out struct {
		Devices []domain.Device `json:"devices"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/devices", retry: infra.DefaultRetryConfig()}, &out)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return out.Devices, nil
}

func (c *Client) AddDevice(ctx context.Context, device domain.Device) (domain.Device, error) {
	var out struct {
		Device domain.Device `json:"device"`
	}
	err := c.do(ctx, request{method: http.MethodPost, path: "/api/devices", body: device, retry: infra.NoRetry()}, &out)
	if err != nil {
		return domain.Device{}, fmt.Errorf("adding device: %w", err)
	}
	return out.Device, nil
}

func (c *Client) UpdateDevice(ctx context.Context, id string, patch domain.DevicePatch) (domain.Device, error) {
	var out struct {
		Device domain.Device `json:"device"`
	}
	err := c.do(ctx, request{method: http.MethodPut, path: "/api/devices/" + escape(id), body: patch, retry: infra.DefaultRetryConfig()}, &out)
	if err != nil {
		return domain.Device{}, fmt.Errorf("updating device %s: %w", id, err)
	}
	return out.Device, nil
}

func (c *Client) DeleteDevice(ctx context.Context, id string) error {
	err := c.do(ctx, request{method: http.MethodDelete, path: "/api/devices/" + escape(id), retry: infra.DefaultRetryConfig()}, nil)
	if err != nil {
		return fmt.Errorf("deleting device %s: %w", id, err)
	}
	return nil
}

func (c *Client) DeviceOn(ctx context.Context, idOrIP string, opts domain.QueryOptions) error {
	return c.power(ctx, idOrIP, "on", opts)
}

func (c *Client) DeviceOff(ctx context.Context, idOrIP string, opts domain.QueryOptions) error {
	return c.power(ctx, idOrIP, "off", opts)
}

func (c *Client) power(ctx context.Context, idOrIP, verb string, opts domain.QueryOptions) error {
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/api/devices/" + escape(idOrIP) + "/" + verb,
		query:  queryValues(opts),
		retry:  infra.NoRetry(),
	}, nil)
	if err != nil {
		return fmt.Errorf("turning %s %s: %w", verb, idOrIP, err)
	}
	return nil
}

type stateReply struct {
	State      string `json:"state"`
	RelayState *int   `json:"relay_state"`
	RelayCamel *int   `json:"relayState"`
}

func (c *Client) GetDeviceState(ctx context.Context, idOrIP string, opts domain.QueryOptions) (domain.Reading, error) {
	var out stateReply
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/api/devices/" + escape(idOrIP) + "/state",
		query:  queryValues(opts),
		retry:  infra.NoRetry(),
	}, &out)
	if err != nil {
		return domain.Reading{}, fmt.Errorf("reading state of %s: %w", idOrIP, err)
	}

	relay := out.RelayState
	if relay == nil {
		relay = out.RelayCamel
	}

	switch out.State {
	case "on":
		if relay == nil {
			relay = domain.Relay(1)
		}
		return domain.Reading{State: domain.PowerOn, RelayState: relay}, nil
	case "off":
		if relay == nil {
			relay = domain.Relay(0)
		}
		return domain.Reading{State: domain.PowerOff, RelayState: relay}, nil
	}
	if relay != nil {
		if *relay == 1 {
			return domain.Reading{State: domain.PowerOn, RelayState: relay}, nil
		}
		return domain.Reading{State: domain.PowerOff, RelayState: relay}, nil
	}
	return domain.Reading{State: domain.PowerUnknown}, nil
}

type scanReply struct {
	Subnet  string `json:"subnet"`
	Devices []struct {
		IP    string `json:"ip"`
		Name  string `json:"name"`
		Model string `json:"model"`
		Info  struct {
			System struct {
				SysInfo struct {
					Model string `json:"model"`
				} `json:"get_sysinfo"`
			} `json:"system"`
		} `json:"info"`
	} `json:"devices"`
}

// ScanDevices runs the backend's LAN sweep. The HTTP call is given a little
// longer than the sweep itself.
func (c *Client) ScanDevices(ctx context.Context, timeout time.Duration) ([]domain.LANCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	var out scanReply
	q := url.Values{"timeout": {strconv.Itoa(int(timeout.Seconds()))}}
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/devices/scan", query: q, retry: infra.NoRetry()}, &out)
	if err != nil {
		return nil, fmt.Errorf("scanning network: %w", err)
	}

	found := make([]domain.LANCandidate, 0, len(out.Devices))
	for _, d := range out.Devices {
		if d.IP == "" {
			continue
		}
		model := d.Model
		if model == "" {
			model = d.Info.System.SysInfo.Model
		}
		found = append(found, domain.LANCandidate{Brand: domain.BrandTPLink, IP: d.IP, Name: d.Name, Model: model})
	}
	c.logger.Info("network scan complete", "subnet", out.Subnet, "found", len(found))
	return found, nil
}

func (c *Client) GetDeviceChildren(ctx context.Context, ip string) (domain.StripInfo, error) {
	var out domain.StripInfo
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/devices/" + escape(ip) + "/children", retry: infra.DefaultRetryConfig()}, &out)
	if err != nil {
		return domain.StripInfo{}, fmt.Errorf("getting children of %s: %w", ip, err)
	}
	return out, nil
}

func queryValues(opts domain.QueryOptions) url.Values {
	q := url.Values{}
	if opts.ChildID != "" {
		q.Set("childId", opts.ChildID)
	}
	if opts.Brand != "" {
		q.Set("brand", string(opts.Brand))
	}
	if opts.SKU != "" {
		q.Set("sku", opts.SKU)
	}
	if opts.Model != "" {
		q.Set("model", opts.Model)
	}
	return q
}
