package backend_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plughub/internal/domain"
	"plughub/internal/infra/backend"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestClient_StateQueryAndParsing(t *testing.T) {
	var gotQuery map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/devices/192.168.1.20/state", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		gotQuery = map[string]string{
			"childId": r.URL.Query().Get("childId"),
			"brand":   r.URL.Query().Get("brand"),
		}
		writeJSON(w, map[string]any{"state": "on", "relay_state": 1, "outlet_id": "8006A1"})
	}))
	defer server.Close()

	c := backend.NewClient(server.URL, "secret", discard())
	reading, err := c.GetDeviceState(context.Background(), "192.168.1.20", domain.QueryOptions{ChildID: "8006A1", Brand: domain.BrandTPLink})
	require.NoError(t, err)

	assert.Equal(t, domain.PowerOn, reading.State)
	require.NotNil(t, reading.RelayState)
	assert.Equal(t, 1, *reading.RelayState)
	assert.Equal(t, map[string]string{"childId": "8006A1", "brand": "tplink"}, gotQuery)
}

func TestClient_StateWithoutRelay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": true, "state": "off"})
	}))
	defer server.Close()

	c := backend.NewClient(server.URL, "", discard())
	reading, err := c.GetDeviceState(context.Background(), "AA:BB:CC", domain.QueryOptions{Brand: domain.BrandTapo})
	require.NoError(t, err)
	assert.Equal(t, domain.PowerOff, reading.State)
	assert.Equal(t, 0, *reading.RelayState)
}

func TestClient_ErrorBodiesBecomeErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/devices/10.0.0.9/on":
			writeJSON(w, map[string]any{"error": "Connection refused"})
		case "/api/devices/10.0.0.9/state":
			writeJSON(w, map[string]any{"success": false, "error": "Child ID 3 not found"})
		default:
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]any{"message": "nope"})
		}
	}))
	defer server.Close()

	c := backend.NewClient(server.URL, "", discard())
	ctx := context.Background()

	err := c.DeviceOn(ctx, "10.0.0.9", domain.QueryOptions{})
	require.Error(t, err)
	assert.True(t, backend.IsAPIError(err))
	assert.Contains(t, err.Error(), "Connection refused")

	_, err = c.GetDeviceState(ctx, "10.0.0.9", domain.QueryOptions{})
	assert.Contains(t, err.Error(), "Child ID 3")

	err = c.DeleteDevice(ctx, "missing")
	var apiErr *backend.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestClient_ControlIsNotRetried(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := backend.NewClient(server.URL, "", discard())
	require.Error(t, c.DeviceOff(context.Background(), "10.0.0.9", domain.QueryOptions{}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestClient_DeviceCRUD(t *testing.T) {
	var mu sync.Mutex
	stored := map[string]domain.Device{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/devices":
			list := []domain.Device{}
			for _, d := range stored {
				list = append(list, d)
			}
			writeJSON(w, map[string]any{"devices": list})
		case r.Method == http.MethodPost && r.URL.Path == "/api/devices":
			var d domain.Device
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&d))
			d.ID = "dev-1"
			stored[d.ID] = d
			writeJSON(w, map[string]any{"success": true, "device": d})
		case r.Method == http.MethodPut && r.URL.Path == "/api/devices/dev-1":
			var p domain.DevicePatch
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
			stored["dev-1"] = p.Apply(stored["dev-1"])
			writeJSON(w, map[string]any{"device": stored["dev-1"]})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/devices/dev-1":
			delete(stored, "dev-1")
			writeJSON(w, map[string]any{"success": true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := backend.NewClient(server.URL, "", discard())
	ctx := context.Background()

	added, err := c.AddDevice(ctx, domain.Device{Brand: domain.BrandGovee, DeviceID: "AA:01", SKU: "H5080", Label: "Desk"})
	require.NoError(t, err)
	assert.Equal(t, "dev-1", added.ID)

	label := "Bedside"
	updated, err := c.UpdateDevice(ctx, "dev-1", domain.DevicePatch{Label: &label})
	require.NoError(t, err)
	assert.Equal(t, "Bedside", updated.Label)
	assert.Equal(t, "H5080", updated.SKU)

	list, err := c.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "AA:01", list[0].Key())

	require.NoError(t, c.DeleteDevice(ctx, "dev-1"))
}

func TestClient_ScanAndChildren(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/devices/scan":
			assert.Equal(t, "3", r.URL.Query().Get("timeout"))
			writeJSON(w, map[string]any{
				"subnet": "192.168.1",
				"devices": []map[string]any{
					{"ip": "192.168.1.20", "name": "Power Strip", "info": map[string]any{"system": map[string]any{"get_sysinfo": map[string]any{"model": "HS300(US)"}}}},
					{"ip": "192.168.1.21", "name": "Device 192.168.1.21"},
				},
			})
		case "/api/devices/192.168.1.20/children":
			writeJSON(w, map[string]any{
				"is_strip": true,
				"model":    "HS300(US)",
				"children": []map[string]any{{"id": "8006A0", "index": 0, "alias": "Pump"}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := backend.NewClient(server.URL, "", discard())
	ctx := context.Background()

	found, err := c.ScanDevices(ctx, 3*time.Second)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "HS300(US)", found[0].Model)
	assert.Equal(t, domain.BrandTPLink, found[1].Brand)

	info, err := c.GetDeviceChildren(ctx, "192.168.1.20")
	require.NoError(t, err)
	assert.True(t, info.IsStrip)
	require.Len(t, info.Children, 1)
	assert.Equal(t, "8006A0", info.Children[0].ID)
}

func TestCloudVendor_NormalizesListings(t *testing.T) {
	var connectBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/wyze/connect":
			json.NewDecoder(r.Body).Decode(&connectBody)
			writeJSON(w, map[string]any{"success": true})
		case "/api/wyze/devices":
			writeJSON(w, map[string]any{"success": true, "devices": []map[string]any{
				{"mac": "2CAA8E000001", "nickname": "Pump plug", "model": "WLPP1CFH", "is_online": true},
				{"mac": "2CAA8E000002", "nickname": "Spare", "model": "WLPP1CFH", "is_online": false},
			}})
		case "/api/govee/devices":
			writeJSON(w, map[string]any{"devices": []map[string]any{
				{"device": "AA:BB:CC:DD", "sku": "H5080", "deviceName": "Smart Plug"},
			}})
		case "/api/tapo/devices":
			writeJSON(w, map[string]any{"devices": []map[string]any{
				{"ip": "192.168.1.44", "alias": "Tapo P100", "model": "P100"},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := backend.NewClient(server.URL, "", discard())
	ctx := context.Background()

	wyze := backend.NewCloudVendor[domain.WyzeCredentials](c, domain.BrandWyze)
	require.NoError(t, wyze.Connect(ctx, domain.WyzeCredentials{Email: "a@b.c", Password: "pw", KeyID: "k", APIKey: "x"}))
	assert.Equal(t, "a@b.c", connectBody["email"])
	assert.Equal(t, "k", connectBody["keyId"])

	plugs, err := wyze.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, plugs, 2)
	assert.Equal(t, "2CAA8E000001", plugs[0].VendorRef())
	assert.Equal(t, "Pump plug", plugs[0].DisplayName())
	assert.False(t, plugs[1].Online)

	govee := backend.NewCloudVendor[domain.GoveeCredentials](c, domain.BrandGovee)
	lamps, err := govee.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, lamps, 1)
	assert.Equal(t, "H5080", lamps[0].Device().SKU)

	tapo := backend.NewLANVendor[domain.TapoCredentials](c, domain.BrandTapo)
	tapos, err := tapo.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, tapos, 1)
	assert.Equal(t, "192.168.1.44", tapos[0].Device().Key())
	assert.Equal(t, domain.BrandTapo, tapos[0].Device().Brand)
}

func TestClient_Matter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/matter/status":
			writeJSON(w, map[string]any{"running": true, "autoStart": false, "processId": 4242})
		case "/api/matter/commission":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["pairingCode"] != "34970112332" {
				writeJSON(w, map[string]any{"success": false, "error": "Commissioning failed: bad code"})
				return
			}
			writeJSON(w, map[string]any{"success": true, "nodeId": 7, "name": body["name"]})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := backend.NewClient(server.URL, "", discard())
	ctx := context.Background()

	status, err := c.GetMatterStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, 4242, status.ProcessID)

	node, err := c.CommissionMatterDevice(ctx, "34970112332", "Pump")
	require.NoError(t, err)
	assert.Equal(t, "7", node.DeviceID)

	_, err = c.CommissionMatterDevice(ctx, "00000000000", "Pump")
	assert.ErrorContains(t, err, "bad code")
}
