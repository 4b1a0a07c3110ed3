package domain_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plughub/internal/domain"
)

func TestDeriveKey(t *testing.T) {
	tests := []struct {
		name   string
		device domain.Device
		want   string
	}{
		{"tplink plug", domain.Device{Brand: domain.BrandTPLink, IP: "10.0.0.5"}, "10.0.0.5"},
		{"tplink outlet", domain.Device{Brand: domain.BrandTPLink, IP: "10.0.0.5", ChildID: "01"}, "10.0.0.5:01"},
		{"tapo plug", domain.Device{Brand: domain.BrandTapo, IP: "10.0.0.9"}, "10.0.0.9"},
		{"govee", domain.Device{Brand: domain.BrandGovee, DeviceID: "AA:BB", SKU: "H5080"}, "AA:BB"},
		{"matter", domain.Device{Brand: domain.BrandMatter, DeviceID: "42"}, "42"},
		{"child wins over device id", domain.Device{IP: "10.0.0.5", ChildID: "2", DeviceID: "x"}, "10.0.0.5:2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.DeriveKey(tt.device))
			assert.Equal(t, tt.want, tt.device.Key(), "key must be stable across calls")
		})
	}
}

func TestDeriveKey_StripParentNeverCollidesWithOutlets(t *testing.T) {
	parent := domain.Device{Brand: domain.BrandTPLink, IP: "10.0.0.7"}
	one := domain.Device{Brand: domain.BrandTPLink, IP: "10.0.0.7", ChildID: "1"}
	two := domain.Device{Brand: domain.BrandTPLink, IP: "10.0.0.7", ChildID: "2"}

	keys := map[string]bool{}
	for _, d := range []domain.Device{parent, one, two} {
		keys[d.Key()] = true
	}
	assert.Len(t, keys, 3)
	assert.True(t, keys["10.0.0.7"])
	assert.True(t, keys["10.0.0.7:1"])
	assert.True(t, keys["10.0.0.7:2"])
}

func TestDevice_Target(t *testing.T) {
	d := domain.Device{Brand: domain.BrandGovee, DeviceID: "dev1", SKU: "H5083"}
	id, opts := d.Target()
	assert.Equal(t, "dev1", id)
	assert.Equal(t, domain.BrandGovee, opts.Brand)
	assert.Equal(t, "H5083", opts.SKU)

	outlet := domain.Device{Brand: domain.BrandTPLink, IP: "10.0.0.5", ChildID: "03"}
	id, opts = outlet.Target()
	assert.Equal(t, "10.0.0.5", id)
	assert.Equal(t, "03", opts.ChildID)
}

func TestDevice_Validate(t *testing.T) {
	require.NoError(t, domain.Device{Brand: domain.BrandTPLink, IP: "10.0.0.1"}.Validate())

	err := domain.Device{Brand: "philips", IP: "10.0.0.1"}.Validate()
	require.ErrorIs(t, err, domain.ErrInvalidDevice)

	err = domain.Device{Brand: domain.BrandGovee}.Validate()
	require.ErrorIs(t, err, domain.ErrInvalidDevice)

	err = domain.Device{Brand: domain.BrandTPLink, DeviceID: "x", ChildID: "1"}.Validate()
	require.ErrorIs(t, err, domain.ErrInvalidDevice)
}

func TestDevicePatch_Apply(t *testing.T) {
	label := "Pump"
	typ := domain.DeviceTypePump
	cal := 12.5
	d := domain.DevicePatch{Label: &label, Type: &typ, CalibrationTime: &cal}.Apply(domain.Device{Label: "old"})

	assert.Equal(t, "Pump", d.Label)
	assert.Equal(t, domain.DeviceTypePump, d.Type)
	require.NotNil(t, d.CalibrationTime)
	assert.Equal(t, 12.5, *d.CalibrationTime)
}

func TestParseIP(t *testing.T) {
	ip, err := domain.ParseIP(" 192.168.1.20 ")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", ip)

	for _, bad := range []string{"", "192.168.1", "192.168.1.300", "host.local"} {
		_, err := domain.ParseIP(bad)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, bad)
	}
}

func TestNormalizePairingCode(t *testing.T) {
	code, err := domain.NormalizePairingCode("3497-011-2332")
	require.NoError(t, err)
	assert.Equal(t, "34970112332", code)

	code, err = domain.NormalizePairingCode("MT:Y.K9042C00KA0648G00")
	require.NoError(t, err)
	assert.Equal(t, "MT:Y.K9042C00KA0648G00", code)

	for _, bad := range []string{"", "   ", "1234", "abcdefghijk", "MT:"} {
		_, err := domain.NormalizePairingCode(bad)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, bad)
	}
}

func TestCredentialsValidate(t *testing.T) {
	assert.NoError(t, domain.NoCredentials{}.Validate())
	assert.Error(t, domain.GoveeCredentials{}.Validate())
	assert.NoError(t, domain.GoveeCredentials{APIKey: "k"}.Validate())
	assert.Error(t, domain.TuyaCredentials{ClientID: "id", Secret: "s", Region: "mars"}.Validate())
	assert.NoError(t, domain.TuyaCredentials{ClientID: "id", Secret: "s", Region: "EU"}.Validate())
	assert.Error(t, domain.WyzeCredentials{Email: "a@b", Password: "p"}.Validate())
	assert.Error(t, domain.TapoCredentials{Email: "a@b"}.Validate())
}

func TestSensationJSON(t *testing.T) {
	var s domain.Sensation
	require.NoError(t, json.Unmarshal([]byte(`"tingling"`), &s))
	assert.Equal(t, "tingling", s.Label)

	require.NoError(t, json.Unmarshal([]byte(`7.5`), &s))
	require.NotNil(t, s.Level)
	assert.Equal(t, 7.5, *s.Level)
	assert.Empty(t, s.Label)

	out, err := json.Marshal(domain.SensationLevel(3))
	require.NoError(t, err)
	assert.Equal(t, "3", string(out))

	assert.Error(t, json.Unmarshal([]byte(`{}`), &s))
}
