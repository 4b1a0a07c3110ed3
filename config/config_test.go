package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plughub/config"
	"plughub/internal/domain"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := config.Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:3001", cfg.Backend.BaseURL)
	assert.Equal(t, "http://localhost:3001/ws", cfg.Push.URL)
	assert.Equal(t, domain.MaxDevices, cfg.Devices.MaxDevices)
	assert.Equal(t, 3*time.Second, cfg.Devices.Interval())
	assert.Equal(t, 10*time.Second, cfg.Devices.DefaultCooldown())
	assert.Equal(t, 5*time.Second, cfg.Devices.Cycle())
	assert.Equal(t, 2*time.Minute, cfg.Matter.Timeout())
	assert.Equal(t, 10*time.Second, cfg.TPLink.Timeout())
	assert.Equal(t, "backend", cfg.Devices.Store)
	assert.Equal(t, "backend", cfg.Tuya.Mode)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestParse_ExpandsEnvAndOverrides(t *testing.T) {
	t.Setenv("PLUGHUB_BACKEND_TOKEN", "s3cret")

	cfg, err := config.Parse([]byte(`
backend:
  base_url: http://hub.local:3001/
  token: ${PLUGHUB_BACKEND_TOKEN}
devices:
  max_devices: 8
  cooldown: 12s
  cooldown_overrides:
    Tapo: 15s
    wyze: 20s
tuya:
  mode: cloud
  client_id: abc
  secret: def
  region: eu
`))
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Backend.Token)
	assert.Equal(t, "http://hub.local:3001/ws", cfg.Push.URL)
	assert.Equal(t, 8, cfg.Devices.MaxDevices)
	assert.Equal(t, 12*time.Second, cfg.Devices.DefaultCooldown())

	cooldowns, err := cfg.Devices.Cooldowns()
	require.NoError(t, err)
	assert.Equal(t, map[domain.Brand]time.Duration{
		domain.BrandTapo: 15 * time.Second,
		domain.BrandWyze: 20 * time.Second,
	}, cooldowns)
	assert.Equal(t, "eu", cfg.Tuya.Region)
}

func TestParse_RejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad duration":  "devices:\n  poll_interval: soon\n",
		"zero duration": "matter:\n  commission_timeout: 0s\n",
		"unknown store": "devices:\n  store: redis\n",
		"unknown mode":  "tuya:\n  mode: local\n",
		"unknown brand": "devices:\n  cooldown_overrides:\n    nest: 5s\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, config.LoadDotEnv(filepath.Join(dir, "missing.env")))

	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("PLUGHUB_DOTENV_PROBE=yes\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("PLUGHUB_DOTENV_PROBE") })

	require.NoError(t, config.LoadDotEnv(path))
	assert.Equal(t, "yes", os.Getenv("PLUGHUB_DOTENV_PROBE"))
}
