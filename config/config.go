package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"plughub/internal/domain"
)

type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Push     PushConfig     `yaml:"push"`
	Devices  DevicesConfig  `yaml:"devices"`
	Tuya     TuyaConfig     `yaml:"tuya"`
	Matter   MatterConfig   `yaml:"matter"`
	TPLink   TPLinkConfig   `yaml:"tplink"`
	HTTP     HTTPConfig     `yaml:"http"`
	Pushover PushoverConfig `yaml:"pushover"`
	Log      LogConfig      `yaml:"log"`
}

type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

type PushConfig struct {
	URL            string `yaml:"url"`
	Enabled        bool   `yaml:"enabled"`
	ReconnectDelay string `yaml:"reconnect_delay"`
}

type DevicesConfig struct {
	MaxDevices        int               `yaml:"max_devices"`
	PollInterval      string            `yaml:"poll_interval"`
	PollConcurrency   int               `yaml:"poll_concurrency"`
	Cooldown          string            `yaml:"cooldown"`
	CycleDelay        string            `yaml:"cycle_delay"`
	CooldownOverrides map[string]string `yaml:"cooldown_overrides"`
	// Store is "backend" (devices live behind the backend API) or "file".
	Store     string `yaml:"store"`
	StorePath string `yaml:"store_path"`
}

type TuyaConfig struct {
	// Mode is "backend" (proxy through the backend) or "cloud" (talk to the
	// Tuya OpenAPI directly).
	Mode     string `yaml:"mode"`
	ClientID string `yaml:"client_id"`
	Secret   string `yaml:"secret"`
	Region   string `yaml:"region"`
}

type MatterConfig struct {
	CommissionTimeout string `yaml:"commission_timeout"`
}

type TPLinkConfig struct {
	ScanTimeout string `yaml:"scan_timeout"`
}

type HTTPConfig struct {
	Addr      string `yaml:"addr"`
	RateLimit int    `yaml:"rate_limit"`
	AuthToken string `yaml:"auth_token"`
}

type PushoverConfig struct {
	Token   string `yaml:"token"`
	UserKey string `yaml:"user_key"`
	Enabled bool   `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadDotEnv loads environment variables from path. Missing files are ignored.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references, decodes data and applies defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "http://localhost:3001"
	}
	if c.Push.URL == "" {
		c.Push.URL = strings.TrimRight(c.Backend.BaseURL, "/") + "/ws"
	}
	if c.Push.ReconnectDelay == "" {
		c.Push.ReconnectDelay = "2s"
	}
	if c.Devices.MaxDevices == 0 {
		c.Devices.MaxDevices = domain.MaxDevices
	}
	if c.Devices.PollInterval == "" {
		c.Devices.PollInterval = "3s"
	}
	if c.Devices.Cooldown == "" {
		c.Devices.Cooldown = "10s"
	}
	if c.Devices.CycleDelay == "" {
		c.Devices.CycleDelay = "5s"
	}
	if c.Devices.Store == "" {
		c.Devices.Store = "backend"
	}
	if c.Devices.StorePath == "" {
		c.Devices.StorePath = "./devices.yaml"
	}
	if c.Tuya.Mode == "" {
		c.Tuya.Mode = "backend"
	}
	if c.Tuya.Region == "" {
		c.Tuya.Region = "us"
	}
	if c.Matter.CommissionTimeout == "" {
		c.Matter.CommissionTimeout = "2m"
	}
	if c.TPLink.ScanTimeout == "" {
		c.TPLink.ScanTimeout = "10s"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.RateLimit == 0 {
		c.HTTP.RateLimit = 120
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks the enumerations and every duration string.
func (c *Config) Validate() error {
	switch c.Devices.Store {
	case "backend", "file":
	default:
		return fmt.Errorf("devices.store: unknown store %q", c.Devices.Store)
	}
	switch c.Tuya.Mode {
	case "backend", "cloud":
	default:
		return fmt.Errorf("tuya.mode: unknown mode %q", c.Tuya.Mode)
	}
	if c.Devices.MaxDevices < 0 {
		return fmt.Errorf("devices.max_devices must not be negative")
	}

	durations := map[string]string{
		"push.reconnect_delay":      c.Push.ReconnectDelay,
		"devices.poll_interval":     c.Devices.PollInterval,
		"devices.cooldown":          c.Devices.Cooldown,
		"devices.cycle_delay":       c.Devices.CycleDelay,
		"matter.commission_timeout": c.Matter.CommissionTimeout,
		"tplink.scan_timeout":       c.TPLink.ScanTimeout,
	}
	for field, v := range durations {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	if _, err := c.Devices.Cooldowns(); err != nil {
		return err
	}
	return nil
}

func (c PushConfig) Reconnect() time.Duration { return mustDuration(c.ReconnectDelay) }

func (c DevicesConfig) Interval() time.Duration { return mustDuration(c.PollInterval) }

func (c DevicesConfig) DefaultCooldown() time.Duration { return mustDuration(c.Cooldown) }

func (c DevicesConfig) Cycle() time.Duration { return mustDuration(c.CycleDelay) }

// Cooldowns returns the per-brand cooldown windows. Brands without an
// override are absent and fall back to DefaultCooldown.
func (c DevicesConfig) Cooldowns() (map[domain.Brand]time.Duration, error) {
	out := make(map[domain.Brand]time.Duration, len(c.CooldownOverrides))
	for name, v := range c.CooldownOverrides {
		brand := domain.Brand(strings.ToLower(name))
		if !brand.Valid() {
			return nil, fmt.Errorf("devices.cooldown_overrides: unknown brand %q, want one of %v", name, domain.Brands())
		}
		d, err := parseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("devices.cooldown_overrides.%s: %w", name, err)
		}
		out[brand] = d
	}
	return out, nil
}

func (c MatterConfig) Timeout() time.Duration { return mustDuration(c.CommissionTimeout) }

func (c TPLinkConfig) Timeout() time.Duration { return mustDuration(c.ScanTimeout) }

func parseDuration(v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", v)
	}
	return d, nil
}

// mustDuration is only used on values Validate has accepted. Anything else
// yields zero, which every consumer replaces with its own default.
func mustDuration(v string) time.Duration {
	d, err := parseDuration(v)
	if err != nil {
		return 0
	}
	return d
}
