package domain

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var ErrInvalidInput = errors.New("invalid input")

// Credentials is implemented by every vendor credential shape. The core
// validates them before any network call but never inspects tokens.
type Credentials interface {
	Validate() error
}

type NoCredentials struct{}

func (NoCredentials) Validate() error { return nil }

type GoveeCredentials struct {
	APIKey string `json:"apiKey"`
}

func (c GoveeCredentials) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: govee api key is required", ErrInvalidInput)
	}
	return nil
}

type TuyaCredentials struct {
	ClientID string `json:"clientId"`
	Secret   string `json:"secret"`
	Region   string `json:"region"`
}

func (c TuyaCredentials) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" || strings.TrimSpace(c.Secret) == "" {
		return fmt.Errorf("%w: tuya client id and secret are required", ErrInvalidInput)
	}
	switch strings.ToLower(c.Region) {
	case "", "us", "eu", "cn", "in":
		return nil
	}
	return fmt.Errorf("%w: unknown tuya region %q", ErrInvalidInput, c.Region)
}

type WyzeCredentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	KeyID    string `json:"keyId"`
	APIKey   string `json:"apiKey"`
	TOTPKey  string `json:"totpKey,omitempty"`
}

func (c WyzeCredentials) Validate() error {
	if c.Email == "" || c.Password == "" {
		return fmt.Errorf("%w: wyze email and password are required", ErrInvalidInput)
	}
	if c.KeyID == "" || c.APIKey == "" {
		return fmt.Errorf("%w: wyze key id and api key are required", ErrInvalidInput)
	}
	return nil
}

type TapoCredentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c TapoCredentials) Validate() error {
	if c.Email == "" || c.Password == "" {
		return fmt.Errorf("%w: tapo email and password are required", ErrInvalidInput)
	}
	return nil
}

// Candidate is a normalized discovery result that has not been added yet.
type Candidate interface {
	DisplayName() string
	VendorRef() string
	Device() Device
}

// LANCandidate is an endpoint addressed by IP (TP-Link, Tapo).
type LANCandidate struct {
	Brand Brand  `json:"brand"`
	IP    string `json:"ip"`
	Name  string `json:"name"`
	Model string `json:"model,omitempty"`
}

func (c LANCandidate) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return "Device " + c.IP
}

func (c LANCandidate) VendorRef() string { return c.IP }

func (c LANCandidate) Device() Device {
	return Device{
		Brand: c.Brand,
		IP:    c.IP,
		Model: c.Model,
		Label: c.DisplayName(),
		Type:  DeviceTypeOther,
	}
}

// CloudCandidate is an endpoint addressed by a vendor device id (Govee, Tuya, Wyze).
type CloudCandidate struct {
	Brand    Brand  `json:"brand"`
	DeviceID string `json:"deviceId"`
	SKU      string `json:"sku,omitempty"`
	Model    string `json:"model,omitempty"`
	Name     string `json:"name"`
	Online   bool   `json:"online"`
}

func (c CloudCandidate) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.DeviceID
}

func (c CloudCandidate) VendorRef() string { return c.DeviceID }

func (c CloudCandidate) Device() Device {
	return Device{
		Brand:    c.Brand,
		DeviceID: c.DeviceID,
		SKU:      c.SKU,
		Model:    c.Model,
		Label:    c.DisplayName(),
		Type:     DeviceTypeOther,
	}
}

// Outlet is one child socket of a TP-Link power strip.
type Outlet struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Alias string `json:"alias"`
}

// StripInfo is the answer to getDeviceChildren.
type StripInfo struct {
	IsStrip  bool     `json:"is_strip"`
	Model    string   `json:"model,omitempty"`
	Alias    string   `json:"alias,omitempty"`
	Children []Outlet `json:"children"`
}

// ParseIP validates a manually entered IPv4/IPv6 address.
func ParseIP(raw string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: malformed ip %q", ErrInvalidInput, raw)
	}
	return addr.String(), nil
}

// NormalizePairingCode accepts an 11 or 21 digit manual pairing code
// (dashes and spaces ignored) or an MT: QR payload.
func NormalizePairingCode(raw string) (string, error) {
	code := strings.TrimSpace(raw)
	if code == "" {
		return "", fmt.Errorf("%w: pairing code is required", ErrInvalidInput)
	}
	if strings.HasPrefix(code, "MT:") {
		if len(code) <= len("MT:") {
			return "", fmt.Errorf("%w: empty QR payload", ErrInvalidInput)
		}
		return code, nil
	}
	digits := strings.NewReplacer("-", "", " ", "").Replace(code)
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: pairing code must be numeric", ErrInvalidInput)
		}
	}
	if len(digits) != 11 && len(digits) != 21 {
		return "", fmt.Errorf("%w: pairing code must have 11 or 21 digits", ErrInvalidInput)
	}
	return digits, nil
}
