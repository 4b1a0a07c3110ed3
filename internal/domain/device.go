package domain

import (
	"errors"
	"fmt"
	"time"
)

// MaxDevices is the default cap on configured devices.
const MaxDevices = 5

type Brand string

const (
	BrandTPLink Brand = "tplink"
	BrandGovee  Brand = "govee"
	BrandTuya   Brand = "tuya"
	BrandWyze   Brand = "wyze"
	BrandTapo   Brand = "tapo"
	BrandMatter Brand = "matter"
)

var brands = []Brand{BrandTPLink, BrandGovee, BrandTuya, BrandWyze, BrandTapo, BrandMatter}

func Brands() []Brand {
	out := make([]Brand, len(brands))
	copy(out, brands)
	return out
}

func (b Brand) Valid() bool {
	for _, known := range brands {
		if b == known {
			return true
		}
	}
	return false
}

type DeviceType string

const (
	DeviceTypePump  DeviceType = "PUMP"
	DeviceTypeVibe  DeviceType = "VIBE"
	DeviceTypeTENS  DeviceType = "TENS"
	DeviceTypeOther DeviceType = "OTHER"
)

func (t DeviceType) Valid() bool {
	switch t {
	case DeviceTypePump, DeviceTypeVibe, DeviceTypeTENS, DeviceTypeOther:
		return true
	}
	return false
}

// HasPrimary reports whether devices of this type carry a primary flag.
func (t DeviceType) HasPrimary() bool {
	return t == DeviceTypePump || t == DeviceTypeVibe
}

type Device struct {
	ID              string     `json:"id" yaml:"id"`
	Brand           Brand      `json:"brand" yaml:"brand"`
	IP              string     `json:"ip,omitempty" yaml:"ip,omitempty"`
	ChildID         string     `json:"childId,omitempty" yaml:"child_id,omitempty"`
	DeviceID        string     `json:"deviceId,omitempty" yaml:"device_id,omitempty"`
	SKU             string     `json:"sku,omitempty" yaml:"sku,omitempty"`
	Model           string     `json:"model,omitempty" yaml:"model,omitempty"`
	Type            DeviceType `json:"deviceType" yaml:"device_type"`
	Label           string     `json:"label" yaml:"label"`
	IsPrimaryPump   bool       `json:"isPrimaryPump" yaml:"is_primary_pump"`
	IsPrimaryVibe   bool       `json:"isPrimaryVibe" yaml:"is_primary_vibe"`
	CalibrationTime *float64   `json:"calibrationTime,omitempty" yaml:"calibration_time,omitempty"`
}

// DeriveKey returns the canonical identity of the endpoint a device record
// points at. Outlets of a power strip always carry their child id, so the
// strip itself (bare ip) never collides with them.
func DeriveKey(d Device) string {
	switch {
	case d.ChildID != "":
		return d.IP + ":" + d.ChildID
	case d.DeviceID != "":
		return d.DeviceID
	default:
		return d.IP
	}
}

func (d Device) Key() string {
	return DeriveKey(d)
}

// VendorRef is the reference a discovery candidate for this device would
// carry. It matches Key for every brand today, but callers comparing against
// candidates should use it so the two concepts stay separate.
func (d Device) VendorRef() string {
	return DeriveKey(d)
}

// QueryOptions are the optional parameters sent with every control or state call.
type QueryOptions struct {
	ChildID string
	Brand   Brand
	SKU     string
	Model   string
}

// Target returns the identifier and options used to address the device.
func (d Device) Target() (string, QueryOptions) {
	id := d.DeviceID
	if id == "" {
		id = d.IP
	}
	return id, QueryOptions{
		ChildID: d.ChildID,
		Brand:   d.Brand,
		SKU:     d.SKU,
		Model:   d.Model,
	}
}

// IsPrimary reports whether the device is the primary for its own type.
func (d Device) IsPrimary() bool {
	switch d.Type {
	case DeviceTypePump:
		return d.IsPrimaryPump
	case DeviceTypeVibe:
		return d.IsPrimaryVibe
	}
	return false
}

func (d Device) Validate() error {
	if !d.Brand.Valid() {
		return fmt.Errorf("%w: unknown brand %q", ErrInvalidDevice, d.Brand)
	}
	if d.Type != "" && !d.Type.Valid() {
		return fmt.Errorf("%w: unknown device type %q", ErrInvalidDevice, d.Type)
	}
	if d.IP == "" && d.DeviceID == "" {
		return fmt.Errorf("%w: device has neither ip nor device id", ErrInvalidDevice)
	}
	if d.ChildID != "" && d.IP == "" {
		return fmt.Errorf("%w: outlet %q has no parent ip", ErrInvalidDevice, d.ChildID)
	}
	return nil
}

// DevicePatch carries the mutable fields of a device. Nil fields are left untouched.
type DevicePatch struct {
	Label           *string     `json:"label,omitempty"`
	Type            *DeviceType `json:"deviceType,omitempty"`
	IsPrimaryPump   *bool       `json:"isPrimaryPump,omitempty"`
	IsPrimaryVibe   *bool       `json:"isPrimaryVibe,omitempty"`
	CalibrationTime *float64    `json:"calibrationTime,omitempty"`
}

func (p DevicePatch) Apply(d Device) Device {
	if p.Label != nil {
		d.Label = *p.Label
	}
	if p.Type != nil {
		d.Type = *p.Type
	}
	if p.IsPrimaryPump != nil {
		d.IsPrimaryPump = *p.IsPrimaryPump
	}
	if p.IsPrimaryVibe != nil {
		d.IsPrimaryVibe = *p.IsPrimaryVibe
	}
	if p.CalibrationTime != nil {
		v := *p.CalibrationTime
		d.CalibrationTime = &v
	}
	return d
}

type PowerState string

const (
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
	PowerUnknown PowerState = "unknown"
)

// PolledState is the published on/off view of a single device key.
type PolledState struct {
	Key        string     `json:"key"`
	State      PowerState `json:"state"`
	RelayState *int       `json:"relayState"`
	LastUpdate time.Time  `json:"lastUpdate"`
}

// Reading is what a state query returns from a vendor.
type Reading struct {
	State      PowerState
	RelayState *int
}

func Relay(v int) *int {
	return &v
}

// OptimisticState is the state published the moment a command is issued.
func OptimisticState(key string, on bool, at time.Time) PolledState {
	if on {
		return PolledState{Key: key, State: PowerOn, RelayState: Relay(1), LastUpdate: at}
	}
	return PolledState{Key: key, State: PowerOff, RelayState: Relay(0), LastUpdate: at}
}

var ErrInvalidDevice = errors.New("invalid device")
