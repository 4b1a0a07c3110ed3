package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"plughub/internal/application"
	"plughub/internal/domain"
)

var (
	ErrRegistryFull  = errors.New("device limit reached")
	ErrDuplicateKey  = errors.New("device already configured")
	ErrNotFound      = errors.New("device not found")
	ErrNoPrimarySlot = errors.New("device type has no primary slot")
)

// Registry is the bounded set of configured devices. Mutations are
// serialized and published as a fresh slice, so readers only ever observe
// fully applied changes.
type Registry struct {
	store  application.DeviceStore
	logger *slog.Logger
	max    int

	writeMu sync.Mutex

	mu      sync.RWMutex
	devices []domain.Device
	index   map[string]int
}

func New(store application.DeviceStore, maxDevices int, logger *slog.Logger) *Registry {
	if maxDevices <= 0 {
		maxDevices = domain.MaxDevices
	}
	return &Registry{
		store:  store,
		logger: logger,
		max:    maxDevices,
		index:  make(map[string]int),
	}
}

// Load replaces the in-memory view with the store's device list.
func (r *Registry) Load(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	seen := make(map[string]bool, len(devices))
	kept := make([]domain.Device, 0, len(devices))
	for _, d := range devices {
		if err := d.Validate(); err != nil {
			r.logger.Warn("skipping invalid stored device", "id", d.ID, "error", err)
			continue
		}
		key := d.Key()
		if seen[key] {
			r.logger.Warn("skipping stored device with duplicate key", "id", d.ID, "key", key)
			continue
		}
		seen[key] = true
		kept = append(kept, d)
	}
	kept = normalizePrimaries(kept)

	if len(kept) > r.max {
		r.logger.Warn("stored devices exceed limit", "count", len(kept), "max", r.max)
	}

	r.publish(kept)
	r.logger.Info("device registry loaded", "devices", len(kept))
	return nil
}

func (r *Registry) Add(ctx context.Context, device domain.Device) (domain.Device, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := device.Validate(); err != nil {
		return domain.Device{}, err
	}
	if r.Len() >= r.max {
		return domain.Device{}, fmt.Errorf("%w: at most %d devices can be configured", ErrRegistryFull, r.max)
	}
	if r.HasKey(device.Key()) {
		return domain.Device{}, fmt.Errorf("%w: %s", ErrDuplicateKey, device.Key())
	}

	if device.Type == "" {
		device.Type = domain.DeviceTypeOther
	}
	device.IsPrimaryPump = false
	device.IsPrimaryVibe = false

	saved, err := r.store.AddDevice(ctx, device)
	if err != nil {
		return domain.Device{}, fmt.Errorf("adding device: %w", err)
	}

	next := append(r.List(), saved)
	r.publish(next)

	r.logger.Info("device added", "key", saved.Key(), "brand", saved.Brand, "label", saved.Label)
	return saved, nil
}

func (r *Registry) Remove(ctx context.Context, key string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	device, ok := r.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	if err := r.store.DeleteDevice(ctx, device.ID); err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	current := r.List()
	next := make([]domain.Device, 0, len(current))
	for _, d := range current {
		if d.Key() != key {
			next = append(next, d)
		}
	}
	r.publish(next)

	r.logger.Info("device removed", "key", key)
	return nil
}

func (r *Registry) UpdateLabel(ctx context.Context, key, label string) (domain.Device, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return domain.Device{}, fmt.Errorf("%w: label must not be empty", domain.ErrInvalidInput)
	}
	return r.update(ctx, key, domain.DevicePatch{Label: &label})
}

// UpdateType changes the device type and clears any primary flag that no
// longer matches the new type.
func (r *Registry) UpdateType(ctx context.Context, key string, typ domain.DeviceType) (domain.Device, error) {
	if !typ.Valid() {
		return domain.Device{}, fmt.Errorf("%w: unknown device type %q", domain.ErrInvalidInput, typ)
	}
	patch := domain.DevicePatch{Type: &typ}
	if typ != domain.DeviceTypePump {
		patch.IsPrimaryPump = boolPtr(false)
	}
	if typ != domain.DeviceTypeVibe {
		patch.IsPrimaryVibe = boolPtr(false)
	}
	return r.update(ctx, key, patch)
}

func (r *Registry) SetCalibration(ctx context.Context, key string, seconds float64) (domain.Device, error) {
	if seconds < 0 {
		return domain.Device{}, fmt.Errorf("%w: calibration time must not be negative", domain.ErrInvalidInput)
	}
	return r.update(ctx, key, domain.DevicePatch{CalibrationTime: &seconds})
}

func (r *Registry) update(ctx context.Context, key string, patch domain.DevicePatch) (domain.Device, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	device, ok := r.Get(key)
	if !ok {
		return domain.Device{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	saved, err := r.store.UpdateDevice(ctx, device.ID, patch)
	if err != nil {
		return domain.Device{}, fmt.Errorf("updating device: %w", err)
	}

	r.replace(map[string]domain.Device{key: saved})
	return saved, nil
}

// SetPrimary makes key the primary device of typ. Other primaries of the same
// type are cleared first; the combined result is published in one swap.
func (r *Registry) SetPrimary(ctx context.Context, key string, typ domain.DeviceType) error {
	if !typ.HasPrimary() {
		return fmt.Errorf("%w: %s", ErrNoPrimarySlot, typ)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	target, ok := r.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if target.Type != typ {
		return fmt.Errorf("%w: device %s is %s, not %s", domain.ErrInvalidInput, key, target.Type, typ)
	}

	persisted := make(map[string]domain.Device)
	defer func() {
		if len(persisted) > 0 {
			r.replace(persisted)
		}
	}()

	for _, d := range r.List() {
		if d.Key() == key || d.Type != typ || !d.IsPrimary() {
			continue
		}
		saved, err := r.store.UpdateDevice(ctx, d.ID, primaryPatch(typ, false))
		if err != nil {
			return fmt.Errorf("clearing primary on %s: %w", d.Key(), err)
		}
		persisted[d.Key()] = saved
	}

	if target.IsPrimary() {
		return nil
	}

	saved, err := r.store.UpdateDevice(ctx, target.ID, primaryPatch(typ, true))
	if err != nil {
		return fmt.Errorf("setting primary on %s: %w", key, err)
	}
	persisted[key] = saved

	r.logger.Info("primary device set", "key", key, "type", typ)
	return nil
}

func (r *Registry) List() []domain.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]domain.Device, len(r.devices))
	copy(result, r.devices)
	return result
}

func (r *Registry) Get(key string) (domain.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[key]
	if !ok {
		return domain.Device{}, false
	}
	return r.devices[i], true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func (r *Registry) Max() int {
	return r.max
}

func (r *Registry) Full() bool {
	return r.Len() >= r.max
}

func (r *Registry) HasKey(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[key]
	return ok
}

func (r *Registry) HasVendorRef(ref string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.VendorRef() == ref {
			return true
		}
	}
	return false
}

// Primary returns the primary device of typ, if one is set.
func (r *Registry) Primary(typ domain.DeviceType) (domain.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.Type == typ && d.IsPrimary() {
			return d, true
		}
	}
	return domain.Device{}, false
}

func (r *Registry) replace(updated map[string]domain.Device) {
	next := r.List()
	for i, d := range next {
		if u, ok := updated[d.Key()]; ok {
			next[i] = u
		}
	}
	r.publish(next)
}

func (r *Registry) publish(devices []domain.Device) {
	index := make(map[string]int, len(devices))
	for i, d := range devices {
		index[d.Key()] = i
	}

	r.mu.Lock()
	r.devices = devices
	r.index = index
	r.mu.Unlock()
}

// normalizePrimaries keeps only the first primary per type from stored data.
func normalizePrimaries(devices []domain.Device) []domain.Device {
	var pump, vibe bool
	for i := range devices {
		d := &devices[i]
		if d.IsPrimaryPump && (pump || d.Type != domain.DeviceTypePump) {
			d.IsPrimaryPump = false
		}
		if d.IsPrimaryVibe && (vibe || d.Type != domain.DeviceTypeVibe) {
			d.IsPrimaryVibe = false
		}
		pump = pump || d.IsPrimaryPump
		vibe = vibe || d.IsPrimaryVibe
	}
	return devices
}

func primaryPatch(typ domain.DeviceType, value bool) domain.DevicePatch {
	if typ == domain.DeviceTypePump {
		return domain.DevicePatch{IsPrimaryPump: &value}
	}
	return domain.DevicePatch{IsPrimaryVibe: &value}
}

func boolPtr(v bool) *bool {
	return &v
}
