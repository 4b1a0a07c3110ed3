package commissioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"plughub/internal/application"
	"plughub/internal/domain"
	"plughub/internal/registry"
)

const DefaultScanTimeout = 10 * time.Second

var (
	ErrNotInspected = errors.New("strip has not been inspected")
	// ErrIsStrip is returned when a power strip is added as one device.
	ErrIsStrip = errors.New("device is a power strip")
)

// StripError carries the outlet plan of a strip that Add refused. Outlets
// are added through AddOutlet or AddAllOutlets.
type StripError struct {
	Plan StripPlan
}

func (e *StripError) Error() string {
	return fmt.Sprintf("%s is a power strip with %d unconfigured outlets", e.Plan.IP, len(e.Plan.Unconfigured))
}

func (e *StripError) Is(target error) bool { return target == ErrIsStrip }

// StripPlan describes a power strip and the outlets not yet configured.
type StripPlan struct {
	IP           string          `json:"ip"`
	IsStrip      bool            `json:"isStrip"`
	Model        string          `json:"model,omitempty"`
	Alias        string          `json:"alias,omitempty"`
	Unconfigured []domain.Outlet `json:"unconfigured"`
}

type lanVendor struct {
	lan     application.LANDiscovery
	timeout time.Duration
}

func (v lanVendor) Brand() domain.Brand { return domain.BrandTPLink }

// Connect is a no-op: local discovery needs no account.
func (v lanVendor) Connect(context.Context, domain.NoCredentials) error { return nil }

func (v lanVendor) Scan(ctx context.Context) ([]domain.LANCandidate, error) {
	found, err := v.lan.ScanDevices(ctx, v.timeout)
	if err != nil {
		return nil, err
	}
	for i := range found {
		found[i].Brand = domain.BrandTPLink
	}
	return found, nil
}

func (v lanVendor) Disconnect(context.Context) error { return nil }

// TPLink adds power-strip inspection and manual IP entry on top of the
// generic machine.
type TPLink struct {
	*Machine[domain.NoCredentials, domain.LANCandidate]

	lan      application.LANDiscovery
	registry Registry
	logger   *slog.Logger

	mu    sync.Mutex
	plans map[string]StripPlan
}

func NewTPLink(lan application.LANDiscovery, reg Registry, notifier application.Notifier, logger *slog.Logger, scanTimeout time.Duration) *TPLink {
	if scanTimeout <= 0 {
		scanTimeout = DefaultScanTimeout
	}
	return &TPLink{
		Machine:  NewMachine[domain.NoCredentials, domain.LANCandidate](lanVendor{lan: lan, timeout: scanTimeout}, reg, notifier, logger),
		lan:      lan,
		registry: reg,
		logger:   logger.With("brand", domain.BrandTPLink),
		plans:    make(map[string]StripPlan),
	}
}

// Inspect asks the device at ip whether it is a strip and which of its
// outlets are still unconfigured.
func (t *TPLink) Inspect(ctx context.Context, ip string) (StripPlan, error) {
	ip, err := domain.ParseIP(ip)
	if err != nil {
		return StripPlan{}, err
	}
	epoch, err := t.begin(t.requireConnected("inspect"))
	if err != nil {
		return StripPlan{}, err
	}

	info, infoErr := t.lan.GetDeviceChildren(ctx, ip)

	t.Machine.mu.Lock()
	current := t.finishLocked(epoch)
	t.Machine.mu.Unlock()
	if !current {
		return StripPlan{}, ErrAborted
	}
	if infoErr != nil {
		return StripPlan{}, fmt.Errorf("inspecting %s: %w", ip, infoErr)
	}

	plan := StripPlan{IP: ip, IsStrip: info.IsStrip, Model: info.Model, Alias: info.Alias}
	if info.IsStrip {
		for _, o := range info.Children {
			if t.registry.HasKey(outletDevice(plan, o).Key()) {
				continue
			}
			plan.Unconfigured = append(plan.Unconfigured, o)
		}
		if len(plan.Unconfigured) == 0 {
			t.dropPlan(ip)
			t.forget(ip)
		} else {
			t.storePlan(plan)
		}
	}
	return plan, nil
}

// Add inspects a discovered device before adding it. Plain plugs are added
// as they are; a strip is refused with a *StripError holding its outlet plan.
func (t *TPLink) Add(ctx context.Context, ref string) (domain.Device, error) {
	plan, err := t.inspectCandidate(ctx, ref)
	if err != nil {
		return domain.Device{}, err
	}
	if plan.IsStrip {
		return domain.Device{}, &StripError{Plan: plan}
	}
	return t.Machine.Add(ctx, ref)
}

// AddAll adds every discovered device in order, expanding strips into their
// unconfigured outlets, until the registry fills.
func (t *TPLink) AddAll(ctx context.Context) BatchResult {
	refs := t.refs()
	var res BatchResult
	for i, ref := range refs {
		plan, err := t.inspectCandidate(ctx, ref)
		switch {
		case err != nil:
		case plan.IsStrip && len(plan.Unconfigured) == 0:
		case plan.IsStrip:
			batch := t.AddAllOutlets(ctx, plan.IP)
			res.Added = append(res.Added, batch.Added...)
			err = batch.Err
		default:
			var device domain.Device
			if device, err = t.Machine.Add(ctx, ref); err == nil {
				res.Added = append(res.Added, device)
			}
		}
		if err != nil {
			res.Err = err
			res.Remaining = len(refs) - i
			if errors.Is(err, registry.ErrRegistryFull) {
				t.logger.Info("device limit reached while adding discovered devices", "added", len(res.Added))
			}
			return res
		}
	}
	return res
}

// inspectCandidate checks that ref is a discovered device and that the
// registry has room before asking the device about outlets.
func (t *TPLink) inspectCandidate(ctx context.Context, ref string) (StripPlan, error) {
	t.Machine.mu.Lock()
	err := t.requireConnected("add")()
	if err == nil && t.Machine.indexLocked(ref) < 0 {
		err = fmt.Errorf("%w: %s", ErrUnknownCandidate, ref)
	}
	t.Machine.mu.Unlock()
	if err != nil {
		return StripPlan{}, err
	}
	if t.registry.Full() {
		return StripPlan{}, registry.ErrRegistryFull
	}
	return t.Inspect(ctx, ref)
}

func (t *TPLink) AddOutlet(ctx context.Context, ip, childID string) (domain.Device, error) {
	t.mu.Lock()
	plan, ok := t.plans[ip]
	t.mu.Unlock()
	if !ok {
		return domain.Device{}, fmt.Errorf("%w: %s", ErrNotInspected, ip)
	}

	var outlet *domain.Outlet
	for i := range plan.Unconfigured {
		if plan.Unconfigured[i].ID == childID {
			outlet = &plan.Unconfigured[i]
			break
		}
	}
	if outlet == nil {
		return domain.Device{}, fmt.Errorf("%w: outlet %s on %s", ErrUnknownCandidate, childID, ip)
	}

	device, err := t.addDevice(ctx, outletDevice(plan, *outlet))
	if err != nil {
		return domain.Device{}, err
	}
	t.outletAdded(ip, childID)
	return device, nil
}

// AddAllOutlets adds every unconfigured outlet of an inspected strip,
// stopping at the device limit.
func (t *TPLink) AddAllOutlets(ctx context.Context, ip string) BatchResult {
	t.mu.Lock()
	plan, ok := t.plans[ip]
	t.mu.Unlock()
	if !ok {
		return BatchResult{Err: fmt.Errorf("%w: %s", ErrNotInspected, ip)}
	}

	var res BatchResult
	for i, o := range plan.Unconfigured {
		device, err := t.AddOutlet(ctx, ip, o.ID)
		if err != nil {
			res.Err = err
			res.Remaining = len(plan.Unconfigured) - i
			if errors.Is(err, registry.ErrRegistryFull) {
				t.logger.Info("device limit reached while adding outlets", "ip", ip, "added", len(res.Added))
			}
			return res
		}
		res.Added = append(res.Added, device)
	}
	return res
}

// AddManual adds a device by IP without a scan. The address is validated
// before anything touches the network.
func (t *TPLink) AddManual(ctx context.Context, ip, name string) (domain.Device, error) {
	ip, err := domain.ParseIP(ip)
	if err != nil {
		return domain.Device{}, err
	}
	device, err := t.addDevice(ctx, domain.LANCandidate{Brand: domain.BrandTPLink, IP: ip, Name: name}.Device())
	if err != nil {
		return domain.Device{}, err
	}
	t.forget(ip)
	return device, nil
}

// Plan returns the last inspection result for ip.
func (t *TPLink) Plan(ip string) (StripPlan, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.plans[ip]
	return p, ok
}

func (t *TPLink) addDevice(ctx context.Context, device domain.Device) (domain.Device, error) {
	epoch, err := t.begin(func() error {
		if err := t.requireConnected("add")(); err != nil {
			return err
		}
		if t.registry.Full() {
			return registry.ErrRegistryFull
		}
		return nil
	})
	if err != nil {
		return domain.Device{}, err
	}

	saved, addErr := t.registry.Add(ctx, device)

	t.Machine.mu.Lock()
	t.finishLocked(epoch)
	t.Machine.mu.Unlock()
	return saved, addErr
}

func (t *TPLink) requireConnected(op string) func() error {
	return func() error {
		if t.Machine.status != StatusConnected {
			return fmt.Errorf("%w: %s while %s", ErrIllegalTransition, op, t.Machine.status)
		}
		return nil
	}
}

func (t *TPLink) dropPlan(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.plans, ip)
}

func (t *TPLink) storePlan(plan StripPlan) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.plans[plan.IP] = plan
}

// outletAdded drops the outlet from the plan and, once nothing is left,
// the strip from the discovered list.
func (t *TPLink) outletAdded(ip, childID string) {
	t.mu.Lock()
	plan := t.plans[ip]
	left := plan.Unconfigured[:0:0]
	for _, o := range plan.Unconfigured {
		if o.ID != childID {
			left = append(left, o)
		}
	}
	plan.Unconfigured = left
	done := len(left) == 0
	if done {
		delete(t.plans, ip)
	} else {
		t.plans[ip] = plan
	}
	t.mu.Unlock()

	if done {
		t.forget(ip)
	}
}

func outletDevice(plan StripPlan, o domain.Outlet) domain.Device {
	label := o.Alias
	if label == "" {
		base := plan.Alias
		if base == "" {
			base = "Strip " + plan.IP
		}
		label = base + " outlet " + strconv.Itoa(o.Index+1)
	}
	return domain.Device{
		Brand:   domain.BrandTPLink,
		IP:      plan.IP,
		ChildID: o.ID,
		Model:   plan.Model,
		Label:   label,
		Type:    domain.DeviceTypeOther,
	}
}
