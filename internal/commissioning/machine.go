package commissioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"plughub/internal/application"
	"plughub/internal/domain"
	"plughub/internal/registry"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusScanning     Status = "scanning"
	StatusError        Status = "error"
)

var (
	ErrBusy              = errors.New("another operation is in progress")
	ErrIllegalTransition = errors.New("operation not allowed in current state")
	ErrUnknownCandidate  = errors.New("no such discovered device")
	// ErrAborted is returned by an operation whose result was discarded
	// because the machine was disconnected while it ran.
	ErrAborted = errors.New("operation aborted by disconnect")
)

// Vendor is the transport half of a commissioning flow.
type Vendor[C domain.Credentials, K domain.Candidate] interface {
	Brand() domain.Brand
	Connect(ctx context.Context, creds C) error
	Scan(ctx context.Context) ([]K, error)
	Disconnect(ctx context.Context) error
}

// Registry is the subset of registry.Registry the flows need.
type Registry interface {
	Add(ctx context.Context, device domain.Device) (domain.Device, error)
	Full() bool
	HasKey(key string) bool
	HasVendorRef(ref string) bool
}

// View is a point-in-time copy of a machine. Discovered is only non-empty
// while connected.
type View[K domain.Candidate] struct {
	Brand      domain.Brand `json:"brand"`
	Status     Status       `json:"status"`
	Message    string       `json:"message,omitempty"`
	Discovered []K          `json:"discovered"`
}

// BatchResult reports a multi-add that may stop early at the device limit.
type BatchResult struct {
	Added     []domain.Device `json:"added"`
	Remaining int             `json:"remaining"`
	Err       error           `json:"-"`
}

// Machine drives connect, scan and add for one vendor. Only one operation
// runs at a time; Disconnect is always accepted and invalidates whatever is
// in flight.
type Machine[C domain.Credentials, K domain.Candidate] struct {
	vendor   Vendor[C, K]
	registry Registry
	notifier application.Notifier
	logger   *slog.Logger

	mu         sync.Mutex
	status     Status
	message    string
	discovered []K
	busy       bool
	epoch      uint64
}

func NewMachine[C domain.Credentials, K domain.Candidate](vendor Vendor[C, K], reg Registry, notifier application.Notifier, logger *slog.Logger) *Machine[C, K] {
	if notifier == nil {
		notifier = &application.NoopNotifier{}
	}
	return &Machine[C, K]{
		vendor:   vendor,
		registry: reg,
		notifier: notifier,
		logger:   logger.With("brand", vendor.Brand()),
		status:   StatusDisconnected,
	}
}

func (m *Machine[C, K]) Brand() domain.Brand {
	return m.vendor.Brand()
}

func (m *Machine[C, K]) View() View[K] {
	m.mu.Lock()
	defer m.mu.Unlock()
	disc := make([]K, len(m.discovered))
	copy(disc, m.discovered)
	return View[K]{Brand: m.vendor.Brand(), Status: m.status, Message: m.message, Discovered: disc}
}

func (m *Machine[C, K]) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Machine[C, K]) Connect(ctx context.Context, creds C) error {
	epoch, err := m.begin(func() error {
		if m.status != StatusDisconnected && m.status != StatusError {
			return fmt.Errorf("%w: connect while %s", ErrIllegalTransition, m.status)
		}
		if err := creds.Validate(); err != nil {
			return err
		}
		m.status = StatusConnecting
		m.message = ""
		return nil
	})
	if err != nil {
		return err
	}

	connErr := m.vendor.Connect(ctx, creds)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.finishLocked(epoch) {
		return ErrAborted
	}
	if connErr != nil {
		m.failLocked(ctx, "connect", connErr)
		return fmt.Errorf("connecting to %s: %w", m.vendor.Brand(), connErr)
	}
	m.status = StatusConnected
	m.logger.Info("vendor connected")
	return nil
}

// Scan lists the vendor's devices, dropping any already configured.
func (m *Machine[C, K]) Scan(ctx context.Context) ([]K, error) {
	epoch, err := m.begin(func() error {
		if m.status != StatusConnected {
			return fmt.Errorf("%w: scan while %s", ErrIllegalTransition, m.status)
		}
		m.status = StatusScanning
		return nil
	})
	if err != nil {
		return nil, err
	}

	found, scanErr := m.vendor.Scan(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.finishLocked(epoch) {
		return nil, ErrAborted
	}
	if scanErr != nil {
		m.failLocked(ctx, "scan", scanErr)
		return nil, fmt.Errorf("scanning %s: %w", m.vendor.Brand(), scanErr)
	}

	seen := make(map[string]bool, len(found))
	fresh := make([]K, 0, len(found))
	for _, c := range found {
		ref := c.VendorRef()
		if ref == "" || seen[ref] || m.registry.HasVendorRef(ref) {
			continue
		}
		seen[ref] = true
		fresh = append(fresh, c)
	}
	m.status = StatusConnected
	m.discovered = fresh
	m.logger.Info("scan complete", "found", len(found), "new", len(fresh))

	out := make([]K, len(fresh))
	copy(out, fresh)
	return out, nil
}

// Add commissions one discovered candidate into the registry.
func (m *Machine[C, K]) Add(ctx context.Context, ref string) (domain.Device, error) {
	var cand K
	epoch, err := m.begin(func() error {
		if m.status != StatusConnected {
			return fmt.Errorf("%w: add while %s", ErrIllegalTransition, m.status)
		}
		i := m.indexLocked(ref)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownCandidate, ref)
		}
		if m.registry.Full() {
			return registry.ErrRegistryFull
		}
		cand = m.discovered[i]
		return nil
	})
	if err != nil {
		return domain.Device{}, err
	}

	device, addErr := m.registry.Add(ctx, cand.Device())

	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.finishLocked(epoch)
	if addErr != nil {
		return domain.Device{}, addErr
	}
	if current {
		m.forgetLocked(ref)
	}
	return device, nil
}

// AddAll adds discovered candidates in order until the registry fills.
func (m *Machine[C, K]) AddAll(ctx context.Context) BatchResult {
	refs := m.refs()
	var res BatchResult
	for i, ref := range refs {
		device, err := m.Add(ctx, ref)
		if err != nil {
			res.Err = err
			res.Remaining = len(refs) - i
			return res
		}
		res.Added = append(res.Added, device)
	}
	return res
}

// Disconnect returns to disconnected from any state. The vendor call is best
// effort and the registry is left alone.
func (m *Machine[C, K]) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.epoch++
	m.busy = false
	m.status = StatusDisconnected
	m.message = ""
	m.discovered = nil
	m.mu.Unlock()

	if err := m.vendor.Disconnect(ctx); err != nil {
		m.logger.Warn("vendor disconnect failed", "error", err)
	}
	m.logger.Info("vendor disconnected")
	return nil
}

// begin claims the machine for one operation. check runs under the lock and
// may mutate state when it returns nil.
func (m *Machine[C, K]) begin(check func() error) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy {
		return 0, ErrBusy
	}
	if err := check(); err != nil {
		return 0, err
	}
	m.busy = true
	return m.epoch, nil
}

// finishLocked releases the operation slot and reports whether its result
// still applies.
func (m *Machine[C, K]) finishLocked(epoch uint64) bool {
	if epoch != m.epoch {
		return false
	}
	m.busy = false
	return true
}

func (m *Machine[C, K]) failLocked(ctx context.Context, op string, err error) {
	m.status = StatusError
	m.message = err.Error()
	m.discovered = nil
	m.logger.Error("commissioning failed", "op", op, "error", err)
	msg := fmt.Sprintf("%s %s failed: %v", m.vendor.Brand(), op, err)
	if nerr := m.notifier.Notify(context.WithoutCancel(ctx), msg); nerr != nil {
		m.logger.Warn("notifying commissioning failure", "error", nerr)
	}
}

func (m *Machine[C, K]) indexLocked(ref string) int {
	for i, c := range m.discovered {
		if c.VendorRef() == ref {
			return i
		}
	}
	return -1
}

func (m *Machine[C, K]) forgetLocked(ref string) {
	if i := m.indexLocked(ref); i >= 0 {
		m.discovered = append(m.discovered[:i:i], m.discovered[i+1:]...)
	}
}

func (m *Machine[C, K]) forget(ref string) {
	m.mu.Lock()
	m.forgetLocked(ref)
	m.mu.Unlock()
}

func (m *Machine[C, K]) refs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.discovered))
	for i, c := range m.discovered {
		out[i] = c.VendorRef()
	}
	return out
}
