package commissioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"plughub/internal/application"
	"plughub/internal/domain"
	"plughub/internal/registry"
)

const DefaultCommissionTimeout = 2 * time.Minute

type ServerState string

const (
	ServerStopped  ServerState = "stopped"
	ServerStarting ServerState = "starting"
	ServerRunning  ServerState = "running"
	ServerStopping ServerState = "stopping"
)

type CommissionStatus string

const (
	CommissionIdle      CommissionStatus = "idle"
	CommissionRunning   CommissionStatus = "commissioning"
	CommissionSucceeded CommissionStatus = "succeeded"
	CommissionFailed    CommissionStatus = "failed"
	CommissionTimedOut  CommissionStatus = "timed_out"
)

type CommissionState struct {
	Status  CommissionStatus `json:"status"`
	Message string           `json:"message,omitempty"`
	Device  *domain.Device   `json:"device,omitempty"`
}

type MatterView struct {
	Server     ServerState     `json:"server"`
	Commission CommissionState `json:"commission"`
}

// Matter tracks the local Matter server lifecycle and commissioning
// attempts. The two are independent: a commissioning failure never changes
// the server state.
type Matter struct {
	backend  application.MatterBackend
	registry Registry
	notifier application.Notifier
	logger   *slog.Logger
	timeout  time.Duration

	mu         sync.Mutex
	server     ServerState
	commission CommissionState
}

func NewMatter(backend application.MatterBackend, reg Registry, notifier application.Notifier, logger *slog.Logger, timeout time.Duration) *Matter {
	if timeout <= 0 {
		timeout = DefaultCommissionTimeout
	}
	if notifier == nil {
		notifier = &application.NoopNotifier{}
	}
	return &Matter{
		backend:    backend,
		registry:   reg,
		notifier:   notifier,
		logger:     logger.With("brand", domain.BrandMatter),
		timeout:    timeout,
		server:     ServerStopped,
		commission: CommissionState{Status: CommissionIdle},
	}
}

func (m *Matter) View() MatterView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MatterView{Server: m.server, Commission: m.commission}
}

func (m *Matter) StartServer(ctx context.Context) error {
	if err := m.transition(ServerStopped, ServerStarting); err != nil {
		return err
	}

	err := m.backend.StartMatterServer(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.server = ServerStopped
		return fmt.Errorf("starting matter server: %w", err)
	}
	m.server = ServerRunning
	m.logger.Info("matter server running")
	return nil
}

func (m *Matter) StopServer(ctx context.Context) error {
	if err := m.transition(ServerRunning, ServerStopping); err != nil {
		return err
	}

	err := m.backend.StopMatterServer(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.server = ServerRunning
		return fmt.Errorf("stopping matter server: %w", err)
	}
	m.server = ServerStopped
	m.logger.Info("matter server stopped")
	return nil
}

// RefreshServer syncs the server state from the backend. It is ignored while
// a start or stop is in flight.
func (m *Matter) RefreshServer(ctx context.Context) (ServerState, error) {
	status, err := m.backend.GetMatterStatus(ctx)
	if err != nil {
		return m.View().Server, fmt.Errorf("getting matter status: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server == ServerStarting || m.server == ServerStopping {
		return m.server, nil
	}
	if status.Running {
		m.server = ServerRunning
	} else {
		m.server = ServerStopped
	}
	return m.server, nil
}

// Commission pairs a device and adds it to the registry. It blocks until
// the attempt succeeds, fails or times out; View reports progress.
func (m *Matter) Commission(ctx context.Context, pairingCode, name string) (domain.Device, error) {
	code, err := domain.NormalizePairingCode(pairingCode)
	if err != nil {
		return domain.Device{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Matter device"
	}

	m.mu.Lock()
	switch {
	case m.server != ServerRunning:
		m.mu.Unlock()
		return domain.Device{}, fmt.Errorf("%w: matter server is %s", ErrIllegalTransition, m.server)
	case m.commission.Status == CommissionRunning:
		m.mu.Unlock()
		return domain.Device{}, ErrBusy
	case m.registry.Full():
		m.mu.Unlock()
		return domain.Device{}, registry.ErrRegistryFull
	}
	m.commission = CommissionState{Status: CommissionRunning}
	m.mu.Unlock()

	m.logger.Info("commissioning matter device", "name", name)

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	node, err := m.backend.CommissionMatterDevice(cctx, code, name)
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			m.finish(ctx, CommissionState{Status: CommissionTimedOut, Message: "commissioning timed out"})
			return domain.Device{}, fmt.Errorf("commissioning matter device: %w", context.DeadlineExceeded)
		}
		m.finish(ctx, CommissionState{Status: CommissionFailed, Message: err.Error()})
		return domain.Device{}, fmt.Errorf("commissioning matter device: %w", err)
	}
	if node.DeviceID == "" {
		m.finish(ctx, CommissionState{Status: CommissionFailed, Message: "backend returned no node id"})
		return domain.Device{}, errors.New("commissioning matter device: no node id")
	}
	if node.Name != "" {
		name = node.Name
	}

	device, err := m.registry.Add(ctx, domain.Device{
		Brand:    domain.BrandMatter,
		DeviceID: node.DeviceID,
		Label:    name,
		Type:     domain.DeviceTypeOther,
	})
	if err != nil {
		m.finish(ctx, CommissionState{Status: CommissionFailed, Message: err.Error()})
		return domain.Device{}, err
	}

	m.finish(ctx, CommissionState{Status: CommissionSucceeded, Device: &device})
	return device, nil
}

// ResetCommission returns a finished attempt to idle.
func (m *Matter) ResetCommission() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commission.Status != CommissionRunning {
		m.commission = CommissionState{Status: CommissionIdle}
	}
}

func (m *Matter) transition(from, to ServerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server != from {
		return fmt.Errorf("%w: matter server is %s", ErrIllegalTransition, m.server)
	}
	m.server = to
	return nil
}

func (m *Matter) finish(ctx context.Context, state CommissionState) {
	m.mu.Lock()
	m.commission = state
	m.mu.Unlock()

	if state.Status == CommissionSucceeded {
		m.logger.Info("matter device commissioned", "device_id", state.Device.DeviceID)
		return
	}
	m.logger.Error("matter commissioning failed", "status", state.Status, "message", state.Message)
	if err := m.notifier.Notify(context.WithoutCancel(ctx), "Matter commissioning "+string(state.Status)+": "+state.Message); err != nil {
		m.logger.Warn("notifying commissioning failure", "error", err)
	}
}
