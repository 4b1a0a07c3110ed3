package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"plughub/internal/domain"
)

var ErrNotFound = errors.New("device not found")

type fileFormat struct {
	Devices []domain.Device `yaml:"devices"`
}

// FileStore keeps configured devices in a YAML file. It serves as the Device
// CRUD collaborator when no backend is available.
type FileStore struct {
	path string

	mu sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) ListDevices(_ context.Context) ([]domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *FileStore) AddDevice(_ context.Context, device domain.Device) (domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, err := s.read()
	if err != nil {
		return domain.Device{}, err
	}

	if device.ID == "" {
		device.ID = uuid.New().String()
	}
	devices = append(devices, device)

	if err := s.write(devices); err != nil {
		return domain.Device{}, err
	}
	return device, nil
}

func (s *FileStore) UpdateDevice(_ context.Context, id string, patch domain.DevicePatch) (domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, err := s.read()
	if err != nil {
		return domain.Device{}, err
	}

	for i, d := range devices {
		if d.ID != id {
			continue
		}
		devices[i] = patch.Apply(d)
		if err := s.write(devices); err != nil {
			return domain.Device{}, err
		}
		return devices[i], nil
	}
	return domain.Device{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *FileStore) DeleteDevice(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, err := s.read()
	if err != nil {
		return err
	}

	next := devices[:0]
	found := false
	for _, d := range devices {
		if d.ID == id {
			found = true
			continue
		}
		next = append(next, d)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.write(next)
}

func (s *FileStore) read() ([]domain.Device, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading device file: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing device file: %w", err)
	}
	return f.Devices, nil
}

// write replaces the file atomically via a temp file in the same directory.
func (s *FileStore) write(devices []domain.Device) error {
	data, err := yaml.Marshal(fileFormat{Devices: devices})
	if err != nil {
		return fmt.Errorf("encoding device file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating device dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".devices-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing device file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing device file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing device file: %w", err)
	}
	return nil
}
