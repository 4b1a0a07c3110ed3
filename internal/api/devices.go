package api

import (
	"context"
	"fmt"
	"net/http"

	"plughub/internal/domain"
	"plughub/internal/registry"
)

type deviceView struct {
	domain.Device
	Key   string              `json:"key"`
	State *domain.PolledState `json:"state,omitempty"`
}

func (s *Server) view(d domain.Device) deviceView {
	v := deviceView{Device: d, Key: d.Key()}
	if s.deps.Reconciler != nil {
		if st, ok := s.deps.Reconciler.State(v.Key); ok {
			v.State = &st
		}
	}
	return v
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.deps.Registry.List()
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, s.view(d))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"devices":    out,
		"maxDevices": s.deps.Registry.Max(),
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (domain.Device, bool) {
	key := keyParam(r)
	d, ok := s.deps.Registry.Get(key)
	if !ok {
		s.respondErr(w, r, fmt.Errorf("%w: %s", registry.ErrNotFound, key))
		return domain.Device{}, false
	}
	return d, true
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.view(d))
}

type updateDeviceRequest struct {
	Label           *string            `json:"label"`
	Type            *domain.DeviceType `json:"deviceType"`
	CalibrationTime *float64           `json:"calibrationTime"`
}

func (s *Server) updateDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req updateDeviceRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}

	ctx := r.Context()
	key := d.Key()
	var err error
	if req.Label != nil {
		if d, err = s.deps.Registry.UpdateLabel(ctx, key, *req.Label); err != nil {
			s.respondErr(w, r, err)
			return
		}
	}
	if req.Type != nil {
		if d, err = s.deps.Registry.UpdateType(ctx, key, *req.Type); err != nil {
			s.respondErr(w, r, err)
			return
		}
	}
	if req.CalibrationTime != nil {
		if d, err = s.deps.Registry.SetCalibration(ctx, key, *req.CalibrationTime); err != nil {
			s.respondErr(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, s.view(d))
}

func (s *Server) removeDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.Remove(r.Context(), keyParam(r)); err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setPrimary(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req struct {
		Type domain.DeviceType `json:"deviceType"`
	}
	if err := decodeOptionalBody(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if req.Type == "" {
		req.Type = d.Type
	}
	if err := s.deps.Registry.SetPrimary(r.Context(), d.Key(), req.Type); err != nil {
		s.respondErr(w, r, err)
		return
	}
	d, _ = s.deps.Registry.Get(d.Key())
	respondJSON(w, http.StatusOK, s.view(d))
}

func (s *Server) turnOn(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.deps.Commander.On)
}

func (s *Server) turnOff(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.deps.Commander.Off)
}

func (s *Server) cycle(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.deps.Commander.Cycle)
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, d domain.Device) error) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := run(r.Context(), d); err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, s.view(d))
}

func (s *Server) listStates(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Reconciler.Snapshot())
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	st, ok := s.deps.Reconciler.State(d.Key())
	if !ok {
		st = domain.PolledState{Key: d.Key(), State: domain.PowerUnknown}
	}
	respondJSON(w, http.StatusOK, st)
}
