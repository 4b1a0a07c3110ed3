package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"plughub/internal/commissioning"
	"plughub/internal/domain"
)

// flow is a vendor's connect/scan/add lifecycle. *commissioning.Machine
// implements it; *commissioning.TPLink overrides Add and AddAll.
type flow[C domain.Credentials, K domain.Candidate] interface {
	Brand() domain.Brand
	View() commissioning.View[K]
	Connect(ctx context.Context, creds C) error
	Scan(ctx context.Context) ([]K, error)
	Add(ctx context.Context, ref string) (domain.Device, error)
	AddAll(ctx context.Context) commissioning.BatchResult
	Disconnect(ctx context.Context) error
}

// mountMachine exposes the connect/scan/add flow of one vendor.
func mountMachine[C domain.Credentials, K domain.Candidate](s *Server, r chi.Router, m flow[C, K]) {
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		respondJSON(w, http.StatusOK, m.View())
	})

	r.Post("/connect", func(w http.ResponseWriter, req *http.Request) {
		var creds C
		if err := decodeOptionalBody(req, &creds); err != nil {
			s.respondErr(w, req, err)
			return
		}
		if err := m.Connect(req.Context(), creds); err != nil {
			s.respondErr(w, req, err)
			return
		}
		respondJSON(w, http.StatusOK, m.View())
	})

	r.Post("/scan", func(w http.ResponseWriter, req *http.Request) {
		if _, err := m.Scan(req.Context()); err != nil {
			s.respondErr(w, req, err)
			return
		}
		respondJSON(w, http.StatusOK, m.View())
	})

	r.Post("/add", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Ref string `json:"ref"`
		}
		if err := decodeBody(req, &body); err != nil {
			s.respondErr(w, req, err)
			return
		}
		d, err := m.Add(req.Context(), body.Ref)
		if err != nil {
			s.respondErr(w, req, err)
			return
		}
		respondJSON(w, http.StatusCreated, s.view(d))
	})

	r.Post("/add-all", func(w http.ResponseWriter, req *http.Request) {
		s.respondBatch(w, req, m.AddAll(req.Context()))
	})

	r.Post("/disconnect", func(w http.ResponseWriter, req *http.Request) {
		if err := m.Disconnect(req.Context()); err != nil {
			s.logger.Warn("vendor disconnect failed", "brand", m.Brand(), "error", err)
		}
		respondJSON(w, http.StatusOK, m.View())
	})
}

// respondBatch reports the devices added before a failure alongside the
// failure itself.
func (s *Server) respondBatch(w http.ResponseWriter, r *http.Request, res commissioning.BatchResult) {
	if res.Err != nil && len(res.Added) == 0 {
		s.respondErr(w, r, res.Err)
		return
	}
	body := map[string]any{
		"added":     res.Added,
		"remaining": res.Remaining,
	}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	respondJSON(w, http.StatusOK, body)
}

type stripRequest struct {
	IP      string `json:"ip"`
	ChildID string `json:"childId,omitempty"`
	Name    string `json:"name,omitempty"`
}

func (s *Server) inspectStrip(w http.ResponseWriter, r *http.Request) {
	var req stripRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	plan, err := s.deps.TPLink.Inspect(r.Context(), req.IP)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func (s *Server) addOutlet(w http.ResponseWriter, r *http.Request) {
	var req stripRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	d, err := s.deps.TPLink.AddOutlet(r.Context(), req.IP, req.ChildID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, s.view(d))
}

func (s *Server) addAllOutlets(w http.ResponseWriter, r *http.Request) {
	var req stripRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondBatch(w, r, s.deps.TPLink.AddAllOutlets(r.Context(), req.IP))
}

func (s *Server) addManual(w http.ResponseWriter, r *http.Request) {
	var req stripRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	d, err := s.deps.TPLink.AddManual(r.Context(), req.IP, req.Name)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, s.view(d))
}

func (s *Server) matterView(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Matter.View())
}

func (s *Server) matterStart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Matter.StartServer(r.Context()); err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Matter.View())
}

func (s *Server) matterStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Matter.StopServer(r.Context()); err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Matter.View())
}

func (s *Server) matterRefresh(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Matter.RefreshServer(r.Context()); err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Matter.View())
}

func (s *Server) matterCommission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PairingCode string `json:"pairingCode"`
		Name        string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	d, err := s.deps.Matter.Commission(r.Context(), req.PairingCode, req.Name)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, s.view(d))
}

func (s *Server) matterReset(w http.ResponseWriter, r *http.Request) {
	s.deps.Matter.ResetCommission()
	respondJSON(w, http.StatusOK, s.deps.Matter.View())
}
