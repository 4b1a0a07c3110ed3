package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"plughub/internal/domain"
	"plughub/internal/session"
)

func (s *Server) sessionView(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"session":   s.deps.Merge.Snapshot(),
		"interrupt": s.deps.Arbiter.Status(),
	})
}

type valueRequest[T any] struct {
	Value T `json:"value"`
}

func (s *Server) setCapacity(w http.ResponseWriter, r *http.Request) {
	var req valueRequest[float64]
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondEdit(w, r, s.deps.Merge.SetCapacity(r.Context(), req.Value))
}

func (s *Server) setEmotion(w http.ResponseWriter, r *http.Request) {
	var req valueRequest[domain.Emotion]
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondEdit(w, r, s.deps.Merge.SetEmotion(r.Context(), req.Value))
}

func (s *Server) setSensation(w http.ResponseWriter, r *http.Request) {
	var req valueRequest[domain.Sensation]
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondEdit(w, r, s.deps.Merge.SetSensation(r.Context(), req.Value))
}

// respondEdit reports a local edit. The edit stands even when forwarding it
// upstream failed; the reply says so.
func (s *Server) respondEdit(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, domain.ErrInvalidInput) {
		s.respondErr(w, r, err)
		return
	}
	body := map[string]any{
		"session":   s.deps.Merge.Snapshot(),
		"forwarded": err == nil,
	}
	if err != nil {
		s.logger.Warn("session edit not forwarded", "error", err)
		body["error"] = err.Error()
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) newSession(w http.ResponseWriter, r *http.Request) {
	cmd := session.Command{Kind: session.CommandNewSession}
	if s.deps.Controller == nil {
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "session controller not running")
		return
	}
	select {
	case s.deps.Controller.Commands() <- cmd:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	case <-r.Context().Done():
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "session controller busy")
	}
}

func (s *Server) choosePlayer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChoiceID string `json:"choiceId"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondInterrupt(w, r, func(ctx context.Context) error {
		return s.deps.Arbiter.ChoosePlayer(ctx, req.ChoiceID)
	})
}

func (s *Server) chooseAB(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Choice string `json:"choice"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondInterrupt(w, r, func(ctx context.Context) error {
		return s.deps.Arbiter.ChooseAB(ctx, req.Choice)
	})
}

func (s *Server) completeChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Result json.RawMessage `json:"result"`
	}
	if err := decodeOptionalBody(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondInterrupt(w, r, func(ctx context.Context) error {
		return s.deps.Arbiter.CompleteChallenge(ctx, req.Result)
	})
}

func (s *Server) cancelInterrupt(w http.ResponseWriter, r *http.Request) {
	s.respondInterrupt(w, r, s.deps.Arbiter.Cancel)
}

func (s *Server) respondInterrupt(w http.ResponseWriter, r *http.Request, resolve func(ctx context.Context) error) {
	if err := resolve(r.Context()); err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Arbiter.Status())
}
