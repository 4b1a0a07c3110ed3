package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"plughub/internal/commissioning"
	"plughub/internal/domain"
	"plughub/internal/reconciler"
	"plughub/internal/registry"
	"plughub/internal/session"
)

type (
	GoveeMachine = commissioning.Machine[domain.GoveeCredentials, domain.CloudCandidate]
	TuyaMachine  = commissioning.Machine[domain.TuyaCredentials, domain.CloudCandidate]
	WyzeMachine  = commissioning.Machine[domain.WyzeCredentials, domain.CloudCandidate]
	TapoMachine  = commissioning.Machine[domain.TapoCredentials, domain.LANCandidate]
)

// Deps are the components the control surface exposes. Nil session parts
// leave the session routes unmounted.
type Deps struct {
	Registry   *registry.Registry
	Reconciler *reconciler.Reconciler
	Commander  *reconciler.Commander

	TPLink *commissioning.TPLink
	Govee  *GoveeMachine
	Tuya   *TuyaMachine
	Wyze   *WyzeMachine
	Tapo   *TapoMachine
	Matter *commissioning.Matter

	Merge      *session.Merge
	Arbiter    *session.Arbiter
	Controller *session.Controller
}

type Options struct {
	Addr      string
	AuthToken string
	// RateLimit is requests per minute per client on mutating routes.
	RateLimit int
}

type Server struct {
	deps        Deps
	opts        Options
	logger      *slog.Logger
	rateLimiter *RateLimiter
	handler     http.Handler

	mu      sync.Mutex
	server  *http.Server
	running bool
}

func NewServer(deps Deps, opts Options, logger *slog.Logger) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 120
	}
	s := &Server{
		deps:        deps,
		opts:        opts,
		logger:      logger,
		rateLimiter: NewRateLimiter(opts.RateLimit, time.Minute),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// No auth or rate limiting on health check
	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/devices", s.listDevices)
		r.Get("/states", s.listStates)
		r.Get("/states/stream", s.streamStates)
		r.Get("/devices/{key}", s.getDevice)
		r.Get("/devices/{key}/state", s.getState)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimiter.Middleware)

			r.Patch("/devices/{key}", s.updateDevice)
			r.Delete("/devices/{key}", s.removeDevice)
			r.Post("/devices/{key}/primary", s.setPrimary)
			r.Post("/devices/{key}/on", s.turnOn)
			r.Post("/devices/{key}/off", s.turnOff)
			r.Post("/devices/{key}/cycle", s.cycle)

			r.Route("/commissioning", func(r chi.Router) {
				if s.deps.TPLink != nil {
					r.Route("/tplink", func(r chi.Router) {
						mountMachine[domain.NoCredentials, domain.LANCandidate](s, r, s.deps.TPLink)
						r.Post("/inspect", s.inspectStrip)
						r.Post("/outlets", s.addOutlet)
						r.Post("/outlets/all", s.addAllOutlets)
						r.Post("/manual", s.addManual)
					})
				}
				if s.deps.Govee != nil {
					r.Route("/govee", func(r chi.Router) {
						mountMachine[domain.GoveeCredentials, domain.CloudCandidate](s, r, s.deps.Govee)
					})
				}
				if s.deps.Tuya != nil {
					r.Route("/tuya", func(r chi.Router) {
						mountMachine[domain.TuyaCredentials, domain.CloudCandidate](s, r, s.deps.Tuya)
					})
				}
				if s.deps.Wyze != nil {
					r.Route("/wyze", func(r chi.Router) {
						mountMachine[domain.WyzeCredentials, domain.CloudCandidate](s, r, s.deps.Wyze)
					})
				}
				if s.deps.Tapo != nil {
					r.Route("/tapo", func(r chi.Router) {
						mountMachine[domain.TapoCredentials, domain.LANCandidate](s, r, s.deps.Tapo)
					})
				}
			})

			if s.deps.Matter != nil {
				r.Route("/matter", func(r chi.Router) {
					r.Get("/", s.matterView)
					r.Post("/start", s.matterStart)
					r.Post("/stop", s.matterStop)
					r.Post("/refresh", s.matterRefresh)
					r.Post("/commission", s.matterCommission)
					r.Post("/commission/reset", s.matterReset)
				})
			}

			if s.deps.Merge != nil && s.deps.Arbiter != nil {
				r.Route("/session", func(r chi.Router) {
					r.Get("/", s.sessionView)
					r.Get("/stream", s.streamSession)
					r.Put("/capacity", s.setCapacity)
					r.Put("/emotion", s.setEmotion)
					r.Put("/sensation", s.setSensation)
					r.Post("/new", s.newSession)
					r.Post("/interrupt/choice", s.choosePlayer)
					r.Post("/interrupt/ab", s.chooseAB)
					r.Post("/interrupt/challenge", s.completeChallenge)
					r.Post("/interrupt/cancel", s.cancelInterrupt)
				})
			}
		})
	})

	return r
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		s.logger.Info("HTTP API starting", "addr", s.opts.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.running = true
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			if err := s.server.Close(); err != nil {
				return fmt.Errorf("closing server: %w", err)
			}
		}
	}

	s.running = false
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"devices":    s.deps.Registry.Len(),
		"maxDevices": s.deps.Registry.Max(),
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := ""
		if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.opts.AuthToken {
			s.logger.Warn("unauthorized request", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]any{
		"error":   code,
		"message": message,
	})
}

// respondErr maps core errors onto HTTP statuses.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		cmdErr   *domain.CommandError
		stripErr *commissioning.StripError
	)
	switch {
	case errors.As(err, &stripErr):
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":   "IS_STRIP",
			"message": err.Error(),
			"plan":    stripErr.Plan,
		})
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidDevice):
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, commissioning.ErrUnknownCandidate):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, session.ErrNoInterrupt):
		respondError(w, http.StatusNotFound, "NO_INTERRUPT", err.Error())
	case errors.Is(err, registry.ErrRegistryFull):
		respondError(w, http.StatusConflict, "DEVICE_LIMIT", err.Error())
	case errors.Is(err, registry.ErrDuplicateKey):
		respondError(w, http.StatusConflict, "DUPLICATE", err.Error())
	case errors.Is(err, commissioning.ErrBusy):
		respondError(w, http.StatusConflict, "BUSY", err.Error())
	case errors.Is(err, commissioning.ErrIllegalTransition),
		errors.Is(err, commissioning.ErrNotInspected),
		errors.Is(err, commissioning.ErrAborted),
		errors.Is(err, registry.ErrNoPrimarySlot),
		errors.Is(err, session.ErrWrongKind),
		errors.Is(err, session.ErrNotCancellable),
		errors.Is(err, session.ErrStale):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.As(err, &cmdErr):
		respondError(w, http.StatusBadGateway, "COMMAND_FAILED", err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondError(w, http.StatusBadGateway, "UPSTREAM", err.Error())
	}
}

func decodeBody(r *http.Request, v any) error {
	return decode(r, v, false)
}

// decodeOptionalBody accepts an empty body as the zero value.
func decodeOptionalBody(r *http.Request, v any) error {
	return decode(r, v, true)
}

func decode(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64*1024))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// keyParam returns the device key from the path. Keys of strip outlets
// contain a colon and may arrive escaped.
func keyParam(r *http.Request) string {
	raw := chi.URLParam(r, "key")
	if key, err := url.PathUnescape(raw); err == nil {
		return key
	}
	return raw
}
