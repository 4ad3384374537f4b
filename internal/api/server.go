package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/jitaccess/internal/api/handler"
	mw "github.com/edvin/jitaccess/internal/api/middleware"
	"github.com/edvin/jitaccess/internal/audit"
	"github.com/edvin/jitaccess/internal/store"
)

// Check reports whether a dependency is ready to serve traffic.
type Check func(ctx context.Context) error

// HTTPCheck issues a GET to url and fails on any non-2xx response.
func HTTPCheck(client *http.Client, url string) Check {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil
	}
}

// Deps are the collaborators the API routes are wired to.
type Deps struct {
	Requests   handler.RequestService
	Store      store.Store
	Audit      *audit.Writer
	AdminToken string
	// Checks are run by /readyz, keyed by the name reported in the body.
	Checks map[string]Check
}

type Server struct {
	router      chi.Router
	logger      zerolog.Logger
	deps        Deps
	auditLogger *mw.AuditLogger
}

func NewServer(logger zerolog.Logger, deps Deps) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		logger:      logger,
		deps:        deps,
		auditLogger: mw.NewAuditLogger(deps.Audit, logger),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(mw.Identify)
		r.Use(s.auditLogger.Middleware)

		requests := handler.NewAccessRequest(s.deps.Requests, s.logger)
		r.Get("/requests", requests.List)
		r.Post("/requests", requests.Submit)
		r.Get("/requests/{id}", requests.Get)
		r.Put("/requests/{id}", requests.Modify)
		r.Get("/requests/{id}/approvals", requests.Approvals)
		r.Post("/requests/{id}/approvals", requests.Approve)
		r.Post("/requests/{id}/deny", requests.Deny)
		r.Post("/requests/{id}/revoke", requests.Revoke)
		r.Get("/requests/{id}/lease", requests.Lease)

		auditLog := handler.NewAudit(s.deps.Store, s.logger)
		r.Get("/audit", auditLog.List)

		policy := handler.NewPolicy(s.deps.Store, s.deps.Audit, s.logger)
		r.Get("/policy", policy.Get)
		r.With(mw.AdminToken(s.deps.AdminToken)).Put("/policy", policy.Update)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := map[string]string{}
	healthy := true
	for _, name := range names {
		if err := s.deps.Checks[name](ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close flushes buffered API audit entries.
func (s *Server) Close() {
	s.auditLogger.Close()
}
