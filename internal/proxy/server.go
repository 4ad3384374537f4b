package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	mw "github.com/edvin/jitaccess/internal/api/middleware"
	"github.com/edvin/jitaccess/internal/api/request"
	"github.com/edvin/jitaccess/internal/api/response"
	"github.com/edvin/jitaccess/internal/model"
	"github.com/edvin/jitaccess/internal/sqlguard"
)

// Server exposes the proxy over HTTP. It must only be bound to a loopback or
// private address; see CheckListenAddr.
type Server struct {
	router  chi.Router
	service *Service
	logger  zerolog.Logger
}

func NewServer(service *Service, logger zerolog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		service: service,
		logger:  logger,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(mw.RequestLogger(logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)

	s.router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		response.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.router.Post("/execute", s.handleExecute)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req request.Execute
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.service.Execute(r.Context(), Statement{
		Conn: ConnParams{
			Engine:   req.Engine,
			Host:     req.Host,
			Port:     req.Port,
			Username: req.Username,
			Password: req.Password,
			Database: req.Database,
			IAMAuth:  req.IAMAuth,
			Region:   req.Region,
		},
		Query:     req.Query,
		Tier:      req.Role,
		Actor:     req.UserEmail,
		RequestID: req.RequestID,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		writeExecuteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, res)
}

func writeExecuteError(w http.ResponseWriter, err error) {
	var (
		rejection *sqlguard.Rejection
		expired   *model.AccessExpired
		execErr   *ExecutionError
	)
	switch {
	case errors.As(err, &rejection):
		response.WriteJSON(w, http.StatusForbidden, map[string]string{
			"error": rejection.Reason,
			"tier":  rejection.Tier,
		})
	case errors.As(err, &expired):
		response.WriteError(w, http.StatusForbidden, expired.Error())
	case errors.As(err, &execErr):
		response.WriteError(w, http.StatusBadGateway, execErr.Error())
	default:
		response.WriteError(w, http.StatusInternalServerError, "statement could not be executed")
	}
}

// CheckListenAddr rejects addresses that would expose the proxy beyond
// loopback or private networks, including unspecified hosts.
func CheckListenAddr(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("parse listen address: %w", err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("listen address %q must be an IP literal or localhost", addr)
	}
	if ip.IsLoopback() || (ip.IsPrivate() && !ip.IsUnspecified()) {
		return nil
	}
	return fmt.Errorf("refusing to listen on non-internal address %q", addr)
}
