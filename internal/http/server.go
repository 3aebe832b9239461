package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"rangemaster/pkg/mastererr"
	"rangemaster/pkg/registry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	contentTypeJSON        = "application/json"
	contentTypeText        = "text/plain; version=0.0.4"
	defaultHTTPPort        = 15861
	defaultShutdownTimeout = time.Second * 5
)

// iRegistry is what the admin API needs from the coordinator.
type iRegistry interface {
	Register(ctx context.Context, location, observed string) (registry.Registration, error)
	Expire(ctx context.Context, location string) (registry.ServerRecord, error)
	Remove(ctx context.Context, location string) (registry.ServerRecord, error)
	Lookup(location string) (registry.ServerRecord, bool)
	List() []registry.ServerRecord
}

type iMetrics interface {
	WriteText(w io.Writer) error
}

// Server is the admin HTTP API of the master.
type Server struct {
	registry   iRegistry
	metrics    iMetrics
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance. metrics may be nil.
func NewServer(reg iRegistry, metrics iMetrics, port int) *Server {
	if port == 0 {
		port = defaultHTTPPort
	}
	p := strconv.Itoa(port)
	return &Server{
		registry: reg,
		metrics:  metrics,
		URL:      "http://localhost:" + p,
		addr:     ":" + p,
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Get("/servers", s.handleList)
		r.Get("/servers/{location}", s.handleGet)
		r.Post("/servers/{location}/expire", s.handleExpire)
		r.Delete("/servers/{location}", s.handleRemove)
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := mastererr.KindOf(err)
	s.writeJSON(w, httpStatus(kind), NewErrorResponse(kind.String(), mastererr.Message(err)))
}

func httpStatus(kind mastererr.Kind) int {
	switch kind {
	case mastererr.OK:
		return http.StatusOK
	case mastererr.InvalidArgument:
		return http.StatusBadRequest
	case mastererr.NotFound:
		return http.StatusNotFound
	case mastererr.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// location reads the {location} path parameter; it may be percent-encoded.
func location(r *http.Request) (string, error) {
	loc, err := url.PathUnescape(chi.URLParam(r, "location"))
	if err != nil {
		return "", mastererr.Invalid("bad location in path: %v", err)
	}
	return loc, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", contentTypeText)
	if s.metrics == nil {
		if _, err := w.Write([]byte("# no metrics\n")); err != nil {
			slog.Warn("Failed to write metrics response", "error", err)
		}
		return
	}
	if err := s.metrics.WriteText(w); err != nil {
		slog.Warn("Failed to write metrics response", "error", err)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(mastererr.InvalidArgument.String(), "Failed to parse form"))
		return
	}

	reg, err := s.registry.Register(r.Context(), r.FormValue("location"), r.RemoteAddr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewRegistrationResponse(reg))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewServersResponse(s.registry.List()))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	loc, err := location(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec, ok := s.registry.Lookup(loc)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse(mastererr.NotFound.String(), "Server not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, NewServerResponse(rec))
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	loc, err := location(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.registry.Expire(r.Context(), loc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewServerResponse(rec))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	loc, err := location(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.registry.Remove(r.Context(), loc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	slog.Info("server removed via admin API", "location", loc, "server_id", rec.ServerID)
	s.writeJSON(w, http.StatusOK, NewServerResponse(rec))
}
