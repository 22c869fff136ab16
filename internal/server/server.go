// Package server exposes the operational HTTP surface: health probes
// and version info. Workload APIs live with the external frontend; this
// server exists for orchestrators and humans poking the process.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/sparkfleet/internal/errors"
	"github.com/3leaps/sparkfleet/internal/server/handlers"
	"github.com/3leaps/sparkfleet/internal/server/middleware"
)

// VersionInfo is what /version reports.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Server is the operational HTTP server.
type Server struct {
	host    string
	port    int
	version VersionInfo
	router  chi.Router
	httpSrv *http.Server
}

// New builds the server with its routes registered.
func New(host string, port int) *Server {
	s := &Server{
		host:    host,
		port:    port,
		version: VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"},
	}
	s.router = s.buildRouter()
	return s
}

// SetVersion overrides the build metadata reported by /version.
func (s *Server) SetVersion(info VersionInfo) {
	s.version = info
}

// Port returns the configured listen port.
func (s *Server) Port() int { return s.port }

// Handler returns the root handler, usable directly in tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)

	r.NotFound(apperrors.NotFound)
	r.MethodNotAllowed(apperrors.MethodNotAllowed)

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", s.versionHandler)

	return r
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.version)
}

// Start serves until ctx is cancelled, then shuts down gracefully
// within the given timeout.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(sctx)
}
