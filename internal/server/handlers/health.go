// Package handlers implements the service's operational HTTP endpoints:
// health probes and version reporting.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/3leaps/sparkfleet/internal/errors"
)

// checkTimeout bounds a single health check probe.
const checkTimeout = 5 * time.Second

// HealthChecker probes one dependency.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthResponse is the healthy-path JSON body.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// HealthManager runs registered checkers and renders probe responses.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: make(map[string]HealthChecker),
	}
}

// RegisterChecker adds a named dependency probe.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	checkers := make(map[string]HealthChecker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	checks := make(map[string]string, len(checkers))
	for name, checker := range checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checker.CheckHealth(cctx)
		// Capture the deadline state before cancel, which would turn
		// every failure into a context error.
		deadlineErr := cctx.Err()
		cancel()
		switch {
		case err == nil:
			checks[name] = "healthy"
		case errors.Is(deadlineErr, context.DeadlineExceeded):
			checks[name] = "timeout"
		default:
			checks[name] = "unhealthy"
		}
	}
	return checks
}

// determineOverallStatus folds per-check statuses: any unhealthy check
// fails the probe, a timeout only degrades it.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := "healthy"
	for _, s := range checks {
		switch s {
		case "unhealthy":
			return "unhealthy"
		case "timeout":
			status = "degraded"
		}
	}
	return status
}

// HealthHandler is the full readiness probe: all checkers run, and an
// unhealthy dependency yields 503 with per-check detail.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)

	if status == "unhealthy" {
		details := map[string]any{"checks": checks}
		apperrors.ServiceUnavailable(w, "one or more health checks failed", details)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:    status,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}

// LivenessHandler only reports that the process is serving requests.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	m.writeSimple(w, "alive")
}

// ReadinessHandler mirrors HealthHandler.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

// StartupHandler reports whether startup completed; serving at all
// implies it did.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	m.writeSimple(w, "started")
}

func (m *HealthManager) writeSimple(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:    status,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
	})
}

var globalHealthManager *HealthManager

// InitHealthManager installs the process-wide manager used by the
// package-level probe handlers.
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the process-wide manager, or nil before init.
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func withGlobal(fn func(*HealthManager, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if globalHealthManager == nil {
			apperrors.ServiceUnavailable(w, "health manager not initialized", nil)
			return
		}
		fn(globalHealthManager, w, r)
	}
}

// Package-level probe handlers backed by the global manager.
var (
	HealthHandler    = withGlobal((*HealthManager).HealthHandler)
	LivenessHandler  = withGlobal((*HealthManager).LivenessHandler)
	ReadinessHandler = withGlobal((*HealthManager).ReadinessHandler)
	StartupHandler   = withGlobal((*HealthManager).StartupHandler)
)
