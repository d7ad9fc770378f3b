// Package health serves liveness and readiness endpoints for long-running
// chainhunt processes such as the metrics exporter. Checks cover the campaign
// database, the disk it lives on and the consistency of the pipeline log.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/exploopio/chainhunt/pkg/storage"
)

// =============================================================================
// Health Check Interface
// =============================================================================

// Checker is the interface for health checks.
type Checker interface {
	// Name returns the check name.
	Name() string

	// Check performs the health check.
	Check(ctx context.Context) CheckResult
}

// CheckFunc is a function type that implements Checker.
type CheckFunc func(ctx context.Context) CheckResult

func (f CheckFunc) Name() string                          { return "" }
func (f CheckFunc) Check(ctx context.Context) CheckResult { return f(ctx) }

// =============================================================================
// Health Status Types
// =============================================================================

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration_ms"`

	Timestamp time.Time `json:"timestamp"`

	Error string `json:"error,omitempty"`

	// Metadata holds additional check-specific data.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Response is the full health check response.
type Response struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Version   string                 `json:"version,omitempty"`
	Uptime    time.Duration          `json:"uptime_seconds,omitempty"`
}

// =============================================================================
// Health Handler
// =============================================================================

// Handler manages health checks and provides HTTP endpoints.
type Handler struct {
	mu sync.RWMutex

	checks map[string]Checker

	version   string
	startTime time.Time
	timeout   time.Duration

	hideDetails bool

	ready bool
}

// HandlerOption configures the health handler.
type HandlerOption func(*Handler)

// WithVersion sets the application version.
func WithVersion(version string) HandlerOption {
	return func(h *Handler) {
		h.version = version
	}
}

// WithTimeout sets the check timeout.
func WithTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) {
		h.timeout = timeout
	}
}

// WithHideDetails reports only the overall status, without per-check
// results, target names or paths.
func WithHideDetails() HandlerOption {
	return func(h *Handler) {
		h.hideDetails = true
	}
}

// NewHandler creates a new health handler. It starts not ready; call
// SetReady once the process finished its startup work.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		checks:    make(map[string]Checker),
		startTime: time.Now(),
		timeout:   5 * time.Second,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Register adds a health check.
func (h *Handler) Register(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = checker
}

// RegisterFunc adds a health check function.
func (h *Handler) RegisterFunc(name string, fn func(ctx context.Context) CheckResult) {
	h.Register(name, CheckFunc(fn))
}

// SetReady sets the readiness state.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the readiness state.
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// =============================================================================
// Check Execution
// =============================================================================

// Check runs all registered health checks concurrently.
func (h *Handler) Check(ctx context.Context) Response {
	h.mu.RLock()
	checks := make(map[string]Checker, len(h.checks))
	for name, checker := range h.checks {
		checks[name] = checker
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make(map[string]CheckResult)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, checker := range checks {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			start := time.Now()
			result := checker.Check(ctx)
			result.Duration = time.Since(start)
			result.Timestamp = time.Now()

			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, checker)
	}

	wg.Wait()

	overallStatus := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			overallStatus = StatusUnhealthy
		case StatusDegraded:
			if overallStatus != StatusUnhealthy {
				overallStatus = StatusDegraded
			}
		}
	}

	response := Response{
		Status:    overallStatus,
		Timestamp: time.Now(),
	}
	if !h.hideDetails {
		response.Checks = results
		response.Version = h.version
		response.Uptime = time.Since(h.startTime)
	}
	return response
}

// =============================================================================
// HTTP Handlers
// =============================================================================

// LivenessHandler answers as long as the process can serve requests.
func (h *Handler) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    StatusHealthy,
			"timestamp": time.Now(),
		})
	})
}

// ReadinessHandler runs the checks once the handler is ready. A degraded
// result still counts as ready.
func (h *Handler) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":    StatusUnhealthy,
				"message":   "service not ready",
				"timestamp": time.Now(),
			})
			return
		}

		response := h.Check(r.Context())
		code := http.StatusOK
		if response.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, response)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// RegisterRoutes mounts /healthz and /readyz on mux.
func RegisterRoutes(mux *http.ServeMux, h *Handler) {
	mux.Handle("/healthz", h.LivenessHandler())
	mux.Handle("/readyz", h.ReadinessHandler())
}

// =============================================================================
// Built-in Health Checks
// =============================================================================

// DatabaseCheck pings the campaign database and reports its row counts.
type DatabaseCheck struct {
	DB *storage.DB
}

func (c *DatabaseCheck) Name() string { return "database" }
func (c *DatabaseCheck) Check(ctx context.Context) CheckResult {
	result := CheckResult{Timestamp: time.Now()}

	if c.DB == nil {
		result.Status = StatusUnknown
		result.Message = "no database configured"
		return result
	}

	if err := c.DB.SQL().PingContext(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		return result
	}

	st, err := c.DB.Stats(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("%d findings across %d targets", st.Findings, st.Targets)
	result.Metadata = map[string]any{
		"findings":    st.Findings,
		"targets":     st.Targets,
		"transitions": st.Transitions,
		"roi_entries": st.ROIEntries,
	}
	return result
}

// PipelineCheck reports targets whose stored stage disagrees with their
// transition log. Drift degrades the process without taking it out of
// service, since `chainhunt stage recover` repairs it.
type PipelineCheck struct {
	Drift func(ctx context.Context) ([]string, error)
}

func (c *PipelineCheck) Name() string { return "pipeline" }
func (c *PipelineCheck) Check(ctx context.Context) CheckResult {
	result := CheckResult{Timestamp: time.Now()}

	if c.Drift == nil {
		result.Status = StatusUnknown
		result.Message = "no drift function configured"
		return result
	}

	targets, err := c.Drift(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		return result
	}
	if len(targets) > 0 {
		sort.Strings(targets)
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d targets disagree with their transition log", len(targets))
		result.Metadata = map[string]any{"targets": targets}
		return result
	}

	result.Status = StatusHealthy
	result.Message = "stages match their logs"
	return result
}

var (
	_ Checker = (*DatabaseCheck)(nil)
	_ Checker = (*PipelineCheck)(nil)
	_ Checker = (*DiskCheck)(nil)
)
