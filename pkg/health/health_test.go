package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/exploopio/chainhunt/pkg/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()

	cfg := storage.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "campaign.db")
	db, err := storage.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewHandler(t *testing.T) {
	h := NewHandler(WithVersion("0.3.0"), WithTimeout(time.Second))

	if h.version != "0.3.0" {
		t.Errorf("version = %q, want 0.3.0", h.version)
	}
	if h.timeout != time.Second {
		t.Errorf("timeout = %v, want 1s", h.timeout)
	}
	if h.IsReady() {
		t.Error("a new handler should not be ready")
	}
}

func TestLivenessHandler(t *testing.T) {
	h := NewHandler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.LivenessHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var response map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if response["status"] != string(StatusHealthy) {
		t.Errorf("status = %v, want %v", response["status"], StatusHealthy)
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name   string
		ready  bool
		status Status
		code   int
	}{
		{"not ready", false, StatusHealthy, http.StatusServiceUnavailable},
		{"healthy", true, StatusHealthy, http.StatusOK},
		{"degraded is still ready", true, StatusDegraded, http.StatusOK},
		{"unhealthy", true, StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler()
			h.SetReady(tt.ready)
			h.RegisterFunc("check", func(ctx context.Context) CheckResult {
				return CheckResult{Status: tt.status}
			})

			req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
			w := httptest.NewRecorder()
			h.ReadinessHandler().ServeHTTP(w, req)

			if w.Code != tt.code {
				t.Errorf("Status = %d, want %d", w.Code, tt.code)
			}
		})
	}
}

func TestCheckStatusAggregation(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		expected Status
	}{
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"one unhealthy", []Status{StatusHealthy, StatusUnhealthy}, StatusUnhealthy},
		{"degraded and unhealthy", []Status{StatusDegraded, StatusUnhealthy}, StatusUnhealthy},
		{"unknown does not degrade", []Status{StatusHealthy, StatusUnknown}, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler()
			for i, status := range tt.statuses {
				h.RegisterFunc(string(rune('a'+i)), func(ctx context.Context) CheckResult {
					return CheckResult{Status: status}
				})
			}

			response := h.Check(context.Background())
			if response.Status != tt.expected {
				t.Errorf("Status = %v, want %v", response.Status, tt.expected)
			}
			if len(response.Checks) != len(tt.statuses) {
				t.Errorf("Checks = %d, want %d", len(response.Checks), len(tt.statuses))
			}
		})
	}
}

func TestCheck_Timeout(t *testing.T) {
	h := NewHandler(WithTimeout(20 * time.Millisecond))
	h.RegisterFunc("slow", func(ctx context.Context) CheckResult {
		<-ctx.Done()
		return CheckResult{Status: StatusUnhealthy, Error: ctx.Err().Error()}
	})

	start := time.Now()
	response := h.Check(context.Background())
	if time.Since(start) > time.Second {
		t.Error("Check should give up at the handler timeout")
	}
	if response.Status != StatusUnhealthy {
		t.Errorf("Status = %v, want %v", response.Status, StatusUnhealthy)
	}
}

func TestWithHideDetails(t *testing.T) {
	h := NewHandler(WithVersion("0.3.0"), WithHideDetails())
	h.RegisterFunc("pipeline", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusDegraded, Metadata: map[string]any{"targets": []string{"acme.example"}}}
	})

	response := h.Check(context.Background())
	if response.Status != StatusDegraded {
		t.Errorf("Status = %v, want %v", response.Status, StatusDegraded)
	}
	if response.Checks != nil || response.Version != "" || response.Uptime != 0 {
		t.Errorf("details leaked: %+v", response)
	}
}

func TestDatabaseCheck(t *testing.T) {
	t.Run("Healthy", func(t *testing.T) {
		check := &DatabaseCheck{DB: openTestDB(t)}

		result := check.Check(context.Background())
		if result.Status != StatusHealthy {
			t.Fatalf("Status = %v, want %v (%s)", result.Status, StatusHealthy, result.Error)
		}
		if _, ok := result.Metadata["findings"]; !ok {
			t.Error("expected row counts in metadata")
		}
	})

	t.Run("Closed", func(t *testing.T) {
		db := openTestDB(t)
		db.Close()

		result := (&DatabaseCheck{DB: db}).Check(context.Background())
		if result.Status != StatusUnhealthy {
			t.Errorf("Status = %v, want %v", result.Status, StatusUnhealthy)
		}
		if result.Error == "" {
			t.Error("expected error message")
		}
	})

	t.Run("No database", func(t *testing.T) {
		result := (&DatabaseCheck{}).Check(context.Background())
		if result.Status != StatusUnknown {
			t.Errorf("Status = %v, want %v", result.Status, StatusUnknown)
		}
	})
}

func TestPipelineCheck(t *testing.T) {
	tests := []struct {
		name   string
		drift  func(ctx context.Context) ([]string, error)
		status Status
	}{
		{"nil", nil, StatusUnknown},
		{"in sync", func(ctx context.Context) ([]string, error) { return nil, nil }, StatusHealthy},
		{"drifted", func(ctx context.Context) ([]string, error) { return []string{"b.example", "a.example"}, nil }, StatusDegraded},
		{"error", func(ctx context.Context) ([]string, error) { return nil, errors.New("database is locked") }, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := (&PipelineCheck{Drift: tt.drift}).Check(context.Background())
			if result.Status != tt.status {
				t.Errorf("Status = %v, want %v", result.Status, tt.status)
			}
		})
	}

	result := (&PipelineCheck{Drift: tests[2].drift}).Check(context.Background())
	targets, _ := result.Metadata["targets"].([]string)
	if len(targets) != 2 || targets[0] != "a.example" {
		t.Errorf("targets = %v, want sorted drifted targets", targets)
	}
}

func TestDiskCheck(t *testing.T) {
	dir := t.TempDir()

	if result := (&DiskCheck{Path: dir}).Check(context.Background()); result.Status == StatusUnhealthy {
		t.Errorf("Status = %v without thresholds (%s)", result.Status, result.Error)
	}

	result := (&DiskCheck{Path: dir, MinFreePercent: 100.1}).Check(context.Background())
	if result.Status != StatusUnhealthy && result.Status != StatusUnknown {
		t.Errorf("Status = %v, want unhealthy for an unreachable threshold", result.Status)
	}
}

func TestRegisterRoutes(t *testing.T) {
	h := NewHandler()
	h.SetReady(true)
	h.Register("database", &DatabaseCheck{DB: openTestDB(t)})

	mux := http.NewServeMux()
	RegisterRoutes(mux, h)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("%s: Status = %d, want %d", path, w.Code, http.StatusOK)
			}
		})
	}
}

func TestCheckFunc(t *testing.T) {
	fn := CheckFunc(func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy, Message: "test"}
	})

	if fn.Name() != "" {
		t.Errorf("Name = %v, want ''", fn.Name())
	}
	if result := fn.Check(context.Background()); result.Message != "test" {
		t.Errorf("Message = %v, want 'test'", result.Message)
	}
}
