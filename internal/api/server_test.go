package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/steroidsdev/steroids/internal/config"
	"github.com/steroidsdev/steroids/internal/model"
	"github.com/steroidsdev/steroids/internal/store"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	projectDir := t.TempDir()
	storeDir := config.ProjectStoreDir(projectDir)
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	ps, err := store.OpenProjectStore(filepath.Join(storeDir, "steroids.db"))
	if err != nil {
		t.Fatalf("OpenProjectStore failed: %v", err)
	}
	t.Cleanup(func() { ps.Close() })

	g, err := store.OpenGlobalStore(filepath.Join(t.TempDir(), "global.db"))
	if err != nil {
		t.Fatalf("OpenGlobalStore failed: %v", err)
	}
	t.Cleanup(func() { g.Close() })

	ctx := context.Background()
	if err := g.Queries().RegisterProject(ctx, store.Project{
		Path: projectDir, Name: "demo", Enabled: true, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("RegisterProject failed: %v", err)
	}

	s := NewServer(g, config.HealthConfig{
		OrphanedTaskTimeout:    time.Hour,
		MaxCoderDuration:       30 * time.Minute,
		MaxReviewerDuration:    15 * time.Minute,
		RunnerHeartbeatTimeout: 5 * time.Minute,
	}, zap.NewNop())
	return s, projectDir
}

func TestHealthEndpointRejectsUnregisteredProject(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health?project=/not/registered")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestHealthEndpointAcceptsRegisteredProject(t *testing.T) {
	s, projectDir := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health?project=" + projectDir)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if _, ok := body["status"]; !ok {
		t.Fatal("expected a status field in the response")
	}
}

func TestIncidentsEndpointFiltersUnresolved(t *testing.T) {
	s, projectDir := newTestServer(t)
	ctx := context.Background()

	dbPath := filepath.Join(config.ProjectStoreDir(projectDir), "steroids.db")
	ps, err := store.OpenProjectStore(dbPath)
	if err != nil {
		t.Fatalf("OpenProjectStore failed: %v", err)
	}
	now := time.Now()
	if err := ps.Queries().CreateIncident(ctx, model.Incident{ID: "inc1", Failure: model.FailureDead, DetectedAt: now}); err != nil {
		t.Fatalf("CreateIncident failed: %v", err)
	}
	if err := ps.Queries().CreateIncident(ctx, model.Incident{ID: "inc2", Failure: model.FailureZombie, DetectedAt: now}); err != nil {
		t.Fatalf("CreateIncident failed: %v", err)
	}
	if err := ps.Queries().ResolveIncident(ctx, "inc2", "done", now); err != nil {
		t.Fatalf("ResolveIncident failed: %v", err)
	}
	ps.Close()

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/incidents?project=" + projectDir + "&unresolved=true")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	var incidents []model.Incident
	if err := json.NewDecoder(resp.Body).Decode(&incidents); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(incidents) != 1 || incidents[0].ID != "inc1" {
		t.Fatalf("expected only the unresolved incident, got %+v", incidents)
	}
}

func TestRunnersEndpointJoinsProjectName(t *testing.T) {
	s, projectDir := newTestServer(t)
	ctx := context.Background()
	now := time.Now()
	if err := s.Global.Queries().RegisterRunner(ctx, model.Runner{
		ID: "r1", Status: model.RunnerRunning, ProjectPath: projectDir, StartedAt: now, HeartbeatAt: now,
	}); err != nil {
		t.Fatalf("RegisterRunner failed: %v", err)
	}

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runners")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	var runners []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&runners); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(runners) != 1 || runners[0]["projectName"] != "demo" {
		t.Fatalf("expected 1 runner joined to project name %q, got %+v", "demo", runners)
	}
}

func TestActiveTasksEndpointOnlyReturnsRunnersWithCurrentTask(t *testing.T) {
	s, projectDir := newTestServer(t)
	ctx := context.Background()
	now := time.Now()
	taskID := "t1"
	if err := s.Global.Queries().RegisterRunner(ctx, model.Runner{
		ID: "busy", Status: model.RunnerRunning, ProjectPath: projectDir, CurrentTaskID: &taskID, StartedAt: now, HeartbeatAt: now,
	}); err != nil {
		t.Fatalf("RegisterRunner failed: %v", err)
	}
	if err := s.Global.Queries().RegisterRunner(ctx, model.Runner{
		ID: "idle", Status: model.RunnerIdle, ProjectPath: projectDir, StartedAt: now, HeartbeatAt: now,
	}); err != nil {
		t.Fatalf("RegisterRunner failed: %v", err)
	}

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runners/active-tasks")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	var runners []model.Runner
	if err := json.NewDecoder(resp.Body).Decode(&runners); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(runners) != 1 || runners[0].ID != "busy" {
		t.Fatalf("expected only the busy runner, got %+v", runners)
	}
}

func TestStorageEndpointRejectsUnregisteredPath(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/projects/storage?path=/not/registered")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestStorageEndpointReturnsBreakdownForRegisteredPath(t *testing.T) {
	s, projectDir := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/projects/storage?path=" + projectDir)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var breakdown StorageBreakdown
	if err := json.NewDecoder(resp.Body).Decode(&breakdown); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if breakdown.ProjectPath != projectDir {
		t.Fatalf("expected project path %q, got %q", projectDir, breakdown.ProjectPath)
	}
}

func TestMetricsEndpointExposesPrometheusFormat(t *testing.T) {
	s, _ := newTestServer(t)
	s.Metrics.TasksCompleted.WithLabelValues("demo").Inc()

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
