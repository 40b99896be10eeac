// Package api implements the read-only observer HTTP surface of spec.md
// §6: health, incidents, runners, and storage-breakdown endpoints, each
// backed by a short-lived store handle opened per request, plus a
// Prometheus /metrics endpoint fed by the orchestrator and registry.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/steroidsdev/steroids/internal/cache"
	"github.com/steroidsdev/steroids/internal/clockutil"
	"github.com/steroidsdev/steroids/internal/config"
	"github.com/steroidsdev/steroids/internal/health"
	"github.com/steroidsdev/steroids/internal/idgen"
	"github.com/steroidsdev/steroids/internal/model"
	"github.com/steroidsdev/steroids/internal/store"
)

// Server wires the read-only API's dependencies: the global store (to
// validate/list projects and runners) plus the health config needed to
// reconstruct a detector report on demand.
type Server struct {
	Global     *store.GlobalStore
	HealthCfg  config.HealthConfig
	Logger     *zap.Logger
	Clock      clockutil.Clock
	IDs        idgen.Generator
	Metrics    *Metrics

	detailCache *cache.Cache[[]byte]
	listCache   *cache.Cache[[]byte]
}

func NewServer(global *store.GlobalStore, healthCfg config.HealthConfig, logger *zap.Logger) *Server {
	return &Server{
		Global:      global,
		HealthCfg:   healthCfg,
		Logger:      logger,
		Clock:       clockutil.RealClock{},
		IDs:         idgen.Default,
		Metrics:     NewMetrics(),
		detailCache: cache.New[[]byte](60*time.Second, 256),
		listCache:   cache.New[[]byte](5*time.Minute, 256),
	}
}

// Router builds the chi.Router exposing every endpoint spec.md §6 names.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/incidents", s.handleIncidents)
	r.Get("/runners", s.handleRunners)
	r.Get("/runners/active-tasks", s.handleActiveTasks)
	r.Get("/projects/storage", s.handleStorage)
	r.Handle("/metrics", promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}))
	return r
}

// resolveProject canonicalizes the "project" (or "path") query param and
// checks it against the global store's registered projects. Per spec.md
// §6's validation rule, anything that doesn't resolve to a registered
// path is rejected with 403 rather than silently opening an arbitrary
// directory's store.
func (s *Server) resolveProject(ctx context.Context, raw string) (string, error) {
	if raw == "" {
		return "", errMissingProject
	}
	canonical, err := filepath.Abs(filepath.Clean(raw))
	if err != nil {
		return "", errForbiddenProject
	}

	projects, err := s.Global.Queries().ListProjects(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range projects {
		registered, err := filepath.Abs(filepath.Clean(p.Path))
		if err != nil {
			continue
		}
		if registered == canonical {
			return registered, nil
		}
	}
	return "", errForbiddenProject
}

var (
	errMissingProject   = projectError{status: http.StatusBadRequest, message: "project query parameter is required"}
	errForbiddenProject = projectError{status: http.StatusForbidden, message: "project is not registered"}
)

type projectError struct {
	status  int
	message string
}

func (e projectError) Error() string { return e.message }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if pe, ok := err.(projectError); ok {
		writeJSON(w, pe.status, map[string]string{"error": pe.message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectPath, err := s.resolveProject(ctx, r.URL.Query().Get("project"))
	if err != nil {
		writeError(w, err)
		return
	}

	ps, err := openProjectReadOnly(projectPath)
	if err != nil {
		writeError(w, err)
		return
	}
	defer ps.Close()

	activeTasks, err := ps.Queries().ListActiveTasks(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	taskLocks, err := ps.Queries().ListTaskLocks(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	runners, err := s.Global.Queries().ListRunnersByProject(ctx, projectPath)
	if err != nil {
		writeError(w, err)
		return
	}
	open, err := ps.Queries().ListUnresolvedIncidents(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	reachable := make(map[string]bool, len(runners))
	for _, rn := range runners {
		reachable[rn.ID] = processReachable(rn.PID)
	}

	report := health.Detect(
		health.ProjectSnapshot{ActiveTasks: activeTasks, TaskLocks: taskLocks},
		health.GlobalSnapshot{Runners: runners, RunnerReachable: reachable},
		s.HealthCfg, s.Clock.Now(), len(open),
	)

	resp := map[string]any{"status": report.Status}
	if r.URL.Query().Get("includeSignals") == "true" {
		resp["signals"] = report
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectPath, err := s.resolveProject(ctx, r.URL.Query().Get("project"))
	if err != nil {
		writeError(w, err)
		return
	}

	ps, err := openProjectReadOnly(projectPath)
	if err != nil {
		writeError(w, err)
		return
	}
	defer ps.Close()

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	incidents, err := ps.Queries().ListIncidents(ctx, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	taskFilter := r.URL.Query().Get("task")
	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"

	filtered := make([]model.Incident, 0, len(incidents))
	for _, inc := range incidents {
		if taskFilter != "" && (inc.TaskID == nil || *inc.TaskID != taskFilter) {
			continue
		}
		if unresolvedOnly && inc.ResolvedAt != nil {
			continue
		}
		filtered = append(filtered, inc)
	}

	writeJSON(w, http.StatusOK, filtered)
}

func (s *Server) handleRunners(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runners, err := s.Global.Queries().ListAllRunners(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	projects, err := s.Global.Queries().ListProjects(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	nameByPath := make(map[string]string, len(projects))
	for _, p := range projects {
		nameByPath[p.Path] = p.Name
	}

	type runnerView struct {
		model.Runner
		ProjectName string `json:"projectName"`
	}
	out := make([]runnerView, 0, len(runners))
	for _, rn := range runners {
		out = append(out, runnerView{Runner: rn, ProjectName: nameByPath[rn.ProjectPath]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runners, err := s.Global.Queries().ListAllRunners(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	active := make([]model.Runner, 0, len(runners))
	for _, rn := range runners {
		if rn.CurrentTaskID != nil {
			active = append(active, rn)
		}
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw := r.URL.Query().Get("path")
	if raw == "" {
		s.handleStorageList(ctx, w)
		return
	}

	projectPath, err := s.resolveProject(ctx, raw)
	if err != nil {
		writeError(w, err)
		return
	}

	if cached, ok := s.detailCache.Get(projectPath); ok {
		w.Header().Set("Content-Type", "application/json")
		w.Write(cached)
		return
	}

	breakdown, err := computeStorage(projectPath)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := json.Marshal(breakdown)
	if err != nil {
		writeError(w, err)
		return
	}
	s.detailCache.Set(projectPath, body)
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// handleStorageList answers the bare /projects/storage request with a
// breakdown per registered project, cached for 5 minutes (spec.md §6).
func (s *Server) handleStorageList(ctx context.Context, w http.ResponseWriter) {
	const listKey = "__all__"
	if cached, ok := s.listCache.Get(listKey); ok {
		w.Header().Set("Content-Type", "application/json")
		w.Write(cached)
		return
	}

	projects, err := s.Global.Queries().ListProjects(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	breakdowns := make([]StorageBreakdown, 0, len(projects))
	for _, p := range projects {
		b, err := computeStorage(p.Path)
		if err != nil {
			s.Logger.Warn("skipping project in storage summary", zap.String("project", p.Path), zap.Error(err))
			continue
		}
		breakdowns = append(breakdowns, b)
	}

	body, err := json.Marshal(breakdowns)
	if err != nil {
		writeError(w, err)
		return
	}
	s.listCache.Set(listKey, body)
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func openProjectReadOnly(projectPath string) (*store.ProjectStore, error) {
	dbPath := filepath.Join(config.ProjectStoreDir(projectPath), "steroids.db")
	return store.OpenProjectStoreReadOnly(dbPath)
}
