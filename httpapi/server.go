// Package httpapi exposes the read-only control-plane surface plus the
// three write operations callers need: submitting a goal, inserting a
// task directly, and the admin kill switch. It is a thin façade over the store; all scheduling
// behavior lives in the workers and the orchestrator.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/petrijr/phoenix/internal/logging"
	"github.com/petrijr/phoenix/internal/persistence"
	"github.com/petrijr/phoenix/pkg/api"
)

// Config parameterizes a Server.
type Config struct {
	// Submit creates a workflow for a goal; usually phoenix.SubmitGoal
	// partially applied over the store. Required for POST /workflows.
	Submit func(ctx context.Context, goal string) (*api.Workflow, error)

	// Kill, when set, is invoked by POST /admin/kill. The watchdog
	// wires this to terminate the orchestrator process under its
	// control; the endpoint exists to demonstrate recovery.
	Kill func() error

	// Logger receives request-level events; slog.Default() when nil.
	Logger *slog.Logger
}

// Server serves the control-plane API.
type Server struct {
	store  persistence.Store
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
}

// New constructs a Server with its routes registered.
func New(store persistence.Store, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		store:  store,
		cfg:    cfg,
		logger: cfg.Logger.With(logging.ComponentKey, "API"),
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /workers", s.listWorkers)
	s.mux.HandleFunc("GET /tasks", s.listTasks)
	s.mux.HandleFunc("GET /workflows", s.listWorkflows)
	s.mux.HandleFunc("GET /workflows/{id}", s.getWorkflow)
	s.mux.HandleFunc("GET /workflows/{id}/tasks", s.listWorkflowTasks)
	s.mux.HandleFunc("GET /logs", s.listLogs)
	s.mux.HandleFunc("POST /workflows", s.submitWorkflow)
	s.mux.HandleFunc("POST /tasks", s.submitTask)
	s.mux.HandleFunc("POST /admin/kill", s.adminKill)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if workers == nil {
		workers = []*api.WorkerRegistration{}
	}
	s.writeJSON(w, http.StatusOK, workers)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	filter := persistence.TaskFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = api.TaskStatus(status)
	}

	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*api.Task{}
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.store.ListWorkflows(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if workflows == nil {
		workflows = []*api.Workflow{}
	}
	s.writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.store.GetWorkflow(r.Context(), r.PathValue("id"))
	if errors.Is(err, persistence.ErrWorkflowNotFound) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

func (s *Server) listWorkflowTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context(), persistence.TaskFilter{
		WorkflowID: r.PathValue("id"),
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*api.Task{}
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	filter := persistence.LogFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Limit:      100,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	logs, err := s.store.ListLogs(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []*api.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}

type submitRequest struct {
	Goal string `json:"goal"`
}

func (s *Server) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Submit == nil {
		s.writeError(w, http.StatusNotImplemented, "submission not configured")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Goal == "" {
		s.writeError(w, http.StatusBadRequest, "goal is required")
		return
	}

	wf, err := s.cfg.Submit(r.Context(), req.Goal)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.InfoContext(r.Context(), "workflow submitted",
		slog.String(logging.WorkflowIDKey, wf.ID))
	s.writeJSON(w, http.StatusCreated, wf)
}

// submitTask inserts a task document as given, for callers that manage
// their own workflow documents and ids.
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var task api.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if task.ID == "" || task.WorkflowID == "" || task.Type == "" {
		s.writeError(w, http.StatusBadRequest, "id, workflow_id, and type are required")
		return
	}

	err := s.store.InsertTask(r.Context(), &task)
	if errors.Is(err, persistence.ErrDuplicateID) {
		s.writeError(w, http.StatusConflict, "task id already exists")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	created, err := s.store.GetTask(r.Context(), task.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) adminKill(w http.ResponseWriter, r *http.Request) {
	// The kill switch is logged straight to the store so the recovery
	// that follows can be traced from the same place.
	_ = s.store.AppendLog(r.Context(), &api.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     api.LogWarn,
		Component: "Watchdog",
		Message:   "kill switch activated - terminating orchestrator",
	})

	if s.cfg.Kill != nil {
		if err := s.cfg.Kill(); err != nil {
			s.writeJSON(w, http.StatusInternalServerError, map[string]any{
				"killed": false,
				"error":  err.Error(),
			})
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"killed":    true,
		"timestamp": time.Now().UTC(),
	})
}
