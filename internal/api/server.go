// Package api exposes the runtime over HTTP: an execute endpoint for REST
// host integrations plus health, stats and event inspection endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"kiln/internal/backend"
	"kiln/internal/events"
	"kiln/internal/execution"
	"kiln/internal/handler"
	"kiln/internal/log"
	"kiln/internal/permission"
)

// Server serves the runtime API.
type Server struct {
	backend  backend.Backend
	registry *handler.Registry
	hub      *events.Hub
	token    string
	logger   *slog.Logger
	started  time.Time

	http *http.Server
}

// NewServer wires the API over a backend. An empty token disables auth.
func NewServer(listen, token string, b backend.Backend, reg *handler.Registry, hub *events.Hub) *Server {
	s := &Server{
		backend:  b,
		registry: reg,
		hub:      hub,
		token:    token,
		logger:   log.WithComponent("api"),
		started:  time.Now(),
	}
	s.http = &http.Server{
		Addr:              listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route tree. Exposed separately so tests can drive it
// without a listener.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/v1/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Post("/v1/execute", s.handleExecute)
		r.Get("/v1/stats", s.handleStats)
		r.Get("/v1/handlers", s.handleHandlers)
		r.Get("/v1/events", s.handleEvents)
	})
	return r
}

// auth enforces a bearer token when one is configured.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// executeRequest is the wire shape of POST /v1/execute.
type executeRequest struct {
	PluginID      string               `json:"plugin_id"`
	PluginVersion string               `json:"plugin_version,omitempty"`
	TenantID      string               `json:"tenant_id"`
	HandlerRef    string               `json:"handler_ref"`
	Input         json.RawMessage      `json:"input,omitempty"`
	TimeoutMs     int64                `json:"timeout_ms,omitempty"`
	Permissions   *permission.Spec     `json:"permissions,omitempty"`
	Workspace     *execution.Workspace `json:"workspace,omitempty"`
	Target        *execution.Target    `json:"target,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeResult(w, "", execution.Failure(execution.CodeValidationError, "malformed request body: "+err.Error(), 0))
		return
	}

	req := &execution.Request{
		ExecutionID: uuid.NewString(),
		RequestID:   middleware.GetReqID(r.Context()),
		Descriptor: execution.PluginDescriptor{
			PluginID:      body.PluginID,
			PluginVersion: body.PluginVersion,
			TenantID:      body.TenantID,
			Host:          execution.HostREST,
			Permissions:   body.Permissions,
			REST: &execution.RESTContext{
				Method: r.Method,
				Path:   r.URL.Path,
			},
		},
		HandlerRef: body.HandlerRef,
		Input:      body.Input,
		Workspace:  execution.Workspace{Type: execution.WorkspaceEphemeral},
		TimeoutMs:  body.TimeoutMs,
		Target:     body.Target,
	}
	if body.Workspace != nil {
		req.Workspace = *body.Workspace
	}

	res := s.backend.Execute(r.Context(), req)
	s.logger.Info("execution finished",
		"execution_id", req.ExecutionID,
		"plugin", body.PluginID,
		"tenant", body.TenantID,
		"ok", res.OK,
		"elapsed_ms", res.ExecutionTimeMs)
	writeResult(w, req.ExecutionID, res)
}

// executionResponse is the wire shape of an execution result. The internal
// stack trace never leaves the process.
type executionResponse struct {
	ExecutionID     string          `json:"execution_id,omitempty"`
	OK              bool            `json:"ok"`
	Data            json.RawMessage `json:"data,omitempty"`
	Error           *wireError      `json:"error,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	Backend         string          `json:"backend,omitempty"`
	WorkerID        string          `json:"worker_id,omitempty"`
}

type wireError struct {
	Code    execution.Code `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeResult(w http.ResponseWriter, executionID string, res *execution.Result) {
	out := executionResponse{
		ExecutionID:     executionID,
		OK:              res.OK,
		Data:            res.Data,
		ExecutionTimeMs: res.ExecutionTimeMs,
		Backend:         res.Backend,
		WorkerID:        res.WorkerID,
	}
	status := http.StatusOK
	if res.Err != nil {
		out.Error = &wireError{Code: res.Err.Code, Message: res.Err.Message, Details: res.Err.Details}
		status = res.Err.Code.HTTPStatus()
	}
	writeJSON(w, status, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": humanize.Time(s.started),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.backend.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"backend": stats,
		"uptime":  humanize.Time(s.started),
	})
}

func (s *Server) handleHandlers(w http.ResponseWriter, r *http.Request) {
	refs := []string{}
	if s.registry != nil {
		refs = s.registry.Refs()
	}
	writeJSON(w, http.StatusOK, map[string]any{"handlers": refs})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var recent []events.Event
	if s.hub != nil {
		n := 50
		if v, err := strconv.Atoi(r.URL.Query().Get("n")); err == nil && v > 0 {
			n = v
		}
		recent = s.hub.Recent(n)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": recent})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe blocks serving the API until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("api listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
