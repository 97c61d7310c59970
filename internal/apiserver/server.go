// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package apiserver exposes the thin HTTP surface fixed by spec §6: task
// submission/lookup, agent registration, and a Prometheus metrics
// endpoint. It is explicitly a collaborator, not part of the core (spec
// §1) — it only translates HTTP requests into calls against
// pkg/orchestrator and pkg/registry and never holds its own state.
package apiserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	orcherr "github.com/taskmesh/core/pkg/errors"
	"github.com/taskmesh/core/pkg/httputil"
	"github.com/taskmesh/core/pkg/orchestrator"
	"github.com/taskmesh/core/pkg/registry"
	"github.com/taskmesh/core/pkg/resources"
)

const maxRequestBodyBytes = 1 << 20 // 1 MiB

// Orchestrator is the subset of *orchestrator.Orchestrator the server calls.
type Orchestrator interface {
	SubmitTask(input orchestrator.TaskInput) (string, error)
	GetTask(id string) (orchestrator.Task, error)
	Metrics() orchestrator.Metrics
}

// Registry is the subset of *registry.Registry the server calls.
type Registry interface {
	Register(a registry.Agent) error
}

// Config controls auth and address for the server; Router builds the
// http.Handler, ListenAndServe/Shutdown are left to the caller (cmd) so
// tests can exercise the handler via httptest without binding a socket.
type Config struct {
	// AuthEnabled guards POST /agents/register and POST /tasks behind a
	// bearer token. Spec §1 calls the authentication subsystem a stub
	// that is out of scope unless configured; default is disabled.
	AuthEnabled bool
	JWTSecret   string
}

// Server wraps an http.ServeMux with the routes fixed by spec §6.
type Server struct {
	mux    *http.ServeMux
	cfg    Config
	orch   Orchestrator
	reg    Registry
	logger *slog.Logger
}

// New builds a Server. logger may be nil to use slog.Default().
func New(cfg Config, orch Orchestrator, reg Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mux:    http.NewServeMux(),
		cfg:    cfg,
		orch:   orch,
		reg:    reg,
		logger: logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /agents/register", s.guard(s.handleRegisterAgent))
	s.mux.HandleFunc("POST /tasks", s.guard(s.handleSubmitTask))
	s.mux.HandleFunc("GET /tasks/{taskId}", s.handleGetTask)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// ServeHTTP implements http.Handler, applying request logging around the
// route mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		s.logger.Info("request completed",
			"method", r.Method, "path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	}()
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerAgentRequest struct {
	ID           string           `json:"id"`
	Endpoint     string           `json:"endpoint"`
	Capabilities []capabilityJSON `json:"capabilities"`
	Status       registry.Status  `json:"status,omitempty"`
}

type capabilityJSON struct {
	Name    string   `json:"name"`
	Methods []string `json:"methods"`
	Version string   `json:"version"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}

	caps := make([]registry.Capability, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps = append(caps, registry.Capability{Name: c.Name, Methods: c.Methods, Version: c.Version})
	}

	err := s.reg.Register(registry.Agent{
		ID:           req.ID,
		Endpoint:     req.Endpoint,
		Capabilities: caps,
		Status:       req.Status,
	})
	if err != nil {
		s.writeDomainError(w, err, map[string]any{"success": false})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

type submitTaskRequest struct {
	Method              string                `json:"method"`
	Params              any                   `json:"params"`
	SourceAgent         string                `json:"sourceAgent,omitempty"`
	TargetAgent         string                `json:"targetAgent,omitempty"`
	ResourceRequirement resources.Requirement `json:"resourceRequirement,omitempty"`
	Dependencies        []string              `json:"dependencies,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}

	taskID, err := s.orch.SubmitTask(orchestrator.TaskInput{
		Method:              req.Method,
		Params:              req.Params,
		SourceAgent:         req.SourceAgent,
		TargetAgent:         req.TargetAgent,
		ResourceRequirement: req.ResourceRequirement,
		Dependencies:        req.Dependencies,
	})
	if err != nil {
		s.writeDomainError(w, err, map[string]any{"success": false})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"taskId": taskID})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	task, err := s.orch.GetTask(taskID)
	if err != nil {
		var nf *orcherr.NotFoundError
		if errors.As(err, &nf) {
			httputil.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": task.Status})
}

// writeDomainError maps a typed orcherr.* into the HTTP status the spec's
// error kinds imply, merging extra into the body alongside "error".
func (s *Server) writeDomainError(w http.ResponseWriter, err error, extra map[string]any) {
	status := http.StatusBadRequest
	var nf *orcherr.NotFoundError
	var ae *orcherr.AlreadyExistsError
	var insuf *orcherr.InsufficientResourcesError
	var qf *orcherr.QueueFullError
	var nca *orcherr.NoCapableAgentError
	switch {
	case errors.As(err, &nf):
		status = http.StatusNotFound
	case errors.As(err, &ae):
		status = http.StatusConflict
	case errors.As(err, &insuf), errors.As(err, &qf), errors.As(err, &nca):
		status = http.StatusServiceUnavailable
	}
	body := map[string]any{"error": err.Error()}
	for k, v := range extra {
		body[k] = v
	}
	httputil.WriteJSON(w, status, body)
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	body := io.LimitReader(r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
