// Copyright 2025 James Ross
// Package statusapi is the Status API: a read-only HTTP surface over the
// Job State Index for polling job and stage status. Grounded on the
// admin API's server/middleware chain shape (Recovery, RequestID, rate
// limiting) with Auth deliberately left unwired — this surface carries
// no destructive operations and authentication is out of scope.
package statusapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flyingrobots/pipeline-orchestrator/internal/config"
	"github.com/flyingrobots/pipeline-orchestrator/internal/jobindex"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
)

// Server is the Status API.
type Server struct {
	cfg   *config.Config
	index *jobindex.Index
	log   *zap.Logger
}

// New builds a Server.
func New(cfg *config.Config, index *jobindex.Index, log *zap.Logger) *Server {
	return &Server{cfg: cfg, index: index, log: log}
}

// Router builds the HTTP router for the status surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(recoveryMiddleware(s.log))
	r.Use(requestIDMiddleware())
	if s.cfg.StatusAPI.RateLimitEnabled {
		r.Use(rateLimitMiddleware(s.cfg.StatusAPI.RateLimitPerMinute, s.cfg.StatusAPI.RateLimitBurst))
	}

	r.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/tasks", s.handleTasks).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

type jobView struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	CompletedStages []pipeline.Stage `json:"completed_stages"`
	Error           string          `json:"error,omitempty"`
}

func toJobView(j pipeline.Job) jobView {
	return jobView{
		ID:              j.ID,
		Status:          string(j.Status),
		CompletedStages: j.CompletedStages,
		Error:           j.Error,
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.index.Lookup(id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.index.List()
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, toJobView(j))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": views})
}

// handleTasks reports each job's current in-flight stage: the first
// canonical stage not yet present in CompletedStages, for in-progress
// jobs only.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	type taskView struct {
		JobID string         `json:"job_id"`
		Stage pipeline.Stage `json:"stage"`
	}

	var tasks []taskView
	for _, j := range s.index.List() {
		if j.Status != pipeline.StatusInProgress {
			continue
		}
		done := make(map[pipeline.Stage]bool, len(j.CompletedStages))
		for _, st := range j.CompletedStages {
			done[st] = true
		}
		for _, st := range pipeline.CanonicalOrder {
			if !done[st] {
				tasks = append(tasks, taskView{JobID: j.ID, Stage: st})
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.index.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"jobs":   stats,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
