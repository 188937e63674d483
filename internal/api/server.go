// Package api exposes the pipeline over HTTP: upload a protocol/eCRF pair,
// poll run status, download the rendered workbook.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clindoc/ptdgen/internal/pipeline"
	"github.com/clindoc/ptdgen/internal/render"
)

const maxUploadBytes = 64 << 20

// Server is the HTTP API server.
type Server struct {
	router   chi.Router
	pipeline *pipeline.Pipeline
	renderer *render.Renderer
	runs     *pipeline.RunStore
	log      *slog.Logger
}

// NewServer wires the pipeline and run registry into the router.
func NewServer(p *pipeline.Pipeline, r *render.Renderer, runs *pipeline.RunStore, log *slog.Logger) *Server {
	s := &Server{
		pipeline: p,
		renderer: r,
		runs:     runs,
		log:      log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	r.Get("/health", s.handleHealth)

	r.Post("/api/runs", s.handleCreateRun)
	r.Get("/api/runs/{runID}", s.handleRunStatus)
	r.Get("/api/runs/{runID}/workbook", s.handleWorkbook)

	s.router = r
}

// CleanupLoop evicts expired runs until the context is cancelled.
func (s *Server) CleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runs.Cleanup()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func formPart(r *http.Request, field string) (multipart.File, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("%s file is required: %w", field, err)
	}
	return f, nil
}

// handleCreateRun accepts a multipart upload with "protocol" and "ecrf" JSON
// parts and runs the pipeline synchronously. Failed runs are registered too,
// so the client can read the failure reason from the status endpoint.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	protocol, err := formPart(r, "protocol")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer protocol.Close()

	ecrf, err := formPart(r, "ecrf")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer ecrf.Close()

	run := pipeline.NewRun()
	s.runs.Put(run)

	res, err := s.pipeline.Run(protocol, ecrf)
	if err != nil {
		run.Fail(err)
		s.log.Warn("run failed", "run_id", run.ID, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, run.Snapshot())
		return
	}
	workbook, err := s.renderer.Bytes(res)
	if err != nil {
		run.Fail(err)
		s.log.Error("workbook render failed", "run_id", run.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, run.Snapshot())
		return
	}
	run.Complete(res, workbook)

	writeJSON(w, http.StatusCreated, map[string]any{
		"run":          run.Snapshot(),
		"status_url":   fmt.Sprintf("/api/runs/%s", run.ID),
		"workbook_url": fmt.Sprintf("/api/runs/%s/workbook", run.ID),
	})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	run := s.runs.Get(chi.URLParam(r, "runID"))
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run.Snapshot())
}

func (s *Server) handleWorkbook(w http.ResponseWriter, r *http.Request) {
	run := s.runs.Get(chi.URLParam(r, "runID"))
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	workbook := run.Workbook()
	if workbook == nil {
		jsonError(w, "workbook not available", http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "ptd_"+run.ID+".xlsx"))
	w.Write(workbook)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
