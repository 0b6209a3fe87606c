package stepifi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// maxUploadBytes bounds a single mesh upload.
const maxUploadBytes = 100 << 20

// Server exposes the polling HTTP API over the orchestration core.
type Server struct {
	store        Store
	queue        *FIFOQueue
	pool         *Pool
	artifacts    *ArtifactStore
	sweeper      *Sweeper
	engineHealth func() error
	cfg          *Config
	logger       *slog.Logger
}

// NewServer wires the HTTP surface. engineHealth reports whether the
// conversion engine binary is available (nil for always-healthy, e.g. tests).
func NewServer(store Store, queue *FIFOQueue, pool *Pool, artifacts *ArtifactStore, sweeper *Sweeper, engineHealth func() error, cfg *Config, logger *slog.Logger) *Server {
	return &Server{
		store:        store,
		queue:        queue,
		pool:         pool,
		artifacts:    artifacts,
		sweeper:      sweeper,
		engineHealth: engineHealth,
		cfg:          cfg,
		logger:       logger,
	}
}

// Router builds the chi router with the middleware stack and all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/api/convert", s.handleConvert)
	r.Get("/api/jobs", s.handleListJobs)
	r.Get("/api/job/{id}", s.handleGetJob)
	r.Delete("/api/job/{id}", s.handleDeleteJob)
	r.Get("/api/download/{id}", s.handleDownload)
	r.Get("/api/stats", s.handleStats)

	return r
}

// handleConvert admits a new conversion job. The record is persisted before
// the job becomes visible to the scheduler, so a crash in between never
// leaves an enqueued-but-unknown job.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart request: "+err.Error())
		return
	}

	file, header, err := r.FormFile("mesh")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "missing mesh file")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext != ".stl" && ext != ".3mf" {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("unsupported file type %q: expected .stl or .3mf", ext))
		return
	}

	tolerance, verr := s.parseTolerance(r.FormValue("tolerance"))
	if verr != nil {
		s.writeError(w, http.StatusBadRequest, verr.Error())
		return
	}
	repair, verr := parseRepair(r.FormValue("repair"))
	if verr != nil {
		s.writeError(w, http.StatusBadRequest, verr.Error())
		return
	}

	id := uuid.NewString()
	inputPath, err := s.artifacts.SaveUpload(id, ext, file)
	if err != nil {
		s.logger.Error("failed to save upload", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	now := time.Now()
	job := &Job{
		ID:           id,
		Status:       JobStatusQueued,
		Progress:     0,
		InputFile:    inputPath,
		OriginalName: header.Filename,
		Tolerance:    tolerance,
		Repair:       repair,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.TTL),
	}

	// Persist first, then enqueue.
	if err := s.store.Put(r.Context(), job); err != nil {
		s.logger.Error("failed to persist job", "jobID", id, "error", err)
		s.artifacts.Remove(job)
		s.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	if err := s.queue.Enqueue(id); err != nil {
		s.logger.Warn("failed to enqueue job", "jobID", id, "error", err)
		s.store.Delete(r.Context(), id)
		s.artifacts.Remove(job)
		s.writeError(w, http.StatusServiceUnavailable, "conversion queue is full, try again later")
		return
	}

	s.logger.Info("job admitted", "jobID", id, "file", header.Filename,
		"tolerance", tolerance, "repair", repair, "expiresAt", job.ExpiresAt)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"jobId":     id,
		"expiresAt": job.ExpiresAt,
	})
}

// parseTolerance rejects an explicitly supplied out-of-range value rather
// than clamping it; an empty or unparsable value falls back to the default.
func (s *Server) parseTolerance(raw string) (float64, *ValidationError) {
	if raw == "" {
		return s.cfg.DefaultTolerance, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return s.cfg.DefaultTolerance, nil
	}
	if v < s.cfg.MinTolerance || v > s.cfg.MaxTolerance {
		return 0, &ValidationError{
			Field: "tolerance",
			Reason: fmt.Sprintf("%g outside allowed range [%g, %g]",
				v, s.cfg.MinTolerance, s.cfg.MaxTolerance),
		}
	}
	return v, nil
}

func parseRepair(raw string) (bool, *ValidationError) {
	switch raw {
	case "":
		return true, nil
	case "true", "1", "on":
		return true, nil
	case "false", "0", "off":
		return false, nil
	}
	return false, &ValidationError{Field: "repair", Reason: "expected true or false"}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job":     jobView(job),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	views := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, jobView(job))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobs":    views,
	})
}

// handleDeleteJob cancels or deletes a job regardless of state. Repeated or
// late requests against an already-deleted job return 404, never an error
// that aborts the caller.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	// A queued reference may still be in the queue; tombstone it either way.
	s.queue.Remove(id)

	if job.Status == JobStatusProcessing && s.pool.Cancel(id) {
		// The owning worker deletes record and artifacts once it observes
		// subprocess termination.
		if _, err := s.store.Merge(r.Context(), id, JobPatch{
			Status:  patchStatus(JobStatusCancelled),
			Message: patchString("cancellation requested"),
		}); err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Warn("failed to mark job cancelled", "jobID", id, "error", err)
		}
		s.logger.Info("job cancellation requested", "jobID", id)
		s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	// Queued or terminal: remove directly.
	if _, err := s.artifacts.Remove(job); err != nil {
		s.logger.Warn("failed to remove artifacts", "jobID", id, "error", err)
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.logger.Error("failed to delete job", "jobID", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}
	s.logger.Info("job deleted", "jobID", id)
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if job.Status != JobStatusCompleted || job.OutputFile == "" {
		s.writeError(w, http.StatusConflict, "conversion output not available")
		return
	}

	name := strings.TrimSuffix(job.OriginalName, filepath.Ext(job.OriginalName))
	if name == "" {
		name = job.ID
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", name+".step"))
	w.Header().Set("Content-Type", "application/step")
	http.ServeFile(w, r, job.OutputFile)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{
		"store":  "ok",
		"engine": "ok",
	}
	if err := s.store.Ping(r.Context()); err != nil {
		services["store"] = "degraded"
	}
	if s.engineHealth != nil {
		if err := s.engineHealth(); err != nil {
			services["engine"] = "unavailable"
		}
	}

	status := http.StatusOK
	overall := "ok"
	if services["store"] != "ok" || services["engine"] != "ok" {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	s.writeJSON(w, status, map[string]any{
		"status":   overall,
		"services": services,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   s.sweeper.Stats(),
	})
}

// jobView is the wire shape of a job for polling clients. expiresIn is the
// whole number of seconds until expiry, never negative.
func jobView(job *Job) map[string]any {
	expiresIn := int64(time.Until(job.ExpiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	view := map[string]any{
		"id":        job.ID,
		"status":    job.Status,
		"progress":  job.Progress,
		"expiresIn": expiresIn,
	}
	if job.Message != "" {
		view["message"] = job.Message
	}
	if job.Error != "" {
		view["error"] = job.Error
	}
	if job.Result != nil {
		view["result"] = job.Result
	}
	return view
}

func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.logger.Error("store error", "error", err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{
		"success": false,
		"error":   msg,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				)
				s.writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
