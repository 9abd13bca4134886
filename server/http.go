// Package server exposes the reading cache over localhost HTTP so the
// viewer layer can consume it. It is a thin JSON mapping over the
// offline.Cache facade; no cache logic lives here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	readercache "github.com/wolfeidau/reader-cache"
	"github.com/wolfeidau/reader-cache/netmon"
	"github.com/wolfeidau/reader-cache/offline"
	"github.com/wolfeidau/reader-cache/remote"
	"github.com/wolfeidau/reader-cache/store/recorddb"
	"github.com/wolfeidau/reader-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., "127.0.0.1:8787")
	Address string

	// Cache is the reading cache facade.
	Cache *offline.Cache

	// Monitor receives connectivity readings pushed by the platform.
	Monitor *netmon.Monitor

	// Logger for the server.
	Logger *slog.Logger
}

// Server is the HTTP server for the reading cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	cache      *offline.Cache
	monitor    *netmon.Monitor
	jobs       *jobRegistry
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8787"
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		cache:   cfg.Cache,
		monitor: cfg.Monitor,
		jobs:    newJobRegistry(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // long timeout for blob downloads
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /documents", s.handleListDocuments)
	mux.HandleFunc("DELETE /documents", s.handleClearAll)
	mux.HandleFunc("GET /documents/{id}/pages/{page}", s.handleReadPage)
	mux.HandleFunc("GET /documents/{id}/pages", s.handleCachedPages)
	mux.HandleFunc("GET /documents/{id}/blob", s.handleBlob)
	mux.HandleFunc("GET /documents/{id}/progress", s.handleGetProgress)
	mux.HandleFunc("PUT /documents/{id}/progress", s.handlePutProgress)
	mux.HandleFunc("POST /documents/{id}/prefetch", s.handlePrefetch)
	mux.HandleFunc("DELETE /documents/{id}", s.handleEvict)

	mux.HandleFunc("GET /prefetch/{job}", s.handleJobStatus)

	// The platform pushes connectivity readings here.
	mux.HandleFunc("POST /network", s.handleNetwork)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.cache.ListCachedDocuments(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []*readercache.MetadataRecord{}
	}
	s.writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleReadPage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}
	page, err := strconv.Atoi(r.PathValue("page"))
	if err != nil || page < 1 {
		http.Error(w, "invalid page number", http.StatusBadRequest)
		return
	}

	content, err := s.cache.ReadPage(r.Context(), id, page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, content)
}

func (s *Server) handleCachedPages(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}

	pages, err := s.cache.CachedPageNumbers(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if pages == nil {
		pages = []int{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"document_id": id, "pages": pages})
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}

	raw, err := s.cache.OpenBlob(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	_, _ = w.Write(raw)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}

	rec, err := s.cache.ResolveProgress(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec == nil {
		http.Error(w, "no progress recorded", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePutProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}

	var body struct {
		Page        int     `json:"page"`
		ScrollRatio float64 `json:"scroll_ratio"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Page < 1 {
		http.Error(w, "invalid page number", http.StatusBadRequest)
		return
	}

	if err := s.cache.SaveProgress(r.Context(), id, body.Page, body.ScrollRatio); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}

	job, err := s.cache.Prefetch(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.jobs.track(job)
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"document_id": id,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(r.PathValue("job"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	status, ok := s.jobs.status(jobID)
	if !ok {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}

	if err := s.cache.EvictDocument(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.ClearAllCachedData(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		http.Error(w, "no monitor configured", http.StatusNotFound)
		return
	}

	var body struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	s.monitor.SetOnline(body.Online)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) documentID(w http.ResponseWriter, r *http.Request) (readercache.DocumentID, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		http.Error(w, "invalid document id", http.StatusBadRequest)
		return 0, false
	}
	return readercache.DocumentID(id), true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response failed", "error", err)
	}
}

// writeError maps cache errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, readercache.ErrPageUnavailableOffline):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, recorddb.ErrNotFound), errors.Is(err, remote.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, readercache.ErrDigestMismatch):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), 499)
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// loggingMiddleware logs HTTP requests with structured fields.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code
// and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
