// Package api exposes the HTTP interface for the crawl pipeline.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shopgraph/crawler/internal/crawl"
	"github.com/shopgraph/crawler/internal/lock"
	"github.com/shopgraph/crawler/internal/metrics"
)

// Server wires HTTP handlers to the stores and the page lock service.
type Server struct {
	router  chi.Router
	domains crawl.DomainStore
	pages   crawl.PageStore
	locks   *lock.Service
	clock   crawl.Clock
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	domains crawl.DomainStore,
	pages crawl.PageStore,
	locks *lock.Service,
	clock crawl.Clock,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		domains: domains,
		pages:   pages,
		locks:   locks,
		clock:   clock,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/domains", func(r chi.Router) {
			r.Get("/", s.listDomains)
			r.Get("/{hostname}", s.getDomain)
		})
		r.Route("/pages/{page_id}", func(r chi.Router) {
			r.Route("/locks/{stage}", func(r chi.Router) {
				r.Get("/", s.getLock)
				r.Post("/", s.acquireLock)
				r.Delete("/", s.releaseLock)
			})
			r.Post("/stages/{stage}/done", s.markStageDone)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The domain store is the hard dependency; if it answers, we are ready.
	if _, err := s.domains.ListActiveDomains(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "domain store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type domainSummary struct {
	Hostname      string     `json:"hostname"`
	Active        bool       `json:"active"`
	LastCrawledAt *time.Time `json:"last_crawled_at,omitempty"`
	QueueSize     int        `json:"queue_size"`
}

func (s *Server) listDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := s.domains.ListActiveDomains(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list domains")
		return
	}
	out := make([]domainSummary, 0, len(domains))
	for _, d := range domains {
		out = append(out, domainSummary{
			Hostname:      d.Hostname,
			Active:        d.Active,
			LastCrawledAt: d.LastCrawledAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": out})
}

func (s *Server) getDomain(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	domain, err := s.domains.GetDomain(r.Context(), hostname)
	if err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			writeError(w, http.StatusNotFound, "domain not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch domain")
		return
	}
	queue, err := s.pages.CountFrontier(r.Context(), domain.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count backlog")
		return
	}
	writeJSON(w, http.StatusOK, domainSummary{
		Hostname:      domain.Hostname,
		Active:        domain.Active,
		LastCrawledAt: domain.LastCrawledAt,
		QueueSize:     queue,
	})
}

func (s *Server) acquireLock(w http.ResponseWriter, r *http.Request) {
	pageID, stage, ok := s.lockParams(w, r)
	if !ok {
		return
	}
	if !s.locks.Acquire(r.Context(), pageID, stage) {
		writeError(w, http.StatusConflict, "stage is locked by another worker")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page_id":     pageID,
		"stage":       string(stage),
		"ttl_seconds": int(s.locks.Timeout().Seconds()),
	})
}

func (s *Server) releaseLock(w http.ResponseWriter, r *http.Request) {
	pageID, stage, ok := s.lockParams(w, r)
	if !ok {
		return
	}
	s.locks.Release(r.Context(), pageID, stage)
	writeJSON(w, http.StatusOK, map[string]any{"page_id": pageID, "stage": string(stage)})
}

func (s *Server) getLock(w http.ResponseWriter, r *http.Request) {
	pageID, stage, ok := s.lockParams(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page_id": pageID,
		"stage":   string(stage),
		"locked":  s.locks.IsLocked(r.Context(), pageID, stage),
	})
}

func (s *Server) markStageDone(w http.ResponseWriter, r *http.Request) {
	pageID, stage, ok := s.lockParams(w, r)
	if !ok {
		return
	}
	if err := s.pages.MarkStageDone(r.Context(), pageID, stage, s.clock.Now()); err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			writeError(w, http.StatusNotFound, "page not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to mark stage done")
		return
	}
	s.locks.Release(r.Context(), pageID, stage)
	writeJSON(w, http.StatusOK, map[string]any{"page_id": pageID, "stage": string(stage)})
}

func (s *Server) lockParams(w http.ResponseWriter, r *http.Request) (int64, crawl.Stage, bool) {
	pageID, err := strconv.ParseInt(chi.URLParam(r, "page_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid page id")
		return 0, "", false
	}
	stage := crawl.Stage(chi.URLParam(r, "stage"))
	switch stage {
	case crawl.StageScreenshot, crawl.StageAnalysis, crawl.StageEmbedding, crawl.StageAttributes:
	default:
		writeError(w, http.StatusBadRequest, "unknown stage")
		return 0, "", false
	}
	return pageID, stage, true
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestIDFrom(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

// requestIDFrom returns the ID stamped by requestIDMiddleware, or an
// empty string when the middleware did not run.
func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
