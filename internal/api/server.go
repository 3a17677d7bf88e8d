package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelcrawl/internal/crawler"
	"github.com/JakeFAU/novelcrawl/internal/dispatcher"
	"github.com/JakeFAU/novelcrawl/internal/id/uuid"
	"github.com/JakeFAU/novelcrawl/internal/metrics"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	readyTimeout     = 2 * time.Second
)

// Store is what the handlers read.
type Store interface {
	crawler.JobStore
	crawler.WorkStore
	crawler.ChapterStore
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Enqueuer creates pending jobs. *dispatcher.Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, s dispatcher.Submission) (crawler.CrawlJob, error)
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router   chi.Router
	store    Store
	enqueuer Enqueuer
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store Store, enqueuer Enqueuer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    store,
		enqueuer: enqueuer,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/", s.listJobs)
			r.Get("/{job_id}", s.getJob)
		})
		r.Route("/works", func(r chi.Router) {
			r.Get("/", s.findWork)
			r.Get("/{work_id}/chapters", s.listChapters)
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
	if p, ok := s.store.(Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type jobRequest struct {
	URL         string `json:"url"`
	Start       *int   `json:"start"`
	End         *int   `json:"end"`
	RequestedBy string `json:"requested_by"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = "api"
	}
	job, err := s.enqueuer.Enqueue(r.Context(), dispatcher.Submission{
		URL:         req.URL,
		Start:       req.Start,
		End:         req.End,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, dispatcher.ErrInvalidSubmission):
			status = http.StatusBadRequest
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "job": job})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if !uuid.Valid(jobID) {
		writeError(w, http.StatusBadRequest, "job_id must be a UUID")
		return
	}
	job, err := s.store.GetJob(r.Context(), jobID)
	if errors.Is(err, crawler.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var status crawler.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := crawler.ParseJobStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = parsed
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), status, limit)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []crawler.CrawlJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) findWork(w http.ResponseWriter, r *http.Request) {
	sourceURL := r.URL.Query().Get("source_url")
	if sourceURL == "" {
		writeError(w, http.StatusBadRequest, "source_url is required")
		return
	}
	if normalized, err := crawler.NormalizeURL(sourceURL); err == nil {
		sourceURL = normalized
	}
	work, err := s.store.FindWorkBySourceURL(r.Context(), sourceURL)
	if errors.Is(err, crawler.ErrNotFound) {
		writeError(w, http.StatusNotFound, "work not found")
		return
	}
	if err != nil {
		s.logger.Error("find work failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load work")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"work": work})
}

type chapterSummary struct {
	ID          string    `json:"id"`
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Length      int       `json:"length"`
	ContentHash string    `json:"content_hash,omitempty"`
	SourceURL   string    `json:"source_url,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// listChapters reports stored chapters without their bodies.
func (s *Server) listChapters(w http.ResponseWriter, r *http.Request) {
	workID := chi.URLParam(r, "work_id")
	chapters, err := s.store.ListChapters(r.Context(), workID)
	if err != nil {
		s.logger.Error("list chapters failed", zap.String("work_id", workID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list chapters")
		return
	}
	out := make([]chapterSummary, 0, len(chapters))
	for _, ch := range chapters {
		out = append(out, chapterSummary{
			ID:          ch.ID,
			Number:      ch.Number,
			Title:       ch.Title,
			Length:      ch.Length(),
			ContentHash: ch.ContentHash,
			SourceURL:   ch.SourceURL,
			UpdatedAt:   ch.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"work_id": workID, "count": len(out), "chapters": out})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
