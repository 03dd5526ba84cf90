package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"dataset-publisher/internal/models"
	"dataset-publisher/internal/ratelimit"
	"dataset-publisher/internal/service"
	"dataset-publisher/internal/telemetry"
)

// OwnerHeader names the submitting user. Submissions are rate limited per owner.
const OwnerHeader = "X-Owner"

// Limiter throttles submissions per owner.
type Limiter interface {
	Allow(ctx context.Context, owner string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the publish API.
type Server struct {
	svc     *service.Service
	limiter Limiter
	logger  *zap.Logger
}

// New constructs the API server. A nil limiter disables rate limiting.
func New(svc *service.Service, limiter Limiter, logger *zap.Logger) *Server {
	return &Server{
		svc:     svc,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/publish", s.handleSubmit)
	r.Get("/search", s.handleSearch)
	r.Get("/stats", s.handleStats)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/events", s.handleEvents)
		r.Get("/{id}/download", s.handleDownload)
		r.Post("/{id}/retry", s.handleRetry)
		r.Post("/{id}/renew", s.handleRenew)
		r.Post("/{id}/cancel", s.handleCancel)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Health(r.Context()); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if owner := r.Header.Get(OwnerHeader); owner != "" {
		req.Owner = owner
	}
	if req.Owner == "" {
		req.Owner = service.DefaultOwner
	}

	if s.limiter != nil {
		decision, err := s.limiter.Allow(r.Context(), req.Owner)
		if err != nil {
			s.logger.Error("rate limiter unavailable", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			if decision.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	var state *models.State
	if v := r.URL.Query().Get("state"); v != "" {
		state = models.Ptr(models.State(v))
	}
	jobs, err := s.svc.List(r.Context(), state, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": orEmpty(jobs)})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	jobs, err := s.svc.Search(r.Context(), r.URL.Query().Get("file"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": orEmpty(jobs)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []models.JobEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rc, size, job, err := s.svc.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(job.DestinationPath)))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("download interrupted", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.RequestRetry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type renewRequest struct {
	ExpiresAt     *time.Time `json:"expires_at"`
	ExtendSeconds int64      `json:"extend_seconds"`
}

// handleRenew sets an absolute expiry, or extends the current one (or now,
// if that has already passed) by extend_seconds.
func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	var target time.Time
	switch {
	case req.ExpiresAt != nil && req.ExtendSeconds != 0:
		writeError(w, http.StatusBadRequest, "set either expires_at or extend_seconds, not both")
		return
	case req.ExpiresAt != nil:
		target = *req.ExpiresAt
	case req.ExtendSeconds > 0:
		job, err := s.svc.Get(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		base := time.Now().UTC()
		if job.ExpiresAt != nil && job.ExpiresAt.After(base) {
			base = *job.ExpiresAt
		}
		target = base.Add(time.Duration(req.ExtendSeconds) * time.Second)
	default:
		writeError(w, http.StatusBadRequest, "expires_at or a positive extend_seconds is required")
		return
	}
	job, err := s.svc.RequestRenewal(r.Context(), id, target)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Cancel(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "id": id})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// fail maps domain errors to status codes. Anything unrecognised is a 500
// and is logged, since the client cannot act on it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var (
		notFound   *models.NotFoundError
		conflict   *models.ConflictError
		policy     *models.PolicyViolationError
		invalid    *models.InvalidStateError
		retryLimit *models.RetryLimitError
		validation *models.ValidationError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &policy):
		return http.StatusUnprocessableEntity
	case errors.As(err, &invalid), errors.As(err, &retryLimit):
		return http.StatusConflict
	case errors.As(err, &validation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 100, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func orEmpty(jobs []models.PublishJob) []models.PublishJob {
	if jobs == nil {
		return []models.PublishJob{}
	}
	return jobs
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
