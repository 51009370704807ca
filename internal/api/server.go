package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/fitsflow/internal/domain"
	"github.com/dunamismax/fitsflow/internal/id"
	"github.com/dunamismax/fitsflow/internal/queue"
	"github.com/dunamismax/fitsflow/internal/storage"
	"github.com/dunamismax/fitsflow/internal/store"
	"github.com/dunamismax/fitsflow/internal/telemetry"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
)

const maxBodyBytes = 1 << 20

type Server struct {
	logger                *log.Logger
	queueClient           queueEnqueuer
	queueName             string
	jobStore              store.JobStore
	storage               objectStorage
	presignTTL            time.Duration
	maxSourceBytes        int64
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	tracer                trace.Tracer
	metrics               *metrics
	mux                   *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueStretch(ctx context.Context, payload queue.StretchPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignSourceUpload(ctx context.Context, objectKey string, ttl time.Duration) (storage.Upload, error)
	StatSource(ctx context.Context, objectKey string) (storage.SourceInfo, error)
}

// Options carries the optional collaborators. Zero values disable the matching feature.
type Options struct {
	Storage               objectStorage
	PresignTTL            time.Duration
	MaxSourceBytes        int64
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
	Tracer                trace.Tracer
	QueueName             string
}

func NewServer(logger *log.Logger, queueClient queueEnqueuer, jobStore store.JobStore, opts Options) *Server {
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.Storage == nil {
		opts.Storage = unavailableObjectStorage{}
	}
	if strings.TrimSpace(opts.RateLimitUserIDHeader) == "" {
		opts.RateLimitUserIDHeader = "X-User-ID"
	}
	if opts.QueueName == "" {
		opts.QueueName = "default"
	}

	s := &Server{
		logger:                logger,
		queueClient:           queueClient,
		queueName:             opts.QueueName,
		jobStore:              jobStore,
		storage:               opts.Storage,
		presignTTL:            opts.PresignTTL,
		maxSourceBytes:        opts.MaxSourceBytes,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserIDHeader,
		tracer:                opts.Tracer,
		metrics:               newMetrics(),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

var errStorageUnavailable = errors.New("object storage is unavailable")

func (unavailableObjectStorage) PresignSourceUpload(_ context.Context, _ string, _ time.Duration) (storage.Upload, error) {
	return storage.Upload{}, errStorageUnavailable
}

func (unavailableObjectStorage) StatSource(_ context.Context, _ string) (storage.SourceInfo, error) {
	return storage.SourceInfo{}, errStorageUnavailable
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/start", s.handleStartJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	jobID := id.NewJob()
	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))
	objectKey := strings.TrimSpace(req.ObjectKey)
	upload := map[string]any{
		"object_key":          objectKey,
		"presigned_url_state": "not_required",
	}

	if sourceType == domain.SourceTypeS3Presigned {
		objectKey = fmt.Sprintf("uploads/%s/source.fits", jobID)
		presigned, err := s.storage.PresignSourceUpload(r.Context(), objectKey, s.presignTTL)
		if err != nil {
			s.logger.Printf("generate presigned url failed job_id=%s err=%v", jobID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate upload URL"})
			return
		}
		upload = map[string]any{
			"object_key":          objectKey,
			"presigned_put_url":   presigned.URL,
			"presigned_url_state": "ready",
			"content_type":        presigned.ContentType,
			"max_bytes":           presigned.MaxBytes,
			"expires_at":          presigned.ExpiresAt,
		}
	}

	job := domain.Job{
		ID:         jobID,
		UserID:     s.userID(r),
		Status:     domain.JobStatusCreated,
		SourceType: sourceType,
		WebhookURL: req.WebhookURL,
		Steps:      req.Steps,
		ObjectKey:  objectKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed job_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}
	s.metrics.observeJobCreated(job)
	trace.SpanFromContext(r.Context()).SetAttributes(telemetry.JobAttributes(job.ID, job.SourceType, len(job.Steps))...)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":    job.ID,
		"status":    job.Status,
		"steps":     len(job.Steps),
		"upload":    upload,
		"start_url": fmt.Sprintf("/v1/jobs/%s/start", job.ID),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"source_type": job.SourceType,
		"object_key":  job.ObjectKey,
		"steps":       job.Steps,
		"created_at":  job.CreatedAt,
		"updated_at":  job.UpdatedAt,
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusCreated {
		writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("job is already %s", job.Status)})
		return
	}

	size, err := s.verifySource(r.Context(), job)
	if err != nil {
		status, reason := sourceRejection(err)
		s.metrics.sourceRejected.WithLabelValues(job.SourceType, reason).Inc()
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	s.metrics.observeSource(job.SourceType, size)
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(telemetry.JobAttributes(job.ID, job.SourceType, len(job.Steps))...)
	span.SetAttributes(telemetry.FITSSourceSizeKey.Int64(size))

	payload := queue.StretchPayload{
		JobID:       job.ID,
		UserID:      job.UserID,
		SourceType:  job.SourceType,
		WebhookURL:  job.WebhookURL,
		ObjectKey:   job.ObjectKey,
		Steps:       job.Steps,
		RequestedAt: time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueueStretch(r.Context(), payload)
	if err != nil {
		s.logger.Printf("enqueue failed job_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue job"})
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(s.queueName).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Printf("update status failed job_id=%s err=%v", job.ID, err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job id is required"})
		return domain.Job{}, false
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return domain.Job{}, false
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return domain.Job{}, false
	}
	return job, true
}

func (s *Server) userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
}

// verifySource returns the size of the job's FITS source, applying the same bounds the worker
// enforces on download.
func (s *Server) verifySource(ctx context.Context, job domain.Job) (int64, error) {
	if job.SourceType != domain.SourceTypeLocalFile {
		info, err := s.storage.StatSource(ctx, job.ObjectKey)
		if err != nil {
			return 0, fmt.Errorf("source check failed: %w", err)
		}
		return info.Size, nil
	}

	info, err := os.Stat(job.ObjectKey)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("source check failed: %w: %s", storage.ErrObjectNotFound, job.ObjectKey)
	}
	if err != nil {
		return 0, fmt.Errorf("source check failed: %w", err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("source check failed: %w: %s is a directory", storage.ErrObjectNotFound, job.ObjectKey)
	}
	return info.Size(), storage.CheckSourceSize(job.ObjectKey, info.Size(), s.maxSourceBytes)
}

func sourceRejection(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrObjectNotFound):
		return http.StatusConflict, "missing"
	case errors.Is(err, storage.ErrObjectTooLarge):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, storage.ErrObjectTooSmall):
		return http.StatusUnprocessableEntity, "too_small"
	case errors.Is(err, errStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	default:
		return http.StatusBadGateway, "storage_error"
	}
}

func decodeJSON(r *http.Request, into any) error {
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
