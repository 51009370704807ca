package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/fitsflow/internal/domain"
	"github.com/dunamismax/fitsflow/internal/fits/fitstest"
	"github.com/dunamismax/fitsflow/internal/queue"
	"github.com/dunamismax/fitsflow/internal/ratelimit"
	"github.com/dunamismax/fitsflow/internal/storage"
	"github.com/dunamismax/fitsflow/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
)

func writeSource(t *testing.T, name string) string {
	t.Helper()
	source := filepath.Join(t.TempDir(), name)
	data := fitstest.File{BitPix: 16, Width: 2, Height: 2, Samples: []int16{1, 2, 3, 4}}.Bytes()
	if err := os.WriteFile(source, data, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return source
}

func TestCreateAndStartLocalJob(t *testing.T) {
	source := writeSource(t, "m42.fits")

	queueClient := &fakeQueue{}
	jobStore := store.NewMemoryJobStore()
	srv := newTestServer(queueClient, jobStore, Options{})

	body := `{"source_type":"local_file","object_key":"` + source + `","steps":[{"id":"linear"},{"id":"deep","black":100,"white":4000,"format":"tiff"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	req.Header.Set("X-User-ID", "observer-9")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	var created struct {
		JobID    string `json:"job_id"`
		Status   string `json:"status"`
		StartURL string `json:"start_url"`
	}
	decodeBody(t, rec, &created)
	if created.Status != domain.JobStatusCreated {
		t.Fatalf("expected created status, got %s", created.Status)
	}

	job, ok, _ := jobStore.Get(context.Background(), created.JobID)
	if !ok || job.UserID != "observer-9" || len(job.Steps) != 2 {
		t.Fatalf("unexpected stored job: %+v", job)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, created.StartURL, nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 from start, got %d body=%s", rec.Code, rec.Body.String())
	}
	if len(queueClient.payloads) != 1 {
		t.Fatalf("expected one enqueued payload, got %d", len(queueClient.payloads))
	}
	payload := queueClient.payloads[0]
	if payload.JobID != created.JobID || payload.UserID != "observer-9" || len(payload.Steps) != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+created.JobID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from get, got %d", rec.Code)
	}
	var status struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &status)
	if status.Status != domain.JobStatusQueued {
		t.Fatalf("expected queued status, got %s", status.Status)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, created.StartURL, nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second start, got %d", rec.Code)
	}
}

func TestCreatePresignedJob(t *testing.T) {
	objects := &fakeStorage{url: "https://minio.example.test/upload", maxBytes: 1 << 30}
	srv := newTestServer(&fakeQueue{}, store.NewMemoryJobStore(), Options{Storage: objects})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs",
		strings.NewReader(`{"source_type":"s3_presigned","steps":[{"id":"linear"}]}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}

	var created struct {
		Upload struct {
			ObjectKey   string `json:"object_key"`
			URL         string `json:"presigned_put_url"`
			ContentType string `json:"content_type"`
			MaxBytes    int64  `json:"max_bytes"`
		} `json:"upload"`
	}
	decodeBody(t, rec, &created)
	if created.Upload.URL != objects.url {
		t.Fatalf("unexpected upload url %q", created.Upload.URL)
	}
	if !strings.HasPrefix(created.Upload.ObjectKey, "uploads/") || !strings.HasSuffix(created.Upload.ObjectKey, "/source.fits") {
		t.Fatalf("unexpected object key %q", created.Upload.ObjectKey)
	}
	if created.Upload.ContentType != storage.FITSContentType || created.Upload.MaxBytes != 1<<30 {
		t.Fatalf("unexpected upload constraints %+v", created.Upload)
	}
}

func TestStartJobMissingSource(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	now := time.Now().UTC()
	_ = jobStore.Create(context.Background(), domain.Job{
		ID:         "job-missing",
		Status:     domain.JobStatusCreated,
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job-missing/source.fits",
		Steps:      []domain.StretchStep{{ID: "linear"}},
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	queueClient := &fakeQueue{}
	srv := newTestServer(queueClient, jobStore, Options{Storage: &fakeStorage{}})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/job-missing/start", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if len(queueClient.payloads) != 0 {
		t.Fatal("expected nothing enqueued")
	}
}

func TestStartJobRejectsSource(t *testing.T) {
	tiny := filepath.Join(t.TempDir(), "tiny.fits")
	if err := os.WriteFile(tiny, []byte("SIMPLE"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	tests := []struct {
		name       string
		sourceType string
		objectKey  string
		opts       Options
		want       int
	}{
		{
			name:       "local file shorter than a FITS block",
			sourceType: domain.SourceTypeLocalFile,
			objectKey:  tiny,
			want:       http.StatusUnprocessableEntity,
		},
		{
			name:       "local file over the size limit",
			sourceType: domain.SourceTypeLocalFile,
			objectKey:  writeSource(t, "big.fits"),
			opts:       Options{MaxSourceBytes: 2880},
			want:       http.StatusRequestEntityTooLarge,
		},
		{
			name:       "upload over the size limit",
			sourceType: domain.SourceTypeS3Presigned,
			objectKey:  "uploads/job-x/source.fits",
			opts: Options{Storage: &fakeStorage{
				maxBytes: 2880,
				objects:  map[string]int64{"uploads/job-x/source.fits": 8 << 20},
			}},
			want: http.StatusRequestEntityTooLarge,
		},
		{
			name:       "storage not configured",
			sourceType: domain.SourceTypeS3Presigned,
			objectKey:  "uploads/job-x/source.fits",
			want:       http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobStore := store.NewMemoryJobStore()
			now := time.Now().UTC()
			_ = jobStore.Create(context.Background(), domain.Job{
				ID:         "job-x",
				Status:     domain.JobStatusCreated,
				SourceType: tt.sourceType,
				ObjectKey:  tt.objectKey,
				Steps:      []domain.StretchStep{{ID: "linear"}},
				CreatedAt:  now,
				UpdatedAt:  now,
			})
			queueClient := &fakeQueue{}
			srv := newTestServer(queueClient, jobStore, tt.opts)

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/job-x/start", nil))
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d body=%s", tt.want, rec.Code, rec.Body.String())
			}
			if len(queueClient.payloads) != 0 {
				t.Fatal("expected nothing enqueued")
			}
		})
	}
}

func TestCreateJobValidation(t *testing.T) {
	srv := newTestServer(&fakeQueue{}, store.NewMemoryJobStore(), Options{})

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{`},
		{name: "unknown field", body: `{"source_type":"local_file","object_key":"a.fits","steps":[{"id":"a"}],"pipeline":[]}`},
		{name: "inverted stretch", body: `{"source_type":"local_file","object_key":"a.fits","steps":[{"id":"a","black":500,"white":100}]}`},
		{name: "no steps", body: `{"source_type":"local_file","object_key":"a.fits","steps":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv := newTestServer(&fakeQueue{}, store.NewMemoryJobStore(), Options{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRateLimitChargesPerStep(t *testing.T) {
	limiter := &fakeLimiter{allow: false, retryAfter: 1500 * time.Millisecond, exhausted: ratelimit.BucketFrames}
	srv := newTestServer(&fakeQueue{}, store.NewMemoryJobStore(), Options{RateLimiter: limiter})

	body := `{"source_type":"local_file","object_key":"a.fits","steps":[{"id":"a"},{"id":"b"},{"id":"c"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	req.Header.Set("X-User-ID", "observer-3")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", rec.Header().Get("Retry-After"))
	}
	if limiter.charge != (ratelimit.Charge{Requests: 1, Frames: 3}) {
		t.Fatalf("expected one request and three frames, got %+v", limiter.charge)
	}
	if limiter.subject != "observer-3:/v1/jobs" {
		t.Fatalf("unexpected subject %q", limiter.subject)
	}
	var denied map[string]string
	decodeBody(t, rec, &denied)
	if denied["bucket"] != ratelimit.BucketFrames {
		t.Fatalf("expected frames bucket in response, got %v", denied)
	}
}

func TestRateLimitPreservesBody(t *testing.T) {
	limiter := &fakeLimiter{allow: true}
	srv := newTestServer(&fakeQueue{}, store.NewMemoryJobStore(), Options{RateLimiter: limiter})

	body := `{"source_type":"local_file","object_key":"a.fits","steps":[{"id":"a"}]}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	if limiter.charge != (ratelimit.Charge{Requests: 1, Frames: 1}) {
		t.Fatalf("expected one request and one frame, got %+v", limiter.charge)
	}
}

func TestRateLimiterErrorFailsOpen(t *testing.T) {
	limiter := &fakeLimiter{err: errors.New("redis down")}
	srv := newTestServer(&fakeQueue{}, store.NewMemoryJobStore(), Options{RateLimiter: limiter})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/nope/start", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected request to pass through to 404, got %d", rec.Code)
	}
	if limiter.charge != (ratelimit.Charge{Requests: 1}) {
		t.Fatalf("expected a bare request charge for start, got %+v", limiter.charge)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	source := writeSource(t, "m31.fits")
	srv := newTestServer(&fakeQueue{}, store.NewMemoryJobStore(), Options{Tracer: otel.Tracer("fitsflow/api-test")})

	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	body := `{"source_type":"local_file","object_key":"` + source + `","steps":[{"id":"a"},{"id":"b","format":"tif"},{"id":"c","format":"tiff"}]}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body)))
	var created struct {
		StartURL string `json:"start_url"`
	}
	decodeBody(t, rec, &created)
	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, created.StartURL, nil))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	for _, want := range []string{
		`fitsflow_api_requests_total{method="GET",route="/healthz",status="200"} 1`,
		`fitsflow_api_jobs_created_total{source_type="local_file"} 1`,
		`fitsflow_api_steps_requested_total{format="png"} 1`,
		`fitsflow_api_steps_requested_total{format="tiff"} 2`,
		`fitsflow_api_steps_per_job_count 1`,
		`fitsflow_api_source_bytes_count{source_type="local_file"} 1`,
	} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/v1/jobs":           "/v1/jobs",
		"/v1/jobs/abc":       "/v1/jobs/{id}",
		"/v1/jobs/abc/start": "/v1/jobs/{id}/start",
		"/healthz":           "/healthz",
		"/v1/jobsearch":      "other",
		"/favicon.ico":       "other",
	}
	for path, want := range tests {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func newTestServer(queueClient queueEnqueuer, jobStore store.JobStore, opts Options) *Server {
	return NewServer(log.New(io.Discard, "", 0), queueClient, jobStore, opts)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response: %v body=%s", err, rec.Body.String())
	}
}

type fakeQueue struct {
	payloads []queue.StretchPayload
}

func (q *fakeQueue) EnqueueStretch(_ context.Context, payload queue.StretchPayload) (*asynq.TaskInfo, error) {
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{
		ID:            payload.JobID,
		Queue:         "default",
		State:         asynq.TaskStatePending,
		NextProcessAt: time.Now(),
	}, nil
}

type fakeStorage struct {
	url      string
	maxBytes int64
	objects  map[string]int64
}

func (s *fakeStorage) PresignSourceUpload(_ context.Context, _ string, ttl time.Duration) (storage.Upload, error) {
	return storage.Upload{
		URL:         s.url,
		ContentType: storage.FITSContentType,
		MaxBytes:    s.maxBytes,
		ExpiresAt:   time.Now().Add(ttl).UTC(),
	}, nil
}

func (s *fakeStorage) StatSource(_ context.Context, objectKey string) (storage.SourceInfo, error) {
	size, ok := s.objects[objectKey]
	if !ok {
		return storage.SourceInfo{}, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, objectKey)
	}
	info := storage.SourceInfo{Key: objectKey, Size: size, ContentType: storage.FITSContentType}
	return info, storage.CheckSourceSize(objectKey, size, s.maxBytes)
}

type fakeLimiter struct {
	allow      bool
	retryAfter time.Duration
	exhausted  string
	err        error
	subject    string
	charge     ratelimit.Charge
}

func (l *fakeLimiter) Allow(_ context.Context, subject string, charge ratelimit.Charge) (ratelimit.Decision, error) {
	l.subject = subject
	l.charge = charge
	if l.err != nil {
		return ratelimit.Decision{}, l.err
	}
	decision := ratelimit.Decision{Allowed: l.allow, RetryAfter: l.retryAfter}
	if !l.allow {
		decision.Exhausted = l.exhausted
	}
	return decision, nil
}
