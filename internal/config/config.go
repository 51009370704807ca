package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/dunamismax/fitsflow/internal/ratelimit"
	"github.com/dunamismax/fitsflow/internal/storage"
	"github.com/dunamismax/fitsflow/internal/telemetry"
	"github.com/dunamismax/fitsflow/internal/webhook"
	"github.com/hibiken/asynq"
)

type Config struct {
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Trace     TraceConfig
	RateLimit RateLimitConfig
	Webhook   webhook.Config
}

type APIConfig struct {
	Addr       string
	PresignTTL time.Duration
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int
	MaxActiveJobs  int
	LocalOutputDir string
	OutputPrefix   string
	MetricsAddr    string
	MaxSourceBytes int64
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Client builds the MinIO settings. maxSourceBytes bounds uploaded FITS sources.
func (s StorageConfig) Client(maxSourceBytes int64) storage.Config {
	return storage.Config{
		Endpoint:       s.Endpoint,
		Access:         s.AccessKey,
		Secret:         s.SecretKey,
		Bucket:         s.Bucket,
		UseSSL:         s.UseSSL,
		MaxSourceBytes: maxSourceBytes,
	}
}

type DatabaseConfig struct {
	DSN string
}

type TraceConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

// Telemetry builds the tracer settings for one binary.
func (t TraceConfig) Telemetry(serviceName string) telemetry.TraceConfig {
	return telemetry.TraceConfig{
		ServiceName:  serviceName,
		Exporter:     t.Exporter,
		OTLPEndpoint: t.OTLPEndpoint,
		OTLPInsecure: t.OTLPInsecure,
		SampleRatio:  t.SampleRatio,
	}
}

// RateLimitConfig sizes the per-subject request bucket and the frame bucket that job creation
// draws one token per stretch step from.
type RateLimitConfig struct {
	Enabled       bool
	Capacity      int
	Window        time.Duration
	FrameCapacity int
	FrameWindow   time.Duration
	UserIDHeader  string
	KeyPrefix     string
}

func (r RateLimitConfig) Limits() ratelimit.Config {
	return ratelimit.Config{
		Requests:  ratelimit.Limit{Capacity: r.Capacity, Window: r.Window},
		Frames:    ratelimit.Limit{Capacity: r.FrameCapacity, Window: r.FrameWindow},
		KeyPrefix: r.KeyPrefix,
	}
}

func Load() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:       env("FITSFLOW_API_ADDR", ":8080"),
			PresignTTL: envDuration("FITSFLOW_PRESIGN_TTL", 15*time.Minute),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs:  envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			LocalOutputDir: env("WORKER_LOCAL_OUTPUT_DIR", "./.fitsflow-output"),
			OutputPrefix:   env("WORKER_OUTPUT_PREFIX", "renders"),
			MetricsAddr:    env("WORKER_METRICS_ADDR", ":9091"),
			MaxSourceBytes: int64(envInt("FITSFLOW_MAX_SOURCE_BYTES", 512<<20)),
		},
		Storage: StorageConfig{
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "fitsflow-jobs"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Trace: TraceConfig{
			Exporter:     env("TRACE_EXPORTER", "none"),
			OTLPEndpoint: env("TRACE_OTLP_ENDPOINT", "localhost:4318"),
			OTLPInsecure: envBool("TRACE_OTLP_INSECURE", true),
			SampleRatio:  envFloat("TRACE_SAMPLE_RATIO", 1),
		},
		RateLimit: RateLimitConfig{
			Enabled:       envBool("RATE_LIMIT_ENABLED", true),
			Capacity:      envInt("RATE_LIMIT_CAPACITY", 120),
			Window:        envDuration("RATE_LIMIT_WINDOW", time.Minute),
			FrameCapacity: envInt("RATE_LIMIT_FRAME_CAPACITY", 600),
			FrameWindow:   envDuration("RATE_LIMIT_FRAME_WINDOW", time.Hour),
			UserIDHeader:  env("RATE_LIMIT_USER_HEADER", "X-User-ID"),
			KeyPrefix:     env("RATE_LIMIT_KEY_PREFIX", "fitsflow:ratelimit"),
		},
		Webhook: webhook.Config{
			SigningSecret:  env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:        envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("WEBHOOK_MAX_BACKOFF", 10*time.Second),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
