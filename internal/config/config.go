package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backends selectable through JOB_STORE, QUEUE_BACKEND and ARTIFACT_STORE.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendSupabase = "supabase"
	BackendS3       = "s3"
)

// DefaultAllowedMediaDomains are the stock media, audio sample and speech CDNs
// the renderer may download from.
var DefaultAllowedMediaDomains = []string{
	"images.pexels.com",
	"videos.pexels.com",
	"cdn.pixabay.com",
	"pixabay.com",
	"cdn.freesound.org",
	"freesound.org",
	"api.elevenlabs.io",
	"storage.googleapis.com",
}

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	PublicBaseURL      string // Prefix for locally served artifact URLs (empty = relative)

	// Logging
	LogLevel  string
	LogFormat string // "console" or "json"

	// Backends
	JobStore      string // memory | redis | postgres
	QueueBackend  string // memory | redis
	ArtifactStore string // local | supabase | s3

	// Database
	DatabaseURL string

	// Redis
	RedisURL     string
	JobRetention time.Duration

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// S3 / MinIO
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool
	S3Region    string
	S3PublicURL string

	// Rendering
	WorkDir              string
	OutputDir            string
	FFmpegPath           string
	FFprobePath          string
	FFmpegPreset         string
	VideoFPS             int
	NormalizeConcurrency int
	MaxClipDuration      time.Duration // Upper bound per media item, 0 = unbounded
	RenderJobTimeout     time.Duration // 0 = no deadline

	// Fetching
	AllowedMediaDomains []string
	FetchTimeout        time.Duration
	FetchMaxBytes       int64
	DownloadConcurrency int

	// Worker
	MaxConcurrentJobs int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		PublicBaseURL:         strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "console"),
		JobStore:              strings.ToLower(getEnv("JOB_STORE", BackendMemory)),
		QueueBackend:          strings.ToLower(getEnv("QUEUE_BACKEND", BackendMemory)),
		ArtifactStore:         strings.ToLower(getEnv("ARTIFACT_STORE", BackendLocal)),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		JobRetention:          getEnvDuration("JOB_RETENTION", 24*time.Hour),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "rendered-videos"),
		S3Endpoint:            getEnv("S3_ENDPOINT", ""),
		S3AccessKey:           getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:           getEnv("S3_SECRET_KEY", ""),
		S3Bucket:              getEnv("S3_BUCKET", "rendered-videos"),
		S3UseSSL:              getEnvBool("S3_USE_SSL", true),
		S3Region:              getEnv("S3_REGION", "us-east-1"),
		S3PublicURL:           strings.TrimRight(getEnv("S3_PUBLIC_URL", ""), "/"),
		WorkDir:               getEnv("WORK_DIR", os.TempDir()),
		OutputDir:             getEnv("OUTPUT_DIR", "data/videos"),
		FFmpegPath:            getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:           getEnv("FFPROBE_PATH", "ffprobe"),
		FFmpegPreset:          getEnv("FFMPEG_PRESET", "veryfast"),
		VideoFPS:              getEnvInt("VIDEO_FPS", 30),
		NormalizeConcurrency:  getEnvInt("NORMALIZE_CONCURRENCY", 1),
		MaxClipDuration:       getEnvDuration("MAX_CLIP_DURATION", 10*time.Minute),
		RenderJobTimeout:      getEnvDuration("RENDER_JOB_TIMEOUT", 30*time.Minute),
		AllowedMediaDomains:   getEnvList("ALLOWED_MEDIA_DOMAINS", DefaultAllowedMediaDomains),
		FetchTimeout:          getEnvDuration("FETCH_TIMEOUT", 60*time.Second),
		FetchMaxBytes:         int64(getEnvInt("FETCH_MAX_BYTES", 512<<20)),
		DownloadConcurrency:   getEnvInt("DOWNLOAD_CONCURRENCY", 4),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", 2),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field requirements of the selected backends.
func (c *Config) Validate() error {
	switch c.JobStore {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when JOB_STORE=postgres")
		}
	default:
		return fmt.Errorf("unknown JOB_STORE %q (want memory, redis or postgres)", c.JobStore)
	}

	switch c.QueueBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q (want memory or redis)", c.QueueBackend)
	}

	// A memory store cannot be shared with a separate API process
	if c.JobStore == BackendMemory && c.QueueBackend == BackendRedis {
		return fmt.Errorf("QUEUE_BACKEND=redis requires a shared JOB_STORE (redis or postgres)")
	}

	// Nothing else can drain an in-process queue
	if !c.WorkerEnabled && c.QueueBackend == BackendMemory {
		return fmt.Errorf("WORKER_ENABLED=false requires QUEUE_BACKEND=redis")
	}

	switch c.ArtifactStore {
	case BackendLocal:
	case BackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required when ARTIFACT_STORE=supabase")
		}
	case BackendS3:
		if c.S3Endpoint == "" || c.S3AccessKey == "" || c.S3SecretKey == "" {
			return fmt.Errorf("S3_ENDPOINT, S3_ACCESS_KEY and S3_SECRET_KEY are required when ARTIFACT_STORE=s3")
		}
	default:
		return fmt.Errorf("unknown ARTIFACT_STORE %q (want local, supabase or s3)", c.ArtifactStore)
	}

	if len(c.AllowedMediaDomains) == 0 {
		return fmt.Errorf("ALLOWED_MEDIA_DOMAINS must not be empty")
	}
	if c.VideoFPS <= 0 {
		return fmt.Errorf("VIDEO_FPS must be positive")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive")
	}
	if c.MaxConcurrentJobs < 1 {
		c.MaxConcurrentJobs = 1
	}
	if c.NormalizeConcurrency < 1 {
		c.NormalizeConcurrency = 1
	}
	if c.DownloadConcurrency < 1 {
		c.DownloadConcurrency = 1
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "30m") or plain seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
