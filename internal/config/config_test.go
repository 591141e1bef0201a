package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JOB_STORE", "")
	t.Setenv("QUEUE_BACKEND", "")
	t.Setenv("ARTIFACT_STORE", "")
	t.Setenv("ALLOWED_MEDIA_DOMAINS", "")
	t.Setenv("RENDER_JOB_TIMEOUT", "")
	t.Setenv("MAX_CLIP_DURATION", "")
	t.Setenv("WORKER_ENABLED", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.JobStore)
	assert.Equal(t, BackendMemory, cfg.QueueBackend)
	assert.Equal(t, BackendLocal, cfg.ArtifactStore)
	assert.Equal(t, DefaultAllowedMediaDomains, cfg.AllowedMediaDomains)
	assert.Equal(t, 30*time.Minute, cfg.RenderJobTimeout)
	assert.Equal(t, 10*time.Minute, cfg.MaxClipDuration)
	assert.True(t, cfg.WorkerEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JOB_STORE", "Redis")
	t.Setenv("QUEUE_BACKEND", "redis")
	t.Setenv("ALLOWED_MEDIA_DOMAINS", " example.com, ,cdn.example.org ")
	t.Setenv("FETCH_TIMEOUT", "15")
	t.Setenv("RENDER_JOB_TIMEOUT", "0s")
	t.Setenv("NORMALIZE_CONCURRENCY", "0")
	t.Setenv("PUBLIC_BASE_URL", "https://render.example.com/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.JobStore)
	assert.Equal(t, []string{"example.com", "cdn.example.org"}, cfg.AllowedMediaDomains)
	assert.Equal(t, 15*time.Second, cfg.FetchTimeout)
	assert.Equal(t, time.Duration(0), cfg.RenderJobTimeout)
	assert.Equal(t, 1, cfg.NormalizeConcurrency)
	assert.Equal(t, "https://render.example.com", cfg.PublicBaseURL)
}

func TestValidateRejectsIncompleteBackends(t *testing.T) {
	base := func() *Config {
		return &Config{
			WorkerEnabled:       true,
			JobStore:            BackendMemory,
			QueueBackend:        BackendMemory,
			ArtifactStore:       BackendLocal,
			AllowedMediaDomains: []string{"example.com"},
			VideoFPS:            30,
			FetchTimeout:        time.Second,
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.JobStore = BackendPostgres
	assert.ErrorContains(t, cfg.Validate(), "DATABASE_URL")

	cfg = base()
	cfg.QueueBackend = BackendRedis
	assert.ErrorContains(t, cfg.Validate(), "shared JOB_STORE")

	cfg = base()
	cfg.WorkerEnabled = false
	assert.ErrorContains(t, cfg.Validate(), "WORKER_ENABLED=false")

	cfg = base()
	cfg.WorkerEnabled = false
	cfg.JobStore = BackendRedis
	cfg.QueueBackend = BackendRedis
	assert.NoError(t, cfg.Validate(), "an API-only process feeds a shared queue")

	cfg = base()
	cfg.ArtifactStore = BackendSupabase
	assert.ErrorContains(t, cfg.Validate(), "SUPABASE_URL")

	cfg = base()
	cfg.ArtifactStore = BackendS3
	assert.ErrorContains(t, cfg.Validate(), "S3_ENDPOINT")

	cfg = base()
	cfg.JobStore = "sqlite"
	assert.ErrorContains(t, cfg.Validate(), "unknown JOB_STORE")
}

func TestLoadRejectsAPIOnlyWithMemoryQueue(t *testing.T) {
	t.Setenv("WORKER_ENABLED", "false")
	t.Setenv("JOB_STORE", "")
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("ARTIFACT_STORE", "")

	_, err := Load()
	assert.ErrorContains(t, err, "QUEUE_BACKEND=redis")
}
