package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bobarin/promptvideo/internal/api"
	"github.com/bobarin/promptvideo/internal/config"
	"github.com/bobarin/promptvideo/internal/db"
	"github.com/bobarin/promptvideo/internal/fetch"
	"github.com/bobarin/promptvideo/internal/jobstore"
	"github.com/bobarin/promptvideo/internal/logging"
	"github.com/bobarin/promptvideo/internal/pipeline"
	"github.com/bobarin/promptvideo/internal/queue"
	"github.com/bobarin/promptvideo/internal/services"
	"github.com/bobarin/promptvideo/internal/storage"
	"github.com/bobarin/promptvideo/internal/worker"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
	logger.Info("Server exited")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting render API...",
		zap.String("job_store", cfg.JobStore),
		zap.String("queue", cfg.QueueBackend),
		zap.String("artifacts", cfg.ArtifactStore),
	)
	ctx := context.Background()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}()

	// Redis is shared by the store and the queue when either uses it
	var redisClient *redis.Client
	if cfg.JobStore == config.BackendRedis || cfg.QueueBackend == config.BackendRedis {
		client, err := queue.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		closers = append(closers, client)
		redisClient = client
		logger.Info("Connected to Redis")
	}

	store, q, err := buildBackends(ctx, cfg, logger, redisClient, &closers)
	if err != nil {
		return err
	}
	return serve(ctx, cfg, logger, store, q)
}

func buildBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger, redisClient *redis.Client, closers *[]io.Closer) (jobstore.Store, queue.Queue, error) {
	var store jobstore.Store
	switch cfg.JobStore {
	case config.BackendPostgres:
		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		*closers = append(*closers, database)
		if err := database.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("Connected to database")
		store = database
	case config.BackendRedis:
		store = jobstore.NewRedisStore(redisClient, cfg.JobRetention)
	default:
		store = jobstore.NewMemoryStore()
	}

	var q queue.Queue
	if cfg.QueueBackend == config.BackendRedis {
		q = queue.NewRedisQueue(redisClient, queue.RenderQueue)
	} else {
		mq := queue.NewMemoryQueue(queue.DefaultMemoryCapacity)
		*closers = append(*closers, mq)
		q = mq
	}

	return store, q, nil
}

func buildPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (pipeline.Publisher, error) {
	switch cfg.ArtifactStore {
	case config.BackendSupabase:
		logger.Info("Publishing videos to Supabase storage", zap.String("bucket", cfg.SupabaseStorageBucket))
		return storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, logger), nil
	case config.BackendS3:
		s3, err := storage.NewS3(storage.S3Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
			Region:    cfg.S3Region,
			PublicURL: cfg.S3PublicURL,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		logger.Info("Publishing videos to S3", zap.String("bucket", cfg.S3Bucket))
		return s3, nil
	default:
		logger.Info("Serving videos from output directory", zap.String("dir", cfg.OutputDir))
		return storage.NewLocal(cfg.PublicBaseURL), nil
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, store jobstore.Store, q queue.Queue) error {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	handler := api.NewHandler(store, q, cfg.OutputDir, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		ServeVideos:        cfg.ArtifactStore == config.BackendLocal,
	}, logger)

	if cfg.BackendAPIKey != "" {
		logger.Info("API key authentication enabled")
	} else {
		logger.Warn("No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start worker if enabled
	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	var workerDone sync.WaitGroup

	if cfg.WorkerEnabled {
		publisher, err := buildPublisher(ctx, cfg, logger)
		if err != nil {
			return err
		}

		ffmpegSvc := services.NewFFmpegService(services.FFmpegOptions{
			FFmpegPath:  cfg.FFmpegPath,
			FFprobePath: cfg.FFprobePath,
			Preset:      cfg.FFmpegPreset,
		}, logger)
		allowlist := fetch.NewAllowlist(cfg.AllowedMediaDomains)
		logger.Info("Media allowlist", zap.Strings("domains", allowlist.Domains()))
		fetcher := fetch.New(allowlist, fetch.Options{
			Timeout:  cfg.FetchTimeout,
			MaxBytes: cfg.FetchMaxBytes,
		}, logger)

		orchestrator := pipeline.New(pipeline.Deps{
			Store:      store,
			Fetcher:    fetcher,
			Normalizer: ffmpegSvc,
			Compositor: ffmpegSvc,
			Mixer:      ffmpegSvc,
			Muxer:      ffmpegSvc,
			Publisher:  publisher,
		}, pipeline.Config{
			WorkDir:              cfg.WorkDir,
			OutputDir:            cfg.OutputDir,
			FPS:                  cfg.VideoFPS,
			DownloadConcurrency:  cfg.DownloadConcurrency,
			NormalizeConcurrency: cfg.NormalizeConcurrency,
			MaxClipDuration:      cfg.MaxClipDuration,
			JobTimeout:           cfg.RenderJobTimeout,
			KeepOutput:           cfg.ArtifactStore == config.BackendLocal,
		}, logger)

		w := worker.New(q, orchestrator, store, logger)
		workerDone.Add(1)
		go func() {
			defer workerDone.Done()
			w.Start(workerCtx, cfg.MaxConcurrentJobs)
		}()
		logger.Info("Worker enabled", zap.Int("max_concurrent_jobs", cfg.MaxConcurrentJobs))
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("API server listening", zap.String("port", cfg.APIPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return err
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// In-flight jobs are cancelled and recorded as failed
	workerCancel()
	workerDone.Wait()

	return nil
}
