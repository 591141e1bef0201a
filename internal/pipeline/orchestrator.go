package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobarin/promptvideo/internal/jobstore"
	"github.com/bobarin/promptvideo/internal/models"
	"github.com/bobarin/promptvideo/internal/services"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Fetcher interface {
	Fetch(ctx context.Context, rawURL, dest string) error
}

type Normalizer interface {
	Normalize(ctx context.Context, req services.NormalizeRequest) error
}

type Compositor interface {
	Concatenate(ctx context.Context, clipPaths []string, manifestPath, outputPath string) error
}

type Mixer interface {
	Mix(ctx context.Context, req services.MixRequest) (string, error)
}

type Muxer interface {
	Mux(ctx context.Context, req services.MuxRequest, progress func(float64)) error
}

// Publisher makes a finished video retrievable and returns its URL.
type Publisher interface {
	Publish(ctx context.Context, jobID uuid.UUID, localPath string) (string, error)
}

type Deps struct {
	Store      jobstore.Store
	Fetcher    Fetcher
	Normalizer Normalizer
	Compositor Compositor
	Mixer      Mixer
	Muxer      Muxer
	Publisher  Publisher
}

type Config struct {
	WorkDir              string // Parent of per-job workspaces
	OutputDir            string // Final videos, named <jobId>.mp4
	FPS                  int
	DownloadConcurrency  int
	NormalizeConcurrency int
	MaxClipDuration      time.Duration // Longer media items are cut, 0 = no cap
	JobTimeout           time.Duration // 0 = no deadline
	KeepOutput           bool          // Keep <jobId>.mp4 in OutputDir after publishing
}

// Orchestrator runs one render job through every stage and owns its
// workspace and state transitions.
type Orchestrator struct {
	Deps
	cfg    Config
	logger *zap.Logger
}

func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.FPS <= 0 {
		cfg.FPS = services.DefaultFPS
	}
	if cfg.DownloadConcurrency < 1 {
		cfg.DownloadConcurrency = 4
	}
	if cfg.NormalizeConcurrency < 1 {
		cfg.NormalizeConcurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{Deps: deps, cfg: cfg, logger: logger.Named("pipeline")}
}

// OutputPath is where the final video for jobID is written.
func (o *Orchestrator) OutputPath(jobID uuid.UUID) string {
	return filepath.Join(o.cfg.OutputDir, jobID.String()+".mp4")
}

// Run moves a queued job to processing, renders it and records the outcome.
// The returned error is the StageError that failed the job, if any.
func (o *Orchestrator) Run(ctx context.Context, jobID uuid.UUID, req *models.RenderRequest) error {
	log := o.logger.With(zap.String("job_id", jobID.String()))

	if o.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.JobTimeout)
		defer cancel()
	}
	// Terminal writes must land even after the job deadline fires
	finalCtx := context.WithoutCancel(ctx)

	if _, err := o.Store.UpdateJob(ctx, jobID, models.JobUpdate{
		Status:   models.StatusPtr(models.JobStatusProcessing),
		Progress: models.IntPtr(0),
	}); err != nil {
		return fmt.Errorf("failed to start job %s: %w", jobID, err)
	}

	start := time.Now()
	log.Info("Render started", zap.Int("media_items", len(req.MediaItems)), zap.Bool("music", req.MusicURL != ""))

	reporter := newProgressReporter(o.Store, jobID, log)

	if err := os.MkdirAll(o.cfg.WorkDir, 0o755); err != nil {
		return o.fail(finalCtx, log, jobID, "", stageErr(StagePrepare, fmt.Errorf("failed to create work dir: %w", err)))
	}
	workspace, err := os.MkdirTemp(o.cfg.WorkDir, "render-"+jobID.String()+"-")
	if err != nil {
		return o.fail(finalCtx, log, jobID, "", stageErr(StagePrepare, fmt.Errorf("failed to create workspace: %w", err)))
	}
	defer os.RemoveAll(workspace)

	videoURL, err := o.render(ctx, log, jobID, req, workspace, reporter)

	// The workspace is gone before any terminal state becomes visible
	if rmErr := os.RemoveAll(workspace); rmErr != nil {
		log.Warn("Failed to remove workspace", zap.String("workspace", workspace), zap.Error(rmErr))
	}

	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) && o.cfg.JobTimeout > 0 {
			err = fmt.Errorf("%w (job exceeded %s)", err, o.cfg.JobTimeout)
		}
		return o.fail(finalCtx, log, jobID, o.OutputPath(jobID), err)
	}

	if _, err := o.Store.UpdateJob(finalCtx, jobID, models.JobUpdate{
		Status:   models.StatusPtr(models.JobStatusCompleted),
		Progress: models.IntPtr(100),
		VideoURL: models.StrPtr(videoURL),
	}); err != nil {
		log.Error("Failed to mark job completed", zap.Error(err))
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}

	log.Info("Render completed", zap.String("video_url", videoURL), zap.Duration("took", time.Since(start)))
	return nil
}

// fail records the failure, removes any partial output and returns err.
func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, jobID uuid.UUID, outputPath string, err error) error {
	if outputPath != "" {
		if rmErr := os.Remove(outputPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warn("Failed to remove partial output", zap.String("path", outputPath), zap.Error(rmErr))
		}
	}

	stage := StagePrepare
	var se *StageError
	if errors.As(err, &se) {
		stage = se.Stage
	}
	log.Error("Render failed", zap.String("stage", string(stage)), zap.Error(err))

	if _, updErr := o.Store.UpdateJob(ctx, jobID, models.JobUpdate{
		Status: models.StatusPtr(models.JobStatusFailed),
		Error:  models.StrPtr(err.Error()),
	}); updErr != nil {
		log.Error("Failed to mark job failed", zap.Error(updErr))
	}
	return err
}

// indexedItem keeps a media item's position in the request for error reporting.
type indexedItem struct {
	index int
	item  models.MediaItem
	raw   string // Downloaded file
	clip  string // Normalized file
}

func (o *Orchestrator) render(ctx context.Context, log *zap.Logger, jobID uuid.UUID, req *models.RenderRequest, workspace string, reporter *progressReporter) (string, error) {
	// Precondition: nothing to encode means nothing to download
	items := lo.FilterMap(req.MediaItems, func(m models.MediaItem, i int) (indexedItem, bool) {
		return indexedItem{index: i, item: m}, strings.TrimSpace(m.URL) != ""
	})
	if skipped := len(req.MediaItems) - len(items); skipped > 0 {
		log.Info("Skipping media items without URL", zap.Int("skipped", skipped))
	}
	if len(items) == 0 {
		return "", stageErr(StagePrepare, services.ErrNoMedia)
	}

	rawDir := filepath.Join(workspace, "raw")
	clipDir := filepath.Join(workspace, "clips")
	for _, dir := range []string{rawDir, clipDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", stageErr(StagePrepare, fmt.Errorf("failed to create %s: %w", dir, err))
		}
	}
	if o.cfg.OutputDir != "" {
		if err := os.MkdirAll(o.cfg.OutputDir, 0o755); err != nil {
			return "", stageErr(StagePrepare, fmt.Errorf("failed to create output dir: %w", err))
		}
	}

	// Fetch
	reporter.enter(ctx, StageFetch)
	voicePath := filepath.Join(rawDir, "voiceover"+extFor(req.AudioURL, ".mp3"))
	musicPath := ""
	if req.MusicURL != "" {
		musicPath = filepath.Join(rawDir, "music"+extFor(req.MusicURL, ".mp3"))
	}
	for i := range items {
		def := ".jpg"
		if items[i].item.Type == models.MediaTypeVideo {
			def = ".mp4"
		}
		items[i].raw = filepath.Join(rawDir, fmt.Sprintf("item_%03d%s", items[i].index, extFor(items[i].item.URL, def)))
	}
	if err := o.fetchAll(ctx, req, voicePath, musicPath, items, reporter); err != nil {
		return "", stageErr(StageFetch, err)
	}

	// Normalize
	reporter.enter(ctx, StageNormalize)
	frame := services.FrameFor(req.AspectRatio, o.cfg.FPS)
	if err := o.normalizeAll(ctx, log, req, frame, clipDir, items, reporter); err != nil {
		return "", stageErr(StageNormalize, err)
	}

	// Composite
	reporter.enter(ctx, StageComposite)
	compositePath := filepath.Join(workspace, "composite.mp4")
	clips := lo.Map(items, func(it indexedItem, _ int) string { return it.clip })
	if err := o.Compositor.Concatenate(ctx, clips, filepath.Join(workspace, "concat.txt"), compositePath); err != nil {
		return "", stageErr(StageComposite, err)
	}
	reporter.report(ctx, bands[StageComposite].end)

	// Mix
	reporter.enter(ctx, StageMix)
	fadeIn, fadeOut := req.MusicMixing.Fades()
	audioPath, err := o.Mixer.Mix(ctx, services.MixRequest{
		VoicePath:  voicePath,
		MusicPath:  musicPath,
		OutputPath: filepath.Join(workspace, "mixed.m4a"),
		VoiceGain:  req.MusicMixing.VoiceGain(),
		MusicGain:  req.MusicMixing.MusicGain(),
		FadeIn:     fadeIn,
		FadeOut:    fadeOut,
	})
	if err != nil {
		return "", stageErr(StageMix, err)
	}
	reporter.report(ctx, bands[StageMix].end)

	// Mux
	reporter.enter(ctx, StageMux)
	outputPath := o.OutputPath(jobID)
	muxBand := bands[StageMux]
	if err := o.Muxer.Mux(ctx, services.MuxRequest{
		VideoPath:  compositePath,
		AudioPath:  audioPath,
		OutputPath: outputPath,
	}, func(f float64) {
		reporter.report(ctx, muxBand.at(f))
	}); err != nil {
		return "", stageErr(StageMux, err)
	}
	reporter.report(ctx, muxBand.end)

	// Publish
	reporter.enter(ctx, StagePublish)
	videoURL, err := o.Publisher.Publish(ctx, jobID, outputPath)
	if err != nil {
		return "", stageErr(StagePublish, err)
	}
	if !o.cfg.KeepOutput {
		// The published copy is the only one clients can reach
		if err := os.Remove(outputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("Failed to remove local output", zap.String("path", outputPath), zap.Error(err))
		}
	}

	return videoURL, nil
}

// fetchAll downloads voiceover, music and media items concurrently.
func (o *Orchestrator) fetchAll(ctx context.Context, req *models.RenderRequest, voicePath, musicPath string, items []indexedItem, reporter *progressReporter) error {
	type download struct{ url, dest string }

	downloads := []download{{req.AudioURL, voicePath}}
	if musicPath != "" {
		downloads = append(downloads, download{req.MusicURL, musicPath})
	}
	for _, it := range items {
		downloads = append(downloads, download{it.item.URL, it.raw})
	}

	progress := &counter{total: len(downloads), band: bands[StageFetch]}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.DownloadConcurrency)

	for _, d := range downloads {
		d := d
		g.Go(func() error {
			if err := o.Fetcher.Fetch(gctx, d.url, d.dest); err != nil {
				return err
			}
			reporter.report(ctx, progress.complete())
			return nil
		})
	}

	return g.Wait()
}

// normalizeAll converts every item in order. With concurrency 1 this is a
// strictly sequential loop.
func (o *Orchestrator) normalizeAll(ctx context.Context, log *zap.Logger, req *models.RenderRequest, frame services.Frame, clipDir string, items []indexedItem, reporter *progressReporter) error {
	progress := &counter{total: len(items), band: bands[StageNormalize]}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.NormalizeConcurrency)

	for i := range items {
		it := &items[i]
		it.clip = filepath.Join(clipDir, fmt.Sprintf("clip_%03d.mp4", i))
		duration := o.clipDuration(log, it)
		g.Go(func() error {
			if err := o.Normalizer.Normalize(gctx, services.NormalizeRequest{
				Index:      it.index,
				InputPath:  it.raw,
				OutputPath: it.clip,
				MediaType:  it.item.Type,
				Duration:   duration,
				Frame:      frame,
				FitMode:    req.FitMode,
			}); err != nil {
				return err
			}
			reporter.report(ctx, progress.complete())
			return nil
		})
	}

	return g.Wait()
}

// clipDuration is the item's timeline length, cut to MaxClipDuration.
func (o *Orchestrator) clipDuration(log *zap.Logger, it *indexedItem) float64 {
	duration := it.item.Duration()
	if limit := o.cfg.MaxClipDuration.Seconds(); limit > 0 && duration > limit {
		log.Warn("Clipping media item to maximum duration",
			zap.Int("index", it.index),
			zap.Float64("requested", duration),
			zap.Float64("max", limit),
		)
		return limit
	}
	return duration
}

// extFor picks a file extension from the URL path, falling back to def.
func extFor(rawURL, def string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return def
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if len(ext) < 2 || len(ext) > 5 || strings.ContainsAny(ext, `/\`) {
		return def
	}
	return ext
}
