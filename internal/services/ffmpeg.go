package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bobarin/promptvideo/internal/models"
	"go.uber.org/zap"
)

// Output profile shared by every stage
const (
	DefaultFPS        = 30
	audioCodec        = "aac"
	audioBitrate      = "192k"
	videoCodec        = "libx264"
	pixelFormat       = "yuv420p"
	minClipSeconds    = 0.5
	maxStderrInError  = 1200
	defaultX264Preset = "veryfast"
)

// ErrNoMedia is returned when there is nothing to put on the timeline.
var ErrNoMedia = errors.New("no media to render")

// MediaError reports a failed ffmpeg invocation. Index is the media item
// position for per-item operations and -1 otherwise.
type MediaError struct {
	Op     string
	Index  int
	Err    error
	Stderr string
}

func (e *MediaError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Index >= 0 {
		fmt.Fprintf(&b, " item %d", e.Index)
	}
	b.WriteString(" failed: ")
	b.WriteString(e.Err.Error())
	if e.Stderr != "" {
		b.WriteString(": ")
		b.WriteString(e.Stderr)
	}
	return b.String()
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

// Frame is the canonical output raster.
type Frame struct {
	Width  int
	Height int
	FPS    int
}

// FrameFor maps an aspect ratio onto its canonical frame.
func FrameFor(ratio models.AspectRatio, fps int) Frame {
	if fps <= 0 {
		fps = DefaultFPS
	}
	if ratio == models.AspectRatioPortrait {
		return Frame{Width: 1080, Height: 1920, FPS: fps}
	}
	return Frame{Width: 1920, Height: 1080, FPS: fps}
}

type FFmpegOptions struct {
	FFmpegPath  string
	FFprobePath string
	Preset      string // libx264 preset for normalized clips
}

// ---------------------------------------------------------------------------
// FFmpegService
// ---------------------------------------------------------------------------

type FFmpegService struct {
	ffmpeg  string
	ffprobe string
	preset  string
	logger  *zap.Logger
}

func NewFFmpegService(opts FFmpegOptions, logger *zap.Logger) *FFmpegService {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.Preset == "" {
		opts.Preset = defaultX264Preset
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FFmpegService{
		ffmpeg:  opts.FFmpegPath,
		ffprobe: opts.FFprobePath,
		preset:  opts.Preset,
		logger:  logger.Named("ffmpeg"),
	}
}

// run executes ffmpeg and converts a failure into a MediaError.
func (s *FFmpegService) run(ctx context.Context, op string, index int, args []string) error {
	cmd := exec.CommandContext(ctx, s.ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	s.logger.Debug("Running ffmpeg", zap.String("op", op), zap.Strings("args", args))

	if err := cmd.Run(); err != nil {
		return newMediaError(ctx, op, index, err, stderr.String())
	}
	return nil
}

func newMediaError(ctx context.Context, op string, index int, err error, stderr string) *MediaError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return &MediaError{Op: op, Index: index, Err: err, Stderr: tail(strings.TrimSpace(stderr), maxStderrInError)}
}

// ProbeDuration returns the container duration in seconds.
func (s *FFmpegService) ProbeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	cmd := exec.CommandContext(ctx, s.ffprobe, args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return 0, fmt.Errorf("failed to parse duration %q of %s", strings.TrimSpace(string(output)), path)
	}

	return duration, nil
}

// MediaInfo summarizes the streams of a media file.
type MediaInfo struct {
	Duration     float64
	VideoCodec   string
	Width        int
	Height       int
	FPS          float64
	PixelFormat  string
	VideoStreams int
	AudioStreams int
}

type probeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
		PixFmt     string `json:"pix_fmt"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads stream layout and format of a media file.
func (s *FFmpegService) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "stream=codec_type,codec_name,width,height,r_frame_rate,pix_fmt:format=duration",
		"-of", "json",
		path,
	}

	output, err := exec.CommandContext(ctx, s.ffprobe, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	var out probeOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	info := &MediaInfo{}
	info.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)
	for _, st := range out.Streams {
		switch st.CodecType {
		case "video":
			info.VideoStreams++
			if info.VideoStreams == 1 {
				info.VideoCodec = st.CodecName
				info.Width = st.Width
				info.Height = st.Height
				info.PixelFormat = st.PixFmt
				info.FPS = parseRate(st.RFrameRate)
			}
		case "audio":
			info.AudioStreams++
		}
	}

	return info, nil
}

// parseRate turns "30000/1001" style rates into a float.
func parseRate(r string) float64 {
	num, den, found := strings.Cut(r, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func formatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

func tail(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}
