package services

import (
	"context"
	"fmt"
	"math"

	"github.com/bobarin/promptvideo/internal/models"
	"go.uber.org/zap"
)

type NormalizeRequest struct {
	Index      int // Position of the media item, reported on failure
	InputPath  string
	OutputPath string
	MediaType  models.MediaType
	Duration   float64 // Target seconds, floored at 0.5
	Frame      Frame
	FitMode    models.FitMode
}

// Normalize turns one image or video into a silent clip of exactly the
// target duration on the canonical frame, at a constant frame rate.
// Videos longer than the target are cut; shorter ones hold their last frame.
func (s *FFmpegService) Normalize(ctx context.Context, req NormalizeRequest) error {
	duration := ClampClipDuration(req.Duration)
	frame := req.Frame
	if frame.FPS <= 0 {
		frame.FPS = DefaultFPS
	}

	vf := buildFrameFilter(frame, req.FitMode)

	var input []string
	switch req.MediaType {
	case models.MediaTypeImage:
		// Loop the still; -t on the output bounds it
		input = []string{"-loop", "1", "-framerate", fmt.Sprint(frame.FPS), "-i", req.InputPath}
	case models.MediaTypeVideo:
		// Freeze the last frame for sources shorter than the target
		vf += fmt.Sprintf(",tpad=stop_mode=clone:stop_duration=%s", formatSeconds(duration))
		input = []string{"-i", req.InputPath}
	default:
		return &MediaError{Op: "normalize", Index: req.Index, Err: fmt.Errorf("unsupported media type %q", req.MediaType)}
	}

	s.logger.Info("Normalizing clip",
		zap.Int("index", req.Index),
		zap.String("type", string(req.MediaType)),
		zap.Float64("duration", duration),
		zap.String("filter", vf),
	)

	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	args = append(args,
		"-vf", vf,
		"-t", formatSeconds(duration),
		"-an",
		"-c:v", videoCodec,
		"-preset", s.preset,
		"-pix_fmt", pixelFormat,
		"-r", fmt.Sprint(frame.FPS),
		"-movflags", "+faststart",
		req.OutputPath,
	)

	return s.run(ctx, "normalize", req.Index, args)
}

// ClampClipDuration floors a clip duration at the minimum segment length.
func ClampClipDuration(d float64) float64 {
	if math.IsNaN(d) || d < minClipSeconds {
		return minClipSeconds
	}
	return d
}

// buildFrameFilter scales the source onto the frame. "fit" letterboxes or
// pillarboxes centered; "crop" covers the frame and trims the overflow centered.
func buildFrameFilter(frame Frame, mode models.FitMode) string {
	w, h := frame.Width, frame.Height

	var geometry string
	if mode == models.FitModeCrop {
		geometry = fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d", w, h, w, h)
	} else {
		geometry = fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black", w, h, w, h)
	}

	return fmt.Sprintf("%s,setsar=1,fps=%d,format=%s", geometry, frame.FPS, pixelFormat)
}
