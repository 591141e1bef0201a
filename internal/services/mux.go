package services

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

type MuxRequest struct {
	VideoPath  string
	AudioPath  string
	OutputPath string
}

// Mux copies the composite video, encodes the final audio and trims the
// result to the shorter of the two. progress receives fractions in [0,1].
func (s *FFmpegService) Mux(ctx context.Context, req MuxRequest, progress func(float64)) error {
	if progress == nil {
		progress = func(float64) {}
	}

	expected := s.expectedMuxDuration(ctx, req)

	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", req.VideoPath,
		"-i", req.AudioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", audioCodec,
		"-b:a", audioBitrate,
		"-shortest",
	}
	if expected > 0 {
		args = append(args, "-t", formatSeconds(expected))
	}
	args = append(args,
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-nostats",
		req.OutputPath,
	)

	s.logger.Info("Muxing final video", zap.Float64("expected_duration", expected), zap.String("output", req.OutputPath))

	cmd := exec.CommandContext(ctx, s.ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &MediaError{Op: "mux", Index: -1, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return newMediaError(ctx, "mux", -1, err, "")
	}

	scanErr := consumeProgress(stdout, expected, progress)
	// Drain so ffmpeg never blocks on a full pipe
	_, _ = io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		return newMediaError(ctx, "mux", -1, err, stderr.String())
	}
	if scanErr != nil {
		s.logger.Warn("Progress stream read failed", zap.Error(scanErr))
	}

	progress(1)
	return nil
}

// expectedMuxDuration is min(video, audio), or 0 when either probe fails.
func (s *FFmpegService) expectedMuxDuration(ctx context.Context, req MuxRequest) float64 {
	video, err := s.ProbeDuration(ctx, req.VideoPath)
	if err != nil {
		s.logger.Warn("Video duration probe failed, progress will be coarse", zap.Error(err))
		return 0
	}
	audio, err := s.ProbeDuration(ctx, req.AudioPath)
	if err != nil {
		s.logger.Warn("Audio duration probe failed, progress will be coarse", zap.Error(err))
		return 0
	}
	return math.Min(video, audio)
}

// consumeProgress parses ffmpeg -progress key=value output and reports
// strictly increasing fractions of total.
func consumeProgress(r io.Reader, total float64, emit func(float64)) error {
	scanner := bufio.NewScanner(r)
	last := 0.0

	report := func(f float64) {
		f = math.Max(0, math.Min(1, f))
		if f > last {
			last = f
			emit(f)
		}
	}

	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}

		switch key {
		case "out_time_us", "out_time_ms":
			// Both keys carry microseconds
			if total <= 0 {
				continue
			}
			us, err := strconv.ParseFloat(value, 64)
			if err != nil || us < 0 {
				continue
			}
			report(us / 1e6 / total)
		case "progress":
			if value == "end" {
				report(1)
			}
		}
	}

	return scanner.Err()
}
