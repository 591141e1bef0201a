package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type MixRequest struct {
	VoicePath  string
	MusicPath  string // Empty means voice only
	OutputPath string
	VoiceGain  float64
	MusicGain  float64
	FadeIn     float64 // Seconds, carried for a future music envelope
	FadeOut    float64
}

// Mix produces the final audio track and returns its path.
//
// Without music the voiceover file is returned untouched. With music, each
// input is gain-scaled and summed; the voiceover sets the length and the
// music loops underneath when it is shorter.
func (s *FFmpegService) Mix(ctx context.Context, req MixRequest) (string, error) {
	if req.MusicPath == "" {
		s.logger.Info("No background music, using voiceover as final audio")
		return req.VoicePath, nil
	}

	if req.FadeIn > 0 || req.FadeOut > 0 {
		s.logger.Debug("Fade durations are not applied to the mix",
			zap.Float64("fade_in", req.FadeIn),
			zap.Float64("fade_out", req.FadeOut),
		)
	}

	// normalize=0 keeps amix from rescaling the inputs, so the gains are exact
	filterComplex := fmt.Sprintf(
		"[0:a]volume=%.4f[voice];[1:a]volume=%.4f[music];[voice][music]amix=inputs=2:duration=first:dropout_transition=0:normalize=0[aout]",
		req.VoiceGain, req.MusicGain,
	)

	s.logger.Info("Mixing background music",
		zap.Float64("voice_gain", req.VoiceGain),
		zap.Float64("music_gain", req.MusicGain),
	)

	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", req.VoicePath, // Input 0: narration
		"-stream_loop", "-1", // Loop the music infinitely
		"-i", req.MusicPath, // Input 1: background music
		"-filter_complex", filterComplex,
		"-map", "[aout]",
		"-vn",
		"-c:a", audioCodec,
		"-b:a", audioBitrate,
		req.OutputPath,
	}

	if err := s.run(ctx, "mix", -1, args); err != nil {
		return "", err
	}
	return req.OutputPath, nil
}
