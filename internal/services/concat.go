package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Concatenate joins normalized clips in order into one silent video using the
// concat demuxer and stream copy. The manifest is written to manifestPath.
// Inputs must share codec, raster and frame rate, which Normalize guarantees.
func (s *FFmpegService) Concatenate(ctx context.Context, clipPaths []string, manifestPath, outputPath string) error {
	if len(clipPaths) == 0 {
		return ErrNoMedia
	}

	if err := writeConcatManifest(manifestPath, clipPaths); err != nil {
		return err
	}

	s.logger.Info("Concatenating clips", zap.Int("clips", len(clipPaths)), zap.String("output", outputPath))

	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", manifestPath,
		"-c", "copy", // Copy without re-encoding
		"-an",
		"-movflags", "+faststart",
		outputPath,
	}

	return s.run(ctx, "concatenate", -1, args)
}

func writeConcatManifest(manifestPath string, clipPaths []string) error {
	var b strings.Builder
	for _, p := range clipPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("failed to resolve clip path %s: %w", p, err)
		}
		// Single quotes inside a quoted concat entry are written as '\''
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}

	if err := os.WriteFile(manifestPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	return nil
}
