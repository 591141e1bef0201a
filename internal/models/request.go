package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// FallbackClipSeconds replaces any non-positive or unparseable item duration.
	FallbackClipSeconds = 3.0

	DefaultVoiceoverVolume = 1.0
	DefaultMusicVolume     = 0.2
)

// RenderRequest is the body of POST /v1/render.
type RenderRequest struct {
	Segments    []Segment       `json:"segments" validate:"omitempty,dive"`
	MediaItems  []MediaItem     `json:"mediaItems" validate:"omitempty,dive"`
	AudioURL    string          `json:"audioUrl" validate:"required,url"`
	MusicURL    string          `json:"musicUrl,omitempty" validate:"omitempty,url"`
	AspectRatio AspectRatio     `json:"aspectRatio" validate:"required,oneof=16:9 9:16"`
	FitMode     FitMode         `json:"fitMode,omitempty" validate:"omitempty,oneof=fit crop"`
	MusicMixing *AudioMixConfig `json:"musicMixing,omitempty" validate:"omitempty"`
}

// Segment is a narration script segment. The renderer does not consume it.
type Segment struct {
	Text      string `json:"text"`
	StartTime string `json:"startTime,omitempty"`
	EndTime   string `json:"endTime,omitempty"`
}

type MediaItem struct {
	Type        MediaType `json:"type" validate:"required,oneof=image video"`
	StartTime   string    `json:"startTime"`
	EndTime     string    `json:"endTime"`
	URL         string    `json:"url,omitempty" validate:"omitempty,url"`
	Transition  string    `json:"transition,omitempty"`  // Presentation hint, not rendered
	IsThumbnail bool      `json:"isThumbnail,omitempty"` // Presentation hint, not rendered
}

// Duration returns end minus start in seconds, or FallbackClipSeconds when
// that is not a finite positive number.
func (m MediaItem) Duration() float64 {
	start, err := ParseTimecode(m.StartTime)
	if err != nil {
		return FallbackClipSeconds
	}
	end, err := ParseTimecode(m.EndTime)
	if err != nil {
		return FallbackClipSeconds
	}
	d := end - start
	if math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
		return FallbackClipSeconds
	}
	return d
}

type AudioMixConfig struct {
	BackgroundMusicVolume *float64 `json:"backgroundMusicVolume,omitempty"`
	VoiceoverVolume       *float64 `json:"voiceoverVolume,omitempty"`
	FadeInDuration        float64  `json:"fadeInDuration,omitempty" validate:"gte=0"`
	FadeOutDuration       float64  `json:"fadeOutDuration,omitempty" validate:"gte=0"`
}

// VoiceGain returns the effective voiceover gain in [0,1].
func (c *AudioMixConfig) VoiceGain() float64 {
	if c == nil {
		return DefaultVoiceoverVolume
	}
	return NormalizeGain(c.VoiceoverVolume, DefaultVoiceoverVolume)
}

// MusicGain returns the effective background music gain in [0,1].
func (c *AudioMixConfig) MusicGain() float64 {
	if c == nil {
		return DefaultMusicVolume
	}
	return NormalizeGain(c.BackgroundMusicVolume, DefaultMusicVolume)
}

// Fades returns the fade durations, zero for a nil config.
func (c *AudioMixConfig) Fades() (in, out float64) {
	if c == nil {
		return 0, 0
	}
	return c.FadeInDuration, c.FadeOutDuration
}

// NormalizeGain maps an upstream volume value onto a linear gain.
// Values above 1 are percentages. Missing, negative or non-finite values use def.
func NormalizeGain(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	g := *v
	if math.IsNaN(g) || math.IsInf(g, 0) || g < 0 {
		return def
	}
	if g > 1 {
		g = g / 100
	}
	return math.Min(1, g)
}

// ParseTimecode parses "HH:MM:SS", "MM:SS" or "SS" into seconds.
// The last component may carry a fractional part.
func ParseTimecode(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timecode")
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid timecode %q", s)
	}

	var total float64
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return 0, fmt.Errorf("invalid timecode %q", s)
		}

		last := i == len(parts)-1
		var v float64
		if last {
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid timecode %q: %w", s, err)
			}
			v = f
		} else {
			n, err := strconv.Atoi(p)
			if err != nil {
				return 0, fmt.Errorf("invalid timecode %q: %w", s, err)
			}
			v = float64(n)
		}
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("invalid timecode %q", s)
		}
		total = total*60 + v
	}

	return total, nil
}
