package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Rendition is one rung of the output ladder.
type Rendition struct {
	Height  int    `json:"height" mapstructure:"height"`
	Bitrate string `json:"bitrate" mapstructure:"bitrate"` // ffmpeg bitrate string, e.g. "8000k"
}

// TranscodeSpec is the frozen per-batch encoding configuration.
type TranscodeSpec struct {
	VideoCodec   string      `json:"video_encoder" mapstructure:"video_encoder"`
	AudioCodec   string      `json:"audio_encoder" mapstructure:"audio_encoder"`
	Preset       string      `json:"preset" mapstructure:"preset"`
	Tune         string      `json:"tune" mapstructure:"tune"`
	CRF          int         `json:"crf" mapstructure:"crf"`
	FPS          int         `json:"fps" mapstructure:"fps"` // 0 keeps the source rate
	IncludeAudio bool        `json:"include_audio" mapstructure:"include_audio"`
	Ladder       []Rendition `json:"ladder" mapstructure:"ladder"`
}

// settingsKey renders the codec settings that contribute to a job
// fingerprint. Ladder order is preserved: a reordered ladder is a
// different encode.
func (s TranscodeSpec) settingsKey() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%s|%d|%d|%t",
		s.VideoCodec, s.AudioCodec, s.Preset, s.Tune, s.CRF, s.FPS, s.IncludeAudio)
	for _, r := range s.Ladder {
		fmt.Fprintf(&b, "|%dx%s", r.Height, r.Bitrate)
	}
	return b.String()
}

// Fingerprint derives the job fingerprint from an input path and the
// codec settings it will be transcoded with.
func Fingerprint(inputPath string, spec TranscodeSpec) string {
	sum := sha256.Sum256([]byte(inputPath + "\x00" + spec.settingsKey()))
	return hex.EncodeToString(sum[:])
}
