package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/vodarr/internal/sandbox"
)

// probeOutput mirrors the subset of ffprobe's JSON output we consume.
type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type probeStream struct {
	Index        int    `json:"index"`
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	Channels     int    `json:"channels,omitempty"`
	SampleRate   string `json:"sample_rate,omitempty"`
	AvgFrameRate string `json:"avg_frame_rate,omitempty"`
	RFrameRate   string `json:"r_frame_rate,omitempty"`
	BitRate      string `json:"bit_rate,omitempty"`
}

// ProbeResult is what a probe learned about an input file. Duration,
// HasAudio, and Container are nil when ffprobe did not report them;
// absence is never collapsed to a zero value.
type ProbeResult struct {
	Duration  *time.Duration `json:"duration,omitempty"`
	HasAudio  *bool          `json:"has_audio,omitempty"`
	Container *string        `json:"container,omitempty"`

	// Diagnostic detail for logs and the doctor command.
	VideoCodec    string  `json:"video_codec,omitempty"`
	Width         int     `json:"width,omitempty"`
	Height        int     `json:"height,omitempty"`
	Framerate     float64 `json:"framerate,omitempty"`
	AudioCodec    string  `json:"audio_codec,omitempty"`
	AudioChannels int     `json:"audio_channels,omitempty"`
	SizeBytes     int64   `json:"size_bytes,omitempty"`
	BitRate       int     `json:"bit_rate,omitempty"`
}

const (
	defaultProbeTimeout = 10 * time.Second
	probeKillGrace      = 2 * time.Second
)

// Prober inspects input files with ffprobe. Probes run through the
// sandbox under a read-only subset of the caller's policy.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
	sandbox     *sandbox.Sandbox
}

// NewProber creates a prober using the given ffprobe binary.
func NewProber(ffprobePath string, sb *sandbox.Sandbox) *Prober {
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     defaultProbeTimeout,
		sandbox:     sb,
	}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	if timeout > 0 {
		p.timeout = timeout
	}
	return p
}

// Probe inspects path and reports duration, audio presence, and
// container format. The ffprobe child loses every write grant from the
// policy and is terminated if it outlives the timeout.
func (p *Prober) Probe(ctx context.Context, path string, policy sandbox.Policy) (*ProbeResult, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	var stdout, stderr bytes.Buffer
	h, err := p.sandbox.Spawn(policy.ReadOnly(), sandbox.SpawnRequest{
		Command: p.ffprobePath,
		Args:    args,
		Stdout:  &stdout,
		Stderr:  &stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("spawning ffprobe: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	res, err := h.Wait(waitCtx)
	if err != nil {
		_ = h.Terminate(probeKillGrace)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("probe timed out after %s", p.timeout)
		}
		return nil, fmt.Errorf("waiting for ffprobe: %w", err)
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "no error output"
		}
		return nil, fmt.Errorf("ffprobe exited %d: %s", res.ExitCode, msg)
	}

	return parseProbeOutput(stdout.Bytes())
}

// parseProbeOutput converts ffprobe JSON into a ProbeResult.
func parseProbeOutput(data []byte) (*ProbeResult, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}

	result := &ProbeResult{}

	if out.Format.Duration != "" {
		if secs, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil && secs >= 0 {
			d := time.Duration(secs * float64(time.Second))
			result.Duration = &d
		}
	}
	if out.Format.FormatName != "" {
		name := out.Format.FormatName
		result.Container = &name
	}
	if out.Format.Size != "" {
		if size, err := strconv.ParseInt(out.Format.Size, 10, 64); err == nil {
			result.SizeBytes = size
		}
	}
	if out.Format.BitRate != "" {
		if br, err := strconv.Atoi(out.Format.BitRate); err == nil {
			result.BitRate = br
		}
	}

	hasAudio := false
	for _, s := range out.Streams {
		switch s.CodecType {
		case "audio":
			hasAudio = true
			if result.AudioCodec == "" {
				result.AudioCodec = s.CodecName
				result.AudioChannels = s.Channels
			}
		case "video":
			if result.VideoCodec == "" {
				result.VideoCodec = s.CodecName
				result.Width = s.Width
				result.Height = s.Height
				result.Framerate = s.framerate()
			}
		}
	}
	// Only report audio presence when ffprobe actually listed streams.
	if len(out.Streams) > 0 {
		result.HasAudio = &hasAudio
	}

	return result, nil
}

// framerate parses "30000/1001" style rational framerates.
func (s probeStream) framerate() float64 {
	for _, raw := range []string{s.AvgFrameRate, s.RFrameRate} {
		if raw == "" {
			continue
		}
		if fr := parseFramerate(raw); fr > 0 {
			return fr
		}
	}
	return 0
}

func parseFramerate(fr string) float64 {
	parts := strings.Split(fr, "/")
	if len(parts) != 2 {
		if f, err := strconv.ParseFloat(fr, 64); err == nil {
			return f
		}
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}
