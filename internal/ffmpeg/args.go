package ffmpeg

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jmylchreest/vodarr/internal/media"
)

const (
	segmentSeconds = 6
	audioBitrate   = "128k"
)

// BuildArgs constructs the ffmpeg argv for one job: a single invocation
// producing the full rendition ladder as HLS, one variant directory per
// rendition plus a master playlist at the output root. Arguments are
// discrete elements; nothing here ever passes through a shell.
func BuildArgs(inputPath, outputDir string, spec media.TranscodeSpec) []string {
	ladder := dedupeLadder(spec.Ladder)
	names := variantNames(ladder)

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-y",
		"-stats",
		"-i", inputPath,
	}

	for range ladder {
		args = append(args, "-map", "0:v:0")
		if spec.IncludeAudio {
			args = append(args, "-map", "0:a:0")
		}
	}

	args = append(args, "-c:v", spec.VideoCodec)
	if spec.Preset != "" {
		args = append(args, "-preset", spec.Preset)
	}
	if spec.Tune != "" {
		args = append(args, "-tune", spec.Tune)
	}
	args = append(args, "-pix_fmt", "yuv420p")

	// Fixed GOP so segment boundaries land on keyframes.
	args = append(args,
		"-g", "48",
		"-keyint_min", "48",
		"-sc_threshold", "0",
	)

	if spec.FPS > 0 {
		args = append(args, "-r", strconv.Itoa(spec.FPS))
	}

	for i, r := range ladder {
		idx := strconv.Itoa(i)
		args = append(args,
			"-filter:v:"+idx, fmt.Sprintf("scale=-2:%d", r.Height),
			"-b:v:"+idx, r.Bitrate,
			"-maxrate:v:"+idx, r.Bitrate,
			"-bufsize:v:"+idx, doubleBitrate(r.Bitrate),
		)
	}

	if spec.IncludeAudio {
		args = append(args, "-c:a", spec.AudioCodec, "-b:a", audioBitrate)
	} else {
		args = append(args, "-an")
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-master_pl_name", MasterPlaylistName,
		"-var_stream_map", varStreamMap(names, spec.IncludeAudio),
		"-hls_segment_filename", filepath.Join(outputDir, "%v", "seg_%05d.ts"),
		filepath.Join(outputDir, "%v", "playlist.m3u8"),
	)

	return args
}

// dedupeLadder drops repeated (height, bitrate) renditions, keeping the
// first occurrence order.
func dedupeLadder(ladder []media.Rendition) []media.Rendition {
	seen := make(map[media.Rendition]struct{}, len(ladder))
	out := make([]media.Rendition, 0, len(ladder))
	for _, r := range ladder {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// variantNames derives the per-rendition directory names for a deduped
// ladder. Names are "<height>p"; when two renditions share a height the
// bitrate is appended to keep them distinct.
func variantNames(ladder []media.Rendition) []string {
	names := make([]string, 0, len(ladder))
	taken := make(map[string]struct{}, len(ladder))
	for _, r := range ladder {
		name := fmt.Sprintf("%dp", r.Height)
		if _, ok := taken[name]; ok {
			name = fmt.Sprintf("%dp-%s", r.Height, strings.ToLower(r.Bitrate))
		}
		taken[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// varStreamMap renders the -var_stream_map value pairing each video
// stream (and its audio twin when present) with a variant name.
func varStreamMap(names []string, includeAudio bool) string {
	entries := make([]string, 0, len(names))
	for i, name := range names {
		if includeAudio {
			entries = append(entries, fmt.Sprintf("v:%d,a:%d,name:%s", i, i, name))
		} else {
			entries = append(entries, fmt.Sprintf("v:%d,name:%s", i, name))
		}
	}
	return strings.Join(entries, " ")
}

// doubleBitrate returns twice the given bitrate, preserving its unit
// suffix. Used for the rate-control buffer size.
func doubleBitrate(bitrate string) string {
	suffix := ""
	num := bitrate
	if n := len(bitrate); n > 0 {
		switch bitrate[n-1] {
		case 'k', 'K', 'm', 'M':
			suffix = bitrate[n-1:]
			num = bitrate[:n-1]
		}
	}
	value, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return bitrate
	}
	return strconv.FormatFloat(value*2, 'f', -1, 64) + suffix
}
