package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// MasterPlaylistName is the master playlist filename written at the
// output root of every job.
const MasterPlaylistName = "master.m3u8"

// OutputCheck summarizes a verified HLS output tree.
type OutputCheck struct {
	MasterPlaylist string   `json:"master_playlist"`
	Variants       []string `json:"variants"`
	SegmentCount   int      `json:"segment_count"`
	TotalBytes     int64    `json:"total_bytes"`
}

// VerifyOutput checks that outputDir holds a finished HLS tree: a master
// playlist referencing at least one variant, every variant playlist
// parsed and finalized, and every referenced segment present and
// non-empty on disk.
func VerifyOutput(outputDir string) (*OutputCheck, error) {
	masterPath := filepath.Join(outputDir, MasterPlaylistName)
	data, err := os.ReadFile(masterPath)
	if err != nil {
		return nil, fmt.Errorf("reading master playlist: %w", err)
	}

	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing master playlist: %w", err)
	}
	mv, ok := pl.(*playlist.Multivariant)
	if !ok {
		return nil, errors.New("master playlist is not multivariant")
	}
	if len(mv.Variants) == 0 {
		return nil, errors.New("master playlist references no variants")
	}

	check := &OutputCheck{MasterPlaylist: masterPath}
	for _, variant := range mv.Variants {
		variantPath := filepath.Join(outputDir, filepath.FromSlash(variant.URI))
		segments, size, err := verifyVariant(variantPath)
		if err != nil {
			return nil, fmt.Errorf("variant %s: %w", variant.URI, err)
		}
		check.Variants = append(check.Variants, variant.URI)
		check.SegmentCount += segments
		check.TotalBytes += size
	}
	if check.SegmentCount == 0 {
		return nil, errors.New("no segments written")
	}
	return check, nil
}

// verifyVariant parses one media playlist and stats its segments.
func verifyVariant(variantPath string) (int, int64, error) {
	data, err := os.ReadFile(variantPath)
	if err != nil {
		return 0, 0, fmt.Errorf("reading playlist: %w", err)
	}
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing playlist: %w", err)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return 0, 0, errors.New("expected media playlist, got multivariant")
	}
	if !media.Endlist {
		return 0, 0, errors.New("playlist not finalized")
	}
	if len(media.Segments) == 0 {
		return 0, 0, errors.New("no segments listed")
	}

	dir := filepath.Dir(variantPath)
	var total int64
	for _, seg := range media.Segments {
		info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(seg.URI)))
		if err != nil {
			return 0, 0, fmt.Errorf("segment %s: %w", seg.URI, err)
		}
		if info.Size() == 0 {
			return 0, 0, fmt.Errorf("segment %s is empty", seg.URI)
		}
		total += info.Size()
	}
	return len(media.Segments), total, nil
}

// SegmentInspection is what a transport stream probe of one segment found.
type SegmentInspection struct {
	Programs     int  `json:"programs"`
	VideoStreams int  `json:"video_streams"`
	AudioStreams int  `json:"audio_streams"`
	HasPAT       bool `json:"has_pat"`
	HasPMT       bool `json:"has_pmt"`
}

// InspectSegment demuxes the leading tables of an MPEG-TS segment and
// reports its stream layout. The doctor command uses this for deep
// output checks; normal verification stops at playlist level.
func InspectSegment(ctx context.Context, path string) (*SegmentInspection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening segment: %w", err)
	}
	defer f.Close()

	insp := &SegmentInspection{}
	dmx := astits.NewDemuxer(ctx, bufio.NewReader(f))
	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("demuxing segment: %w", err)
		}
		if d.PAT != nil {
			insp.HasPAT = true
			insp.Programs = len(d.PAT.Programs)
		}
		if d.PMT != nil {
			insp.HasPMT = true
			for _, es := range d.PMT.ElementaryStreams {
				switch {
				case es.StreamType.IsVideo():
					insp.VideoStreams++
				case es.StreamType.IsAudio():
					insp.AudioStreams++
				}
			}
			// The PMT tells us everything we came for.
			break
		}
	}
	if !insp.HasPAT {
		return nil, errors.New("no program association table found")
	}
	return insp, nil
}
