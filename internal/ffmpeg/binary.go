// Package ffmpeg drives the external transcoder: binary detection,
// argument construction, stderr progress parsing, output verification,
// and the per-job transcode driver.
package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BinaryInfo contains information about the FFmpeg/FFprobe installation.
type BinaryInfo struct {
	FFmpegPath   string   `json:"ffmpeg_path"`
	FFprobePath  string   `json:"ffprobe_path,omitempty"`
	Version      string   `json:"version"`
	MajorVersion int      `json:"major_version"`
	MinorVersion int      `json:"minor_version"`
	Encoders     []string `json:"encoders,omitempty"`
}

// BinaryDetector handles detection and caching of FFmpeg binaries.
type BinaryDetector struct {
	mu           sync.RWMutex
	ffmpegPath   string
	ffprobePath  string
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a new binary detector.
func NewBinaryDetector() *BinaryDetector {
	return &BinaryDetector{
		cacheTTL: 5 * time.Minute,
	}
}

// WithPaths sets explicit binary paths, bypassing the search order.
// Empty values keep auto-detection for that binary.
func (d *BinaryDetector) WithPaths(ffmpegPath, ffprobePath string) *BinaryDetector {
	d.ffmpegPath = ffmpegPath
	d.ffprobePath = ffprobePath
	return d
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect locates ffmpeg and ffprobe and queries their capabilities.
// Results are cached; call Clear to force re-detection.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after acquiring write lock
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	info, err := d.detect(ctx)
	if err != nil {
		return nil, err
	}

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

// Clear clears the cached binary information.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

func (d *BinaryDetector) detect(ctx context.Context) (*BinaryInfo, error) {
	info := &BinaryInfo{}

	// Search order: explicit config path -> VODARR_FFMPEG_BINARY env var
	// -> ./ffmpeg -> PATH.
	ffmpegPath, err := findBinary("ffmpeg", d.ffmpegPath, "VODARR_FFMPEG_BINARY")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	info.FFmpegPath = ffmpegPath

	// ffprobe is detected the same way but its absence is tolerated here;
	// callers decide whether to require it.
	if ffprobePath, err := findBinary("ffprobe", d.ffprobePath, "VODARR_FFPROBE_BINARY"); err == nil {
		info.FFprobePath = ffprobePath
	}

	version, err := getVersion(ctx, ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	info.Version = version.full
	info.MajorVersion = version.major
	info.MinorVersion = version.minor

	if encoders, err := getEncoders(ctx, ffmpegPath); err == nil {
		info.Encoders = encoders
	}

	return info, nil
}

// Require returns an error unless both binaries were found with a parsed
// version. Used at startup; the doctor command reports instead.
func (info *BinaryInfo) Require() error {
	if info.FFmpegPath == "" || info.Version == "" {
		return fmt.Errorf("ffmpeg unavailable or version unreadable")
	}
	if info.FFprobePath == "" {
		return fmt.Errorf("ffprobe not found")
	}
	return nil
}

// HasEncoder returns true if the encoder is available.
func (info *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(info.Encoders, name)
}

// SupportsMinVersion returns true if the FFmpeg version meets the minimum.
func (info *BinaryInfo) SupportsMinVersion(major, minor int) bool {
	if info.MajorVersion > major {
		return true
	}
	return info.MajorVersion == major && info.MinorVersion >= minor
}

// JSON returns the binary info as a JSON string.
func (info *BinaryInfo) JSON() string {
	data, _ := json.MarshalIndent(info, "", "  ")
	return string(data)
}

// findBinary searches for an executable by name. Search order:
//  1. explicit path (if non-empty)
//  2. environment variable (if envVar is set)
//  3. ./name (current directory, useful for development)
//  4. name on PATH
func findBinary(name, explicit, envVar string) (string, error) {
	if explicit != "" {
		if isExecutable(explicit) {
			return explicit, nil
		}
		return "", fmt.Errorf("configured binary %s is not executable", explicit)
	}

	if envPath := os.Getenv(envVar); envPath != "" {
		if isExecutable(envPath) {
			return envPath, nil
		}
	}

	localPath := "./" + name
	if isExecutable(localPath) {
		return localPath, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("binary %s not found", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}

type versionInfo struct {
	full  string
	major int
	minor int
}

var versionRe = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// getVersion parses "ffmpeg version X.Y ..." from -version output. Builds
// report strings like "6.0", "n6.0-2-g..." or "6.0.1".
func getVersion(ctx context.Context, ffmpegPath string) (*versionInfo, error) {
	cmd := exec.CommandContext(ctx, ffmpegPath, "-version")
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	info := &versionInfo{}
	for _, line := range strings.Split(string(output), "\n") {
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) >= 3 {
			info.full = parts[2]
			if matches := versionRe.FindStringSubmatch(parts[2]); len(matches) >= 3 {
				info.major, _ = strconv.Atoi(matches[1])
				info.minor, _ = strconv.Atoi(matches[2])
			}
		}
		break
	}

	if info.full == "" {
		return nil, fmt.Errorf("failed to parse ffmpeg version")
	}
	return info, nil
}

// getEncoders parses the encoder table from "ffmpeg -encoders" output.
func getEncoders(ctx context.Context, ffmpegPath string) ([]string, error) {
	cmd := exec.CommandContext(ctx, ffmpegPath, "-encoders", "-hide_banner")
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var encoders []string
	inList := false
	for _, line := range strings.Split(string(output), "\n") {
		if strings.Contains(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}

		// Format: " V....D encoder_name  description"
		line = strings.TrimLeft(line, " ")
		if len(line) < 8 {
			continue
		}
		if line[0] != 'V' && line[0] != 'A' && line[0] != 'S' {
			continue
		}

		fields := strings.Fields(strings.TrimSpace(line[6:]))
		if len(fields) >= 1 && fields[0] != "" {
			encoders = append(encoders, fields[0])
		}
	}

	return encoders, nil
}
