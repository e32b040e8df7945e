package ffmpeg

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript drops an executable shell script into dir and returns its
// path. Tests that spawn children are POSIX-only.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixtures require a POSIX shell")
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

const fakeFFmpegBody = `case "$1" in
-version)
	echo "ffmpeg version 6.1.1-static Copyright (c) 2000-2023 the FFmpeg developers"
	echo "built with gcc 13"
	;;
-encoders)
	echo "Encoders:"
	echo " V..... = Video"
	echo " ------"
	echo " V....D libx264              H.264 / AVC / MPEG-4 AVC (codec h264)"
	echo " V....D libx265              H.265 / HEVC"
	echo " A....D aac                  AAC (Advanced Audio Coding)"
	;;
esac
exit 0
`

func TestBinaryDetector_Detect(t *testing.T) {
	dir := t.TempDir()
	ffmpeg := writeScript(t, dir, "ffmpeg", fakeFFmpegBody)
	ffprobe := writeScript(t, dir, "ffprobe", "exit 0\n")

	d := NewBinaryDetector().WithPaths(ffmpeg, ffprobe)
	info, err := d.Detect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ffmpeg, info.FFmpegPath)
	assert.Equal(t, ffprobe, info.FFprobePath)
	assert.Equal(t, "6.1.1-static", info.Version)
	assert.Equal(t, 6, info.MajorVersion)
	assert.Equal(t, 1, info.MinorVersion)
	assert.Equal(t, []string{"libx264", "libx265", "aac"}, info.Encoders)
	assert.True(t, info.HasEncoder("libx264"))
	assert.False(t, info.HasEncoder("libvpx"))
	assert.NoError(t, info.Require())

	// Second call within the TTL returns the cached value.
	again, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Same(t, info, again)

	d.Clear()
	cleared, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, info, cleared)
}

func TestBinaryDetector_CacheExpires(t *testing.T) {
	dir := t.TempDir()
	ffmpeg := writeScript(t, dir, "ffmpeg", fakeFFmpegBody)

	d := NewBinaryDetector().WithPaths(ffmpeg, "").WithCacheTTL(time.Nanosecond)
	first, err := d.Detect(context.Background())
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	second, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestBinaryDetector_MissingFFprobe(t *testing.T) {
	dir := t.TempDir()
	ffmpeg := writeScript(t, dir, "ffmpeg", fakeFFmpegBody)
	t.Setenv("PATH", t.TempDir())
	t.Setenv("VODARR_FFPROBE_BINARY", "")

	d := NewBinaryDetector().WithPaths(ffmpeg, "")
	info, err := d.Detect(context.Background())
	require.NoError(t, err)

	assert.Empty(t, info.FFprobePath)
	assert.Error(t, info.Require())
}

func TestBinaryDetector_UnparseableVersion(t *testing.T) {
	dir := t.TempDir()
	ffmpeg := writeScript(t, dir, "ffmpeg", "echo \"not a version banner\"\nexit 0\n")

	d := NewBinaryDetector().WithPaths(ffmpeg, "")
	_, err := d.Detect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestFindBinary(t *testing.T) {
	dir := t.TempDir()
	tool := writeScript(t, dir, "mytool", "exit 0\n")

	t.Run("explicit path", func(t *testing.T) {
		got, err := findBinary("mytool", tool, "VODARR_TEST_UNSET")
		require.NoError(t, err)
		assert.Equal(t, tool, got)
	})

	t.Run("explicit path not executable", func(t *testing.T) {
		plain := filepath.Join(dir, "plain.txt")
		require.NoError(t, os.WriteFile(plain, []byte("data"), 0o644))
		_, err := findBinary("mytool", plain, "VODARR_TEST_UNSET")
		assert.Error(t, err)
	})

	t.Run("env var", func(t *testing.T) {
		t.Setenv("VODARR_TEST_BIN", tool)
		got, err := findBinary("mytool", "", "VODARR_TEST_BIN")
		require.NoError(t, err)
		assert.Equal(t, tool, got)
	})

	t.Run("path lookup", func(t *testing.T) {
		t.Setenv("PATH", dir)
		got, err := findBinary("mytool", "", "VODARR_TEST_UNSET")
		require.NoError(t, err)
		assert.Contains(t, got, "mytool")
	})

	t.Run("not found", func(t *testing.T) {
		t.Setenv("PATH", t.TempDir())
		_, err := findBinary("definitely-absent", "", "VODARR_TEST_UNSET")
		assert.Error(t, err)
	})
}

func TestBinaryInfo_SupportsMinVersion(t *testing.T) {
	info := &BinaryInfo{MajorVersion: 6, MinorVersion: 1}

	assert.True(t, info.SupportsMinVersion(5, 0))
	assert.True(t, info.SupportsMinVersion(6, 0))
	assert.True(t, info.SupportsMinVersion(6, 1))
	assert.False(t, info.SupportsMinVersion(6, 2))
	assert.False(t, info.SupportsMinVersion(7, 0))
}

func TestIsExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are POSIX-only")
	}
	dir := t.TempDir()

	exe := filepath.Join(dir, "exe")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755))
	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))

	assert.True(t, isExecutable(exe))
	assert.False(t, isExecutable(plain))
	assert.False(t, isExecutable(dir))
	assert.False(t, isExecutable(filepath.Join(dir, "missing")))
}
