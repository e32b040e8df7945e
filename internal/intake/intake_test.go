package intake

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vodarr/internal/media"
)

func newTestIntake(t *testing.T) *Intake {
	t.Helper()
	in, err := New(Options{
		Extension:         ".mp4",
		RenamePattern:     `^(\d+-\d+)\.mp4$`,
		ValidationPattern: `^\d+-\d+\.mp4$`,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return in
}

func touch(t *testing.T, path string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func TestNew_PatternErrors(t *testing.T) {
	_, err := New(Options{RenamePattern: `^\d+\.mp4$`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capture group")

	_, err = New(Options{RenamePattern: `(`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compiling rename pattern")

	_, err = New(Options{RenamePattern: `^(\d+)$`, ValidationPattern: `(`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compiling validation pattern")
}

func TestNew_ExtensionDefaults(t *testing.T) {
	in, err := New(Options{RenamePattern: `^(\d+)$`})
	require.NoError(t, err)
	assert.Equal(t, ".mp4", in.extension)

	in, err = New(Options{Extension: "mkv", RenamePattern: `^(\d+)$`})
	require.NoError(t, err)
	assert.Equal(t, ".mkv", in.extension)
}

func TestEnumerate(t *testing.T) {
	in := newTestIntake(t)
	dir := t.TempDir()

	touch(t, filepath.Join(dir, "b.mp4"))
	touch(t, filepath.Join(dir, "a.mp4"))
	touch(t, filepath.Join(dir, "notes.txt"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	touch(t, filepath.Join(dir, "sub", "nested.mp4"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dir.mp4"), 0o755))

	files, err := in.Enumerate(dir)
	require.NoError(t, err)

	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(dir, "a.mp4"), files[0])
	assert.Equal(t, filepath.Join(dir, "b.mp4"), files[1])
}

func TestEnumerate_EmptyDir(t *testing.T) {
	in := newTestIntake(t)
	files, err := in.Enumerate(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRename_NormalizesWhitespace(t *testing.T) {
	in := newTestIntake(t)
	dir := t.TempDir()
	spacey := touch(t, filepath.Join(dir, "123 - 456.mp4"))

	out, skipped := in.Rename([]string{spacey})

	assert.Empty(t, skipped)
	require.Len(t, out, 1)
	assert.Equal(t, filepath.Join(dir, "123-456.mp4"), out[0])
	assert.FileExists(t, out[0])
	assert.NoFileExists(t, spacey)

	// Running again over the result changes nothing.
	again, skipped := in.Rename(out)
	assert.Empty(t, skipped)
	assert.Equal(t, out, again)
}

func TestRename_SkipsCanonical(t *testing.T) {
	in := newTestIntake(t)
	dir := t.TempDir()
	canonical := touch(t, filepath.Join(dir, "123-456.mp4"))

	out, skipped := in.Rename([]string{canonical})

	assert.Empty(t, skipped)
	assert.Equal(t, []string{canonical}, out)
}

func TestRename_RefusesOverwrite(t *testing.T) {
	in := newTestIntake(t)
	dir := t.TempDir()
	canonical := touch(t, filepath.Join(dir, "123-456.mp4"))
	spacey := touch(t, filepath.Join(dir, "123 - 456.mp4"))

	out, skipped := in.Rename([]string{canonical, spacey})

	assert.Equal(t, []string{canonical}, out)
	require.Len(t, skipped, 1)
	assert.Equal(t, spacey, skipped[0].Path)
	assert.Contains(t, skipped[0].Err.Error(), "already exists")
	assert.FileExists(t, spacey, "the conflicting source must be left in place")
}

func TestRename_NoMatch(t *testing.T) {
	in := newTestIntake(t)
	dir := t.TempDir()
	bad := touch(t, filepath.Join(dir, "not canonical.mp4"))

	out, skipped := in.Rename([]string{bad})

	assert.Empty(t, out)
	require.Len(t, skipped, 1)
	assert.Contains(t, skipped[0].Err.Error(), "rename pattern")
}

func TestRename_UnicodeNormalization(t *testing.T) {
	in, err := New(Options{
		Extension:         ".mp4",
		RenamePattern:     `^(café-\d+)\.mp4$`,
		ValidationPattern: `^café-\d+\.mp4$`,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	dir := t.TempDir()
	// "e" plus a combining acute accent, with spaces around the dash.
	decomposed := touch(t, filepath.Join(dir, "café - 1.mp4"))

	out, skipped := in.Rename([]string{decomposed})

	assert.Empty(t, skipped)
	require.Len(t, out, 1)
	assert.Equal(t, filepath.Join(dir, "café-1.mp4"), out[0])
	assert.FileExists(t, out[0])
}

func TestValidate(t *testing.T) {
	in := newTestIntake(t)

	valid, invalid := in.Validate([]string{
		"/in/123-456.mp4",
		"/in/garbage.mp4",
		"/in/7-8.mp4",
	})

	assert.Equal(t, []string{"/in/123-456.mp4", "/in/7-8.mp4"}, valid)
	assert.Equal(t, []string{"/in/garbage.mp4"}, invalid)
}

func TestBuildJobs(t *testing.T) {
	spec := media.TranscodeSpec{VideoCodec: "libx264", Ladder: []media.Rendition{{Height: 720, Bitrate: "3000k"}}}

	jobs := BuildJobs([]string{"/in/123-456.mp4", "/in/7-8.mp4"}, "/out", spec)

	require.Len(t, jobs, 2)
	assert.Equal(t, "123-456", jobs[0].Name)
	assert.Equal(t, filepath.Join("/out", "123-456"), jobs[0].OutputRoot)
	assert.Equal(t, media.Fingerprint("/in/123-456.mp4", spec), jobs[0].Fingerprint)
	assert.NotEmpty(t, jobs[0].ID)
	assert.NotEqual(t, jobs[0].ID, jobs[1].ID)

	// Same path and settings always fingerprint the same.
	again := BuildJobs([]string{"/in/123-456.mp4"}, "/out", spec)
	assert.Equal(t, jobs[0].Fingerprint, again[0].Fingerprint)
}

func TestCollect(t *testing.T) {
	in := newTestIntake(t)
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "123 - 456.mp4"))
	touch(t, filepath.Join(dir, "7-8.mp4"))
	touch(t, filepath.Join(dir, "garbage!.mp4"))

	spec := media.TranscodeSpec{VideoCodec: "libx264"}
	jobs, skipped, err := in.Collect(dir, "/out", spec, true)
	require.NoError(t, err)

	require.Len(t, jobs, 2)
	names := []string{jobs[0].Name, jobs[1].Name}
	assert.Contains(t, names, "123-456")
	assert.Contains(t, names, "7-8")

	require.Len(t, skipped, 1)
	assert.Contains(t, skipped[0].Path, "garbage")
}

func TestCollect_RenameDisabled(t *testing.T) {
	in := newTestIntake(t)
	dir := t.TempDir()
	spacey := touch(t, filepath.Join(dir, "123 - 456.mp4"))
	touch(t, filepath.Join(dir, "7-8.mp4"))

	jobs, skipped, err := in.Collect(dir, "/out", media.TranscodeSpec{}, false)
	require.NoError(t, err)

	// Without renaming the spacey file fails validation instead.
	require.Len(t, jobs, 1)
	assert.Equal(t, "7-8", jobs[0].Name)
	require.Len(t, skipped, 1)
	assert.Equal(t, spacey, skipped[0].Path)
	assert.FileExists(t, spacey)
}

func TestCopyThenRemove(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.mp4")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))
	dst := filepath.Join(dir, "dst.mp4")

	require.NoError(t, copyThenRemove(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.NoFileExists(t, src)
}

func TestCopyThenRemove_MissingSource(t *testing.T) {
	dir := t.TempDir()
	err := copyThenRemove(filepath.Join(dir, "absent"), filepath.Join(dir, "dst"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening source")
}
