// Package intake prepares the input file set for a batch: enumerate the
// input folder, normalize file names to their canonical form, validate
// against the naming contract, and derive one Job per surviving file.
// Per-file problems never abort the pass; they surface as skipped
// entries the scheduler reports alongside real results.
package intake

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/jmylchreest/vodarr/internal/media"
)

// Skipped is a file the intake pass excluded, with the reason.
type Skipped struct {
	Path string
	Err  error
}

// Options configures an Intake.
type Options struct {
	// Extension filters enumeration, with or without the leading dot.
	Extension string
	// RenamePattern must contain a capture group; the canonical name is
	// the capture plus the original extension.
	RenamePattern string
	// ValidationPattern decides which names are dispatchable.
	ValidationPattern string
	Logger            *slog.Logger
}

// Intake holds the compiled naming contract for one batch.
type Intake struct {
	extension string
	rename    *regexp.Regexp
	validate  *regexp.Regexp
	logger    *slog.Logger
}

// New compiles the naming patterns. The rename pattern must carry at
// least one capture group, since the capture becomes the new name.
func New(opts Options) (*Intake, error) {
	ext := opts.Extension
	if ext == "" {
		ext = ".mp4"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	renameRe, err := regexp.Compile(opts.RenamePattern)
	if err != nil {
		return nil, fmt.Errorf("compiling rename pattern: %w", err)
	}
	if renameRe.NumSubexp() < 1 {
		return nil, fmt.Errorf("rename pattern %q has no capture group", opts.RenamePattern)
	}
	validateRe, err := regexp.Compile(opts.ValidationPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling validation pattern: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		extension: ext,
		rename:    renameRe,
		validate:  validateRe,
		logger:    logger,
	}, nil
}

// Extension returns the normalized extension filter, with leading dot.
func (in *Intake) Extension() string {
	return in.extension
}

// Collect runs the full intake pass over root: enumerate, optionally
// rename, validate, and build jobs. Files that fail any step come back
// as skipped entries.
func (in *Intake) Collect(root, outputFolder string, spec media.TranscodeSpec, rename bool) ([]media.Job, []Skipped, error) {
	paths, err := in.Enumerate(root)
	if err != nil {
		return nil, nil, err
	}

	var skipped []Skipped
	if rename {
		paths, skipped = in.Rename(paths)
	}

	valid, invalid := in.Validate(paths)
	for _, path := range invalid {
		err := fmt.Errorf("name %q does not match the validation pattern", filepath.Base(path))
		in.logger.Warn("skipping file", slog.String("path", path), slog.String("reason", err.Error()))
		skipped = append(skipped, Skipped{Path: path, Err: err})
	}

	return BuildJobs(valid, outputFolder, spec), skipped, nil
}

// Enumerate lists files with the configured extension directly under
// root. Not recursive. Glob keeps the result sorted, so submission order
// is stable across runs.
func (in *Intake) Enumerate(root string) ([]string, error) {
	pattern := filepath.Join(root, "*"+in.extension)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", pattern, err)
	}

	files := make([]string, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		abs, err := filepath.Abs(m)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", m, err)
		}
		files = append(files, abs)
	}
	return files, nil
}

// Rename normalizes every path to its canonical name and returns the
// resulting paths plus the files that could not be renamed. Running it
// again over its own output changes nothing.
func (in *Intake) Rename(paths []string) ([]string, []Skipped) {
	out := make([]string, 0, len(paths))
	var skipped []Skipped
	for _, path := range paths {
		renamed, err := in.renameOne(path)
		if err != nil {
			in.logger.Warn("skipping file",
				slog.String("path", path),
				slog.String("reason", err.Error()))
			skipped = append(skipped, Skipped{Path: path, Err: err})
			continue
		}
		out = append(out, renamed)
	}
	return out, skipped
}

func (in *Intake) renameOne(path string) (string, error) {
	base := filepath.Base(path)
	if in.validate.MatchString(base) {
		// Already canonical.
		return path, nil
	}

	cleaned := canonicalName(base)
	m := in.rename.FindStringSubmatch(cleaned)
	if m == nil || m[1] == "" {
		return "", fmt.Errorf("name %q does not match the rename pattern", base)
	}

	target := filepath.Join(filepath.Dir(path), m[1]+filepath.Ext(cleaned))
	if target == path {
		return path, nil
	}
	if _, err := os.Lstat(target); err == nil {
		return "", fmt.Errorf("rename target %q already exists", filepath.Base(target))
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking rename target: %w", err)
	}

	if err := moveFile(path, target); err != nil {
		return "", err
	}
	in.logger.Info("renamed input file",
		slog.String("from", base),
		slog.String("to", filepath.Base(target)))
	return target, nil
}

// Validate partitions paths by matching the base name against the
// validation pattern.
func (in *Intake) Validate(paths []string) (valid, invalid []string) {
	for _, path := range paths {
		if in.validate.MatchString(filepath.Base(path)) {
			valid = append(valid, path)
		} else {
			invalid = append(invalid, path)
		}
	}
	return valid, invalid
}

// BuildJobs derives one Job per input path: normalized name, per-job
// output root, and the settings fingerprint.
func BuildJobs(paths []string, outputFolder string, spec media.TranscodeSpec) []media.Job {
	jobs := make([]media.Job, 0, len(paths))
	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		jobs = append(jobs, media.Job{
			ID:          media.NewJobID(),
			InputPath:   path,
			Name:        name,
			OutputRoot:  filepath.Join(outputFolder, name),
			Fingerprint: media.Fingerprint(path, spec),
		})
	}
	return jobs
}

// canonicalName strips all whitespace and applies Unicode NFC
// normalization, so visually identical names compare equal.
func canonicalName(name string) string {
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, name)
	return norm.NFC.String(stripped)
}

// moveFile renames src to dst, falling back to copy-then-rename plus
// source unlink when a direct rename fails (cross-device moves).
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	return copyThenRemove(src, dst)
}

func copyThenRemove(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer srcFile.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, err = io.Copy(tmp, srcFile)
	closeErr := tmp.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("copying to temp file: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming to target: %w", err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("removing original: %w", err)
	}
	return nil
}
