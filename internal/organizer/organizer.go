// Package organizer sweeps finished output directories into parent
// buckets: a top-level directory whose name matches the organization
// pattern moves under output_root/<parent>/<name>, where <parent> is the
// pattern's first capture. Conflicts are logged and left alone, so the
// sweep is safe to repeat.
package organizer

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
)

// Options configures an Organizer.
type Options struct {
	// Pattern's first capture group names the parent bucket.
	Pattern string
	Logger  *slog.Logger
}

// Organizer holds the compiled bucket pattern.
type Organizer struct {
	pattern *regexp.Regexp
	logger  *slog.Logger
}

// New compiles the organization pattern, which must carry at least one
// capture group.
func New(opts Options) (*Organizer, error) {
	re, err := regexp.Compile(opts.Pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling organization pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("organization pattern %q has no capture group", opts.Pattern)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Organizer{pattern: re, logger: logger}, nil
}

// Organize moves every matching top-level directory under outputRoot
// into its parent bucket and returns how many moved. Per-directory
// problems are logged and skipped; only failing to list the root is an
// error. Running it again over its own result changes nothing.
func (o *Organizer) Organize(outputRoot string) (int, error) {
	entries, err := os.ReadDir(outputRoot)
	if err != nil {
		return 0, fmt.Errorf("reading output root: %w", err)
	}

	moved := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()

		m := o.pattern.FindStringSubmatch(name)
		if m == nil || m[1] == "" {
			o.logger.Debug("directory does not match the organization pattern",
				slog.String("name", name))
			continue
		}
		parent := m[1]
		if parent == name {
			// The directory already is a bucket.
			continue
		}

		src := filepath.Join(outputRoot, name)
		dst := filepath.Join(outputRoot, parent, name)
		if _, err := os.Lstat(dst); err == nil {
			o.logger.Warn("organize target already exists",
				slog.String("name", name),
				slog.String("target", dst))
			continue
		} else if !os.IsNotExist(err) {
			o.logger.Warn("checking organize target",
				slog.String("target", dst),
				slog.Any("error", err))
			continue
		}

		if err := os.MkdirAll(filepath.Join(outputRoot, parent), 0o755); err != nil {
			o.logger.Warn("creating parent bucket",
				slog.String("parent", parent),
				slog.Any("error", err))
			continue
		}
		if err := moveTree(src, dst); err != nil {
			o.logger.Warn("moving directory",
				slog.String("name", name),
				slog.Any("error", err))
			continue
		}

		moved++
		o.logger.Info("organized output",
			slog.String("name", name),
			slog.String("parent", parent))
	}
	return moved, nil
}

// moveTree renames src to dst, falling back to copy plus remove when the
// rename fails (cross-filesystem moves).
func moveTree(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyTree(src, dst); err != nil {
		os.RemoveAll(dst)
		return err
	}
	return os.RemoveAll(src)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying to %s: %w", dst, err)
	}
	return out.Close()
}
