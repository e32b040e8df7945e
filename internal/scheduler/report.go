package scheduler

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/google/renameio/v2"
	"github.com/ulikunitz/xz"

	"github.com/jmylchreest/vodarr/internal/media"
	"github.com/jmylchreest/vodarr/pkg/format"
)

// BatchReport is the terminal outcome of one Process call: every result
// in seal order plus the counters derived from them.
type BatchReport struct {
	Results   []media.JobResult `json:"results"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	Total     int               `json:"total"`
	OK        int               `json:"ok"`
	Failed    int               `json:"failed"`
	Cancelled int               `json:"cancelled"`
	Skipped   int               `json:"skipped"`
	// Interrupted is set when the batch was aborted by context
	// cancellation rather than finishing on its own.
	Interrupted bool `json:"interrupted"`
}

// Succeeded reports whether every executed job finished ok. Skipped
// intake entries do not count against the batch.
func (r BatchReport) Succeeded() bool {
	return r.Failed == 0 && r.Cancelled == 0 && !r.Interrupted
}

// Duration is the wall time the batch took.
func (r BatchReport) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// AddSkipped folds intake-skipped files into the report, ahead of the
// job results, and recounts.
func (r *BatchReport) AddSkipped(results ...media.JobResult) {
	if len(results) == 0 {
		return
	}
	merged := make([]media.JobResult, 0, len(results)+len(r.Results))
	merged = append(merged, results...)
	merged = append(merged, r.Results...)
	r.Results = merged
	r.Total += len(results)
	r.Skipped += len(results)
}

// SkippedResult seals a terminal result for a file the intake pass
// excluded, so reports account for every input file.
func SkippedResult(path string, reason error) media.JobResult {
	now := time.Now().UTC()
	return media.JobResult{
		JobID:     media.NewJobID(),
		Status:    media.StatusSkipped,
		ErrorKind: media.ErrKindIntake,
		Message:   fmt.Sprintf("%s: %v", path, reason),
		StartedAt: now,
		EndedAt:   now,
	}
}

// Summary renders the report as human-readable text: one counters line,
// then a block per job that did not finish ok. Jobs resolve to their
// names where known, otherwise the job id stands in.
func Summary(r BatchReport, jobs []media.Job) string {
	names := make(map[media.JobID]string, len(jobs))
	for _, j := range jobs {
		names[j.ID] = j.Name
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "batch: %s total, %s ok, %s failed, %s cancelled, %s skipped in %s\n",
		format.Number(int64(r.Total)),
		format.Number(int64(r.OK)),
		format.Number(int64(r.Failed)),
		format.Number(int64(r.Cancelled)),
		format.Number(int64(r.Skipped)),
		format.Seconds(r.Duration()))
	if r.Interrupted {
		sb.WriteString("batch was interrupted before completion\n")
	}

	for _, res := range r.Results {
		if res.OK() {
			continue
		}
		name := names[res.JobID]
		if name == "" {
			name = string(res.JobID)
		}
		fmt.Fprintf(&sb, "\n%s %s", res.Status, name)
		if res.ErrorKind != "" {
			fmt.Fprintf(&sb, " [%s]", res.ErrorKind)
		}
		if res.Message != "" {
			fmt.Fprintf(&sb, ": %s", res.Message)
		}
		if len(res.StderrTail) > 0 {
			sb.WriteString("\n  stderr:")
			for _, line := range res.StderrTail {
				sb.WriteString("\n    ")
				sb.WriteString(line)
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// WriteJSON atomically publishes v as indented JSON at path. The
// extension picks the compression: .xz, .br, or .bz2; anything else is
// written plain. Besides batch reports it also backs the history export
// command.
func WriteJSON(path string, v any) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("creating pending report file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	w, flush, err := compressTo(pending, filepath.Ext(path))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("publishing report: %w", err)
	}
	return nil
}

// compressTo wraps w in a compressor for the extension. The returned
// flush finalizes the compressed stream without closing w itself.
func compressTo(w io.Writer, ext string) (io.Writer, func() error, error) {
	switch ext {
	case ".xz":
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("creating xz writer: %w", err)
		}
		return xw, func() error {
			if err := xw.Close(); err != nil {
				return fmt.Errorf("closing xz writer: %w", err)
			}
			return nil
		}, nil
	case ".br":
		bw := brotli.NewWriter(w)
		return bw, func() error {
			if err := bw.Close(); err != nil {
				return fmt.Errorf("closing brotli writer: %w", err)
			}
			return nil
		}, nil
	case ".bz2":
		// The standard library reads bzip2 but cannot write it.
		bw, err := bzip2.NewWriter(w, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("creating bzip2 writer: %w", err)
		}
		return bw, func() error {
			if err := bw.Close(); err != nil {
				return fmt.Errorf("closing bzip2 writer: %w", err)
			}
			return nil
		}, nil
	default:
		return w, func() error { return nil }, nil
	}
}
