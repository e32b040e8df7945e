package history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/vodarr/internal/media"
	"github.com/jmylchreest/vodarr/internal/scheduler"
)

// Recorder turns finished batch reports into persisted history rows.
type Recorder struct {
	repo   *Repository
	logger *slog.Logger
}

// NewRecorder creates a recorder on top of an already migrated repository.
func NewRecorder(repo *Repository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, logger: logger}
}

// Record persists one batch report. Jobs supplies the name and input
// path for each result; results whose job is unknown (intake skips)
// are stored with what the result itself carries.
func (rec *Recorder) Record(ctx context.Context, report scheduler.BatchReport, jobs []media.Job, inputFolder, outputFolder string) (*Batch, error) {
	batch := NewBatch(report, jobs, inputFolder, outputFolder)
	if err := rec.repo.SaveBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("recording batch history: %w", err)
	}
	rec.logger.Debug("batch recorded",
		slog.String("batch_id", batch.ID.String()),
		slog.Int("jobs", len(batch.Jobs)))
	return batch, nil
}

// NewBatch converts a report and its jobs into an unsaved Batch model.
func NewBatch(report scheduler.BatchReport, jobs []media.Job, inputFolder, outputFolder string) *Batch {
	byID := make(map[media.JobID]*media.Job, len(jobs))
	for i := range jobs {
		byID[jobs[i].ID] = &jobs[i]
	}

	batch := &Batch{
		StartedAt:    report.StartedAt,
		EndedAt:      report.EndedAt,
		Total:        report.Total,
		OK:           report.OK,
		Failed:       report.Failed,
		Cancelled:    report.Cancelled,
		Skipped:      report.Skipped,
		Interrupted:  report.Interrupted,
		InputFolder:  inputFolder,
		OutputFolder: outputFolder,
		Jobs:         make([]JobRecord, 0, len(report.Results)),
	}
	for _, res := range report.Results {
		batch.Jobs = append(batch.Jobs, newJobRecord(res, byID[res.JobID]))
	}
	return batch
}
