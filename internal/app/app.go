// Package app wires the configuration snapshot into the batch pipeline
// and owns the component lifecycle: binary checks, sandbox, driver,
// intake, scheduler, organizer, history, and the optional status API.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmylchreest/vodarr/internal/api"
	"github.com/jmylchreest/vodarr/internal/config"
	"github.com/jmylchreest/vodarr/internal/database"
	"github.com/jmylchreest/vodarr/internal/ffmpeg"
	"github.com/jmylchreest/vodarr/internal/history"
	"github.com/jmylchreest/vodarr/internal/intake"
	"github.com/jmylchreest/vodarr/internal/media"
	"github.com/jmylchreest/vodarr/internal/observability"
	"github.com/jmylchreest/vodarr/internal/organizer"
	"github.com/jmylchreest/vodarr/internal/sandbox"
	"github.com/jmylchreest/vodarr/internal/scheduler"
)

// Exit codes for the CLI contract.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

const historyRecordTimeout = 10 * time.Second

// App holds every wired component for one configuration snapshot.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	binaries  *ffmpeg.BinaryInfo
	auditor   *sandbox.Auditor
	auditFile *os.File
	sandbox   *sandbox.Sandbox
	intake    *intake.Intake
	scheduler *scheduler.Scheduler
	organizer *organizer.Organizer
	tracker   *api.Tracker

	db       *database.DB
	repo     *history.Repository
	recorder *history.Recorder
}

// New builds an App from the configuration. It fails when the ffmpeg or
// ffprobe binary is missing or unversioned, when a naming pattern does
// not compile, or when the history database cannot be opened.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	detector := ffmpeg.NewBinaryDetector().
		WithPaths(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath)
	binaries, err := detector.Detect(ctx)
	if err != nil {
		return nil, fmt.Errorf("detecting transcoder binaries: %w", err)
	}
	if err := binaries.Require(); err != nil {
		return nil, err
	}
	logger.Debug("transcoder binaries detected",
		slog.String("ffmpeg", binaries.FFmpegPath),
		slog.String("ffprobe", binaries.FFprobePath),
		slog.String("version", binaries.Version))

	a := &App{
		cfg:      cfg,
		logger:   logger,
		binaries: binaries,
		tracker:  api.NewTracker(),
	}

	a.openAuditLog()

	a.sandbox = sandbox.New(sandbox.Options{
		Auditor:        a.auditor,
		Logger:         observability.WithComponent(logger, "sandbox"),
		TerminateGrace: cfg.Timeouts.TerminateGrace.Std(),
	})

	prober := ffmpeg.NewProber(binaries.FFprobePath, a.sandbox).
		WithTimeout(cfg.Timeouts.Probe.Std())

	driver := ffmpeg.NewDriver(ffmpeg.DriverOptions{
		FFmpegPath:     binaries.FFmpegPath,
		Prober:         prober,
		Sandbox:        a.sandbox,
		Logger:         observability.WithComponent(logger, "driver"),
		WallTimeout:    cfg.Timeouts.Wall.Std(),
		StallTimeout:   cfg.Timeouts.Stall.Std(),
		TerminateGrace: cfg.Timeouts.TerminateGrace.Std(),
	})

	a.intake, err = intake.New(intake.Options{
		Extension:         cfg.FileExtension,
		RenamePattern:     cfg.FileRenamePattern,
		ValidationPattern: cfg.FileValidationPattern,
		Logger:            observability.WithComponent(logger, "intake"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.organizer, err = organizer.New(organizer.Options{
		Pattern: cfg.FolderOrganizationPattern,
		Logger:  observability.WithComponent(logger, "organizer"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.scheduler = scheduler.New(driver).
		WithLogger(observability.WithComponent(logger, "scheduler"))

	if cfg.History.Enabled {
		if err := a.openHistory(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	return a, nil
}

// openAuditLog opens the sandbox audit sink. Audit is best-effort: a
// failure to open the file is logged and the sandbox runs unaudited.
func (a *App) openAuditLog() {
	path := a.cfg.AuditLogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		a.logger.Warn("audit log unavailable", slog.String("path", path), slog.Any("error", err))
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		a.logger.Warn("audit log unavailable", slog.String("path", path), slog.Any("error", err))
		return
	}
	a.auditFile = f
	a.auditor = sandbox.NewAuditor(f, a.cfg.Sandbox.AuditQueueSize,
		observability.WithComponent(a.logger, "audit"))
}

func (a *App) openHistory(ctx context.Context) error {
	hcfg := a.cfg.History
	hcfg.DSN = a.cfg.HistoryDSN()
	if hcfg.Driver == "" || hcfg.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(hcfg.DSN), 0o755); err != nil {
			return fmt.Errorf("creating history directory: %w", err)
		}
	}

	db, err := database.New(hcfg, observability.WithComponent(a.logger, "history"))
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}
	a.db = db

	a.repo = history.NewRepository(db.DB)
	if err := a.repo.Migrate(ctx); err != nil {
		return err
	}
	a.recorder = history.NewRecorder(a.repo, observability.WithComponent(a.logger, "history"))
	return nil
}

// Close releases everything the App holds: live children are terminated
// with the configured grace, then the audit queue drains and the history
// database closes.
func (a *App) Close() error {
	if a.sandbox != nil {
		a.sandbox.Shutdown(a.cfg.Timeouts.TerminateGrace.Std())
	}
	if a.auditor != nil {
		if err := a.auditor.Close(); err != nil {
			a.logger.Warn("closing audit queue", slog.Any("error", err))
		}
	}
	if a.auditFile != nil {
		if err := a.auditFile.Close(); err != nil {
			a.logger.Warn("closing audit log", slog.Any("error", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("closing history database", slog.Any("error", err))
			return err
		}
	}
	return nil
}

// Binaries returns the detected ffmpeg/ffprobe info.
func (a *App) Binaries() *ffmpeg.BinaryInfo {
	return a.binaries
}

// Tracker returns the live progress tracker backing the status API.
func (a *App) Tracker() *api.Tracker {
	return a.tracker
}

// History returns the history repository, or nil when history is disabled.
func (a *App) History() *history.Repository {
	return a.repo
}

// Policy builds the sandbox policy for one batch. The input folder is
// always readable and the output folder writable; both transcoder
// binaries are whitelisted alongside any configured commands.
func (a *App) Policy() sandbox.Policy {
	sc := a.cfg.Sandbox

	allowed := make([]string, 0, len(sc.AllowedCommands)+2)
	allowed = append(allowed, a.binaries.FFmpegPath, a.binaries.FFprobePath)
	allowed = append(allowed, sc.AllowedCommands...)

	read := make([]string, 0, len(sc.AllowRead)+1)
	read = append(read, a.cfg.InputFolder)
	read = append(read, sc.AllowRead...)

	write := make([]string, 0, len(sc.AllowWrite)+1)
	write = append(write, a.cfg.OutputFolder)
	write = append(write, sc.AllowWrite...)

	return sandbox.Policy{
		AllowedCommands:        allowed,
		BlockedCommands:        sc.BlockedCommands,
		AllowedCommandPatterns: sc.AllowedCommandPatterns,
		BlockedCommandPatterns: sc.BlockedCommandPatterns,
		AllowRead:              read,
		AllowWrite:             write,
		Deny:                   sc.Deny,
		MaxCPUPercent:          sc.MaxCPUPercent,
		MaxRSSBytes:            sc.MaxRSS.Bytes(),
		MaxFileSizeBytes:       sc.MaxFileSize.Bytes(),
		MaxProcesses:           sc.MaxProcesses,
		WallTimeout:            a.cfg.Timeouts.Wall.Std(),
		ValidateArgs:           true,
		KillOnBreach:           sc.KillOnBreach,
	}
}

// RunBatch performs one full sweep: intake, transcode, organize, record,
// report, summary. The returned report covers every input file seen,
// including intake skips. The error covers failures to assemble the
// batch at all; job failures live in the report.
func (a *App) RunBatch(ctx context.Context) (scheduler.BatchReport, error) {
	cfg := a.cfg

	jobs, skipped, err := a.intake.Collect(cfg.InputFolder, cfg.OutputFolder, cfg.FFmpegParams, cfg.AutoRenameFiles)
	if err != nil {
		return scheduler.BatchReport{}, fmt.Errorf("collecting input files: %w", err)
	}
	if len(jobs) == 0 && len(skipped) == 0 {
		a.logger.Info("no media files found", slog.String("input", cfg.InputFolder))
	} else {
		a.logger.Info("batch assembled",
			slog.Int("jobs", len(jobs)),
			slog.Int("skipped", len(skipped)),
			slog.String("input", cfg.InputFolder),
			slog.String("output", cfg.OutputFolder))
	}

	a.tracker.BeginBatch(jobs)
	defer a.tracker.EndBatch()

	report := a.scheduler.Process(ctx, jobs, cfg.FFmpegParams, a.Policy(), scheduler.Options{
		Parallelism:    cfg.MaxParallelJobs,
		StopOnFatal:    cfg.StopOnFatal,
		TerminateGrace: cfg.Timeouts.TerminateGrace.Std(),
		ProgressSink:   a.tracker.ObserveJob,
		AggregateSink:  a.observeAggregate,
	})
	for _, s := range skipped {
		report.AddSkipped(scheduler.SkippedResult(s.Path, s.Err))
	}

	if cfg.AutoOrganizeFolders && !report.Interrupted {
		if moved, err := a.organizer.Organize(cfg.OutputFolder); err != nil {
			a.logger.Warn("organize pass failed", slog.Any("error", err))
		} else if moved > 0 {
			a.logger.Info("organize pass finished", slog.Int("moved", moved))
		}
	}

	a.record(report, jobs)
	a.writeReport(report)

	fmt.Fprint(os.Stdout, scheduler.Summary(report, jobs))

	return report, nil
}

// observeAggregate feeds the status API tracker and logs batch motion.
// The scheduler rate-limits calls, so this stays quiet enough for logs.
func (a *App) observeAggregate(p scheduler.BatchProgress) {
	a.tracker.ObserveAggregate(p)
	a.logger.Info("batch progress",
		slog.String("done", fmt.Sprintf("%d/%d", p.Completed, p.Total)),
		slog.Int("in_flight", p.InFlight),
		slog.String("progress", fmt.Sprintf("%.1f%%", p.Fraction*100)))
}

// record persists the batch outcome. Recording uses its own deadline
// instead of the batch context, so an interrupted run is still recorded.
func (a *App) record(report scheduler.BatchReport, jobs []media.Job) {
	if a.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyRecordTimeout)
	defer cancel()

	if _, err := a.recorder.Record(ctx, report, jobs, a.cfg.InputFolder, a.cfg.OutputFolder); err != nil {
		a.logger.Warn("recording batch history failed", slog.Any("error", err))
	}
}

// writeReport exports the machine-readable batch report.
func (a *App) writeReport(report scheduler.BatchReport) {
	dir := a.cfg.ReportPath()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.logger.Warn("creating report directory failed", slog.String("dir", dir), slog.Any("error", err))
		return
	}

	name := "batch-" + report.StartedAt.Format("20060102-150405") + ".json"
	if a.cfg.Report.Compression != "" {
		name += "." + a.cfg.Report.Compression
	}
	path := filepath.Join(dir, name)

	if err := scheduler.WriteJSON(path, report); err != nil {
		a.logger.Warn("writing batch report failed", slog.String("path", path), slog.Any("error", err))
		return
	}
	a.logger.Info("batch report written", slog.String("path", path))
}

// ExitCode maps a batch outcome onto the CLI exit contract: 130 when a
// signal interrupted the run, 1 for assembly errors or any failed or
// cancelled job, 0 otherwise.
func ExitCode(report scheduler.BatchReport, err error) int {
	switch {
	case report.Interrupted:
		return ExitInterrupted
	case err != nil:
		return ExitFailure
	case !report.Succeeded():
		return ExitFailure
	default:
		return ExitOK
	}
}
