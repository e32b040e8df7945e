package ffmpeg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/vodarr/internal/media"
	"github.com/jmylchreest/vodarr/internal/sandbox"
)

// ProgressSink receives advisory progress events for one job. The driver
// calls it inline from the child's stderr reader, so implementations
// must return quickly and never block.
type ProgressSink func(media.ProgressEvent)

// stderrTailLines is how many trailing stderr lines a failure report carries.
const stderrTailLines = 10

// watchdogInterval is how often the wall and stall deadlines are checked.
const watchdogInterval = 500 * time.Millisecond

// state tracks one job through the driver's lifecycle.
type state string

const (
	stateInit        state = "init"
	stateProbing     state = "probing"
	stateSpawning    state = "spawning"
	stateRunning     state = "running"
	stateFinalizing  state = "finalizing"
	stateTerminating state = "terminating"
	stateDone        state = "done"
)

// terminateReason records why the watchdog stopped a child. The first
// cause wins; later ones are ignored.
type terminateReason int32

const (
	reasonNone terminateReason = iota
	reasonCancelled
	reasonWallTimeout
	reasonStalled
)

const (
	defaultWallTimeout  = 4 * time.Hour
	defaultStallTimeout = 60 * time.Second
	defaultTermGrace    = 5 * time.Second
)

// DriverOptions configures a Driver.
type DriverOptions struct {
	FFmpegPath string
	Prober     *Prober
	Sandbox    *sandbox.Sandbox
	Logger     *slog.Logger
	// WallTimeout bounds the child's total runtime.
	WallTimeout time.Duration
	// StallTimeout bounds the gap between progress heartbeats.
	StallTimeout time.Duration
	// TerminateGrace is the window between the graceful signal and the
	// forced kill.
	TerminateGrace time.Duration
}

// Driver runs one transcode job at a time: probe, spawn through the
// sandbox, track progress, enforce deadlines, verify output. Drivers are
// stateless across jobs and safe for concurrent Run calls.
type Driver struct {
	ffmpegPath   string
	prober       *Prober
	sandbox      *sandbox.Sandbox
	logger       *slog.Logger
	wallTimeout  time.Duration
	stallTimeout time.Duration
	grace        time.Duration
}

// NewDriver creates a Driver.
func NewDriver(opts DriverOptions) *Driver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wall := opts.WallTimeout
	if wall <= 0 {
		wall = defaultWallTimeout
	}
	stall := opts.StallTimeout
	if stall <= 0 {
		stall = defaultStallTimeout
	}
	grace := opts.TerminateGrace
	if grace <= 0 {
		grace = defaultTermGrace
	}
	return &Driver{
		ffmpegPath:   opts.FFmpegPath,
		prober:       opts.Prober,
		sandbox:      opts.Sandbox,
		logger:       logger,
		wallTimeout:  wall,
		stallTimeout: stall,
		grace:        grace,
	}
}

// jobRun is the mutable state of one Run call.
type jobRun struct {
	job    media.Job
	sink   ProgressSink
	parser *ProgressParser
	logger *slog.Logger

	lastBeat atomic.Int64 // unix nanos of the last progress heartbeat
	reason   atomic.Int32 // terminateReason
}

func (rt *jobRun) emit(fraction float64, stage media.Stage) {
	rt.sink(media.ProgressEvent{
		JobID:    rt.job.ID,
		Fraction: fraction,
		Stage:    stage,
		At:       time.Now().UTC(),
	})
}

func (rt *jobRun) setState(s state) {
	rt.logger.Debug("job state", slog.String("state", string(s)))
}

// Run executes one job to completion and returns its sealed result. The
// child is terminated when ctx is cancelled, the wall timeout passes, or
// progress stalls; Run itself always drains the child before returning.
func (d *Driver) Run(ctx context.Context, job media.Job, spec media.TranscodeSpec, policy sandbox.Policy, sink ProgressSink) media.JobResult {
	if sink == nil {
		sink = func(media.ProgressEvent) {}
	}
	rt := &jobRun{
		job:    job,
		sink:   sink,
		logger: d.logger.With(slog.String("job_id", string(job.ID)), slog.String("input", job.InputPath)),
	}
	result := media.JobResult{
		JobID:     job.ID,
		StartedAt: time.Now().UTC(),
	}
	rt.setState(stateInit)

	// Probe the input. A failed probe is not fatal: ffmpeg reads the
	// duration itself and the parser learns it from stderr.
	rt.setState(stateProbing)
	rt.emit(0, media.StageProbing)
	effSpec := spec
	var knownDuration time.Duration
	if d.prober != nil {
		if info, err := d.prober.Probe(ctx, job.InputPath, policy); err != nil {
			rt.logger.Warn("probe failed", slog.String("error", err.Error()))
		} else {
			if info.Duration != nil {
				knownDuration = *info.Duration
			}
			if effSpec.IncludeAudio && info.HasAudio != nil && !*info.HasAudio {
				rt.logger.Info("input has no audio stream, encoding video only")
				effSpec.IncludeAudio = false
			}
		}
	}
	if ctx.Err() != nil {
		return d.seal(rt, result, media.StatusCancelled, media.ErrKindCancelled, "cancelled before spawn", nil, nil)
	}

	// Validate before touching the filesystem, so a rejected job leaves
	// no partial output behind.
	rt.setState(stateSpawning)
	args := BuildArgs(job.InputPath, job.OutputRoot, effSpec)
	req := sandbox.SpawnRequest{
		Command:    d.ffmpegPath,
		Args:       args,
		JobID:      string(job.ID),
		WritePaths: []string{job.OutputRoot},
	}
	if err := d.sandbox.Validate(policy, req); err != nil {
		return d.seal(rt, result, media.StatusFailed, media.ErrKindSpawnFailed, err.Error(), nil, nil)
	}

	if err := prepareOutputDirs(job.OutputRoot, effSpec); err != nil {
		return d.seal(rt, result, media.StatusFailed, media.ErrKindSpawnFailed,
			fmt.Sprintf("preparing output directories: %v", err), nil, nil)
	}

	rt.parser = NewProgressParser(knownDuration)
	rt.lastBeat.Store(time.Now().UnixNano())
	lw := &lineWriter{emit: func(line string) { d.consumeLine(rt, line) }}
	req.Stderr = lw

	handle, err := d.sandbox.Spawn(policy, req)
	if err != nil {
		removeEmptyOutputDirs(job.OutputRoot, effSpec)
		return d.seal(rt, result, media.StatusFailed, media.ErrKindSpawnFailed, err.Error(), nil, nil)
	}
	rt.setState(stateRunning)
	rt.logger.Info("transcoding",
		slog.Int("pid", handle.PID()),
		slog.Int("renditions", len(dedupeLadder(effSpec.Ladder))),
		slog.Duration("known_duration", knownDuration))

	watchdogDone := make(chan struct{})
	go d.watchdog(ctx, rt, handle, watchdogDone)

	// Never abandon the wait: cancellation flows through the watchdog,
	// which terminates the child and lets the reaper finish.
	res, _ := handle.Wait(context.Background())
	<-watchdogDone
	lw.flush()

	return d.classify(rt, result, res)
}

// watchdog enforces cancellation, the wall clock, and the stall window.
func (d *Driver) watchdog(ctx context.Context, rt *jobRun, handle *sandbox.Handle, done chan<- struct{}) {
	defer close(done)
	started := time.Now()
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-handle.Done():
			return
		case <-ctx.Done():
			d.terminate(rt, handle, reasonCancelled)
			return
		case <-ticker.C:
			if d.wallTimeout > 0 && time.Since(started) > d.wallTimeout {
				d.terminate(rt, handle, reasonWallTimeout)
				return
			}
			last := time.Unix(0, rt.lastBeat.Load())
			if d.stallTimeout > 0 && time.Since(last) > d.stallTimeout {
				d.terminate(rt, handle, reasonStalled)
				return
			}
		}
	}
}

func (d *Driver) terminate(rt *jobRun, handle *sandbox.Handle, why terminateReason) {
	if !rt.reason.CompareAndSwap(int32(reasonNone), int32(why)) {
		return
	}
	rt.setState(stateTerminating)
	rt.logger.Warn("terminating job",
		slog.String("cause", reasonLabel(why)),
		slog.Duration("grace", d.grace))
	_ = handle.Terminate(d.grace)
}

func reasonLabel(r terminateReason) string {
	switch r {
	case reasonCancelled:
		return "cancelled"
	case reasonWallTimeout:
		return "wall_timeout"
	case reasonStalled:
		return "progress_stalled"
	default:
		return "none"
	}
}

// consumeLine feeds one stderr line to the parser and emits at most one
// progress event per decoded heartbeat.
func (d *Driver) consumeLine(rt *jobRun, line string) {
	if !rt.parser.ParseLine(line) {
		return
	}
	rt.lastBeat.Store(time.Now().UnixNano())
	rt.emit(rt.parser.Fraction(), media.StageTranscoding)
}

// classify turns the child's exit into the job's terminal result.
// Precedence: cancellation, then deadlines, then limit breaches, then
// the exit code, then output verification.
func (d *Driver) classify(rt *jobRun, result media.JobResult, res sandbox.Result) media.JobResult {
	tail := rt.parser.Tail(stderrTailLines)

	switch terminateReason(rt.reason.Load()) {
	case reasonCancelled:
		return d.seal(rt, result, media.StatusCancelled, media.ErrKindCancelled, "cancelled", nil, tail)
	case reasonWallTimeout:
		return d.seal(rt, result, media.StatusFailed, media.ErrKindTimeout,
			fmt.Sprintf("wall timeout after %s", d.wallTimeout), nil, tail)
	case reasonStalled:
		return d.seal(rt, result, media.StatusFailed, media.ErrKindProgressStalled,
			fmt.Sprintf("no progress for %s", d.stallTimeout), nil, tail)
	}

	if res.Terminated && res.Breach != "" {
		return d.seal(rt, result, media.StatusFailed, media.ErrKindPolicyViolation, res.Breach, nil, tail)
	}

	if res.ExitCode != 0 {
		code := res.ExitCode
		return d.seal(rt, result, media.StatusFailed, media.ErrKindNonZeroExit,
			fmt.Sprintf("ffmpeg exited %d", code), &code, tail)
	}

	rt.setState(stateFinalizing)
	check, err := VerifyOutput(rt.job.OutputRoot)
	if err != nil {
		return d.seal(rt, result, media.StatusFailed, media.ErrKindOutputMissing, err.Error(), nil, tail)
	}

	rt.logger.Info("job complete",
		slog.Int("variants", len(check.Variants)),
		slog.Int("segments", check.SegmentCount),
		slog.Int64("bytes", check.TotalBytes))
	rt.emit(1, media.StageFinalizing)
	code := 0
	return d.seal(rt, result, media.StatusOK, "", "", &code, nil)
}

// seal stamps the terminal fields onto the result.
func (d *Driver) seal(rt *jobRun, result media.JobResult, status media.Status, kind media.ErrorKind, message string, exitCode *int, tail []string) media.JobResult {
	result.Status = status
	result.ErrorKind = kind
	result.Message = message
	result.ExitCode = exitCode
	result.StderrTail = tail
	result.EndedAt = time.Now().UTC()
	rt.setState(stateDone)
	if status != media.StatusOK {
		rt.logger.Warn("job ended",
			slog.String("status", string(status)),
			slog.String("error_kind", string(kind)),
			slog.String("message", message))
	}
	return result
}

// prepareOutputDirs creates the job output root and one directory per
// rendition; ffmpeg does not create directories for its segment pattern.
func prepareOutputDirs(outputRoot string, spec media.TranscodeSpec) error {
	names := variantNames(dedupeLadder(spec.Ladder))
	for _, name := range names {
		if err := os.MkdirAll(filepath.Join(outputRoot, name), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// removeEmptyOutputDirs undoes prepareOutputDirs after a spawn failure,
// so a job that never started leaves nothing behind. Only empty
// directories are removed.
func removeEmptyOutputDirs(outputRoot string, spec media.TranscodeSpec) {
	names := variantNames(dedupeLadder(spec.Ladder))
	for _, name := range names {
		_ = os.Remove(filepath.Join(outputRoot, name))
	}
	_ = os.Remove(outputRoot)
}

// lineWriter splits child stderr into lines on both \n and \r, since
// ffmpeg's periodic stats updates end with a bare carriage return.
type lineWriter struct {
	buf  []byte
	emit func(line string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' || b == '\r' {
			if len(w.buf) > 0 {
				w.emit(string(w.buf))
				w.buf = w.buf[:0]
			}
			continue
		}
		w.buf = append(w.buf, b)
	}
	return len(p), nil
}

// flush emits any trailing unterminated line. Call only after the child
// has exited.
func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = w.buf[:0]
	}
}
