// Package scheduler executes a batch of transcode jobs at bounded
// parallelism. A single coordinator goroutine owns all batch state;
// workers drive one job each through the runner and report back over
// channels. Every job that enters the batch produces exactly one
// terminal result, cancellation included.
package scheduler

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"golang.org/x/time/rate"

	"github.com/jmylchreest/vodarr/internal/ffmpeg"
	"github.com/jmylchreest/vodarr/internal/media"
	"github.com/jmylchreest/vodarr/internal/sandbox"
)

const (
	// aggregateInterval bounds how often aggregate progress reaches the
	// external sink. The final emission at batch end bypasses it.
	aggregateInterval = 250 * time.Millisecond

	// progressBuffer sizes the internal progress channel. Overflow drops
	// the oldest event; workers never block on a slow consumer.
	progressBuffer = 256

	defaultTerminateGrace = 5 * time.Second

	// drainMargin pads the terminate grace before an overlong abort
	// drain is logged.
	drainMargin = 2 * time.Second
)

// Runner executes one job to completion and returns its sealed result.
// All progress callbacks must be delivered before Run returns; the
// scheduler relies on that to order events ahead of results. Run must
// honor ctx cancellation by terminating the job and sealing it
// cancelled. *ffmpeg.Driver is the production implementation.
type Runner interface {
	Run(ctx context.Context, job media.Job, spec media.TranscodeSpec, policy sandbox.Policy, sink ffmpeg.ProgressSink) media.JobResult
}

// Options configures one Process call.
type Options struct {
	// Parallelism caps concurrent jobs. Zero means DefaultParallelism.
	Parallelism int

	// StopOnFatal aborts the batch on the first result whose error kind
	// is fatal (spawn failure or policy violation).
	StopOnFatal bool

	// TerminateGrace is how long aborted children get between the
	// graceful signal and the forced kill. The runner enforces it; the
	// scheduler uses it to judge an overlong drain. Zero means 5s.
	TerminateGrace time.Duration

	// ProgressSink receives every per-job event. For any job, all of its
	// events arrive before its result is recorded. Called from the
	// coordinator goroutine; must not block.
	ProgressSink ffmpeg.ProgressSink

	// AggregateSink receives batch-level progress, rate-limited to one
	// emission per 250ms plus a final one at batch end.
	AggregateSink func(BatchProgress)

	// ResultSink receives each result as it is sealed, in seal order.
	ResultSink func(media.JobResult)
}

// Scheduler runs batches. Safe for sequential reuse; one batch at a time
// per Process call.
type Scheduler struct {
	runner Runner
	logger *slog.Logger
}

// New creates a Scheduler on top of a runner.
func New(runner Runner) *Scheduler {
	return &Scheduler{
		runner: runner,
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// DefaultParallelism is three quarters of the logical cores, at least 1.
func DefaultParallelism() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		n = runtime.NumCPU()
	}
	if p := 3 * n / 4; p > 1 {
		return p
	}
	return 1
}

// batch is the coordinator-private state of one Process call. Only the
// coordinator goroutine touches it.
type batch struct {
	opts    Options
	logger  *slog.Logger
	total   int
	pending []media.Job
	results []media.JobResult

	inFlight  int
	completed int
	okCount   int
	failed    int
	cancelled int

	aborting    bool
	interrupted bool
	abortedAt   time.Time

	fractions     map[media.JobID]float64
	lastAggregate float64
	limiter       *rate.Limiter
}

// Process runs jobs at the configured parallelism and blocks until every
// job has a terminal result. Cancelling ctx aborts the batch: in-flight
// children are terminated within the grace window and undispatched jobs
// seal cancelled.
func (s *Scheduler) Process(ctx context.Context, jobs []media.Job, spec media.TranscodeSpec, policy sandbox.Policy, opts Options) BatchReport {
	startedAt := time.Now().UTC()

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism()
	}
	grace := opts.TerminateGrace
	if grace <= 0 {
		grace = defaultTerminateGrace
	}

	b := &batch{
		opts:      opts,
		logger:    s.logger,
		total:     len(jobs),
		pending:   append([]media.Job(nil), jobs...),
		results:   make([]media.JobResult, 0, len(jobs)),
		fractions: make(map[media.JobID]float64, parallelism),
		limiter:   rate.NewLimiter(rate.Every(aggregateInterval), 1),
	}

	s.logger.Info("batch started",
		slog.Int("total", b.total),
		slog.Int("parallelism", parallelism),
		slog.Bool("stop_on_fatal", opts.StopOnFatal))

	if b.total == 0 {
		b.emitAggregate(true)
		return b.report(startedAt, time.Now().UTC())
	}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	submitCh := make(chan media.Job)
	resultsCh := make(chan media.JobResult)
	progressCh := make(chan media.ProgressEvent, progressBuffer)
	var dropped atomic.Int64

	workers := parallelism
	if workers > b.total {
		workers = b.total
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range submitCh {
				res := s.runner.Run(batchCtx, job, spec, policy, func(ev media.ProgressEvent) {
					pushProgress(progressCh, ev, &dropped)
				})
				resultsCh <- res
			}
		}()
	}

	ctxDone := ctx.Done()
	for b.inFlight > 0 || len(b.pending) > 0 {
		// A nil dispatch channel blocks its case, so dispatch only
		// happens with a free slot, work pending, and no abort.
		var dispatchCh chan<- media.Job
		var next media.Job
		if !b.aborting && len(b.pending) > 0 && b.inFlight < parallelism {
			dispatchCh = submitCh
			next = b.pending[0]
		}

		select {
		case dispatchCh <- next:
			b.pending = b.pending[1:]
			b.inFlight++
			s.logger.Debug("dispatched job",
				slog.String("job_id", string(next.ID)),
				slog.String("name", next.Name),
				slog.Int("in_flight", b.inFlight))

		case res := <-resultsCh:
			b.inFlight--
			b.drainQueuedProgress(progressCh)
			b.record(res, cancel)

		case ev := <-progressCh:
			b.observe(ev)

		case <-ctxDone:
			ctxDone = nil
			b.interrupted = true
			b.abort(cancel, "context cancelled")
		}
	}

	close(submitCh)
	wg.Wait()

	if b.aborting && !b.abortedAt.IsZero() {
		if drain := time.Since(b.abortedAt); drain > grace+drainMargin {
			s.logger.Warn("abort drain exceeded terminate grace",
				slog.Duration("drain", drain),
				slog.Duration("grace", grace))
		}
	}
	if n := dropped.Load(); n > 0 {
		s.logger.Debug("progress events dropped", slog.Int64("count", n))
	}

	b.emitAggregate(true)
	endedAt := time.Now().UTC()
	report := b.report(startedAt, endedAt)

	s.logger.Info("batch finished",
		slog.Int("total", report.Total),
		slog.Int("ok", report.OK),
		slog.Int("failed", report.Failed),
		slog.Int("cancelled", report.Cancelled),
		slog.Bool("interrupted", report.Interrupted),
		slog.Duration("duration", endedAt.Sub(startedAt)))

	return report
}

// record books one sealed result: counters, sinks, abort-on-fatal, and
// an aggregate refresh. Queued progress for the job was drained first,
// so its events always precede it on the external stream.
func (b *batch) record(res media.JobResult, cancel context.CancelFunc) {
	delete(b.fractions, res.JobID)
	b.completed++
	b.results = append(b.results, res)

	switch res.Status {
	case media.StatusOK:
		b.okCount++
		b.logger.Info("job finished",
			slog.String("job_id", string(res.JobID)),
			slog.Duration("took", res.EndedAt.Sub(res.StartedAt)))
	case media.StatusCancelled:
		b.cancelled++
		b.logger.Info("job cancelled", slog.String("job_id", string(res.JobID)))
	default:
		b.failed++
		b.logger.Warn("job failed",
			slog.String("job_id", string(res.JobID)),
			slog.String("error_kind", string(res.ErrorKind)),
			slog.String("message", res.Message))
	}

	if b.opts.ResultSink != nil {
		b.opts.ResultSink(res)
	}

	if b.opts.StopOnFatal && res.ErrorKind.IsFatal() {
		b.abort(cancel, "fatal result: "+string(res.ErrorKind))
	}

	b.emitAggregate(false)
}

// abort stops dispatch, cancels in-flight runs, and seals every pending
// job as cancelled. Idempotent.
func (b *batch) abort(cancel context.CancelFunc, why string) {
	if b.aborting {
		return
	}
	b.aborting = true
	b.abortedAt = time.Now().UTC()
	cancel()

	b.logger.Warn("aborting batch",
		slog.String("reason", why),
		slog.Int("in_flight", b.inFlight),
		slog.Int("pending", len(b.pending)))

	for _, job := range b.pending {
		now := time.Now().UTC()
		b.record(media.JobResult{
			JobID:     job.ID,
			Status:    media.StatusCancelled,
			ErrorKind: media.ErrKindCancelled,
			Message:   "batch aborted before dispatch",
			StartedAt: now,
			EndedAt:   now,
		}, cancel)
	}
	b.pending = nil
}

// observe forwards one per-job event and refreshes the aggregate.
func (b *batch) observe(ev media.ProgressEvent) {
	if b.opts.ProgressSink != nil {
		b.opts.ProgressSink(ev)
	}
	b.fractions[ev.JobID] = ev.Fraction
	b.emitAggregate(false)
}

// drainQueuedProgress forwards every event already buffered. Runners
// deliver all events before returning their result, so draining here
// keeps a job's events ahead of its result.
func (b *batch) drainQueuedProgress(progressCh <-chan media.ProgressEvent) {
	for {
		select {
		case ev := <-progressCh:
			b.observe(ev)
		default:
			return
		}
	}
}

func (b *batch) report(startedAt, endedAt time.Time) BatchReport {
	return BatchReport{
		Results:     b.results,
		StartedAt:   startedAt,
		EndedAt:     endedAt,
		Total:       b.total,
		OK:          b.okCount,
		Failed:      b.failed,
		Cancelled:   b.cancelled,
		Interrupted: b.interrupted,
	}
}

// pushProgress enqueues without blocking, evicting the oldest event when
// the buffer is full.
func pushProgress(ch chan media.ProgressEvent, ev media.ProgressEvent, dropped *atomic.Int64) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
			dropped.Add(1)
		default:
		}
	}
}
