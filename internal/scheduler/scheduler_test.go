package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vodarr/internal/ffmpeg"
	"github.com/jmylchreest/vodarr/internal/media"
	"github.com/jmylchreest/vodarr/internal/sandbox"
)

// fakeRunner delegates each job to run while tracking dispatch order and
// peak concurrency.
type fakeRunner struct {
	mu    sync.Mutex
	names []string
	run   func(ctx context.Context, job media.Job, sink ffmpeg.ProgressSink) media.JobResult

	cur atomic.Int32
	max atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, job media.Job, spec media.TranscodeSpec, policy sandbox.Policy, sink ffmpeg.ProgressSink) media.JobResult {
	cur := f.cur.Add(1)
	defer f.cur.Add(-1)
	for {
		old := f.max.Load()
		if cur <= old || f.max.CompareAndSwap(old, cur) {
			break
		}
	}

	f.mu.Lock()
	f.names = append(f.names, job.Name)
	f.mu.Unlock()

	return f.run(ctx, job, sink)
}

func (f *fakeRunner) dispatched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...)
}

func makeJobs(n int) []media.Job {
	jobs := make([]media.Job, n)
	for i := range jobs {
		name := fmt.Sprintf("clip-%02d", i)
		jobs[i] = media.Job{
			ID:         media.NewJobID(),
			InputPath:  "/in/" + name + ".mp4",
			Name:       name,
			OutputRoot: "/out/" + name,
		}
	}
	return jobs
}

func okResult(job media.Job) media.JobResult {
	now := time.Now().UTC()
	zero := 0
	return media.JobResult{JobID: job.ID, Status: media.StatusOK, StartedAt: now, EndedAt: now, ExitCode: &zero}
}

func failedResult(job media.Job, kind media.ErrorKind, msg string) media.JobResult {
	now := time.Now().UTC()
	return media.JobResult{JobID: job.ID, Status: media.StatusFailed, ErrorKind: kind, Message: msg, StartedAt: now, EndedAt: now}
}

func cancelledResult(job media.Job) media.JobResult {
	now := time.Now().UTC()
	return media.JobResult{JobID: job.ID, Status: media.StatusCancelled, ErrorKind: media.ErrKindCancelled, StartedAt: now, EndedAt: now}
}

func newTestScheduler(runner Runner) *Scheduler {
	return New(runner).WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestProcess_AllJobsSucceed(t *testing.T) {
	jobs := makeJobs(5)
	fake := &fakeRunner{run: func(ctx context.Context, job media.Job, sink ffmpeg.ProgressSink) media.JobResult {
		sink(media.ProgressEvent{JobID: job.ID, Fraction: 0.5, Stage: media.StageTranscoding, At: time.Now().UTC()})
		sink(media.ProgressEvent{JobID: job.ID, Fraction: 1.0, Stage: media.StageFinalizing, At: time.Now().UTC()})
		return okResult(job)
	}}

	var sealed []media.JobResult
	var aggs []BatchProgress
	report := newTestScheduler(fake).Process(context.Background(), jobs, media.TranscodeSpec{}, sandbox.Policy{}, Options{
		Parallelism:   2,
		ResultSink:    func(res media.JobResult) { sealed = append(sealed, res) },
		AggregateSink: func(p BatchProgress) { aggs = append(aggs, p) },
	})

	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 5, report.OK)
	assert.Zero(t, report.Failed)
	assert.Zero(t, report.Cancelled)
	assert.False(t, report.Interrupted)
	assert.True(t, report.Succeeded())
	assert.False(t, report.EndedAt.Before(report.StartedAt))

	// Exactly one terminal result per job.
	require.Len(t, report.Results, 5)
	seen := make(map[media.JobID]bool)
	for _, res := range report.Results {
		assert.True(t, res.OK())
		seen[res.JobID] = true
	}
	for _, job := range jobs {
		assert.True(t, seen[job.ID], "missing result for %s", job.Name)
	}

	// The result sink saw the same results in the same order.
	assert.Equal(t, report.Results, sealed)

	// Final aggregate emission always fires and lands on 1.0.
	require.NotEmpty(t, aggs)
	last := aggs[len(aggs)-1]
	assert.Equal(t, 1.0, last.Fraction)
	assert.Equal(t, 5, last.Completed)
	for i := 1; i < len(aggs); i++ {
		assert.GreaterOrEqual(t, aggs[i].Fraction, aggs[i-1].Fraction)
	}
}

func TestProcess_EmptyBatch(t *testing.T) {
	fake := &fakeRunner{run: func(ctx context.Context, job media.Job, sink ffmpeg.ProgressSink) media.JobResult {
		t.Fatal("runner must not be called for an empty batch")
		return media.JobResult{}
	}}

	var aggs []BatchProgress
	report := newTestScheduler(fake).Process(context.Background(), nil, media.TranscodeSpec{}, sandbox.Policy{}, Options{
		AggregateSink: func(p BatchProgress) { aggs = append(aggs, p) },
	})

	assert.Zero(t, report.Total)
	assert.Empty(t, report.Results)
	assert.True(t, report.Succeeded())
	require.Len(t, aggs, 1)
	assert.Equal(t, 1.0, aggs[0].Fraction)
}

func TestProcess_ParallelismBound(t *testing.T) {
	jobs := makeJobs(6)
	arrived := make(chan string, len(jobs))
	release := make(chan struct{})
	fake := &fakeRunner{run: func(ctx context.Context, job media.Job, sink ffmpeg.ProgressSink) media.JobResult {
		arrived <- job.Name
		<-release
		return okResult(job)
	}}

	reportCh := make(chan BatchReport, 1)
	go func() {
		reportCh <- newTestScheduler(fake).Process(context.Background(), jobs, media.TranscodeSpec{}, sandbox.Policy{}, Options{Parallelism: 2})
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(5 * time.Second):
			t.Fatal("worker slots were not filled")
		}
	}
	select {
	case name := <-arrived:
		t.Fatalf("job %s dispatched beyond the parallelism bound", name)
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	var report BatchReport
	select {
	case report = <-reportCh:
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish")
	}

	assert.Equal(t, 6, report.OK)
	assert.LessOrEqual(t, fake.max.Load(), int32(2))
}

func TestProcess_FIFODispatch(t *testing.T) {
	jobs := makeJobs(5)
	fake := &fakeRunner{run: func(ctx context.Context, job media.Job, sink ffmpeg.ProgressSink) media.JobResult {
		return okResult(job)
	}}

	report := newTestScheduler(fake).Process(context.Background(), jobs, media.TranscodeSpec{}, sandbox.Policy{}, Options{Parallelism: 1})

	require.Equal(t, 5, report.OK)
	want := make([]string, len(jobs))
	for i, job := range jobs {
		want[i] = job.Name
	}
	assert.Equal(t, want, fake.dispatched())

	// With one worker, seal order matches submission order too.
	for i, res := range report.Results {
		assert.Equal(t, jobs[i].ID, res.JobID)
	}
}

func TestProcess_ResultsInSealOrder(t *testing.T) {
	jobs := makeJobs(2)
	gate := make(chan struct{})
	fake := &fakeRunner{run: func(ctx context.Context, job media.Job, sink ffmpeg.ProgressSink) media.JobResult {
		if job.Name == "clip-00" {
			<-gate
		}
		return okResult(job)
	}}

	sealed := make(chan media.JobResult, 2)
	reportCh := make(chan BatchReport, 1)
	go func() {
		reportCh <- newTestScheduler(fake).Process(context.Background(), jobs, media.TranscodeSpec{}, sandbox.Policy{}, Options{
			Parallelism: 2,
			ResultSink:  func(res media.JobResult) { sealed <- res },
		})
	}()

	// The second job finishes first while the first is held open.
	first := <-sealed
	assert.Equal(t, jobs[1].ID, first.JobID)
	close(gate)

	report := <-reportCh
	require.Len(t, report.Results, 2)
	assert.Equal(t, jobs[1].ID, report.Results[0].JobID)
	assert.Equal(t, jobs[0].ID, report.Results[1].JobID)
}

func TestProcess_CancelSealsEveryJob(t *testing.T) {
	jobs := makeJobs(4)
	started := make(chan struct{}, len(jobs))
	fake := &fakeRunner{run: func(ctx context.Context, job media.Job, sink ffmpeg.ProgressSink) media.JobResult {
		started <- struct{}{}
		select {
		case <-ctx.Done():
			return cancelledResult(job)
		case <-time.After(10 * time.Second):
			return okResult(job)
		}
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reportCh := make(chan BatchReport, 1)
	begun := time.Now()
	go func() {
		reportCh <- newTestScheduler(fake).Process(ctx, jobs, media.TranscodeSpec{}, sandbox.Policy{}, Options{Parallelism: 2})
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("jobs never started")
		}
	}
	cancel()
	cancel() // a second cancel has no additional effect

	var report BatchReport
	select {
	case report = <-reportCh:
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not drain after cancel")
	}

	assert.Less(t, time.Since(begun), 5*time.Second)
	assert.True(t, report.Interrupted)
	assert.False(t, report.Succeeded())
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 4, report.Cancelled)
	assert.Zero(t, report.OK)

	// Every job sealed exactly once; the two never dispatched carry the
	// abort message.
	require.Len(t, report.Results, 4)
	aborted := 0
	seen := make(map[media.JobID]bool)
	for _, res := range report.Results {
		require.False(t, seen[res.JobID], "job sealed twice")
		seen[res.JobID] = true
		assert.Equal(t, media.StatusCancelled, res.Status)
		if res.Message == "batch aborted before dispatch" {
			aborted++
		}
	}
	assert.Equal(t, 2, aborted)
	assert.Len(t, fake.dispatched(), 2)
}

func TestProcess_StopOnFatal(t *testing.T) {
	jobs := makeJobs(4)
	fake := &fakeRunner{run: func(ctx context.Context, job media.Job, sink ffmpeg.ProgressSink) media.JobResult {
		if job.Name == "clip-00" {
			return failedResult(job, media.ErrKindSpawnFailed, "input not readable")
		}
		return okResult(job)
	}}

	report := newTestScheduler(fake).Process(context.Background(), jobs, media.TranscodeSpec{}, sandbox.Policy{}, Options{
		Parallelism: 1,
		StopOnFatal: true,
	})

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 3, report.Cancelled)
	assert.Zero(t, report.OK)
	assert.False(t, report.Interrupted)
	assert.False(t, report.Succeeded())
	assert.Len(t, fake.dispatched(), 1, "no job may be dispatched after a fatal result")
}

func TestProcess_FatalKindsOnly(t *testing.T) {
	// A plain nonzero exit is not fatal: the batch keeps going even with
	// StopOnFatal set.
	jobs := makeJobs(3)
	fake := &fakeRunner{run: func(ctx context.Context, job media.Job, sink ffmpeg.ProgressSink) media.JobResult {
		if job.Name == "clip-00" {
			return failedResult(job, media.ErrKindNonZeroExit, "ffmpeg exited 2")
		}
		return okResult(job)
	}}

	report := newTestScheduler(fake).Process(context.Background(), jobs, media.TranscodeSpec{}, sandbox.Policy{}, Options{
		Parallelism: 1,
		StopOnFatal: true,
	})

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.OK)
	assert.Zero(t, report.Cancelled)
	assert.Len(t, fake.dispatched(), 3)
}

func TestProcess_FailuresAccumulateByDefault(t *testing.T) {
	jobs := makeJobs(4)
	fake := &fakeRunner{run: func(ctx context.Context, job media.Job, sink ffmpeg.ProgressSink) media.JobResult {
		switch job.Name {
		case "clip-01":
			return failedResult(job, media.ErrKindSpawnFailed, "spawn failed")
		case "clip-02":
			return failedResult(job, media.ErrKindNonZeroExit, "ffmpeg exited 1")
		}
		return okResult(job)
	}}

	report := newTestScheduler(fake).Process(context.Background(), jobs, media.TranscodeSpec{}, sandbox.Policy{}, Options{Parallelism: 2})

	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 2, report.OK)
	assert.False(t, report.Succeeded())
	assert.Len(t, fake.dispatched(), 4)
}

func TestProcess_EventsPrecedeResult(t *testing.T) {
	type item struct {
		result bool
		jobID  media.JobID
	}

	jobs := makeJobs(4)
	fake := &fakeRunner{run: func(ctx context.Context, job media.Job, sink ffmpeg.ProgressSink) media.JobResult {
		for i := 1; i <= 3; i++ {
			sink(media.ProgressEvent{JobID: job.ID, Fraction: float64(i) / 3, Stage: media.StageTranscoding, At: time.Now().UTC()})
		}
		return okResult(job)
	}}

	// Both sinks run on the coordinator goroutine, so one slice captures
	// the interleaving.
	var stream []item
	newTestScheduler(fake).Process(context.Background(), jobs, media.TranscodeSpec{}, sandbox.Policy{}, Options{
		Parallelism:  2,
		ProgressSink: func(ev media.ProgressEvent) { stream = append(stream, item{jobID: ev.JobID}) },
		ResultSink:   func(res media.JobResult) { stream = append(stream, item{result: true, jobID: res.JobID}) },
	})

	lastEvent := make(map[media.JobID]int)
	resultAt := make(map[media.JobID]int)
	events := make(map[media.JobID]int)
	for i, it := range stream {
		if it.result {
			resultAt[it.jobID] = i
		} else {
			lastEvent[it.jobID] = i
			events[it.jobID]++
		}
	}

	require.Len(t, resultAt, 4)
	for _, job := range jobs {
		assert.Equal(t, 3, events[job.ID], "every event forwarded for %s", job.Name)
		assert.Less(t, lastEvent[job.ID], resultAt[job.ID],
			"events for %s must precede its result", job.Name)
	}
}

func TestProcess_AggregateRateLimited(t *testing.T) {
	jobs := makeJobs(6)
	fake := &fakeRunner{run: func(ctx context.Context, job media.Job, sink ffmpeg.ProgressSink) media.JobResult {
		for i := 1; i <= 10; i++ {
			sink(media.ProgressEvent{JobID: job.ID, Fraction: float64(i) / 10, Stage: media.StageTranscoding, At: time.Now().UTC()})
		}
		return okResult(job)
	}}

	var aggs []BatchProgress
	newTestScheduler(fake).Process(context.Background(), jobs, media.TranscodeSpec{}, sandbox.Policy{}, Options{
		Parallelism:   2,
		AggregateSink: func(p BatchProgress) { aggs = append(aggs, p) },
	})

	// 60 events plus 6 results would mean 66 emissions unthrottled.
	require.NotEmpty(t, aggs)
	assert.Less(t, len(aggs), 10)
	for i := 1; i < len(aggs); i++ {
		assert.GreaterOrEqual(t, aggs[i].Fraction, aggs[i-1].Fraction)
	}
	assert.Equal(t, 1.0, aggs[len(aggs)-1].Fraction)
}

func TestProcess_AggregateAdvancesOnFailure(t *testing.T) {
	jobs := makeJobs(2)
	fake := &fakeRunner{run: func(ctx context.Context, job media.Job, sink ffmpeg.ProgressSink) media.JobResult {
		if job.Name == "clip-00" {
			sink(media.ProgressEvent{JobID: job.ID, Fraction: 0.5, Stage: media.StageTranscoding, At: time.Now().UTC()})
			time.Sleep(300 * time.Millisecond)
			return failedResult(job, media.ErrKindNonZeroExit, "ffmpeg exited 1")
		}
		time.Sleep(300 * time.Millisecond)
		return okResult(job)
	}}

	var aggs []BatchProgress
	newTestScheduler(fake).Process(context.Background(), jobs, media.TranscodeSpec{}, sandbox.Policy{}, Options{
		Parallelism:   1,
		AggregateSink: func(p BatchProgress) { aggs = append(aggs, p) },
	})

	// First emission carries the half-done first job; when it fails its
	// live fraction drops to zero but the completed count keeps the
	// aggregate moving forward.
	require.GreaterOrEqual(t, len(aggs), 3)
	assert.InDelta(t, 0.25, aggs[0].Fraction, 0.001)
	assert.InDelta(t, 0.5, aggs[1].Fraction, 0.001)
	assert.Equal(t, 1, aggs[1].Completed)
	assert.Equal(t, 1.0, aggs[len(aggs)-1].Fraction)
	for i := 1; i < len(aggs); i++ {
		assert.GreaterOrEqual(t, aggs[i].Fraction, aggs[i-1].Fraction)
	}
}

func TestDefaultParallelism(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultParallelism(), 1)
}
