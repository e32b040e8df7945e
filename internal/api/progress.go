package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/vodarr/internal/media"
	"github.com/jmylchreest/vodarr/internal/scheduler"
)

// Tracker holds the live state of the batch currently running, fed by
// the scheduler's progress sinks and read by the progress endpoint.
// All methods are safe for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	aggregate scheduler.BatchProgress
	jobs      map[media.JobID]trackedJob
}

type trackedJob struct {
	name     string
	stage    media.Stage
	fraction float64
	at       time.Time
}

// NewTracker creates an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{jobs: make(map[media.JobID]trackedJob)}
}

// BeginBatch marks a batch as running and seeds the job table.
func (t *Tracker) BeginBatch(jobs []media.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.running = true
	t.startedAt = time.Now()
	t.aggregate = scheduler.BatchProgress{Total: len(jobs)}
	t.jobs = make(map[media.JobID]trackedJob, len(jobs))
	for _, job := range jobs {
		t.jobs[job.ID] = trackedJob{name: job.Name}
	}
}

// ObserveJob records a per-job progress event. Usable as a
// scheduler ProgressSink.
func (t *Tracker) ObserveJob(ev media.ProgressEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.jobs[ev.JobID]
	entry.stage = ev.Stage
	entry.fraction = ev.Fraction
	entry.at = ev.At
	t.jobs[ev.JobID] = entry
}

// ObserveAggregate records batch-level progress. Usable as a
// scheduler AggregateSink.
func (t *Tracker) ObserveAggregate(p scheduler.BatchProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.aggregate = p
}

// EndBatch marks the tracker idle again, keeping the last aggregate so
// a final poll still sees the completed state.
func (t *Tracker) EndBatch() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.running = false
}

// JobProgress is one job's latest observed progress.
type JobProgress struct {
	JobID     string    `json:"job_id"`
	Name      string    `json:"name,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Fraction  float64   `json:"fraction"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProgressResponse is the progress endpoint response body.
type ProgressResponse struct {
	State     string                   `json:"state" enum:"idle,running"`
	StartedAt *time.Time               `json:"started_at,omitempty"`
	Batch     *scheduler.BatchProgress `json:"batch,omitempty"`
	Jobs      []JobProgress            `json:"jobs,omitempty"`
}

// Snapshot returns the current progress state.
func (t *Tracker) Snapshot() ProgressResponse {
	t.mu.RLock()
	defer t.mu.RUnlock()

	resp := ProgressResponse{State: "idle"}
	if t.startedAt.IsZero() {
		return resp
	}
	if t.running {
		resp.State = "running"
	}

	started := t.startedAt
	resp.StartedAt = &started
	agg := t.aggregate
	resp.Batch = &agg

	resp.Jobs = make([]JobProgress, 0, len(t.jobs))
	for id, job := range t.jobs {
		resp.Jobs = append(resp.Jobs, JobProgress{
			JobID:     string(id),
			Name:      job.name,
			Stage:     string(job.stage),
			Fraction:  job.fraction,
			UpdatedAt: job.at,
		})
	}
	sort.Slice(resp.Jobs, func(i, j int) bool { return resp.Jobs[i].Name < resp.Jobs[j].Name })

	return resp
}

// ProgressHandler serves the live progress endpoint.
type ProgressHandler struct {
	tracker *Tracker
}

// NewProgressHandler creates a progress handler over a tracker.
func NewProgressHandler(tracker *Tracker) *ProgressHandler {
	return &ProgressHandler{tracker: tracker}
}

// ProgressInput is the input for the progress endpoint.
type ProgressInput struct{}

// ProgressOutput is the output for the progress endpoint.
type ProgressOutput struct {
	Body ProgressResponse
}

// Register registers the progress route with the API.
func (h *ProgressHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getProgress",
		Method:      "GET",
		Path:        "/api/v1/progress",
		Summary:     "Live batch progress",
		Description: "Returns the aggregate and per-job progress of the batch currently running, if any",
		Tags:        []string{"Progress"},
	}, h.GetProgress)
}

// GetProgress returns the live progress snapshot.
func (h *ProgressHandler) GetProgress(ctx context.Context, input *ProgressInput) (*ProgressOutput, error) {
	return &ProgressOutput{Body: h.tracker.Snapshot()}, nil
}
