// Package media defines the core batch transcoding types: jobs, results,
// and progress events exchanged between the intake, scheduler, driver,
// and organizer stages.
package media

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// JobID uniquely identifies one job within a batch.
type JobID string

// NewJobID returns a new lexicographically sortable job ID.
func NewJobID() JobID {
	return JobID(ulid.Make().String())
}

// Status is the terminal status of a job.
type Status string

const (
	// StatusOK indicates the job transcoded and verified successfully.
	StatusOK Status = "ok"
	// StatusFailed indicates the job failed; ErrorKind says how.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the job was terminated by batch cancellation.
	StatusCancelled Status = "cancelled"
	// StatusSkipped indicates intake excluded the file before dispatch.
	StatusSkipped Status = "skipped"
)

// ErrorKind classifies job failures.
type ErrorKind string

const (
	// ErrKindSpawnFailed: binary not found or the child could not start.
	ErrKindSpawnFailed ErrorKind = "spawn_failed"
	// ErrKindPolicyViolation: the sandbox refused the command or a path.
	ErrKindPolicyViolation ErrorKind = "policy_violation"
	// ErrKindTimeout: wall-clock deadline exceeded; child terminated.
	ErrKindTimeout ErrorKind = "timeout"
	// ErrKindNonZeroExit: child exited with a nonzero code.
	ErrKindNonZeroExit ErrorKind = "nonzero_exit"
	// ErrKindProgressStalled: no progress past the stall threshold; child terminated.
	ErrKindProgressStalled ErrorKind = "progress_stalled"
	// ErrKindOutputMissing: child exited 0 but expected artifacts are absent.
	ErrKindOutputMissing ErrorKind = "output_missing"
	// ErrKindCancelled: terminated by batch cancellation.
	ErrKindCancelled ErrorKind = "cancelled"
	// ErrKindIntake: the file could not be listed, renamed, or validated.
	ErrKindIntake ErrorKind = "intake"
)

// IsFatal reports whether this kind aborts the batch under stop-on-fatal.
func (k ErrorKind) IsFatal() bool {
	return k == ErrKindSpawnFailed || k == ErrKindPolicyViolation
}

// Stage identifies the phase a progress event belongs to.
type Stage string

const (
	// StageProbing covers input inspection before the child starts.
	StageProbing Stage = "probing"
	// StageTranscoding covers the running child.
	StageTranscoding Stage = "transcoding"
	// StageFinalizing covers output verification after child exit.
	StageFinalizing Stage = "finalizing"
)

// Job is one input file plus the derived parameters needed to transcode
// it. Created by intake, consumed once by the scheduler.
type Job struct {
	ID          JobID
	InputPath   string
	Name        string // normalized name without extension
	OutputRoot  string // per-job output directory
	Fingerprint string // hash of input path + codec settings
}

// JobResult is the immutable terminal outcome of one job. Sealed exactly
// once by the scheduler; never mutated afterwards.
type JobResult struct {
	JobID      JobID     `json:"job_id"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	StderrTail []string  `json:"stderr_tail,omitempty"`
}

// OK reports whether the job completed successfully.
func (r JobResult) OK() bool { return r.Status == StatusOK }

// ProgressEvent is one advisory progress sample for a job. Fraction is
// clamped to [0,1] and non-decreasing per (JobID, Stage).
type ProgressEvent struct {
	JobID    JobID     `json:"job_id"`
	Fraction float64   `json:"fraction"`
	Stage    Stage     `json:"stage"`
	At       time.Time `json:"at"`
}
