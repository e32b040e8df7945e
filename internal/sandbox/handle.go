package sandbox

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// Usage is the most recent resource sample for a running child.
type Usage struct {
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	Processes  int       `json:"processes"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Result describes a finished child process. ExitCode is -1 when the
// process was ended by a signal rather than exiting on its own.
type Result struct {
	ExitCode   int
	StartedAt  time.Time
	EndedAt    time.Time
	Terminated bool
	Breach     string
	WaitErr    error
}

// Handle tracks one spawned child. A single reaper goroutine owns
// cmd.Wait; everything else observes the process through the handle.
type Handle struct {
	correlationID string
	jobID         string
	command       string
	pid           int
	startedAt     time.Time

	cmd *exec.Cmd
	sb  *Sandbox

	mu     sync.Mutex
	usage  Usage
	breach string
	result Result
	done   bool

	waitCh      chan struct{}
	terminating atomic.Bool
	signalled   atomic.Bool
}

// CorrelationID returns the audit correlation id for this child.
func (h *Handle) CorrelationID() string { return h.correlationID }

// JobID returns the job the child was spawned for.
func (h *Handle) JobID() string { return h.jobID }

// PID returns the operating system process id.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns when the child process started.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the child has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.waitCh }

// Wait blocks until the child exits or ctx is cancelled. Cancelling the
// context abandons the wait; it does not stop the child.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.waitCh:
		r, _ := h.ResultSnapshot()
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// ResultSnapshot returns the result if the child has exited.
func (h *Handle) ResultSnapshot() (Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.done {
		return Result{}, false
	}
	return h.result, true
}

// Usage returns the latest resource sample.
func (h *Handle) Usage() Usage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usage
}

func (h *Handle) setUsage(u Usage) {
	h.mu.Lock()
	h.usage = u
	h.mu.Unlock()
}

func (h *Handle) recordBreach(detail string) {
	h.mu.Lock()
	if h.breach == "" {
		h.breach = detail
	}
	h.mu.Unlock()
}

// Terminate stops the child: graceful signal, then grace, then force
// kill. It blocks until the child has been reaped. Repeat calls return
// immediately while the first one runs the escalation.
func (h *Handle) Terminate(grace time.Duration) error {
	select {
	case <-h.waitCh:
		return nil
	default:
	}
	if !h.terminating.CompareAndSwap(false, true) {
		return nil
	}
	h.signalled.Store(true)
	h.sb.audit(AuditEvent{
		Event:         EventTerminateRequested,
		CorrelationID: h.correlationID,
		JobID:         h.jobID,
		Command:       h.command,
		PID:           h.pid,
		Detail:        "grace " + grace.String(),
	})
	sendTerm(h.pid)
	select {
	case <-h.waitCh:
		return nil
	case <-time.After(grace):
	}
	sendKill(h.pid)
	<-h.waitCh
	return nil
}

// reap waits for the child, records its result, closes the done
// channel, and unregisters the handle.
func (h *Handle) reap() {
	err := h.cmd.Wait()
	exitCode := 0
	var waitErr error
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			waitErr = err
		}
	}

	h.mu.Lock()
	h.result = Result{
		ExitCode:   exitCode,
		StartedAt:  h.startedAt,
		EndedAt:    time.Now().UTC(),
		Terminated: h.signalled.Load(),
		Breach:     h.breach,
		WaitErr:    waitErr,
	}
	h.done = true
	code := h.result.ExitCode
	h.mu.Unlock()

	close(h.waitCh)
	h.sb.unregister(h)
	h.sb.audit(AuditEvent{
		Event:         EventProcessExited,
		CorrelationID: h.correlationID,
		JobID:         h.jobID,
		Command:       h.command,
		PID:           h.pid,
		ExitCode:      &code,
	})
}
