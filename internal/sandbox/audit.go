package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Audit event names.
const (
	EventSpawnRequested     = "spawn_requested"
	EventValidationFailed   = "validation_failed"
	EventSpawnFailed        = "spawn_failed"
	EventProcessStarted     = "process_started"
	EventLimitBreach        = "limit_breach"
	EventTerminateRequested = "terminate_requested"
	EventProcessExited      = "process_exited"
)

// AuditEvent is one structured lifecycle record. CorrelationID ties all
// events of a single child process together.
type AuditEvent struct {
	Time          time.Time `json:"time"`
	Event         string    `json:"event"`
	CorrelationID string    `json:"correlation_id"`
	JobID         string    `json:"job_id,omitempty"`
	Command       string    `json:"command,omitempty"`
	Args          []string  `json:"args,omitempty"`
	PID           int       `json:"pid,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	CPUPercent    float64   `json:"cpu_percent,omitempty"`
	RSSBytes      uint64    `json:"rss_bytes,omitempty"`
	ExitCode      *int      `json:"exit_code,omitempty"`
}

// Auditor writes audit events as JSON lines. Emission never blocks the
// caller: the queue is bounded and drops the oldest event when full,
// counting every drop.
type Auditor struct {
	w          io.Writer
	ownsWriter bool
	logger     *slog.Logger

	queue   chan AuditEvent
	stop    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Uint64
}

// NewAuditor starts an auditor writing to w with the given queue size.
func NewAuditor(w io.Writer, queueSize int, logger *slog.Logger) *Auditor {
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Auditor{
		w:      w,
		logger: logger,
		queue:  make(chan AuditEvent, queueSize),
		stop:   make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// OpenFileAuditor starts an auditor appending to the given file,
// creating parent directories as needed.
func OpenFileAuditor(path string, queueSize int, logger *slog.Logger) (*Auditor, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	a := NewAuditor(f, queueSize, logger)
	a.ownsWriter = true
	return a, nil
}

// Emit queues an event without blocking. When the queue is full the
// oldest queued event is discarded to make room.
func (a *Auditor) Emit(e AuditEvent) {
	if a.closed.Load() {
		a.dropped.Add(1)
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	select {
	case a.queue <- e:
		return
	default:
	}
	select {
	case <-a.queue:
		a.dropped.Add(1)
	default:
	}
	select {
	case a.queue <- e:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded so far.
func (a *Auditor) Dropped() uint64 {
	return a.dropped.Load()
}

// Close drains the queue and releases the writer. Events emitted after
// Close are counted as dropped.
func (a *Auditor) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(a.stop)
	a.wg.Wait()
	if c, ok := a.w.(io.Closer); ok && a.ownsWriter {
		return c.Close()
	}
	return nil
}

func (a *Auditor) run() {
	defer a.wg.Done()
	enc := json.NewEncoder(a.w)
	for {
		select {
		case e := <-a.queue:
			a.write(enc, e)
		case <-a.stop:
			for {
				select {
				case e := <-a.queue:
					a.write(enc, e)
				default:
					return
				}
			}
		}
	}
}

func (a *Auditor) write(enc *json.Encoder, e AuditEvent) {
	if err := enc.Encode(e); err != nil {
		a.logger.Warn("writing audit event",
			slog.String("event", e.Event),
			slog.String("error", err.Error()))
	}
}
