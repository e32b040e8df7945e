package sandbox

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrShutdown is returned by Spawn after the sandbox has been shut down.
var ErrShutdown = errors.New("sandbox is shut down")

const (
	defaultGrace           = 5 * time.Second
	defaultMonitorInterval = time.Second
)

// Options configures a Sandbox.
type Options struct {
	// Auditor receives lifecycle events. May be nil.
	Auditor *Auditor
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// TerminateGrace is how long a child gets between the graceful
	// signal and the forced kill when the sandbox itself terminates it.
	TerminateGrace time.Duration
	// MonitorInterval is the usage sampling period.
	MonitorInterval time.Duration
}

// Sandbox validates, spawns, tracks, and terminates child processes.
// Every live child is registered so a global shutdown can reach it.
type Sandbox struct {
	auditor         *Auditor
	logger          *slog.Logger
	grace           time.Duration
	monitorInterval time.Duration

	mu     sync.Mutex
	live   map[string]*Handle
	closed bool
}

// New creates a Sandbox.
func New(opts Options) *Sandbox {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := opts.TerminateGrace
	if grace <= 0 {
		grace = defaultGrace
	}
	interval := opts.MonitorInterval
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	return &Sandbox{
		auditor:         opts.Auditor,
		logger:          logger,
		grace:           grace,
		monitorInterval: interval,
		live:            make(map[string]*Handle),
	}
}

// SpawnRequest describes one child process to start. Args are passed to
// the binary as discrete elements; nothing goes through a shell.
type SpawnRequest struct {
	Command string
	Args    []string
	// JobID ties audit events back to the job that spawned the child.
	JobID string
	// WritePaths are directories or files the child will create. Each
	// must fall under the policy's allow-write roots.
	WritePaths []string
	Dir        string
	// Env replaces the inherited environment when non-nil.
	Env []string
	// Stdout and Stderr receive the child's output. Both may be nil.
	Stdout io.Writer
	Stderr io.Writer
}

// Validate checks the request against the policy without starting
// anything and without side effects.
func (s *Sandbox) Validate(policy Policy, req SpawnRequest) error {
	cp, err := compilePolicy(policy)
	if err != nil {
		return err
	}
	_, err = cp.check(req)
	return err
}

// check runs every validation and returns the resolved binary path.
func (cp *compiledPolicy) check(req SpawnRequest) (string, error) {
	resolved, err := cp.resolveCommand(req.Command)
	if err != nil {
		return "", err
	}
	if err := cp.validateArgs(req.Args); err != nil {
		return "", err
	}
	for _, p := range req.WritePaths {
		if err := cp.validateWritePath(p); err != nil {
			return "", err
		}
	}
	return resolved, nil
}

// Spawn validates the request against the policy, starts the child, and
// returns a handle for it. The child runs in its own process group with
// resource limits applied where the platform supports them.
func (s *Sandbox) Spawn(policy Policy, req SpawnRequest) (*Handle, error) {
	correlationID := uuid.NewString()
	s.audit(AuditEvent{
		Event:         EventSpawnRequested,
		CorrelationID: correlationID,
		JobID:         req.JobID,
		Command:       req.Command,
		Args:          req.Args,
	})

	cp, err := compilePolicy(policy)
	if err != nil {
		s.audit(AuditEvent{
			Event:         EventValidationFailed,
			CorrelationID: correlationID,
			JobID:         req.JobID,
			Command:       req.Command,
			Detail:        err.Error(),
		})
		return nil, err
	}
	resolved, err := cp.check(req)
	if err != nil {
		s.audit(AuditEvent{
			Event:         EventValidationFailed,
			CorrelationID: correlationID,
			JobID:         req.JobID,
			Command:       req.Command,
			Detail:        err.Error(),
		})
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	s.mu.Unlock()

	cmd := exec.Command(resolved, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = req.Env
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	if err := configureProcAttr(cmd, policy); err != nil {
		return nil, fmt.Errorf("configuring child process: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.audit(AuditEvent{
			Event:         EventSpawnFailed,
			CorrelationID: correlationID,
			JobID:         req.JobID,
			Command:       req.Command,
			Detail:        err.Error(),
		})
		return nil, fmt.Errorf("starting %s: %w", req.Command, err)
	}

	h := &Handle{
		correlationID: correlationID,
		jobID:         req.JobID,
		command:       resolved,
		pid:           cmd.Process.Pid,
		startedAt:     time.Now().UTC(),
		cmd:           cmd,
		sb:            s,
		waitCh:        make(chan struct{}),
	}

	sup, err := applyLimits(h.pid, policy)
	if err != nil {
		s.logger.Warn("applying resource limits",
			slog.String("job_id", req.JobID),
			slog.Int("pid", h.pid),
			slog.String("error", err.Error()))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sendKill(h.pid)
		go h.reap()
		return nil, ErrShutdown
	}
	s.live[correlationID] = h
	s.mu.Unlock()

	s.audit(AuditEvent{
		Event:         EventProcessStarted,
		CorrelationID: correlationID,
		JobID:         req.JobID,
		Command:       resolved,
		Args:          req.Args,
		PID:           h.pid,
	})
	go h.reap()
	go s.monitor(h, policy, sup)
	return h, nil
}

// Live returns handles for children that have not exited yet.
func (s *Sandbox) Live() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := make([]*Handle, 0, len(s.live))
	for _, h := range s.live {
		handles = append(handles, h)
	}
	return handles
}

// Shutdown terminates every live child with the given grace and waits
// until all have been reaped. Later Spawn calls fail with ErrShutdown.
func (s *Sandbox) Shutdown(grace time.Duration) {
	s.mu.Lock()
	s.closed = true
	handles := make([]*Handle, 0, len(s.live))
	for _, h := range s.live {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	if grace <= 0 {
		grace = s.grace
	}
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			_ = h.Terminate(grace)
		}(h)
	}
	wg.Wait()
}

func (s *Sandbox) unregister(h *Handle) {
	s.mu.Lock()
	delete(s.live, h.correlationID)
	s.mu.Unlock()
}

func (s *Sandbox) audit(e AuditEvent) {
	if s.auditor != nil {
		s.auditor.Emit(e)
	}
}
