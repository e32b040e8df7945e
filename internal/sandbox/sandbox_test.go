package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer lets the test read audit output while the auditor's
// goroutine is still writing.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func parseEvents(t *testing.T, data string) []AuditEvent {
	t.Helper()
	var events []AuditEvent
	for _, line := range strings.Split(strings.TrimSpace(data), "\n") {
		if line == "" {
			continue
		}
		var e AuditEvent
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		events = append(events, e)
	}
	return events
}

func eventNames(events []AuditEvent) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Event
	}
	return names
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "child.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestSandbox(t *testing.T, buf *syncBuffer) (*Sandbox, *Auditor) {
	t.Helper()
	auditor := NewAuditor(buf, 128, discardLogger())
	sb := New(Options{
		Auditor:         auditor,
		Logger:          discardLogger(),
		TerminateGrace:  time.Second,
		MonitorInterval: 50 * time.Millisecond,
	})
	return sb, auditor
}

func TestSandbox_SpawnAndWait(t *testing.T) {
	script := writeScript(t, "echo done\nexit 0")
	var buf syncBuffer
	sb, auditor := newTestSandbox(t, &buf)

	var out syncBuffer
	h, err := sb.Spawn(Policy{}, SpawnRequest{
		Command: script,
		JobID:   "job-1",
		Stdout:  &out,
	})
	require.NoError(t, err)
	assert.Greater(t, h.PID(), 0)
	assert.NotEmpty(t, h.CorrelationID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Terminated)
	assert.False(t, res.EndedAt.IsZero())

	require.Eventually(t, func() bool {
		return len(sb.Live()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Count(buf.String(), "\n") >= 3
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, auditor.Close())

	assert.Equal(t, "done\n", out.String())

	events := parseEvents(t, buf.String())
	require.Len(t, events, 3)
	assert.Equal(t, []string{EventSpawnRequested, EventProcessStarted, EventProcessExited}, eventNames(events))
	for _, e := range events {
		assert.Equal(t, h.CorrelationID(), e.CorrelationID)
		assert.Equal(t, "job-1", e.JobID)
		assert.False(t, e.Time.IsZero())
	}
	require.NotNil(t, events[2].ExitCode)
	assert.Equal(t, 0, *events[2].ExitCode)
}

func TestSandbox_SpawnValidationFailed(t *testing.T) {
	script := writeScript(t, "exit 0")
	var buf syncBuffer
	sb, auditor := newTestSandbox(t, &buf)

	_, err := sb.Spawn(Policy{BlockedCommands: []string{"child.sh"}}, SpawnRequest{
		Command: script,
		JobID:   "job-2",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ReasonCommandBlocked, verr.Reason)
	assert.Empty(t, sb.Live())

	require.Eventually(t, func() bool {
		return strings.Count(buf.String(), "\n") >= 2
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, auditor.Close())

	events := parseEvents(t, buf.String())
	require.Len(t, events, 2)
	assert.Equal(t, []string{EventSpawnRequested, EventValidationFailed}, eventNames(events))
	assert.NotEmpty(t, events[1].Detail)
}

func TestSandbox_SpawnStartFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX exec semantics")
	}
	// Executable permission but no shebang and no valid binary format.
	path := filepath.Join(t.TempDir(), "broken")
	require.NoError(t, os.WriteFile(path, []byte{0x00, 0x01, 0x02}, 0o755))

	var buf syncBuffer
	sb, auditor := newTestSandbox(t, &buf)

	_, err := sb.Spawn(Policy{}, SpawnRequest{Command: path, JobID: "job-3"})
	require.Error(t, err)
	var verr *ValidationError
	assert.False(t, strings.Contains(err.Error(), "validation"), "start failure is not a validation error")
	assert.NotErrorAs(t, err, &verr)

	require.Eventually(t, func() bool {
		return strings.Count(buf.String(), "\n") >= 2
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, auditor.Close())

	events := parseEvents(t, buf.String())
	require.Len(t, events, 2)
	assert.Equal(t, []string{EventSpawnRequested, EventSpawnFailed}, eventNames(events))
}

func TestSandbox_Terminate(t *testing.T) {
	script := writeScript(t, "sleep 30")
	var buf syncBuffer
	sb, auditor := newTestSandbox(t, &buf)

	h, err := sb.Spawn(Policy{}, SpawnRequest{Command: script, JobID: "job-4"})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, h.Terminate(500*time.Millisecond))
	assert.Less(t, time.Since(start), 5*time.Second)

	res, ok := h.ResultSnapshot()
	require.True(t, ok)
	assert.True(t, res.Terminated)
	assert.Equal(t, -1, res.ExitCode)

	require.Eventually(t, func() bool {
		return strings.Count(buf.String(), "\n") >= 4
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, auditor.Close())

	names := eventNames(parseEvents(t, buf.String()))
	assert.Contains(t, names, EventTerminateRequested)
	assert.Equal(t, EventProcessExited, names[len(names)-1])
}

func TestSandbox_TerminateForcesKill(t *testing.T) {
	// The shell ignores the graceful signal, so only the forced kill
	// after the grace period ends it.
	script := writeScript(t, "trap '' TERM\nwhile :; do sleep 0.1; done")
	var buf syncBuffer
	sb, auditor := newTestSandbox(t, &buf)
	defer auditor.Close()

	h, err := sb.Spawn(Policy{}, SpawnRequest{Command: script, JobID: "job-5"})
	require.NoError(t, err)

	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, h.Terminate(300*time.Millisecond))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)

	res, ok := h.ResultSnapshot()
	require.True(t, ok)
	assert.True(t, res.Terminated)
}

func TestSandbox_TerminateIdempotent(t *testing.T) {
	script := writeScript(t, "sleep 30")
	var buf syncBuffer
	sb, auditor := newTestSandbox(t, &buf)
	defer auditor.Close()

	h, err := sb.Spawn(Policy{}, SpawnRequest{Command: script, JobID: "job-6"})
	require.NoError(t, err)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- h.Terminate(time.Second) }()
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	<-h.Done()
	require.NoError(t, h.Terminate(time.Second))
}

func TestSandbox_Shutdown(t *testing.T) {
	script := writeScript(t, "sleep 30")
	var buf syncBuffer
	sb, auditor := newTestSandbox(t, &buf)
	defer auditor.Close()

	for i := 0; i < 2; i++ {
		_, err := sb.Spawn(Policy{}, SpawnRequest{Command: script, JobID: "job-7"})
		require.NoError(t, err)
	}
	require.Len(t, sb.Live(), 2)

	sb.Shutdown(300 * time.Millisecond)
	assert.Empty(t, sb.Live())

	_, err := sb.Spawn(Policy{}, SpawnRequest{Command: script, JobID: "job-8"})
	require.ErrorIs(t, err, ErrShutdown)
}

func TestSandbox_LimitBreachKills(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("usage sampling is exercised on linux")
	}
	script := writeScript(t, "while :; do :; done")
	var buf syncBuffer
	sb, auditor := newTestSandbox(t, &buf)

	policy := Policy{
		MaxCPUPercent: 5,
		KillOnBreach:  true,
	}
	h, err := sb.Spawn(policy, SpawnRequest{Command: script, JobID: "job-9"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, res.Terminated)
	assert.Contains(t, res.Breach, "cpu")
	assert.False(t, h.Usage().SampledAt.IsZero())

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), EventLimitBreach)
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, auditor.Close())
}

// gateWriter blocks the auditor's writer goroutine until the gate opens,
// so the test controls exactly when the queue drains.
type gateWriter struct {
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
	buf     syncBuffer
}

func (w *gateWriter) Write(p []byte) (int, error) {
	w.once.Do(func() { close(w.started) })
	<-w.gate
	return w.buf.Write(p)
}

func TestAuditor_DropsOldestWhenFull(t *testing.T) {
	w := &gateWriter{
		gate:    make(chan struct{}),
		started: make(chan struct{}),
	}
	a := NewAuditor(w, 4, discardLogger())

	a.Emit(AuditEvent{Event: "test", Detail: "A"})
	<-w.started

	for _, d := range []string{"B1", "B2", "B3", "B4", "B5", "B6"} {
		a.Emit(AuditEvent{Event: "test", Detail: d})
	}

	close(w.gate)
	require.NoError(t, a.Close())

	assert.Equal(t, uint64(2), a.Dropped())

	events := parseEvents(t, w.buf.String())
	require.Len(t, events, 5)
	details := make([]string, len(events))
	for i, e := range events {
		details[i] = e.Detail
	}
	assert.Equal(t, []string{"A", "B3", "B4", "B5", "B6"}, details)
}

func TestAuditor_EmitAfterClose(t *testing.T) {
	var buf syncBuffer
	a := NewAuditor(&buf, 8, discardLogger())
	require.NoError(t, a.Close())

	a.Emit(AuditEvent{Event: "test"})
	assert.Equal(t, uint64(1), a.Dropped())
	assert.Empty(t, strings.TrimSpace(buf.String()))
}

func TestOpenFileAuditor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sandbox-audit.jsonl")
	a, err := OpenFileAuditor(path, 16, discardLogger())
	require.NoError(t, err)

	a.Emit(AuditEvent{Event: EventSpawnRequested, CorrelationID: "c-1", Command: "ffmpeg"})
	a.Emit(AuditEvent{Event: EventProcessStarted, CorrelationID: "c-1", PID: 42})
	require.NoError(t, a.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	events := parseEvents(t, string(data))
	require.Len(t, events, 2)
	assert.Equal(t, EventSpawnRequested, events[0].Event)
	assert.Equal(t, 42, events[1].PID)
	assert.False(t, events[0].Time.IsZero())
}
