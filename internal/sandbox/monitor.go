package sandbox

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// limitSupport records which limits the kernel enforces directly.
// Everything else falls to the polling monitor.
type limitSupport struct {
	rss   bool
	fsize bool
	nproc bool
}

// monitor samples the child's process tree once per interval, records
// usage on the handle, and audits limit breaches. When the policy asks
// for it, a breach terminates the child.
func (s *Sandbox) monitor(h *Handle, policy Policy, sup limitSupport) {
	proc, err := process.NewProcess(int32(h.pid))
	if err != nil {
		return
	}
	// Prime the CPU counter so the first tick reports a real delta.
	_, _ = proc.Percent(0)

	ticker := time.NewTicker(s.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.Done():
			return
		case <-ticker.C:
		}

		u := Usage{SampledAt: time.Now().UTC(), Processes: 1}
		cpuPercent, err := proc.Percent(0)
		if err != nil {
			continue
		}
		u.CPUPercent = cpuPercent
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			u.RSSBytes = memInfo.RSS
		}
		if children, err := proc.Children(); err == nil {
			u.Processes += len(children)
			for _, child := range children {
				if childMem, err := child.MemoryInfo(); err == nil && childMem != nil {
					u.RSSBytes += childMem.RSS
				}
			}
		}
		h.setUsage(u)

		detail := breachDetail(policy, sup, u)
		if detail == "" {
			continue
		}
		h.recordBreach(detail)
		s.audit(AuditEvent{
			Event:         EventLimitBreach,
			CorrelationID: h.correlationID,
			JobID:         h.jobID,
			Command:       h.command,
			PID:           h.pid,
			Detail:        detail,
			CPUPercent:    u.CPUPercent,
			RSSBytes:      u.RSSBytes,
		})
		s.logger.Warn("resource limit breached",
			slog.String("job_id", h.jobID),
			slog.Int("pid", h.pid),
			slog.String("detail", detail))
		if policy.KillOnBreach {
			_ = h.Terminate(s.grace)
			return
		}
	}
}

// breachDetail reports the first exceeded limit the kernel is not
// already enforcing, or "" when all limits hold.
func breachDetail(policy Policy, sup limitSupport, u Usage) string {
	if policy.MaxCPUPercent > 0 && u.CPUPercent > policy.MaxCPUPercent {
		return fmt.Sprintf("cpu %.1f%% over limit %.1f%%", u.CPUPercent, policy.MaxCPUPercent)
	}
	if policy.MaxRSSBytes > 0 && !sup.rss && u.RSSBytes > uint64(policy.MaxRSSBytes) {
		return fmt.Sprintf("rss %d bytes over limit %d", u.RSSBytes, policy.MaxRSSBytes)
	}
	if policy.MaxProcesses > 0 && !sup.nproc && u.Processes > policy.MaxProcesses {
		return fmt.Sprintf("%d processes over limit %d", u.Processes, policy.MaxProcesses)
	}
	return ""
}
