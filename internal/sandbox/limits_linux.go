//go:build linux

package sandbox

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// applyLimits installs kernel resource limits on the child where the
// platform supports them. Limits that could not be installed are left
// to the usage monitor, which polls and enforces them itself.
func applyLimits(pid int, policy Policy) (limitSupport, error) {
	var sup limitSupport
	var errs []error

	// Address space is the closest rlimit to a resident-set ceiling.
	if policy.MaxRSSBytes > 0 {
		lim := unix.Rlimit{Cur: uint64(policy.MaxRSSBytes), Max: uint64(policy.MaxRSSBytes)}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			errs = append(errs, fmt.Errorf("setting address space limit: %w", err))
		} else {
			sup.rss = true
		}
	}
	if policy.MaxFileSizeBytes > 0 {
		lim := unix.Rlimit{Cur: uint64(policy.MaxFileSizeBytes), Max: uint64(policy.MaxFileSizeBytes)}
		if err := unix.Prlimit(pid, unix.RLIMIT_FSIZE, &lim, nil); err != nil {
			errs = append(errs, fmt.Errorf("setting file size limit: %w", err))
		} else {
			sup.fsize = true
		}
	}
	// NPROC counts processes of the child's user, not of the child's
	// own tree, so the monitor still watches the tree size.
	if policy.MaxProcesses > 0 {
		lim := unix.Rlimit{Cur: uint64(policy.MaxProcesses), Max: uint64(policy.MaxProcesses)}
		if err := unix.Prlimit(pid, unix.RLIMIT_NPROC, &lim, nil); err != nil {
			errs = append(errs, fmt.Errorf("setting process count limit: %w", err))
		} else {
			sup.nproc = true
		}
	}
	return sup, errors.Join(errs...)
}
