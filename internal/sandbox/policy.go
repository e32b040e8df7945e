// Package sandbox confines child processes. It validates commands and
// arguments against an allow/deny policy, restricts filesystem access,
// applies resource ceilings, monitors running children, and emits a
// structured audit record for every lifecycle event.
package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"
)

// Policy is the immutable set of constraints a child process runs under.
type Policy struct {
	// Command ACL. Exact entries match the binary's base name, or its
	// fully resolved path when the entry contains a separator. Blocked
	// entries and patterns win over allowed ones; an empty allow set
	// permits any command that is not blocked.
	AllowedCommands        []string
	BlockedCommands        []string
	AllowedCommandPatterns []string
	BlockedCommandPatterns []string

	// Filesystem ACL, as directory roots. A path is readable iff it is
	// under an allow-read root and not under a deny root; writable iff
	// under allow-write and not under deny. Deny always wins.
	AllowRead  []string
	AllowWrite []string
	Deny       []string

	// Resource ceilings. Zero disables the corresponding limit.
	MaxCPUPercent    float64
	MaxRSSBytes      int64
	MaxFileSizeBytes int64
	MaxProcesses     int
	WallTimeout      time.Duration

	NetworkAccess    bool
	ReducePrivileges bool

	// ValidateArgs rejects arguments containing shell metacharacters.
	ValidateArgs bool

	// KillOnBreach escalates a monitored limit breach to termination
	// instead of only auditing it.
	KillOnBreach bool
}

// ReadOnly returns a copy of the policy with every write grant removed,
// for probe-style children that must not touch the filesystem.
func (p Policy) ReadOnly() Policy {
	cp := p
	cp.AllowWrite = nil
	cp.NetworkAccess = false
	return cp
}

// compiledPolicy is a Policy with its patterns compiled and its ACL
// roots resolved to absolute paths.
type compiledPolicy struct {
	policy     Policy
	allowedRe  []*regexp.Regexp
	blockedRe  []*regexp.Regexp
	allowRead  []string
	allowWrite []string
	deny       []string
}

func compilePolicy(p Policy) (*compiledPolicy, error) {
	cp := &compiledPolicy{policy: p}

	for _, pattern := range p.AllowedCommandPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("allowed command pattern %q: %w", pattern, err)
		}
		cp.allowedRe = append(cp.allowedRe, re)
	}
	for _, pattern := range p.BlockedCommandPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("blocked command pattern %q: %w", pattern, err)
		}
		cp.blockedRe = append(cp.blockedRe, re)
	}

	var err error
	if cp.allowRead, err = absRoots(p.AllowRead); err != nil {
		return nil, err
	}
	if cp.allowWrite, err = absRoots(p.AllowWrite); err != nil {
		return nil, err
	}
	if cp.deny, err = absRoots(p.Deny); err != nil {
		return nil, err
	}

	return cp, nil
}

func absRoots(roots []string) ([]string, error) {
	if len(roots) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(roots))
	for _, root := range roots {
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolving policy root %q: %w", root, err)
		}
		out = append(out, abs)
	}
	return out, nil
}
