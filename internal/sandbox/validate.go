package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// shellMetachars are rejected in arguments when argument validation is
// enabled. Children are exec'd directly, never through a shell, so these
// have no legitimate use in argv.
const shellMetachars = ";&|`$><"

// Validation failure reasons, recorded in audit events.
const (
	ReasonBinaryNotFound    = "binary_not_found"
	ReasonCommandBlocked    = "command_blocked"
	ReasonCommandNotAllowed = "command_not_allowed"
	ReasonArgumentRejected  = "argument_rejected"
	ReasonPathDenied        = "path_denied"
	ReasonPathNotAllowed    = "path_not_allowed"
)

// ValidationError reports a policy rejection before any child is spawned.
type ValidationError struct {
	Reason  string
	Subject string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("sandbox: %s: %q", strings.ReplaceAll(e.Reason, "_", " "), e.Subject)
}

// resolveCommand resolves the binary path and applies the command ACL.
// Entries containing a separator are resolved relative to CWD; bare names
// are searched on PATH.
func (cp *compiledPolicy) resolveCommand(command string) (string, error) {
	var resolved string
	if strings.Contains(command, string(filepath.Separator)) {
		abs, err := filepath.Abs(command)
		if err != nil || !isExecutableFile(abs) {
			return "", &ValidationError{Reason: ReasonBinaryNotFound, Subject: command}
		}
		resolved = abs
	} else {
		path, err := exec.LookPath(command)
		if err != nil {
			return "", &ValidationError{Reason: ReasonBinaryNotFound, Subject: command}
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		resolved = path
	}

	name := filepath.Base(resolved)

	for _, entry := range cp.policy.BlockedCommands {
		if matchesCommand(entry, name, resolved) {
			return "", &ValidationError{Reason: ReasonCommandBlocked, Subject: name}
		}
	}
	for _, re := range cp.blockedRe {
		if re.MatchString(name) || re.MatchString(resolved) {
			return "", &ValidationError{Reason: ReasonCommandBlocked, Subject: name}
		}
	}

	if len(cp.policy.AllowedCommands) > 0 || len(cp.allowedRe) > 0 {
		allowed := false
		for _, entry := range cp.policy.AllowedCommands {
			if matchesCommand(entry, name, resolved) {
				allowed = true
				break
			}
		}
		if !allowed {
			for _, re := range cp.allowedRe {
				if re.MatchString(name) || re.MatchString(resolved) {
					allowed = true
					break
				}
			}
		}
		if !allowed {
			return "", &ValidationError{Reason: ReasonCommandNotAllowed, Subject: name}
		}
	}

	return resolved, nil
}

func matchesCommand(entry, name, resolved string) bool {
	if strings.Contains(entry, string(filepath.Separator)) {
		abs, err := filepath.Abs(entry)
		return err == nil && abs == resolved
	}
	return entry == name
}

// validateArgs rejects shell metacharacters and parent-directory
// traversal, and applies the filesystem ACL to every path-shaped
// argument. A path-shaped argument passes if it is readable or writable
// under the policy; deny wins over both.
func (cp *compiledPolicy) validateArgs(args []string) error {
	for _, arg := range args {
		if cp.policy.ValidateArgs && strings.ContainsAny(arg, shellMetachars) {
			return &ValidationError{Reason: ReasonArgumentRejected, Subject: arg}
		}
		if !looksLikePath(arg) {
			continue
		}
		if hasTraversal(arg) {
			return &ValidationError{Reason: ReasonPathDenied, Subject: arg}
		}
		abs, err := filepath.Abs(arg)
		if err != nil {
			return &ValidationError{Reason: ReasonPathNotAllowed, Subject: arg}
		}
		if underAny(abs, cp.deny) {
			return &ValidationError{Reason: ReasonPathDenied, Subject: arg}
		}
		if !underAny(abs, cp.allowRead) && !underAny(abs, cp.allowWrite) {
			return &ValidationError{Reason: ReasonPathNotAllowed, Subject: arg}
		}
	}
	return nil
}

// validateWritePath checks a declared write target against allow-write.
func (cp *compiledPolicy) validateWritePath(path string) error {
	if hasTraversal(path) {
		return &ValidationError{Reason: ReasonPathDenied, Subject: path}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return &ValidationError{Reason: ReasonPathNotAllowed, Subject: path}
	}
	if underAny(abs, cp.deny) {
		return &ValidationError{Reason: ReasonPathDenied, Subject: path}
	}
	if !underAny(abs, cp.allowWrite) {
		return &ValidationError{Reason: ReasonPathNotAllowed, Subject: path}
	}
	return nil
}

// looksLikePath reports whether an argument should be treated as a
// filesystem path: it contains a separator or starts with a dot.
func looksLikePath(arg string) bool {
	return strings.Contains(arg, string(filepath.Separator)) || strings.HasPrefix(arg, ".")
}

// hasTraversal reports whether any path element is "..".
func hasTraversal(path string) bool {
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if part == ".." {
			return true
		}
	}
	return false
}

// underAny reports whether path equals or descends from any root.
func underAny(path string, roots []string) bool {
	for _, root := range roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
