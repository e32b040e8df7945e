//go:build unix

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
)

// configureProcAttr places the child in its own process group so that
// termination signals reach ffmpeg's own helpers too. When the policy
// asks for reduced privileges and we run as root, the child is started
// as the nobody user.
func configureProcAttr(cmd *exec.Cmd, policy Policy) error {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	if policy.ReducePrivileges && os.Geteuid() == 0 {
		nobody, err := user.Lookup("nobody")
		if err != nil {
			return fmt.Errorf("looking up nobody user: %w", err)
		}
		uid, err := strconv.ParseUint(nobody.Uid, 10, 32)
		if err != nil {
			return fmt.Errorf("parsing nobody uid: %w", err)
		}
		gid, err := strconv.ParseUint(nobody.Gid, 10, 32)
		if err != nil {
			return fmt.Errorf("parsing nobody gid: %w", err)
		}
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid: uint32(uid),
			Gid: uint32(gid),
		}
	}
	return nil
}

// sendTerm signals the whole process group, falling back to the single
// process when the group signal is rejected.
func sendTerm(pid int) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
}

func sendKill(pid int) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}
