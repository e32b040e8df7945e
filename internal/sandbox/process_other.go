//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
)

func configureProcAttr(cmd *exec.Cmd, policy Policy) error {
	return nil
}

func sendTerm(pid int) {
	if pid <= 0 {
		return
	}
	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Signal(os.Interrupt)
	}
}

func sendKill(pid int) {
	if pid <= 0 {
		return
	}
	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Kill()
	}
}
