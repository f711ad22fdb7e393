//go:build unix && !linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the command in its own process group. Pdeathsig is
// Linux-only; elsewhere orphan cleanup relies on Terminate.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}
