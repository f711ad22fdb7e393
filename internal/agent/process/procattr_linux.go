//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the command in its own process group so the whole tree
// can be signalled. Pdeathsig covers the supervisor dying without cleanup.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}
