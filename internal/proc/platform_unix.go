//go:build unix

package proc

import (
	"os/exec"
	"syscall"
)

// setProcGroup places the child in its own process group so a timeout
// kill takes down grandchildren too.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	// Negative pid signals the whole group.
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
