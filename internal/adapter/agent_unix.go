//go:build unix

package adapter

import (
	"os/exec"
	"syscall"
)

// killProcessGroup starts cmd as the leader of a new process group and makes context
// cancellation kill the group, so anything the agent spawned goes with it.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
