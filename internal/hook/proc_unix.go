//go:build !windows

package hook

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// isolateProcessGroup starts cmd in a new process group and makes context
// cancellation kill the whole group.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}
