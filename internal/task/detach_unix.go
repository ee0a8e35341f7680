//go:build !windows

package task

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// detach starts cmd in a new session so terminal signals sent to the
// foreground command do not reach it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
