//go:build unix

package wipe

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// killProcessGroup starts cmd as the leader of a new process group and makes
// context cancellation signal the whole group: SIGTERM first, SIGKILL once
// the group leader has exited or delay has passed.
func killProcessGroup(cmd *exec.Cmd, delay time.Duration, exited <-chan struct{}) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid := cmd.Process.Pid
		err := syscall.Kill(-pgid, syscall.SIGTERM)
		go func() {
			select {
			case <-exited:
			case <-time.After(delay):
			}
			// Reaches children that outlived the leader or ignored SIGTERM.
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		}()
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
}
