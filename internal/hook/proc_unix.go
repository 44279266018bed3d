//go:build !windows

package hook

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the shell in its own process group and makes
// cancellation kill the whole group, so children of `sh -c` die with it.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
