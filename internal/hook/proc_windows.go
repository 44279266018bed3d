//go:build windows

package hook

import "os/exec"

// configureProcessGroup keeps the default cancellation (Process.Kill) on
// Windows.
func configureProcessGroup(cmd *exec.Cmd) {}
