//go:build windows

package exec

import (
	"os/exec"
	"syscall"
)

// defaultSysProcAttr returns default process attributes for Windows.
// Windows has no POSIX process groups, so no attributes are set.
func defaultSysProcAttr() *syscall.SysProcAttr {
	return nil
}

// killGroup terminates a started stage. Windows kills the process only.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

// extractSignal is a no-op on Windows as signals work differently.
func extractSignal(_ interface{}) (syscall.Signal, bool) {
	return 0, false
}
