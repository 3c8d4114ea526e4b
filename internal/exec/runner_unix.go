//go:build unix

package exec

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// defaultSysProcAttr places every stage in its own process group so
// the group, children included, can be killed as one unit.
func defaultSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

// killGroup forcefully terminates the process group of a started
// stage. The negative pid addresses the whole group; if the group is
// already gone the single process is killed as a fallback.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

// extractSignal extracts the signal from the process state if the process was signaled.
func extractSignal(state interface{}) (syscall.Signal, bool) {
	if ws, ok := state.(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return ws.Signal(), true
		}
	}
	return 0, false
}
