//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup creates the child in a new process group. Windows has
// no Unix-style group signaling, so termination below falls back to
// killing the immediate process.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

func signalGroupTerm(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	// No SIGTERM equivalent for console-less children; Kill is the
	// termination path on Windows.
	return proc.Kill()
}

func signalGroupKill(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return proc.Kill()
}
