//go:build !windows

package platform

import (
	"syscall"
)

// TerminatePID sends SIGTERM so the process can flush and exit cleanly.
// Missing processes are not an error.
func TerminatePID(pid int32) error {
	err := syscall.Kill(int(pid), syscall.SIGTERM)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

// TerminateGroup signals the whole process group of pid, catching any
// children the job spawned. The group exists because job subprocesses start
// with Setpgid.
func TerminateGroup(pid int32) error {
	err := syscall.Kill(-int(pid), syscall.SIGTERM)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

// KillGroup force-kills the whole process group of pid.
func KillGroup(pid int32) error {
	err := syscall.Kill(-int(pid), syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
