// Package platform wraps the process inspection primitives used by crash
// recovery and subprocess supervision.
package platform

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/go-ps"
	gopsutil_process "github.com/shirou/gopsutil/v3/process"
)

var ErrProcessNotFound = errors.New("process not found")

// ProcessExists returns whether any process is running with the given pid.
func ProcessExists(pid int) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("Invalid argument was provided")
	}

	process, err := ps.FindProcess(pid)
	if err != nil {
		return false, fmt.Errorf("find process: %d: %w", pid, err)
	}
	return process != nil, nil
}

// ProcessNameMatches returns whether the process running with the given pid
// matches the executable name (case insensitive). If there's no process
// running with the given pid then (false, nil) is returned. PIDs get recycled
// by the OS, so a bare liveness check is never enough to claim a recorded pid
// still belongs to one of our jobs.
func ProcessNameMatches(pid int, expectedPrefix string) (bool, error) {
	if (pid <= 0) || (expectedPrefix == "") {
		return false, fmt.Errorf("Invalid arguments were provided")
	}

	process, err := ps.FindProcess(pid)
	if err != nil {
		return false, fmt.Errorf("find process: %d: %w", pid, err)
	}

	if process == nil {
		return false, nil
	}

	return strings.HasPrefix(strings.ToLower(process.Executable()), strings.ToLower(expectedPrefix)), nil
}

// ProcessCmdline returns the full command line of the process, or
// ErrProcessNotFound if no such process is running.
func ProcessCmdline(pid int32) (string, error) {
	process, err := gopsutil_process.NewProcess(pid)
	if err != nil {
		return "", ErrProcessNotFound
	}
	cmdline, err := process.Cmdline()
	if err != nil {
		return "", fmt.Errorf("cmdline of %d: %w", pid, err)
	}
	return cmdline, nil
}

// KillPID force-kills a process by PID. Missing processes are not an error.
func KillPID(pid int32) error {
	if pid <= 0 {
		return fmt.Errorf("Invalid arguments were provided")
	}

	process, err := gopsutil_process.NewProcess(pid)
	if err != nil {
		// Already gone.
		return nil
	}
	if err := process.Kill(); err != nil {
		return fmt.Errorf("kill process %d: %w", pid, err)
	}
	return nil
}
