//go:build windows

package platform

// TerminatePID has no graceful signal on Windows; the process is killed
// outright.
func TerminatePID(pid int32) error {
	return KillPID(pid)
}

// TerminateGroup falls back to killing the lead process on Windows.
func TerminateGroup(pid int32) error {
	return KillPID(pid)
}

// KillGroup falls back to killing the lead process on Windows.
func KillGroup(pid int32) error {
	return KillPID(pid)
}
