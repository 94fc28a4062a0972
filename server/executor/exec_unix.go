//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// setProcessGroup makes the child the leader of a new process group so the
// kill sequence can reach its descendants too.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
