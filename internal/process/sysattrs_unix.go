//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// detach starts the child in its own session so it is not tied to the
// caller's terminal or process group and survives the caller exiting.
// The session leader's PID doubles as the process group ID used by Stop.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
