//go:build windows

package process

import (
	"os"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

type osProbe struct{}

func (osProbe) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}

// Signal terminates the process; Windows has no graceful equivalent of
// SIGTERM for detached console-less children.
func (osProbe) Signal(pid int, _ Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
