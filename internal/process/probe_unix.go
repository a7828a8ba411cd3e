//go:build !windows

package process

import (
	"errors"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

type osProbe struct{}

func (osProbe) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	return !isZombie(pid)
}

func (osProbe) Signal(pid int, sig Signal) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	s := syscall.SIGTERM
	if sig == SignalKill {
		s = syscall.SIGKILL
	}
	if err := syscall.Kill(-pid, s); err == nil {
		return nil
	}
	return syscall.Kill(pid, s)
}

// isZombie reports whether pid has exited but not been reaped yet.
func isZombie(pid int) bool {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	st, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range st {
		if s == gopsproc.Zombie {
			return true
		}
	}
	return false
}
