package process

// Signal is the platform-neutral termination request sent to a service.
type Signal int

const (
	SignalTerminate Signal = iota
	SignalKill
)

func (s Signal) String() string {
	if s == SignalKill {
		return "kill"
	}
	return "terminate"
}

// Probe answers liveness questions about PIDs and delivers signals. The OS
// implementation is returned by NewProbe; tests substitute fakes.
type Probe interface {
	// Alive reports whether pid refers to a live, non-zombie process.
	// Lack of permission to signal the process still counts as alive.
	Alive(pid int) bool
	// Signal delivers sig to pid's process group, falling back to pid alone.
	Signal(pid int, sig Signal) error
}

// NewProbe returns the probe for the running platform.
func NewProbe() Probe { return osProbe{} }
