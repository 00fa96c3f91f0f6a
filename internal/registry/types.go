// Package registry implements a durable, sqlite-backed catalog of
// supervised child processes with liveness probing and an inter-session
// mailbox. Grounded structurally on internal/controlplane/scheduler's
// Registry/HeartbeatMonitor, generalized from ephemeral load-test workers
// to durably registered session child processes, with process
// liveness/resource stats collected the way cmd/agent/main.go collects
// them via gopsutil.
package registry

import "time"

// Status is a process registry entry's lifecycle state.
type Status string

const (
	StatusRunning    Status = "RUNNING"
	StatusTerminated Status = "TERMINATED"
	StatusZombie     Status = "ZOMBIE"
	StatusStale      Status = "STALE"
)

// Entry is one row in the process registry: a supervised child process,
// durable across server restarts.
type Entry struct {
	PID         int
	Host        string
	SessionID   string
	ProjectPath string
	Command     string
	Args        []string
	Env         []string
	Status      Status
	StartedAt   time.Time
	LastSeen    time.Time
	User        string
	Port        int // 0 if not applicable
	ExitCode    *int

	CPUPercent float64
	RSSBytes   uint64
	OpenFiles  int
	NumThreads int
}

// Message is one inter-session mailbox entry.
type Message struct {
	ID          int64
	FromSession string
	ToSession   string
	Body        string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Delivered   bool
}
