package registry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const (
	// DefaultProbeInterval is the default interval between liveness probes.
	DefaultProbeInterval = 10 * time.Second
	// DefaultStaleThreshold is how long a RUNNING row may go unseen before
	// it is eligible for STALE reaping.
	DefaultStaleThreshold = 90 * time.Second
	// defaultMissesBeforeStale is how many consecutive probe misses move a
	// ZOMBIE row to STALE.
	defaultMissesBeforeStale = 3
)

// LostCallback is invoked once a process transitions to STALE.
type LostCallback func(e *Entry)

// LivenessMonitor periodically probes RUNNING and ZOMBIE rows for OS-level
// liveness and resource stats, following scheduler.HeartbeatMonitor's
// start/stop/background-loop shape (stopCh/stoppedCh/running/mu),
// generalized from heartbeat-timeout worker eviction to OS
// process-exists probing.
type LivenessMonitor struct {
	registry  *Registry
	interval  time.Duration
	threshold time.Duration

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
	misses    map[int]int

	onLost LostCallback
}

// NewLivenessMonitor creates a monitor over registry. Zero interval or
// threshold fall back to the package defaults.
func NewLivenessMonitor(registry *Registry, interval, threshold time.Duration) *LivenessMonitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return &LivenessMonitor{registry: registry, interval: interval, threshold: threshold, misses: make(map[int]int)}
}

// SetOnLost sets the STALE-transition callback. Must be called before Start.
func (m *LivenessMonitor) SetOnLost(cb LostCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLost = cb
}

// Start begins the probe loop in a background goroutine. Safe to call
// multiple times; subsequent calls are no-ops while already running.
func (m *LivenessMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop halts the probe loop and blocks until the goroutine exits.
func (m *LivenessMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	stoppedCh := m.stoppedCh
	m.mu.Unlock()

	<-stoppedCh
}

func (m *LivenessMonitor) run(ctx context.Context) {
	defer close(m.stoppedCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probeOnce(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *LivenessMonitor) probeOnce(ctx context.Context) {
	active, err := m.registry.GetActive(ctx)
	if err != nil {
		log.Printf("liveness monitor: failed to list active processes: %v", err)
		return
	}
	zombies, err := m.registry.GetByStatus(ctx, StatusZombie)
	if err != nil {
		log.Printf("liveness monitor: failed to list zombie processes: %v", err)
		return
	}
	active = append(active, zombies...)

	for _, e := range active {
		proc, err := process.NewProcess(int32(e.PID))
		if err != nil {
			m.handleMiss(ctx, e)
			continue
		}

		m.misses[e.PID] = 0

		cpuPct, _ := proc.CPUPercent()
		numThreads, _ := proc.NumThreads()
		var rss uint64
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			rss = memInfo.RSS
		}
		var numFDs int32
		if n, err := proc.NumFDs(); err == nil {
			numFDs = n
		}

		if err := m.registry.Heartbeat(ctx, e.PID, cpuPct, rss, int(numFDs), int(numThreads)); err != nil {
			log.Printf("liveness monitor: heartbeat failed for pid %d: %v", e.PID, err)
		}
	}
}

func (m *LivenessMonitor) handleMiss(ctx context.Context, e *Entry) {
	m.misses[e.PID]++

	if m.misses[e.PID] == 1 {
		if err := m.registry.UpdateStatus(ctx, e.PID, StatusZombie, nil); err != nil {
			log.Printf("liveness monitor: failed to mark pid %d zombie: %v", e.PID, err)
		}
		return
	}

	staleByMisses := m.misses[e.PID] >= defaultMissesBeforeStale
	staleByAge := time.Since(e.LastSeen) >= m.threshold
	if !staleByMisses && !staleByAge {
		return
	}

	if err := m.registry.UpdateStatus(ctx, e.PID, StatusStale, nil); err != nil {
		log.Printf("liveness monitor: failed to mark pid %d stale: %v", e.PID, err)
		return
	}
	delete(m.misses, e.PID)

	m.mu.Lock()
	cb := m.onLost
	m.mu.Unlock()
	if cb != nil {
		cb(e)
	}
}
