package health

import (
	"sync"
	"time"
)

// Status represents the health of a collaborator.
type Status int

const (
	// StatusHealthy indicates the collaborator is functioning normally.
	StatusHealthy Status = iota
	// StatusDegraded indicates elevated failures.
	StatusDegraded
	// StatusUnhealthy indicates the collaborator is mostly failing.
	StatusUnhealthy
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MonitorConfig configures the health monitor.
type MonitorConfig struct {
	// Window is the trailing interval over which rates are computed.
	// Default: 1 minute
	Window time.Duration

	// TargetThroughput is the sustainable request rate (per second)
	// across all collaborators; CurrentLoad reports utilization
	// against it.
	// Default: 100
	TargetThroughput float64

	// DegradedThreshold is the failure rate at which a collaborator is
	// reported degraded.
	// Default: 0.2
	DegradedThreshold float64

	// UnhealthyThreshold is the failure rate at which a collaborator is
	// reported unhealthy.
	// Default: 0.5
	UnhealthyThreshold float64
}

type sample struct {
	at      time.Time
	success bool
	latency time.Duration
}

// collabStats holds the trailing samples for one collaborator, mutated
// only under its own lock.
type collabStats struct {
	mu      sync.Mutex
	samples []sample
}

// Monitor aggregates collaborator invocation outcomes. It feeds the
// adaptive rate limiter (CurrentLoad, FailureRate) and the health surface.
type Monitor struct {
	config MonitorConfig

	mu      sync.RWMutex
	collabs map[string]*collabStats
}

// NewMonitor creates a health monitor with defaults applied.
func NewMonitor(config MonitorConfig) *Monitor {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.TargetThroughput <= 0 {
		config.TargetThroughput = 100
	}
	if config.DegradedThreshold <= 0 {
		config.DegradedThreshold = 0.2
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = 0.5
	}

	return &Monitor{
		config:  config,
		collabs: make(map[string]*collabStats),
	}
}

// Report records one collaborator invocation outcome.
func (m *Monitor) Report(collaborator string, success bool, latency time.Duration) {
	st := m.get(collaborator)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.prune(time.Now().Add(-m.config.Window))
	st.samples = append(st.samples, sample{at: time.Now(), success: success, latency: latency})
}

// FailureRate returns the collaborator's failure rate in [0,1] over the
// trailing window. Unknown collaborators report zero.
func (m *Monitor) FailureRate(collaborator string) float64 {
	m.mu.RLock()
	st, ok := m.collabs[collaborator]
	m.mu.RUnlock()
	if !ok {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.prune(time.Now().Add(-m.config.Window))
	if len(st.samples) == 0 {
		return 0
	}

	failures := 0
	for _, s := range st.samples {
		if !s.success {
			failures++
		}
	}
	return float64(failures) / float64(len(st.samples))
}

// CurrentLoad reports system load in [0,1]: the larger of throughput
// utilization against the configured target and the overall failure rate.
func (m *Monitor) CurrentLoad() float64 {
	m.mu.RLock()
	collabs := make([]*collabStats, 0, len(m.collabs))
	for _, st := range m.collabs {
		collabs = append(collabs, st)
	}
	m.mu.RUnlock()

	cutoff := time.Now().Add(-m.config.Window)
	total, failures := 0, 0
	for _, st := range collabs {
		st.mu.Lock()
		st.prune(cutoff)
		total += len(st.samples)
		for _, s := range st.samples {
			if !s.success {
				failures++
			}
		}
		st.mu.Unlock()
	}

	if total == 0 {
		return 0
	}

	throughput := float64(total) / m.config.Window.Seconds() / m.config.TargetThroughput
	failureRate := float64(failures) / float64(total)

	load := throughput
	if failureRate > load {
		load = failureRate
	}
	if load > 1 {
		load = 1
	}
	return load
}

// CollabHealth summarizes one collaborator's trailing window.
type CollabHealth struct {
	Status      Status
	Invocations int
	Failures    int
	FailureRate float64
	AvgLatency  time.Duration
}

// Snapshot returns per-collaborator health over the trailing window.
func (m *Monitor) Snapshot() map[string]CollabHealth {
	m.mu.RLock()
	names := make([]string, 0, len(m.collabs))
	for name := range m.collabs {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make(map[string]CollabHealth, len(names))
	for _, name := range names {
		out[name] = m.health(name)
	}
	return out
}

func (m *Monitor) health(collaborator string) CollabHealth {
	m.mu.RLock()
	st := m.collabs[collaborator]
	m.mu.RUnlock()
	if st == nil {
		return CollabHealth{Status: StatusHealthy}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.prune(time.Now().Add(-m.config.Window))

	h := CollabHealth{Invocations: len(st.samples)}
	if h.Invocations == 0 {
		return h
	}

	var totalLatency time.Duration
	for _, s := range st.samples {
		if !s.success {
			h.Failures++
		}
		totalLatency += s.latency
	}
	h.FailureRate = float64(h.Failures) / float64(h.Invocations)
	h.AvgLatency = totalLatency / time.Duration(h.Invocations)

	switch {
	case h.FailureRate >= m.config.UnhealthyThreshold:
		h.Status = StatusUnhealthy
	case h.FailureRate >= m.config.DegradedThreshold:
		h.Status = StatusDegraded
	default:
		h.Status = StatusHealthy
	}
	return h
}

// OverallStatus aggregates the snapshot: unhealthy beats degraded beats
// healthy.
func (m *Monitor) OverallStatus() Status {
	worst := StatusHealthy
	for _, h := range m.Snapshot() {
		if h.Status > worst {
			worst = h.Status
		}
	}
	return worst
}

func (m *Monitor) get(collaborator string) *collabStats {
	m.mu.RLock()
	st, ok := m.collabs[collaborator]
	m.mu.RUnlock()
	if ok {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok = m.collabs[collaborator]; !ok {
		st = &collabStats{}
		m.collabs[collaborator] = st
	}
	return st
}

// prune drops samples older than cutoff. Caller holds st.mu.
func (st *collabStats) prune(cutoff time.Time) {
	keep := 0
	for _, s := range st.samples {
		if s.at.After(cutoff) {
			st.samples[keep] = s
			keep++
		}
	}
	st.samples = st.samples[:keep]
}
