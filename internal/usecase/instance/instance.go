// Package instance implements domain.Worker: one live agent with running
// performance counters, a simulated memory footprint and tunable settings.
package instance

import (
	"sync"
	"time"

	"agentfleet/internal/domain"
)

const (
	defaultMemoryLimitMB    = 1024.0
	defaultBaseMemoryMB     = 64.0
	defaultCleanupThreshold = 0.8
)

// Options configure a new Agent.
type Options struct {
	MemoryLimitMB    float64
	BaseMemoryMB     float64 // footprint after creation and after each cleanup
	CleanupThreshold float64 // fraction of the limit at which NeedsCleanup reports true
	Now              func() time.Time
}

// Settings are the tunables optimization actions adjust.
type Settings struct {
	MemoryLimitMB    float64 `json:"memory_limit_mb"    yaml:"memory_limit_mb"`
	BatchSize        int     `json:"batch_size"         yaml:"batch_size,omitempty"`
	CompressionRatio float64 `json:"compression_ratio"  yaml:"compression_ratio,omitempty"`
	Replicas         int     `json:"replicas,omitempty" yaml:"replicas,omitempty"`
	Cleanups         int     `json:"cleanups"           yaml:"-"`
}

// Agent is safe for concurrent use.
type Agent struct {
	id        string
	agentType string
	now       func() time.Time
	base      float64
	threshold float64
	createdAt time.Time

	mu          sync.RWMutex
	status      domain.AgentStatus
	metrics     domain.PerformanceMetrics
	memory      float64
	memoryPeak  float64
	cpu         float64
	currentTask string
	taskStarted time.Time
	lastActive  time.Time
	settings    Settings
}

var _ domain.Worker = (*Agent)(nil)

// New creates an idle agent.
func New(id, agentType string, opts Options) *Agent {
	if opts.MemoryLimitMB <= 0 {
		opts.MemoryLimitMB = defaultMemoryLimitMB
	}
	if opts.BaseMemoryMB <= 0 {
		opts.BaseMemoryMB = defaultBaseMemoryMB
	}
	if opts.CleanupThreshold <= 0 || opts.CleanupThreshold > 1 {
		opts.CleanupThreshold = defaultCleanupThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	now := opts.Now()
	return &Agent{
		id:         id,
		agentType:  agentType,
		now:        opts.Now,
		base:       opts.BaseMemoryMB,
		threshold:  opts.CleanupThreshold,
		createdAt:  now,
		status:     domain.AgentIdle,
		metrics:    domain.PerformanceMetrics{SuccessRate: 1},
		memory:     opts.BaseMemoryMB,
		memoryPeak: opts.BaseMemoryMB,
		lastActive: now,
		settings:   Settings{MemoryLimitMB: opts.MemoryLimitMB},
	}
}

func (a *Agent) ID() string   { return a.id }
func (a *Agent) Type() string { return a.agentType }

// CreatedAt returns when the agent was constructed.
func (a *Agent) CreatedAt() time.Time { return a.createdAt }

func (a *Agent) Status() domain.AgentStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Agent) SetStatus(s domain.AgentStatus) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// StartTask marks the agent busy. An agent in error status stays in error.
func (a *Agent) StartTask(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentTask = taskID
	a.taskStarted = a.now()
	a.lastActive = a.taskStarted
	if a.status != domain.AgentError {
		a.status = domain.AgentBusy
	}
}

// CompleteTask records the outcome. Execution time comes from the reported
// response time, or the time since StartTask when none is reported.
func (a *Agent) CompleteTask(success bool, m domain.TaskMetrics) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	elapsed := m.ResponseTime
	if elapsed <= 0 && !a.taskStarted.IsZero() {
		elapsed = now.Sub(a.taskStarted)
	}
	if success {
		a.metrics.TasksCompleted++
	} else {
		a.metrics.TasksFailed++
	}
	a.metrics.TotalExecutionTime += elapsed
	total := a.metrics.TotalTasks()
	a.metrics.AverageExecutionTime = a.metrics.TotalExecutionTime / time.Duration(total)
	a.metrics.SuccessRate = float64(a.metrics.TasksCompleted) / float64(total)

	switch {
	case m.MemoryUsage > 0:
		a.memory = m.MemoryUsage
	case m.MemoryDelta != 0:
		a.memory = max(0, a.memory+m.MemoryDelta)
	}
	a.memoryPeak = max(a.memoryPeak, a.memory)
	if m.CPUUsage > 0 {
		a.cpu = m.CPUUsage
	}

	a.currentTask = ""
	a.taskStarted = time.Time{}
	a.lastActive = now
	if a.status == domain.AgentBusy {
		a.status = domain.AgentIdle
	}
}

// ReleaseTask drops the current task without recording an outcome.
func (a *Agent) ReleaseTask() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentTask = ""
	a.taskStarted = time.Time{}
	if a.status == domain.AgentBusy {
		a.status = domain.AgentIdle
	}
}

// PerformCleanup returns memory to the base footprint.
func (a *Agent) PerformCleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.memory = a.base
	a.settings.Cleanups++
}

// NeedsCleanup reports whether memory has reached the cleanup threshold.
func (a *Agent) NeedsCleanup() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.memory >= a.threshold*a.settings.MemoryLimitMB
}

// WorkloadPercentage blends memory pressure with whether a task is running:
// half the scale each, capped at 100.
func (a *Agent) WorkloadPercentage() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.workloadLocked()
}

func (a *Agent) workloadLocked() float64 {
	load := min(1, a.memory/a.settings.MemoryLimitMB) * 50
	if a.currentTask != "" {
		load += 50
	}
	return min(100, load)
}

func (a *Agent) Metrics() domain.PerformanceMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metrics
}

func (a *Agent) MemoryUsage() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.memory
}

func (a *Agent) CurrentTask() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentTask
}

func (a *Agent) PerformanceSummary() domain.PerformanceSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return domain.PerformanceSummary{
		AgentID:     a.id,
		AgentType:   a.agentType,
		Status:      a.status,
		Metrics:     a.metrics,
		MemoryUsage: a.memory,
		MemoryPeak:  a.memoryPeak,
		MemoryLimit: a.settings.MemoryLimitMB,
		CPUUsage:    a.cpu,
		Workload:    a.workloadLocked(),
		CurrentTask: a.currentTask,
		Uptime:      a.now().Sub(a.createdAt),
		LastActive:  a.lastActive,
	}
}

// Settings returns the current tunables.
func (a *Agent) Settings() Settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

// MemoryLimit returns the memory limit in MB.
func (a *Agent) MemoryLimit() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings.MemoryLimitMB
}

// SetMemoryLimit changes the memory limit. Non-positive values are ignored.
func (a *Agent) SetMemoryLimit(mb float64) {
	if mb <= 0 {
		return
	}
	a.mu.Lock()
	a.settings.MemoryLimitMB = mb
	a.mu.Unlock()
}

// Tune applies the non-zero fields of s. Cleanups is not settable.
func (a *Agent) Tune(s Settings) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s.MemoryLimitMB > 0 {
		a.settings.MemoryLimitMB = s.MemoryLimitMB
	}
	if s.BatchSize > 0 {
		a.settings.BatchSize = s.BatchSize
	}
	if s.CompressionRatio > 0 && s.CompressionRatio < 1 {
		a.settings.CompressionRatio = s.CompressionRatio
	}
	if s.Replicas > 0 {
		a.settings.Replicas = s.Replicas
	}
}
