package balancer

import (
	"sort"
	"time"

	"agentfleet/internal/domain"
)

// InstanceStats is the balancer's view of one registered instance.
type InstanceStats struct {
	AgentID         string          `json:"agent_id"`
	AgentType       string          `json:"agent_type"`
	TaskID          string          `json:"task_id,omitempty"`
	Assigned        int             `json:"assigned"`
	Completed       int             `json:"completed"`
	Failed          int             `json:"failed"`
	AverageResponse time.Duration   `json:"average_response"`
	SuccessRate     float64         `json:"success_rate"`
	Workload        float64         `json:"workload_pct"`
	Usable          bool            `json:"usable"`
	Breaker         BreakerSnapshot `json:"breaker"`
	RegisteredAt    time.Time       `json:"registered_at"`
}

// Statistics is a point-in-time snapshot of balancer state.
type Statistics struct {
	Strategy          string                  `json:"strategy"`
	Registered        int                     `json:"registered"`
	PoolSizes         map[string]int          `json:"pool_sizes"`
	ActiveAssignments int                     `json:"active_assignments"`
	QueueDepth        int                     `json:"queue_depth"`
	QueueByPriority   map[domain.Priority]int `json:"queue_by_priority"`
	Utilization       float64                 `json:"utilization"`
	HighWaterMark     float64                 `json:"high_water_mark"`
	LoadVariance      map[string]float64      `json:"load_variance"`
	Totals            Totals                  `json:"totals"`
	Instances         []InstanceStats         `json:"instances"`
}

// Statistics returns a snapshot of pools, queue, counters and breakers.
func (b *Balancer) Statistics() Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Statistics{
		Strategy:          b.cfg.Strategy,
		Registered:        len(b.instances),
		PoolSizes:         make(map[string]int, len(b.pools)),
		ActiveAssignments: len(b.assignments),
		QueueDepth:        b.queue.len(),
		QueueByPriority:   b.queue.depthByPriority(),
		Utilization:       b.utilizationLocked(),
		HighWaterMark:     b.highWater,
		LoadVariance:      make(map[string]float64, len(b.pools)),
		Totals:            b.totals,
		Instances:         make([]InstanceStats, 0, len(b.instances)),
	}
	for t, pool := range b.pools {
		st.PoolSizes[t] = len(pool)
		st.LoadVariance[t] = b.computeVarianceLocked(t)
	}
	for _, in := range b.instances {
		st.Instances = append(st.Instances, InstanceStats{
			AgentID:         in.id,
			AgentType:       in.agentType,
			TaskID:          b.assignments[in.id].TaskID,
			Assigned:        in.assigned,
			Completed:       in.completed,
			Failed:          in.failed,
			AverageResponse: in.avgResponse,
			SuccessRate:     in.successRate,
			Workload:        b.workloadLocked(in),
			Usable:          b.usableLocked(in),
			Breaker:         in.breaker.snapshot(),
			RegisteredAt:    in.registered,
		})
	}
	sort.Slice(st.Instances, func(i, j int) bool { return st.Instances[i].AgentID < st.Instances[j].AgentID })
	return st
}

// BreakerState returns the breaker snapshot of agentID.
func (b *Balancer) BreakerState(agentID string) (BreakerSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.instances[agentID]
	if !ok {
		return BreakerSnapshot{}, false
	}
	return in.breaker.snapshot(), true
}

// Assignment returns the active assignment of agentID.
func (b *Balancer) Assignment(agentID string) (domain.TaskAssignment, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.assignments[agentID]
	return a, ok
}

// Assignments returns every active assignment ordered by agent id.
func (b *Balancer) Assignments() []domain.TaskAssignment {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.TaskAssignment, 0, len(b.assignments))
	for _, a := range b.assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Queued returns the waiting tasks in drain order.
func (b *Balancer) Queued() []QueuedTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.snapshot()
}

// QueueDepth returns the number of waiting tasks.
func (b *Balancer) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.len()
}

// Utilization returns active assignments over registered instances.
func (b *Balancer) Utilization() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.utilizationLocked()
}

// Registered reports whether agentID is known.
func (b *Balancer) Registered(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.instances[agentID]
	return ok
}

// Clear drops every assignment, queued task, counter and breaker history
// while keeping the registered pools. Workers holding a task are released.
func (b *Balancer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.assignments {
		if w, ok := b.worker(id); ok {
			w.ReleaseTask()
		}
	}
	b.assignments = make(map[string]domain.TaskAssignment)
	b.queue.clear()
	b.cursor = make(map[string]int)
	b.variance = make(map[string]float64)
	b.totals = Totals{}
	b.highWater = 0
	for _, in := range b.instances {
		in.assigned, in.completed, in.failed = 0, 0, 0
		in.avgResponse, in.successRate, in.wrrCurrent = 0, 1, 0
		in.breaker = newBreaker(in.id, b.cfg.BreakerMaxFailures, b.cfg.BreakerTimeout, b.onBreakerChange)
	}
}
