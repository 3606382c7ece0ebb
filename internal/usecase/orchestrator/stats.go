package orchestrator

import (
	"context"
	"time"

	"agentfleet/internal/domain"
	"agentfleet/internal/usecase/balancer"
	"agentfleet/internal/usecase/eventbus"
	"agentfleet/internal/usecase/matcher"
	"agentfleet/internal/usecase/registry"
)

// GetLoadStatistics returns the balancer's snapshot.
func (o *Orchestrator) GetLoadStatistics() balancer.Statistics {
	return o.balancer.Statistics()
}

// RebalanceLoad moves assignments between instances and keeps the task
// history pointing at the new owners. See balancer.RebalanceLoad.
func (o *Orchestrator) RebalanceLoad(ctx context.Context, from, to string, count int) balancer.RebalanceResult {
	res := o.balancer.RebalanceLoad(ctx, from, to, count)
	if !res.Success || len(res.Transfers) == 0 {
		return res
	}
	o.mu.Lock()
	for _, t := range res.Transfers {
		if rec, ok := o.tasks[t.TaskID]; ok {
			rec.AgentID = t.To
		}
	}
	o.mu.Unlock()
	return res
}

// SystemStatistics is the fleet-wide snapshot returned by GetSystemStatistics.
type SystemStatistics struct {
	Agents             int                         `json:"agents"`
	AgentsByStatus     map[domain.AgentStatus]int  `json:"agents_by_status"`
	AgentsByType       map[string]int              `json:"agents_by_type"`
	Flagged            int                         `json:"flagged"`
	AverageSuccessRate float64                     `json:"average_success_rate"`
	MemoryUsage        float64                     `json:"memory_usage_mb"`
	Tasks              int                         `json:"tasks"`
	TasksByStatus      map[domain.TaskStatus]int   `json:"tasks_by_status"`
	TrackedAgents      int                         `json:"tracked_agents"`
	Registry           registry.Statistics         `json:"registry"`
	Matcher            matcher.Statistics          `json:"matcher"`
	Load               balancer.Statistics         `json:"load"`
	Events             map[domain.EventType]uint64 `json:"events,omitempty"`
	Uptime             time.Duration               `json:"uptime"`
	LastCycle          *CycleReport                `json:"last_cycle,omitempty"`
	NextCycle          time.Time                   `json:"next_cycle,omitempty"`
}

// GetSystemStatistics aggregates every component's view of the fleet.
func (o *Orchestrator) GetSystemStatistics() SystemStatistics {
	st := SystemStatistics{
		AgentsByStatus: make(map[domain.AgentStatus]int),
		AgentsByType:   make(map[string]int),
		TasksByStatus:  make(map[domain.TaskStatus]int),
		TrackedAgents:  o.optimizer.Tracked(),
		Registry:       o.registry.GetStatistics(),
		Matcher:        o.matcher.Statistics(),
		Load:           o.balancer.Statistics(),
		Uptime:         time.Since(o.startedAt),
	}

	var rateSum float64
	for _, e := range o.entries() {
		info := o.info(e)
		st.Agents++
		st.AgentsByStatus[info.Status]++
		st.AgentsByType[info.Type]++
		if info.Flagged {
			st.Flagged++
		}
		rateSum += info.Metrics.SuccessRate
		st.MemoryUsage += info.MemoryUsage
	}
	if st.Agents > 0 {
		st.AverageSuccessRate = rateSum / float64(st.Agents)
	}

	o.mu.RLock()
	st.Tasks = len(o.tasks)
	for _, rec := range o.tasks {
		st.TasksByStatus[rec.Status]++
	}
	if o.lastCycle != nil {
		c := *o.lastCycle
		st.LastCycle = &c
	}
	o.mu.RUnlock()

	if bus, ok := o.bus.(*eventbus.Bus); ok {
		st.Events = bus.Counts()
	}
	if next, ok := o.NextCycle(); ok {
		st.NextCycle = next
	}
	return st
}
