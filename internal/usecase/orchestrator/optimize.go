package orchestrator

import (
	"context"
	"time"

	"agentfleet/internal/domain"
	"agentfleet/internal/infra/tracer"
	"agentfleet/internal/usecase/balancer"
	"agentfleet/internal/usecase/eventbus"
	"agentfleet/internal/usecase/instance"
	"agentfleet/internal/usecase/optimizer"
)

// GetOptimizationRecommendations returns the optimizer's current advice for
// a live agent.
func (o *Orchestrator) GetOptimizationRecommendations(agentID string) ([]optimizer.Recommendation, error) {
	if _, ok := o.worker(agentID); !ok {
		return nil, domain.NewSubSystemError(subsystem, "orchestrator.GetOptimizationRecommendations", domain.ErrNotFound, agentID)
	}
	return o.optimizer.Recommendations(agentID), nil
}

// ApplyResult is the optimizer's outcome plus what the orchestrator did to
// the fleet because of it.
type ApplyResult struct {
	optimizer.ApplyResult
	Created []string `json:"created,omitempty"`
}

// ApplyOptimization records action for agentID and carries its effect onto
// the worker: memory limit and tunables change, cleanup runs, scale-up
// creates instances of the same type, retrain clears the flag and an error
// status.
func (o *Orchestrator) ApplyOptimization(ctx context.Context, agentID, action string, params map[string]any) ApplyResult {
	const op = "orchestrator.ApplyOptimization"
	w, ok := o.worker(agentID)
	if !ok {
		var res ApplyResult
		res.Error, res.Code, res.Err = failure(op, domain.ErrNotFound, agentID)
		return res
	}

	if optimizer.ParseAction(action) == optimizer.ActionIncreaseMemory {
		if _, set := params["current_limit_mb"]; !set {
			merged := make(map[string]any, len(params)+1)
			for k, v := range params {
				merged[k] = v
			}
			merged["current_limit_mb"] = o.memoryLimit(w)
			params = merged
		}
	}

	res := ApplyResult{ApplyResult: o.optimizer.ApplyOptimization(ctx, agentID, action, params)}
	if !res.Success {
		return res
	}
	res.Created = o.applyEffects(ctx, w, res.Record.Result)
	return res
}

func (o *Orchestrator) applyEffects(ctx context.Context, w domain.Worker, result map[string]any) []string {
	var tune instance.Settings
	if v, ok := numeric(result[optimizer.ResultMemoryLimit]); ok {
		tune.MemoryLimitMB = v
	}
	if v, ok := numeric(result[optimizer.ResultBatchSize]); ok {
		tune.BatchSize = int(v)
	}
	if v, ok := numeric(result[optimizer.ResultCompression]); ok {
		tune.CompressionRatio = v
	}
	if t, ok := w.(tunable); ok && tune != (instance.Settings{}) {
		t.Tune(tune)
	}

	if done, _ := result[optimizer.ResultCleanup].(bool); done {
		w.PerformCleanup()
	}

	if done, _ := result[optimizer.ResultRetrain].(bool); done {
		o.setFlagged(w.ID(), false)
		if w.Status() == domain.AgentError {
			if w.CurrentTask() != "" {
				w.SetStatus(domain.AgentBusy)
			} else {
				w.SetStatus(domain.AgentIdle)
			}
		}
	}

	var created []string
	if n, ok := numeric(result[optimizer.ResultScaleUp]); ok {
		for i := 0; i < int(n); i++ {
			info, err := o.CreateAgent(ctx, w.Type(), CreateOptions{MemoryLimitMB: o.memoryLimit(w)})
			if err != nil {
				o.logger.Warn("scale-up failed", "agent_type", w.Type(), "error", err)
				break
			}
			created = append(created, info.ID)
		}
	}
	return created
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (o *Orchestrator) setFlagged(agentID string, flagged bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.agents[agentID]
	if !ok || e.flagged == flagged {
		return false
	}
	e.flagged = flagged
	return true
}

// AutoAction is one remediation the cycle applied.
type AutoAction struct {
	AgentID string   `json:"agent_id"`
	Rule    string   `json:"rule"`
	Action  string   `json:"action"`
	Success bool     `json:"success"`
	Created []string `json:"created,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// CycleReport summarizes one optimization cycle.
type CycleReport struct {
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  time.Time           `json:"finished_at"`
	Agents      int                 `json:"agents"`
	Applied     []AutoAction        `json:"applied,omitempty"`
	Throttled   int                 `json:"throttled"`
	Cleaned     []string            `json:"cleaned,omitempty"`
	Flagged     []string            `json:"flagged,omitempty"`
	Unflagged   []string            `json:"unflagged,omitempty"`
	Utilization float64             `json:"utilization"`
	Rebalanced  []balancer.Transfer `json:"rebalanced,omitempty"`
}

// RunOptimizationCycle walks every live agent once: it applies the first
// action of each high-severity recommendation not yet acted on, cleans up
// agents under memory pressure, flags agents below the success-rate floor
// and rebalances when the fleet is busy.
func (o *Orchestrator) RunOptimizationCycle(ctx context.Context) CycleReport {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.optimization_cycle")
	defer span.End()

	report := CycleReport{StartedAt: time.Now()}
	entries := o.entries()
	report.Agents = len(entries)

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		id := e.worker.ID()
		o.autoApply(ctx, e, &report)

		if e.worker.NeedsCleanup() {
			e.worker.PerformCleanup()
			report.Cleaned = append(report.Cleaned, id)
		}

		m := e.worker.Metrics()
		low := m.TotalTasks() > 0 && m.SuccessRate < o.cfg.MinSuccessRate
		if o.setFlagged(id, low) {
			if low {
				report.Flagged = append(report.Flagged, id)
				o.logger.Warn("agent flagged", "agent_id", id, "success_rate", m.SuccessRate)
				eventbus.Emit(ctx, o.bus, domain.EventAgentFlagged, id, "", map[string]any{
					"success_rate": m.SuccessRate,
					"threshold":    o.cfg.MinSuccessRate,
				})
			} else {
				report.Unflagged = append(report.Unflagged, id)
			}
		}
	}

	report.Utilization = o.balancer.Utilization()
	if report.Utilization > o.cfg.RebalanceUtilization {
		if rb := o.RebalanceLoad(ctx, "", "", o.cfg.RebalanceCount); rb.Success {
			report.Rebalanced = rb.Transfers
		}
	}
	report.FinishedAt = time.Now()

	o.mu.Lock()
	o.lastCycle = &report
	o.mu.Unlock()

	o.logger.Info("optimization cycle completed",
		"agents", report.Agents,
		"applied", len(report.Applied),
		"throttled", report.Throttled,
		"cleaned", len(report.Cleaned),
		"flagged", len(report.Flagged),
		"rebalanced", len(report.Rebalanced),
		"duration", report.FinishedAt.Sub(report.StartedAt))
	eventbus.Emit(ctx, o.bus, domain.EventCycleCompleted, "", "", report)
	tracer.SetOK(span)
	return report
}

// autoApply acts on high-severity recommendations refreshed since the agent's
// last automatic action. Each action is taken at most once per agent per cycle.
func (o *Orchestrator) autoApply(ctx context.Context, e *agentEntry, report *CycleReport) {
	id := e.worker.ID()
	o.mu.RLock()
	since := e.lastAuto
	o.mu.RUnlock()

	seen := make(map[optimizer.Action]bool)
	var newest time.Time
	for _, rec := range o.optimizer.Recommendations(id) {
		if rec.Severity != optimizer.SeverityHigh || len(rec.Actions) == 0 || !rec.CreatedAt.After(since) {
			continue
		}
		action := rec.Actions[0]
		if seen[action] {
			continue
		}
		seen[action] = true
		if !o.throttle.Allow(id) {
			report.Throttled++
			o.logger.Debug("automatic action throttled", "agent_id", id, "action", action.String())
			continue
		}
		res := o.ApplyOptimization(ctx, id, action.String(), nil)
		report.Applied = append(report.Applied, AutoAction{
			AgentID: id,
			Rule:    rec.Rule,
			Action:  action.String(),
			Success: res.Success,
			Created: res.Created,
			Error:   res.Error,
		})
		if rec.CreatedAt.After(newest) {
			newest = rec.CreatedAt
		}
	}
	if !newest.IsZero() {
		o.mu.Lock()
		e.lastAuto = newest
		o.mu.Unlock()
	}
}

// LastCycle returns the report of the most recent optimization cycle.
func (o *Orchestrator) LastCycle() (CycleReport, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.lastCycle == nil {
		return CycleReport{}, false
	}
	return *o.lastCycle, true
}

// GetPerformanceReport summarizes the last window samples of a live agent.
func (o *Orchestrator) GetPerformanceReport(agentID string, window int) (optimizer.Report, error) {
	const op = "orchestrator.GetPerformanceReport"
	if _, ok := o.worker(agentID); !ok {
		return optimizer.Report{}, domain.NewSubSystemError(subsystem, op, domain.ErrNotFound, agentID)
	}
	rep, err := o.optimizer.GetPerformanceReport(agentID, window)
	if err != nil {
		return optimizer.Report{}, domain.WrapOp(op, err)
	}
	return rep, nil
}

// RunBenchmark runs suite against a registered agent type.
func (o *Orchestrator) RunBenchmark(ctx context.Context, agentType string, suite []optimizer.BenchmarkTest) (optimizer.BenchmarkResult, error) {
	const op = "orchestrator.RunBenchmark"
	if !o.registry.Has(agentType) {
		return optimizer.BenchmarkResult{}, domain.NewSubSystemError(subsystem, op, domain.ErrUnknownAgentType, agentType)
	}
	ctx, span := tracer.StartSpan(ctx, "orchestrator.run_benchmark")
	res, err := o.optimizer.RunBenchmark(ctx, agentType, suite)
	endSpan(span, err)
	if err != nil {
		return optimizer.BenchmarkResult{}, domain.WrapOp(op, err)
	}
	return res, nil
}
