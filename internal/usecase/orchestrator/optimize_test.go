package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfleet/internal/domain"
	"agentfleet/internal/usecase/eventbus"
	"agentfleet/internal/usecase/optimizer"
)

// runMostlyFailing drives ten tasks through agentID, succeeding on every
// third one. Failures time out when timeouts is set.
func runMostlyFailing(t *testing.T, o *Orchestrator, agentID string, timeouts bool) {
	t.Helper()
	ctx := context.Background()
	w, ok := o.worker(agentID)
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		res := o.AssignTask(ctx, domain.Task{AgentType: w.Type()}, AssignOptions{})
		require.True(t, res.Success, res.Error)
		require.Equal(t, agentID, res.AgentID)
		success := i%3 == 0
		done := o.CompleteTask(ctx, agentID, success, domain.TaskMetrics{
			ResponseTime: 100 * time.Millisecond,
			TimedOut:     timeouts && !success,
		})
		require.True(t, done.Success, done.Error)
	}
}

func TestApplyOptimizationEffects(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()
	_, err := o.CreateAgent(ctx, "backend-developer", CreateOptions{ID: "be-1", MemoryLimitMB: 1000})
	require.NoError(t, err)

	res := o.ApplyOptimization(ctx, "be-1", "increase-memory", map[string]any{"factor": 2.0})
	require.True(t, res.Success, res.Error)
	assert.InDelta(t, 2000, settingsOf(t, o, "be-1").MemoryLimitMB, 1e-9)
	assert.Equal(t, 1000.0, res.Record.Result["previous_limit_mb"])

	res = o.ApplyOptimization(ctx, "be-1", "optimize-cpu", map[string]any{"batch_size": 32})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 32, settingsOf(t, o, "be-1").BatchSize)

	res = o.ApplyOptimization(ctx, "be-1", "compress", map[string]any{"ratio": 0.25})
	require.True(t, res.Success, res.Error)
	assert.InDelta(t, 0.25, settingsOf(t, o, "be-1").CompressionRatio, 1e-9)

	res = o.ApplyOptimization(ctx, "be-1", "cleanup", nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, settingsOf(t, o, "be-1").Cleanups)

	assert.Len(t, o.optimizer.History("be-1"), 4)
}

func TestApplyOptimizationScaleUp(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()
	mustCreate(t, o, "qa-engineer", "qa-1")

	res := o.ApplyOptimization(ctx, "qa-1", "scale-up", map[string]any{"instances": 2})
	require.True(t, res.Success, res.Error)
	require.Len(t, res.Created, 2)
	assert.Len(t, o.GetAllAgents(AgentFilter{Type: "qa-engineer"}), 3)
	for _, id := range res.Created {
		assert.Contains(t, id, "qa-engineer-")
	}
}

func TestApplyOptimizationRetrainClearsFlagAndError(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()
	mustCreate(t, o, "backend-developer", "be-1")
	w, _ := o.worker("be-1")
	w.SetStatus(domain.AgentError)
	require.True(t, o.setFlagged("be-1", true))

	res := o.ApplyOptimization(ctx, "be-1", "retrain", nil)
	require.True(t, res.Success, res.Error)

	info, _ := o.GetAgent("be-1")
	assert.False(t, info.Flagged)
	assert.Equal(t, domain.AgentIdle, info.Status)
}

func TestApplyOptimizationFailsSoft(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()

	res := o.ApplyOptimization(ctx, "ghost", "cleanup", nil)
	assert.False(t, res.Success)
	assert.Equal(t, domain.CodeAgentNotFound, res.Code)

	mustCreate(t, o, "backend-developer", "be-1")
	res = o.ApplyOptimization(ctx, "be-1", "defragment", nil)
	assert.False(t, res.Success)
	assert.Equal(t, domain.CodeUnknownAction, res.Code)

	res = o.ApplyOptimization(ctx, "be-1", "increase-memory", map[string]any{"factor": 10.0})
	assert.False(t, res.Success)
	assert.Equal(t, domain.CodeActionInvalid, res.Code)
	assert.InDelta(t, 1024, settingsOf(t, o, "be-1").MemoryLimitMB, 1e-9)
}

func TestRecommendationsForUnknownAgent(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	_, err := o.GetOptimizationRecommendations("ghost")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestOptimizationCycleAppliesOnlyHighSeverity(t *testing.T) {
	bus := eventbus.New(nil)
	defer bus.Close()
	o := newTestOrchestrator(t, func(opts *Options) { opts.Bus = bus })
	ctx := context.Background()
	mustCreate(t, o, "backend-developer", "be-1")
	runMostlyFailing(t, o, "be-1", false)

	recs, err := o.GetOptimizationRecommendations("be-1")
	require.NoError(t, err)
	var high, other int
	for _, r := range recs {
		if r.Severity == optimizer.SeverityHigh {
			high++
		} else {
			other++
		}
	}
	require.Equal(t, 1, high)
	require.Positive(t, other)

	report := o.RunOptimizationCycle(ctx)
	assert.Equal(t, 1, report.Agents)
	require.Len(t, report.Applied, 1)
	assert.Equal(t, "low-success-rate", report.Applied[0].Rule)
	assert.Equal(t, "retrain", report.Applied[0].Action)
	assert.True(t, report.Applied[0].Success)
	assert.Equal(t, []string{"be-1"}, report.Flagged)
	assert.Zero(t, report.Throttled)

	info, _ := o.GetAgent("be-1")
	assert.True(t, info.Flagged)
	assert.Equal(t, uint64(1), bus.Counts()[domain.EventAgentFlagged])
	assert.Equal(t, uint64(1), bus.Counts()[domain.EventCycleCompleted])

	last, ok := o.LastCycle()
	require.True(t, ok)
	assert.Equal(t, report.StartedAt, last.StartedAt)

	again := o.RunOptimizationCycle(ctx)
	assert.Empty(t, again.Applied)
	assert.Empty(t, again.Flagged)
}

func TestOptimizationCycleThrottlesPerAgent(t *testing.T) {
	o := newTestOrchestrator(t, func(opts *Options) { opts.Config.MaxAutoActionsPerMin = 1 })
	mustCreate(t, o, "backend-developer", "be-1")
	runMostlyFailing(t, o, "be-1", true)

	report := o.RunOptimizationCycle(context.Background())
	assert.Len(t, report.Applied, 1)
	assert.Equal(t, 1, report.Throttled)
}

func TestOptimizationCycleUnflagsRecoveredAgent(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()
	mustCreate(t, o, "backend-developer", "be-1")
	require.True(t, o.setFlagged("be-1", true))

	require.True(t, o.AssignTask(ctx, domain.Task{AgentType: "backend-developer"}, AssignOptions{}).Success)
	require.True(t, o.CompleteTask(ctx, "be-1", true, domain.TaskMetrics{}).Success)

	report := o.RunOptimizationCycle(ctx)
	assert.Equal(t, []string{"be-1"}, report.Unflagged)
	info, _ := o.GetAgent("be-1")
	assert.False(t, info.Flagged)
}

func TestOptimizationCycleCleansUp(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()
	_, err := o.CreateAgent(ctx, "backend-developer", CreateOptions{ID: "be-1", MemoryLimitMB: 100})
	require.NoError(t, err)

	require.True(t, o.AssignTask(ctx, domain.Task{AgentType: "backend-developer"}, AssignOptions{}).Success)
	require.True(t, o.CompleteTask(ctx, "be-1", true, domain.TaskMetrics{MemoryUsage: 95}).Success)

	report := o.RunOptimizationCycle(ctx)
	assert.Equal(t, []string{"be-1"}, report.Cleaned)
	w, _ := o.worker("be-1")
	assert.False(t, w.NeedsCleanup())
}

func TestOptimizationCycleRebalancesWhenBusy(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()
	mustCreate(t, o, "backend-developer", "be-1")
	require.True(t, o.AssignTask(ctx, domain.Task{AgentType: "backend-developer"}, AssignOptions{}).Success)

	report := o.RunOptimizationCycle(ctx)
	assert.InDelta(t, 1.0, report.Utilization, 1e-9)
	assert.Empty(t, report.Rebalanced)
	assert.Equal(t, 1, o.GetLoadStatistics().Totals.Assigned)
}

func TestOptimizationCycleStopsOnCancelledContext(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	mustCreate(t, o, "backend-developer", "be-1")
	runMostlyFailing(t, o, "be-1", false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := o.RunOptimizationCycle(ctx)
	assert.Empty(t, report.Applied)
	assert.Empty(t, report.Flagged)
}

func TestPerformanceReportAndBenchmark(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()

	_, err := o.GetPerformanceReport("ghost", 0)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	mustCreate(t, o, "backend-developer", "be-1")
	_, err = o.GetPerformanceReport("be-1", 0)
	assert.Error(t, err)

	runMostlyFailing(t, o, "be-1", false)
	rep, err := o.GetPerformanceReport("be-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 10, rep.Samples)
	assert.Equal(t, 4, rep.Successes)

	_, err = o.RunBenchmark(ctx, "astronaut", []optimizer.BenchmarkTest{{Name: "noop", Run: func(context.Context) error { return nil }}})
	assert.True(t, errors.Is(err, domain.ErrUnknownAgentType))

	suite := []optimizer.BenchmarkTest{
		{Name: "ok", Run: func(context.Context) error { return nil }},
		{Name: "fails", Run: func(context.Context) error { return errors.New("nope") }},
	}
	bench, err := o.RunBenchmark(ctx, "backend-developer", suite)
	require.NoError(t, err)
	assert.Equal(t, 2, bench.Tests)
	assert.Equal(t, 1, bench.Passed)
	assert.InDelta(t, 0.5, bench.SuccessRate, 1e-9)
}
