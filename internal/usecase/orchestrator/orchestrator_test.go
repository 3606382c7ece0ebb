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
	"agentfleet/internal/usecase/instance"
)

func newTestOrchestrator(t *testing.T, mutate func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{Config: DefaultConfig()}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(nil, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return o
}

func mustCreate(t *testing.T, o *Orchestrator, agentType, id string) domain.AgentInfo {
	t.Helper()
	info, err := o.CreateAgent(context.Background(), agentType, CreateOptions{ID: id})
	require.NoError(t, err)
	return info
}

func settingsOf(t *testing.T, o *Orchestrator, id string) instance.Settings {
	t.Helper()
	w, ok := o.worker(id)
	require.True(t, ok)
	a, ok := w.(*instance.Agent)
	require.True(t, ok)
	return a.Settings()
}

func TestNewRejectsBadInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OptimizationInterval = "every now and then"
	_, err := New(nil, Options{Config: cfg})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestNewLoadsBuiltinCatalog(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	assert.True(t, o.Registry().Has("backend-developer"))
	assert.NotNil(t, o.Matcher())
}

func TestCreateAgentUnknownTypeIsHardError(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	_, err := o.CreateAgent(context.Background(), "astronaut", CreateOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnknownAgentType))
	assert.Equal(t, domain.CodeUnknownAgentType, domain.ErrorCodeOf(err))
	assert.Empty(t, o.GetAllAgents(AgentFilter{}))
}

func TestCreateAndRemoveAgent(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()

	info := mustCreate(t, o, "backend-developer", "be-1")
	assert.Equal(t, "be-1", info.ID)
	assert.Equal(t, "backend-developer", info.Type)
	assert.Equal(t, "development", info.Category)
	assert.Equal(t, domain.AgentIdle, info.Status)

	generated, err := o.CreateAgent(ctx, "qa-engineer", CreateOptions{})
	require.NoError(t, err)
	assert.Contains(t, generated.ID, "qa-engineer-")

	_, err = o.CreateAgent(ctx, "backend-developer", CreateOptions{ID: "be-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDuplicate))
	assert.Equal(t, domain.CodeAgentDuplicate, domain.ErrorCodeOf(err))

	got, err := o.GetAgent("be-1")
	require.NoError(t, err)
	assert.Equal(t, "be-1", got.ID)

	require.NoError(t, o.RemoveAgent(ctx, "be-1"))
	_, err = o.GetAgent("be-1")
	assert.Equal(t, domain.CodeAgentNotFound, domain.ErrorCodeOf(err))
	assert.Equal(t, domain.CodeAgentNotFound, domain.ErrorCodeOf(o.RemoveAgent(ctx, "be-1")))
	assert.Equal(t, 1, o.GetLoadStatistics().Registered)
}

func TestGetAllAgentsFilters(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	mustCreate(t, o, "backend-developer", "be-1")
	mustCreate(t, o, "backend-developer", "be-2")
	mustCreate(t, o, "qa-engineer", "qa-1")
	require.True(t, o.setFlagged("be-2", true))

	assert.Len(t, o.GetAllAgents(AgentFilter{}), 3)
	assert.Len(t, o.GetAllAgents(AgentFilter{Type: "backend-developer"}), 2)
	assert.Len(t, o.GetAllAgents(AgentFilter{Category: "quality"}), 1)

	flagged := o.GetAllAgents(AgentFilter{FlaggedOnly: true})
	require.Len(t, flagged, 1)
	assert.Equal(t, "be-2", flagged[0].ID)

	res := o.AssignTask(context.Background(), domain.Task{AgentType: "qa-engineer"}, AssignOptions{})
	require.True(t, res.Success)
	busy := o.GetAllAgents(AgentFilter{Status: domain.AgentBusy})
	require.Len(t, busy, 1)
	assert.Equal(t, "qa-1", busy[0].ID)
}

func TestRemoveAgentFailsRunningTask(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()
	mustCreate(t, o, "backend-developer", "be-1")

	res := o.AssignTask(ctx, domain.Task{ID: "t1", AgentType: "backend-developer"}, AssignOptions{})
	require.True(t, res.Success)
	require.NoError(t, o.RemoveAgent(ctx, "be-1"))

	rec, ok := o.Task("t1")
	require.True(t, ok)
	assert.Equal(t, domain.TaskFailed, rec.Status)
	assert.Equal(t, "agent removed", rec.Error)
	assert.Empty(t, o.balancer.Assignments())
}

func TestShutdown(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()
	mustCreate(t, o, "backend-developer", "be-1")
	res := o.AssignTask(ctx, domain.Task{ID: "t1", AgentType: "backend-developer"}, AssignOptions{})
	require.True(t, res.Success)

	require.NoError(t, o.Shutdown(ctx))
	require.NoError(t, o.Shutdown(ctx))

	rec, _ := o.Task("t1")
	assert.Equal(t, domain.TaskFailed, rec.Status)
	assert.Equal(t, "orchestrator shut down", rec.Error)

	_, err := o.CreateAgent(ctx, "backend-developer", CreateOptions{})
	assert.True(t, errors.Is(err, domain.ErrShutdown))

	after := o.AssignTask(ctx, domain.Task{AgentType: "backend-developer"}, AssignOptions{})
	assert.False(t, after.Success)
	assert.Equal(t, domain.CodeShutdown, after.Code)

	assert.True(t, errors.Is(o.Start(ctx), domain.ErrShutdown))
}

func TestStartSchedulesCycle(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, ok := o.NextCycle()
	assert.False(t, ok)

	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Start(ctx))
	next, ok := o.NextCycle()
	require.True(t, ok)
	assert.True(t, next.After(time.Now()))
	assert.Equal(t, []string{cycleJobName, throttlePruneJob}, o.scheduler.Jobs())

	require.NoError(t, o.Stop())
}

func TestStartWithoutAutoOptimize(t *testing.T) {
	o := newTestOrchestrator(t, func(opts *Options) { opts.Config.AutoOptimize = false })
	require.NoError(t, o.Start(context.Background()))
	assert.Empty(t, o.scheduler.Jobs())
}

func TestEventsPublished(t *testing.T) {
	bus := eventbus.New(nil)
	defer bus.Close()
	o := newTestOrchestrator(t, func(opts *Options) { opts.Bus = bus })
	ctx := context.Background()

	mustCreate(t, o, "backend-developer", "be-1")
	res := o.AssignTask(ctx, domain.Task{AgentType: "backend-developer"}, AssignOptions{})
	require.True(t, res.Success)
	require.True(t, o.CompleteTask(ctx, "be-1", true, domain.TaskMetrics{ResponseTime: time.Second}).Success)

	res = o.AssignTask(ctx, domain.Task{AgentType: "backend-developer"}, AssignOptions{})
	require.True(t, res.Success)
	require.True(t, o.CompleteTask(ctx, "be-1", false, domain.TaskMetrics{Error: "boom"}).Success)
	require.NoError(t, o.RemoveAgent(ctx, "be-1"))

	counts := bus.Counts()
	assert.Equal(t, uint64(1), counts[domain.EventAgentCreated])
	assert.Equal(t, uint64(2), counts[domain.EventTaskAssigned])
	assert.Equal(t, uint64(1), counts[domain.EventTaskCompleted])
	assert.Equal(t, uint64(1), counts[domain.EventTaskFailed])
	assert.Equal(t, uint64(1), counts[domain.EventAgentRemoved])
}
