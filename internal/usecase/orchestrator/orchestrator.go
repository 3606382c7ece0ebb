// Package orchestrator composes the registry, matcher, balancer and optimizer
// into the engine's public surface. It owns the live agent table and the task
// history, and runs the periodic self-tuning cycle.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"agentfleet/internal/domain"
	"agentfleet/internal/infra/throttle"
	"agentfleet/internal/usecase/balancer"
	"agentfleet/internal/usecase/eventbus"
	"agentfleet/internal/usecase/idgen"
	"agentfleet/internal/usecase/instance"
	"agentfleet/internal/usecase/matcher"
	"agentfleet/internal/usecase/optimizer"
	"agentfleet/internal/usecase/registry"
	"agentfleet/internal/usecase/scheduling"
)

const (
	subsystem        = "orchestrator"
	cycleJobName     = "optimization-cycle"
	throttlePruneJob = "throttle-prune"
	throttleIdle     = 30 * time.Minute
)

// Config holds lifecycle and self-tuning settings.
type Config struct {
	AutoOptimize         bool
	OptimizationInterval string // cron expression or duration
	MinSuccessRate       float64
	RebalanceUtilization float64
	RebalanceCount       int
	MaxAutoActionsPerMin int // per agent; 0 disables throttling
	TaskHistoryLimit     int
	DefaultMemoryLimitMB float64
	PreferredBoost       float64
	RecordMatchHistory   bool
	DefaultMatchStrategy string
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		AutoOptimize:         true,
		OptimizationInterval: "5m",
		MinSuccessRate:       0.5,
		RebalanceUtilization: 0.8,
		RebalanceCount:       5,
		MaxAutoActionsPerMin: 30,
		TaskHistoryLimit:     1000,
		DefaultMemoryLimitMB: 1024,
		PreferredBoost:       1.1,
		RecordMatchHistory:   true,
		DefaultMatchStrategy: "balanced",
	}
}

// CreateOptions tune a single CreateAgent call.
type CreateOptions struct {
	ID            string // empty generates "<type>-<ulid>"
	MemoryLimitMB float64
}

// WorkerFactory builds the live worker for a new agent.
type WorkerFactory func(id string, def domain.AgentTypeDefinition, opts CreateOptions) domain.Worker

// tunable is implemented by workers whose settings optimization actions can
// change.
type tunable interface {
	Settings() instance.Settings
	Tune(instance.Settings)
}

// Options wire an Orchestrator. Zero values select defaults.
type Options struct {
	Config    Config
	Matcher   matcher.Config
	Balancer  balancer.Config
	Optimizer optimizer.Config
	Bus       domain.EventBus
	Factory   WorkerFactory
	Logger    *slog.Logger
}

type agentEntry struct {
	worker    domain.Worker
	def       domain.AgentTypeDefinition
	flagged   bool
	createdAt time.Time
	lastAuto  time.Time // newest recommendation the cycle acted on
}

// Orchestrator is safe for concurrent use. It never holds its own lock while
// calling the balancer, whose worker lookups take that lock.
type Orchestrator struct {
	cfg       Config
	registry  *registry.Registry
	matcher   *matcher.Matcher
	balancer  *balancer.Balancer
	optimizer *optimizer.Optimizer
	scheduler *scheduling.Scheduler
	throttle  *throttle.Keyed
	bus       domain.EventBus
	factory   WorkerFactory
	logger    *slog.Logger
	startedAt time.Time

	mu        sync.RWMutex
	agents    map[string]*agentEntry
	tasks     map[string]*domain.TaskRecord
	taskOrder []string
	matches   map[string]matchInfo
	lastCycle *CycleReport
	closed    bool
}

// New wires the components around reg, which should already be loaded.
func New(reg *registry.Registry, opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.OptimizationInterval == "" {
		cfg.OptimizationInterval = def.OptimizationInterval
	}
	if _, err := scheduling.ParseSchedule(cfg.OptimizationInterval); err != nil {
		return nil, domain.NewSubSystemError(subsystem, "orchestrator.New", domain.ErrInvalidInput, err.Error())
	}
	if cfg.MinSuccessRate <= 0 {
		cfg.MinSuccessRate = def.MinSuccessRate
	}
	if cfg.RebalanceUtilization <= 0 {
		cfg.RebalanceUtilization = def.RebalanceUtilization
	}
	if cfg.RebalanceCount <= 0 {
		cfg.RebalanceCount = def.RebalanceCount
	}
	if cfg.TaskHistoryLimit <= 0 {
		cfg.TaskHistoryLimit = def.TaskHistoryLimit
	}
	if cfg.DefaultMemoryLimitMB <= 0 {
		cfg.DefaultMemoryLimitMB = def.DefaultMemoryLimitMB
	}
	if cfg.PreferredBoost <= 0 {
		cfg.PreferredBoost = def.PreferredBoost
	}
	if cfg.DefaultMatchStrategy == "" {
		cfg.DefaultMatchStrategy = def.DefaultMatchStrategy
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if reg == nil {
		reg = registry.New(logger)
		reg.LoadBuiltin()
	}

	mcfg := opts.Matcher
	if mcfg.DefaultStrategy == "" {
		mcfg.DefaultStrategy = cfg.DefaultMatchStrategy
	}

	o := &Orchestrator{
		cfg:       cfg,
		registry:  reg,
		matcher:   matcher.New(reg, mcfg, logger.With("component", "matcher")),
		optimizer: optimizer.New(opts.Optimizer, opts.Bus, logger.With("component", "optimizer")),
		scheduler: scheduling.NewScheduler(logger.With("component", "scheduler")),
		throttle:  throttle.NewKeyed(cfg.MaxAutoActionsPerMin, 0),
		bus:       opts.Bus,
		factory:   opts.Factory,
		logger:    logger,
		startedAt: time.Now(),
		agents:    make(map[string]*agentEntry),
		tasks:     make(map[string]*domain.TaskRecord),
		matches:   make(map[string]matchInfo),
	}
	o.balancer = balancer.New(opts.Balancer, o.worker, opts.Bus, logger.With("component", "balancer"))
	if o.factory == nil {
		o.factory = o.defaultFactory
	}
	return o, nil
}

func (o *Orchestrator) defaultFactory(id string, def domain.AgentTypeDefinition, opts CreateOptions) domain.Worker {
	limit := opts.MemoryLimitMB
	if limit <= 0 {
		limit = o.cfg.DefaultMemoryLimitMB
	}
	return instance.New(id, def.ID, instance.Options{MemoryLimitMB: limit})
}

// worker is the balancer's lookup.
func (o *Orchestrator) worker(agentID string) (domain.Worker, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.agents[agentID]
	if !ok {
		return nil, false
	}
	return e.worker, true
}

// Registry exposes the agent type registry.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Matcher exposes the matcher for batch matching and history queries.
func (o *Orchestrator) Matcher() *matcher.Matcher { return o.matcher }

// CreateAgent instantiates an agent of a registered type and registers it for
// placement. An unknown type is an error.
func (o *Orchestrator) CreateAgent(ctx context.Context, agentType string, opts CreateOptions) (domain.AgentInfo, error) {
	const op = "orchestrator.CreateAgent"
	def, err := o.registry.Get(agentType)
	if err != nil {
		return domain.AgentInfo{}, domain.NewSubSystemError(subsystem, op, domain.ErrUnknownAgentType, agentType)
	}
	id := opts.ID
	if id == "" {
		id = idgen.WithPrefix(def.ID)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return domain.AgentInfo{}, domain.NewSubSystemError(subsystem, op, domain.ErrShutdown, "")
	}
	if _, exists := o.agents[id]; exists {
		o.mu.Unlock()
		return domain.AgentInfo{}, domain.NewSubSystemError(subsystem, op, domain.ErrDuplicate, id)
	}
	e := &agentEntry{worker: o.factory(id, def, opts), def: def, createdAt: time.Now()}
	o.agents[id] = e
	o.mu.Unlock()

	if err := o.balancer.RegisterAgent(id, def.ID); err != nil {
		o.mu.Lock()
		delete(o.agents, id)
		o.mu.Unlock()
		return domain.AgentInfo{}, domain.WrapOp(op, err)
	}

	o.logger.Info("agent created", "agent_id", id, "agent_type", def.ID)
	eventbus.Emit(ctx, o.bus, domain.EventAgentCreated, id, "", map[string]string{"agent_type": def.ID})

	for _, a := range o.balancer.Drain(ctx) {
		o.markAssigned(ctx, a)
	}
	return o.info(e), nil
}

// RemoveAgent unregisters the agent everywhere. A task it was running is
// recorded as failed.
func (o *Orchestrator) RemoveAgent(ctx context.Context, agentID string) error {
	const op = "orchestrator.RemoveAgent"
	o.mu.Lock()
	e, ok := o.agents[agentID]
	if ok {
		delete(o.agents, agentID)
	}
	o.mu.Unlock()
	if !ok {
		return domain.NewSubSystemError(subsystem, op, domain.ErrNotFound, agentID)
	}

	if a, had := o.balancer.UnregisterAgent(agentID); had {
		e.worker.ReleaseTask()
		o.finishRecord(a.TaskID, domain.TaskFailed, "agent removed", time.Now())
	}
	o.optimizer.RemoveAgent(agentID)
	o.throttle.Forget(agentID)

	o.logger.Info("agent removed", "agent_id", agentID, "agent_type", e.def.ID)
	eventbus.Emit(ctx, o.bus, domain.EventAgentRemoved, agentID, "", map[string]string{"agent_type": e.def.ID})
	return nil
}

// GetAgent returns a snapshot of one agent.
func (o *Orchestrator) GetAgent(agentID string) (domain.AgentInfo, error) {
	o.mu.RLock()
	e, ok := o.agents[agentID]
	o.mu.RUnlock()
	if !ok {
		return domain.AgentInfo{}, domain.NewSubSystemError(subsystem, "orchestrator.GetAgent", domain.ErrNotFound, agentID)
	}
	return o.info(e), nil
}

// AgentFilter narrows GetAllAgents. Empty fields match everything.
type AgentFilter struct {
	Type        string
	Status      domain.AgentStatus
	Category    string
	FlaggedOnly bool
}

// GetAllAgents returns matching agents ordered by creation time.
func (o *Orchestrator) GetAllAgents(filter AgentFilter) []domain.AgentInfo {
	entries := o.entries()
	out := make([]domain.AgentInfo, 0, len(entries))
	for _, e := range entries {
		info := o.info(e)
		if filter.Type != "" && info.Type != filter.Type {
			continue
		}
		if filter.Status != "" && info.Status != filter.Status {
			continue
		}
		if filter.Category != "" && info.Category != filter.Category {
			continue
		}
		if filter.FlaggedOnly && !info.Flagged {
			continue
		}
		out = append(out, info)
	}
	return out
}

// entries snapshots the agent table ordered by creation time, then id.
func (o *Orchestrator) entries() []*agentEntry {
	o.mu.RLock()
	out := make([]*agentEntry, 0, len(o.agents))
	for _, e := range o.agents {
		out = append(out, e)
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].createdAt.Before(out[j].createdAt)
		}
		return out[i].worker.ID() < out[j].worker.ID()
	})
	return out
}

func (o *Orchestrator) info(e *agentEntry) domain.AgentInfo {
	o.mu.RLock()
	flagged := e.flagged
	o.mu.RUnlock()
	w := e.worker
	return domain.AgentInfo{
		ID:          w.ID(),
		Type:        w.Type(),
		Category:    e.def.Category,
		Status:      w.Status(),
		Metrics:     w.Metrics(),
		MemoryUsage: w.MemoryUsage(),
		Workload:    w.WorkloadPercentage(),
		CurrentTask: w.CurrentTask(),
		Flagged:     flagged,
		CreatedAt:   e.createdAt,
	}
}

// Start schedules the optimization cycle when auto-optimization is enabled.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.RLock()
	closed := o.closed
	o.mu.RUnlock()
	if closed {
		return domain.NewSubSystemError(subsystem, "orchestrator.Start", domain.ErrShutdown, "")
	}
	if !o.cfg.AutoOptimize {
		return nil
	}
	o.scheduler.RegisterAction(scheduling.ActionOptimizationCycle, func(ctx context.Context) error {
		o.RunOptimizationCycle(ctx)
		return nil
	})
	o.scheduler.RegisterAction(scheduling.ActionThrottlePrune, func(context.Context) error {
		if n := o.throttle.Prune(throttleIdle); n > 0 {
			o.logger.Debug("pruned idle throttle buckets", "count", n)
		}
		return nil
	})
	jobs := []scheduling.Job{
		{Name: cycleJobName, Schedule: o.cfg.OptimizationInterval, Action: scheduling.ActionOptimizationCycle},
		{Name: throttlePruneJob, Schedule: "@every 10m", Action: scheduling.ActionThrottlePrune},
	}
	existing := o.scheduler.Jobs()
	for _, job := range jobs {
		if contains(existing, job.Name) {
			continue
		}
		if err := o.scheduler.AddJob(job); err != nil {
			return domain.WrapOp("orchestrator.Start", err)
		}
	}
	return o.scheduler.Start(ctx)
}

// Stop halts the periodic cycle and waits for a running one to finish.
func (o *Orchestrator) Stop() error {
	return o.scheduler.Stop()
}

// NextCycle reports when the optimization cycle fires next.
func (o *Orchestrator) NextCycle() (time.Time, bool) {
	return o.scheduler.NextRun(cycleJobName)
}

// Shutdown stops the cycle, releases every running task and rejects further
// agent creation and task submission.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- o.scheduler.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			return domain.WrapOp("orchestrator.Shutdown", err)
		}
	case <-ctx.Done():
		return domain.WrapOp("orchestrator.Shutdown", ctx.Err())
	}

	running := o.balancer.Assignments()
	o.balancer.Clear()
	now := time.Now()
	for _, a := range running {
		o.finishRecord(a.TaskID, domain.TaskFailed, "orchestrator shut down", now)
	}
	o.logger.Info("orchestrator shut down", "agents", o.agentCount(), "released_tasks", len(running))
	return nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

func (o *Orchestrator) agentCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.agents)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
