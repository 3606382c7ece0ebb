// Package balancer places tasks on live agent instances. It keeps per-type
// pools, guards each instance with a circuit breaker, rejects work under
// system-wide backpressure and queues overflow by priority.
package balancer

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/metric"
	"gonum.org/v1/gonum/stat"

	"agentfleet/internal/domain"
	"agentfleet/internal/infra/tracer"
	"agentfleet/internal/usecase/eventbus"
)

const subsystem = "balancer"

// successRateAlpha is the smoothing factor of the rolling success rate.
const successRateAlpha = 0.2

// Config holds placement thresholds.
type Config struct {
	Strategy              string
	BackpressureThreshold float64 // active/registered ratio above which work is rejected
	MaxInstanceLoad       float64 // workload percent at which an instance stops accepting work
	BreakerMaxFailures    uint32
	BreakerTimeout        time.Duration
	RebalanceHighLoad     float64
	RebalanceLowLoad      float64
	RebalanceMinGap       float64
	AdaptiveVariance      float64
	MaxQueueDepth         int // 0 = unbounded
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		Strategy:              string(RoundRobin),
		BackpressureThreshold: 0.8,
		MaxInstanceLoad:       90,
		BreakerMaxFailures:    3,
		BreakerTimeout:        60 * time.Second,
		RebalanceHighLoad:     70,
		RebalanceLowLoad:      40,
		RebalanceMinGap:       30,
		AdaptiveVariance:      0.3,
	}
}

// AssignOptions tunes a single AssignTask call.
type AssignOptions struct {
	// Strategy overrides the configured strategy. Empty uses the default.
	Strategy string
}

// AssignResult reports the outcome of AssignTask. Exactly one of Success,
// Queued or a failure (Error set) describes the task's fate.
type AssignResult struct {
	Success       bool                  `json:"success"`
	Assignment    domain.TaskAssignment `json:"assignment,omitempty"`
	Queued        bool                  `json:"queued,omitempty"`
	QueuePosition int                   `json:"queue_position,omitempty"`
	Backpressure  bool                  `json:"backpressure,omitempty"`
	Strategy      Strategy              `json:"strategy,omitempty"`
	Error         string                `json:"error,omitempty"`
	Code          domain.ErrorCode      `json:"code,omitempty"`
	Err           error                 `json:"-"`
}

// CompleteResult reports the outcome of CompleteTask.
type CompleteResult struct {
	Success    bool                    `json:"success"`
	Assignment domain.TaskAssignment   `json:"assignment"`
	Drained    []domain.TaskAssignment `json:"drained,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Code       domain.ErrorCode        `json:"code,omitempty"`
	Err        error                   `json:"-"`
}

func failure(op string, sentinel error, detail string) (string, domain.ErrorCode, error) {
	err := domain.NewSubSystemError(subsystem, op, sentinel, detail)
	return err.Error(), domain.ErrorCodeOf(err), err
}

// instance is the balancer's bookkeeping for one registered agent. The worker
// itself lives in the orchestrator and is reached through the lookup.
type instance struct {
	id        string
	agentType string
	breaker   *breaker

	assigned    int
	completed   int
	failed      int
	avgResponse time.Duration
	successRate float64
	wrrCurrent  float64
	registered  time.Time
}

// Totals are lifetime counters since creation or the last Clear.
type Totals struct {
	Assigned  int `json:"assigned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Rejected  int `json:"rejected"`
	Queued    int `json:"queued"`
	Drained   int `json:"drained"`
	Transfers int `json:"transfers"`
}

type instruments struct {
	assignments  metric.Int64Counter
	queued       metric.Int64Counter
	rejections   metric.Int64Counter
	breakerTrips metric.Int64Counter
	responseTime metric.Float64Histogram
}

// Balancer is safe for concurrent use.
type Balancer struct {
	cfg    Config
	lookup domain.WorkerLookup
	bus    domain.EventBus
	logger *slog.Logger
	inst   instruments

	mu          sync.Mutex
	pools       map[string][]*instance
	instances   map[string]*instance
	assignments map[string]domain.TaskAssignment
	queue       taskQueue
	cursor      map[string]int
	rng         *rand.Rand
	totals      Totals
	highWater   float64
	variance    map[string]float64
}

// New creates a Balancer. lookup resolves agent ids to live workers; bus may
// be nil.
func New(cfg Config, lookup domain.WorkerLookup, bus domain.EventBus, logger *slog.Logger) *Balancer {
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.BackpressureThreshold <= 0 {
		cfg.BackpressureThreshold = def.BackpressureThreshold
	}
	if cfg.MaxInstanceLoad <= 0 {
		cfg.MaxInstanceLoad = def.MaxInstanceLoad
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = def.BreakerMaxFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if cfg.RebalanceHighLoad <= 0 {
		cfg.RebalanceHighLoad = def.RebalanceHighLoad
	}
	if cfg.RebalanceLowLoad <= 0 {
		cfg.RebalanceLowLoad = def.RebalanceLowLoad
	}
	if cfg.RebalanceMinGap <= 0 {
		cfg.RebalanceMinGap = def.RebalanceMinGap
	}
	if cfg.AdaptiveVariance <= 0 {
		cfg.AdaptiveVariance = def.AdaptiveVariance
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Balancer{
		cfg:    cfg,
		lookup: lookup,
		bus:    bus,
		logger: logger,
		inst: instruments{
			assignments:  tracer.Counter("agentfleet.balancer.assignments", "Tasks placed on an instance"),
			queued:       tracer.Counter("agentfleet.balancer.queued", "Tasks queued for lack of a usable instance"),
			rejections:   tracer.Counter("agentfleet.balancer.rejections", "Tasks rejected under backpressure"),
			breakerTrips: tracer.Counter("agentfleet.balancer.breaker_trips", "Circuit breakers opened"),
			responseTime: tracer.Histogram("agentfleet.balancer.response_time", "Task response time", "ms"),
		},
		pools:       make(map[string][]*instance),
		instances:   make(map[string]*instance),
		assignments: make(map[string]domain.TaskAssignment),
		cursor:      make(map[string]int),
		rng:         rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		variance:    make(map[string]float64),
	}
}

// RegisterAgent adds an instance to its type's pool.
func (b *Balancer) RegisterAgent(agentID, agentType string) error {
	if agentID == "" || agentType == "" {
		_, _, err := failure("Balancer.RegisterAgent", domain.ErrInvalidInput, "agent id and type are required")
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.instances[agentID]; ok {
		_, _, err := failure("Balancer.RegisterAgent", domain.ErrDuplicate, agentID)
		return err
	}
	in := &instance{
		id:          agentID,
		agentType:   agentType,
		breaker:     newBreaker(agentID, b.cfg.BreakerMaxFailures, b.cfg.BreakerTimeout, b.onBreakerChange),
		successRate: 1,
		registered:  time.Now(),
	}
	b.instances[agentID] = in
	b.pools[agentType] = append(b.pools[agentType], in)
	b.logger.Debug("agent registered", "agent_id", agentID, "agent_type", agentType)
	return nil
}

// UnregisterAgent removes an instance. Any active assignment is dropped and
// returned so the caller can account for the orphaned task.
func (b *Balancer) UnregisterAgent(agentID string) (domain.TaskAssignment, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.instances[agentID]
	if !ok {
		return domain.TaskAssignment{}, false
	}
	delete(b.instances, agentID)
	pool := b.pools[in.agentType]
	for i, p := range pool {
		if p == in {
			pool = append(pool[:i:i], pool[i+1:]...)
			break
		}
	}
	if len(pool) == 0 {
		delete(b.pools, in.agentType)
		delete(b.cursor, in.agentType)
		delete(b.variance, in.agentType)
	} else {
		b.pools[in.agentType] = pool
	}
	a, had := b.assignments[agentID]
	delete(b.assignments, agentID)
	b.logger.Debug("agent unregistered", "agent_id", agentID, "dropped_task", a.TaskID)
	return a, had
}

// AssignTask places task on an instance of task.AgentType, queues it when no
// instance is usable, or rejects it under backpressure. Backpressure is
// evaluated first and leaves all state untouched.
func (b *Balancer) AssignTask(ctx context.Context, task domain.Task, opts AssignOptions) AssignResult {
	const op = "Balancer.AssignTask"
	name := opts.Strategy
	if name == "" {
		name = b.cfg.Strategy
	}
	strategy, err := ParseStrategy(name)
	if err != nil {
		var res AssignResult
		res.Error, res.Code, res.Err = failure(op, domain.ErrUnknownStrategy, name)
		return res
	}
	if task.ID == "" || task.AgentType == "" {
		var res AssignResult
		res.Error, res.Code, res.Err = failure(op, domain.ErrInvalidInput, "task id and agent type are required")
		return res
	}
	priority := task.Priority
	if priority == "" {
		priority = task.Requirements.Priority
	}
	priority = priority.Normalize()

	b.mu.Lock()
	if ratio := b.utilizationLocked(); ratio > b.cfg.BackpressureThreshold {
		b.totals.Rejected++
		b.mu.Unlock()
		res := AssignResult{Backpressure: true, Strategy: strategy}
		res.Error, res.Code, res.Err = failure(op, domain.ErrBackpressure, "")
		b.inst.rejections.Add(ctx, 1, tracer.WithAttrs(tracer.StringAttr("agent_type", task.AgentType)))
		b.logger.Warn("task rejected under backpressure", "task_id", task.ID, "utilization", ratio)
		eventbus.Emit(ctx, b.bus, domain.EventTaskRejected, "", task.ID, map[string]any{"reason": "backpressure", "utilization": ratio})
		return res
	}

	if _, busy := b.taskAgentLocked(task.ID); busy {
		b.mu.Unlock()
		var res AssignResult
		res.Error, res.Code, res.Err = failure(op, domain.ErrDuplicate, "task "+task.ID+" is already assigned")
		return res
	}

	in := b.pickLocked(strategy, task)
	if in == nil {
		if b.cfg.MaxQueueDepth > 0 && b.queue.len() >= b.cfg.MaxQueueDepth {
			b.totals.Rejected++
			b.mu.Unlock()
			var res AssignResult
			res.Error, res.Code, res.Err = failure(op, domain.ErrLimitReached, "task queue is full")
			return res
		}
		pos := b.queue.push(QueuedTask{Task: task, Priority: priority, Strategy: strategy, EnqueuedAt: time.Now()})
		b.totals.Queued++
		b.mu.Unlock()
		b.inst.queued.Add(ctx, 1, tracer.WithAttrs(tracer.StringAttr("priority", string(priority))))
		b.logger.Info("task queued", "task_id", task.ID, "agent_type", task.AgentType, "priority", string(priority), "position", pos)
		eventbus.Emit(ctx, b.bus, domain.EventTaskQueued, "", task.ID, map[string]any{"priority": priority, "position": pos})
		return AssignResult{Queued: true, QueuePosition: pos, Strategy: strategy}
	}

	a := b.assignLocked(in, task, priority)
	b.mu.Unlock()

	b.inst.assignments.Add(ctx, 1, tracer.WithAttrs(tracer.StringAttr("strategy", string(strategy))))
	b.logger.Debug("task assigned", "task_id", task.ID, "agent_id", in.id, "strategy", string(strategy))
	return AssignResult{Success: true, Assignment: a, Strategy: strategy}
}

// pickLocked runs the strategy and falls back to least-connections when the
// pick is missing or unusable.
func (b *Balancer) pickLocked(strategy Strategy, task domain.Task) *instance {
	pool := b.pools[task.AgentType]
	if len(pool) == 0 {
		return nil
	}
	if in := selectors[strategy](b, task.AgentType, pool, task); in != nil && b.usableLocked(in) {
		return in
	}
	return selectLeastConnections(b, task.AgentType, pool, task)
}

func (b *Balancer) assignLocked(in *instance, task domain.Task, priority domain.Priority) domain.TaskAssignment {
	a := domain.TaskAssignment{
		TaskID:     task.ID,
		AgentID:    in.id,
		AgentType:  in.agentType,
		AssignedAt: time.Now(),
		Priority:   priority,
		Timeout:    task.Timeout,
	}
	b.assignments[in.id] = a
	in.assigned++
	b.totals.Assigned++
	if u := b.utilizationLocked(); u > b.highWater {
		b.highWater = u
	}
	if w, ok := b.worker(in.id); ok {
		w.StartTask(task.ID)
	}
	return a
}

// CompleteTask records the outcome of the task running on agentID, advances
// its breaker and drains the queue onto any instance that became usable.
// The worker is expected to have been returned to idle by the caller.
func (b *Balancer) CompleteTask(ctx context.Context, agentID string, success bool, metrics domain.TaskMetrics) CompleteResult {
	const op = "Balancer.CompleteTask"
	b.mu.Lock()
	in, ok := b.instances[agentID]
	if !ok {
		b.mu.Unlock()
		var res CompleteResult
		res.Error, res.Code, res.Err = failure(op, domain.ErrNotFound, agentID)
		return res
	}
	a, ok := b.assignments[agentID]
	if !ok {
		b.mu.Unlock()
		var res CompleteResult
		res.Error, res.Code, res.Err = failure(op, domain.ErrNoAssignment, agentID)
		return res
	}
	delete(b.assignments, agentID)

	rt := metrics.ResponseTime
	if rt <= 0 {
		rt = time.Since(a.AssignedAt)
	}
	n := in.completed + in.failed
	in.avgResponse = time.Duration((float64(in.avgResponse)*float64(n) + float64(rt)) / float64(n+1))
	outcome := 0.0
	if success {
		in.completed++
		b.totals.Completed++
		outcome = 1
	} else {
		in.failed++
		b.totals.Failed++
	}
	in.successRate = (1-successRateAlpha)*in.successRate + successRateAlpha*outcome
	in.breaker.record(success)

	drained := b.drainLocked()
	b.variance[in.agentType] = b.computeVarianceLocked(in.agentType)
	if u := b.utilizationLocked(); u > b.highWater {
		b.highWater = u
	}
	b.mu.Unlock()

	b.inst.responseTime.Record(ctx, float64(rt.Milliseconds()), tracer.WithAttrs(tracer.StringAttr("agent_type", in.agentType)))
	if len(drained) > 0 {
		b.inst.assignments.Add(ctx, int64(len(drained)), tracer.WithAttrs(tracer.StringAttr("strategy", "queue-drain")))
	}
	b.logger.Debug("task completed", "task_id", a.TaskID, "agent_id", agentID, "success", success, "drained", len(drained))
	return CompleteResult{Success: true, Assignment: a, Drained: drained}
}

// Drain places queued tasks on instances that became usable outside of a
// completion, such as a newly registered agent.
func (b *Balancer) Drain(ctx context.Context) []domain.TaskAssignment {
	b.mu.Lock()
	drained := b.drainLocked()
	if u := b.utilizationLocked(); u > b.highWater {
		b.highWater = u
	}
	b.mu.Unlock()
	if len(drained) > 0 {
		b.inst.assignments.Add(ctx, int64(len(drained)), tracer.WithAttrs(tracer.StringAttr("strategy", "queue-drain")))
		b.logger.Debug("queue drained", "placed", len(drained))
	}
	return drained
}

// drainLocked places queued tasks in priority order, FIFO within a bucket,
// and stops at the first head that cannot be placed.
func (b *Balancer) drainLocked() []domain.TaskAssignment {
	var out []domain.TaskAssignment
	for {
		qt, ok := b.queue.head()
		if !ok {
			return out
		}
		in := b.pickLocked(qt.Strategy, qt.Task)
		if in == nil {
			return out
		}
		b.queue.pop()
		b.totals.Drained++
		out = append(out, b.assignLocked(in, qt.Task, qt.Priority))
	}
}

func (b *Balancer) onBreakerChange(agentID string, from, to gobreaker.State) {
	b.logger.Warn("circuit breaker state change", "agent_id", agentID, "from", from.String(), "to", to.String())
	ctx := context.Background()
	if to == gobreaker.StateOpen {
		b.inst.breakerTrips.Add(ctx, 1)
	}
	eventbus.Emit(ctx, b.bus, domain.EventBreakerStateChanged, agentID, "", map[string]string{"from": from.String(), "to": to.String()})
}

// usableLocked reports whether in can take a task right now.
func (b *Balancer) usableLocked(in *instance) bool {
	if _, busy := b.assignments[in.id]; busy {
		return false
	}
	if in.breaker.open() {
		return false
	}
	if w, ok := b.worker(in.id); ok && w.Status() == domain.AgentError {
		return false
	}
	return b.workloadLocked(in) < b.cfg.MaxInstanceLoad
}

func (b *Balancer) workloadLocked(in *instance) float64 {
	if w, ok := b.worker(in.id); ok {
		return w.WorkloadPercentage()
	}
	if _, busy := b.assignments[in.id]; busy {
		return 100
	}
	return 0
}

func (b *Balancer) worker(agentID string) (domain.Worker, bool) {
	if b.lookup == nil {
		return nil, false
	}
	return b.lookup(agentID)
}

func (b *Balancer) utilizationLocked() float64 {
	if len(b.instances) == 0 {
		return 0
	}
	return float64(len(b.assignments)) / float64(len(b.instances))
}

func (b *Balancer) taskAgentLocked(taskID string) (string, bool) {
	for id, a := range b.assignments {
		if a.TaskID == taskID {
			return id, true
		}
	}
	return "", false
}

// computeVarianceLocked returns the coefficient of variation of workload
// across the type's pool.
func (b *Balancer) computeVarianceLocked(agentType string) float64 {
	pool := b.pools[agentType]
	if len(pool) < 2 {
		return 0
	}
	loads := make([]float64, len(pool))
	for i, in := range pool {
		loads[i] = b.workloadLocked(in)
	}
	mean, std := stat.PopMeanStdDev(loads, nil)
	if mean == 0 {
		return 0
	}
	return std / mean
}

func (b *Balancer) loadVarianceLocked(agentType string) float64 {
	if v, ok := b.variance[agentType]; ok {
		return v
	}
	return b.computeVarianceLocked(agentType)
}
