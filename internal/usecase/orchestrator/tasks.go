package orchestrator

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentfleet/internal/domain"
	"agentfleet/internal/infra/tracer"
	"agentfleet/internal/usecase/balancer"
	"agentfleet/internal/usecase/eventbus"
	"agentfleet/internal/usecase/idgen"
	"agentfleet/internal/usecase/matcher"
	"agentfleet/internal/usecase/optimizer"
)

// matchInfo remembers how a task's type was chosen so the outcome can be fed
// back to the matcher.
type matchInfo struct {
	strategy   string
	score      float64
	confidence float64
}

func failure(op string, sentinel error, detail string) (string, domain.ErrorCode, error) {
	err := domain.NewSubSystemError(subsystem, op, sentinel, detail)
	return err.Error(), domain.ErrorCodeOf(err), err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		tracer.RecordError(span, err)
	} else {
		tracer.SetOK(span)
	}
	span.End()
}

// FindOptions tune FindBestAgent.
type FindOptions struct {
	Strategy string   // scoring profile; empty uses the configured default
	Exclude  []string // agent ids never recommended
	Prefer   []string // agent ids boosted when picking the instance
	// RecordHistory appends the decision to the matcher's history as a
	// successful match.
	RecordHistory bool
}

// FindResult is the outcome of FindBestAgent. AgentID is empty when no live
// instance of the winning type can be recommended.
type FindResult struct {
	Success   bool                   `json:"success"`
	AgentType string                 `json:"agent_type,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Match     matcher.MatchResult    `json:"match"`
	Live      []matcher.LiveInstance `json:"-"`
	Error     string                 `json:"error,omitempty"`
	Code      domain.ErrorCode       `json:"code,omitempty"`
	Err       error                  `json:"-"`
}

// FindBestAgent picks the best agent type for req and recommends a live
// instance of it. Excluded and errored instances are ignored; preferred
// instances get their success rate multiplied by the preferred boost when
// the instance is picked.
func (o *Orchestrator) FindBestAgent(ctx context.Context, req domain.TaskRequirement, opts FindOptions) FindResult {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = o.cfg.DefaultMatchStrategy
	}
	live := o.liveInstances(opts.Exclude)
	m := o.matcher.FindBestMatch(ctx, req, live, strategy)
	if !m.Success {
		res := FindResult{Match: m, Error: m.Error, Err: m.Err}
		res.Code = domain.ErrorCodeOf(m.Err)
		return res
	}
	res := FindResult{
		Success:   true,
		AgentType: m.BestMatch,
		AgentID:   o.pickInstance(m.BestMatch, live, opts.Prefer),
		Match:     m,
		Live:      live,
	}
	if opts.RecordHistory {
		o.matcher.RecordOutcome(matcher.OutcomeRecord{
			AgentType:  res.AgentType,
			AgentID:    res.AgentID,
			Strategy:   m.Strategy,
			Score:      m.Score,
			Confidence: m.Confidence,
			Success:    true,
		})
	}
	return res
}

func (o *Orchestrator) liveInstances(exclude []string) []matcher.LiveInstance {
	var out []matcher.LiveInstance
	for _, e := range o.entries() {
		w := e.worker
		if contains(exclude, w.ID()) || w.Status() == domain.AgentError {
			continue
		}
		out = append(out, matcher.LiveInstance{
			AgentID:     w.ID(),
			AgentType:   w.Type(),
			Status:      w.Status(),
			Workload:    w.WorkloadPercentage(),
			SuccessRate: w.Metrics().SuccessRate,
		})
	}
	return out
}

// pickInstance ranks live instances of agentType by boosted success rate,
// then lower workload, then id.
func (o *Orchestrator) pickInstance(agentType string, live []matcher.LiveInstance, prefer []string) string {
	type ranked struct {
		id       string
		rate     float64
		workload float64
	}
	var cands []ranked
	for _, li := range live {
		if li.AgentType != agentType {
			continue
		}
		rate := li.SuccessRate
		if contains(prefer, li.AgentID) {
			rate *= o.cfg.PreferredBoost
		}
		cands = append(cands, ranked{id: li.AgentID, rate: rate, workload: li.Workload})
	}
	if len(cands) == 0 {
		return ""
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].rate != cands[j].rate {
			return cands[i].rate > cands[j].rate
		}
		if cands[i].workload != cands[j].workload {
			return cands[i].workload < cands[j].workload
		}
		return cands[i].id < cands[j].id
	})
	return cands[0].id
}

// AssignOptions tune AssignTask.
type AssignOptions struct {
	Strategy      string // balancer strategy; empty uses the configured one
	MatchStrategy string // scoring profile when the task has no agent type
	Exclude       []string
	Prefer        []string
}

// AssignResult reports the fate of a submitted task.
type AssignResult struct {
	Success       bool                  `json:"success"`
	TaskID        string                `json:"task_id"`
	AgentID       string                `json:"agent_id,omitempty"`
	AgentType     string                `json:"agent_type,omitempty"`
	Assignment    domain.TaskAssignment `json:"assignment,omitempty"`
	Queued        bool                  `json:"queued,omitempty"`
	QueuePosition int                   `json:"queue_position,omitempty"`
	Backpressure  bool                  `json:"backpressure,omitempty"`
	Match         *matcher.MatchResult  `json:"match,omitempty"`
	Error         string                `json:"error,omitempty"`
	Code          domain.ErrorCode      `json:"code,omitempty"`
	Err           error                 `json:"-"`
}

// AssignTask places a task. A task without an agent type is matched first.
// Every failure is reported in the result, never as a panic or error return.
func (o *Orchestrator) AssignTask(ctx context.Context, task domain.Task, opts AssignOptions) AssignResult {
	if task.ID == "" {
		task.ID = idgen.New()
	}
	ctx, span := tracer.StartSpan(ctx, "orchestrator.assign_task",
		trace.WithAttributes(tracer.StringAttr("task_id", task.ID), tracer.StringAttr("agent_type", task.AgentType)))
	res := o.assignTask(ctx, task, opts)
	if res.AgentID != "" {
		span.SetAttributes(tracer.StringAttr("agent_id", res.AgentID))
	}
	endSpan(span, res.Err)
	return res
}

func (o *Orchestrator) assignTask(ctx context.Context, task domain.Task, opts AssignOptions) AssignResult {
	const op = "orchestrator.AssignTask"
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now()
	}
	if task.Priority == "" {
		task.Priority = task.Requirements.Priority
	}
	task.Priority = task.Priority.Normalize()
	res := AssignResult{TaskID: task.ID}

	if o.isClosed() {
		res.Error, res.Code, res.Err = failure(op, domain.ErrShutdown, "")
		return res
	}

	var info *matchInfo
	if task.AgentType == "" {
		found := o.FindBestAgent(ctx, task.Requirements, FindOptions{Strategy: opts.MatchStrategy, Exclude: opts.Exclude, Prefer: opts.Prefer})
		if !found.Success {
			res.Error, res.Code, res.Err = found.Error, found.Code, found.Err
			o.recordRejected(task, found.Error)
			return res
		}
		task.AgentType = found.AgentType
		res.Match = &found.Match
		info = &matchInfo{strategy: found.Match.Strategy, score: found.Match.Score, confidence: found.Match.Confidence}
	} else if !o.registry.Has(task.AgentType) {
		res.Error, res.Code, res.Err = failure(op, domain.ErrUnknownAgentType, task.AgentType)
		o.recordRejected(task, res.Error)
		return res
	}
	res.AgentType = task.AgentType

	// The record exists before the balancer can start, complete or drain it.
	o.recordTask(task, domain.TaskPending, domain.TaskAssignment{}, info)
	br := o.balancer.AssignTask(ctx, task, balancer.AssignOptions{Strategy: opts.Strategy})
	switch {
	case br.Success:
		res.Success = true
		res.Assignment = br.Assignment
		res.AgentID = br.Assignment.AgentID
		o.advanceRecord(task.ID, domain.TaskAssigned, br.Assignment, "")
		o.logger.Info("task assigned", "task_id", task.ID, "agent_id", res.AgentID, "agent_type", task.AgentType)
		eventbus.Emit(ctx, o.bus, domain.EventTaskAssigned, res.AgentID, task.ID, br.Assignment)
	case br.Queued:
		// Queued is a successful submission; the assignment follows on drain.
		res.Success = true
		res.Queued = true
		res.QueuePosition = br.QueuePosition
		o.advanceRecord(task.ID, domain.TaskQueued, domain.TaskAssignment{}, "")
	default:
		res.Backpressure = br.Backpressure
		res.Error, res.Code, res.Err = br.Error, br.Code, br.Err
		o.advanceRecord(task.ID, domain.TaskRejected, domain.TaskAssignment{}, br.Error)
	}
	return res
}

// CompleteResult reports the outcome of CompleteTask.
type CompleteResult struct {
	Success   bool                    `json:"success"`
	TaskID    string                  `json:"task_id,omitempty"`
	AgentID   string                  `json:"agent_id"`
	Drained   []domain.TaskAssignment `json:"drained,omitempty"`
	Anomalies []optimizer.Anomaly     `json:"anomalies,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Code      domain.ErrorCode        `json:"code,omitempty"`
	Err       error                   `json:"-"`
}

// CompleteTask records the outcome of the task running on agentID: the worker
// is updated first, then the balancer (which may drain the queue), then the
// optimizer.
func (o *Orchestrator) CompleteTask(ctx context.Context, agentID string, success bool, metrics domain.TaskMetrics) CompleteResult {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.complete_task",
		trace.WithAttributes(tracer.StringAttr("agent_id", agentID)))
	res := o.completeTask(ctx, agentID, success, metrics)
	endSpan(span, res.Err)
	return res
}

func (o *Orchestrator) completeTask(ctx context.Context, agentID string, success bool, metrics domain.TaskMetrics) CompleteResult {
	const op = "orchestrator.CompleteTask"
	res := CompleteResult{AgentID: agentID}

	w, ok := o.worker(agentID)
	if !ok {
		res.Error, res.Code, res.Err = failure(op, domain.ErrNotFound, agentID)
		return res
	}
	a, ok := o.balancer.Assignment(agentID)
	if !ok {
		res.Error, res.Code, res.Err = failure(op, domain.ErrNoAssignment, agentID)
		return res
	}
	res.TaskID = a.TaskID

	now := time.Now()
	if metrics.ResponseTime <= 0 {
		metrics.ResponseTime = now.Sub(a.AssignedAt)
	}
	w.CompleteTask(success, metrics)

	br := o.balancer.CompleteTask(ctx, agentID, success, metrics)
	if !br.Success {
		res.Error, res.Code, res.Err = br.Error, br.Code, br.Err
		return res
	}
	res.Success = true
	res.Drained = br.Drained

	sample := optimizer.SampleFromMetrics(success, metrics, o.memoryLimit(w))
	if sample.MemoryUsage == 0 {
		sample.MemoryUsage = w.MemoryUsage()
	}
	res.Anomalies = o.optimizer.TrackPerformance(ctx, agentID, sample).Anomalies

	status := domain.TaskCompleted
	event := domain.EventTaskCompleted
	if !success {
		status = domain.TaskFailed
		event = domain.EventTaskFailed
	}
	info := o.finishRecord(a.TaskID, status, metrics.Error, now)
	if o.cfg.RecordMatchHistory && info != nil {
		o.matcher.RecordOutcome(matcher.OutcomeRecord{
			TaskID:     a.TaskID,
			AgentType:  a.AgentType,
			AgentID:    agentID,
			Strategy:   info.strategy,
			Score:      info.score,
			Confidence: info.confidence,
			Success:    success,
			Duration:   metrics.ResponseTime,
			RecordedAt: now,
		})
	}

	o.logger.Info("task completed", "task_id", a.TaskID, "agent_id", agentID, "success", success, "drained", len(br.Drained))
	eventbus.Emit(ctx, o.bus, event, agentID, a.TaskID, map[string]any{
		"success":       success,
		"response_time": metrics.ResponseTime.String(),
	})
	for _, d := range br.Drained {
		o.markAssigned(ctx, d)
	}
	return res
}

func (o *Orchestrator) memoryLimit(w domain.Worker) float64 {
	if t, ok := w.(tunable); ok {
		return t.Settings().MemoryLimitMB
	}
	return w.PerformanceSummary().MemoryLimit
}

// TaskHistory returns up to limit most recent task records, newest first.
// limit <= 0 returns every retained record.
func (o *Orchestrator) TaskHistory(limit int) []domain.TaskRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := len(o.taskOrder)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.TaskRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, *o.tasks[o.taskOrder[i]])
	}
	return out
}

// Task returns the record of one task.
func (o *Orchestrator) Task(taskID string) (domain.TaskRecord, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.tasks[taskID]
	if !ok {
		return domain.TaskRecord{}, false
	}
	return *rec, true
}

func (o *Orchestrator) recordRejected(task domain.Task, reason string) {
	o.recordTask(task, domain.TaskRejected, domain.TaskAssignment{}, nil)
	o.mu.Lock()
	if rec, ok := o.tasks[task.ID]; ok {
		rec.Error = reason
	}
	o.mu.Unlock()
}

// recordTask inserts or replaces the record of task, evicting the oldest
// records beyond the history limit.
func (o *Orchestrator) recordTask(task domain.Task, status domain.TaskStatus, a domain.TaskAssignment, info *matchInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec := &domain.TaskRecord{
		TaskID:      task.ID,
		AgentType:   task.AgentType,
		AgentID:     a.AgentID,
		Priority:    task.Priority,
		Status:      status,
		SubmittedAt: task.SubmittedAt,
		AssignedAt:  a.AssignedAt,
	}
	if _, exists := o.tasks[task.ID]; !exists {
		o.taskOrder = append(o.taskOrder, task.ID)
	}
	o.tasks[task.ID] = rec
	if info != nil {
		o.matches[task.ID] = *info
	}
	for len(o.taskOrder) > o.cfg.TaskHistoryLimit {
		oldest := o.taskOrder[0]
		o.taskOrder = o.taskOrder[1:]
		delete(o.tasks, oldest)
		delete(o.matches, oldest)
	}
}

// statusRank orders task statuses along the lifecycle.
func statusRank(s domain.TaskStatus) int {
	switch s {
	case domain.TaskPending:
		return 0
	case domain.TaskQueued:
		return 1
	case domain.TaskAssigned:
		return 2
	default:
		return 3
	}
}

// advanceRecord moves the record of taskID forward to status. A record that a
// completion or queue drain already moved further is left alone.
func (o *Orchestrator) advanceRecord(taskID string, status domain.TaskStatus, a domain.TaskAssignment, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.tasks[taskID]
	if !ok || statusRank(status) <= statusRank(rec.Status) {
		return
	}
	rec.Status = status
	if a.AgentID != "" {
		rec.AgentID = a.AgentID
		rec.AssignedAt = a.AssignedAt
	}
	if reason != "" {
		rec.Error = reason
	}
	if status == domain.TaskRejected {
		delete(o.matches, taskID)
	}
}

// markAssigned updates the record of a task placed from the queue or moved by
// a rebalance.
func (o *Orchestrator) markAssigned(ctx context.Context, a domain.TaskAssignment) {
	o.mu.Lock()
	if rec, ok := o.tasks[a.TaskID]; ok {
		rec.Status = domain.TaskAssigned
		rec.AgentID = a.AgentID
		rec.AssignedAt = a.AssignedAt
	}
	o.mu.Unlock()
	eventbus.Emit(ctx, o.bus, domain.EventTaskAssigned, a.AgentID, a.TaskID, a)
}

// finishRecord closes a task record and returns its match info, if any.
func (o *Orchestrator) finishRecord(taskID string, status domain.TaskStatus, reason string, at time.Time) *matchInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.tasks[taskID]
	if !ok {
		return nil
	}
	rec.Status = status
	rec.CompletedAt = at
	rec.Error = reason
	if !rec.AssignedAt.IsZero() {
		rec.ExecutionTime = at.Sub(rec.AssignedAt)
	}
	info, ok := o.matches[taskID]
	delete(o.matches, taskID)
	if !ok {
		return nil
	}
	return &info
}
