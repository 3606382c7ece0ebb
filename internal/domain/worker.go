package domain

// Worker is the contract a live agent instance fulfils. The orchestrator owns workers;
// the balancer and optimizer refer to them only by ID and reach them through a lookup.
type Worker interface {
	ID() string
	Type() string
	Status() AgentStatus
	SetStatus(AgentStatus)

	// StartTask marks the worker busy with taskID.
	StartTask(taskID string)
	// CompleteTask records the outcome of the current task and returns the worker to idle.
	CompleteTask(success bool, metrics TaskMetrics)
	// ReleaseTask returns the worker to idle without recording an outcome.
	ReleaseTask()

	PerformCleanup()
	NeedsCleanup() bool
	WorkloadPercentage() float64
	PerformanceSummary() PerformanceSummary
	Metrics() PerformanceMetrics
	MemoryUsage() float64
	CurrentTask() string
}

// WorkerLookup resolves an agent ID to its live worker.
type WorkerLookup func(agentID string) (Worker, bool)
