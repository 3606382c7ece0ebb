package domain

import (
	"strings"
	"time"
)

// Priority orders queued and batched work.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities lists every priority from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Rank returns 0 for critical through 3 for low. Unknown values rank as normal.
func (p Priority) Rank() int {
	switch Priority(strings.ToLower(string(p))) {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Normalize maps empty or unknown values to PriorityNormal.
func (p Priority) Normalize() Priority {
	return Priorities[p.Rank()]
}

// TaskRequirement describes what a task needs from an agent type. It is built per call
// and never stored.
type TaskRequirement struct {
	RequiredCapabilities  []string      `json:"required_capabilities,omitempty"  yaml:"required_capabilities,omitempty"`
	PreferredCapabilities []string      `json:"preferred_capabilities,omitempty" yaml:"preferred_capabilities,omitempty"`
	Complexity            Complexity    `json:"complexity,omitempty"             yaml:"complexity,omitempty"`
	EstimatedDuration     time.Duration `json:"estimated_duration,omitempty"     yaml:"estimated_duration,omitempty"`
	Category              string        `json:"category,omitempty"               yaml:"category,omitempty"`
	Priority              Priority      `json:"priority,omitempty"               yaml:"priority,omitempty"`
	Keywords              []string      `json:"keywords,omitempty"               yaml:"keywords,omitempty"`
	Description           string        `json:"description,omitempty"            yaml:"description,omitempty"`
}

// Task is a unit of work submitted for assignment.
type Task struct {
	ID           string          `json:"id"`
	AgentType    string          `json:"agent_type,omitempty"`
	Priority     Priority        `json:"priority,omitempty"`
	Timeout      time.Duration   `json:"timeout,omitempty"`
	Requirements TaskRequirement `json:"requirements"`
	SubmittedAt  time.Time       `json:"submitted_at"`
}

// TaskAssignment binds a task to one agent instance. An agent holds at most one.
// Timeout is advisory: nothing cancels an assignment when it elapses.
type TaskAssignment struct {
	TaskID     string        `json:"task_id"`
	AgentID    string        `json:"agent_id"`
	AgentType  string        `json:"agent_type"`
	AssignedAt time.Time     `json:"assigned_at"`
	Priority   Priority      `json:"priority"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// TaskMetrics is the outcome data reported when a task completes.
type TaskMetrics struct {
	ResponseTime    time.Duration `json:"response_time,omitempty"`
	MemoryUsage     float64       `json:"memory_usage_mb,omitempty"`
	MemoryDelta     float64       `json:"memory_delta_mb,omitempty"`
	CPUUsage        float64       `json:"cpu_usage,omitempty"`
	TimedOut        bool          `json:"timed_out,omitempty"`
	BatchEfficiency float64       `json:"batch_efficiency,omitempty"`
	ContextSize     int           `json:"context_size,omitempty"`
	ContextLimit    int           `json:"context_limit,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// TaskStatus is the lifecycle state of a task in the orchestrator's history.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskQueued    TaskStatus = "queued"
	TaskAssigned  TaskStatus = "assigned"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskRejected  TaskStatus = "rejected"
)

// TaskRecord is one entry of the orchestrator's task history.
type TaskRecord struct {
	TaskID        string        `json:"task_id"`
	AgentID       string        `json:"agent_id,omitempty"`
	AgentType     string        `json:"agent_type,omitempty"`
	Priority      Priority      `json:"priority"`
	Status        TaskStatus    `json:"status"`
	SubmittedAt   time.Time     `json:"submitted_at"`
	AssignedAt    time.Time     `json:"assigned_at,omitempty"`
	CompletedAt   time.Time     `json:"completed_at,omitempty"`
	ExecutionTime time.Duration `json:"execution_time,omitempty"`
	Error         string        `json:"error,omitempty"`
}
