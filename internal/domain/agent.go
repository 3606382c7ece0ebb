package domain

import (
	"fmt"
	"strings"
	"time"
)

// Complexity is an ordered difficulty level shared by agent types and tasks.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
	ComplexityExpert Complexity = "expert"
)

// Rank returns the ordinal position of the level (1-4), or 0 when unset or unknown.
func (c Complexity) Rank() int {
	switch Complexity(strings.ToLower(string(c))) {
	case ComplexityLow:
		return 1
	case ComplexityMedium:
		return 2
	case ComplexityHigh:
		return 3
	case ComplexityExpert:
		return 4
	default:
		return 0
	}
}

// Valid reports whether c is one of the known levels.
func (c Complexity) Valid() bool { return c.Rank() > 0 }

// ModelParams describes the model an agent type runs on.
type ModelParams struct {
	Name        string  `json:"name"        yaml:"name"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens"  yaml:"max_tokens"`
}

// AgentMetadata carries the numeric and descriptive attributes used for scoring.
type AgentMetadata struct {
	Complexity      Complexity    `json:"complexity"        yaml:"complexity"`
	AverageTaskTime time.Duration `json:"average_task_time" yaml:"average_task_time"`
	SuccessRate     float64       `json:"success_rate"      yaml:"success_rate"`
	Model           ModelParams   `json:"model"             yaml:"model"`
}

// AgentTypeDefinition is a registered category of worker.
// Definitions are immutable once registered; re-registering the same ID replaces it.
type AgentTypeDefinition struct {
	ID              string        `json:"id"                        yaml:"id"`
	Name            string        `json:"name"                      yaml:"name"`
	Category        string        `json:"category"                  yaml:"category"`
	Description     string        `json:"description,omitempty"     yaml:"description,omitempty"`
	Capabilities    []string      `json:"capabilities"              yaml:"capabilities"`
	Specializations []string      `json:"specializations,omitempty" yaml:"specializations,omitempty"`
	Metadata        AgentMetadata `json:"metadata"                  yaml:"metadata"`
}

// HasCapability reports whether the definition declares capability c.
func (d *AgentTypeDefinition) HasCapability(c string) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Validate checks the fields required for registration.
func (d *AgentTypeDefinition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("agent type id is required: %w", ErrInvalidInput)
	}
	if d.Metadata.SuccessRate < 0 || d.Metadata.SuccessRate > 1 {
		return fmt.Errorf("agent type %q: success_rate %.2f out of range [0,1]: %w", d.ID, d.Metadata.SuccessRate, ErrInvalidInput)
	}
	if d.Metadata.Complexity != "" && !d.Metadata.Complexity.Valid() {
		return fmt.Errorf("agent type %q: unknown complexity %q: %w", d.ID, d.Metadata.Complexity, ErrInvalidInput)
	}
	return nil
}

// AgentStatus is the lifecycle state of a live agent instance.
type AgentStatus string

const (
	AgentIdle  AgentStatus = "idle"
	AgentBusy  AgentStatus = "busy"
	AgentError AgentStatus = "error"
)

// PerformanceMetrics are the running counters an instance keeps about itself.
type PerformanceMetrics struct {
	SuccessRate          float64       `json:"success_rate"`
	TasksCompleted       int           `json:"tasks_completed"`
	TasksFailed          int           `json:"tasks_failed"`
	TotalExecutionTime   time.Duration `json:"total_execution_time"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
}

// TotalTasks returns completed plus failed tasks.
func (m PerformanceMetrics) TotalTasks() int { return m.TasksCompleted + m.TasksFailed }

// PerformanceSummary is the read-only view a worker reports about itself.
type PerformanceSummary struct {
	AgentID     string             `json:"agent_id"`
	AgentType   string             `json:"agent_type"`
	Status      AgentStatus        `json:"status"`
	Metrics     PerformanceMetrics `json:"metrics"`
	MemoryUsage float64            `json:"memory_usage_mb"`
	MemoryPeak  float64            `json:"memory_peak_mb"`
	MemoryLimit float64            `json:"memory_limit_mb"`
	CPUUsage    float64            `json:"cpu_usage"`
	Workload    float64            `json:"workload_pct"`
	CurrentTask string             `json:"current_task,omitempty"`
	Uptime      time.Duration      `json:"uptime"`
	LastActive  time.Time          `json:"last_active"`
}

// AgentInfo is a snapshot of an instance as exposed by the orchestrator.
type AgentInfo struct {
	ID          string             `json:"id"`
	Type        string             `json:"type"`
	Category    string             `json:"category"`
	Status      AgentStatus        `json:"status"`
	Metrics     PerformanceMetrics `json:"metrics"`
	MemoryUsage float64            `json:"memory_usage_mb"`
	Workload    float64            `json:"workload_pct"`
	CurrentTask string             `json:"current_task,omitempty"`
	Flagged     bool               `json:"flagged"`
	CreatedAt   time.Time          `json:"created_at"`
}
