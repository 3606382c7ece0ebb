package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventAgentCreated  EventType = "agent.created"
	EventAgentRemoved  EventType = "agent.removed"
	EventAgentFlagged  EventType = "agent.flagged"
	EventTaskAssigned  EventType = "task.assigned"
	EventTaskQueued    EventType = "task.queued"
	EventTaskRejected  EventType = "task.rejected"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"

	EventBreakerStateChanged EventType = "breaker.state_changed"
	EventLoadRebalanced      EventType = "load.rebalanced"

	EventAnomalyDetected     EventType = "anomaly.detected"
	EventOptimizationApplied EventType = "optimization.applied"
	EventCycleCompleted      EventType = "cycle.completed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	AgentID   string          `json:"agent_id,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
