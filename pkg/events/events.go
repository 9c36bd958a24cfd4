// Package events defines event types and structures for execution lifecycle
// notifications.
package events

import (
	"time"

	"github.com/conductor-hq/conductor/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Bus topics.
const (
	// EventTopic carries execution lifecycle events.
	EventTopic = "conductor.events"

	// MessageTopicPrefix prefixes the per-role direct message topics.
	MessageTopicPrefix = "conductor.messages."

	// BroadcastTopic carries broadcast messages to every subscribed agent.
	BroadcastTopic = "conductor.messages.broadcast"
)

const EventTypeMetadataKey = "event_type"

const (
	ExecutionStartedEvent   EventType = "flow.execution.started"
	ExecutionWaitingEvent   EventType = "flow.execution.waiting"
	ExecutionResumedEvent   EventType = "flow.execution.resumed"
	ExecutionCompletedEvent EventType = "flow.execution.completed"
	ExecutionFailedEvent    EventType = "flow.execution.failed"
)

// MessageTopic returns the direct topic for a role, or the broadcast topic
// for the broadcast marker.
func MessageTopic(role models.Role) string {
	if role == models.RoleBroadcast {
		return BroadcastTopic
	}

	return MessageTopicPrefix + string(role)
}

type Event interface {
	GetType() EventType
}

type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	GraphID     string    `json:"graph_id"`
	ExecutionID string    `json:"execution_id"`
}

func NewBaseEvent(eventType EventType, graphID, executionID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		GraphID:     graphID,
		ExecutionID: executionID,
	}
}

type ExecutionStarted struct {
	BaseEvent

	Starts []string `json:"starts"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionWaiting struct {
	BaseEvent

	Agent     models.Role `json:"agent"`
	RequestID string      `json:"request_id"`
	Step      string      `json:"step"`
}

func (e ExecutionWaiting) GetType() EventType {
	return ExecutionWaitingEvent
}

type ExecutionResumed struct {
	BaseEvent

	Agent models.Role `json:"agent"`
	Step  string      `json:"step"`
}

func (e ExecutionResumed) GetType() EventType {
	return ExecutionResumedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	RouteTaken     []string `json:"route_taken"`
	CompletedSteps []string `json:"completed_steps"`
	DurationMs     int64    `json:"duration_ms"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	Step  string `json:"step"`
	Error string `json:"error"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}
