// Package models defines the persisted domain records for flow orchestration:
// executions, inter-agent messages and agent liveness.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qmuntal/stateless"
)

// ExecutionStatus represents the lifecycle state of a flow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending      ExecutionStatus = "pending"
	ExecutionStatusRunning      ExecutionStatus = "running"
	ExecutionStatusWaitingAgent ExecutionStatus = "waiting_agent"
	ExecutionStatusPaused       ExecutionStatus = "paused"
	ExecutionStatusCompleted    ExecutionStatus = "completed"
	ExecutionStatusFailed       ExecutionStatus = "failed"
)

// MaxStateBytes caps the JSON-encoded size of an execution's state document.
// Enforced at creation and on every persisted mutation.
const MaxStateBytes = 1 << 20

var (
	// ErrInvalidTransition indicates a status change that the execution
	// lifecycle does not permit (statuses only move forward).
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStateTooLarge indicates the state document exceeds MaxStateBytes.
	ErrStateTooLarge = errors.New("state document too large")

	// ErrStateNotEncodable indicates the state document cannot be represented
	// as JSON.
	ErrStateNotEncodable = errors.New("state document is not JSON-encodable")
)

// StateKeyAgentResponse is the reserved state key agent replies are merged
// under when an execution resumes.
const StateKeyAgentResponse = "agent_response"

// AwaitedResponse records which agent an execution is suspended on.
type AwaitedResponse struct {
	Agent     Role   `json:"agent"`
	RequestID string `json:"request_id"`
}

// Execution is one durable instance of a flow graph. It is created and mutated
// exclusively by the engine; Version increments on every persisted mutation and
// updates are rejected when the writer's observed version is stale.
type Execution struct {
	ID              string           `json:"id"`
	GraphID         string           `json:"graph_id"`
	Status          ExecutionStatus  `json:"status"`
	State           map[string]any   `json:"state"`
	CurrentStep     string           `json:"current_step,omitempty"`
	CurrentTrigger  string           `json:"current_trigger,omitempty"`
	RouteTaken      []string         `json:"route_taken"`
	CompletedSteps  []string         `json:"completed_steps"`
	AwaitedResponse *AwaitedResponse `json:"awaited_response,omitempty"`
	Error           string           `json:"error,omitempty"`
	Version         int64            `json:"version"`
	CreatedAt       time.Time        `json:"created_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// Terminal reports whether the execution reached a final status.
func (e *Execution) Terminal() bool {
	return e.Status == ExecutionStatusCompleted || e.Status == ExecutionStatusFailed
}

// TransitionTo moves the execution to the next status, rejecting transitions
// the lifecycle graph does not permit.
func (e *Execution) TransitionTo(next ExecutionStatus) error {
	machine := newStatusMachine(e.Status)

	if err := machine.Fire(next); err != nil {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, next)
	}

	e.Status = next

	return nil
}

// newStatusMachine builds the execution lifecycle machine positioned at the
// given status. Triggers are the destination statuses themselves.
func newStatusMachine(current ExecutionStatus) *stateless.StateMachine {
	machine := stateless.NewStateMachine(current)

	machine.Configure(ExecutionStatusPending).
		Permit(ExecutionStatusRunning, ExecutionStatusRunning).
		Permit(ExecutionStatusFailed, ExecutionStatusFailed)

	machine.Configure(ExecutionStatusRunning).
		Permit(ExecutionStatusWaitingAgent, ExecutionStatusWaitingAgent).
		Permit(ExecutionStatusPaused, ExecutionStatusPaused).
		Permit(ExecutionStatusCompleted, ExecutionStatusCompleted).
		Permit(ExecutionStatusFailed, ExecutionStatusFailed)

	machine.Configure(ExecutionStatusWaitingAgent).
		Permit(ExecutionStatusRunning, ExecutionStatusRunning).
		Permit(ExecutionStatusFailed, ExecutionStatusFailed)

	machine.Configure(ExecutionStatusPaused).
		Permit(ExecutionStatusRunning, ExecutionStatusRunning).
		Permit(ExecutionStatusFailed, ExecutionStatusFailed)

	// Completed and failed are terminal: no permits.
	machine.Configure(ExecutionStatusCompleted)
	machine.Configure(ExecutionStatusFailed)

	return machine
}

// Validate checks the structural invariants of the record, in particular that
// awaited_response is present exactly when the execution waits on an agent.
func (e *Execution) Validate() error {
	if e.ID == "" {
		return errors.New("execution id is required")
	}

	if e.GraphID == "" {
		return errors.New("execution graph id is required")
	}

	waiting := e.Status == ExecutionStatusWaitingAgent
	if waiting && e.AwaitedResponse == nil {
		return errors.New("waiting_agent execution has no awaited response")
	}

	if !waiting && e.AwaitedResponse != nil {
		return fmt.Errorf("%s execution carries an awaited response", e.Status)
	}

	return ValidateStateSize(e.State)
}

// ValidateStateSize rejects state documents that are not JSON-encodable or
// whose encoding exceeds MaxStateBytes.
func ValidateStateSize(state map[string]any) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStateNotEncodable, err)
	}

	if len(encoded) > MaxStateBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrStateTooLarge, len(encoded), MaxStateBytes)
	}

	return nil
}

// CloneState returns a deep copy of the state document so steps can mutate
// their copy without aliasing the persisted record.
func CloneState(state map[string]any) map[string]any {
	if state == nil {
		return map[string]any{}
	}

	encoded, err := json.Marshal(state)
	if err != nil {
		// Callers validate encodability before cloning; fall back to a
		// shallow copy for maps that cannot round-trip.
		clone := make(map[string]any, len(state))
		for k, v := range state {
			clone[k] = v
		}

		return clone
	}

	var clone map[string]any

	if err := json.Unmarshal(encoded, &clone); err != nil {
		return map[string]any{}
	}

	return clone
}
