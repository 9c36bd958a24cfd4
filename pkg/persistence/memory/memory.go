// Package memory provides an in-memory persistence implementation with the
// same compare-and-swap and idempotent-acknowledgment semantics as the SQL
// layer. Used by tests and mem:// database URLs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conductor-hq/conductor/pkg/models"
	"github.com/conductor-hq/conductor/pkg/persistence"
)

// Persistence implements persistence.Persistence over mutex-guarded maps.
type Persistence struct {
	executionRepo *ExecutionRepository
	messageRepo   *MessageRepository
	livenessRepo  *LivenessRepository
}

// NewPersistence creates an empty in-memory persistence layer.
func NewPersistence() *Persistence {
	return &Persistence{
		executionRepo: &ExecutionRepository{executions: make(map[string]*models.Execution)},
		messageRepo:   &MessageRepository{messages: make(map[string]*models.Message)},
		livenessRepo:  &LivenessRepository{liveness: make(map[models.Role]*models.AgentLiveness)},
	}
}

// Executions returns the execution repository.
func (p *Persistence) Executions() persistence.ExecutionRepository {
	return p.executionRepo
}

// Messages returns the message repository.
func (p *Persistence) Messages() persistence.MessageRepository {
	return p.messageRepo
}

// Liveness returns the liveness repository.
func (p *Persistence) Liveness() persistence.LivenessRepository {
	return p.livenessRepo
}

// HealthCheck always succeeds for in-memory persistence.
func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for in-memory persistence.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// ExecutionRepository stores executions in a map, cloning on the way in and
// out so callers never alias stored records.
type ExecutionRepository struct {
	mu         sync.Mutex
	executions map[string]*models.Execution
}

func (er *ExecutionRepository) Create(_ context.Context, execution *models.Execution) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	if _, exists := er.executions[execution.ID]; exists {
		return persistence.ErrExecutionAlreadyExists
	}

	er.executions[execution.ID] = cloneExecution(execution)

	return nil
}

func (er *ExecutionRepository) Get(_ context.Context, id string) (*models.Execution, error) {
	er.mu.Lock()
	defer er.mu.Unlock()

	stored, exists := er.executions[id]
	if !exists {
		return nil, persistence.ErrExecutionNotFound
	}

	return cloneExecution(stored), nil
}

func (er *ExecutionRepository) Update(_ context.Context, execution *models.Execution) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	stored, exists := er.executions[execution.ID]
	if !exists {
		return persistence.ErrExecutionNotFound
	}

	if stored.Version != execution.Version {
		return persistence.ErrVersionConflict
	}

	execution.Version++
	er.executions[execution.ID] = cloneExecution(execution)

	return nil
}

func (er *ExecutionRepository) ListByStatus(_ context.Context, statuses ...models.ExecutionStatus) ([]*models.Execution, error) {
	er.mu.Lock()
	defer er.mu.Unlock()

	wanted := make(map[models.ExecutionStatus]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}

	var executions []*models.Execution

	for _, stored := range er.executions {
		if _, ok := wanted[stored.Status]; ok {
			executions = append(executions, cloneExecution(stored))
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].CreatedAt.Before(executions[j].CreatedAt)
	})

	return executions, nil
}

// MessageRepository stores the message log in a map.
type MessageRepository struct {
	mu       sync.Mutex
	messages map[string]*models.Message
}

func (mr *MessageRepository) Save(_ context.Context, message *models.Message) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	mr.messages[message.ID] = cloneMessage(message)

	return nil
}

func (mr *MessageRepository) Get(_ context.Context, id string) (*models.Message, error) {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	stored, exists := mr.messages[id]
	if !exists {
		return nil, persistence.ErrMessageNotFound
	}

	return cloneMessage(stored), nil
}

func (mr *MessageRepository) ListUnprocessed(_ context.Context, role models.Role) ([]*models.Message, error) {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	var messages []*models.Message

	for _, stored := range mr.messages {
		if stored.Processed() {
			continue
		}

		if stored.To != role && stored.To != models.RoleBroadcast {
			continue
		}

		messages = append(messages, cloneMessage(stored))
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	return messages, nil
}

func (mr *MessageRepository) MarkProcessed(ctx context.Context, id string) (*models.Message, error) {
	return mr.acknowledge(ctx, id, "")
}

func (mr *MessageRepository) MarkFailed(ctx context.Context, id string, reason string) (*models.Message, error) {
	return mr.acknowledge(ctx, id, reason)
}

func (mr *MessageRepository) acknowledge(_ context.Context, id string, reason string) (*models.Message, error) {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	stored, exists := mr.messages[id]
	if !exists {
		return nil, persistence.ErrMessageNotFound
	}

	if !stored.Processed() {
		now := time.Now().UTC()
		stored.ProcessedAt = &now
		stored.ProcessingError = reason
		stored.Read = true
	}

	return cloneMessage(stored), nil
}

// LivenessRepository stores the latest heartbeat per role in a map.
type LivenessRepository struct {
	mu       sync.Mutex
	liveness map[models.Role]*models.AgentLiveness
}

func (lr *LivenessRepository) Upsert(_ context.Context, liveness *models.AgentLiveness) error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	clone := *liveness
	lr.liveness[liveness.Role] = &clone

	return nil
}

func (lr *LivenessRepository) Get(_ context.Context, role models.Role) (*models.AgentLiveness, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	stored, exists := lr.liveness[role]
	if !exists {
		return nil, persistence.ErrLivenessNotFound
	}

	clone := *stored

	return &clone, nil
}

func (lr *LivenessRepository) All(_ context.Context) ([]*models.AgentLiveness, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	all := make([]*models.AgentLiveness, 0, len(lr.liveness))

	for _, stored := range lr.liveness {
		clone := *stored
		all = append(all, &clone)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Role < all[j].Role
	})

	return all, nil
}

func cloneExecution(execution *models.Execution) *models.Execution {
	clone := *execution
	clone.State = models.CloneState(execution.State)
	clone.RouteTaken = append([]string{}, execution.RouteTaken...)
	clone.CompletedSteps = append([]string{}, execution.CompletedSteps...)

	if execution.AwaitedResponse != nil {
		awaited := *execution.AwaitedResponse
		clone.AwaitedResponse = &awaited
	}

	if execution.CompletedAt != nil {
		completedAt := *execution.CompletedAt
		clone.CompletedAt = &completedAt
	}

	return &clone
}

func cloneMessage(message *models.Message) *models.Message {
	clone := *message
	clone.Content = models.CloneState(message.Content)

	if message.ProcessedAt != nil {
		processedAt := *message.ProcessedAt
		clone.ProcessedAt = &processedAt
	}

	return &clone
}
