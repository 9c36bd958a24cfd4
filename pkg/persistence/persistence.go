// Package persistence provides the data storage abstraction for executions,
// the durable message log and agent liveness.
package persistence

import (
	"context"

	"github.com/conductor-hq/conductor/pkg/models"
)

// ExecutionRepository stores flow executions. Update performs a
// compare-and-swap on Version: the caller passes the record as it last read
// it, and the write is rejected with ErrVersionConflict when the stored
// version no longer matches. On success the stored and in-memory versions
// are incremented.
type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.Execution) error
	Get(ctx context.Context, id string) (*models.Execution, error)
	Update(ctx context.Context, execution *models.Execution) error
	ListByStatus(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.Execution, error)
}

// MessageRepository stores the append-only inter-agent message log.
// MarkProcessed and MarkFailed are idempotent: once a message is processed,
// further calls return the stored row unchanged.
type MessageRepository interface {
	Save(ctx context.Context, message *models.Message) error
	Get(ctx context.Context, id string) (*models.Message, error)
	ListUnprocessed(ctx context.Context, role models.Role) ([]*models.Message, error)
	MarkProcessed(ctx context.Context, id string) (*models.Message, error)
	MarkFailed(ctx context.Context, id string, reason string) (*models.Message, error)
}

// LivenessRepository stores the latest heartbeat per role.
type LivenessRepository interface {
	Upsert(ctx context.Context, liveness *models.AgentLiveness) error
	Get(ctx context.Context, role models.Role) (*models.AgentLiveness, error)
	All(ctx context.Context) ([]*models.AgentLiveness, error)
}

// Persistence bundles the repositories behind one connection lifecycle.
type Persistence interface {
	Executions() ExecutionRepository
	Messages() MessageRepository
	Liveness() LivenessRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
