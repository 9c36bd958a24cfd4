package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/conductor-hq/conductor/pkg/models"
	"github.com/conductor-hq/conductor/pkg/persistence"
)

// ExecutionRepository handles execution-related database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

const executionColumns = `id, graph_id, status, state, current_step, current_trigger,
	route_taken, completed_steps, awaited_response, error_message, version,
	created_at, completed_at`

// Create inserts a new execution row.
func (er *ExecutionRepository) Create(ctx context.Context, execution *models.Execution) error {
	stateJSON, routeJSON, stepsJSON, awaitedJSON, err := marshalExecutionFields(execution)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = er.db.ExecContext(ctx, query,
		execution.ID,
		execution.GraphID,
		execution.Status,
		stateJSON,
		execution.CurrentStep,
		execution.CurrentTrigger,
		routeJSON,
		stepsJSON,
		awaitedJSON,
		execution.Error,
		execution.Version,
		execution.CreatedAt,
		execution.CompletedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return persistence.ErrExecutionAlreadyExists
		}

		return fmt.Errorf("failed to insert execution: %w", err)
	}

	return nil
}

// Get retrieves an execution by its ID.
func (er *ExecutionRepository) Get(ctx context.Context, id string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	row := er.db.QueryRowContext(ctx, query, id)

	execution, err := er.scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

// Update writes the execution back with a compare-and-swap on version. The
// row is only updated when the stored version still matches the version the
// caller read; on success both the row and the in-memory record advance.
func (er *ExecutionRepository) Update(ctx context.Context, execution *models.Execution) error {
	stateJSON, routeJSON, stepsJSON, awaitedJSON, err := marshalExecutionFields(execution)
	if err != nil {
		return err
	}

	query := `
		UPDATE executions SET
			status = $3,
			state = $4,
			current_step = $5,
			current_trigger = $6,
			route_taken = $7,
			completed_steps = $8,
			awaited_response = $9,
			error_message = $10,
			completed_at = $11,
			version = version + 1
		WHERE id = $1 AND version = $2
	`

	result, err := er.db.ExecContext(ctx, query,
		execution.ID,
		execution.Version,
		execution.Status,
		stateJSON,
		execution.CurrentStep,
		execution.CurrentTrigger,
		routeJSON,
		stepsJSON,
		awaitedJSON,
		execution.Error,
		execution.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}

	if affected == 0 {
		// Either the row is gone or a concurrent writer advanced the version.
		_, getErr := er.Get(ctx, execution.ID)
		if getErr != nil {
			return getErr
		}

		return persistence.ErrVersionConflict
	}

	execution.Version++

	return nil
}

// ListByStatus retrieves all executions in any of the given statuses, oldest
// first so recovery continues work in creation order.
func (er *ExecutionRepository) ListByStatus(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.Execution, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))

	for i, status := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = status
	}

	query := `SELECT ` + executionColumns + ` FROM executions
		WHERE status IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY created_at ASC`

	rows, err := er.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			er.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var executions []*models.Execution

	for rows.Next() {
		execution, err := er.scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func marshalExecutionFields(execution *models.Execution) (state, route, steps, awaited []byte, err error) {
	state, err = json.Marshal(execution.State)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	route, err = json.Marshal(execution.RouteTaken)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal route taken: %w", err)
	}

	steps, err = json.Marshal(execution.CompletedSteps)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal completed steps: %w", err)
	}

	if execution.AwaitedResponse != nil {
		awaited, err = json.Marshal(execution.AwaitedResponse)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal awaited response: %w", err)
		}
	}

	return state, route, steps, awaited, nil
}

// scanExecution scans an execution from a database row.
func (er *ExecutionRepository) scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*models.Execution, error) {
	var (
		execution                       models.Execution
		stateJSON, routeJSON, stepsJSON []byte
		awaitedJSON                     []byte
		completedAt                     sql.NullTime
	)

	err := scanner.Scan(
		&execution.ID,
		&execution.GraphID,
		&execution.Status,
		&stateJSON,
		&execution.CurrentStep,
		&execution.CurrentTrigger,
		&routeJSON,
		&stepsJSON,
		&awaitedJSON,
		&execution.Error,
		&execution.Version,
		&execution.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		execution.CompletedAt = &completedAt.Time
	}

	execution.State = make(map[string]any)
	execution.RouteTaken = []string{}
	execution.CompletedSteps = []string{}

	if stateJSON != nil {
		if err := json.Unmarshal(stateJSON, &execution.State); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
	}

	if routeJSON != nil {
		if err := json.Unmarshal(routeJSON, &execution.RouteTaken); err != nil {
			return nil, fmt.Errorf("failed to unmarshal route taken: %w", err)
		}
	}

	if stepsJSON != nil {
		if err := json.Unmarshal(stepsJSON, &execution.CompletedSteps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal completed steps: %w", err)
		}
	}

	if awaitedJSON != nil {
		execution.AwaitedResponse = &models.AwaitedResponse{}
		if err := json.Unmarshal(awaitedJSON, execution.AwaitedResponse); err != nil {
			return nil, fmt.Errorf("failed to unmarshal awaited response: %w", err)
		}
	}

	return &execution, nil
}
