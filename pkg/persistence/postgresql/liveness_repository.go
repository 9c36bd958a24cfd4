package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/conductor-hq/conductor/pkg/models"
	"github.com/conductor-hq/conductor/pkg/persistence"
)

// LivenessRepository handles agent liveness database operations.
type LivenessRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLivenessRepository creates a new liveness repository.
func NewLivenessRepository(db *sql.DB, logger *slog.Logger) *LivenessRepository {
	return &LivenessRepository{db: db, logger: logger}
}

// Upsert records the latest heartbeat for a role.
func (lr *LivenessRepository) Upsert(ctx context.Context, liveness *models.AgentLiveness) error {
	metadataJSON, err := json.Marshal(liveness.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal liveness metadata: %w", err)
	}

	query := `
		INSERT INTO agent_liveness (role, last_heartbeat, metadata)
		VALUES ($1, $2, $3)
		ON CONFLICT (role) DO UPDATE SET
			last_heartbeat = EXCLUDED.last_heartbeat,
			metadata = EXCLUDED.metadata
	`

	_, err = lr.db.ExecContext(ctx, query, liveness.Role, liveness.LastHeartbeat, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert agent liveness: %w", err)
	}

	return nil
}

// Get retrieves the latest heartbeat for a role.
func (lr *LivenessRepository) Get(ctx context.Context, role models.Role) (*models.AgentLiveness, error) {
	query := `SELECT role, last_heartbeat, metadata FROM agent_liveness WHERE role = $1`

	liveness, err := lr.scanLiveness(lr.db.QueryRowContext(ctx, query, role))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrLivenessNotFound
		}

		return nil, fmt.Errorf("failed to scan agent liveness: %w", err)
	}

	return liveness, nil
}

// All retrieves the latest heartbeat of every known role.
func (lr *LivenessRepository) All(ctx context.Context) ([]*models.AgentLiveness, error) {
	query := `SELECT role, last_heartbeat, metadata FROM agent_liveness ORDER BY role`

	rows, err := lr.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent liveness: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			lr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var all []*models.AgentLiveness

	for rows.Next() {
		liveness, err := lr.scanLiveness(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent liveness: %w", err)
		}

		all = append(all, liveness)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agent liveness: %w", err)
	}

	return all, nil
}

func (lr *LivenessRepository) scanLiveness(scanner interface {
	Scan(dest ...any) error
}) (*models.AgentLiveness, error) {
	var (
		liveness     models.AgentLiveness
		metadataJSON []byte
	)

	err := scanner.Scan(&liveness.Role, &liveness.LastHeartbeat, &metadataJSON)
	if err != nil {
		return nil, err
	}

	liveness.Metadata = make(map[string]any)

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &liveness.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal liveness metadata: %w", err)
		}
	}

	return &liveness, nil
}
