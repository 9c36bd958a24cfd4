// Package postgresql provides PostgreSQL persistence for executions, the
// message log and agent liveness.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/conductor-hq/conductor/pkg/persistence"
	"github.com/conductor-hq/conductor/pkg/persistence/sqlbase"
	_ "github.com/lib/pq" // postgres driver
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db            *sql.DB
	logger        *slog.Logger
	executionRepo *ExecutionRepository
	messageRepo   *MessageRepository
	livenessRepo  *LivenessRepository
}

// NewPersistence connects, runs migrations and wires the repositories.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:            database,
		logger:        logger,
		executionRepo: NewExecutionRepository(database, logger),
		messageRepo:   NewMessageRepository(database, logger),
		livenessRepo:  NewLivenessRepository(database, logger),
	}, nil
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

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
