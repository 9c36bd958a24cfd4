// Package cmd provides common initialization functions for command-line
// applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/conductor-hq/conductor/pkg/persistence"
	"github.com/conductor-hq/conductor/pkg/persistence/memory"
	"github.com/conductor-hq/conductor/pkg/persistence/postgresql"
	"github.com/conductor-hq/conductor/pkg/persistence/redisstore"
)

// NewPersistence creates the persistence layer from a connection URL. The
// scheme selects the provider: postgres:// (or postgresql://) for PostgreSQL,
// mem:// for the in-memory store used in development and tests.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch parseProvider(databaseURL) {
	case "postgres", "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to create postgres persistence: %w", err))
		}

		return store
	case "mem", "memory":
		return memory.NewPersistence()
	default:
		panic("Unsupported persistence provider in database URL: " + databaseURL)
	}
}

// NewLivenessRepository creates a liveness store from a redis:// URL. Redis
// TTLs age heartbeats out without a sweeper; when no URL is given the caller
// falls back to the main persistence layer's liveness repository.
func NewLivenessRepository(ctx context.Context, redisURL string, window time.Duration) persistence.LivenessRepository {
	repo, err := redisstore.NewLivenessRepository(ctx, redisURL, window)
	if err != nil {
		panic(fmt.Errorf("failed to create redis liveness repository: %w", err))
	}

	return repo
}

func parseProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ""
	}

	return provider
}
