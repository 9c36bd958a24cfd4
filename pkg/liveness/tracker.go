// Package liveness tracks agent heartbeats and answers availability queries.
// Availability is advisory: the engine may still publish to a down agent and
// simply wait longer for the reply.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conductor-hq/conductor/pkg/models"
	"github.com/conductor-hq/conductor/pkg/persistence"
)

// DefaultWindow is the freshness window within which a heartbeat counts as
// alive.
const DefaultWindow = 30 * time.Second

// Tracker ingests heartbeats and answers liveness queries over a repository.
type Tracker struct {
	repo   persistence.LivenessRepository
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a tracker with the given freshness window; window <= 0
// selects DefaultWindow.
func NewTracker(repo persistence.LivenessRepository, window time.Duration, logger *slog.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}

	return &Tracker{
		repo:   repo,
		window: window,
		logger: logger.With("module", "liveness"),
		now:    time.Now,
	}
}

// Heartbeat records that the role is alive now, replacing any previous
// heartbeat and metadata.
func (t *Tracker) Heartbeat(ctx context.Context, role models.Role, metadata map[string]any) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role: %q", role)
	}

	return t.repo.Upsert(ctx, &models.AgentLiveness{
		Role:          role,
		LastHeartbeat: t.now().UTC(),
		Metadata:      metadata,
	})
}

// IsAvailable reports whether the role heartbeated within the freshness
// window. Unknown roles and read errors count as unavailable.
func (t *Tracker) IsAvailable(ctx context.Context, role models.Role) bool {
	liveness, err := t.repo.Get(ctx, role)
	if err != nil {
		if !errors.Is(err, persistence.ErrLivenessNotFound) {
			t.logger.DebugContext(ctx, "Liveness lookup failed", "role", role, "error", err)
		}

		return false
	}

	return liveness.Fresh(t.now().UTC(), t.window)
}

// DownAgents returns the roles whose last heartbeat exceeds the freshness
// window, including roles that never heartbeated at all.
func (t *Tracker) DownAgents(ctx context.Context) ([]models.Role, error) {
	known, err := t.repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list liveness entries: %w", err)
	}

	fresh := make(map[models.Role]bool, len(known))

	now := t.now().UTC()
	for _, liveness := range known {
		fresh[liveness.Role] = liveness.Fresh(now, t.window)
	}

	var down []models.Role

	for _, role := range models.Roles() {
		if role == models.RoleOrchestrator {
			continue
		}

		if !fresh[role] {
			down = append(down, role)
		}
	}

	return down, nil
}

// Snapshot returns every recorded liveness entry, for operational surfaces.
func (t *Tracker) Snapshot(ctx context.Context) ([]*models.AgentLiveness, error) {
	return t.repo.All(ctx)
}
