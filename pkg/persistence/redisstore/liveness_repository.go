// Package redisstore provides a Redis-backed liveness repository. Heartbeats
// are naturally ephemeral, so they live in Redis with a TTL instead of the
// SQL store when a Redis URL is configured.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conductor-hq/conductor/pkg/models"
	"github.com/conductor-hq/conductor/pkg/persistence"
	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "conductor:liveness:"

// LivenessRepository stores the latest heartbeat per role in Redis.
type LivenessRepository struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewLivenessRepository connects to Redis. Entries expire after ttl; callers
// should pass a multiple of the freshness window so DownAgents can still see
// recently-stale roles.
func NewLivenessRepository(ctx context.Context, redisURL string, ttl time.Duration) (*LivenessRepository, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(options)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &LivenessRepository{client: client, ttl: ttl}, nil
}

// Upsert records the latest heartbeat for a role.
func (lr *LivenessRepository) Upsert(ctx context.Context, liveness *models.AgentLiveness) error {
	payload, err := json.Marshal(liveness)
	if err != nil {
		return fmt.Errorf("failed to marshal liveness: %w", err)
	}

	err = lr.client.Set(ctx, keyPrefix+string(liveness.Role), payload, lr.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to store liveness: %w", err)
	}

	return nil
}

// Get retrieves the latest heartbeat for a role.
func (lr *LivenessRepository) Get(ctx context.Context, role models.Role) (*models.AgentLiveness, error) {
	payload, err := lr.client.Get(ctx, keyPrefix+string(role)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.ErrLivenessNotFound
		}

		return nil, fmt.Errorf("failed to read liveness: %w", err)
	}

	var liveness models.AgentLiveness

	if err := json.Unmarshal(payload, &liveness); err != nil {
		return nil, fmt.Errorf("failed to unmarshal liveness: %w", err)
	}

	return &liveness, nil
}

// All retrieves the heartbeat of every role still present in Redis. The role
// table is fixed, so a bounded MGET replaces key scanning.
func (lr *LivenessRepository) All(ctx context.Context) ([]*models.AgentLiveness, error) {
	roles := models.Roles()

	keys := make([]string, len(roles))
	for i, role := range roles {
		keys[i] = keyPrefix + string(role)
	}

	values, err := lr.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read liveness entries: %w", err)
	}

	var all []*models.AgentLiveness

	for _, value := range values {
		payload, ok := value.(string)
		if !ok {
			continue
		}

		var liveness models.AgentLiveness

		if err := json.Unmarshal([]byte(payload), &liveness); err != nil {
			return nil, fmt.Errorf("failed to unmarshal liveness: %w", err)
		}

		all = append(all, &liveness)
	}

	return all, nil
}

// Close releases the Redis connection.
func (lr *LivenessRepository) Close() error {
	return lr.client.Close()
}
