package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/conductor-hq/conductor/pkg/models"
)

// Consumer binds one agent role to the bus: on Start it first drains the
// durable log for deliveries missed while offline, then serves the live
// channel. A message that arrives both ways (catch-up and live) is evaluated
// once per process lifetime.
type Consumer struct {
	bus     MessageBus
	role    models.Role
	handler MessageHandler
	logger  *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewConsumer creates a consumer for the role. The handler decides what to
// do with each message and is responsible for MarkProcessed/MarkFailed.
func NewConsumer(bus MessageBus, role models.Role, handler MessageHandler, logger *slog.Logger) *Consumer {
	return &Consumer{
		bus:     bus,
		role:    role,
		handler: handler,
		logger:  logger.With("module", "bus_consumer", "role", role),
		seen:    make(map[string]struct{}),
	}
}

// Start runs catch-up, then subscribes to the live channel. The live
// subscription stays active until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	missed, err := c.bus.FetchUnread(ctx, c.role)
	if err != nil {
		return fmt.Errorf("catch-up fetch failed: %w", err)
	}

	if len(missed) > 0 {
		c.logger.InfoContext(ctx, "Catching up on missed messages", "count", len(missed))
	}

	for _, msg := range missed {
		c.evaluate(ctx, msg)
	}

	return c.bus.Subscribe(ctx, c.role, func(ctx context.Context, msg *models.Message) error {
		c.evaluate(ctx, msg)

		return nil
	})
}

// evaluate invokes the handler at most once per message id.
func (c *Consumer) evaluate(ctx context.Context, msg *models.Message) {
	c.mu.Lock()

	if _, dup := c.seen[msg.ID]; dup {
		c.mu.Unlock()

		return
	}

	c.seen[msg.ID] = struct{}{}
	c.mu.Unlock()

	if err := c.handler(ctx, msg); err != nil {
		c.logger.ErrorContext(ctx, "Handler failed", "message_id", msg.ID, "error", err)
	}
}
