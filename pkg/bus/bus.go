// Package bus provides the durable message bus agents coordinate over: a
// durable message log paired with a transient pub/sub channel. Publishes are
// dual-written (store first, then channel) so a message survives channel
// loss; consumers treat the log as the source of truth and the channel as a
// low-latency hint.
package bus

import (
	"context"

	"github.com/conductor-hq/conductor/pkg/events"
	"github.com/conductor-hq/conductor/pkg/models"
)

// MessageHandler evaluates one delivered message. The handler (not the bus)
// decides whether to acknowledge via MarkProcessed or MarkFailed.
type MessageHandler func(ctx context.Context, message *models.Message) error

// EventHandler handles one decoded lifecycle event.
type EventHandler func(ctx context.Context, event any) error

// MessageBus is the coordination surface between the engine and agents.
type MessageBus interface {
	Publish(ctx context.Context, from, to models.Role, kind models.Kind, subject string, content map[string]any) (string, error)
	Broadcast(ctx context.Context, from models.Role, kind models.Kind, subject string, content map[string]any) (string, error)

	FetchUnread(ctx context.Context, role models.Role) ([]*models.Message, error)
	MarkProcessed(ctx context.Context, messageID string) (*models.Message, error)
	MarkFailed(ctx context.Context, messageID string, cause error) (*models.Message, error)

	Subscribe(ctx context.Context, role models.Role, handler MessageHandler) error

	PublishEvent(ctx context.Context, event events.Event) error
	HandleEvent(eventType events.EventType, handler EventHandler)
	SubscribeEvents(ctx context.Context) error

	Close() error
}
