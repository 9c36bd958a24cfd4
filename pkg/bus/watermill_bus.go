package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/conductor-hq/conductor/pkg/events"
	"github.com/conductor-hq/conductor/pkg/models"
	"github.com/conductor-hq/conductor/pkg/persistence"
	"github.com/google/uuid"
)

// WatermillBus implements MessageBus over a durable message repository and a
// watermill publisher/subscriber pair.
type WatermillBus struct {
	repo          persistence.MessageRepository
	publisher     message.Publisher
	subscriber    message.Subscriber
	logger        *slog.Logger
	eventHandlers map[events.EventType]EventHandler
}

// NewWatermillBus wires the bus over the given repository and channel.
func NewWatermillBus(repo persistence.MessageRepository, pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *WatermillBus {
	return &WatermillBus{
		repo:          repo,
		publisher:     pub,
		subscriber:    sub,
		logger:        logger.With("module", "message_bus"),
		eventHandlers: make(map[events.EventType]EventHandler),
	}
}

// Publish stores the message durably, then fans it out on the transient
// channel. Channel failure is logged but does not fail the publish: the
// durable row is the source of truth and catch-up recovers it.
func (b *WatermillBus) Publish(ctx context.Context, from, to models.Role, kind models.Kind, subject string, content map[string]any) (string, error) {
	if !from.Valid() {
		return "", fmt.Errorf("invalid sender role: %q", from)
	}

	if !to.Valid() && to != models.RoleBroadcast {
		return "", fmt.Errorf("invalid recipient role: %q", to)
	}

	if _, err := models.ParseKind(string(kind)); err != nil {
		return "", err
	}

	msg := &models.Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Kind:      kind,
		Subject:   subject,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	if err := b.repo.Save(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to store message: %w", err)
	}

	if err := b.fanOut(msg); err != nil {
		b.logger.WarnContext(ctx, "Transient delivery failed, message remains in the log",
			"message_id", msg.ID, "to", msg.To, "error", err)
	}

	return msg.ID, nil
}

// Broadcast publishes to every agent via the broadcast topic.
func (b *WatermillBus) Broadcast(ctx context.Context, from models.Role, kind models.Kind, subject string, content map[string]any) (string, error) {
	return b.Publish(ctx, from, models.RoleBroadcast, kind, subject, content)
}

func (b *WatermillBus) fanOut(msg *models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message envelope: %w", err)
	}

	envelope := message.NewMessage("msg-"+watermill.NewULID(), payload)

	return b.publisher.Publish(events.MessageTopic(msg.To), envelope)
}

// FetchUnread returns the unacknowledged messages addressed to the role,
// directly or by broadcast. Consumers call this on startup to catch up on
// deliveries missed while offline.
func (b *WatermillBus) FetchUnread(ctx context.Context, role models.Role) ([]*models.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role: %q", role)
	}

	return b.repo.ListUnprocessed(ctx, role)
}

// MarkProcessed acknowledges a message; repeated calls are no-ops.
func (b *WatermillBus) MarkProcessed(ctx context.Context, messageID string) (*models.Message, error) {
	return b.repo.MarkProcessed(ctx, messageID)
}

// MarkFailed acknowledges a message with its processing error; repeated
// calls are no-ops.
func (b *WatermillBus) MarkFailed(ctx context.Context, messageID string, cause error) (*models.Message, error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	return b.repo.MarkFailed(ctx, messageID, reason)
}

// Subscribe delivers live messages for the role's direct topic and the
// broadcast topic. The handler is invoked once per envelope; acknowledgment
// of the durable row stays with the handler.
func (b *WatermillBus) Subscribe(ctx context.Context, role models.Role, handler MessageHandler) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role: %q", role)
	}

	for _, topic := range []string{events.MessageTopic(role), events.BroadcastTopic} {
		messages, err := b.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}

		go b.consumeLoop(ctx, messages, handler)
	}

	return nil
}

func (b *WatermillBus) consumeLoop(ctx context.Context, messages <-chan *message.Message, handler MessageHandler) {
	for envelope := range messages {
		var msg models.Message

		if err := json.Unmarshal(envelope.Payload, &msg); err != nil {
			b.logger.ErrorContext(ctx, "Dropping undecodable envelope", "envelope_id", envelope.UUID, "error", err)
			envelope.Ack()

			continue
		}

		if err := handler(ctx, &msg); err != nil {
			b.logger.ErrorContext(ctx, "Message handler failed", "message_id", msg.ID, "error", err)
		}

		// The transient ack only releases the channel slot; the durable row
		// is acknowledged separately through MarkProcessed/MarkFailed.
		envelope.Ack()
	}
}

// PublishEvent publishes an execution lifecycle event on the event topic.
func (b *WatermillBus) PublishEvent(_ context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	envelope := message.NewMessage("evt-"+watermill.NewULID(), payload)
	envelope.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return b.publisher.Publish(events.EventTopic, envelope)
}

// HandleEvent registers the handler for an event type. Registration must
// happen before SubscribeEvents.
func (b *WatermillBus) HandleEvent(eventType events.EventType, handler EventHandler) {
	b.eventHandlers[eventType] = handler
}

// SubscribeEvents consumes the event topic, decoding each envelope by its
// event_type metadata and dispatching to the registered handler.
func (b *WatermillBus) SubscribeEvents(ctx context.Context) error {
	envelopes, err := b.subscriber.Subscribe(ctx, events.EventTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", events.EventTopic, err)
	}

	go func() {
		for envelope := range envelopes {
			eventType := events.EventType(envelope.Metadata.Get(events.EventTypeMetadataKey))

			handler, exists := b.eventHandlers[eventType]
			if !exists {
				envelope.Ack()

				continue
			}

			var event any

			switch eventType {
			case events.ExecutionStartedEvent:
				event = &events.ExecutionStarted{}
			case events.ExecutionWaitingEvent:
				event = &events.ExecutionWaiting{}
			case events.ExecutionResumedEvent:
				event = &events.ExecutionResumed{}
			case events.ExecutionCompletedEvent:
				event = &events.ExecutionCompleted{}
			case events.ExecutionFailedEvent:
				event = &events.ExecutionFailed{}
			default:
				envelope.Nack()

				continue
			}

			if err := json.Unmarshal(envelope.Payload, event); err != nil {
				envelope.Nack()

				continue
			}

			if err := handler(ctx, event); err != nil {
				envelope.Nack()

				continue
			}

			envelope.Ack()
		}
	}()

	return nil
}

// Close shuts the transient channel down. The durable log is owned by the
// persistence layer and closed with it.
func (b *WatermillBus) Close() error {
	if err := b.publisher.Close(); err != nil {
		return err
	}

	return b.subscriber.Close()
}
