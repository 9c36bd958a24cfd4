package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/conductor-hq/conductor/pkg/bus"
	"github.com/conductor-hq/conductor/pkg/channels/gochannel"
	"github.com/conductor-hq/conductor/pkg/channels/kafka"
	"github.com/conductor-hq/conductor/pkg/persistence"
)

// NewMessageBus creates the durable message bus over the given channel
// provider. The message log always lives in the persistence layer; the
// provider only selects the transient fan-out channel.
func NewMessageBus(provider, serviceName string, repo persistence.MessageRepository, logger *slog.Logger) bus.MessageBus {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, serviceName)
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return bus.NewWatermillBus(repo, pub, sub, logger)
	case "gochannel", "memory":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			panic(fmt.Errorf("failed to create GoChannel pub/sub: %w", err))
		}

		return bus.NewWatermillBus(repo, pub, sub, logger)
	default:
		panic("Unsupported message bus provider: " + provider)
	}
}
