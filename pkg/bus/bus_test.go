package bus

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/conductor-hq/conductor/pkg/channels/gochannel"
	"github.com/conductor-hq/conductor/pkg/events"
	"github.com/conductor-hq/conductor/pkg/models"
	"github.com/conductor-hq/conductor/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *WatermillBus {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	return NewWatermillBus(memory.NewPersistence().Messages(), pub, sub, logger)
}

func TestPublish_StoredBeforeAnySubscriberConsumes(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)

	id, err := bus.Publish(ctx, models.RoleOrchestrator, models.RoleApprover,
		models.KindRequest, "approval needed", map[string]any{"cost": 2000000})
	require.NoError(t, err)

	unread, err := bus.FetchUnread(ctx, models.RoleApprover)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, id, unread[0].ID)
	assert.Equal(t, "approval needed", unread[0].Subject)

	_, err = bus.MarkProcessed(ctx, id)
	require.NoError(t, err)

	unread, err = bus.FetchUnread(ctx, models.RoleApprover)
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestPublish_RejectsInvalidRolesAndKinds(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)

	_, err := bus.Publish(ctx, "intern", models.RoleApprover, models.KindRequest, "s", nil)
	require.Error(t, err)

	_, err = bus.Publish(ctx, models.RoleCTO, "nobody", models.KindRequest, "s", nil)
	require.Error(t, err)

	_, err = bus.Publish(ctx, models.RoleCTO, models.RoleApprover, "gossip", "s", nil)
	require.Error(t, err)
}

func TestMarkProcessed_Idempotent(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)

	id, err := bus.Publish(ctx, models.RoleCTO, models.RoleApprover, models.KindRequest, "s", nil)
	require.NoError(t, err)

	first, err := bus.MarkProcessed(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, first.ProcessedAt)

	second, err := bus.MarkProcessed(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.ProcessedAt, second.ProcessedAt)
}

func TestMarkFailed_RecordsCause(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)

	id, err := bus.Publish(ctx, models.RoleCTO, models.RoleApprover, models.KindRequest, "s", nil)
	require.NoError(t, err)

	failed, err := bus.MarkFailed(ctx, id, errors.New("agent rejected payload"))
	require.NoError(t, err)
	require.NotNil(t, failed.ProcessedAt)
	assert.Equal(t, "agent rejected payload", failed.ProcessingError)
}

func TestSubscribe_DeliversDirectAndBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)

	var (
		mu       sync.Mutex
		received []string
	)

	err := bus.Subscribe(ctx, models.RoleApprover, func(_ context.Context, msg *models.Message) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg.ID)

		return nil
	})
	require.NoError(t, err)

	directID, err := bus.Publish(ctx, models.RoleCTO, models.RoleApprover, models.KindRequest, "direct", nil)
	require.NoError(t, err)

	broadcastID, err := bus.Broadcast(ctx, models.RoleCTO, models.KindNotification, "everyone", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(received) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{directID, broadcastID}, received)
}

func TestConsumer_DeduplicatesCatchUpAgainstLive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)

	// Published before the consumer exists: only reachable via catch-up.
	missedID, err := bus.Publish(ctx, models.RoleCTO, models.RoleTestLead, models.KindRequest, "while offline", nil)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)

	consumer := NewConsumer(bus, models.RoleTestLead, func(_ context.Context, msg *models.Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls[msg.ID]++

		return nil
	}, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	require.NoError(t, consumer.Start(ctx))

	liveID, err := bus.Publish(ctx, models.RoleCTO, models.RoleTestLead, models.KindRequest, "while online", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return calls[liveID] == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Feed the missed message again as if the channel replayed it.
	consumer.evaluate(ctx, &models.Message{ID: missedID, From: models.RoleCTO, To: models.RoleTestLead})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls[missedID])
	assert.Equal(t, 1, calls[liveID])
}

func TestPublish_SurvivesChannelFailure(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	repo := memory.NewPersistence().Messages()
	bus := NewWatermillBus(repo, &failingPublisher{}, nil, logger)

	id, err := bus.Publish(ctx, models.RoleCTO, models.RoleApprover, models.KindRequest, "s", nil)
	require.NoError(t, err)

	stored, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.KindRequest, stored.Kind)
}

func TestEvents_PublishSubscribeRoundtrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)

	var (
		mu       sync.Mutex
		observed *events.ExecutionCompleted
	)

	bus.HandleEvent(events.ExecutionCompletedEvent, func(_ context.Context, event any) error {
		mu.Lock()
		defer mu.Unlock()
		observed = event.(*events.ExecutionCompleted)

		return nil
	})

	require.NoError(t, bus.SubscribeEvents(ctx))

	err := bus.PublishEvent(ctx, events.ExecutionCompleted{
		BaseEvent:  events.NewBaseEvent(events.ExecutionCompletedEvent, "Approval", "exec-1"),
		RouteTaken: []string{"auto"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return observed != nil
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "exec-1", observed.ExecutionID)
	assert.Equal(t, []string{"auto"}, observed.RouteTaken)
}

// failingPublisher simulates a down transient channel.
type failingPublisher struct{}

func (*failingPublisher) Publish(string, ...*message.Message) error {
	return errors.New("channel down")
}

func (*failingPublisher) Close() error {
	return nil
}
