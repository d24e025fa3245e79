//go:build integration

package nats

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/eventrelay/internal/logging"
	"github.com/telhawk-systems/eventrelay/internal/messaging"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupJetStream starts a JetStream-enabled NATS server container.
func setupJetStream(t *testing.T) (*Broker, func()) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			Cmd:          []string{"-js"},
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor: wait.ForLog("Server is ready").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start NATS container: %v", err)
	}

	url, err := container.Endpoint(ctx, "nats")
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to get NATS endpoint: %v", err)
	}

	cfg := DefaultConfig()
	cfg.URL = url
	streams := DefaultStreamConfig()
	streams.Storage = jetstream.MemoryStorage

	broker, err := NewBroker(cfg, streams, logging.Discard())
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to connect broker: %v", err)
	}

	cleanup := func() {
		_ = broker.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}
	return broker, cleanup
}

func TestJetStream_TopologyAndRoundTrip(t *testing.T) {
	broker, cleanup := setupJetStream(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exists, err := broker.TopicExists(ctx, "events-topic")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, broker.CreateTopic(ctx, "events-topic"))
	exists, err = broker.TopicExists(ctx, "events-topic")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, broker.CreateSubscription(ctx, "transformer-subscription", "events-topic",
		messaging.WithAckWait(5*time.Second)))
	exists, err = broker.SubscriptionExists(ctx, "transformer-subscription", "events-topic")
	require.NoError(t, err)
	assert.True(t, exists)

	pub, err := broker.Publisher("events-topic")
	require.NoError(t, err)
	id, err := pub.Publish(ctx, []byte(`{"source":"marketing"}`))
	require.NoError(t, err)
	assert.Equal(t, "EVENTS_TOPIC:1", id)

	sub, err := broker.Subscribe(ctx, "transformer-subscription", "events-topic")
	require.NoError(t, err)
	defer sub.Close()

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, msg.ID())
	assert.JSONEq(t, `{"source":"marketing"}`, string(msg.Data()))
	require.NoError(t, msg.Ack(ctx))

	health := messaging.CheckHealth(ctx, broker, "events-topic")
	assert.True(t, health.Healthy())
}

func TestJetStream_NextHonoursCancellation(t *testing.T) {
	broker, cleanup := setupJetStream(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, broker.CreateTopic(ctx, "idle-topic"))
	require.NoError(t, broker.CreateSubscription(ctx, "idle-sub", "idle-topic"))

	sub, err := broker.Subscribe(ctx, "idle-sub", "idle-topic")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	_, err = sub.Next(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJetStream_RetainsMessagesWithoutSubscription(t *testing.T) {
	broker, cleanup := setupJetStream(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, broker.CreateTopic(ctx, "events-dlq"))

	pub, err := broker.Publisher("events-dlq")
	require.NoError(t, err)
	id, err := pub.Publish(ctx, []byte(`{"reason":"deserialize"}`))
	require.NoError(t, err)
	assert.Equal(t, "EVENTS_DLQ:1", id)

	stream, err := broker.js.Stream(ctx, StreamName("events-dlq"))
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, jetstream.LimitsPolicy, info.Config.Retention)
	assert.Equal(t, uint64(1), info.State.Msgs)

	// A subscription created after the publish still sees the message.
	require.NoError(t, broker.CreateSubscription(ctx, "dlq-inspector", "events-dlq"))
	sub, err := broker.Subscribe(ctx, "dlq-inspector", "events-dlq")
	require.NoError(t, err)
	defer sub.Close()

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, msg.ID())
	require.NoError(t, msg.Ack(ctx))
}
