package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/telhawk-systems/eventrelay/internal/logging"
	"github.com/telhawk-systems/eventrelay/internal/messaging"
)

// StreamConfig holds the limits applied to streams created for topics.
type StreamConfig struct {
	// MaxAge is the maximum age of messages in the stream.
	MaxAge time.Duration

	// MaxBytes is the maximum total size of the stream.
	MaxBytes int64

	// MaxMsgs is the maximum number of messages in the stream.
	MaxMsgs int64

	// Storage type (FileStorage, MemoryStorage).
	Storage jetstream.StorageType

	// Retention decides when stored messages are discarded. Limits keeps
	// messages until MaxAge, MaxBytes or MaxMsgs is reached, whether or not
	// any consumer exists yet.
	Retention jetstream.RetentionPolicy
}

// DefaultStreamConfig returns sensible defaults for a topic stream.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxAge:    24 * time.Hour,     // Keep messages for 24 hours
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		MaxMsgs:   1000000,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	}
}

// Broker implements messaging.Broker on JetStream. A topic is a stream
// capturing the subject of the same name; a subscription is a durable pull
// consumer with explicit acknowledgement.
type Broker struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	streams StreamConfig
	logger  *logging.Logger
}

// NewBroker connects to NATS and creates a JetStream context.
func NewBroker(cfg Config, streams StreamConfig, logger *logging.Logger) (*Broker, error) {
	if logger == nil {
		logger = logging.Default()
	}

	conn, err := Connect(cfg, logger)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Broker{
		conn:    conn,
		js:      js,
		streams: streams,
		logger:  logger,
	}, nil
}

// StreamName converts a topic name to a valid JetStream stream name.
// Example: events-topic -> EVENTS_TOPIC
func StreamName(topic string) string {
	r := strings.NewReplacer(".", "_", "-", "_", "*", "_", ">", "_", " ", "_", "/", "_", "\\", "_")
	return strings.ToUpper(r.Replace(topic))
}

// TopicExists reports whether the stream for topic exists.
func (b *Broker) TopicExists(ctx context.Context, topic string) (bool, error) {
	_, err := b.js.Stream(ctx, StreamName(topic))
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get stream for %s: %w", topic, err)
	}
	return true, nil
}

// CreateTopic creates the stream for topic.
func (b *Broker) CreateTopic(ctx context.Context, topic string) error {
	_, err := b.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName(topic),
		Subjects:  []string{topic},
		MaxAge:    b.streams.MaxAge,
		MaxBytes:  b.streams.MaxBytes,
		MaxMsgs:   b.streams.MaxMsgs,
		Retention: b.streams.Retention,
		Storage:   b.streams.Storage,
	})
	if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("stream %s: %w", StreamName(topic), messaging.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create stream for %s: %w", topic, err)
	}
	return nil
}

// SubscriptionExists reports whether the durable consumer exists on the topic's stream.
func (b *Broker) SubscriptionExists(ctx context.Context, subscription, topic string) (bool, error) {
	_, err := b.js.Consumer(ctx, StreamName(topic), subscription)
	if errors.Is(err, jetstream.ErrConsumerNotFound) {
		return false, nil
	}
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return false, fmt.Errorf("stream for %s: %w", topic, messaging.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to get consumer %s: %w", subscription, err)
	}
	return true, nil
}

// CreateSubscription creates a durable consumer on the topic's stream.
func (b *Broker) CreateSubscription(ctx context.Context, subscription, topic string, opts ...messaging.SubscribeOption) error {
	o := messaging.ApplySubscribeOptions(opts...)

	_, err := b.js.CreateConsumer(ctx, StreamName(topic), jetstream.ConsumerConfig{
		Name:          subscription,
		Durable:       subscription,
		FilterSubject: topic,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       o.AckWait,
		MaxDeliver:    o.MaxDeliver,
		MaxAckPending: o.MaxInFlight,
	})
	switch {
	case errors.Is(err, jetstream.ErrConsumerExists):
		return fmt.Errorf("consumer %s: %w", subscription, messaging.ErrAlreadyExists)
	case errors.Is(err, jetstream.ErrStreamNotFound):
		return fmt.Errorf("stream for %s: %w", topic, messaging.ErrNotFound)
	case err != nil:
		return fmt.Errorf("failed to create consumer %s: %w", subscription, err)
	}
	return nil
}

// Publisher returns a publisher for topic. The handle is a thin value over
// the shared JetStream context and may be used from many goroutines.
func (b *Broker) Publisher(topic string) (messaging.Publisher, error) {
	if topic == "" {
		return nil, errors.New("publisher requires a topic")
	}
	return &publisher{js: b.js, topic: topic}, nil
}

// Subscribe opens a pull iterator on the durable consumer.
func (b *Broker) Subscribe(ctx context.Context, subscription, topic string, opts ...messaging.SubscribeOption) (messaging.Subscriber, error) {
	o := messaging.ApplySubscribeOptions(opts...)

	consumer, err := b.js.Consumer(ctx, StreamName(topic), subscription)
	if errors.Is(err, jetstream.ErrConsumerNotFound) || errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, fmt.Errorf("consumer %s: %w", subscription, messaging.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer %s: %w", subscription, err)
	}

	batch := o.MaxInFlight
	if batch <= 0 {
		batch = 1
	}
	iter, err := consumer.Messages(jetstream.PullMaxMessages(batch))
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return &subscriber{name: subscription, iter: iter}, nil
}

// IsConnected returns true if connected to NATS.
func (b *Broker) IsConnected() bool {
	return b.conn.IsConnected()
}

// Close drains the connection, allowing in-flight acks to complete.
func (b *Broker) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

type publisher struct {
	js    jetstream.JetStream
	topic string
}

func (p *publisher) Publish(ctx context.Context, data []byte) (string, error) {
	ack, err := p.js.Publish(ctx, p.topic, data)
	if err != nil {
		return "", err
	}
	return messageID(ack.Stream, ack.Sequence), nil
}

func (p *publisher) Topic() string { return p.topic }

type subscriber struct {
	name string
	iter jetstream.MessagesContext
}

func (s *subscriber) Next(ctx context.Context) (messaging.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The iterator has no context; stopping it unblocks Next.
	stop := context.AfterFunc(ctx, s.iter.Stop)
	defer stop()

	msg, err := s.iter.Next()
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, messaging.ErrClosed
		}
		return nil, err
	}
	return newMessage(msg), nil
}

func (s *subscriber) Subscription() string { return s.name }

func (s *subscriber) Close() error {
	s.iter.Stop()
	return nil
}

type message struct {
	msg jetstream.Msg
	id  string
}

func newMessage(msg jetstream.Msg) *message {
	m := &message{msg: msg}
	if meta, err := msg.Metadata(); err == nil {
		m.id = messageID(meta.Stream, meta.Sequence.Stream)
	}
	return m
}

func (m *message) ID() string   { return m.id }
func (m *message) Data() []byte { return m.msg.Data() }

// Ack waits for the server to confirm the acknowledgement.
func (m *message) Ack(ctx context.Context) error {
	return m.msg.DoubleAck(ctx)
}

func messageID(stream string, seq uint64) string {
	return fmt.Sprintf("%s:%d", stream, seq)
}

var (
	_ messaging.Broker     = (*Broker)(nil)
	_ messaging.Publisher  = (*publisher)(nil)
	_ messaging.Subscriber = (*subscriber)(nil)
	_ messaging.Message    = (*message)(nil)
)
