package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/telhawk-systems/eventrelay/internal/messaging"
)

// Broker implements messaging.Broker on Kafka. A subscription is a consumer
// group; Kafka creates groups on first join, so CreateSubscription only
// checks that the topic exists.
type Broker struct {
	cfg Config

	mu      sync.Mutex
	writers map[string]Writer
	subs    []*subscriber
	closed  bool
}

// NewBroker creates a Kafka broker client. No connection is opened until the
// first call that needs one.
func NewBroker(opts ...Option) (*Broker, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if len(cfg.Brokers) == 0 && cfg.WriterFunc == nil {
		return nil, errors.New("kafka: no brokers configured; set kafka.brokers in config")
	}
	return &Broker{cfg: cfg, writers: make(map[string]Writer)}, nil
}

func (b *Broker) admin(ctx context.Context) (AdminConn, error) {
	if b.cfg.AdminFunc != nil {
		return b.cfg.AdminFunc()
	}

	conn, err := kafka.DialContext(ctx, "tcp", b.cfg.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: dial: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return nil, fmt.Errorf("kafka: find controller: %w", err)
	}

	ctrl, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return nil, fmt.Errorf("kafka: dial controller: %w", err)
	}
	return ctrl, nil
}

func (b *Broker) groups() GroupDescriber {
	if b.cfg.GroupsFunc != nil {
		return b.cfg.GroupsFunc()
	}
	return &kafka.Client{Addr: kafka.TCP(b.cfg.Brokers...)}
}

// TopicExists reports whether the topic has partitions.
func (b *Broker) TopicExists(ctx context.Context, topic string) (bool, error) {
	conn, err := b.admin(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(topic)
	if errors.Is(err, kafka.UnknownTopicOrPartition) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kafka: read partitions for %s: %w", topic, err)
	}
	return len(partitions) > 0, nil
}

// CreateTopic creates the topic with the configured partitions and replication.
func (b *Broker) CreateTopic(ctx context.Context, topic string) error {
	conn, err := b.admin(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	err = conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     b.cfg.Partitions,
		ReplicationFactor: b.cfg.ReplicationFactor,
	})
	if errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("topic %s: %w", topic, messaging.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("kafka: create topic %s: %w", topic, err)
	}
	return nil
}

// SubscriptionExists reports whether the consumer group is known to the cluster.
func (b *Broker) SubscriptionExists(ctx context.Context, subscription, _ string) (bool, error) {
	resp, err := b.groups().DescribeGroups(ctx, &kafka.DescribeGroupsRequest{
		GroupIDs: []string{subscription},
	})
	if err != nil {
		return false, fmt.Errorf("kafka: describe group %s: %w", subscription, err)
	}

	for _, g := range resp.Groups {
		if g.GroupID != subscription {
			continue
		}
		if g.Error != nil {
			return false, fmt.Errorf("kafka: describe group %s: %w", subscription, g.Error)
		}
		return g.GroupState != "" && g.GroupState != "Dead", nil
	}
	return false, nil
}

// CreateSubscription verifies the topic exists; the group is created on first fetch.
func (b *Broker) CreateSubscription(ctx context.Context, subscription, topic string, _ ...messaging.SubscribeOption) error {
	ok, err := b.TopicExists(ctx, topic)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("topic %s for group %s: %w", topic, subscription, messaging.ErrNotFound)
	}
	return nil
}

// Publisher returns the shared writer for topic.
func (b *Broker) Publisher(topic string) (messaging.Publisher, error) {
	if topic == "" {
		return nil, errors.New("kafka: publish requires a topic")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, messaging.ErrClosed
	}

	w, ok := b.writers[topic]
	if !ok {
		w = b.newWriter(topic)
		b.writers[topic] = w
	}
	return &publisher{writer: w, topic: topic}, nil
}

func (b *Broker) newWriter(topic string) Writer {
	if b.cfg.WriterFunc != nil {
		return b.cfg.WriterFunc(topic)
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(b.cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Murmur2Balancer{},
		AllowAutoTopicCreation: false,
		Async:                  false,
		WriteTimeout:           b.cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireAll,
	}
}

// Subscribe starts a consumer-group reader with manual commits. AckWait is
// the delay before a rejected message is fetched again.
func (b *Broker) Subscribe(_ context.Context, subscription, topic string, opts ...messaging.SubscribeOption) (messaging.Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, messaging.ErrClosed
	}

	o := messaging.ApplySubscribeOptions(opts...)
	open := func() Reader {
		if b.cfg.ReaderFunc != nil {
			return b.cfg.ReaderFunc(topic, subscription)
		}
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        b.cfg.Brokers,
			GroupID:        subscription,
			Topic:          topic,
			MinBytes:       b.cfg.ReadMinBytes,
			MaxBytes:       b.cfg.ReadMaxBytes,
			MaxWait:        b.cfg.ReadMaxWait,
			CommitInterval: 0, // manual commit
			StartOffset:    kafka.FirstOffset,
		})
	}
	s := newSubscriber(subscription, open, o.AckWait)
	b.subs = append(b.subs, s)
	return s, nil
}

// IsConnected reports whether the client has not been closed. kafka-go dials
// per request, so there is no long-lived connection to inspect.
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Close closes every writer and subscriber.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for _, w := range b.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range b.subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type publisher struct {
	writer Writer
	topic  string
}

// Publish writes one message keyed by a fresh uuid and returns the key.
func (p *publisher) Publish(ctx context.Context, data []byte) (string, error) {
	key := uuid.NewString()
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: data}); err != nil {
		return "", err
	}
	return key, nil
}

func (p *publisher) Topic() string { return p.topic }

// subscriber reads one consumer group. Kafka commits are positional, so a
// commit is held back until every earlier fetched offset of the partition has
// been acknowledged. A rejected message restarts the reader, which resumes
// from the last commit.
type subscriber struct {
	name  string
	open  func() Reader
	delay time.Duration

	mu         sync.Mutex
	reader     Reader
	generation int
	resumeAt   time.Time
	partitions map[partitionKey]*partitionState
	closed     bool

	// commitMu keeps commits for a partition from landing out of order.
	commitMu sync.Mutex
}

type partitionKey struct {
	topic     string
	partition int
}

type partitionState struct {
	pending   map[int64]struct{}
	acked     int64
	committed int64
}

// floor is the highest offset that can be committed: every fetched offset
// at or below it has been acknowledged.
func (p *partitionState) floor() int64 {
	target := p.acked
	for off := range p.pending {
		if off-1 < target {
			target = off - 1
		}
	}
	return target
}

func newSubscriber(name string, open func() Reader, delay time.Duration) *subscriber {
	return &subscriber{
		name:       name,
		open:       open,
		delay:      delay,
		reader:     open(),
		partitions: make(map[partitionKey]*partitionState),
	}
}

func (s *subscriber) Next(ctx context.Context) (messaging.Message, error) {
	for {
		s.mu.Lock()
		r, gen, wait, closed := s.reader, s.generation, time.Until(s.resumeAt), s.closed
		s.mu.Unlock()
		if closed {
			return nil, messaging.ErrClosed
		}

		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if s.replaced(gen) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil, messaging.ErrClosed
			}
			return nil, err
		}

		s.mu.Lock()
		if s.generation != gen {
			// Fetched by a reader that has since been restarted; the new one
			// delivers it again.
			s.mu.Unlock()
			continue
		}
		s.partition(m).pending[m.Offset] = struct{}{}
		s.mu.Unlock()
		return &message{msg: m, sub: s, generation: gen}, nil
	}
}

func (s *subscriber) replaced(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation != gen
}

// partition must be called with s.mu held.
func (s *subscriber) partition(m kafka.Message) *partitionState {
	key := partitionKey{topic: m.Topic, partition: m.Partition}
	p, ok := s.partitions[key]
	if !ok {
		p = &partitionState{pending: make(map[int64]struct{}), acked: -1, committed: -1}
		s.partitions[key] = p
	}
	return p
}

func (s *subscriber) ack(ctx context.Context, m kafka.Message) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	p := s.partition(m)
	delete(p.pending, m.Offset)
	if m.Offset > p.acked {
		p.acked = m.Offset
	}
	target := p.floor()
	if target <= p.committed {
		s.mu.Unlock()
		return nil
	}
	r := s.reader
	s.mu.Unlock()

	if err := r.CommitMessages(ctx, kafka.Message{Topic: m.Topic, Partition: m.Partition, Offset: target}); err != nil {
		return err
	}

	s.mu.Lock()
	p.committed = target
	s.mu.Unlock()
	return nil
}

// rewind restarts the reader once per generation so the group resumes from
// its last commit after the redelivery delay.
func (s *subscriber) rewind(gen int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return messaging.ErrClosed
	}
	if s.generation != gen {
		return nil
	}

	old := s.reader
	s.reader = s.open()
	s.generation++
	s.resumeAt = time.Now().Add(s.delay)
	return old.Close()
}

func (s *subscriber) Subscription() string { return s.name }

func (s *subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.reader.Close()
}

type message struct {
	msg        kafka.Message
	sub        *subscriber
	generation int
}

// ID is stable across redeliveries of the same record.
func (m *message) ID() string {
	return fmt.Sprintf("%s/%d/%d", m.msg.Topic, m.msg.Partition, m.msg.Offset)
}

func (m *message) Data() []byte { return m.msg.Value }

// Ack commits the partition up to the highest offset below which everything
// fetched has been acknowledged.
func (m *message) Ack(ctx context.Context) error {
	return m.sub.ack(ctx, m.msg)
}

// Nak leaves the offset uncommitted and restarts the reader, so the record
// and everything after it is delivered again.
func (m *message) Nak(context.Context) error {
	return m.sub.rewind(m.generation)
}

var (
	_ messaging.Broker     = (*Broker)(nil)
	_ messaging.Publisher  = (*publisher)(nil)
	_ messaging.Subscriber = (*subscriber)(nil)
	_ messaging.Message    = (*message)(nil)
	_ messaging.Nacker     = (*message)(nil)
	_ Writer               = (*kafka.Writer)(nil)
	_ Reader               = (*kafka.Reader)(nil)
	_ AdminConn            = (*kafka.Conn)(nil)
	_ GroupDescriber       = (*kafka.Client)(nil)
)
