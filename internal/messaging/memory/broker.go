// Package memory provides an in-process implementation of the messaging
// interfaces. It backs the test suites and local dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/telhawk-systems/eventrelay/internal/messaging"
)

// Broker is an in-process broker. Publishing to a topic fans the message out
// to every subscription bound to it. Unacknowledged messages stay pending
// until Redeliver is called.
type Broker struct {
	mu            sync.Mutex
	topics        map[string]*topic
	subs          map[string]*subscription
	closed        bool
	publishErrors map[string]error
	ackErrors     map[string]error
}

type topic struct {
	name      string
	published [][]byte
	subs      []*subscription
}

type subscription struct {
	name     string
	topic    string
	queue    []*message
	pending  map[string]*message
	acked    int
	notify   chan struct{}
	done     chan struct{}
	isClosed bool
}

type message struct {
	id         string
	data       []byte
	deliveries int
	sub        *subscription
	broker     *Broker
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		topics:        make(map[string]*topic),
		subs:          make(map[string]*subscription),
		publishErrors: make(map[string]error),
		ackErrors:     make(map[string]error),
	}
}

// TopicExists reports whether the topic has been created.
func (b *Broker) TopicExists(_ context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[name]
	return ok, nil
}

// CreateTopic creates a topic.
func (b *Broker) CreateTopic(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; ok {
		return fmt.Errorf("topic %s: %w", name, messaging.ErrAlreadyExists)
	}
	b.topics[name] = &topic{name: name}
	return nil
}

// SubscriptionExists reports whether the subscription has been created.
func (b *Broker) SubscriptionExists(_ context.Context, name, topicName string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[name]
	if ok && topicName != "" && sub.topic != topicName {
		return false, fmt.Errorf("subscription %s is bound to topic %s, not %s", name, sub.topic, topicName)
	}
	return ok, nil
}

// CreateSubscription binds a new subscription to an existing topic.
func (b *Broker) CreateSubscription(_ context.Context, name, topicName string, _ ...messaging.SubscribeOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[name]; ok {
		return fmt.Errorf("subscription %s: %w", name, messaging.ErrAlreadyExists)
	}
	t, ok := b.topics[topicName]
	if !ok {
		return fmt.Errorf("topic %s: %w", topicName, messaging.ErrNotFound)
	}
	sub := &subscription{
		name:    name,
		topic:   topicName,
		pending: make(map[string]*message),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subs[name] = sub
	t.subs = append(t.subs, sub)
	return nil
}

// Publisher returns a publisher for an existing topic.
func (b *Broker) Publisher(name string) (messaging.Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; !ok {
		return nil, fmt.Errorf("topic %s: %w", name, messaging.ErrNotFound)
	}
	return &publisher{broker: b, topic: name}, nil
}

// Subscribe opens a stream on an existing subscription.
func (b *Broker) Subscribe(_ context.Context, name, topicName string, _ ...messaging.SubscribeOption) (messaging.Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[name]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", name, messaging.ErrNotFound)
	}
	if topicName != "" && sub.topic != topicName {
		return nil, fmt.Errorf("subscription %s is bound to topic %s, not %s", name, sub.topic, topicName)
	}
	return &subscriber{broker: b, sub: sub}, nil
}

// IsConnected returns true until the broker is closed.
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Close ends every subscription stream.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.close()
	}
	return nil
}

// FailPublish makes every publish to topic fail with err. A nil err clears it.
func (b *Broker) FailPublish(topicName string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErrors[topicName] = err
}

// FailAck makes every ack on subscription fail with err. A nil err clears it.
func (b *Broker) FailAck(subName string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ackErrors[subName] = err
}

// Published returns a copy of every payload accepted on topic.
func (b *Broker) Published(topicName string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topicName]
	if !ok {
		return nil
	}
	out := make([][]byte, len(t.published))
	copy(out, t.published)
	return out
}

// Pending returns the number of delivered but unacknowledged messages.
func (b *Broker) Pending(subName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[subName]; ok {
		return len(sub.pending)
	}
	return 0
}

// Queued returns the number of messages waiting to be delivered.
func (b *Broker) Queued(subName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[subName]; ok {
		return len(sub.queue)
	}
	return 0
}

// Acked returns how many messages were acknowledged on the subscription.
func (b *Broker) Acked(subName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[subName]; ok {
		return sub.acked
	}
	return 0
}

// Redeliver puts every pending message back at the head of the queue.
func (b *Broker) Redeliver(subName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[subName]
	if !ok {
		return 0
	}
	requeued := make([]*message, 0, len(sub.pending))
	for _, m := range sub.pending {
		requeued = append(requeued, m)
	}
	sub.pending = make(map[string]*message)
	sub.queue = append(requeued, sub.queue...)
	sub.signal()
	return len(requeued)
}

// CloseSubscription ends the stream of a single subscription.
func (b *Broker) CloseSubscription(subName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[subName]; ok {
		sub.close()
	}
}

func (b *Broker) publish(topicName string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", messaging.ErrClosed
	}
	if err := b.publishErrors[topicName]; err != nil {
		return "", err
	}
	t, ok := b.topics[topicName]
	if !ok {
		return "", fmt.Errorf("topic %s: %w", topicName, messaging.ErrNotFound)
	}

	id := uuid.NewString()
	payload := append([]byte(nil), data...)
	t.published = append(t.published, payload)
	for _, sub := range t.subs {
		if sub.isClosed {
			continue
		}
		sub.queue = append(sub.queue, &message{id: id, data: payload, sub: sub, broker: b})
		sub.signal()
	}
	return id, nil
}

func (b *Broker) ack(m *message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ackErrors[m.sub.name]; err != nil {
		return err
	}
	if _, ok := m.sub.pending[m.id]; !ok {
		return fmt.Errorf("message %s is not pending", m.id)
	}
	delete(m.sub.pending, m.id)
	m.sub.acked++
	return nil
}

func (s *subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	if s.isClosed {
		return
	}
	s.isClosed = true
	close(s.done)
}

type publisher struct {
	broker *Broker
	topic  string
}

func (p *publisher) Publish(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.broker.publish(p.topic, data)
}

func (p *publisher) Topic() string { return p.topic }

type subscriber struct {
	broker *Broker
	sub    *subscription
}

func (s *subscriber) Next(ctx context.Context) (messaging.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.broker.mu.Lock()
		if len(s.sub.queue) > 0 {
			m := s.sub.queue[0]
			s.sub.queue = s.sub.queue[1:]
			m.deliveries++
			s.sub.pending[m.id] = m
			s.broker.mu.Unlock()
			return m, nil
		}
		if s.sub.isClosed {
			s.broker.mu.Unlock()
			return nil, messaging.ErrClosed
		}
		s.broker.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.sub.notify:
		case <-s.sub.done:
		}
	}
}

func (s *subscriber) Subscription() string { return s.sub.name }

func (s *subscriber) Close() error {
	s.broker.CloseSubscription(s.sub.name)
	return nil
}

func (m *message) ID() string   { return m.id }
func (m *message) Data() []byte { return m.data }

func (m *message) Ack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.broker.ack(m)
}

var (
	_ messaging.Broker     = (*Broker)(nil)
	_ messaging.Publisher  = (*publisher)(nil)
	_ messaging.Subscriber = (*subscriber)(nil)
	_ messaging.Message    = (*message)(nil)
)
