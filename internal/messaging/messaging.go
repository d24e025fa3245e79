// Package messaging provides abstractions for message broker communication.
// It defines interfaces that allow the relay to provision topology, publish and
// consume messages without being coupled to a specific broker implementation.
//
// Every handle returned by a Broker is safe for concurrent use.
package messaging

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by Subscriber.Next once the stream has ended.
	ErrClosed = errors.New("messaging: subscription closed")

	// ErrAlreadyExists is returned when creating a topic or subscription that is already present.
	ErrAlreadyExists = errors.New("messaging: already exists")

	// ErrNotFound is returned when a topic or subscription does not exist.
	ErrNotFound = errors.New("messaging: not found")
)

// Message is a message received from a subscription.
type Message interface {
	// ID is the broker-assigned identifier.
	ID() string

	// Data is the raw message payload.
	Data() []byte

	// Ack tells the broker the message was fully processed.
	Ack(ctx context.Context) error
}

// Publisher publishes messages to a single topic.
type Publisher interface {
	// Publish sends data and waits for the broker to acknowledge it.
	// The returned id is assigned by (or unique to) the broker.
	Publish(ctx context.Context, data []byte) (string, error)

	// Topic returns the topic this publisher writes to.
	Topic() string
}

// Subscriber pulls messages from a subscription.
type Subscriber interface {
	// Next blocks until a message is available, ctx is cancelled (ctx.Err())
	// or the stream ends (ErrClosed).
	Next(ctx context.Context) (Message, error)

	// Subscription returns the subscription name.
	Subscription() string

	// Close stops the stream. Pending Next calls return ErrClosed.
	Close() error
}

// Nacker is implemented by messages whose broker does not redeliver an
// unacknowledged message on its own. Nak asks for the message to be
// delivered again.
type Nacker interface {
	Nak(ctx context.Context) error
}

// Admin manages broker topology.
type Admin interface {
	TopicExists(ctx context.Context, topic string) (bool, error)
	CreateTopic(ctx context.Context, topic string) error
	SubscriptionExists(ctx context.Context, subscription, topic string) (bool, error)
	CreateSubscription(ctx context.Context, subscription, topic string, opts ...SubscribeOption) error
}

// Broker combines topology management with publisher and subscriber factories.
type Broker interface {
	Admin

	// Publisher returns a shared publisher for topic.
	Publisher(topic string) (Publisher, error)

	// Subscribe opens a stream on an existing subscription bound to topic.
	Subscribe(ctx context.Context, subscription, topic string, opts ...SubscribeOption) (Subscriber, error)

	// IsConnected returns true if the client is connected to the broker.
	IsConnected() bool

	// Close releases any resources held by the broker client.
	Close() error
}

// SubscribeOption configures subscription behavior.
type SubscribeOption func(*SubscribeOptions)

// SubscribeOptions is the resolved set of subscription settings.
type SubscribeOptions struct {
	MaxInFlight int
	AckWait     time.Duration
	MaxDeliver  int
}

// WithMaxInFlight sets the maximum number of unacknowledged messages.
func WithMaxInFlight(n int) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.MaxInFlight = n
	}
}

// WithAckWait sets the time to wait for acknowledgment before redelivery.
func WithAckWait(d time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.AckWait = d
	}
}

// WithMaxDeliver sets how many times the broker delivers a message before giving up.
func WithMaxDeliver(n int) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.MaxDeliver = n
	}
}

// ApplySubscribeOptions resolves opts over the defaults.
func ApplySubscribeOptions(opts ...SubscribeOption) SubscribeOptions {
	o := SubscribeOptions{
		MaxInFlight: 100,
		AckWait:     30 * time.Second,
		MaxDeliver:  -1,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
