// Package kafka provides a Kafka implementation of the messaging interfaces
// built on segmentio/kafka-go.
package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// Config holds the Kafka configuration.
type Config struct {
	Brokers []string

	// Topic creation
	Partitions        int
	ReplicationFactor int

	// Consumer settings
	ReadMinBytes int
	ReadMaxBytes int
	ReadMaxWait  time.Duration

	// Producer settings
	WriteTimeout time.Duration

	// WriterFunc and ReaderFunc replace the kafka-go writer and reader; tests
	// use them to run without a cluster.
	WriterFunc func(topic string) Writer
	ReaderFunc func(topic, groupID string) Reader
	AdminFunc  func() (AdminConn, error)
	GroupsFunc func() GroupDescriber
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Brokers:           []string{"localhost:9092"},
		Partitions:        1,
		ReplicationFactor: 1,
		ReadMinBytes:      1024,
		ReadMaxBytes:      1048576,
		ReadMaxWait:       250 * time.Millisecond,
		WriteTimeout:      5 * time.Second,
	}
}

// Option configures the Kafka broker.
type Option func(*Config)

// WithBrokers sets the Kafka brokers.
func WithBrokers(brokers ...string) Option {
	return func(c *Config) {
		c.Brokers = brokers
	}
}

// WithPartitions sets partition count and replication factor for created topics.
func WithPartitions(partitions, replication int) Option {
	return func(c *Config) {
		c.Partitions = partitions
		c.ReplicationFactor = replication
	}
}

// Writer is the subset of *kafka.Writer used by the publisher.
type Writer interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Reader is the subset of *kafka.Reader used by the subscriber.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// AdminConn is the subset of *kafka.Conn used for topic management.
type AdminConn interface {
	ReadPartitions(topics ...string) ([]kafka.Partition, error)
	CreateTopics(topics ...kafka.TopicConfig) error
	Close() error
}

// GroupDescriber is the subset of *kafka.Client used to inspect consumer groups.
type GroupDescriber interface {
	DescribeGroups(context.Context, *kafka.DescribeGroupsRequest) (*kafka.DescribeGroupsResponse, error)
}
